package protocol

import (
	"strconv"
	"time"

	"github.com/cpunion/feedsync/pkg/types"
)

// DecodeOptions tunes Decode.
type DecodeOptions struct {
	// Now stamps entities that carry no timestamp. Nil leaves them unstamped.
	Now func() time.Time
}

// Decode parses the tokens of a surface out of free text. Well formed tokens
// become entities; malformed tokens of known kinds are skipped and reported.
// Text outside tokens and tokens of unknown kinds are ignored.
func Decode(surface types.Surface, text string, opts DecodeOptions) (*types.Document, []Warning) {
	doc := types.NewDocument(surface)
	g, ok := Lookup(surface)
	if !ok {
		return doc, []Warning{{Reason: "unknown surface " + string(surface)}}
	}

	tokens, warnings := Tokenize(text, g.Accepts)
	d := &decoder{
		doc:     doc,
		threads: make(map[string]*types.Thread),
		replies: make(map[string]*types.Reply),
		items:   make(map[string]*types.InventoryItem),
		events:  make(map[string]*types.WorldEvent),
		board:   -1,
	}
	for _, tok := range tokens {
		spec := kindSpecs[tok.Kind]
		if len(tok.Fields) < spec.Min() {
			warnings = append(warnings, Warning{Offset: tok.Offset, Kind: tok.Kind, Raw: tok.Raw, Reason: "too few fields"})
			continue
		}
		if reason := d.token(tok); reason != "" {
			warnings = append(warnings, Warning{Offset: tok.Offset, Kind: tok.Kind, Raw: tok.Raw, Reason: reason})
		}
	}
	d.attach()

	if opts.Now != nil {
		Stamp(doc, opts.Now())
	}
	for _, t := range doc.Threads {
		t.RefreshActivity()
	}
	return doc, warnings
}

// Stamp assigns now to every entity of doc without a timestamp.
func Stamp(doc *types.Document, now time.Time) {
	var stampReplies func([]*types.Reply)
	stampReplies = func(rs []*types.Reply) {
		for _, r := range rs {
			if r.Timestamp.IsZero() {
				r.Timestamp = now
			}
			stampReplies(r.Replies)
		}
	}
	for _, t := range doc.Threads {
		if t.Timestamp.IsZero() {
			t.Timestamp = now
		}
		stampReplies(t.Replies)
	}
	stampReplies(doc.Orphans)
	for _, e := range doc.Events {
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
	}
}

type decoder struct {
	doc     *types.Document
	threads map[string]*types.Thread
	replies map[string]*types.Reply
	order   []*types.Reply // replies in source order
	items   map[string]*types.InventoryItem
	events  map[string]*types.WorldEvent
	board   int // index of the board that 榜单项 attaches to
}

// token decodes one well formed token and returns a non-empty reason on rejection.
func (d *decoder) token(tok Token) string {
	switch tok.Kind {
	case types.KindThread:
		ts, _ := ParseTime(tok.Field(4))
		return d.thread(&types.Thread{
			Author:    tok.Field(0),
			ID:        tok.Field(1),
			Title:     tok.Field(2),
			Body:      tok.Field(3),
			Timestamp: ts,
		})

	case types.KindPost:
		ts, _ := ParseTime(tok.Field(6))
		return d.thread(&types.Thread{
			Author:    tok.Field(0),
			ID:        tok.Field(1),
			Body:      tok.Field(2),
			Likes:     tok.Field(3),
			Reposts:   tok.Field(4),
			Comments:  tok.Field(5),
			Timestamp: ts,
		})

	case types.KindForumReply:
		ts, _ := ParseTime(tok.Field(4))
		return d.reply(&types.Reply{
			Kind:      types.ReplyForum,
			Author:    tok.Field(0),
			ThreadID:  tok.Field(1),
			Body:      tok.Field(2),
			ID:        tok.Field(3),
			Timestamp: ts,
			ParentID:  tok.Field(5),
		})

	case types.KindComment:
		ts, _ := ParseTime(tok.Field(5))
		return d.reply(&types.Reply{
			Kind:      types.ReplyComment,
			Author:    tok.Field(0),
			ThreadID:  tok.Field(1),
			Body:      tok.Field(2),
			Likes:     tok.Field(3),
			ID:        tok.Field(4),
			Timestamp: ts,
			ParentID:  tok.Field(6),
		})

	case types.KindRepost:
		ts, _ := ParseTime(tok.Field(4))
		return d.reply(&types.Reply{
			Kind:      types.ReplyRepost,
			Author:    tok.Field(0),
			ThreadID:  tok.Field(1),
			Body:      tok.Field(2),
			ID:        tok.Field(3),
			Timestamp: ts,
		})

	case types.KindHotSearch:
		if tok.Field(0) == "" {
			return "empty title"
		}
		d.doc.HotSearches = append(d.doc.HotSearches, types.HotSearch{
			Rank:  len(d.doc.HotSearches) + 1,
			Title: tok.Field(0),
			Heat:  tok.Field(1),
		})

	case types.KindRanking:
		if tok.Field(0) == "" {
			return "empty title"
		}
		d.doc.Rankings = append(d.doc.Rankings, types.RankingBoard{
			Title:    tok.Field(0),
			Category: tok.Field(1),
		})
		d.board = len(d.doc.Rankings) - 1

	case types.KindRankingItem:
		if tok.Field(1) == "" {
			return "empty name"
		}
		if d.board < 0 {
			d.doc.Rankings = append(d.doc.Rankings, types.RankingBoard{})
			d.board = len(d.doc.Rankings) - 1
		}
		b := &d.doc.Rankings[d.board]
		rank, err := strconv.Atoi(tok.Field(0))
		if err != nil || rank <= 0 {
			rank = len(b.Items) + 1
		}
		b.Items = append(b.Items, types.RankingItem{Rank: rank, Name: tok.Field(1), Heat: tok.Field(2)})

	case types.KindStats:
		d.doc.Stats = &types.UserStats{
			MainFans:  tok.Field(0),
			AliasFans: tok.Field(1),
			Following: tok.Field(2),
			Posts:     tok.Field(3),
		}

	case types.KindInventory:
		if tok.Field(0) == "" {
			return "empty name"
		}
		qty, err := strconv.Atoi(tok.Field(3))
		if err != nil || qty <= 0 {
			qty = 1
		}
		item := &types.InventoryItem{
			Name:        tok.Field(0),
			Category:    tok.Field(1),
			Description: tok.Field(2),
			Quantity:    qty,
		}
		if prev, ok := d.items[item.Key()]; ok {
			prev.Quantity += item.Quantity
			if item.Description != "" {
				prev.Description = item.Description
			}
			return ""
		}
		d.items[item.Key()] = item
		d.doc.Inventory = append(d.doc.Inventory, item)

	case types.KindWorldEvent:
		ts, _ := ParseTime(tok.Field(4))
		e := &types.WorldEvent{
			Scene:      tok.Field(0),
			Characters: tok.Field(1),
			Body:       tok.Field(2),
			ID:         tok.Field(3),
			Timestamp:  ts,
		}
		if e.Body == "" {
			return "empty body"
		}
		if e.ID == "" {
			e.ID = EventID(e.Scene, e.Characters, e.Body)
		}
		if prev, ok := d.events[e.ID]; ok {
			*prev = *e
			return ""
		}
		d.events[e.ID] = e
		d.doc.Events = append(d.doc.Events, e)
	}
	return ""
}

func (d *decoder) thread(t *types.Thread) string {
	if t.ID == "" {
		return "empty id"
	}
	if prev, ok := d.threads[t.ID]; ok {
		// Repeated thread ids in one input collapse into the first occurrence.
		UpdateThread(prev, t)
		return ""
	}
	d.threads[t.ID] = t
	d.doc.Threads = append(d.doc.Threads, t)
	return ""
}

func (d *decoder) reply(r *types.Reply) string {
	if r.ThreadID == "" {
		return "empty thread id"
	}
	if r.Body == "" {
		return "empty body"
	}
	if r.ID == "" {
		r.ID = ReplyID(r.Kind, r.ThreadID, r.ParentID, r.Author, r.Body)
	}
	if _, ok := d.replies[r.ID]; ok {
		return ""
	}
	d.replies[r.ID] = r
	d.order = append(d.order, r)
	return ""
}

// attach places replies under their parent reply, their thread, or the orphan list.
// A parent must precede its children in source order.
func (d *decoder) attach() {
	seen := make(map[string]*types.Reply, len(d.order))
	for _, r := range d.order {
		if parent, ok := seen[r.ParentID]; ok && r.ParentID != "" && parent.ThreadID == r.ThreadID {
			parent.Replies = append(parent.Replies, r)
		} else if t, ok := d.threads[r.ThreadID]; ok {
			t.Replies = append(t.Replies, r)
		} else {
			d.doc.Orphans = append(d.doc.Orphans, r)
		}
		seen[r.ID] = r
	}
}

// UpdateThread copies the non-empty fields of src into dst.
func UpdateThread(dst, src *types.Thread) {
	if src.Author != "" {
		dst.Author = src.Author
	}
	if src.Title != "" {
		dst.Title = src.Title
	}
	if src.Body != "" {
		dst.Body = src.Body
	}
	if src.Likes != "" {
		dst.Likes = src.Likes
	}
	if src.Reposts != "" {
		dst.Reposts = src.Reposts
	}
	if src.Comments != "" {
		dst.Comments = src.Comments
	}
	if !src.Timestamp.IsZero() {
		dst.Timestamp = src.Timestamp
	}
}
