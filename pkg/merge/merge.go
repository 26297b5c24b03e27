// Package merge integrates freshly generated fragments into a canonical feed document.
//
// Singleton kinds (hot searches, rankings, user stats) present in a fragment replace the
// existing ones wholesale. Growable kinds (threads, replies, inventory, world events) are
// upserted by id; entities only present in the existing document are kept as they are.
// Inventory quantities accumulate per (name, category), so merging the same inventory
// fragment twice counts it twice.
package merge

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/cpunion/feedsync/pkg/protocol"
	"github.com/cpunion/feedsync/pkg/types"
)

// Options tunes a merge.
type Options struct {
	// Now stamps entities without a timestamp. Defaults to time.Now.
	Now    func() time.Time
	Logger *zap.Logger
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o Options) logger() *zap.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return zap.NewNop()
}

// Counts tallies the upserts of one growable kind.
type Counts struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}

// Report summarises what a merge changed.
type Report struct {
	Threads   Counts `json:"threads"`
	Replies   Counts `json:"replies"`
	Inventory Counts `json:"inventory"`
	Events    Counts `json:"events"`

	// Replaced lists the singleton kinds superseded by the fragment.
	Replaced []types.Kind `json:"replaced,omitempty"`
	// DroppedOrphans counts fragment replies whose thread exists nowhere.
	DroppedOrphans int `json:"dropped_orphans,omitempty"`

	Warnings []protocol.Warning `json:"-"`
}

// Entities returns the number of fragment entities that touched the document.
func (r Report) Entities() int {
	return r.Threads.Inserted + r.Threads.Updated + r.Replies.Inserted + r.Replies.Updated +
		r.Inventory.Inserted + r.Inventory.Updated + r.Events.Inserted + r.Events.Updated +
		len(r.Replaced)
}

func (r Report) String() string {
	return fmt.Sprintf("threads +%d/~%d replies +%d/~%d inventory +%d/~%d events +%d/~%d replaced %v dropped %d",
		r.Threads.Inserted, r.Threads.Updated, r.Replies.Inserted, r.Replies.Updated,
		r.Inventory.Inserted, r.Inventory.Updated, r.Events.Inserted, r.Events.Updated,
		r.Replaced, r.DroppedOrphans)
}

// Merge combines fragment into existing and returns a new document. Neither input is modified.
func Merge(existing, fragment *types.Document, opts Options) *types.Document {
	doc, _ := MergeWithReport(existing, fragment, opts)
	return doc
}

// MergeWithReport is like Merge but also reports what changed.
func MergeWithReport(existing, fragment *types.Document, opts Options) (*types.Document, Report) {
	var rep Report
	if fragment == nil {
		if existing == nil {
			return types.NewDocument(""), rep
		}
		fragment = types.NewDocument(existing.Surface)
	}
	out := existing.Clone()
	if out == nil {
		out = types.NewDocument(fragment.Surface)
	}
	frag := fragment.Clone()

	if len(frag.HotSearches) > 0 {
		out.HotSearches = frag.HotSearches
		rep.Replaced = append(rep.Replaced, types.KindHotSearch)
	}
	if len(frag.Rankings) > 0 {
		out.Rankings = frag.Rankings
		rep.Replaced = append(rep.Replaced, types.KindRanking)
	}
	if frag.Stats != nil {
		out.Stats = frag.Stats
		rep.Replaced = append(rep.Replaced, types.KindStats)
	}

	for _, t := range frag.Threads {
		dst := out.Thread(t.ID)
		if dst == nil {
			replies := t.Replies
			t.Replies = nil
			out.Threads = append(out.Threads, t)
			rep.Threads.Inserted++
			upsertReplies(t, replies, &rep)
			continue
		}
		protocol.UpdateThread(dst, t)
		rep.Threads.Updated++
		upsertReplies(dst, t.Replies, &rep)
	}

	// Existing orphans are kept until their thread shows up.
	var orphans []*types.Reply
	for _, r := range out.Orphans {
		if t := out.Thread(r.ThreadID); t != nil {
			upsertReplies(t, []*types.Reply{r}, &rep)
			continue
		}
		orphans = append(orphans, r)
	}
	out.Orphans = orphans
	for _, r := range frag.Orphans {
		t := out.Thread(r.ThreadID)
		if t == nil {
			rep.DroppedOrphans++
			rep.Warnings = append(rep.Warnings, protocol.Warning{Kind: replyKind(r), Reason: "reply to unknown thread " + r.ThreadID})
			opts.logger().Warn("dropping reply to unknown thread",
				zap.String("surface", string(out.Surface)),
				zap.String("thread", r.ThreadID),
				zap.String("reply", r.ID))
			continue
		}
		upsertReplies(t, []*types.Reply{r}, &rep)
	}

	mergeInventory(out, frag.Inventory, &rep)
	mergeEvents(out, frag.Events, &rep)

	protocol.Stamp(out, opts.now())
	SortByRecency(out)
	return out, rep
}

// SortByRecency recomputes LatestActivity and stable-sorts threads newest first.
func SortByRecency(doc *types.Document) {
	for _, t := range doc.Threads {
		t.RefreshActivity()
	}
	sort.SliceStable(doc.Threads, func(i, j int) bool {
		return doc.Threads[i].LatestActivity.After(doc.Threads[j].LatestActivity)
	})
}

// upsertReplies merges a reply forest into thread t. Replies are flattened parent first,
// then each is updated in place when its id is known or attached under its parent.
func upsertReplies(t *types.Thread, replies []*types.Reply, rep *Report) {
	for _, r := range flatten(replies, "") {
		r.ThreadID = t.ID
		if dst := findReply(t.Replies, r.ID); dst != nil {
			updateReply(dst, r)
			rep.Replies.Updated++
			continue
		}
		if parent := findReply(t.Replies, r.ParentID); r.ParentID != "" && parent != nil {
			parent.Replies = append(parent.Replies, r)
		} else {
			t.Replies = append(t.Replies, r)
		}
		rep.Replies.Inserted++
	}
	reparent(t)
}

// reparent moves top-level replies under a parent that arrived after them.
func reparent(t *types.Thread) {
	for moved := true; moved; {
		moved = false
		for i, r := range t.Replies {
			if r.ParentID == "" || r.ParentID == r.ID || findReply(r.Replies, r.ParentID) != nil {
				continue
			}
			parent := findReply(t.Replies, r.ParentID)
			if parent == nil {
				continue
			}
			t.Replies = append(t.Replies[:i:i], t.Replies[i+1:]...)
			parent.Replies = append(parent.Replies, r)
			moved = true
			break
		}
	}
}

// flatten returns replies in depth-first order with their children detached.
func flatten(rs []*types.Reply, parentID string) []*types.Reply {
	var out []*types.Reply
	for _, r := range rs {
		children := r.Replies
		r.Replies = nil
		if r.ParentID == "" {
			r.ParentID = parentID
		}
		out = append(out, r)
		out = append(out, flatten(children, r.ID)...)
	}
	return out
}

func findReply(rs []*types.Reply, id string) *types.Reply {
	if id == "" {
		return nil
	}
	for _, r := range rs {
		if r.ID == id {
			return r
		}
		if found := findReply(r.Replies, id); found != nil {
			return found
		}
	}
	return nil
}

func updateReply(dst, src *types.Reply) {
	if src.Author != "" {
		dst.Author = src.Author
	}
	if src.Body != "" {
		dst.Body = src.Body
	}
	if src.Likes != "" {
		dst.Likes = src.Likes
	}
	if !src.Timestamp.IsZero() {
		dst.Timestamp = src.Timestamp
	}
}

func mergeInventory(out *types.Document, items []*types.InventoryItem, rep *Report) {
	index := make(map[string]*types.InventoryItem, len(out.Inventory))
	for _, it := range out.Inventory {
		index[it.Key()] = it
	}
	for _, it := range items {
		if dst, ok := index[it.Key()]; ok {
			dst.Quantity += it.Quantity
			if it.Description != "" {
				dst.Description = it.Description
			}
			rep.Inventory.Updated++
			continue
		}
		index[it.Key()] = it
		out.Inventory = append(out.Inventory, it)
		rep.Inventory.Inserted++
	}
}

func mergeEvents(out *types.Document, events []*types.WorldEvent, rep *Report) {
	index := make(map[string]*types.WorldEvent, len(out.Events))
	for _, e := range out.Events {
		index[e.ID] = e
	}
	for _, e := range events {
		dst, ok := index[e.ID]
		if !ok {
			index[e.ID] = e
			out.Events = append(out.Events, e)
			rep.Events.Inserted++
			continue
		}
		if e.Scene != "" {
			dst.Scene = e.Scene
		}
		if e.Characters != "" {
			dst.Characters = e.Characters
		}
		if e.Body != "" {
			dst.Body = e.Body
		}
		if !e.Timestamp.IsZero() {
			dst.Timestamp = e.Timestamp
		}
		rep.Events.Updated++
	}
}

func replyKind(r *types.Reply) types.Kind {
	switch r.Kind {
	case types.ReplyComment:
		return types.KindComment
	case types.ReplyRepost:
		return types.KindRepost
	}
	return types.KindForumReply
}
