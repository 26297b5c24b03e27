package protocol

import (
	"strconv"
	"strings"

	"github.com/cpunion/feedsync/pkg/types"
)

var sanitizer = strings.NewReplacer("|", "｜", "[", "［", "]", "］")

// Sanitize replaces reserved characters in field text with their fullwidth
// forms. It reports whether anything was substituted.
func Sanitize(s string) (string, bool) {
	out := sanitizer.Replace(strings.TrimSpace(s))
	return out, out != strings.TrimSpace(s)
}

func field(s string) string {
	out, _ := Sanitize(s)
	return out
}

// token renders one token, dropping empty trailing optional fields.
func token(kind types.Kind, fields ...string) string {
	n := len(fields)
	for n > kindSpecs[kind].Min() && fields[n-1] == "" {
		n--
	}
	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(string(kind))
	for _, f := range fields[:n] {
		sb.WriteString("|")
		sb.WriteString(field(f))
	}
	sb.WriteString("]")
	return sb.String()
}

// EncodeBody renders the tokens of doc, one per line, without markers.
func EncodeBody(doc *types.Document) string {
	var lines []string
	add := func(s string) { lines = append(lines, s) }

	switch doc.Surface {
	case types.SurfaceForum:
		for _, t := range doc.Threads {
			add(token(types.KindThread, t.Author, t.ID, t.Title, t.Body, FormatTime(t.Timestamp)))
			encodeReplies(t.Replies, add)
		}
		encodeReplies(doc.Orphans, add)

	case types.SurfaceWeibo:
		if s := doc.Stats; s != nil {
			add(token(types.KindStats, s.MainFans, s.AliasFans, s.Following, s.Posts))
		}
		for _, h := range doc.HotSearches {
			add(token(types.KindHotSearch, h.Title, h.Heat))
		}
		for i, b := range doc.Rankings {
			// Items ahead of any board decode into an untitled first board.
			if i > 0 || b.Title != "" {
				add(token(types.KindRanking, b.Title, b.Category))
			}
			for _, it := range b.Items {
				add(token(types.KindRankingItem, strconv.Itoa(it.Rank), it.Name, it.Heat))
			}
		}
		for _, t := range doc.Threads {
			add(token(types.KindPost, t.Author, t.ID, t.Body, t.Likes, t.Reposts, t.Comments, FormatTime(t.Timestamp)))
			encodeReplies(t.Replies, add)
		}
		encodeReplies(doc.Orphans, add)

	case types.SurfaceBackpack:
		for _, it := range doc.Inventory {
			add(token(types.KindInventory, it.Name, it.Category, it.Description, strconv.Itoa(it.Quantity)))
		}

	case types.SurfaceEvents:
		for _, e := range doc.Events {
			add(token(types.KindWorldEvent, e.Scene, e.Characters, e.Body, e.ID, FormatTime(e.Timestamp)))
		}
	}

	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// encodeReplies writes replies depth first so parents precede children.
func encodeReplies(rs []*types.Reply, add func(string)) {
	for _, r := range rs {
		ts := FormatTime(r.Timestamp)
		switch r.Kind {
		case types.ReplyComment:
			add(token(types.KindComment, r.Author, r.ThreadID, r.Body, r.Likes, r.ID, ts, r.ParentID))
		case types.ReplyRepost:
			add(token(types.KindRepost, r.Author, r.ThreadID, r.Body, r.ID, ts))
		default:
			add(token(types.KindForumReply, r.Author, r.ThreadID, r.Body, r.ID, ts, r.ParentID))
		}
		encodeReplies(r.Replies, add)
	}
}

// Encode renders doc as a canonical block: start marker, header, tokens, end marker.
func Encode(doc *types.Document) string {
	g := MustLookup(doc.Surface)
	var sb strings.Builder
	sb.WriteString(g.Markers.Start)
	sb.WriteString("\n")
	sb.WriteString(g.Header)
	sb.WriteString("\n")
	sb.WriteString(EncodeBody(doc))
	sb.WriteString(g.Markers.End)
	return sb.String()
}
