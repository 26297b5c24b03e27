// Package protocol implements the bracket-delimited feed protocol.
//
// Each entity is one token of the form [Kind|field1|field2|...]. Kind keywords
// are surface specific. A canonical document is the block of tokens embedded
// between a surface's start and end markers inside one transcript message.
//
// The protocol has no escape sequence. When encoding, the reserved characters
// '|', '[' and ']' inside field text are replaced by their fullwidth forms
// '｜', '［' and '］', so an encoded document always decodes back to the same
// entities.
package protocol

import (
	"fmt"
	"strings"

	"github.com/cpunion/feedsync/pkg/types"
)

// KindSpec describes the fields of one token kind.
type KindSpec struct {
	Kind     types.Kind
	Required []string // field names that must be present
	Optional []string // trailing fields, used by the encoder for persistence
	// Prompted are the optional fields the generator is asked to fill.
	Prompted []string
}

// Min returns the minimum field count of a well formed token.
func (k KindSpec) Min() int { return len(k.Required) }

// Help renders the token template shown to the generator.
func (k KindSpec) Help() string {
	parts := append([]string{string(k.Kind)}, k.Required...)
	parts = append(parts, k.Prompted...)
	return "[" + strings.Join(parts, "|") + "]"
}

var kindSpecs = map[types.Kind]KindSpec{
	types.KindThread: {
		Kind:     types.KindThread,
		Required: []string{"作者", "帖子ID", "标题", "正文"},
		Optional: []string{"时间"},
	},
	types.KindForumReply: {
		Kind:     types.KindForumReply,
		Required: []string{"作者", "帖子ID", "内容"},
		Optional: []string{"回复ID", "时间", "上级回复ID"},
	},
	types.KindPost: {
		Kind:     types.KindPost,
		Required: []string{"作者", "博文ID", "内容"},
		Optional: []string{"点赞数", "转发数", "评论数", "时间"},
		Prompted: []string{"点赞数", "转发数", "评论数"},
	},
	types.KindComment: {
		Kind:     types.KindComment,
		Required: []string{"作者", "博文ID", "内容"},
		Optional: []string{"点赞数", "评论ID", "时间", "上级评论ID"},
		Prompted: []string{"点赞数"},
	},
	types.KindRepost: {
		Kind:     types.KindRepost,
		Required: []string{"作者", "博文ID", "转发语"},
		Optional: []string{"转发ID", "时间"},
	},
	types.KindHotSearch: {
		Kind:     types.KindHotSearch,
		Required: []string{"标题"},
		Optional: []string{"热度"},
		Prompted: []string{"热度"},
	},
	types.KindRanking: {
		Kind:     types.KindRanking,
		Required: []string{"榜单名"},
		Optional: []string{"分类"},
		Prompted: []string{"分类"},
	},
	types.KindRankingItem: {
		Kind:     types.KindRankingItem,
		Required: []string{"排名", "名称"},
		Optional: []string{"热度"},
		Prompted: []string{"热度"},
	},
	types.KindStats: {
		Kind:     types.KindStats,
		Required: []string{"大号粉丝数"},
		Optional: []string{"小号粉丝数", "关注数", "微博数"},
		Prompted: []string{"小号粉丝数"},
	},
	types.KindInventory: {
		Kind:     types.KindInventory,
		Required: []string{"物品名", "分类"},
		Optional: []string{"描述", "数量"},
		Prompted: []string{"描述", "数量"},
	},
	types.KindWorldEvent: {
		Kind:     types.KindWorldEvent,
		Required: []string{"场景", "人物", "事件"},
		Optional: []string{"事件ID", "时间"},
	},
}

// Spec returns the field description of a kind.
func Spec(kind types.Kind) (KindSpec, bool) {
	s, ok := kindSpecs[kind]
	return s, ok
}

// Markers delimit a canonical document inside a message body.
type Markers struct {
	Start string
	End   string
}

// Grammar describes one surface: its token kinds and its document wrapper.
type Grammar struct {
	Surface types.Surface
	Name    string // display name used in prompts and headers
	Kinds   []types.Kind
	Markers Markers
	Header  string
}

// Accepts reports whether the surface recognises a kind.
func (g *Grammar) Accepts(kind types.Kind) bool {
	for _, k := range g.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Help lists the token templates of the surface, one per line.
func (g *Grammar) Help() string {
	var sb strings.Builder
	for _, k := range g.Kinds {
		sb.WriteString(kindSpecs[k].Help())
		sb.WriteString("\n")
	}
	return sb.String()
}

func markersFor(s types.Surface) Markers {
	return Markers{
		Start: fmt.Sprintf("<!-- feedsync:%s:start -->", s),
		End:   fmt.Sprintf("<!-- feedsync:%s:end -->", s),
	}
}

var grammars = map[types.Surface]*Grammar{
	types.SurfaceForum: {
		Surface: types.SurfaceForum,
		Name:    "论坛",
		Kinds:   []types.Kind{types.KindThread, types.KindForumReply},
		Markers: markersFor(types.SurfaceForum),
		Header:  "【论坛 · 最新帖子】",
	},
	types.SurfaceWeibo: {
		Surface: types.SurfaceWeibo,
		Name:    "微博",
		Kinds: []types.Kind{
			types.KindStats, types.KindHotSearch, types.KindRanking, types.KindRankingItem,
			types.KindPost, types.KindComment, types.KindRepost,
		},
		Markers: markersFor(types.SurfaceWeibo),
		Header:  "【微博 · 热门动态】",
	},
	types.SurfaceBackpack: {
		Surface: types.SurfaceBackpack,
		Name:    "背包",
		Kinds:   []types.Kind{types.KindInventory},
		Markers: markersFor(types.SurfaceBackpack),
		Header:  "【背包】",
	},
	types.SurfaceEvents: {
		Surface: types.SurfaceEvents,
		Name:    "平行事件",
		Kinds:   []types.Kind{types.KindWorldEvent},
		Markers: markersFor(types.SurfaceEvents),
		Header:  "【与此同时……】",
	},
}

// Lookup returns the grammar of a surface.
func Lookup(s types.Surface) (*Grammar, bool) {
	g, ok := grammars[s]
	return g, ok
}

// MustLookup is like Lookup but panics on an unknown surface.
func MustLookup(s types.Surface) *Grammar {
	g, ok := grammars[s]
	if !ok {
		panic(fmt.Sprintf("protocol: unknown surface %q", s))
	}
	return g
}
