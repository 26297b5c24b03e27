// Package types defines the feed entities shared by the codec, merge engine and managers.
package types

import "time"

// Surface identifies one feed surface embedded in a transcript.
type Surface string

const (
	SurfaceForum    Surface = "forum"    // 论坛
	SurfaceWeibo    Surface = "weibo"    // 微博
	SurfaceBackpack Surface = "backpack" // 背包
	SurfaceEvents   Surface = "events"   // 平行事件
)

// AllSurfaces returns all known surfaces.
func AllSurfaces() []Surface {
	return []Surface{SurfaceForum, SurfaceWeibo, SurfaceBackpack, SurfaceEvents}
}

// Kind is a protocol token keyword.
type Kind string

const (
	KindThread      Kind = "标题"
	KindForumReply  Kind = "回复"
	KindPost        Kind = "博文"
	KindComment     Kind = "评论"
	KindRepost      Kind = "转发"
	KindHotSearch   Kind = "热搜"
	KindRanking     Kind = "榜单"
	KindRankingItem Kind = "榜单项"
	KindStats       Kind = "粉丝数"
	KindInventory   Kind = "背包"
	KindWorldEvent  Kind = "平行事件"
)

// ReplyKind distinguishes replies under a thread.
type ReplyKind string

const (
	ReplyForum   ReplyKind = "reply"   // 论坛回复
	ReplyComment ReplyKind = "comment" // 微博评论
	ReplyRepost  ReplyKind = "repost"  // 微博转发
)

// Thread is a forum thread or a micro-blog post.
type Thread struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Title     string    `json:"title,omitempty"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`

	// Micro-blog counters, kept as free text ("1.2万").
	Likes    string `json:"likes,omitempty"`
	Reposts  string `json:"reposts,omitempty"`
	Comments string `json:"comments,omitempty"`

	Replies []*Reply `json:"replies,omitempty"`

	// LatestActivity is derived: max of the thread timestamp and every nested reply.
	LatestActivity time.Time `json:"latest_activity"`
}

// RefreshActivity recomputes LatestActivity from the thread and its replies.
func (t *Thread) RefreshActivity() time.Time {
	latest := t.Timestamp
	var walk func([]*Reply)
	walk = func(rs []*Reply) {
		for _, r := range rs {
			if r.Timestamp.After(latest) {
				latest = r.Timestamp
			}
			walk(r.Replies)
		}
	}
	walk(t.Replies)
	t.LatestActivity = latest
	return latest
}

// CountReplies returns the number of replies at every depth.
func (t *Thread) CountReplies() int {
	var count func([]*Reply) int
	count = func(rs []*Reply) int {
		n := len(rs)
		for _, r := range rs {
			n += count(r.Replies)
		}
		return n
	}
	return count(t.Replies)
}

// Reply is a reply, comment or repost under a thread. Replies nest for reply-to-reply.
type Reply struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Kind      ReplyKind `json:"kind"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	Likes     string    `json:"likes,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Replies   []*Reply  `json:"replies,omitempty"`
}

// HotSearch is one entry of the hot-search board.
type HotSearch struct {
	Rank  int    `json:"rank"`
	Title string `json:"title"`
	Heat  string `json:"heat"`
}

// RankingItem is one row of a ranking board.
type RankingItem struct {
	Rank int    `json:"rank"`
	Name string `json:"name"`
	Heat string `json:"heat"`
}

// RankingBoard is a titled, ordered ranking.
type RankingBoard struct {
	Title    string        `json:"title"`
	Category string        `json:"category"`
	Items    []RankingItem `json:"items"`
}

// UserStats holds the account counters shown on the micro-blog surface.
type UserStats struct {
	MainFans  string `json:"main_fans"`
	AliasFans string `json:"alias_fans"`
	Following string `json:"following,omitempty"`
	Posts     string `json:"posts,omitempty"`
}

// InventoryItem is a backpack item. Items are keyed by name and category.
type InventoryItem struct {
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Quantity    int    `json:"quantity"`
}

// Key returns the accumulation key of the item.
func (i *InventoryItem) Key() string {
	return i.Name + "\x00" + i.Category
}

// WorldEvent is something happening elsewhere in the story world.
type WorldEvent struct {
	ID         string    `json:"id"`
	Scene      string    `json:"scene"`
	Characters string    `json:"characters"`
	Body       string    `json:"body"`
	Timestamp  time.Time `json:"timestamp"`
}

// Document is the decoded form of one canonical feed document or fragment.
type Document struct {
	Surface Surface `json:"surface"`

	// Growable kinds, merged by id.
	Threads   []*Thread        `json:"threads,omitempty"`
	Inventory []*InventoryItem `json:"inventory,omitempty"`
	Events    []*WorldEvent    `json:"events,omitempty"`

	// Orphans are replies whose thread is not part of this document.
	Orphans []*Reply `json:"orphans,omitempty"`

	// Singleton kinds, replaced wholesale when present in a fragment.
	HotSearches []HotSearch    `json:"hot_searches,omitempty"`
	Rankings    []RankingBoard `json:"rankings,omitempty"`
	Stats       *UserStats     `json:"stats,omitempty"`
}

// NewDocument creates an empty document for a surface.
func NewDocument(surface Surface) *Document {
	return &Document{Surface: surface}
}

// Empty reports whether the document carries no entity at all.
func (d *Document) Empty() bool {
	if d == nil {
		return true
	}
	return len(d.Threads) == 0 && len(d.Inventory) == 0 && len(d.Events) == 0 &&
		len(d.Orphans) == 0 && len(d.HotSearches) == 0 && len(d.Rankings) == 0 && d.Stats == nil
}

// Thread returns the thread with the given id.
func (d *Document) Thread(id string) *Thread {
	if d == nil {
		return nil
	}
	for _, t := range d.Threads {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// GenerationStatus is the lifecycle state of a queued generation.
type GenerationStatus string

const (
	StatusPending    GenerationStatus = "pending"
	StatusProcessing GenerationStatus = "processing"
	StatusCompleted  GenerationStatus = "completed"
	StatusFailed     GenerationStatus = "failed"
)

// TriggerCause records why a generation was requested.
type TriggerCause string

const (
	CauseThreshold TriggerCause = "threshold" // 消息数达到阈值
	CauseManual    TriggerCause = "manual"    // 用户手动触发
	CauseSchedule  TriggerCause = "schedule"  // 定时任务
	CauseIntent    TriggerCause = "intent"    // 用户发帖或回复后续写
)

// GenerationEvent is a process-local generation request. Never persisted.
type GenerationEvent struct {
	ID         string           `json:"id"`
	Surface    Surface          `json:"surface"`
	Style      string           `json:"style"`
	Status     GenerationStatus `json:"status"`
	Cause      TriggerCause     `json:"cause"`
	Threshold  int              `json:"threshold,omitempty"`
	Attempts   int              `json:"attempts"`
	Error      string           `json:"error,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	StartedAt  time.Time        `json:"started_at,omitempty"`
	FinishedAt time.Time        `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := &Document{Surface: d.Surface}
	for _, t := range d.Threads {
		out.Threads = append(out.Threads, t.Clone())
	}
	for _, it := range d.Inventory {
		c := *it
		out.Inventory = append(out.Inventory, &c)
	}
	for _, e := range d.Events {
		c := *e
		out.Events = append(out.Events, &c)
	}
	out.Orphans = cloneReplies(d.Orphans)
	if d.HotSearches != nil {
		out.HotSearches = append([]HotSearch(nil), d.HotSearches...)
	}
	for _, b := range d.Rankings {
		b.Items = append([]RankingItem(nil), b.Items...)
		out.Rankings = append(out.Rankings, b)
	}
	if d.Stats != nil {
		s := *d.Stats
		out.Stats = &s
	}
	return out
}

// Clone returns a deep copy of the thread.
func (t *Thread) Clone() *Thread {
	c := *t
	c.Replies = cloneReplies(t.Replies)
	return &c
}

func cloneReplies(rs []*Reply) []*Reply {
	if rs == nil {
		return nil
	}
	out := make([]*Reply, 0, len(rs))
	for _, r := range rs {
		c := *r
		c.Replies = cloneReplies(r.Replies)
		out = append(out, &c)
	}
	return out
}
