package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/cpunion/feedsync/pkg/feed"
	"github.com/cpunion/feedsync/pkg/guard"
	"github.com/cpunion/feedsync/pkg/llm"
	"github.com/cpunion/feedsync/pkg/orchestrator"
	"github.com/cpunion/feedsync/pkg/queue"
	"github.com/cpunion/feedsync/pkg/transcript"
	"github.com/cpunion/feedsync/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type env struct {
	srv     *Server
	forum   *feed.Manager
	events  *feed.Manager
	journal *feed.Journal
	host    *transcript.HostFlag

	mu         sync.Mutex
	failEvents int
}

// newEnv wires a forum surface and a queued events surface over one memory transcript.
func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)
	store := transcript.NewMemoryStore()
	e := &env{}
	host := &transcript.HostFlag{}
	e.host = host

	gen := llm.GeneratorFunc(func(ctx context.Context, msgs []llm.Message, opts llm.Options) (string, error) {
		last := msgs[len(msgs)-1].Content
		if strings.Contains(last, "平行事件") {
			e.mu.Lock()
			defer e.mu.Unlock()
			if e.failEvents > 0 {
				e.failEvents--
				return "", errors.New("upstream unavailable")
			}
			return "[平行事件|车站|阿明|在等车]", nil
		}
		return "[标题|甲|t1|周末去哪|求推荐]", nil
	})
	guards := map[types.Surface]*guard.Guard{
		types.SurfaceForum:  guard.New(guard.Config{Surface: "forum", Host: host, Logger: logger}),
		types.SurfaceEvents: guard.New(guard.Config{Surface: "events", Logger: logger}),
	}
	o := orchestrator.New(orchestrator.Config{Store: store, Generator: gen, Guards: guards, Logger: logger})

	j, err := feed.OpenJournal(feed.JournalConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	e.journal = j

	e.forum, err = feed.New(feed.Config{Surface: types.SurfaceForum, Store: store, Orchestrator: o, Journal: j, Logger: logger})
	if err != nil {
		t.Fatalf("feed.New(forum): %v", err)
	}
	e.events, err = feed.New(feed.Config{
		Surface:      types.SurfaceEvents,
		Store:        store,
		Orchestrator: o,
		Queued:       true,
		DrainDelay:   time.Millisecond,
		Journal:      j,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("feed.New(events): %v", err)
	}
	t.Cleanup(e.forum.Stop)
	t.Cleanup(e.events.Stop)

	e.srv = New(Config{Managers: []*feed.Manager{e.forum, e.events}, Journal: j, Host: host, Logger: logger})
	return e
}

func (e *env) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestHealthAndSurfaces(t *testing.T) {
	e := newEnv(t)

	if w := e.do(t, http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Fatalf("health status=%d", w.Code)
	}

	w := e.do(t, http.MethodGet, "/api/surfaces", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body)
	}
	var resp struct {
		Surfaces []feed.Status `json:"surfaces"`
	}
	decode(t, w, &resp)
	if len(resp.Surfaces) != 2 || resp.Surfaces[0].Surface != types.SurfaceForum || !resp.Surfaces[1].Queued {
		t.Fatalf("surfaces=%+v", resp.Surfaces)
	}

	if w := e.do(t, http.MethodGet, "/api/surfaces/tiktok", ""); w.Code != http.StatusNotFound {
		t.Fatalf("unknown surface status=%d", w.Code)
	}
	if w := e.do(t, http.MethodGet, "/metrics", ""); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "# HELP") {
		t.Fatalf("metrics status=%d", w.Code)
	}
}

func TestTrigger(t *testing.T) {
	e := newEnv(t)

	if w := e.do(t, http.MethodPost, "/api/surfaces/forum/trigger", `{"style":"nope"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown style status=%d body=%s", w.Code, w.Body)
	}

	lease, err := e.forum.Guard().TryAcquire()
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if w := e.do(t, http.MethodPost, "/api/surfaces/forum/trigger", ""); w.Code != http.StatusConflict {
		t.Fatalf("busy status=%d body=%s", w.Code, w.Body)
	}
	lease.Release()

	if w := e.do(t, http.MethodPost, "/api/surfaces/forum/trigger", `{"style":"humor"}`); w.Code != http.StatusAccepted {
		t.Fatalf("trigger status=%d body=%s", w.Code, w.Body)
	}
	e.forum.Wait()

	w := e.do(t, http.MethodGet, "/api/surfaces/forum", "")
	var resp surfaceResponse
	decode(t, w, &resp)
	if resp.Document == nil || resp.Document.Thread("t1") == nil || resp.Status.Busy {
		t.Fatalf("surface=%s", w.Body)
	}

	w = e.do(t, http.MethodGet, "/api/journal?limit=5", "")
	var jr struct {
		Records []feed.Record `json:"records"`
	}
	decode(t, w, &jr)
	if len(jr.Records) != 1 || jr.Records[0].Operation != orchestrator.OpBulk {
		t.Fatalf("journal=%s", w.Body)
	}
	if w := e.do(t, http.MethodGet, "/api/journal?limit=x", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status=%d", w.Code)
	}
}

func TestPostsAndReplies(t *testing.T) {
	e := newEnv(t)

	if w := e.do(t, http.MethodPost, "/api/surfaces/forum/posts", `{"author":"我","body":"没有标题"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid post status=%d", w.Code)
	}
	if w := e.do(t, http.MethodPost, "/api/surfaces/events/posts", `{"author":"我","body":"x"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("unsupported post status=%d", w.Code)
	}

	w := e.do(t, http.MethodPost, "/api/surfaces/forum/posts", `{"author":"我","title":"新人","body":"大家好"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("post status=%d body=%s", w.Code, w.Body)
	}
	var th types.Thread
	decode(t, w, &th)

	w = e.do(t, http.MethodPost, "/api/surfaces/forum/posts/"+th.ID+"/replies", `{"author":"乙","body":"欢迎"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("reply status=%d body=%s", w.Code, w.Body)
	}
	var r types.Reply
	decode(t, w, &r)
	if r.ThreadID != th.ID || r.ID == "" {
		t.Fatalf("reply=%+v", r)
	}
	if w := e.do(t, http.MethodPost, "/api/surfaces/forum/posts/t404/replies", `{"author":"乙","body":"?"}`); w.Code != http.StatusNotFound {
		t.Fatalf("missing thread status=%d", w.Code)
	}
	if w := e.do(t, http.MethodPost, "/api/surfaces/forum/posts/"+th.ID+"/replies", `{`); w.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status=%d", w.Code)
	}
}

func TestQueueRoutes(t *testing.T) {
	e := newEnv(t)
	e.failEvents = 1

	w := e.do(t, http.MethodPost, "/api/surfaces/events/trigger", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("trigger status=%d body=%s", w.Code, w.Body)
	}
	var tr struct {
		Event types.GenerationEvent `json:"event"`
	}
	decode(t, w, &tr)
	e.events.Wait()

	w = e.do(t, http.MethodGet, "/api/queue", "")
	var qr struct {
		Queues []queueResponse `json:"queues"`
	}
	decode(t, w, &qr)
	if len(qr.Queues) != 1 || qr.Queues[0].Stats != (queue.Stats{Failed: 1, Total: 1}) {
		t.Fatalf("queue=%s", w.Body)
	}

	if w := e.do(t, http.MethodPost, "/api/queue/"+tr.Event.ID+"/retry", ""); w.Code != http.StatusAccepted {
		t.Fatalf("retry status=%d body=%s", w.Code, w.Body)
	}
	e.events.Wait()
	ev, err := e.events.Queue().Get(tr.Event.ID)
	if err != nil || ev.Status != types.StatusCompleted || ev.Attempts != 2 {
		t.Fatalf("event=%+v err=%v", ev, err)
	}
	if w := e.do(t, http.MethodPost, "/api/queue/"+tr.Event.ID+"/retry", ""); w.Code != http.StatusConflict {
		t.Fatalf("retry completed status=%d", w.Code)
	}

	if w := e.do(t, http.MethodDelete, "/api/queue/"+tr.Event.ID, ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete status=%d", w.Code)
	}
	if w := e.do(t, http.MethodDelete, "/api/queue/"+tr.Event.ID, ""); w.Code != http.StatusNotFound {
		t.Fatalf("second delete status=%d", w.Code)
	}
}

func TestHostStatus(t *testing.T) {
	e := newEnv(t)

	if w := e.do(t, http.MethodPut, "/api/host", `{"generating":true}`); w.Code != http.StatusOK {
		t.Fatalf("put host status=%d body=%s", w.Code, w.Body)
	}
	if !e.host.IsHostGenerating() {
		t.Fatalf("host flag not set")
	}
	if w := e.do(t, http.MethodPost, "/api/surfaces/forum/trigger", ""); w.Code != http.StatusConflict {
		t.Fatalf("trigger while host busy status=%d body=%s", w.Code, w.Body)
	}

	e.do(t, http.MethodPut, "/api/host", `{"generating":false}`)
	w := e.do(t, http.MethodGet, "/api/host", "")
	var hs hostState
	decode(t, w, &hs)
	if hs.Generating {
		t.Fatalf("host=%s", w.Body)
	}
}
