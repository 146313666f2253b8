package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/seancelabs/seance/pkg/narrative/fake"
	"github.com/seancelabs/seance/pkg/store"
)

func appendEvents(t *testing.T, env *testEnv, sessionID string, n int) []store.EventRecord {
	t.Helper()
	ctx := context.Background()
	out := make([]store.EventRecord, 0, n)
	for i := 0; i < n; i++ {
		ev, err := env.store.AppendEvent(ctx, store.EventRecord{
			Kind: store.EventTurnMilestone, SessionID: sessionID,
			ActorKind: store.ActorHuman, Actor: "actor", Turn: i + 1,
			Sanity: 90, Location: "corridor", Message: "milestone",
		})
		if err != nil {
			t.Fatal(err)
		}
		if env.cache != nil {
			if err := env.cache.PublishEvent(ctx, ev); err != nil {
				t.Fatal(err)
			}
		}
		out = append(out, ev)
	}
	return out
}

// sseFrame is one parsed server-sent event.
type sseFrame struct {
	ID    int64
	Event string
	Data  string
}

// readFrames parses SSE frames until want frames with an event field have
// been read or the deadline hits.
func readFrames(t *testing.T, body *bufio.Scanner, want int, deadline time.Time) []sseFrame {
	t.Helper()
	var frames []sseFrame
	var cur sseFrame
	for len(frames) < want && time.Now().Before(deadline) {
		if !body.Scan() {
			break
		}
		line := body.Text()
		switch {
		case line == "":
			if cur.Event != "" || cur.Data != "" {
				frames = append(frames, cur)
			}
			cur = sseFrame{}
		case strings.HasPrefix(line, "id: "):
			id, err := strconv.ParseInt(strings.TrimPrefix(line, "id: "), 10, 64)
			if err != nil {
				t.Fatalf("bad id line %q", line)
			}
			cur.ID = id
		case strings.HasPrefix(line, "event: "):
			cur.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	return frames
}

func openStream(t *testing.T, url string) (*bufio.Scanner, func()) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("stream status=%d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		resp.Body.Close()
		t.Fatalf("content-type=%q", ct)
	}
	return bufio.NewScanner(resp.Body), func() { resp.Body.Close() }
}

// A client 200 events behind must receive every missed event exactly once,
// in order, before any live one.
func TestStreamBackfillFromCursor(t *testing.T) {
	env := newTestEnv(t, fake.New(), true)
	seeded := appendEvents(t, env, "s-backfill", 200)

	scanner, done := openStream(t, env.server.URL+"/v1/board/stream?cursor=0")
	defer done()

	deadline := time.Now().Add(10 * time.Second)
	frames := readFrames(t, scanner, 201, deadline)
	if len(frames) < 201 {
		t.Fatalf("got %d frames, want ready + 200 events", len(frames))
	}
	if frames[0].Event != "ready" {
		t.Fatalf("first frame %q, want ready", frames[0].Event)
	}
	for i, f := range frames[1:] {
		if f.ID != seeded[i].ID {
			t.Fatalf("frame %d id=%d want %d", i, f.ID, seeded[i].ID)
		}
		if f.Event != store.EventTurnMilestone {
			t.Fatalf("frame %d kind=%q", i, f.Event)
		}
	}
}

func TestStreamDefaultCursorSkipsHistory(t *testing.T) {
	env := newTestEnv(t, fake.New(), true)
	appendEvents(t, env, "s-old", 10)

	scanner, done := openStream(t, env.server.URL+"/v1/board/stream")
	defer done()

	deadline := time.Now().Add(10 * time.Second)
	ready := readFrames(t, scanner, 1, deadline)
	if len(ready) != 1 || ready[0].Event != "ready" {
		t.Fatalf("ready=%+v", ready)
	}
	var payload readyFrame
	if err := json.Unmarshal([]byte(ready[0].Data), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Cursor != 10 {
		t.Fatalf("resolved cursor=%d want 10", payload.Cursor)
	}

	live := appendEvents(t, env, "s-new", 1)
	frames := readFrames(t, scanner, 1, deadline)
	if len(frames) != 1 || frames[0].ID != live[0].ID {
		t.Fatalf("live frames=%+v want id %d", frames, live[0].ID)
	}
}

func TestStreamResumeViaLastEventID(t *testing.T) {
	env := newTestEnv(t, fake.New(), true)
	seeded := appendEvents(t, env, "s-resume", 10)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/v1/board/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Last-Event-ID", strconv.FormatInt(seeded[6].ID, 10))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	deadline := time.Now().Add(10 * time.Second)
	frames := readFrames(t, scanner, 4, deadline)
	if len(frames) != 4 || frames[0].Event != "ready" {
		t.Fatalf("frames=%+v", frames)
	}
	if frames[1].ID != seeded[7].ID || frames[3].ID != seeded[9].ID {
		t.Fatalf("resume delivered wrong window: %+v", frames[1:])
	}
}

func TestStreamBadCursor(t *testing.T) {
	env := newTestEnv(t, fake.New(), true)
	resp, err := http.Get(env.server.URL + "/v1/board/stream?cursor=banana")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}

func TestStreamUnavailableWithoutFeed(t *testing.T) {
	srv := httptest.NewServer(NewServer(nil, nil, nil).Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/v1/board/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}

// The durable log serves the stream when no cache is wired.
func TestStreamFallsBackToStore(t *testing.T) {
	env := newTestEnv(t, fake.New(), false)
	seeded := appendEvents(t, env, "s-store", 3)

	scanner, done := openStream(t, env.server.URL+"/v1/board/stream?cursor=0")
	defer done()

	deadline := time.Now().Add(10 * time.Second)
	frames := readFrames(t, scanner, 4, deadline)
	if len(frames) != 4 || frames[3].ID != seeded[2].ID {
		t.Fatalf("frames=%+v", frames)
	}
}
