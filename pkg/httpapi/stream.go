package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/seancelabs/seance/pkg/board"
	"github.com/seancelabs/seance/pkg/errmodel"
	"github.com/seancelabs/seance/pkg/store"
)

// Stream tuning. Batches are read strictly after the client cursor; an empty
// read backs off one poll interval.
const (
	streamBatchSize     = 256
	streamPollInterval  = time.Second
	streamHeartbeat     = 15 * time.Second
	streamClientRetryMS = 3000
)

// handleStream serves the resumable SSE event feed. The cursor is the global
// event id: events with a strictly greater id are delivered in order, so a
// client reconnecting with its last seen id never misses or repeats one.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		errmodel.WriteHTTP(w, r, errmodel.Stream("unsupported", "response writer does not support streaming", nil))
		return
	}

	feed := s.feed(r)
	if feed == nil {
		errmodel.WriteHTTP(w, r, errmodel.Stream("unavailable", "event feed is unavailable, fall back to polling", nil))
		return
	}

	cursor, err := resolveCursor(r, feed)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "retry: %d\n\n", streamClientRetryMS)
	writeReadyFrame(w, cursor)
	flusher.Flush()

	ctx := r.Context()
	poll := time.NewTimer(0)
	defer poll.Stop()
	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": hb\n\n")
			flusher.Flush()
		case <-poll.C:
			events, err := feed.ReadEventsAfter(ctx, cursor, streamBatchSize)
			if err != nil {
				// Transient feed trouble; keep the connection and retry.
				poll.Reset(streamPollInterval)
				continue
			}
			for _, ev := range events {
				writeEventFrame(w, ev)
				cursor = ev.ID
			}
			if len(events) > 0 {
				flusher.Flush()
				poll.Reset(0)
			} else {
				poll.Reset(streamPollInterval)
			}
		}
	}
}

// feed picks the live feed: the cache when reachable, else the durable log.
func (s *Server) feed(r *http.Request) board.Feed {
	if s.cache != nil && s.cache.Ping(r.Context()) == nil {
		return s.cache
	}
	if s.store != nil {
		return board.StoreFeed{Events: s.store}
	}
	return nil
}

// resolveCursor picks the starting cursor: explicit cursor query param, then
// the Last-Event-ID reconnect header, then replay=full from the beginning,
// otherwise only events from now on.
func resolveCursor(r *http.Request, feed board.Feed) (int64, error) {
	raw := r.URL.Query().Get("cursor")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id < 0 {
			return 0, errmodel.Validation("bad_cursor", "cursor must be a non-negative integer", map[string]any{"cursor": raw})
		}
		return id, nil
	}
	if r.URL.Query().Get("replay") == "full" {
		return 0, nil
	}
	latest, err := feed.LatestEventID(r.Context())
	if err != nil {
		return 0, errmodel.Stream("unavailable", "event feed is unavailable, fall back to polling", nil)
	}
	return latest, nil
}

type readyFrame struct {
	ServerTime time.Time `json:"server_time"`
	Cursor     int64     `json:"cursor"`
}

func writeReadyFrame(w http.ResponseWriter, cursor int64) {
	payload, _ := json.Marshal(readyFrame{ServerTime: time.Now().UTC(), Cursor: cursor})
	fmt.Fprintf(w, "event: ready\ndata: %s\n\n", payload)
}

func writeEventFrame(w http.ResponseWriter, ev store.EventRecord) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Kind, payload)
}
