package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/monitor"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // fronted by a proxy in production
}

const (
	pongWait     = 60 * time.Second
	pingInterval = 20 * time.Second
)

// handleEvents streams monitor events over a websocket.
// GET /v1/events?run_id=<id>&since=<seq>&types=RETRY,FALLBACK
// Without run_id every run is streamed. With since the retained backlog of the run
// after that sequence number is replayed first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	hub := s.deps.Orchestrator.Hub()
	q := r.URL.Query()
	runID := q.Get("run_id")
	if runID == "" {
		runID = monitor.AllRuns
	}
	typeFilter := map[string]struct{}{}
	if v := q.Get("types"); v != "" {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				typeFilter[t] = struct{}{}
			}
		}
	}
	replay := false
	var since uint64
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be a sequence number")
			return
		}
		since, replay = n, runID != monitor.AllRuns
	}

	// subscribe first so nothing published during the handshake or replay is lost
	ch := hub.Subscribe(runID, 256)
	defer hub.Unsubscribe(runID, ch)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	wanted := func(e monitor.Event) bool {
		if len(typeFilter) == 0 {
			return true
		}
		_, ok := typeFilter[e.Type]
		return ok
	}

	var last uint64
	if replay {
		for _, e := range hub.ReplaySince(runID, since) {
			last = e.Seq
			if !wanted(e) {
				continue
			}
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			s.logger.Debug("Event stream client disconnected", zap.String("run_id", runID))
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			// skip events already sent during replay
			if replay && e.RunID == runID && e.Seq <= last {
				continue
			}
			if !wanted(e) {
				continue
			}
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
