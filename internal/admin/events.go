package admin

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"jobweave/internal/eventbus"
	logx "jobweave/pkg/logx"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// eventStream relays bus events to websocket clients. Each client gets its
// own bus subscription; a slow client loses events instead of stalling
// others.
type eventStream struct {
	bus      eventbus.Bus
	log      logx.Logger
	buffer   int
	clients  atomic.Int64
	upgrader websocket.Upgrader
}

func newEventStream(bus eventbus.Bus, log logx.Logger, allowedOrigins []string) *eventStream {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &eventStream{
		bus:    bus,
		log:    log,
		buffer: 128,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || allowed[origin] || allowed["*"] {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				host := u.Hostname()
				return host == "localhost" || host == "127.0.0.1" || host == "::1"
			},
		},
	}
}

// serve upgrades the request and streams events as JSON text frames.
// ?types=job.,run.started narrows the stream (see eventbus.Match).
func (e *eventStream) serve(w http.ResponseWriter, r *http.Request) {
	if e.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	var prefixes []string
	for _, p := range strings.Split(r.URL.Query().Get("types"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			prefixes = append(prefixes, p)
		}
	}

	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		e.log.Debug("ws upgrade failed", logx.Err(err))
		return
	}
	events, unsubscribe := e.bus.Subscribe(e.buffer)
	n := e.clients.Add(1)
	e.log.Debug("ws client connected", logx.String("remote", r.RemoteAddr), logx.Int64("clients", n))

	done := make(chan struct{})
	go e.readPump(conn, done)
	e.writePump(r.Context(), conn, events, prefixes, done)

	unsubscribe()
	_ = conn.Close()
	e.clients.Add(-1)
}

// readPump discards client frames; it exists to process pongs and notice
// the close.
func (e *eventStream) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump returns when the client goes away or ctx ends; the server's
// base context is cancelled on Stop, which reaches hijacked connections too.
func (e *eventStream) writePump(ctx context.Context, conn *websocket.Conn, events <-chan eventbus.Event, prefixes []string, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				return
			}
			if !eventbus.Match(ev.Type, prefixes) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
