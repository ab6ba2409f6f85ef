package hub

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WSServer exposes the hub over a websocket endpoint. The inbound half of
// each connection carries only control messages; outbound frames are the
// hub's events as JSON.
type WSServer struct {
	hub *Hub
	log *slog.Logger

	upgrader websocket.Upgrader
}

// NewWSServer wraps a hub. A nil logger falls back to slog.Default.
func NewWSServer(h *Hub, log *slog.Logger) *WSServer {
	if log == nil {
		log = slog.Default()
	}
	return &WSServer{
		hub: h,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and runs it until either side closes.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}

	subscriberID := uuid.NewString()
	sub := s.hub.Connect(subscriberID)
	log := s.log.With("subscriber_id", subscriberID, "remote", r.RemoteAddr)
	log.Info("subscriber connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer s.hub.Disconnect(subscriberID)
	defer func() { _ = conn.Close() }()

	go s.writePump(ctx, cancel, conn, sub, log)
	s.readPump(conn, sub, log)
}

// readPump handles inbound control messages until the connection drops.
func (s *WSServer) readPump(conn *websocket.Conn, sub *Subscriber, log *slog.Logger) {
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var ctl Control
		if err := conn.ReadJSON(&ctl); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("websocket read failed", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		switch ctl.Action {
		case ActionSubscribe:
			if err := s.hub.Subscribe(sub.ID(), ctl.RunID); err != nil {
				log.Warn("subscribe failed", "run_id", ctl.RunID, "error", err)
			}
		case ActionUnsubscribe:
			if err := s.hub.Unsubscribe(sub.ID(), ctl.RunID); err != nil {
				log.Warn("unsubscribe failed", "run_id", ctl.RunID, "error", err)
			}
		case ActionPing:
			sub.inject(Event{Kind: KindPong, Timestamp: time.Now().UTC()})
		default:
			log.Warn("unknown control action", "action", ctl.Action)
		}
	}
}

// writePump forwards hub events to the socket and keeps the connection
// alive with pings.
func (s *WSServer) writePump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sub *Subscriber, log *slog.Logger) {
	defer cancel()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	events := make(chan Event)
	go func() {
		defer close(events)
		for {
			ev, err := sub.Recv(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrDisconnected) {
					log.Warn("subscriber receive failed", "error", err)
				}
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Warn("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
