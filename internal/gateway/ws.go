package gateway

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/signalpipe/internal/bus"
)

// wsEvent is the frame pushed to websocket clients for every bus event.
type wsEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// handleWS upgrades the connection and streams bus events to the client until
// it disconnects. The optional topic query param narrows the subscription to
// a topic prefix ("signal.", "capture.", "strategy.").
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library;
		// cross-origin requires an explicit allowlist entry.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}

	prefix := r.URL.Query().Get("topic")
	sub := s.cfg.Bus.Subscribe(prefix)
	s.logger.Info("ws: client connected", "topic_prefix", prefix)
	defer func() {
		s.cfg.Bus.Unsubscribe(sub)
		s.logger.Info("ws: client disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// Reads are discarded; the stream is one-way. CloseRead surfaces the
	// client going away through context cancellation.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, toWSEvent(ev)); err != nil {
				s.logger.Warn("ws: write failed, closing", "error", err)
				return
			}
		}
	}
}

func toWSEvent(ev bus.Event) wsEvent {
	return wsEvent{Topic: ev.Topic, Payload: ev.Payload}
}
