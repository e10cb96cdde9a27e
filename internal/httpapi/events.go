package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	eventBuffer       = 32
	eventWriteTimeout = 5 * time.Second
)

// handleEvents streams every Published event to a websocket client until it
// disconnects. Clients that read too slowly miss events rather than slowing
// the publish loop.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, requestID string) {
	events, unsubscribe := s.publisher.Subscribe(eventBuffer)
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket handshake failed", "request_id", requestID, "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "publisher stopped")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Debug("websocket write failed", "request_id", requestID, "error", err)
				}
				return
			}
		}
	}
}
