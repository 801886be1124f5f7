package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/tally/logger"
	"github.com/teranos/tally/rpc"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// HandleWatchJob upgrades to a WebSocket and pushes status snapshots until the
// job completes, then closes normally. Unknown jobs get a 404 before the
// upgrade.
func (s *Server) HandleWatchJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.broker.Query(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.LoggerFromContext(r.Context(), s.logger).Warnw("Failed to upgrade WebSocket", logger.FieldJobID, id, logger.FieldError, err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	updates, err := s.broker.Watch(ctx, id)
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()),
			time.Now().Add(writeWait))
		return
	}

	// Read pump: only control frames are expected; a read error means the
	// peer went away
	gone := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case st, ok := <-updates:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job completed"),
					time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(rpc.StatusResponse(st)); err != nil {
				s.logger.Debugw("WebSocket write failed", logger.FieldJobID, id, logger.FieldError, err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		case <-ctx.Done():
			return
		}
	}
}
