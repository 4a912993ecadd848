package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// ChangeStreamHandler pushes reconciler change notices to local UIs over a
// websocket. Notices carry no data; the UI re-reads the named view.
type ChangeStreamHandler struct {
	src      Source
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewChangeStreamHandler(src Source, logger *zap.Logger) *ChangeStreamHandler {
	return &ChangeStreamHandler{
		src: src,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger.Named("changes"),
	}
}

// Stream handles GET /v1/changes
//
// The stream ends when the session is switched or closed; clients
// reconnect and re-read every view.
func (h *ChangeStreamHandler) Stream(c *gin.Context) {
	r, ok := reconciler(c, h.src)
	if !ok {
		return
	}
	// Subscribe before the upgrade completes so no change made after the
	// client sees the handshake is missed.
	changes, unsubscribe := r.Subscribe(64)
	defer unsubscribe()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go h.readPump(conn, gone)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case change, ok := <-changes:
			conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, //nolint:errcheck
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session restarted"))
				return
			}
			if err := conn.WriteJSON(change); err != nil {
				h.logger.Debug("write change", zap.Error(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

// readPump drains client frames so pongs and the close handshake are
// processed. It closes gone when the client disconnects.
func (h *ChangeStreamHandler) readPump(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
