package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/runplane/runplane/internal/stream"
	v1 "github.com/runplane/runplane/pkg/api/v1"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// wsFrame is one message on the WebSocket mirror of the run stream. The
// sequence number plays the same cursor role as the SSE event id.
type wsFrame struct {
	Seq    uint64       `json:"seq,omitempty"`
	Event  *v1.RunEvent `json:"event,omitempty"`
	Closed bool         `json:"closed,omitempty"`
	RunID  string       `json:"runId,omitempty"`
}

// streamRunWS mirrors the SSE stream endpoint over a WebSocket, honoring the
// same ?cursor= resumption.
func (s *Server) streamRunWS(c *gin.Context) {
	runID := c.Param("runId")
	if _, err := s.store.GetRun(c.Request.Context(), runID); err != nil {
		writeError(c, err)
		return
	}
	cursor := parseCursor(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithRunID(runID).WithError(err).Debug("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.streams.Subscribe(runID, cursor)
	defer sub.Cancel()

	// Discard client frames; the read loop only surfaces disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	heartbeat := s.heartbeat()
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case env, ok := <-sub.Events():
			if !ok {
				return
			}
			if !s.writeWSEnvelope(conn, env) {
				return
			}

		case <-sub.Closed():
			for {
				select {
				case env := <-sub.Events():
					if !s.writeWSEnvelope(conn, env) {
						return
					}
				default:
					_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
					if sub.Evicted() {
						// The run is still live; the client should
						// reconnect with its last cursor.
						_ = conn.WriteMessage(websocket.CloseMessage,
							websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber fell behind"))
						return
					}
					_ = conn.WriteJSON(wsFrame{Closed: true, RunID: runID})
					_ = conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run closed"))
					return
				}
			}
		}
	}
}

func (s *Server) writeWSEnvelope(conn *websocket.Conn, env stream.Envelope) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	event := env.Event
	return conn.WriteJSON(wsFrame{Seq: env.Seq, Event: &event}) == nil
}
