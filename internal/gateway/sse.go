package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/runplane/runplane/internal/stream"
	v1 "github.com/runplane/runplane/pkg/api/v1"
)

const defaultHeartbeat = 15 * time.Second

// sseWriter frames run events as Server-Sent Events. Each event carries its
// stream sequence as the SSE id so clients can resume with Last-Event-ID.
type sseWriter struct {
	w       gin.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(c *gin.Context) (*sseWriter, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, false
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: c.Writer, flusher: flusher}, true
}

func (s *sseWriter) event(env stream.Envelope) error {
	data, err := json.Marshal(env.Event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", env.Seq, env.Event.Type, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) heartbeat() error {
	if _, err := fmt.Fprint(s.w, ":heartbeat\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// closed writes the terminal frame telling the client no more events will
// ever arrive for this run.
func (s *sseWriter) closed(runID string) error {
	data, err := json.Marshal(gin.H{"runId": runID})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", v1.EventRunClosed, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// pumpSSE delivers a subscription to the client until the stream closes, the
// client disconnects or the write fails. Returns true when the stream side
// ended the delivery. The run.closed frame is sent only for a terminal close;
// an evicted subscriber keeps its cursor and can resubscribe to the still
// live stream.
func (s *sseWriter) pumpSSE(c *gin.Context, runID string, sub *stream.Subscription, heartbeat time.Duration) bool {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	defer sub.Cancel()

	for {
		select {
		case <-c.Request.Context().Done():
			return false

		case <-ticker.C:
			if err := s.heartbeat(); err != nil {
				return false
			}

		case env, ok := <-sub.Events():
			if !ok {
				return false
			}
			if err := s.event(env); err != nil {
				return false
			}

		case <-sub.Closed():
			// Drain events delivered before the close.
			for {
				select {
				case env := <-sub.Events():
					if err := s.event(env); err != nil {
						return false
					}
				default:
					if !sub.Evicted() {
						_ = s.closed(runID)
					}
					return true
				}
			}
		}
	}
}
