package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aegisrag/aegisrag/internal/query"
)

// sseWriter frames answer events as server-sent events and flushes
// after every frame so tokens reach the client as they are generated.
type sseWriter struct {
	w       gin.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(c *gin.Context) (*sseWriter, error) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	return &sseWriter{w: c.Writer, flusher: flusher}, nil
}

func (s *sseWriter) send(ev query.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
