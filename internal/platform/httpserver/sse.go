package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// sseWriter renders stream events as Server-Sent Events. Headers go out with
// the first write, so a session that fails to subscribe can still answer
// with a JSON error.
type sseWriter struct {
	w            http.ResponseWriter
	rc           *http.ResponseController
	writeTimeout time.Duration
	started      bool
}

func newSSEWriter(w http.ResponseWriter, writeTimeout time.Duration) *sseWriter {
	return &sseWriter{
		w:            w,
		rc:           http.NewResponseController(w),
		writeTimeout: writeTimeout,
	}
}

func (s *sseWriter) Started() bool {
	return s.started
}

func (s *sseWriter) WriteEvent(name string, id string, data []byte) error {
	var b strings.Builder
	if name != "" {
		fmt.Fprintf(&b, "event: %s\n", name)
	}
	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	for _, line := range strings.Split(string(data), "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	return s.write(b.String())
}

func (s *sseWriter) WriteComment(text string) error {
	return s.write(": " + text + "\n\n")
}

func (s *sseWriter) write(frame string) error {
	if !s.started {
		header := s.w.Header()
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		header.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if s.writeTimeout > 0 {
		err := s.rc.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		if err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}
	if _, err := fmt.Fprint(s.w, frame); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
