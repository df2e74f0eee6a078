package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// drainDeadline bounds the final flush when the peer reads slowly. Writes
// block on a full socket buffer, so without a deadline a stalled client
// could pin the handler after the stream is already complete.
const drainDeadline = 5 * time.Second

// sseWriter puts the Anthropic SSE wire format onto an HTTP response. Every
// event flushes immediately; holding an event until the next one arrives
// would add a full upstream chunk of latency to each delta. All methods run
// on the handler goroutine.
type sseWriter struct {
	rw      http.ResponseWriter
	rc      *http.ResponseController
	flusher http.Flusher

	bytesOut int
	writeErr error
}

// newSSEWriter commits the response as an event stream. It fails before any
// byte is written when the connection cannot flush incrementally.
func newSSEWriter(rw http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	h := rw.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	rw.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &sseWriter{rw: rw, rc: http.NewResponseController(rw), flusher: flusher}, nil
}

// WriteEvent emits one `event:`/`data:` pair and pushes it to the socket.
func (w *sseWriter) WriteEvent(eventType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", eventType, err)
	}
	return w.write(fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data))
}

// WriteKeepalive emits a comment line clients ignore.
func (w *sseWriter) WriteKeepalive() error {
	return w.write(":keepalive\n\n")
}

func (w *sseWriter) write(frame string) error {
	if w.writeErr != nil {
		return w.writeErr
	}
	n, err := fmt.Fprint(w.rw, frame)
	w.bytesOut += n
	if err != nil {
		w.writeErr = err
		return err
	}
	w.flusher.Flush()
	return nil
}

// BytesOut reports the bytes handed to the transport so far.
func (w *sseWriter) BytesOut() int {
	return w.bytesOut
}

// FlushAndClose drains whatever the transport still buffers before the
// handler returns. The write deadline bounds the drain so a peer that
// stopped reading cannot hold the connection past drainDeadline.
func (w *sseWriter) FlushAndClose() error {
	_ = w.rc.SetWriteDeadline(time.Now().Add(drainDeadline))
	defer func() { _ = w.rc.SetWriteDeadline(time.Time{}) }()

	if err := w.rc.Flush(); err != nil {
		return err
	}
	return w.writeErr
}
