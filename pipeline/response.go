package pipeline

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
)

// responseBuffer collects what middleware and the handler write until the
// outcome of the request is known. Once detached every write is dropped.
type responseBuffer struct {
	mu       sync.Mutex
	header   http.Header
	status   int
	body     bytes.Buffer
	detached bool
}

func newResponseBuffer() *responseBuffer {
	return &responseBuffer{header: make(http.Header)}
}

func (b *responseBuffer) Header() http.Header {
	return b.header
}

func (b *responseBuffer) WriteHeader(code int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached || b.status != 0 {
		return
	}
	b.status = code
}

func (b *responseBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached {
		return 0, ErrDetached
	}
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *responseBuffer) detach() {
	b.mu.Lock()
	b.detached = true
	b.body.Reset()
	b.mu.Unlock()
}

func (b *responseBuffer) statusCode() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}

// flushTo copies the buffered response onto w.
func (b *responseBuffer) flushTo(w http.ResponseWriter) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	dst := w.Header()
	for k, v := range b.header {
		dst[k] = v
	}
	status := b.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if b.body.Len() == 0 {
		return nil
	}
	_, err := w.Write(b.body.Bytes())
	return err
}

// WriteError sends body as the JSON error document with status.
func WriteError(w http.ResponseWriter, status int, body ErrorBody) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, err = w.Write(append(payload, '\n'))
	return err
}
