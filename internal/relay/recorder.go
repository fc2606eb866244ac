package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/llmgate/llmgate/internal/llm"
)

// Recorder relays upstream bytes to the downstream client verbatim and in
// order, while holding the latest decoded snapshot for persistence. It
// implements the engine's Sink contract. Snapshot delivery is decoupled from
// the relay path: Update never blocks, it overwrites the held snapshot and,
// when a drain channel is attached, offers it there best-effort.
type Recorder struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu      sync.Mutex
	started bool
	last    llm.AccumulatedResponse
	updates chan llm.AccumulatedResponse
}

// NewRecorder prepares w for SSE relaying. Streaming requires the writer to
// support flushing.
func NewRecorder(w http.ResponseWriter) (*Recorder, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &Recorder{w: w, flusher: flusher}, nil
}

// AttachUpdates sets a drain channel for incremental snapshots. Sends are
// non-blocking; a slow drain just misses intermediate snapshots.
func (r *Recorder) AttachUpdates(ch chan llm.AccumulatedResponse) {
	r.mu.Lock()
	r.updates = ch
	r.mu.Unlock()
}

// Relay forwards one raw upstream chunk downstream, unaltered. The recorder
// counts as started only once a write has succeeded: if the very first write
// fails, the handler can still answer with a plain HTTP error status.
func (r *Recorder) Relay(chunk []byte) error {
	if _, err := r.w.Write(chunk); err != nil {
		return err
	}
	r.flusher.Flush()
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	return nil
}

// Started reports whether any byte has been relayed downstream yet. Before
// the first relayed byte the handler can still answer with a plain HTTP
// error status.
func (r *Recorder) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Update records the latest decoded snapshot.
func (r *Recorder) Update(snapshot llm.AccumulatedResponse) {
	r.mu.Lock()
	r.last = snapshot
	ch := r.updates
	r.mu.Unlock()

	if ch != nil {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

// Last returns the most recent snapshot.
func (r *Recorder) Last() llm.AccumulatedResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// WriteMessageID appends the synthetic terminal event carrying the persisted
// message id, after the upstream's own bytes. Clients that ignore unknown
// event types are unaffected.
func (r *Recorder) WriteMessageID(id string) error {
	payload, err := json.Marshal(map[string]string{"message_id": id})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(r.w, "event: message_id\ndata: %s\n\n", payload); err != nil {
		return err
	}
	r.flusher.Flush()
	return nil
}

// WriteError appends a terminal error frame naming the failure category.
// Partial answer bytes already relayed stay with the client.
func (r *Recorder) WriteError(category, message string) error {
	payload, err := json.Marshal(map[string]string{
		"type":    category,
		"message": message,
	})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(r.w, "event: error\ndata: %s\n\n", payload); err != nil {
		return err
	}
	r.flusher.Flush()
	return nil
}
