package relay

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/llmgate/llmgate/internal/llm"
)

func TestRecorder_RelaysVerbatim(t *testing.T) {
	rec := httptest.NewRecorder()
	r, err := NewRecorder(rec)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}

	if r.Started() {
		t.Error("fresh recorder must not report started")
	}

	chunks := []string{"data: {\"a\":1}\n", "data: {\"b\":", "2}\n\n"}
	for _, chunk := range chunks {
		if err := r.Relay([]byte(chunk)); err != nil {
			t.Fatalf("relay: %v", err)
		}
	}

	if !r.Started() {
		t.Error("recorder must report started after the first relayed byte")
	}
	if got := rec.Body.String(); got != strings.Join(chunks, "") {
		t.Errorf("bytes not relayed verbatim:\n%q", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected SSE content type, got %q", ct)
	}
}

// failingWriter rejects every write, as a closed client connection would.
type failingWriter struct {
	header http.Header
}

func (w *failingWriter) Header() http.Header {
	if w.header == nil {
		w.header = make(http.Header)
	}
	return w.header
}

func (w *failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func (w *failingWriter) WriteHeader(int) {}

func (w *failingWriter) Flush() {}

func TestRecorder_FailedFirstWriteIsNotStarted(t *testing.T) {
	r, err := NewRecorder(&failingWriter{})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Relay([]byte("data: x\n")); err == nil {
		t.Fatal("expected relay error from failing writer")
	}
	if r.Started() {
		t.Error("a failed first write must not count as started, nothing reached the client")
	}
}

func TestRecorder_UpdateHoldsLatestSnapshot(t *testing.T) {
	rec := httptest.NewRecorder()
	r, err := NewRecorder(rec)
	if err != nil {
		t.Fatal(err)
	}

	r.Update(llm.AccumulatedResponse{Text: "partial"})
	r.Update(llm.AccumulatedResponse{Text: "partial answer"})
	if r.Last().Text != "partial answer" {
		t.Errorf("expected latest snapshot, got %q", r.Last().Text)
	}
}

func TestRecorder_UpdateNeverBlocksOnFullChannel(t *testing.T) {
	rec := httptest.NewRecorder()
	r, err := NewRecorder(rec)
	if err != nil {
		t.Fatal(err)
	}

	ch := make(chan llm.AccumulatedResponse, 1)
	r.AttachUpdates(ch)
	r.Update(llm.AccumulatedResponse{Text: "one"})
	r.Update(llm.AccumulatedResponse{Text: "two"}) // channel full, must not block
	if r.Last().Text != "two" {
		t.Errorf("expected held snapshot updated regardless, got %q", r.Last().Text)
	}
	got := <-ch
	if got.Text != "one" {
		t.Errorf("expected first snapshot in channel, got %q", got.Text)
	}
}

func TestRecorder_WriteMessageID(t *testing.T) {
	rec := httptest.NewRecorder()
	r, err := NewRecorder(rec)
	if err != nil {
		t.Fatal(err)
	}

	r.Relay([]byte("data: {\"done\":true}\n\n"))
	if err := r.WriteMessageID("msg-123"); err != nil {
		t.Fatalf("write message id: %v", err)
	}

	body := rec.Body.String()
	idx := strings.Index(body, "event: message_id\ndata: {\"message_id\":\"msg-123\"}\n\n")
	if idx < 0 {
		t.Fatalf("message id event missing or malformed:\n%q", body)
	}
	// The synthetic event must come after the relayed upstream bytes.
	if !strings.HasPrefix(body, "data: {\"done\":true}\n\n") {
		t.Errorf("synthetic event must follow upstream bytes:\n%q", body)
	}
}

func TestRecorder_WriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	r, err := NewRecorder(rec)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.WriteError("timeout", "upstream idle timeout"); err != nil {
		t.Fatal(err)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: error\n") || !strings.Contains(body, `"type":"timeout"`) {
		t.Errorf("unexpected error frame:\n%q", body)
	}
}
