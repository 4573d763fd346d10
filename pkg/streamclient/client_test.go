package streamclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeServer is a minimal stand-in for the stream API: it issues one session
// id and runs a per-test attach script on every GET.
type fakeServer struct {
	srv       *httptest.Server
	sessionID string
	attaches  atomic.Int64
	// attach is invoked with the 1-based connection number.
	attach func(w http.ResponseWriter, r *http.Request, n int64)

	mu      sync.Mutex
	deletes []string
}

func newFakeServer(t *testing.T, attach func(w http.ResponseWriter, r *http.Request, n int64)) *fakeServer {
	t.Helper()
	f := &fakeServer{sessionID: "01J0000000000000000000TEST", attach: attach}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/streams", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"code":    0,
			"message": "ok",
			"data":    map[string]string{"sessionId": f.sessionID},
		})
	})
	mux.HandleFunc("GET /v1/streams/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != f.sessionID {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]any{"code": 40401, "message": "session not found"})
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		f.attach(w, r, f.attaches.Add(1))
	})
	mux.HandleFunc("DELETE /v1/streams/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deletes = append(f.deletes, r.PathValue("id"))
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "message": "ok"})
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deletes...)
}

func sendEvent(w http.ResponseWriter, ev Event) {
	b, _ := json.Marshal(ev)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, b)
	w.(http.Flusher).Flush()
}

func sendChunks(w http.ResponseWriter, id string, chunks []string) {
	sendEvent(w, Event{Type: "connected", SessionID: id})
	sendEvent(w, Event{Type: "metadata", Prompt: "say hello", Model: "m"})
	for i, c := range chunks {
		sendEvent(w, Event{Type: "chunk", Content: c, Index: &i})
	}
}

func fastBackoff() *BackoffPolicy {
	return &BackoffPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2.0, MaxDelay: 10 * time.Millisecond}
}

func waitDone(t *testing.T, m *Manager) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not finish")
	}
}

func TestStartStreamAccumulates(t *testing.T) {
	chunks := []string{"He", "llo", " world"}
	f := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, n int64) {
		sendChunks(w, "01J0000000000000000000TEST", chunks)
		total := len(chunks)
		sendEvent(w, Event{Type: "complete", TotalChunks: &total})
	})

	m := NewManager(f.srv.URL, "tok")
	id, err := m.StartStream(context.Background(), "say hello", "m")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if id != f.sessionID {
		t.Fatalf("id = %q, want %q", id, f.sessionID)
	}
	waitDone(t, m)

	if got := m.Content(); got != "Hello world" {
		t.Fatalf("content = %q, want %q", got, "Hello world")
	}
	if m.TotalChunks() != 3 {
		t.Fatalf("total = %d, want 3", m.TotalChunks())
	}
	if err := m.Err(); err != nil {
		t.Fatalf("err = %v", err)
	}
	if m.IsStreaming() {
		t.Fatal("still streaming after terminal record")
	}
	if n := f.attaches.Load(); n != 1 {
		t.Fatalf("attaches = %d, want 1", n)
	}
}

func TestMalformedEventSkipped(t *testing.T) {
	f := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, n int64) {
		sendChunks(w, "01J0000000000000000000TEST", []string{"ok"})
		fmt.Fprint(w, "data: {not json}\n\n")
		w.(http.Flusher).Flush()
		total := 1
		sendEvent(w, Event{Type: "complete", TotalChunks: &total})
	})

	m := NewManager(f.srv.URL, "tok")
	if err := m.ResumeStream(context.Background(), f.sessionID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitDone(t, m)

	if got := m.Content(); got != "ok" {
		t.Fatalf("content = %q, want %q", got, "ok")
	}
	if err := m.Err(); err != nil {
		t.Fatalf("err = %v", err)
	}
}

func TestReconnectReplayDoesNotDuplicate(t *testing.T) {
	id := "01J0000000000000000000TEST"
	f := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, n int64) {
		if n == 1 {
			// Drop mid-stream after some content.
			sendChunks(w, id, []string{"He"})
			return
		}
		// Reconnect gets the full history from the start.
		sendChunks(w, id, []string{"He", "llo"})
		total := 2
		sendEvent(w, Event{Type: "complete", TotalChunks: &total})
	})

	m := NewManager(f.srv.URL, "tok")
	m.SetBackoff(fastBackoff())
	if err := m.ResumeStream(context.Background(), id); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitDone(t, m)

	if got := m.Content(); got != "Hello" {
		t.Fatalf("content = %q, want %q (replay must reset, not append)", got, "Hello")
	}
	if err := m.Err(); err != nil {
		t.Fatalf("err = %v", err)
	}
	if n := f.attaches.Load(); n != 2 {
		t.Fatalf("attaches = %d, want 2", n)
	}
}

func TestReconnectBudgetBounded(t *testing.T) {
	f := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, n int64) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	m := NewManager(f.srv.URL, "tok")
	m.SetBackoff(fastBackoff())
	if err := m.ResumeStream(context.Background(), f.sessionID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitDone(t, m)

	err := m.Err()
	if err == nil || !strings.Contains(err.Error(), "connection lost") {
		t.Fatalf("err = %v, want connection lost", err)
	}
	// Initial try plus MaxAttempts retries, then give up.
	if n := f.attaches.Load(); n != 4 {
		t.Fatalf("attaches = %d, want 4", n)
	}
}

func TestResumeUnknownSession(t *testing.T) {
	f := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, n int64) {})

	m := NewManager(f.srv.URL, "tok")
	m.SetBackoff(fastBackoff())
	if err := m.ResumeStream(context.Background(), "ghost"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitDone(t, m)

	err := m.Err()
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err = %v, want not found", err)
	}
	// Expiry is permanent; a 404 must not burn reconnect attempts.
	if n := f.attaches.Load(); n != 0 {
		t.Fatalf("attaches = %d, want 0", n)
	}
}

func TestGenerationErrorIsTerminal(t *testing.T) {
	f := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, n int64) {
		sendChunks(w, "01J0000000000000000000TEST", []string{"par"})
		sendEvent(w, Event{Type: "error", Error: "upstream died"})
	})

	m := NewManager(f.srv.URL, "tok")
	m.SetBackoff(fastBackoff())
	if err := m.ResumeStream(context.Background(), f.sessionID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitDone(t, m)

	err := m.Err()
	if err == nil || !strings.Contains(err.Error(), "upstream died") {
		t.Fatalf("err = %v", err)
	}
	if got := m.Content(); got != "par" {
		t.Fatalf("content = %q, partial output must survive", got)
	}
	if n := f.attaches.Load(); n != 1 {
		t.Fatalf("attaches = %d, want 1 (no retry after terminal record)", n)
	}
}

func TestTimeoutRecord(t *testing.T) {
	f := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, n int64) {
		sendChunks(w, "01J0000000000000000000TEST", nil)
		sendEvent(w, Event{Type: "timeout", Message: "no new chunks"})
	})

	m := NewManager(f.srv.URL, "tok")
	if err := m.ResumeStream(context.Background(), f.sessionID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitDone(t, m)

	if !m.TimedOut() {
		t.Fatal("TimedOut = false")
	}
	if err := m.Err(); err != nil {
		t.Fatalf("err = %v, timeout is not an error", err)
	}
}

func TestStopStream(t *testing.T) {
	started := make(chan struct{})
	f := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, n int64) {
		sendChunks(w, "01J0000000000000000000TEST", []string{"x"})
		close(started)
		// Keep the connection open until the client goes away.
		<-r.Context().Done()
	})

	m := NewManager(f.srv.URL, "tok")
	id, err := m.StartStream(context.Background(), "p", "m")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-started

	if err := m.StopStream(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if m.IsStreaming() {
		t.Fatal("still streaming after stop")
	}
	if got := f.deleted(); len(got) != 1 || got[0] != id {
		t.Fatalf("deletes = %v, want [%s]", got, id)
	}

	if err := m.StopStream(context.Background()); err != ErrNotStreaming {
		t.Fatalf("second stop: got %v, want ErrNotStreaming", err)
	}
}

func TestStartWhileStreamingRejected(t *testing.T) {
	block := make(chan struct{})
	f := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, n int64) {
		sendChunks(w, "01J0000000000000000000TEST", nil)
		<-block
	})
	defer close(block)

	m := NewManager(f.srv.URL, "tok")
	m.SetBackoff(fastBackoff())
	if _, err := m.StartStream(context.Background(), "p", "m"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.ResumeStream(context.Background(), f.sessionID); err != ErrAlreadyStreaming {
		t.Fatalf("got %v, want ErrAlreadyStreaming", err)
	}
}
