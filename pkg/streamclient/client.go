package streamclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Event is one push-channel record as delivered over SSE. Type is one of
// connected | metadata | chunk | complete | error | timeout.
type Event struct {
	Type        string    `json:"type"`
	SessionID   string    `json:"sessionId,omitempty"`
	Content     string    `json:"content,omitempty"`
	Index       *int      `json:"index,omitempty"`
	TotalChunks *int      `json:"totalChunks,omitempty"`
	Prompt      string    `json:"prompt,omitempty"`
	Model       string    `json:"model,omitempty"`
	Error       string    `json:"error,omitempty"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

var (
	// ErrAlreadyStreaming is returned when a start or resume is requested
	// while a stream is still attached.
	ErrAlreadyStreaming = errors.New("streamclient: a stream is already active")
	// ErrNotStreaming is returned by StopStream when nothing is attached.
	ErrNotStreaming = errors.New("streamclient: no active stream")
)

// Manager is a reconnecting SSE consumer for generation streams. It owns the
// accumulated content for one session at a time: each attach (first connect or
// reconnect) receives the full history from the server, so the local content
// is reset on every connect and rebuilt from the replay. Transport drops are
// retried with bounded exponential backoff; terminal records (complete, error,
// timeout) end the stream without retrying.
type Manager struct {
	baseURL string
	token   string
	client  *http.Client
	backoff *BackoffPolicy

	// OnEvent, when set, is called for every decoded event after the
	// manager's own state has been updated. Set it before StartStream.
	OnEvent func(Event)

	mu          sync.Mutex
	sessionID   string
	content     strings.Builder
	connected   bool
	streaming   bool
	timedOut    bool
	lastErr     error
	totalChunks int
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewManager builds a Manager for the given server base URL (no trailing
// slash) authenticating with the given bearer token.
func NewManager(baseURL, token string) *Manager {
	return &Manager{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		// No overall timeout: the SSE connection is long-lived.
		client:  &http.Client{},
		backoff: DefaultBackoffPolicy(),
	}
}

// SetBackoff replaces the reconnection policy. Not safe to call while a
// stream is active.
func (m *Manager) SetBackoff(p *BackoffPolicy) { m.backoff = p }

type createResp struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		SessionID string `json:"sessionId"`
	} `json:"data"`
}

// StartStream creates a new generation session on the server and attaches to
// it. It returns the session id as soon as the create call succeeds; event
// consumption runs in the background until a terminal record, StopStream, or
// ctx cancellation.
func (m *Manager) StartStream(ctx context.Context, prompt, model string) (string, error) {
	body, err := json.Marshal(map[string]string{"prompt": prompt, "model": model})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/v1/streams", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	m.authorize(req)

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("create stream: %w", err)
	}
	defer resp.Body.Close()

	var cr createResp
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("create stream: decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || cr.Code != 0 {
		return "", fmt.Errorf("create stream: server code=%d message=%q", cr.Code, cr.Message)
	}
	if cr.Data.SessionID == "" {
		return "", errors.New("create stream: empty session id")
	}

	if err := m.begin(ctx, cr.Data.SessionID); err != nil {
		return "", err
	}
	return cr.Data.SessionID, nil
}

// ResumeStream attaches to an existing session. Local content is discarded
// and rebuilt from the server's full replay, so a resume after any amount of
// missed progress converges on the same content a never-disconnected consumer
// would hold.
func (m *Manager) ResumeStream(ctx context.Context, sessionID string) error {
	return m.begin(ctx, sessionID)
}

// StopStream detaches from the current stream and asks the server to finalize
// the session. The finalize call is best effort: the local stream is torn
// down even if it fails.
func (m *Manager) StopStream(ctx context.Context) error {
	m.mu.Lock()
	if !m.streaming {
		m.mu.Unlock()
		return ErrNotStreaming
	}
	id := m.sessionID
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	<-done

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, m.baseURL+"/v1/streams/"+id, nil)
	if err != nil {
		return err
	}
	m.authorize(req)
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("teardown: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

// SessionID returns the current session id, or "" before the first start.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Content returns the text accumulated so far for the current session.
func (m *Manager) Content() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.content.String()
}

// IsConnected reports whether an SSE connection is currently open.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// IsStreaming reports whether the consume loop is still running, including
// the backoff gaps between reconnection attempts.
func (m *Manager) IsStreaming() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streaming
}

// TimedOut reports whether the server ended the last connection with a
// timeout record. Generation may still be running server-side; ResumeStream
// reattaches.
func (m *Manager) TimedOut() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timedOut
}

// TotalChunks returns the chunk count announced by the complete record, or 0
// if the stream has not completed.
func (m *Manager) TotalChunks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalChunks
}

// Err returns the terminal error for the current session: a generation error
// record, or a connection-lost error after the retry budget is spent.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Done returns a channel closed when the consume loop exits. Nil before the
// first start.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

func (m *Manager) authorize(req *http.Request) {
	if m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}
}

func (m *Manager) begin(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	if m.streaming {
		m.mu.Unlock()
		return ErrAlreadyStreaming
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.sessionID = sessionID
	m.content.Reset()
	m.connected = false
	m.streaming = true
	m.timedOut = false
	m.lastErr = nil
	m.totalChunks = 0
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go m.run(runCtx, sessionID, done)
	return nil
}

func (m *Manager) run(ctx context.Context, sessionID string, done chan struct{}) {
	defer func() {
		m.mu.Lock()
		m.connected = false
		m.streaming = false
		m.mu.Unlock()
		close(done)
	}()

	attempt := 0
	for {
		terminal, progressed, err := m.connect(ctx, sessionID)
		if terminal || ctx.Err() != nil {
			return
		}
		if progressed {
			// The server replays from the start on reconnect, so a
			// connection that got as far as any event restores the
			// full retry budget.
			attempt = 0
		}
		attempt++
		if attempt > m.backoff.MaxAttempts {
			m.setErr(fmt.Errorf("connection lost after %d attempts: %w", m.backoff.MaxAttempts, err))
			return
		}
		delay := m.backoff.NextDelay(attempt)
		log.Printf("stream reconnect session=%s attempt=%d delay=%s err=%v", sessionID, attempt, delay, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// connect opens one SSE connection and consumes it to the end. It reports
// whether a terminal record ended the stream and whether any event at all was
// received on this connection.
func (m *Manager) connect(ctx context.Context, sessionID string) (terminal bool, progressed bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/v1/streams/"+sessionID, nil)
	if err != nil {
		m.setErr(err)
		return true, false, nil
	}
	req.Header.Set("Accept", "text/event-stream")
	m.authorize(req)

	resp, err := m.client.Do(req)
	if err != nil {
		return false, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		m.setErr(fmt.Errorf("session %s not found (expired or never existed)", sessionID))
		return true, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return false, false, fmt.Errorf("attach: unexpected status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			log.Printf("stream bad event session=%s err=%v", sessionID, err)
			continue
		}
		progressed = true
		if m.handle(ev) {
			return true, true, nil
		}
	}
	if serr := scanner.Err(); serr != nil {
		return false, progressed, serr
	}
	return false, progressed, io.ErrUnexpectedEOF
}

// handle updates manager state for one event and reports whether it was
// terminal.
func (m *Manager) handle(ev Event) bool {
	m.mu.Lock()
	switch ev.Type {
	case "connected":
		// Every connection starts with a full replay; drop whatever a
		// previous connection accumulated.
		m.content.Reset()
		m.connected = true
	case "metadata":
		// Informational only.
	case "chunk":
		m.content.WriteString(ev.Content)
	case "complete":
		if ev.TotalChunks != nil {
			m.totalChunks = *ev.TotalChunks
		}
	case "error":
		m.lastErr = fmt.Errorf("generation failed: %s", ev.Error)
	case "timeout":
		m.timedOut = true
	default:
		log.Printf("stream unknown event type=%q session=%s", ev.Type, ev.SessionID)
	}
	cb := m.OnEvent
	m.mu.Unlock()

	if cb != nil {
		cb(ev)
	}
	return ev.Type == "complete" || ev.Type == "error" || ev.Type == "timeout"
}

func (m *Manager) setErr(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}
