package stream

import (
	"context"
	"time"
)

// Session is the handle through which the rest of the system talks to the
// ChunkStore for one session id. It hides key construction and record
// shaping, and enforces the single-terminal-record invariant for its writer.
//
// Sessions hold no read cursor: ReadAllChunks always re-reads from the
// beginning. Offset tracking belongs to consumers (the delivery transport).
type Session struct {
	ID    string
	store ChunkStore
	ttl   time.Duration
}

// NewSession wraps an existing or to-be-created session id.
func NewSession(store ChunkStore, id string, ttl time.Duration) *Session {
	return &Session{ID: id, store: store, ttl: ttl}
}

// Initialize creates the session records: the out-of-band metadata record,
// a self-describing metadata header at the start of the log, the initial
// "generating" status, and the shared retention window.
//
// Fails with ErrSessionExists on an id collision.
func (s *Session) Initialize(ctx context.Context, prompt, model string) error {
	now := time.Now().UTC()

	meta := Metadata{
		SessionID: s.ID,
		Prompt:    prompt,
		Model:     model,
		CreatedAt: now,
	}
	if err := s.store.CreateSession(ctx, s.ID, meta); err != nil {
		return err
	}

	header := Chunk{
		Type:      ChunkTypeMetadata,
		Prompt:    prompt,
		Model:     model,
		Timestamp: now,
	}
	if err := s.store.AppendChunk(ctx, s.ID, header); err != nil {
		return err
	}
	if err := s.store.SetStatus(ctx, s.ID, StatusGenerating, ""); err != nil {
		return err
	}
	return s.store.ExpireAfter(ctx, s.ID, s.ttl)
}

// AddChunk appends one fragment of generated text at the given index.
// Returns ErrTerminal if the session already has a terminal record.
func (s *Session) AddChunk(ctx context.Context, content string, index int) error {
	if err := s.ensureWritable(ctx); err != nil {
		return err
	}
	return s.store.AppendChunk(ctx, s.ID, Chunk{
		Type:      ChunkTypeChunk,
		Content:   content,
		Index:     intPtr(index),
		Timestamp: time.Now().UTC(),
	})
}

// MarkComplete appends the terminal "complete" record and flips the status.
// The retention window is refreshed so a finished session stays observable
// for a full TTL after completion.
func (s *Session) MarkComplete(ctx context.Context, totalChunks int) error {
	if err := s.ensureWritable(ctx); err != nil {
		return err
	}
	err := s.store.AppendChunk(ctx, s.ID, Chunk{
		Type:        ChunkTypeComplete,
		TotalChunks: intPtr(totalChunks),
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := s.store.SetStatus(ctx, s.ID, StatusCompleted, ""); err != nil {
		return err
	}
	return s.store.ExpireAfter(ctx, s.ID, s.ttl)
}

// MarkError appends the terminal "error" record and flips the status.
func (s *Session) MarkError(ctx context.Context, message string) error {
	if err := s.ensureWritable(ctx); err != nil {
		return err
	}
	err := s.store.AppendChunk(ctx, s.ID, Chunk{
		Type:      ChunkTypeError,
		Error:     message,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := s.store.SetStatus(ctx, s.ID, StatusError, message); err != nil {
		return err
	}
	return s.store.ExpireAfter(ctx, s.ID, s.ttl)
}

// ReadAllChunks returns every record in the log, in order, from the start.
// Restartable: every call re-reads the whole log.
func (s *Session) ReadAllChunks(ctx context.Context) ([]Chunk, error) {
	return s.store.ReadAll(ctx, s.ID)
}

// GetMetadata returns the immutable session metadata record.
func (s *Session) GetMetadata(ctx context.Context) (Metadata, error) {
	return s.store.GetMetadata(ctx, s.ID)
}

// GetProgress summarizes the session without replaying chunk content.
// The log holds one metadata header, N text chunks and at most one terminal
// record, so the text chunk count falls out of the log length and status.
func (s *Session) GetProgress(ctx context.Context) (Progress, error) {
	st, err := s.store.GetStatus(ctx, s.ID)
	if err != nil {
		return Progress{}, err
	}
	n, err := s.store.Length(ctx, s.ID)
	if err != nil {
		return Progress{}, err
	}

	total := n - 1 // metadata header
	if st.Status != StatusGenerating {
		total-- // terminal record
	}
	if total < 0 {
		total = 0
	}
	return Progress{SessionID: s.ID, TotalChunks: total, Status: st.Status}, nil
}

// ensureWritable rejects writes once a terminal record exists. The producer
// is the session's single writer, so a status check is a sufficient guard.
func (s *Session) ensureWritable(ctx context.Context) error {
	st, err := s.store.GetStatus(ctx, s.ID)
	if err != nil {
		return err
	}
	if st.Status != StatusGenerating {
		return ErrTerminal
	}
	return nil
}
