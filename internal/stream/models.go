package stream

import "time"

// ChunkType discriminates records in a session's append-only log.
type ChunkType string

const (
	ChunkTypeMetadata ChunkType = "metadata"
	ChunkTypeChunk    ChunkType = "chunk"
	ChunkTypeComplete ChunkType = "complete"
	ChunkTypeError    ChunkType = "error"
)

// IsTerminal reports whether a record of this type ends the session's
// writable lifetime.
func (t ChunkType) IsTerminal() bool {
	return t == ChunkTypeComplete || t == ChunkTypeError
}

// Status is the fast-path liveness record, maintained separately from the
// log so transports can check for completion without replaying it.
type Status string

const (
	StatusGenerating Status = "generating"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Metadata describes one generation session. Written once at creation,
// immutable thereafter.
type Metadata struct {
	SessionID string    `json:"sessionId"`
	Prompt    string    `json:"prompt"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"createdAt"`
}

// Chunk is one record of a session's ordered log.
//
// A "chunk" record carries a fragment of generated text and a monotonically
// increasing index. A "complete" record carries the total chunk count. An
// "error" record carries a human-readable message. The log always opens with
// a "metadata" record so a consumer reading only the log can reconstruct
// context.
type Chunk struct {
	Type        ChunkType `json:"type"`
	Content     string    `json:"content,omitempty"`
	Index       *int      `json:"index,omitempty"`
	Error       string    `json:"error,omitempty"`
	TotalChunks *int      `json:"totalChunks,omitempty"`
	Prompt      string    `json:"prompt,omitempty"`
	Model       string    `json:"model,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// StatusRecord is the mutable, last-write-wins status of a session.
type StatusRecord struct {
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Progress is a cheap summary of a session: how many text chunks exist and
// whether generation is still running. It never replays chunk content.
type Progress struct {
	SessionID   string `json:"sessionId"`
	TotalChunks int    `json:"totalChunks"`
	Status      Status `json:"status"`
}

func intPtr(n int) *int { return &n }
