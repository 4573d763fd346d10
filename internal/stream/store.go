package stream

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionExists is returned by CreateSession on an id collision.
	// Collisions are treated as fatal by callers, never silently overwritten.
	ErrSessionExists = errors.New("stream: session already exists")

	// ErrSessionNotFound is returned when a session's metadata record is
	// absent or expired. An expired session is indistinguishable from one
	// that never existed.
	ErrSessionNotFound = errors.New("stream: session not found")

	// ErrTerminal is returned by Session writes after a terminal record.
	ErrTerminal = errors.New("stream: session already terminal")
)

// ChunkStore is durable, TTL-bounded persistence for a session's three
// record groups: one metadata record, an ordered chunk log, and one status
// record, all addressed by session id.
//
// All operations are safe under retry except CreateSession, whose
// non-idempotence is the collision guard. The producer is the only writer
// per session, so AppendChunk only has to preserve call order.
type ChunkStore interface {
	// CreateSession stores the metadata record. Fails with ErrSessionExists
	// if the id is already present.
	CreateSession(ctx context.Context, id string, meta Metadata) error

	// AppendChunk adds one record to the end of the ordered log.
	AppendChunk(ctx context.Context, id string, chunk Chunk) error

	// ReadAll returns the full log from the beginning, in append order.
	// A session with no chunks yet yields an empty slice, not an error.
	ReadAll(ctx context.Context, id string) ([]Chunk, error)

	// Length returns the number of records in the log without reading them.
	Length(ctx context.Context, id string) (int, error)

	GetMetadata(ctx context.Context, id string) (Metadata, error)

	SetStatus(ctx context.Context, id string, status Status, errMsg string) error
	GetStatus(ctx context.Context, id string) (StatusRecord, error)

	// Exists reports whether the metadata record is present and unexpired.
	Exists(ctx context.Context, id string) (bool, error)

	// ExpireAfter applies ttl to all three record groups so they expire
	// together. Callers must not rely on partial expiry.
	ExpireAfter(ctx context.Context, id string, ttl time.Duration) error
}
