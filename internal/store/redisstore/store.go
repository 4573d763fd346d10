package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/john-savepoint/T3-Close-ne-sub001/internal/stream"
)

// Store is the Redis-backed ChunkStore. Per session it keeps three keys:
//
//	stream:{id}:meta    metadata record (JSON string, SETNX-guarded)
//	stream:{id}:chunks  ordered chunk log (list, RPUSH/LRANGE)
//	stream:{id}:status  status record (JSON string, last-write-wins)
//
// All three carry the same TTL so a session's records expire together.
// Redis key expiry is the reclamation mechanism; there is no sweeper.
type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// NewWithClient wraps an existing client (shared across stores).
func NewWithClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error { return s.rdb.Close() }

func metaKey(id string) string   { return fmt.Sprintf("stream:%s:meta", id) }
func chunksKey(id string) string { return fmt.Sprintf("stream:%s:chunks", id) }
func statusKey(id string) string { return fmt.Sprintf("stream:%s:status", id) }

func (s *Store) CreateSession(ctx context.Context, id string, meta stream.Metadata) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	// SETNX is the collision guard; an existing id is fatal, never overwritten.
	ok, err := s.rdb.SetNX(ctx, metaKey(id), b, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return stream.ErrSessionExists
	}
	return nil
}

func (s *Store) AppendChunk(ctx context.Context, id string, chunk stream.Chunk) error {
	b, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	// An append to a missing or expired session must fail, not resurrect the
	// chunks list as an orphaned key with no TTL.
	n, err := s.rdb.Exists(ctx, metaKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return stream.ErrSessionNotFound
	}
	return s.rdb.RPush(ctx, chunksKey(id), b).Err()
}

func (s *Store) ReadAll(ctx context.Context, id string) ([]stream.Chunk, error) {
	lines, err := s.rdb.LRange(ctx, chunksKey(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]stream.Chunk, 0, len(lines))
	for _, line := range lines {
		var c stream.Chunk
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			return nil, fmt.Errorf("redisstore: corrupt chunk in %s: %w", id, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) Length(ctx context.Context, id string) (int, error) {
	n, err := s.rdb.LLen(ctx, chunksKey(id)).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Store) GetMetadata(ctx context.Context, id string) (stream.Metadata, error) {
	b, err := s.rdb.Get(ctx, metaKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return stream.Metadata{}, stream.ErrSessionNotFound
		}
		return stream.Metadata{}, err
	}
	var meta stream.Metadata
	if err := json.Unmarshal(b, &meta); err != nil {
		return stream.Metadata{}, err
	}
	return meta, nil
}

func (s *Store) SetStatus(ctx context.Context, id string, status stream.Status, errMsg string) error {
	b, err := json.Marshal(stream.StatusRecord{
		Status:    status,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	// KeepTTL preserves whatever retention window ExpireAfter applied.
	return s.rdb.Set(ctx, statusKey(id), b, redis.KeepTTL).Err()
}

func (s *Store) GetStatus(ctx context.Context, id string) (stream.StatusRecord, error) {
	b, err := s.rdb.Get(ctx, statusKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return stream.StatusRecord{}, stream.ErrSessionNotFound
		}
		return stream.StatusRecord{}, err
	}
	var st stream.StatusRecord
	if err := json.Unmarshal(b, &st); err != nil {
		return stream.StatusRecord{}, err
	}
	return st, nil
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.Exists(ctx, metaKey(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) ExpireAfter(ctx context.Context, id string, ttl time.Duration) error {
	// One pipeline so the three key groups get the window together. Redis
	// expiry is still per key, but no caller depends on partial expiry.
	pipe := s.rdb.TxPipeline()
	pipe.Expire(ctx, metaKey(id), ttl)
	pipe.Expire(ctx, chunksKey(id), ttl)
	pipe.Expire(ctx, statusKey(id), ttl)
	_, err := pipe.Exec(ctx)
	return err
}

var _ stream.ChunkStore = (*Store)(nil)
