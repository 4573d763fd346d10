package handlers

import (
	"context"

	"github.com/john-savepoint/T3-Close-ne-sub001/internal/config"
	"github.com/john-savepoint/T3-Close-ne-sub001/internal/stream"
)

// JobPublisher enqueues generation jobs for the worker. Satisfied by
// *rabbitmq.Publisher; faked in tests.
type JobPublisher interface {
	PublishJob(ctx context.Context, sessionID string) error
}

type Handler struct {
	Cfg   config.Config
	Store stream.ChunkStore
	Queue JobPublisher
}

func NewHandler(cfg config.Config, store stream.ChunkStore, queue JobPublisher) *Handler {
	return &Handler{Cfg: cfg, Store: store, Queue: queue}
}

func (h *Handler) session(id string) *stream.Session {
	return stream.NewSession(h.Store, id, h.Cfg.StreamTTL)
}
