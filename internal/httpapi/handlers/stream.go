package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/john-savepoint/T3-Close-ne-sub001/internal/common"
	"github.com/john-savepoint/T3-Close-ne-sub001/internal/stream"
)

// streamEvent is the push-channel payload. One JSON object per SSE event,
// type one of connected | metadata | chunk | complete | error | timeout.
type streamEvent struct {
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

func eventFromChunk(c stream.Chunk) streamEvent {
	return streamEvent{
		Type:        string(c.Type),
		Content:     c.Content,
		Index:       c.Index,
		TotalChunks: c.TotalChunks,
		Prompt:      c.Prompt,
		Model:       c.Model,
		Error:       c.Error,
		Timestamp:   c.Timestamp,
	}
}

type createStreamReq struct {
	Prompt string `json:"prompt" binding:"required"`
	Model  string `json:"model"`
}

// CreateStream accepts a generation request: it creates the session records
// and enqueues a job for the worker, then returns immediately with the
// session id. Generation proceeds whether or not anyone attaches.
func (h *Handler) CreateStream(c *gin.Context) {
	var req createStreamReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json: prompt required")
		return
	}
	model := req.Model
	if model == "" {
		model = h.Cfg.OllamaModel
	}

	id, err := common.NewULID()
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to generate session id")
		return
	}

	sess := h.session(id)
	if err := sess.Initialize(c.Request.Context(), req.Prompt, model); err != nil {
		if errors.Is(err, stream.ErrSessionExists) {
			// ULID collision; should never happen and must not be papered over.
			log.Printf("session id collision id=%s", id)
		}
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to create session")
		return
	}

	if err := h.Queue.PublishJob(c.Request.Context(), id); err != nil {
		// No worker will ever pick this session up; leave a terminal record
		// so an attached transport doesn't tail until its timeout.
		log.Printf("enqueue failed session=%s err=%v", id, err)
		_ = sess.MarkError(c.Request.Context(), "failed to enqueue generation job")
		common.Fail(c, http.StatusInternalServerError, 50003, "enqueue failed")
		return
	}

	common.Ok(c, gin.H{"sessionId": id})
}

// AttachStream serves one session's log as a live SSE stream: replay the
// full persisted history, then tail the store for new records until a
// terminal record, a bounded run of empty polls, or client disconnect.
//
// The transport is stateless across connections; each connection gets its
// own replay-then-tail pass with its own read offset, which is what allows
// reattachment and simultaneous viewers.
func (h *Handler) AttachStream(c *gin.Context) {
	sessionID := c.Param("session_id")

	ok, err := h.Store.Exists(c.Request.Context(), sessionID)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50004, "store error")
		return
	}
	if !ok {
		common.Fail(c, http.StatusNotFound, 40401, "session not found")
		return
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	flusher, okf := c.Writer.(http.Flusher)
	if !okf {
		fmt.Fprintf(c.Writer, "event: error\ndata: {\"type\":\"error\",\"error\":\"streaming unsupported\"}\n\n")
		return
	}

	writeEvent := func(ev streamEvent) {
		b, err := json.Marshal(ev)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"type\":\"error\",\"error\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Type, b)
		flusher.Flush()
	}

	writeEvent(streamEvent{
		Type:      "connected",
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	})

	sess := h.session(sessionID)
	ctx := c.Request.Context()

	// Replay: forward everything persisted so far, in log order.
	chunks, err := sess.ReadAllChunks(ctx)
	if err != nil {
		writeEvent(streamEvent{Type: "error", Error: "failed to read stream", Timestamp: time.Now().UTC()})
		return
	}
	offset := 0
	for _, ch := range chunks {
		writeEvent(eventFromChunk(ch))
		offset++
		if ch.Type.IsTerminal() {
			return
		}
	}

	// Tail: poll for records beyond our offset. Never re-send.
	ticker := time.NewTicker(h.Cfg.PollInterval)
	defer ticker.Stop()

	emptyPolls := 0
	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			all, err := sess.ReadAllChunks(ctx)
			if err != nil {
				writeEvent(streamEvent{Type: "error", Error: "failed to read stream", Timestamp: time.Now().UTC()})
				return
			}
			if len(all) <= offset {
				emptyPolls++
				if emptyPolls >= h.Cfg.MaxEmptyPolls {
					writeEvent(streamEvent{
						Type:      "timeout",
						Message:   "no new chunks; generation may still be running, reattach later",
						Timestamp: time.Now().UTC(),
					})
					return
				}
				continue
			}

			emptyPolls = 0
			for _, ch := range all[offset:] {
				writeEvent(eventFromChunk(ch))
				offset++
				if ch.Type.IsTerminal() {
					return
				}
			}
		}
	}
}

// StreamProgress reports chunk count and status without replaying content.
func (h *Handler) StreamProgress(c *gin.Context) {
	sessionID := c.Param("session_id")

	p, err := h.session(sessionID).GetProgress(c.Request.Context())
	if err != nil {
		if errors.Is(err, stream.ErrSessionNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "session not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50004, "store error")
		return
	}
	common.Ok(c, p)
}

// TeardownStream is the cleanup call. It marks a still-generating session
// complete; it does not purge records (TTL does) and does not guarantee the
// producer stops. Idempotent: tearing down a terminal session is a no-op.
func (h *Handler) TeardownStream(c *gin.Context) {
	sessionID := c.Param("session_id")
	ctx := c.Request.Context()

	sess := h.session(sessionID)
	p, err := sess.GetProgress(ctx)
	if err != nil {
		if errors.Is(err, stream.ErrSessionNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "session not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50004, "store error")
		return
	}

	if p.Status == stream.StatusGenerating {
		if err := sess.MarkComplete(ctx, p.TotalChunks); err != nil && !errors.Is(err, stream.ErrTerminal) {
			common.Fail(c, http.StatusInternalServerError, 50005, "failed to close session")
			return
		}
	}

	common.Ok(c, gin.H{"sessionId": sessionID, "status": "completed"})
}
