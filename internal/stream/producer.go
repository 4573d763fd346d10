package stream

import (
	"context"
	"log"
	"strings"

	"github.com/john-savepoint/T3-Close-ne-sub001/internal/ai"
	"github.com/john-savepoint/T3-Close-ne-sub001/internal/archive"
)

// Producer bridges an upstream token stream into a Session. It is the only
// component that appends to a session's log; everything else is a reader.
type Producer struct {
	session  *Session
	provider ai.Provider
	archive  *archive.Repo // optional; nil disables transcript archival
}

func NewProducer(session *Session, provider ai.Provider, archive *archive.Repo) *Producer {
	return &Producer{session: session, provider: provider, archive: archive}
}

// Run streams the completion for the session's recorded prompt and persists
// every non-empty delta as a chunk. It always terminates the log: a clean
// upstream end appends "complete", any upstream failure appends "error".
// Run never retries the upstream call; retry policy belongs to the caller
// (a retried request produces a new session).
func (p *Producer) Run(ctx context.Context) error {
	meta, err := p.session.GetMetadata(ctx)
	if err != nil {
		return err
	}

	// A per-job context so an early return (store write failure) cancels the
	// upstream stream instead of leaving the provider goroutine blocked on a
	// send for the life of the worker.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs := []ai.Message{{Role: "user", Content: meta.Prompt}}
	chunks, errs := p.provider.StreamChat(ctx, msgs)

	var b strings.Builder
	index := 0
	for c := range chunks {
		if c == "" {
			continue
		}
		if err := p.session.AddChunk(ctx, c, index); err != nil {
			// Store write failed; try to leave a terminal record so tailing
			// transports do not poll forever.
			p.markError(ctx, meta, err.Error())
			return err
		}
		b.WriteString(c)
		index++
	}

	// The chunk channel closed; check whether the provider ended cleanly.
	select {
	case err := <-errs:
		if err != nil {
			p.markError(ctx, meta, err.Error())
			return err
		}
	default:
	}

	if err := p.session.MarkComplete(ctx, index); err != nil {
		return err
	}

	if p.archive != nil {
		t := &archive.Transcript{
			SessionID: p.session.ID,
			Prompt:    meta.Prompt,
			Model:     meta.Model,
			Content:   b.String(),
			Status:    string(StatusCompleted),
		}
		if err := p.archive.InsertTranscript(ctx, t); err != nil {
			// Archive is a convenience copy; the log is the source of truth.
			log.Printf("producer archive failed session=%s err=%v", p.session.ID, err)
		}
	}

	log.Printf("producer completed session=%s chunks=%d", p.session.ID, index)
	return nil
}

func (p *Producer) markError(ctx context.Context, meta Metadata, msg string) {
	if err := p.session.MarkError(ctx, msg); err != nil {
		log.Printf("producer mark error failed session=%s err=%v", p.session.ID, err)
		return
	}
	if p.archive != nil {
		t := &archive.Transcript{
			SessionID: p.session.ID,
			Prompt:    meta.Prompt,
			Model:     meta.Model,
			Status:    string(StatusError),
			Error:     msg,
		}
		if err := p.archive.InsertTranscript(ctx, t); err != nil {
			log.Printf("producer archive failed session=%s err=%v", p.session.ID, err)
		}
	}
}
