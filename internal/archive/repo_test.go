package archive

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Transcript{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewRepo(db)
}

func TestInsertAndGetTranscript(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	in := &Transcript{
		SessionID: "01J0000000000000000000TEST",
		Prompt:    "say hello",
		Model:     "test-model",
		Content:   "Hello world",
		Status:    "completed",
	}
	if err := repo.InsertTranscript(ctx, in); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if in.ID == 0 {
		t.Fatal("id not assigned")
	}

	got, err := repo.GetBySessionID(ctx, in.SessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != "Hello world" || got.Status != "completed" {
		t.Fatalf("got = %+v", got)
	}
}

func TestGetTranscriptMissing(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.GetBySessionID(context.Background(), "nope")
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("got %v, want gorm.ErrRecordNotFound", err)
	}
}

func TestInsertTranscriptDuplicateSession(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	first := &Transcript{SessionID: "dup", Prompt: "p", Model: "m", Content: "c", Status: "completed"}
	if err := repo.InsertTranscript(ctx, first); err != nil {
		t.Fatalf("insert: %v", err)
	}
	second := &Transcript{SessionID: "dup", Prompt: "p", Model: "m", Content: "c2", Status: "completed"}
	if err := repo.InsertTranscript(ctx, second); err == nil {
		t.Fatal("duplicate session id accepted")
	}
}

func TestListRecent(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	for i := 0; i < 5; i++ {
		tr := &Transcript{
			SessionID: fmt.Sprintf("s%d", i),
			Prompt:    "p",
			Model:     "m",
			Content:   "c",
			Status:    "completed",
		}
		if err := repo.InsertTranscript(ctx, tr); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	page, err := repo.ListRecent(ctx, 3, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("page len = %d, want 3", len(page))
	}
	// Newest first.
	if page[0].SessionID != "s4" || page[2].SessionID != "s2" {
		t.Fatalf("page order = %s..%s", page[0].SessionID, page[2].SessionID)
	}

	next, err := repo.ListRecent(ctx, 3, page[2].ID)
	if err != nil {
		t.Fatalf("list next: %v", err)
	}
	if len(next) != 2 || next[0].SessionID != "s1" {
		t.Fatalf("next page = %+v", next)
	}
}
