package archive

import (
	"context"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) InsertTranscript(ctx context.Context, t *Transcript) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *Repo) GetBySessionID(ctx context.Context, sessionID string) (*Transcript, error) {
	var t Transcript
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// ListRecent returns transcripts in DESC id order (newest -> oldest).
func (r *Repo) ListRecent(ctx context.Context, limit int, beforeID uint64) ([]Transcript, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	q := r.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	var out []Transcript
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
