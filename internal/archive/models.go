package archive

import "time"

// Transcript is the durable copy of a finished generation. The Redis stream
// log is ephemeral (TTL-bounded); the archive is what survives it.
type Transcript struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"type:varchar(26);uniqueIndex;not null" json:"session_id"`
	Prompt    string    `gorm:"type:text;not null" json:"prompt"`
	Model     string    `gorm:"type:varchar(64);not null" json:"model"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	Status    string    `gorm:"type:varchar(16);index;not null" json:"status"`
	Error     string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (Transcript) TableName() string { return "stream_transcripts" }
