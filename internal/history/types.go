package history

import (
	"context"
	"time"
)

const (
	// DefaultLimit applies when a caller asks for zero or fewer records.
	DefaultLimit = 20
	// MaxLimit caps a single Recent call.
	MaxLimit = 100
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return min(limit, MaxLimit)
}

// Record is one completed translation.
type Record struct {
	ID             string    `json:"id" db:"id"`
	UserID         string    `json:"user_id" db:"user_id"`
	SourceLang     string    `json:"source_lang" db:"source_lang"`
	TargetLang     string    `json:"target_lang" db:"target_lang"`
	OriginalText   string    `json:"original_text" db:"original_text"`
	TranslatedText string    `json:"translated_text" db:"translated_text"`
	AudioURL       string    `json:"audio_url" db:"audio_url"`
	PIIRedacted    bool      `json:"pii_redacted" db:"pii_redacted"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Store persists and retrieves the translation journal.
type Store interface {
	SaveTranslation(ctx context.Context, record Record) error
	// Recent returns up to limit records for userID, oldest first.
	Recent(ctx context.Context, userID string, limit int) ([]Record, error)
	Close() error
}
