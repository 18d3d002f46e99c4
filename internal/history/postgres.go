package history

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	createTranslationsTable = `CREATE TABLE IF NOT EXISTS translations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		source_lang TEXT NOT NULL,
		target_lang TEXT NOT NULL,
		original_text TEXT NOT NULL,
		translated_text TEXT NOT NULL,
		audio_url TEXT NOT NULL DEFAULT '',
		pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
	createTranslationsIndex = `CREATE INDEX IF NOT EXISTS idx_translations_user_created
		ON translations (user_id, created_at)`

	insertTranslation = `INSERT INTO translations
		(id, user_id, source_lang, target_lang, original_text, translated_text, audio_url, pii_redacted, created_at)
		VALUES (@id, @user_id, @source_lang, @target_lang, @original_text, @translated_text, @audio_url, @pii_redacted, @created_at)`

	// Newest first so LIMIT keeps the latest rows; callers get them reversed.
	selectRecentTranslations = `SELECT id, user_id, source_lang, target_lang, original_text, translated_text, audio_url, pii_redacted, created_at
		FROM translations WHERE user_id = @user_id ORDER BY created_at DESC LIMIT @limit`
)

// PostgresStore persists the translation journal in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	for _, stmt := range []string{createTranslationsTable, createTranslationsIndex} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("init journal schema: %w", err)
		}
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) SaveTranslation(ctx context.Context, record Record) error {
	if _, err := s.pool.Exec(ctx, insertTranslation, insertArgs(record)); err != nil {
		return fmt.Errorf("save translation: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, userID string, limit int) ([]Record, error) {
	rows, err := s.pool.Query(ctx, selectRecentTranslations, pgx.NamedArgs{
		"user_id": userID,
		"limit":   clampLimit(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("query translations: %w", err)
	}
	newest, err := pgx.CollectRows(rows, pgx.RowToStructByName[Record])
	if err != nil {
		return nil, fmt.Errorf("collect translations: %w", err)
	}
	return chronological(newest), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// insertArgs fills the ID and timestamp a caller left empty.
func insertArgs(r Record) pgx.NamedArgs {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return pgx.NamedArgs{
		"id":              r.ID,
		"user_id":         r.UserID,
		"source_lang":     r.SourceLang,
		"target_lang":     r.TargetLang,
		"original_text":   r.OriginalText,
		"translated_text": r.TranslatedText,
		"audio_url":       r.AudioURL,
		"pii_redacted":    r.PIIRedacted,
		"created_at":      r.CreatedAt,
	}
}

func chronological(newestFirst []Record) []Record {
	slices.Reverse(newestFirst)
	return newestFirst
}
