package cards

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a card id does not exist.
var ErrNotFound = errors.New("card not found")

// SQLiteStore persists cards in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the card database at dbPath and runs
// migrations. Use ":memory:" for an ephemeral store.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("cards: empty db path")
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("cards: creating dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("cards: open: %w", err)
	}

	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS cards (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	parent_id INTEGER NOT NULL DEFAULT 0,
	label TEXT NOT NULL,
	speech_text TEXT NOT NULL,
	voice_id TEXT NOT NULL DEFAULT '',
	audio_path TEXT NOT NULL DEFAULT '',
	position INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cards_parent ON cards(parent_id, position);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("cards: migrate: %w", err)
	}

	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateCard inserts a new card and returns it with its assigned id.
func (s *SQLiteStore) CreateCard(ctx context.Context, card Card) (*Card, error) {
	now := time.Now().UTC()
	card.CreatedAt = now
	card.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cards (parent_id, label, speech_text, voice_id, audio_path, position, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		card.ParentID, card.Label, card.SpeechText, card.VoiceID, card.AudioPath, card.Position,
		card.CreatedAt, card.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("cards: insert: %w", err)
	}

	card.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("cards: last insert id: %w", err)
	}

	return &card, nil
}

// GetCard fetches a single card by id.
func (s *SQLiteStore) GetCard(ctx context.Context, id int64) (*Card, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, parent_id, label, speech_text, voice_id, audio_path, position, created_at, updated_at
		FROM cards WHERE id = ?`, id)

	var c Card
	err := row.Scan(&c.ID, &c.ParentID, &c.Label, &c.SpeechText, &c.VoiceID, &c.AudioPath,
		&c.Position, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cards: get %d: %w", id, err)
	}

	return &c, nil
}

// ListCards returns the children of parentID ordered by position.
// parentID 0 lists the top-level category cards.
func (s *SQLiteStore) ListCards(ctx context.Context, parentID int64) ([]Card, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, label, speech_text, voice_id, audio_path, position, created_at, updated_at
		FROM cards WHERE parent_id = ? ORDER BY position, id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("cards: list: %w", err)
	}
	defer rows.Close()

	var out []Card
	for rows.Next() {
		var c Card
		if err := rows.Scan(&c.ID, &c.ParentID, &c.Label, &c.SpeechText, &c.VoiceID, &c.AudioPath,
			&c.Position, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("cards: scan: %w", err)
		}
		out = append(out, c)
	}

	return out, rows.Err()
}

// UpdateSpeechText replaces a card's speakable text. The caller is
// responsible for invalidating any cached audio derived from the old text.
func (s *SQLiteStore) UpdateSpeechText(ctx context.Context, id int64, text string) error {
	return s.update(ctx, id, `UPDATE cards SET speech_text = ?, updated_at = ? WHERE id = ?`,
		text, time.Now().UTC(), id)
}

// UpdateVoice replaces a card's voice selector.
func (s *SQLiteStore) UpdateVoice(ctx context.Context, id int64, voiceID string) error {
	return s.update(ctx, id, `UPDATE cards SET voice_id = ?, updated_at = ? WHERE id = ?`,
		voiceID, time.Now().UTC(), id)
}

// UpdateAudioRef sets the card's cached-audio reference. An empty path
// clears the reference.
func (s *SQLiteStore) UpdateAudioRef(ctx context.Context, id int64, path string) error {
	return s.update(ctx, id, `UPDATE cards SET audio_path = ?, updated_at = ? WHERE id = ?`,
		path, time.Now().UTC(), id)
}

// DeleteCard removes the card row. Children of a category card are
// re-parented to the top level rather than deleted.
func (s *SQLiteStore) DeleteCard(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE cards SET parent_id = 0 WHERE parent_id = ?`, id); err != nil {
		return fmt.Errorf("cards: reparent children of %d: %w", id, err)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM cards WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("cards: delete %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *SQLiteStore) update(ctx context.Context, id int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("cards: update %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
