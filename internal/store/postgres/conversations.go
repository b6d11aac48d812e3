package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/renfield-ai/renfield/internal/store"
)

// SaveMessage implements [store.ConversationStore]. The parent conversation
// row is created on first save and its updated_at refreshed on every append.
func (s *Store) SaveMessage(ctx context.Context, sessionID, role, content string, metadata map[string]any) error {
	var meta []byte
	if metadata != nil {
		var err error
		if meta, err = json.Marshal(metadata); err != nil {
			return fmt.Errorf("postgres conversations: marshal metadata: %w", err)
		}
	}

	const q = `
		WITH conv AS (
		    INSERT INTO conversations (session_id)
		    VALUES ($1)
		    ON CONFLICT (session_id) DO UPDATE SET updated_at = now()
		    RETURNING id
		)
		INSERT INTO messages (conversation_id, role, content, metadata)
		SELECT id, $2, $3, $4 FROM conv`

	if _, err := s.pool.Exec(ctx, q, sessionID, role, content, meta); err != nil {
		return fmt.Errorf("postgres conversations: save message for %q: %w", sessionID, err)
	}
	return nil
}

// LoadMessages implements [store.ConversationStore]. The newest max messages
// are selected, then reversed so the caller receives them oldest first.
func (s *Store) LoadMessages(ctx context.Context, sessionID string, max int) ([]store.Message, error) {
	const q = `
		SELECT m.id, m.role, m.content, m.metadata, m.timestamp
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE c.session_id = $1
		ORDER BY m.timestamp DESC, m.id DESC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, q, sessionID, max)
	if err != nil {
		return nil, fmt.Errorf("postgres conversations: load %q: %w", sessionID, err)
	}

	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Message, error) {
		var (
			m    store.Message
			meta []byte
		)
		if err := row.Scan(&m.ID, &m.Role, &m.Content, &meta, &m.Timestamp); err != nil {
			return store.Message{}, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &m.Metadata); err != nil {
				return store.Message{}, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres conversations: scan rows: %w", err)
	}

	// Reverse newest-first into oldest-first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// GetSetting implements [store.SettingsStore].
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	const q = `SELECT value FROM system_settings WHERE key = $1`

	var value string
	err := s.pool.QueryRow(ctx, q, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("postgres settings: get %q: %w", key, err)
	}
	return value, true, nil
}

// SetSetting implements [store.SettingsStore].
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	const q = `
		INSERT INTO system_settings (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`

	if _, err := s.pool.Exec(ctx, q, key, value); err != nil {
		return fmt.Errorf("postgres settings: set %q: %w", key, err)
	}
	return nil
}
