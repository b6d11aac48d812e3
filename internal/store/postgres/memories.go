package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/renfield-ai/renfield/internal/store"
)

// SaveMemory implements [store.MemoryStore]. An existing fact with the same ID
// is completely replaced.
func (s *Store) SaveMemory(ctx context.Context, m store.Memory) error {
	const q = `
		INSERT INTO memories (id, user_id, category, content, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO UPDATE SET
		    user_id   = EXCLUDED.user_id,
		    category  = EXCLUDED.category,
		    content   = EXCLUDED.content,
		    embedding = EXCLUDED.embedding`

	vec := pgvector.NewVector(m.Embedding)
	if _, err := s.pool.Exec(ctx, q, m.ID, m.UserID, m.Category, m.Content, vec); err != nil {
		return fmt.Errorf("postgres memories: save %q: %w", m.ID, err)
	}
	return nil
}

// SearchMemories implements [store.MemoryStore]. Results are ordered by
// ascending cosine distance (most similar first).
func (s *Store) SearchMemories(ctx context.Context, embedding []float32, userID string, limit int) ([]store.MemoryHit, error) {
	const q = `
		SELECT id, user_id, category, content, created_at,
		       1 - (embedding <=> $1) AS similarity
		FROM memories
		WHERE user_id = $2
		ORDER BY embedding <=> $1
		LIMIT $3`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres memories: search: %w", err)
	}

	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.MemoryHit, error) {
		var h store.MemoryHit
		err := row.Scan(
			&h.Memory.ID,
			&h.Memory.UserID,
			&h.Memory.Category,
			&h.Memory.Content,
			&h.Memory.CreatedAt,
			&h.Score,
		)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres memories: scan rows: %w", err)
	}
	return hits, nil
}
