package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/renfield-ai/renfield/internal/store"
)

// DenseSearch implements [store.ChunkStore]. It finds the limit chunks whose
// embeddings are closest (cosine distance) to the query embedding, optionally
// scoped to a knowledge base. Score is similarity (1 − distance), descending.
func (s *Store) DenseSearch(ctx context.Context, embedding []float32, limit int, kbID int64) ([]store.ChunkHit, error) {
	queryVec := pgvector.NewVector(embedding)

	q := `
		SELECT c.id, c.document_id, c.content, c.chunk_index, c.page_number,
		       c.section_title, d.filename,
		       1 - (c.embedding <=> $1) AS similarity
		FROM document_chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.status = 'completed'`
	args := []any{queryVec}
	if kbID > 0 {
		args = append(args, kbID)
		q += fmt.Sprintf(" AND d.knowledge_base_id = $%d", len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(`
		ORDER BY c.embedding <=> $1
		LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres chunks: dense search: %w", err)
	}
	hits, err := collectHits(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres chunks: dense search: %w", err)
	}
	return hits, nil
}

// LexicalSearch implements [store.ChunkStore]. Full-text matching uses the
// named text-search configuration with cover-density ranking (ts_rank_cd).
func (s *Store) LexicalSearch(ctx context.Context, query, language string, limit int, kbID int64) ([]store.ChunkHit, error) {
	if language == "" {
		language = "english"
	}

	q := `
		SELECT c.id, c.document_id, c.content, c.chunk_index, c.page_number,
		       c.section_title, d.filename,
		       ts_rank_cd(c.search_vector, websearch_to_tsquery($1, $2)) AS rank
		FROM document_chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.status = 'completed'
		  AND c.search_vector @@ websearch_to_tsquery($1, $2)`
	args := []any{language, query}
	if kbID > 0 {
		args = append(args, kbID)
		q += fmt.Sprintf(" AND d.knowledge_base_id = $%d", len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(`
		ORDER BY rank DESC
		LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres chunks: lexical search: %w", err)
	}
	hits, err := collectHits(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres chunks: lexical search: %w", err)
	}
	return hits, nil
}

// ChunkWindow implements [store.ChunkStore].
func (s *Store) ChunkWindow(ctx context.Context, documentID int64, center, w int) ([]store.DocumentChunk, error) {
	const q = `
		SELECT c.id, c.document_id, c.content, c.chunk_index, c.page_number,
		       c.section_title, d.filename
		FROM document_chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.document_id = $1
		  AND c.chunk_index BETWEEN $2 AND $3
		ORDER BY c.chunk_index`

	rows, err := s.pool.Query(ctx, q, documentID, center-w, center+w)
	if err != nil {
		return nil, fmt.Errorf("postgres chunks: window doc %d: %w", documentID, err)
	}

	chunks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.DocumentChunk, error) {
		var c store.DocumentChunk
		err := row.Scan(&c.ID, &c.DocumentID, &c.Content, &c.ChunkIndex,
			&c.PageNumber, &c.SectionTitle, &c.Filename)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres chunks: scan rows: %w", err)
	}
	return chunks, nil
}

// collectHits scans chunk search rows sharing the common column layout.
func collectHits(rows pgx.Rows) ([]store.ChunkHit, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.ChunkHit, error) {
		var h store.ChunkHit
		err := row.Scan(
			&h.Chunk.ID,
			&h.Chunk.DocumentID,
			&h.Chunk.Content,
			&h.Chunk.ChunkIndex,
			&h.Chunk.PageNumber,
			&h.Chunk.SectionTitle,
			&h.Chunk.Filename,
			&h.Score,
		)
		return h, err
	})
}
