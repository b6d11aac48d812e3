// Package retrieval implements hybrid document search: a dense vector branch
// and a lexical full-text branch fused with Reciprocal Rank Fusion, followed
// by context-window expansion around the winning chunks.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/renfield-ai/renfield/internal/config"
	"github.com/renfield-ai/renfield/internal/store"
	"github.com/renfield-ai/renfield/pkg/provider/embeddings"
)

// Result is one retrieved chunk after fusion and window expansion.
type Result struct {
	Chunk store.DocumentChunk

	// Score is the fused RRF score, or the branch score when running
	// single-branch.
	Score float64

	// Branch records where the chunk ranked: "dense", "lexical", or "both".
	Branch string
}

// Engine runs hybrid retrieval over the chunk store.
type Engine struct {
	chunks   store.ChunkStore
	embedder embeddings.Provider
	cfg      config.RetrievalConfig
	log      *slog.Logger
}

// NewEngine builds an Engine. Zero-valued config fields get their defaults.
func NewEngine(chunks store.ChunkStore, embedder embeddings.Provider, cfg config.RetrievalConfig, log *slog.Logger) *Engine {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.RRFK <= 0 {
		cfg.RRFK = 60
	}
	if cfg.DenseWeight <= 0 {
		cfg.DenseWeight = 1.0
	}
	if cfg.LexicalWeight <= 0 {
		cfg.LexicalWeight = 1.0
	}
	if cfg.ContextWindow < 0 {
		cfg.ContextWindow = 0
	}
	if cfg.ContextWindow > 5 {
		cfg.ContextWindow = 5
	}
	if cfg.TextSearchLanguage == "" {
		cfg.TextSearchLanguage = "english"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{chunks: chunks, embedder: embedder, cfg: cfg, log: log}
}

// Search retrieves the top chunks for query, optionally scoped to a knowledge
// base (kbID > 0). In hybrid mode both branches over-fetch three times the
// requested depth so fusion has material to work with; a failing lexical
// branch degrades to dense-only instead of failing the query.
func (e *Engine) Search(ctx context.Context, query string, kbID int64) ([]Result, error) {
	k := e.cfg.TopK

	fetch := k
	if e.cfg.Hybrid {
		fetch = k * 3
	}

	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}
	dense, err := e.chunks.DenseSearch(ctx, vec, fetch, kbID)
	if err != nil {
		return nil, fmt.Errorf("retrieval: dense search: %w", err)
	}
	dense = filterSimilarity(dense, e.cfg.MinSimilarity)

	if !e.cfg.Hybrid {
		out := make([]Result, 0, len(dense))
		for _, h := range dense {
			if len(out) == k {
				break
			}
			out = append(out, Result{Chunk: h.Chunk, Score: h.Score, Branch: "dense"})
		}
		return e.expand(ctx, out)
	}

	lexical, err := e.chunks.LexicalSearch(ctx, query, e.cfg.TextSearchLanguage, fetch, kbID)
	if err != nil {
		e.log.Warn("lexical branch failed, degrading to dense-only", "error", err)
		lexical = nil
	}

	fused := e.fuse(dense, lexical)
	if len(fused) > k {
		fused = fused[:k]
	}
	return e.expand(ctx, fused)
}

// fuse combines both branch rankings with Reciprocal Rank Fusion. Each chunk
// scores weight/(rrf_k + rank + 1) per branch it appears in; ties break in
// favor of the better dense rank so vector similarity wins on equal fusion
// scores.
func (e *Engine) fuse(dense, lexical []store.ChunkHit) []Result {
	type entry struct {
		chunk     store.DocumentChunk
		score     float64
		denseRank int
		branches  int
	}
	const unranked = 1 << 30

	byID := make(map[int64]*entry)
	for rank, h := range dense {
		byID[h.Chunk.ID] = &entry{
			chunk:     h.Chunk,
			score:     e.cfg.DenseWeight / float64(e.cfg.RRFK+rank+1),
			denseRank: rank,
			branches:  1,
		}
	}
	for rank, h := range lexical {
		score := e.cfg.LexicalWeight / float64(e.cfg.RRFK+rank+1)
		if ent, ok := byID[h.Chunk.ID]; ok {
			ent.score += score
			ent.branches |= 2
			continue
		}
		byID[h.Chunk.ID] = &entry{
			chunk:     h.Chunk,
			score:     score,
			denseRank: unranked,
			branches:  2,
		}
	}

	entries := make([]*entry, 0, len(byID))
	for _, ent := range byID {
		entries = append(entries, ent)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		return entries[i].denseRank < entries[j].denseRank
	})

	out := make([]Result, len(entries))
	for i, ent := range entries {
		branch := "dense"
		switch ent.branches {
		case 2:
			branch = "lexical"
		case 3:
			branch = "both"
		}
		out[i] = Result{Chunk: ent.chunk, Score: ent.score, Branch: branch}
	}
	return out
}

// expand widens each result to its surrounding chunks (±ContextWindow by
// chunk_index within the same document), deduplicating chunks shared by
// overlapping windows. The expanded text replaces the single-chunk content;
// scores and order of the winning chunks are preserved.
func (e *Engine) expand(ctx context.Context, results []Result) ([]Result, error) {
	w := e.cfg.ContextWindow
	if w == 0 || len(results) == 0 {
		return results, nil
	}

	seen := make(map[int64]bool)
	for _, r := range results {
		seen[r.Chunk.ID] = true
	}

	for i, r := range results {
		window, err := e.chunks.ChunkWindow(ctx, r.Chunk.DocumentID, r.Chunk.ChunkIndex, w)
		if err != nil {
			e.log.Warn("window expansion failed", "chunk_id", r.Chunk.ID, "error", err)
			continue
		}
		var parts []string
		for _, c := range window {
			if c.ID != r.Chunk.ID && seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			parts = append(parts, c.Content)
		}
		if len(parts) > 0 {
			results[i].Chunk.Content = strings.Join(parts, "\n")
		}
	}
	return results, nil
}

// FormatContext renders results as a quoted context block for the system
// prompt, annotating each passage with its source.
func FormatContext(results []Result) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant excerpts from the knowledge base:\n")
	for i, r := range results {
		src := r.Chunk.Filename
		if src == "" {
			src = fmt.Sprintf("document %d", r.Chunk.DocumentID)
		}
		if r.Chunk.SectionTitle != "" {
			src += ", " + r.Chunk.SectionTitle
		}
		if r.Chunk.PageNumber > 0 {
			src += fmt.Sprintf(", page %d", r.Chunk.PageNumber)
		}
		fmt.Fprintf(&b, "\n[%d] (%s)\n> %s\n", i+1, src,
			strings.ReplaceAll(strings.TrimSpace(r.Chunk.Content), "\n", "\n> "))
	}
	return b.String()
}

// filterSimilarity drops dense hits below the similarity floor.
func filterSimilarity(hits []store.ChunkHit, min float64) []store.ChunkHit {
	if min <= 0 {
		return hits
	}
	out := hits[:0]
	for _, h := range hits {
		if h.Score >= min {
			out = append(out, h)
		}
	}
	return out
}
