// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package index

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"unicode"
)

// =============================================================================
// SEARCH RESULT
// =============================================================================

// Result is a ranked chunk. Lower Score is a better bm25 match.
type Result struct {
	Chunk
	Language  string
	Score     float64
	Embedding []float32
}

// =============================================================================
// SEARCH METHODS
// =============================================================================

// Search returns up to limit chunks matching query, best first. Any term
// may match; bm25 favours chunks matching more and rarer terms.
func (idx *Index) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if !idx.IsIndexed() {
		return nil, ErrNotIndexed
	}
	ftsQuery := buildFTSQuery(query)
	if ftsQuery == "" {
		return []Result{}, nil
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := idx.db.QueryContext(ctx, `
		SELECT c.id, f.path, f.language, c.start_line, c.end_line, c.content, c.embedding,
		       bm25(chunks_fts) AS score
		FROM chunks_fts
		JOIN chunks c ON c.id = chunks_fts.rowid
		JOIN files f ON f.id = c.file_id
		WHERE chunks_fts MATCH ?
		ORDER BY score
		LIMIT ?
	`, ftsQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer rows.Close()

	results := make([]Result, 0, limit)
	for rows.Next() {
		var r Result
		var lang sql.NullString
		var blob []byte
		if err := rows.Scan(&r.ID, &r.Path, &lang, &r.StartLine, &r.EndLine, &r.Content, &blob, &r.Score); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
		r.Language = lang.String
		r.Embedding = decodeVector(blob)
		results = append(results, r)
	}
	return results, rows.Err()
}

// StoreEmbedding attaches an embedding vector to a chunk.
func (idx *Index) StoreEmbedding(ctx context.Context, chunkID int64, vec []float32) error {
	res, err := idx.db.ExecContext(ctx, "UPDATE chunks SET embedding = ? WHERE id = ?", encodeVector(vec), chunkID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("chunk %d: %w", chunkID, sql.ErrNoRows)
	}
	return nil
}

// Files lists the indexed file paths, relative to the root.
func (idx *Index) Files(ctx context.Context) ([]string, error) {
	rows, err := idx.db.QueryContext(ctx, "SELECT path FROM files ORDER BY path")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		files = append(files, p)
	}
	return files, rows.Err()
}

// buildFTSQuery turns free text into an OR of quoted terms. Quoting every
// term leaves no FTS5 operator syntax in user input.
func buildFTSQuery(query string) string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})

	seen := make(map[string]bool, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ToLower(f)
		if len([]rune(f)) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}

// =============================================================================
// VECTOR ENCODING
// =============================================================================

func encodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec
}
