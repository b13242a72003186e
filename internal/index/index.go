// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/siilats/CodeGPT/internal/logging"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrNotIndexed    = errors.New("codebase not indexed")
	ErrIndexing      = errors.New("indexing in progress")
	ErrDatabaseError = errors.New("database error")
	ErrInvalidPath   = errors.New("invalid path")
)

// =============================================================================
// CONFIG
// =============================================================================

// Config holds index configuration.
type Config struct {
	// DatabasePath is where the SQLite database lives.
	DatabasePath string

	// MaxFileSize is the largest file that is indexed, in bytes.
	MaxFileSize int64

	// IgnorePatterns are glob patterns matched against base names.
	IgnorePatterns []string

	// Extensions limits indexing to these extensions (empty = all text files).
	Extensions []string

	// ChunkLines and ChunkOverlap shape the line windows.
	ChunkLines   int
	ChunkOverlap int

	// WatchDebounce is the quiet period before a changed file is reindexed.
	WatchDebounce time.Duration
}

// DefaultConfig returns the default configuration for a database at dbPath.
func DefaultConfig(dbPath string) *Config {
	return &Config{
		DatabasePath: dbPath,
		MaxFileSize:  1 * 1024 * 1024,
		IgnorePatterns: []string{
			".git", ".svn", ".hg", ".idea", ".vscode", ".gradle",
			"node_modules", "__pycache__", ".venv", "venv",
			"vendor", "target", "dist", "build", "out",
			"*.exe", "*.dll", "*.so", "*.dylib", "*.jar", "*.class",
			"*.zip", "*.tar", "*.gz", "*.jpg", "*.png", "*.gif", "*.pdf",
			"*.db", "*.db-wal", "*.db-shm", "*.gguf", "*.bin",
		},
		ChunkLines:    40,
		ChunkOverlap:  10,
		WatchDebounce: 500 * time.Millisecond,
	}
}

// =============================================================================
// INDEX
// =============================================================================

// Index is the SQLite-backed chunk store.
type Index struct {
	db     *sql.DB
	config *Config
	log    *logging.Logger

	mu          sync.RWMutex
	root        string
	lastIndexed time.Time

	indexingMu sync.Mutex
	indexing   bool
}

// Stats summarises the index.
type Stats struct {
	Root         string
	FileCount    int
	ChunkCount   int
	LastIndexed  time.Time
	DatabaseSize int64
}

// Open opens (creating if needed) the index database.
func Open(config *Config, log *logging.Logger) (*Index, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if log == nil {
		log = logging.Nop()
	}

	if err := os.MkdirAll(filepath.Dir(config.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	idx := &Index{db: db, config: config, log: log.Named("index")}
	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := idx.loadMetadata(); err != nil {
		idx.log.Warn("failed to load index metadata", "error", err)
	}
	return idx, nil
}

func (idx *Index) initSchema() error {
	if _, err := idx.db.Exec(Schema); err != nil {
		return err
	}
	_, err := idx.db.Exec(InitMetadata)
	return err
}

func (idx *Index) loadMetadata() error {
	rows, err := idx.db.Query("SELECT key, value FROM metadata WHERE key IN ('root_path', 'last_full_index')")
	if err != nil {
		return err
	}
	defer rows.Close()

	idx.mu.Lock()
	defer idx.mu.Unlock()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		switch key {
		case "root_path":
			idx.root = value
		case "last_full_index":
			if ts, err := strconv.ParseInt(value, 10, 64); err == nil && ts > 0 {
				idx.lastIndexed = time.Unix(ts, 0)
			}
		}
	}
	return rows.Err()
}

// Close releases the database.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Root returns the directory the index was last built from.
func (idx *Index) Root() string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.root
}

// IsIndexed reports whether a full build has completed.
func (idx *Index) IsIndexed() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return !idx.lastIndexed.IsZero()
}

// =============================================================================
// INDEXING
// =============================================================================

// Build replaces the index contents with every eligible file under root.
func (idx *Index) Build(ctx context.Context, root string) (Stats, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if !info.IsDir() {
		return Stats{}, fmt.Errorf("%w: not a directory", ErrInvalidPath)
	}

	idx.indexingMu.Lock()
	if idx.indexing {
		idx.indexingMu.Unlock()
		return Stats{}, ErrIndexing
	}
	idx.indexing = true
	idx.indexingMu.Unlock()
	defer func() {
		idx.indexingMu.Lock()
		idx.indexing = false
		idx.indexingMu.Unlock()
	}()

	start := time.Now()
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks"); err != nil {
		return Stats{}, fmt.Errorf("failed to clear chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM files"); err != nil {
		return Stats{}, fmt.Errorf("failed to clear files: %w", err)
	}

	var fileCount, chunkCount int
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != abs && idx.shouldIgnore(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !idx.eligible(relPath(abs, path)) {
			return nil
		}
		n, err := idx.indexFile(ctx, tx, abs, path)
		if err != nil {
			idx.log.Debug("skipping file", "path", path, "error", err)
			return nil
		}
		if n > 0 {
			fileCount++
			chunkCount += n
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("failed to walk codebase: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "UPDATE metadata SET value = ? WHERE key = 'last_full_index'", strconv.FormatInt(start.Unix(), 10)); err != nil {
		return Stats{}, err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE metadata SET value = ? WHERE key = 'root_path'", abs); err != nil {
		return Stats{}, err
	}
	if err := tx.Commit(); err != nil {
		return Stats{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	idx.mu.Lock()
	idx.root = abs
	idx.lastIndexed = start
	idx.mu.Unlock()

	idx.log.Info("index built", "root", abs, "files", fileCount, "chunks", chunkCount,
		"duration", time.Since(start).String())
	return idx.Stats(), nil
}

// IndexFile reindexes a single file under the current root.
func (idx *Index) IndexFile(ctx context.Context, path string) error {
	root := idx.Root()
	if root == "" {
		return ErrNotIndexed
	}
	if !idx.eligible(relPath(root, path)) {
		return nil
	}

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer tx.Rollback()

	if err := idx.deleteFile(ctx, tx, relPath(root, path)); err != nil {
		return err
	}
	if _, err := idx.indexFile(ctx, tx, root, path); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveFile drops a file and its chunks.
func (idx *Index) RemoveFile(ctx context.Context, path string) error {
	root := idx.Root()
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer tx.Rollback()
	if err := idx.deleteFile(ctx, tx, relPath(root, path)); err != nil {
		return err
	}
	return tx.Commit()
}

// deleteFile removes chunks first so the FTS delete trigger sees each row.
func (idx *Index) deleteFile(ctx context.Context, tx *sql.Tx, rel string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE file_id IN (SELECT id FROM files WHERE path = ?)", rel); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, "DELETE FROM files WHERE path = ?", rel)
	return err
}

// indexFile chunks path and inserts it. It returns the number of chunks.
func (idx *Index) indexFile(ctx context.Context, tx *sql.Tx, root, path string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.Size() > idx.config.MaxFileSize {
		return 0, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	if isBinary(data) {
		return 0, nil
	}

	chunks := ChunkText(string(data), idx.config.ChunkLines, idx.config.ChunkOverlap)
	if len(chunks) == 0 {
		return 0, nil
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO files (path, mod_time, size, language, line_count, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, relPath(root, path), info.ModTime().Unix(), info.Size(),
		detectLanguage(filepath.Ext(path)), strings.Count(string(data), "\n")+1, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	fileID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO chunks (file_id, start_line, end_line, content) VALUES (?, ?, ?, ?)")
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, fileID, c.StartLine, c.EndLine, c.Content); err != nil {
			return 0, err
		}
	}
	return len(chunks), nil
}

func (idx *Index) shouldIgnore(name string) bool {
	for _, pattern := range idx.config.IgnorePatterns {
		if matched, _ := filepath.Match(pattern, name); matched {
			return true
		}
	}
	return false
}

// eligible applies the ignore patterns to every element of the root-relative
// path rel and the extension filter to the file.
func (idx *Index) eligible(rel string) bool {
	if strings.HasPrefix(rel, "../") {
		return false
	}
	for _, part := range strings.Split(rel, "/") {
		if part != "" && idx.shouldIgnore(part) {
			return false
		}
	}
	if len(idx.config.Extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(rel))
	for _, e := range idx.config.Extensions {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}

func relPath(root, path string) string {
	if root == "" {
		return filepath.ToSlash(path)
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// =============================================================================
// STATISTICS
// =============================================================================

// Stats returns current index statistics.
func (idx *Index) Stats() Stats {
	idx.mu.RLock()
	s := Stats{Root: idx.root, LastIndexed: idx.lastIndexed}
	idx.mu.RUnlock()

	_ = idx.db.QueryRow("SELECT COUNT(*) FROM files").Scan(&s.FileCount)
	_ = idx.db.QueryRow("SELECT COUNT(*) FROM chunks").Scan(&s.ChunkCount)
	if info, err := os.Stat(idx.config.DatabasePath); err == nil {
		s.DatabaseSize = info.Size()
	}
	return s
}
