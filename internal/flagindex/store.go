// Package flagindex maintains a local FTS5 index of feature-flag references
// discovered in target repositories. Discovery sessions report their findings
// as a structured payload; RecordScan replaces a repository's references
// wholesale, so re-running discovery against the same repository is
// idempotent.
//
// The index is kept in its own SQLite database, separate from the work store:
// reference search and scan rewrites must not contend with removal
// bookkeeping, and dropping or rebuilding the index must never touch request
// state.
package flagindex

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Result is one search hit with a highlighted context snippet.
type Result struct {
	Repository string  `json:"repository"`
	FlagKey    string  `json:"flag_key"`
	File       string  `json:"file"`
	Line       int     `json:"line"`
	Snippet    string  `json:"snippet"`
	Rank       float64 `json:"rank"`
}

// RepositoryScan summarizes the most recent recorded scan of one repository.
type RepositoryScan struct {
	Repository string    `json:"repository"`
	Flags      int       `json:"flags"`
	References int       `json:"references"`
	ScannedAt  time.Time `json:"scanned_at"`
}

// IndexStats counts the indexed corpus.
type IndexStats struct {
	Repositories int `json:"repositories"`
	Flags        int `json:"flags"`
	References   int `json:"references"`
}

const indexSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS flag_refs USING fts5(
	repository,
	flag_key,
	file,
	line UNINDEXED,
	context,
	tokenize='porter unicode61'
);

CREATE TABLE IF NOT EXISTS scan_meta (
	repository TEXT PRIMARY KEY,
	flags INTEGER NOT NULL DEFAULT 0,
	refs INTEGER NOT NULL DEFAULT 0,
	scanned_at TEXT NOT NULL
);
`

// Index wraps the flag-reference database. Safe for concurrent use.
type Index struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewIndex opens (or creates) the flag-reference database at the given path.
func NewIndex(dbPath string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create flag index dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open flag index db: %w", err)
	}

	if _, err := db.Exec(indexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init flag index schema: %w", err)
	}

	return &Index{db: db}, nil
}

// RecordScan stores a discovery session's findings for one repository,
// replacing whatever a previous scan of that repository recorded. A payload
// with no parseable references still registers the scan, with zero counts.
func (s *Index) RecordScan(repository string, payload map[string]any) error {
	refs := ParseScanPayload(payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM flag_refs WHERE repository = ?`, repository); err != nil {
		return fmt.Errorf("clear old references: %w", err)
	}

	flags := make(map[string]struct{})
	for _, ref := range refs {
		if _, err := tx.Exec(
			`INSERT INTO flag_refs (repository, flag_key, file, line, context) VALUES (?, ?, ?, ?, ?)`,
			repository, ref.FlagKey, ref.File, ref.Line, ref.Context,
		); err != nil {
			return fmt.Errorf("insert reference: %w", err)
		}
		flags[ref.FlagKey] = struct{}{}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO scan_meta (repository, flags, refs, scanned_at) VALUES (?, ?, ?, ?)`,
		repository, len(flags), len(refs), now,
	); err != nil {
		return fmt.Errorf("upsert scan_meta: %w", err)
	}

	return tx.Commit()
}

// Search queries the reference index using FTS5 MATCH syntax. An optional
// repository narrows results to one repository. Returns up to limit results
// sorted by relevance rank.
func (s *Index) Search(query, repository string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 20
	}
	ftsQuery := sanitizeFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows *sql.Rows
	var err error

	if repository != "" {
		rows, err = s.db.Query(`
			SELECT repository, flag_key, file, line, snippet(flag_refs, 4, '>>>', '<<<', '...', 40) as snip, rank
			FROM flag_refs
			WHERE flag_refs MATCH ?
			AND repository = ?
			ORDER BY rank
			LIMIT ?
		`, ftsQuery, repository, limit)
	} else {
		rows, err = s.db.Query(`
			SELECT repository, flag_key, file, line, snippet(flag_refs, 4, '>>>', '<<<', '...', 40) as snip, rank
			FROM flag_refs
			WHERE flag_refs MATCH ?
			ORDER BY rank
			LIMIT ?
		`, ftsQuery, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("fts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.Repository, &r.FlagKey, &r.File, &r.Line, &r.Snippet, &r.Rank); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		results = append(results, r)
	}

	return results, rows.Err()
}

// FlagKeys returns every distinct flag key in the index, sorted. The flag
// provider comparison uses this as the "referenced in code" set.
func (s *Index) FlagKeys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT DISTINCT flag_key FROM flag_refs ORDER BY flag_key`)
	if err != nil {
		return nil, fmt.Errorf("list flag keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Repositories returns scan summaries for every scanned repository.
func (s *Index) Repositories() ([]RepositoryScan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT repository, flags, refs, scanned_at FROM scan_meta ORDER BY repository`)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	var scans []RepositoryScan
	for rows.Next() {
		var sc RepositoryScan
		var scannedAt string
		if err := rows.Scan(&sc.Repository, &sc.Flags, &sc.References, &scannedAt); err != nil {
			return nil, err
		}
		if sc.ScannedAt, err = time.Parse(time.RFC3339, scannedAt); err != nil {
			return nil, fmt.Errorf("parse scanned_at %q: %w", scannedAt, err)
		}
		scans = append(scans, sc)
	}
	return scans, rows.Err()
}

// Stats returns counts over the whole index.
func (s *Index) Stats() (IndexStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st IndexStats
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM scan_meta`).Scan(&st.Repositories); err != nil {
		return st, fmt.Errorf("count repositories: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(DISTINCT flag_key), COUNT(*) FROM flag_refs`).Scan(&st.Flags, &st.References); err != nil {
		return st, fmt.Errorf("count references: %w", err)
	}
	return st, nil
}

// Close closes the underlying database connection.
func (s *Index) Close() error {
	return s.db.Close()
}

// sanitizeFTSQuery converts a natural language query into a safe FTS5 query.
// It tokenizes the input and joins tokens with implicit AND logic.
func sanitizeFTSQuery(q string) string {
	// Replace FTS5 special characters with spaces so pasted code still
	// splits into clean tokens. Hyphenated flag keys become separate
	// tokens, matching what the unicode61 tokenizer did at index time.
	replacer := strings.NewReplacer(
		"\"", " ",
		"'", " ",
		"(", " ",
		")", " ",
		"*", " ",
		":", " ",
		"^", " ",
		"{", " ",
		"}", " ",
		"-", " ",
	)
	cleaned := replacer.Replace(q)

	// Split into tokens and filter empties
	words := strings.Fields(cleaned)
	var tokens []string
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w != "" && w != "AND" && w != "OR" && w != "NOT" && w != "NEAR" {
			tokens = append(tokens, w)
		}
	}
	if len(tokens) == 0 {
		return ""
	}

	// Join with spaces (FTS5 implicit AND)
	return strings.Join(tokens, " ")
}
