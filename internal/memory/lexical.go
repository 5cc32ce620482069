package memory

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// LexicalIndex is a full-text index over (content, context, tags) backed by
// SQLite FTS5. Ranking is BM25; FTS5 reports rank as a negative number where
// more negative is better, so scores are negated before they leave here.
// Search failures degrade to an empty result instead of propagating.
type LexicalIndex struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewLexicalIndex opens (or creates) the index database at path.
func NewLexicalIndex(path string, logger *slog.Logger) (*LexicalIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open lexical index: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	idx := &LexicalIndex{db: db, logger: logger}
	if err := idx.init(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (x *LexicalIndex) init() error {
	_, err := x.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS facts_fts USING fts5(
			memory_id UNINDEXED,
			content,
			context,
			tags
		)
	`)
	if err != nil {
		return fmt.Errorf("create facts_fts table: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (x *LexicalIndex) Close() error {
	return x.db.Close()
}

// Index inserts one memory into the full-text table.
func (x *LexicalIndex) Index(m *Memory) error {
	_, err := x.db.Exec(
		`INSERT INTO facts_fts (memory_id, content, context, tags) VALUES (?, ?, ?, ?)`,
		m.ID, m.Content, m.Context, strings.Join(m.Tags, " "),
	)
	if err != nil {
		return fmt.Errorf("index memory %s: %w", m.ID, err)
	}
	return nil
}

// Count returns the number of indexed rows.
func (x *LexicalIndex) Count() (int, error) {
	var n int
	if err := x.db.QueryRow(`SELECT COUNT(*) FROM facts_fts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count lexical rows: %w", err)
	}
	return n, nil
}

// Search runs a BM25-ranked match for query and returns up to limit hits.
// Any failure, including an unparseable query, returns an empty list.
func (x *LexicalIndex) Search(query string, limit int) []Scored {
	q := sanitizeQuery(query)
	if q == "" {
		return nil
	}
	rows, err := x.db.Query(
		`SELECT memory_id, rank FROM facts_fts WHERE facts_fts MATCH ? ORDER BY rank LIMIT ?`,
		q, limit,
	)
	if err != nil {
		x.logger.Warn("lexical search failed", "query", query, "error", err)
		return nil
	}
	defer rows.Close()

	var out []Scored
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			x.logger.Warn("lexical search scan failed", "error", err)
			return nil
		}
		out = append(out, Scored{MemoryID: id, Score: -rank})
	}
	if err := rows.Err(); err != nil {
		x.logger.Warn("lexical search iteration failed", "error", err)
		return nil
	}
	return out
}

// sanitizeQuery neutralizes FTS5 operator syntax: quotes are escaped, the
// structural characters are stripped, and the whole query is treated as a
// phrase-free bag of quoted terms.
func sanitizeQuery(query string) string {
	query = strings.NewReplacer("<", " ", ">", " ", "(", " ", ")", " ", ":", " ", "*", " ").Replace(query)
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ReplaceAll(t, `"`, `""`)
		quoted = append(quoted, `"`+t+`"`)
	}
	return strings.Join(quoted, " ")
}
