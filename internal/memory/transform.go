package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// LLM is the completion surface the memory layer needs. Complete returns
// plain text; CompleteJSON asks the model for a JSON document.
type LLM interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteJSON(ctx context.Context, system, user string) (string, error)
}

// QueryTransformer widens a retrieval query into variants that catch
// different phrasings of the same intent.
type QueryTransformer struct {
	llm    LLM
	logger *slog.Logger
}

// NewQueryTransformer builds a transformer over llm.
func NewQueryTransformer(llm LLM, logger *slog.Logger) *QueryTransformer {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryTransformer{llm: llm, logger: logger}
}

const maxQueryVariations = 2

// Transform returns the original query plus up to two LLM paraphrases,
// deduplicated case-insensitively. A failed LLM call degrades to the
// original alone.
func (t *QueryTransformer) Transform(ctx context.Context, query string) []string {
	queries := []string{query}
	variations, err := t.multiQuery(ctx, query)
	if err != nil {
		t.logger.Warn("query transform failed, using original only", "error", err)
	} else {
		queries = append(queries, variations...)
	}

	seen := make(map[string]bool, len(queries))
	unique := queries[:0]
	for _, q := range queries {
		key := strings.ToLower(q)
		if q == "" || seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, q)
	}
	return unique
}

func (t *QueryTransformer) multiQuery(ctx context.Context, query string) ([]string, error) {
	prompt := fmt.Sprintf(`Given this query: %q

Generate %d alternative ways to phrase this query that preserve the same intent but use different words or perspectives.

Return ONLY the alternative queries, one per line, nothing else.`, query, maxQueryVariations)

	resp, err := t.llm.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}
	var variations []string
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		variations = append(variations, line)
		if len(variations) == maxQueryVariations {
			break
		}
	}
	return variations, nil
}
