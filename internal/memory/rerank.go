package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
)

// Reranker reorders retrieval candidates for precision. Small candidate sets
// go through the LLM as a ranking task; larger sets use a cheap heuristic.
type Reranker struct {
	llm    LLM
	logger *slog.Logger
}

// NewReranker builds a reranker over llm.
func NewReranker(llm LLM, logger *slog.Logger) *Reranker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reranker{llm: llm, logger: logger}
}

const llmRerankMax = 10

// Rerank orders memories by relevance to query and returns at most topK.
func (r *Reranker) Rerank(ctx context.Context, query string, memories []*Memory, topK int) []*Memory {
	if len(memories) <= 1 {
		return memories
	}
	var ranked []*Memory
	if len(memories) <= llmRerankMax {
		ranked = r.llmRerank(ctx, query, memories)
	} else {
		ranked = r.heuristicRerank(query, memories)
	}
	if topK > 0 && len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return ranked
}

func (r *Reranker) llmRerank(ctx context.Context, query string, memories []*Memory) []*Memory {
	var sb strings.Builder
	for i, m := range memories {
		fmt.Fprintf(&sb, "%d. [%s] %s\n   Context: %s\n   Tags: %s\n",
			i+1, m.Type, m.Content, m.Context, strings.Join(m.Tags, ", "))
	}

	prompt := fmt.Sprintf(`Given this query: %q

Rank these memories by relevance to the query. Consider:
- Direct relevance to the query topic
- Importance and specificity
- Recency (if applicable)

Memories:
%s
Return ONLY the numbers of the memories in order from most to least relevant, comma-separated.
Example: 3,1,5,2,4

Your ranking:`, query, sb.String())

	resp, err := r.llm.Complete(ctx, prompt)
	if err != nil {
		r.logger.Warn("rerank call failed, keeping merged order", "error", err)
		return memories
	}

	var order []int
	seen := make(map[int]bool, len(memories))
	for _, part := range strings.Split(strings.TrimSpace(resp), ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		idx := n - 1
		if idx < 0 || idx >= len(memories) || seen[idx] {
			continue
		}
		seen[idx] = true
		order = append(order, idx)
	}

	ranked := make([]*Memory, 0, len(memories))
	for _, idx := range order {
		ranked = append(ranked, memories[idx])
	}
	// Anything the model dropped keeps its original relative order at the end.
	for i, m := range memories {
		if !seen[i] {
			ranked = append(ranked, m)
		}
	}
	return ranked
}

func (r *Reranker) heuristicRerank(query string, memories []*Memory) []*Memory {
	queryTerms := make(map[string]bool)
	for _, t := range strings.Fields(strings.ToLower(query)) {
		queryTerms[t] = true
	}

	type scored struct {
		score float64
		mem   *Memory
	}
	items := make([]scored, 0, len(memories))
	for _, m := range memories {
		score := float64(m.Importance) / 10.0
		score += minFloat(float64(len(m.Content))/250.0, 0.2)
		for _, tag := range m.Tags {
			if queryTerms[strings.ToLower(tag)] {
				score += 0.1
			}
		}
		items = append(items, scored{score: score, mem: m})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].score > items[j].score })

	out := make([]*Memory, 0, len(items))
	for _, it := range items {
		out = append(out, it.mem)
	}
	return out
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
