package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Search is the hybrid retrieval pipeline: query transform, parallel
// lexical and vector retrieval per variant, weighted merge, rerank.
type Search struct {
	storage     *Storage
	transformer *QueryTransformer
	reranker    *Reranker
	logger      *slog.Logger

	lexicalWeight float64
	vectorWeight  float64

	// VectorTopK caps vector hits kept per query variant; VectorScanLimit
	// caps how many of the newest rows a vector query scans. Zero keeps the
	// per-call default (3x topK) and an unbounded scan. Set before serving.
	VectorTopK      int
	VectorScanLimit int
}

// NewSearch wires the pipeline. Weights default to 0.4 lexical / 0.6 vector
// when both are zero.
func NewSearch(storage *Storage, transformer *QueryTransformer, reranker *Reranker, lexicalWeight, vectorWeight float64, logger *slog.Logger) *Search {
	if lexicalWeight == 0 && vectorWeight == 0 {
		lexicalWeight, vectorWeight = 0.4, 0.6
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Search{
		storage:       storage,
		transformer:   transformer,
		reranker:      reranker,
		logger:        logger,
		lexicalWeight: lexicalWeight,
		vectorWeight:  vectorWeight,
	}
}

type sourceScores struct {
	lexical float64
	vector  float64
}

// Search returns the top-K memories for query. Empty results are normal on a
// cold store; retrieval failures degrade toward fewer candidates rather than
// erroring the run.
func (s *Search) Search(ctx context.Context, query string, topK int) ([]*Memory, error) {
	if topK <= 0 {
		topK = 5
	}
	variants := []string{query}
	if s.transformer != nil {
		variants = s.transformer.Transform(ctx, query)
	}

	perSource := topK * 3
	var (
		mu         sync.Mutex
		allLexical []Scored
		allVector  []Scored
		wg         sync.WaitGroup
	)
	for _, variant := range variants {
		variant := variant
		wg.Add(1)
		go func() {
			defer wg.Done()
			hits := s.storage.lexical.Search(variant, perSource)
			mu.Lock()
			allLexical = append(allLexical, hits...)
			mu.Unlock()
		}()
		if s.storage.embedder == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			embedding, err := s.storage.embedder.Embed(ctx, variant)
			if err != nil {
				s.logger.Warn("query embedding failed", "variant", variant, "error", err)
				return
			}
			vectorLimit := perSource
			if s.VectorTopK > 0 {
				vectorLimit = s.VectorTopK
			}
			hits := s.storage.vectors.Search(embedding, vectorLimit, s.VectorScanLimit)
			mu.Lock()
			allVector = append(allVector, hits...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	merged := s.merge(allLexical, allVector)
	if len(merged) > topK*2 {
		merged = merged[:topK*2]
	}
	if len(merged) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(merged))
	mergedScore := make(map[string]float64, len(merged))
	for _, c := range merged {
		ids = append(ids, c.MemoryID)
		mergedScore[c.MemoryID] = c.Score
	}
	byID, err := s.storage.LoadByIDs(ids)
	if err != nil {
		return nil, err
	}
	candidates := make([]*Memory, 0, len(ids))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			candidates = append(candidates, m)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if mergedScore[a.ID] != mergedScore[b.ID] {
			return mergedScore[a.ID] > mergedScore[b.ID]
		}
		if a.Importance != b.Importance {
			return a.Importance > b.Importance
		}
		return a.Timestamp > b.Timestamp
	})

	if s.reranker != nil {
		return s.reranker.Rerank(ctx, query, candidates, topK), nil
	}
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates, nil
}

// merge combines per-source scores: lexical normalized to [0,1] by the max
// observed score, vector cosine clamped to >=0, per-id max across variants,
// then a weighted sum. Candidates whose merged score is not positive are
// dropped; a hit that only anti-correlates is not a hit.
func (s *Search) merge(lexical, vector []Scored) []Scored {
	scores := make(map[string]*sourceScores)
	get := func(id string) *sourceScores {
		ss, ok := scores[id]
		if !ok {
			ss = &sourceScores{}
			scores[id] = ss
		}
		return ss
	}

	var maxLexical float64
	for _, hit := range lexical {
		if hit.Score > maxLexical {
			maxLexical = hit.Score
		}
	}
	for _, hit := range lexical {
		norm := 0.0
		if maxLexical > 0 {
			norm = hit.Score / maxLexical
		}
		if ss := get(hit.MemoryID); norm > ss.lexical {
			ss.lexical = norm
		}
	}
	for _, hit := range vector {
		sim := hit.Score
		if sim < 0 {
			sim = 0
		}
		if ss := get(hit.MemoryID); sim > ss.vector {
			ss.vector = sim
		}
	}

	merged := make([]Scored, 0, len(scores))
	for id, ss := range scores {
		score := s.lexicalWeight*ss.lexical + s.vectorWeight*ss.vector
		if score <= 0 {
			continue
		}
		merged = append(merged, Scored{MemoryID: id, Score: score})
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].MemoryID < merged[j].MemoryID
	})
	return merged
}
