package compaction

import (
	"context"
	"log/slog"

	"github.com/SimonBear03/agent-blob/internal/eventlog"
	"github.com/SimonBear03/agent-blob/internal/memory"
	"github.com/SimonBear03/agent-blob/internal/state"
)

// Config tunes the compaction trigger and how much verbatim history survives.
type Config struct {
	Threshold       float64 // fraction of the context window that arms the trigger
	KeepRecentTurns int     // turns kept verbatim after compaction
	MinTurns        int     // minimum message count before compaction fires
}

// DefaultConfig mirrors the shipped tuning.
func DefaultConfig() Config {
	return Config{Threshold: 0.6, KeepRecentTurns: 30, MinTurns: 40}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.KeepRecentTurns <= 0 {
		c.KeepRecentTurns = d.KeepRecentTurns
	}
	if c.MinTurns <= 0 {
		c.MinTurns = d.MinTurns
	}
	return c
}

// Compactor replaces older turns with a rolling summary, extracting durable
// facts into memory along the way. The extractor and storage are optional;
// without them compaction still summarizes, it just extracts nothing.
type Compactor struct {
	cfg        Config
	log        *eventlog.Log
	cache      *state.Cache
	summarizer *Summarizer
	extractor  *memory.Extractor
	storage    *memory.Storage
	logger     *slog.Logger
}

// NewCompactor wires the compaction pipeline.
func NewCompactor(cfg Config, log *eventlog.Log, cache *state.Cache, summarizer *Summarizer, extractor *memory.Extractor, storage *memory.Storage, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		cfg:        cfg.withDefaults(),
		log:        log,
		cache:      cache,
		summarizer: summarizer,
		extractor:  extractor,
		storage:    storage,
		logger:     logger,
	}
}

// ShouldCompact reports whether st has crossed the trigger for the given
// context window. Exactly hitting the threshold fires.
func (c *Compactor) ShouldCompact(st *state.SessionState, contextWindow int) bool {
	thresholdTokens := int(float64(contextWindow) * c.cfg.Threshold)
	return st.TokenCount >= thresholdTokens && st.MessageCount >= c.cfg.MinTurns
}

// Compact performs one compaction pass over st and persists the result.
// Sessions with no more than KeepRecentTurns turns are returned untouched.
func (c *Compactor) Compact(ctx context.Context, st *state.SessionState) (*state.SessionState, error) {
	if len(st.RecentTurns) <= c.cfg.KeepRecentTurns {
		return st, nil
	}
	c.logger.Info("compacting session",
		"session_id", st.SessionID,
		"tokens", st.TokenCount,
		"messages", st.MessageCount)

	cut := len(st.RecentTurns) - c.cfg.KeepRecentTurns
	toSummarize := st.RecentTurns[:cut]
	keep := st.RecentTurns[cut:]

	newSummary := c.summarizer.Summarize(ctx, toSummarize, st.RollingSummary)

	factsExtracted := 0
	if c.extractor != nil && c.storage != nil {
		for _, turn := range toSummarize {
			mems := c.extractor.ExtractFromTurn(ctx, turn.UserMessage, turn.AssistantMessage,
				st.SessionID, turn.UserMessageID, turn.AssistantMessageID)
			for _, m := range mems {
				if err := c.storage.SaveMemory(ctx, m); err != nil {
					c.logger.Warn("saving extracted memory failed", "memory_id", m.ID, "error", err)
					continue
				}
				factsExtracted++
			}
		}
	}

	st.RollingSummary = newSummary
	st.RecentTurns = keep
	st.LastCompaction = state.Now()
	st.TokenCount = state.EstimateStateTokens(newSummary, keep)

	if err := c.cache.Save(st); err != nil {
		return nil, err
	}
	if err := c.log.Append(st.SessionID, eventlog.NewCompactionEvent(newSummary.ToMap(), factsExtracted)); err != nil {
		return nil, err
	}
	c.logger.Info("compaction complete",
		"session_id", st.SessionID,
		"turns_summarized", len(toSummarize),
		"facts_extracted", factsExtracted)
	return st, nil
}
