package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/SimonBear03/agent-blob/internal/agent"
	"github.com/SimonBear03/agent-blob/internal/compaction"
	"github.com/SimonBear03/agent-blob/internal/config"
	"github.com/SimonBear03/agent-blob/internal/eventlog"
	"github.com/SimonBear03/agent-blob/internal/gateway"
	"github.com/SimonBear03/agent-blob/internal/memory"
	"github.com/SimonBear03/agent-blob/internal/permission"
	"github.com/SimonBear03/agent-blob/internal/policy"
	"github.com/SimonBear03/agent-blob/internal/queue"
	"github.com/SimonBear03/agent-blob/internal/state"
	"github.com/SimonBear03/agent-blob/internal/tools"
)

const shellRunTimeout = 60 * time.Second

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		workspace  string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent-blob gateway server",
		Long: `Start the gateway server.

The server will:
1. Load configuration from the specified file
2. Open the session event logs and derived state cache
3. Open the memory index (SQLite FTS + vector store)
4. Start the per-session run queue and agent runtime
5. Serve the WebSocket control plane and start the supervisor

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  agentblob serve

  # Start with custom config and workspace root
  agentblob serve --config /etc/agentblob/production.yaml --workspace ~/work`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, workspace, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "agentblob.yaml",
		"Path to YAML configuration file")
	cmd.Flags().StringVarP(&workspace, "workspace", "w", ".",
		"Root directory the filesystem and shell tools operate in")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

func runServe(ctx context.Context, configPath, workspace string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := buildLogger(cfg.Logging, debug)
	slog.SetDefault(logger)

	if cfg.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key is required (set OPENAI_API_KEY and reference it from the config)")
	}

	workspace, err = filepath.Abs(workspace)
	if err != nil {
		return fmt.Errorf("resolving workspace root: %w", err)
	}

	// Storage layout under data_dir:
	//   sessions/      JSONL event logs + archives
	//   state/         derived state snapshots
	//   memory/facts   JSONL memory records
	//   memory/index   FTS database and vector store
	for _, dir := range []string{
		filepath.Join(cfg.DataDir, "sessions"),
		filepath.Join(cfg.DataDir, "state"),
		filepath.Join(cfg.DataDir, "memory", "facts"),
		filepath.Join(cfg.DataDir, "memory", "index"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating data directory %s: %w", dir, err)
		}
	}

	log, err := eventlog.New(filepath.Join(cfg.DataDir, "sessions"), logger)
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}
	cache, err := state.NewCache(filepath.Join(cfg.DataDir, "state"), logger)
	if err != nil {
		return fmt.Errorf("opening state cache: %w", err)
	}

	provider, err := agent.NewOpenAIProvider(agent.OpenAIConfig{
		APIKey:       cfg.LLM.APIKey,
		BaseURL:      cfg.LLM.BaseURL,
		ChatModel:    cfg.LLM.ModelName,
		UtilityModel: cfg.LLM.SummarizationModel,
	})
	if err != nil {
		return fmt.Errorf("building llm provider: %w", err)
	}

	storage, search, err := buildMemoryStack(cfg, provider, logger)
	if err != nil {
		return err
	}

	// Extraction runs on its own utility model.
	extractionProvider, err := agent.NewOpenAIProvider(agent.OpenAIConfig{
		APIKey:       cfg.LLM.APIKey,
		BaseURL:      cfg.LLM.BaseURL,
		ChatModel:    cfg.LLM.ModelName,
		UtilityModel: cfg.LLM.MemoryExtractionModel,
	})
	if err != nil {
		return fmt.Errorf("building extraction provider: %w", err)
	}
	extractor := memory.NewExtractor(extractionProvider, cfg.Memory.MinImportance, logger)

	summarizer := compaction.NewSummarizer(provider, logger)
	compactor := compaction.NewCompactor(compaction.Config{
		Threshold:       cfg.Compaction.Threshold,
		KeepRecentTurns: cfg.Compaction.KeepRecentTurns,
		MinTurns:        cfg.Compaction.MinTurns,
	}, log, cache, summarizer, extractor, storage, logger)

	pol, err := buildPolicy(cfg.Policy)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry(
		tools.NewFilesystemReadTool(workspace),
		tools.NewFilesystemListTool(workspace),
		tools.NewFilesystemWriteTool(workspace),
		tools.NewEditPatchTool(workspace),
		tools.NewShellRunTool(shellRunTimeout),
		tools.NewMemorySearchTool(search),
	)

	bridge := permission.NewBridge(cfg.Gateway.PermissionTimeout, logger)
	q := queue.NewManager(logger)
	defer q.Shutdown()

	runtime := agent.NewRuntime(agent.Config{
		ContextWindow: cfg.LLM.ContextWindow,
		MemoryTopK:    cfg.Memory.Retrieval.StructuredLimit,
		PromptTurns:   cfg.Memory.Retrieval.RecentTurnsLimit,
		PolicyPath:    cfg.Policy.Path,
	}, provider, registry, pol, bridge, log, cache, search, extractor, storage, compactor, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	server := gateway.NewServer(addr, cfg.LLM.ModelName, cfg.LLM.ContextWindow, log, cache, runtime, q, bridge, logger)

	supervisor := gateway.NewSupervisor(gateway.SupervisorConfig{
		AttachWindow:      time.Duration(cfg.Tasks.AttachWindowS) * time.Second,
		AutoCloseAfter:    time.Duration(cfg.Tasks.AutoCloseAfterS) * time.Second,
		RotateMaxBytes:    cfg.Rotation.MaxBytes,
		PruneKeepDays:     cfg.Rotation.KeepDays,
		PruneKeepMaxFiles: cfg.Rotation.KeepMaxFiles,
	}, server, storage, logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go supervisor.Run(ctx)

	logger.Info("starting gateway",
		"addr", addr,
		"model", cfg.LLM.ModelName,
		"data_dir", cfg.DataDir,
		"workspace", workspace)

	return server.ListenAndServe(ctx)
}

// loadConfig falls back to defaults when the config file is absent, so
// `agentblob serve` works out of the box with just an API key.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		return cfg, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	return cfg, nil
}

func buildLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func buildMemoryStack(cfg *config.Config, provider *agent.OpenAIProvider, logger *slog.Logger) (*memory.Storage, *memory.Search, error) {
	indexDir := filepath.Join(cfg.DataDir, "memory", "index")

	lexical, err := memory.NewLexicalIndex(filepath.Join(indexDir, "facts.db"), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening lexical index: %w", err)
	}
	vectors, err := memory.NewVectorIndex(filepath.Join(indexDir, "vectors"), cfg.LLM.EmbeddingDim)
	if err != nil {
		return nil, nil, fmt.Errorf("opening vector index: %w", err)
	}

	var embedder memory.Embedder
	if cfg.EmbeddingsEnabled() {
		e, err := memory.NewOpenAIEmbedder(memory.EmbedderConfig{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.EmbeddingModel,
			Dim:     cfg.LLM.EmbeddingDim,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("building embedder: %w", err)
		}
		embedder = e
	}

	storage, err := memory.NewStorage(filepath.Join(cfg.DataDir, "memory", "facts"), lexical, vectors, embedder, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening memory storage: %w", err)
	}

	transformer := memory.NewQueryTransformer(provider, logger)
	reranker := memory.NewReranker(provider, logger)
	search := memory.NewSearch(storage, transformer, reranker, cfg.Memory.LexicalWeight, cfg.Memory.VectorWeight, logger)
	search.VectorTopK = cfg.Memory.VectorTopK
	search.VectorScanLimit = cfg.Memory.VectorScanLimit
	return storage, search, nil
}

func buildPolicy(cfg config.PolicyConfig) (*policy.Policy, error) {
	pol, err := policy.Load(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("loading policy %s: %w", cfg.Path, err)
	}
	// Config-file entries extend the persisted policy.
	pol.Allow = append(pol.Allow, cfg.Allow...)
	pol.Ask = append(pol.Ask, cfg.Ask...)
	pol.Deny = append(pol.Deny, cfg.Deny...)
	return pol, nil
}
