// Package main provides the CLI entry point for the agent-blob gateway.
//
// agent-blob is a session-oriented conversational agent server: multiple
// clients attach to shared sessions over WebSocket, runs are queued per
// session, and the agent loop streams tokens and tool calls back to every
// attached client. All durable state lives on disk as JSONL event logs,
// derived state snapshots, and a hybrid lexical/vector memory index.
//
// # Basic Usage
//
// Start the server:
//
//	agentblob serve --config agentblob.yaml
//
// # Environment Variables
//
//   - OPENAI_API_KEY: API key for the chat, summarization, and embedding models
//     (referenced from the config file via ${OPENAI_API_KEY})
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentblob",
		Short: "agent-blob - session-oriented conversational agent gateway",
		Long: `agent-blob serves a durable conversational agent over WebSocket.

Sessions are shared across clients (web, cli, tui, telegram), runs are
queued FIFO per session, and every event is appended to a JSONL log that
the derived state cache and memory index are rebuilt from.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
	)

	return rootCmd
}
