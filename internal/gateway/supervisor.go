package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/SimonBear03/agent-blob/internal/memory"
	"github.com/SimonBear03/agent-blob/internal/protocol"
)

// SupervisorConfig tunes the maintenance cadence and retention.
type SupervisorConfig struct {
	TickInterval        time.Duration // fast cycle: stale-run detection
	MaintenanceInterval time.Duration // slow cycle: rotation, pruning, backfill
	AttachWindow        time.Duration // running runs idle past this are reaped
	AutoCloseAfter      time.Duration // terminal run records kept this long
	RotateMaxBytes      int64
	PruneKeepDays       int
	PruneKeepMaxFiles   int
	BackfillBatch       int
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.TickInterval <= 0 {
		c.TickInterval = 15 * time.Second
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = 60 * time.Second
	}
	if c.AttachWindow <= 0 {
		c.AttachWindow = 30 * time.Minute
	}
	if c.AutoCloseAfter <= 0 {
		c.AutoCloseAfter = 6 * time.Hour
	}
	if c.RotateMaxBytes <= 0 {
		c.RotateMaxBytes = 10 << 20
	}
	if c.BackfillBatch <= 0 {
		c.BackfillBatch = 16
	}
	return c
}

// Supervisor runs the periodic maintenance cycles: event-log rotation and
// pruning, embedding backfill for zero-vector memories, and stale-run
// reaping. Results are surfaced as run.log events with runId "supervisor".
type Supervisor struct {
	cfg     SupervisorConfig
	server  *Server
	storage *memory.Storage // optional; nil disables backfill
	logger  *slog.Logger
}

func NewSupervisor(cfg SupervisorConfig, server *Server, storage *memory.Storage, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{cfg: cfg.withDefaults(), server: server, storage: storage, logger: logger}
}

// Run blocks until ctx is cancelled.
func (sv *Supervisor) Run(ctx context.Context) {
	tick := time.NewTicker(sv.cfg.TickInterval)
	maintenance := time.NewTicker(sv.cfg.MaintenanceInterval)
	defer tick.Stop()
	defer maintenance.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			sv.tickCycle()
		case <-maintenance.C:
			sv.maintenanceCycle(ctx)
		}
	}
}

func (sv *Supervisor) tickCycle() {
	reaped := sv.server.reapStaleRuns(sv.cfg.AttachWindow, sv.cfg.AutoCloseAfter)
	if reaped > 0 {
		sv.server.Connections().BroadcastAll(protocol.EventRunLog, map[string]any{
			"runId":   "supervisor",
			"message": fmt.Sprintf("supervisor: reaped %d stale runs", reaped),
		})
	}
}

func (sv *Supervisor) maintenanceCycle(ctx context.Context) {
	rotated := 0
	if ids, err := sv.server.log.ListSessions(); err == nil {
		for _, id := range ids {
			rec, err := sv.server.log.Rotate(id, sv.cfg.RotateMaxBytes)
			if err != nil {
				sv.logger.Warn("log rotation failed", "session_id", id, "error", err)
				continue
			}
			if rec != nil {
				rotated++
			}
		}
	}

	pruned, err := sv.server.log.Prune(sv.cfg.PruneKeepDays, sv.cfg.PruneKeepMaxFiles)
	if err != nil {
		sv.logger.Warn("archive pruning failed", "error", err)
	}

	backfilled := 0
	if sv.storage != nil {
		backfilled, err = sv.storage.BackfillEmbeddings(ctx, sv.cfg.BackfillBatch)
		if err != nil {
			sv.logger.Warn("embedding backfill failed", "error", err)
		}
	}

	if rotated > 0 || pruned.Removed > 0 || backfilled > 0 {
		sv.server.Connections().BroadcastAll(protocol.EventRunLog, map[string]any{
			"runId": "supervisor",
			"message": fmt.Sprintf("maintenance: logs_rotated=%d archives_pruned=%d embeddings_updated=%d",
				rotated, pruned.Removed, backfilled),
		})
	}
	sv.logger.Debug("maintenance cycle complete",
		"rotated", rotated, "pruned", pruned.Removed, "backfilled", backfilled)
}
