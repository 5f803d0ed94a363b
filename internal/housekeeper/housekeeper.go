// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package housekeeper implements the periodic, idempotent sweep described in
// spec §4.10: retention-based deletion of terminal tasks, and recovery of
// RUNNING tasks whose owning worker has gone silent.
package housekeeper

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nessusapi/orchestrator/internal/model"
	"github.com/nessusapi/orchestrator/internal/pkg/logger"
	"github.com/nessusapi/orchestrator/internal/store"
	"github.com/nessusapi/orchestrator/internal/worker"
)

// Config tunes retention windows and the sweep cadence.
type Config struct {
	SweepInterval       time.Duration // default 1h
	CompletedRetention  time.Duration // default 7d
	FailedRetention     time.Duration // default 30d
	PerTaskDeadline     time.Duration // default 24h, must match the Worker's
}

func (c *Config) applyDefaults() {
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Hour
	}
	if c.CompletedRetention == 0 {
		c.CompletedRetention = 7 * 24 * time.Hour
	}
	if c.FailedRetention == 0 {
		c.FailedRetention = 30 * 24 * time.Hour
	}
	if c.PerTaskDeadline == 0 {
		c.PerTaskDeadline = 24 * time.Hour
	}
}

// Housekeeper owns the background sweep goroutine. Grounded on
// scan_service.go's cleanupWorker/cleanupOldReports pattern: a ticker loop
// that also runs once immediately on startup, iterating all known tasks and
// deleting those past retention.
type Housekeeper struct {
	Store  *store.Store
	RDB    *redis.Client // used to check worker heartbeats; nil disables recovery
	Config Config

	stopCh chan struct{}
	done   chan struct{}
}

// New constructs a Housekeeper.
func New(st *store.Store, rdb *redis.Client, cfg Config) *Housekeeper {
	cfg.applyDefaults()
	return &Housekeeper{
		Store:  st,
		RDB:    rdb,
		Config: cfg,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start runs the sweep loop in the background until Stop is called.
func (h *Housekeeper) Start(ctx context.Context) {
	go h.loop(ctx)
}

// Stop signals the sweep loop to exit and waits for it to finish its
// current pass.
func (h *Housekeeper) Stop() {
	close(h.stopCh)
	<-h.done
}

func (h *Housekeeper) loop(ctx context.Context) {
	defer close(h.done)

	h.Sweep(ctx)

	ticker := time.NewTicker(h.Config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep(ctx)
		}
	}
}

// Sweep performs one idempotent pass: retention deletion for terminal tasks,
// and stuck-RUNNING recovery, per spec §4.10.
func (h *Housekeeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	log := logger.WithComponent("housekeeper")

	tasks, err := h.Store.List(store.ListFilter{})
	if err != nil {
		log.Error().Err(err).Msg("failed to list tasks for sweep")
		return
	}

	deleted, recovered := 0, 0
	for _, task := range tasks {
		switch task.Status {
		case model.StatusCompleted:
			if h.pastRetention(task, now, h.Config.CompletedRetention) {
				if err := h.Store.Delete(task.TaskID); err != nil {
					log.Error().Err(err).Str("task_id", task.TaskID).Msg("failed to delete retention-expired task")
					continue
				}
				deleted++
			}
		case model.StatusFailed, model.StatusTimeout:
			if h.pastRetention(task, now, h.Config.FailedRetention) {
				if err := h.Store.Delete(task.TaskID); err != nil {
					log.Error().Err(err).Str("task_id", task.TaskID).Msg("failed to delete retention-expired task")
					continue
				}
				deleted++
			}
		case model.StatusRunning:
			if h.isStuck(ctx, task, now) {
				if _, err := h.Store.TransitionState(task.TaskID, model.StatusRunning, model.StatusFailed, store.TransitionDelta{
					ErrorMessage: "recovery",
				}); err != nil {
					log.Error().Err(err).Str("task_id", task.TaskID).Msg("failed to force-recover stuck task")
					continue
				}
				recovered++
			}
		}
	}

	log.Info().Int("deleted", deleted).Int("recovered", recovered).Msg("sweep complete")
}

func (h *Housekeeper) pastRetention(task *model.Task, now time.Time, retention time.Duration) bool {
	if task.CompletedAt == nil {
		return false
	}
	return now.Sub(*task.CompletedAt) > retention
}

// isStuck reports whether task is RUNNING past twice the per-task deadline
// with no live heartbeat from the worker that owns it, per spec §4.10's
// crash-recovery rule.
func (h *Housekeeper) isStuck(ctx context.Context, task *model.Task, now time.Time) bool {
	if task.StartedAt == nil {
		return false
	}
	if now.Sub(*task.StartedAt) <= 2*h.Config.PerTaskDeadline {
		return false
	}
	if h.RDB == nil || task.WorkerID == "" {
		// No heartbeat infrastructure to consult: age alone is sufficient
		// evidence the task is stuck.
		return true
	}
	n, err := h.RDB.Exists(ctx, worker.HeartbeatKeyPrefix+task.WorkerID).Result()
	if err != nil {
		// Treat a Redis error as "can't confirm liveness" rather than
		// silently leaving a stuck task running forever.
		return true
	}
	return n == 0
}
