// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package worker implements the Worker and State Machine: the sole writer
// of RUNNING/COMPLETED/FAILED/TIMEOUT transitions, driving one task at a
// time from dequeue through create/launch/poll/export/validate, bounded by
// a global concurrency semaphore and per-instance Registry capacity.
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nessusapi/orchestrator/internal/driver"
	"github.com/nessusapi/orchestrator/internal/model"
	apperrors "github.com/nessusapi/orchestrator/internal/pkg/errors"
	"github.com/nessusapi/orchestrator/internal/pkg/logger"
	"github.com/nessusapi/orchestrator/internal/queue"
	"github.com/nessusapi/orchestrator/internal/registry"
	"github.com/nessusapi/orchestrator/internal/store"
	"github.com/nessusapi/orchestrator/internal/validate"
)

// HeartbeatKeyPrefix namespaces worker liveness keys in Redis, consulted by
// the Housekeeper's stuck-RUNNING recovery rule.
const HeartbeatKeyPrefix = "heartbeat:"

// Config tunes the worker's timing and concurrency bounds.
type Config struct {
	Pools              []string
	MaxConcurrentScans int
	DequeueTimeout     time.Duration // default 30s
	PollInterval       time.Duration // default 30s
	PerTaskDeadline    time.Duration // default 24h
	ShutdownGrace      time.Duration // default 60s
	NoCapacityBackoff  time.Duration // default 2s
	HeartbeatInterval  time.Duration // default 20s, only used when RDB is set
	HeartbeatTTL       time.Duration // default 60s, only used when RDB is set
}

func (c *Config) applyDefaults() {
	if c.DequeueTimeout == 0 {
		c.DequeueTimeout = 30 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.PerTaskDeadline == 0 {
		c.PerTaskDeadline = 24 * time.Hour
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 60 * time.Second
	}
	if c.NoCapacityBackoff == 0 {
		c.NoCapacityBackoff = 2 * time.Second
	}
	if c.MaxConcurrentScans <= 0 {
		c.MaxConcurrentScans = 4
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 20 * time.Second
	}
	if c.HeartbeatTTL == 0 {
		c.HeartbeatTTL = time.Minute
	}
}

// NewDriverFunc builds the Scanner Driver implementation talking to a
// specific resolved instance.
type NewDriverFunc func(inst *model.ScannerInstance) driver.Driver

// Worker is one process's pool of concurrent scan-execution goroutines.
type Worker struct {
	ID        string
	Store     *store.Store
	Queue     *queue.Queue
	Registry  *registry.Registry
	NewDriver NewDriverFunc
	Config    Config

	// RDB, if set, is used to publish this worker's liveness heartbeat
	// (see HeartbeatKeyPrefix) for the Housekeeper's stuck-RUNNING
	// recovery rule. Nil disables the heartbeat loop, useful in tests
	// that drive process() directly without a running Start loop.
	RDB *redis.Client

	sem    chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Worker with a stable per-process identity.
func New(st *store.Store, q *queue.Queue, reg *registry.Registry, newDriver NewDriverFunc, cfg Config) *Worker {
	cfg.applyDefaults()
	host, _ := os.Hostname()
	return &Worker{
		ID:        fmt.Sprintf("%s-%d", host, os.Getpid()),
		Store:     st,
		Queue:     q,
		Registry:  reg,
		NewDriver: newDriver,
		Config:    cfg,
		sem:       make(chan struct{}, cfg.MaxConcurrentScans),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the dequeue loop, and the Redis heartbeat loop when RDB is
// set, in the background.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.loop(ctx)

	if w.RDB != nil {
		w.wg.Add(1)
		go w.heartbeatLoop(ctx)
	}
}

// heartbeatLoop periodically refreshes this worker's liveness key so the
// Housekeeper can distinguish a task whose worker process died mid-scan
// from one still actively running, per spec §4.10.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()
	key := HeartbeatKeyPrefix + w.ID
	touch := func() {
		if err := w.RDB.Set(ctx, key, "1", w.Config.HeartbeatTTL).Err(); err != nil {
			logger.Errorf("failed to refresh heartbeat", err)
		}
	}
	touch()
	ticker := time.NewTicker(w.Config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			touch()
		}
	}
}

// Stop signals the dequeue loop to stop accepting new work and waits up to
// Config.ShutdownGrace for in-flight scans to reach a safe point, per
// spec §4.6's cancellation rule. Tasks still running when the grace window
// elapses are left in RUNNING, recoverable by the Housekeeper.
func (w *Worker) Stop() {
	close(w.stopCh)
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.Config.ShutdownGrace):
		logger.Warn("worker shutdown grace period elapsed with scans still in flight")
	}
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		entry, ok, err := w.Queue.DequeueAny(ctx, w.Config.Pools, w.Config.DequeueTimeout)
		if err != nil {
			logger.Errorf("dequeue failed", err)
			continue
		}
		if !ok {
			continue
		}

		select {
		case w.sem <- struct{}{}:
			w.wg.Add(1)
			go func(e model.QueueEntry) {
				defer w.wg.Done()
				defer func() { <-w.sem }()
				w.process(ctx, e)
			}(*entry)
		case <-w.stopCh:
			// Put the entry back so it is not lost during shutdown.
			_ = w.Queue.Enqueue(context.Background(), entry.ScannerPool, *entry)
			return
		}
	}
}

// process implements spec §4.6's 12-step per-worker loop for one task.
func (w *Worker) process(ctx context.Context, entry model.QueueEntry) {
	log := logger.WithTaskID(entry.TaskID)

	task, err := w.Store.Get(entry.TaskID)
	if err != nil {
		log.Warn().Err(err).Msg("dropping dequeued entry: task not found")
		return
	}
	if task.Status != model.StatusQueued {
		log.Info().Str("status", string(task.Status)).Msg("dropping dequeued entry: not QUEUED (idempotency/DLQ recovery)")
		return
	}

	inst, err := w.Registry.Acquire(task.ScannerPool, task.ScannerInstanceID)
	if err != nil {
		if ae, ok := apperrors.IsAppError(err); ok && ae.Code == "NO_CAPACITY" {
			_ = w.Store.IncrementAttempts(task.TaskID)
			if reErr := w.Queue.Enqueue(context.Background(), task.ScannerPool, entry); reErr != nil {
				log.Error().Err(reErr).Msg("failed to re-enqueue after NoCapacity")
			}
			time.Sleep(w.Config.NoCapacityBackoff)
			return
		}
		// Pool not found or other permanent resolution failure.
		w.failQueued(task, fmt.Sprintf("no pool available: %v", err))
		return
	}
	defer w.Registry.Release(task.ScannerPool, inst.InstanceID)

	// The Store strips Payload.Credentials from every record it writes once
	// the task leaves QUEUED, so the in-memory secret must be captured
	// before the RUNNING transition below.
	var creds *model.Credentials
	if task.Payload.Credentials != nil {
		c := *task.Payload.Credentials
		creds = &c
	}
	defer creds.Wipe()

	task, err = w.Store.TransitionState(task.TaskID, model.StatusQueued, model.StatusRunning, store.TransitionDelta{
		ScannerInstanceID: inst.InstanceID,
		WorkerID:          w.ID,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to transition to RUNNING")
		return
	}

	drv := w.NewDriver(inst)

	remoteID, err := drv.CreateScan(ctx, driver.CreateScanRequest{
		Name:        task.Payload.Name,
		Description: task.Payload.Description,
		Targets:     task.Payload.Targets,
		ScanType:    task.ScanType,
		Credentials: creds,
	})
	creds.Wipe() // the driver has now read credentials; nothing else may.
	if err != nil {
		w.failRunning(ctx, task, inst, entry, fmt.Sprintf("create_scan failed: %v", err))
		return
	}
	if err := w.Store.SetRemoteScanID(task.TaskID, remoteID); err != nil {
		log.Error().Err(err).Msg("failed to persist remote_scan_id")
	}

	if err := drv.LaunchScan(ctx, remoteID); err != nil {
		w.failRunning(ctx, task, inst, entry, fmt.Sprintf("launch_scan failed: %v", err))
		return
	}

	startedAt := time.Now()
	if task.StartedAt != nil {
		startedAt = *task.StartedAt
	}

	outcome := w.pollUntilDone(ctx, drv, task.TaskID, remoteID, startedAt)
	switch outcome.kind {
	case outcomeTimeout:
		_, err := w.Store.TransitionState(task.TaskID, model.StatusRunning, model.StatusTimeout, store.TransitionDelta{
			ErrorMessage: "per-task deadline exceeded",
		})
		if err != nil {
			log.Error().Err(err).Msg("failed to transition to TIMEOUT")
		}
		w.deadLetter(task.ScannerPool, entry, "per-task deadline exceeded")
		return
	case outcomeFailed:
		w.failRunning(ctx, task, inst, entry, outcome.message)
		return
	}

	artifact, err := drv.ExportArtifact(ctx, remoteID)
	if err != nil {
		w.failRunning(ctx, task, inst, entry, fmt.Sprintf("export_artifact failed: %v", err))
		return
	}
	if _, err := w.Store.WriteArtifact(task.TaskID, "nessus", artifact); err != nil {
		log.Error().Err(err).Msg("failed to persist artifact")
	}

	report := validate.Validate(artifact, task.ScanType)
	w.finish(task, report)
}

type outcomeKind int

const (
	outcomeCompleted outcomeKind = iota
	outcomeFailed
	outcomeTimeout
)

type pollOutcome struct {
	kind    outcomeKind
	message string
}

// pollUntilDone implements spec §4.6 step 8. Transient driver errors are
// logged and retried; they never cause a state change.
func (w *Worker) pollUntilDone(ctx context.Context, drv driver.Driver, taskID, remoteID string, startedAt time.Time) pollOutcome {
	for {
		select {
		case <-ctx.Done():
			return pollOutcome{kind: outcomeTimeout, message: "worker shutting down"}
		case <-time.After(w.Config.PollInterval):
		}

		status, err := drv.GetStatus(ctx, remoteID)
		if err != nil {
			switch err.(type) {
			case *driver.TransientNetworkError, *driver.RemoteBusyError, *driver.AuthRequiredError:
				logger.WithTaskID(taskID).Warn().Err(err).Msg("transient poll error, retrying")
				continue
			default:
				return pollOutcome{kind: outcomeFailed, message: err.Error()}
			}
		}

		if err := w.Store.UpdateProgress(taskID, status.Progress); err != nil {
			logger.Errorf("failed to persist poll progress", err)
		}

		switch driver.MapRemoteState(status.State) {
		case model.StatusCompleted:
			return pollOutcome{kind: outcomeCompleted}
		case model.StatusFailed:
			return pollOutcome{kind: outcomeFailed, message: fmt.Sprintf("remote scan reported state %s", status.State)}
		}

		if time.Since(startedAt) > w.Config.PerTaskDeadline {
			if stopErr := drv.StopScan(ctx, remoteID); stopErr != nil {
				logger.Errorf("best-effort StopScan failed", stopErr)
			}
			return pollOutcome{kind: outcomeTimeout}
		}
	}
}

// finish implements spec §4.6 steps 10-12: decide final status from the
// validator's report and persist the terminal transition.
func (w *Worker) finish(task *model.Task, report model.ValidationReport) {
	sev := report.Stats.Severity
	summary := &model.ResultsSummary{
		HostCount:     report.Stats.Hosts,
		TotalFindings: sev.Critical + sev.High + sev.Medium + sev.Low + sev.Info,
		Severity:      sev,
		ArtifactSize:  report.Stats.ArtifactSize,
	}

	var to model.Status
	var errMsg string

	switch {
	case task.ScanType == model.ScanTypeAuthenticatedPrivilege &&
		(report.AuthenticationStatus == model.AuthFailed || report.AuthenticationStatus == model.AuthPartial):
		to = model.StatusFailed
		errMsg = "privileged scan credential escalation did not fully succeed: " + string(report.AuthenticationStatus)
	case !report.IsValid:
		to = model.StatusFailed
		errMsg = "result artifact failed validation: " + report.Error
	default:
		to = model.StatusCompleted
	}

	_, err := w.Store.TransitionState(task.TaskID, model.StatusRunning, to, store.TransitionDelta{
		ErrorMessage:         errMsg,
		AuthenticationStatus: report.AuthenticationStatus,
		ValidationWarnings:   report.Warnings,
		ResultsSummary:       summary,
	})
	if err != nil {
		logger.Errorf("failed to persist terminal transition", err)
	}
}

// failRunning transitions a RUNNING task to FAILED and moves its queue
// entry to the DLQ, per spec §4.6's failure-handling rule for permanent
// errors.
func (w *Worker) failRunning(_ context.Context, task *model.Task, inst *model.ScannerInstance, entry model.QueueEntry, message string) {
	_, err := w.Store.TransitionState(task.TaskID, model.StatusRunning, model.StatusFailed, store.TransitionDelta{
		ErrorMessage: message,
	})
	if err != nil {
		logger.Errorf("failed to transition to FAILED", err)
	}
	w.deadLetter(task.ScannerPool, entry, message)
}

// failQueued transitions a still-QUEUED task straight to FAILED (no pool,
// permanent validation error), per the state machine's QUEUED->FAILED edge.
func (w *Worker) failQueued(task *model.Task, message string) {
	_, err := w.Store.TransitionState(task.TaskID, model.StatusQueued, model.StatusFailed, store.TransitionDelta{
		ErrorMessage: message,
	})
	if err != nil {
		logger.Errorf("failed to transition QUEUED task to FAILED", err)
	}
}

func (w *Worker) deadLetter(pool string, entry model.QueueEntry, message string) {
	if err := w.Store.IncrementAttempts(entry.TaskID); err != nil {
		logger.Errorf("failed to increment attempts", err)
	}
	if err := w.Queue.MoveToDLQ(context.Background(), pool, entry, message); err != nil {
		logger.Errorf("failed to move entry to DLQ", err)
	}
}
