// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package store implements the Task Store: the sole durable home for task
// records and their scan artifacts. One directory per task_id holds
// task.json and, once exported, an artifact file. TransitionState is the
// only path that mutates status and is serialized per task_id both across
// goroutines (an in-process mutex) and across cooperating processes sharing
// the data root (a real lock file via gofrs/flock).
package store

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	apperrors "github.com/nessusapi/orchestrator/internal/pkg/errors"
	"github.com/nessusapi/orchestrator/internal/pkg/logger"
	"github.com/nessusapi/orchestrator/internal/model"
)

const (
	taskFileName = "task.json"
	lockFileName = ".lock"
)

// Store is the file-backed Task Store.
type Store struct {
	dataRoot string

	mu        sync.Mutex // protects taskLocks map
	taskLocks map[string]*sync.Mutex
}

// New creates a Store rooted at dataRoot/tasks. The root is created if
// missing.
func New(dataRoot string) (*Store, error) {
	tasksDir := filepath.Join(dataRoot, "tasks")
	if err := os.MkdirAll(tasksDir, 0755); err != nil {
		return nil, fmt.Errorf("create tasks dir: %w", err)
	}
	return &Store{
		dataRoot:  dataRoot,
		taskLocks: make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) taskDir(taskID string) string {
	return filepath.Join(s.dataRoot, "tasks", taskID)
}

func (s *Store) taskFile(taskID string) string {
	return filepath.Join(s.taskDir(taskID), taskFileName)
}

func (s *Store) lockFile(taskID string) string {
	return filepath.Join(s.taskDir(taskID), lockFileName)
}

// inProcessLock returns (creating if needed) the in-process mutex guarding
// taskID, so that concurrent goroutines in this process serialize even
// before they contend on the flock.
func (s *Store) inProcessLock(taskID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.taskLocks[taskID]
	if !ok {
		m = &sync.Mutex{}
		s.taskLocks[taskID] = m
	}
	return m
}

// withTaskLock takes both the in-process mutex and the cross-process file
// lock for taskID, runs fn, then releases both in reverse order.
func (s *Store) withTaskLock(taskID string, fn func() error) error {
	mu := s.inProcessLock(taskID)
	mu.Lock()
	defer mu.Unlock()

	fl := flock.New(s.lockFile(taskID))
	locked, err := fl.TryLock()
	if err != nil {
		return apperrors.WrapInternal(err, "acquire task lock")
	}
	if !locked {
		// Another process holds it; block until available.
		if err := fl.Lock(); err != nil {
			return apperrors.WrapInternal(err, "acquire task lock")
		}
	}
	defer fl.Unlock()

	return fn()
}

// Create persists a new task in QUEUED. Fails if task_id already exists.
func (s *Store) Create(task *model.Task) error {
	if task.Status != model.StatusQueued {
		return apperrors.NewInvalidInput("a task may only be created in QUEUED")
	}

	dir := s.taskDir(task.TaskID)
	if _, err := os.Stat(s.taskFile(task.TaskID)); err == nil {
		return apperrors.New("TASK_EXISTS", "task already exists", 409)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return apperrors.WrapInternal(err, "create task directory")
	}

	return s.writeTaskFile(task)
}

// Get loads a task by ID.
func (s *Store) Get(taskID string) (*model.Task, error) {
	data, err := os.ReadFile(s.taskFile(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.ErrTaskNotFound
		}
		return nil, apperrors.WrapInternal(err, "read task file")
	}

	var task model.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, apperrors.WrapInternal(err, "unmarshal task")
	}
	return &task, nil
}

// writeTaskFile performs the atomic temp-file + rename write. Caller must
// hold the task lock when mutating an existing record. Credentials are
// persisted as-is while a task is QUEUED (the worker still needs them to
// hand off to the driver) and sanitized for every other status, since by
// then they have either already been transmitted or never will be.
func (s *Store) writeTaskFile(task *model.Task) error {
	persisted := task
	if task.Status != model.StatusQueued {
		persisted = task.SanitizeForPersistence()
	}

	data, err := json.MarshalIndent(persisted, "", "  ")
	if err != nil {
		return apperrors.WrapInternal(err, "marshal task")
	}

	dir := s.taskDir(task.TaskID)
	tmp, err := os.CreateTemp(dir, "task.*.tmp")
	if err != nil {
		return apperrors.WrapInternal(err, "create temp file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed away

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return apperrors.WrapInternal(err, "write temp file")
	}
	if err := tmp.Close(); err != nil {
		return apperrors.WrapInternal(err, "close temp file")
	}

	if err := os.Rename(tmpPath, s.taskFile(task.TaskID)); err != nil {
		return apperrors.WrapInternal(err, "rename task file")
	}
	return nil
}

// TransitionDelta carries the fields the caller wants applied atomically
// alongside the status change.
type TransitionDelta struct {
	ScannerInstanceID    string
	RemoteScanID         string
	WorkerID             string
	ErrorMessage         string
	AuthenticationStatus model.AuthenticationStatus
	ValidationWarnings   []string
	ResultsSummary       *model.ResultsSummary
	Progress             *int
	// NowFn, if set, overrides the clock used for started_at/completed_at
	// (used by tests); nil uses time.Now.
	NowFn func() time.Time
}

// TransitionState performs an atomic read-modify-write, moving task_id from
// "from" to "to". Fails with InvalidTransition (Conflict) if the current
// status does not match "from" or the pair is not in the allowed table.
func (s *Store) TransitionState(taskID string, from, to model.Status, delta TransitionDelta) (*model.Task, error) {
	if !model.TransitionAllowed(from, to) {
		return nil, apperrors.WrapConflict(nil, fmt.Sprintf("transition %s -> %s is not allowed", from, to))
	}

	var result *model.Task
	err := s.withTaskLock(taskID, func() error {
		task, err := s.Get(taskID)
		if err != nil {
			return err
		}
		if task.Status != from {
			return apperrors.WrapConflict(nil, fmt.Sprintf("task %s is %s, expected %s", taskID, task.Status, from))
		}

		now := time.Now().UTC()
		if delta.NowFn != nil {
			now = delta.NowFn()
		}

		task.Status = to
		if to == model.StatusRunning {
			task.StartedAt = &now
		}
		if to.IsTerminal() {
			task.CompletedAt = &now
		}
		if delta.ScannerInstanceID != "" {
			task.ScannerInstanceID = delta.ScannerInstanceID
		}
		if delta.RemoteScanID != "" {
			task.RemoteScanID = delta.RemoteScanID
		}
		if delta.WorkerID != "" {
			task.WorkerID = delta.WorkerID
		}
		if delta.ErrorMessage != "" {
			task.ErrorMessage = delta.ErrorMessage
		}
		if delta.AuthenticationStatus != "" {
			task.AuthenticationStatus = delta.AuthenticationStatus
		}
		if delta.ValidationWarnings != nil {
			task.ValidationWarnings = delta.ValidationWarnings
		}
		if delta.ResultsSummary != nil {
			task.ResultsSummary = delta.ResultsSummary
		}
		if delta.Progress != nil {
			task.Progress = *delta.Progress
		}

		if err := s.writeTaskFile(task); err != nil {
			return err
		}
		result = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateProgress is a lighter-weight locked update used by the worker's poll
// loop, which does not change status.
func (s *Store) UpdateProgress(taskID string, progress int) error {
	return s.withTaskLock(taskID, func() error {
		task, err := s.Get(taskID)
		if err != nil {
			return err
		}
		task.Progress = progress
		return s.writeTaskFile(task)
	})
}

// SetRemoteScanID records the driver's opaque scan handle on an already
// RUNNING task, without touching status. Used right after CreateScan
// returns, per spec §4.6 step 6 ("persist").
func (s *Store) SetRemoteScanID(taskID, remoteScanID string) error {
	return s.withTaskLock(taskID, func() error {
		task, err := s.Get(taskID)
		if err != nil {
			return err
		}
		task.RemoteScanID = remoteScanID
		return s.writeTaskFile(task)
	})
}

// IncrementAttempts bumps task_id's dequeue-attempt counter, used on
// NoCapacity re-enqueue and DLQ-worthy permanent failure.
func (s *Store) IncrementAttempts(taskID string) error {
	return s.withTaskLock(taskID, func() error {
		task, err := s.Get(taskID)
		if err != nil {
			return err
		}
		task.Attempts++
		return s.writeTaskFile(task)
	})
}

// WriteArtifact writes the native export bytes atomically (temp file +
// rename) into the task's directory.
func (s *Store) WriteArtifact(taskID string, ext string, data []byte) (string, error) {
	dir := s.taskDir(taskID)
	if ext == "" {
		ext = "bin"
	}
	finalPath := filepath.Join(dir, "artifact."+strings.TrimPrefix(ext, "."))

	tmp, err := os.CreateTemp(dir, "artifact.*.tmp")
	if err != nil {
		return "", apperrors.WrapInternal(err, "create temp artifact file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", apperrors.WrapInternal(err, "write temp artifact file")
	}
	if err := tmp.Close(); err != nil {
		return "", apperrors.WrapInternal(err, "close temp artifact file")
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", apperrors.WrapInternal(err, "rename artifact file")
	}
	return finalPath, nil
}

// ArtifactPath returns the path to task_id's artifact file, if any exists.
func (s *Store) ArtifactPath(taskID string) (string, error) {
	dir := s.taskDir(taskID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", apperrors.WrapInternal(err, "read task directory")
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "artifact.") {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", apperrors.New("ARTIFACT_NOT_FOUND", "no artifact for task", 404)
}

// ListFilter narrows the set of tasks returned by List.
type ListFilter struct {
	Status       model.Status // empty = any
	Pool         string       // empty = any
	TargetFilter string       // IP, CIDR, or hostname; empty = any
	Limit        int          // 0 = unlimited
}

// List iterates all tasks, applying filters in-memory, matching spec's
// requirement that List performs the filtering (not the caller).
func (s *Store) List(filter ListFilter) ([]*model.Task, error) {
	tasksDir := filepath.Join(s.dataRoot, "tasks")
	entries, err := os.ReadDir(tasksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.WrapInternal(err, "read tasks directory")
	}

	var out []*model.Task
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		task, err := s.Get(e.Name())
		if err != nil {
			logger.Warn(fmt.Sprintf("skipping unreadable task %s: %v", e.Name(), err))
			continue
		}

		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.Pool != "" && task.ScannerPool != filter.Pool {
			continue
		}
		if filter.TargetFilter != "" && !matchesTargetFilter(task.Payload.Targets, filter.TargetFilter) {
			continue
		}
		out = append(out, task)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Delete recursively removes task_id's directory.
func (s *Store) Delete(taskID string) error {
	return s.withTaskLock(taskID, func() error {
		if err := os.RemoveAll(s.taskDir(taskID)); err != nil {
			return apperrors.WrapInternal(err, "delete task directory")
		}
		return nil
	})
}

// matchesTargetFilter implements the IP/CIDR/hostname matching rules of
// spec §4.9: each comma-separated token of the stored target string (an IP,
// a CIDR, or a hostname) is compared against the whole query, which is
// treated as a single IP, CIDR, or hostname and is not split on commas.
func matchesTargetFilter(storedTargets, query string) bool {
	query = strings.TrimSpace(query)
	if query == "" {
		return true
	}

	for _, stored := range strings.Split(storedTargets, ",") {
		stored = strings.TrimSpace(stored)
		if stored == "" {
			continue
		}
		if targetTokenMatches(stored, query) {
			return true
		}
	}
	return false
}

// targetTokenMatches compares one stored target token against one query
// token using the precedence: IP vs CIDR containment, CIDR vs CIDR overlap,
// hostname case-insensitive equality (hostnames never match IP/CIDR queries).
func targetTokenMatches(stored, query string) bool {
	storedIP := net.ParseIP(stored)
	_, storedNet, storedIsCIDR := net.ParseCIDR(stored)

	queryIP := net.ParseIP(query)
	_, queryNet, queryIsCIDR := net.ParseCIDR(query)

	switch {
	case queryIP != nil:
		if storedIP != nil {
			return storedIP.Equal(queryIP)
		}
		if storedIsCIDR {
			return storedNet.Contains(queryIP)
		}
		return false
	case queryIsCIDR:
		if storedIP != nil {
			return queryNet.Contains(storedIP)
		}
		if storedIsCIDR {
			return cidrsOverlap(storedNet, queryNet)
		}
		return false
	default:
		// Hostname query: only matches stored hostname targets.
		if storedIP != nil || storedIsCIDR {
			return false
		}
		return strings.EqualFold(stored, query)
	}
}

// cidrsOverlap reports whether two IPNets share any address.
func cidrsOverlap(a, b *net.IPNet) bool {
	return a.Contains(b.IP) || b.Contains(a.IP)
}
