// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package housekeeper

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nessusapi/orchestrator/internal/model"
	"github.com/nessusapi/orchestrator/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return s
}

func createTask(t *testing.T, s *store.Store, task *model.Task) {
	t.Helper()
	if err := s.Create(task); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestSweepDeletesCompletedPastRetention(t *testing.T) {
	s := newTestStore(t)
	old := time.Now().UTC().Add(-10 * 24 * time.Hour)

	task := &model.Task{
		TaskID: "task-1", TraceID: "t", ScanType: model.ScanTypeUntrusted,
		ScannerPool: "default", Status: model.StatusQueued,
		Payload: model.Payload{Targets: "10.0.0.1", Name: "a"}, CreatedAt: old,
	}
	createTask(t, s, task)
	if _, err := s.TransitionState("task-1", model.StatusQueued, model.StatusRunning, store.TransitionDelta{}); err != nil {
		t.Fatalf("transition to RUNNING: %v", err)
	}
	if _, err := s.TransitionState("task-1", model.StatusRunning, model.StatusCompleted, store.TransitionDelta{
		NowFn: func() time.Time { return old },
	}); err != nil {
		t.Fatalf("transition to COMPLETED: %v", err)
	}

	h := New(s, nil, Config{CompletedRetention: 7 * 24 * time.Hour})
	h.Sweep(context.Background())

	if _, err := s.Get("task-1"); err == nil {
		t.Error("expected retention-expired COMPLETED task to be deleted")
	}
}

func TestSweepKeepsRecentCompleted(t *testing.T) {
	s := newTestStore(t)
	task := &model.Task{
		TaskID: "task-2", TraceID: "t", ScanType: model.ScanTypeUntrusted,
		ScannerPool: "default", Status: model.StatusQueued,
		Payload: model.Payload{Targets: "10.0.0.1", Name: "a"}, CreatedAt: time.Now().UTC(),
	}
	createTask(t, s, task)
	if _, err := s.TransitionState("task-2", model.StatusQueued, model.StatusRunning, store.TransitionDelta{}); err != nil {
		t.Fatalf("transition to RUNNING: %v", err)
	}
	if _, err := s.TransitionState("task-2", model.StatusRunning, model.StatusCompleted, store.TransitionDelta{}); err != nil {
		t.Fatalf("transition to COMPLETED: %v", err)
	}

	h := New(s, nil, Config{CompletedRetention: 7 * 24 * time.Hour})
	h.Sweep(context.Background())

	if _, err := s.Get("task-2"); err != nil {
		t.Error("expected a freshly completed task to survive the sweep")
	}
}

func TestSweepNeverDeletesQueued(t *testing.T) {
	s := newTestStore(t)
	old := time.Now().UTC().Add(-365 * 24 * time.Hour)
	task := &model.Task{
		TaskID: "task-3", TraceID: "t", ScanType: model.ScanTypeUntrusted,
		ScannerPool: "default", Status: model.StatusQueued,
		Payload: model.Payload{Targets: "10.0.0.1", Name: "a"}, CreatedAt: old,
	}
	createTask(t, s, task)

	h := New(s, nil, Config{})
	h.Sweep(context.Background())

	if _, err := s.Get("task-3"); err != nil {
		t.Error("expected a QUEUED task to never be deleted by retention")
	}
}

func TestSweepRecoversStuckRunningWithoutHeartbeatInfra(t *testing.T) {
	s := newTestStore(t)
	staleStart := time.Now().UTC().Add(-3 * time.Hour)

	task := &model.Task{
		TaskID: "task-4", TraceID: "t", ScanType: model.ScanTypeUntrusted,
		ScannerPool: "default", Status: model.StatusQueued,
		Payload: model.Payload{Targets: "10.0.0.1", Name: "a"}, CreatedAt: staleStart,
	}
	createTask(t, s, task)
	if _, err := s.TransitionState("task-4", model.StatusQueued, model.StatusRunning, store.TransitionDelta{
		NowFn: func() time.Time { return staleStart },
	}); err != nil {
		t.Fatalf("transition to RUNNING: %v", err)
	}

	h := New(s, nil, Config{PerTaskDeadline: time.Hour}) // stuck threshold: 2h
	h.Sweep(context.Background())

	got, err := s.Get("task-4")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.StatusFailed || got.ErrorMessage != "recovery" {
		t.Errorf("expected force-recovered FAILED(\"recovery\"), got %s/%s", got.Status, got.ErrorMessage)
	}
}

func TestSweepLeavesRunningTaskWithLiveHeartbeat(t *testing.T) {
	s := newTestStore(t)
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	if err := rdb.Set(context.Background(), "heartbeat:worker-a", "1", time.Minute).Err(); err != nil {
		t.Fatalf("seed heartbeat: %v", err)
	}

	staleStart := time.Now().UTC().Add(-3 * time.Hour)
	task := &model.Task{
		TaskID: "task-5", TraceID: "t", ScanType: model.ScanTypeUntrusted,
		ScannerPool: "default", Status: model.StatusQueued,
		Payload: model.Payload{Targets: "10.0.0.1", Name: "a"}, CreatedAt: staleStart,
	}
	createTask(t, s, task)
	if _, err := s.TransitionState("task-5", model.StatusQueued, model.StatusRunning, store.TransitionDelta{
		WorkerID: "worker-a",
		NowFn:    func() time.Time { return staleStart },
	}); err != nil {
		t.Fatalf("transition to RUNNING: %v", err)
	}

	h := New(s, rdb, Config{PerTaskDeadline: time.Hour})
	h.Sweep(context.Background())

	got, err := s.Get("task-5")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.StatusRunning {
		t.Errorf("expected task with a live heartbeat to stay RUNNING, got %s", got.Status)
	}
}
