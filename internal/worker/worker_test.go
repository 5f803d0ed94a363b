// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nessusapi/orchestrator/internal/driver"
	"github.com/nessusapi/orchestrator/internal/model"
	"github.com/nessusapi/orchestrator/internal/queue"
	"github.com/nessusapi/orchestrator/internal/registry"
	"github.com/nessusapi/orchestrator/internal/store"
)

const sampleArtifact = `<?xml version="1.0"?>
<NessusClientData_v2>
  <Report name="r">
    <ReportHost name="10.0.0.1">
      <HostProperties>
        <tag name="Credentialed_Scan">true</tag>
      </HostProperties>
      <ReportItem pluginID="19506" severity="0"></ReportItem>
    </ReportHost>
  </Report>
</NessusClientData_v2>`

// fakeDriver is a scripted driver.Driver used to drive the worker through
// each branch of its state machine without any network calls.
type fakeDriver struct {
	createErr      error
	launchErr      error
	statuses       []driver.StatusResult
	statusErr      error
	exportData     []byte
	exportErr      error
	stopped        bool
	gotCredentials *model.Credentials // captures what CreateScan actually received
}

func (f *fakeDriver) CreateScan(ctx context.Context, req driver.CreateScanRequest) (string, error) {
	// Copy, as a real driver serializes the request before the worker
	// wipes its in-memory credentials.
	if req.Credentials != nil {
		c := *req.Credentials
		f.gotCredentials = &c
	}
	if f.createErr != nil {
		return "", f.createErr
	}
	return "remote-1", nil
}

func (f *fakeDriver) LaunchScan(ctx context.Context, remoteScanID string) error {
	return f.launchErr
}

func (f *fakeDriver) GetStatus(ctx context.Context, remoteScanID string) (driver.StatusResult, error) {
	if f.statusErr != nil {
		return driver.StatusResult{}, f.statusErr
	}
	if len(f.statuses) == 0 {
		return driver.StatusResult{State: driver.RemoteStateCompleted, Progress: 100}, nil
	}
	next := f.statuses[0]
	f.statuses = f.statuses[1:]
	return next, nil
}

func (f *fakeDriver) ExportArtifact(ctx context.Context, remoteScanID string) ([]byte, error) {
	if f.exportErr != nil {
		return nil, f.exportErr
	}
	if f.exportData != nil {
		return f.exportData, nil
	}
	return []byte(sampleArtifact), nil
}

func (f *fakeDriver) StopScan(ctx context.Context, remoteScanID string) error {
	f.stopped = true
	return nil
}

func (f *fakeDriver) DeleteScan(ctx context.Context, remoteScanID string) error { return nil }

type testHarness struct {
	st  *store.Store
	q   *queue.Queue
	reg *registry.Registry
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	reg := registry.New()
	if err := reg.Reload(map[string][]*model.ScannerInstance{
		"default": {
			{Pool: "default", InstanceID: "scanner-1", MaxConcurrent: 2, Enabled: true},
		},
	}, []string{"default"}); err != nil {
		t.Fatalf("reg.Reload: %v", err)
	}

	return &testHarness{st: st, q: queue.New(rdb), reg: reg}
}

func (h *testHarness) createQueuedTask(t *testing.T, taskID string) *model.Task {
	t.Helper()
	task := &model.Task{
		TaskID:      taskID,
		TraceID:     "trace-" + taskID,
		ScanType:    model.ScanTypeUntrusted,
		ScannerPool: "default",
		Status:      model.StatusQueued,
		Payload: model.Payload{
			Targets: "10.0.0.1",
			Name:    "test scan",
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := h.st.Create(task); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.q.Enqueue(context.Background(), "default", model.QueueEntry{TaskID: taskID, ScannerPool: "default"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return task
}

func newTestWorker(h *testHarness, drv driver.Driver) *Worker {
	return New(h.st, h.q, h.reg, func(*model.ScannerInstance) driver.Driver { return drv }, Config{
		Pools:             []string{"default"},
		PollInterval:      10 * time.Millisecond,
		DequeueTimeout:    50 * time.Millisecond,
		PerTaskDeadline:   time.Hour,
		NoCapacityBackoff: 10 * time.Millisecond,
	})
}

func dequeueAndProcess(t *testing.T, h *testHarness, w *Worker, taskID string) {
	t.Helper()
	entry, ok, err := h.q.DequeueAny(context.Background(), []string{"default"}, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("DequeueAny: %v", err)
	}
	if !ok {
		t.Fatalf("expected a queued entry for %s", taskID)
	}
	w.process(context.Background(), *entry)
}

func TestProcessHappyPathCompletesTask(t *testing.T) {
	h := newHarness(t)
	w := newTestWorker(h, &fakeDriver{})
	h.createQueuedTask(t, "task-1")

	dequeueAndProcess(t, h, w, "task-1")

	task, err := h.st.Get("task-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task.Status != model.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", task.Status, task.ErrorMessage)
	}
	if task.ResultsSummary == nil || task.ResultsSummary.HostCount != 1 {
		t.Errorf("expected a results summary with 1 host, got %+v", task.ResultsSummary)
	}

	instances, _ := h.reg.ListInstances("default")
	if instances[0].InFlight != 0 {
		t.Errorf("expected instance released back to 0 in_flight, got %d", instances[0].InFlight)
	}
}

func TestProcessDeliversCredentialsToDriver(t *testing.T) {
	h := newHarness(t)
	drv := &fakeDriver{}
	w := newTestWorker(h, drv)

	task := &model.Task{
		TaskID:      "task-creds",
		TraceID:     "trace-task-creds",
		ScanType:    model.ScanTypeAuthenticated,
		ScannerPool: "default",
		Status:      model.StatusQueued,
		Payload: model.Payload{
			Targets: "10.0.0.1",
			Name:    "authenticated scan",
			Credentials: &model.Credentials{
				Kind:     "ssh",
				Username: "root",
				Password: "hunter2",
			},
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := h.st.Create(task); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.q.Enqueue(context.Background(), "default", model.QueueEntry{TaskID: task.TaskID, ScannerPool: "default"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	dequeueAndProcess(t, h, w, "task-creds")

	if drv.gotCredentials == nil || drv.gotCredentials.Password != "hunter2" {
		t.Fatalf("expected the driver's CreateScan to receive the task's credentials, got %+v", drv.gotCredentials)
	}

	got, err := h.st.Get("task-creds")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", got.Status, got.ErrorMessage)
	}
	if got.Payload.Credentials != nil && got.Payload.Credentials.Password != "" {
		t.Error("expected credentials to be wiped from the persisted record once RUNNING")
	}
}

func TestProcessCreateScanFailureMovesToDLQ(t *testing.T) {
	h := newHarness(t)
	w := newTestWorker(h, &fakeDriver{createErr: errors.New("boom")})
	h.createQueuedTask(t, "task-2")

	dequeueAndProcess(t, h, w, "task-2")

	task, err := h.st.Get("task-2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task.Status != model.StatusFailed {
		t.Fatalf("expected FAILED, got %s", task.Status)
	}

	depth, err := h.q.DLQDepth(context.Background(), "default")
	if err != nil {
		t.Fatalf("DLQDepth: %v", err)
	}
	if depth != 1 {
		t.Errorf("expected DLQ depth 1, got %d", depth)
	}
}

func TestProcessRemoteFailedStatusFailsTask(t *testing.T) {
	h := newHarness(t)
	w := newTestWorker(h, &fakeDriver{
		statuses: []driver.StatusResult{{State: driver.RemoteStateAborted}},
	})
	h.createQueuedTask(t, "task-3")

	dequeueAndProcess(t, h, w, "task-3")

	task, err := h.st.Get("task-3")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task.Status != model.StatusFailed {
		t.Fatalf("expected FAILED, got %s", task.Status)
	}
}

func TestProcessInvalidArtifactFailsTask(t *testing.T) {
	h := newHarness(t)
	w := newTestWorker(h, &fakeDriver{exportData: []byte("too short")})
	h.createQueuedTask(t, "task-4")

	dequeueAndProcess(t, h, w, "task-4")

	task, err := h.st.Get("task-4")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task.Status != model.StatusFailed {
		t.Fatalf("expected FAILED for an invalid artifact, got %s", task.Status)
	}
}

func TestProcessSkipsEntryNotInQueuedStatus(t *testing.T) {
	h := newHarness(t)
	w := newTestWorker(h, &fakeDriver{})
	task := h.createQueuedTask(t, "task-5")

	if _, err := h.st.TransitionState(task.TaskID, model.StatusQueued, model.StatusFailed, store.TransitionDelta{
		ErrorMessage: "already handled",
	}); err != nil {
		t.Fatalf("TransitionState: %v", err)
	}

	dequeueAndProcess(t, h, w, "task-5")

	got, err := h.st.Get("task-5")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.StatusFailed || got.ErrorMessage != "already handled" {
		t.Errorf("expected the prior FAILED transition to be left untouched, got %+v", got)
	}
}

func TestProcessPrivilegedScanWithFailedAuthFailsTask(t *testing.T) {
	h := newHarness(t)
	untrustedArtifact := `<?xml version="1.0"?>
<NessusClientData_v2>
  <Report name="r">
    <ReportHost name="10.0.0.1">
      <ReportItem pluginID="99999" severity="0"></ReportItem>
    </ReportHost>
  </Report>
</NessusClientData_v2>`
	w := newTestWorker(h, &fakeDriver{exportData: []byte(untrustedArtifact)})

	task := &model.Task{
		TaskID:      "task-6",
		TraceID:     "trace-task-6",
		ScanType:    model.ScanTypeAuthenticatedPrivilege,
		ScannerPool: "default",
		Status:      model.StatusQueued,
		Payload: model.Payload{
			Targets: "10.0.0.1",
			Name:    "priv scan",
			Credentials: &model.Credentials{
				Kind:             "ssh",
				Username:         "root",
				Password:         "hunter2",
				EscalationMethod: model.EscalationSudo,
			},
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := h.st.Create(task); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.q.Enqueue(context.Background(), "default", model.QueueEntry{TaskID: task.TaskID, ScannerPool: "default"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	dequeueAndProcess(t, h, w, "task-6")

	got, err := h.st.Get("task-6")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.StatusFailed {
		t.Fatalf("expected FAILED for unescalated privileged scan, got %s", got.Status)
	}
	if got.Payload.Credentials != nil && got.Payload.Credentials.Password != "" {
		t.Error("expected credentials to be wiped from the persisted record")
	}
}
