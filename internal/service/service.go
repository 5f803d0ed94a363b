// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package service implements the Submission Frontend: the single entry
// point that validates scan submissions, applies idempotency, reserves a
// scanner instance view, creates and enqueues the task, and answers
// status/results/listing queries by delegating to the Task Store, Queue,
// Scanner Registry, and Results View.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nessusapi/orchestrator/internal/idempotency"
	"github.com/nessusapi/orchestrator/internal/model"
	apperrors "github.com/nessusapi/orchestrator/internal/pkg/errors"
	"github.com/nessusapi/orchestrator/internal/pkg/validator"
	"github.com/nessusapi/orchestrator/internal/queue"
	"github.com/nessusapi/orchestrator/internal/registry"
	"github.com/nessusapi/orchestrator/internal/results"
	"github.com/nessusapi/orchestrator/internal/store"
)

// AverageScanMinutes is the default per-task duration estimate used to
// compute estimated_wait_minutes, per spec §4.9.
const AverageScanMinutes = 15

// Service wires the Task Store, Queue, Idempotency Index, and Scanner
// Registry into the operations the tool surface and admin HTTP surface
// call.
type Service struct {
	Store    *store.Store
	Queue    *queue.Queue
	Idem     *idempotency.Index
	Registry *registry.Registry
}

// New constructs a Service from its already-initialized collaborators.
func New(s *store.Store, q *queue.Queue, idem *idempotency.Index, reg *registry.Registry) *Service {
	return &Service{Store: s, Queue: q, Idem: idem, Registry: reg}
}

// CreateScanRequest is the caller-supplied submission, covering all three
// scan_type variants (spec §4.9's "for each scan-submission call").
type CreateScanRequest struct {
	ScanType       model.ScanType
	Targets        string
	Name           string
	Description    string
	SchemaProfile  string
	ScannerPool    string
	Credentials    *model.Credentials
	IdempotencyKey string
}

// CreateScanResponse is the response shape spec §4.9 step 9 names.
type CreateScanResponse struct {
	TaskID                string `json:"task_id"`
	TraceID               string `json:"trace_id"`
	QueuePosition         int    `json:"queue_position"`
	EstimatedWaitMinutes  int    `json:"estimated_wait_minutes"`
}

// CreateScan implements the 9-step flow of spec §4.9.
func (s *Service) CreateScan(ctx context.Context, req CreateScanRequest) (*CreateScanResponse, error) {
	if err := validateSubmission(req); err != nil {
		return nil, err
	}

	fingerprint := requestFingerprint(req)

	// A provisional task_id is needed before we know whether this call
	// actually claims the idempotency key, since Apply's "first claim"
	// path stores task_id alongside the fingerprint.
	taskID := uuid.New().String()
	traceID := uuid.New().String()

	outcome, err := s.Idem.Apply(ctx, req.IdempotencyKey, taskID, fingerprint)
	if err != nil {
		return nil, err
	}
	if outcome.ExistingTaskID != "" {
		existing, err := s.Store.Get(outcome.ExistingTaskID)
		if err != nil {
			return nil, err
		}
		depth, _ := s.Queue.Depth(ctx, existing.ScannerPool)
		return &CreateScanResponse{
			TaskID:               existing.TaskID,
			TraceID:              existing.TraceID,
			QueuePosition:        depth,
			EstimatedWaitMinutes: depth * AverageScanMinutes,
		}, nil
	}

	pool := req.ScannerPool
	if pool == "" {
		pool, err = s.Registry.DefaultPool()
		if err != nil {
			return nil, err
		}
	}

	// Reserve an instance view for the response only; the worker performs
	// the real Acquire (and its in_flight increment) at dequeue time.
	instances, err := s.Registry.ListInstances(pool)
	if err != nil {
		return nil, err
	}
	reservedInstance := leastUtilized(instances)

	task := &model.Task{
		TaskID:      taskID,
		TraceID:     traceID,
		ScanType:    req.ScanType,
		ScannerPool: pool,
		Status:      model.StatusQueued,
		Payload: model.Payload{
			Targets:       req.Targets,
			Name:          req.Name,
			Description:   req.Description,
			SchemaProfile: req.SchemaProfile,
			Credentials:   req.Credentials,
		},
		CreatedAt: time.Now().UTC(),
	}
	if reservedInstance != nil {
		task.ScannerInstanceID = reservedInstance.InstanceID
	}

	if err := s.Store.Create(task); err != nil {
		return nil, err
	}

	if err := s.Queue.Enqueue(ctx, pool, model.QueueEntry{TaskID: taskID, ScannerPool: pool}); err != nil {
		return nil, err
	}

	depth, _ := s.Queue.Depth(ctx, pool)
	return &CreateScanResponse{
		TaskID:               taskID,
		TraceID:              traceID,
		QueuePosition:        depth,
		EstimatedWaitMinutes: depth * AverageScanMinutes,
	}, nil
}

func leastUtilized(instances []*model.ScannerInstance) *model.ScannerInstance {
	var best *model.ScannerInstance
	for _, inst := range instances {
		if !inst.Enabled {
			continue
		}
		if best == nil || inst.Utilization() < best.Utilization() {
			best = inst
		}
	}
	return best
}

func validateSubmission(req CreateScanRequest) error {
	if err := validator.ValidateScanType(string(req.ScanType)); err != nil {
		return apperrors.WrapInvalidInput(err, "invalid scan_type")
	}
	if err := validator.ValidateTargets(req.Targets); err != nil {
		return apperrors.WrapInvalidInput(err, "invalid targets")
	}
	if req.Name == "" {
		return apperrors.NewInvalidInput("name cannot be empty")
	}

	if req.ScanType == model.ScanTypeAuthenticatedPrivilege {
		if req.Credentials == nil || req.Credentials.EscalationMethod == "" {
			return apperrors.NewInvalidInput("authenticated_privileged scans require an escalation_method")
		}
		if err := validator.ValidateEscalationMethod(string(req.Credentials.EscalationMethod)); err != nil {
			return apperrors.WrapInvalidInput(err, "invalid escalation_method")
		}
	}

	if req.Credentials != nil {
		c := req.Credentials
		if err := validator.ValidateScanCredentials(
			c.Kind, c.Username, c.Password, c.KeyReference,
			string(c.EscalationMethod), c.EscalationAccount, c.EscalationPassword,
		); err != nil {
			return apperrors.WrapInvalidInput(err, "invalid credentials")
		}
	} else if req.ScanType != model.ScanTypeUntrusted {
		return apperrors.NewInvalidInput("authenticated scans require credentials")
	}

	return nil
}

// requestFingerprint hashes the canonicalized non-cosmetic inputs of req,
// per spec §4.9 step 2. Name/description are cosmetic and excluded.
func requestFingerprint(req CreateScanRequest) string {
	targets := strings.Split(req.Targets, ",")
	for i := range targets {
		targets[i] = strings.ToLower(strings.TrimSpace(targets[i]))
	}
	sort.Strings(targets)

	canonical := struct {
		ScanType      string   `json:"scan_type"`
		Targets       []string `json:"targets"`
		SchemaProfile string   `json:"schema_profile"`
		ScannerPool   string   `json:"scanner_pool"`
		CredKind      string   `json:"cred_kind,omitempty"`
		EscalationMethod string `json:"escalation_method,omitempty"`
	}{
		ScanType:      string(req.ScanType),
		Targets:       targets,
		SchemaProfile: req.SchemaProfile,
		ScannerPool:   req.ScannerPool,
	}
	if req.Credentials != nil {
		canonical.CredKind = req.Credentials.Kind
		canonical.EscalationMethod = string(req.Credentials.EscalationMethod)
	}

	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ListTasksRequest carries list_tasks's optional filters.
type ListTasksRequest struct {
	Status       model.Status
	Pool         string
	TargetFilter string
	Limit        int
}

// ListTasks delegates to the Task Store's filtered listing.
func (s *Service) ListTasks(req ListTasksRequest) ([]*model.TaskSummary, error) {
	tasks, err := s.Store.List(store.ListFilter{
		Status:       req.Status,
		Pool:         req.Pool,
		TargetFilter: req.TargetFilter,
		Limit:        req.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*model.TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ToSummary())
	}
	return out, nil
}

// ScanStatusResponse augments the stored Task with troubleshooting hints
// for a FAILED task with an authentication root cause.
type ScanStatusResponse struct {
	*model.Task
	Troubleshooting *Troubleshooting `json:"troubleshooting,omitempty"`
}

// Troubleshooting carries next_steps remediation hints.
type Troubleshooting struct {
	NextSteps []string `json:"next_steps"`
}

// GetScanStatus returns the current task record, annotated with
// troubleshooting guidance when the failure has a credential root cause.
func (s *Service) GetScanStatus(taskID string) (*ScanStatusResponse, error) {
	task, err := s.Store.Get(taskID)
	if err != nil {
		return nil, err
	}
	resp := &ScanStatusResponse{Task: task}
	if task.Status == model.StatusFailed &&
		(task.AuthenticationStatus == model.AuthFailed || task.AuthenticationStatus == model.AuthPartial) {
		resp.Troubleshooting = &Troubleshooting{NextSteps: model.TroubleshootingNextSteps}
	}
	return resp, nil
}

// GetScanResults loads task_id's artifact and renders the Results View
// NDJSON lines per req.
func (s *Service) GetScanResults(taskID string, req results.Request) ([]string, error) {
	task, err := s.Store.Get(taskID)
	if err != nil {
		return nil, err
	}
	path, err := s.Store.ArtifactPath(taskID)
	if err != nil {
		return nil, err
	}
	data, rerr := os.ReadFile(path)
	if rerr != nil {
		return nil, apperrors.WrapInternal(rerr, "read artifact")
	}

	meta := results.Metadata{
		Name:    task.Payload.Name,
		Targets: task.Payload.Targets,
	}
	if task.StartedAt != nil {
		meta.StartedAt = task.StartedAt.Format(time.RFC3339)
	}
	if task.CompletedAt != nil {
		meta.StoppedAt = task.CompletedAt.Format(time.RFC3339)
	}

	return results.Render(data, meta, req)
}

// ListScanners returns all instances in pool, or every pool's instances
// when pool is empty.
func (s *Service) ListScanners(pool string) ([]*model.ScannerInstance, error) {
	if pool != "" {
		return s.Registry.ListInstances(pool)
	}
	var out []*model.ScannerInstance
	for _, p := range s.Registry.ListPools() {
		instances, err := s.Registry.ListInstances(p)
		if err != nil {
			continue
		}
		out = append(out, instances...)
	}
	return out, nil
}

// ListPools returns declared pool names.
func (s *Service) ListPools() []string {
	return s.Registry.ListPools()
}

// GetPoolStatus delegates to the Registry's aggregate view.
func (s *Service) GetPoolStatus(pool string) (*model.PoolStatus, error) {
	return s.Registry.PoolStatus(pool)
}

// GetQueueStatus reports queue depth, DLQ depth, and a rough average wait
// estimate for pool.
func (s *Service) GetQueueStatus(ctx context.Context, pool string) (*model.QueueStatus, error) {
	depth, err := s.Queue.Depth(ctx, pool)
	if err != nil {
		return nil, err
	}
	dlqDepth, err := s.Queue.DLQDepth(ctx, pool)
	if err != nil {
		return nil, err
	}
	return &model.QueueStatus{
		Pool:        pool,
		QueueDepth:  depth,
		DLQDepth:    dlqDepth,
		AvgWaitSecs: float64(depth * AverageScanMinutes * 60),
	}, nil
}

// PeekDLQ returns up to limit dead-lettered entries for pool, for operator
// inspection.
func (s *Service) PeekDLQ(ctx context.Context, pool string, limit int) ([]model.DLQEntry, error) {
	return s.Queue.PeekDLQ(ctx, pool, limit)
}
