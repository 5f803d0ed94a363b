// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package model defines the data structures shared by the Task Store, Queue,
// Scanner Registry, Result Validator, and Results View.
package model

import "time"

// Status is the lifecycle state of a Task. Transitions are constrained to
// the allowed-transition table enforced by the worker state machine.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusTimeout   Status = "TIMEOUT"
)

// IsTerminal reports whether s is one of the terminal states.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	default:
		return false
	}
}

// allowedTransitions is the complete table from spec §4.6. Any pair not
// present here is rejected by TransitionState.
var allowedTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusTimeout:   true,
	},
}

// TransitionAllowed reports whether moving from "from" to "to" is permitted.
func TransitionAllowed(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// ScanType identifies the credential posture of a scan request.
type ScanType string

const (
	ScanTypeUntrusted              ScanType = "untrusted"
	ScanTypeAuthenticated          ScanType = "authenticated"
	ScanTypeAuthenticatedPrivilege ScanType = "authenticated_privileged"
)

// EscalationMethod enumerates the privilege-escalation mechanisms accepted
// for authenticated_privileged scans.
type EscalationMethod string

const (
	EscalationSudo     EscalationMethod = "sudo"
	EscalationSu       EscalationMethod = "su"
	EscalationSuSudo   EscalationMethod = "su+sudo"
	EscalationPbrun    EscalationMethod = "pbrun"
	EscalationDzdo     EscalationMethod = "dzdo"
)

// AuthenticationStatus classifies the credential outcome observed in a
// completed scan's artifact.
type AuthenticationStatus string

const (
	AuthSuccess       AuthenticationStatus = "success"
	AuthFailed        AuthenticationStatus = "failed"
	AuthPartial       AuthenticationStatus = "partial"
	AuthNotApplicable AuthenticationStatus = "not_applicable"
)

// SeverityHistogram counts findings by severity bucket.
type SeverityHistogram struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
}

// ResultsSummary is the aggregate the validator produces for a completed task.
type ResultsSummary struct {
	HostCount     int               `json:"host_count"`
	TotalFindings int               `json:"total_findings"`
	Severity      SeverityHistogram `json:"severity"`
	ArtifactSize  int64             `json:"artifact_size"`
}

// Credentials carries authentication material for authenticated scans. The
// Task Store persists it only while the task is QUEUED, so a worker
// restarting before dequeue can still hand it to the driver; it is stripped
// from every record written at or after RUNNING, and never logged.
type Credentials struct {
	Kind                string `json:"kind"` // e.g. "ssh"
	Username            string `json:"username,omitempty"`
	Password            string `json:"password,omitempty"`
	KeyReference        string `json:"key_reference,omitempty"`
	EscalationMethod    EscalationMethod `json:"escalation_method,omitempty"`
	EscalationAccount   string `json:"escalation_account,omitempty"`
	EscalationPassword  string `json:"escalation_password,omitempty"`
}

// Wipe clears all secret fields in place. Called immediately after the
// driver's CreateScan returns, and (via SanitizeForPersistence) on every
// record the Task Store writes once the task has left QUEUED.
func (c *Credentials) Wipe() {
	if c == nil {
		return
	}
	c.Username = ""
	c.Password = ""
	c.KeyReference = ""
	c.EscalationAccount = ""
	c.EscalationPassword = ""
}

// Payload holds the submission inputs for a task. Credentials is present in
// the persisted record only while the task is QUEUED; it is wiped from
// every record written once the task leaves QUEUED, per the Task invariant
// that credential fields MUST be absent after transmission to the driver.
type Payload struct {
	Targets        string       `json:"targets"` // comma-separated IP/CIDR/host list
	Name           string       `json:"name"`
	Description    string       `json:"description,omitempty"`
	SchemaProfile  string       `json:"schema_profile,omitempty"`
	Credentials    *Credentials `json:"credentials,omitempty"`
}

// Task is a single scan request tracked end to end by the Task Store.
type Task struct {
	TaskID            string   `json:"task_id"`
	TraceID           string   `json:"trace_id"`
	ScanType          ScanType `json:"scan_type"`
	ScannerPool       string   `json:"scanner_pool"`
	ScannerInstanceID string   `json:"scanner_instance_id"`
	Status            Status   `json:"status"`

	Payload Payload `json:"payload"`

	RemoteScanID string `json:"remote_scan_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	AuthenticationStatus AuthenticationStatus `json:"authentication_status,omitempty"`
	ValidationWarnings   []string             `json:"validation_warnings,omitempty"`
	ResultsSummary       *ResultsSummary      `json:"results_summary,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`

	// WorkerID identifies the worker process that last touched the
	// task; consumed by the Housekeeper's heartbeat-based recovery rule.
	WorkerID string `json:"worker_id,omitempty"`

	// Attempts counts dequeue attempts, incremented on NoCapacity
	// re-enqueue and on DLQ-worthy permanent failure.
	Attempts int `json:"attempts"`

	// Progress is the last-seen remote progress percentage; purely
	// informational.
	Progress int `json:"progress,omitempty"`
}

// SanitizeForPersistence returns a copy of t with credential fields removed.
// The Task Store calls this for every write except while the task is still
// QUEUED.
func (t *Task) SanitizeForPersistence() *Task {
	cp := *t
	if cp.Payload.Credentials != nil {
		creds := *cp.Payload.Credentials
		creds.Wipe()
		cp.Payload.Credentials = &creds
	}
	return &cp
}

// TaskSummary is the projection returned by list_tasks.
type TaskSummary struct {
	TaskID               string               `json:"task_id"`
	TraceID              string               `json:"trace_id"`
	ScanType             ScanType             `json:"scan_type"`
	ScannerPool          string               `json:"scanner_pool"`
	ScannerInstanceID    string               `json:"scanner_instance_id,omitempty"`
	Status               Status               `json:"status"`
	Targets              string               `json:"targets"`
	Name                 string               `json:"name"`
	CreatedAt            time.Time            `json:"created_at"`
	CompletedAt          *time.Time           `json:"completed_at,omitempty"`
	AuthenticationStatus AuthenticationStatus `json:"authentication_status,omitempty"`
}

// ToSummary projects a Task down to its list_tasks view.
func (t *Task) ToSummary() *TaskSummary {
	return &TaskSummary{
		TaskID:               t.TaskID,
		TraceID:              t.TraceID,
		ScanType:             t.ScanType,
		ScannerPool:          t.ScannerPool,
		ScannerInstanceID:    t.ScannerInstanceID,
		Status:               t.Status,
		Targets:              t.Payload.Targets,
		Name:                 t.Payload.Name,
		CreatedAt:            t.CreatedAt,
		CompletedAt:          t.CompletedAt,
		AuthenticationStatus: t.AuthenticationStatus,
	}
}

// TroubleshootingNextSteps are the static remediation hints surfaced on
// get_scan_status for a FAILED task with a credential root cause.
var TroubleshootingNextSteps = []string{
	"Verify the scan credentials are current and not locked out.",
	"Confirm the escalation account has the required privileges on the target.",
	"Re-run with authenticated (non-privileged) scope to isolate escalation failures.",
}
