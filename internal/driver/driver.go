// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package driver implements the Scanner Driver capability contract for one
// remote scanner kind. The only implementation shipped is Nessus's REST v1
// API; the interface is kept polymorphic over scanner kind per spec §4.5.
package driver

import (
	"context"

	"github.com/nessusapi/orchestrator/internal/model"
)

// RemoteState is the scanner's own lifecycle vocabulary, before mapping to
// a Task status contribution (see MapRemoteState).
type RemoteState string

const (
	RemoteStatePending   RemoteState = "pending"
	RemoteStateRunning   RemoteState = "running"
	RemoteStatePaused    RemoteState = "paused"
	RemoteStateCompleted RemoteState = "completed"
	RemoteStateCanceled  RemoteState = "canceled"
	RemoteStateStopped   RemoteState = "stopped"
	RemoteStateAborted   RemoteState = "aborted"
)

// MapRemoteState implements the state-mapping table of spec §4.5.
func MapRemoteState(s RemoteState) model.Status {
	switch s {
	case RemoteStatePending:
		return model.StatusQueued
	case RemoteStateRunning, RemoteStatePaused:
		return model.StatusRunning
	case RemoteStateCompleted:
		return model.StatusCompleted
	case RemoteStateCanceled, RemoteStateStopped, RemoteStateAborted:
		return model.StatusFailed
	default:
		return model.StatusFailed
	}
}

// CreateScanRequest carries the submission inputs the driver needs to stand
// up a remote scan. Credentials, if present, are read once by CreateScan
// and must not be retained by the caller afterward.
type CreateScanRequest struct {
	Name        string
	Description string
	Targets     string
	ScanType    model.ScanType
	Credentials *model.Credentials
}

// StatusResult is the driver's answer to GetStatus.
type StatusResult struct {
	State    RemoteState
	Progress int // percent, 0-100
}

// Error kinds surfaced by a driver implementation, per spec §4.5. Callers
// use errors.As to recover one of these from a returned error.
type (
	// TransientNetworkError indicates a retryable network-level failure.
	TransientNetworkError struct{ Err error }
	// RemoteBusyError indicates the remote rejected the call due to load.
	RemoteBusyError struct{ Err error }
	// AuthRequiredError indicates the session token was rejected (401/403).
	AuthRequiredError struct{ Err error }
	// NotFoundError indicates the remote scan id no longer exists.
	NotFoundError struct{ Err error }
	// PermanentRemoteError indicates a non-retryable remote failure.
	PermanentRemoteError struct{ Err error }
)

func (e *TransientNetworkError) Error() string  { return "transient network error: " + e.Err.Error() }
func (e *RemoteBusyError) Error() string        { return "remote busy: " + e.Err.Error() }
func (e *AuthRequiredError) Error() string      { return "auth required: " + e.Err.Error() }
func (e *NotFoundError) Error() string          { return "not found: " + e.Err.Error() }
func (e *PermanentRemoteError) Error() string   { return "permanent remote error: " + e.Err.Error() }

func (e *TransientNetworkError) Unwrap() error { return e.Err }
func (e *RemoteBusyError) Unwrap() error       { return e.Err }
func (e *AuthRequiredError) Unwrap() error     { return e.Err }
func (e *NotFoundError) Unwrap() error         { return e.Err }
func (e *PermanentRemoteError) Unwrap() error  { return e.Err }

// Driver is the capability-set contract consumed by the Worker.
type Driver interface {
	// CreateScan sends targets, name, policy template, and credentials (if
	// any) to the remote scanner and returns its opaque scan handle.
	CreateScan(ctx context.Context, req CreateScanRequest) (remoteScanID string, err error)
	// LaunchScan starts a created scan running.
	LaunchScan(ctx context.Context, remoteScanID string) error
	// GetStatus polls the remote scan's current lifecycle state.
	GetStatus(ctx context.Context, remoteScanID string) (StatusResult, error)
	// ExportArtifact blocks (request -> poll -> download) until the native
	// export is ready, bounded by an internal timeout, and returns its bytes.
	ExportArtifact(ctx context.Context, remoteScanID string) ([]byte, error)
	// StopScan is a best-effort request to halt a running scan.
	StopScan(ctx context.Context, remoteScanID string) error
	// DeleteScan is a best-effort request to remove the remote scan record.
	DeleteScan(ctx context.Context, remoteScanID string) error
}
