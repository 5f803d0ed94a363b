// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nessusapi/orchestrator/internal/pkg/logger"
)

// NessusConfig configures a NessusDriver instance.
type NessusConfig struct {
	Endpoint          string
	Username          string
	Password          string
	HTTPTimeout       time.Duration // per-call timeout, default 30s
	ExportTimeout     time.Duration // export polling timeout, default 5m
	ExportPollInterval time.Duration // export status poll interval, default 2s
	MaxRetries        int           // bounded retries for TransientNetwork, default 3
}

// NessusDriver implements Driver against the Nessus REST v1 API:
// /session, /scans, /scans/{id}/launch, /scans/{id}, /scans/{id}/export,
// /scans/{id}/export/{file}/status, /scans/{id}/export/{file}/download,
// /scans/{id}/stop, and DELETE /scans/{id}.
// Session token is carried via the X-Cookie header and re-acquired
// transparently on 401/403.
type NessusDriver struct {
	cfg NessusConfig
	hc  *http.Client

	mu    sync.Mutex
	token string
}

// NewNessusDriver creates a driver against cfg.Endpoint. Does not
// authenticate eagerly; the first call acquires a session token lazily.
func NewNessusDriver(cfg NessusConfig) *NessusDriver {
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.ExportTimeout == 0 {
		cfg.ExportTimeout = 5 * time.Minute
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ExportPollInterval == 0 {
		cfg.ExportPollInterval = 2 * time.Second
	}
	return &NessusDriver{
		cfg: cfg,
		hc:  &http.Client{Timeout: cfg.HTTPTimeout},
	}
}

// sessionToken returns the current token, authenticating if necessary.
func (d *NessusDriver) sessionToken(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.token != "" {
		return d.token, nil
	}
	return d.authenticateLocked(ctx)
}

func (d *NessusDriver) authenticateLocked(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"username": d.cfg.Username,
		"password": d.cfg.Password,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.Endpoint+"/session", bytes.NewReader(body))
	if err != nil {
		return "", &TransientNetworkError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.hc.Do(req)
	if err != nil {
		return "", &TransientNetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", &AuthRequiredError{Err: fmt.Errorf("authentication rejected with status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 500 {
		return "", &RemoteBusyError{Err: fmt.Errorf("scanner returned status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return "", &PermanentRemoteError{Err: fmt.Errorf("scanner returned status %d", resp.StatusCode)}
	}

	var parsed struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &PermanentRemoteError{Err: fmt.Errorf("decode session response: %w", err)}
	}

	d.token = parsed.Token
	return d.token, nil
}

// invalidateToken forces the next call to re-authenticate.
func (d *NessusDriver) invalidateToken() {
	d.mu.Lock()
	d.token = ""
	d.mu.Unlock()
}

// doWithAuth performs one request, retrying once after re-authenticating if
// the remote responds 401/403.
func (d *NessusDriver) doWithAuth(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = io.ReadAll(body)
		if err != nil {
			return nil, &TransientNetworkError{Err: err}
		}
	}

	attempt := func() (*http.Response, error) {
		token, err := d.sessionToken(ctx)
		if err != nil {
			return nil, err
		}

		var reqBody io.Reader
		if bodyBytes != nil {
			reqBody = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, d.cfg.Endpoint+path, reqBody)
		if err != nil {
			return nil, &TransientNetworkError{Err: err}
		}
		req.Header.Set("X-Cookie", "token="+token)
		if reqBody != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := d.hc.Do(req)
		if err != nil {
			return nil, &TransientNetworkError{Err: err}
		}
		return resp, nil
	}

	resp, err := attempt()
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		d.invalidateToken()
		resp, err = attempt()
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// doWithRetry wraps doWithAuth with bounded exponential backoff for
// TransientNetworkError, per spec §5's "bounded retries" policy.
func (d *NessusDriver) doWithRetry(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		resp, err := d.doWithAuth(ctx, method, path, reader)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		var transient *TransientNetworkError
		if !isTransient(err, &transient) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
	return nil, lastErr
}

func isTransient(err error, target **TransientNetworkError) bool {
	te, ok := err.(*TransientNetworkError)
	if ok {
		*target = te
	}
	return ok
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * 200 * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{Err: fmt.Errorf("scan not found")}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RemoteBusyError{Err: fmt.Errorf("rate limited")}
	case resp.StatusCode >= 500:
		return &RemoteBusyError{Err: fmt.Errorf("scanner returned status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return &PermanentRemoteError{Err: fmt.Errorf("scanner returned status %d", resp.StatusCode)}
	default:
		return nil
	}
}

// CreateScan implements Driver.
func (d *NessusDriver) CreateScan(ctx context.Context, req CreateScanRequest) (string, error) {
	payload := map[string]interface{}{
		"uuid": "basic-network-scan",
		"settings": map[string]interface{}{
			"name":        req.Name,
			"description": req.Description,
			"text_targets": req.Targets,
		},
	}
	if req.Credentials != nil {
		payload["credentials"] = map[string]interface{}{
			"kind":     req.Credentials.Kind,
			"username": req.Credentials.Username,
			// password/escalation fields are read exactly once here;
			// the caller wipes its copy immediately after this returns.
			"password":            req.Credentials.Password,
			"escalation_method":   req.Credentials.EscalationMethod,
			"escalation_account":  req.Credentials.EscalationAccount,
			"escalation_password": req.Credentials.EscalationPassword,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", &PermanentRemoteError{Err: err}
	}

	resp, err := d.doWithRetry(ctx, http.MethodPost, "/scans", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp); err != nil {
		return "", err
	}

	var parsed struct {
		Scan struct {
			ID int `json:"id"`
		} `json:"scan"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &PermanentRemoteError{Err: fmt.Errorf("decode create response: %w", err)}
	}
	return strconv.Itoa(parsed.Scan.ID), nil
}

// LaunchScan implements Driver.
func (d *NessusDriver) LaunchScan(ctx context.Context, remoteScanID string) error {
	resp, err := d.doWithRetry(ctx, http.MethodPost, "/scans/"+remoteScanID+"/launch", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return classifyStatus(resp)
}

// GetStatus implements Driver.
func (d *NessusDriver) GetStatus(ctx context.Context, remoteScanID string) (StatusResult, error) {
	resp, err := d.doWithRetry(ctx, http.MethodGet, "/scans/"+remoteScanID, nil)
	if err != nil {
		return StatusResult{}, err
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp); err != nil {
		return StatusResult{}, err
	}

	var parsed struct {
		Info struct {
			Status   string `json:"status"`
			Progress int    `json:"progress"`
		} `json:"info"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return StatusResult{}, &PermanentRemoteError{Err: fmt.Errorf("decode status response: %w", err)}
	}
	return StatusResult{State: RemoteState(parsed.Info.Status), Progress: parsed.Info.Progress}, nil
}

// ExportArtifact implements Driver: request -> poll -> download, bounded by
// cfg.ExportTimeout.
func (d *NessusDriver) ExportArtifact(ctx context.Context, remoteScanID string) ([]byte, error) {
	reqBody, _ := json.Marshal(map[string]string{"format": "nessus"})
	resp, err := d.doWithRetry(ctx, http.MethodPost, "/scans/"+remoteScanID+"/export", reqBody)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var created struct {
		File int `json:"file"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, &PermanentRemoteError{Err: fmt.Errorf("decode export response: %w", err)}
	}
	fileID := strconv.Itoa(created.File)

	deadline := time.Now().Add(d.cfg.ExportTimeout)
	for {
		if time.Now().After(deadline) {
			return nil, &PermanentRemoteError{Err: fmt.Errorf("export did not become ready within %s", d.cfg.ExportTimeout)}
		}

		statusResp, err := d.doWithRetry(ctx, http.MethodGet, "/scans/"+remoteScanID+"/export/"+fileID+"/status", nil)
		if err != nil {
			return nil, err
		}
		var status struct {
			Status string `json:"status"`
		}
		decodeErr := json.NewDecoder(statusResp.Body).Decode(&status)
		statusResp.Body.Close()
		if decodeErr != nil {
			return nil, &PermanentRemoteError{Err: fmt.Errorf("decode export status: %w", decodeErr)}
		}
		if status.Status == "ready" {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.cfg.ExportPollInterval):
		}
	}

	dlResp, err := d.doWithRetry(ctx, http.MethodGet, "/scans/"+remoteScanID+"/export/"+fileID+"/download", nil)
	if err != nil {
		return nil, err
	}
	defer dlResp.Body.Close()
	if err := classifyStatus(dlResp); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(dlResp.Body)
	if err != nil {
		return nil, &TransientNetworkError{Err: err}
	}
	return data, nil
}

// StopScan implements Driver. Best-effort: errors are logged, not returned,
// matching spec §4.5/§5's "best-effort" language for this call.
func (d *NessusDriver) StopScan(ctx context.Context, remoteScanID string) error {
	resp, err := d.doWithRetry(ctx, http.MethodPost, "/scans/"+remoteScanID+"/stop", nil)
	if err != nil {
		logger.Errorf("best-effort StopScan failed", err)
		return nil
	}
	resp.Body.Close()
	return nil
}

// DeleteScan implements Driver. Best-effort, mirrors StopScan.
func (d *NessusDriver) DeleteScan(ctx context.Context, remoteScanID string) error {
	resp, err := d.doWithRetry(ctx, http.MethodDelete, "/scans/"+remoteScanID, nil)
	if err != nil {
		logger.Errorf("best-effort DeleteScan failed", err)
		return nil
	}
	resp.Body.Close()
	return nil
}
