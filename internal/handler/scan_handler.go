// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package handler provides HTTP request handlers for the admin surface.
package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nessusapi/orchestrator/internal/model"
	apperrors "github.com/nessusapi/orchestrator/internal/pkg/errors"
	"github.com/nessusapi/orchestrator/internal/pkg/logger"
	"github.com/nessusapi/orchestrator/internal/results"
	"github.com/nessusapi/orchestrator/internal/service"
)

// ScanHandler exposes the Submission Frontend and Results View over HTTP,
// for operators who prefer a browser/curl surface over the tool-calling
// surface exposed by cmd/mcpserver.
type ScanHandler struct {
	svc *service.Service
}

// NewScanHandler creates a new scan handler instance.
func NewScanHandler(svc *service.Service) *ScanHandler {
	return &ScanHandler{svc: svc}
}

// createScanRequest is the wire shape accepted by CreateScan.
type createScanRequest struct {
	ScanType       model.ScanType     `json:"scan_type" binding:"required"`
	Targets        string             `json:"targets" binding:"required"`
	Name           string             `json:"name" binding:"required"`
	Description    string             `json:"description"`
	SchemaProfile  string             `json:"schema_profile"`
	ScannerPool    string             `json:"scanner_pool"`
	Credentials    *model.Credentials `json:"credentials"`
	IdempotencyKey string             `json:"idempotency_key"`
}

// writeError maps an AppError to its HTTP status and a stable error body;
// any other error is treated as an unclassified internal error.
func writeError(c *gin.Context, err error) {
	if ae, ok := apperrors.IsAppError(err); ok {
		c.JSON(ae.StatusCode, gin.H{"code": ae.Code, "message": ae.Message})
		return
	}
	logger.Errorf("unclassified handler error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "message": "internal server error"})
}

// CreateScan handles POST /api/v1/scans - submit a new scan task.
func (h *ScanHandler) CreateScan(c *gin.Context) {
	var req createScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.WrapInvalidInput(err, "invalid request body"))
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	resp, err := h.svc.CreateScan(c.Request.Context(), service.CreateScanRequest{
		ScanType:       req.ScanType,
		Targets:        req.Targets,
		Name:           req.Name,
		Description:    req.Description,
		SchemaProfile:  req.SchemaProfile,
		ScannerPool:    req.ScannerPool,
		Credentials:    req.Credentials,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

// GetScan handles GET /api/v1/scans/:id - scan status, with troubleshooting
// hints attached when the failure has a credential root cause.
func (h *ScanHandler) GetScan(c *gin.Context) {
	resp, err := h.svc.GetScanStatus(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetScanResults handles GET /api/v1/scans/:id/results - the Results View,
// rendered as newline-delimited JSON.
func (h *ScanHandler) GetScanResults(c *gin.Context) {
	req := results.Request{
		SchemaProfile: results.Profile(c.Query("schema_profile")),
	}
	if cf := c.QueryArray("custom_fields"); len(cf) > 0 {
		req.CustomFields = cf
	}
	if p := c.Query("page"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			req.Page = n
		}
	}
	if ps := c.Query("page_size"); ps != "" {
		if n, err := strconv.Atoi(ps); err == nil {
			req.PageSize = n
		}
	}
	if filters := c.QueryMap("filter"); len(filters) > 0 {
		req.Filters = make(results.Filters, len(filters))
		for k, v := range filters {
			req.Filters[k] = v
		}
	}

	lines, err := h.svc.GetScanResults(c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	for _, line := range lines {
		c.Writer.WriteString(line)
		c.Writer.WriteString("\n")
	}
}

// ListScans handles GET /api/v1/scans - filtered task listing.
func (h *ScanHandler) ListScans(c *gin.Context) {
	req := service.ListTasksRequest{
		Status:       model.Status(c.Query("status")),
		Pool:         c.Query("scanner_pool"),
		TargetFilter: c.Query("target"),
	}
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			req.Limit = n
		}
	}

	tasks, err := h.svc.ListTasks(req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// ListScanners handles GET /api/v1/scanners - scanner instance inventory,
// optionally filtered to one pool.
func (h *ScanHandler) ListScanners(c *gin.Context) {
	instances, err := h.svc.ListScanners(c.Query("pool"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scanners": instances})
}

// ListPools handles GET /api/v1/pools - declared scanner pool names.
func (h *ScanHandler) ListPools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pools": h.svc.ListPools()})
}

// GetPoolStatus handles GET /api/v1/pools/:pool/status.
func (h *ScanHandler) GetPoolStatus(c *gin.Context) {
	status, err := h.svc.GetPoolStatus(c.Param("pool"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetQueueStatus handles GET /api/v1/queue/:pool/status.
func (h *ScanHandler) GetQueueStatus(c *gin.Context) {
	status, err := h.svc.GetQueueStatus(c.Request.Context(), c.Param("pool"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetDLQ handles GET /api/v1/queue/:pool/dlq - dead-lettered entries pending
// operator triage.
func (h *ScanHandler) GetDLQ(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}
	entries, err := h.svc.PeekDLQ(c.Request.Context(), c.Param("pool"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
