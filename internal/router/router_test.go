// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package router

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	orchconfig "github.com/nessusapi/orchestrator/internal/config"
	"github.com/nessusapi/orchestrator/internal/handler"
	"github.com/nessusapi/orchestrator/internal/idempotency"
	"github.com/nessusapi/orchestrator/internal/model"
	"github.com/nessusapi/orchestrator/internal/queue"
	"github.com/nessusapi/orchestrator/internal/registry"
	"github.com/nessusapi/orchestrator/internal/service"
	"github.com/nessusapi/orchestrator/internal/store"
)

func newTestRouter(t *testing.T) *Router {
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
		"default": {{Pool: "default", InstanceID: "scanner-1", MaxConcurrent: 2, Enabled: true}},
	}, []string{"default"}); err != nil {
		t.Fatalf("reg.Reload: %v", err)
	}
	svc := service.New(st, queue.New(rdb), idempotency.New(rdb), reg)

	scanHandler := handler.NewScanHandler(svc)
	sessions := service.NewSessionService(time.Hour)
	authHandler, err := handler.NewAuthHandler(&orchconfig.OIDCConfig{Enabled: false}, sessions)
	if err != nil {
		t.Fatalf("NewAuthHandler: %v", err)
	}

	return New(scanHandler, authHandler, sessions)
}

func TestHealthzIsPublic(t *testing.T) {
	r := newTestRouter(t)
	engine := r.Setup(&orchconfig.Config{CORS: orchconfig.CORSConfig{AllowedOrigins: []string{"*"}}})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestListPoolsRoute(t *testing.T) {
	r := newTestRouter(t)
	engine := r.Setup(&orchconfig.Config{CORS: orchconfig.CORSConfig{AllowedOrigins: []string{"*"}}})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/pools", nil)
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}
