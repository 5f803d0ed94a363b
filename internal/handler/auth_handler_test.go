// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nessusapi/orchestrator/internal/config"
	"github.com/nessusapi/orchestrator/internal/service"
)

func newDisabledAuthHandler(t *testing.T) *AuthHandler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	sessions := service.NewSessionService(24 * time.Hour)
	h, err := NewAuthHandler(&config.OIDCConfig{Enabled: false}, sessions)
	if err != nil {
		t.Fatalf("NewAuthHandler: %v", err)
	}
	return h
}

func TestLoginReportsUnavailableWhenOIDCDisabled(t *testing.T) {
	h := newDisabledAuthHandler(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/v1/auth/login", nil)

	h.Login(c)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestUserInfoReportsDisabledWhenOIDCDisabled(t *testing.T) {
	h := newDisabledAuthHandler(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/v1/auth/userinfo", nil)

	h.UserInfo(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestLogoutClearsSessionCookie(t *testing.T) {
	h := newDisabledAuthHandler(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)

	h.Logout(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	for _, ck := range w.Result().Cookies() {
		if ck.Name == "session" && ck.MaxAge >= 0 {
			t.Errorf("expected session cookie to be cleared, got MaxAge=%d", ck.MaxAge)
		}
	}
}
