// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package handler

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2"

	"github.com/nessusapi/orchestrator/internal/config"
	"github.com/nessusapi/orchestrator/internal/pkg/logger"
	"github.com/nessusapi/orchestrator/internal/service"
)

// AuthHandler handles OIDC authentication for the admin HTTP surface.
type AuthHandler struct {
	config         *config.OIDCConfig
	sessionService *service.SessionService
	provider       *oidc.Provider
	oauth2Config   *oauth2.Config
}

// NewAuthHandler creates a new auth handler. When cfg.Enabled is false the
// handler is returned uninitialized and every endpoint reports OIDC as
// unavailable rather than erroring.
func NewAuthHandler(cfg *config.OIDCConfig, sessionService *service.SessionService) (*AuthHandler, error) {
	if !cfg.Enabled {
		return &AuthHandler{config: cfg, sessionService: sessionService}, nil
	}

	ctx := context.Background()
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, err
	}

	oauth2Config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint:     provider.Endpoint(),
		Scopes:       []string{oidc.ScopeOpenID, "profile", "email", "groups"},
	}

	return &AuthHandler{
		config:         cfg,
		sessionService: sessionService,
		provider:       provider,
		oauth2Config:   oauth2Config,
	}, nil
}

// Login redirects to the OIDC provider for authentication.
func (h *AuthHandler) Login(c *gin.Context) {
	if !h.config.Enabled {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "OIDC authentication is not enabled"})
		return
	}

	state, err := generateState()
	if err != nil {
		logger.Errorf("failed to generate oauth state", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate state"})
		return
	}

	c.SetCookie("oauth_state", state, 600, "/", "", true, true)
	c.Redirect(http.StatusFound, h.oauth2Config.AuthCodeURL(state))
}

// Callback handles the OIDC authorization code redirect.
func (h *AuthHandler) Callback(c *gin.Context) {
	if !h.config.Enabled {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "OIDC authentication is not enabled"})
		return
	}

	stateCookie, err := c.Cookie("oauth_state")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing state cookie"})
		return
	}
	if state := c.Query("state"); state != stateCookie {
		c.JSON(http.StatusBadRequest, gin.H{"error": "state mismatch"})
		return
	}
	c.SetCookie("oauth_state", "", -1, "/", "", true, true)

	ctx := context.Background()
	oauth2Token, err := h.oauth2Config.Exchange(ctx, c.Query("code"))
	if err != nil {
		logger.Errorf("failed to exchange oauth code", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to exchange token"})
		return
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		logger.Error("oauth token response carried no id_token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "no id_token"})
		return
	}

	verifier := h.provider.Verifier(&oidc.Config{ClientID: h.config.ClientID})
	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		logger.Errorf("failed to verify id_token", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify token"})
		return
	}

	var claims struct {
		Sub    string   `json:"sub"`
		Email  string   `json:"email"`
		Groups []string `json:"groups"`
	}
	if err := idToken.Claims(&claims); err != nil {
		logger.Errorf("failed to extract id_token claims", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to extract claims"})
		return
	}

	sessionID, err := h.sessionService.CreateSession(claims.Sub, claims.Email, claims.Groups)
	if err != nil {
		logger.Errorf("failed to create session", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}

	c.SetCookie("session", sessionID, 86400*7, "/", "", true, true)
	logger.Info("operator authenticated: " + claims.Email)
	c.Redirect(http.StatusFound, "/")
}

// Logout clears the caller's session.
func (h *AuthHandler) Logout(c *gin.Context) {
	if sessionCookie, err := c.Cookie("session"); err == nil && sessionCookie != "" {
		h.sessionService.DeleteSession(sessionCookie)
	}
	c.SetCookie("session", "", -1, "/", "", true, true)
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// UserInfo returns the caller's authentication state.
func (h *AuthHandler) UserInfo(c *gin.Context) {
	if !h.config.Enabled {
		c.JSON(http.StatusOK, gin.H{"authenticated": false, "oidc_enabled": false})
		return
	}

	sessionCookie, err := c.Cookie("session")
	if err != nil || sessionCookie == "" {
		c.JSON(http.StatusOK, gin.H{"authenticated": false, "oidc_enabled": true})
		return
	}

	session, exists := h.sessionService.GetSessionInfo(sessionCookie)
	if !exists {
		c.JSON(http.StatusOK, gin.H{"authenticated": false, "oidc_enabled": true})
		return
	}

	isAdmin := false
	for _, group := range session.Groups {
		if group == "ADMIN" {
			isAdmin = true
			break
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"authenticated": true,
		"oidc_enabled":  true,
		"user_id":       session.UserID,
		"email":         session.Email,
		"groups":        session.Groups,
		"is_admin":      isAdmin,
	})
}

// generateState generates a random state string for CSRF protection.
func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
