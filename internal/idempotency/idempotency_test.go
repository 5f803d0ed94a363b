// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package idempotency

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/nessusapi/orchestrator/internal/pkg/errors"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return New(rdb)
}

func TestApplyNoKeyProceedsWithoutDedup(t *testing.T) {
	idx := newTestIndex(t)
	outcome, err := idx.Apply(context.Background(), "", "task-1", "fp-1")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if outcome.Stored || outcome.ExistingTaskID != "" {
		t.Errorf("expected no-op outcome, got %+v", outcome)
	}
}

func TestApplyFirstClaimStores(t *testing.T) {
	idx := newTestIndex(t)
	outcome, err := idx.Apply(context.Background(), "k1", "task-1", "fp-1")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !outcome.Stored {
		t.Error("expected first claim to store the key")
	}
}

func TestApplyMatchingFingerprintReturnsExistingTask(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	if _, err := idx.Apply(ctx, "k1", "task-1", "fp-1"); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	outcome, err := idx.Apply(ctx, "k1", "task-2", "fp-1")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if outcome.ExistingTaskID != "task-1" {
		t.Errorf("expected existing task-1 to be returned, got %+v", outcome)
	}
}

func TestApplyDifferingFingerprintConflicts(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	if _, err := idx.Apply(ctx, "k1", "task-1", "fp-1"); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	_, err := idx.Apply(ctx, "k1", "task-2", "fp-2")
	if err == nil {
		t.Fatal("expected conflict error for differing fingerprint")
	}
	ae, ok := apperrors.IsAppError(err)
	if !ok || ae.Code != "IDEMPOTENCY_CLASH" {
		t.Errorf("expected IDEMPOTENCY_CLASH, got %v", err)
	}
}
