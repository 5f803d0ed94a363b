// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package idempotency implements the short-TTL idempotency key index on
// Redis: SETNX-style set-if-absent keyed by the client's idempotency_key,
// storing the resulting task_id and a fingerprint of the canonicalized
// request used to detect key reuse with different inputs.
package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/nessusapi/orchestrator/internal/pkg/errors"
	"github.com/nessusapi/orchestrator/internal/model"
)

// DefaultTTL is the 48h entry lifetime from spec §3.
const DefaultTTL = 48 * time.Hour

func key(idempotencyKey string) string {
	return "idempotency:" + idempotencyKey
}

// Index is the Redis-backed idempotency index.
type Index struct {
	rdb *redis.Client
	ttl time.Duration
}

// New wraps an existing Redis client with the default TTL.
func New(rdb *redis.Client) *Index {
	return &Index{rdb: rdb, ttl: DefaultTTL}
}

// WithTTL overrides the entry TTL (used by tests).
func (i *Index) WithTTL(ttl time.Duration) *Index {
	i.ttl = ttl
	return i
}

// Outcome is the result of Apply.
type Outcome struct {
	// ExistingTaskID is non-empty when the key was already bound to a task
	// with a matching fingerprint: the caller must return this task_id
	// and not enqueue a new one.
	ExistingTaskID string
	// Stored is true when this call newly claimed the key.
	Stored bool
}

// Apply implements the four-way semantics of spec §4.3:
//  1. key == "" -> submission proceeds without dedup (Stored=false, no error).
//  2. key present, no entry -> atomically store (key -> taskID, fingerprint); proceed.
//  3. key present, entry exists, fingerprint matches -> return existing task_id.
//  4. key present, entry exists, fingerprint differs -> ErrIdempotencyClash.
func (i *Index) Apply(ctx context.Context, idempotencyKey, taskID, fingerprint string) (Outcome, error) {
	if idempotencyKey == "" {
		return Outcome{}, nil
	}

	entry := model.IdempotencyEntry{TaskID: taskID, RequestFingerprint: fingerprint}
	data, err := json.Marshal(entry)
	if err != nil {
		return Outcome{}, apperrors.WrapInternal(err, "marshal idempotency entry")
	}

	set, err := i.rdb.SetNX(ctx, key(idempotencyKey), data, i.ttl).Result()
	if err != nil {
		return Outcome{}, apperrors.WrapInternal(err, "idempotency setnx")
	}
	if set {
		return Outcome{Stored: true}, nil
	}

	raw, err := i.rdb.Get(ctx, key(idempotencyKey)).Result()
	if err == redis.Nil {
		// TTL raced out between SetNX and Get; retry the claim once.
		if err := i.rdb.Set(ctx, key(idempotencyKey), data, i.ttl).Err(); err != nil {
			return Outcome{}, apperrors.WrapInternal(err, "idempotency set retry")
		}
		return Outcome{Stored: true}, nil
	}
	if err != nil {
		return Outcome{}, apperrors.WrapInternal(err, "idempotency get")
	}

	var existing model.IdempotencyEntry
	if err := json.Unmarshal([]byte(raw), &existing); err != nil {
		return Outcome{}, apperrors.WrapInternal(err, "unmarshal idempotency entry")
	}

	if existing.RequestFingerprint == fingerprint {
		return Outcome{ExistingTaskID: existing.TaskID}, nil
	}
	return Outcome{}, apperrors.Wrap(nil, apperrors.ErrIdempotencyClash.Code,
		"idempotency key already used with a different request", apperrors.ErrIdempotencyClash.StatusCode)
}
