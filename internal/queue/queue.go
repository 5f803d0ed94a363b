// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package queue implements pool-scoped FIFO work queues and per-pool
// dead-letter sets on Redis. Enqueue pushes to a list (queue:<pool>);
// DequeueAny blocks across pools using BLMove so it never busy-polls;
// MoveToDLQ moves an entry into a sorted set keyed by failure timestamp.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/nessusapi/orchestrator/internal/pkg/errors"
	"github.com/nessusapi/orchestrator/internal/model"
)

const processingQueueName = "processing"

func queueKey(pool string) string { return fmt.Sprintf("queue:{%s}", pool) }
func dlqKey(pool string) string   { return fmt.Sprintf("dlq:{%s}", pool) }

// Queue is the Redis-backed implementation of the pool queue + DLQ contract.
type Queue struct {
	rdb *redis.Client
}

// New wraps an existing Redis client.
func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// Enqueue appends entry to the tail of pool's queue. O(1), never rejects.
func (q *Queue) Enqueue(ctx context.Context, pool string, entry model.QueueEntry) error {
	entry.ScannerPool = pool
	if entry.EnqueuedAt == 0 {
		entry.EnqueuedAt = time.Now().UnixNano()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return apperrors.WrapInternal(err, "marshal queue entry")
	}
	if err := q.rdb.RPush(ctx, queueKey(pool), data).Err(); err != nil {
		return apperrors.WrapInternal(err, "enqueue")
	}
	return nil
}

// DequeueAny blocks up to timeout and returns the head of the first
// non-empty queue among pools, checked in argument order. Returns
// (nil, false, nil) on timeout with no error. Never busy-polls: it relies on
// Redis's blocking BLMove primitive.
func (q *Queue) DequeueAny(ctx context.Context, pools []string, timeout time.Duration) (*model.QueueEntry, bool, error) {
	if len(pools) == 0 {
		return nil, false, nil
	}

	// Redis has no native "block across N source keys" primitive for
	// lists beyond BLPOP; BLMove only takes one source. We therefore poll
	// each pool with a short per-pool blocking window so the overall call
	// still blocks (never busy-polls in the sense of a tight unblocked
	// loop) while preserving argument-order priority across pools.
	perPool := timeout / time.Duration(len(pools))
	if perPool <= 0 {
		perPool = 100 * time.Millisecond
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, pool := range pools {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, false, nil
			}
			window := perPool
			if window > remaining {
				window = remaining
			}
			result, err := q.rdb.BLMove(ctx, queueKey(pool), processingKey(pool), "LEFT", "RIGHT", window).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return nil, false, ctx.Err()
				}
				return nil, false, apperrors.WrapInternal(err, "dequeue")
			}

			var entry model.QueueEntry
			if err := json.Unmarshal([]byte(result), &entry); err != nil {
				return nil, false, apperrors.WrapInternal(err, "unmarshal queue entry")
			}
			// Processing list is a crash-recovery breadcrumb only; the
			// Worker's own TransitionState is authoritative, so remove it
			// immediately once the entry is safely in hand.
			q.rdb.LRem(ctx, processingKey(pool), 1, result)
			return &entry, true, nil
		}
	}
	return nil, false, nil
}

func processingKey(pool string) string {
	return fmt.Sprintf("%s:%s", processingQueueName, pool)
}

// Depth returns the number of entries waiting in pool's queue.
func (q *Queue) Depth(ctx context.Context, pool string) (int, error) {
	n, err := q.rdb.LLen(ctx, queueKey(pool)).Result()
	if err != nil {
		return 0, apperrors.WrapInternal(err, "queue depth")
	}
	return int(n), nil
}

// MoveToDLQ atomically records entry (with its failure) into pool's DLQ,
// sorted by failure timestamp, most recent first (achieved by negating the
// score so ZRANGE ascending yields recent-first).
func (q *Queue) MoveToDLQ(ctx context.Context, pool string, entry model.QueueEntry, failureErr string) error {
	dlqEntry := model.DLQEntry{
		QueueEntry:       entry,
		ErrorMessage:     failureErr,
		FailureTimestamp: time.Now().UnixNano(),
	}
	data, err := json.Marshal(dlqEntry)
	if err != nil {
		return apperrors.WrapInternal(err, "marshal dlq entry")
	}
	score := -float64(dlqEntry.FailureTimestamp)
	if err := q.rdb.ZAdd(ctx, dlqKey(pool), redis.Z{Score: score, Member: data}).Err(); err != nil {
		return apperrors.WrapInternal(err, "move to dlq")
	}
	return nil
}

// PeekDLQ returns up to limit most-recent DLQ entries for pool.
func (q *Queue) PeekDLQ(ctx context.Context, pool string, limit int) ([]model.DLQEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	raw, err := q.rdb.ZRange(ctx, dlqKey(pool), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, apperrors.WrapInternal(err, "peek dlq")
	}
	out := make([]model.DLQEntry, 0, len(raw))
	for _, r := range raw {
		var e model.DLQEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// RemoveFromDLQ removes the DLQ member for taskID from pool's DLQ.
func (q *Queue) RemoveFromDLQ(ctx context.Context, pool, taskID string) error {
	raw, err := q.rdb.ZRange(ctx, dlqKey(pool), 0, -1).Result()
	if err != nil {
		return apperrors.WrapInternal(err, "remove from dlq")
	}
	for _, r := range raw {
		var e model.DLQEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil || e.TaskID != taskID {
			continue
		}
		if err := q.rdb.ZRem(ctx, dlqKey(pool), r).Err(); err != nil {
			return apperrors.WrapInternal(err, "remove from dlq")
		}
		return nil
	}
	return nil
}

// ClearDLQ removes entries from pool's DLQ with FailureTimestamp before the
// given cutoff (unix nanoseconds). A zero cutoff clears the entire DLQ.
func (q *Queue) ClearDLQ(ctx context.Context, pool string, before int64) error {
	if before == 0 {
		if err := q.rdb.Del(ctx, dlqKey(pool)).Err(); err != nil {
			return apperrors.WrapInternal(err, "clear dlq")
		}
		return nil
	}
	// Scores are negated failure timestamps; "before cutoff" means score
	// strictly greater than -cutoff.
	if err := q.rdb.ZRemRangeByScore(ctx, dlqKey(pool), fmt.Sprintf("(%d", -before), "+inf").Err(); err != nil {
		return apperrors.WrapInternal(err, "clear dlq range")
	}
	return nil
}

// DLQDepth returns the number of entries in pool's DLQ.
func (q *Queue) DLQDepth(ctx context.Context, pool string) (int, error) {
	n, err := q.rdb.ZCard(ctx, dlqKey(pool)).Result()
	if err != nil {
		return 0, apperrors.WrapInternal(err, "dlq depth")
	}
	return int(n), nil
}
