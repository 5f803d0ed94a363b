// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package registry implements the Scanner Registry: an in-memory,
// hot-reloadable catalog of scanner instances grouped by pool, with
// least-utilized+LRU instance selection and atomic in-flight counters.
package registry

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/a8m/envsubst"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	apperrors "github.com/nessusapi/orchestrator/internal/pkg/errors"
	"github.com/nessusapi/orchestrator/internal/model"
	"github.com/nessusapi/orchestrator/internal/pkg/logger"
)

// Registry is the in-memory scanner pool catalog.
type Registry struct {
	mu    sync.RWMutex
	pools map[string][]*model.ScannerInstance
	order []string // declaration order, for DefaultPool()

	acquireSeq int64 // monotonic counter backing LRU tie-break

	shared *SharedCounterSync // optional, mirrors in_flight across processes
}

// New creates an empty registry. Call LoadFile (or Reload) before use.
func New() *Registry {
	return &Registry{pools: make(map[string][]*model.ScannerInstance)}
}

// AttachSharedSync wires a cross-process in_flight mirror into the
// registry. When set, Acquire/Release mirror their counter changes into
// Redis alongside the process-local counter they already maintain.
func (r *Registry) AttachSharedSync(s *SharedCounterSync) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shared = s
}

// rawInstance mirrors the YAML shape of spec §6's pool map.
type rawInstance struct {
	InstanceID    string `yaml:"instance_id"`
	Name          string `yaml:"name"`
	Endpoint      string `yaml:"endpoint"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	MaxConcurrent *int   `yaml:"max_concurrent"`
	Enabled       *bool  `yaml:"enabled"`
}

// LoadFile reads path, applies ${NAME}/${NAME:-default} env interpolation,
// and replaces the registry's instance set via Reload.
func (r *Registry) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return apperrors.WrapInternal(err, "read registry file")
	}

	expanded, err := envsubst.String(string(raw))
	if err != nil {
		return apperrors.WrapInternal(err, "interpolate registry file")
	}

	var parsed map[string][]rawInstance
	if err := yaml.Unmarshal([]byte(expanded), &parsed); err != nil {
		return apperrors.WrapInternal(err, "parse registry file")
	}

	// A second parse as a node tree recovers the pools' declaration order,
	// which the map above does not keep.
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(expanded), &doc); err != nil {
		return apperrors.WrapInternal(err, "parse registry file")
	}
	order := make([]string, 0, len(parsed))
	if len(doc.Content) > 0 {
		top := doc.Content[0]
		for i := 0; i+1 < len(top.Content); i += 2 {
			order = append(order, top.Content[i].Value)
		}
	}

	next := make(map[string][]*model.ScannerInstance, len(parsed))
	for pool, instances := range parsed {
		list := make([]*model.ScannerInstance, 0, len(instances))
		for _, in := range instances {
			maxConcurrent := 2
			if in.MaxConcurrent != nil {
				maxConcurrent = *in.MaxConcurrent
			}
			enabled := true
			if in.Enabled != nil {
				enabled = *in.Enabled
			}
			list = append(list, &model.ScannerInstance{
				Pool:          pool,
				InstanceID:    in.InstanceID,
				DisplayName:   in.Name,
				Endpoint:      in.Endpoint,
				Username:      in.Username,
				Password:      in.Password,
				MaxConcurrent: maxConcurrent,
				Enabled:       enabled,
			})
		}
		next[pool] = list
	}

	return r.Reload(next, order)
}

// Reload replaces the instance set atomically. In-flight counters for
// instances that survive (same pool+instance_id) are preserved.
func (r *Registry) Reload(next map[string][]*model.ScannerInstance, order []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for pool, instances := range next {
		for _, inst := range instances {
			if prev := r.findLocked(pool, inst.InstanceID); prev != nil {
				inst.InFlight = prev.InFlight
				inst.SetLastAcquiredSeq(prev.LastAcquiredSeq())
			}
		}
	}

	r.pools = next
	r.order = order
	return nil
}

func (r *Registry) findLocked(pool, instanceID string) *model.ScannerInstance {
	for _, inst := range r.pools[pool] {
		if inst.InstanceID == instanceID {
			return inst
		}
	}
	return nil
}

// ListPools returns declared pool names in a stable order.
func (r *Registry) ListPools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// DefaultPool returns the first declared pool.
func (r *Registry) DefaultPool() (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return "", apperrors.ErrPoolNotFound
	}
	return r.order[0], nil
}

// ListInstances returns a snapshot copy of pool's instances.
func (r *Registry) ListInstances(pool string) ([]*model.ScannerInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	instances, ok := r.pools[pool]
	if !ok {
		return nil, apperrors.ErrPoolNotFound
	}
	out := make([]*model.ScannerInstance, len(instances))
	copy(out, instances)
	return out, nil
}

// PoolStatus returns the aggregate view of pool.
func (r *Registry) PoolStatus(pool string) (*model.PoolStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instances, ok := r.pools[pool]
	if !ok {
		return nil, apperrors.ErrPoolNotFound
	}

	status := &model.PoolStatus{Pool: pool, ScannerCount: len(instances)}
	for _, inst := range instances {
		status.MaxConcurrent += inst.MaxConcurrent
		status.InFlight += inst.InFlight
		status.Instances = append(status.Instances, model.PoolInstanceStatus{
			InstanceID:    inst.InstanceID,
			DisplayName:   inst.DisplayName,
			Enabled:       inst.Enabled,
			MaxConcurrent: inst.MaxConcurrent,
			InFlight:      inst.InFlight,
			Utilization:   inst.Utilization(),
		})
	}
	if status.MaxConcurrent > 0 {
		status.UtilizationPct = 100 * float64(status.InFlight) / float64(status.MaxConcurrent)
	}
	return status, nil
}

// Acquire returns the least-utilized enabled instance in pool with spare
// capacity, ties broken by least-recently-used, and increments its
// in_flight counter. If explicitInstance is non-empty, only that instance
// is considered. Returns NoCapacity if none qualifies.
func (r *Registry) Acquire(pool, explicitInstance string) (*model.ScannerInstance, error) {
	chosen, err := r.acquireLocked(pool, explicitInstance)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	shared := r.shared
	r.mu.RUnlock()
	shared.Incr(context.Background(), pool, chosen.InstanceID)
	return chosen, nil
}

func (r *Registry) acquireLocked(pool, explicitInstance string) (*model.ScannerInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	instances, ok := r.pools[pool]
	if !ok {
		return nil, apperrors.ErrPoolNotFound
	}

	var candidates []*model.ScannerInstance
	for _, inst := range instances {
		if explicitInstance != "" && inst.InstanceID != explicitInstance {
			continue
		}
		if inst.HasCapacity() {
			candidates = append(candidates, inst)
		}
	}
	if len(candidates) == 0 {
		return nil, apperrors.NewNoCapacity(fmt.Sprintf("no capacity available in pool %s", pool))
	}

	sort.Slice(candidates, func(i, j int) bool {
		ui, uj := candidates[i].Utilization(), candidates[j].Utilization()
		if ui != uj {
			return ui < uj
		}
		return candidates[i].LastAcquiredSeq() < candidates[j].LastAcquiredSeq()
	})

	chosen := candidates[0]
	chosen.InFlight++
	r.acquireSeq++
	chosen.SetLastAcquiredSeq(r.acquireSeq)
	return chosen, nil
}

// Release decrements instance_id's in_flight counter, clamped at zero.
// Idempotent on over-release.
func (r *Registry) Release(pool, instanceID string) {
	released := r.releaseLocked(pool, instanceID)
	if !released {
		return
	}
	r.mu.RLock()
	shared := r.shared
	r.mu.RUnlock()
	shared.Decr(context.Background(), pool, instanceID)
}

func (r *Registry) releaseLocked(pool, instanceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst := r.findLocked(pool, instanceID)
	if inst == nil {
		return false
	}
	if inst.InFlight > 0 {
		inst.InFlight--
	}
	return true
}

// sharedCounterKey names the Redis counter key used to mirror in_flight when
// multiple worker processes share a pool (spec §9's multi-writer note).
func sharedCounterKey(pool, instanceID string) string {
	return fmt.Sprintf("registry:inflight:%s:%s", pool, instanceID)
}

// SharedCounterSync mirrors Acquire/Release into a Redis INCR/DECR counter
// so that multiple worker processes sharing a pool can consult a common
// capacity view instead of only their own process-local counters. The
// process-local counter remains the fast path consulted by Acquire itself;
// this sync is advisory and nil-safe, so a Registry with no shared sync
// attached behaves exactly as before.
type SharedCounterSync struct {
	rdb *redis.Client
}

// NewSharedCounterSync wraps an existing Redis client.
func NewSharedCounterSync(rdb *redis.Client) *SharedCounterSync {
	return &SharedCounterSync{rdb: rdb}
}

// Incr increments the shared counter for instanceID in pool.
func (s *SharedCounterSync) Incr(ctx context.Context, pool, instanceID string) {
	if s == nil || s.rdb == nil {
		return
	}
	if err := s.rdb.Incr(ctx, sharedCounterKey(pool, instanceID)).Err(); err != nil {
		logger.Errorf("shared in_flight counter increment failed", err)
	}
}

// Decr decrements the shared counter for instanceID in pool with a plain
// Redis DECR. The value is not clamped at zero: a decrement with no matching
// increment leaves the shared counter negative.
func (s *SharedCounterSync) Decr(ctx context.Context, pool, instanceID string) {
	if s == nil || s.rdb == nil {
		return
	}
	if err := s.rdb.Decr(ctx, sharedCounterKey(pool, instanceID)).Err(); err != nil {
		logger.Errorf("shared in_flight counter decrement failed", err)
	}
}

// SharedInFlight reads the cluster-wide counter for instanceID in pool.
func (s *SharedCounterSync) SharedInFlight(ctx context.Context, pool, instanceID string) (int, error) {
	if s == nil || s.rdb == nil {
		return 0, nil
	}
	n, err := s.rdb.Get(ctx, sharedCounterKey(pool, instanceID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.WrapInternal(err, "read shared in_flight counter")
	}
	return n, nil
}
