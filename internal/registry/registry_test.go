// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/nessusapi/orchestrator/internal/pkg/errors"
	"github.com/nessusapi/orchestrator/internal/model"
)

func instance(id string, maxConcurrent, inFlight int) *model.ScannerInstance {
	return &model.ScannerInstance{
		Pool:          "nessus",
		InstanceID:    id,
		Enabled:       true,
		MaxConcurrent: maxConcurrent,
		InFlight:      inFlight,
	}
}

func newTestRegistry(instances ...*model.ScannerInstance) *Registry {
	r := New()
	r.Reload(map[string][]*model.ScannerInstance{"nessus": instances}, []string{"nessus"})
	return r
}

func TestAcquirePicksLeastUtilized(t *testing.T) {
	r := newTestRegistry(instance("a", 10, 8), instance("b", 10, 2))

	inst, err := r.Acquire("nessus", "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if inst.InstanceID != "b" {
		t.Errorf("expected least-utilized instance b, got %s", inst.InstanceID)
	}
	if inst.InFlight != 3 {
		t.Errorf("expected in_flight incremented to 3, got %d", inst.InFlight)
	}
}

func TestAcquireBreaksTiesByLRU(t *testing.T) {
	r := newTestRegistry(instance("a", 10, 0), instance("b", 10, 0))

	first, err := r.Acquire("nessus", "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	r.Release("nessus", first.InstanceID)

	second, err := r.Acquire("nessus", "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if second.InstanceID == first.InstanceID {
		t.Errorf("expected LRU tie-break to rotate instances, got %s twice", first.InstanceID)
	}
}

func TestAcquireExplicitInstance(t *testing.T) {
	r := newTestRegistry(instance("a", 10, 0), instance("b", 10, 0))

	inst, err := r.Acquire("nessus", "a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if inst.InstanceID != "a" {
		t.Errorf("expected explicit instance a, got %s", inst.InstanceID)
	}
}

func TestAcquireNoCapacity(t *testing.T) {
	r := newTestRegistry(instance("a", 1, 1))

	_, err := r.Acquire("nessus", "")
	if err == nil {
		t.Fatal("expected NoCapacity error")
	}
	ae, ok := apperrors.IsAppError(err)
	if !ok || ae.Code != "NO_CAPACITY" {
		t.Errorf("expected NO_CAPACITY, got %v", err)
	}
}

func TestAcquireUnknownPool(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Acquire("nope", "")
	if err == nil {
		t.Fatal("expected pool-not-found error")
	}
}

func TestReleaseClampsAtZero(t *testing.T) {
	r := newTestRegistry(instance("a", 10, 0))
	r.Release("nessus", "a")
	r.Release("nessus", "a")

	instances, err := r.ListInstances("nessus")
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if instances[0].InFlight != 0 {
		t.Errorf("expected in_flight clamped at 0, got %d", instances[0].InFlight)
	}
}

func TestAcquireReleaseMirrorSharedCounter(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	r := newTestRegistry(instance("a", 2, 0))
	r.AttachSharedSync(NewSharedCounterSync(rdb))

	if _, err := r.Acquire("nessus", ""); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	shared := NewSharedCounterSync(rdb)
	n, err := shared.SharedInFlight(context.Background(), "nessus", "a")
	if err != nil {
		t.Fatalf("SharedInFlight: %v", err)
	}
	if n != 1 {
		t.Errorf("expected shared counter at 1 after Acquire, got %d", n)
	}

	r.Release("nessus", "a")
	n, err = shared.SharedInFlight(context.Background(), "nessus", "a")
	if err != nil {
		t.Fatalf("SharedInFlight: %v", err)
	}
	if n != 0 {
		t.Errorf("expected shared counter back at 0 after Release, got %d", n)
	}
}

func TestReloadPreservesInFlightForSurvivingInstances(t *testing.T) {
	r := newTestRegistry(instance("a", 10, 4))

	r.Reload(map[string][]*model.ScannerInstance{"nessus": {instance("a", 10, 0), instance("c", 10, 0)}}, []string{"nessus"})

	instances, err := r.ListInstances("nessus")
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	var a *model.ScannerInstance
	for _, inst := range instances {
		if inst.InstanceID == "a" {
			a = inst
		}
	}
	if a == nil || a.InFlight != 4 {
		t.Errorf("expected instance a's in_flight (4) to survive reload, got %+v", a)
	}
}

func TestPoolStatusAggregates(t *testing.T) {
	r := newTestRegistry(instance("a", 10, 5), instance("b", 10, 5))

	status, err := r.PoolStatus("nessus")
	if err != nil {
		t.Fatalf("PoolStatus: %v", err)
	}
	if status.ScannerCount != 2 || status.MaxConcurrent != 20 || status.InFlight != 10 {
		t.Errorf("unexpected status: %+v", status)
	}
	if status.UtilizationPct != 50 {
		t.Errorf("expected 50%% utilization, got %v", status.UtilizationPct)
	}
}

func TestListPoolsAndDefaultPool(t *testing.T) {
	r := New()
	r.Reload(map[string][]*model.ScannerInstance{
		"nessus-a": {instance("a", 10, 0)},
		"nessus-b": {instance("b", 10, 0)},
	}, []string{"nessus-a", "nessus-b"})

	pools := r.ListPools()
	if len(pools) != 2 {
		t.Errorf("expected 2 pools, got %v", pools)
	}

	def, err := r.DefaultPool()
	if err != nil {
		t.Fatalf("DefaultPool: %v", err)
	}
	if def != "nessus-a" {
		t.Errorf("expected first declared pool, got %s", def)
	}
}

func TestLoadFileInterpolatesEnv(t *testing.T) {
	t.Setenv("NESSUS_TEST_PASSWORD", "secret123")

	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	contents := `nessus:
  - instance_id: inst-1
    name: Primary
    endpoint: https://nessus.example.com
    username: admin
    password: ${NESSUS_TEST_PASSWORD}
    max_concurrent: 3
    enabled: true
`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r := New()
	if err := r.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	instances, err := r.ListInstances("nessus")
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(instances) != 1 || instances[0].Password != "secret123" {
		t.Errorf("expected interpolated password, got %+v", instances)
	}
	if instances[0].MaxConcurrent != 3 {
		t.Errorf("expected max_concurrent 3, got %d", instances[0].MaxConcurrent)
	}
}

func TestLoadFileDefaultsEnabledAndMaxConcurrent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	contents := `nessus:
  - instance_id: inst-1
    name: Primary
    endpoint: https://nessus.example.com
`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r := New()
	if err := r.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	instances, err := r.ListInstances("nessus")
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if !instances[0].Enabled || instances[0].MaxConcurrent != 2 {
		t.Errorf("expected defaults enabled=true max_concurrent=2, got %+v", instances[0])
	}
}
