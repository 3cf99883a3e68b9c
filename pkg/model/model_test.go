package model

import (
	"errors"
	"testing"

	"github.com/fleetwise/fleetwise/pkg/core"
)

func newTestModel(t *testing.T) *Model {
	t.Helper()
	m := NewModel()

	m.AddComputeNode(&ComputeNode{
		UUID: "node-1", Hostname: "compute1", Status: NodeEnabled, State: NodeUp,
		AvailabilityZone: "az1", MemberOf: []string{"agg-gold"},
		Capacity: Resources{VCPUs: 8, MemoryMB: 16384, DiskGB: 200},
	})
	m.AddComputeNode(&ComputeNode{
		UUID: "node-2", Hostname: "compute2", Status: NodeEnabled, State: NodeUp,
		AvailabilityZone: "az2",
		Capacity:         Resources{VCPUs: 4, MemoryMB: 8192, DiskGB: 100},
	})

	if err := m.AddInstance(&Instance{
		UUID: "inst-a", State: InstanceActive,
		Demand:   Resources{VCPUs: 2, MemoryMB: 4096, DiskGB: 40},
		Metadata: map[string]string{"tier": "db"},
	}, "node-1"); err != nil {
		t.Fatalf("AddInstance() error = %v", err)
	}
	if err := m.AddInstance(&Instance{
		UUID: "inst-b", State: InstanceStopped,
		Demand: Resources{VCPUs: 4, MemoryMB: 8192, DiskGB: 80},
	}, "node-1"); err != nil {
		t.Fatalf("AddInstance() error = %v", err)
	}

	return m
}

func TestFreeResources(t *testing.T) {
	m := newTestModel(t)

	free, err := m.FreeResources("node-1")
	if err != nil {
		t.Fatalf("FreeResources() error = %v", err)
	}
	// Only the active instance reserves capacity.
	want := Resources{VCPUs: 6, MemoryMB: 12288, DiskGB: 160}
	if free != want {
		t.Errorf("free = %+v, want %+v", free, want)
	}

	if _, err := m.FreeResources("missing"); err == nil {
		t.Error("FreeResources(missing) should fail")
	}
}

func TestMigrateInstance(t *testing.T) {
	m := newTestModel(t)

	moved, err := m.MigrateInstance("inst-a", "node-1", "node-2")
	if err != nil {
		t.Fatalf("MigrateInstance() error = %v", err)
	}
	if !moved {
		t.Fatal("migration should succeed")
	}

	host, err := m.HostOf("inst-a")
	if err != nil {
		t.Fatalf("HostOf() error = %v", err)
	}
	if host != "node-2" {
		t.Errorf("host = %s, want node-2", host)
	}

	free, _ := m.FreeResources("node-2")
	want := Resources{VCPUs: 2, MemoryMB: 4096, DiskGB: 60}
	if free != want {
		t.Errorf("free after migrate = %+v, want %+v", free, want)
	}

	// Wrong source is a no-op, not an error.
	moved, err = m.MigrateInstance("inst-a", "node-1", "node-2")
	if err != nil || moved {
		t.Errorf("migrate with stale source: moved=%v err=%v", moved, err)
	}
}

func TestMigrateInstanceInsufficientCapacity(t *testing.T) {
	m := newTestModel(t)

	m.AddComputeNode(&ComputeNode{
		UUID: "node-tiny", Capacity: Resources{VCPUs: 1, MemoryMB: 1024, DiskGB: 10},
	})

	moved, err := m.MigrateInstance("inst-a", "node-1", "node-tiny")
	if err != nil {
		t.Fatalf("MigrateInstance() error = %v", err)
	}
	if moved {
		t.Error("migration onto a full node should be refused")
	}

	host, _ := m.HostOf("inst-a")
	if host != "node-1" {
		t.Errorf("host moved to %s despite refusal", host)
	}
}

func TestDeepCopyIsolation(t *testing.T) {
	m := newTestModel(t)
	cp := m.DeepCopy()

	if _, err := cp.MigrateInstance("inst-a", "node-1", "node-2"); err != nil {
		t.Fatalf("MigrateInstance() on copy error = %v", err)
	}
	cp.SetStale(true)

	host, _ := m.HostOf("inst-a")
	if host != "node-1" {
		t.Errorf("copy mutation leaked into original: host = %s", host)
	}
	if m.Stale() {
		t.Error("staleness leaked into original")
	}
}

func TestStaleCheck(t *testing.T) {
	m := newTestModel(t)

	if err := m.CheckFresh(); err != nil {
		t.Fatalf("CheckFresh() on fresh model error = %v", err)
	}

	m.SetStale(true)
	err := m.CheckFresh()
	if err == nil {
		t.Fatal("CheckFresh() on stale model should fail")
	}
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Code != core.ErrCodeClusterStateStale {
		t.Errorf("error = %v, want CLUSTER_STATE_STALE", err)
	}
}

func TestVolumeMigration(t *testing.T) {
	m := NewModel()
	m.AddStorageNode(&StorageNode{UUID: "stor-1", Host: "stor1"})
	if err := m.AddPool(&Pool{Name: "stor1#pool-a", FreeCapacityGB: 100, TotalVolumes: 1}, "stor-1"); err != nil {
		t.Fatalf("AddPool() error = %v", err)
	}
	if err := m.AddPool(&Pool{Name: "stor1#pool-b", FreeCapacityGB: 30}, "stor-1"); err != nil {
		t.Fatalf("AddPool() error = %v", err)
	}
	if err := m.AddVolume(&Volume{UUID: "vol-1", SizeGB: 20}, "stor1#pool-a"); err != nil {
		t.Fatalf("AddVolume() error = %v", err)
	}

	moved, err := m.MigrateVolume("vol-1", "stor1#pool-a", "stor1#pool-b")
	if err != nil {
		t.Fatalf("MigrateVolume() error = %v", err)
	}
	if !moved {
		t.Fatal("volume migration should succeed")
	}

	dst, _ := m.GetPool("stor1#pool-b")
	if dst.FreeCapacityGB != 10 || dst.TotalVolumes != 1 {
		t.Errorf("destination pool = %+v", dst)
	}

	// A second volume larger than the remaining space is refused.
	if err := m.AddVolume(&Volume{UUID: "vol-2", SizeGB: 50}, "stor1#pool-a"); err != nil {
		t.Fatalf("AddVolume() error = %v", err)
	}
	moved, err = m.MigrateVolume("vol-2", "stor1#pool-a", "stor1#pool-b")
	if err != nil || moved {
		t.Errorf("oversized migration: moved=%v err=%v", moved, err)
	}
}

func TestInfo(t *testing.T) {
	m := newTestModel(t)
	info := m.Info()
	if info.ComputeNodes != 2 || info.Instances != 2 {
		t.Errorf("Info() = %+v", info)
	}
	if info.Stale {
		t.Error("fresh model reported stale")
	}
}
