package affinity

import (
	"errors"
	"testing"

	"quo/internal/cpuset"
)

func TestMemoryController(t *testing.T) {
	m := NewMemory(cpuset.MustParse("0-7"))
	if _, err := m.Get(42); !errors.Is(err, ErrNoSuchProcess) {
		t.Fatalf("expected ErrNoSuchProcess, got %v", err)
	}
	m.Add(42)
	got, err := m.Get(42)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.String() != "0-7" {
		t.Fatalf("initial affinity=%q", got)
	}
	if err := m.Set(42, cpuset.New(2, 3)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, _ := m.Get(42); got.String() != "2-3" {
		t.Fatalf("affinity after set=%q", got)
	}
	if err := m.Set(42, cpuset.New(9)); err == nil {
		t.Fatalf("expected error for cpu outside the node")
	}
	if err := m.Set(42, cpuset.CPUSet{}); err == nil {
		t.Fatalf("expected error for empty cpuset")
	}
	if got, _ := m.Get(42); got.String() != "2-3" {
		t.Fatalf("failed set changed affinity to %q", got)
	}
	m.Remove(42)
	if err := m.Set(42, cpuset.New(1)); !errors.Is(err, ErrNoSuchProcess) {
		t.Fatalf("expected ErrNoSuchProcess after remove, got %v", err)
	}
}
