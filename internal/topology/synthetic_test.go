package topology

import "testing"

func TestParseShape(t *testing.T) {
	topo, err := ParseShape("2x4x2")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if topo.Count(ObjSocket) != 2 || topo.Count(ObjCore) != 8 || topo.Count(ObjPU) != 16 || topo.Count(ObjNUMANode) != 2 {
		t.Fatalf("unexpected counts: %s", topo)
	}
	if topo.Hostname != "synthetic" {
		t.Fatalf("hostname=%q", topo.Hostname)
	}

	topo, err = ParseShape("1x3")
	if err != nil || topo.Count(ObjPU) != 3 {
		t.Fatalf("two-part shape err=%v", err)
	}

	for _, bad := range []string{"", "2", "2x0x1", "axbxc", "1x1x1x1"} {
		if _, err := ParseShape(bad); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
}
