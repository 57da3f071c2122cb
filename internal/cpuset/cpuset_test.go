package cpuset

import (
	"reflect"
	"testing"
)

func TestParseAndFormat(t *testing.T) {
	cases := []struct {
		in   string
		want []int
		out  string
	}{
		{"0", []int{0}, "0"},
		{"0,2,4", []int{0, 2, 4}, "0,2,4"},
		{"0-3", []int{0, 1, 2, 3}, "0-3"},
		{" 4-5 , 0,1,8 ", []int{0, 1, 4, 5, 8}, "0-1,4-5,8"},
		{"3,3,2-3", []int{2, 3}, "2-3"},
		{"", nil, ""},
	}
	for _, tc := range cases {
		s, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.in, err)
		}
		if got := s.List(); !reflect.DeepEqual(got, tc.want) && !(len(got) == 0 && len(tc.want) == 0) {
			t.Fatalf("Parse(%q) list=%v want %v", tc.in, got, tc.want)
		}
		if got := s.String(); got != tc.out {
			t.Fatalf("Parse(%q).String()=%q want %q", tc.in, got, tc.out)
		}
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, in := range []string{"a", "1-", "3-1", "1-2-3", "-1"} {
		if _, err := Parse(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestSetAlgebra(t *testing.T) {
	all := MustParse("0-7")
	socket0 := MustParse("0-3")
	socket1 := MustParse("4-7")
	core := New(2, 3)

	if !core.IsSubsetOf(socket0) {
		t.Fatalf("core should be inside socket0")
	}
	if core.IsSubsetOf(socket1) {
		t.Fatalf("core should not be inside socket1")
	}
	if !(CPUSet{}).IsSubsetOf(socket1) {
		t.Fatalf("empty set is a subset of everything")
	}
	if socket0.Intersects(socket1) {
		t.Fatalf("sockets should not overlap")
	}
	if !socket0.Union(socket1).Equals(all) {
		t.Fatalf("union mismatch")
	}
	if got := all.Intersection(core).String(); got != "2-3" {
		t.Fatalf("intersection got %q", got)
	}
	if all.Size() != 8 {
		t.Fatalf("size got %d", all.Size())
	}
	if !(CPUSet{}).Equals(New()) {
		t.Fatalf("zero value and New() should both be empty")
	}
}

func TestSetIsNotAliased(t *testing.T) {
	a := New(1, 2)
	b := a.Union(New(3))
	if a.Contains(3) {
		t.Fatalf("union mutated receiver")
	}
	if !b.Contains(1) || !b.Contains(3) {
		t.Fatalf("union result=%v", b)
	}
}
