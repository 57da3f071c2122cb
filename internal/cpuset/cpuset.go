package cpuset

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
)

// CPUSet is an immutable set of logical CPU IDs.
// The zero value is an empty set.
type CPUSet struct {
	bm *roaring.Bitmap
}

func New(cpus ...int) CPUSet {
	bm := roaring.New()
	for _, cpu := range cpus {
		if cpu < 0 {
			continue
		}
		bm.Add(uint32(cpu))
	}
	return CPUSet{bm: bm}
}

func (s CPUSet) bitmap() *roaring.Bitmap {
	if s.bm == nil {
		return roaring.New()
	}
	return s.bm
}

func (s CPUSet) Size() int {
	if s.bm == nil {
		return 0
	}
	return int(s.bm.GetCardinality())
}

func (s CPUSet) IsEmpty() bool {
	return s.bm == nil || s.bm.IsEmpty()
}

func (s CPUSet) Contains(cpu int) bool {
	if s.bm == nil || cpu < 0 {
		return false
	}
	return s.bm.Contains(uint32(cpu))
}

// IsSubsetOf reports whether every CPU of s is also in o.
// The empty set is a subset of every set.
func (s CPUSet) IsSubsetOf(o CPUSet) bool {
	if s.IsEmpty() {
		return true
	}
	return s.bm.AndCardinality(o.bitmap()) == s.bm.GetCardinality()
}

func (s CPUSet) Intersects(o CPUSet) bool {
	if s.IsEmpty() || o.IsEmpty() {
		return false
	}
	return s.bm.Intersects(o.bm)
}

func (s CPUSet) Equals(o CPUSet) bool {
	if s.IsEmpty() || o.IsEmpty() {
		return s.IsEmpty() == o.IsEmpty()
	}
	return s.bm.Equals(o.bm)
}

func (s CPUSet) Union(o CPUSet) CPUSet {
	return CPUSet{bm: roaring.Or(s.bitmap(), o.bitmap())}
}

func (s CPUSet) Intersection(o CPUSet) CPUSet {
	return CPUSet{bm: roaring.And(s.bitmap(), o.bitmap())}
}

// List returns the CPUs in ascending order.
func (s CPUSet) List() []int {
	if s.bm == nil {
		return nil
	}
	out := make([]int, 0, s.bm.GetCardinality())
	it := s.bm.Iterator()
	for it.HasNext() {
		out = append(out, int(it.Next()))
	}
	return out
}

// String renders the set in kernel cpulist format, e.g. "0-3,8,10-11".
func (s CPUSet) String() string {
	return Format(s.List())
}

// Format renders sorted, de-duplicated CPU IDs in cpulist format.
func Format(cpus []int) string {
	if len(cpus) == 0 {
		return ""
	}
	var b strings.Builder
	start, prev := cpus[0], cpus[0]
	flush := func() {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		if start == prev {
			b.WriteString(strconv.Itoa(start))
		} else {
			fmt.Fprintf(&b, "%d-%d", start, prev)
		}
	}
	for _, cpu := range cpus[1:] {
		if cpu == prev+1 {
			prev = cpu
			continue
		}
		flush()
		start, prev = cpu, cpu
	}
	flush()
	return b.String()
}

// Parse reads cpulist strings like "0", "0,2,4", or "0-3,8".
// A blank string yields the empty set.
func Parse(spec string) (CPUSet, error) {
	bm := roaring.New()

	for _, part := range strings.Split(strings.TrimSpace(spec), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if strings.Contains(part, "-") {
			rangeParts := strings.Split(part, "-")
			if len(rangeParts) != 2 {
				return CPUSet{}, fmt.Errorf("invalid CPU range: %s", part)
			}

			start, err := strconv.Atoi(strings.TrimSpace(rangeParts[0]))
			if err != nil {
				return CPUSet{}, fmt.Errorf("invalid CPU range start: %s", rangeParts[0])
			}

			end, err := strconv.Atoi(strings.TrimSpace(rangeParts[1]))
			if err != nil {
				return CPUSet{}, fmt.Errorf("invalid CPU range end: %s", rangeParts[1])
			}

			if start < 0 || start > end {
				return CPUSet{}, fmt.Errorf("invalid CPU range: start > end (%d > %d)", start, end)
			}

			bm.AddRange(uint64(start), uint64(end)+1)
			continue
		}

		cpu, err := strconv.Atoi(part)
		if err != nil || cpu < 0 {
			return CPUSet{}, fmt.Errorf("invalid CPU number: %s", part)
		}
		bm.Add(uint32(cpu))
	}

	return CPUSet{bm: bm}, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(spec string) CPUSet {
	s, err := Parse(spec)
	if err != nil {
		panic(err)
	}
	return s
}
