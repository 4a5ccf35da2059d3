// Package iprange provides set algebra over IP address ranges. It backs the
// global filter optimization that folds sibling IP/CIDR entries into a
// single pre-aggregated range check.
package iprange

import (
	"fmt"
	"net/netip"
	"sort"
)

// Range is an inclusive address range. Lo and Hi are always the same
// address family.
type Range struct {
	Lo netip.Addr
	Hi netip.Addr
}

// RangeSet is a normalized, sorted set of non-overlapping ranges over one
// address family.
type RangeSet struct {
	ranges []Range
}

// FromAddr builds a single-address range set.
func FromAddr(a netip.Addr) *RangeSet {
	a = a.Unmap()
	return &RangeSet{ranges: []Range{{Lo: a, Hi: a}}}
}

// FromPrefix builds a range set covering one CIDR block.
func FromPrefix(p netip.Prefix) *RangeSet {
	p = p.Masked()
	return &RangeSet{ranges: []Range{{Lo: p.Addr(), Hi: lastAddr(p)}}}
}

// Parse accepts either a bare address or CIDR notation.
func Parse(s string) (*RangeSet, error) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return FromPrefix(p), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return nil, fmt.Errorf("invalid IP or CIDR: %s", s)
	}
	return FromAddr(a), nil
}

func lastAddr(p netip.Prefix) netip.Addr {
	a := p.Addr().As16()
	bits := p.Bits()
	if p.Addr().Is4() {
		bits += 96
	}
	for b := bits; b < 128; b++ {
		a[b/8] |= 1 << (7 - b%8)
	}
	addr := netip.AddrFrom16(a)
	if p.Addr().Is4() {
		addr = addr.Unmap()
	}
	return addr
}

// Contains reports whether the address is covered by the set.
func (s *RangeSet) Contains(a netip.Addr) bool {
	if s == nil {
		return false
	}
	a = a.Unmap()
	i := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].Hi.Compare(a) >= 0
	})
	return i < len(s.ranges) && s.ranges[i].Lo.Compare(a) <= 0
}

// Empty reports whether the set covers no addresses.
func (s *RangeSet) Empty() bool { return s == nil || len(s.ranges) == 0 }

// Ranges returns the normalized ranges.
func (s *RangeSet) Ranges() []Range {
	if s == nil {
		return nil
	}
	return s.ranges
}

// Union returns a set covering every address in either input.
func Union(a, b *RangeSet) *RangeSet {
	var all []Range
	if a != nil {
		all = append(all, a.ranges...)
	}
	if b != nil {
		all = append(all, b.ranges...)
	}
	return normalize(all)
}

// Intersection returns a set covering only the addresses in both inputs.
func Intersection(a, b *RangeSet) *RangeSet {
	out := &RangeSet{}
	if a == nil || b == nil {
		return out
	}
	i, j := 0, 0
	for i < len(a.ranges) && j < len(b.ranges) {
		ra, rb := a.ranges[i], b.ranges[j]
		lo := maxAddr(ra.Lo, rb.Lo)
		hi := minAddr(ra.Hi, rb.Hi)
		if lo.Compare(hi) <= 0 {
			out.ranges = append(out.ranges, Range{Lo: lo, Hi: hi})
		}
		if ra.Hi.Compare(rb.Hi) < 0 {
			i++
		} else {
			j++
		}
	}
	return out
}

func normalize(rr []Range) *RangeSet {
	if len(rr) == 0 {
		return &RangeSet{}
	}
	sort.Slice(rr, func(i, j int) bool { return rr[i].Lo.Compare(rr[j].Lo) < 0 })

	out := []Range{rr[0]}
	for _, r := range rr[1:] {
		last := &out[len(out)-1]
		if r.Lo.Compare(last.Hi) <= 0 || isAdjacent(last.Hi, r.Lo) {
			if r.Hi.Compare(last.Hi) > 0 {
				last.Hi = r.Hi
			}
			continue
		}
		out = append(out, r)
	}
	return &RangeSet{ranges: out}
}

func isAdjacent(hi, lo netip.Addr) bool {
	n := hi.Next()
	return n.IsValid() && n.Compare(lo) == 0
}

func maxAddr(a, b netip.Addr) netip.Addr {
	if a.Compare(b) >= 0 {
		return a
	}
	return b
}

func minAddr(a, b netip.Addr) netip.Addr {
	if a.Compare(b) <= 0 {
		return a
	}
	return b
}
