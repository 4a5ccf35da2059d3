package globalfilter

import (
	"edgewaf/iprange"
	"edgewaf/waf"
)

// Optimize rewrites a rule tree, folding sibling IP and CIDR entries that
// share a negation flag into a single range predicate. Within an AND,
// negated siblings fold into a negated union and plain siblings into an
// intersection; within an OR, plain siblings fold into a union and negated
// siblings into a negated intersection. Matching semantics are unchanged,
// but large address lists evaluate as one binary search instead of a
// linear scan.
func Optimize(rule waf.GFRule) waf.GFRule {
	rel, ok := rule.(waf.GFRelation)
	if !ok {
		if p, isPtr := rule.(*waf.GFRelation); isPtr {
			rel, ok = *p, true
		}
	}
	if !ok {
		return rule
	}

	var kept []waf.GFRule
	var plain, negated foldGroup
	for _, child := range rel.Entries {
		child = Optimize(child)
		if e, isEntry := child.(waf.GFEntry); isEntry {
			if rp, foldable := predicateRanges(e.Pred); foldable {
				if e.Negated {
					negated.add(e, rp)
				} else {
					plain.add(e, rp)
				}
				continue
			}
		}
		kept = append(kept, child)
	}

	kept = appendFolded(kept, plain, false, rel.Op)
	kept = appendFolded(kept, negated, true, rel.Op)

	return waf.GFRelation{Op: rel.Op, Entries: kept}
}

// OptimizeSections runs Optimize over every section's rule tree.
func OptimizeSections(sections []*waf.GlobalFilterSection) {
	for _, s := range sections {
		s.Rule = Optimize(s.Rule)
	}
}

// rangePair is one foldable predicate expressed as its covered v4 and v6
// address sets. A v4-only predicate carries an empty v6 set and vice versa.
type rangePair struct {
	v4 *iprange.RangeSet
	v6 *iprange.RangeSet
}

// foldGroup accumulates foldable sibling entries sharing a negation flag.
type foldGroup struct {
	entries []waf.GFEntry
	pairs   []rangePair
}

func (g *foldGroup) add(e waf.GFEntry, rp rangePair) {
	g.entries = append(g.entries, e)
	g.pairs = append(g.pairs, rp)
}

func predicateRanges(p waf.GFPredicate) (rp rangePair, ok bool) {
	rp = rangePair{v4: &iprange.RangeSet{}, v6: &iprange.RangeSet{}}
	switch pred := p.(type) {
	case waf.IPPredicate:
		a := pred.Addr.Unmap()
		if !a.IsValid() {
			return
		}
		if a.Is4() {
			rp.v4 = iprange.FromAddr(a)
		} else {
			rp.v6 = iprange.FromAddr(a)
		}
		ok = true
	case waf.NetworkPredicate:
		if pred.Net.Addr().Unmap().Is4() {
			rp.v4 = iprange.FromPrefix(pred.Net)
		} else {
			rp.v6 = iprange.FromPrefix(pred.Net)
		}
		ok = true
	}
	return
}

func appendFolded(kept []waf.GFRule, group foldGroup, groupNegated bool, op waf.RelationOp) []waf.GFRule {
	if len(group.pairs) == 0 {
		return kept
	}
	// Folding a single entry buys nothing; keep it as is.
	if len(group.pairs) == 1 {
		return append(kept, group.entries[0])
	}

	// Plain AND siblings intersect, plain OR siblings union. Negated
	// groups flip the combiner by De Morgan: NOT a AND NOT b folds to
	// NOT(a OR b), NOT a OR NOT b folds to NOT(a AND b).
	intersect := (op == waf.RelAnd) != groupNegated

	acc := group.pairs[0]
	for _, rp := range group.pairs[1:] {
		if intersect {
			acc.v4 = iprange.Intersection(acc.v4, rp.v4)
			acc.v6 = iprange.Intersection(acc.v6, rp.v6)
		} else {
			acc.v4 = iprange.Union(acc.v4, rp.v4)
			acc.v6 = iprange.Union(acc.v6, rp.v6)
		}
	}

	return append(kept, waf.GFEntry{
		Negated: groupNegated,
		Pred:    waf.RangePredicate{V4: acc.v4, V6: acc.v6},
	})
}
