package waf

import (
	"net/netip"
	"regexp"

	"edgewaf/iprange"
)

// GlobalFilterSection is one configured global filter: a boolean rule tree,
// the tags to apply when it matches, and an optional action.
type GlobalFilterSection struct {
	ID     string
	Name   string
	Tags   []string
	Action *SimpleAction
	Rule   GFRule
}

// GFRule is a node of a global filter boolean tree: a relation over child
// rules or a single (possibly negated) predicate.
type GFRule interface {
	isGFRule()
}

// RelationOp combines child rules.
type RelationOp int

// RelationOps available.
const (
	RelAnd RelationOp = iota
	RelOr
)

// GFRelation is an AND/OR over child rules.
type GFRelation struct {
	Op      RelationOp
	Entries []GFRule
}

// GFEntry is a leaf predicate, optionally negated.
type GFEntry struct {
	Negated bool
	Pred    GFPredicate
}

func (GFRelation) isGFRule() {}
func (GFEntry) isGFRule()    {}

// GFPredicate is a typed leaf condition.
type GFPredicate interface {
	isGFPredicate()
}

// PairKind names the key/value sections a pair predicate can match against.
type PairKind int

// PairKinds available.
const (
	PairHeader PairKind = iota
	PairCookie
	PairArg
	PairPlugin
)

func (k PairKind) String() string {
	switch k {
	case PairHeader:
		return "header"
	case PairCookie:
		return "cookie"
	case PairArg:
		return "arg"
	case PairPlugin:
		return "plugin"
	}
	return "unknown"
}

// StringMatch matches a string either exactly or by regex.
type StringMatch struct {
	Exact string
	Rx    *regexp.Regexp
}

// Matches applies the match. Exact comparison is used when no regex is set.
func (m StringMatch) Matches(s string) bool {
	if m.Rx != nil {
		return m.Rx.MatchString(s)
	}
	return m.Exact == s
}

// PairPredicate matches a named key/value pair in one section.
type PairPredicate struct {
	Kind  PairKind
	Name  string
	Match StringMatch
}

// SingleAttr names the single string attributes an AttrPredicate can test.
type SingleAttr int

// SingleAttrs available.
const (
	AttrPath SingleAttr = iota
	AttrQuery
	AttrURI
	AttrMethod
	AttrAuthority
	AttrCountry
	AttrRegion
	AttrSubregion
	AttrCompany
	AttrTag
)

// AttrPredicate matches one request attribute.
type AttrPredicate struct {
	Attr  SingleAttr
	Match StringMatch
}

// IPPredicate matches one exact peer address.
type IPPredicate struct {
	Addr netip.Addr
}

// NetworkPredicate matches a CIDR block.
type NetworkPredicate struct {
	Net netip.Prefix
}

// ASNPredicate matches the peer's autonomous system number.
type ASNPredicate struct {
	ASN uint32
}

// PolicyPredicate matches the resolved security policy or entry id.
type PolicyPredicate struct {
	PolicyID string
	EntryID  string
}

// RangePredicate is the pre-aggregated form sibling IP/CIDR entries are
// folded into at configuration resolution time. It is a pure optimization:
// matching semantics are identical to evaluating each folded entry.
type RangePredicate struct {
	V4 *iprange.RangeSet
	V6 *iprange.RangeSet
}

func (PairPredicate) isGFPredicate()    {}
func (AttrPredicate) isGFPredicate()    {}
func (IPPredicate) isGFPredicate()      {}
func (NetworkPredicate) isGFPredicate() {}
func (ASNPredicate) isGFPredicate()     {}
func (PolicyPredicate) isGFPredicate()  {}
func (RangePredicate) isGFPredicate()   {}
