// Package globalfilter evaluates the configured global filter sections: a
// boolean AND/OR tree of typed predicates over the mapped request. Matching
// sections apply tags and may fold an early decision.
package globalfilter

import (
	"github.com/rs/zerolog"

	"edgewaf/reqdata"
	"edgewaf/waf"
)

// MatchResult is the outcome of evaluating one rule node: whether it
// matched, and the locations that can be attributed to the match.
type MatchResult struct {
	Matched  reqdata.LocationSet
	Matching bool
}

func noMatch() MatchResult {
	return MatchResult{Matched: make(reqdata.LocationSet)}
}

// EvalRule evaluates a rule tree node against the request.
func EvalRule(rule waf.GFRule, ri *waf.RequestInfo, tags *reqdata.Tags) MatchResult {
	switch r := rule.(type) {
	case waf.GFRelation:
		return evalRelation(r, ri, tags)
	case *waf.GFRelation:
		return evalRelation(*r, ri, tags)
	case waf.GFEntry:
		return evalEntry(r, ri, tags)
	case *waf.GFEntry:
		return evalEntry(*r, ri, tags)
	}
	return noMatch()
}

func evalRelation(rel waf.GFRelation, ri *waf.RequestInfo, tags *reqdata.Tags) MatchResult {
	switch rel.Op {
	case waf.RelAnd:
		// Every child must match; matched locations are unioned. An empty
		// conjunction is vacuously true.
		out := MatchResult{Matched: make(reqdata.LocationSet), Matching: true}
		for _, child := range rel.Entries {
			r := EvalRule(child, ri, tags)
			if !r.Matching {
				return noMatch()
			}
			out.Matched.Merge(r.Matched)
		}
		return out
	case waf.RelOr:
		// The first matching child's result is returned unmodified.
		for _, child := range rel.Entries {
			if r := EvalRule(child, ri, tags); r.Matching {
				return r
			}
		}
		return noMatch()
	}
	return noMatch()
}

func evalEntry(e waf.GFEntry, ri *waf.RequestInfo, tags *reqdata.Tags) MatchResult {
	r := evalPredicate(e.Pred, ri, tags)
	if e.Negated {
		// A negated match has nothing to attribute.
		r.Matching = !r.Matching
		r.Matched = make(reqdata.LocationSet)
	}
	return r
}

func evalPredicate(p waf.GFPredicate, ri *waf.RequestInfo, tags *reqdata.Tags) MatchResult {
	switch pred := p.(type) {
	case waf.PairPredicate:
		return evalPair(pred, ri)
	case waf.AttrPredicate:
		return evalAttr(pred, ri, tags)
	case waf.IPPredicate:
		return boolResult(ri.IP.IsValid() && ri.IP.Unmap() == pred.Addr.Unmap())
	case waf.NetworkPredicate:
		return boolResult(ri.IP.IsValid() && pred.Net.Contains(ri.IP.Unmap()))
	case waf.ASNPredicate:
		return boolResult(ri.Geo.ASN != 0 && ri.Geo.ASN == pred.ASN)
	case waf.PolicyPredicate:
		return evalPolicy(pred, ri)
	case waf.RangePredicate:
		return evalRange(pred, ri)
	}
	return noMatch()
}

func evalPair(pred waf.PairPredicate, ri *waf.RequestInfo) MatchResult {
	var store *reqdata.FieldStore
	switch pred.Kind {
	case waf.PairHeader:
		store = ri.Headers
	case waf.PairCookie:
		store = ri.Cookies
	case waf.PairArg:
		store = ri.Args
	case waf.PairPlugin:
		store = ri.Plugins
	}
	if store == nil {
		return noMatch()
	}

	f, ok := store.GetField(pred.Name)
	if !ok || !pred.Match.Matches(f.Value) {
		return noMatch()
	}
	return MatchResult{Matched: f.Locations.Clone(), Matching: true}
}

func evalAttr(pred waf.AttrPredicate, ri *waf.RequestInfo, tags *reqdata.Tags) MatchResult {
	if pred.Attr == waf.AttrTag {
		return evalTagAttr(pred, tags)
	}

	var value string
	loc := reqdata.RequestLocation()
	switch pred.Attr {
	case waf.AttrPath:
		value, loc = ri.Path, reqdata.PathLocation()
	case waf.AttrQuery:
		value, loc = ri.Query, reqdata.URIArgumentsLocation()
	case waf.AttrURI:
		value = ri.Meta.Path
	case waf.AttrMethod:
		value = ri.Meta.Method
	case waf.AttrAuthority:
		value = ri.Meta.Authority
	case waf.AttrCountry:
		value = ri.Geo.Country
	case waf.AttrRegion:
		value = ri.Geo.Region
	case waf.AttrSubregion:
		value = ri.Geo.Subregion
	case waf.AttrCompany:
		value = ri.Geo.Company
	}

	if value == "" || !pred.Match.Matches(value) {
		return noMatch()
	}
	return MatchResult{Matched: reqdata.NewLocationSet(loc), Matching: true}
}

func evalTagAttr(pred waf.AttrPredicate, tags *reqdata.Tags) MatchResult {
	if pred.Match.Rx == nil {
		if locs, ok := tags.LocationsOf(pred.Match.Exact); ok {
			return MatchResult{Matched: locs.Clone(), Matching: true}
		}
		return noMatch()
	}
	for _, name := range tags.Names() {
		if pred.Match.Rx.MatchString(name) {
			locs, _ := tags.LocationsOf(name)
			return MatchResult{Matched: locs.Clone(), Matching: true}
		}
	}
	return noMatch()
}

func evalPolicy(pred waf.PolicyPredicate, ri *waf.RequestInfo) MatchResult {
	if pred.PolicyID != "" {
		return boolResult(ri.Policy != nil && ri.Policy.ID == pred.PolicyID)
	}
	return boolResult(ri.Entry != nil && ri.Entry.ID == pred.EntryID)
}

func evalRange(pred waf.RangePredicate, ri *waf.RequestInfo) MatchResult {
	if !ri.IP.IsValid() {
		return noMatch()
	}
	a := ri.IP.Unmap()
	if a.Is4() {
		return boolResult(pred.V4.Contains(a))
	}
	return boolResult(pred.V6.Contains(a))
}

func boolResult(matching bool) MatchResult {
	if !matching {
		return noMatch()
	}
	return MatchResult{Matched: reqdata.NewLocationSet(reqdata.RequestLocation()), Matching: true}
}

// CheckSections evaluates every global filter section in order. Matching
// sections apply their tags; section actions fold into the returned
// decision, except pure Monitor actions without headers, which exist only
// to apply tags.
func CheckSections(logger zerolog.Logger, sections []*waf.GlobalFilterSection, ri *waf.RequestInfo, tags *reqdata.Tags) (decision waf.SimpleDecision, active int) {
	for _, section := range sections {
		r := EvalRule(section.Rule, ri, tags)
		if !r.Matching {
			continue
		}
		active++

		for _, tag := range section.Tags {
			tags.AddSet(tag, r.Matched)
		}

		a := section.Action
		if a == nil || (a.Type == waf.ActionMonitor && len(a.Headers) == 0) {
			continue
		}

		locs := r.Matched.Sorted()
		reason := waf.BlockReason{
			ID:        section.ID,
			Name:      section.Name,
			Initiator: waf.GlobalFilterInitiator{},
			Type:      a.Type,
		}
		if len(locs) > 0 {
			reason.Location = locs[0]
			reason.Extra = locs[1:]
		}

		logger.Debug().Str("section", section.ID).Str("action", a.Type.String()).Msg("Global filter section matched")
		decision = waf.StrongerDecision(decision, waf.SimpleDecision{Action: a, Reasons: []waf.BlockReason{reason}})
	}
	return
}
