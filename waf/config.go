package waf

import (
	"regexp"

	"edgewaf/reqdata"
)

// Config is one immutable configuration snapshot. It is produced by the
// configuration loading collaborator and never mutated by the engine; a
// reload swaps in a whole new snapshot.
type Config struct {
	Revision         string
	SecurityPolicies []*SecurityPolicy
	GlobalFilters    []*GlobalFilterSection
	Flows            []*FlowElement
	VirtualTags      reqdata.VirtualTags
	SignatureRules   []*ContentFilterRule

	// SignatureSets holds the compiled signature database for each content
	// filter profile, keyed by profile id. Populated after loading, once a
	// regex engine factory is available.
	SignatureSets map[string]SignatureSet
}

// SignatureSet is a compiled per-profile signature database. The concrete
// type lives with the content filter engine; the snapshot only owns its
// lifetime.
type SignatureSet interface {
	Close()
}

// ContentFilterProfiles lists every distinct content filter profile
// referenced by the security policies.
func (c *Config) ContentFilterProfiles() []*ContentFilterProfile {
	seen := make(map[string]struct{})
	var out []*ContentFilterProfile
	for _, p := range c.SecurityPolicies {
		for _, e := range p.Entries {
			if e.ContentFilter == nil {
				continue
			}
			if _, ok := seen[e.ContentFilter.ID]; ok {
				continue
			}
			seen[e.ContentFilter.ID] = struct{}{}
			out = append(out, e.ContentFilter)
		}
	}
	return out
}

// SecurityPolicy groups the path-matched entries served for one set of
// hosts. A nil HostMatch marks the fallback policy.
type SecurityPolicy struct {
	ID        string
	Name      string
	HostMatch *regexp.Regexp
	Entries   []*PolicyEntry
}

// PolicyEntry is the per-path security policy: which profiles and limits
// apply, and the anti-DoS budgets enforced while the request streams in.
type PolicyEntry struct {
	ID                  string
	Name                string
	PathMatch           *regexp.Regexp
	ACL                 *ACLProfile
	ACLActive           bool
	ContentFilter       *ContentFilterProfile
	ContentFilterActive bool
	Limits              []*Limit
}

// Match resolves the security policy and entry for a request. An explicitly
// selected policy/entry id pair takes precedence over host/path matching.
func (c *Config) Match(authority, path, selectedPolicy, selectedEntry string) (*SecurityPolicy, *PolicyEntry, bool) {
	if selectedPolicy != "" {
		for _, p := range c.SecurityPolicies {
			if p.ID != selectedPolicy {
				continue
			}
			for _, e := range p.Entries {
				if selectedEntry == "" || e.ID == selectedEntry {
					return p, e, true
				}
			}
		}
		return nil, nil, false
	}

	var fallback *SecurityPolicy
	for _, p := range c.SecurityPolicies {
		if p.HostMatch == nil {
			if fallback == nil {
				fallback = p
			}
			continue
		}
		if p.HostMatch.MatchString(authority) {
			if e, ok := p.matchPath(path); ok {
				return p, e, true
			}
		}
	}

	if fallback != nil {
		if e, ok := fallback.matchPath(path); ok {
			return fallback, e, true
		}
	}
	return nil, nil, false
}

func (p *SecurityPolicy) matchPath(path string) (*PolicyEntry, bool) {
	for _, e := range p.Entries {
		if e.PathMatch == nil || e.PathMatch.MatchString(path) {
			return e, true
		}
	}
	return nil, false
}

// ACLProfile is the five tag sets the ACL stage intersects the request tags
// with, plus the force-deny bypass set.
type ACLProfile struct {
	ID          string
	Name        string
	ForceDeny   map[string]struct{}
	Passthrough map[string]struct{}
	AllowBot    map[string]struct{}
	DenyBot     map[string]struct{}
	Allow       map[string]struct{}
	Deny        map[string]struct{}
}

// SectionIdx names the request sections the content filter validates
// independently.
type SectionIdx int

// Sections available.
const (
	SectionHeaders SectionIdx = iota
	SectionCookies
	SectionArgs
	SectionPath
	SectionPlugins
	sectionCount
)

// AllSections lists every SectionIdx.
var AllSections = []SectionIdx{SectionHeaders, SectionCookies, SectionArgs, SectionPath, SectionPlugins}

func (s SectionIdx) String() string {
	switch s {
	case SectionHeaders:
		return "headers"
	case SectionCookies:
		return "cookies"
	case SectionArgs:
		return "args"
	case SectionPath:
		return "path"
	case SectionPlugins:
		return "plugins"
	}
	return "unknown"
}

// ContentType of a request body, as far as the body parsers are concerned.
type ContentType int

// ContentTypes available.
const (
	_ ContentType = iota
	JSONContent
	URLEncodedContent
	MultipartFormContent
	XMLContent
	GraphQLContent
)

func (t ContentType) String() string {
	switch t {
	case JSONContent:
		return "json"
	case URLEncodedContent:
		return "urlencoded"
	case MultipartFormContent:
		return "multipart"
	case XMLContent:
		return "xml"
	case GraphQLContent:
		return "graphql"
	}
	return "unknown"
}

// ContentFilterProfile configures structural validation, decoding, masking
// and injection/signature scanning for one policy entry.
type ContentFilterProfile struct {
	ID             string
	Name           string
	IgnoreAlphanum bool
	Sections       [sectionCount]*ContentFilterSection
	Decoding       []reqdata.Transform
	ContentTypes   []ContentType // accepted body types; empty means try all
	ActiveTags     map[string]struct{}
	ReportTags     map[string]struct{}
	IgnoreTags     map[string]struct{}
	MaskingSeed    []byte
	MaxBodySize    int
	MaxBodyDepth   int
	// GraphQL auto-detection inside JSON bodies: a configured JSONPath
	// expression, or the fixed extraction regex when empty.
	GraphQLDetection bool
	GraphQLJSONPath  string
	// ReferParsing also runs the args section checks over the referer
	// header's query arguments.
	ReferParsing bool
}

// Section returns the per-section settings, never nil.
func (p *ContentFilterProfile) Section(idx SectionIdx) *ContentFilterSection {
	if s := p.Sections[idx]; s != nil {
		return s
	}
	return &emptySection
}

var emptySection ContentFilterSection

// ContentFilterSection is the structural validation config for one request
// section. A zero MaxCount or MaxLength disables that check.
type ContentFilterSection struct {
	MaxCount  int
	MaxLength int
	Names     map[string]*ContentFilterEntry
	Regex     []*ContentFilterRegexEntry
}

// ContentFilterEntry is a per-field rule: an allowed-values regex, a
// restrict flag, a mask flag, and tag-based restriction exclusions.
type ContentFilterEntry struct {
	Reg        *regexp.Regexp
	Restrict   bool
	Mask       bool
	Exclusions map[string]struct{}
}

// ContentFilterRegexEntry applies an entry to every field whose name
// matches the pattern. Exact-name entries win over regex entries.
type ContentFilterRegexEntry struct {
	Pattern *regexp.Regexp
	Entry   ContentFilterEntry
}

// ContentFilterRule is one raw signature supplied by configuration before
// compilation into a multi-pattern database.
type ContentFilterRule struct {
	ID          string
	Name        string
	Operand     string
	Risk        int
	Category    string
	Subcategory string
	Tags        []string
}

// RequestSelector picks one value out of a request for flow/limit keying.
type RequestSelector struct {
	Kind SelectorKind
	Name string // header/cookie/arg name when the kind needs one
}

// SelectorKind enumerates what a RequestSelector can select.
type SelectorKind int

// SelectorKinds available.
const (
	SelectorIP SelectorKind = iota
	SelectorPath
	SelectorQuery
	SelectorURI
	SelectorMethod
	SelectorAuthority
	SelectorCountry
	SelectorRegion
	SelectorASN
	SelectorCompany
	SelectorHeader
	SelectorCookie
	SelectorArg
)

// Limit is one counter-threshold rate limit.
type Limit struct {
	ID         string
	Name       string
	Timeframe  int64 // seconds
	Thresholds []LimitThreshold
	Pairwith   *RequestSelector
	Keys       []RequestSelector
	Include    map[string]struct{}
	Exclude    map[string]struct{}
}

// LimitThreshold pairs a count threshold with the action applied when the
// observed count exceeds it. Thresholds are pre-sorted ascending by Limit;
// configuration loading rejects orderings where a later entry carries a
// lower threshold with a higher-priority action.
type LimitThreshold struct {
	Limit  int64
	Action *SimpleAction
}

// ZeroThresholds reports whether every threshold is zero, which makes the
// limit a no-op shortcut that never touches the counter store.
func (l *Limit) ZeroThresholds() bool {
	for _, t := range l.Thresholds {
		if t.Limit != 0 {
			return false
		}
	}
	return true
}

// FlowElement is one named multi-step flow sequence.
type FlowElement struct {
	ID        string
	Name      string
	Timeframe int64 // seconds
	Include   map[string]struct{}
	Exclude   map[string]struct{}
	Keys      []RequestSelector
	Sequence  []FlowStep
	Action    *SimpleAction
}

// FlowStep keys one position in a flow sequence.
type FlowStep struct {
	Method string
	Host   string
	Path   string
}
