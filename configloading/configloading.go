// Package configloading parses a YAML configuration document into an
// immutable waf.Config snapshot. Everything that can fail is resolved at
// load time: regexes compile, references bind, limit thresholds validate.
// A snapshot that loads is a snapshot the engine can run without further
// checks.
package configloading

import (
	"fmt"
	"net/netip"
	"os"
	"regexp"
	"sort"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"edgewaf/globalfilter"
	"edgewaf/reqdata"
	"edgewaf/waf"
)

type document struct {
	Revision       string              `yaml:"revision"`
	VirtualTags    map[string][]string `yaml:"virtual_tags"`
	ACLProfiles    []aclProfileDoc     `yaml:"acl_profiles"`
	ContentFilters []contentFilterDoc  `yaml:"content_filter_profiles"`
	Limits         []limitDoc          `yaml:"limits"`
	Flows          []flowDoc           `yaml:"flows"`
	GlobalFilters  []globalFilterDoc   `yaml:"global_filters"`
	Policies       []policyDoc         `yaml:"security_policies"`
	Signatures     []signatureDoc      `yaml:"signatures"`
}

type aclProfileDoc struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	ForceDeny   []string `yaml:"force_deny"`
	Passthrough []string `yaml:"passthrough"`
	AllowBot    []string `yaml:"allow_bot"`
	DenyBot     []string `yaml:"deny_bot"`
	Allow       []string `yaml:"allow"`
	Deny        []string `yaml:"deny"`
}

type contentFilterDoc struct {
	ID              string                `yaml:"id"`
	Name            string                `yaml:"name"`
	IgnoreAlphanum  bool                  `yaml:"ignore_alphanum"`
	Decoding        []string              `yaml:"decoding"`
	ContentTypes    []string              `yaml:"content_types"`
	Active          []string              `yaml:"active"`
	Report          []string              `yaml:"report"`
	Ignore          []string              `yaml:"ignore"`
	MaskingSeed     string                `yaml:"masking_seed"`
	MaxBodySize     int                   `yaml:"max_body_size"`
	MaxBodyDepth    int                   `yaml:"max_body_depth"`
	GraphQLDetect   bool                  `yaml:"graphql_detection"`
	GraphQLJSONPath string                `yaml:"graphql_jsonpath"`
	ReferParsing    bool                  `yaml:"refer_parsing"`
	Sections        map[string]sectionDoc `yaml:"sections"`
}

type sectionDoc struct {
	MaxCount  int        `yaml:"max_count"`
	MaxLength int        `yaml:"max_length"`
	Names     []entryDoc `yaml:"names"`
	Regex     []entryDoc `yaml:"regex"`
}

type entryDoc struct {
	Key        string   `yaml:"key"`
	Reg        string   `yaml:"reg"`
	Restrict   bool     `yaml:"restrict"`
	Mask       bool     `yaml:"mask"`
	Exclusions []string `yaml:"exclusions"`
}

type actionDoc struct {
	Type      string            `yaml:"type"`
	Status    int               `yaml:"status"`
	Headers   map[string]string `yaml:"headers"`
	ExtraTags []string          `yaml:"extra_tags"`
}

type selectorDoc struct {
	Attr string `yaml:"attr"`
	Name string `yaml:"name"`
}

type limitDoc struct {
	ID         string         `yaml:"id"`
	Name       string         `yaml:"name"`
	Timeframe  int64          `yaml:"timeframe"`
	Thresholds []thresholdDoc `yaml:"thresholds"`
	Pairwith   *selectorDoc   `yaml:"pairwith"`
	Keys       []selectorDoc  `yaml:"keys"`
	Include    []string       `yaml:"include"`
	Exclude    []string       `yaml:"exclude"`
}

type thresholdDoc struct {
	Limit  int64      `yaml:"limit"`
	Action *actionDoc `yaml:"action"`
}

type flowDoc struct {
	ID        string        `yaml:"id"`
	Name      string        `yaml:"name"`
	Timeframe int64         `yaml:"timeframe"`
	Keys      []selectorDoc `yaml:"keys"`
	Include   []string      `yaml:"include"`
	Exclude   []string      `yaml:"exclude"`
	Action    *actionDoc    `yaml:"action"`
	Sequence  []flowStepDoc `yaml:"sequence"`
}

type flowStepDoc struct {
	Method string `yaml:"method"`
	Host   string `yaml:"host"`
	Path   string `yaml:"path"`
}

type globalFilterDoc struct {
	ID     string     `yaml:"id"`
	Name   string     `yaml:"name"`
	Tags   []string   `yaml:"tags"`
	Action *actionDoc `yaml:"action"`
	Rule   ruleDoc    `yaml:"rule"`
}

// ruleDoc is one node of a global filter rule tree: either a relation over
// child rules or a single predicate.
type ruleDoc struct {
	Relation string    `yaml:"relation"`
	Entries  []ruleDoc `yaml:"entries"`

	Negated bool           `yaml:"negated"`
	IP      string         `yaml:"ip"`
	Network string         `yaml:"network"`
	ASN     uint32         `yaml:"asn"`
	Attr    *attrMatchDoc  `yaml:"attr"`
	Pair    *pairMatchDoc  `yaml:"pair"`
	Policy  *policyPredDoc `yaml:"policy"`
}

type attrMatchDoc struct {
	Attr  string `yaml:"attr"`
	Exact string `yaml:"exact"`
	Rx    string `yaml:"rx"`
}

type pairMatchDoc struct {
	Kind  string `yaml:"kind"`
	Name  string `yaml:"name"`
	Exact string `yaml:"exact"`
	Rx    string `yaml:"rx"`
}

type policyPredDoc struct {
	Policy string `yaml:"policy"`
	Entry  string `yaml:"entry"`
}

type policyDoc struct {
	ID        string           `yaml:"id"`
	Name      string           `yaml:"name"`
	HostMatch string           `yaml:"host_match"`
	Entries   []policyEntryDoc `yaml:"entries"`
}

type policyEntryDoc struct {
	ID                  string   `yaml:"id"`
	Name                string   `yaml:"name"`
	PathMatch           string   `yaml:"path_match"`
	ACL                 string   `yaml:"acl"`
	ACLActive           bool     `yaml:"acl_active"`
	ContentFilter       string   `yaml:"content_filter"`
	ContentFilterActive bool     `yaml:"content_filter_active"`
	Limits              []string `yaml:"limits"`
}

type signatureDoc struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Operand     string   `yaml:"operand"`
	Risk        int      `yaml:"risk"`
	Category    string   `yaml:"category"`
	Subcategory string   `yaml:"subcategory"`
	Tags        []string `yaml:"tags"`
}

// LoadFile reads and parses a configuration file.
func LoadFile(logger zerolog.Logger, path string) (*waf.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %v: %v", path, err)
	}
	return Load(logger, raw)
}

// Load parses a YAML configuration document into a config snapshot.
func Load(logger zerolog.Logger, raw []byte) (cfg *waf.Config, err error) {
	var doc document
	if err = yaml.Unmarshal(raw, &doc); err != nil {
		err = fmt.Errorf("parsing config: %v", err)
		return
	}

	cfg = &waf.Config{Revision: doc.Revision}

	cfg.VirtualTags = make(reqdata.VirtualTags, len(doc.VirtualTags))
	for tag, implied := range doc.VirtualTags {
		cfg.VirtualTags[reqdata.Tagify(tag)] = implied
	}

	acls := make(map[string]*waf.ACLProfile, len(doc.ACLProfiles))
	for _, d := range doc.ACLProfiles {
		acls[d.ID] = buildACL(d)
	}
	filters := make(map[string]*waf.ContentFilterProfile, len(doc.ContentFilters))
	for _, d := range doc.ContentFilters {
		var p *waf.ContentFilterProfile
		if p, err = buildContentFilter(d); err != nil {
			return nil, err
		}
		filters[d.ID] = p
	}
	limits := make(map[string]*waf.Limit, len(doc.Limits))
	for _, d := range doc.Limits {
		var lim *waf.Limit
		if lim, err = buildLimit(d); err != nil {
			return nil, err
		}
		limits[d.ID] = lim
	}

	for _, d := range doc.Flows {
		var flow *waf.FlowElement
		if flow, err = buildFlow(d); err != nil {
			return nil, err
		}
		cfg.Flows = append(cfg.Flows, flow)
	}

	for _, d := range doc.GlobalFilters {
		var section *waf.GlobalFilterSection
		if section, err = buildGlobalFilter(d); err != nil {
			return nil, err
		}
		cfg.GlobalFilters = append(cfg.GlobalFilters, section)
	}
	globalfilter.OptimizeSections(cfg.GlobalFilters)

	for _, d := range doc.Policies {
		var p *waf.SecurityPolicy
		if p, err = buildPolicy(d, acls, filters, limits); err != nil {
			return nil, err
		}
		cfg.SecurityPolicies = append(cfg.SecurityPolicies, p)
	}

	for _, d := range doc.Signatures {
		cfg.SignatureRules = append(cfg.SignatureRules, &waf.ContentFilterRule{
			ID:          d.ID,
			Name:        d.Name,
			Operand:     d.Operand,
			Risk:        d.Risk,
			Category:    d.Category,
			Subcategory: d.Subcategory,
			Tags:        d.Tags,
		})
	}

	logger.Info().
		Str("revision", cfg.Revision).
		Int("policies", len(cfg.SecurityPolicies)).
		Int("globalfilters", len(cfg.GlobalFilters)).
		Int("flows", len(cfg.Flows)).
		Int("signatures", len(cfg.SignatureRules)).
		Msg("Configuration snapshot loaded")
	return
}

func tagSet(names []string) map[string]struct{} {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[reqdata.Tagify(n)] = struct{}{}
	}
	return set
}

func buildACL(d aclProfileDoc) *waf.ACLProfile {
	return &waf.ACLProfile{
		ID:          d.ID,
		Name:        d.Name,
		ForceDeny:   tagSet(d.ForceDeny),
		Passthrough: tagSet(d.Passthrough),
		AllowBot:    tagSet(d.AllowBot),
		DenyBot:     tagSet(d.DenyBot),
		Allow:       tagSet(d.Allow),
		Deny:        tagSet(d.Deny),
	}
}

var sectionNames = map[string]waf.SectionIdx{
	"headers": waf.SectionHeaders,
	"cookies": waf.SectionCookies,
	"args":    waf.SectionArgs,
	"path":    waf.SectionPath,
	"plugins": waf.SectionPlugins,
}

var contentTypeNames = map[string]waf.ContentType{
	"json":       waf.JSONContent,
	"urlencoded": waf.URLEncodedContent,
	"multipart":  waf.MultipartFormContent,
	"xml":        waf.XMLContent,
	"graphql":    waf.GraphQLContent,
}

func buildContentFilter(d contentFilterDoc) (p *waf.ContentFilterProfile, err error) {
	p = &waf.ContentFilterProfile{
		ID:               d.ID,
		Name:             d.Name,
		IgnoreAlphanum:   d.IgnoreAlphanum,
		ActiveTags:       tagSet(d.Active),
		ReportTags:       tagSet(d.Report),
		IgnoreTags:       tagSet(d.Ignore),
		MaskingSeed:      []byte(d.MaskingSeed),
		MaxBodySize:      d.MaxBodySize,
		MaxBodyDepth:     d.MaxBodyDepth,
		GraphQLDetection: d.GraphQLDetect,
		GraphQLJSONPath:  d.GraphQLJSONPath,
		ReferParsing:     d.ReferParsing,
	}

	for _, name := range d.Decoding {
		t, ok := reqdata.ParseTransform(name)
		if !ok {
			return nil, fmt.Errorf("content filter %v: unknown decoding %q", d.ID, name)
		}
		p.Decoding = append(p.Decoding, t)
	}
	for _, name := range d.ContentTypes {
		ct, ok := contentTypeNames[name]
		if !ok {
			return nil, fmt.Errorf("content filter %v: unknown content type %q", d.ID, name)
		}
		p.ContentTypes = append(p.ContentTypes, ct)
	}

	for name, sd := range d.Sections {
		idx, ok := sectionNames[name]
		if !ok {
			return nil, fmt.Errorf("content filter %v: unknown section %q", d.ID, name)
		}
		section := &waf.ContentFilterSection{
			MaxCount:  sd.MaxCount,
			MaxLength: sd.MaxLength,
		}
		for _, ed := range sd.Names {
			entry, eerr := buildEntry(ed)
			if eerr != nil {
				return nil, fmt.Errorf("content filter %v section %v: %v", d.ID, name, eerr)
			}
			if section.Names == nil {
				section.Names = make(map[string]*waf.ContentFilterEntry)
			}
			section.Names[ed.Key] = entry
		}
		for _, ed := range sd.Regex {
			entry, eerr := buildEntry(ed)
			if eerr != nil {
				return nil, fmt.Errorf("content filter %v section %v: %v", d.ID, name, eerr)
			}
			pattern, perr := regexp.Compile(ed.Key)
			if perr != nil {
				return nil, fmt.Errorf("content filter %v section %v: key pattern %q: %v", d.ID, name, ed.Key, perr)
			}
			section.Regex = append(section.Regex, &waf.ContentFilterRegexEntry{Pattern: pattern, Entry: *entry})
		}
		p.Sections[idx] = section
	}
	return
}

func buildEntry(d entryDoc) (*waf.ContentFilterEntry, error) {
	entry := &waf.ContentFilterEntry{
		Restrict:   d.Restrict,
		Mask:       d.Mask,
		Exclusions: tagSet(d.Exclusions),
	}
	if d.Reg != "" {
		rx, err := regexp.Compile(d.Reg)
		if err != nil {
			return nil, fmt.Errorf("entry %q: %v", d.Key, err)
		}
		entry.Reg = rx
	}
	return entry, nil
}

var selectorKinds = map[string]waf.SelectorKind{
	"ip":        waf.SelectorIP,
	"path":      waf.SelectorPath,
	"query":     waf.SelectorQuery,
	"uri":       waf.SelectorURI,
	"method":    waf.SelectorMethod,
	"authority": waf.SelectorAuthority,
	"country":   waf.SelectorCountry,
	"region":    waf.SelectorRegion,
	"asn":       waf.SelectorASN,
	"company":   waf.SelectorCompany,
	"header":    waf.SelectorHeader,
	"cookie":    waf.SelectorCookie,
	"arg":       waf.SelectorArg,
}

func buildSelector(d selectorDoc) (sel waf.RequestSelector, err error) {
	kind, ok := selectorKinds[d.Attr]
	if !ok {
		err = fmt.Errorf("unknown selector attribute %q", d.Attr)
		return
	}
	sel = waf.RequestSelector{Kind: kind, Name: d.Name}
	switch kind {
	case waf.SelectorHeader, waf.SelectorCookie, waf.SelectorArg:
		if d.Name == "" {
			err = fmt.Errorf("selector %q requires a name", d.Attr)
		}
	}
	return
}

var actionTypes = map[string]waf.ActionType{
	"monitor":   waf.ActionMonitor,
	"challenge": waf.ActionChallenge,
	"custom":    waf.ActionCustom,
	"skip":      waf.ActionSkip,
}

func buildAction(d *actionDoc) (*waf.SimpleAction, error) {
	if d == nil {
		return nil, nil
	}
	t, ok := actionTypes[d.Type]
	if !ok {
		return nil, fmt.Errorf("unknown action type %q", d.Type)
	}
	return &waf.SimpleAction{
		Type:      t,
		Status:    d.Status,
		Headers:   d.Headers,
		ExtraTags: d.ExtraTags,
	}, nil
}

func buildLimit(d limitDoc) (limit *waf.Limit, err error) {
	limit = &waf.Limit{
		ID:        d.ID,
		Name:      d.Name,
		Timeframe: d.Timeframe,
		Include:   tagSet(d.Include),
		Exclude:   tagSet(d.Exclude),
	}

	for _, kd := range d.Keys {
		sel, serr := buildSelector(kd)
		if serr != nil {
			return nil, fmt.Errorf("limit %v: %v", d.ID, serr)
		}
		limit.Keys = append(limit.Keys, sel)
	}
	if d.Pairwith != nil {
		sel, serr := buildSelector(*d.Pairwith)
		if serr != nil {
			return nil, fmt.Errorf("limit %v pairwith: %v", d.ID, serr)
		}
		limit.Pairwith = &sel
	}

	for _, td := range d.Thresholds {
		action, aerr := buildAction(td.Action)
		if aerr != nil {
			return nil, fmt.Errorf("limit %v: %v", d.ID, aerr)
		}
		limit.Thresholds = append(limit.Thresholds, waf.LimitThreshold{Limit: td.Limit, Action: action})
	}
	if err = validateThresholds(limit); err != nil {
		return nil, fmt.Errorf("limit %v: %v", d.ID, err)
	}
	return
}

// validateThresholds sorts the thresholds ascending and rejects orderings
// where a lower threshold carries a stronger action than a higher one; such
// a configuration would make the higher threshold unreachable in effect.
func validateThresholds(limit *waf.Limit) error {
	sort.SliceStable(limit.Thresholds, func(i, j int) bool {
		return limit.Thresholds[i].Limit < limit.Thresholds[j].Limit
	})
	for i := 1; i < len(limit.Thresholds); i++ {
		prev, cur := limit.Thresholds[i-1], limit.Thresholds[i]
		if actionPriority(prev.Action) > actionPriority(cur.Action) {
			return fmt.Errorf("threshold %d is shadowed: the lower threshold %d has a stronger action", cur.Limit, prev.Limit)
		}
	}
	return nil
}

func actionPriority(a *waf.SimpleAction) int {
	if a == nil {
		return waf.ActionCustom.Priority()
	}
	return a.Type.Priority()
}

func buildFlow(d flowDoc) (flow *waf.FlowElement, err error) {
	if len(d.Sequence) < 2 {
		return nil, fmt.Errorf("flow %v: a sequence needs at least two steps", d.ID)
	}
	flow = &waf.FlowElement{
		ID:        d.ID,
		Name:      d.Name,
		Timeframe: d.Timeframe,
		Include:   tagSet(d.Include),
		Exclude:   tagSet(d.Exclude),
	}
	for _, kd := range d.Keys {
		sel, serr := buildSelector(kd)
		if serr != nil {
			return nil, fmt.Errorf("flow %v: %v", d.ID, serr)
		}
		flow.Keys = append(flow.Keys, sel)
	}
	if flow.Action, err = buildAction(d.Action); err != nil {
		return nil, fmt.Errorf("flow %v: %v", d.ID, err)
	}
	for _, sd := range d.Sequence {
		flow.Sequence = append(flow.Sequence, waf.FlowStep{Method: sd.Method, Host: sd.Host, Path: sd.Path})
	}
	return
}

func buildGlobalFilter(d globalFilterDoc) (section *waf.GlobalFilterSection, err error) {
	section = &waf.GlobalFilterSection{
		ID:   d.ID,
		Name: d.Name,
		Tags: d.Tags,
	}
	if section.Action, err = buildAction(d.Action); err != nil {
		return nil, fmt.Errorf("global filter %v: %v", d.ID, err)
	}
	if section.Rule, err = buildRule(d.Rule); err != nil {
		return nil, fmt.Errorf("global filter %v: %v", d.ID, err)
	}
	return
}

func buildRule(d ruleDoc) (waf.GFRule, error) {
	if d.Relation != "" {
		var op waf.RelationOp
		switch d.Relation {
		case "and":
			op = waf.RelAnd
		case "or":
			op = waf.RelOr
		default:
			return nil, fmt.Errorf("unknown relation %q", d.Relation)
		}
		rel := waf.GFRelation{Op: op}
		for _, child := range d.Entries {
			r, err := buildRule(child)
			if err != nil {
				return nil, err
			}
			rel.Entries = append(rel.Entries, r)
		}
		return rel, nil
	}

	pred, err := buildPredicate(d)
	if err != nil {
		return nil, err
	}
	return waf.GFEntry{Negated: d.Negated, Pred: pred}, nil
}

var attrNames = map[string]waf.SingleAttr{
	"path":      waf.AttrPath,
	"query":     waf.AttrQuery,
	"uri":       waf.AttrURI,
	"method":    waf.AttrMethod,
	"authority": waf.AttrAuthority,
	"country":   waf.AttrCountry,
	"region":    waf.AttrRegion,
	"subregion": waf.AttrSubregion,
	"company":   waf.AttrCompany,
	"tag":       waf.AttrTag,
}

var pairKinds = map[string]waf.PairKind{
	"header": waf.PairHeader,
	"cookie": waf.PairCookie,
	"arg":    waf.PairArg,
	"plugin": waf.PairPlugin,
}

func buildPredicate(d ruleDoc) (waf.GFPredicate, error) {
	switch {
	case d.IP != "":
		addr, err := netip.ParseAddr(d.IP)
		if err != nil {
			return nil, fmt.Errorf("ip predicate %q: %v", d.IP, err)
		}
		return waf.IPPredicate{Addr: addr.Unmap()}, nil
	case d.Network != "":
		prefix, err := netip.ParsePrefix(d.Network)
		if err != nil {
			return nil, fmt.Errorf("network predicate %q: %v", d.Network, err)
		}
		return waf.NetworkPredicate{Net: prefix}, nil
	case d.ASN != 0:
		return waf.ASNPredicate{ASN: d.ASN}, nil
	case d.Attr != nil:
		attr, ok := attrNames[d.Attr.Attr]
		if !ok {
			return nil, fmt.Errorf("unknown attribute %q", d.Attr.Attr)
		}
		match, err := buildStringMatch(d.Attr.Exact, d.Attr.Rx)
		if err != nil {
			return nil, err
		}
		return waf.AttrPredicate{Attr: attr, Match: match}, nil
	case d.Pair != nil:
		kind, ok := pairKinds[d.Pair.Kind]
		if !ok {
			return nil, fmt.Errorf("unknown pair kind %q", d.Pair.Kind)
		}
		match, err := buildStringMatch(d.Pair.Exact, d.Pair.Rx)
		if err != nil {
			return nil, err
		}
		return waf.PairPredicate{Kind: kind, Name: d.Pair.Name, Match: match}, nil
	case d.Policy != nil:
		return waf.PolicyPredicate{PolicyID: d.Policy.Policy, EntryID: d.Policy.Entry}, nil
	}
	return nil, fmt.Errorf("rule node has no predicate")
}

func buildStringMatch(exact, rx string) (m waf.StringMatch, err error) {
	if rx != "" {
		if m.Rx, err = regexp.Compile(rx); err != nil {
			err = fmt.Errorf("match pattern %q: %v", rx, err)
		}
		return
	}
	m.Exact = exact
	return
}

func buildPolicy(d policyDoc, acls map[string]*waf.ACLProfile, filters map[string]*waf.ContentFilterProfile, limits map[string]*waf.Limit) (p *waf.SecurityPolicy, err error) {
	p = &waf.SecurityPolicy{ID: d.ID, Name: d.Name}
	if d.HostMatch != "" {
		if p.HostMatch, err = regexp.Compile(d.HostMatch); err != nil {
			return nil, fmt.Errorf("policy %v: host match %q: %v", d.ID, d.HostMatch, err)
		}
	}

	for _, ed := range d.Entries {
		entry := &waf.PolicyEntry{
			ID:                  ed.ID,
			Name:                ed.Name,
			ACLActive:           ed.ACLActive,
			ContentFilterActive: ed.ContentFilterActive,
		}
		if ed.PathMatch != "" {
			if entry.PathMatch, err = regexp.Compile(ed.PathMatch); err != nil {
				return nil, fmt.Errorf("policy %v entry %v: path match %q: %v", d.ID, ed.ID, ed.PathMatch, err)
			}
		}
		if ed.ACL != "" {
			acl, ok := acls[ed.ACL]
			if !ok {
				return nil, fmt.Errorf("policy %v entry %v: unknown acl profile %q", d.ID, ed.ID, ed.ACL)
			}
			entry.ACL = acl
		}
		if ed.ContentFilter != "" {
			cf, ok := filters[ed.ContentFilter]
			if !ok {
				return nil, fmt.Errorf("policy %v entry %v: unknown content filter profile %q", d.ID, ed.ID, ed.ContentFilter)
			}
			entry.ContentFilter = cf
		}
		for _, id := range ed.Limits {
			limit, ok := limits[id]
			if !ok {
				return nil, fmt.Errorf("policy %v entry %v: unknown limit %q", d.ID, ed.ID, id)
			}
			entry.Limits = append(entry.Limits, limit)
		}
		p.Entries = append(p.Entries, entry)
	}
	return
}
