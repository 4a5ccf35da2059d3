// Package contentfilter implements the per-section request validation
// phase: structural count/length limits, per-field allowed-value rules,
// libinjection SQLi/XSS detection, and multi-pattern signature scanning.
package contentfilter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/corazawaf/libinjection-go"
	"github.com/rs/zerolog"

	"edgewaf/reqdata"
	"edgewaf/waf"
)

// Pseudo-tags gating the libinjection detectors through the profile's
// active/report/ignore sets, like any signature tag.
const (
	TagLibinjection     = "libinjection"
	TagLibinjectionSQLi = "libinjection-sqli"
	TagLibinjectionXSS  = "libinjection-xss"
)

// Check runs the whole content filter phase over a mapped request. When
// active is false, blocking outcomes degrade to Monitor.
func Check(logger zerolog.Logger, db *SignatureDB, profile *waf.ContentFilterProfile, ri *waf.RequestInfo, tags *reqdata.Tags, active bool) waf.SimpleDecision {
	// A request already carrying an ignored tag bypasses the whole phase,
	// structural checks included.
	if tags.HasAny(profile.IgnoreTags) {
		logger.Debug().Str("profile", profile.ID).Msg("Content filter bypassed by global ignore")
		return waf.SimpleDecision{}
	}

	c := &checker{
		logger:  logger,
		db:      db,
		profile: profile,
		ri:      ri,
		tags:    tags,
	}

	for _, idx := range waf.AllSections {
		c.checkSection(idx)
	}
	c.scanSignatures()

	return c.finish(active)
}

type checker struct {
	logger  zerolog.Logger
	db      *SignatureDB
	profile *waf.ContentFilterProfile
	ri      *waf.RequestInfo
	tags    *reqdata.Tags

	blockReasons  []waf.BlockReason
	reportReasons []waf.BlockReason

	// Values cleared by a per-field rule or by the alphanumeric
	// exemption are excluded from the signature scan.
	scanFields []scanField
}

type scanField struct {
	section waf.SectionIdx
	key     string
	field   *reqdata.Field
	entry   *waf.ContentFilterEntry
}

func (c *checker) checkSection(idx waf.SectionIdx) {
	store := c.ri.Section(idx)
	if store == nil {
		return
	}
	section := c.profile.Section(idx)

	if section.MaxCount > 0 && store.CountRaw() > section.MaxCount {
		c.blockReasons = append(c.blockReasons, waf.BlockReason{
			Name: fmt.Sprintf("too many entries in %v", idx),
			Initiator: waf.RestrictionInitiator{
				Type:     "count",
				Actual:   strconv.Itoa(store.CountRaw()),
				Expected: strconv.Itoa(section.MaxCount),
			},
			Location: sectionLocation(idx),
			Type:     waf.ActionCustom,
		})
	}

	store.Iterate(func(key string, f *reqdata.Field) bool {
		c.checkField(idx, section, key, f)
		return true
	})
}

func (c *checker) checkField(idx waf.SectionIdx, section *waf.ContentFilterSection, key string, f *reqdata.Field) {
	// Derived decoded entries are scanned but exempt from length limits.
	if section.MaxLength > 0 && !reqdata.IsDecodedKey(key) && len(f.Value) > section.MaxLength {
		c.blockReasons = append(c.blockReasons, waf.BlockReason{
			Name: fmt.Sprintf("entry too long in %v", idx),
			Initiator: waf.RestrictionInitiator{
				Type:     "length",
				Actual:   strconv.Itoa(len(f.Value)),
				Expected: strconv.Itoa(section.MaxLength),
			},
			Location: fieldLocation(f),
			Type:     waf.ActionCustom,
		})
	}

	entry := lookupEntry(section, strings.TrimSuffix(key, reqdata.DecodedSuffix))
	if entry != nil {
		if entry.Reg != nil && entry.Reg.MatchString(f.Value) {
			// The field matched its allowed-values pattern; nothing
			// further to check on it.
			return
		}
		// A restricted field with no pattern admits no value at all.
		if entry.Restrict && !c.tags.HasAny(entry.Exclusions) {
			expected := ""
			if entry.Reg != nil {
				expected = entry.Reg.String()
			}
			c.blockReasons = append(c.blockReasons, waf.BlockReason{
				Name: fmt.Sprintf("restricted field %q did not match", key),
				Initiator: waf.RestrictionInitiator{
					Type:     "restrict",
					Actual:   f.Value,
					Expected: expected,
				},
				Location: fieldLocation(f),
				Type:     waf.ActionCustom,
			})
			return
		}
	}

	if c.profile.IgnoreAlphanum && isAlphanumeric(f.Value) {
		return
	}

	c.scanLibinjection(key, f)
	c.scanFields = append(c.scanFields, scanField{section: idx, key: key, field: f, entry: entry})
}

// lookupEntry resolves the per-field rule for a name: an exact entry wins
// over the first matching regex entry.
func lookupEntry(section *waf.ContentFilterSection, name string) *waf.ContentFilterEntry {
	if e, ok := section.Names[name]; ok {
		return e
	}
	for _, re := range section.Regex {
		if re.Pattern.MatchString(name) {
			return &re.Entry
		}
	}
	return nil
}

func (c *checker) scanLibinjection(key string, f *reqdata.Field) {
	sqli := c.gate(TagLibinjectionSQLi)
	xss := c.gate(TagLibinjectionXSS)

	if sqli != gateOff {
		if found, fingerprint := libinjection.IsSQLi(f.Value); found {
			c.addHit(sqli, waf.BlockReason{
				ID:        TagLibinjectionSQLi,
				Name:      "sqli:" + fingerprint,
				Initiator: waf.ContentFilterInitiator{RuleID: TagLibinjectionSQLi},
				Location:  fieldLocation(f),
			}, TagLibinjectionSQLi, f)
		}
	}
	if xss != gateOff {
		if libinjection.IsXSS(f.Value) {
			c.addHit(xss, waf.BlockReason{
				ID:        TagLibinjectionXSS,
				Name:      "xss",
				Initiator: waf.ContentFilterInitiator{RuleID: TagLibinjectionXSS},
				Location:  fieldLocation(f),
			}, TagLibinjectionXSS, f)
		}
	}
}

type gateState int

const (
	gateOff gateState = iota
	gateReport
	gateActive
)

// gate resolves how a detector or rule tag should be treated: ignore wins,
// then active, then report, and absence from every set switches it off.
func (c *checker) gate(tag string) gateState {
	if inSet(c.profile.IgnoreTags, tag, TagLibinjection) {
		return gateOff
	}
	if inSet(c.profile.ActiveTags, tag, TagLibinjection) {
		return gateActive
	}
	if inSet(c.profile.ReportTags, tag, TagLibinjection) {
		return gateReport
	}
	return gateOff
}

func inSet(set map[string]struct{}, tags ...string) bool {
	for _, t := range tags {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}

func (c *checker) addHit(state gateState, reason waf.BlockReason, tag string, f *reqdata.Field) {
	c.tags.AddSet(tag, f.Locations)
	if state == gateActive {
		reason.Type = waf.ActionCustom
		c.blockReasons = append(c.blockReasons, reason)
	} else {
		reason.Type = waf.ActionMonitor
		c.reportReasons = append(c.reportReasons, reason)
	}
}

// scanSignatures runs the multi-pattern first pass over every scannable
// value at once, then attributes candidate rules to individual fields with
// a per-value rescan.
func (c *checker) scanSignatures() {
	if c.db == nil || len(c.scanFields) == 0 {
		return
	}

	var blob strings.Builder
	for _, sf := range c.scanFields {
		blob.WriteString(sf.field.Value)
		blob.WriteByte('\n')
	}

	candidates, err := c.db.Candidates([]byte(blob.String()))
	if err != nil {
		// Scanner failure never blocks the request.
		c.logger.Warn().Err(err).Msg("Signature scan failed")
		return
	}

	for _, cand := range candidates {
		for _, sf := range c.scanFields {
			if !cand.rx.MatchString(sf.field.Value) {
				continue
			}
			c.ruleHit(cand.rule, sf)
		}
	}
}

func (c *checker) ruleHit(rule *waf.ContentFilterRule, sf scanField) {
	// Per-field exclusions suppress rules by any of their tags.
	ruleTags := signatureTags(rule)
	if sf.entry != nil && len(sf.entry.Exclusions) > 0 {
		for _, t := range ruleTags {
			if _, ok := sf.entry.Exclusions[t]; ok {
				return
			}
		}
	}

	state := gateOff
	for _, t := range ruleTags {
		if _, ok := c.profile.IgnoreTags[t]; ok {
			return
		}
	}
	for _, t := range ruleTags {
		if _, ok := c.profile.ActiveTags[t]; ok {
			state = gateActive
			break
		}
		if _, ok := c.profile.ReportTags[t]; ok {
			state = gateReport
		}
	}

	// Only kept matches leave a trace in the request tag set.
	if state == gateOff {
		return
	}
	for _, t := range ruleTags {
		c.tags.AddSet(t, sf.field.Locations)
	}

	reason := waf.BlockReason{
		ID:        rule.ID,
		Name:      rule.Name,
		Initiator: waf.ContentFilterInitiator{RuleID: rule.ID, Risk: rule.Risk},
		Location:  fieldLocation(sf.field),
	}
	if state == gateActive {
		reason.Type = waf.ActionCustom
		c.blockReasons = append(c.blockReasons, reason)
	} else {
		reason.Type = waf.ActionMonitor
		c.reportReasons = append(c.reportReasons, reason)
	}
}

// signatureTags is the full tag set a rule hit applies: the rule's own
// tags plus the generated identity tags.
func signatureTags(rule *waf.ContentFilterRule) []string {
	tt := make([]string, 0, len(rule.Tags)+4)
	tt = append(tt, rule.Tags...)
	tt = append(tt,
		"cf-rule-id:"+rule.ID,
		"cf-rule-risk:"+strconv.Itoa(rule.Risk),
	)
	if rule.Category != "" {
		tt = append(tt, "cf-rule-category:"+rule.Category)
	}
	if rule.Subcategory != "" {
		tt = append(tt, "cf-rule-subcategory:"+rule.Subcategory)
	}
	return tt
}

func (c *checker) finish(active bool) waf.SimpleDecision {
	var d waf.SimpleDecision
	d.Reasons = append(d.Reasons, c.blockReasons...)
	d.Reasons = append(d.Reasons, c.reportReasons...)
	if len(d.Reasons) == 0 {
		return d
	}

	if len(c.blockReasons) > 0 && active {
		d.Action = &waf.SimpleAction{Type: waf.ActionCustom, Status: 403}
		return d
	}

	// Report-only hits, or an inactive profile: surface everything as
	// Monitor.
	for i := range d.Reasons {
		d.Reasons[i].Type = waf.ActionMonitor
	}
	d.Action = &waf.SimpleAction{Type: waf.ActionMonitor}
	return d
}

func sectionLocation(idx waf.SectionIdx) reqdata.Location {
	switch idx {
	case waf.SectionHeaders:
		return reqdata.HeadersLocation()
	case waf.SectionCookies:
		return reqdata.CookiesLocation()
	case waf.SectionArgs:
		return reqdata.URIArgumentsLocation()
	case waf.SectionPath:
		return reqdata.PathLocation()
	case waf.SectionPlugins:
		return reqdata.PluginsLocation()
	}
	return reqdata.RequestLocation()
}

func fieldLocation(f *reqdata.Field) reqdata.Location {
	if locs := f.Locations.Sorted(); len(locs) > 0 {
		return locs[0]
	}
	return reqdata.RequestLocation()
}

func isAlphanumeric(s string) bool {
	if s == "" {
		return true
	}
	for _, r := range s {
		if !('a' <= r && r <= 'z') && !('A' <= r && r <= 'Z') && !('0' <= r && r <= '9') {
			return false
		}
	}
	return true
}
