// Package analyze drives the inspection pipeline: request mapping, global
// filters, flow control, rate limits, ACL and content filter, in that
// order, with early termination as soon as the accumulated decision is
// final.
package analyze

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"edgewaf/acl"
	"edgewaf/contentfilter"
	"edgewaf/flowcontrol"
	"edgewaf/globalfilter"
	"edgewaf/metrics"
	"edgewaf/ratelimit"
	"edgewaf/reqdata"
	"edgewaf/waf"
)

// Analyzer holds the long-lived collaborators shared by every request.
type Analyzer struct {
	Logger   zerolog.Logger
	Store    waf.CounterStore
	Verifier waf.HumanVerifier
	GeoDB    waf.GeoDB
	Metrics  *metrics.Metrics
}

// Result is the terminal outcome of one inspection: the decision, the
// accumulated tags, the masked request info for logging, and the stats.
type Result struct {
	Decision waf.Decision
	Tags     *reqdata.Tags
	Request  *waf.RequestInfo
	Stats    *waf.Stats
}

// Inspect runs the full pipeline over an already-received request against
// one immutable configuration snapshot.
func (a *Analyzer) Inspect(ctx context.Context, cfg *waf.Config, raw *RawRequest) Result {
	id, early := a.InspectInit(cfg, raw.Meta, raw.PeerAddr, raw.TrustedHops, "", "", raw.Plugins)
	if early != nil {
		return *early
	}
	for _, h := range raw.Headers {
		if res := id.AddHeader(h[0], h[1]); res != nil {
			return *res
		}
	}
	if len(raw.Body) > 0 {
		if res := id.AddBody(raw.Body); res != nil {
			return *res
		}
	}
	return id.Finalize(ctx)
}

// analysis is the per-request pipeline state shared by the phase values.
type analysis struct {
	a       *Analyzer
	logger  zerolog.Logger
	cfg     *waf.Config
	ri      *waf.RequestInfo
	tags    *reqdata.Tags
	stats   *waf.Stats
	bodyErr error

	decision waf.SimpleDecision
	human    bool
}

func (an *analysis) run(ctx context.Context) Result {
	fq, res := phase0{an}.next()
	if res != nil {
		return *res
	}
	lq, res := fq.next(ctx)
	if res != nil {
		return *res
	}
	fin, res := lq.next(ctx)
	if res != nil {
		return *res
	}
	return fin.result(ctx)
}

// simpleFinal mirrors Decision.IsFinal for the pre-materialization form.
func simpleFinal(d waf.SimpleDecision) bool {
	if d.Action != nil && d.Action.Type != waf.ActionMonitor {
		return true
	}
	for _, r := range d.Reasons {
		if r.Type != waf.ActionMonitor && r.Type != waf.ActionSkip {
			return true
		}
	}
	return false
}

func (an *analysis) fold(d waf.SimpleDecision) {
	an.decision = waf.StrongerDecision(an.decision, d)
}

// phase0 applies baseline tags, surfaces a body decoding failure when the
// profile demands structural validity, handles the special URI hooks, and
// folds the global filter decision.
type phase0 struct{ an *analysis }

func (p phase0) next() (flowQuery, *Result) {
	an := p.an
	an.seedTags()

	if an.bodyErr != nil && an.ri.Entry != nil && an.ri.Entry.ContentFilterActive {
		an.fold(waf.SimpleDecision{
			Action: &waf.SimpleAction{Type: waf.ActionCustom, Status: 403},
			Reasons: []waf.BlockReason{{
				Name: "invalid request body",
				Initiator: waf.RestrictionInitiator{
					Type:   "body decoding",
					Actual: an.bodyErr.Error(),
				},
				Location: reqdata.BodyLocation(),
				Type:     waf.ActionCustom,
			}},
		})
		return flowQuery{}, an.terminalPtr()
	}
	if an.bodyErr != nil {
		an.logger.Debug().Err(an.bodyErr).Msg("Body not parseable, keeping raw body field")
	}

	if res := an.specialURIHook(); res != nil {
		return flowQuery{}, res
	}

	start := time.Now()
	var sections []*waf.GlobalFilterSection
	if an.cfg != nil {
		sections = an.cfg.GlobalFilters
	}
	gfDecision, active := globalfilter.CheckSections(an.logger, sections, an.ri, an.tags)
	an.stats.MarkGlobalFilter(len(sections), active, time.Since(start))
	an.fold(gfDecision)

	if simpleFinal(an.decision) {
		return flowQuery{}, an.terminalPtr()
	}
	return flowQuery{an}, nil
}

// flowQuery issues the batched flow lookups and folds the outcome. A store
// failure degrades to no results.
type flowQuery struct{ an *analysis }

func (p flowQuery) next(ctx context.Context) (limitQuery, *Result) {
	an := p.an

	start := time.Now()
	var flows []*waf.FlowElement
	if an.cfg != nil {
		flows = an.cfg.Flows
	}
	d, checks, errs := flowcontrol.Check(ctx, an.logger, an.a.Store, an.ri, an.tags, flows)
	an.stats.MarkFlow(checks, errs, time.Since(start))
	an.fold(d)

	if simpleFinal(an.decision) {
		return limitQuery{}, an.terminalPtr()
	}
	return limitQuery{an}, nil
}

// limitQuery issues the batched limit counters, built from the now-final
// tag set.
type limitQuery struct{ an *analysis }

func (p limitQuery) next(ctx context.Context) (finish, *Result) {
	an := p.an

	start := time.Now()
	var limits []*waf.Limit
	if an.ri.Entry != nil {
		limits = an.ri.Entry.Limits
	}
	d, checks, errs := ratelimit.Check(ctx, an.logger, an.a.Store, an.ri, an.tags, limits)
	an.stats.MarkLimit(checks, errs, time.Since(start))
	an.fold(d)

	if simpleFinal(an.decision) {
		return finish{}, an.terminalPtr()
	}
	return finish{an}, nil
}

// finish evaluates the ACL and, unless it already settled the verdict,
// the content filter.
type finish struct{ an *analysis }

func (p finish) result(ctx context.Context) Result {
	an := p.an

	if an.ri.Entry == nil || an.ri.Entry.ACL == nil {
		an.stats.MarkACL(0)
	} else {
		start := time.Now()
		an.human = an.isHuman()
		if an.human {
			an.tags.Add("human", reqdata.RequestLocation())
		} else {
			an.tags.Add("bot", reqdata.RequestLocation())
		}

		r := acl.Check(an.ri.Entry.ACL, an.tags, an.human)
		d := acl.Resolve(an.ri.Entry.ACL, r, an.ri.Entry.ACLActive)
		an.stats.MarkACL(time.Since(start))
		an.fold(d)

		// Bypass skips the content filter entirely; blocking and
		// challenge outcomes are terminal too.
		if an.decision.Action != nil && an.decision.Action.Type == waf.ActionSkip {
			return an.terminal()
		}
		if simpleFinal(an.decision) {
			return an.terminal()
		}
	}

	if an.ri.Entry != nil && an.ri.Entry.ContentFilter != nil {
		start := time.Now()
		d := contentfilter.Check(an.logger, an.signatureDB(an.ri.Entry.ContentFilter), an.ri.Entry.ContentFilter, an.ri, an.tags, an.ri.Entry.ContentFilterActive)
		an.stats.MarkContentFilter(time.Since(start))
		an.fold(d)
	}

	return an.terminal()
}

// signatureDB resolves the profile's compiled signature set from the
// snapshot. A missing set means resolution kept no rules for this profile;
// the scan is skipped.
func (an *analysis) signatureDB(profile *waf.ContentFilterProfile) *contentfilter.SignatureDB {
	if an.cfg == nil {
		return nil
	}
	db, ok := an.cfg.SignatureSets[profile.ID].(*contentfilter.SignatureDB)
	if !ok {
		an.logger.Debug().Str("profile", profile.ID).Msg("No compiled signature set for profile")
		return nil
	}
	return db
}

func (an *analysis) isHuman() bool {
	if an.a.Verifier == nil {
		return false
	}
	level, err := an.a.Verifier.IsHuman(an.ri)
	if err != nil {
		an.logger.Warn().Err(err).Msg("Human verification failed, treating requester as bot")
		return false
	}
	return level.IsHuman()
}

// terminal materializes the accumulated decision, applies masking, seals
// the stats and records metrics. Every pipeline exit goes through here.
func (an *analysis) terminal() Result {
	decision := waf.Decision{Reasons: an.decision.Reasons}
	if an.decision.Action != nil {
		if an.decision.Action.Type == waf.ActionChallenge {
			decision.Action = an.materializeChallenge()
		} else {
			decision.Action = an.decision.Action.Materialize()
		}
	}

	if an.ri.Entry != nil && an.ri.Entry.ContentFilter != nil {
		contentfilter.Mask(an.ri.Entry.ContentFilter, an.ri)
	}

	an.stats.Finish(time.Now())
	an.a.Metrics.ObserveRequest(decision, an.stats)

	return Result{Decision: decision, Tags: an.tags, Request: an.ri, Stats: an.stats}
}

func (an *analysis) terminalPtr() *Result {
	r := an.terminal()
	return &r
}

// materializeChallenge turns a challenge action into the concrete
// challenge page. Without a working verifier the request is blocked with a
// synthetic server error instead.
func (an *analysis) materializeChallenge() *waf.Action {
	if an.a.Verifier == nil {
		an.logger.Error().Msg("Challenge required but no human verifier is configured")
		return waf.BlockAction(500)
	}
	resp, err := an.a.Verifier.InitChallenge(an.ri)
	if err != nil {
		an.logger.Error().Err(err).Msg("Failed to initialize challenge")
		return waf.BlockAction(500)
	}
	return &waf.Action{
		Type:    waf.ActionChallenge,
		Status:  resp.Status,
		Headers: resp.Headers,
		Content: resp.Content,
		Block:   true,
	}
}

func (an *analysis) seedTags() {
	all := reqdata.RequestLocation()
	an.tags.Add("all", all)
	if an.ri.IPString != "" {
		an.tags.Add("ip:"+an.ri.IPString, all)
	}
	if an.ri.Meta.Authority != "" {
		an.tags.Add("authority:"+an.ri.Meta.Authority, all)
	}
	if an.ri.Geo.Country != "" {
		an.tags.Add("geo-country:"+an.ri.Geo.Country, all)
	}
	if an.ri.Geo.Region != "" {
		an.tags.Add("geo-region:"+an.ri.Geo.Region, all)
	}
	if an.ri.Geo.Subregion != "" {
		an.tags.Add("geo-subregion:"+an.ri.Geo.Subregion, all)
	}
	if an.ri.Geo.Company != "" {
		an.tags.Add("geo-company:"+an.ri.Geo.Company, all)
	}
	if an.ri.Geo.ASN != 0 {
		an.tags.Add("geo-asn:"+strconv.FormatUint(uint64(an.ri.Geo.ASN), 10), all)
	}
	if an.ri.Policy != nil {
		an.tags.Add("securitypolicy:"+an.ri.Policy.Name, all)
	}
	if an.ri.Entry != nil {
		an.tags.Add("securitypolicy-entry:"+an.ri.Entry.Name, all)
		if an.ri.Entry.ACL != nil {
			an.tags.Add("aclid:"+an.ri.Entry.ACL.ID, all)
			an.tags.Add("aclname:"+an.ri.Entry.ACL.Name, all)
		}
		if an.ri.Entry.ContentFilter != nil {
			an.tags.Add("contentfilterid:"+an.ri.Entry.ContentFilter.ID, all)
			an.tags.Add("contentfiltername:"+an.ri.Entry.ContentFilter.Name, all)
		}
	}
}
