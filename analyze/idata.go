package analyze

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"edgewaf/bodyparsing"
	"edgewaf/contentfilter"
	"edgewaf/reqdata"
	"edgewaf/waf"
)

// Reserved paths served by the engine itself rather than the upstream.
const (
	challengePath = "/.edgewaf/challenge"
	bioReportPath = "/.edgewaf/bio-report"
	appSigPath    = "/.edgewaf/app-sig"
)

// IData is an inspection in progress: headers and body stream in through
// AddHeader/AddBody, each of which can short-circuit with a terminal result
// when an anti-DoS budget is exhausted, and Finalize runs the pipeline.
type IData struct {
	a      *Analyzer
	cfg    *waf.Config
	logger zerolog.Logger
	stats  *waf.Stats
	raw    *RawRequest
	policy *waf.SecurityPolicy
	entry  *waf.PolicyEntry

	pending  []waf.BlockReason
	bodyOver bool
}

// InspectInit starts an inspection. It resolves the security policy up
// front so the per-header and per-body budgets are known before any request
// data is accepted. A request no policy entry matches is passed through
// untouched, as a terminal result.
func (a *Analyzer) InspectInit(cfg *waf.Config, meta waf.RequestMeta, peerAddr string, trustedHops int, selectedPolicy, selectedEntry string, plugins map[string]string) (*IData, *Result) {
	logger := a.Logger.With().Str("request_id", meta.RequestID).Logger()

	revision := ""
	if cfg != nil {
		revision = cfg.Revision
	}
	stats := waf.NewStats(revision, time.Now())

	raw := &RawRequest{
		Meta:        meta,
		PeerAddr:    peerAddr,
		TrustedHops: trustedHops,
		Plugins:     plugins,
	}

	id := &IData{a: a, cfg: cfg, logger: logger, stats: stats, raw: raw}

	if cfg == nil {
		logger.Warn().Msg("No configuration loaded, passing request through")
		return nil, id.passthrough()
	}
	path, _ := splitPathQuery(meta.Path)
	policy, entry, ok := cfg.Match(meta.Authority, path, selectedPolicy, selectedEntry)
	if !ok {
		logger.Debug().Str("authority", meta.Authority).Str("path", path).Msg("No security policy matched, passing request through")
		return nil, id.passthrough()
	}
	id.policy = policy
	id.entry = entry
	return id, nil
}

// passthrough is the terminal pass result for requests the engine does not
// govern.
func (id *IData) passthrough() *Result {
	id.stats.MarkMapped(false, 0)
	id.stats.Finish(time.Now())
	decision := waf.Decision{}
	id.a.Metrics.ObserveRequest(decision, id.stats)
	return &Result{
		Decision: decision,
		Tags:     reqdata.NewTags(nil),
		Request:  &waf.RequestInfo{Meta: id.raw.Meta},
		Stats:    id.stats,
	}
}

// AddHeader accepts one request header. The headers section budgets are
// enforced before the header is stored, so a hostile request cannot grow
// the in-memory representation past the configured limits.
func (id *IData) AddHeader(name, value string) *Result {
	profile := id.entry.ContentFilter
	if profile != nil && id.entry.ContentFilterActive {
		section := profile.Section(waf.SectionHeaders)
		if section.MaxCount > 0 && len(id.raw.Headers)+1 > section.MaxCount {
			return id.earlyBlock(waf.RestrictionInitiator{
				Type:     "too many entries in section",
				Actual:   strconv.Itoa(len(id.raw.Headers) + 1),
				Expected: strconv.Itoa(section.MaxCount),
			}, reqdata.HeaderValueLocation(name, value))
		}
		if section.MaxLength > 0 && len(value) > section.MaxLength {
			return id.earlyBlock(waf.RestrictionInitiator{
				Type:     "entry too large",
				Actual:   strconv.Itoa(len(value)),
				Expected: strconv.Itoa(section.MaxLength),
			}, reqdata.HeaderValueLocation(name, value))
		}
	}
	id.raw.Headers = append(id.raw.Headers, [2]string{name, value})
	return nil
}

// AddBody accepts one body chunk. The cumulative size is checked against
// the profile's body budget; with the filter in active mode an oversized
// body blocks immediately, otherwise the excess is dropped and reported.
func (id *IData) AddBody(chunk []byte) *Result {
	if id.bodyOver {
		return nil
	}
	profile := id.entry.ContentFilter
	max := 0
	if profile != nil {
		max = profile.MaxBodySize
	}

	total := len(id.raw.Body) + len(chunk)
	if max > 0 && total > max {
		initiator := waf.RestrictionInitiator{
			Type:     "body too large",
			Actual:   strconv.Itoa(total),
			Expected: strconv.Itoa(max),
		}
		if id.entry.ContentFilterActive {
			return id.earlyBlock(initiator, reqdata.BodyLocation())
		}
		id.bodyOver = true
		id.raw.Body = append(id.raw.Body, chunk[:max-len(id.raw.Body)]...)
		id.pending = append(id.pending, waf.BlockReason{
			Name:      "body too large",
			Initiator: initiator,
			Location:  reqdata.BodyLocation(),
			Type:      waf.ActionMonitor,
		})
		return nil
	}
	id.raw.Body = append(id.raw.Body, chunk...)
	return nil
}

// Finalize maps the accumulated request, parses the body, and runs the
// analysis phases to a terminal result.
func (id *IData) Finalize(ctx context.Context) Result {
	an := id.analysis()

	if len(id.raw.Body) > 0 && id.entry.ContentFilter != nil {
		contentType, _ := an.ri.Headers.Get("content-type")
		an.bodyErr = bodyparsing.ParseBody(id.logger, an.ri.Args, id.entry.ContentFilter, contentType, id.raw.Body)
	}

	return an.run(ctx)
}

// analysis maps the raw request and builds the phase pipeline state.
func (id *IData) analysis() *analysis {
	mapStart := time.Now()
	ri := buildRequestInfo(id.logger, id.a.GeoDB, id.raw, id.entry.ContentFilter)
	ri.Policy = id.policy
	ri.Entry = id.entry
	id.stats.MarkMapped(true, time.Since(mapStart))

	var virtual reqdata.VirtualTags
	if id.cfg != nil {
		virtual = id.cfg.VirtualTags
	}

	an := &analysis{
		a:      id.a,
		logger: id.logger,
		cfg:    id.cfg,
		ri:     ri,
		tags:   reqdata.NewTags(virtual),
		stats:  id.stats,
	}
	if len(id.pending) > 0 {
		an.fold(waf.SimpleDecision{Reasons: id.pending})
	}
	return an
}

// earlyBlock terminates the inspection before the request is fully
// received. The partial request is still mapped so the result carries a
// maskable request info for logging.
func (id *IData) earlyBlock(initiator waf.RestrictionInitiator, loc reqdata.Location) *Result {
	an := id.analysis()
	an.seedTags()
	an.fold(waf.SimpleDecision{
		Action: &waf.SimpleAction{Type: waf.ActionCustom, Status: 403},
		Reasons: []waf.BlockReason{{
			Name:      initiator.Type,
			Initiator: initiator,
			Location:  loc,
			Type:      waf.ActionCustom,
		}},
	})
	return an.terminalPtr()
}

// specialURIHook serves the reserved engine paths: challenge verification
// plus the passive fingerprint report endpoints. Any other path falls
// through to the regular pipeline.
func (an *analysis) specialURIHook() *Result {
	switch an.ri.Path {
	case challengePath:
		return an.challengeVerify()
	case bioReportPath, appSigPath:
		// Report payloads are consumed by the verification collaborator
		// during IsHuman; the endpoint itself just acknowledges.
		return an.terminalAction(&waf.Action{Type: waf.ActionCustom, Status: 200, Block: true}, nil)
	}
	return nil
}

// challengeVerify validates a challenge answer. Success redirects back with
// the verification cookie; failure reissues the challenge.
func (an *analysis) challengeVerify() *Result {
	if an.a.Verifier == nil {
		an.logger.Error().Msg("Challenge verification requested but no human verifier is configured")
		return an.terminalAction(waf.BlockAction(500), nil)
	}
	token, err := an.a.Verifier.VerifyChallenge(an.ri.Headers)
	if err != nil {
		an.logger.Debug().Err(err).Msg("Challenge answer rejected, reissuing")
		return an.terminalAction(an.materializeChallenge(), nil)
	}
	return an.terminalAction(&waf.Action{
		Type:    waf.ActionCustom,
		Status:  302,
		Headers: map[string]string{"location": "/", "set-cookie": token},
		Block:   true,
	}, nil)
}

// terminalAction finishes the request with an already materialized action,
// bypassing the configured-action materialization step.
func (an *analysis) terminalAction(action *waf.Action, reasons []waf.BlockReason) *Result {
	decision := waf.Decision{
		Action:  action,
		Reasons: append(append([]waf.BlockReason{}, an.decision.Reasons...), reasons...),
	}

	if an.ri.Entry != nil && an.ri.Entry.ContentFilter != nil {
		contentfilter.Mask(an.ri.Entry.ContentFilter, an.ri)
	}

	an.stats.Finish(time.Now())
	an.a.Metrics.ObserveRequest(decision, an.stats)
	return &Result{Decision: decision, Tags: an.tags, Request: an.ri, Stats: an.stats}
}
