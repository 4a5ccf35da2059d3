package analyze

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgewaf/reqdata"
	"edgewaf/testutils"
	"edgewaf/waf"
)

type fakeVerifier struct {
	human     bool
	humanErr  error
	verifyErr error
}

func (v fakeVerifier) IsHuman(ri *waf.RequestInfo) (waf.PrecisionLevel, error) {
	if v.humanErr != nil {
		return waf.PrecisionInvalid, v.humanErr
	}
	if v.human {
		return waf.PrecisionActive, nil
	}
	return waf.PrecisionPassive, nil
}

func (v fakeVerifier) InitChallenge(ri *waf.RequestInfo) (waf.ChallengeResponse, error) {
	return waf.ChallengeResponse{Status: 247, Headers: map[string]string{"x-challenge": "1"}, Content: "challenge page"}, nil
}

func (v fakeVerifier) VerifyChallenge(headers *reqdata.FieldStore) (string, error) {
	if v.verifyErr != nil {
		return "", v.verifyErr
	}
	return "tok=1", nil
}

func newAnalyzer(t *testing.T) *Analyzer {
	return &Analyzer{
		Logger: testutils.NewTestLogger(t),
		Store:  testutils.NewMemCounterStore(),
	}
}

func baseEntry() *waf.PolicyEntry {
	return &waf.PolicyEntry{ID: "e1", Name: "default entry"}
}

func snapshotFor(entry *waf.PolicyEntry) *waf.Config {
	return &waf.Config{
		Revision: "r1",
		SecurityPolicies: []*waf.SecurityPolicy{
			{ID: "p1", Name: "default", Entries: []*waf.PolicyEntry{entry}},
		},
	}
}

func rawRequest(method, path string) *RawRequest {
	return &RawRequest{
		Meta: waf.RequestMeta{
			Method:    method,
			Path:      path,
			Authority: "example.com",
			RequestID: "req-1",
		},
		PeerAddr: "198.51.100.7",
	}
}

func TestNoConfigPassesThrough(t *testing.T) {
	a := newAnalyzer(t)
	res := a.Inspect(context.Background(), nil, rawRequest("GET", "/"))

	assert.True(t, res.Decision.Pass())
	assert.False(t, res.Stats.SecPolicyMatched)
}

func TestNoMatchingPolicyPassesThrough(t *testing.T) {
	a := newAnalyzer(t)
	snap := &waf.Config{
		SecurityPolicies: []*waf.SecurityPolicy{
			{ID: "p1", HostMatch: regexp.MustCompile(`^other\.com$`), Entries: []*waf.PolicyEntry{baseEntry()}},
		},
	}

	res := a.Inspect(context.Background(), snap, rawRequest("GET", "/"))
	assert.True(t, res.Decision.Pass())
	assert.False(t, res.Stats.SecPolicyMatched)
}

func TestBaselineTags(t *testing.T) {
	assert := assert.New(t)
	a := newAnalyzer(t)
	res := a.Inspect(context.Background(), snapshotFor(baseEntry()), rawRequest("GET", "/"))

	assert.True(res.Decision.Pass())
	assert.True(res.Stats.SecPolicyMatched)
	assert.True(res.Tags.Has("all"))
	assert.True(res.Tags.Has("ip:198-51-100-7"))
	assert.True(res.Tags.Has("authority:example-com"))
	assert.True(res.Tags.Has("securitypolicy:default"))
	assert.True(res.Tags.Has("securitypolicy-entry:default-entry"))
}

func TestGlobalFilterBlocks(t *testing.T) {
	a := newAnalyzer(t)
	snap := snapshotFor(baseEntry())
	snap.GlobalFilters = []*waf.GlobalFilterSection{{
		ID:     "gf1",
		Name:   "block the admin path",
		Tags:   []string{"gf-admin"},
		Action: &waf.SimpleAction{Type: waf.ActionCustom, Status: 403},
		Rule: waf.GFEntry{Pred: waf.AttrPredicate{
			Attr:  waf.AttrPath,
			Match: waf.StringMatch{Exact: "/admin"},
		}},
	}}

	res := a.Inspect(context.Background(), snap, rawRequest("GET", "/admin"))
	require.NotNil(t, res.Decision.Action)
	assert.Equal(t, "block", res.Decision.Verdict())
	assert.Equal(t, 403, res.Decision.Action.Status)
	require.Len(t, res.Decision.Reasons, 1)
	_, ok := res.Decision.Reasons[0].Initiator.(waf.GlobalFilterInitiator)
	assert.True(t, ok)
	assert.True(t, res.Tags.Has("gf-admin"))

	// Other paths pass and stay untagged.
	res = a.Inspect(context.Background(), snap, rawRequest("GET", "/"))
	assert.True(t, res.Decision.Pass())
	assert.False(t, res.Tags.Has("gf-admin"))
}

func TestForceDenyWinsOverAllow(t *testing.T) {
	entry := baseEntry()
	entry.ACL = &waf.ACLProfile{
		ID:        "acl1",
		Name:      "main acl",
		ForceDeny: map[string]struct{}{"trouble": {}},
		Allow:     map[string]struct{}{"all": {}},
	}
	entry.ACLActive = true

	snap := snapshotFor(entry)
	snap.GlobalFilters = []*waf.GlobalFilterSection{{
		ID:   "gf1",
		Name: "tag troublemakers",
		Tags: []string{"trouble"},
		Rule: waf.GFEntry{Pred: waf.AttrPredicate{
			Attr:  waf.AttrPath,
			Match: waf.StringMatch{Exact: "/trouble"},
		}},
	}}

	a := newAnalyzer(t)
	res := a.Inspect(context.Background(), snap, rawRequest("GET", "/trouble"))
	require.NotNil(t, res.Decision.Action)
	assert.True(t, res.Decision.Block())
	require.Len(t, res.Decision.Reasons, 1)
	ini, ok := res.Decision.Reasons[0].Initiator.(waf.ACLInitiator)
	require.True(t, ok)
	assert.Equal(t, "force deny", ini.Stage)

	// Without the tag, the allow set matches and the request passes.
	res = a.Inspect(context.Background(), snap, rawRequest("GET", "/"))
	assert.True(t, res.Decision.Pass())
}

func TestBypassSkipsContentFilter(t *testing.T) {
	entry := baseEntry()
	entry.ACL = &waf.ACLProfile{
		ID:          "acl1",
		Name:        "main acl",
		Passthrough: map[string]struct{}{"all": {}},
	}
	entry.ACLActive = true
	entry.ContentFilter = restrictiveProfile()
	entry.ContentFilterActive = true

	a := newAnalyzer(t)
	res := a.Inspect(context.Background(), snapshotFor(entry), rawRequest("GET", "/login?user=a%20b"))

	require.NotNil(t, res.Decision.Action)
	assert.Equal(t, waf.ActionSkip, res.Decision.Action.Type)
	assert.False(t, res.Decision.Block())
	for _, r := range res.Decision.Reasons {
		_, isCF := r.Initiator.(waf.ContentFilterInitiator)
		assert.False(t, isCF)
	}
}

func TestDenyBotChallenges(t *testing.T) {
	entry := baseEntry()
	entry.ACL = &waf.ACLProfile{
		ID:      "acl1",
		Name:    "main acl",
		DenyBot: map[string]struct{}{"all": {}},
	}
	entry.ACLActive = true

	a := newAnalyzer(t)
	a.Verifier = fakeVerifier{human: false}

	res := a.Inspect(context.Background(), snapshotFor(entry), rawRequest("GET", "/"))
	require.NotNil(t, res.Decision.Action)
	assert.Equal(t, waf.ActionChallenge, res.Decision.Action.Type)
	assert.Equal(t, 247, res.Decision.Action.Status)
	assert.Equal(t, "challenge page", res.Decision.Action.Content)
	assert.True(t, res.Decision.Action.Block)
	assert.True(t, res.Tags.Has("bot"))
}

func TestDenyBotWithoutVerifierBlocks(t *testing.T) {
	entry := baseEntry()
	entry.ACL = &waf.ACLProfile{
		ID:      "acl1",
		Name:    "main acl",
		DenyBot: map[string]struct{}{"all": {}},
	}
	entry.ACLActive = true

	a := newAnalyzer(t)
	res := a.Inspect(context.Background(), snapshotFor(entry), rawRequest("GET", "/"))
	require.NotNil(t, res.Decision.Action)
	assert.Equal(t, 500, res.Decision.Action.Status)
	assert.True(t, res.Decision.Block())
}

func TestVerifiedHumanPassesDenyBot(t *testing.T) {
	entry := baseEntry()
	entry.ACL = &waf.ACLProfile{
		ID:      "acl1",
		Name:    "main acl",
		DenyBot: map[string]struct{}{"all": {}},
	}
	entry.ACLActive = true

	a := newAnalyzer(t)
	a.Verifier = fakeVerifier{human: true}

	res := a.Inspect(context.Background(), snapshotFor(entry), rawRequest("GET", "/"))
	assert.True(t, res.Decision.Pass())
	assert.True(t, res.Tags.Has("human"))
}

func TestVerifierErrorDegradesToBot(t *testing.T) {
	entry := baseEntry()
	entry.ACL = &waf.ACLProfile{ID: "acl1", Name: "main acl"}
	entry.ACLActive = true

	a := newAnalyzer(t)
	a.Verifier = fakeVerifier{humanErr: errors.New("verification backend down")}

	res := a.Inspect(context.Background(), snapshotFor(entry), rawRequest("GET", "/"))
	assert.True(t, res.Decision.Pass())
	assert.True(t, res.Tags.Has("bot"))
}

func TestRateLimitBlocksOverThreshold(t *testing.T) {
	entry := baseEntry()
	entry.Limits = []*waf.Limit{{
		ID:        "lim1",
		Name:      "per-ip limit",
		Timeframe: 60,
		Keys:      []waf.RequestSelector{{Kind: waf.SelectorIP}},
		Thresholds: []waf.LimitThreshold{
			{Limit: 1, Action: &waf.SimpleAction{Type: waf.ActionCustom, Status: 429}},
		},
	}}

	a := newAnalyzer(t)
	snap := snapshotFor(entry)

	res := a.Inspect(context.Background(), snap, rawRequest("GET", "/"))
	assert.True(t, res.Decision.Pass())

	res = a.Inspect(context.Background(), snap, rawRequest("GET", "/"))
	require.NotNil(t, res.Decision.Action)
	assert.Equal(t, 429, res.Decision.Action.Status)
	assert.Equal(t, 1, res.Stats.LimitChecks)
}

func restrictiveProfile() *waf.ContentFilterProfile {
	p := &waf.ContentFilterProfile{
		ID:           "cf1",
		Name:         "main filter",
		MaxBodyDepth: 32,
	}
	p.Sections[waf.SectionArgs] = &waf.ContentFilterSection{
		Names: map[string]*waf.ContentFilterEntry{
			"user": {Reg: regexp.MustCompile(`^[a-z]+$`), Restrict: true},
		},
	}
	return p
}

func TestContentFilterActiveBlocks(t *testing.T) {
	entry := baseEntry()
	entry.ContentFilter = restrictiveProfile()
	entry.ContentFilterActive = true

	a := newAnalyzer(t)
	res := a.Inspect(context.Background(), snapshotFor(entry), rawRequest("GET", "/login?user=a%20b"))

	require.NotNil(t, res.Decision.Action)
	assert.Equal(t, 403, res.Decision.Action.Status)
	assert.True(t, res.Tags.Has("contentfilterid:cf1"))
}

func TestContentFilterInactiveMonitors(t *testing.T) {
	entry := baseEntry()
	entry.ContentFilter = restrictiveProfile()
	entry.ContentFilterActive = false

	a := newAnalyzer(t)
	res := a.Inspect(context.Background(), snapshotFor(entry), rawRequest("GET", "/login?user=a%20b"))

	require.NotNil(t, res.Decision.Action)
	assert.Equal(t, "monitor", res.Decision.Verdict())
	assert.NotEmpty(t, res.Decision.Reasons)
}

func TestBodyDecodeFailure(t *testing.T) {
	entry := baseEntry()
	entry.ContentFilter = restrictiveProfile()
	entry.ContentFilterActive = true

	a := newAnalyzer(t)
	raw := rawRequest("POST", "/submit")
	raw.Headers = [][2]string{{"Content-Type", "application/json"}}
	raw.Body = []byte(`{"broken`)

	res := a.Inspect(context.Background(), snapshotFor(entry), raw)
	require.NotNil(t, res.Decision.Action)
	assert.True(t, res.Decision.Block())
	require.Len(t, res.Decision.Reasons, 1)
	ini, ok := res.Decision.Reasons[0].Initiator.(waf.RestrictionInitiator)
	require.True(t, ok)
	assert.Equal(t, "body decoding", ini.Type)
}

func TestBodyDecodeFailureInactivePasses(t *testing.T) {
	entry := baseEntry()
	entry.ContentFilter = restrictiveProfile()
	entry.ContentFilterActive = false

	a := newAnalyzer(t)
	raw := rawRequest("POST", "/submit")
	raw.Headers = [][2]string{{"Content-Type", "application/json"}}
	raw.Body = []byte(`{"broken`)

	res := a.Inspect(context.Background(), snapshotFor(entry), raw)
	assert.False(t, res.Decision.Block())
}

func TestBioReportEndpointAcknowledges(t *testing.T) {
	a := newAnalyzer(t)
	res := a.Inspect(context.Background(), snapshotFor(baseEntry()), rawRequest("POST", bioReportPath))

	require.NotNil(t, res.Decision.Action)
	assert.Equal(t, 200, res.Decision.Action.Status)
	assert.True(t, res.Decision.Action.Block)
}

func TestChallengeVerifySuccessRedirects(t *testing.T) {
	a := newAnalyzer(t)
	a.Verifier = fakeVerifier{}

	res := a.Inspect(context.Background(), snapshotFor(baseEntry()), rawRequest("GET", challengePath))
	require.NotNil(t, res.Decision.Action)
	assert.Equal(t, 302, res.Decision.Action.Status)
	assert.Equal(t, "tok=1", res.Decision.Action.Headers["set-cookie"])
}

func TestChallengeVerifyFailureReissues(t *testing.T) {
	a := newAnalyzer(t)
	a.Verifier = fakeVerifier{verifyErr: errors.New("bad answer")}

	res := a.Inspect(context.Background(), snapshotFor(baseEntry()), rawRequest("GET", challengePath))
	require.NotNil(t, res.Decision.Action)
	assert.Equal(t, waf.ActionChallenge, res.Decision.Action.Type)
	assert.Equal(t, "challenge page", res.Decision.Action.Content)
}

func TestChallengeVerifyWithoutVerifierBlocks(t *testing.T) {
	a := newAnalyzer(t)
	res := a.Inspect(context.Background(), snapshotFor(baseEntry()), rawRequest("GET", challengePath))

	require.NotNil(t, res.Decision.Action)
	assert.Equal(t, 500, res.Decision.Action.Status)
}

func TestHeaderCountBudgetBlocksEarly(t *testing.T) {
	entry := baseEntry()
	entry.ContentFilter = restrictiveProfile()
	entry.ContentFilter.Sections[waf.SectionHeaders] = &waf.ContentFilterSection{MaxCount: 1}
	entry.ContentFilterActive = true

	a := newAnalyzer(t)
	raw := rawRequest("GET", "/")
	id, early := a.InspectInit(snapshotFor(entry), raw.Meta, raw.PeerAddr, 0, "", "", nil)
	require.Nil(t, early)

	assert.Nil(t, id.AddHeader("accept", "*/*"))
	res := id.AddHeader("user-agent", "curl")
	require.NotNil(t, res)
	assert.True(t, res.Decision.Block())
	require.Len(t, res.Decision.Reasons, 1)
	ini, ok := res.Decision.Reasons[0].Initiator.(waf.RestrictionInitiator)
	require.True(t, ok)
	assert.Equal(t, "too many entries in section", ini.Type)
}

func TestHeaderLengthBudgetBlocksEarly(t *testing.T) {
	entry := baseEntry()
	entry.ContentFilter = restrictiveProfile()
	entry.ContentFilter.Sections[waf.SectionHeaders] = &waf.ContentFilterSection{MaxLength: 4}
	entry.ContentFilterActive = true

	a := newAnalyzer(t)
	raw := rawRequest("GET", "/")
	id, early := a.InspectInit(snapshotFor(entry), raw.Meta, raw.PeerAddr, 0, "", "", nil)
	require.Nil(t, early)

	res := id.AddHeader("user-agent", "far too long")
	require.NotNil(t, res)
	assert.True(t, res.Decision.Block())
}

func TestBodyBudgetBlocksEarlyWhenActive(t *testing.T) {
	entry := baseEntry()
	entry.ContentFilter = restrictiveProfile()
	entry.ContentFilter.MaxBodySize = 4
	entry.ContentFilterActive = true

	a := newAnalyzer(t)
	raw := rawRequest("POST", "/")
	id, early := a.InspectInit(snapshotFor(entry), raw.Meta, raw.PeerAddr, 0, "", "", nil)
	require.Nil(t, early)

	res := id.AddBody([]byte("0123456789"))
	require.NotNil(t, res)
	assert.True(t, res.Decision.Block())
}

func TestBodyBudgetTruncatesWhenInactive(t *testing.T) {
	entry := baseEntry()
	entry.ContentFilter = restrictiveProfile()
	entry.ContentFilter.MaxBodySize = 4
	entry.ContentFilterActive = false

	a := newAnalyzer(t)
	raw := rawRequest("POST", "/")
	id, early := a.InspectInit(snapshotFor(entry), raw.Meta, raw.PeerAddr, 0, "", "", nil)
	require.Nil(t, early)

	assert.Nil(t, id.AddBody([]byte("0123456789")))
	assert.Nil(t, id.AddBody([]byte("more")))

	res := id.Finalize(context.Background())
	assert.False(t, res.Decision.Block())
	require.NotEmpty(t, res.Decision.Reasons)
	assert.Equal(t, "body too large", res.Decision.Reasons[0].Name)
}

func TestTrustedHopsClientAddress(t *testing.T) {
	entry := baseEntry()
	a := newAnalyzer(t)

	raw := rawRequest("GET", "/")
	raw.TrustedHops = 1
	raw.Headers = [][2]string{{"X-Forwarded-For", "203.0.113.9, 10.0.0.1"}}

	res := a.Inspect(context.Background(), snapshotFor(entry), raw)
	assert.Equal(t, "10.0.0.1", res.Request.IPString)

	raw = rawRequest("GET", "/")
	raw.TrustedHops = 2
	raw.Headers = [][2]string{{"X-Forwarded-For", "203.0.113.9, 10.0.0.1"}}

	res = a.Inspect(context.Background(), snapshotFor(entry), raw)
	assert.Equal(t, "203.0.113.9", res.Request.IPString)
}

func TestSelectedPolicyOverridesHostMatching(t *testing.T) {
	entryA := baseEntry()
	entryB := &waf.PolicyEntry{ID: "e2", Name: "special entry"}
	snap := &waf.Config{
		SecurityPolicies: []*waf.SecurityPolicy{
			{ID: "p1", Name: "default", Entries: []*waf.PolicyEntry{entryA}},
			{ID: "p2", Name: "special", HostMatch: regexp.MustCompile(`^never\.test$`), Entries: []*waf.PolicyEntry{entryB}},
		},
	}

	a := newAnalyzer(t)
	raw := rawRequest("GET", "/")
	id, early := a.InspectInit(snap, raw.Meta, raw.PeerAddr, 0, "p2", "e2", nil)
	require.Nil(t, early)

	res := id.Finalize(context.Background())
	assert.True(t, res.Tags.Has("securitypolicy:special"))
	assert.True(t, res.Tags.Has("securitypolicy-entry:special-entry"))
}

func TestVirtualTagsExpandDuringAnalysis(t *testing.T) {
	entry := baseEntry()
	entry.ACL = &waf.ACLProfile{
		ID:        "acl1",
		Name:      "main acl",
		ForceDeny: map[string]struct{}{"implied": {}},
	}
	entry.ACLActive = true

	snap := snapshotFor(entry)
	snap.VirtualTags = reqdata.VirtualTags{"all": {"implied"}}

	a := newAnalyzer(t)
	res := a.Inspect(context.Background(), snap, rawRequest("GET", "/"))
	assert.True(t, res.Decision.Block())
}
