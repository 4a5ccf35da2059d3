package ratelimit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgewaf/reqdata"
	"edgewaf/testutils"
	"edgewaf/waf"
)

func testRequest(ip string) *waf.RequestInfo {
	return &waf.RequestInfo{
		Meta:      waf.RequestMeta{Method: "GET", Path: "/", Authority: "example.com"},
		IPString:  ip,
		Path:      "/",
		Headers:   reqdata.NewFieldStore(),
		Cookies:   reqdata.NewFieldStore(),
		Args:      reqdata.NewFieldStore(),
		PathParts: reqdata.NewFieldStore(),
		Plugins:   reqdata.NewFieldStore(),
	}
}

func ipLimit(threshold int64) *waf.Limit {
	return &waf.Limit{
		ID:        "lim1",
		Name:      "per-ip limit",
		Timeframe: 60,
		Keys:      []waf.RequestSelector{{Kind: waf.SelectorIP}},
		Thresholds: []waf.LimitThreshold{
			{Limit: threshold, Action: &waf.SimpleAction{Type: waf.ActionCustom, Status: 429}},
		},
	}
}

func TestLimitTriggersAboveThreshold(t *testing.T) {
	assert := assert.New(t)
	store := testutils.NewMemCounterStore()
	logger := testutils.NewTestLogger(t)
	tags := reqdata.NewTags(nil)
	limits := []*waf.Limit{ipLimit(2)}

	for i := 0; i < 2; i++ {
		d, _, _ := Check(context.Background(), logger, store, testRequest("10.0.0.1"), tags, limits)
		assert.True(d.Pass(), "request %d should pass", i)
	}

	d, _, _ := Check(context.Background(), logger, store, testRequest("10.0.0.1"), tags, limits)
	require.NotNil(t, d.Action)
	assert.Equal(429, d.Action.Status)
	require.Len(t, d.Reasons, 1)
	ini, ok := d.Reasons[0].Initiator.(waf.LimitInitiator)
	require.True(t, ok)
	assert.Equal(int64(2), ini.Threshold)

	// A different client keys a different counter.
	d, _, _ = Check(context.Background(), logger, store, testRequest("10.0.0.2"), tags, limits)
	assert.True(d.Pass())
}

func TestZeroThresholdTriggersWithoutStore(t *testing.T) {
	store := testutils.NewMemCounterStore()
	store.Fail = true // would error if touched

	limit := ipLimit(0)
	d, _, _ := Check(context.Background(), testutils.NewTestLogger(t), store, testRequest("10.0.0.1"), reqdata.NewTags(nil), []*waf.Limit{limit})
	require.NotNil(t, d.Action)
	assert.Equal(t, 429, d.Action.Status)
}

func TestPairwithCountsDistinctMembers(t *testing.T) {
	assert := assert.New(t)
	store := testutils.NewMemCounterStore()
	logger := testutils.NewTestLogger(t)
	tags := reqdata.NewTags(nil)

	limit := ipLimit(2)
	limit.Pairwith = &waf.RequestSelector{Kind: waf.SelectorHeader, Name: "session"}
	limits := []*waf.Limit{limit}

	request := func(session string) *waf.RequestInfo {
		ri := testRequest("10.0.0.1")
		ri.Headers.Add("session", reqdata.HeaderValueLocation("session", session), session)
		return ri
	}

	// The same member never grows the set past one.
	for i := 0; i < 5; i++ {
		d, _, _ := Check(context.Background(), logger, store, request("s1"), tags, limits)
		assert.True(d.Pass())
	}

	Check(context.Background(), logger, store, request("s2"), tags, limits)
	d, _, _ := Check(context.Background(), logger, store, request("s3"), tags, limits)
	require.NotNil(t, d.Action)
}

func TestIncludeExcludeGating(t *testing.T) {
	assert := assert.New(t)
	store := testutils.NewMemCounterStore()
	logger := testutils.NewTestLogger(t)

	limit := ipLimit(0)
	limit.Include = map[string]struct{}{"wanted": {}}
	limit.Exclude = map[string]struct{}{"exempt": {}}
	limits := []*waf.Limit{limit}

	d, _, _ := Check(context.Background(), logger, store, testRequest("10.0.0.1"), reqdata.NewTags(nil), limits)
	assert.True(d.Pass(), "include set not matched")

	tags := reqdata.NewTags(nil)
	tags.Add("wanted", reqdata.RequestLocation())
	d, _, _ = Check(context.Background(), logger, store, testRequest("10.0.0.1"), tags, limits)
	assert.NotNil(d.Action)

	tags.Add("exempt", reqdata.RequestLocation())
	d, _, _ = Check(context.Background(), logger, store, testRequest("10.0.0.1"), tags, limits)
	assert.True(d.Pass(), "exclude wins over include")
}

func TestMissingSelectorSkipsLimit(t *testing.T) {
	store := testutils.NewMemCounterStore()

	limit := ipLimit(0)
	limit.Keys = []waf.RequestSelector{{Kind: waf.SelectorHeader, Name: "missing"}}
	limit.Thresholds[0].Limit = 1 // force a store round trip if applicable

	d, _, _ := Check(context.Background(), testutils.NewTestLogger(t), store, testRequest("10.0.0.1"), reqdata.NewTags(nil), []*waf.Limit{limit})
	assert.True(t, d.Pass())
	assert.Empty(t, store.Counters)
}

func TestStoreFailureDegradesToPass(t *testing.T) {
	store := testutils.NewMemCounterStore()
	store.Fail = true

	d, _, _ := Check(context.Background(), testutils.NewTestLogger(t), store, testRequest("10.0.0.1"), reqdata.NewTags(nil), []*waf.Limit{ipLimit(1)})
	assert.True(t, d.Pass())
}

func TestOnlyHighestExceededThresholdApplies(t *testing.T) {
	store := testutils.NewMemCounterStore()
	logger := testutils.NewTestLogger(t)
	tags := reqdata.NewTags(nil)

	limit := &waf.Limit{
		ID:        "lim2",
		Name:      "tiered",
		Timeframe: 60,
		Keys:      []waf.RequestSelector{{Kind: waf.SelectorIP}},
		Thresholds: []waf.LimitThreshold{
			{Limit: 1, Action: &waf.SimpleAction{Type: waf.ActionMonitor}},
			{Limit: 2, Action: &waf.SimpleAction{Type: waf.ActionCustom, Status: 429}},
		},
	}
	limits := []*waf.Limit{limit}

	Check(context.Background(), logger, store, testRequest("10.0.0.1"), tags, limits)
	d, _, _ := Check(context.Background(), logger, store, testRequest("10.0.0.1"), tags, limits)
	require.NotNil(t, d.Action)
	assert.Equal(t, waf.ActionMonitor, d.Action.Type)

	// Count 3 exceeds both thresholds; the superseded lower one
	// contributes neither an action nor a reason.
	d, _, _ = Check(context.Background(), logger, store, testRequest("10.0.0.1"), tags, limits)
	require.NotNil(t, d.Action)
	assert.Equal(t, waf.ActionCustom, d.Action.Type)
	require.Len(t, d.Reasons, 1)
	ini, ok := d.Reasons[0].Initiator.(waf.LimitInitiator)
	require.True(t, ok)
	assert.Equal(t, int64(2), ini.Threshold)
}

func TestCounterKeyIsStableAndDistinct(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(CounterKey("a", []string{"x", "y"}), CounterKey("a", []string{"x", "y"}))
	assert.NotEqual(CounterKey("a", []string{"x", "y"}), CounterKey("a", []string{"xy"}))
	assert.NotEqual(CounterKey("a", []string{"x"}), CounterKey("b", []string{"x"}))
	assert.Len(CounterKey("a", nil), 64)
}
