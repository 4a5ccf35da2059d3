package main

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgewaf/analyze"
	"edgewaf/logging"
	"edgewaf/testutils"
	"edgewaf/waf"
)

func testServer(t *testing.T, cfg *waf.Config) *inspectServer {
	t.Helper()
	logger := testutils.NewTestLogger(t)
	return &inspectServer{
		logger:     logger,
		analyzer:   &analyze.Analyzer{Logger: logger, Store: testutils.NewMemCounterStore()},
		provider:   waf.FixedProvider{C: cfg},
		aggregator: logging.NewZerologAggregator(logger),
	}
}

func defaultConfig() *waf.Config {
	return &waf.Config{
		SecurityPolicies: []*waf.SecurityPolicy{
			{ID: "p1", Name: "default", Entries: []*waf.PolicyEntry{{ID: "e1", Name: "default entry"}}},
		},
	}
}

func TestServeHTTPAnswersPassVerdict(t *testing.T) {
	assert := assert.New(t)
	srv := testServer(t, defaultConfig())

	req := httptest.NewRequest("GET", "http://example.com/", strings.NewReader(""))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(200, rec.Code)
	var doc verdictDoc
	require.Nil(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal("pass", doc.Verdict)
	assert.Contains(doc.Tags, "all")
}

func TestServeHTTPAnswersBlockVerdict(t *testing.T) {
	assert := assert.New(t)
	cfg := defaultConfig()
	cfg.GlobalFilters = []*waf.GlobalFilterSection{{
		ID:     "gf1",
		Name:   "block the admin path",
		Action: &waf.SimpleAction{Type: waf.ActionCustom, Status: 403},
		Rule: waf.GFEntry{Pred: waf.AttrPredicate{
			Attr:  waf.AttrPath,
			Match: waf.StringMatch{Exact: "/admin"},
		}},
	}}
	srv := testServer(t, cfg)

	req := httptest.NewRequest("GET", "http://example.com/admin", strings.NewReader(""))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(403, rec.Code)
	var doc verdictDoc
	require.Nil(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal("block", doc.Verdict)
	assert.Equal(403, doc.Status)
}
