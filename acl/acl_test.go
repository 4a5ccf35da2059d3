package acl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgewaf/reqdata"
	"edgewaf/waf"
)

func set(names ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

func tagsWith(names ...string) *reqdata.Tags {
	t := reqdata.NewTags(nil)
	for _, n := range names {
		t.Add(n, reqdata.RequestLocation())
	}
	return t
}

func TestPrecedenceOrder(t *testing.T) {
	assert := assert.New(t)

	profile := &waf.ACLProfile{
		ForceDeny:   set("banned"),
		Passthrough: set("internal"),
		AllowBot:    set("goodbot"),
		DenyBot:     set("badbot"),
		Allow:       set("friendly"),
		Deny:        set("hostile"),
	}

	// Force deny wins over everything, passthrough included.
	r := Check(profile, tagsWith("banned", "internal", "friendly"), false)
	assert.Equal(StageEnforceDeny, r.Stage)
	assert.Equal([]string{"banned"}, r.Tags)

	r = Check(profile, tagsWith("internal", "badbot", "hostile"), false)
	assert.Equal(StageBypass, r.Stage)

	r = Check(profile, tagsWith("goodbot", "badbot", "hostile"), false)
	assert.Equal(StageAllowBot, r.Stage)

	r = Check(profile, tagsWith("badbot", "friendly"), false)
	assert.Equal(StageDenyBot, r.Stage)

	r = Check(profile, tagsWith("friendly", "hostile"), false)
	assert.Equal(StageAllow, r.Stage)

	r = Check(profile, tagsWith("hostile"), false)
	assert.Equal(StageDeny, r.Stage)

	r = Check(profile, tagsWith("unrelated"), false)
	assert.Equal(StageNone, r.Stage)
}

func TestBotStagesResolveOnHumanVerdict(t *testing.T) {
	assert := assert.New(t)

	profile := &waf.ACLProfile{
		AllowBot: set("goodbot"),
		DenyBot:  set("badbot"),
		Allow:    set("friendly"),
		Deny:     set("hostile"),
	}

	// Every (bot verdict, human verdict, human?) combination.
	cases := []struct {
		tags          []string
		human         bool
		wantStage     Stage
		wantChallenge bool
	}{
		{[]string{"badbot", "friendly"}, false, StageDenyBot, true},
		{[]string{"badbot", "hostile"}, false, StageDenyBot, false},
		{[]string{"badbot"}, false, StageDenyBot, true},
		{[]string{"badbot", "friendly"}, true, StageAllow, false},
		{[]string{"badbot", "hostile"}, true, StageDeny, false},
		{[]string{"goodbot", "hostile"}, false, StageAllowBot, false},
		{[]string{"goodbot", "hostile"}, true, StageAllowBot, false},
		{[]string{"friendly"}, false, StageAllow, false},
		{[]string{"hostile"}, true, StageDeny, false},
	}
	for _, c := range cases {
		r := Check(profile, tagsWith(c.tags...), c.human)
		assert.Equal(c.wantStage, r.Stage, "tags %v human %v", c.tags, c.human)
		assert.Equal(c.wantChallenge, r.Challenge, "tags %v human %v", c.tags, c.human)
	}
}

func TestCheckReportsMatchLocations(t *testing.T) {
	profile := &waf.ACLProfile{Deny: set("hostile")}

	tags := reqdata.NewTags(nil)
	loc := reqdata.HeaderValueLocation("user-agent", "sqlmap")
	tags.Add("hostile", loc)

	r := Check(profile, tags, false)
	require.Equal(t, StageDeny, r.Stage)
	_, ok := r.Locations[loc]
	assert.True(t, ok)
}

func TestResolveActions(t *testing.T) {
	assert := assert.New(t)
	profile := &waf.ACLProfile{ID: "acl1", Name: "test"}

	d := Resolve(profile, Result{Stage: StageNone}, true)
	assert.True(d.Pass())

	d = Resolve(profile, Result{Stage: StageAllow}, true)
	assert.True(d.Pass())

	d = Resolve(profile, Result{Stage: StageEnforceDeny, Tags: []string{"banned"}}, true)
	require.NotNil(t, d.Action)
	assert.Equal(waf.ActionCustom, d.Action.Type)
	assert.Equal(403, d.Action.Status)
	require.Len(t, d.Reasons, 1)
	assert.Equal("acl1", d.Reasons[0].ID)

	d = Resolve(profile, Result{Stage: StageBypass}, true)
	require.NotNil(t, d.Action)
	assert.Equal(waf.ActionSkip, d.Action.Type)

	d = Resolve(profile, Result{Stage: StageDenyBot, Challenge: true}, true)
	require.NotNil(t, d.Action)
	assert.Equal(waf.ActionChallenge, d.Action.Type)

	d = Resolve(profile, Result{Stage: StageDenyBot, Challenge: false}, true)
	require.NotNil(t, d.Action)
	assert.Equal(waf.ActionCustom, d.Action.Type)
}

func TestResolveInactiveDegradesToMonitor(t *testing.T) {
	assert := assert.New(t)
	profile := &waf.ACLProfile{ID: "acl1"}

	d := Resolve(profile, Result{Stage: StageDeny}, false)
	require.NotNil(t, d.Action)
	assert.Equal(waf.ActionMonitor, d.Action.Type)
	require.Len(t, d.Reasons, 1)
	assert.Equal(waf.ActionMonitor, d.Reasons[0].Type)

	// Bypass still takes effect on an inactive profile.
	d = Resolve(profile, Result{Stage: StageBypass}, false)
	require.NotNil(t, d.Action)
	assert.Equal(waf.ActionSkip, d.Action.Type)
}
