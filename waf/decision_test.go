package waf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func reason(t ActionType) BlockReason {
	return BlockReason{ID: "r", Name: "r", Initiator: GlobalFilterInitiator{}, Type: t}
}

func TestStrongerDecisionPicksHigherPriority(t *testing.T) {
	assert := assert.New(t)

	monitor := SimpleDecision{Action: &SimpleAction{Type: ActionMonitor}, Reasons: []BlockReason{reason(ActionMonitor)}}
	custom := SimpleDecision{Action: &SimpleAction{Type: ActionCustom, Status: 403}, Reasons: []BlockReason{reason(ActionCustom)}}

	merged := StrongerDecision(monitor, custom)
	assert.Equal(ActionCustom, merged.Action.Type)
	assert.Len(merged.Reasons, 2)

	merged = StrongerDecision(custom, monitor)
	assert.Equal(ActionCustom, merged.Action.Type)
	assert.Len(merged.Reasons, 2)
}

func TestStrongerDecisionPassSides(t *testing.T) {
	assert := assert.New(t)

	custom := SimpleDecision{Action: &SimpleAction{Type: ActionCustom}}
	assert.Equal(custom.Action, StrongerDecision(SimpleDecision{}, custom).Action)
	assert.Equal(custom.Action, StrongerDecision(custom, SimpleDecision{}).Action)
	assert.True(StrongerDecision(SimpleDecision{}, SimpleDecision{}).Pass())
}

func TestMonitorMonitorMergeUnionsHeaders(t *testing.T) {
	assert := assert.New(t)

	d1 := SimpleDecision{Action: &SimpleAction{Type: ActionMonitor, Headers: map[string]string{"x-a": "1"}}}
	d2 := SimpleDecision{Action: &SimpleAction{Type: ActionMonitor, Headers: map[string]string{"x-b": "2"}}}

	merged := StrongerDecision(d1, d2)
	assert.Equal("1", merged.Action.Headers["x-a"])
	assert.Equal("2", merged.Action.Headers["x-b"])

	// The inputs are not mutated.
	assert.NotContains(d1.Action.Headers, "x-b")
}

func TestMergeDecisionsReasonCountIsSum(t *testing.T) {
	assert := assert.New(t)

	d1 := Decision{Action: BlockAction(403), Reasons: []BlockReason{reason(ActionCustom), reason(ActionMonitor)}}
	d2 := Decision{Action: &Action{Type: ActionSkip}, Reasons: []BlockReason{reason(ActionSkip)}}

	merged := MergeDecisions(d1, d2)
	assert.Len(merged.Reasons, 3)
	assert.Equal(ActionSkip, merged.Action.Type)
}

func TestPriorityOrder(t *testing.T) {
	assert := assert.New(t)
	assert.Greater(ActionSkip.Priority(), ActionCustom.Priority())
	assert.Greater(ActionCustom.Priority(), ActionChallenge.Priority())
	assert.Greater(ActionChallenge.Priority(), ActionMonitor.Priority())
}

func TestIsFinal(t *testing.T) {
	assert := assert.New(t)

	assert.False(Decision{}.IsFinal())
	assert.False(Decision{Reasons: []BlockReason{reason(ActionMonitor)}}.IsFinal())
	assert.False(Decision{Reasons: []BlockReason{reason(ActionSkip)}}.IsFinal())
	assert.True(Decision{Reasons: []BlockReason{reason(ActionCustom)}}.IsFinal())
	assert.True(Decision{Action: BlockAction(403)}.IsFinal())
	assert.False(Decision{Action: &Action{Type: ActionMonitor}}.IsFinal())
}

func TestVerdict(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("pass", Decision{}.Verdict())
	assert.Equal("block", Decision{Action: BlockAction(403)}.Verdict())
	assert.Equal("monitor", Decision{Action: &Action{Type: ActionMonitor}}.Verdict())
	assert.Equal("challenge", Decision{Action: &Action{Type: ActionChallenge}}.Verdict())
}
