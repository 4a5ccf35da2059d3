package waf

import (
	"edgewaf/reqdata"
)

// ActionType classifies what a decision wants done with the request.
type ActionType int

// ActionTypes available.
const (
	// ActionMonitor records the match without interfering.
	ActionMonitor ActionType = iota
	// ActionChallenge interrupts the request with a human verification
	// challenge.
	ActionChallenge
	// ActionCustom blocks with a configured response.
	ActionCustom
	// ActionSkip short-circuits the remaining phases and lets the request
	// through.
	ActionSkip
)

// Priority orders action types for decision merging; the higher priority
// action wins.
func (t ActionType) Priority() int {
	switch t {
	case ActionSkip:
		return 9
	case ActionCustom:
		return 8
	case ActionChallenge:
		return 6
	case ActionMonitor:
		return 1
	}
	return 0
}

func (t ActionType) String() string {
	switch t {
	case ActionMonitor:
		return "monitor"
	case ActionChallenge:
		return "challenge"
	case ActionCustom:
		return "custom"
	case ActionSkip:
		return "skip"
	}
	return "unknown"
}

// Initiator says which phase produced a block reason. The concrete types
// carry phase-specific detail for the request log.
type Initiator interface {
	InitiatorKind() string
}

// GlobalFilterInitiator marks reasons from the global filter phase.
type GlobalFilterInitiator struct{}

// ACLInitiator marks reasons from the ACL phase.
type ACLInitiator struct {
	Tags  []string
	Stage string
}

// ContentFilterInitiator marks reasons from the content filter phase.
type ContentFilterInitiator struct {
	RuleID string
	Risk   int
}

// LimitInitiator marks reasons from the rate limit phase.
type LimitInitiator struct {
	Threshold int64
}

// FlowInitiator marks reasons from the flow control phase.
type FlowInitiator struct{}

// RestrictionInitiator marks reasons from structural restrictions such as
// section count and length limits.
type RestrictionInitiator struct {
	Type     string
	Actual   string
	Expected string
}

func (GlobalFilterInitiator) InitiatorKind() string { return "global filter" }
func (ACLInitiator) InitiatorKind() string          { return "acl" }
func (ContentFilterInitiator) InitiatorKind() string {
	return "content filter"
}
func (LimitInitiator) InitiatorKind() string       { return "rate limit" }
func (FlowInitiator) InitiatorKind() string        { return "flow control" }
func (RestrictionInitiator) InitiatorKind() string { return "restriction" }

// BlockReason records one trigger that contributed to the decision. Reasons
// accumulate across phases regardless of which action finally wins.
type BlockReason struct {
	ID        string
	Name      string
	Initiator Initiator
	Location  reqdata.Location
	Extra     []reqdata.Location
	Type      ActionType
}

// SimpleAction is the configured form of an action, before materialization
// into a concrete response.
type SimpleAction struct {
	Type      ActionType
	Status    int
	Headers   map[string]string
	ExtraTags []string
}

// SimpleDecision pairs an optional configured action with the reasons that
// produced it. A nil Action means pass.
type SimpleDecision struct {
	Action  *SimpleAction
	Reasons []BlockReason
}

// Pass reports whether the decision carries no action.
func (d SimpleDecision) Pass() bool { return d.Action == nil }

// StrongerDecision merges two decisions: reasons always concatenate, and
// the higher priority action wins. Two Monitor actions merge by unioning
// their headers without mutating either input.
func StrongerDecision(d1, d2 SimpleDecision) SimpleDecision {
	out := SimpleDecision{Reasons: append(append([]BlockReason{}, d1.Reasons...), d2.Reasons...)}

	switch {
	case d1.Action == nil:
		out.Action = d2.Action
	case d2.Action == nil:
		out.Action = d1.Action
	case d1.Action.Type == ActionMonitor && d2.Action.Type == ActionMonitor:
		merged := &SimpleAction{Type: ActionMonitor, Headers: make(map[string]string)}
		for k, v := range d1.Action.Headers {
			merged.Headers[k] = v
		}
		for k, v := range d2.Action.Headers {
			merged.Headers[k] = v
		}
		merged.ExtraTags = append(append([]string{}, d1.Action.ExtraTags...), d2.Action.ExtraTags...)
		out.Action = merged
	case d2.Action.Type.Priority() > d1.Action.Type.Priority():
		out.Action = d2.Action
	default:
		out.Action = d1.Action
	}
	return out
}

// Action is a materialized action ready to be turned into a response.
type Action struct {
	Type      ActionType
	Status    int
	Headers   map[string]string
	Content   string
	Block     bool
	ExtraTags []string
}

// Decision is the engine's final (or phase-final) outcome: an optional
// materialized action plus every reason collected so far.
type Decision struct {
	Action  *Action
	Reasons []BlockReason
}

// Pass reports whether the decision carries no action.
func (d Decision) Pass() bool { return d.Action == nil }

// Materialize turns a configured action into its concrete form. Only
// custom actions actually block the request.
func (a *SimpleAction) Materialize() *Action {
	if a == nil {
		return nil
	}
	headers := make(map[string]string, len(a.Headers))
	for k, v := range a.Headers {
		headers[k] = v
	}
	return &Action{
		Type:      a.Type,
		Status:    a.Status,
		Headers:   headers,
		Block:     a.Type == ActionCustom,
		ExtraTags: append([]string{}, a.ExtraTags...),
	}
}

// BlockAction builds a plain blocking action with the given status.
func BlockAction(status int) *Action {
	return &Action{Type: ActionCustom, Status: status, Block: true}
}

// MergeDecisions concatenates reasons and keeps the higher priority action.
func MergeDecisions(d1, d2 Decision) Decision {
	out := Decision{Reasons: append(append([]BlockReason{}, d1.Reasons...), d2.Reasons...)}
	switch {
	case d1.Action == nil:
		out.Action = d2.Action
	case d2.Action == nil:
		out.Action = d1.Action
	case d2.Action.Type.Priority() > d1.Action.Type.Priority():
		out.Action = d2.Action
	default:
		out.Action = d1.Action
	}
	return out
}

// IsFinal reports whether the decision ends the phase pipeline early:
// either a blocking action, or any reason stronger than Monitor or Skip.
func (d Decision) IsFinal() bool {
	if d.Action != nil && d.Action.Block {
		return true
	}
	for _, r := range d.Reasons {
		if r.Type != ActionMonitor && r.Type != ActionSkip {
			return true
		}
	}
	return false
}

// Block reports whether the request is to be blocked.
func (d Decision) Block() bool { return d.Action != nil && d.Action.Block }

// Verdict names the outcome for logs and metrics.
func (d Decision) Verdict() string {
	switch {
	case d.Action == nil:
		return "pass"
	case d.Action.Block:
		return "block"
	case d.Action.Type == ActionChallenge:
		return "challenge"
	case d.Action.Type == ActionMonitor:
		return "monitor"
	}
	return "pass"
}
