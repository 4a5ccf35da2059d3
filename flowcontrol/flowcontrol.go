// Package flowcontrol tracks multi-step request sequences against the
// external counter store. A request advances a flow when it is the expected
// next step; reaching the terminal step out of order triggers the flow's
// action.
package flowcontrol

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"edgewaf/ratelimit"
	"edgewaf/reqdata"
	"edgewaf/waf"
)

type pendingFlow struct {
	flow    *waf.FlowElement
	stepIdx int
	key     string
}

// Check evaluates every configured flow against the request: list lengths
// are fetched in one batch, decisions folded, and sequence advances pushed
// in a second batch. Store errors degrade to a pass; checks and errors are
// reported for the request stats.
func Check(ctx context.Context, logger zerolog.Logger, store waf.CounterStore, ri *waf.RequestInfo, tags *reqdata.Tags, flows []*waf.FlowElement) (decision waf.SimpleDecision, checks, errors int) {
	var keys []string
	var pending []pendingFlow

	for _, flow := range flows {
		if !ratelimit.Applicable(tags, flow.Include, flow.Exclude) {
			continue
		}
		stepIdx, ok := matchStep(flow, ri)
		if !ok {
			continue
		}
		parts, ok := selectorParts(ri, flow.Keys)
		if !ok {
			continue
		}

		key := ratelimit.CounterKey(flow.ID, parts)
		keys = append(keys, key)
		pending = append(pending, pendingFlow{flow: flow, stepIdx: stepIdx, key: key})
	}

	checks = len(pending)
	if checks == 0 {
		return
	}

	lengths, err := store.ListLengths(ctx, keys)
	if err != nil || len(lengths) != len(pending) {
		logger.Warn().Err(err).Msg("Counter store unavailable, skipping flow control")
		errors = checks
		return
	}

	var pushes []waf.ListPush
	for i, p := range pending {
		progress := int(lengths[i])
		terminal := p.stepIdx == len(p.flow.Sequence)-1

		if terminal {
			if progress == p.stepIdx {
				// Sequence completed in order; nothing to enforce and
				// nothing further to record.
				continue
			}
			decision = waf.StrongerDecision(decision, flowDecision(p.flow))
			continue
		}

		// A non-terminal step only advances the sequence when it arrives
		// in order; out-of-order requests neither advance nor trigger.
		if progress == p.stepIdx {
			pushes = append(pushes, waf.ListPush{
				Key:   p.key,
				Value: strconv.Itoa(p.stepIdx),
				TTL:   time.Duration(p.flow.Timeframe) * time.Second,
			})
		}
	}

	if len(pushes) > 0 {
		if err := store.PushSequences(ctx, pushes); err != nil {
			logger.Warn().Err(err).Msg("Failed to record flow sequence progress")
		}
	}
	return
}

// matchStep finds the step this request corresponds to. Empty step fields
// match anything; the first matching step wins.
func matchStep(flow *waf.FlowElement, ri *waf.RequestInfo) (int, bool) {
	for i, step := range flow.Sequence {
		if step.Method != "" && step.Method != ri.Meta.Method {
			continue
		}
		if step.Host != "" && step.Host != ri.Meta.Authority {
			continue
		}
		if step.Path != "" && step.Path != ri.Path {
			continue
		}
		return i, true
	}
	return 0, false
}

func selectorParts(ri *waf.RequestInfo, selectors []waf.RequestSelector) (parts []string, ok bool) {
	parts = make([]string, 0, len(selectors))
	for _, sel := range selectors {
		v, found := ri.SelectorValue(sel)
		if !found {
			return nil, false
		}
		parts = append(parts, v)
	}
	return parts, true
}

func flowDecision(flow *waf.FlowElement) waf.SimpleDecision {
	action := flow.Action
	if action == nil {
		action = &waf.SimpleAction{Type: waf.ActionCustom, Status: 403}
	}
	return waf.SimpleDecision{
		Action: action,
		Reasons: []waf.BlockReason{{
			ID:        flow.ID,
			Name:      flow.Name,
			Initiator: waf.FlowInitiator{},
			Location:  reqdata.RequestLocation(),
			Type:      action.Type,
		}},
	}
}
