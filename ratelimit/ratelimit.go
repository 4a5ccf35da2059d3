// Package ratelimit implements counter based rate limiting against the
// external counter store. Every limit attached to the matched policy entry
// is evaluated in a single pipelined batch.
package ratelimit

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	"edgewaf/reqdata"
	"edgewaf/waf"
)

// CounterKey derives the store key for one limit instance: a fixed-width
// hash over the limit id and every selected request value, so raw request
// data never appears in the store.
func CounterKey(id string, parts []string) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(id))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// selectorValues resolves every selector; ok is false when any selected
// value is absent, which makes the check inapplicable to this request.
func selectorValues(ri *waf.RequestInfo, selectors []waf.RequestSelector) (parts []string, ok bool) {
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

// Applicable applies the include/exclude tag gating shared by limits and
// flows: excluded tags always win, and a non-empty include set requires at
// least one match.
func Applicable(tags *reqdata.Tags, include, exclude map[string]struct{}) bool {
	if tags.HasAny(exclude) {
		return false
	}
	if len(include) > 0 && !tags.HasAny(include) {
		return false
	}
	return true
}

type pendingLimit struct {
	limit *waf.Limit
}

// Check evaluates the entry's limits. Store errors degrade to a pass; a
// rate limiter outage never takes the site down with it. Checks and errors
// are reported for the request stats.
func Check(ctx context.Context, logger zerolog.Logger, store waf.CounterStore, ri *waf.RequestInfo, tags *reqdata.Tags, limits []*waf.Limit) (decision waf.SimpleDecision, checks, errors int) {
	var incrs []waf.CounterIncr
	var pending []pendingLimit

	for _, limit := range limits {
		if !Applicable(tags, limit.Include, limit.Exclude) {
			continue
		}

		// All-zero thresholds trigger unconditionally without touching
		// the store.
		if limit.ZeroThresholds() {
			checks++
			if len(limit.Thresholds) > 0 {
				decision = waf.StrongerDecision(decision, limitDecision(limit, limit.Thresholds[len(limit.Thresholds)-1], 0))
			}
			continue
		}

		parts, ok := selectorValues(ri, limit.Keys)
		if !ok {
			continue
		}

		incr := waf.CounterIncr{
			Key: CounterKey(limit.ID, parts),
			TTL: time.Duration(limit.Timeframe) * time.Second,
		}
		if limit.Pairwith != nil {
			member, found := ri.SelectorValue(*limit.Pairwith)
			if !found {
				continue
			}
			incr.Member = member
		}

		incrs = append(incrs, incr)
		pending = append(pending, pendingLimit{limit: limit})
	}

	if len(incrs) == 0 {
		return
	}
	checks += len(incrs)

	counts, err := store.IncrCounters(ctx, incrs)
	if err != nil || len(counts) != len(pending) {
		logger.Warn().Err(err).Msg("Counter store unavailable, skipping rate limits")
		errors = len(incrs)
		return
	}

	for i, p := range pending {
		count := counts[i]
		// Thresholds are sorted ascending; only the highest exceeded one
		// applies, the lower ones are superseded.
		for j := len(p.limit.Thresholds) - 1; j >= 0; j-- {
			th := p.limit.Thresholds[j]
			if count > th.Limit {
				decision = waf.StrongerDecision(decision, limitDecision(p.limit, th, th.Limit))
				break
			}
		}
	}
	return
}

func limitDecision(limit *waf.Limit, th waf.LimitThreshold, threshold int64) waf.SimpleDecision {
	action := th.Action
	if action == nil {
		action = &waf.SimpleAction{Type: waf.ActionCustom, Status: 503}
	}
	return waf.SimpleDecision{
		Action: action,
		Reasons: []waf.BlockReason{{
			ID:        limit.ID,
			Name:      limit.Name,
			Initiator: waf.LimitInitiator{Threshold: threshold},
			Location:  reqdata.RequestLocation(),
			Type:      action.Type,
		}},
	}
}
