// Package acl implements the tag-based access control stage: the request's
// accumulated tags are intersected with the profile's tag sets in a fixed
// precedence order.
package acl

import (
	"edgewaf/reqdata"
	"edgewaf/waf"
)

// Stage names which profile tag set decided the outcome.
type Stage int

// Stages in precedence order.
const (
	// StageNone means no set matched; the request passes this stage.
	StageNone Stage = iota
	// StageEnforceDeny blocks unconditionally, before passthrough.
	StageEnforceDeny
	// StageBypass skips every remaining inspection phase.
	StageBypass
	// StageAllowBot passes regardless of human verification.
	StageAllowBot
	// StageDenyBot denies unverified clients, usually via a challenge.
	StageDenyBot
	// StageAllow passes the stage.
	StageAllow
	// StageDeny blocks.
	StageDeny
)

func (s Stage) String() string {
	switch s {
	case StageNone:
		return "none"
	case StageEnforceDeny:
		return "force deny"
	case StageBypass:
		return "bypass"
	case StageAllowBot:
		return "allow bot"
	case StageDenyBot:
		return "deny bot"
	case StageAllow:
		return "allow"
	case StageDeny:
		return "deny"
	}
	return "unknown"
}

// Result is the outcome of the ACL check: the deciding stage, the tags that
// matched it, and where those tags came from.
type Result struct {
	Stage     Stage
	Tags      []string
	Locations reqdata.LocationSet
	// Challenge is set on StageDenyBot when the client should get a
	// verification challenge instead of a plain block. It stays false
	// when the human deny set also matched, since a verified human would
	// be denied anyway.
	Challenge bool
}

// Check intersects the request tags with the profile sets in precedence
// order: force deny, passthrough, allow bot, deny bot, allow, deny. The bot
// stages only apply to clients not verified as human.
func Check(profile *waf.ACLProfile, tags *reqdata.Tags, human bool) Result {
	if names, locs := tags.Intersect(profile.ForceDeny); len(names) > 0 {
		return Result{Stage: StageEnforceDeny, Tags: names, Locations: locs}
	}
	if names, locs := tags.Intersect(profile.Passthrough); len(names) > 0 {
		return Result{Stage: StageBypass, Tags: names, Locations: locs}
	}
	if names, locs := tags.Intersect(profile.AllowBot); len(names) > 0 {
		return Result{Stage: StageAllowBot, Tags: names, Locations: locs}
	}
	if !human {
		if names, locs := tags.Intersect(profile.DenyBot); len(names) > 0 {
			return Result{
				Stage:     StageDenyBot,
				Tags:      names,
				Locations: locs,
				Challenge: !tags.HasAny(profile.Deny),
			}
		}
	}
	if names, locs := tags.Intersect(profile.Allow); len(names) > 0 {
		return Result{Stage: StageAllow, Tags: names, Locations: locs}
	}
	if names, locs := tags.Intersect(profile.Deny); len(names) > 0 {
		return Result{Stage: StageDeny, Tags: names, Locations: locs}
	}
	return Result{Stage: StageNone}
}

// Resolve turns an ACL result into a decision. When the stage is not
// active, denying outcomes degrade to Monitor so the match is still
// visible in the request log.
func Resolve(profile *waf.ACLProfile, r Result, active bool) waf.SimpleDecision {
	if r.Stage == StageNone || r.Stage == StageAllowBot || r.Stage == StageAllow {
		return waf.SimpleDecision{}
	}

	reason := waf.BlockReason{
		ID:        profile.ID,
		Name:      profile.Name,
		Initiator: waf.ACLInitiator{Tags: r.Tags, Stage: r.Stage.String()},
	}
	if locs := r.Locations.Sorted(); len(locs) > 0 {
		reason.Location = locs[0]
		reason.Extra = locs[1:]
	}

	var action waf.SimpleAction
	switch {
	case r.Stage == StageBypass:
		action.Type = waf.ActionSkip
	case r.Stage == StageDenyBot && r.Challenge:
		action.Type = waf.ActionChallenge
	default:
		action.Type = waf.ActionCustom
		action.Status = 403
	}

	// Bypass stays effective even on an inactive profile; it removes
	// inspection rather than adding it.
	if !active && action.Type != waf.ActionSkip {
		action = waf.SimpleAction{Type: waf.ActionMonitor}
	}
	reason.Type = action.Type

	return waf.SimpleDecision{Action: &action, Reasons: []waf.BlockReason{reason}}
}
