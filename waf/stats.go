package waf

import "time"

// StatsStage tracks which pipeline phase last updated the stats object.
// Every phase must mark its stats before the next phase runs; the stage
// field is the runtime stand-in for a compile-time staged builder.
type StatsStage int

// StatsStages in pipeline order.
const (
	StageStart StatsStage = iota
	StageMapped
	StageGlobalFilter
	StageFlow
	StageLimit
	StageACL
	StageContentFilter
	StageDone
)

// Stats is the per-request timing and counting breakdown.
type Stats struct {
	Stage           StatsStage
	Revision        string
	Start           time.Time
	StageViolations int

	SecPolicyMatched    bool
	GlobalFiltersTotal  int
	GlobalFiltersActive int
	FlowChecks          int
	FlowErrors          int
	LimitChecks         int
	LimitErrors         int

	TimeMapping       time.Duration
	TimeGlobalFilter  time.Duration
	TimeFlow          time.Duration
	TimeLimit         time.Duration
	TimeACL           time.Duration
	TimeContentFilter time.Duration
	TimeTotal         time.Duration
}

// NewStats starts a stats collector for one request.
func NewStats(revision string, start time.Time) *Stats {
	return &Stats{Stage: StageStart, Revision: revision, Start: start}
}

func (s *Stats) advance(expect, next StatsStage) {
	if s.Stage != expect {
		s.StageViolations++
	}
	s.Stage = next
}

// MarkMapped records that request mapping completed.
func (s *Stats) MarkMapped(matched bool, d time.Duration) {
	s.advance(StageStart, StageMapped)
	s.SecPolicyMatched = matched
	s.TimeMapping = d
}

// MarkGlobalFilter records the global filter evaluation phase.
func (s *Stats) MarkGlobalFilter(total, active int, d time.Duration) {
	s.advance(StageMapped, StageGlobalFilter)
	s.GlobalFiltersTotal = total
	s.GlobalFiltersActive = active
	s.TimeGlobalFilter = d
}

// MarkFlow records the flow check phase.
func (s *Stats) MarkFlow(checks, errors int, d time.Duration) {
	s.advance(StageGlobalFilter, StageFlow)
	s.FlowChecks = checks
	s.FlowErrors = errors
	s.TimeFlow = d
}

// MarkLimit records the limit check phase.
func (s *Stats) MarkLimit(checks, errors int, d time.Duration) {
	s.advance(StageFlow, StageLimit)
	s.LimitChecks = checks
	s.LimitErrors = errors
	s.TimeLimit = d
}

// MarkACL records the ACL phase.
func (s *Stats) MarkACL(d time.Duration) {
	s.advance(StageLimit, StageACL)
	s.TimeACL = d
}

// MarkContentFilter records the content filter phase.
func (s *Stats) MarkContentFilter(d time.Duration) {
	s.advance(StageACL, StageContentFilter)
	s.TimeContentFilter = d
}

// Finish seals the stats. Finishing is legal from any stage since every
// phase can short-circuit to a terminal result.
func (s *Stats) Finish(now time.Time) {
	s.Stage = StageDone
	s.TimeTotal = now.Sub(s.Start)
}
