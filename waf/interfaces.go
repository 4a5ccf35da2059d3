package waf

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"edgewaf/reqdata"
)

// ConfigProvider hands out configuration snapshots. View runs the callback
// under a read lock; the callback must be synchronous and copy out whatever
// it needs. The engine never retains a live lock into an asynchronous phase.
type ConfigProvider interface {
	View(func(c *Config))
}

// SwapProvider is the production ConfigProvider: a reload swaps in a fresh
// snapshot under the write lock without blocking readers already inside
// View.
type SwapProvider struct {
	mu  sync.RWMutex
	cur *Config
}

// NewSwapProvider creates a SwapProvider with an initial snapshot.
func NewSwapProvider(c *Config) *SwapProvider {
	return &SwapProvider{cur: c}
}

// View implements ConfigProvider.
func (p *SwapProvider) View(cb func(c *Config)) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cb(p.cur)
}

// Swap replaces the current snapshot.
func (p *SwapProvider) Swap(c *Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cur = c
}

// FixedProvider is a trivial ConfigProvider for tests.
type FixedProvider struct {
	C *Config
}

// View implements ConfigProvider.
func (p FixedProvider) View(cb func(c *Config)) { cb(p.C) }

// ListPush advances one flow sequence counter: an LPUSH plus a TTL check
// and a conditional EXPIRE when no expiry is set yet.
type ListPush struct {
	Key   string
	Value string
	TTL   time.Duration
}

// CounterIncr bumps one limit counter. A non-empty Member means
// distinct-pair counting (SADD + SCARD) instead of a plain INCR. TTL is
// applied with a conditional EXPIRE when the key has no expiry.
type CounterIncr struct {
	Key    string
	Member string
	TTL    time.Duration
}

// CounterStore is the external distributed counter service used for flow
// sequencing and rate limiting. Every method issues its operations as one
// pipelined batch: one network round trip per call regardless of how many
// checks it carries. The engine treats the store as best effort; errors
// degrade to empty results and never fail a request.
type CounterStore interface {
	ListLengths(ctx context.Context, keys []string) ([]int64, error)
	PushSequences(ctx context.Context, pushes []ListPush) error
	IncrCounters(ctx context.Context, incrs []CounterIncr) ([]int64, error)
}

// PrecisionLevel grades how confidently the human verification collaborator
// considers the requester human.
type PrecisionLevel int

// PrecisionLevels available, weakest first.
const (
	PrecisionInvalid PrecisionLevel = iota
	PrecisionPassive
	PrecisionActive
	PrecisionInteractive
)

// IsHuman reports whether the level counts as a verified human.
func (p PrecisionLevel) IsHuman() bool { return p >= PrecisionActive }

// ChallengeResponse is the materialized challenge page.
type ChallengeResponse struct {
	Status  int
	Headers map[string]string
	Content string
}

// HumanVerifier is the pluggable human verification capability. All calls
// are fallible and synchronous; failures are logged and degrade to
// PrecisionInvalid.
type HumanVerifier interface {
	IsHuman(ri *RequestInfo) (PrecisionLevel, error)
	InitChallenge(ri *RequestInfo) (ChallengeResponse, error)
	VerifyChallenge(headers *reqdata.FieldStore) (token string, err error)
}

// GeoDB looks up geographic and network attributes for a peer address.
type GeoDB interface {
	Lookup(addr netip.Addr) (GeoInfo, bool)
}

// MultiRegexEngineFactory creates engines that scan for many regexes at
// once, such as Hyperscan.
type MultiRegexEngineFactory interface {
	NewMultiRegexEngine(patterns []MultiRegexEnginePattern) (MultiRegexEngine, error)
}

// MultiRegexEngine scans input for every pattern it was built with.
type MultiRegexEngine interface {
	Scan(input []byte) (matches []MultiRegexEngineMatch, err error)
	Close()
}

// MultiRegexEnginePattern tells the factory what to scan for.
type MultiRegexEnginePattern struct {
	ID   int
	Expr string
}

// MultiRegexEngineMatch reports one pattern hit.
type MultiRegexEngineMatch struct {
	ID     int
	EndPos int
}

// Aggregator receives one update per completed request for aggregation
// bucketing. Implementations live with the logging collaborators.
type Aggregator interface {
	Update(decision Decision, responseCode int, ri *RequestInfo, tags *reqdata.Tags, bytesSent int64)
}
