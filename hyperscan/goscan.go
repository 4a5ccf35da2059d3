package hyperscan

import (
	"fmt"
	"regexp"

	"edgewaf/waf"
)

type goEngineFactory struct{}

// NewGoEngineFactory creates a factory for engines built on the standard
// Go regexp package. Slower than Hyperscan, but needs no native library;
// used in tests and as a fallback on unsupported CPUs.
func NewGoEngineFactory() waf.MultiRegexEngineFactory {
	return &goEngineFactory{}
}

type goPattern struct {
	id int
	rx *regexp.Regexp
}

type goEngine struct {
	patterns []goPattern
}

// NewMultiRegexEngine compiles every pattern with the Go regexp engine.
func (f *goEngineFactory) NewMultiRegexEngine(mm []waf.MultiRegexEnginePattern) (m waf.MultiRegexEngine, err error) {
	e := &goEngine{}
	for _, p := range mm {
		var rx *regexp.Regexp
		rx, err = regexp.Compile(p.Expr)
		if err != nil {
			err = fmt.Errorf("failed to compile pattern %v: %v", p.Expr, err)
			return
		}
		e.patterns = append(e.patterns, goPattern{id: p.ID, rx: rx})
	}
	m = e
	return
}

// Scan tries every pattern in turn, reporting at most one match per
// pattern like Hyperscan's SingleMatch mode.
func (e *goEngine) Scan(input []byte) (matches []waf.MultiRegexEngineMatch, err error) {
	for _, p := range e.patterns {
		if loc := p.rx.FindIndex(input); loc != nil {
			matches = append(matches, waf.MultiRegexEngineMatch{ID: p.id, EndPos: loc[1]})
		}
	}
	return
}

// Close is a no-op for the Go engine.
func (e *goEngine) Close() {}
