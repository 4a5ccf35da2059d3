// Package hyperscan provides waf.MultiRegexEngine implementations: a
// Hyperscan-backed engine for production and a pure-Go fallback for
// environments without the native library.
package hyperscan

import (
	"sync"

	hs "github.com/flier/gohs/hyperscan"

	"edgewaf/waf"
)

type engineFactory struct{}

// NewMultiRegexEngineFactory creates a factory for Hyperscan-backed
// engines.
func NewMultiRegexEngineFactory() waf.MultiRegexEngineFactory {
	return &engineFactory{}
}

type engine struct {
	// Hyperscan's compiled database of regexes.
	db hs.BlockDatabase

	// Scratch spaces may not be used concurrently, so each concurrent
	// scan takes one from the pool.
	scratch sync.Pool
}

// NewMultiRegexEngine compiles the patterns into a Hyperscan block
// database.
func (f *engineFactory) NewMultiRegexEngine(mm []waf.MultiRegexEnginePattern) (m waf.MultiRegexEngine, err error) {
	patterns := make([]*hs.Pattern, 0, len(mm))
	for _, p := range mm {
		hp := hs.NewPattern(p.Expr, 0)
		hp.Id = p.ID

		// SingleMatch records only one match per pattern. PrefilterMode
		// gives broader regex compatibility at the cost of possible
		// false positives, which the content filter re-verifies with a
		// per-value rescan anyway.
		hp.Flags = hs.SingleMatch | hs.PrefilterMode

		patterns = append(patterns, hp)
	}

	h := &engine{}
	h.db, err = hs.NewBlockDatabase(patterns...)
	if err != nil {
		return
	}

	h.scratch.New = func() interface{} {
		s, serr := hs.NewScratch(h.db)
		if serr != nil {
			return nil
		}
		return s
	}

	m = h
	return
}

// Scan scans the input for every pattern this engine was built with.
func (h *engine) Scan(input []byte) (matches []waf.MultiRegexEngineMatch, err error) {
	s, _ := h.scratch.Get().(*hs.Scratch)
	if s == nil {
		var serr error
		s, serr = hs.NewScratch(h.db)
		if serr != nil {
			err = serr
			return
		}
	}
	defer h.scratch.Put(s)

	handler := func(id uint, from, to uint64, flags uint, context interface{}) error {
		matches = append(matches, waf.MultiRegexEngineMatch{ID: int(id), EndPos: int(to)})
		return nil
	}

	err = h.db.Scan(input, s, handler, nil)
	return
}

// Close frees the compiled database.
func (h *engine) Close() {
	h.db.Close()
}
