package contentfilter

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"edgewaf/waf"
)

// Resolve compiles one signature database per content filter profile,
// keeping only the rules selected by the profile's active, report and
// ignore sets. A profile selecting no rules gets no database and its
// signature scan is skipped at runtime. Profiles compile concurrently.
func Resolve(logger zerolog.Logger, factory waf.MultiRegexEngineFactory, profiles []*waf.ContentFilterProfile, rules []*waf.ContentFilterRule) (map[string]waf.SignatureSet, error) {
	out := make(map[string]waf.SignatureSet, len(profiles))
	var mu sync.Mutex
	var g errgroup.Group

	for _, profile := range profiles {
		profile := profile
		kept := make([]*waf.ContentFilterRule, 0, len(rules))
		for _, r := range rules {
			if ruleKept(r, profile) {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			logger.Warn().Str("profile", profile.ID).Msg("No signature rules selected by active/report/ignore, profile scans nothing")
			continue
		}
		g.Go(func() error {
			db, err := NewSignatureDB(factory, kept)
			if err != nil {
				return fmt.Errorf("profile %v: %v", profile.ID, err)
			}
			mu.Lock()
			out[profile.ID] = db
			mu.Unlock()
			return nil
		})
		logger.Debug().Str("profile", profile.ID).Int("rules", len(kept)).Msg("Compiling signature set")
	}

	if err := g.Wait(); err != nil {
		for _, s := range out {
			s.Close()
		}
		return nil, err
	}
	return out, nil
}

// ruleKept gates one rule by a profile's tag sets: ignore always wins, and
// a rule selected by neither active nor report has nothing to contribute.
func ruleKept(rule *waf.ContentFilterRule, profile *waf.ContentFilterProfile) bool {
	tt := signatureTags(rule)
	for _, t := range tt {
		if _, ok := profile.IgnoreTags[t]; ok {
			return false
		}
	}
	for _, t := range tt {
		if _, ok := profile.ActiveTags[t]; ok {
			return true
		}
		if _, ok := profile.ReportTags[t]; ok {
			return true
		}
	}
	return false
}

// SignatureDB holds the compiled form of the configured signature rules: a
// multi-pattern engine used as a first pass over the whole request, plus a
// per-rule Go regex used to attribute hits to individual fields. The
// multi-pattern engine may be compiled in prefilter mode, so every engine
// hit is re-verified per value before it counts.
type SignatureDB struct {
	engine waf.MultiRegexEngine
	rules  map[int]*compiledRule
}

type compiledRule struct {
	rule *waf.ContentFilterRule
	rx   *regexp.Regexp
}

// NewSignatureDB compiles the rules. The per-rule regexes compile
// concurrently; a rule whose operand the Go engine cannot compile fails
// the whole load, matching the fail-closed posture of configuration
// resolution.
func NewSignatureDB(factory waf.MultiRegexEngineFactory, rules []*waf.ContentFilterRule) (db *SignatureDB, err error) {
	db = &SignatureDB{rules: make(map[int]*compiledRule, len(rules))}

	patterns := make([]waf.MultiRegexEnginePattern, len(rules))
	compiled := make([]*compiledRule, len(rules))

	var g errgroup.Group
	for i, r := range rules {
		i, r := i, r
		// Signatures match case-insensitively in both passes.
		patterns[i] = waf.MultiRegexEnginePattern{ID: i, Expr: "(?i)" + r.Operand}
		g.Go(func() error {
			rx, rerr := regexp.Compile("(?i)" + r.Operand)
			if rerr != nil {
				return fmt.Errorf("signature rule %v: %v", r.ID, rerr)
			}
			compiled[i] = &compiledRule{rule: r, rx: rx}
			return nil
		})
	}

	var engine waf.MultiRegexEngine
	g.Go(func() error {
		var gerr error
		engine, gerr = factory.NewMultiRegexEngine(patterns)
		return gerr
	})

	if err = g.Wait(); err != nil {
		if engine != nil {
			engine.Close()
		}
		db = nil
		return
	}

	db.engine = engine
	for i, c := range compiled {
		db.rules[i] = c
	}
	return
}

// Candidates runs the multi-pattern first pass over a blob of request
// values and returns the rules that may have matched somewhere in it.
func (db *SignatureDB) Candidates(blob []byte) (rules []*compiledRule, err error) {
	matches, err := db.engine.Scan(blob)
	if err != nil {
		return
	}
	for _, m := range matches {
		if c, ok := db.rules[m.ID]; ok {
			rules = append(rules, c)
		}
	}
	return
}

// Close frees the compiled engine.
func (db *SignatureDB) Close() {
	if db.engine != nil {
		db.engine.Close()
	}
}
