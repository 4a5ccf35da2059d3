package logging

import (
	"github.com/rs/zerolog"

	"edgewaf/reqdata"
	"edgewaf/waf"
)

// NewZerologAggregator creates an aggregator that emits one structured log
// line per completed request.
func NewZerologAggregator(logger zerolog.Logger) waf.Aggregator {
	return &zerologAggregator{logger: logger}
}

type zerologAggregator struct {
	logger zerolog.Logger
}

// Update implements waf.Aggregator.
func (a *zerologAggregator) Update(decision waf.Decision, responseCode int, ri *waf.RequestInfo, tags *reqdata.Tags, bytesSent int64) {
	entry := NewRequestLogEntry(decision, ri, tags, nil)
	entry.ResponseCode = responseCode
	entry.BytesSent = bytesSent

	a.logger.Info().
		Str("reqid", entry.RequestID).
		Str("verdict", entry.Verdict).
		Interface("request", entry).
		Msg("Request inspected")
}
