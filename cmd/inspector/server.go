package main

import (
	"encoding/json"
	"io"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"edgewaf/analyze"
	"edgewaf/logging"
	"edgewaf/waf"
)

// maxAcceptedBody caps what the listener itself reads; per-profile body
// budgets are enforced inside the pipeline on top of this.
const maxAcceptedBody = 10 << 20

type inspectServer struct {
	logger      zerolog.Logger
	analyzer    *analyze.Analyzer
	provider    waf.ConfigProvider
	aggregator  waf.Aggregator
	trustedHops int
}

// verdictDoc is the response consumed by the fronting proxy.
type verdictDoc struct {
	Verdict string            `json:"verdict"`
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Content string            `json:"content,omitempty"`
	Tags    []string          `json:"tags"`
}

func (s *inspectServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("x-request-id")
	if requestID == "" {
		requestID = uuid.NewString()
	}

	raw := &analyze.RawRequest{
		Meta: waf.RequestMeta{
			Method:    r.Method,
			Path:      r.URL.RequestURI(),
			Authority: r.Host,
			RequestID: requestID,
			Protocol:  r.Proto,
		},
		PeerAddr:    peerAddr(r.RemoteAddr),
		TrustedHops: s.trustedHops,
	}
	for name, values := range r.Header {
		for _, v := range values {
			raw.Headers = append(raw.Headers, [2]string{name, v})
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxAcceptedBody))
	if err != nil {
		s.logger.Warn().Err(err).Str("request_id", requestID).Msg("Failed to read request body")
	}
	raw.Body = body

	var cfg *waf.Config
	s.provider.View(func(c *waf.Config) { cfg = c })
	res := s.analyzer.Inspect(r.Context(), cfg, raw)

	if res.Request != nil {
		entry := logging.NewRequestLogEntry(res.Decision, res.Request, res.Tags, res.Stats)
		s.logger.Info().Interface("request", entry).Msg("Request inspected")
		status := http.StatusOK
		if res.Decision.Action != nil && res.Decision.Action.Block {
			status = res.Decision.Action.Status
		}
		s.aggregator.Update(res.Decision, status, res.Request, res.Tags, 0)
	}

	writeVerdict(w, res)
}

func writeVerdict(w http.ResponseWriter, res analyze.Result) {
	doc := verdictDoc{Verdict: res.Decision.Verdict()}
	if res.Tags != nil {
		doc.Tags = res.Tags.Names()
	}
	if a := res.Decision.Action; a != nil {
		doc.Status = a.Status
		doc.Headers = a.Headers
		doc.Content = a.Content
	}

	w.Header().Set("content-type", "application/json")
	if doc.Verdict == "block" || doc.Verdict == "challenge" {
		w.WriteHeader(http.StatusForbidden)
	}
	json.NewEncoder(w).Encode(doc)
}

func peerAddr(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
