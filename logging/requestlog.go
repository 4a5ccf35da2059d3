// Package logging builds the structured per-request log document and the
// aggregation hook fed by the analysis pipeline.
package logging

import (
	"time"

	"edgewaf/reqdata"
	"edgewaf/waf"
)

// RequestLogEntry is the per-request log document. Field values are taken
// from the masked request info, so configured masking applies to the log
// output too.
type RequestLogEntry struct {
	RequestID string            `json:"requestId"`
	Timestamp time.Time         `json:"timestamp"`
	ClientIP  string            `json:"clientIp"`
	Method    string            `json:"method"`
	Authority string            `json:"authority"`
	Path      string            `json:"path"`
	Query     string            `json:"query,omitempty"`
	Protocol  string            `json:"protocol,omitempty"`
	Geo       geoEntry          `json:"geo"`
	Headers   map[string]string `json:"headers,omitempty"`
	Cookies   map[string]string `json:"cookies,omitempty"`
	Args      map[string]string `json:"args,omitempty"`

	Verdict      string                   `json:"verdict"`
	Status       int                      `json:"status,omitempty"`
	ResponseCode int                      `json:"responseCode,omitempty"`
	BytesSent    int64                    `json:"bytesSent,omitempty"`
	Reasons      map[string][]reasonEntry `json:"reasons,omitempty"`
	Tags         []string                 `json:"tags,omitempty"`

	Policy  string       `json:"securityPolicy,omitempty"`
	Entry   string       `json:"securityPolicyEntry,omitempty"`
	Timings timingsEntry `json:"timings"`
}

type geoEntry struct {
	Country string `json:"country,omitempty"`
	Region  string `json:"region,omitempty"`
	Company string `json:"company,omitempty"`
	ASN     uint32 `json:"asn,omitempty"`
}

type reasonEntry struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`
	Action   string `json:"action"`
}

type timingsEntry struct {
	MappingUS       int64 `json:"mappingUs"`
	GlobalFilterUS  int64 `json:"globalFilterUs"`
	FlowUS          int64 `json:"flowUs"`
	LimitUS         int64 `json:"limitUs"`
	ACLUS           int64 `json:"aclUs"`
	ContentFilterUS int64 `json:"contentFilterUs"`
	TotalUS         int64 `json:"totalUs"`
}

// NewRequestLogEntry builds the log document for one completed request.
func NewRequestLogEntry(decision waf.Decision, ri *waf.RequestInfo, tags *reqdata.Tags, stats *waf.Stats) *RequestLogEntry {
	e := &RequestLogEntry{
		RequestID: ri.Meta.RequestID,
		ClientIP:  ri.IPString,
		Method:    ri.Meta.Method,
		Authority: ri.Meta.Authority,
		Path:      ri.Path,
		Query:     ri.Query,
		Protocol:  ri.Meta.Protocol,
		Geo: geoEntry{
			Country: ri.Geo.Country,
			Region:  ri.Geo.Region,
			Company: ri.Geo.Company,
			ASN:     ri.Geo.ASN,
		},
		Headers: storeMap(ri.Headers),
		Cookies: storeMap(ri.Cookies),
		Args:    storeMap(ri.Args),
		Verdict: decision.Verdict(),
	}
	if decision.Action != nil {
		e.Status = decision.Action.Status
	}
	if tags != nil {
		e.Tags = tags.Names()
	}
	if ri.Policy != nil {
		e.Policy = ri.Policy.ID
	}
	if ri.Entry != nil {
		e.Entry = ri.Entry.ID
	}
	if stats != nil {
		e.Timestamp = stats.Start
		e.Timings = timingsEntry{
			MappingUS:       stats.TimeMapping.Microseconds(),
			GlobalFilterUS:  stats.TimeGlobalFilter.Microseconds(),
			FlowUS:          stats.TimeFlow.Microseconds(),
			LimitUS:         stats.TimeLimit.Microseconds(),
			ACLUS:           stats.TimeACL.Microseconds(),
			ContentFilterUS: stats.TimeContentFilter.Microseconds(),
			TotalUS:         stats.TimeTotal.Microseconds(),
		}
	}

	// Reasons are grouped by the phase that produced them.
	if len(decision.Reasons) > 0 {
		e.Reasons = make(map[string][]reasonEntry)
		for _, r := range decision.Reasons {
			kind := "unknown"
			if r.Initiator != nil {
				kind = r.Initiator.InitiatorKind()
			}
			e.Reasons[kind] = append(e.Reasons[kind], reasonEntry{
				ID:       r.ID,
				Name:     r.Name,
				Location: r.Location.String(),
				Action:   r.Type.String(),
			})
		}
	}
	return e
}

func storeMap(store *reqdata.FieldStore) map[string]string {
	if store == nil || store.Len() == 0 {
		return nil
	}
	m := make(map[string]string, store.Len())
	store.Iterate(func(key string, f *reqdata.Field) bool {
		if !reqdata.IsDecodedKey(key) {
			m[key] = f.Value
		}
		return true
	})
	return m
}
