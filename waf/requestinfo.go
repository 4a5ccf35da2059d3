package waf

import (
	"net/netip"
	"strconv"

	"edgewaf/reqdata"
)

// RequestMeta is the protocol-level request metadata handed in by the
// integration layer.
type RequestMeta struct {
	Method    string
	Path      string // raw path including the query string
	Authority string
	RequestID string
	Protocol  string
}

// GeoInfo is the result of the GeoIP collaborator lookup.
type GeoInfo struct {
	Country   string
	Region    string
	Subregion string
	Company   string
	ASN       uint32
}

// RequestInfo is the fully mapped request: every section flattened into a
// field store, peer attributes resolved, and the active security policy
// attached. It is exclusively owned by its request's task.
type RequestInfo struct {
	Meta      RequestMeta
	IP        netip.Addr
	IPString  string
	Geo       GeoInfo
	Path      string // path without the query string
	Query     string
	Headers   *reqdata.FieldStore
	Cookies   *reqdata.FieldStore
	Args      *reqdata.FieldStore
	PathParts *reqdata.FieldStore
	Plugins   *reqdata.FieldStore
	RawBody   []byte
	Policy    *SecurityPolicy
	Entry     *PolicyEntry
}

// Section returns the field store backing a content filter section.
func (ri *RequestInfo) Section(idx SectionIdx) *reqdata.FieldStore {
	switch idx {
	case SectionHeaders:
		return ri.Headers
	case SectionCookies:
		return ri.Cookies
	case SectionArgs:
		return ri.Args
	case SectionPath:
		return ri.PathParts
	case SectionPlugins:
		return ri.Plugins
	}
	return nil
}

// SelectorValue resolves a RequestSelector against the request. The second
// return value is false when the selected value is absent, which makes the
// enclosing flow/limit check inapplicable.
func (ri *RequestInfo) SelectorValue(sel RequestSelector) (value string, ok bool) {
	switch sel.Kind {
	case SelectorIP:
		return ri.IPString, ri.IPString != ""
	case SelectorPath:
		return ri.Path, true
	case SelectorQuery:
		return ri.Query, true
	case SelectorURI:
		return ri.Meta.Path, true
	case SelectorMethod:
		return ri.Meta.Method, true
	case SelectorAuthority:
		return ri.Meta.Authority, true
	case SelectorCountry:
		return ri.Geo.Country, ri.Geo.Country != ""
	case SelectorRegion:
		return ri.Geo.Region, ri.Geo.Region != ""
	case SelectorASN:
		if ri.Geo.ASN == 0 {
			return "", false
		}
		return strconv.FormatUint(uint64(ri.Geo.ASN), 10), true
	case SelectorCompany:
		return ri.Geo.Company, ri.Geo.Company != ""
	case SelectorHeader:
		return ri.Headers.Get(sel.Name)
	case SelectorCookie:
		return ri.Cookies.Get(sel.Name)
	case SelectorArg:
		return ri.Args.Get(sel.Name)
	}
	return "", false
}
