package analyze

import (
	"net/netip"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"edgewaf/bodyparsing"
	"edgewaf/reqdata"
	"edgewaf/waf"
)

// RawRequest is the not-yet-mapped request handed in by the integration
// layer: protocol metadata, the peer address, raw headers in arrival order,
// and any plugin-supplied key/value pairs.
type RawRequest struct {
	Meta        waf.RequestMeta
	PeerAddr    string
	TrustedHops int
	Headers     [][2]string
	Plugins     map[string]string
	Body        []byte
}

// buildRequestInfo flattens the raw request into field stores, resolves the
// client address through the trusted-hops rule, and attaches geo data.
func buildRequestInfo(logger zerolog.Logger, geoDB waf.GeoDB, raw *RawRequest, profile *waf.ContentFilterProfile) *waf.RequestInfo {
	if profile == nil {
		profile = &waf.ContentFilterProfile{}
	}

	ri := &waf.RequestInfo{
		Meta:      raw.Meta,
		Headers:   reqdata.NewFieldStore(),
		Cookies:   reqdata.NewFieldStore(),
		Args:      reqdata.NewFieldStore(),
		PathParts: reqdata.NewFieldStore(),
		Plugins:   reqdata.NewFieldStore(),
		RawBody:   raw.Body,
	}

	ri.Path, ri.Query = splitPathQuery(raw.Meta.Path)

	for _, h := range raw.Headers {
		name := strings.ToLower(h[0])
		value := h[1]
		if name == "cookie" {
			parseCookies(ri.Cookies, profile, value)
			continue
		}
		ri.Headers.AddDecoded(name, reqdata.HeaderValueLocation(name, value), value, profile.Decoding)
	}

	mapPathParts(ri.PathParts, profile, ri.Path)
	bodyparsing.ParseQueryInto(ri.Args, profile, ri.Query, bodyparsing.URIArgAdder{})

	if profile.ReferParsing {
		if referer, ok := ri.Headers.Get("referer"); ok {
			if _, q, found := strings.Cut(referer, "?"); found {
				bodyparsing.ParseQueryInto(ri.Args, profile, q, bodyparsing.RefererArgAdder{})
			}
		}
	}

	for name, value := range raw.Plugins {
		ri.Plugins.Add(name, reqdata.PluginValueLocation(name, value), value)
	}

	ri.IP = clientAddr(logger, raw, ri.Headers)
	if ri.IP.IsValid() {
		ri.IPString = ri.IP.String()
		if geoDB != nil {
			ri.Geo, _ = geoDB.Lookup(ri.IP)
		}
	}

	return ri
}

func splitPathQuery(rawPath string) (path, query string) {
	if i := strings.IndexByte(rawPath, '?'); i >= 0 {
		return rawPath[:i], rawPath[i+1:]
	}
	return rawPath, ""
}

func mapPathParts(store *reqdata.FieldStore, profile *waf.ContentFilterProfile, path string) {
	store.AddDecoded("path", reqdata.PathLocation(), path, profile.Decoding)
	idx := 0
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		key := "part" + strconv.Itoa(idx)
		store.AddDecoded(key, reqdata.PathPartValueLocation(idx, part), part, profile.Decoding)
		idx++
	}
}

func parseCookies(store *reqdata.FieldStore, profile *waf.ContentFilterProfile, header string) {
	for _, pair := range strings.Split(header, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, _ := strings.Cut(pair, "=")
		store.AddDecoded(name, reqdata.CookieValueLocation(name, value), value, profile.Decoding)
	}
}

// clientAddr resolves the client address. With trusted hops configured, the
// address is taken that many positions from the end of the x-forwarded-for
// chain; otherwise the direct peer address is used.
func clientAddr(logger zerolog.Logger, raw *RawRequest, headers *reqdata.FieldStore) netip.Addr {
	if raw.TrustedHops > 0 {
		if xff, ok := headers.Get("x-forwarded-for"); ok {
			hops := strings.Split(xff, ",")
			i := len(hops) - raw.TrustedHops
			if i < 0 {
				i = 0
			}
			if a, err := netip.ParseAddr(strings.TrimSpace(hops[i])); err == nil {
				return a.Unmap()
			}
			logger.Warn().Str("xff", xff).Msg("Unparseable x-forwarded-for entry, falling back to peer address")
		}
	}

	a, err := netip.ParseAddr(raw.PeerAddr)
	if err != nil {
		logger.Warn().Str("peer", raw.PeerAddr).Msg("Unparseable peer address")
		return netip.Addr{}
	}
	return a.Unmap()
}
