package bodyparsing

import (
	"strings"

	"edgewaf/reqdata"
	"edgewaf/waf"
)

// parseURLEncodedBody fails fast unless the body is byte-for-byte a
// printable-ASCII key=value&... form: any byte outside the printable range,
// or the absence of '=', rejects the body as not forms encoded.
func parseURLEncodedBody(store *reqdata.FieldStore, profile *waf.ContentFilterProfile, body []byte) (err error) {
	for _, b := range body {
		if b < ' ' || b > '~' {
			return &DecodingError{Actual: "body is not forms encoded", Expected: "urlencoded"}
		}
	}
	if !strings.ContainsRune(string(body), '=') {
		return &DecodingError{Actual: "body is not forms encoded", Expected: "urlencoded"}
	}

	ParseQueryInto(store, profile, string(body), bodyArgAdder{})
	return nil
}

// argAdder abstracts where query-shaped key=value pairs record their
// provenance: request body, URI query string, or referer query string.
type argAdder interface {
	add(store *reqdata.FieldStore, profile *waf.ContentFilterProfile, key, value string)
}

type bodyArgAdder struct{}

func (bodyArgAdder) add(store *reqdata.FieldStore, profile *waf.ContentFilterProfile, key, value string) {
	store.AddDecoded(key, reqdata.BodyArgumentValueLocation(key, value), value, profile.Decoding)
}

// URIArgAdder records pairs as URI query arguments.
type URIArgAdder struct{}

func (URIArgAdder) add(store *reqdata.FieldStore, profile *waf.ContentFilterProfile, key, value string) {
	store.AddDecoded(key, reqdata.URIArgumentValueLocation(key, value), value, profile.Decoding)
}

// RefererArgAdder records pairs as referer query arguments.
type RefererArgAdder struct{}

func (RefererArgAdder) add(store *reqdata.FieldStore, profile *waf.ContentFilterProfile, key, value string) {
	store.AddDecoded(key, reqdata.RefererArgumentValueLocation(key, value), value, profile.Decoding)
}

// ParseQueryInto splits a query-shaped string on '&' and '=' and adds each
// pair to the store. Keys and values are percent-decoded with '+' as space;
// pairs without '=' become a key with an empty value.
func ParseQueryInto(store *reqdata.FieldStore, profile *waf.ContentFilterProfile, query string, adder argAdder) {
	if query == "" {
		return
	}
	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		key, value := pair, ""
		if i := strings.IndexByte(pair, '='); i >= 0 {
			key, value = pair[:i], pair[i+1:]
		}
		adder.add(store, profile, formDecode(key), formDecode(value))
	}
}

// formDecode percent-decodes with '+' as space, leaving malformed escapes
// untouched rather than failing.
func formDecode(s string) string {
	if !strings.ContainsAny(s, "%+") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		switch {
		case s[i] == '+':
			b.WriteByte(' ')
			i++
		case s[i] == '%' && i+2 < len(s):
			if hi, ok1 := unhexByte(s[i+1]); ok1 {
				if lo, ok2 := unhexByte(s[i+2]); ok2 {
					b.WriteByte(hi<<4 | lo)
					i += 3
					continue
				}
			}
			b.WriteByte(s[i])
			i++
		default:
			b.WriteByte(s[i])
			i++
		}
	}
	return b.String()
}

func unhexByte(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
