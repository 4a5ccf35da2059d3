package reqdata

import (
	"encoding/base64"
	"html"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Transform is a decode transformation that can be configured on a content
// filter profile. Transforms are always attempted in the fixed order below,
// each only when the profile enables it.
type Transform int

// Transforms available, in application order.
const (
	TransformBase64 Transform = iota
	TransformURL
	TransformHTMLEntities
	TransformUnicodeEscape
)

// TransformOrder is the fixed order in which enabled transforms are chained.
var TransformOrder = []Transform{TransformBase64, TransformURL, TransformHTMLEntities, TransformUnicodeEscape}

func (t Transform) String() string {
	switch t {
	case TransformBase64:
		return "base64"
	case TransformURL:
		return "urldecode"
	case TransformHTMLEntities:
		return "htmlentities"
	case TransformUnicodeEscape:
		return "unicode"
	}
	return "unknown"
}

// ParseTransform converts a configuration string to a Transform.
func ParseTransform(s string) (t Transform, ok bool) {
	switch strings.ToLower(s) {
	case "base64":
		return TransformBase64, true
	case "urldecode", "url":
		return TransformURL, true
	case "htmlentities", "html":
		return TransformHTMLEntities, true
	case "unicode", "unicodedecode":
		return TransformUnicodeEscape, true
	}
	return 0, false
}

// Apply runs the transform over the value. The second return value is false
// when the transform did not apply or did not change the value.
func (t Transform) Apply(value string) (decoded string, changed bool) {
	switch t {
	case TransformBase64:
		decoded, changed = decodeBase64(value)
	case TransformURL:
		decoded, changed = decodePercent(value)
	case TransformHTMLEntities:
		decoded = html.UnescapeString(value)
		changed = decoded != value
	case TransformUnicodeEscape:
		decoded, changed = decodeUnicodeEscapes(value)
	}
	if !changed {
		decoded = value
	}
	return
}

func decodeBase64(value string) (decoded string, ok bool) {
	if len(value) < 4 {
		return value, false
	}

	bb, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		bb, err = base64.RawStdEncoding.DecodeString(value)
	}
	if err != nil || !utf8.Valid(bb) {
		return value, false
	}

	decoded = string(bb)
	ok = decoded != value
	return
}

// decodePercent decodes %XX escapes and leaves malformed sequences as-is.
// Unlike net/url it never fails and does not treat '+' as a space, since the
// input may be an arbitrary value rather than a query string component.
func decodePercent(value string) (decoded string, ok bool) {
	if !strings.ContainsRune(value, '%') {
		return value, false
	}

	var b strings.Builder
	b.Grow(len(value))
	for i := 0; i < len(value); {
		if value[i] == '%' && i+2 < len(value) {
			hi, ok1 := unhex(value[i+1])
			lo, ok2 := unhex(value[i+2])
			if ok1 && ok2 {
				b.WriteByte(hi<<4 | lo)
				i += 3
				continue
			}
		}
		b.WriteByte(value[i])
		i++
	}

	decoded = b.String()
	ok = decoded != value
	return
}

func unhex(c byte) (byte, bool) {
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

// decodeUnicodeEscapes decodes \uXXXX escape sequences.
func decodeUnicodeEscapes(value string) (decoded string, ok bool) {
	if !strings.Contains(value, `\u`) {
		return value, false
	}

	var b strings.Builder
	b.Grow(len(value))
	for i := 0; i < len(value); {
		if value[i] == '\\' && i+5 < len(value) && (value[i+1] == 'u' || value[i+1] == 'U') {
			if n, err := strconv.ParseUint(value[i+2:i+6], 16, 32); err == nil {
				b.WriteRune(rune(n))
				i += 6
				continue
			}
		}
		b.WriteByte(value[i])
		i++
	}

	decoded = b.String()
	ok = decoded != value
	return
}
