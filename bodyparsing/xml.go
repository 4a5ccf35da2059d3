package bodyparsing

import (
	"bytes"
	"encoding/xml"
	"io"
	"strconv"
	"strings"

	"edgewaf/reqdata"
	"edgewaf/waf"
)

type xmlStackEntry struct {
	name     string
	ord      int // position among the parent's child elements, 1-based
	children int
}

// parseXMLBody walks the token stream with an explicit stack of
// (element name, child index) pairs to build flat positional paths.
// Mismatched tags and premature EOF are decoding errors; DOCTYPE external
// IDs and entity declarations become synthetic diagnostic entries.
func parseXMLBody(store *reqdata.FieldStore, profile *waf.ContentFilterProfile, body []byte) (err error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = true

	var stack []xmlStackEntry
	sawElement := false

	for {
		var tok xml.Token
		tok, err = dec.Token()
		if err == io.EOF {
			if len(stack) > 0 || !sawElement {
				return &DecodingError{Actual: "premature end of XML document", Expected: "xml"}
			}
			return nil
		}
		if err != nil {
			return &DecodingError{Actual: err.Error(), Expected: "xml"}
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if len(stack) >= profile.MaxBodyDepth {
				return ErrTooDeep
			}
			ord := 1
			if len(stack) > 0 {
				stack[len(stack)-1].children++
				ord = stack[len(stack)-1].children
			}
			sawElement = true
			stack = append(stack, xmlStackEntry{name: t.Name.Local, ord: ord})

			path := xmlPath(stack)
			for _, attr := range t.Attr {
				addXMLField(store, profile, path+attr.Name.Local, attr.Value)
			}

		case xml.EndElement:
			// The decoder already guarantees open/close matching in
			// strict mode; the stack mirrors it for path building.
			stack = stack[:len(stack)-1]

		case xml.CharData:
			text := strings.TrimSpace(string(t))
			if text != "" && len(stack) > 0 {
				addXMLField(store, profile, xmlPath(stack), text)
			}

		case xml.Directive:
			parseXMLDirective(store, string(t))
		}
	}
}

func xmlPath(stack []xmlStackEntry) string {
	var b strings.Builder
	for _, e := range stack {
		b.WriteString(e.name)
		b.WriteString(strconv.Itoa(e.ord))
	}
	return b.String()
}

func addXMLField(store *reqdata.FieldStore, profile *waf.ContentFilterProfile, key, value string) {
	store.AddDecoded(key, reqdata.BodyArgumentValueLocation(key, value), value, profile.Decoding)
}

// parseXMLDirective surfaces DOCTYPE external IDs and ENTITY declarations
// as diagnostic entries so the content filter can match on them. External
// entity tricks hide here.
func parseXMLDirective(store *reqdata.FieldStore, directive string) {
	trimmed := strings.TrimSpace(directive)
	upper := strings.ToUpper(trimmed)

	switch {
	case strings.HasPrefix(upper, "DOCTYPE"):
		if i := strings.Index(upper, "SYSTEM"); i >= 0 {
			store.Add("_XMLDOCTYPE_SYSTEM", reqdata.BodyLocation(), strings.TrimSpace(trimmed[i+len("SYSTEM"):]))
		}
		if i := strings.Index(upper, "PUBLIC"); i >= 0 {
			store.Add("_XMLDOCTYPE_PUBLIC", reqdata.BodyLocation(), strings.TrimSpace(trimmed[i+len("PUBLIC"):]))
		}
		for _, ent := range extractEntityDecls(trimmed) {
			store.Add("_XMLENTITY", reqdata.BodyLocation(), ent)
		}
	case strings.HasPrefix(upper, "ENTITY"):
		store.Add("_XMLENTITY", reqdata.BodyLocation(), strings.TrimSpace(trimmed[len("ENTITY"):]))
	}
}

func extractEntityDecls(directive string) (decls []string) {
	rest := directive
	for {
		i := strings.Index(strings.ToUpper(rest), "<!ENTITY")
		if i < 0 {
			return
		}
		rest = rest[i+len("<!ENTITY"):]
		end := strings.IndexByte(rest, '>')
		if end < 0 {
			decls = append(decls, strings.TrimSpace(rest))
			return
		}
		decls = append(decls, strings.TrimSpace(rest[:end]))
		rest = rest[end+1:]
	}
}
