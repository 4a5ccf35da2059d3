// Package bodyparsing flattens structured request bodies into field store
// entries under depth and size budgets. Parsers must survive malicious
// input: every recursion is bounded by the profile's max body depth.
package bodyparsing

import (
	"errors"
	"fmt"
	"mime"
	"strings"

	"github.com/rs/zerolog"

	"edgewaf/reqdata"
	"edgewaf/waf"
)

// ErrTooDeep is returned when a body nests deeper than the profile's depth
// budget.
var ErrTooDeep = errors.New("body nesting depth budget exceeded")

// DecodingError means the body could not be decoded as any acceptable
// format. Expected optionally names the format(s) the profile accepts.
type DecodingError struct {
	Actual   string
	Expected string
}

func (e *DecodingError) Error() string {
	if e.Expected == "" {
		return fmt.Sprintf("invalid body: %s", e.Actual)
	}
	return fmt.Sprintf("invalid body: %s, expected %s", e.Actual, e.Expected)
}

// ParseBody decodes the request body and flattens it into the store using
// the profile's decode transforms. Dispatch is driven by the content-type
// string against the profile's accepted types; an empty accepted list tries
// all known types, and an unknown content type falls back to trying JSON
// then urlencoded.
func ParseBody(logger zerolog.Logger, store *reqdata.FieldStore, profile *waf.ContentFilterProfile, contentTypeHeader string, body []byte) (err error) {
	if profile.MaxBodyDepth <= 0 {
		logger.Warn().Msg("Body depth budget is zero, skipping body parsing")
		return nil
	}
	if len(body) == 0 {
		return nil
	}

	mediatype, params, _ := mime.ParseMediaType(contentTypeHeader)
	detected := detectContentType(mediatype)

	accepted := profile.ContentTypes
	if len(accepted) == 0 {
		accepted = []waf.ContentType{waf.GraphQLContent, waf.JSONContent, waf.MultipartFormContent, waf.XMLContent, waf.URLEncodedContent}
	}

	if detected != 0 {
		for _, ct := range accepted {
			if ct == detected {
				return parseAs(logger, store, profile, ct, params, body)
			}
		}
		return &DecodingError{Actual: detected.String(), Expected: typeList(profile.ContentTypes)}
	}

	// Unknown content type entirely: JSON first, then urlencoded.
	if err = parseAs(logger, store, profile, waf.JSONContent, nil, body); err == nil {
		return nil
	}
	if err = parseAs(logger, store, profile, waf.URLEncodedContent, nil, body); err == nil {
		return nil
	}
	return &DecodingError{Actual: "unknown content type"}
}

func parseAs(logger zerolog.Logger, store *reqdata.FieldStore, profile *waf.ContentFilterProfile, ct waf.ContentType, params map[string]string, body []byte) (err error) {
	switch ct {
	case waf.JSONContent:
		err = parseJSONBody(logger, store, profile, body)
	case waf.URLEncodedContent:
		err = parseURLEncodedBody(store, profile, body)
	case waf.MultipartFormContent:
		err = parseMultipartBody(store, profile, params["boundary"], body)
	case waf.XMLContent:
		err = parseXMLBody(store, profile, body)
	case waf.GraphQLContent:
		err = parseGraphQLBody(store, profile, string(body))
	default:
		err = &DecodingError{Actual: "unknown content type"}
	}
	return
}

func detectContentType(mediatype string) waf.ContentType {
	switch {
	case mediatype == "application/json" || strings.HasSuffix(mediatype, "+json"):
		return waf.JSONContent
	case mediatype == "application/x-www-form-urlencoded":
		return waf.URLEncodedContent
	case mediatype == "multipart/form-data":
		return waf.MultipartFormContent
	case mediatype == "text/xml" || mediatype == "application/xml" || strings.HasSuffix(mediatype, "+xml"):
		return waf.XMLContent
	case mediatype == "application/graphql":
		return waf.GraphQLContent
	}
	return 0
}

func typeList(tt []waf.ContentType) string {
	if len(tt) == 0 {
		return ""
	}
	names := make([]string, len(tt))
	for i, t := range tt {
		names[i] = t.String()
	}
	return strings.Join(names, ",")
}

func addField(store *reqdata.FieldStore, profile *waf.ContentFilterProfile, key, value string) {
	loc := reqdata.BodyArgumentValueLocation(key, value)
	store.AddDecoded(key, loc, value, profile.Decoding)
}
