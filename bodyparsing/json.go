package bodyparsing

import (
	"bytes"
	"encoding/json"
	"io"
	"strconv"

	"github.com/rs/zerolog"

	"edgewaf/reqdata"
	"edgewaf/waf"
)

// jsonRootKey is the field key used for a bare top-level scalar.
const jsonRootKey = "JSON_ROOT"

func parseJSONBody(logger zerolog.Logger, store *reqdata.FieldStore, profile *waf.ContentFilterProfile, body []byte) (err error) {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err = dec.Decode(&v); err != nil {
		return &DecodingError{Actual: err.Error(), Expected: "json"}
	}
	if _, terr := dec.Token(); terr != io.EOF {
		return &DecodingError{Actual: "trailing data after JSON document", Expected: "json"}
	}

	if err = flattenJSON(store, profile, "", v, profile.MaxBodyDepth); err != nil {
		return
	}

	if profile.GraphQLDetection {
		err = extractGraphQL(logger, store, profile, body, v)
	}
	return
}

// flattenJSON stores every scalar under its underscore-joined path. Entering
// a container spends one level of the depth budget.
func flattenJSON(store *reqdata.FieldStore, profile *waf.ContentFilterProfile, prefix string, v interface{}, depth int) (err error) {
	if depth <= 0 {
		return ErrTooDeep
	}

	switch t := v.(type) {
	case map[string]interface{}:
		for k, child := range t {
			if err = flattenJSON(store, profile, joinKey(prefix, k), child, depth-1); err != nil {
				return
			}
		}
	case []interface{}:
		for i, child := range t {
			if err = flattenJSON(store, profile, joinKey(prefix, strconv.Itoa(i)), child, depth-1); err != nil {
				return
			}
		}
	case string:
		addScalar(store, profile, prefix, t)
	case json.Number:
		addScalar(store, profile, prefix, t.String())
	case bool:
		addScalar(store, profile, prefix, strconv.FormatBool(t))
	case nil:
		addScalar(store, profile, prefix, "null")
	}
	return
}

func addScalar(store *reqdata.FieldStore, profile *waf.ContentFilterProfile, key, value string) {
	if key == "" {
		key = jsonRootKey
	}
	addField(store, profile, key, value)
}

func joinKey(prefix, part string) string {
	if prefix == "" {
		return part
	}
	return prefix + "_" + part
}
