package bodyparsing

import (
	"regexp"
	"strconv"

	"github.com/PaesslerAG/jsonpath"
	"github.com/rs/zerolog"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"edgewaf/reqdata"
	"edgewaf/waf"
)

// parseGraphQLBody parses the query document and flattens operations,
// fragments, directives, arguments and selection sets into dot-joined keys.
func parseGraphQLBody(store *reqdata.FieldStore, profile *waf.ContentFilterProfile, query string) (err error) {
	doc, gqlErr := parser.ParseQuery(&ast.Source{Input: query})
	if gqlErr != nil {
		return &DecodingError{Actual: gqlErr.Error(), Expected: "graphql"}
	}

	for _, op := range doc.Operations {
		prefix := string(op.Operation)
		if prefix == "" {
			prefix = "query"
		}
		if op.Name != "" {
			prefix = prefix + "." + op.Name
		}
		for _, v := range op.VariableDefinitions {
			addField(store, profile, prefix+".var."+v.Variable, v.Type.String())
		}
		if err = flattenDirectives(store, profile, prefix, op.Directives); err != nil {
			return
		}
		if err = flattenSelections(store, profile, prefix, op.SelectionSet, profile.MaxBodyDepth); err != nil {
			return
		}
	}

	for _, frag := range doc.Fragments {
		prefix := "fragment." + frag.Name
		addField(store, profile, prefix, frag.TypeCondition)
		if err = flattenDirectives(store, profile, prefix, frag.Directives); err != nil {
			return
		}
		if err = flattenSelections(store, profile, prefix, frag.SelectionSet, profile.MaxBodyDepth); err != nil {
			return
		}
	}
	return
}

func flattenSelections(store *reqdata.FieldStore, profile *waf.ContentFilterProfile, prefix string, set ast.SelectionSet, depth int) (err error) {
	if len(set) == 0 {
		return
	}
	if depth <= 0 {
		return ErrTooDeep
	}

	for _, sel := range set {
		switch s := sel.(type) {
		case *ast.Field:
			key := prefix + "." + s.Name
			if s.Alias != "" && s.Alias != s.Name {
				addField(store, profile, key+".alias", s.Alias)
			}
			for _, arg := range s.Arguments {
				addField(store, profile, key+"."+arg.Name, arg.Value.String())
			}
			if err = flattenDirectives(store, profile, key, s.Directives); err != nil {
				return
			}
			if len(s.SelectionSet) == 0 {
				addField(store, profile, key, s.Name)
			} else if err = flattenSelections(store, profile, key, s.SelectionSet, depth-1); err != nil {
				return
			}
		case *ast.FragmentSpread:
			addField(store, profile, prefix+".spread", s.Name)
		case *ast.InlineFragment:
			key := prefix + ".on." + s.TypeCondition
			if err = flattenSelections(store, profile, key, s.SelectionSet, depth-1); err != nil {
				return
			}
		}
	}
	return
}

func flattenDirectives(store *reqdata.FieldStore, profile *waf.ContentFilterProfile, prefix string, dirs ast.DirectiveList) (err error) {
	for _, d := range dirs {
		key := prefix + ".dir." + d.Name
		addField(store, profile, key, d.Name)
		for _, arg := range d.Arguments {
			addField(store, profile, key+"."+arg.Name, arg.Value.String())
		}
	}
	return
}

// graphqlValueRx is the fixed extraction pattern for GraphQL documents
// embedded in JSON string values, used when no JSONPath is configured.
var graphqlValueRx = regexp.MustCompile(`"[^"]*"\s*:\s*"((?:query|mutation|subscription)\b(?:[^"\\]|\\.)*)"`)

// extractGraphQL scans a JSON body for embedded GraphQL documents, each of
// which is parsed independently. Candidates that fail to parse are skipped:
// auto-detection must not reject an otherwise valid JSON body.
func extractGraphQL(logger zerolog.Logger, store *reqdata.FieldStore, profile *waf.ContentFilterProfile, body []byte, parsed interface{}) (err error) {
	var candidates []string

	if profile.GraphQLJSONPath != "" {
		v, jpErr := jsonpath.Get(profile.GraphQLJSONPath, parsed)
		if jpErr != nil {
			logger.Debug().Err(jpErr).Msg("GraphQL JSONPath did not match")
			return nil
		}
		switch t := v.(type) {
		case string:
			candidates = append(candidates, t)
		case []interface{}:
			for _, e := range t {
				if s, ok := e.(string); ok {
					candidates = append(candidates, s)
				}
			}
		}
	} else {
		for _, m := range graphqlValueRx.FindAllSubmatch(body, -1) {
			if unquoted, uqErr := strconv.Unquote(`"` + string(m[1]) + `"`); uqErr == nil {
				candidates = append(candidates, unquoted)
			}
		}
	}

	for _, q := range candidates {
		if err = parseGraphQLBody(store, profile, q); err != nil {
			if err == ErrTooDeep {
				return
			}
			logger.Debug().Err(err).Msg("Embedded GraphQL candidate did not parse")
			err = nil
		}
	}
	return
}
