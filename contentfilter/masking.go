package contentfilter

import (
	"strings"

	"edgewaf/reqdata"
	"edgewaf/waf"
)

// Mask replaces the values of every field the profile flags for masking
// with their deterministic placeholders, in every mapped section. The raw
// query string, the referer header, and the raw body are rewritten too so
// the masked value cannot be recovered from the request log. Returns the
// set of locations that were masked.
func Mask(profile *waf.ContentFilterProfile, ri *waf.RequestInfo) reqdata.LocationSet {
	masked := make(reqdata.LocationSet)
	maskedArgNames := make(map[string]bool)

	for _, idx := range waf.AllSections {
		store := ri.Section(idx)
		if store == nil {
			continue
		}
		section := profile.Section(idx)

		var keys []string
		store.Iterate(func(key string, f *reqdata.Field) bool {
			if reqdata.IsDecodedKey(key) {
				return true
			}
			entry := lookupEntry(section, key)
			if entry != nil && entry.Mask {
				keys = append(keys, key)
			}
			return true
		})

		for _, key := range keys {
			locs, ok := store.Mask(profile.MaskingSeed, key)
			if !ok {
				continue
			}
			masked.Merge(locs)
			if idx == waf.SectionArgs {
				maskedArgNames[key] = true
			}
		}
	}

	if len(maskedArgNames) > 0 {
		ri.Query = maskQuery(profile.MaskingSeed, ri.Query, maskedArgNames)
		if referer, ok := ri.Headers.GetField("referer"); ok {
			if q := refererQuery(referer.Value); q != "" {
				rewritten := maskQuery(profile.MaskingSeed, q, maskedArgNames)
				referer.Value = strings.Replace(referer.Value, q, rewritten, 1)
			}
		}
	}

	if bodyMasked(masked) && len(ri.RawBody) > 0 {
		ri.RawBody = []byte(reqdata.MaskedValue(profile.MaskingSeed, string(ri.RawBody)))
	}

	return masked
}

// maskQuery rewrites a raw query string, replacing the value of every
// masked argument name with its placeholder.
func maskQuery(seed []byte, query string, names map[string]bool) string {
	if query == "" {
		return query
	}
	pairs := strings.Split(query, "&")
	for i, pair := range pairs {
		name, value, found := strings.Cut(pair, "=")
		if !found || !names[name] {
			continue
		}
		pairs[i] = name + "=" + reqdata.MaskedValue(seed, value)
	}
	return strings.Join(pairs, "&")
}

func refererQuery(referer string) string {
	if _, q, ok := strings.Cut(referer, "?"); ok {
		return q
	}
	return ""
}

func bodyMasked(masked reqdata.LocationSet) bool {
	for l := range masked {
		if l.Kind == reqdata.LocBodyArgument || l.Kind == reqdata.LocBodyArgumentValue {
			return true
		}
	}
	return false
}
