package reqdata

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// DecodedSuffix marks derived fields produced by decode transforms. Fields
// carrying this suffix are exempt from max-length structural checks.
const DecodedSuffix = ":decoded"

// Field is one entry in a FieldStore: a concatenated value plus the set of
// request locations it was collected from.
type Field struct {
	Value     string
	Locations LocationSet
}

// FieldStore is a multi-valued string dictionary over one request section.
// Repeated insertions under the same key concatenate values with a space,
// modeling colliding query/body parameter names.
type FieldStore struct {
	fields map[string]*Field
}

// NewFieldStore creates an empty FieldStore.
func NewFieldStore() *FieldStore {
	return &FieldStore{fields: make(map[string]*Field)}
}

// Add appends a value under the given key, unioning locations with any
// previous insertion.
func (s *FieldStore) Add(key string, loc Location, value string) {
	s.AddSet(key, NewLocationSet(loc), value)
}

// AddSet is Add with a pre-built location set.
func (s *FieldStore) AddSet(key string, locs LocationSet, value string) {
	if f, ok := s.fields[key]; ok {
		f.Value = f.Value + " " + value
		f.Locations.Merge(locs)
		return
	}
	s.fields[key] = &Field{Value: value, Locations: locs.Clone()}
}

// AddDecoded adds the raw value under the key, then chains the enabled
// transforms in their fixed order over it. If the chain produced a different
// value, a derived key:decoded entry is added alongside the raw one.
func (s *FieldStore) AddDecoded(key string, loc Location, value string, transforms []Transform) {
	s.Add(key, loc, value)

	enabled := make(map[Transform]bool, len(transforms))
	for _, t := range transforms {
		enabled[t] = true
	}

	decoded := value
	changed := false
	for _, t := range TransformOrder {
		if !enabled[t] {
			continue
		}
		if v, ok := t.Apply(decoded); ok {
			decoded = v
			changed = true
		}
	}

	if changed {
		s.Add(key+DecodedSuffix, loc, decoded)
	}
}

// Get returns the concatenated value for a key.
func (s *FieldStore) Get(key string) (value string, ok bool) {
	f, ok := s.fields[key]
	if !ok {
		return
	}
	value = f.Value
	return
}

// GetField returns the full field for a key.
func (s *FieldStore) GetField(key string) (f *Field, ok bool) {
	f, ok = s.fields[key]
	return
}

// Len returns the number of fields, derived :decoded entries included.
func (s *FieldStore) Len() int { return len(s.fields) }

// CountRaw returns the number of fields excluding derived :decoded entries.
func (s *FieldStore) CountRaw() (n int) {
	for k := range s.fields {
		if !IsDecodedKey(k) {
			n++
		}
	}
	return
}

// Keys returns all field keys in sorted order.
func (s *FieldStore) Keys() []string {
	kk := make([]string, 0, len(s.fields))
	for k := range s.fields {
		kk = append(kk, k)
	}
	sort.Strings(kk)
	return kk
}

// Iterate calls the callback for every field in sorted key order, stopping
// early if it returns false.
func (s *FieldStore) Iterate(cb func(key string, f *Field) bool) {
	for _, k := range s.Keys() {
		if !cb(k, s.fields[k]) {
			return
		}
	}
}

// IsDecodedKey reports whether a key names a derived :decoded field.
func IsDecodedKey(key string) bool {
	return len(key) > len(DecodedSuffix) && key[len(key)-len(DecodedSuffix):] == DecodedSuffix
}

// MaskedValue computes the deterministic placeholder a value is replaced
// with when masked: MASKED{h} where h is the first 8 hex chars of
// sha224(seed || value). Masking is one-way.
func MaskedValue(seed []byte, value string) string {
	h := sha256.New224()
	h.Write(seed)
	h.Write([]byte(value))
	return fmt.Sprintf("MASKED{%s}", hex.EncodeToString(h.Sum(nil))[:8])
}

// Mask replaces a field's value in place with its masked placeholder and
// returns the locations that were masked. The derived :decoded entry, when
// present, is masked too.
func (s *FieldStore) Mask(seed []byte, key string) (masked LocationSet, ok bool) {
	f, ok := s.fields[key]
	if !ok {
		return
	}

	f.Value = MaskedValue(seed, f.Value)
	masked = f.Locations.Clone()

	if d, found := s.fields[key+DecodedSuffix]; found {
		d.Value = MaskedValue(seed, d.Value)
		masked.Merge(d.Locations)
	}
	return
}
