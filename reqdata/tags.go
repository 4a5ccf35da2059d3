package reqdata

import (
	"sort"
	"strings"
)

// VirtualTags maps a tag to the tags it implies. Implied tags are inserted
// together with the inserting tag, carrying the same location set.
type VirtualTags map[string][]string

// Tags maps tag names to the set of request locations that produced them.
// Names are always tagified on the way in. Tags are request-scoped and only
// ever grow.
type Tags struct {
	tags    map[string]LocationSet
	virtual VirtualTags
}

// NewTags creates an empty tag set with the given virtual-tag expansion map.
func NewTags(virtual VirtualTags) *Tags {
	return &Tags{tags: make(map[string]LocationSet), virtual: virtual}
}

// Tagify sanitizes a tag name: lowercased, with every character that is not
// alphanumeric or ':' replaced by '-'.
func Tagify(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		if r == ':' || ('a' <= r && r <= 'z') || ('0' <= r && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	return b.String()
}

// Add inserts a tag with one originating location, expanding virtual tags.
func (t *Tags) Add(name string, loc Location) {
	t.AddSet(name, NewLocationSet(loc))
}

// AddSet inserts a tag with a set of originating locations, expanding
// virtual tags. The implied tags carry the same location set.
func (t *Tags) AddSet(name string, locs LocationSet) {
	tagged := Tagify(name)
	t.insert(tagged, locs)
	for _, implied := range t.virtual[tagged] {
		t.insert(Tagify(implied), locs)
	}
}

func (t *Tags) insert(name string, locs LocationSet) {
	if cur, ok := t.tags[name]; ok {
		cur.Merge(locs)
		return
	}
	t.tags[name] = locs.Clone()
}

// Has reports whether the tag is present. The name is tagified first.
func (t *Tags) Has(name string) bool {
	_, ok := t.tags[Tagify(name)]
	return ok
}

// LocationsOf returns the locations recorded for a tag.
func (t *Tags) LocationsOf(name string) (locs LocationSet, ok bool) {
	locs, ok = t.tags[Tagify(name)]
	return
}

// HasAny reports whether any tag in the given set is present.
func (t *Tags) HasAny(set map[string]struct{}) bool {
	for name := range set {
		if _, ok := t.tags[name]; ok {
			return true
		}
	}
	return false
}

// Intersect returns the sorted tag names present in both this set and the
// given set, plus the union of their locations.
func (t *Tags) Intersect(set map[string]struct{}) (names []string, locs LocationSet) {
	locs = make(LocationSet)
	for name := range set {
		if ll, ok := t.tags[name]; ok {
			names = append(names, name)
			locs.Merge(ll)
		}
	}
	sort.Strings(names)
	return
}

// Extend merges another tag set into this one without re-expanding virtual
// tags; the other set already went through expansion at insertion time.
func (t *Tags) Extend(o *Tags) {
	for name, locs := range o.tags {
		t.insert(name, locs)
	}
}

// Names returns all tag names in sorted order.
func (t *Tags) Names() []string {
	names := make([]string, 0, len(t.tags))
	for name := range t.tags {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of distinct tags.
func (t *Tags) Len() int { return len(t.tags) }
