package reqdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTagify(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("hello-world", Tagify("Hello World"))
	assert.Equal("geo:us", Tagify("GEO:US"))
	assert.Equal("a-b-c", Tagify("a/b\\c"))
	assert.Equal("cf-rule-id:100", Tagify("cf-rule-id:100"))
}

func TestVirtualTagExpansion(t *testing.T) {
	assert := assert.New(t)

	tags := NewTags(VirtualTags{"known-bad": {"suspicious", "blocklist"}})
	tags.Add("Known Bad", HeaderValueLocation("user-agent", "evil"))

	assert.True(tags.Has("known-bad"))
	assert.True(tags.Has("suspicious"))
	assert.True(tags.Has("blocklist"))

	locs, ok := tags.LocationsOf("suspicious")
	assert.True(ok)
	assert.Contains(locs, HeaderValueLocation("user-agent", "evil"))
}

func TestExtendDoesNotReExpand(t *testing.T) {
	assert := assert.New(t)

	a := NewTags(VirtualTags{"x": {"implied"}})
	b := NewTags(nil)
	b.Add("x", RequestLocation())

	a.Extend(b)
	assert.True(a.Has("x"))
	assert.False(a.Has("implied"))
}

func TestIntersect(t *testing.T) {
	assert := assert.New(t)

	tags := NewTags(nil)
	tags.Add("alpha", RequestLocation())
	tags.Add("beta", PathLocation())

	names, locs := tags.Intersect(map[string]struct{}{"beta": {}, "gamma": {}})
	assert.Equal([]string{"beta"}, names)
	assert.Contains(locs, PathLocation())
}

func TestLocationParentChain(t *testing.T) {
	assert := assert.New(t)

	l := HeaderValueLocation("cookie", "a=b")
	p, ok := l.Parent()
	assert.True(ok)
	assert.Equal(HeaderLocation("cookie"), p)

	p, ok = p.Parent()
	assert.True(ok)
	assert.Equal(HeadersLocation(), p)

	p, ok = p.Parent()
	assert.True(ok)
	assert.Equal(RequestLocation(), p)

	_, ok = p.Parent()
	assert.False(ok)
}
