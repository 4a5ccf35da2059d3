package reqdata

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFieldConcatenation(t *testing.T) {
	assert := assert.New(t)

	s := NewFieldStore()
	s.Add("k", URIArgumentValueLocation("k", "a"), "a")
	s.Add("k", BodyArgumentValueLocation("k", "b"), "b")

	v, ok := s.Get("k")
	assert.True(ok)
	assert.Equal("a b", v)

	f, _ := s.GetField("k")
	assert.Len(f.Locations, 2)
	assert.Contains(f.Locations, URIArgumentValueLocation("k", "a"))
	assert.Contains(f.Locations, BodyArgumentValueLocation("k", "b"))
}

func TestAddDecodedBase64KeepsRawEntry(t *testing.T) {
	assert := assert.New(t)

	s := NewFieldStore()
	// "c2VsZWN0IDE=" is base64 for "select 1"
	s.AddDecoded("q", URIArgumentValueLocation("q", "c2VsZWN0IDE="), "c2VsZWN0IDE=", []Transform{TransformBase64})

	raw, ok := s.Get("q")
	assert.True(ok)
	assert.Equal("c2VsZWN0IDE=", raw)

	decoded, ok := s.Get("q" + DecodedSuffix)
	assert.True(ok)
	assert.Equal("select 1", decoded)
}

func TestAddDecodedNoChangeAddsNoDerivedField(t *testing.T) {
	assert := assert.New(t)

	s := NewFieldStore()
	s.AddDecoded("q", URIArgumentValueLocation("q", "hello"), "hello",
		[]Transform{TransformBase64, TransformURL, TransformHTMLEntities, TransformUnicodeEscape})

	_, ok := s.Get("q" + DecodedSuffix)
	assert.False(ok)
	assert.Equal(1, s.Len())
}

func TestAddDecodedChainsTransformsInFixedOrder(t *testing.T) {
	assert := assert.New(t)

	s := NewFieldStore()
	// Percent decoding first yields "&lt;b&gt;", HTML entities then "<b>".
	s.AddDecoded("q", URIArgumentValueLocation("q", ""), "%26lt%3Bb%26gt%3B",
		[]Transform{TransformURL, TransformHTMLEntities})

	decoded, ok := s.Get("q" + DecodedSuffix)
	assert.True(ok)
	assert.Equal("<b>", decoded)
}

func TestMaskingIsDeterministicAndOneWay(t *testing.T) {
	assert := assert.New(t)

	seed := []byte("seed")
	original := "supersecret"

	s1 := NewFieldStore()
	s1.Add("k", HeaderValueLocation("k", original), original)
	locs, ok := s1.Mask(seed, "k")
	assert.True(ok)
	assert.Len(locs, 1)

	s2 := NewFieldStore()
	s2.Add("k", HeaderValueLocation("k", original), original)
	s2.Mask(seed, "k")

	v1, _ := s1.Get("k")
	v2, _ := s2.Get("k")
	assert.Equal(v1, v2)
	assert.Regexp(`^MASKED\{[0-9a-f]{8}\}$`, v1)
	assert.NotContains(v1, original)
}

func TestMaskAlsoCoversDecodedEntry(t *testing.T) {
	assert := assert.New(t)

	s := NewFieldStore()
	s.AddDecoded("k", HeaderValueLocation("k", ""), "c2VsZWN0IDE=", []Transform{TransformBase64})

	_, ok := s.Mask([]byte("seed"), "k")
	assert.True(ok)

	decoded, _ := s.Get("k" + DecodedSuffix)
	assert.True(strings.HasPrefix(decoded, "MASKED{"))
}

func TestMaskMissingKey(t *testing.T) {
	s := NewFieldStore()
	_, ok := s.Mask([]byte("seed"), "nope")
	assert.False(t, ok)
}

func TestCountRawSkipsDecodedEntries(t *testing.T) {
	assert := assert.New(t)

	s := NewFieldStore()
	s.AddDecoded("a", URIArgumentValueLocation("a", ""), "c2VsZWN0IDE=", []Transform{TransformBase64})
	s.Add("b", URIArgumentValueLocation("b", "2"), "2")

	assert.Equal(3, s.Len())
	assert.Equal(2, s.CountRaw())
}
