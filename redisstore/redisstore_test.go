package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgewaf/waf"
)

// These tests need a live Redis instance; point REDIS_URL at one to run
// them.
func testStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	s, err := NewFromURL(url)
	require.Nil(t, err)
	return s
}

func TestIncrCounters(t *testing.T) {
	assert := assert.New(t)
	s := testStore(t)
	ctx := context.Background()
	key := "edgewaf-test-" + uuid.NewString()

	counts, err := s.IncrCounters(ctx, []waf.CounterIncr{{Key: key, TTL: time.Minute}})
	require.Nil(t, err)
	assert.Equal([]int64{1}, counts)

	counts, err = s.IncrCounters(ctx, []waf.CounterIncr{{Key: key, TTL: time.Minute}})
	require.Nil(t, err)
	assert.Equal([]int64{2}, counts)
}

func TestDistinctMemberCounting(t *testing.T) {
	assert := assert.New(t)
	s := testStore(t)
	ctx := context.Background()
	key := "edgewaf-test-" + uuid.NewString()

	incr := func(member string) int64 {
		counts, err := s.IncrCounters(ctx, []waf.CounterIncr{{Key: key, Member: member, TTL: time.Minute}})
		require.Nil(t, err)
		return counts[0]
	}

	assert.Equal(int64(1), incr("a"))
	assert.Equal(int64(1), incr("a"))
	assert.Equal(int64(2), incr("b"))
}

func TestPushAndListLengths(t *testing.T) {
	assert := assert.New(t)
	s := testStore(t)
	ctx := context.Background()
	key := "edgewaf-test-" + uuid.NewString()

	lengths, err := s.ListLengths(ctx, []string{key})
	require.Nil(t, err)
	assert.Equal([]int64{0}, lengths)

	err = s.PushSequences(ctx, []waf.ListPush{{Key: key, Value: "0", TTL: time.Minute}})
	require.Nil(t, err)

	lengths, err = s.ListLengths(ctx, []string{key})
	require.Nil(t, err)
	assert.Equal([]int64{1}, lengths)
}
