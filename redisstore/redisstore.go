// Package redisstore implements waf.CounterStore on Redis. Every method
// issues its operations as one pipelined batch, keeping the per-request
// store cost at a single round trip.
package redisstore

import (
	"context"

	"github.com/redis/go-redis/v9"

	"edgewaf/waf"
)

// Store is a Redis-backed waf.CounterStore.
type Store struct {
	client redis.UniversalClient
}

// New wraps an existing Redis client.
func New(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// NewFromURL connects to the Redis instance named by a redis:// URL.
func NewFromURL(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return New(redis.NewClient(opts)), nil
}

// ListLengths implements waf.CounterStore with batched LLEN calls.
func (s *Store) ListLengths(ctx context.Context, keys []string) ([]int64, error) {
	cmds := make([]*redis.IntCmd, len(keys))
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = p.LLen(ctx, k)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]int64, len(keys))
	for i, cmd := range cmds {
		out[i] = cmd.Val()
	}
	return out, nil
}

// PushSequences implements waf.CounterStore. Each push is an LPUSH plus a
// conditional EXPIRE that only sets the TTL when the key has none yet, so
// the window starts at the first step and is not extended by later ones.
func (s *Store) PushSequences(ctx context.Context, pushes []waf.ListPush) error {
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, push := range pushes {
			p.LPush(ctx, push.Key, push.Value)
			p.ExpireNX(ctx, push.Key, push.TTL)
		}
		return nil
	})
	return err
}

// IncrCounters implements waf.CounterStore. A plain counter uses INCR; a
// distinct-member counter uses SADD followed by SCARD. TTLs follow the same
// first-touch rule as PushSequences.
func (s *Store) IncrCounters(ctx context.Context, incrs []waf.CounterIncr) ([]int64, error) {
	cmds := make([]*redis.IntCmd, len(incrs))
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, incr := range incrs {
			if incr.Member == "" {
				cmds[i] = p.Incr(ctx, incr.Key)
			} else {
				p.SAdd(ctx, incr.Key, incr.Member)
				cmds[i] = p.SCard(ctx, incr.Key)
			}
			p.ExpireNX(ctx, incr.Key, incr.TTL)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]int64, len(incrs))
	for i, cmd := range cmds {
		out[i] = cmd.Val()
	}
	return out, nil
}
