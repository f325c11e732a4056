package store

import (
	"context"
	"errors"
	"time"

	"familyhub/internal/health"
	"go.mongodb.org/mongo-driver/bson"
)

// GuardedKV routes every call through the cache store's circuit breaker.
// A miss is a successful call and never counts against the breaker.
type GuardedKV struct {
	inner   KeyValueStore
	breaker *health.CircuitBreaker
}

// NewGuardedKV wraps inner with breaker
func NewGuardedKV(inner KeyValueStore, breaker *health.CircuitBreaker) *GuardedKV {
	return &GuardedKV{inner: inner, breaker: breaker}
}

func (g *GuardedKV) Get(ctx context.Context, key string) (string, error) {
	var (
		val  string
		miss bool
	)
	err := g.breaker.Call(ctx, func(ctx context.Context) error {
		v, err := g.inner.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			miss = true
			return nil
		}
		val = v
		return err
	})
	if err != nil {
		return "", err
	}
	if miss {
		return "", ErrNotFound
	}
	return val, nil
}

func (g *GuardedKV) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return g.breaker.Call(ctx, func(ctx context.Context) error {
		return g.inner.Set(ctx, key, value, ttl)
	})
}

func (g *GuardedKV) Delete(ctx context.Context, keys ...string) error {
	return g.breaker.Call(ctx, func(ctx context.Context) error {
		return g.inner.Delete(ctx, keys...)
	})
}

func (g *GuardedKV) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := g.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		keys, err = g.inner.Keys(ctx, pattern)
		return err
	})
	return keys, err
}

func (g *GuardedKV) TTL(ctx context.Context, key string) (time.Duration, error) {
	var (
		ttl  time.Duration
		miss bool
	)
	err := g.breaker.Call(ctx, func(ctx context.Context) error {
		v, err := g.inner.TTL(ctx, key)
		if errors.Is(err, ErrNotFound) {
			miss = true
			return nil
		}
		ttl = v
		return err
	})
	if err != nil {
		return 0, err
	}
	if miss {
		return 0, ErrNotFound
	}
	return ttl, nil
}

func (g *GuardedKV) Ping(ctx context.Context) error {
	return g.breaker.Call(ctx, g.inner.Ping)
}

// GuardedDocuments routes every call through the document store's circuit breaker
type GuardedDocuments struct {
	inner   DocumentStore
	breaker *health.CircuitBreaker
}

// NewGuardedDocuments wraps inner with breaker
func NewGuardedDocuments(inner DocumentStore, breaker *health.CircuitBreaker) *GuardedDocuments {
	return &GuardedDocuments{inner: inner, breaker: breaker}
}

func (g *GuardedDocuments) FindOne(ctx context.Context, collection string, filter bson.M, out interface{}) error {
	miss := false
	err := g.breaker.Call(ctx, func(ctx context.Context) error {
		err := g.inner.FindOne(ctx, collection, filter, out)
		if errors.Is(err, ErrNotFound) {
			miss = true
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	if miss {
		return ErrNotFound
	}
	return nil
}

func (g *GuardedDocuments) Find(ctx context.Context, collection string, filter bson.M, opts FindOptions, out interface{}) error {
	return g.breaker.Call(ctx, func(ctx context.Context) error {
		return g.inner.Find(ctx, collection, filter, opts, out)
	})
}

func (g *GuardedDocuments) InsertOne(ctx context.Context, collection string, doc interface{}) error {
	return g.breaker.Call(ctx, func(ctx context.Context) error {
		return g.inner.InsertOne(ctx, collection, doc)
	})
}

func (g *GuardedDocuments) UpdateOne(ctx context.Context, collection string, filter bson.M, update bson.M, upsert bool) error {
	return g.breaker.Call(ctx, func(ctx context.Context) error {
		return g.inner.UpdateOne(ctx, collection, filter, update, upsert)
	})
}

func (g *GuardedDocuments) DeleteMany(ctx context.Context, collection string, filter bson.M) (int64, error) {
	var n int64
	err := g.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		n, err = g.inner.DeleteMany(ctx, collection, filter)
		return err
	})
	return n, err
}

func (g *GuardedDocuments) Ping(ctx context.Context) error {
	return g.breaker.Call(ctx, g.inner.Ping)
}
