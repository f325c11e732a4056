package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// ErrNotFound is returned by Get, TTL and FindOne when nothing matches
var ErrNotFound = errors.New("not found")

// NoExpiry is returned by TTL for keys without an expiration
const NoExpiry time.Duration = -1

// KeyValueStore is the cache store used for the response cache, the context
// cache, durable session snapshots and event buffer persistence
type KeyValueStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Ping(ctx context.Context) error
}

// FindOptions shapes a multi-document query
type FindOptions struct {
	SortField string
	SortDesc  bool
	Limit     int64
}

// DocumentStore is the persistent record store for conversations and
// user/family records. Filters use the MongoDB query dialect; in-memory
// implementations support equality plus $lt/$lte/$gt/$gte/$in.
type DocumentStore interface {
	FindOne(ctx context.Context, collection string, filter bson.M, out interface{}) error
	Find(ctx context.Context, collection string, filter bson.M, opts FindOptions, out interface{}) error
	InsertOne(ctx context.Context, collection string, doc interface{}) error
	UpdateOne(ctx context.Context, collection string, filter bson.M, update bson.M, upsert bool) error
	DeleteMany(ctx context.Context, collection string, filter bson.M) (int64, error)
	Ping(ctx context.Context) error
}

// Collection names
const (
	CollectionConversations = "conversations"
	CollectionUsers         = "users"
	CollectionFamilies      = "families"
	CollectionKnowledge     = "knowledge"
	CollectionAuditLog      = "audit_log"
)
