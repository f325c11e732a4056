package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"familyhub/internal/logging"
	"familyhub/internal/store"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
)

var log = logging.Component("mongodb")

// MongoDB wraps the MongoDB client and database and serves as the
// persistent DocumentStore
type MongoDB struct {
	client   *mongo.Client
	database *mongo.Database
	dbName   string
}

var _ store.DocumentStore = (*MongoDB)(nil)

// NewMongoDB creates a new MongoDB connection with connection pooling
func NewMongoDB(ctx context.Context, uri string) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(50).
		SetMinPoolSize(5).
		SetMaxConnIdleTime(30 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	dbName := extractDBName(uri)
	db := &MongoDB{
		client:   client,
		database: client.Database(dbName),
		dbName:   dbName,
	}

	log.WithField("database", dbName).Info("✅ Connected to MongoDB")
	return db, nil
}

// defaultDatabase is used when the URI names no database
const defaultDatabase = "familyhub"

// extractDBName returns the database named in a MongoDB URI
// mongodb://localhost:27017/familyhub?authSource=admin -> familyhub
func extractDBName(uri string) string {
	cs, err := connstring.Parse(uri)
	if err != nil || cs.Database == "" {
		return defaultDatabase
	}
	return cs.Database
}

// Initialize creates indexes for all collections
func (m *MongoDB) Initialize(ctx context.Context) error {
	log.Info("📦 Initializing MongoDB indexes...")

	if err := m.createIndexes(ctx, store.CollectionConversations, []mongo.IndexModel{
		{Keys: bson.D{{Key: "sessionId", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "timestamp", Value: 1}}}, // retention sweep
	}); err != nil {
		return fmt.Errorf("failed to create conversations indexes: %w", err)
	}

	if err := m.createIndexes(ctx, store.CollectionKnowledge, []mongo.IndexModel{
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "tags", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("failed to create knowledge indexes: %w", err)
	}

	if err := m.createIndexes(ctx, store.CollectionUsers, []mongo.IndexModel{
		{Keys: bson.D{{Key: "familyId", Value: 1}}},
		{Keys: bson.D{{Key: "updatedAt", Value: -1}}},
	}); err != nil {
		return fmt.Errorf("failed to create users indexes: %w", err)
	}

	if err := m.createIndexes(ctx, store.CollectionAuditLog, []mongo.IndexModel{
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "timestamp", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(int32((180 * 24 * time.Hour).Seconds()))},
	}); err != nil {
		return fmt.Errorf("failed to create audit_log indexes: %w", err)
	}

	log.Info("✅ MongoDB indexes initialized successfully")
	return nil
}

func (m *MongoDB) createIndexes(ctx context.Context, collectionName string, indexes []mongo.IndexModel) error {
	_, err := m.database.Collection(collectionName).Indexes().CreateMany(ctx, indexes)
	return err
}

// FindOne decodes the first matching document into out
func (m *MongoDB) FindOne(ctx context.Context, collection string, filter bson.M, out interface{}) error {
	err := m.database.Collection(collection).FindOne(ctx, filter).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.ErrNotFound
	}
	return err
}

// Find decodes all matching documents into out, a pointer to a slice
func (m *MongoDB) Find(ctx context.Context, collection string, filter bson.M, opts store.FindOptions, out interface{}) error {
	findOpts := options.Find()
	if opts.SortField != "" {
		dir := 1
		if opts.SortDesc {
			dir = -1
		}
		findOpts.SetSort(bson.D{{Key: opts.SortField, Value: dir}})
	}
	if opts.Limit > 0 {
		findOpts.SetLimit(opts.Limit)
	}

	cursor, err := m.database.Collection(collection).Find(ctx, filter, findOpts)
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", collection, err)
	}
	defer cursor.Close(ctx)

	if err := cursor.All(ctx, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", collection, err)
	}
	return nil
}

// InsertOne stores a single document
func (m *MongoDB) InsertOne(ctx context.Context, collection string, doc interface{}) error {
	if _, err := m.database.Collection(collection).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", collection, err)
	}
	return nil
}

// UpdateOne applies update to the first match, inserting when upsert is set
func (m *MongoDB) UpdateOne(ctx context.Context, collection string, filter bson.M, update bson.M, upsert bool) error {
	_, err := m.database.Collection(collection).UpdateOne(ctx, filter, update, options.Update().SetUpsert(upsert))
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", collection, err)
	}
	return nil
}

// DeleteMany removes every matching document
func (m *MongoDB) DeleteMany(ctx context.Context, collection string, filter bson.M) (int64, error) {
	res, err := m.database.Collection(collection).DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", collection, err)
	}
	return res.DeletedCount, nil
}

// Collection returns a collection handle
func (m *MongoDB) Collection(name string) *mongo.Collection {
	return m.database.Collection(name)
}

// Close closes the MongoDB connection
func (m *MongoDB) Close(ctx context.Context) error {
	log.Info("🔌 Closing MongoDB connection...")
	return m.client.Disconnect(ctx)
}

// Ping checks if the database connection is alive
func (m *MongoDB) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}
