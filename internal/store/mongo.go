package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/multierr"
)

const (
	DefaultMongoDatabase   = "accident_detection"
	DefaultMongoCollection = "accidents"

	mongoTimeout = 3 * time.Second
)

// MongoStore keeps accident records in a MongoDB collection
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoStore connects to MongoDB. Connection failures surface on Ping,
// not here, so the caller can fall back to another store.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is empty")
	}
	if database == "" {
		database = DefaultMongoDatabase
	}

	opts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(mongoTimeout).
		SetServerSelectionTimeout(mongoTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create mongo client: %w", err)
	}

	return &MongoStore{
		client: client,
		coll:   client.Database(database).Collection(DefaultMongoCollection),
	}, nil
}

func (m *MongoStore) Name() string {
	return "mongo"
}

// Ping checks the primary and ensures the timestamp index exists
func (m *MongoStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	if err := m.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("mongo ping failed: %w", err)
	}

	_, err := m.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "timestamp", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create timestamp index: %w", err)
	}
	return nil
}

func (m *MongoStore) Insert(ctx context.Context, rec *AccidentRecord) error {
	if _, err := m.coll.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("failed to insert accident record: %w", err)
	}
	return nil
}

func (m *MongoStore) Recent(ctx context.Context, limit int) ([]*AccidentRecord, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(int64(normalizeLimit(limit)))

	cursor, err := m.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query accident records: %w", err)
	}

	var records []*AccidentRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, multierr.Combine(
			fmt.Errorf("failed to decode accident records: %w", err),
			cursor.Close(ctx),
		)
	}
	for _, r := range records {
		r.Timestamp = r.Timestamp.UTC()
	}
	return records, nil
}

func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoTimeout)
	defer cancel()
	if err := m.client.Disconnect(ctx); err != nil && !errors.Is(err, mongo.ErrClientDisconnected) {
		return err
	}
	return nil
}

var _ Store = (*MongoStore)(nil)
