package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoKV stores keys as documents {key, value} in a single collection,
// giving the device allow-list durability across host restarts when the hub
// runs as a long-lived daemon.
type MongoKV struct {
	client     *mongo.Client
	collection *mongo.Collection
	timeout    time.Duration
	logger     *logrus.Logger
}

type kvDocument struct {
	Key   string `bson:"key"`
	Value string `bson:"value"`
}

// MongoOptions configures the Mongo-backed store.
type MongoOptions struct {
	URI              string
	Database         string
	Collection       string
	OperationTimeout time.Duration
	Logger           *logrus.Logger
}

// NewMongoKV connects to Mongo, verifies the connection and ensures the
// unique key index.
func NewMongoKV(ctx context.Context, opts MongoOptions) (*MongoKV, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.OperationTimeout == 0 {
		opts.OperationTimeout = 5 * time.Second
	}
	if opts.Collection == "" {
		opts.Collection = "origin_devices"
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to storage backend: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping storage backend: %w", err)
	}

	collection := client.Database(opts.Database).Collection(opts.Collection)
	_, err = collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("kv_key_unique"),
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to create storage index: %w", err)
	}

	opts.Logger.WithField("collection", opts.Collection).Debug("Connected to Mongo storage backend")

	return &MongoKV{
		client:     client,
		collection: collection,
		timeout:    opts.OperationTimeout,
		logger:     opts.Logger,
	}, nil
}

func (m *MongoKV) Get(ctx context.Context, key string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var doc kvDocument
	err := m.collection.FindOne(ctx, bson.D{{Key: "key", Value: key}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage operation failed: %w", err)
	}
	return json.RawMessage(doc.Value), nil
}

func (m *MongoKV) Set(ctx context.Context, key string, value json.RawMessage) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	_, err := m.collection.ReplaceOne(ctx,
		bson.D{{Key: "key", Value: key}},
		kvDocument{Key: key, Value: string(value)},
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("storage operation failed: %w", err)
	}
	return nil
}

func (m *MongoKV) Remove(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	_, err := m.collection.DeleteOne(ctx, bson.D{{Key: "key", Value: key}})
	if err != nil {
		return fmt.Errorf("storage operation failed: %w", err)
	}
	return nil
}

// Close disconnects from the backend.
func (m *MongoKV) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
