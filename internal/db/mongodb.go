package db

import (
	"context"
	"fmt"
	"time"

	"github.com/abkawan/p2p-ledger/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const journalCollection = "transfers"

// MongoJournal keeps a document per committed transfer. It is a read
// projection of the ledger; PostgreSQL stays the source of truth.
type MongoJournal struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// creates a new MongoJournal instance
func NewMongoJournal(uri, dbName string) (*MongoJournal, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Mongodb: %w", err)
	}

	// pinging the database
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping Mongodb: %w", err)
	}

	collection := client.Database(dbName).Collection(journalCollection)

	indexModels := []mongo.IndexModel{
		{Keys: bson.D{{Key: "from_account_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "to_account_id", Value: 1}, {Key: "created_at", Value: -1}}},
	}

	if _, err := collection.Indexes().CreateMany(ctx, indexModels); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	return &MongoJournal{
		client:     client,
		collection: collection,
	}, nil
}

// closes the mongoDB connection
func (m *MongoJournal) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// Record stores the event. A second delivery of the same transaction is
// ignored.
func (m *MongoJournal) Record(ctx context.Context, event *models.TransferEvent) error {
	doc := *event
	if doc.RecordedAt.IsZero() {
		doc.RecordedAt = time.Now().UTC()
	}

	_, err := m.collection.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("failed to insert transfer event: %w", err)
	}
	return nil
}
