package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"

	"github.com/centromex/photo-relay/internal/models"
)

const (
	defaultMongoDatabase = "photorelay"
	requestsCollection   = "requests"
	mongoConnectTimeout  = 10 * time.Second
)

// Mongo is the document store backend.
type Mongo struct {
	client   *mongo.Client
	requests *mongo.Collection
	logger   *slog.Logger
}

// NewMongo connects to MongoDB and ensures the request indexes exist.
// The database name is taken from the URI path.
func NewMongo(ctx context.Context, uri string, logger *slog.Logger) (*Mongo, error) {
	cs, err := connstring.ParseAndValidate(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid mongodb uri: %w", err)
	}
	dbName := cs.Database
	if dbName == "" {
		dbName = defaultMongoDatabase
	}
	return connectMongo(ctx, uri, dbName, logger)
}

func connectMongo(ctx context.Context, uri, dbName string, logger *slog.Logger) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	m := &Mongo{
		client:   client,
		requests: client.Database(dbName).Collection(requestsCollection),
		logger:   logger,
	}
	if err := m.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	logger.Info("connected to mongodb", "database", dbName)
	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	_, err := m.requests.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "requester_chat_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "forwarded_message_id", Value: 1}},
			Options: options.Index().
				SetName("forwarded_processing_unique").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"status": string(models.StatusProcessing)}),
		},
	})
	return err
}

func (m *Mongo) Create(ctx context.Context, req *models.Request) (string, error) {
	if err := prepare(req); err != nil {
		return "", err
	}
	if _, err := m.requests.InsertOne(ctx, req); err != nil {
		return "", persistErr("create", err)
	}
	return req.ID, nil
}

func (m *Mongo) FindLatestByRequester(ctx context.Context, chatID int64) (*models.Request, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	return m.findOne(ctx, "find latest", bson.M{"requester_chat_id": chatID}, opts)
}

func (m *Mongo) FindByForwardedMessageID(ctx context.Context, forwardedID int) (*models.Request, error) {
	req, err := m.findOne(ctx, "find by forwarded id", bson.M{
		"forwarded_message_id": forwardedID,
		"status":               models.StatusProcessing,
	}, nil)
	if !errors.Is(err, ErrNotFound) {
		return req, err
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	return m.findOne(ctx, "find by forwarded id", bson.M{"forwarded_message_id": forwardedID}, opts)
}

func (m *Mongo) findOne(ctx context.Context, op string, filter bson.M, opts *options.FindOneOptions) (*models.Request, error) {
	var req models.Request
	var err error
	if opts != nil {
		err = m.requests.FindOne(ctx, filter, opts).Decode(&req)
	} else {
		err = m.requests.FindOne(ctx, filter).Decode(&req)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistErr(op, err)
	}
	return &req, nil
}

func (m *Mongo) MarkCompleted(ctx context.Context, forwardedID int) error {
	result, err := m.requests.UpdateOne(ctx,
		bson.M{"forwarded_message_id": forwardedID, "status": models.StatusProcessing},
		bson.M{"$set": bson.M{"status": models.StatusCompleted, "completed_at": time.Now().UTC()}},
	)
	if err != nil {
		return persistErr("mark completed", err)
	}
	if result.MatchedCount > 0 {
		return nil
	}

	count, err := m.requests.CountDocuments(ctx, bson.M{"forwarded_message_id": forwardedID})
	if err != nil {
		return persistErr("mark completed", err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) CountOutstanding(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	count, err := m.requests.CountDocuments(ctx, bson.M{
		"status":     models.StatusProcessing,
		"created_at": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, persistErr("count outstanding", err)
	}
	return int(count), nil
}

func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}
