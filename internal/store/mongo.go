package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"

	"chatrelay/internal/protocol"
)

const (
	defaultMongoDatabase = "chatapp"
	mongoCollection      = "messages"
)

// messageDocument is the shape of one document in the messages collection.
type messageDocument struct {
	ID         string    `bson:"_id"`
	Text       string    `bson:"text"`
	SenderID   string    `bson:"senderId,omitempty"`
	SenderName string    `bson:"senderName,omitempty"`
	RoomID     string    `bson:"roomId,omitempty"`
	CreatedAt  time.Time `bson:"createdAt"`
}

func toDocument(msg protocol.StoredMessage) messageDocument {
	return messageDocument{
		ID:         msg.ID,
		Text:       msg.Text,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		RoomID:     msg.RoomID,
		CreatedAt:  msg.CreatedAt,
	}
}

func (d messageDocument) stored() protocol.StoredMessage {
	return protocol.StoredMessage{
		ID: d.ID,
		ChatMessage: protocol.ChatMessage{
			Text:       d.Text,
			SenderID:   d.SenderID,
			SenderName: d.SenderName,
			RoomID:     d.RoomID,
			CreatedAt:  d.CreatedAt.UTC(),
		},
	}
}

// Mongo stores messages in one MongoDB collection.
type Mongo struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// OpenMongo connects to uri and makes sure the history indexes exist. The
// database comes from the URI path, defaulting to "chatapp".
func OpenMongo(ctx context.Context, uri string) (*Mongo, error) {
	cs, err := connstring.ParseAndValidate(uri)
	if err != nil {
		return nil, fmt.Errorf("parse mongo uri: %w", err)
	}
	dbName := cs.Database
	if dbName == "" {
		dbName = defaultMongoDatabase
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	coll := client.Database(dbName).Collection(mongoCollection)

	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "roomId", Value: 1}}},
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("create mongo indexes: %w", err)
	}

	slog.Info("mongo store opened", "database", dbName, "collection", mongoCollection)
	return &Mongo{client: client, coll: coll}, nil
}

// Insert persists one message.
func (m *Mongo) Insert(ctx context.Context, msg protocol.StoredMessage) error {
	if _, err := m.coll.InsertOne(ctx, toDocument(msg)); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// FindRecent returns the newest messages, newest first.
func (m *Mongo) FindRecent(ctx context.Context, roomID string, limit int) ([]protocol.StoredMessage, error) {
	filter := bson.D{}
	if roomID != "" {
		filter = bson.D{{Key: "roomId", Value: roomID}}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))

	cur, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	var docs []messageDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}

	msgs := make([]protocol.StoredMessage, 0, len(docs))
	for _, d := range docs {
		msgs = append(msgs, d.stored())
	}
	return msgs, nil
}

// Count returns the number of stored messages.
func (m *Mongo) Count(ctx context.Context) (int64, error) {
	n, err := m.coll.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// Ping checks the primary answers.
func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
