package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/loomhq/loom/internal/log"
)

// defaultDocumentDatabase is used when the connection URI names no database.
const defaultDocumentDatabase = "loom"

// threadDocument is the BSON shape of one thread. The thread id doubles as
// the document id, which gives duplicate detection for free.
type threadDocument struct {
	ThreadID     string    `bson:"_id"`
	OwnerUserID  string    `bson:"owner_user_id"`
	Title        string    `bson:"title"`
	Tags         []string  `bson:"tags"`
	CreatedAt    time.Time `bson:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at"`
	MessageCount int       `bson:"message_count"`
	Checkpoint   []byte    `bson:"checkpoint"`
	Revision     int64     `bson:"revision"`
}

// Document is the document-store backend for MongoDB and Cosmos DB's Mongo
// API. One collection, one document per thread.
//
// The client connects lazily; Close disconnects on shutdown. Concurrency
// control is an optimistic compare-and-swap on the revision field.
type Document struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     log.Logger
}

// NewDocument creates the document backend from a mongodb:// or
// mongodb+srv:// URI. Cosmos DB accounts must use their Mongo API
// connection string (which is also a mongodb:// URI). collection must be a
// validated identifier.
func NewDocument(ctx context.Context, uri, collection string, logger log.Logger) (*Document, error) {
	if logger == nil {
		logger = log.NewNop()
	}
	if strings.Contains(strings.ToLower(uri), "accountendpoint=") {
		return nil, fmt.Errorf("document backend requires a Mongo API connection string (mongodb://...), not an AccountEndpoint DSN")
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect document store: %w", err)
	}

	dbName := databaseFromURI(uri)
	return &Document{
		client:     client,
		collection: client.Database(dbName).Collection(collection),
		logger:     logger,
	}, nil
}

// databaseFromURI extracts the database name from the URI path, falling
// back to the default when absent.
func databaseFromURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return defaultDocumentDatabase
	}
	name := strings.Trim(u.Path, "/")
	if name == "" {
		return defaultDocumentDatabase
	}
	return name
}

// EnsureSchema creates the owner and recency indexes. Collection creation
// itself is implicit on first insert.
func (d *Document) EnsureSchema(ctx context.Context) error {
	_, err := d.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "owner_user_id", Value: 1}}},
		{Keys: bson.D{{Key: "updated_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

func (d *Document) Create(ctx context.Context, rec Record) error {
	doc := threadDocument{
		ThreadID:     rec.ThreadID,
		OwnerUserID:  rec.OwnerUserID,
		Title:        rec.Title,
		Tags:         rec.Tags,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
		MessageCount: rec.MessageCount,
		Checkpoint:   rec.Checkpoint,
		Revision:     1,
	}
	if doc.Tags == nil {
		doc.Tags = []string{}
	}
	if doc.Checkpoint == nil {
		doc.Checkpoint = []byte{}
	}

	if _, err := d.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

func (d *Document) Get(ctx context.Context, threadID string) (Record, error) {
	var doc threadDocument
	err := d.collection.FindOne(ctx, bson.M{"_id": threadID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get thread: %w", err)
	}
	return Record{
		ThreadID:     doc.ThreadID,
		OwnerUserID:  doc.OwnerUserID,
		Title:        doc.Title,
		Tags:         doc.Tags,
		CreatedAt:    doc.CreatedAt.UTC(),
		UpdatedAt:    doc.UpdatedAt.UTC(),
		MessageCount: doc.MessageCount,
		Checkpoint:   doc.Checkpoint,
		Revision:     doc.Revision,
	}, nil
}

func (d *Document) Update(ctx context.Context, threadID string, mut Mutation) error {
	set := bson.M{"updated_at": mut.UpdatedAt}
	if mut.Title != nil {
		set["title"] = *mut.Title
	}
	if mut.Tags != nil {
		set["tags"] = *mut.Tags
	}
	if mut.Checkpoint != nil {
		set["checkpoint"] = mut.Checkpoint
	}
	if mut.MessageCount != nil {
		set["message_count"] = *mut.MessageCount
	}

	// Compare-and-swap on the revision field.
	filter := bson.M{"_id": threadID, "revision": mut.ExpectedRevision}
	update := bson.M{"$set": set, "$inc": bson.M{"revision": 1}}

	res, err := d.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("update thread: %w", err)
	}
	if res.MatchedCount == 0 {
		return d.classifyMiss(ctx, threadID)
	}
	return nil
}

func (d *Document) classifyMiss(ctx context.Context, threadID string) error {
	count, err := d.collection.CountDocuments(ctx, bson.M{"_id": threadID})
	if err != nil {
		return fmt.Errorf("check thread existence: %w", err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrConcurrentModification
}

func (d *Document) List(ctx context.Context, ownerUserID string) ([]Summary, error) {
	filter := bson.M{}
	if ownerUserID != "" {
		filter["owner_user_id"] = ownerUserID
	}

	opts := options.Find().
		SetProjection(bson.M{"checkpoint": 0}).
		SetSort(bson.D{{Key: "updated_at", Value: -1}})

	cursor, err := d.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer cursor.Close(ctx)

	var summaries []Summary
	for cursor.Next(ctx) {
		var doc threadDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode thread document: %w", err)
		}
		summaries = append(summaries, Summary{
			ThreadID:     doc.ThreadID,
			OwnerUserID:  doc.OwnerUserID,
			Title:        doc.Title,
			Tags:         doc.Tags,
			CreatedAt:    doc.CreatedAt.UTC(),
			UpdatedAt:    doc.UpdatedAt.UTC(),
			MessageCount: doc.MessageCount,
		})
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return summaries, nil
}

func (d *Document) Delete(ctx context.Context, threadID string) error {
	res, err := d.collection.DeleteOne(ctx, bson.M{"_id": threadID})
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *Document) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	opts := options.Find().SetProjection(bson.M{"_id": 1})
	cursor, err := d.collection.Find(ctx, bson.M{"updated_at": bson.M{"$lt": olderThan}}, opts)
	if err != nil {
		return 0, fmt.Errorf("select expired threads: %w", err)
	}
	var ids []string
	for cursor.Next(ctx) {
		var doc struct {
			ThreadID string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			cursor.Close(ctx)
			return 0, fmt.Errorf("decode thread id: %w", err)
		}
		ids = append(ids, doc.ThreadID)
	}
	cursor.Close(ctx)
	if err := cursor.Err(); err != nil {
		return 0, fmt.Errorf("iterate expired threads: %w", err)
	}

	deleted := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if _, err := d.collection.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
			return deleted, fmt.Errorf("delete expired thread %s: %w", id, err)
		}
		deleted++
	}
	return deleted, nil
}

func (d *Document) Ping(ctx context.Context) error {
	return d.client.Ping(ctx, nil)
}

func (d *Document) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.client.Disconnect(ctx)
}
