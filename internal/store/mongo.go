// Package store implements the document store both pipelines write
// enriched records to: one collection per event category, named
// verbatim, so a consumer querying "swaps" never needs to know which
// event id produced a given document.
package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Client wraps a mongo.Database, dispatching inserts to the collection
// named after the record's category.
type Client struct {
	client   *mongo.Client
	database *mongo.Database
}

// New connects to uri and selects database dbName. The connection is
// verified with a Ping before returning, so a misconfigured deployment
// fails fast at startup rather than on the first write.
func New(ctx context.Context, uri, dbName string) (*Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("store: connecting to mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, fmt.Errorf("store: pinging mongo: %w", err)
	}

	return &Client{client: client, database: client.Database(dbName)}, nil
}

// Disconnect closes the underlying connection.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// InsertOne inserts doc into the collection named category. A duplicate
// transaction_hash + log_index is rejected by a unique index rather than
// silently merged, per the component design's single-insert decision.
func (c *Client) InsertOne(ctx context.Context, category string, doc interface{}) error {
	_, err := c.database.Collection(category).InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("store: inserting into %s: %w", category, err)
	}
	return nil
}

// InsertMany bulk-inserts docs into the collection named category, used
// by the historical batch writer. Ordered insertion is disabled so one
// duplicate in a batch (a re-run over already-recorded blocks) doesn't
// abort the rest of the batch.
func (c *Client) InsertMany(ctx context.Context, category string, docs []interface{}) error {
	if len(docs) == 0 {
		return nil
	}
	opts := options.InsertMany().SetOrdered(false)
	_, err := c.database.Collection(category).InsertMany(ctx, docs, opts)
	if err != nil {
		return fmt.Errorf("store: bulk inserting into %s: %w", category, err)
	}
	return nil
}

// EnsureIndexes creates the uniqueness index each category collection
// relies on to reject duplicate inserts, called once at startup for every
// configured category.
func (c *Client) EnsureIndexes(ctx context.Context, categories []string) error {
	for _, category := range categories {
		model := mongo.IndexModel{
			Keys:    bson.D{{Key: "transaction_hash", Value: 1}, {Key: "log_index", Value: 1}},
			Options: options.Index().SetUnique(true),
		}
		if _, err := c.database.Collection(category).Indexes().CreateOne(ctx, model); err != nil {
			return fmt.Errorf("store: creating index on %s: %w", category, err)
		}
	}
	return nil
}
