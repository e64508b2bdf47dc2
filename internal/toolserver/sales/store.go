// Package sales hosts the Sales domain tools over a MongoDB opportunity
// collection.
package sales

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/atriumhq/atrium/internal/config"
)

// ErrNotFound reports an opportunity id with no matching document.
var ErrNotFound = errors.New("sales: opportunity not found")

// Opportunity is one pipeline document. IDs are string UUIDs stored as the
// Mongo _id, which doubles as the pagination key under descending order.
type Opportunity struct {
	ID         string    `bson:"_id" json:"id"`
	Name       string    `bson:"name" json:"name"`
	Account    string    `bson:"account" json:"account"`
	Stage      string    `bson:"stage" json:"stage"`
	Amount     float64   `bson:"amount" json:"amount"`
	OwnerEmail string    `bson:"owner_email" json:"owner_email"`
	CloseDate  time.Time `bson:"close_date" json:"close_date"`
	UpdatedAt  time.Time `bson:"updated_at" json:"updated_at"`
}

// collection is the subset of *mongo.Collection the store uses. Tests
// substitute a fake; production wires the real collection.
type collection interface {
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (*mongo.Cursor, error)
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) *mongo.SingleResult
	UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
	ReplaceOne(ctx context.Context, filter any, replacement any, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
}

// Store runs Sales queries against the opportunity collection. The caller's
// roles are checked upstream; Mongo has no session-variable equivalent, so
// no identity is threaded into filters.
type Store struct {
	coll   collection
	client *mongo.Client
}

// Open connects to MongoDB and binds the opportunity collection.
func Open(ctx context.Context, cfg config.MongoConfig) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("sales: connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("sales: ping mongo: %w", err)
	}
	name := cfg.Collection
	if name == "" {
		name = "opportunities"
	}
	return &Store{coll: client.Database(cfg.Database).Collection(name), client: client}, nil
}

// NewStore wraps an existing collection. Tests use it with a fake.
func NewStore(coll collection) *Store { return &Store{coll: coll} }

// Close disconnects the underlying client when the store owns one.
func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

// ListOpportunities returns up to limit+1 documents under descending _id,
// resuming strictly below lastID when set.
func (s *Store) ListOpportunities(ctx context.Context, stage string, limit int, lastID string) ([]Opportunity, error) {
	filter := bson.M{}
	if stage != "" {
		filter["stage"] = stage
	}
	if lastID != "" {
		filter["_id"] = bson.M{"$lt": lastID}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: -1}}).
		SetLimit(int64(limit + 1))

	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("sales: list opportunities: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	rows := make([]Opportunity, 0, limit+1)
	if err := cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("sales: decode opportunities: %w", err)
	}
	return rows, nil
}

// GetOpportunity fetches one document by id.
func (s *Store) GetOpportunity(ctx context.Context, id string) (*Opportunity, error) {
	var opp Opportunity
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&opp)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sales: get opportunity %s: %w", id, err)
	}
	return &opp, nil
}

// CloseOpportunity moves one document to a terminal stage.
func (s *Store) CloseOpportunity(ctx context.Context, id, stage string) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"stage": stage, "updated_at": time.Now().UTC()},
	})
	if err != nil {
		return fmt.Errorf("sales: close opportunity %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOpportunity removes one document by id.
func (s *Store) DeleteOpportunity(ctx context.Context, id string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("sales: delete opportunity %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Seed upserts a small pipeline. Dev setups only.
func (s *Store) Seed(ctx context.Context) error {
	rows := []Opportunity{
		{ID: "f6c2b8a4-9d31-4e57-8a02-6b1c4d9e0a01", Name: "Meridian renewal", Account: "Meridian Health", Stage: "negotiation", Amount: 420000, OwnerEmail: "elena.dimitrov@example.com", CloseDate: time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC), UpdatedAt: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)},
		{ID: "d4a1c7b3-8e20-4f46-9b13-5a0c3d8e1b02", Name: "Quarry expansion", Account: "Quarry Logistics", Stage: "proposal", Amount: 185000, OwnerEmail: "elena.dimitrov@example.com", CloseDate: time.Date(2026, 11, 15, 0, 0, 0, 0, time.UTC), UpdatedAt: time.Date(2026, 7, 19, 14, 30, 0, 0, time.UTC)},
		{ID: "b2907c5d-7f1e-4c35-8a24-490b2c7d0c03", Name: "Halcyon pilot", Account: "Halcyon Media", Stage: "prospecting", Amount: 64000, OwnerEmail: "noah.reyes@example.com", CloseDate: time.Date(2027, 1, 31, 0, 0, 0, 0, time.UTC), UpdatedAt: time.Date(2026, 6, 2, 9, 15, 0, 0, time.UTC)},
	}
	for _, opp := range rows {
		_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": opp.ID}, opp, options.Replace().SetUpsert(true))
		if err != nil {
			return fmt.Errorf("sales: seed opportunities: %w", err)
		}
	}
	return nil
}
