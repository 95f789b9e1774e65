package docstore

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
)

// Driver is a document store backend.
type Driver interface {
	Collection(name string) Collection
	CollectionNames(ctx context.Context) ([]string, error)
	Begin(ctx context.Context) (Transaction, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Collection runs operations against one named collection. FindOne and
// FindOneAndDelete return an error matching ErrKeyNotFound when nothing
// matches, InsertOne and InsertMany one matching ErrKeyAlreadyExists on an
// identity clash.
type Collection interface {
	Name() string
	FindOne(ctx context.Context, q *Query) (bson.D, error)
	Find(ctx context.Context, q *Query) ([]bson.D, error)
	Count(ctx context.Context, criteria bson.D) (int64, error)
	InsertOne(ctx context.Context, doc bson.D) error
	InsertMany(ctx context.Context, docs []bson.D) error
	ReplaceOne(ctx context.Context, criteria bson.D, doc bson.D, upsert bool) (UpdateResult, error)
	UpdateOne(ctx context.Context, criteria bson.D, update bson.D) (UpdateResult, error)
	UpdateMany(ctx context.Context, criteria bson.D, update bson.D) (UpdateResult, error)
	DeleteMany(ctx context.Context, criteria bson.D) (int64, error)
	FindOneAndDelete(ctx context.Context, q *Query) (bson.D, error)
	EnsureIndex(ctx context.Context, idx IndexDefinition) error
}

type UpdateResult struct {
	MatchedCount  int64
	ModifiedCount int64
	UpsertedID    any
}

// Transaction groups operations. Operations join it when they run with the
// context returned by Context.
type Transaction interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Context(ctx context.Context) context.Context
}
