package docstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

func TestMongoConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     MongoConfig
		wantErr bool
	}{
		{name: "empty", cfg: MongoConfig{}, wantErr: true},
		{name: "no database", cfg: MongoConfig{URL: "mongodb://localhost:27017"}, wantErr: true},
		{name: "valid", cfg: MongoConfig{URL: "mongodb://localhost:27017", Database: "docstore"}},
		{name: "majority", cfg: MongoConfig{URL: "mongodb://localhost", Database: "d", W: "majority"}},
		{name: "numeric w", cfg: MongoConfig{URL: "mongodb://localhost", Database: "d", W: "3"}},
		{name: "negative w", cfg: MongoConfig{URL: "mongodb://localhost", Database: "d", W: "-1"}, wantErr: true},
		{name: "tag w", cfg: MongoConfig{URL: "mongodb://localhost", Database: "d", W: "dc1"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMongoConfig_WriteConcern(t *testing.T) {
	assert.Nil(t, MongoConfig{}.writeConcern())

	wc := MongoConfig{Safe: true}.writeConcern()
	require.NotNil(t, wc)
	assert.Equal(t, 1, wc.W)
	assert.Nil(t, wc.Journal)

	wc = MongoConfig{W: "majority", WTimeout: time.Second, FSync: true}.writeConcern()
	require.NotNil(t, wc)
	assert.Equal(t, "majority", wc.W)
	assert.Equal(t, time.Second, wc.WTimeout)
	require.NotNil(t, wc.Journal)
	assert.True(t, *wc.Journal)

	wc = MongoConfig{Safe: true, W: "2"}.writeConcern()
	assert.Equal(t, 2, wc.W)
}

func TestMongoConfig_ClientOptions(t *testing.T) {
	cfg := MongoConfig{
		URL:            "mongodb://localhost:27017",
		ConnectTimeout: 3 * time.Second,
		SocketTimeout:  4 * time.Second,
		MaxWaitTime:    5 * time.Second,
		MaxPoolSize:    7,
		Safe:           true,
		SlaveOk:        true,
	}

	opts := cfg.clientOptions()
	require.NoError(t, opts.Validate())
	assert.Equal(t, 3*time.Second, *opts.ConnectTimeout)
	assert.Equal(t, 4*time.Second, *opts.SocketTimeout)
	assert.Equal(t, 5*time.Second, *opts.ServerSelectionTimeout)
	assert.Equal(t, uint64(7), *opts.MaxPoolSize)
	assert.Equal(t, 1, opts.WriteConcern.W)
	assert.Equal(t, readpref.SecondaryPreferredMode, opts.ReadPreference.Mode())

	opts = MongoConfig{URL: "mongodb://localhost:27017"}.clientOptions()
	assert.Nil(t, opts.WriteConcern)
	assert.Nil(t, opts.ReadPreference)
}

func TestMongoDriver_WithOperationTimeout(t *testing.T) {
	d := &MongoDriver{timeout: 2 * time.Second}

	ctx, cancel := d.withOperationTimeout(context.Background())
	defer cancel()

	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(2*time.Second), deadline, 500*time.Millisecond)

	parent, parentCancel := context.WithTimeout(context.Background(), time.Minute)
	defer parentCancel()
	ctx, cancel = d.withOperationTimeout(parent)
	defer cancel()
	assert.Equal(t, parent, ctx)

	ctx, cancel = (&MongoDriver{}).withOperationTimeout(context.Background())
	defer cancel()
	_, ok = ctx.Deadline()
	assert.False(t, ok)
}

func TestMongoDriver_Closed(t *testing.T) {
	d := &MongoDriver{closed: true}

	assert.Error(t, d.Ping(context.Background()))
	assert.NoError(t, d.Close(context.Background()))
}

func TestProperty_ClosedDriverFailsPing(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 20
	properties := gopter.NewProperties(params)

	properties.Property("closed driver always fails ping", prop.ForAll(
		func(timeout int64) bool {
			d := &MongoDriver{closed: true, timeout: time.Duration(timeout)}
			return d.Ping(context.Background()) != nil
		},
		gen.Int64Range(0, int64(time.Minute)),
	))

	properties.TestingRun(t)
}

func TestNewMongoDriver_Validation(t *testing.T) {
	_, err := NewMongoDriver(context.Background(), MongoConfig{}, nil)
	assert.Error(t, err)

	_, err = NewMongoDriver(context.Background(), MongoConfig{URL: "mongodb://localhost:27017"}, nil)
	assert.Error(t, err)
}

func TestWrapMongoError(t *testing.T) {
	assert.Nil(t, wrapMongoError(nil))

	err := wrapMongoError(mongo.ErrNoDocuments)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	dup := mongo.WriteException{WriteErrors: mongo.WriteErrors{{Code: 11000, Message: "E11000 duplicate key error"}}}
	err = wrapMongoError(dup)
	assert.ErrorIs(t, err, ErrKeyAlreadyExists)

	other := errors.New("connection reset")
	assert.Equal(t, other, wrapMongoError(other))
}

func TestConnect_UnknownBackend(t *testing.T) {
	_, err := Connect(context.Background(), &Config{Backend: "couchdb"}, nil)
	assert.ErrorContains(t, err, "unknown backend")

	_, err = Connect(context.Background(), &Config{Backend: BackendPostgres}, nil)
	assert.ErrorContains(t, err, "postgres host is required")
}
