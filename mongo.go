package docstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	mongoOptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// MongoConfig configures the MongoDB driver.
type MongoConfig struct {
	URL              string        `mapstructure:"url"`
	Database         string        `mapstructure:"database"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	SocketTimeout    time.Duration `mapstructure:"socket_timeout"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	MaxWaitTime      time.Duration `mapstructure:"max_wait_time"`
	MaxPoolSize      uint64        `mapstructure:"max_pool_size"`

	// Write concern. Safe requests acknowledged writes, W the number of
	// members (or "majority") and FSync a journal commit.
	Safe     bool          `mapstructure:"safe"`
	W        string        `mapstructure:"w"`
	WTimeout time.Duration `mapstructure:"wtimeout"`
	FSync    bool          `mapstructure:"fsync"`

	// SlaveOk allows reads from secondaries.
	SlaveOk bool `mapstructure:"slave_ok"`
}

func (c MongoConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("mongodb URL is required")
	}
	if c.Database == "" {
		return fmt.Errorf("mongodb database is required")
	}
	if c.W != "" && c.W != "majority" {
		if n, err := strconv.Atoi(c.W); err != nil || n < 0 {
			return fmt.Errorf("invalid mongodb write concern w=%q", c.W)
		}
	}
	return nil
}

func (c MongoConfig) writeConcern() *writeconcern.WriteConcern {
	if !c.Safe && c.W == "" && c.WTimeout == 0 && !c.FSync {
		return nil
	}

	wc := &writeconcern.WriteConcern{WTimeout: c.WTimeout}
	switch {
	case c.W == "majority":
		wc.W = "majority"
	case c.W != "":
		n, _ := strconv.Atoi(c.W)
		wc.W = n
	case c.Safe:
		wc.W = 1
	}

	if c.FSync {
		journal := true
		wc.Journal = &journal
	}

	return wc
}

func (c MongoConfig) clientOptions() *mongoOptions.ClientOptions {
	opts := mongoOptions.Client().ApplyURI(c.URL)
	if c.ConnectTimeout > 0 {
		opts.SetConnectTimeout(c.ConnectTimeout)
	}
	if c.SocketTimeout > 0 {
		opts.SetSocketTimeout(c.SocketTimeout)
	}
	if c.MaxWaitTime > 0 {
		opts.SetServerSelectionTimeout(c.MaxWaitTime)
	}
	if c.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(c.MaxPoolSize)
	}
	if wc := c.writeConcern(); wc != nil {
		opts.SetWriteConcern(wc)
	}
	if c.SlaveOk {
		opts.SetReadPreference(readpref.SecondaryPreferred())
	}

	return opts
}

// MongoDriver runs template operations on a MongoDB database.
type MongoDriver struct {
	client  *mongo.Client
	db      *mongo.Database
	logger  Logger
	timeout time.Duration
	mu      sync.RWMutex
	closed  bool
}

// NewMongoDriver connects to MongoDB and verifies the connection with a
// ping.
func NewMongoDriver(ctx context.Context, cfg MongoConfig, log Logger) (*MongoDriver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = NopLogger()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 5 * time.Second
	}

	connCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connCtx, cfg.clientOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	if err := client.Ping(connCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	log.Info("mongodb connection established", "database", cfg.Database)
	return NewMongoDriverFromDatabase(client.Database(cfg.Database), cfg.OperationTimeout, log), nil
}

// NewMongoDriverFromDatabase wraps an existing database handle.
func NewMongoDriverFromDatabase(db *mongo.Database, operationTimeout time.Duration, log Logger) *MongoDriver {
	if log == nil {
		log = NopLogger()
	}

	return &MongoDriver{
		client:  db.Client(),
		db:      db,
		logger:  log,
		timeout: operationTimeout,
	}
}

func (d *MongoDriver) Database() *mongo.Database {
	return d.db
}

func (d *MongoDriver) Collection(name string) Collection {
	return &mongoCollection{driver: d, coll: d.db.Collection(name)}
}

func (d *MongoDriver) CollectionNames(ctx context.Context) ([]string, error) {
	opCtx, cancel := d.withOperationTimeout(ctx)
	defer cancel()

	names, err := d.db.ListCollectionNames(opCtx, bson.D{})
	if err != nil {
		return nil, wrapMongoError(err)
	}
	return names, nil
}

func (d *MongoDriver) Ping(ctx context.Context) error {
	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return fmt.Errorf("mongodb driver is closed")
	}

	opCtx, cancel := d.withOperationTimeout(ctx)
	defer cancel()
	return d.client.Ping(opCtx, readpref.Primary())
}

func (d *MongoDriver) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	if err := d.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to close mongodb connection: %w", err)
	}
	return nil
}

// Begin starts a session with a transaction using majority write concern
// and snapshot read concern.
func (d *MongoDriver) Begin(ctx context.Context) (Transaction, error) {
	session, err := d.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create mongodb session. %s", err.Error())
	}

	txnOpts := mongoOptions.Transaction().
		SetWriteConcern(writeconcern.Majority()).
		SetReadConcern(readconcern.Snapshot())

	if err := session.StartTransaction(txnOpts); err != nil {
		session.EndSession(ctx)
		return nil, err
	}

	return &mongoTransaction{session: session}, nil
}

func (d *MongoDriver) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return ctx, func() {}
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.timeout)
}

type mongoCollection struct {
	driver *MongoDriver
	coll   *mongo.Collection
}

func (c *mongoCollection) Name() string {
	return c.coll.Name()
}

func (c *mongoCollection) FindOne(ctx context.Context, q *Query) (bson.D, error) {
	ctx, cancel := c.driver.withOperationTimeout(ctx)
	defer cancel()

	opts := mongoOptions.FindOne()
	if len(q.Fields) > 0 {
		opts.SetProjection(q.Fields)
	}
	if len(q.Sort) > 0 {
		opts.SetSort(q.Sort)
	}
	if q.Skip > 0 {
		opts.SetSkip(q.Skip)
	}

	var doc bson.D
	if err := c.coll.FindOne(ctx, q.Criteria, opts).Decode(&doc); err != nil {
		return nil, wrapMongoError(err)
	}

	return doc, nil
}

func (c *mongoCollection) Find(ctx context.Context, q *Query) ([]bson.D, error) {
	ctx, cancel := c.driver.withOperationTimeout(ctx)
	defer cancel()

	opts := mongoOptions.Find()
	if len(q.Fields) > 0 {
		opts.SetProjection(q.Fields)
	}
	if len(q.Sort) > 0 {
		opts.SetSort(q.Sort)
	}
	if q.Skip > 0 {
		opts.SetSkip(q.Skip)
	}
	if q.Limit > 0 {
		opts.SetLimit(q.Limit)
	}

	cur, err := c.coll.Find(ctx, q.Criteria, opts)
	if err != nil {
		return nil, wrapMongoError(err)
	}
	defer cur.Close(ctx)

	var docs []bson.D
	if err := cur.All(ctx, &docs); err != nil {
		return nil, wrapMongoError(err)
	}

	return docs, nil
}

func (c *mongoCollection) Count(ctx context.Context, criteria bson.D) (int64, error) {
	ctx, cancel := c.driver.withOperationTimeout(ctx)
	defer cancel()

	n, err := c.coll.CountDocuments(ctx, nonNil(criteria))
	if err != nil {
		return 0, wrapMongoError(err)
	}
	return n, nil
}

func (c *mongoCollection) InsertOne(ctx context.Context, doc bson.D) error {
	ctx, cancel := c.driver.withOperationTimeout(ctx)
	defer cancel()

	_, err := c.coll.InsertOne(ctx, doc)
	return wrapMongoError(err)
}

func (c *mongoCollection) InsertMany(ctx context.Context, docs []bson.D) error {
	ctx, cancel := c.driver.withOperationTimeout(ctx)
	defer cancel()

	insertValues := Map(docs, func(doc bson.D) any {
		return doc
	})

	_, err := c.coll.InsertMany(ctx, insertValues)
	return wrapMongoError(err)
}

func (c *mongoCollection) ReplaceOne(ctx context.Context, criteria bson.D, doc bson.D, upsert bool) (UpdateResult, error) {
	ctx, cancel := c.driver.withOperationTimeout(ctx)
	defer cancel()

	res, err := c.coll.ReplaceOne(ctx, nonNil(criteria), doc, mongoOptions.Replace().SetUpsert(upsert))
	if err != nil {
		return UpdateResult{}, wrapMongoError(err)
	}
	return updateResult(res), nil
}

func (c *mongoCollection) UpdateOne(ctx context.Context, criteria bson.D, update bson.D) (UpdateResult, error) {
	ctx, cancel := c.driver.withOperationTimeout(ctx)
	defer cancel()

	res, err := c.coll.UpdateOne(ctx, nonNil(criteria), update)
	if err != nil {
		return UpdateResult{}, wrapMongoError(err)
	}
	return updateResult(res), nil
}

func (c *mongoCollection) UpdateMany(ctx context.Context, criteria bson.D, update bson.D) (UpdateResult, error) {
	ctx, cancel := c.driver.withOperationTimeout(ctx)
	defer cancel()

	res, err := c.coll.UpdateMany(ctx, nonNil(criteria), update)
	if err != nil {
		return UpdateResult{}, wrapMongoError(err)
	}
	return updateResult(res), nil
}

func (c *mongoCollection) DeleteMany(ctx context.Context, criteria bson.D) (int64, error) {
	ctx, cancel := c.driver.withOperationTimeout(ctx)
	defer cancel()

	res, err := c.coll.DeleteMany(ctx, nonNil(criteria))
	if err != nil {
		return 0, wrapMongoError(err)
	}
	return res.DeletedCount, nil
}

func (c *mongoCollection) FindOneAndDelete(ctx context.Context, q *Query) (bson.D, error) {
	ctx, cancel := c.driver.withOperationTimeout(ctx)
	defer cancel()

	opts := mongoOptions.FindOneAndDelete()
	if len(q.Fields) > 0 {
		opts.SetProjection(q.Fields)
	}
	if len(q.Sort) > 0 {
		opts.SetSort(q.Sort)
	}

	var doc bson.D
	if err := c.coll.FindOneAndDelete(ctx, q.Criteria, opts).Decode(&doc); err != nil {
		return nil, wrapMongoError(err)
	}
	return doc, nil
}

func (c *mongoCollection) EnsureIndex(ctx context.Context, idx IndexDefinition) error {
	ctx, cancel := c.driver.withOperationTimeout(ctx)
	defer cancel()

	opts := mongoOptions.Index()
	if idx.Name != "" {
		opts.SetName(idx.Name)
	}
	if idx.Unique {
		opts.SetUnique(true)
	}

	_, err := c.coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: idx.Keys, Options: opts})
	return wrapMongoError(err)
}

func updateResult(res *mongo.UpdateResult) UpdateResult {
	return UpdateResult{
		MatchedCount:  res.MatchedCount,
		ModifiedCount: res.ModifiedCount,
		UpsertedID:    res.UpsertedID,
	}
}

func nonNil(criteria bson.D) bson.D {
	if criteria == nil {
		return bson.D{}
	}
	return criteria
}

func wrapMongoError(err error) error {
	if err == nil {
		return nil
	}

	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w. %s", ErrKeyAlreadyExists, err.Error())
	}

	errMap := map[error]error{
		mongo.ErrNoDocuments: ErrKeyNotFound,
	}

	for g, e := range errMap {
		if errors.Is(err, g) {
			err = fmt.Errorf("%w. %s", e, err.Error())
		}
	}

	return err
}

type mongoTransaction struct {
	session mongo.Session
}

func (tx *mongoTransaction) Context(ctx context.Context) context.Context {
	return mongo.NewSessionContext(ctx, tx.session)
}

// Rollback ends the session, which aborts a transaction still in
// progress.
func (tx *mongoTransaction) Rollback(ctx context.Context) error {
	tx.session.EndSession(ctx)
	return nil
}

func (tx *mongoTransaction) Commit(ctx context.Context) error {
	defer tx.session.EndSession(ctx)
	return tx.session.CommitTransaction(ctx)
}
