package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// PostgresDriver stores every collection as a table of JSONB documents:
//
//	CREATE TABLE person (id TEXT PRIMARY KEY, doc JSONB NOT NULL)
//
// Documents are kept as relaxed extended JSON so that object ids, dates and
// binary values survive a round trip. Tables are created on first write.
type PostgresDriver struct {
	db     *sqlx.DB
	schema string
	logger Logger
	tables sync.Map
}

func NewPostgresDriver(db *sqlx.DB, schema string, log Logger) *PostgresDriver {
	if schema == "" {
		schema = "public"
	}
	if log == nil {
		log = NopLogger()
	}

	return &PostgresDriver{db: db, schema: schema, logger: log}
}

func (d *PostgresDriver) DB() *sqlx.DB {
	return d.db
}

func (d *PostgresDriver) Collection(name string) Collection {
	return &pgCollection{driver: d, name: name, table: pgx.Identifier{d.schema, name}.Sanitize()}
}

func (d *PostgresDriver) CollectionNames(ctx context.Context) ([]string, error) {
	qry := d.db.Rebind(`SELECT table_name FROM information_schema.tables WHERE table_schema = ? ORDER BY table_name`)

	var names []string
	if err := sqlx.SelectContext(ctx, d.runner(ctx), &names, qry, d.schema); err != nil {
		return nil, wrapPostgresError(err)
	}
	return names, nil
}

func (d *PostgresDriver) Begin(ctx context.Context) (Transaction, error) {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, wrapPostgresError(err)
	}

	return &sqlTransaction{Tx: tx, driver: d}, nil
}

func (d *PostgresDriver) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *PostgresDriver) Close(_ context.Context) error {
	return d.db.Close()
}

// runner returns the transaction carried by ctx, or the database.
func (d *PostgresDriver) runner(ctx context.Context) sqlx.ExtContext {
	if tx, ok := ctx.Value(ContextTransactionKey).(*sqlx.Tx); ok {
		return tx
	}
	return d.db
}

// inTransaction runs fn in the transaction carried by ctx or, without one,
// in a transaction of its own.
func (d *PostgresDriver) inTransaction(ctx context.Context, fn func(ext sqlx.ExtContext) error) error {
	if tx, ok := ctx.Value(ContextTransactionKey).(*sqlx.Tx); ok {
		return fn(tx)
	}

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapPostgresError(err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		d.forgetTables()
		return err
	}

	if err := tx.Commit(); err != nil {
		d.forgetTables()
		return wrapPostgresError(err)
	}
	return nil
}

// forgetTables drops the record of created tables. A rolled back
// transaction also rolls back the DDL it ran.
func (d *PostgresDriver) forgetTables() {
	d.tables.Range(func(key, _ any) bool {
		d.tables.Delete(key)
		return true
	})
}

type pgCollection struct {
	driver *PostgresDriver
	name   string
	table  string
}

type pgRow struct {
	ID  string `db:"id"`
	Doc string `db:"doc"`
}

func (c *pgCollection) Name() string {
	return c.name
}

func (c *pgCollection) ensureTable(ctx context.Context, ext sqlx.ExtContext) error {
	if _, ok := c.driver.tables.Load(c.table); ok {
		return nil
	}

	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, doc JSONB NOT NULL)", c.table)
	if _, err := ext.ExecContext(ctx, ddl); err != nil {
		return wrapPostgresError(err)
	}

	c.driver.tables.Store(c.table, true)
	c.driver.logger.Debug("collection table ready", "table", c.table)
	return nil
}

func (c *pgCollection) selectSQL(columns string, q *Query, suffix string) (string, []any, error) {
	where, args, err := translateCriteria(q.Criteria)
	if err != nil {
		return "", nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s WHERE %s", columns, c.table, where)

	if order, orderArgs := orderClause(q.Sort); order != "" {
		b.WriteString(" ORDER BY " + order)
		args = append(args, orderArgs...)
	}
	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}
	if q.Skip > 0 {
		b.WriteString(" OFFSET ?")
		args = append(args, q.Skip)
	}
	if suffix != "" {
		b.WriteString(" " + suffix)
	}

	return b.String(), args, nil
}

func (c *pgCollection) FindOne(ctx context.Context, q *Query) (bson.D, error) {
	one := *q
	one.Limit = 1

	docs, err := c.Find(ctx, &one)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrKeyNotFound
	}

	return docs[0], nil
}

func (c *pgCollection) Find(ctx context.Context, q *Query) ([]bson.D, error) {
	qry, args, err := c.selectSQL("doc", q, "")
	if err != nil {
		return nil, err
	}

	ext := c.driver.runner(ctx)
	var raw []string
	if err := sqlx.SelectContext(ctx, ext, &raw, ext.Rebind(qry), args...); err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, wrapPostgresError(err)
	}

	docs := make([]bson.D, 0, len(raw))
	for _, r := range raw {
		doc, err := decodeDocument(r)
		if err != nil {
			return nil, err
		}
		docs = append(docs, applyProjection(doc, q.Fields))
	}

	return docs, nil
}

func (c *pgCollection) Count(ctx context.Context, criteria bson.D) (int64, error) {
	qry, args, err := c.selectSQL("count(*)", NewQuery(criteria), "")
	if err != nil {
		return 0, err
	}

	ext := c.driver.runner(ctx)
	var n int64
	if err := sqlx.GetContext(ctx, ext, &n, ext.Rebind(qry), args...); err != nil {
		if isUndefinedTable(err) {
			return 0, nil
		}
		return 0, wrapPostgresError(err)
	}

	return n, nil
}

func (c *pgCollection) InsertOne(ctx context.Context, doc bson.D) error {
	return c.driver.inTransaction(ctx, func(ext sqlx.ExtContext) error {
		if err := c.ensureTable(ctx, ext); err != nil {
			return err
		}
		return c.insert(ctx, ext, doc)
	})
}

func (c *pgCollection) InsertMany(ctx context.Context, docs []bson.D) error {
	return c.driver.inTransaction(ctx, func(ext sqlx.ExtContext) error {
		if err := c.ensureTable(ctx, ext); err != nil {
			return err
		}
		for _, doc := range docs {
			if err := c.insert(ctx, ext, doc); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *pgCollection) insert(ctx context.Context, ext sqlx.ExtContext, doc bson.D) error {
	idVal := documentID(doc)
	if idVal == nil {
		return fmt.Errorf("insert into %s: document has no %s", c.name, idField)
	}

	id, err := pgID(idVal)
	if err != nil {
		return err
	}

	raw, err := encodeDocument(doc)
	if err != nil {
		return err
	}

	qry := ext.Rebind(fmt.Sprintf("INSERT INTO %s (id, doc) VALUES (?, ?::jsonb)", c.table))
	if _, err := ext.ExecContext(ctx, qry, id, raw); err != nil {
		return wrapPostgresError(err)
	}

	return nil
}

func (c *pgCollection) ReplaceOne(ctx context.Context, criteria bson.D, doc bson.D, upsert bool) (UpdateResult, error) {
	var res UpdateResult
	err := c.driver.inTransaction(ctx, func(ext sqlx.ExtContext) error {
		if err := c.ensureTable(ctx, ext); err != nil {
			return err
		}

		rows, err := c.lockRows(ctx, ext, criteria, 1)
		if err != nil {
			return err
		}

		if len(rows) == 0 {
			if !upsert {
				return nil
			}
			if documentID(doc) == nil {
				id := documentID(criteria)
				if id == nil {
					id = primitive.NewObjectID()
				}
				doc = append(bson.D{{Key: idField, Value: id}}, doc...)
			}
			res.UpsertedID = documentID(doc)
			return c.insert(ctx, ext, doc)
		}

		res.MatchedCount = 1
		current, err := decodeDocument(rows[0].Doc)
		if err != nil {
			return err
		}

		replacement := bson.D{{Key: idField, Value: documentID(current)}}
		for _, e := range doc {
			if e.Key != idField {
				replacement = append(replacement, e)
			}
		}

		changed, err := c.write(ctx, ext, rows[0].ID, rows[0].Doc, replacement)
		if changed {
			res.ModifiedCount = 1
		}
		return err
	})

	return res, err
}

func (c *pgCollection) UpdateOne(ctx context.Context, criteria bson.D, update bson.D) (UpdateResult, error) {
	return c.update(ctx, criteria, update, 1)
}

func (c *pgCollection) UpdateMany(ctx context.Context, criteria bson.D, update bson.D) (UpdateResult, error) {
	return c.update(ctx, criteria, update, 0)
}

// update applies the update operators in memory to every locked row and
// writes back the rows that changed.
func (c *pgCollection) update(ctx context.Context, criteria bson.D, update bson.D, limit int64) (UpdateResult, error) {
	var res UpdateResult
	err := c.driver.inTransaction(ctx, func(ext sqlx.ExtContext) error {
		if err := c.ensureTable(ctx, ext); err != nil {
			return err
		}

		rows, err := c.lockRows(ctx, ext, criteria, limit)
		if err != nil {
			return err
		}

		for _, row := range rows {
			res.MatchedCount++

			doc, err := decodeDocument(row.Doc)
			if err != nil {
				return err
			}
			updated, err := applyUpdate(doc, update)
			if err != nil {
				return err
			}

			changed, err := c.write(ctx, ext, row.ID, row.Doc, updated)
			if err != nil {
				return err
			}
			if changed {
				res.ModifiedCount++
			}
		}

		return nil
	})

	return res, err
}

func (c *pgCollection) lockRows(ctx context.Context, ext sqlx.ExtContext, criteria bson.D, limit int64) ([]pgRow, error) {
	q := NewQuery(criteria)
	q.Limit = limit

	qry, args, err := c.selectSQL("id, doc", q, "FOR UPDATE")
	if err != nil {
		return nil, err
	}

	var rows []pgRow
	if err := sqlx.SelectContext(ctx, ext, &rows, ext.Rebind(qry), args...); err != nil {
		return nil, wrapPostgresError(err)
	}
	return rows, nil
}

func (c *pgCollection) write(ctx context.Context, ext sqlx.ExtContext, id, previous string, doc bson.D) (bool, error) {
	raw, err := encodeDocument(doc)
	if err != nil {
		return false, err
	}
	if raw == previous {
		return false, nil
	}

	qry := ext.Rebind(fmt.Sprintf("UPDATE %s SET doc = ?::jsonb WHERE id = ?", c.table))
	if _, err := ext.ExecContext(ctx, qry, raw, id); err != nil {
		return false, wrapPostgresError(err)
	}
	return true, nil
}

func (c *pgCollection) DeleteMany(ctx context.Context, criteria bson.D) (int64, error) {
	where, args, err := translateCriteria(criteria)
	if err != nil {
		return 0, err
	}

	ext := c.driver.runner(ctx)
	qry := ext.Rebind(fmt.Sprintf("DELETE FROM %s WHERE %s", c.table, where))
	res, err := ext.ExecContext(ctx, qry, args...)
	if err != nil {
		if isUndefinedTable(err) {
			return 0, nil
		}
		return 0, wrapPostgresError(err)
	}

	return res.RowsAffected()
}

func (c *pgCollection) FindOneAndDelete(ctx context.Context, q *Query) (bson.D, error) {
	one := *q
	one.Limit = 1
	one.Skip = 0

	inner, args, err := c.selectSQL("id", &one, "")
	if err != nil {
		return nil, err
	}

	ext := c.driver.runner(ctx)
	qry := ext.Rebind(fmt.Sprintf("DELETE FROM %s WHERE id = (%s) RETURNING doc", c.table, inner))

	var raw string
	if err := sqlx.GetContext(ctx, ext, &raw, qry, args...); err != nil {
		if isUndefinedTable(err) {
			return nil, ErrKeyNotFound
		}
		return nil, wrapPostgresError(err)
	}

	doc, err := decodeDocument(raw)
	if err != nil {
		return nil, err
	}

	return applyProjection(doc, q.Fields), nil
}

// EnsureIndex creates an expression index on the JSONB document. Ordered
// keys use a btree, hashed keys a hash index and the remaining kinds GIN.
func (c *pgCollection) EnsureIndex(ctx context.Context, idx IndexDefinition) error {
	if len(idx.Keys) == 0 {
		return fmt.Errorf("index %s has no keys", idx.Name)
	}

	method := "btree"
	exprs := make([]string, 0, len(idx.Keys))
	for _, k := range idx.Keys {
		expr := fmt.Sprintf("(doc #> %s)", pq.QuoteLiteral("{"+strings.ReplaceAll(k.Key, ".", ",")+"}"))
		switch v := k.Value.(type) {
		case string:
			method = "gin"
			if v == "hashed" {
				method = "hash"
			}
		default:
			if n, err := toInt64(v); err == nil && n < 0 {
				expr += " DESC"
			}
		}
		exprs = append(exprs, expr)
	}

	unique := ""
	if idx.Unique {
		unique = "UNIQUE "
	}

	name := pgx.Identifier{c.name + "_" + idx.Name}.Sanitize()
	ddl := fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s USING %s (%s)", unique, name, c.table, method, strings.Join(exprs, ", "))

	return c.driver.inTransaction(ctx, func(ext sqlx.ExtContext) error {
		if err := c.ensureTable(ctx, ext); err != nil {
			return err
		}
		if _, err := ext.ExecContext(ctx, ddl); err != nil {
			return wrapPostgresError(err)
		}
		return nil
	})
}

func encodeDocument(doc bson.D) (string, error) {
	b, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return "", &ConversionError{From: "document", To: "json", Err: err}
	}
	return string(b), nil
}

func decodeDocument(raw string) (bson.D, error) {
	var doc bson.D
	if err := bson.UnmarshalExtJSON([]byte(raw), false, &doc); err != nil {
		return nil, &ConversionError{From: "json", To: "document", Err: err}
	}
	return doc, nil
}

type sqlTransaction struct {
	Tx     *sqlx.Tx
	driver *PostgresDriver
}

func (st *sqlTransaction) Context(ctx context.Context) context.Context {
	return context.WithValue(ctx, ContextTransactionKey, st.Tx)
}

func (st *sqlTransaction) Rollback(_ context.Context) error {
	st.driver.forgetTables()
	return st.Tx.Rollback()
}

func (st *sqlTransaction) Commit(_ context.Context) error {
	return st.Tx.Commit()
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}

	return ""
}

func isUndefinedTable(err error) bool {
	return pgErrorCode(err) == pgerrcode.UndefinedTable
}

func wrapPostgresError(err error) error {
	if err == nil {
		return nil
	}

	if pgErrorCode(err) == pgerrcode.UniqueViolation {
		return fmt.Errorf("%w. %s", ErrKeyAlreadyExists, err.Error())
	}

	errMap := map[error]error{
		sql.ErrNoRows: ErrKeyNotFound,
	}

	for g, e := range errMap {
		if errors.Is(err, g) {
			err = fmt.Errorf("%w. %s", e, err.Error())
		}
	}

	return err
}
