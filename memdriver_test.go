package docstore

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// memDriver keeps collections in memory and evaluates the subset of the
// query language the tests use.
type memDriver struct {
	mu          sync.Mutex
	collections map[string]*memCollection
	lastTx      *memTx
}

func newMemDriver() *memDriver {
	return &memDriver{collections: make(map[string]*memCollection)}
}

func (d *memDriver) Collection(name string) Collection {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.collections[name]
	if !ok {
		c = &memCollection{driver: d, name: name}
		d.collections[name] = c
	}
	return c
}

func (d *memDriver) collection(name string) *memCollection {
	return d.Collection(name).(*memCollection)
}

func (d *memDriver) CollectionNames(_ context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	names := make([]string, 0, len(d.collections))
	for name := range d.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (d *memDriver) Begin(_ context.Context) (Transaction, error) {
	return &memTx{}, nil
}

func (d *memDriver) Ping(_ context.Context) error {
	return nil
}

func (d *memDriver) Close(_ context.Context) error {
	return nil
}

func (d *memDriver) observe(ctx context.Context) {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		d.mu.Lock()
		d.lastTx = tx
		d.mu.Unlock()
	}
}

type memTxKey struct{}

type memTx struct {
	committed  bool
	rolledBack bool
}

func (t *memTx) Commit(_ context.Context) error {
	t.committed = true
	return nil
}

func (t *memTx) Rollback(_ context.Context) error {
	t.rolledBack = true
	return nil
}

func (t *memTx) Context(ctx context.Context) context.Context {
	return context.WithValue(ctx, memTxKey{}, t)
}

type memCollection struct {
	driver  *memDriver
	mu      sync.Mutex
	name    string
	docs    []bson.D
	indexes []IndexDefinition
}

func (c *memCollection) Name() string {
	return c.name
}

func (c *memCollection) FindOne(ctx context.Context, q *Query) (bson.D, error) {
	docs, err := c.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrKeyNotFound
	}
	return docs[0], nil
}

func (c *memCollection) Find(ctx context.Context, q *Query) ([]bson.D, error) {
	c.driver.observe(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []bson.D
	for _, doc := range c.docs {
		if matches(doc, q.Criteria) {
			out = append(out, cloneDocument(doc))
		}
	}

	if len(q.Sort) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, s := range q.Sort {
				a, _ := lookupPath(out[i], s.Key)
				b, _ := lookupPath(out[j], s.Key)
				cmp, ok := compareValues(a, b)
				if !ok || cmp == 0 {
					continue
				}
				if n, _ := toInt64(s.Value); n < 0 {
					return cmp > 0
				}
				return cmp < 0
			}
			return false
		})
	}

	if q.Skip > 0 {
		if int(q.Skip) >= len(out) {
			out = nil
		} else {
			out = out[q.Skip:]
		}
	}
	if q.Limit > 0 && int(q.Limit) < len(out) {
		out = out[:q.Limit]
	}

	for i := range out {
		out[i] = applyProjection(out[i], q.Fields)
	}
	return out, nil
}

func (c *memCollection) Count(ctx context.Context, criteria bson.D) (int64, error) {
	docs, err := c.Find(ctx, NewQuery(criteria))
	return int64(len(docs)), err
}

func (c *memCollection) InsertOne(ctx context.Context, doc bson.D) error {
	c.driver.observe(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.insert(doc)
}

func (c *memCollection) insert(doc bson.D) error {
	id := documentID(doc)
	if id == nil {
		return fmt.Errorf("document has no %s", idField)
	}
	for _, d := range c.docs {
		if valuesEqual(documentID(d), id) {
			return fmt.Errorf("%w. duplicate %v", ErrKeyAlreadyExists, id)
		}
	}

	c.docs = append(c.docs, cloneDocument(doc))
	return nil
}

func (c *memCollection) InsertMany(ctx context.Context, docs []bson.D) error {
	c.driver.observe(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, doc := range docs {
		if err := c.insert(doc); err != nil {
			return err
		}
	}
	return nil
}

func (c *memCollection) ReplaceOne(ctx context.Context, criteria bson.D, doc bson.D, upsert bool) (UpdateResult, error) {
	c.driver.observe(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, d := range c.docs {
		if !matches(d, criteria) {
			continue
		}
		replacement := bson.D{{Key: idField, Value: documentID(d)}}
		for _, e := range doc {
			if e.Key != idField {
				replacement = append(replacement, e)
			}
		}
		c.docs[i] = cloneDocument(replacement)
		return UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
	}

	if !upsert {
		return UpdateResult{}, nil
	}
	if documentID(doc) == nil {
		doc = append(bson.D{{Key: idField, Value: documentID(criteria)}}, doc...)
	}
	return UpdateResult{UpsertedID: documentID(doc)}, c.insert(doc)
}

func (c *memCollection) UpdateOne(ctx context.Context, criteria bson.D, update bson.D) (UpdateResult, error) {
	return c.update(ctx, criteria, update, false)
}

func (c *memCollection) UpdateMany(ctx context.Context, criteria bson.D, update bson.D) (UpdateResult, error) {
	return c.update(ctx, criteria, update, true)
}

func (c *memCollection) update(ctx context.Context, criteria bson.D, update bson.D, multi bool) (UpdateResult, error) {
	c.driver.observe(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()

	var res UpdateResult
	for i, d := range c.docs {
		if !matches(d, criteria) {
			continue
		}
		updated, err := applyUpdate(d, update)
		if err != nil {
			return res, err
		}
		res.MatchedCount++
		res.ModifiedCount++
		c.docs[i] = updated
		if !multi {
			break
		}
	}
	return res, nil
}

func (c *memCollection) DeleteMany(ctx context.Context, criteria bson.D) (int64, error) {
	c.driver.observe(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.docs[:0]
	var n int64
	for _, d := range c.docs {
		if matches(d, criteria) {
			n++
			continue
		}
		kept = append(kept, d)
	}
	c.docs = kept
	return n, nil
}

func (c *memCollection) FindOneAndDelete(ctx context.Context, q *Query) (bson.D, error) {
	doc, err := c.FindOne(ctx, &Query{Criteria: q.Criteria, Sort: q.Sort})
	if err != nil {
		return nil, err
	}
	if _, err := c.DeleteMany(ctx, bson.D{{Key: idField, Value: documentID(doc)}}); err != nil {
		return nil, err
	}
	return applyProjection(doc, q.Fields), nil
}

func (c *memCollection) EnsureIndex(_ context.Context, idx IndexDefinition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.indexes = append(c.indexes, idx)
	return nil
}

func matches(doc bson.D, criteria bson.D) bool {
	for _, e := range criteria {
		switch e.Key {
		case "$and", "$or":
			arr, _ := toArray(e.Value)
			matched := false
			for _, item := range arr {
				sub, _ := toDocument(item)
				ok := matches(doc, sub)
				if e.Key == "$and" && !ok {
					return false
				}
				matched = matched || ok
			}
			if e.Key == "$or" && !matched {
				return false
			}
		default:
			v, present := lookupPath(doc, e.Key)
			if !matchField(v, present, e.Value) {
				return false
			}
		}
	}
	return true
}

func matchField(v any, present bool, cond any) bool {
	if r, ok := cond.(primitive.Regex); ok {
		return matchRegex(v, r.Pattern, r.Options)
	}

	ops, ok := cond.(bson.D)
	if !ok || len(ops) == 0 || !strings.HasPrefix(ops[0].Key, "$") {
		if cond == nil {
			return !present || v == nil
		}
		return equalOrContains(v, cond)
	}

	options := ""
	for _, op := range ops {
		if op.Key == "$options" {
			options, _ = op.Value.(string)
		}
	}

	for _, op := range ops {
		switch op.Key {
		case "$eq":
			if !equalOrContains(v, op.Value) {
				return false
			}
		case "$ne":
			if op.Value == nil {
				if !present || v == nil {
					return false
				}
				continue
			}
			if equalOrContains(v, op.Value) {
				return false
			}
		case "$gt", "$gte", "$lt", "$lte":
			cmp, ok := compareValues(v, op.Value)
			if !ok {
				return false
			}
			switch {
			case op.Key == "$gt" && cmp <= 0,
				op.Key == "$gte" && cmp < 0,
				op.Key == "$lt" && cmp >= 0,
				op.Key == "$lte" && cmp > 0:
				return false
			}
		case "$in", "$nin":
			arr, _ := toArray(op.Value)
			found := false
			for _, item := range arr {
				if equalOrContains(v, item) {
					found = true
					break
				}
			}
			if found != (op.Key == "$in") {
				return false
			}
		case "$exists":
			if present != truthy(op.Value) {
				return false
			}
		case "$regex":
			pattern, _ := op.Value.(string)
			if !matchRegex(v, pattern, options) {
				return false
			}
		case "$not":
			if matchField(v, present, op.Value) {
				return false
			}
		}
	}
	return true
}

func matchRegex(v any, pattern, options string) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	if strings.Contains(options, "i") {
		pattern = "(?i)" + pattern
	}
	return regexp.MustCompile(pattern).MatchString(s)
}

func equalOrContains(v, want any) bool {
	if cmp, ok := compareValues(v, want); ok {
		return cmp == 0
	}
	if valuesEqual(v, want) {
		return true
	}
	if arr, ok := toArray(v); ok {
		for _, item := range arr {
			if equalOrContains(item, want) {
				return true
			}
		}
	}
	return false
}

func compareValues(a, b any) (int, bool) {
	if fa, err := toFloat64(a); err == nil {
		fb, err := toFloat64(b)
		if err != nil {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}

	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(sa, sb), true
	}

	if _, ok := a.(time.Time); ok {
		ta, _ := toTime(a)
		tb, err := toTime(b)
		if err != nil {
			return 0, false
		}
		return ta.Compare(tb), true
	}

	return 0, false
}
