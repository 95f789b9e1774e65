package docstore

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Template executes queries against a Driver and converts documents to and
// from mapped Go values.
type Template struct {
	driver    Driver
	converter *Converter
	logger    Logger
}

type TemplateOption func(t *Template)

func WithConverter(c *Converter) TemplateOption {
	return func(t *Template) {
		t.converter = c
	}
}

func WithMappingContext(m *MappingContext) TemplateOption {
	return func(t *Template) {
		t.converter = NewConverter(m)
	}
}

func WithLogger(l Logger) TemplateOption {
	return func(t *Template) {
		t.logger = l
	}
}

func NewTemplate(driver Driver, options ...TemplateOption) *Template {
	t := &Template{driver: driver}
	for _, op := range options {
		op(t)
	}

	if t.converter == nil {
		t.converter = NewConverter(nil)
	}
	if t.logger == nil {
		t.logger = NopLogger()
	}

	return t
}

// OperationOption adjusts a single template operation.
type OperationOption func(o *operationOption)

type operationOption struct {
	collection string
}

// InCollection runs the operation against the named collection instead of
// the one derived from the entity type.
func InCollection(name string) OperationOption {
	return func(o *operationOption) {
		o.collection = name
	}
}

func (t *Template) Converter() *Converter {
	return t.converter
}

func (t *Template) Driver() Driver {
	return t.driver
}

func (t *Template) Logger() Logger {
	return t.logger
}

// CollectionName returns the collection of the entity type of v, which may
// be a value, a pointer, a slice of either or a reflect.Type.
func (t *Template) CollectionName(v any) (string, error) {
	md, err := t.metadataOf(v)
	if err != nil {
		return "", err
	}

	return md.Collection(), nil
}

func (t *Template) CollectionNames(ctx context.Context) ([]string, error) {
	names, err := t.driver.CollectionNames(ctx)
	if err != nil {
		return nil, wrapStoreError("collectionNames", "", err)
	}

	return Filter(names, func(name string) bool {
		return !strings.HasPrefix(name, "system.")
	}), nil
}

// FindOne reads the first document matching q into dst. found is false,
// with a nil error, when nothing matches.
func (t *Template) FindOne(ctx context.Context, q *Query, dst any, options ...OperationOption) (found bool, err error) {
	coll, err := t.collection(dst, options)
	if err != nil {
		return false, err
	}

	q = t.identityCriteria(q, dst)
	t.logQuery("findOne", coll.Name(), q)
	doc, err := coll.FindOne(ctx, q)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return false, nil
		}
		return false, wrapStoreError("findOne", coll.Name(), err)
	}

	if err := t.read(doc, dst); err != nil {
		return false, err
	}

	return true, nil
}

// Find reads every document matching q into dst, a pointer to a slice.
func (t *Template) Find(ctx context.Context, q *Query, dst any, options ...OperationOption) error {
	out := reflect.ValueOf(dst)
	if out.Kind() != reflect.Ptr || out.IsNil() || out.Elem().Kind() != reflect.Slice {
		return &ConversionError{From: "documents", To: typeName(dst), Err: errors.New("target must be a pointer to a slice")}
	}

	coll, err := t.collection(dst, options)
	if err != nil {
		return err
	}

	q = t.identityCriteria(q, dst)
	t.logQuery("find", coll.Name(), q)
	docs, err := coll.Find(ctx, q)
	if err != nil {
		return wrapStoreError("find", coll.Name(), err)
	}

	slice := out.Elem()
	elemType := slice.Type().Elem()
	result := reflect.MakeSlice(slice.Type(), 0, len(docs))
	for _, doc := range docs {
		elem := reflect.New(elemType)
		if err := t.read(doc, elem.Interface()); err != nil {
			return err
		}
		result = reflect.Append(result, elem.Elem())
	}

	slice.Set(result)
	return nil
}

// Count counts the documents matching q in the collection of entity.
func (t *Template) Count(ctx context.Context, q *Query, entity any, options ...OperationOption) (int64, error) {
	coll, err := t.collection(entity, options)
	if err != nil {
		return 0, err
	}

	q = t.identityCriteria(q, entity)
	t.logQuery("count", coll.Name(), q)
	n, err := coll.Count(ctx, q.Criteria)
	if err != nil {
		return 0, wrapStoreError("count", coll.Name(), err)
	}

	return n, nil
}

// Insert stores entity. A null identity is generated and written back, so
// entity has to be a pointer in that case.
func (t *Template) Insert(ctx context.Context, entity any, options ...OperationOption) error {
	coll, err := t.collection(entity, options)
	if err != nil {
		return err
	}

	doc, err := t.write(entity)
	if err != nil {
		return err
	}

	t.logger.Debug("insert", "collection", coll.Name(), "id", documentID(doc))
	return wrapStoreError("insert", coll.Name(), coll.InsertOne(ctx, doc))
}

// InsertAll stores every element of entities, a slice or pointer to slice.
// Generated identities are written back into the slice elements.
func (t *Template) InsertAll(ctx context.Context, entities any, options ...OperationOption) error {
	v := reflect.ValueOf(entities)
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Slice {
		return &ConversionError{From: typeName(entities), To: "documents", Err: errors.New("expected a slice")}
	}
	if v.Len() == 0 {
		return nil
	}

	coll, err := t.collection(entities, options)
	if err != nil {
		return err
	}

	docs := make([]bson.D, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		elem := v.Index(i)
		if elem.Kind() != reflect.Ptr && elem.CanAddr() {
			elem = elem.Addr()
		}
		doc, err := t.write(elem.Interface())
		if err != nil {
			return err
		}
		docs = append(docs, doc)
	}

	t.logger.Debug("insertAll", "collection", coll.Name(), "count", len(docs))
	return wrapStoreError("insertAll", coll.Name(), coll.InsertMany(ctx, docs))
}

// Save inserts entity or replaces the stored document with the same
// identity.
func (t *Template) Save(ctx context.Context, entity any, options ...OperationOption) error {
	coll, err := t.collection(entity, options)
	if err != nil {
		return err
	}

	doc, err := t.write(entity)
	if err != nil {
		return err
	}

	id := documentID(doc)
	if id == nil {
		return &ConversionError{From: typeName(entity), To: "document", Err: errors.New("cannot save an entity without identity")}
	}

	t.logger.Debug("save", "collection", coll.Name(), "id", id)
	_, err = coll.ReplaceOne(ctx, bson.D{{Key: idField, Value: id}}, doc, true)
	return wrapStoreError("save", coll.Name(), err)
}

// UpdateFirst applies u to the first document matching q.
func (t *Template) UpdateFirst(ctx context.Context, q *Query, u *Update, entity any, options ...OperationOption) (UpdateResult, error) {
	return t.update(ctx, "updateFirst", q, u, entity, false, options)
}

// UpdateMulti applies u to every document matching q.
func (t *Template) UpdateMulti(ctx context.Context, q *Query, u *Update, entity any, options ...OperationOption) (UpdateResult, error) {
	return t.update(ctx, "updateMulti", q, u, entity, true, options)
}

func (t *Template) update(ctx context.Context, op string, q *Query, u *Update, entity any, multi bool, options []OperationOption) (UpdateResult, error) {
	coll, err := t.collection(entity, options)
	if err != nil {
		return UpdateResult{}, err
	}

	if u.IsEmpty() {
		return UpdateResult{}, fmt.Errorf("%s %s: empty update", op, coll.Name())
	}

	doc, err := u.Document(t.converter)
	if err != nil {
		return UpdateResult{}, err
	}

	q = t.identityCriteria(q, entity)
	t.logQuery(op, coll.Name(), q, "update", extJSON(doc))

	var res UpdateResult
	if multi {
		res, err = coll.UpdateMany(ctx, q.Criteria, doc)
	} else {
		res, err = coll.UpdateOne(ctx, q.Criteria, doc)
	}

	return res, wrapStoreError(op, coll.Name(), err)
}

// Remove deletes every document matching q and returns how many were
// removed.
func (t *Template) Remove(ctx context.Context, q *Query, entity any, options ...OperationOption) (int64, error) {
	coll, err := t.collection(entity, options)
	if err != nil {
		return 0, err
	}

	q = t.identityCriteria(q, entity)
	t.logQuery("remove", coll.Name(), q)
	n, err := coll.DeleteMany(ctx, q.Criteria)
	if err != nil {
		return 0, wrapStoreError("remove", coll.Name(), err)
	}

	return n, nil
}

// RemoveEntity deletes the document with the identity of entity.
func (t *Template) RemoveEntity(ctx context.Context, entity any, options ...OperationOption) error {
	md, err := t.metadataOf(entity)
	if err != nil {
		return err
	}

	idProp := md.IDProperty()
	if idProp == nil {
		return mappingErrorf(md.Type.String(), "entity lacks identity property")
	}

	v := reflect.Indirect(reflect.ValueOf(entity))
	id, err := t.converter.writeID(idProp.Get(v), idProp)
	if err != nil {
		return err
	}
	if id == nil {
		return fmt.Errorf("remove %s: %w", md.Type, ErrKeyNotFound)
	}

	_, err = t.Remove(ctx, NewQuery(bson.D{{Key: idField, Value: id}}), entity, options...)
	return err
}

// FindAndRemove deletes the first document matching q and reads it into
// dst.
func (t *Template) FindAndRemove(ctx context.Context, q *Query, dst any, options ...OperationOption) (found bool, err error) {
	coll, err := t.collection(dst, options)
	if err != nil {
		return false, err
	}

	q = t.identityCriteria(q, dst)
	t.logQuery("findAndRemove", coll.Name(), q)
	doc, err := coll.FindOneAndDelete(ctx, q)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return false, nil
		}
		return false, wrapStoreError("findAndRemove", coll.Name(), err)
	}

	if err := t.read(doc, dst); err != nil {
		return false, err
	}

	return true, nil
}

func (t *Template) EnsureIndex(ctx context.Context, idx IndexDefinition, entity any, options ...OperationOption) error {
	coll, err := t.collection(entity, options)
	if err != nil {
		return err
	}

	t.logger.Debug("ensureIndex", "collection", coll.Name(), "index", idx.Name)
	return wrapStoreError("ensureIndex", coll.Name(), coll.EnsureIndex(ctx, idx))
}

// EnsureIndexes creates every index declared on the entity type.
func (t *Template) EnsureIndexes(ctx context.Context, entity any, options ...OperationOption) error {
	md, err := t.metadataOf(entity)
	if err != nil {
		return err
	}

	for _, idx := range md.Indexes() {
		if err := t.EnsureIndex(ctx, idx, entity, options...); err != nil {
			return err
		}
	}

	return nil
}

// Begin starts a transaction on the driver. Operations join it by running
// with tx.Context(ctx).
func (t *Template) Begin(ctx context.Context) (Transaction, error) {
	tx, err := t.driver.Begin(ctx)
	if err != nil {
		return nil, wrapStoreError("begin", "", err)
	}
	return tx, nil
}

func (t *Template) collection(v any, options []OperationOption) (Collection, error) {
	opt := &operationOption{}
	for _, op := range options {
		op(opt)
	}

	if opt.collection != "" {
		return t.driver.Collection(opt.collection), nil
	}

	name, err := t.CollectionName(v)
	if err != nil {
		return nil, err
	}

	return t.driver.Collection(name), nil
}

func (t *Template) metadataOf(v any) (*EntityMetadata, error) {
	rt, ok := v.(reflect.Type)
	if !ok {
		if v == nil {
			return nil, mappingErrorf("", "cannot derive a collection from nil")
		}
		rt = reflect.TypeOf(v)
	}

	for rt.Kind() == reflect.Ptr || rt.Kind() == reflect.Slice || rt.Kind() == reflect.Array {
		rt = rt.Elem()
	}

	return t.converter.MappingContext().Resolve(rt)
}

// identityCriteria returns q with the hex strings compared against the
// identity of v's entity type replaced by object ids, the form the converter
// stores them in. q itself is left untouched.
func (t *Template) identityCriteria(q *Query, v any) *Query {
	if q == nil || len(q.Criteria) == 0 {
		return q
	}

	md, err := t.metadataOf(v)
	if err != nil || md.IDProperty() == nil {
		return q
	}

	criteria, changed := mapIdentity(q.Criteria, md.IDProperty())
	if !changed {
		return q
	}

	mapped := *q
	mapped.Criteria = criteria
	return &mapped
}

func mapIdentity(criteria bson.D, prop *PersistentProperty) (bson.D, bool) {
	out := make(bson.D, len(criteria))
	changed := false
	for i, e := range criteria {
		out[i] = e
		switch e.Key {
		case idField:
			if v, ok := mapIdentityOperand(e.Value, prop); ok {
				out[i].Value = v
				changed = true
			}
		case "$and", "$or", "$nor":
			clauses, ok := toArray(e.Value)
			if !ok {
				continue
			}
			mapped := make(bson.A, len(clauses))
			for j, clause := range clauses {
				mapped[j] = clause
				if d, ok := clause.(bson.D); ok {
					if m, ok := mapIdentity(d, prop); ok {
						mapped[j] = m
						changed = true
					}
				}
			}
			out[i].Value = mapped
		}
	}

	return out, changed
}

func mapIdentityOperand(v any, prop *PersistentProperty) (any, bool) {
	switch val := v.(type) {
	case string:
		mapped := idValue(prop, val)
		_, ok := mapped.(primitive.ObjectID)
		return mapped, ok
	case bson.D:
		out := make(bson.D, len(val))
		changed := false
		for i, e := range val {
			out[i] = e
			switch e.Key {
			case "$eq", "$ne":
				if m, ok := mapIdentityOperand(e.Value, prop); ok {
					out[i].Value = m
					changed = true
				}
			case "$in", "$nin":
				arr, ok := toArray(e.Value)
				if !ok {
					continue
				}
				mapped := make(bson.A, len(arr))
				for j, item := range arr {
					mapped[j] = item
					if m, ok := mapIdentityOperand(item, prop); ok {
						mapped[j] = m
						changed = true
					}
				}
				out[i].Value = mapped
			}
		}
		return out, changed
	}

	return v, false
}

func (t *Template) write(entity any) (bson.D, error) {
	var doc bson.D
	if d, ok := entity.(bson.D); ok {
		return d, nil
	}
	if d, ok := entity.(*bson.D); ok {
		return *d, nil
	}

	if err := t.converter.Write(entity, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (t *Template) read(doc bson.D, dst any) error {
	if d, ok := dst.(*bson.D); ok {
		*d = doc
		return nil
	}

	return t.converter.Read(doc, dst)
}

func (t *Template) logQuery(op, collection string, q *Query, args ...any) {
	t.logger.Debug(op, append([]any{"collection", collection, "query", q.String()}, args...)...)
}

func documentID(doc bson.D) any {
	for _, e := range doc {
		if e.Key == idField {
			return e.Value
		}
	}
	return nil
}
