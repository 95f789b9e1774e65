package docstore

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
)

// Repository is a typed view over one collection. K is the identity type
// and T the mapped entity type.
type Repository[K comparable, T any] interface {
	Get(ctx context.Context, id K, dest *T, options ...QueryOption) error
	Select(ctx context.Context, filter map[string]any, dest *[]T, options ...QueryOption) error
	Insert(ctx context.Context, value *T, options ...QueryOption) (K, error)
	InsertAll(ctx context.Context, values []T, options ...QueryOption) ([]K, error)
	Update(ctx context.Context, id K, keyvals map[string]any, options ...QueryOption) error
	Upsert(ctx context.Context, id K, value T, options ...QueryOption) error
	Delete(ctx context.Context, id []K, options ...QueryOption) error
	Begin(ctx context.Context) (Transaction, error)

	// Query methods take their bindable arguments in declaration order.
	// QueryOption values may be mixed into args.
	FindOne(ctx context.Context, method string, dest *T, args ...any) (bool, error)
	Find(ctx context.Context, method string, dest *[]T, args ...any) error
	Count(ctx context.Context, method string, args ...any) (int64, error)
	Exists(ctx context.Context, method string, args ...any) (bool, error)
	DeleteBy(ctx context.Context, method string, args ...any) (int64, error)

	CollectionName() string
	Metadata() *EntityMetadata
}

type repository[K comparable, T any] struct {
	tpl     *Template
	md      *EntityMetadata
	name    string
	methods map[string]*preparedQuery
	derived sync.Map
	logger  Logger
}

// CreateRepository creates a repository for T on top of tpl. Registered
// query methods are validated here, so a malformed template fails fast.
func CreateRepository[K comparable, T any](ctx context.Context, tpl *Template, options ...RepositoryOption) (Repository[K, T], error) {
	opt := &option{}
	for _, op := range options {
		op(opt)
	}

	var model T
	md, err := tpl.Converter().MappingContext().Resolve(reflect.TypeOf(&model).Elem())
	if err != nil {
		return nil, err
	}

	if opt.name == "" {
		opt.name = md.Collection()
	}

	repo := &repository[K, T]{
		tpl:     tpl,
		md:      md,
		name:    opt.name,
		methods: make(map[string]*preparedQuery),
		logger:  tpl.Logger().With("collection", opt.name),
	}

	for _, m := range opt.methods {
		if _, dup := repo.methods[m.Name]; dup {
			return nil, fmt.Errorf("query method %s registered twice", m.Name)
		}

		pq, err := prepareQuery(m, md, tpl.Converter().MappingContext(), repo.logger)
		if err != nil {
			return nil, err
		}
		repo.methods[m.Name] = pq
	}

	if opt.ensureIndexes {
		if err := tpl.EnsureIndexes(ctx, md.Type, InCollection(repo.name)); err != nil {
			return nil, err
		}
	}

	if opt.initValues != nil {
		if err := repo.init(ctx, opt.initValues); err != nil {
			return nil, err
		}
	}

	return repo, nil
}

func (r *repository[K, T]) init(ctx context.Context, values any) error {
	list, ok := values.([]T)
	if !ok {
		return fmt.Errorf("values to init should be []%s, got %T", r.md.Type.Name(), values)
	}

	for i := range list {
		if _, err := r.Insert(ctx, &list[i]); err != nil {
			if !errors.Is(err, ErrKeyAlreadyExists) {
				return err
			}
		}
	}

	return nil
}

func (r *repository[K, T]) CollectionName() string {
	return r.name
}

func (r *repository[K, T]) Metadata() *EntityMetadata {
	return r.md
}

func (r *repository[K, T]) Get(ctx context.Context, id K, dest *T, options ...QueryOption) error {
	opt := makeQueryOption(options)
	ctx = r.setTransactionContext(ctx, opt)

	key, err := r.keyValue(id)
	if err != nil {
		return err
	}

	found, err := r.tpl.FindOne(ctx, NewQuery(bson.D{{Key: idField, Value: key}}), dest, InCollection(r.name))
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("get %s %v: %w", r.name, id, ErrKeyNotFound)
	}

	return nil
}

// Select finds entities matching every entry of filter. Keys are property
// or document field names. A slice value matches any of its elements.
func (r *repository[K, T]) Select(ctx context.Context, filter map[string]any, dest *[]T, options ...QueryOption) error {
	opt := makeQueryOption(options)
	ctx = r.setTransactionContext(ctx, opt)

	criteria, err := r.parseFilterMapIntoFilter(filter)
	if err != nil {
		return err
	}

	q := r.applyQueryOption(NewQuery(criteria), opt)
	return r.tpl.Find(ctx, q, dest, InCollection(r.name))
}

func (r *repository[K, T]) Insert(ctx context.Context, value *T, options ...QueryOption) (K, error) {
	opt := makeQueryOption(options)
	ctx = r.setTransactionContext(ctx, opt)

	var zeroKey K
	if value == nil {
		return zeroKey, &ConversionError{From: "nil", To: r.md.Type.String()}
	}

	if err := r.tpl.Insert(ctx, value, InCollection(r.name)); err != nil {
		return zeroKey, err
	}

	return r.keyOf(reflect.ValueOf(value).Elem())
}

// InsertAll stores values in one batch. Generated identities are written
// back into values.
func (r *repository[K, T]) InsertAll(ctx context.Context, values []T, options ...QueryOption) ([]K, error) {
	opt := makeQueryOption(options)
	ctx = r.setTransactionContext(ctx, opt)

	if err := r.tpl.InsertAll(ctx, values, InCollection(r.name)); err != nil {
		return nil, err
	}

	ids := make([]K, 0, len(values))
	for i := range values {
		id, err := r.keyOf(reflect.ValueOf(&values[i]).Elem())
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, nil
}

func (r *repository[K, T]) Update(ctx context.Context, id K, keyvals map[string]any, options ...QueryOption) error {
	opt := makeQueryOption(options)
	ctx = r.setTransactionContext(ctx, opt)

	key, err := r.keyValue(id)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(keyvals))
	for k := range keyvals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	u := NewUpdate()
	for _, k := range keys {
		u.Set(r.fieldName(k), keyvals[k])
	}

	res, err := r.tpl.UpdateFirst(ctx, NewQuery(bson.D{{Key: idField, Value: key}}), u, r.md.Type, InCollection(r.name))
	if err != nil {
		return err
	}

	if res.MatchedCount == 0 {
		return fmt.Errorf("update %s %v: %w", r.name, id, ErrKeyNotFound)
	}

	return nil
}

// Upsert stores value under id, replacing any existing document.
func (r *repository[K, T]) Upsert(ctx context.Context, id K, value T, options ...QueryOption) error {
	opt := makeQueryOption(options)
	ctx = r.setTransactionContext(ctx, opt)

	key, err := r.keyValue(id)
	if err != nil {
		return err
	}

	var doc bson.D
	if err := r.tpl.Converter().Write(&value, &doc); err != nil {
		return err
	}

	out := bson.D{{Key: idField, Value: key}}
	for _, e := range doc {
		if e.Key != idField {
			out = append(out, e)
		}
	}

	return r.tpl.Save(ctx, out, InCollection(r.name))
}

func (r *repository[K, T]) Delete(ctx context.Context, id []K, options ...QueryOption) error {
	opt := makeQueryOption(options)
	ctx = r.setTransactionContext(ctx, opt)

	if len(id) == 0 {
		return nil
	}

	keys := make(bson.A, 0, len(id))
	for _, k := range id {
		key, err := r.keyValue(k)
		if err != nil {
			return err
		}
		keys = append(keys, key)
	}

	n, err := r.tpl.Remove(ctx, NewQuery(bson.D{{Key: idField, Value: bson.D{{Key: "$in", Value: keys}}}}), r.md.Type, InCollection(r.name))
	if err != nil {
		return err
	}

	r.logger.Debug("deleted", "count", n)
	return nil
}

func (r *repository[K, T]) Begin(ctx context.Context) (Transaction, error) {
	return r.tpl.Begin(ctx)
}

func (r *repository[K, T]) FindOne(ctx context.Context, method string, dest *T, args ...any) (bool, error) {
	ctx, q, err := r.createQuery(ctx, method, args)
	if err != nil {
		return false, err
	}

	return r.tpl.FindOne(ctx, q, dest, InCollection(r.name))
}

func (r *repository[K, T]) Find(ctx context.Context, method string, dest *[]T, args ...any) error {
	ctx, q, err := r.createQuery(ctx, method, args)
	if err != nil {
		return err
	}

	return r.tpl.Find(ctx, q, dest, InCollection(r.name))
}

func (r *repository[K, T]) Count(ctx context.Context, method string, args ...any) (int64, error) {
	ctx, q, err := r.createQuery(ctx, method, args)
	if err != nil {
		return 0, err
	}

	return r.tpl.Count(ctx, q, r.md.Type, InCollection(r.name))
}

func (r *repository[K, T]) Exists(ctx context.Context, method string, args ...any) (bool, error) {
	n, err := r.Count(ctx, method, args...)
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

func (r *repository[K, T]) DeleteBy(ctx context.Context, method string, args ...any) (int64, error) {
	ctx, q, err := r.createQuery(ctx, method, args)
	if err != nil {
		return 0, err
	}

	return r.tpl.Remove(ctx, q, r.md.Type, InCollection(r.name))
}

func (r *repository[K, T]) createQuery(ctx context.Context, method string, args []any) (context.Context, *Query, error) {
	pq, err := r.lookup(method)
	if err != nil {
		return ctx, nil, err
	}

	var options []QueryOption
	bindable := make([]any, 0, len(args))
	for _, arg := range args {
		if op, ok := arg.(QueryOption); ok {
			options = append(options, op)
			continue
		}
		bindable = append(bindable, arg)
	}

	opt := makeQueryOption(options)
	ctx = r.setTransactionContext(ctx, opt)

	accessor := NewConvertingParameterAccessor(r.tpl.Converter(), NewParameterAccessor(bindable...))
	q, err := pq.query.CreateQuery(accessor)
	if err != nil {
		return ctx, nil, fmt.Errorf("query method %s: %w", method, err)
	}

	return ctx, r.applyQueryOption(q, opt), nil
}

// lookup returns the registered query method or derives one from its name
// on first use.
func (r *repository[K, T]) lookup(method string) (*preparedQuery, error) {
	if pq, ok := r.methods[method]; ok {
		return pq, nil
	}

	if pq, ok := r.derived.Load(method); ok {
		return pq.(*preparedQuery), nil
	}

	pq, err := prepareQuery(QueryMethod{Name: method}, r.md, r.tpl.Converter().MappingContext(), r.logger)
	if err != nil {
		return nil, err
	}

	actual, _ := r.derived.LoadOrStore(method, pq)
	return actual.(*preparedQuery), nil
}

func (r *repository[K, T]) applyQueryOption(q *Query, opt *queryOption) *Query {
	if len(opt.Sorter) > 0 {
		var s Sort
		for _, o := range SortBy(opt.Sorter...) {
			s = append(s, Order{Property: r.fieldName(o.Property), Direction: o.Direction})
		}
		q.Sort = s.Document()
	}
	if opt.Limit > 0 {
		q.Limit = opt.Limit
	}
	if opt.Offset > 0 {
		q.Skip = opt.Offset
	}

	return q
}

func (r *repository[K, T]) parseFilterMapIntoFilter(filterMap map[string]any) (bson.D, error) {
	keys := make([]string, 0, len(filterMap))
	for k := range filterMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	filter := bson.D{}
	for _, k := range keys {
		field := r.fieldName(k)
		prop, _ := r.md.Property(field)

		val, err := r.tpl.Converter().ConvertToMongoType(filterMap[k])
		if err != nil {
			return nil, err
		}

		arr, isSlice := val.(bson.A)
		if !isSlice {
			filter = append(filter, bson.E{Key: field, Value: idValue(prop, val)})
			continue
		}

		switch len(arr) {
		case 0:
			continue
		case 1:
			filter = append(filter, bson.E{Key: field, Value: idValue(prop, arr[0])})
		default:
			in := make(bson.A, len(arr))
			for i, item := range arr {
				in[i] = idValue(prop, item)
			}
			filter = append(filter, bson.E{Key: field, Value: bson.D{{Key: "$in", Value: in}}})
		}
	}

	return filter, nil
}

// fieldName maps a property name to its document field. Unknown names are
// used as given so dotted paths pass through.
func (r *repository[K, T]) fieldName(name string) string {
	if p, ok := r.md.PropertyByName(name); ok {
		return p.FieldName
	}
	return name
}

func (r *repository[K, T]) keyValue(id K) (any, error) {
	v, err := r.tpl.Converter().ConvertToMongoType(id)
	if err != nil {
		return nil, err
	}

	return idValue(r.md.IDProperty(), v), nil
}

func (r *repository[K, T]) keyOf(entity reflect.Value) (K, error) {
	var key K
	prop := r.md.IDProperty()
	if prop == nil {
		return key, mappingErrorf(r.md.Type.String(), "entity lacks identity property")
	}

	written, err := r.tpl.Converter().writeID(prop.Get(entity), prop)
	if err != nil {
		return key, err
	}
	if written == nil {
		return key, nil
	}

	if err := r.tpl.Converter().ReadValue(written, &key); err != nil {
		return key, err
	}

	return key, nil
}

func (r *repository[K, T]) setTransactionContext(ctx context.Context, opt *queryOption) context.Context {
	if opt.Tx != nil {
		return opt.Tx.Context(ctx)
	}

	return ctx
}
