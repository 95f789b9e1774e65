package docstore

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// resolvedPart is a Part whose property expression has been resolved to a
// document path.
type resolvedPart struct {
	Part
	path string
	prop *PersistentProperty
}

// DerivedQuery creates queries from a parsed method name.
type DerivedQuery struct {
	tree     *PartTree
	branches [][]resolvedPart
	orders   Sort
	logger   Logger
}

// NewDerivedQuery parses name and resolves every property it references
// against md.
func NewDerivedQuery(name string, md *EntityMetadata, mapping *MappingContext, log Logger) (*DerivedQuery, error) {
	if log == nil {
		log = NopLogger()
	}

	tree, err := ParsePartTree(name)
	if err != nil {
		return nil, err
	}

	d := &DerivedQuery{tree: tree, logger: log}
	for _, branch := range tree.Branches {
		var parts []resolvedPart
		for _, part := range branch {
			path, prop, err := resolvePropertyPath(mapping, md, part.Property)
			if err != nil {
				return nil, err
			}
			parts = append(parts, resolvedPart{Part: part, path: path, prop: prop})
		}
		d.branches = append(d.branches, parts)
	}

	for _, o := range tree.Orders {
		path, _, err := resolvePropertyPath(mapping, md, o.Property)
		if err != nil {
			return nil, err
		}
		d.orders = append(d.orders, Order{Property: path, Direction: o.Direction})
	}

	return d, nil
}

func (d *DerivedQuery) Kind() QueryKind {
	return d.tree.Kind
}

func (d *DerivedQuery) Tree() *PartTree {
	return d.tree
}

func (d *DerivedQuery) CreateQuery(accessor ParameterAccessor) (*Query, error) {
	next := 0
	bind := func() (any, error) {
		v, err := accessor.BindableValue(next)
		if err != nil {
			return nil, &ParameterBindingError{Index: next, Message: "no bindable parameter", Err: err}
		}
		next++
		return v, nil
	}

	var docs []bson.D
	for _, branch := range d.branches {
		var conds []bson.E
		for _, part := range branch {
			args := make([]any, part.Type.Args)
			for i := range args {
				v, err := bind()
				if err != nil {
					return nil, err
				}
				args[i] = v
			}

			cond, err := partCriteria(part, args)
			if err != nil {
				return nil, err
			}
			conds = append(conds, cond)
		}
		docs = append(docs, combineAnd(conds))
	}

	var criteria bson.D
	switch len(docs) {
	case 0:
		criteria = bson.D{}
	case 1:
		criteria = docs[0]
	default:
		or := make(bson.A, 0, len(docs))
		for _, doc := range docs {
			or = append(or, doc)
		}
		criteria = bson.D{{Key: "$or", Value: or}}
	}

	q := NewQuery(criteria).With(accessor)
	if len(d.orders) > 0 {
		q.Sort = append(d.orders.Document(), q.Sort...)
	}
	if limit := int64(d.tree.Limit); limit > 0 && (q.Limit == 0 || limit < q.Limit) {
		q.Limit = limit
	}
	if d.tree.Kind == QueryExists {
		q.Limit = 1
	}

	d.logger.Debug("created query", "query", q.String())
	return q, nil
}

// combineAnd folds conditions into one document. Repeated paths are moved
// into an $and so that no condition is lost.
func combineAnd(conds []bson.E) bson.D {
	seen := make(map[string]bool, len(conds))
	for _, c := range conds {
		if seen[c.Key] {
			and := make(bson.A, 0, len(conds))
			for _, c := range conds {
				and = append(and, bson.D{c})
			}
			return bson.D{{Key: "$and", Value: and}}
		}
		seen[c.Key] = true
	}

	return bson.D(conds)
}

func partCriteria(part resolvedPart, args []any) (bson.E, error) {
	op := func(name string, v any) bson.E {
		return bson.E{Key: part.path, Value: bson.D{{Key: name, Value: v}}}
	}

	for i := range args {
		args[i] = idValue(part.prop, args[i])
	}

	switch part.Type {
	case PartSimple:
		if s, ok := args[0].(string); ok && part.IgnoreCase {
			return regexCriteria(part, "^"+regexp.QuoteMeta(s)+"$"), nil
		}
		return bson.E{Key: part.path, Value: args[0]}, nil
	case PartNot:
		return op("$ne", args[0]), nil
	case PartBetween:
		return bson.E{Key: part.path, Value: bson.D{{Key: "$gt", Value: args[0]}, {Key: "$lt", Value: args[1]}}}, nil
	case PartGreaterThan, PartAfter:
		return op("$gt", args[0]), nil
	case PartGreaterThanEqual:
		return op("$gte", args[0]), nil
	case PartLessThan, PartBefore:
		return op("$lt", args[0]), nil
	case PartLessThanEqual:
		return op("$lte", args[0]), nil
	case PartIsNull:
		return bson.E{Key: part.path, Value: nil}, nil
	case PartIsNotNull:
		return op("$ne", nil), nil
	case PartTrue:
		return bson.E{Key: part.path, Value: true}, nil
	case PartFalse:
		return bson.E{Key: part.path, Value: false}, nil
	case PartExists:
		b, ok := args[0].(bool)
		if !ok {
			return bson.E{}, partArgError(part, args[0], "bool")
		}
		return op("$exists", b), nil
	case PartIn, PartNotIn:
		name := "$in"
		if part.Type == PartNotIn {
			name = "$nin"
		}
		values, ok := toArray(args[0])
		if !ok {
			values = bson.A{args[0]}
		}
		arr := make(bson.A, len(values))
		for i, v := range values {
			arr[i] = idValue(part.prop, v)
		}
		return op(name, arr), nil
	case PartRegex:
		switch v := args[0].(type) {
		case primitive.Regex:
			return bson.E{Key: part.path, Value: v}, nil
		case string:
			return regexCriteria(part, v), nil
		}
		return bson.E{}, partArgError(part, args[0], "string")
	}

	s, ok := args[0].(string)
	if !ok {
		if part.Type == PartContaining && isCollection(part.prop) {
			return bson.E{Key: part.path, Value: args[0]}, nil
		}
		return bson.E{}, partArgError(part, args[0], "string")
	}

	switch part.Type {
	case PartLike:
		return regexCriteria(part, likePattern(s)), nil
	case PartNotLike:
		regex := primitive.Regex{Pattern: likePattern(s)}
		if part.IgnoreCase {
			regex.Options = "i"
		}
		return op("$not", regex), nil
	case PartStartingWith:
		return regexCriteria(part, "^"+regexp.QuoteMeta(s)), nil
	case PartEndingWith:
		return regexCriteria(part, regexp.QuoteMeta(s)+"$"), nil
	case PartContaining:
		if isCollection(part.prop) {
			return bson.E{Key: part.path, Value: s}, nil
		}
		return regexCriteria(part, regexp.QuoteMeta(s)), nil
	}

	return bson.E{}, fmt.Errorf("unsupported part type %s", part.Type.Name)
}

func regexCriteria(part resolvedPart, pattern string) bson.E {
	cond := bson.D{{Key: "$regex", Value: pattern}}
	if part.IgnoreCase {
		cond = append(cond, bson.E{Key: "$options", Value: "i"})
	}
	return bson.E{Key: part.path, Value: cond}
}

// likePattern turns a wildcard expression such as "Mat*" into an anchored
// regular expression. A leading or trailing * drops the anchor on that side.
func likePattern(s string) string {
	pieces := strings.Split(s, "*")
	for i, p := range pieces {
		pieces[i] = regexp.QuoteMeta(p)
	}

	pattern := strings.Join(pieces, ".*")
	if strings.HasPrefix(pattern, ".*") {
		pattern = strings.TrimPrefix(pattern, ".*")
	} else {
		pattern = "^" + pattern
	}
	if strings.HasSuffix(pattern, ".*") {
		pattern = strings.TrimSuffix(pattern, ".*")
	} else {
		pattern += "$"
	}

	return pattern
}

func partArgError(part resolvedPart, v any, want string) error {
	return &ParameterBindingError{
		Index:   -1,
		Message: fmt.Sprintf("%s on %s expects a %s argument, got %s", part.Type.Name, part.path, want, typeName(v)),
	}
}

// idValue stores hex strings bound to an identity property as object ids,
// matching what the converter writes.
func idValue(prop *PersistentProperty, v any) any {
	if prop == nil || !prop.IsID {
		return v
	}
	if s, ok := v.(string); ok && primitive.IsValidObjectID(s) {
		oid, _ := primitive.ObjectIDFromHex(s)
		return oid
	}
	return v
}

func isCollection(prop *PersistentProperty) bool {
	if prop == nil {
		return false
	}
	t := prop.Type
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return (t.Kind() == reflect.Slice || t.Kind() == reflect.Array) && t.Elem().Kind() != reflect.Uint8
}

// resolvePropertyPath resolves a property expression taken from a method
// name, e.g. "AddressZipCode" or "Address_ZipCode", into a dotted document
// path. Nested properties are matched greedily from the longest head.
func resolvePropertyPath(mapping *MappingContext, md *EntityMetadata, expr string) (string, *PersistentProperty, error) {
	if head, tail, ok := strings.Cut(expr, "_"); ok && head != "" {
		p, ok := md.PropertyByName(head)
		if !ok {
			return "", nil, noProperty(md, expr)
		}
		return resolveNested(mapping, md, p, tail, expr)
	}

	if p, ok := md.PropertyByName(expr); ok {
		return p.FieldName, p, nil
	}

	for i := len(expr) - 1; i > 0; i-- {
		if !isUpper(expr[i]) {
			continue
		}
		p, ok := md.PropertyByName(expr[:i])
		if !ok {
			continue
		}
		if path, prop, err := resolveNested(mapping, md, p, expr[i:], expr); err == nil {
			return path, prop, nil
		}
	}

	return "", nil, noProperty(md, expr)
}

func resolveNested(mapping *MappingContext, md *EntityMetadata, p *PersistentProperty, tail, expr string) (string, *PersistentProperty, error) {
	t, ok := elementEntityType(p.Type)
	if !ok || tail == "" {
		return "", nil, noProperty(md, expr)
	}

	nested, err := mapping.Resolve(t)
	if err != nil {
		return "", nil, err
	}

	path, prop, err := resolvePropertyPath(mapping, nested, tail)
	if err != nil {
		return "", nil, err
	}

	return p.FieldName + "." + path, prop, nil
}

// elementEntityType unwraps pointers, slices and arrays down to a mapped
// struct type.
func elementEntityType(t reflect.Type) (reflect.Type, bool) {
	for {
		switch t.Kind() {
		case reflect.Ptr, reflect.Slice, reflect.Array:
			t = t.Elem()
			continue
		}
		break
	}

	return t, isEntityType(t)
}

func noProperty(md *EntityMetadata, expr string) error {
	return mappingErrorf(md.Type.String(), "no property %s found", expr)
}
