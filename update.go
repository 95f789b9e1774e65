package docstore

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

type updateOp struct {
	op    string
	key   string
	value any
}

// Update collects modifications for UpdateFirst and UpdateMulti:
//
//	NewUpdate().Set("lastname", "Matthews").Inc("visits", 1)
type Update struct {
	ops []updateOp
}

func NewUpdate() *Update {
	return &Update{}
}

func (u *Update) Set(key string, value any) *Update {
	return u.add("$set", key, value)
}

func (u *Update) Unset(key string) *Update {
	return u.add("$unset", key, "")
}

func (u *Update) Inc(key string, by any) *Update {
	return u.add("$inc", key, by)
}

func (u *Update) Push(key string, value any) *Update {
	return u.add("$push", key, value)
}

func (u *Update) Pull(key string, value any) *Update {
	return u.add("$pull", key, value)
}

func (u *Update) AddToSet(key string, value any) *Update {
	return u.add("$addToSet", key, value)
}

func (u *Update) add(op, key string, value any) *Update {
	u.ops = append(u.ops, updateOp{op: op, key: key, value: value})
	return u
}

func (u *Update) IsEmpty() bool {
	return u == nil || len(u.ops) == 0
}

// Document renders the update, converting every value through c. Operators
// appear in the order they were first used.
func (u *Update) Document(c *Converter) (bson.D, error) {
	var doc bson.D
	index := make(map[string]int)

	for _, o := range u.ops {
		val, err := c.ConvertToMongoType(o.value)
		if err != nil {
			return nil, err
		}

		i, ok := index[o.op]
		if !ok {
			i = len(doc)
			index[o.op] = i
			doc = append(doc, bson.E{Key: o.op, Value: bson.D{}})
		}

		fields := doc[i].Value.(bson.D)
		doc[i].Value = append(fields, bson.E{Key: o.key, Value: val})
	}

	return doc, nil
}

// applyUpdate applies an update document to doc in memory. It is used by
// backends without native update operators.
func applyUpdate(doc bson.D, update bson.D) (bson.D, error) {
	out := cloneDocument(doc)

	for _, op := range update {
		fields, ok := toDocument(op.Value)
		if !ok {
			return nil, fmt.Errorf("update operator %s expects a document", op.Key)
		}

		for _, f := range fields {
			if f.Key == idField || strings.HasPrefix(f.Key, idField+".") {
				return nil, fmt.Errorf("the identity field cannot be updated")
			}

			var err error
			switch op.Key {
			case "$set":
				out = setPath(out, f.Key, f.Value)
			case "$unset":
				out = unsetPath(out, f.Key)
			case "$inc":
				out, err = incPath(out, f.Key, f.Value)
			case "$push":
				out, err = pushPath(out, f.Key, f.Value, false)
			case "$addToSet":
				out, err = pushPath(out, f.Key, f.Value, true)
			case "$pull":
				out, err = pullPath(out, f.Key, f.Value)
			default:
				err = fmt.Errorf("unsupported update operator %s", op.Key)
			}
			if err != nil {
				return nil, err
			}
		}
	}

	return out, nil
}

func lookupPath(doc bson.D, path string) (any, bool) {
	head, tail, nested := strings.Cut(path, ".")
	for _, e := range doc {
		if e.Key != head {
			continue
		}
		if !nested {
			return e.Value, true
		}
		sub, ok := toDocument(e.Value)
		if !ok {
			return nil, false
		}
		return lookupPath(sub, tail)
	}

	return nil, false
}

func setPath(doc bson.D, path string, value any) bson.D {
	head, tail, nested := strings.Cut(path, ".")
	for i, e := range doc {
		if e.Key != head {
			continue
		}
		if !nested {
			doc[i].Value = value
			return doc
		}
		sub, _ := toDocument(e.Value)
		doc[i].Value = setPath(sub, tail, value)
		return doc
	}

	if !nested {
		return append(doc, bson.E{Key: head, Value: value})
	}
	return append(doc, bson.E{Key: head, Value: setPath(bson.D{}, tail, value)})
}

func unsetPath(doc bson.D, path string) bson.D {
	head, tail, nested := strings.Cut(path, ".")
	for i, e := range doc {
		if e.Key != head {
			continue
		}
		if !nested {
			return append(doc[:i:i], doc[i+1:]...)
		}
		if sub, ok := toDocument(e.Value); ok {
			doc[i].Value = unsetPath(sub, tail)
		}
		return doc
	}

	return doc
}

func incPath(doc bson.D, path string, by any) (bson.D, error) {
	cur, ok := lookupPath(doc, path)
	if !ok || cur == nil {
		return setPath(doc, path, by), nil
	}

	switch c := cur.(type) {
	case float64:
		f, err := toFloat64(by)
		if err != nil {
			return nil, err
		}
		return setPath(doc, path, c+f), nil
	case int32, int64, int:
		if f, isFloat := by.(float64); isFloat {
			base, _ := toFloat64(cur)
			return setPath(doc, path, base+f), nil
		}
		base, _ := toInt64(cur)
		n, err := toInt64(by)
		if err != nil {
			return nil, err
		}
		sum := base + n
		if _, is32 := cur.(int32); is32 && sum >= -1<<31 && sum <= 1<<31-1 {
			return setPath(doc, path, int32(sum)), nil
		}
		return setPath(doc, path, sum), nil
	}

	return nil, fmt.Errorf("cannot increment non-numeric field %s", path)
}

func pushPath(doc bson.D, path string, value any, unique bool) (bson.D, error) {
	cur, ok := lookupPath(doc, path)
	var arr bson.A
	if ok && cur != nil {
		if arr, ok = toArray(cur); !ok {
			return nil, fmt.Errorf("field %s is not an array", path)
		}
	}

	if unique {
		for _, item := range arr {
			if valuesEqual(item, value) {
				return doc, nil
			}
		}
	}

	next := append(append(bson.A{}, arr...), value)
	return setPath(doc, path, next), nil
}

func pullPath(doc bson.D, path string, value any) (bson.D, error) {
	cur, ok := lookupPath(doc, path)
	if !ok || cur == nil {
		return doc, nil
	}

	arr, ok := toArray(cur)
	if !ok {
		return nil, fmt.Errorf("field %s is not an array", path)
	}

	next := bson.A{}
	for _, item := range arr {
		if !valuesEqual(item, value) {
			next = append(next, item)
		}
	}

	return setPath(doc, path, next), nil
}

// valuesEqual compares two document values by their binary encoding, so
// int32(1) and int64(1) differ exactly as they do on the server.
func valuesEqual(a, b any) bool {
	ta, da, errA := bson.MarshalValue(a)
	tb, db, errB := bson.MarshalValue(b)
	if errA != nil || errB != nil {
		return false
	}

	return ta == tb && string(da) == string(db)
}

func cloneDocument(doc bson.D) bson.D {
	out := make(bson.D, len(doc))
	for i, e := range doc {
		out[i] = bson.E{Key: e.Key, Value: cloneValue(e.Value)}
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case bson.D:
		return cloneDocument(t)
	case bson.A:
		out := make(bson.A, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	}
	return v
}

// applyProjection keeps or drops top level fields following an inclusion
// or exclusion projection document. The identity is kept unless excluded.
func applyProjection(doc bson.D, fields bson.D) bson.D {
	if len(fields) == 0 {
		return doc
	}

	include := false
	keepID := true
	projected := make(map[string]bool, len(fields))
	for _, f := range fields {
		on := truthy(f.Value)
		root, _, _ := strings.Cut(f.Key, ".")
		if f.Key == idField {
			keepID = on
			continue
		}
		if on {
			include = true
		}
		projected[root] = on
	}

	out := make(bson.D, 0, len(doc))
	for _, e := range doc {
		if e.Key == idField {
			if keepID {
				out = append(out, e)
			}
			continue
		}

		on, listed := projected[e.Key]
		if (include && listed && on) || (!include && !listed) {
			out = append(out, e)
		}
	}

	return out
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case nil:
		return false
	}
	if n, err := toFloat64(v); err == nil {
		return n != 0
	}
	return true
}
