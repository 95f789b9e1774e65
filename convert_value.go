package docstore

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Read populates dst, a pointer to a mapped struct, from doc. Document
// fields without a matching property are ignored.
func (c *Converter) Read(doc bson.D, dst any) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return &ConversionError{From: "document", To: typeName(dst), Err: errors.New("target must be a non-nil pointer")}
	}

	v = v.Elem()
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}

	md, err := c.mapping.Resolve(v.Type())
	if err != nil {
		return err
	}

	return c.readEntity(doc, v, md)
}

// ReadValue converts a single document value into dst, which must be a
// non-nil pointer.
func (c *Converter) ReadValue(value any, dst any) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return &ConversionError{From: typeName(value), To: typeName(dst), Err: errors.New("target must be a non-nil pointer")}
	}

	return c.readInto(value, v.Elem(), "")
}

// ReadAs reads doc into a new value of type T.
func ReadAs[T any](c *Converter, doc bson.D) (T, error) {
	var out T
	err := c.Read(doc, &out)
	return out, err
}

func (c *Converter) readEntity(doc bson.D, v reflect.Value, md *EntityMetadata) error {
	for _, e := range doc {
		p, ok := md.Property(e.Key)
		if !ok {
			continue
		}

		if err := c.readInto(e.Value, p.Get(v), p.Name); err != nil {
			return err
		}
	}

	return nil
}

func (c *Converter) readInto(value any, target reflect.Value, field string) error {
	if value == nil {
		target.Set(reflect.Zero(target.Type()))
		return nil
	}

	t := target.Type()
	if t.Kind() == reflect.Ptr {
		elem := reflect.New(t.Elem())
		if err := c.readInto(value, elem.Elem(), field); err != nil {
			return err
		}
		target.Set(elem)
		return nil
	}

	fail := func(err error) error {
		return &ConversionError{Field: field, From: typeName(value), To: t.String(), Err: err}
	}

	switch {
	case t.Kind() == reflect.Interface:
		rv := reflect.ValueOf(value)
		if !rv.Type().AssignableTo(t) {
			return fail(nil)
		}
		target.Set(rv)
		return nil
	case t == timeType:
		tm, err := toTime(value)
		if err != nil {
			return fail(err)
		}
		target.Set(reflect.ValueOf(tm))
		return nil
	case t == dateTimeType:
		tm, err := toTime(value)
		if err != nil {
			return fail(err)
		}
		target.Set(reflect.ValueOf(primitive.NewDateTimeFromTime(tm)))
		return nil
	case t == objectIDType:
		switch id := value.(type) {
		case primitive.ObjectID:
			target.Set(reflect.ValueOf(id))
			return nil
		case string:
			oid, err := primitive.ObjectIDFromHex(id)
			if err != nil {
				return fail(err)
			}
			target.Set(reflect.ValueOf(oid))
			return nil
		}
		return fail(nil)
	case t == uuidType:
		u, err := toUUID(value)
		if err != nil {
			return fail(err)
		}
		target.Set(reflect.ValueOf(u))
		return nil
	case t == documentType:
		doc, ok := toDocument(value)
		if !ok {
			return fail(nil)
		}
		target.Set(reflect.ValueOf(doc))
		return nil
	case simpleTypes[t]:
		rv := reflect.ValueOf(value)
		if !rv.Type().AssignableTo(t) {
			return fail(nil)
		}
		target.Set(rv)
		return nil
	}

	switch t.Kind() {
	case reflect.String:
		switch s := value.(type) {
		case string:
			target.SetString(s)
		case primitive.ObjectID:
			target.SetString(s.Hex())
		case primitive.Symbol:
			target.SetString(string(s))
		default:
			return fail(nil)
		}
		return nil
	case reflect.Bool:
		b, ok := value.(bool)
		if !ok {
			return fail(nil)
		}
		target.SetBool(b)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := toInt64(value)
		if err != nil {
			return fail(err)
		}
		if target.OverflowInt(i) {
			return fail(fmt.Errorf("%d overflows", i))
		}
		target.SetInt(i)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		i, err := toInt64(value)
		if err != nil {
			return fail(err)
		}
		if i < 0 || target.OverflowUint(uint64(i)) {
			return fail(fmt.Errorf("%d overflows", i))
		}
		target.SetUint(uint64(i))
		return nil
	case reflect.Float32, reflect.Float64:
		f, err := toFloat64(value)
		if err != nil {
			return fail(err)
		}
		if target.OverflowFloat(f) {
			return fail(fmt.Errorf("%g overflows", f))
		}
		target.SetFloat(f)
		return nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			switch b := value.(type) {
			case []byte:
				target.SetBytes(append([]byte{}, b...))
				return nil
			case primitive.Binary:
				target.SetBytes(append([]byte{}, b.Data...))
				return nil
			}
		}
		arr, ok := toArray(value)
		if !ok {
			return fail(nil)
		}
		slice := reflect.MakeSlice(t, len(arr), len(arr))
		for i, item := range arr {
			if err := c.readInto(item, slice.Index(i), field); err != nil {
				return err
			}
		}
		target.Set(slice)
		return nil
	case reflect.Array:
		arr, ok := toArray(value)
		if !ok || len(arr) > t.Len() {
			return fail(nil)
		}
		for i, item := range arr {
			if err := c.readInto(item, target.Index(i), field); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return fail(errors.New("map keys must be strings"))
		}
		doc, ok := toDocument(value)
		if !ok {
			return fail(nil)
		}
		m := reflect.MakeMapWithSize(t, len(doc))
		for _, e := range doc {
			elem := reflect.New(t.Elem()).Elem()
			if err := c.readInto(e.Value, elem, e.Key); err != nil {
				return err
			}
			m.SetMapIndex(reflect.ValueOf(e.Key).Convert(t.Key()), elem)
		}
		target.Set(m)
		return nil
	case reflect.Struct:
		doc, ok := toDocument(value)
		if !ok {
			return fail(nil)
		}
		md, err := c.mapping.Resolve(t)
		if err != nil {
			return err
		}
		target.Set(reflect.Zero(t))
		return c.readEntity(doc, target, md)
	}

	return fail(nil)
}

func toTime(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case primitive.DateTime:
		return v.Time().UTC(), nil
	case string:
		return time.Parse(time.RFC3339Nano, v)
	case int64:
		return time.UnixMilli(v).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("unsupported date value %T", value)
}

func toUUID(value any) (uuid.UUID, error) {
	switch v := value.(type) {
	case uuid.UUID:
		return v, nil
	case string:
		return uuid.Parse(v)
	case primitive.Binary:
		if v.Subtype == bson.TypeBinaryUUID || v.Subtype == bson.TypeBinaryUUIDOld {
			return uuid.FromBytes(v.Data)
		}
	}

	return uuid.UUID{}, fmt.Errorf("unsupported uuid value %T", value)
}

func toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) || v > math.MaxInt64 || v < math.MinInt64 {
			return 0, fmt.Errorf("%g is not an integer", v)
		}
		return int64(v), nil
	}

	return 0, fmt.Errorf("unsupported numeric value %T", value)
}

func toFloat64(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	}

	return 0, fmt.Errorf("unsupported numeric value %T", value)
}

func toDocument(value any) (bson.D, bool) {
	switch v := value.(type) {
	case bson.D:
		return v, true
	case bson.M:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		doc := make(bson.D, 0, len(v))
		for _, k := range keys {
			doc = append(doc, bson.E{Key: k, Value: v[k]})
		}
		return doc, true
	case map[string]any:
		return toDocument(bson.M(v))
	}

	return nil, false
}

func toArray(value any) (bson.A, bool) {
	switch v := value.(type) {
	case bson.A:
		return v, true
	case []any:
		return bson.A(v), true
	}

	return nil, false
}
