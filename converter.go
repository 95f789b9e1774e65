package docstore

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Converter maps Go values to documents and back using entity metadata.
type Converter struct {
	mapping *MappingContext
}

// NewConverter creates a converter backed by mapping. A nil mapping gets a
// fresh context.
func NewConverter(mapping *MappingContext) *Converter {
	if mapping == nil {
		mapping = NewMappingContext()
	}

	return &Converter{mapping: mapping}
}

func (c *Converter) MappingContext() *MappingContext {
	return c.mapping
}

// Write appends the document form of src to dst. When src is a root entity
// with a null identity a new one is generated and set on src, which then
// has to be a pointer.
func (c *Converter) Write(src any, dst *bson.D) error {
	if dst == nil {
		return &ConversionError{From: typeName(src), To: "document", Err: errors.New("nil target document")}
	}

	v := reflect.ValueOf(src)
	if !v.IsValid() {
		return &ConversionError{From: "nil", To: "document"}
	}

	md, err := c.mapping.Resolve(v.Type())
	if err != nil {
		return err
	}

	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return &ConversionError{From: "nil " + v.Type().String(), To: "document"}
		}
		v = v.Elem()
	}

	doc, err := c.writeEntity(v, md, true)
	if err != nil {
		return err
	}

	*dst = append(*dst, doc...)
	return nil
}

// ConvertToMongoType converts a single value into its document-compatible
// form. Structs become documents, slices arrays, maps documents.
func (c *Converter) ConvertToMongoType(v any) (any, error) {
	return c.writeValue(reflect.ValueOf(v), "")
}

func (c *Converter) writeEntity(v reflect.Value, md *EntityMetadata, assignID bool) (bson.D, error) {
	doc := make(bson.D, 0, len(md.properties))

	if id := md.id; id != nil {
		if md.root && assignID {
			if err := c.ensureID(v, md); err != nil {
				return nil, err
			}
		}

		idVal, err := c.writeID(id.Get(v), id)
		if err != nil {
			return nil, err
		}
		if idVal != nil {
			doc = append(doc, bson.E{Key: idField, Value: idVal})
		}
	}

	for _, p := range md.properties {
		if p.IsID {
			continue
		}

		fv := p.Get(v)
		if isNilValue(fv) || (p.OmitEmpty && fv.IsZero()) {
			continue
		}

		val, err := c.writeValue(fv, p.FieldName)
		if err != nil {
			return nil, err
		}

		doc = append(doc, bson.E{Key: p.FieldName, Value: val})
	}

	return doc, nil
}

func (c *Converter) ensureID(v reflect.Value, md *EntityMetadata) error {
	p := md.id
	fv := p.Get(v)
	if !isNullID(fv) {
		return nil
	}

	generated, ok := generateID(p.Type)
	if !ok {
		return nil
	}

	if !v.CanAddr() {
		return &ConversionError{
			Field: p.Name,
			From:  "null identity",
			To:    p.Type.String(),
			Err:   fmt.Errorf("%s must be passed by pointer to receive a generated identity", md.Type),
		}
	}

	p.Set(v, generated)
	return nil
}

func generateID(t reflect.Type) (reflect.Value, bool) {
	if t.Kind() == reflect.Ptr {
		elem, ok := generateID(t.Elem())
		if !ok {
			return reflect.Value{}, false
		}
		ptr := reflect.New(t.Elem())
		ptr.Elem().Set(elem)
		return ptr, true
	}

	switch {
	case t == objectIDType:
		return reflect.ValueOf(primitive.NewObjectID()), true
	case t == uuidType:
		return reflect.ValueOf(uuid.New()), true
	case t.Kind() == reflect.String:
		return reflect.ValueOf(primitive.NewObjectID().Hex()).Convert(t), true
	}

	return reflect.Value{}, false
}

func isNullID(v reflect.Value) bool {
	switch {
	case v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface:
		return v.IsNil()
	case v.Type() == objectIDType, v.Type() == uuidType, v.Kind() == reflect.String:
		return v.IsZero()
	}

	return false
}

func (c *Converter) writeID(v reflect.Value, p *PersistentProperty) (any, error) {
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}

	switch {
	case v.Type() == uuidType:
		if v.IsZero() {
			return nil, nil
		}
		return v.Interface().(uuid.UUID).String(), nil
	case v.Type() == objectIDType:
		if v.IsZero() {
			return nil, nil
		}
		return v.Interface(), nil
	case v.Kind() == reflect.String:
		s := v.String()
		if s == "" {
			return nil, nil
		}
		if primitive.IsValidObjectID(s) {
			return primitive.ObjectIDFromHex(s)
		}
		return s, nil
	}

	return c.writeValue(v, p.FieldName)
}

func (c *Converter) writeValue(v reflect.Value, field string) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}

	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}

	t := v.Type()
	switch {
	case t == uuidType:
		return v.Interface().(uuid.UUID).String(), nil
	case t == documentType:
		return c.writeDocument(v.Interface().(bson.D))
	case simpleTypes[t]:
		return v.Interface(), nil
	}

	switch t.Kind() {
	case reflect.Bool:
		return v.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32:
		i := v.Int()
		if i >= math.MinInt32 && i <= math.MaxInt32 {
			return int32(i), nil
		}
		return i, nil
	case reflect.Int64:
		return v.Int(), nil
	case reflect.Uint8, reflect.Uint16:
		return int32(v.Uint()), nil
	case reflect.Uint, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := v.Uint()
		if u > math.MaxInt64 {
			return nil, &ConversionError{Field: field, From: t.String(), To: "int64", Err: fmt.Errorf("%d overflows", u)}
		}
		return int64(u), nil
	case reflect.Float32, reflect.Float64:
		return v.Float(), nil
	case reflect.String:
		return v.String(), nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return v.Bytes(), nil
		}
		if v.IsNil() {
			return nil, nil
		}
		return c.writeArray(v, field)
	case reflect.Array:
		return c.writeArray(v, field)
	case reflect.Map:
		return c.writeMap(v, field)
	case reflect.Struct:
		md, err := c.mapping.Resolve(t)
		if err != nil {
			return nil, err
		}
		return c.writeEntity(v, md, false)
	}

	return nil, &ConversionError{Field: field, From: t.String(), To: "document value"}
}

func (c *Converter) writeDocument(d bson.D) (bson.D, error) {
	out := make(bson.D, 0, len(d))
	for _, e := range d {
		val, err := c.writeValue(reflect.ValueOf(e.Value), e.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, bson.E{Key: e.Key, Value: val})
	}

	return out, nil
}

func (c *Converter) writeArray(v reflect.Value, field string) (bson.A, error) {
	arr := make(bson.A, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		val, err := c.writeValue(v.Index(i), field)
		if err != nil {
			return nil, err
		}
		arr = append(arr, val)
	}

	return arr, nil
}

// writeMap turns a string keyed map into a document ordered by key.
func (c *Converter) writeMap(v reflect.Value, field string) (bson.D, error) {
	if v.Type().Key().Kind() != reflect.String {
		return nil, &ConversionError{Field: field, From: v.Type().String(), To: "document", Err: errors.New("map keys must be strings")}
	}

	if v.IsNil() {
		return nil, nil
	}

	keys := v.MapKeys()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	doc := make(bson.D, 0, len(keys))
	for _, k := range keys {
		val, err := c.writeValue(v.MapIndex(k), k.String())
		if err != nil {
			return nil, err
		}
		doc = append(doc, bson.E{Key: k.String(), Value: val})
	}

	return doc, nil
}

func isNilValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice:
		return v.IsNil()
	}
	return false
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	return reflect.TypeOf(v).String()
}
