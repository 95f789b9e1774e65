package docstore

import (
	"reflect"
	"strings"
	"sync"
)

// PersistentProperty maps one struct field to one document field.
type PersistentProperty struct {
	Name      string
	FieldName string
	Type      reflect.Type
	IsID      bool
	OmitEmpty bool
	Index     *IndexDefinition

	indexTag *string

	get func(entity reflect.Value) reflect.Value
	set func(entity reflect.Value, value reflect.Value)
}

// Get returns the field value of the given struct value.
func (p *PersistentProperty) Get(entity reflect.Value) reflect.Value {
	return p.get(entity)
}

// Set assigns value to the field. entity must be addressable.
func (p *PersistentProperty) Set(entity reflect.Value, value reflect.Value) {
	p.set(entity, value)
}

// IsEntity reports whether the property holds an embedded document that is
// mapped through its own metadata.
func (p *PersistentProperty) IsEntity() bool {
	return isEntityType(p.Type)
}

// EntityMetadata describes how a struct type is stored.
type EntityMetadata struct {
	Type reflect.Type

	collection string
	root       bool
	id         *PersistentProperty
	properties []*PersistentProperty
	byField    map[string]*PersistentProperty
	byName     map[string]*PersistentProperty
	indexes    []IndexDefinition
}

func (m *EntityMetadata) Collection() string {
	return m.collection
}

// IsRoot reports whether the type is stored in its own collection.
func (m *EntityMetadata) IsRoot() bool {
	return m.root
}

// IDProperty returns the identity property or nil.
func (m *EntityMetadata) IDProperty() *PersistentProperty {
	return m.id
}

func (m *EntityMetadata) Properties() []*PersistentProperty {
	return m.properties
}

// Property looks up a property by its document field name.
func (m *EntityMetadata) Property(field string) (*PersistentProperty, bool) {
	p, ok := m.byField[field]
	return p, ok
}

// PropertyByName looks up a property by Go field name or document field
// name, ignoring case.
func (m *EntityMetadata) PropertyByName(name string) (*PersistentProperty, bool) {
	p, ok := m.byName[strings.ToLower(name)]
	return p, ok
}

func (m *EntityMetadata) Indexes() []IndexDefinition {
	return m.indexes
}

// IndexFor returns the first index declared on the given document field.
func (m *EntityMetadata) IndexFor(field string) (IndexDefinition, bool) {
	for _, idx := range m.indexes {
		if len(idx.Keys) > 0 && idx.Keys[0].Key == field {
			return idx, true
		}
	}

	return IndexDefinition{}, false
}

func (m *EntityMetadata) verify() error {
	if m.root && m.id == nil {
		return mappingErrorf(m.Type.String(), "root entity lacks identity property")
	}

	return nil
}

// MappingContext resolves and caches entity metadata per type. It is safe
// for concurrent use.
type MappingContext struct {
	entities sync.Map
}

func NewMappingContext() *MappingContext {
	return &MappingContext{}
}

// ResolveValue resolves the metadata of v's type. v may be a struct, a
// pointer to one, or a reflect.Type.
func (c *MappingContext) ResolveValue(v any) (*EntityMetadata, error) {
	if t, ok := v.(reflect.Type); ok {
		return c.Resolve(t)
	}

	if v == nil {
		return nil, mappingErrorf("", "cannot resolve metadata of nil")
	}

	return c.Resolve(reflect.TypeOf(v))
}

// Resolve returns the metadata of t, building it on first use.
func (c *MappingContext) Resolve(t reflect.Type) (*EntityMetadata, error) {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	if md, ok := c.entities.Load(t); ok {
		return md.(*EntityMetadata), nil
	}

	md, err := buildEntityMetadata(t)
	if err != nil {
		return nil, err
	}

	actual, _ := c.entities.LoadOrStore(t, md)
	return actual.(*EntityMetadata), nil
}

func buildEntityMetadata(t reflect.Type) (*EntityMetadata, error) {
	if t.Kind() != reflect.Struct || simpleTypes[t] {
		return nil, mappingErrorf(t.String(), "only struct types can be mapped, got %s", t.Kind())
	}

	md := &EntityMetadata{
		Type:       t,
		collection: strings.ToLower(t.Name()),
		byField:    make(map[string]*PersistentProperty),
		byName:     make(map[string]*PersistentProperty),
	}

	var namedID *PersistentProperty
	if err := collectProperties(md, t, nil, &namedID); err != nil {
		return nil, err
	}

	if md.id == nil && namedID != nil {
		namedID.IsID = true
		namedID.FieldName = idField
		md.id = namedID
	}

	for _, p := range md.properties {
		if _, dup := md.byField[p.FieldName]; dup {
			return nil, mappingErrorf(t.String(), "duplicate document field %q", p.FieldName)
		}

		md.byField[p.FieldName] = p
		md.byName[strings.ToLower(p.Name)] = p
		if _, taken := md.byName[strings.ToLower(p.FieldName)]; !taken {
			md.byName[strings.ToLower(p.FieldName)] = p
		}

		// parsed here so a renamed identity is indexed as _id
		if p.indexTag != nil {
			def, err := parseIndexTag(p.FieldName, *p.indexTag)
			if err != nil {
				return nil, mappingErrorf(t.String(), "field %s: %s", p.Name, err.Error())
			}
			p.Index = def
			md.indexes = append(md.indexes, *def)
		}
	}

	if err := md.verify(); err != nil {
		return nil, err
	}

	return md, nil
}

func collectProperties(md *EntityMetadata, t reflect.Type, parent []int, namedID **PersistentProperty) error {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		index := append(append([]int{}, parent...), i)

		if field.Type == dbCollectionType {
			md.root = true
			if name := strings.TrimSpace(field.Tag.Get("name")); name != "" {
				md.collection = name
			}
			continue
		}

		if !field.IsExported() {
			continue
		}

		tag := parseBSONTag(field)
		if tag.skip {
			continue
		}

		if tag.inline {
			if !field.Anonymous || field.Type.Kind() != reflect.Struct {
				return mappingErrorf(t.String(), "inline field %s must be an embedded struct", field.Name)
			}
			if err := collectProperties(md, field.Type, index, namedID); err != nil {
				return err
			}
			continue
		}

		prop := newPersistentProperty(field, index, tag)
		if idxTag, ok := field.Tag.Lookup("index"); ok {
			prop.indexTag = &idxTag
		}

		if prop.FieldName == idField {
			if md.id != nil {
				return mappingErrorf(t.String(), "more than one identity property (%s, %s)", md.id.Name, prop.Name)
			}
			prop.IsID = true
			md.id = prop
		} else if *namedID == nil && (field.Name == "ID" || field.Name == "Id") {
			*namedID = prop
		}

		md.properties = append(md.properties, prop)
	}

	return nil
}

func newPersistentProperty(field reflect.StructField, index []int, tag fieldTag) *PersistentProperty {
	return &PersistentProperty{
		Name:      field.Name,
		FieldName: tag.name,
		Type:      field.Type,
		OmitEmpty: tag.omitEmpty,
		get: func(entity reflect.Value) reflect.Value {
			return entity.FieldByIndex(index)
		},
		set: func(entity reflect.Value, value reflect.Value) {
			entity.FieldByIndex(index).Set(value)
		},
	}
}
