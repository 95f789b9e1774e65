package docstore

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iancoleman/strcase"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// DBCollection marks a struct as a root document stored in its own
// collection. The optional name tag overrides the collection name:
//
//	type Person struct {
//		docstore.DBCollection `name:"people"`
//		ID        primitive.ObjectID `bson:"_id"`
//		Lastname  string
//	}
type DBCollection struct{}

const idField = "_id"

var (
	dbCollectionType = reflect.TypeOf(DBCollection{})
	timeType         = reflect.TypeOf(time.Time{})
	objectIDType     = reflect.TypeOf(primitive.ObjectID{})
	dateTimeType     = reflect.TypeOf(primitive.DateTime(0))
	uuidType         = reflect.TypeOf(uuid.UUID{})
	documentType     = reflect.TypeOf(bson.D{})
	arrayType        = reflect.TypeOf(bson.A{})
	emptyIfaceType   = reflect.TypeOf((*any)(nil)).Elem()
)

// simpleTypes are stored as-is and never treated as embedded entities.
var simpleTypes = map[reflect.Type]bool{
	timeType:                               true,
	objectIDType:                           true,
	dateTimeType:                           true,
	uuidType:                               true,
	reflect.TypeOf(primitive.Decimal128{}): true,
	reflect.TypeOf(primitive.Binary{}):     true,
	reflect.TypeOf(primitive.Regex{}):      true,
	reflect.TypeOf(primitive.Timestamp{}):  true,
	reflect.TypeOf(bson.E{}):               true,
	reflect.TypeOf(bson.Raw{}):             true,
	reflect.TypeOf(bson.RawValue{}):        true,
}

func isEntityType(t reflect.Type) bool {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Kind() == reflect.Struct && !simpleTypes[t]
}

type fieldTag struct {
	name      string
	skip      bool
	omitEmpty bool
	inline    bool
}

func parseBSONTag(field reflect.StructField) fieldTag {
	value, ok := field.Tag.Lookup("bson")
	if !ok {
		return fieldTag{name: strcase.ToLowerCamel(field.Name)}
	}

	if value == "-" {
		return fieldTag{skip: true}
	}

	tagArr := strings.Split(value, ",")
	tag := fieldTag{name: strings.TrimSpace(tagArr[0])}
	for _, opt := range tagArr[1:] {
		switch strings.TrimSpace(opt) {
		case "omitempty":
			tag.omitEmpty = true
		case "inline":
			tag.inline = true
		}
	}

	if tag.name == "" {
		tag.name = strcase.ToLowerCamel(field.Name)
	}

	return tag
}

// IndexDefinition describes an index on a collection.
type IndexDefinition struct {
	Name   string
	Keys   bson.D
	Unique bool
}

var indexKinds = map[string]any{
	"asc":      1,
	"desc":     -1,
	"2d":       "2d",
	"2dsphere": "2dsphere",
	"text":     "text",
	"hashed":   "hashed",
}

// parseIndexTag reads an `index` tag of the form "kind[,unique][ name=x]".
// The default index name follows the server convention, e.g. location_2d.
func parseIndexTag(field, value string) (*IndexDefinition, error) {
	tagArr := strings.Split(value, ",")
	kind := strings.ToLower(strings.TrimSpace(tagArr[0]))
	if kind == "" {
		kind = "asc"
	}

	keyVal, ok := indexKinds[kind]
	if !ok {
		return nil, fmt.Errorf("unknown index kind %q", kind)
	}

	def := &IndexDefinition{
		Name: fmt.Sprintf("%s_%v", field, keyVal),
		Keys: bson.D{{Key: field, Value: keyVal}},
	}

	for _, part := range tagArr[1:] {
		for _, v := range strings.Split(part, " ") {
			varr := strings.Split(v, "=")
			key := strings.TrimSpace(varr[0])
			switch {
			case strings.EqualFold(key, "unique"):
				def.Unique = len(varr) == 1 || strings.EqualFold(strings.TrimSpace(varr[1]), "true")
			case strings.EqualFold(key, "name") && len(varr) > 1:
				def.Name = strings.TrimSpace(varr[1])
			}
		}
	}

	return def, nil
}
