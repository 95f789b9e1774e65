package docstore

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// StringQuery creates queries from a template such as
// "{ 'lastname' : ?0 }" where ?N refers to the N-th bindable argument.
type StringQuery struct {
	query  string
	fields string
	logger Logger
}

// NewStringQuery checks that both templates parse once their placeholders
// are bound and returns the query.
func NewStringQuery(query, fields string, log Logger) (*StringQuery, error) {
	if log == nil {
		log = NopLogger()
	}

	for _, tpl := range []string{query, fields} {
		if tpl == "" {
			continue
		}
		if _, err := parseDocument(stubPlaceholders(tpl)); err != nil {
			return nil, err
		}
	}

	return &StringQuery{query: query, fields: fields, logger: log}, nil
}

// BuildQuery binds accessor into the template and the optional field
// template and parses the result. Values are converted with a default
// Converter unless accessor already converts them.
func BuildQuery(query, fields string, accessor ParameterAccessor) (*Query, error) {
	if _, ok := accessor.(*ConvertingParameterAccessor); !ok {
		accessor = NewConvertingParameterAccessor(NewConverter(nil), accessor)
	}

	sq := &StringQuery{query: query, fields: fields, logger: NopLogger()}
	return sq.CreateQuery(accessor)
}

func (s *StringQuery) CreateQuery(accessor ParameterAccessor) (*Query, error) {
	literals := make(map[int]string)

	queryString, err := replacePlaceholders(s.query, accessor, literals)
	if err != nil {
		return nil, err
	}

	fieldString := ""
	if s.fields != "" {
		if fieldString, err = replacePlaceholders(s.fields, accessor, literals); err != nil {
			return nil, err
		}
	}

	q, err := ParseQuery(queryString, fieldString)
	if err != nil {
		return nil, err
	}

	q.With(accessor)
	s.logger.Debug("created query", "query", q.String())
	return q, nil
}

// replacePlaceholders substitutes every ?N token in one pass. N is the
// maximal digit run after the marker so ?1 never matches inside ?10, and
// each index is literalized once per invocation.
func replacePlaceholders(input string, accessor ParameterAccessor, literals map[int]string) (string, error) {
	var b strings.Builder
	b.Grow(len(input))

	for i := 0; i < len(input); {
		if input[i] != '?' || i+1 >= len(input) || !isDigit(input[i+1]) {
			b.WriteByte(input[i])
			i++
			continue
		}

		j := i + 1
		for j < len(input) && isDigit(input[j]) {
			j++
		}

		index, err := strconv.Atoi(input[i+1 : j])
		if err != nil {
			return "", &ParameterBindingError{Index: -1, Message: fmt.Sprintf("invalid placeholder %s", input[i:j]), Err: err}
		}

		lit, ok := literals[index]
		if !ok {
			if lit, err = parameterLiteral(accessor, index); err != nil {
				return "", err
			}
			literals[index] = lit
		}

		b.WriteString(lit)
		i = j
	}

	return b.String(), nil
}

func parameterLiteral(accessor ParameterAccessor, index int) (string, error) {
	value, err := accessor.BindableValue(index)
	if err != nil {
		return "", &ParameterBindingError{Index: index, Message: "no bindable parameter", Err: err}
	}

	if value == nil {
		return "", &ParameterBindingError{Index: index, Message: "null value cannot be used as a query literal"}
	}

	return literalize(value)
}

// literalize renders a bound value in the query language. Strings and
// enums are quoted as-is, object ids use the $oid form and everything else
// uses its extended JSON representation.
func literalize(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return quoteString(v), nil
	case primitive.ObjectID:
		return fmt.Sprintf("{ '$oid' : '%s' }", v.Hex()), nil
	case bool:
		return strconv.FormatBool(v), nil
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.String:
		return quoteString(rv.String()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10), nil
	}

	t, data, err := bson.MarshalValue(value)
	if err != nil {
		return "", &ConversionError{From: typeName(value), To: "query literal", Err: err}
	}

	return bson.RawValue{Type: t, Value: data}.String(), nil
}

// quoteString wraps s in double quotes, escaping backslashes and control
// characters so the parsed literal equals s. A double quote inside s is kept
// and ends the literal.
func quoteString(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\':
			b.WriteString(`\\`)
		case c < 0x20:
			fmt.Fprintf(&b, `\u%04x`, c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')

	return b.String()
}

// stubPlaceholders replaces every placeholder by null so a template can be
// syntax checked without arguments.
func stubPlaceholders(input string) string {
	var b strings.Builder
	for i := 0; i < len(input); {
		if input[i] == '?' && i+1 < len(input) && isDigit(input[i+1]) {
			j := i + 1
			for j < len(input) && isDigit(input[j]) {
				j++
			}
			b.WriteString("null")
			i = j
			continue
		}
		b.WriteByte(input[i])
		i++
	}

	return b.String()
}
