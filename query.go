package docstore

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// Query is an executable criteria document with optional projection,
// ordering and paging.
type Query struct {
	Criteria bson.D
	Fields   bson.D
	Sort     bson.D
	Skip     int64
	Limit    int64
}

func NewQuery(criteria bson.D) *Query {
	if criteria == nil {
		criteria = bson.D{}
	}
	return &Query{Criteria: criteria}
}

// ParseQuery parses a query and an optional field projection written in the
// shell syntax, e.g. ParseQuery("{ 'lastname' : 'Matthews' }", "{ 'age' : 1 }").
func ParseQuery(criteria, fields string) (*Query, error) {
	doc, err := parseDocument(criteria)
	if err != nil {
		return nil, err
	}

	q := NewQuery(doc)
	if fields != "" {
		if q.Fields, err = parseDocument(fields); err != nil {
			return nil, err
		}
	}

	return q, nil
}

// With applies the sort and paging requested by the invocation arguments.
func (q *Query) With(accessor ParameterAccessor) *Query {
	if s := accessor.Sort(); len(s) > 0 {
		q.Sort = s.Document()
	}

	if p := accessor.Pageable(); p != nil && p.Size > 0 {
		q.Skip = p.Offset()
		q.Limit = int64(p.Size)
	}

	return q
}

func (q *Query) String() string {
	s := fmt.Sprintf("query: %s", extJSON(q.Criteria))
	if len(q.Fields) > 0 {
		s += fmt.Sprintf(", fields: %s", extJSON(q.Fields))
	}
	if len(q.Sort) > 0 {
		s += fmt.Sprintf(", sort: %s", extJSON(q.Sort))
	}
	if q.Skip > 0 || q.Limit > 0 {
		s += fmt.Sprintf(", skip: %d, limit: %d", q.Skip, q.Limit)
	}
	return s
}

func parseDocument(text string) (bson.D, error) {
	normalized, err := normalizeRelaxedJSON(text)
	if err != nil {
		return nil, &QuerySyntaxError{Query: text, Err: err}
	}

	var doc bson.D
	if err := bson.UnmarshalExtJSON([]byte(normalized), false, &doc); err != nil {
		return nil, &QuerySyntaxError{Query: text, Err: err}
	}

	if doc == nil {
		doc = bson.D{}
	}

	return doc, nil
}

func extJSON(doc bson.D) string {
	if doc == nil {
		return "{}"
	}

	b, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return fmt.Sprintf("%v", doc)
	}
	return string(b)
}

// ParseValue parses a single value written in the shell syntax, e.g. 42,
// 'Matthews' or { '$oid' : '5f...' }.
func ParseValue(text string) (any, error) {
	doc, err := parseDocument("{ 'v' : " + text + " }")
	if err != nil {
		return nil, err
	}

	return doc[0].Value, nil
}
