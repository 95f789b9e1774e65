package docstore

import (
	"fmt"
	"strings"

	"github.com/lib/pq"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// pgFilter translates criteria documents into a SQL condition over a
// (id TEXT, doc JSONB) table. Placeholders are written as ? and rebound by
// the caller.
type pgFilter struct {
	args []any
}

func translateCriteria(criteria bson.D) (string, []any, error) {
	f := &pgFilter{}
	where, err := f.document(criteria)
	if err != nil {
		return "", nil, err
	}
	return where, f.args, nil
}

func (f *pgFilter) document(doc bson.D) (string, error) {
	if len(doc) == 0 {
		return "TRUE", nil
	}

	clauses := make([]string, 0, len(doc))
	for _, e := range doc {
		var clause string
		var err error
		switch {
		case e.Key == "$and" || e.Key == "$or" || e.Key == "$nor":
			clause, err = f.logical(e.Key, e.Value)
		case strings.HasPrefix(e.Key, "$"):
			err = fmt.Errorf("unsupported operator %s", e.Key)
		default:
			clause, err = f.field(e.Key, e.Value)
		}
		if err != nil {
			return "", err
		}
		clauses = append(clauses, clause)
	}

	return strings.Join(clauses, " AND "), nil
}

func (f *pgFilter) logical(op string, v any) (string, error) {
	arr, ok := toArray(v)
	if !ok || len(arr) == 0 {
		return "", fmt.Errorf("%s expects a non-empty array", op)
	}

	parts := make([]string, 0, len(arr))
	for _, item := range arr {
		doc, ok := toDocument(item)
		if !ok {
			return "", fmt.Errorf("%s expects an array of documents", op)
		}
		sub, err := f.document(doc)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+sub+")")
	}

	switch op {
	case "$and":
		return "(" + strings.Join(parts, " AND ") + ")", nil
	case "$nor":
		return "NOT (" + strings.Join(parts, " OR ") + ")", nil
	}
	return "(" + strings.Join(parts, " OR ") + ")", nil
}

func (f *pgFilter) field(path string, v any) (string, error) {
	if r, ok := v.(primitive.Regex); ok {
		return f.regex(path, r.Pattern, r.Options), nil
	}

	ops, ok := v.(bson.D)
	if !ok || len(ops) == 0 || !strings.HasPrefix(ops[0].Key, "$") {
		return f.equals(path, v)
	}

	options := ""
	for _, op := range ops {
		if op.Key == "$options" {
			options, _ = op.Value.(string)
		}
	}

	clauses := make([]string, 0, len(ops))
	for _, op := range ops {
		var clause string
		var err error
		switch op.Key {
		case "$eq":
			clause, err = f.equals(path, op.Value)
		case "$ne":
			clause, err = f.equals(path, op.Value)
			clause = "NOT (" + clause + ")"
		case "$gt":
			clause, err = f.compare(path, ">", op.Value)
		case "$gte":
			clause, err = f.compare(path, ">=", op.Value)
		case "$lt":
			clause, err = f.compare(path, "<", op.Value)
		case "$lte":
			clause, err = f.compare(path, "<=", op.Value)
		case "$in":
			clause, err = f.in(path, op.Value)
		case "$nin":
			clause, err = f.in(path, op.Value)
			clause = "NOT (" + clause + ")"
		case "$exists":
			clause = f.exists(path, truthy(op.Value))
		case "$regex":
			switch r := op.Value.(type) {
			case string:
				clause = f.regex(path, r, options)
			case primitive.Regex:
				clause = f.regex(path, r.Pattern, r.Options+options)
			default:
				err = fmt.Errorf("$regex expects a string")
			}
		case "$options":
			continue
		case "$not":
			clause, err = f.field(path, op.Value)
			clause = "NOT (" + clause + ")"
		default:
			err = fmt.Errorf("unsupported operator %s", op.Key)
		}
		if err != nil {
			return "", err
		}
		clauses = append(clauses, clause)
	}

	return strings.Join(clauses, " AND "), nil
}

// equals matches like the server does for scalars: a field equal to the
// value, or an array holding it. Documents match by containment.
func (f *pgFilter) equals(path string, v any) (string, error) {
	if v == nil {
		p1, p2 := f.path(path), f.path(path)
		return fmt.Sprintf("(doc #> %s IS NULL OR doc #> %s = 'null'::jsonb)", p1, p2), nil
	}

	if path == idField && isScalarID(v) {
		id, err := pgID(v)
		if err != nil {
			return "", err
		}
		f.args = append(f.args, id)
		return "id = ?", nil
	}

	val, err := f.value(v)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("doc #> %s @> %s", f.path(path), val), nil
}

func (f *pgFilter) compare(path, op string, v any) (string, error) {
	p1 := f.path(path)
	v1, err := f.value(v)
	if err != nil {
		return "", err
	}
	p2 := f.path(path)
	v2, _ := f.value(v)

	return fmt.Sprintf("(jsonb_typeof(doc #> %s) = jsonb_typeof(%s) AND doc #> %s %s %s)", p1, v1, p2, op, v2), nil
}

func (f *pgFilter) in(path string, v any) (string, error) {
	arr, ok := toArray(v)
	if !ok {
		return "", fmt.Errorf("$in expects an array")
	}
	if len(arr) == 0 {
		return "FALSE", nil
	}

	parts := make([]string, 0, len(arr))
	for _, item := range arr {
		clause, err := f.equals(path, item)
		if err != nil {
			return "", err
		}
		parts = append(parts, clause)
	}

	return "(" + strings.Join(parts, " OR ") + ")", nil
}

func (f *pgFilter) exists(path string, exists bool) string {
	if exists {
		return fmt.Sprintf("doc #> %s IS NOT NULL", f.path(path))
	}
	return fmt.Sprintf("doc #> %s IS NULL", f.path(path))
}

func (f *pgFilter) regex(path, pattern, options string) string {
	op := "~"
	if strings.Contains(options, "i") {
		op = "~*"
	}

	p := f.path(path)
	f.args = append(f.args, pattern)
	return fmt.Sprintf("doc #>> %s %s ?", p, op)
}

func (f *pgFilter) path(path string) string {
	f.args = append(f.args, pq.Array(strings.Split(path, ".")))
	return "?::text[]"
}

func (f *pgFilter) value(v any) (string, error) {
	s, err := jsonValue(v)
	if err != nil {
		return "", err
	}
	f.args = append(f.args, s)
	return "?::jsonb", nil
}

// orderClause renders a sort document as an ORDER BY list.
func orderClause(sort bson.D) (string, []any) {
	if len(sort) == 0 {
		return "", nil
	}

	var args []any
	srt := make([]string, 0, len(sort))
	for _, s := range sort {
		op := "ASC"
		if n, err := toInt64(s.Value); err == nil && n < 0 {
			op = "DESC"
		}
		args = append(args, pq.Array(strings.Split(s.Key, ".")))
		srt = append(srt, fmt.Sprintf("doc #> ?::text[] %s", op))
	}

	return strings.Join(srt, ","), args
}

// jsonValue renders a single value as relaxed extended JSON, the format
// documents are stored in.
func jsonValue(v any) (string, error) {
	b, err := bson.MarshalExtJSON(bson.D{{Key: "v", Value: v}}, false, false)
	if err != nil {
		return "", err
	}

	s := string(b)
	return s[len(`{"v":`) : len(s)-1], nil
}

func isScalarID(v any) bool {
	switch v.(type) {
	case primitive.ObjectID, string, int32, int64:
		return true
	}
	return false
}

// pgID renders an identity value as the text key of its row.
func pgID(v any) (string, error) {
	switch id := v.(type) {
	case primitive.ObjectID:
		return id.Hex(), nil
	case string:
		return id, nil
	case int32, int64:
		return fmt.Sprintf("%d", id), nil
	}

	return jsonValue(v)
}
