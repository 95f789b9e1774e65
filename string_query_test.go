package docstore

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestBuildQuery(t *testing.T) {
	q, err := BuildQuery("{ 'lastname' : ?0 }", "", NewParameterAccessor("Matthews"))
	require.NoError(t, err)

	assert.Equal(t, bson.D{{Key: "lastname", Value: "Matthews"}}, q.Criteria)
	assert.Empty(t, q.Fields)
	assert.Equal(t, `query: {"lastname":"Matthews"}`, q.String())
}

func TestBuildQuery_ConvertedEntityArgument(t *testing.T) {
	c := NewConverter(nil)
	addr := Address{Street: "Broadway", ZipCode: "10001", City: "New York"}

	q, err := BuildQuery("{ 'address' : ?0 }", "", NewConvertingParameterAccessor(c, NewParameterAccessor(addr)))
	require.NoError(t, err)

	var want bson.D
	require.NoError(t, c.Write(addr, &want))
	assert.Equal(t, bson.D{{Key: "address", Value: want}}, q.Criteria)

	q, err = BuildQuery("{ 'address' : ?0 }", "", NewParameterAccessor(addr))
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "address", Value: want}}, q.Criteria)
}

func TestBuildQuery_Literals(t *testing.T) {
	oid := primitive.NewObjectID()
	when := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name  string
		value any
		want  any
	}{
		{name: "int", value: 42, want: int32(42)},
		{name: "int64", value: int64(1) << 40, want: int64(1) << 40},
		{name: "float", value: 2.5, want: 2.5},
		{name: "bool", value: true, want: true},
		{name: "object id", value: oid, want: oid},
		{name: "single quote", value: "It's", want: "It's"},
		{name: "backslash", value: `C:\new`, want: `C:\new`},
		{name: "escaped quote", value: `It\'s`, want: `It\'s`},
		{name: "control characters", value: "a\tb\nc", want: "a\tb\nc"},
		{name: "date", value: primitive.NewDateTimeFromTime(when), want: primitive.NewDateTimeFromTime(when)},
		{name: "array", value: bson.A{"a", "b"}, want: bson.A{"a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := BuildQuery("{ 'v' : ?0 }", "", NewParameterAccessor(tt.value))
			require.NoError(t, err)
			assert.Equal(t, tt.want, q.Criteria[0].Value)
		})
	}
}

func TestBuildQuery_ReusedPlaceholder(t *testing.T) {
	q, err := BuildQuery("{ '$or' : [ { 'firstname' : ?0 }, { 'lastname' : ?0 } ] }", "", NewParameterAccessor("Dave"))
	require.NoError(t, err)

	assert.Equal(t, bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "firstname", Value: "Dave"}},
		bson.D{{Key: "lastname", Value: "Dave"}},
	}}}, q.Criteria)
}

func TestBuildQuery_MultiDigitPlaceholders(t *testing.T) {
	args := make([]any, 11)
	for i := range args {
		args[i] = fmt.Sprintf("arg%d", i)
	}

	q, err := BuildQuery("{ 'a' : ?1, 'b' : ?10 }", "", NewParameterAccessor(args...))
	require.NoError(t, err)

	assert.Equal(t, bson.D{{Key: "a", Value: "arg1"}, {Key: "b", Value: "arg10"}}, q.Criteria)
}

func TestBuildQuery_Fields(t *testing.T) {
	q, err := BuildQuery("{ 'age' : { '$gt' : ?0 } }", "{ 'lastname' : ?1, '_id' : 0 }", NewParameterAccessor(18, 1))
	require.NoError(t, err)

	assert.Equal(t, bson.D{{Key: "age", Value: bson.D{{Key: "$gt", Value: int32(18)}}}}, q.Criteria)
	assert.Equal(t, bson.D{{Key: "lastname", Value: int32(1)}, {Key: "_id", Value: int32(0)}}, q.Fields)
}

func TestBuildQuery_SortAndPaging(t *testing.T) {
	q, err := BuildQuery("{ 'lastname' : ?0 }", "", NewParameterAccessor("Matthews", PageRequest(1, 20), SortBy("-age")))
	require.NoError(t, err)

	assert.Equal(t, bson.D{{Key: "age", Value: int32(-1)}}, q.Sort)
	assert.Equal(t, int64(20), q.Skip)
	assert.Equal(t, int64(20), q.Limit)
}

func TestBuildQuery_Errors(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		args   []any
		target error
	}{
		{name: "index beyond arguments", query: "{ 'a' : ?5 }", args: []any{"x", "y"}, target: ErrIndexOutOfRange},
		{name: "no arguments", query: "{ 'a' : ?0 }", target: ErrParameterBinding},
		{name: "null argument", query: "{ 'a' : ?0 }", args: []any{nil}, target: ErrParameterBinding},
		{name: "embedded double quote", query: "{ 'a' : ?0 }", args: []any{`O"Brien`}, target: ErrQuerySyntax},
		{name: "malformed template", query: "{ 'a' : ?0 ", args: []any{"x"}, target: ErrQuerySyntax},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildQuery(tt.query, "", NewParameterAccessor(tt.args...))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestBuildQuery_IndexErrorIsBindingError(t *testing.T) {
	_, err := BuildQuery("{ 'a' : ?5 }", "", NewParameterAccessor("x", "y"))

	var be *ParameterBindingError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 5, be.Index)
}

func TestNewStringQuery_ValidatesTemplate(t *testing.T) {
	_, err := NewStringQuery("{ 'lastname' : ?0 ", "", nil)
	assert.ErrorIs(t, err, ErrQuerySyntax)

	_, err = NewStringQuery("{ 'lastname' : ?0 }", "{ 'age' : ", nil)
	assert.ErrorIs(t, err, ErrQuerySyntax)

	sq, err := NewStringQuery("{ 'lastname' : ?0, 'age' : { '$gt' : ?12 } }", "", nil)
	require.NoError(t, err)

	_, err = sq.CreateQuery(NewParameterAccessor("Matthews"))
	assert.ErrorIs(t, err, ErrParameterBinding)
}

func TestReplacePlaceholders(t *testing.T) {
	literals := map[int]string{}
	out, err := replacePlaceholders("?0 ? ?x ?1?0", NewParameterAccessor("a", 2), literals)
	require.NoError(t, err)

	assert.Equal(t, `"a" ? ?x 2"a"`, out)
	assert.Len(t, literals, 2)
}

func TestStubPlaceholders(t *testing.T) {
	assert.Equal(t, "{ 'a' : null, 'b' : [null, null] }", stubPlaceholders("{ 'a' : ?0, 'b' : [?1, ?23] }"))
}

func TestProperty_StringQueryBindsArguments(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("bound strings come back unchanged", prop.ForAll(
		func(lastname string, age int32) bool {
			q, err := BuildQuery("{ 'lastname' : ?0, 'age' : { '$gte' : ?1 } }", "", NewParameterAccessor(lastname, age))
			if err != nil {
				t.Logf("build failed: %v", err)
				return false
			}

			want := bson.D{
				{Key: "lastname", Value: lastname},
				{Key: "age", Value: bson.D{{Key: "$gte", Value: age}}},
			}
			return assert.ObjectsAreEqual(want, q.Criteria)
		},
		gen.AnyString().SuchThat(func(s string) bool { return !strings.ContainsRune(s, '"') }),
		gen.Int32(),
	))

	properties.Property("a placeholder is bound once per index", prop.ForAll(
		func(n int) bool {
			args := make([]any, n+1)
			for i := range args {
				args[i] = int32(i)
			}

			q, err := BuildQuery(fmt.Sprintf("{ 'a' : ?%d, 'b' : ?%d }", n, n), "", NewParameterAccessor(args...))
			if err != nil {
				return false
			}
			return q.Criteria[0].Value == int32(n) && q.Criteria[1].Value == int32(n)
		},
		gen.IntRange(0, 30),
	))

	properties.TestingRun(t)
}
