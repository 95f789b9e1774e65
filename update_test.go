package docstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestUpdate_Document(t *testing.T) {
	u := NewUpdate().
		Set("lastname", "Matthews").
		Inc("age", 1).
		Set("address", Address{City: "Paris"}).
		Unset("email").
		Push("skills", "drums")

	doc, err := u.Document(NewConverter(nil))
	require.NoError(t, err)

	assert.Equal(t, bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "lastname", Value: "Matthews"},
			{Key: "address", Value: bson.D{
				{Key: "street", Value: ""},
				{Key: "zipCode", Value: ""},
				{Key: "city", Value: "Paris"},
			}},
		}},
		{Key: "$inc", Value: bson.D{{Key: "age", Value: int32(1)}}},
		{Key: "$unset", Value: bson.D{{Key: "email", Value: ""}}},
		{Key: "$push", Value: bson.D{{Key: "skills", Value: "drums"}}},
	}, doc)

	assert.True(t, NewUpdate().IsEmpty())
	assert.False(t, u.IsEmpty())
}

func TestApplyUpdate(t *testing.T) {
	doc := bson.D{
		{Key: "_id", Value: "p1"},
		{Key: "lastname", Value: "Matthews"},
		{Key: "age", Value: int32(41)},
		{Key: "email", Value: "dave@example.com"},
		{Key: "skills", Value: bson.A{"guitar", "vocals"}},
		{Key: "address", Value: bson.D{{Key: "city", Value: "Seattle"}}},
	}

	update := bson.D{
		{Key: "$set", Value: bson.D{{Key: "address.city", Value: "Charlottesville"}, {Key: "band", Value: "DMB"}}},
		{Key: "$inc", Value: bson.D{{Key: "age", Value: int32(1)}, {Key: "visits", Value: int32(2)}}},
		{Key: "$unset", Value: bson.D{{Key: "email", Value: ""}}},
		{Key: "$addToSet", Value: bson.D{{Key: "skills", Value: "guitar"}}},
		{Key: "$push", Value: bson.D{{Key: "tours", Value: "1994"}}},
		{Key: "$pull", Value: bson.D{{Key: "skills", Value: "vocals"}}},
	}

	out, err := applyUpdate(doc, update)
	require.NoError(t, err)

	assert.Equal(t, bson.D{
		{Key: "_id", Value: "p1"},
		{Key: "lastname", Value: "Matthews"},
		{Key: "age", Value: int32(42)},
		{Key: "skills", Value: bson.A{"guitar"}},
		{Key: "address", Value: bson.D{{Key: "city", Value: "Charlottesville"}}},
		{Key: "band", Value: "DMB"},
		{Key: "visits", Value: int32(2)},
		{Key: "tours", Value: bson.A{"1994"}},
	}, out)

	assert.Equal(t, "Seattle", doc[5].Value.(bson.D)[0].Value, "source document must not change")
}

func TestApplyUpdate_Errors(t *testing.T) {
	doc := bson.D{{Key: "_id", Value: "p1"}, {Key: "name", Value: "x"}}

	tests := []struct {
		name   string
		update bson.D
	}{
		{name: "identity", update: bson.D{{Key: "$set", Value: bson.D{{Key: "_id", Value: "p2"}}}}},
		{name: "unknown operator", update: bson.D{{Key: "$rename", Value: bson.D{{Key: "name", Value: "n"}}}}},
		{name: "increment string", update: bson.D{{Key: "$inc", Value: bson.D{{Key: "name", Value: int32(1)}}}}},
		{name: "push to scalar", update: bson.D{{Key: "$push", Value: bson.D{{Key: "name", Value: "y"}}}}},
		{name: "operator without document", update: bson.D{{Key: "$set", Value: "x"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := applyUpdate(doc, tt.update)
			assert.Error(t, err)
		})
	}
}

func TestIncPath(t *testing.T) {
	doc, err := incPath(bson.D{{Key: "n", Value: int32(1<<31 - 1)}}, "n", int32(1))
	require.NoError(t, err)
	assert.Equal(t, int64(1<<31), doc[0].Value)

	doc, err = incPath(bson.D{{Key: "n", Value: int32(1)}}, "n", 0.5)
	require.NoError(t, err)
	assert.Equal(t, 1.5, doc[0].Value)
}

func TestApplyProjection(t *testing.T) {
	doc := bson.D{
		{Key: "_id", Value: 1},
		{Key: "a", Value: "x"},
		{Key: "b", Value: bson.D{{Key: "c", Value: 1}}},
		{Key: "d", Value: true},
	}

	assert.Equal(t, doc, applyProjection(doc, nil))
	assert.Equal(t, bson.D{{Key: "_id", Value: 1}, {Key: "a", Value: "x"}}, applyProjection(doc, bson.D{{Key: "a", Value: int32(1)}}))
	assert.Equal(t, bson.D{{Key: "b", Value: bson.D{{Key: "c", Value: 1}}}}, applyProjection(doc, bson.D{{Key: "b.c", Value: true}, {Key: "_id", Value: 0}}))
	assert.Equal(t, bson.D{{Key: "_id", Value: 1}, {Key: "d", Value: true}}, applyProjection(doc, bson.D{{Key: "a", Value: 0}, {Key: "b", Value: false}}))
}

func TestValuesEqual(t *testing.T) {
	assert.True(t, valuesEqual("a", "a"))
	assert.True(t, valuesEqual(bson.D{{Key: "x", Value: int32(1)}}, bson.D{{Key: "x", Value: int32(1)}}))
	assert.False(t, valuesEqual(int32(1), int64(1)))
	assert.False(t, valuesEqual(bson.D{{Key: "x", Value: 1}, {Key: "y", Value: 2}}, bson.D{{Key: "y", Value: 2}, {Key: "x", Value: 1}}))
}
