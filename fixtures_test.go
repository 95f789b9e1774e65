package docstore

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type Address struct {
	Street  string
	ZipCode string
	City    string
}

type Person struct {
	DBCollection
	ID        primitive.ObjectID `bson:"_id"`
	Firstname string
	Lastname  string `index:"asc"`
	Email     string `bson:"email,omitempty" index:"asc,unique"`
	Age       int
	Active    bool
	Address   *Address
	Skills    []string
	CreatedAt time.Time
	Secret    string `bson:"-"`
}

type Book struct {
	DBCollection `name:"library"`
	ID           string `bson:"_id"`
	Title        string
	Author       string `index:"desc"`
	Tags         []string
	Pages        int
}

type Shop struct {
	DBCollection
	Id       int64
	Name     string
	Location []float64 `index:"2d,name=shop_location"`
	Meta     map[string]string
}

type Audit struct {
	CreatedBy string
	Version   int
}

type Invoice struct {
	DBCollection
	ID     string `bson:"_id"`
	Audit  `bson:",inline"`
	Amount float64
}

type Orphan struct {
	DBCollection
	Name string
}

type Twins struct {
	DBCollection
	A string `bson:"_id"`
	B string `bson:"_id"`
}

type Ticket struct {
	DBCollection
	Id    string `index:"desc"`
	Title string
}
