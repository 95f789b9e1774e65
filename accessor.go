package docstore

import (
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

type Direction int

const (
	Asc  Direction = 1
	Desc Direction = -1
)

// Order sorts by a single property.
type Order struct {
	Property  string
	Direction Direction
}

// Sort is an ordered list of sort orders. When passed as a query method
// argument it is applied to the query and never bound to a placeholder.
type Sort []Order

// SortBy builds a Sort from field names prefixed by "-" for descending and
// optionally "+" for ascending order, e.g. SortBy("-age", "+lastname").
func SortBy(sorter ...string) Sort {
	var s Sort
	for _, f := range sorter {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}

		dir := Asc
		switch f[:1] {
		case "-":
			dir = Desc
			f = f[1:]
		case "+":
			f = f[1:]
		}

		s = append(s, Order{Property: f, Direction: dir})
	}

	return s
}

func (s Sort) Document() bson.D {
	if len(s) == 0 {
		return nil
	}

	doc := make(bson.D, 0, len(s))
	for _, o := range s {
		doc = append(doc, bson.E{Key: o.Property, Value: int32(o.Direction)})
	}

	return doc
}

// Pageable requests one page of results. Like Sort it is consumed by the
// query execution and never bound to a placeholder.
type Pageable struct {
	Page int
	Size int
	Sort Sort
}

func PageRequest(page, size int, sort ...Order) Pageable {
	return Pageable{Page: page, Size: size, Sort: sort}
}

func (p Pageable) Offset() int64 {
	return int64(p.Page) * int64(p.Size)
}

// ParameterAccessor exposes the arguments of one query method invocation.
type ParameterAccessor interface {
	BindableValue(index int) (any, error)
	BindableCount() int
	Pageable() *Pageable
	Sort() Sort
}

// SimpleParameterAccessor wraps the raw arguments of a single invocation.
type SimpleParameterAccessor struct {
	values   []any
	pageable *Pageable
	sort     Sort
}

// NewParameterAccessor classifies args in declaration order. Pageable and
// Sort arguments are set aside; every other argument is bindable.
func NewParameterAccessor(args ...any) *SimpleParameterAccessor {
	a := &SimpleParameterAccessor{}
	for _, arg := range args {
		switch v := arg.(type) {
		case Pageable:
			p := v
			a.pageable = &p
		case *Pageable:
			a.pageable = v
		case Sort:
			a.sort = v
		default:
			a.values = append(a.values, arg)
		}
	}

	return a
}

func (a *SimpleParameterAccessor) BindableValue(index int) (any, error) {
	if index < 0 || index >= len(a.values) {
		return nil, &IndexError{Index: index, Count: len(a.values)}
	}

	return a.values[index], nil
}

func (a *SimpleParameterAccessor) BindableCount() int {
	return len(a.values)
}

func (a *SimpleParameterAccessor) Pageable() *Pageable {
	return a.pageable
}

// Sort returns the explicit Sort argument, falling back to the sort of the
// Pageable argument.
func (a *SimpleParameterAccessor) Sort() Sort {
	if len(a.sort) == 0 && a.pageable != nil {
		return a.pageable.Sort
	}

	return a.sort
}

// ConvertingParameterAccessor converts every bindable value into its
// document form before handing it out.
type ConvertingParameterAccessor struct {
	delegate  ParameterAccessor
	converter *Converter
}

func NewConvertingParameterAccessor(converter *Converter, delegate ParameterAccessor) *ConvertingParameterAccessor {
	return &ConvertingParameterAccessor{delegate: delegate, converter: converter}
}

func (a *ConvertingParameterAccessor) BindableValue(index int) (any, error) {
	v, err := a.delegate.BindableValue(index)
	if err != nil {
		return nil, err
	}

	return a.converter.ConvertToMongoType(v)
}

func (a *ConvertingParameterAccessor) BindableCount() int {
	return a.delegate.BindableCount()
}

func (a *ConvertingParameterAccessor) Pageable() *Pageable {
	return a.delegate.Pageable()
}

func (a *ConvertingParameterAccessor) Sort() Sort {
	return a.delegate.Sort()
}
