package docstore

import (
	"errors"
	"fmt"
)

var (
	ErrKeyAlreadyExists = errors.New("key already exists")
	ErrKeyNotFound      = errors.New("key not found")
	ErrUnknownMethod    = errors.New("unknown query method")

	ErrMapping          = errors.New("mapping error")
	ErrConversion       = errors.New("conversion error")
	ErrQuerySyntax      = errors.New("query syntax error")
	ErrParameterBinding = errors.New("parameter binding error")
	ErrIndexOutOfRange  = errors.New("parameter index out of range")
	ErrStore            = errors.New("store error")
)

// MappingError reports an entity shape that cannot be mapped.
type MappingError struct {
	Type    string
	Message string
}

func (e *MappingError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("mapping: %s", e.Message)
	}
	return fmt.Sprintf("mapping %s: %s", e.Type, e.Message)
}

func (e *MappingError) Is(target error) bool {
	return target == ErrMapping
}

// ConversionError reports a value that could not be coerced between its
// document and Go representation.
type ConversionError struct {
	Field string
	From  string
	To    string
	Err   error
}

func (e *ConversionError) Error() string {
	msg := fmt.Sprintf("cannot convert %s to %s", e.From, e.To)
	if e.Field != "" {
		msg = fmt.Sprintf("field %q: %s", e.Field, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	return msg
}

func (e *ConversionError) Is(target error) bool {
	return target == ErrConversion
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// QuerySyntaxError carries the substituted query text that failed to parse.
type QuerySyntaxError struct {
	Query string
	Err   error
}

func (e *QuerySyntaxError) Error() string {
	return fmt.Sprintf("invalid query %s: %v", e.Query, e.Err)
}

func (e *QuerySyntaxError) Is(target error) bool {
	return target == ErrQuerySyntax
}

func (e *QuerySyntaxError) Unwrap() error {
	return e.Err
}

// ParameterBindingError reports a placeholder that has no usable argument.
type ParameterBindingError struct {
	Index   int
	Message string
	Err     error
}

func (e *ParameterBindingError) Error() string {
	msg := fmt.Sprintf("cannot bind parameter %d: %s", e.Index, e.Message)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	return msg
}

func (e *ParameterBindingError) Is(target error) bool {
	return target == ErrParameterBinding
}

func (e *ParameterBindingError) Unwrap() error {
	return e.Err
}

type IndexError struct {
	Index int
	Count int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("index %d out of range, %d bindable parameters", e.Index, e.Count)
}

func (e *IndexError) Is(target error) bool {
	return target == ErrIndexOutOfRange
}

// StoreError wraps a failure reported by the underlying driver.
type StoreError struct {
	Op         string
	Collection string
	Err        error
}

func (e *StoreError) Error() string {
	if e.Collection == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *StoreError) Is(target error) bool {
	return target == ErrStore
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func wrapStoreError(op, collection string, err error) error {
	if err == nil {
		return nil
	}

	var se *StoreError
	if errors.As(err, &se) {
		return err
	}

	return &StoreError{Op: op, Collection: collection, Err: err}
}

func mappingErrorf(typ string, format string, args ...any) error {
	return &MappingError{Type: typ, Message: fmt.Sprintf(format, args...)}
}
