package docstore

import (
	"fmt"
	"strings"
)

// QueryMethod declares a repository query. A method with Query set runs
// that template, otherwise the query is derived from Name:
//
//	QueryMethod{Name: "findByLastname", Query: "{ 'lastname' : ?0 }"}
//	QueryMethod{Name: "findByAgeGreaterThanOrderByLastname"}
type QueryMethod struct {
	Name   string
	Query  string
	Fields string
}

// RepositoryQuery builds the query of one method invocation.
type RepositoryQuery interface {
	CreateQuery(accessor ParameterAccessor) (*Query, error)
}

type preparedQuery struct {
	method QueryMethod
	query  RepositoryQuery
	kind   QueryKind
}

// prepareQuery validates method once so that invocations only bind
// arguments.
func prepareQuery(method QueryMethod, md *EntityMetadata, mapping *MappingContext, log Logger) (*preparedQuery, error) {
	if strings.TrimSpace(method.Name) == "" {
		return nil, fmt.Errorf("%w: query method without a name", ErrUnknownMethod)
	}

	log = log.With("method", method.Name, "entity", md.Type.String())

	if method.Query != "" {
		sq, err := NewStringQuery(method.Query, method.Fields, log)
		if err != nil {
			return nil, fmt.Errorf("query method %s: %w", method.Name, err)
		}

		kind := QueryFind
		if tree, err := ParsePartTree(method.Name); err == nil {
			kind = tree.Kind
		}

		return &preparedQuery{method: method, query: sq, kind: kind}, nil
	}

	dq, err := NewDerivedQuery(method.Name, md, mapping, log)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrUnknownMethod, method.Name, err)
	}

	return &preparedQuery{method: method, query: dq, kind: dq.Kind()}, nil
}
