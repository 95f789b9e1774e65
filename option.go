package docstore

type RepositoryOption func(o *option)

type option struct {
	initValues    any
	name          string
	methods       []QueryMethod
	ensureIndexes bool
}

// InitWith inserts values, a slice of the entity type, when the repository
// is created. Values whose identity already exists are skipped.
func InitWith(values any) RepositoryOption {
	return func(o *option) {
		o.initValues = values
	}
}

// WithName overrides the collection name.
func WithName(name string) RepositoryOption {
	return func(o *option) {
		o.name = name
	}
}

// WithQueryMethods registers query methods. They are validated when the
// repository is created.
func WithQueryMethods(methods ...QueryMethod) RepositoryOption {
	return func(o *option) {
		o.methods = append(o.methods, methods...)
	}
}

// WithIndexes creates the indexes declared on the entity type when the
// repository is created.
func WithIndexes() RepositoryOption {
	return func(o *option) {
		o.ensureIndexes = true
	}
}

type QueryOption func(o *queryOption)

type queryOption struct {
	Tx     Transaction
	Limit  int64
	Offset int64
	Sorter []string
}

func WithTransaction(tx Transaction) QueryOption {
	return func(o *queryOption) {
		o.Tx = tx
	}
}

func WithLimit(limit int64) QueryOption {
	return func(o *queryOption) {
		o.Limit = limit
	}
}

func WithOffset(offset int64) QueryOption {
	return func(o *queryOption) {
		o.Offset = offset
	}
}

// WithSorter sorts by fields prefixed with "-" for descending or "+" for
// ascending order.
func WithSorter(sorter ...string) QueryOption {
	return func(o *queryOption) {
		o.Sorter = append(o.Sorter, sorter...)
	}
}

func makeQueryOption(options []QueryOption) *queryOption {
	opt := &queryOption{}
	for _, op := range options {
		op(opt)
	}
	return opt
}
