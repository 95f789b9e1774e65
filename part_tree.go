package docstore

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// QueryKind is what a query method does with the matching documents.
type QueryKind int

const (
	QueryFind QueryKind = iota
	QueryCount
	QueryExists
	QueryDelete
)

func (k QueryKind) String() string {
	switch k {
	case QueryCount:
		return "count"
	case QueryExists:
		return "exists"
	case QueryDelete:
		return "delete"
	}
	return "find"
}

// PartType is the comparison a method name part applies to its property.
type PartType struct {
	Name string
	Args int
}

var (
	PartSimple           = PartType{"Simple", 1}
	PartNot              = PartType{"Not", 1}
	PartBetween          = PartType{"Between", 2}
	PartGreaterThan      = PartType{"GreaterThan", 1}
	PartGreaterThanEqual = PartType{"GreaterThanEqual", 1}
	PartLessThan         = PartType{"LessThan", 1}
	PartLessThanEqual    = PartType{"LessThanEqual", 1}
	PartAfter            = PartType{"After", 1}
	PartBefore           = PartType{"Before", 1}
	PartIsNull           = PartType{"IsNull", 0}
	PartIsNotNull        = PartType{"IsNotNull", 0}
	PartLike             = PartType{"Like", 1}
	PartNotLike          = PartType{"NotLike", 1}
	PartStartingWith     = PartType{"StartingWith", 1}
	PartEndingWith       = PartType{"EndingWith", 1}
	PartContaining       = PartType{"Containing", 1}
	PartRegex            = PartType{"Regex", 1}
	PartIn               = PartType{"In", 1}
	PartNotIn            = PartType{"NotIn", 1}
	PartExists           = PartType{"Exists", 1}
	PartTrue             = PartType{"True", 0}
	PartFalse            = PartType{"False", 0}
)

var partKeywords = map[string]PartType{
	"Is":                 PartSimple,
	"Equals":             PartSimple,
	"Not":                PartNot,
	"IsNot":              PartNot,
	"Between":            PartBetween,
	"IsBetween":          PartBetween,
	"GreaterThan":        PartGreaterThan,
	"IsGreaterThan":      PartGreaterThan,
	"GreaterThanEqual":   PartGreaterThanEqual,
	"IsGreaterThanEqual": PartGreaterThanEqual,
	"LessThan":           PartLessThan,
	"IsLessThan":         PartLessThan,
	"LessThanEqual":      PartLessThanEqual,
	"IsLessThanEqual":    PartLessThanEqual,
	"After":              PartAfter,
	"IsAfter":            PartAfter,
	"Before":             PartBefore,
	"IsBefore":           PartBefore,
	"Null":               PartIsNull,
	"IsNull":             PartIsNull,
	"NotNull":            PartIsNotNull,
	"IsNotNull":          PartIsNotNull,
	"Like":               PartLike,
	"IsLike":             PartLike,
	"NotLike":            PartNotLike,
	"IsNotLike":          PartNotLike,
	"StartingWith":       PartStartingWith,
	"IsStartingWith":     PartStartingWith,
	"StartsWith":         PartStartingWith,
	"EndingWith":         PartEndingWith,
	"IsEndingWith":       PartEndingWith,
	"EndsWith":           PartEndingWith,
	"Containing":         PartContaining,
	"IsContaining":       PartContaining,
	"Contains":           PartContaining,
	"Regex":              PartRegex,
	"MatchesRegex":       PartRegex,
	"Matches":            PartRegex,
	"In":                 PartIn,
	"IsIn":               PartIn,
	"NotIn":              PartNotIn,
	"IsNotIn":            PartNotIn,
	"Exists":             PartExists,
	"True":               PartTrue,
	"IsTrue":             PartTrue,
	"False":              PartFalse,
	"IsFalse":            PartFalse,
}

// keywordsBySize lists the keywords longest first so that GreaterThanEqual
// wins over Equal and NotIn over In.
var keywordsBySize = func() []string {
	keys := make([]string, 0, len(partKeywords))
	for k := range partKeywords {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}()

var (
	prefixPattern = regexp.MustCompile(`^(find|read|get|query|search|stream|count|exists|delete|remove)(\p{Lu}.*?)??By`)
	bareSubject   = regexp.MustCompile(`^(find|read|get|query|search|stream|count|exists|delete|remove)(\p{Lu}\w*)?$`)
	topPattern    = regexp.MustCompile(`(First|Top)(\d*)`)
	orPattern     = regexp.MustCompile(`Or(\p{Lu})`)
	andPattern    = regexp.MustCompile(`And(\p{Lu})`)
	orderPattern  = regexp.MustCompile(`^(.+?)(Asc|Desc)?$`)
)

// Part is one property comparison of a derived query.
type Part struct {
	Property   string
	Type       PartType
	IgnoreCase bool
}

// PartTree is the parsed form of a query method name such as
// findTop3ByLastnameAndAgeGreaterThanOrderByFirstnameDesc.
type PartTree struct {
	Kind     QueryKind
	Distinct bool
	Limit    int
	Branches [][]Part
	Orders   []Order
}

// ParsePartTree parses a query method name.
func ParsePartTree(name string) (*PartTree, error) {
	tree := &PartTree{}

	var subject, predicate string
	if m := prefixPattern.FindStringSubmatchIndex(name); m != nil {
		tree.Kind = kindOf(name[m[2]:m[3]])
		if m[4] >= 0 {
			subject = name[m[4]:m[5]]
		}
		predicate = name[m[1]:]
	} else if m := bareSubject.FindStringSubmatch(name); m != nil {
		tree.Kind = kindOf(m[1])
		subject = m[2]
	} else {
		return nil, mappingErrorf("", "cannot derive a query from method name %q", name)
	}

	tree.Distinct = strings.Contains(subject, "Distinct")
	if m := topPattern.FindStringSubmatch(subject); m != nil {
		tree.Limit = 1
		if m[2] != "" {
			n, err := strconv.Atoi(m[2])
			if err != nil || n <= 0 {
				return nil, mappingErrorf("", "invalid result limit in method name %q", name)
			}
			tree.Limit = n
		}
	}

	if i := strings.Index(predicate, "OrderBy"); i >= 0 {
		orders, err := parseOrderBy(predicate[i+len("OrderBy"):])
		if err != nil {
			return nil, mappingErrorf("", "method %q: %s", name, err.Error())
		}
		tree.Orders = orders
		predicate = predicate[:i]
	}

	allIgnoreCase := false
	if strings.HasSuffix(predicate, "AllIgnoreCase") {
		allIgnoreCase = true
		predicate = strings.TrimSuffix(predicate, "AllIgnoreCase")
	}

	if predicate == "" {
		return tree, nil
	}

	for _, branch := range splitKeyword(predicate, orPattern) {
		var parts []Part
		for _, expr := range splitKeyword(branch, andPattern) {
			part, err := parsePart(expr)
			if err != nil {
				return nil, mappingErrorf("", "method %q: %s", name, err.Error())
			}
			part.IgnoreCase = part.IgnoreCase || allIgnoreCase
			parts = append(parts, part)
		}
		tree.Branches = append(tree.Branches, parts)
	}

	return tree, nil
}

// ArgCount is the number of bindable arguments the predicate consumes.
func (t *PartTree) ArgCount() int {
	n := 0
	for _, branch := range t.Branches {
		for _, p := range branch {
			n += p.Type.Args
		}
	}
	return n
}

func kindOf(prefix string) QueryKind {
	switch prefix {
	case "count":
		return QueryCount
	case "exists":
		return QueryExists
	case "delete", "remove":
		return QueryDelete
	}
	return QueryFind
}

// splitKeyword splits s on a keyword that is followed by an upper case
// letter, keeping that letter with the right hand side.
func splitKeyword(s string, pattern *regexp.Regexp) []string {
	var out []string
	last := 0
	for _, m := range pattern.FindAllStringSubmatchIndex(s, -1) {
		if m[0] == 0 {
			continue
		}
		out = append(out, s[last:m[0]])
		last = m[2]
	}
	return append(out, s[last:])
}

func parsePart(expr string) (Part, error) {
	part := Part{Type: PartSimple}
	if strings.HasSuffix(expr, "IgnoreCase") {
		part.IgnoreCase = true
		expr = strings.TrimSuffix(expr, "IgnoreCase")
	} else if strings.HasSuffix(expr, "IgnoringCase") {
		part.IgnoreCase = true
		expr = strings.TrimSuffix(expr, "IgnoringCase")
	}

	for _, kw := range keywordsBySize {
		if len(expr) > len(kw) && strings.HasSuffix(expr, kw) {
			part.Type = partKeywords[kw]
			expr = strings.TrimSuffix(expr, kw)
			break
		}
	}

	if expr == "" {
		return part, fmt.Errorf("missing property name")
	}

	part.Property = expr
	return part, nil
}

func parseOrderBy(s string) ([]Order, error) {
	var orders []Order
	for s != "" {
		end := nextDirectionEnd(s)
		m := orderPattern.FindStringSubmatch(s[:end])
		if m == nil || m[1] == "" {
			return nil, fmt.Errorf("invalid order clause %q", s)
		}

		dir := Asc
		if m[2] == "Desc" {
			dir = Desc
		}
		orders = append(orders, Order{Property: m[1], Direction: dir})
		s = s[end:]
	}

	return orders, nil
}

// nextDirectionEnd returns the offset right after the first Asc or Desc
// that ends a property, or len(s) when there is none.
func nextDirectionEnd(s string) int {
	for i := 1; i < len(s); i++ {
		for _, dir := range []string{"Asc", "Desc"} {
			if !strings.HasPrefix(s[i:], dir) {
				continue
			}
			end := i + len(dir)
			if end == len(s) || isUpper(s[end]) {
				return end
			}
		}
	}
	return len(s)
}

func isUpper(c byte) bool {
	return c >= 'A' && c <= 'Z'
}
