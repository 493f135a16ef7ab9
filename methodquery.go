package persist

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/iancoleman/strcase"
)

// MethodQuery is the decoded form of a repository method name such as
// findByAgeGreaterThanAndAgeLessThanOrderByNameAsc. BuildMethodQuery fills
// it from the name and the positional call arguments.
type MethodQuery struct {
	Action  string
	Select  []string
	Where   *Condition
	GroupBy []string

	OrderBy   string
	Direction SortDir
	HasOrder  bool

	Limit     int
	Offset    int
	HasLimit  bool
	HasOffset bool
}

// methodActions maps recognized method-name prefixes to their action verb.
// Order matters: prefix matching walks this list front to back.
var methodActions = []struct {
	prefix string
	action string
}{
	{"findBy", "find"},
	{"countBy", "count"},
	{"sumBy", "sum"},
	{"avgBy", "avg"},
	{"minBy", "min"},
	{"maxBy", "max"},
	{"distinctBy", "distinct"},
	{"groupBy", "group"},
}

// operatorSuffixes maps operator name tokens to condition operators,
// longest token first so LessThanEqual wins over LessThan.
var operatorSuffixes = []struct {
	token string
	op    Operator
}{
	{"GreaterThanEqual", OpGte},
	{"LessThanEqual", OpLte},
	{"GreaterThan", OpGt},
	{"LessThan", OpLt},
	{"Matches", OpRegexp},
	{"Equals", OpEq},
	{"Diff", OpDif},
	{"In", OpIn},
}

var sectionTokens = []string{"OrderBy", "GroupBy", "ThenBy", "Select", "Limit", "Offset"}

// BuildMethodQuery parses a repository method name of the form
//
//	<action>By<Core>[OrderBy<Field><Asc|Dsc>?][GroupBy<Field>[ThenBy<Field>]*][Select<Field>[And<Field>]*]
//
// where Core is <Field><Operator>?[And|Or<Field><Operator>?]*. Condition
// values are consumed from args left to right; after that a trailing
// *Context is popped and ignored, then the remaining arguments fill order
// direction (when the name carries an OrderBy field without an inline
// direction), limit and offset, in that order.
func BuildMethodQuery(method string, args ...any) (*MethodQuery, error) {
	q := &MethodQuery{}

	rest := ""
	for _, a := range methodActions {
		if strings.HasPrefix(method, a.prefix) {
			q.Action = a.action
			rest = method[len(a.prefix):]
			break
		}
	}
	if q.Action == "" {
		return nil, fmt.Errorf("unsupported method name %q", method)
	}

	// A trailing operation context is call plumbing, not a query value.
	if n := len(args); n > 0 {
		if _, ok := args[n-1].(*Context); ok {
			args = args[:n-1]
		} else if _, ok := args[n-1].(Context); ok {
			args = args[:n-1]
		}
	}

	core, tail := splitCore(rest)

	remaining, err := q.parseCore(core, args)
	if err != nil {
		return nil, err
	}

	inlineDir, err := q.parseSections(tail)
	if err != nil {
		return nil, err
	}

	return q, q.parsePositional(remaining, inlineDir)
}

// splitCore cuts the name at the first section token, returning the
// condition core and the remaining section tail.
func splitCore(rest string) (core, tail string) {
	cut := len(rest)
	for _, tok := range sectionTokens {
		if i := strings.Index(rest, tok); i >= 0 && i < cut {
			cut = i
		}
	}
	return rest[:cut], rest[cut:]
}

// parseCore builds the Where condition from the core tokens, consuming one
// argument per leaf. It returns the unconsumed arguments.
func (q *MethodQuery) parseCore(core string, args []any) ([]any, error) {
	pending := ""
	for core != "" {
		segment, connector, next := nextCoreSegment(core)

		field, op := splitOperator(segment)
		if field == "" {
			return nil, fmt.Errorf("method name has an empty field before %q", segment)
		}
		attr := strcase.ToLowerCamel(field)

		if len(args) == 0 {
			return nil, fmt.Errorf("invalid value for field %s", attr)
		}
		value := args[0]
		args = args[1:]

		leaf, err := buildLeaf(attr, op, value)
		if err != nil {
			return nil, err
		}

		switch {
		case q.Where == nil:
			q.Where = leaf
		case pending == "Or":
			q.Where = q.Where.Or(leaf)
		default:
			q.Where = q.Where.And(leaf)
		}

		pending = connector
		core = next
	}
	return args, nil
}

// nextCoreSegment returns the leading segment of core, the connector that
// FOLLOWS it ("And", "Or" or ""), and the rest after the connector.
func nextCoreSegment(core string) (segment, connector, rest string) {
	for i := 1; i < len(core)-2; i++ {
		if core[i] == 'A' && strings.HasPrefix(core[i:], "And") && isUpper(core, i+3) {
			return core[:i], "And", core[i+3:]
		}
		if core[i] == 'O' && strings.HasPrefix(core[i:], "Or") && isUpper(core, i+2) {
			return core[:i], "Or", core[i+2:]
		}
	}
	return core, "", ""
}

func isUpper(s string, i int) bool {
	return i < len(s) && s[i] >= 'A' && s[i] <= 'Z'
}

// splitOperator strips a trailing operator token from a core segment,
// defaulting to equality.
func splitOperator(segment string) (field string, op Operator) {
	for _, s := range operatorSuffixes {
		if strings.HasSuffix(segment, s.token) && len(segment) > len(s.token) {
			return segment[:len(segment)-len(s.token)], s.op
		}
	}
	return segment, OpEq
}

func buildLeaf(attr string, op Operator, value any) (*Condition, error) {
	b := Attribute(attr)
	switch op {
	case OpEq:
		return b.Eq(value), nil
	case OpDif:
		return b.Dif(value), nil
	case OpGt:
		return b.Gt(value), nil
	case OpGte:
		return b.Gte(value), nil
	case OpLt:
		return b.Lt(value), nil
	case OpLte:
		return b.Lte(value), nil
	case OpIn:
		return b.In(toSlice(value)...), nil
	case OpRegexp:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("matches value for field %s must be a string pattern, got %T", attr, value)
		}
		return b.Regexp(s), nil
	}
	return nil, fmt.Errorf("unsupported operator %s for field %s", op, attr)
}

func toSlice(value any) []any {
	if vs, ok := value.([]any); ok {
		return vs
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out
	}
	return []any{value}
}

// parseSections walks the tail of the method name after the core: OrderBy,
// GroupBy/ThenBy and Select blocks in any order. It returns whether the
// OrderBy field carried an inline Asc/Dsc direction.
func (q *MethodQuery) parseSections(tail string) (inlineDir bool, err error) {
	for tail != "" {
		token := ""
		for _, t := range sectionTokens {
			if strings.HasPrefix(tail, t) {
				token = t
				break
			}
		}
		if token == "" {
			return false, fmt.Errorf("unparsable method name segment %q", tail)
		}

		body, rest := splitCore(tail[len(token):])
		tail = rest

		switch token {
		case "OrderBy":
			field := body
			if strings.HasSuffix(field, "Asc") && len(field) > 3 {
				field = field[:len(field)-3]
				q.Direction = SortAsc
				inlineDir = true
			} else if strings.HasSuffix(field, "Dsc") && len(field) > 3 {
				field = field[:len(field)-3]
				q.Direction = SortDsc
				inlineDir = true
			}
			if field == "" {
				return false, fmt.Errorf("order by requires a field in the method name")
			}
			q.OrderBy = strcase.ToLowerCamel(field)
			if inlineDir {
				q.HasOrder = true
			}
		case "GroupBy", "ThenBy":
			if body == "" {
				return false, fmt.Errorf("%s requires a field in the method name", token)
			}
			q.GroupBy = append(q.GroupBy, strcase.ToLowerCamel(body))
		case "Select":
			for _, f := range splitOnAnd(body) {
				if f == "" {
					return false, fmt.Errorf("select requires field names in the method name")
				}
				q.Select = append(q.Select, strcase.ToLowerCamel(f))
			}
		case "Limit", "Offset":
			if body != "" {
				return false, fmt.Errorf("%s takes its value from the arguments, found %q in the name", token, body)
			}
		}
	}
	return inlineDir, nil
}

func splitOnAnd(s string) []string {
	var out []string
	for s != "" {
		cut := len(s)
		for i := 1; i < len(s)-2; i++ {
			if s[i] == 'A' && strings.HasPrefix(s[i:], "And") && isUpper(s, i+3) {
				cut = i
				break
			}
		}
		out = append(out, s[:cut])
		if cut == len(s) {
			break
		}
		s = s[cut+3:]
	}
	return out
}

// parsePositional interprets the arguments left after condition values:
// order direction (only when the name declared an OrderBy field without an
// inline direction), then limit, then offset. An OrderBy field with no
// direction from either source silently skips ordering.
func (q *MethodQuery) parsePositional(args []any, inlineDir bool) error {
	if q.OrderBy != "" && !inlineDir {
		if len(args) == 0 {
			q.OrderBy = ""
			q.HasOrder = false
		} else {
			dir, err := toSortDir(args[0])
			if err != nil {
				return err
			}
			q.Direction = dir
			q.HasOrder = true
			args = args[1:]
		}
	}

	if len(args) > 0 {
		n, err := toInt(args[0])
		if err != nil {
			return fmt.Errorf("limit: %w", err)
		}
		q.Limit, q.HasLimit = n, true
		args = args[1:]
	}
	if len(args) > 0 {
		n, err := toInt(args[0])
		if err != nil {
			return fmt.Errorf("offset: %w", err)
		}
		q.Offset, q.HasOffset = n, true
		args = args[1:]
	}
	if len(args) > 0 {
		return fmt.Errorf("%d unused trailing arguments", len(args))
	}
	return nil
}

func toSortDir(v any) (SortDir, error) {
	switch d := v.(type) {
	case SortDir:
		if d == SortAsc || d == SortDsc {
			return d, nil
		}
	case string:
		if dir, ok := ParseSortDir(d); ok {
			return dir, nil
		}
	}
	return "", fmt.Errorf("%w: %v", ErrInvalidOrderDirection, v)
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	}
	return 0, fmt.Errorf("expected a number, got %T", v)
}

// Selector derives the statement projection implied by the parsed action.
func (q *MethodQuery) Selector() Selector {
	switch q.Action {
	case "count":
		return Selector{Kind: SelectCount}
	case "sum":
		return Selector{Kind: SelectSum, Fields: q.Select}
	case "avg":
		return Selector{Kind: SelectAvg, Fields: q.Select}
	case "min":
		return Selector{Kind: SelectMin, Fields: q.Select}
	case "max":
		return Selector{Kind: SelectMax, Fields: q.Select}
	case "distinct":
		return Selector{Kind: SelectDistinct, Fields: q.Select}
	}
	if len(q.Select) > 0 {
		return Selector{Kind: SelectFields, Fields: q.Select}
	}
	return Selector{Kind: SelectAll}
}

// MethodStatement parses a method name and assembles a runnable statement
// for model type T against the adapter. The result executes with Execute
// for record actions or Aggregate for count/sum/avg/min/max.
func MethodStatement[T any](a Adapter, method string, args ...any) (Runner[T], error) {
	q, err := BuildMethodQuery(method, args...)
	if err != nil {
		return Runner[T]{}, err
	}
	if a == nil {
		return Runner[T]{}, ErrNoAdapter
	}

	var zero T
	t := reflect.TypeOf(zero)
	if t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil {
		return Runner[T]{}, fmt.Errorf("%w: interface type", ErrModelNotRegistered)
	}
	def, err := modelDefFor(t)
	if err != nil {
		return Runner[T]{}, err
	}

	s := &stmt[T]{adapter: a, def: def, sel: q.Selector()}
	s.where = q.Where
	s.group = q.GroupBy
	if q.HasOrder {
		s.order = &OrderBySpec{Fields: []string{q.OrderBy}, Direction: q.Direction}
	}
	if q.HasLimit {
		s.limit, s.hasLimit = q.Limit, true
	}
	if q.HasOffset {
		s.offset, s.hasOffset = q.Offset, true
	}
	return Runner[T]{s: s}, nil
}

// ExecuteMethod is the one-call convenience over MethodStatement for
// record-returning method names.
func ExecuteMethod[T any](ctx context.Context, a Adapter, method string, args ...any) ([]T, error) {
	r, err := MethodStatement[T](a, method, args...)
	if err != nil {
		return nil, err
	}
	return r.Execute(ctx)
}
