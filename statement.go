package persist

import (
	"context"
	"fmt"
	"reflect"
)

// stmt is the accumulated state of one statement chain. The staged wrapper
// types below expose progressively narrower method sets so that clause
// ordering mistakes (OrderBy before Where, two Limits) fail at compile
// time instead of at execution.
type stmt[T any] struct {
	adapter Adapter
	def     *ModelDef

	sel       Selector
	where     *Condition
	group     []string
	order     *OrderBySpec
	limit     int
	offset    int
	hasLimit  bool
	hasOffset bool

	err error
}

func (s *stmt[T]) fail(err error) {
	if s.err == nil {
		s.err = err
	}
}

// Runner carries the terminal operations every post-From stage can run.
type Runner[T any] struct {
	s *stmt[T]
}

// StatementStart is the entry stage: pick a projection or an aggregate.
type StatementStart[T any] struct {
	s *stmt[T]
}

// SelectedStatement has a projection and waits for From.
type SelectedStatement[T any] struct {
	s *stmt[T]
}

// SourcedStatement is bound to the model's table; every remaining clause
// is available from here.
type SourcedStatement[T any] struct {
	Runner[T]
}

// FilteredStatement follows Where.
type FilteredStatement[T any] struct {
	Runner[T]
}

// GroupedStatement follows GroupBy.
type GroupedStatement[T any] struct {
	Runner[T]
}

// OrderedStatement follows OrderBy.
type OrderedStatement[T any] struct {
	Runner[T]
}

// LimitedStatement follows Limit; only Offset and execution remain.
type LimitedStatement[T any] struct {
	Runner[T]
}

// OffsetStatement is the final stage; only execution remains.
type OffsetStatement[T any] struct {
	Runner[T]
}

// NewStatement starts a statement chain for model type T against an
// adapter. T must have been registered with RegisterModel; the chain
// surfaces a missing registration when it executes.
func NewStatement[T any](a Adapter) StatementStart[T] {
	s := &stmt[T]{adapter: a, sel: Selector{Kind: SelectAll}}
	if a == nil {
		s.fail(ErrNoAdapter)
	}
	return StatementStart[T]{s: s}
}

// Select projects the named fields, or every column when none are given.
func (st StatementStart[T]) Select(fields ...string) SelectedStatement[T] {
	if len(fields) == 0 {
		st.s.sel = Selector{Kind: SelectAll}
	} else {
		st.s.sel = Selector{Kind: SelectFields, Fields: fields}
	}
	return SelectedStatement[T]{s: st.s}
}

// Distinct projects unique combinations of the named fields.
func (st StatementStart[T]) Distinct(fields ...string) SelectedStatement[T] {
	st.s.sel = Selector{Kind: SelectDistinct, Fields: fields}
	return SelectedStatement[T]{s: st.s}
}

// Count aggregates the number of matching records.
func (st StatementStart[T]) Count() SelectedStatement[T] {
	st.s.sel = Selector{Kind: SelectCount}
	return SelectedStatement[T]{s: st.s}
}

// Min aggregates the minimum of the named field.
func (st StatementStart[T]) Min(field string) SelectedStatement[T] {
	st.s.sel = Selector{Kind: SelectMin, Fields: []string{field}}
	return SelectedStatement[T]{s: st.s}
}

// Max aggregates the maximum of the named field.
func (st StatementStart[T]) Max(field string) SelectedStatement[T] {
	st.s.sel = Selector{Kind: SelectMax, Fields: []string{field}}
	return SelectedStatement[T]{s: st.s}
}

// Sum aggregates the sum of the named field.
func (st StatementStart[T]) Sum(field string) SelectedStatement[T] {
	st.s.sel = Selector{Kind: SelectSum, Fields: []string{field}}
	return SelectedStatement[T]{s: st.s}
}

// Avg aggregates the mean of the named field.
func (st StatementStart[T]) Avg(field string) SelectedStatement[T] {
	st.s.sel = Selector{Kind: SelectAvg, Fields: []string{field}}
	return SelectedStatement[T]{s: st.s}
}

// From binds the statement to T's registered table.
func (st SelectedStatement[T]) From() SourcedStatement[T] {
	var zero T
	t := reflect.TypeOf(zero)
	if t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil {
		st.s.fail(fmt.Errorf("%w: interface type", ErrModelNotRegistered))
	} else {
		def, err := modelDefFor(t)
		if err != nil {
			st.s.fail(err)
		}
		st.s.def = def
	}
	return SourcedStatement[T]{Runner[T]{s: st.s}}
}

// Where filters with a condition tree. Structural errors in the tree are
// surfaced at execution.
func (st SourcedStatement[T]) Where(cond *Condition) FilteredStatement[T] {
	st.s.where = cond
	if cond == nil {
		st.s.fail(fmt.Errorf("where condition is nil"))
	} else if errs := cond.HasErrors(); errs != nil {
		st.s.fail(fmt.Errorf("invalid condition: %v", errs))
	}
	return FilteredStatement[T]{st.Runner}
}

func (st SourcedStatement[T]) GroupBy(fields ...string) GroupedStatement[T] {
	return groupBy(st.Runner, fields)
}

func (st SourcedStatement[T]) OrderBy(dir SortDir, fields ...string) OrderedStatement[T] {
	return orderBy(st.Runner, dir, fields)
}

func (st SourcedStatement[T]) Limit(n int) LimitedStatement[T] {
	return limitBy(st.Runner, n)
}

func (st SourcedStatement[T]) Offset(n int) OffsetStatement[T] {
	return offsetBy(st.Runner, n)
}

func (st FilteredStatement[T]) GroupBy(fields ...string) GroupedStatement[T] {
	return groupBy(st.Runner, fields)
}

func (st FilteredStatement[T]) OrderBy(dir SortDir, fields ...string) OrderedStatement[T] {
	return orderBy(st.Runner, dir, fields)
}

func (st FilteredStatement[T]) Limit(n int) LimitedStatement[T] {
	return limitBy(st.Runner, n)
}

func (st FilteredStatement[T]) Offset(n int) OffsetStatement[T] {
	return offsetBy(st.Runner, n)
}

// ThenBy appends another grouping field.
func (st GroupedStatement[T]) ThenBy(field string) GroupedStatement[T] {
	st.s.group = append(st.s.group, field)
	return st
}

func (st GroupedStatement[T]) OrderBy(dir SortDir, fields ...string) OrderedStatement[T] {
	return orderBy(st.Runner, dir, fields)
}

func (st GroupedStatement[T]) Limit(n int) LimitedStatement[T] {
	return limitBy(st.Runner, n)
}

func (st GroupedStatement[T]) Offset(n int) OffsetStatement[T] {
	return offsetBy(st.Runner, n)
}

func (st OrderedStatement[T]) Limit(n int) LimitedStatement[T] {
	return limitBy(st.Runner, n)
}

func (st OrderedStatement[T]) Offset(n int) OffsetStatement[T] {
	return offsetBy(st.Runner, n)
}

func (st LimitedStatement[T]) Offset(n int) OffsetStatement[T] {
	return offsetBy(st.Runner, n)
}

func groupBy[T any](r Runner[T], fields []string) GroupedStatement[T] {
	if len(fields) == 0 {
		r.s.fail(fmt.Errorf("group by requires at least one field"))
	}
	r.s.group = append(r.s.group, fields...)
	return GroupedStatement[T]{r}
}

func orderBy[T any](r Runner[T], dir SortDir, fields []string) OrderedStatement[T] {
	if len(fields) == 0 {
		r.s.fail(fmt.Errorf("order by requires at least one field"))
	}
	if dir != SortAsc && dir != SortDsc {
		r.s.fail(fmt.Errorf("%w: %q", ErrInvalidOrderDirection, dir))
	}
	r.s.order = &OrderBySpec{Fields: fields, Direction: dir}
	return OrderedStatement[T]{r}
}

func limitBy[T any](r Runner[T], n int) LimitedStatement[T] {
	if n < 0 {
		r.s.fail(fmt.Errorf("limit must not be negative, got %d", n))
	}
	r.s.limit = n
	r.s.hasLimit = true
	return LimitedStatement[T]{r}
}

func offsetBy[T any](r Runner[T], n int) OffsetStatement[T] {
	if n < 0 {
		r.s.fail(fmt.Errorf("offset must not be negative, got %d", n))
	}
	r.s.offset = n
	r.s.hasOffset = true
	return OffsetStatement[T]{r}
}

// Build folds the accumulated clauses into the adapter's native query.
func (r Runner[T]) Build() (Query, error) {
	s := r.s
	if s.err != nil {
		return nil, s.err
	}

	f := s.adapter.Clauses()
	if f == nil {
		return nil, fmt.Errorf("adapter %s has no clause factory", s.adapter.Flavour())
	}

	clauses := []Clause{
		f.From(s.def),
		f.Select(s.sel),
	}
	if s.where != nil {
		clauses = append(clauses, f.Where(s.where))
	}
	if len(s.group) > 0 {
		clauses = append(clauses, f.GroupBy(s.group))
	}
	if s.order != nil {
		clauses = append(clauses, f.OrderBy(*s.order))
	}
	if s.hasLimit {
		clauses = append(clauses, f.Limit(s.limit))
	}
	if s.hasOffset {
		clauses = append(clauses, f.Offset(s.offset))
	}
	return FoldClauses(clauses)
}

func (r Runner[T]) read(ctx context.Context) ([]Record, error) {
	q, err := r.Build()
	if err != nil {
		return nil, err
	}
	opctx := NewContext(OperationRead, r.s.def.Table, nil)
	return r.s.adapter.Read(ctx, r.s.def.Table, q, opctx)
}

// Execute runs a projecting statement and reverts the result records into
// model instances. Projected statements yield partially filled instances.
func (r Runner[T]) Execute(ctx context.Context) ([]T, error) {
	if r.s.err != nil {
		return nil, r.s.err
	}
	if r.s.sel.IsAggregate() {
		return nil, fmt.Errorf("aggregate statement %s yields a value, use Aggregate", r.s.sel.Kind)
	}

	recs, err := r.read(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		model, err := Revert[T](rec, r.s.def, ID{})
		if err != nil {
			return nil, err
		}
		out = append(out, model)
	}
	return out, nil
}

// Aggregate runs an aggregating statement and returns the computed value.
// The backend reports the value in a single record keyed by the aggregate
// kind.
func (r Runner[T]) Aggregate(ctx context.Context) (any, error) {
	if r.s.err != nil {
		return nil, r.s.err
	}
	if !r.s.sel.IsAggregate() {
		return nil, fmt.Errorf("statement %s yields records, use Execute", r.s.sel.Kind)
	}

	recs, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNoRow
	}
	v, ok := recs[0][string(r.s.sel.Kind)]
	if !ok {
		return nil, fmt.Errorf("backend returned no %s value", r.s.sel.Kind)
	}
	return v, nil
}

// Paginate returns a cursor over the statement's results in fixed-size
// pages. The statement must not already carry Limit or Offset.
func (r Runner[T]) Paginate(size int) (*Pages[T], error) {
	if r.s.err != nil {
		return nil, r.s.err
	}
	if r.s.sel.IsAggregate() {
		return nil, fmt.Errorf("aggregate statement %s cannot paginate", r.s.sel.Kind)
	}
	if r.s.hasLimit || r.s.hasOffset {
		return nil, fmt.Errorf("paginated statement must not set limit or offset")
	}
	if size <= 0 {
		return nil, fmt.Errorf("page size must be positive, got %d", size)
	}
	return &Pages[T]{runner: r, size: size}, nil
}

// Pages walks a statement's results page by page. Each Next call executes
// the statement with a sliding offset; it returns an empty page once the
// results are exhausted.
type Pages[T any] struct {
	runner Runner[T]
	size   int
	offset int
	done   bool
}

// More reports whether another Next call may yield records.
func (p *Pages[T]) More() bool {
	return !p.done
}

// Next fetches the next page.
func (p *Pages[T]) Next(ctx context.Context) ([]T, error) {
	if p.done {
		return nil, nil
	}

	s := p.runner.s
	s.limit, s.hasLimit = p.size, true
	s.offset, s.hasOffset = p.offset, true

	page, err := p.runner.Execute(ctx)
	if err != nil {
		return nil, err
	}
	p.offset += len(page)
	if len(page) < p.size {
		p.done = true
	}
	return page, nil
}

// RawStatement passes a backend-native query straight through the adapter.
func RawStatement(ctx context.Context, a Adapter, q any) (any, error) {
	if a == nil {
		return nil, ErrNoAdapter
	}
	opctx := NewContext(OperationRaw, "", nil)
	return a.Raw(ctx, q, opctx)
}
