package persist

import "sort"

// Query is the adapter-native query object produced by folding clauses.
// Each backend defines its own concrete type; the core never inspects it.
type Query any

// Priority orders clause folding. Lower builds first.
type Priority int

const (
	PriorityFrom Priority = iota * 10
	PriorityWhere
	PriorityGroupBy
	PriorityHaving
	PrioritySelect
	PriorityOrderBy
	PriorityLimit
	PriorityOffset
)

// Clause is one fragment of a query. Build folds the fragment into the
// backend's native query object, receiving whatever the previous clause
// produced (nil for the first).
type Clause interface {
	Priority() Priority
	Build(prev Query) (Query, error)
}

// SelectorKind discriminates what a statement projects.
type SelectorKind string

const (
	SelectAll      SelectorKind = "all"
	SelectFields   SelectorKind = "fields"
	SelectDistinct SelectorKind = "distinct"
	SelectCount    SelectorKind = "count"
	SelectMin      SelectorKind = "min"
	SelectMax      SelectorKind = "max"
	SelectSum      SelectorKind = "sum"
	SelectAvg      SelectorKind = "avg"
)

// Selector describes the projection or aggregate a statement requests.
type Selector struct {
	Kind   SelectorKind
	Fields []string
}

// IsAggregate reports whether the selector yields a single computed value
// instead of record projections.
func (s Selector) IsAggregate() bool {
	switch s.Kind {
	case SelectCount, SelectMin, SelectMax, SelectSum, SelectAvg:
		return true
	}
	return false
}

// OrderBySpec is the ordering requested by a statement.
type OrderBySpec struct {
	Fields    []string
	Direction SortDir
}

// ClauseFactory manufactures backend-specific clauses. Each adapter
// exposes one; the statement layer stays backend-agnostic.
type ClauseFactory interface {
	From(def *ModelDef) Clause
	Select(sel Selector) Clause
	Where(cond *Condition) Clause
	OrderBy(spec OrderBySpec) Clause
	GroupBy(fields []string) Clause
	Limit(n int) Clause
	Offset(n int) Clause
}

// FoldClauses sorts clauses by priority (stable, so ties keep their fixed
// construction order) and folds them into the native query object.
func FoldClauses(clauses []Clause) (Query, error) {
	sorted := make([]Clause, len(clauses))
	copy(sorted, clauses)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() < sorted[j].Priority()
	})

	var q Query
	for _, c := range sorted {
		var err error
		q, err = c.Build(q)
		if err != nil {
			return nil, err
		}
	}
	return q, nil
}
