package persist

// Operator is a comparison or grouping operator used in a query condition.
type Operator string

const (
	// Comparison operators, valid on leaf conditions only.
	OpEq     Operator = "EQ"
	OpDif    Operator = "DIF"
	OpGt     Operator = "GT"
	OpGte    Operator = "GTE"
	OpLt     Operator = "LT"
	OpLte    Operator = "LTE"
	OpIn     Operator = "IN"
	OpRegexp Operator = "REGEXP"

	// Group operators, valid on composite conditions only.
	OpAnd Operator = "AND"
	OpOr  Operator = "OR"
	OpNot Operator = "NOT"
)

var comparisonOperators = map[Operator]bool{
	OpEq: true, OpDif: true, OpGt: true, OpGte: true,
	OpLt: true, OpLte: true, OpIn: true, OpRegexp: true,
}

var groupOperators = map[Operator]bool{
	OpAnd: true, OpOr: true, OpNot: true,
}

// IsComparison reports whether op compares an attribute against a value.
func (op Operator) IsComparison() bool {
	return comparisonOperators[op]
}

// IsGroup reports whether op combines conditions.
func (op Operator) IsGroup() bool {
	return groupOperators[op]
}

// SortDir is a query ordering direction.
type SortDir string

const (
	SortAsc SortDir = "asc"
	SortDsc SortDir = "dsc"
)

// ParseSortDir maps a direction token to a SortDir. It accepts the enum
// values plus the common "desc" spelling.
func ParseSortDir(s string) (SortDir, bool) {
	switch s {
	case "asc", "Asc", "ASC":
		return SortAsc, true
	case "dsc", "Dsc", "DSC", "desc", "Desc", "DESC":
		return SortDsc, true
	}
	return "", false
}
