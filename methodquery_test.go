package persist

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMethodQuery_SimpleEquality(t *testing.T) {
	q, err := BuildMethodQuery("findByNameEquals", "Marta")
	require.NoError(t, err)

	assert.Equal(t, "find", q.Action)
	assert.Empty(t, cmp.Diff(Attribute("name").Eq("Marta"), q.Where, condCmp()))
}

func TestBuildMethodQuery_DefaultOperatorIsEquals(t *testing.T) {
	q, err := BuildMethodQuery("findByName", "Marta")
	require.NoError(t, err)

	assert.Empty(t, cmp.Diff(Attribute("name").Eq("Marta"), q.Where, condCmp()))
}

func TestBuildMethodQuery_RangeConjunction(t *testing.T) {
	q, err := BuildMethodQuery("findByAgeGreaterThanAndAgeLessThan", 18, 30)
	require.NoError(t, err)

	want := Attribute("age").Gt(18).And(Attribute("age").Lt(30))
	assert.Empty(t, cmp.Diff(want, q.Where, condCmp()))
}

func TestBuildMethodQuery_OrConnector(t *testing.T) {
	q, err := BuildMethodQuery("findByStateEqualsOrStateEquals", "SP", "RJ")
	require.NoError(t, err)

	want := Attribute("state").Eq("SP").Or(Attribute("state").Eq("RJ"))
	assert.Empty(t, cmp.Diff(want, q.Where, condCmp()))
}

func TestBuildMethodQuery_OperatorSuffixes(t *testing.T) {
	cases := []struct {
		method string
		value  any
		want   *Condition
	}{
		{"findByAgeDiff", 5, Attribute("age").Dif(5)},
		{"findByAgeLessThanEqual", 5, Attribute("age").Lte(5)},
		{"findByAgeGreaterThanEqual", 5, Attribute("age").Gte(5)},
		{"findByNameMatches", "^Mar", Attribute("name").Regexp("^Mar")},
		{"findByStateIn", []any{"SP", "RJ"}, Attribute("state").In("SP", "RJ")},
	}

	for _, tc := range cases {
		t.Run(tc.method, func(t *testing.T) {
			q, err := BuildMethodQuery(tc.method, tc.value)
			require.NoError(t, err)
			assert.Empty(t, cmp.Diff(tc.want, q.Where, condCmp()))
		})
	}
}

func TestBuildMethodQuery_MissingValue(t *testing.T) {
	_, err := BuildMethodQuery("findByNameEquals")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid value for field name")
}

func TestBuildMethodQuery_UnsupportedPrefix(t *testing.T) {
	_, err := BuildMethodQuery("fetchByName", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported method name")
}

func TestBuildMethodQuery_EmptyCoreIsLegal(t *testing.T) {
	q, err := BuildMethodQuery("findByOrderByNameAsc")
	require.NoError(t, err)

	assert.Nil(t, q.Where)
	assert.True(t, q.HasOrder)
	assert.Equal(t, "name", q.OrderBy)
	assert.Equal(t, SortAsc, q.Direction)
}

func TestBuildMethodQuery_GroupByThenBy(t *testing.T) {
	q, err := BuildMethodQuery("findByActiveGroupByAgeThenByState", true)
	require.NoError(t, err)

	assert.Empty(t, cmp.Diff(Attribute("active").Eq(true), q.Where, condCmp()))
	assert.Equal(t, []string{"age", "state"}, q.GroupBy)
}

func TestBuildMethodQuery_SelectFields(t *testing.T) {
	q, err := BuildMethodQuery("findByActiveSelectNameAndAge", true)
	require.NoError(t, err)

	assert.Equal(t, []string{"name", "age"}, q.Select)
	assert.Equal(t, Selector{Kind: SelectFields, Fields: []string{"name", "age"}}, q.Selector())
}

func TestBuildMethodQuery_InlineOrderDirection(t *testing.T) {
	q, err := BuildMethodQuery("findByActiveOrderByAgeDsc", true)
	require.NoError(t, err)

	assert.True(t, q.HasOrder)
	assert.Equal(t, "age", q.OrderBy)
	assert.Equal(t, SortDsc, q.Direction)
}

func TestBuildMethodQuery_DirectionFromArgument(t *testing.T) {
	q, err := BuildMethodQuery("findByActiveOrderByAge", true, "desc")
	require.NoError(t, err)

	assert.True(t, q.HasOrder)
	assert.Equal(t, SortDsc, q.Direction)
}

func TestBuildMethodQuery_OrderFieldWithoutDirectionSkipsOrdering(t *testing.T) {
	q, err := BuildMethodQuery("findByActiveOrderByAge", true)
	require.NoError(t, err)

	assert.False(t, q.HasOrder)
	assert.Empty(t, q.OrderBy)
}

func TestBuildMethodQuery_InvalidDirection(t *testing.T) {
	_, err := BuildMethodQuery("findByActiveOrderByAge", true, "sideways")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidOrderDirection)
}

func TestBuildMethodQuery_LimitAndOffset(t *testing.T) {
	q, err := BuildMethodQuery("findByActiveOrderByAgeAsc", true, 10, 20)
	require.NoError(t, err)

	require.True(t, q.HasLimit)
	require.True(t, q.HasOffset)
	assert.Equal(t, 10, q.Limit)
	assert.Equal(t, 20, q.Offset)
}

func TestBuildMethodQuery_TrailingContextIsIgnored(t *testing.T) {
	opctx := NewContext(OperationRead, "users", nil)
	q, err := BuildMethodQuery("findByNameEquals", "Marta", opctx)
	require.NoError(t, err)

	assert.Empty(t, cmp.Diff(Attribute("name").Eq("Marta"), q.Where, condCmp()))
	assert.False(t, q.HasLimit)
}

func TestBuildMethodQuery_AggregateActions(t *testing.T) {
	q, err := BuildMethodQuery("countByActive", true)
	require.NoError(t, err)
	assert.Equal(t, "count", q.Action)
	assert.Equal(t, Selector{Kind: SelectCount}, q.Selector())

	q, err = BuildMethodQuery("sumByActiveSelectAge", true)
	require.NoError(t, err)
	assert.Equal(t, "sum", q.Action)
	assert.Equal(t, Selector{Kind: SelectSum, Fields: []string{"age"}}, q.Selector())
}

func TestBuildMethodQuery_MultiWordFieldsAreLowerCamel(t *testing.T) {
	q, err := BuildMethodQuery("findByFirstNameEquals", "Ana")
	require.NoError(t, err)

	assert.Empty(t, cmp.Diff(Attribute("firstName").Eq("Ana"), q.Where, condCmp()))
}
