package persist

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPostgresError(t *testing.T) {
	assert.NoError(t, wrapPostgresError(nil))

	err := wrapPostgresError(fmt.Errorf("wrapped: %w", sql.ErrNoRows))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	err = wrapPostgresError(&pgconn.PgError{Code: pgerrcode.UniqueViolation, Detail: "dup"})
	assert.ErrorIs(t, err, ErrKeyAlreadyExists)

	err = wrapPostgresError(&pgconn.PgError{Code: pgerrcode.ForeignKeyViolation})
	assert.ErrorIs(t, err, ErrConflict)

	err = wrapPostgresError(&pq.Error{Code: pq.ErrorCode(pgerrcode.UniqueViolation)})
	assert.ErrorIs(t, err, ErrKeyAlreadyExists)

	plain := fmt.Errorf("connection refused")
	assert.Equal(t, plain, wrapPostgresError(plain))
}

func TestCondToSQL_Leaves(t *testing.T) {
	sqlStr, args, err := condToSQL(Attribute("name").Eq("Marta"), nil)
	require.NoError(t, err)
	assert.Equal(t, "(record ->> 'name') = ?", sqlStr)
	assert.Equal(t, []any{"Marta"}, args)

	sqlStr, args, err = condToSQL(Attribute("age").Gt(18), nil)
	require.NoError(t, err)
	assert.Equal(t, "(record ->> 'age')::numeric > ?", sqlStr, "numeric values compare as numeric")
	assert.Equal(t, []any{18}, args)

	sqlStr, args, err = condToSQL(Attribute("state").In("SP", "RJ"), nil)
	require.NoError(t, err)
	assert.Equal(t, "(record ->> 'state') IN (?)", sqlStr)
	assert.Equal(t, []any{[]any{"SP", "RJ"}}, args)

	sqlStr, _, err = condToSQL(Attribute("name").Regexp("^Mar"), nil)
	require.NoError(t, err)
	assert.Equal(t, "(record ->> 'name') ~ ?", sqlStr)
}

func TestCondToSQL_Composites(t *testing.T) {
	cond := Attribute("age").Gt(18).And(Attribute("name").Eq("Marta"))
	sqlStr, args, err := condToSQL(cond, nil)
	require.NoError(t, err)

	assert.Equal(t, "((record ->> 'age')::numeric > ? AND (record ->> 'name') = ?)", sqlStr)
	assert.Equal(t, []any{18, "Marta"}, args)

	notCond := Attribute("active").Eq(true).Not()
	sqlStr, _, err = condToSQL(notCond, nil)
	require.NoError(t, err)
	assert.Equal(t, "NOT ((record ->> 'active') = ?)", sqlStr)
}

func TestSQLQuery_Render(t *testing.T) {
	def, err := RegisterModel[testUser](WithTable("users"))
	require.NoError(t, err)
	t.Cleanup(UnregisterModel[testUser])

	factory := sqlClauseFactory{}
	q, err := FoldClauses([]Clause{
		factory.From(def),
		factory.Select(Selector{Kind: SelectAll}),
		factory.Where(Attribute("age").Gte(18)),
		factory.OrderBy(OrderBySpec{Fields: []string{"age"}, Direction: SortDsc}),
		factory.Limit(10),
		factory.Offset(5),
	})
	require.NoError(t, err)

	sq, ok := q.(*sqlQuery)
	require.True(t, ok)

	qry, args, err := sq.render(`"public"."users"`)
	require.NoError(t, err)

	assert.Contains(t, qry, `SELECT record FROM "public"."users"`)
	assert.Contains(t, qry, "WHERE (record ->> 'age')::numeric >= ?")
	assert.Contains(t, qry, "ORDER BY (record ->> 'age') DESC")
	assert.Contains(t, qry, "LIMIT 10")
	assert.Contains(t, qry, "OFFSET 5")
	assert.Equal(t, []any{18}, args)
}

func TestSQLQuery_RenderAggregates(t *testing.T) {
	def, err := RegisterModel[testUser](WithTable("users"))
	require.NoError(t, err)
	t.Cleanup(UnregisterModel[testUser])

	factory := sqlClauseFactory{}
	q, err := FoldClauses([]Clause{
		factory.From(def),
		factory.Select(Selector{Kind: SelectAvg, Fields: []string{"age"}}),
		factory.GroupBy([]string{"state"}),
	})
	require.NoError(t, err)

	sq := q.(*sqlQuery)
	qry, _, err := sq.render(`"public"."users"`)
	require.NoError(t, err)

	assert.Contains(t, qry, `avg((record ->> 'age')::numeric) AS "avg"`)
	assert.Contains(t, qry, "GROUP BY (record ->> 'state')")
}
