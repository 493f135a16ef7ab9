package persist

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testUser struct {
	ID     string `db:"id,key"`
	Name   string `db:"name"`
	Age    int    `db:"age"`
	State  string `db:"state"`
	Active bool   `db:"active"`
}

func seedUsers(t *testing.T) (*FilesystemAdapter, *ModelDef) {
	t.Helper()

	def, err := RegisterModel[testUser](WithTable("users"))
	require.NoError(t, err)
	t.Cleanup(UnregisterModel[testUser])

	f, err := CreateFilesystemAdapter(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	users := []testUser{
		{ID: "u1", Name: "Marta", Age: 30, State: "SP", Active: true},
		{ID: "u2", Name: "Ana", Age: 25, State: "RJ", Active: true},
		{ID: "u3", Name: "Bruno", Age: 17, State: "SP", Active: false},
		{ID: "u4", Name: "Carla", Age: 41, State: "MG", Active: true},
		{ID: "u5", Name: "Davi", Age: 25, State: "SP", Active: false},
	}
	for _, u := range users {
		id, rec, _, err := Prepare(u, def)
		require.NoError(t, err)
		require.NoError(t, f.Create(ctx, "users", id, rec, nil))
	}
	return f, def
}

func TestStatement_ExecuteWithWhereAndOrder(t *testing.T) {
	f, _ := seedUsers(t)
	ctx := context.Background()

	got, err := NewStatement[testUser](f).
		Select().
		From().
		Where(Attribute("age").Gt(18)).
		OrderBy(SortAsc, "age").
		Execute(ctx)
	require.NoError(t, err)

	require.Len(t, got, 4)
	assert.Equal(t, 25, got[0].Age)
	assert.Equal(t, 41, got[3].Age)
	assert.Equal(t, "Carla", got[3].Name)
}

func TestStatement_LimitAndOffset(t *testing.T) {
	f, _ := seedUsers(t)
	ctx := context.Background()

	got, err := NewStatement[testUser](f).
		Select().
		From().
		OrderBy(SortAsc, "age", "name").
		Limit(2).
		Offset(1).
		Execute(ctx)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "Ana", got[0].Name)
	assert.Equal(t, 25, got[0].Age)
	assert.Equal(t, "Davi", got[1].Name)
}

func TestStatement_ProjectionRevertsPartially(t *testing.T) {
	f, _ := seedUsers(t)
	ctx := context.Background()

	got, err := NewStatement[testUser](f).
		Select("name").
		From().
		Where(Attribute("id").Eq("u1")).
		Execute(ctx)
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "Marta", got[0].Name)
	assert.Zero(t, got[0].Age, "unprojected fields stay zero")
}

func TestStatement_AggregateCount(t *testing.T) {
	f, _ := seedUsers(t)
	ctx := context.Background()

	v, err := NewStatement[testUser](f).
		Count().
		From().
		Where(Attribute("active").Eq(true)).
		Aggregate(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}

func TestStatement_AggregateSum(t *testing.T) {
	f, _ := seedUsers(t)
	ctx := context.Background()

	v, err := NewStatement[testUser](f).
		Sum("age").
		From().
		Where(Attribute("state").Eq("SP")).
		Aggregate(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 72.0, v.(float64), 0.001)
}

func TestStatement_ExecuteOnAggregateFails(t *testing.T) {
	f, _ := seedUsers(t)

	_, err := NewStatement[testUser](f).Count().From().Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "use Aggregate")
}

func TestStatement_AggregateOnProjectionFails(t *testing.T) {
	f, _ := seedUsers(t)

	_, err := NewStatement[testUser](f).Select().From().Aggregate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "use Execute")
}

func TestStatement_InvalidConditionSurfacesAtExecute(t *testing.T) {
	f, _ := seedUsers(t)

	bad := &Condition{attr: "age", operator: OpAnd, value: 1}
	_, err := NewStatement[testUser](f).Select().From().Where(bad).Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid condition")
}

func TestStatement_UnregisteredModelFails(t *testing.T) {
	type ghost struct {
		ID string `db:"id,key"`
	}
	f, err := CreateFilesystemAdapter(t.TempDir())
	require.NoError(t, err)

	_, err = NewStatement[ghost](f).Select().From().Execute(context.Background())
	assert.ErrorIs(t, err, ErrModelNotRegistered)
}

func TestStatement_Paginate(t *testing.T) {
	f, _ := seedUsers(t)
	ctx := context.Background()

	pages, err := NewStatement[testUser](f).
		Select().
		From().
		OrderBy(SortAsc, "name").
		Paginate(2)
	require.NoError(t, err)

	var all []testUser
	sizes := []int{}
	for pages.More() {
		page, err := pages.Next(ctx)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		sizes = append(sizes, len(page))
		all = append(all, page...)
	}

	assert.Equal(t, []int{2, 2, 1}, sizes)
	require.Len(t, all, 5)
	assert.Equal(t, "Ana", all[0].Name)
}

func TestStatement_PaginateRejectsExplicitWindow(t *testing.T) {
	f, _ := seedUsers(t)

	_, err := NewStatement[testUser](f).Select().From().Limit(3).Paginate(2)
	require.Error(t, err)
}

func TestFoldClauses_PriorityOrderAssemblesQuery(t *testing.T) {
	_, def := seedUsers(t)
	factory := fsClauseFactory{}

	// deliberately shuffled; folding must still apply From first
	clauses := []Clause{
		factory.Limit(3),
		factory.Where(Attribute("age").Gt(10)),
		factory.Select(Selector{Kind: SelectAll}),
		factory.From(def),
		factory.OrderBy(OrderBySpec{Fields: []string{"age"}, Direction: SortAsc}),
	}

	q, err := FoldClauses(clauses)
	require.NoError(t, err)

	fq, ok := q.(*fsQuery)
	require.True(t, ok)
	assert.Equal(t, "users", fq.table)
	assert.NotNil(t, fq.where)
	assert.True(t, fq.hasLimit)
	assert.Equal(t, 3, fq.limit)
	require.NotNil(t, fq.order)
	assert.Equal(t, SortAsc, fq.order.Direction)
}

func TestMethodStatement_EndToEnd(t *testing.T) {
	f, _ := seedUsers(t)
	ctx := context.Background()

	got, err := ExecuteMethod[testUser](ctx, f, "findByAgeGreaterThanAndAgeLessThan", 18, 30)
	require.NoError(t, err)

	require.Len(t, got, 2)
	for _, u := range got {
		assert.Greater(t, u.Age, 18)
		assert.Less(t, u.Age, 30)
	}
}

func TestMethodStatement_OrderedAndLimited(t *testing.T) {
	f, _ := seedUsers(t)
	ctx := context.Background()

	got, err := ExecuteMethod[testUser](ctx, f, "findByActiveOrderByAgeDsc", true, 2)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "Carla", got[0].Name)
	assert.Equal(t, "Marta", got[1].Name)
}

func TestMethodStatement_AggregateAction(t *testing.T) {
	f, _ := seedUsers(t)
	ctx := context.Background()

	r, err := MethodStatement[testUser](f, "countByState", "SP")
	require.NoError(t, err)

	v, err := r.Aggregate(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}
