package persist

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func condCmp() cmp.Option {
	return cmp.AllowUnexported(Condition{})
}

func TestCondition_LeafBuilders(t *testing.T) {
	c := Attribute("age").Gt(18)

	require.True(t, c.IsLeaf())
	assert.Equal(t, "age", c.Attr())
	assert.Equal(t, OpGt, c.Operator())
	assert.Equal(t, 18, c.Value())
	assert.Nil(t, c.HasErrors())
}

func TestCondition_CompositionIsAssociativeInStructure(t *testing.T) {
	a := Attribute("a").Eq(1)
	b := Attribute("b").Eq(2)
	c := Attribute("c").Eq(3)

	chained := a.And(b).And(c)
	explicit := And(And(a, b), c)

	assert.Empty(t, cmp.Diff(explicit, chained, condCmp()))
}

func TestCondition_BuildersDoNotMutate(t *testing.T) {
	a := Attribute("a").Eq(1)
	b := Attribute("b").Eq(2)

	first := a.And(b)
	second := a.Or(b)

	// a is shared by both composites and still a plain leaf
	require.True(t, a.IsLeaf())
	assert.Equal(t, OpAnd, first.Operator())
	assert.Equal(t, OpOr, second.Operator())
	assert.Empty(t, cmp.Diff(a, first.Left(), condCmp()))
	assert.Empty(t, cmp.Diff(a, second.Left(), condCmp()))
}

func TestCondition_NotWrapsSingleOperand(t *testing.T) {
	c := Attribute("active").Eq(true).Not()

	require.False(t, c.IsLeaf())
	assert.Equal(t, OpNot, c.Operator())
	assert.Nil(t, c.Right())
	assert.Nil(t, c.HasErrors())
}

func TestCondition_HasErrors(t *testing.T) {
	t.Run("group operator on leaf", func(t *testing.T) {
		bad := &Condition{attr: "age", operator: OpAnd, value: 1}
		errs := bad.HasErrors()
		require.NotNil(t, errs)
		assert.Contains(t, errs["condition"], "not a comparison operator")
	})

	t.Run("condition as leaf value", func(t *testing.T) {
		bad := &Condition{attr: "age", operator: OpEq, value: Attribute("x").Eq(1)}
		require.NotNil(t, bad.HasErrors())
	})

	t.Run("and without right operand", func(t *testing.T) {
		bad := &Condition{left: Attribute("a").Eq(1), operator: OpAnd}
		errs := bad.HasErrors()
		require.NotNil(t, errs)
		assert.Contains(t, errs["condition"], "right operand")
	})

	t.Run("errors are nested by path", func(t *testing.T) {
		bad := And(Attribute("").Eq(1), Attribute("b").Eq(2))
		errs := bad.HasErrors()
		require.NotNil(t, errs)
		assert.Contains(t, errs, "condition.left")
	})

	t.Run("well formed tree", func(t *testing.T) {
		good := Attribute("a").In(1, 2).Or(Attribute("b").Regexp("^x")).Not()
		assert.Nil(t, good.HasErrors())
	})
}
