package persist

import "fmt"

// Condition is one node of an immutable boolean expression tree over
// attribute comparisons.
//
// A leaf holds an attribute name, a comparison operator and a literal
// comparison value (scalar or slice). A composite holds a left condition,
// a group operator (AND/OR/NOT) and, except for NOT, a right condition.
// Builder methods never mutate their operands; every call returns a fresh
// node, so conditions can be shared and recombined freely.
//
//	cond := persist.Attribute("age").Gt(18).
//		And(persist.Attribute("status").Eq("active"))
type Condition struct {
	attr     string
	left     *Condition
	operator Operator
	value    any
	right    *Condition
}

// Attribute starts a leaf condition for the named attribute.
func Attribute(name string) AttributeBuilder {
	return AttributeBuilder{name: name}
}

// AttributeBuilder binds an attribute name until a comparison fixes it
// into a Condition.
type AttributeBuilder struct {
	name string
}

func (b AttributeBuilder) leaf(op Operator, v any) *Condition {
	return &Condition{attr: b.name, operator: op, value: v}
}

// Eq builds an equality condition.
func (b AttributeBuilder) Eq(v any) *Condition { return b.leaf(OpEq, v) }

// Dif builds an inequality condition.
func (b AttributeBuilder) Dif(v any) *Condition { return b.leaf(OpDif, v) }

// Gt builds a greater-than condition.
func (b AttributeBuilder) Gt(v any) *Condition { return b.leaf(OpGt, v) }

// Gte builds a greater-than-or-equal condition.
func (b AttributeBuilder) Gte(v any) *Condition { return b.leaf(OpGte, v) }

// Lt builds a less-than condition.
func (b AttributeBuilder) Lt(v any) *Condition { return b.leaf(OpLt, v) }

// Lte builds a less-than-or-equal condition.
func (b AttributeBuilder) Lte(v any) *Condition { return b.leaf(OpLte, v) }

// In builds a membership condition over the given values.
func (b AttributeBuilder) In(values ...any) *Condition { return b.leaf(OpIn, values) }

// Regexp builds a pattern-match condition.
func (b AttributeBuilder) Regexp(pattern string) *Condition { return b.leaf(OpRegexp, pattern) }

// And combines two conditions into an AND composite.
func And(a, b *Condition) *Condition {
	return &Condition{left: a, operator: OpAnd, right: b}
}

// Or combines two conditions into an OR composite.
func Or(a, b *Condition) *Condition {
	return &Condition{left: a, operator: OpOr, right: b}
}

// And returns a new composite ANDing c with other. c is not mutated.
func (c *Condition) And(other *Condition) *Condition { return And(c, other) }

// Or returns a new composite ORing c with other. c is not mutated.
func (c *Condition) Or(other *Condition) *Condition { return Or(c, other) }

// Not wraps c in a NOT composite.
func (c *Condition) Not() *Condition {
	return &Condition{left: c, operator: OpNot}
}

// IsLeaf reports whether c compares a single attribute.
func (c *Condition) IsLeaf() bool { return c.left == nil }

// Attr returns the attribute name of a leaf condition.
func (c *Condition) Attr() string { return c.attr }

// Operator returns the node's operator.
func (c *Condition) Operator() Operator { return c.operator }

// Value returns the comparison value of a leaf condition.
func (c *Condition) Value() any { return c.value }

// Left returns the left operand of a composite condition, nil for leaves.
func (c *Condition) Left() *Condition { return c.left }

// Right returns the right operand of a composite condition. It is nil for
// leaves and for NOT composites.
func (c *Condition) Right() *Condition { return c.right }

// HasErrors validates the structural invariants of the tree. It returns a
// map of node path to message, or nil when the tree is well formed.
func (c *Condition) HasErrors() map[string]string {
	errs := make(map[string]string)
	c.validate("", errs)
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func (c *Condition) validate(path string, errs map[string]string) {
	if path == "" {
		path = "condition"
	}

	if c.IsLeaf() {
		if c.attr == "" {
			errs[path] = "leaf condition has no attribute"
			return
		}
		if !c.operator.IsComparison() {
			errs[path] = fmt.Sprintf("operator %s is not a comparison operator", c.operator)
		}
		if _, ok := c.value.(*Condition); ok {
			errs[path] = "leaf comparison value must not be a condition"
		}
		return
	}

	if !c.operator.IsGroup() {
		errs[path] = fmt.Sprintf("operator %s is not a group operator", c.operator)
	}
	if c.attr != "" {
		errs[path] = "composite condition must not carry an attribute"
	}
	if c.operator == OpNot {
		if c.right != nil {
			errs[path] = "NOT takes a single operand"
		}
	} else if c.right == nil {
		errs[path] = fmt.Sprintf("%s requires a right operand", c.operator)
	}

	c.left.validate(path+".left", errs)
	if c.right != nil {
		c.right.validate(path+".right", errs)
	}
}
