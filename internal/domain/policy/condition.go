package policy

// Operator names a condition predicate. Leaf operators compare a resolved
// field against a literal; composite operators combine child conditions.
type Operator string

const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "not_equals"
	OpGreaterThan        Operator = "greater_than"
	OpLessThan           Operator = "less_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
	OpContains           Operator = "contains"
	OpIn                 Operator = "in"
	OpNotIn              Operator = "not_in"
	OpMatches            Operator = "matches"
	OpExists             Operator = "exists"
	OpNotExists          Operator = "not_exists"
	OpStartsWith         Operator = "starts_with"
	OpEndsWith           Operator = "ends_with"

	OpAnd Operator = "and"
	OpOr  Operator = "or"
	OpNot Operator = "not"
)

// ValidOperator reports whether op is part of the closed operator set.
func ValidOperator(op Operator) bool {
	switch op {
	case OpEquals, OpNotEquals,
		OpGreaterThan, OpLessThan, OpGreaterThanOrEqual, OpLessThanOrEqual,
		OpContains, OpIn, OpNotIn, OpMatches,
		OpExists, OpNotExists, OpStartsWith, OpEndsWith,
		OpAnd, OpOr, OpNot:
		return true
	}
	return false
}

// IsComposite reports whether op combines child conditions.
func (op Operator) IsComposite() bool {
	return op == OpAnd || op == OpOr || op == OpNot
}

// NeedsValue reports whether a leaf with this operator requires a literal.
// exists/not_exists only test field presence.
func (op Operator) NeedsValue() bool {
	switch op {
	case OpExists, OpNotExists:
		return false
	}
	return !op.IsComposite()
}

// Condition is a tree node. Leaves carry Field/Operator/Value; composites
// carry Operator and Conditions. Committed conditions are immutable.
type Condition struct {
	// Operator selects the predicate or combinator.
	Operator Operator `json:"operator" yaml:"operator"`
	// Field is the dotted context path a leaf resolves ("llm.maxTokens").
	Field string `json:"field,omitempty" yaml:"field,omitempty"`
	// Value is the literal a leaf compares against.
	Value any `json:"value,omitempty" yaml:"value,omitempty"`
	// Conditions are the children of a composite node.
	Conditions []*Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// IsComposite reports whether the node combines children.
func (c *Condition) IsComposite() bool {
	return c != nil && c.Operator.IsComposite()
}

// Clone returns a deep copy of the condition tree.
func (c *Condition) Clone() *Condition {
	if c == nil {
		return nil
	}
	cp := *c
	if len(c.Conditions) > 0 {
		cp.Conditions = make([]*Condition, len(c.Conditions))
		for i, child := range c.Conditions {
			cp.Conditions[i] = child.Clone()
		}
	}
	return &cp
}

// Walk visits the node and every descendant in depth-first order.
func (c *Condition) Walk(visit func(*Condition)) {
	if c == nil {
		return
	}
	visit(c)
	for _, child := range c.Conditions {
		child.Walk(visit)
	}
}

// Leaves returns the leaf nodes of the tree in depth-first order.
func (c *Condition) Leaves() []*Condition {
	var leaves []*Condition
	c.Walk(func(node *Condition) {
		if !node.IsComposite() {
			leaves = append(leaves, node)
		}
	})
	return leaves
}
