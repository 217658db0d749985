package core

import "fmt"

// FilterOp is a comparison applied to one metadata key.
type FilterOp string

const (
	OpEq  FilterOp = "eq"
	OpNe  FilterOp = "ne"
	OpGt  FilterOp = "gt"
	OpGte FilterOp = "gte"
	OpLt  FilterOp = "lt"
	OpLte FilterOp = "lte"
)

// Condition compares a metadata key against a value.
type Condition struct {
	Key   string
	Op    FilterOp
	Value Value
}

// Filter is a conjunction of conditions. The zero Filter matches everything.
type Filter struct {
	Conditions []Condition
}

// Empty reports whether the filter has no conditions.
func (f Filter) Empty() bool {
	return len(f.Conditions) == 0
}

// Validate checks that every condition can be evaluated.
func (f Filter) Validate() error {
	for _, c := range f.Conditions {
		if c.Key == "" {
			return fmt.Errorf("%w: condition without key", ErrInvalidFilter)
		}
		switch c.Op {
		case OpEq, OpNe:
		case OpGt, OpGte, OpLt, OpLte:
			if c.Value.Kind == KindBool {
				return fmt.Errorf("%w: %s is not defined for boolean %q", ErrInvalidFilter, c.Op, c.Key)
			}
		default:
			return fmt.Errorf("%w: unknown operator %q", ErrInvalidFilter, c.Op)
		}
		if c.Value.Kind == 0 {
			return fmt.Errorf("%w: condition on %q has no value", ErrInvalidFilter, c.Key)
		}
	}
	return nil
}

// Match reports whether metadata satisfies every condition. A missing key
// fails every operator except ne.
func (f Filter) Match(md Metadata) bool {
	for _, c := range f.Conditions {
		if !c.match(md) {
			return false
		}
	}
	return true
}

func (c Condition) match(md Metadata) bool {
	v, ok := md[c.Key]
	if !ok {
		return c.Op == OpNe
	}
	switch c.Op {
	case OpEq:
		return v.Equal(c.Value)
	case OpNe:
		return !v.Equal(c.Value)
	}
	cmp, ordered := v.Compare(c.Value)
	if !ordered {
		return false
	}
	switch c.Op {
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	}
	return false
}

// Eq is shorthand for an equality condition.
func Eq(key string, v Value) Condition {
	return Condition{Key: key, Op: OpEq, Value: v}
}
