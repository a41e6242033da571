// Package abstract defines the values the interpreter reasons about. A
// variable in the graph store holds one binding per possible Value.
package abstract

import (
	"strings"

	"github.com/funvibe/infera/internal/cfg"
)

// Value is one possible runtime value (or class of values) of a variable.
type Value interface {
	// Name is the short name used in diagnostics.
	Name() string
	// String renders the value as a type.
	String() string
	isValue()
}

// Unsolvable is the wildcard for values the analysis gave up on.
type Unsolvable struct{}

// Unknown is a wildcard for a value the analysis cannot see, such as an
// argument of an uncalled function. Owner is the binding it stands for,
// if any.
type Unknown struct {
	ID    int
	Owner *cfg.Binding
}

// Nothing is the uninhabited type: a variable containing it has no
// possible runtime value.
type Nothing struct{}

// Empty marks a position that received no value at all, e.g. a slot of an
// unpacked sequence with no alternatives.
type Empty struct{}

func (*Unsolvable) isValue() {}
func (*Unknown) isValue()    {}
func (*Nothing) isValue()    {}
func (*Empty) isValue()      {}

func (*Unsolvable) Name() string { return "Any" }
func (*Unsolvable) String() string {
	return "Any"
}
func (*Unknown) Name() string   { return "?" }
func (*Unknown) String() string { return "?" }
func (*Nothing) Name() string   { return "nothing" }
func (*Nothing) String() string { return "nothing" }
func (*Empty) Name() string     { return "empty" }
func (*Empty) String() string   { return "nothing" }

// IsAmbiguous reports whether v is a wildcard or a sentinel, i.e. a value
// whose class is not known.
func IsAmbiguous(v Value) bool {
	switch v.(type) {
	case *Unsolvable, *Unknown, *Empty:
		return true
	}
	return false
}

// IsWildcard reports whether v is Unsolvable or Unknown.
func IsWildcard(v Value) bool {
	switch v.(type) {
	case *Unsolvable, *Unknown:
		return true
	}
	return false
}

// Union is a flat set of alternatives.
type Union struct {
	Options []Value
}

func (*Union) isValue()       {}
func (u *Union) Name() string { return u.String() }
func (u *Union) String() string {
	parts := make([]string, len(u.Options))
	for i, o := range u.Options {
		parts[i] = o.String()
	}
	return "Union[" + strings.Join(parts, ", ") + "]"
}

// NewUnion flattens nested unions and drops duplicates. With a single
// alternative that alternative is returned; with none, nil.
func NewUnion(options ...Value) Value {
	var flat []Value
	seen := make(map[Value]bool)
	var add func(v Value)
	add = func(v Value) {
		if u, ok := v.(*Union); ok {
			for _, o := range u.Options {
				add(o)
			}
			return
		}
		if seen[v] {
			return
		}
		seen[v] = true
		flat = append(flat, v)
	}
	for _, o := range options {
		add(o)
	}
	switch len(flat) {
	case 0:
		return nil
	case 1:
		return flat[0]
	}
	return &Union{Options: flat}
}

// SpecialBuiltin is a builtin implemented by the interpreter itself.
type SpecialBuiltin struct {
	BuiltinName string
}

func (*SpecialBuiltin) isValue()         {}
func (s *SpecialBuiltin) Name() string   { return s.BuiltinName }
func (s *SpecialBuiltin) String() string { return "Callable[..., Any]" }

// Values returns the data of the bindings of v visible at node (all
// bindings if node is nil) as Values.
func Values(v *cfg.Variable, node *cfg.Node) []Value {
	bindings := v.Filter(node)
	out := make([]Value, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, b.Data.(Value))
	}
	return out
}

// Data returns the Value of a binding.
func Data(b *cfg.Binding) Value {
	return b.Data.(Value)
}
