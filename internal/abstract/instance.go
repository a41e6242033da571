package abstract

import (
	"fmt"
	"strconv"

	"github.com/funvibe/infera/internal/bytecode"
	"github.com/funvibe/infera/internal/cfg"
	"github.com/funvibe/infera/internal/decl"
)

// Constant wraps an exact literal: None, True, False, a small integer, a
// string, Ellipsis or a code object.
type Constant struct {
	Value any
	Cls   Value
}

func (*Constant) isValue() {}

func (c *Constant) Name() string {
	switch v := c.Value.(type) {
	case nil:
		return "None"
	case bool:
		if v {
			return "True"
		}
		return "False"
	case string:
		return strconv.Quote(v)
	case int64:
		return strconv.FormatInt(v, 10)
	}
	return c.Cls.Name()
}

func (c *Constant) String() string {
	if c.Value == nil {
		return "None"
	}
	return displayName(c.Cls, 0)
}

// InstanceKind selects the container behaviour of an Instance
type InstanceKind int

const (
	KindPlain InstanceKind = iota
	KindList
	KindTuple
	KindDict
	KindSet
	KindIterator
	KindGenerator
)

func (k InstanceKind) String() string {
	switch k {
	case KindList:
		return "list"
	case KindTuple:
		return "tuple"
	case KindDict:
		return "dict"
	case KindSet:
		return "set"
	case KindIterator:
		return "iterator"
	case KindGenerator:
		return "generator"
	}
	return "instance"
}

// GeneratorState is the body of a generator instance. The interpreter runs
// Frame once, on demand, to learn the yielded type.
type GeneratorState struct {
	Frame any
	Ran   bool
}

// Instance is an instance of a class. Type parameters are filled lazily:
// a missing parameter means nothing is known yet.
type Instance struct {
	Cls  Value
	Kind InstanceKind

	// Content holds the positions of a literal tuple or list.
	Content []*cfg.Variable
	// Entries holds the string-keyed items of a literal dict.
	Entries map[string]*cfg.Variable
	// Opaque is set once a literal container changed in a way that
	// Content or Entries can't follow.
	Opaque bool

	Members   map[string]*cfg.Variable
	Generator *GeneratorState

	params     map[string]*cfg.Variable
	paramOrder []string
}

// NewInstance creates an instance of cls.
func NewInstance(cls Value, kind InstanceKind) *Instance {
	return &Instance{
		Cls:     cls,
		Kind:    kind,
		Members: make(map[string]*cfg.Variable),
		params:  make(map[string]*cfg.Variable),
	}
}

func (*Instance) isValue()         {}
func (i *Instance) Name() string   { return displayName(i.Cls, 0) }
func (i *Instance) String() string { return printInstance(i, 0) }

// TypeParam returns the variable bound to a type parameter.
func (i *Instance) TypeParam(name string) (*cfg.Variable, bool) {
	v, ok := i.params[name]
	return v, ok
}

// TypeParamNames returns the bound parameter names in binding order.
func (i *Instance) TypeParamNames() []string { return i.paramOrder }

// SetTypeParam binds or rebinds a type parameter.
func (i *Instance) SetTypeParam(name string, v *cfg.Variable) {
	if _, ok := i.params[name]; !ok {
		i.paramOrder = append(i.paramOrder, name)
	}
	i.params[name] = v
}

// MergeTypeParam adds the bindings of v to the type parameter at node.
func (i *Instance) MergeTypeParam(node *cfg.Node, name string, v *cfg.Variable) {
	if existing, ok := i.params[name]; ok {
		existing.PasteVariable(v, node, nil)
		return
	}
	nv := v.Program().NewVariable(nil, nil, nil)
	nv.PasteVariable(v, node, nil)
	i.SetTypeParam(name, nv)
}

// IsLiteral reports whether the positions of a tuple or list are known.
func (i *Instance) IsLiteral() bool {
	return (i.Kind == KindTuple || i.Kind == KindList) && i.Content != nil && !i.Opaque
}

// Function is an interpreter function (Code set) or a declared function
// (Decl set).
type Function struct {
	FuncName string
	Module   string

	Code            *bytecode.Code
	Globals         *Dict
	Defaults        []*cfg.Variable
	KwDefaults      map[string]*cfg.Variable
	Closure         []*cfg.Variable
	Annotations     map[string]Value
	LateAnnotations map[string]*LateAnnotation
	IsAbstract      bool

	Decl *decl.Function

	Members map[string]*cfg.Variable
}

func (*Function) isValue()       {}
func (f *Function) Name() string { return f.FuncName }
func (f *Function) String() string {
	ret := "Any"
	if r, ok := f.Annotations["return"]; ok {
		ret = instanceString(r, 1)
	}
	return "Callable[..., " + ret + "]"
}

// IsDeclared reports whether f comes from a declaration file.
func (f *Function) IsDeclared() bool { return f.Decl != nil }

// LateAnnotation is an annotation written as a string, resolved after the
// module body has run.
type LateAnnotation struct {
	Expr string
	Name string
	Line int
	// Resolved is set by the resolution pass.
	Resolved Value
}

func (a *LateAnnotation) String() string {
	return fmt.Sprintf("LateAnnotation(%q)", a.Expr)
}

// BoundMethod is a function bound to a receiver.
type BoundMethod struct {
	Self *cfg.Variable
	Func *Function
}

func (*BoundMethod) isValue()         {}
func (m *BoundMethod) Name() string   { return m.Func.FuncName }
func (m *BoundMethod) String() string { return m.Func.String() }
