// Package decl holds declared types: the signatures of builtin and
// library modules that the analysis consults instead of running their code.
package decl

import (
	"sort"
	"strings"
)

// Type is a declared type expression
type Type interface {
	isType()
	String() string
}

// ClassType refers to a class by name; Cls is filled in by linking.
type ClassType struct {
	Name string
	Cls  *Class
}

// GenericType is a class applied to type arguments, e.g. List[int].
type GenericType struct {
	Base   *ClassType
	Params []Type
}

// TupleType is a heterogeneous tuple, e.g. Tuple[str, int].
type TupleType struct {
	Base   *ClassType
	Params []Type
}

// CallableType is Callable[[args...], ret].
type CallableType struct {
	Base *ClassType
	Args []Type
	Ret  Type
}

// UnionType is a flat union of alternatives.
type UnionType struct {
	Types []Type
}

// AnythingType is Any.
type AnythingType struct{}

// NothingType is the uninhabited type.
type NothingType struct{}

// TypeParameter is a type variable such as _T.
type TypeParameter struct {
	Name        string
	Bound       Type
	Constraints []Type
	// Scope is the module or class the parameter belongs to.
	Scope string
}

// AsInstance marks a type that should be converted to an instance of
// itself rather than to the class.
type AsInstance struct {
	Type Type
}

func (*ClassType) isType()     {}
func (*GenericType) isType()   {}
func (*TupleType) isType()     {}
func (*CallableType) isType()  {}
func (*UnionType) isType()     {}
func (*AnythingType) isType()  {}
func (*NothingType) isType()   {}
func (*TypeParameter) isType() {}

func (t *ClassType) String() string { return t.Name }

func (t *GenericType) String() string {
	return t.Base.Name + "[" + joinTypes(t.Params) + "]"
}

func (t *TupleType) String() string {
	return "Tuple[" + joinTypes(t.Params) + "]"
}

func (t *CallableType) String() string {
	return "Callable[[" + joinTypes(t.Args) + "], " + t.Ret.String() + "]"
}

func (t *UnionType) String() string {
	return "Union[" + joinTypes(t.Types) + "]"
}

func (*AnythingType) String() string { return "Any" }
func (*NothingType) String() string  { return "nothing" }
func (t *TypeParameter) String() string {
	return t.Name
}

func joinTypes(ts []Type) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = t.String()
	}
	return strings.Join(parts, ", ")
}

// Anything and Nothing are shared instances.
var (
	Anything = &AnythingType{}
	Nothing  = &NothingType{}
)

// Module is a loaded declaration file
type Module struct {
	Name       string
	Classes    map[string]*Class
	Functions  map[string]*Function
	Constants  map[string]*Constant
	Aliases    map[string]*Alias
	TypeParams map[string]*TypeParameter
}

// NewModule creates an empty module.
func NewModule(name string) *Module {
	return &Module{
		Name:       name,
		Classes:    make(map[string]*Class),
		Functions:  make(map[string]*Function),
		Constants:  make(map[string]*Constant),
		Aliases:    make(map[string]*Alias),
		TypeParams: make(map[string]*TypeParameter),
	}
}

// Lookup finds a top-level member: *Class, *Function, *Constant, *Alias
// or *TypeParameter.
func (m *Module) Lookup(name string) (any, bool) {
	if c, ok := m.Classes[name]; ok {
		return c, true
	}
	if f, ok := m.Functions[name]; ok {
		return f, true
	}
	if c, ok := m.Constants[name]; ok {
		return c, true
	}
	if a, ok := m.Aliases[name]; ok {
		return a, true
	}
	if tp, ok := m.TypeParams[name]; ok {
		return tp, true
	}
	return nil, false
}

// MemberNames returns all top-level names, sorted.
func (m *Module) MemberNames() []string {
	var names []string
	for n := range m.Classes {
		names = append(names, n)
	}
	for n := range m.Functions {
		names = append(names, n)
	}
	for n := range m.Constants {
		names = append(names, n)
	}
	for n := range m.Aliases {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Class is a declared class
type Class struct {
	Name      string
	Module    string
	Bases     []Type
	Metaclass Type
	Template  []*TypeParameter
	Methods   map[string]*Function
	Constants map[string]*Constant
}

// QualifiedName returns module.name.
func (c *Class) QualifiedName() string {
	if c.Module == "" {
		return c.Name
	}
	return c.Module + "." + c.Name
}

// TemplateNames returns the names of the class's type parameters.
func (c *Class) TemplateNames() []string {
	names := make([]string, len(c.Template))
	for i, tp := range c.Template {
		names[i] = tp.Name
	}
	return names
}

// Lookup finds a method or class constant.
func (c *Class) Lookup(name string) (any, bool) {
	if f, ok := c.Methods[name]; ok {
		return f, true
	}
	if k, ok := c.Constants[name]; ok {
		return k, true
	}
	return nil, false
}

// MethodKind distinguishes instance, static and class methods
type MethodKind int

const (
	MethodKindMethod MethodKind = iota
	MethodKindStatic
	MethodKindClass
)

// Function is a declared function or method with one or more overloads
type Function struct {
	Name       string
	Module     string
	Signatures []*Signature
	Kind       MethodKind
	IsAbstract bool
}

// QualifiedName returns module.name.
func (f *Function) QualifiedName() string {
	if f.Module == "" {
		return f.Name
	}
	return f.Module + "." + f.Name
}

// ParamKind distinguishes positional, *args and **kwargs parameters
type ParamKind int

const (
	ParamPositional ParamKind = iota
	ParamStar
	ParamStarStar
)

// Param is a declared parameter
type Param struct {
	Name     string
	Type     Type
	Optional bool
	Kind     ParamKind
	// Mutated is the parameter's type after the call, if the call changes
	// the type parameters of the argument (e.g. list.append).
	Mutated Type
}

// Signature is one overload of a declared function
type Signature struct {
	Params []*Param
	Return Type
}

func (s *Signature) String() string {
	parts := make([]string, len(s.Params))
	for i, p := range s.Params {
		prefix := ""
		switch p.Kind {
		case ParamStar:
			prefix = "*"
		case ParamStarStar:
			prefix = "**"
		}
		part := prefix + p.Name
		if p.Type != nil {
			part += ": " + p.Type.String()
		}
		if p.Optional {
			part += " = ..."
		}
		parts[i] = part
	}
	ret := "Any"
	if s.Return != nil {
		ret = s.Return.String()
	}
	return "(" + strings.Join(parts, ", ") + ") -> " + ret
}

// Constant is a declared module or class constant
type Constant struct {
	Name string
	Type Type
}

// Alias is a declared type alias
type Alias struct {
	Name string
	Type Type
}
