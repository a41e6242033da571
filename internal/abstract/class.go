package abstract

import (
	"sort"
	"strconv"

	"github.com/funvibe/infera/internal/cfg"
	"github.com/funvibe/infera/internal/config"
	"github.com/funvibe/infera/internal/decl"
)

// Class is a class defined by the program or by a declaration file.
type Class struct {
	ClassName string
	Module    string
	Bases     []*cfg.Variable
	Members   map[string]*cfg.Variable
	// Metaclass is the explicit or inherited metaclass; nil means type.
	Metaclass *cfg.Variable
	Template  []*TypeParameter
	// Decl is set for declared classes.
	Decl *decl.Class
	// AbstractMethods lists abstract methods defined or inherited and not
	// overridden.
	AbstractMethods []string

	mro       []Value
	lazy      func(name string) (*cfg.Variable, bool)
	lazyNames func() []string
	order     []string
}

// NewClass creates a class with the given members.
func NewClass(name, module string, bases []*cfg.Variable, members map[string]*cfg.Variable) *Class {
	c := &Class{
		ClassName: name,
		Module:    module,
		Bases:     bases,
		Members:   make(map[string]*cfg.Variable),
	}
	names := make([]string, 0, len(members))
	for n := range members {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		c.SetMember(n, members[n])
	}
	return c
}

func (*Class) isValue()         {}
func (c *Class) Name() string   { return c.ClassName }
func (c *Class) String() string { return "Type[" + classDisplayName(c) + "]" }

// FullName returns module.name.
func (c *Class) FullName() string {
	if c.Module == "" {
		return c.ClassName
	}
	return c.Module + "." + c.ClassName
}

// IsDeclared reports whether the class comes from a declaration file.
func (c *Class) IsDeclared() bool { return c.Decl != nil }

// SetLazyLoader installs a loader for members that are converted on first
// use.
func (c *Class) SetLazyLoader(load func(name string) (*cfg.Variable, bool), names func() []string) {
	c.lazy = load
	c.lazyNames = names
}

// Member returns the class's own member name, loading it if needed.
func (c *Class) Member(name string) (*cfg.Variable, bool) {
	if v, ok := c.Members[name]; ok {
		return v, true
	}
	if c.lazy == nil {
		return nil, false
	}
	v, ok := c.lazy(name)
	if ok {
		c.SetMember(name, v)
	}
	return v, ok
}

// SetMember sets or replaces an own member.
func (c *Class) SetMember(name string, v *cfg.Variable) {
	if _, ok := c.Members[name]; !ok {
		c.order = append(c.order, name)
	}
	c.Members[name] = v
}

// MemberNames returns the own member names, loaded or not.
func (c *Class) MemberNames() []string {
	names := append([]string(nil), c.order...)
	if c.lazyNames != nil {
		for _, n := range c.lazyNames() {
			if _, ok := c.Members[n]; !ok {
				names = append(names, n)
			}
		}
	}
	return names
}

// MRO returns the method resolution order, starting with c itself.
func (c *Class) MRO() []Value {
	if c.mro == nil {
		return []Value{c}
	}
	return c.mro
}

// SetMRO stores a linearization computed by ComputeMRO.
func (c *Class) SetMRO(mro []Value) { c.mro = mro }

// TemplateNames returns the names of the class's type parameters.
func (c *Class) TemplateNames() []string {
	names := make([]string, len(c.Template))
	for i, tp := range c.Template {
		names[i] = tp.ParamName
	}
	return names
}

// IsAbstract reports whether instantiating c is an error: its metaclass
// derives from abc.ABCMeta and it has abstract methods.
func (c *Class) IsAbstract() bool {
	if len(c.AbstractMethods) == 0 || c.Metaclass == nil {
		return false
	}
	for _, m := range c.Metaclass.Data() {
		for _, k := range MROOf(m.(Value)) {
			if kc, ok := BaseClass(k); ok && kc.ClassName == config.ABCMetaClassName && kc.Module == config.ABCModule {
				return true
			}
		}
	}
	return false
}

// PCKind distinguishes the flavours of parameterized classes
type PCKind int

const (
	PCGeneric PCKind = iota
	PCTuple
	PCCallable
)

// ParameterizedClass is a class applied to type arguments. Parameters are
// resolved on first use so that a class can refer to itself in its bases.
type ParameterizedClass struct {
	Base *Class
	Kind PCKind

	names  []string
	params map[string]Value
	thunks map[string]func() Value
}

// NewParameterizedClass creates a parameterized class. names gives the
// parameter order; each name must have a thunk.
func NewParameterizedClass(base *Class, kind PCKind, names []string, thunks map[string]func() Value) *ParameterizedClass {
	return &ParameterizedClass{
		Base:   base,
		Kind:   kind,
		names:  names,
		params: make(map[string]Value),
		thunks: thunks,
	}
}

func (*ParameterizedClass) isValue()         {}
func (p *ParameterizedClass) Name() string   { return p.Base.ClassName }
func (p *ParameterizedClass) String() string { return "Type[" + printParameterized(p, 0) + "]" }

// ParamNames returns the parameter names in order.
func (p *ParameterizedClass) ParamNames() []string { return p.names }

// Param resolves the parameter name. Unknown names give nil.
func (p *ParameterizedClass) Param(name string) Value {
	if v, ok := p.params[name]; ok {
		return v
	}
	thunk, ok := p.thunks[name]
	if !ok {
		return nil
	}
	v := thunk()
	p.params[name] = v
	return v
}

// Positions returns the positional parameters of a tuple or callable
// class: the elements, or the argument types.
func (p *ParameterizedClass) Positions() []Value {
	var out []Value
	for i := 0; ; i++ {
		v := p.Param(strconv.Itoa(i))
		if v == nil {
			return out
		}
		out = append(out, v)
	}
}

// MRO is the base's linearization with p in front.
func (p *ParameterizedClass) MRO() []Value {
	base := p.Base.MRO()
	out := make([]Value, 0, len(base))
	out = append(out, p)
	return append(out, base[1:]...)
}

// TypeParameter is a type variable.
type TypeParameter struct {
	ParamName   string
	Bound       Value
	Constraints []Value
	Scope       string
}

func (*TypeParameter) isValue()         {}
func (t *TypeParameter) Name() string   { return t.ParamName }
func (t *TypeParameter) String() string { return t.ParamName }

// TypeParameterInstance is a type parameter viewed through the instance
// that binds it, e.g. the element of a particular list.
type TypeParameterInstance struct {
	Param    *TypeParameter
	Instance *Instance
}

func (*TypeParameterInstance) isValue()       {}
func (t *TypeParameterInstance) Name() string { return t.Param.ParamName }
func (t *TypeParameterInstance) String() string {
	if v, ok := t.Instance.TypeParam(t.Param.ParamName); ok {
		return variableString(v, nil, 1)
	}
	return t.Param.ParamName
}

// BaseClass returns the class behind a Class or ParameterizedClass.
func BaseClass(v Value) (*Class, bool) {
	switch c := v.(type) {
	case *Class:
		return c, true
	case *ParameterizedClass:
		return c.Base, true
	}
	return nil, false
}

// IsClass reports whether v is a class of any flavour.
func IsClass(v Value) bool {
	_, ok := BaseClass(v)
	return ok
}

// MROOf returns the linearization of a class value. Wildcards linearize
// to themselves.
func MROOf(v Value) []Value {
	switch c := v.(type) {
	case *Class:
		return c.MRO()
	case *ParameterizedClass:
		return c.MRO()
	}
	return []Value{v}
}

// SameClass compares classes by their base class.
func SameClass(a, b Value) bool {
	if a == b {
		return true
	}
	ca, ok := BaseClass(a)
	if !ok {
		return false
	}
	cb, ok := BaseClass(b)
	return ok && ca == cb
}

// IsSubclass reports whether sup appears in the MRO of sub.
func IsSubclass(sub, sup Value) bool {
	for _, m := range MROOf(sub) {
		if SameClass(m, sup) {
			return true
		}
	}
	return false
}
