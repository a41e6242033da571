// Package convert turns declared types and literal constants into
// abstract values. Conversions are memoized so that each declared class,
// function and literal maps to one value.
package convert

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/funvibe/infera/internal/abstract"
	"github.com/funvibe/infera/internal/bytecode"
	"github.com/funvibe/infera/internal/cfg"
	"github.com/funvibe/infera/internal/config"
	"github.com/funvibe/infera/internal/decl"
	"github.com/funvibe/infera/internal/diagnostics"
)

// ErrUnsupportedConstant is returned for a Go value the converter has no
// rule for. It indicates an engine bug, not a user error.
var ErrUnsupportedConstant = errors.New("unsupported constant")

// TypeParameterError is returned when a declared type parameter has no
// substitution.
type TypeParameterError struct {
	Name string
}

func (e *TypeParameterError) Error() string {
	return fmt.Sprintf("type parameter %s has no substitution", e.Name)
}

// Subst maps type parameter names to the variables they stand for.
type Subst map[string]*cfg.Variable

// Environment is the view of the interpreter the converter needs.
type Environment interface {
	Location() diagnostics.Location
	CurrentOpcode() *bytecode.Instruction
}

type unknownKey struct {
	op     *bytecode.Instruction
	action string
}

// Converter creates abstract values. It owns the singletons and the
// built-in classes of one analysis.
type Converter struct {
	program  *cfg.Program
	root     *cfg.Node
	loader   *decl.Loader
	errorlog *diagnostics.ErrorLog
	opts     *config.Options
	env      Environment
	log      zerolog.Logger

	arena    *arena
	builtins *decl.Module
	typing   *decl.Module

	unknowns    map[unknownKey]*cfg.Variable
	nextUnknown int

	// OnUnknown is called for every new Unknown.
	OnUnknown func(name string, b *cfg.Binding)

	Unsolvable *abstract.Unsolvable
	Nothing    *abstract.Nothing
	Empty      *abstract.Empty
	None       *abstract.Constant
	True       *abstract.Constant
	False      *abstract.Constant
	Ellipsis   *abstract.Constant

	ObjectClass    *abstract.Class
	TypeClass      *abstract.Class
	NoneClass      *abstract.Class
	BoolClass      *abstract.Class
	IntClass       *abstract.Class
	FloatClass     *abstract.Class
	ComplexClass   *abstract.Class
	StrClass       *abstract.Class
	BytesClass     *abstract.Class
	TupleClass     *abstract.Class
	ListClass      *abstract.Class
	DictClass      *abstract.Class
	SetClass       *abstract.Class
	SliceClass     *abstract.Class
	FunctionClass  *abstract.Class
	IteratorClass  *abstract.Class
	GeneratorClass *abstract.Class
	ModuleClass    *abstract.Class
	CodeClass      *abstract.Class
	PropertyClass  *abstract.Class
	EllipsisClass  *abstract.Class
	IterableClass  *abstract.Class
	MappingClass   *abstract.Class
	CallableClass  *abstract.Class
}

// New creates a converter. The program must already have its root node.
// env may be nil, in which case diagnostics carry no location.
func New(program *cfg.Program, loader *decl.Loader, errorlog *diagnostics.ErrorLog, opts *config.Options, env Environment) (*Converter, error) {
	if program.Entrypoint == nil {
		return nil, errors.New("convert: program has no root node")
	}
	if opts == nil {
		opts = config.DefaultOptions()
	}
	c := &Converter{
		program:    program,
		root:       program.Entrypoint,
		loader:     loader,
		errorlog:   errorlog,
		opts:       opts,
		env:        env,
		log:        zerolog.Nop(),
		arena:      newArena(),
		unknowns:   make(map[unknownKey]*cfg.Variable),
		Unsolvable: &abstract.Unsolvable{},
		Nothing:    &abstract.Nothing{},
		Empty:      &abstract.Empty{},
	}
	var err error
	if c.builtins, err = loader.Builtins(); err != nil {
		return nil, err
	}
	if c.typing, err = loader.ImportName(config.TypingModule); err != nil {
		return nil, err
	}
	for _, bc := range []struct {
		dst    **abstract.Class
		module *decl.Module
		name   string
	}{
		{&c.ObjectClass, c.builtins, config.ObjectClassName},
		{&c.TypeClass, c.builtins, config.TypeClassName},
		{&c.NoneClass, c.builtins, config.NoneTypeName},
		{&c.BoolClass, c.builtins, config.BoolClassName},
		{&c.IntClass, c.builtins, config.IntClassName},
		{&c.FloatClass, c.builtins, config.FloatClassName},
		{&c.ComplexClass, c.builtins, config.ComplexClassName},
		{&c.StrClass, c.builtins, config.StrClassName},
		{&c.BytesClass, c.builtins, config.BytesClassName},
		{&c.TupleClass, c.builtins, config.TupleClassName},
		{&c.ListClass, c.builtins, config.ListClassName},
		{&c.DictClass, c.builtins, config.DictClassName},
		{&c.SetClass, c.builtins, config.SetClassName},
		{&c.SliceClass, c.builtins, config.SliceClassName},
		{&c.FunctionClass, c.builtins, config.FunctionClassName},
		{&c.IteratorClass, c.builtins, config.IteratorClassName},
		{&c.GeneratorClass, c.builtins, config.GeneratorClassName},
		{&c.ModuleClass, c.builtins, config.ModuleClassName},
		{&c.CodeClass, c.builtins, config.CodeClassName},
		{&c.PropertyClass, c.builtins, config.PropertyClassName},
		{&c.EllipsisClass, c.builtins, config.EllipsisClassName},
		{&c.IterableClass, c.typing, "Iterable"},
		{&c.MappingClass, c.typing, "Mapping"},
		{&c.CallableClass, c.typing, config.TypingCallable},
	} {
		d, ok := bc.module.Classes[bc.name]
		if !ok {
			return nil, fmt.Errorf("convert: %s.%s is not declared", bc.module.Name, bc.name)
		}
		v, err := c.ConstantToValue(d, nil, c.root)
		if err != nil {
			return nil, err
		}
		cls, ok := v.(*abstract.Class)
		if !ok {
			return nil, fmt.Errorf("convert: %s.%s converts to %s", bc.module.Name, bc.name, v)
		}
		*bc.dst = cls
	}

	c.None = &abstract.Constant{Value: nil, Cls: c.NoneClass}
	c.True = &abstract.Constant{Value: true, Cls: c.BoolClass}
	c.False = &abstract.Constant{Value: false, Cls: c.BoolClass}
	c.Ellipsis = &abstract.Constant{Value: bytecode.Ellipsis{}, Cls: c.EllipsisClass}
	c.seedInstance(c.NoneClass, c.None)
	c.seedInstance(c.EllipsisClass, c.Ellipsis)
	for _, cls := range []*abstract.Class{
		c.ObjectClass, c.BoolClass, c.IntClass, c.FloatClass, c.ComplexClass,
		c.StrClass, c.BytesClass, c.SliceClass, c.CodeClass, c.FunctionClass,
	} {
		c.seedInstance(cls, abstract.NewInstance(cls, abstract.KindPlain))
	}
	return c, nil
}

// SetLogger sets the logger used for conversion tracing.
func (c *Converter) SetLogger(l zerolog.Logger) { c.log = l }

// Root returns the node values are cached at.
func (c *Converter) Root() *cfg.Node { return c.root }

// Program returns the graph store.
func (c *Converter) Program() *cfg.Program { return c.program }

// CachedValues returns the number of interned values.
func (c *Converter) CachedValues() int { return c.arena.size() }

func (c *Converter) seedInstance(cls *abstract.Class, v abstract.Value) {
	k, _ := makeKey(keyInstance, abstract.Value(cls))
	c.arena.intern(k, v)
}

func (c *Converter) location() diagnostics.Location {
	if c.env == nil {
		return diagnostics.Location{}
	}
	return c.env.Location()
}

// getNode returns node and records that the conversion in progress used
// it.
func (c *Converter) getNode(node *cfg.Node) *cfg.Node {
	c.arena.markNode()
	return node
}

// ConstantToValue converts a declared type or literal constant to a
// single value.
func (c *Converter) ConstantToValue(pyval any, subst Subst, node *cfg.Node) (abstract.Value, error) {
	// Literal tuples are immutable and built entirely at the root.
	if _, ok := pyval.(bytecode.Tuple); ok || node == nil {
		node = c.root
	}
	key, ok := makeKey(keyConstant, pyval)
	if !ok {
		return c.constantToValue(pyval, subst, node)
	}
	return c.memoize(key, pyval, node, func() (abstract.Value, error) {
		return c.constantToValue(pyval, subst, node)
	})
}

func (c *Converter) memoize(key cacheKey, what any, node *cfg.Node, build func() (abstract.Value, error)) (abstract.Value, error) {
	switch v, state := c.arena.lookup(key); state {
	case slotDone:
		return v, nil
	case slotInProgress:
		name := describe(what)
		c.log.Debug().Str("value", name).Msg("recursive conversion")
		c.errorlog.RecursionError(c.location(), name)
		c.arena.poison(key)
		return c.Unsolvable, nil
	}
	c.arena.begin(key)
	v, err := build()
	if err != nil {
		c.arena.abort(key)
		return nil, err
	}
	return c.arena.finish(key, v, node == c.root, c.Unsolvable), nil
}

func describe(pyval any) string {
	switch v := pyval.(type) {
	case *decl.Class:
		return v.QualifiedName()
	case *decl.Function:
		return v.QualifiedName()
	case *decl.ClassType:
		return v.Name
	case abstract.Value:
		return v.Name()
	case decl.Type:
		return v.String()
	}
	return fmt.Sprintf("%v", pyval)
}

func (c *Converter) constantToValue(pyval any, subst Subst, node *cfg.Node) (abstract.Value, error) {
	switch v := pyval.(type) {
	case nil:
		return c.None, nil
	case bool:
		if v {
			return c.True, nil
		}
		return c.False, nil
	case int64:
		if v >= config.SmallIntMin && v <= config.MaxImportDepth {
			return &abstract.Constant{Value: v, Cls: c.IntClass}, nil
		}
		return c.primitive(c.IntClass), nil
	case int:
		return c.constantToValue(int64(v), subst, node)
	case *big.Int:
		return c.primitive(c.IntClass), nil
	case float64:
		return c.primitive(c.FloatClass), nil
	case complex128:
		return c.primitive(c.ComplexClass), nil
	case string:
		return &abstract.Constant{Value: v, Cls: c.StrClass}, nil
	case bytecode.Ellipsis:
		return c.Ellipsis, nil
	case *bytecode.Code:
		return &abstract.Constant{Value: v, Cls: c.CodeClass}, nil
	case bytecode.Tuple:
		content := make([]*cfg.Variable, len(v))
		for i, elem := range v {
			ev, err := c.ConstantToVar(elem, subst, c.root)
			if err != nil {
				return nil, err
			}
			content[i] = ev
		}
		return c.tupleInstance(content, c.root), nil
	case *decl.Module:
		return c.module(v), nil
	case *decl.Class:
		return c.declaredClass(v)
	case *decl.Function:
		return &abstract.Function{
			FuncName:   v.Name,
			Module:     v.Module,
			Decl:       v,
			IsAbstract: v.IsAbstract,
			Members:    make(map[string]*cfg.Variable),
		}, nil
	case *decl.ClassType:
		if v.Cls == nil {
			return c.Unsolvable, nil
		}
		return c.ConstantToValue(v.Cls, subst, c.root)
	case *decl.AnythingType:
		return c.Unsolvable, nil
	case *decl.NothingType:
		return c.Nothing, nil
	case *decl.UnionType:
		options := make([]abstract.Value, 0, len(v.Types))
		for _, t := range v.Types {
			o, err := c.ConstantToValue(t, subst, node)
			if err != nil {
				return nil, err
			}
			options = append(options, o)
		}
		return c.union(options), nil
	case *decl.TypeParameter:
		return c.typeParameter(v)
	case *decl.Alias:
		return c.ConstantToValue(v.Type, subst, node)
	case *decl.Constant:
		return c.ConstantToValue(decl.AsInstance{Type: v.Type}, subst, node)
	case decl.AsInstance:
		return c.asInstance(v.Type, subst, node)
	case *decl.GenericType:
		return c.genericClass(v)
	case *decl.TupleType:
		return c.tupleClass(v)
	case *decl.CallableType:
		return c.callableClass(v)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedConstant, pyval)
}

// ConstantToVar converts a declared type or constant to a variable. Unions
// become one binding per alternative; instances of type parameters take
// the bindings of their substitution.
func (c *Converter) ConstantToVar(pyval any, subst Subst, node *cfg.Node) (*cfg.Variable, error) {
	if node == nil {
		node = c.root
	}
	switch v := pyval.(type) {
	case *decl.UnionType:
		out := c.program.NewVariable(nil, nil, nil)
		for _, t := range v.Types {
			val, err := c.ConstantToValue(t, subst, node)
			if err != nil {
				return nil, err
			}
			out.AddBinding(val, nil, node)
		}
		return out, nil
	case *decl.NothingType:
		return c.program.NewVariable(nil, nil, nil), nil
	case *decl.Alias:
		return c.ConstantToVar(v.Type, subst, node)
	case *decl.Constant:
		return c.ConstantToVar(decl.AsInstance{Type: v.Type}, subst, node)
	case decl.AsInstance:
		out := c.program.NewVariable(nil, nil, nil)
		for _, t := range unpackUnion(v.Type) {
			switch tt := t.(type) {
			case *decl.TypeParameter:
				s, ok := subst[tt.Name]
				if !ok {
					return nil, &TypeParameterError{Name: tt.Name}
				}
				c.arena.markSubst()
				for _, b := range s.Bindings() {
					out.AddBinding(b.Data, []*cfg.Binding{b}, node)
				}
			case *decl.NothingType:
			default:
				val, err := c.ConstantToValue(decl.AsInstance{Type: t}, subst, node)
				if err != nil {
					return nil, err
				}
				out.AddBinding(val, nil, node)
			}
		}
		return out, nil
	}
	val, err := c.ConstantToValue(pyval, subst, node)
	if err != nil {
		return nil, err
	}
	return c.program.NewVariable([]any{val}, nil, node), nil
}

func unpackUnion(t decl.Type) []decl.Type {
	if u, ok := t.(*decl.UnionType); ok {
		return u.Types
	}
	return []decl.Type{t}
}

func (c *Converter) union(options []abstract.Value) abstract.Value {
	var kept []abstract.Value
	for _, o := range options {
		switch o.(type) {
		case *abstract.Nothing, *abstract.Empty:
			continue
		}
		kept = append(kept, o)
	}
	if u := abstract.NewUnion(kept...); u != nil {
		return u
	}
	return c.Nothing
}

func (c *Converter) primitive(cls *abstract.Class) abstract.Value {
	v, _ := c.instanceOfClass(cls)
	return v
}

func (c *Converter) typeParameter(tp *decl.TypeParameter) (abstract.Value, error) {
	out := &abstract.TypeParameter{ParamName: tp.Name, Scope: tp.Scope}
	if tp.Bound != nil {
		b, err := c.ConstantToValue(tp.Bound, nil, c.root)
		if err != nil {
			return nil, err
		}
		out.Bound = b
	}
	for _, k := range tp.Constraints {
		v, err := c.ConstantToValue(k, nil, c.root)
		if err != nil {
			return nil, err
		}
		out.Constraints = append(out.Constraints, v)
	}
	return out, nil
}

func (c *Converter) module(m *decl.Module) *abstract.Module {
	return abstract.NewModule(m, func(name string) (*cfg.Variable, bool) {
		item, ok := m.Lookup(name)
		if !ok {
			return nil, false
		}
		v, err := c.ConstantToVar(item, nil, c.root)
		if err != nil {
			c.log.Debug().Err(err).Str("module", m.Name).Str("member", name).Msg("member conversion failed")
			return c.CreateNewUnsolvable(c.root), true
		}
		return v, true
	})
}

func (c *Converter) declaredClass(d *decl.Class) (abstract.Value, error) {
	cls := abstract.NewClass(d.Name, d.Module, nil, nil)
	cls.Decl = d
	for _, tp := range d.Template {
		v, err := c.ConstantToValue(tp, nil, c.root)
		if err != nil {
			return nil, err
		}
		cls.Template = append(cls.Template, v.(*abstract.TypeParameter))
	}
	var bases []abstract.Value
	for _, b := range d.Bases {
		v, err := c.ConstantToValue(b, nil, c.root)
		if err != nil {
			return nil, err
		}
		bases = append(bases, v)
	}
	if len(bases) == 0 && !(d.Name == config.ObjectClassName && d.Module == config.BuiltinsModule) {
		if c.ObjectClass != nil {
			bases = append(bases, c.ObjectClass)
		}
	}
	for _, b := range bases {
		cls.Bases = append(cls.Bases, c.program.NewVariable([]any{b}, nil, c.root))
	}
	mro, err := abstract.ComputeMRO(cls, bases)
	if err != nil {
		var mroErr *abstract.MROError
		if errors.As(err, &mroErr) {
			c.errorlog.MroError(c.location(), d.QualifiedName(), mroErr.Names())
			return c.Unsolvable, nil
		}
		return nil, err
	}
	cls.SetMRO(mro)
	if d.Metaclass != nil {
		m, err := c.ConstantToValue(d.Metaclass, nil, c.root)
		if err != nil {
			return nil, err
		}
		cls.Metaclass = c.program.NewVariable([]any{m}, nil, c.root)
	} else {
		cls.Metaclass = InheritedMetaclass(mro)
	}
	cls.AbstractMethods = abstract.ComputeAbstractMethods(mro)
	cls.SetLazyLoader(func(name string) (*cfg.Variable, bool) {
		return c.classMember(cls, name)
	}, func() []string {
		var names []string
		for n := range d.Methods {
			names = append(names, n)
		}
		for n := range d.Constants {
			names = append(names, n)
		}
		sort.Strings(names)
		return names
	})
	return cls, nil
}

// InheritedMetaclass returns the metaclass of the first class along mro
// (after the class itself) that has one.
func InheritedMetaclass(mro []abstract.Value) *cfg.Variable {
	for _, m := range mro[1:] {
		if bc, ok := abstract.BaseClass(m); ok && bc.Metaclass != nil {
			return bc.Metaclass
		}
	}
	return nil
}

func (c *Converter) classMember(cls *abstract.Class, name string) (*cfg.Variable, bool) {
	d := cls.Decl
	if f, ok := d.Methods[name]; ok {
		v, err := c.ConstantToVar(f, nil, c.root)
		if err != nil {
			return c.CreateNewUnsolvable(c.root), true
		}
		return v, true
	}
	k, ok := d.Constants[name]
	if !ok {
		return nil, false
	}
	subst := make(Subst, len(d.Template))
	for _, tp := range d.Template {
		subst[tp.Name] = c.CreateNewUnsolvable(c.root)
	}
	v, err := c.ConstantToVar(decl.AsInstance{Type: k.Type}, subst, c.root)
	if err != nil {
		return c.CreateNewUnsolvable(c.root), true
	}
	return v, true
}

// asInstance converts an instance of a declared type.
func (c *Converter) asInstance(t decl.Type, subst Subst, node *cfg.Node) (abstract.Value, error) {
	switch x := t.(type) {
	case *decl.AnythingType:
		return c.Unsolvable, nil
	case *decl.NothingType:
		return c.Empty, nil
	case *decl.ClassType:
		cls, err := c.ConstantToValue(x, subst, c.root)
		if err != nil {
			return nil, err
		}
		return c.instanceOfClass(cls)
	case *decl.TypeParameter:
		s, ok := subst[x.Name]
		if !ok {
			return nil, &TypeParameterError{Name: x.Name}
		}
		c.arena.markSubst()
		return c.union(abstract.Values(s, nil)), nil
	case *decl.UnionType:
		options := make([]abstract.Value, 0, len(x.Types))
		for _, o := range x.Types {
			v, err := c.asInstance(o, subst, node)
			if err != nil {
				return nil, err
			}
			options = append(options, v)
		}
		return c.union(options), nil
	case *decl.GenericType:
		return c.genericInstance(x, subst, node)
	case *decl.TupleType:
		content := make([]*cfg.Variable, len(x.Params))
		for i, p := range x.Params {
			v, err := c.ConstantToVar(decl.AsInstance{Type: p}, subst, c.getNode(node))
			if err != nil {
				return nil, err
			}
			content[i] = v
		}
		return c.tupleInstance(content, node), nil
	case *decl.CallableType:
		cls, err := c.ConstantToValue(x, subst, c.root)
		if err != nil {
			return nil, err
		}
		return c.instantiateValue(cls, node), nil
	}
	return nil, fmt.Errorf("%w: instance of %T", ErrUnsupportedConstant, t)
}

func (c *Converter) genericInstance(x *decl.GenericType, subst Subst, node *cfg.Node) (abstract.Value, error) {
	baseVal, err := c.ConstantToValue(x.Base, subst, c.root)
	if err != nil {
		return nil, err
	}
	base, ok := baseVal.(*abstract.Class)
	if !ok {
		return c.Unsolvable, nil
	}
	if base == c.TypeClass {
		if len(x.Params) == 0 {
			return c.TypeClass, nil
		}
		if tp, ok := x.Params[0].(*decl.TypeParameter); ok {
			s, ok := subst[tp.Name]
			if !ok {
				return c.Unsolvable, nil
			}
			c.arena.markSubst()
			return c.MergeClasses(abstract.Values(s, nil)), nil
		}
		return c.ConstantToValue(x.Params[0], subst, c.root)
	}
	inst := abstract.NewInstance(base, KindOf(base))
	for i, name := range base.TemplateNames() {
		if i >= len(x.Params) {
			inst.SetTypeParam(name, c.CreateNewUnsolvable(c.root))
			continue
		}
		v, err := c.ConstantToVar(decl.AsInstance{Type: x.Params[i]}, subst, c.getNode(node))
		if err != nil {
			return nil, err
		}
		inst.SetTypeParam(name, v)
	}
	return inst, nil
}

// instanceOfClass returns the canonical instance of a class value.
// Instances of plain classes are shared; their type parameters are
// unsolvable.
func (c *Converter) instanceOfClass(cls abstract.Value) (abstract.Value, error) {
	switch x := cls.(type) {
	case *abstract.Class:
		key, _ := makeKey(keyInstance, cls)
		return c.memoize(key, cls, c.root, func() (abstract.Value, error) {
			if x == c.TypeClass || x == c.PropertyClass {
				return c.Unsolvable, nil
			}
			inst := abstract.NewInstance(x, KindOf(x))
			for _, name := range x.TemplateNames() {
				inst.SetTypeParam(name, c.CreateNewUnsolvable(c.root))
			}
			return inst, nil
		})
	case *abstract.ParameterizedClass:
		return c.instantiateValue(x, c.root), nil
	case *abstract.Nothing:
		return c.Empty, nil
	}
	return c.Unsolvable, nil
}

// KindOf returns the container kind of instances of a builtin class.
func KindOf(cls *abstract.Class) abstract.InstanceKind {
	if cls.Module != config.BuiltinsModule {
		return abstract.KindPlain
	}
	switch cls.ClassName {
	case config.ListClassName:
		return abstract.KindList
	case config.TupleClassName:
		return abstract.KindTuple
	case config.DictClassName:
		return abstract.KindDict
	case config.SetClassName:
		return abstract.KindSet
	case config.IteratorClassName:
		return abstract.KindIterator
	case config.GeneratorClassName:
		return abstract.KindGenerator
	}
	return abstract.KindPlain
}

func (c *Converter) baseOf(ct *decl.ClassType) (*abstract.Class, bool) {
	v, err := c.ConstantToValue(ct, nil, c.root)
	if err != nil {
		return nil, false
	}
	cls, ok := v.(*abstract.Class)
	return cls, ok
}

// lazyParam converts a declared type on first use.
func (c *Converter) lazyParam(t decl.Type) func() abstract.Value {
	return func() abstract.Value {
		v, err := c.ConstantToValue(t, nil, c.root)
		if err != nil {
			c.log.Debug().Err(err).Str("type", t.String()).Msg("parameter conversion failed")
			return c.Unsolvable
		}
		return v
	}
}

func (c *Converter) genericClass(x *decl.GenericType) (abstract.Value, error) {
	base, ok := c.baseOf(x.Base)
	if !ok {
		return c.Unsolvable, nil
	}
	names := base.TemplateNames()
	if base == c.TypeClass && len(x.Params) > 0 {
		names = []string{config.TypeParamT}
	}
	thunks := make(map[string]func() abstract.Value, len(names))
	for i, name := range names {
		if i < len(x.Params) {
			thunks[name] = c.lazyParam(x.Params[i])
		} else {
			thunks[name] = func() abstract.Value { return c.Unsolvable }
		}
	}
	return abstract.NewParameterizedClass(base, abstract.PCGeneric, names, thunks), nil
}

func (c *Converter) positional(params []decl.Type) ([]string, map[string]func() abstract.Value) {
	names := make([]string, 0, len(params)+2)
	thunks := make(map[string]func() abstract.Value, len(params)+2)
	for i, p := range params {
		name := strconv.Itoa(i)
		names = append(names, name)
		thunks[name] = c.lazyParam(p)
	}
	return names, thunks
}

// unionThunk is the union of the positional parameters of pc.
func (c *Converter) unionThunk(pc **abstract.ParameterizedClass) func() abstract.Value {
	return func() abstract.Value {
		return c.union((*pc).Positions())
	}
}

func (c *Converter) tupleClass(x *decl.TupleType) (abstract.Value, error) {
	base, ok := c.baseOf(x.Base)
	if !ok {
		return c.Unsolvable, nil
	}
	names, thunks := c.positional(x.Params)
	var pc *abstract.ParameterizedClass
	names = append(names, config.TypeParamT)
	thunks[config.TypeParamT] = c.unionThunk(&pc)
	pc = abstract.NewParameterizedClass(base, abstract.PCTuple, names, thunks)
	return pc, nil
}

func (c *Converter) callableClass(x *decl.CallableType) (abstract.Value, error) {
	base, ok := c.baseOf(x.Base)
	if !ok {
		return c.Unsolvable, nil
	}
	names, thunks := c.positional(x.Args)
	var pc *abstract.ParameterizedClass
	names = append(names, config.TypeParamArgs, config.TypeParamRet)
	thunks[config.TypeParamArgs] = c.unionThunk(&pc)
	thunks[config.TypeParamRet] = c.lazyParam(x.Ret)
	pc = abstract.NewParameterizedClass(base, abstract.PCCallable, names, thunks)
	return pc, nil
}

// Instantiate returns a variable holding an instance of the class value
// v: a class, parameterized class, union or wildcard.
func (c *Converter) Instantiate(v abstract.Value, node *cfg.Node) *cfg.Variable {
	out := c.program.NewVariable(nil, nil, nil)
	var add func(v abstract.Value)
	add = func(v abstract.Value) {
		switch x := v.(type) {
		case *abstract.Union:
			for _, o := range x.Options {
				add(o)
			}
		case *abstract.Nothing, *abstract.Empty, nil:
		default:
			out.AddBinding(c.instantiateValue(x, node), nil, node)
		}
	}
	add(v)
	return out
}

func (c *Converter) instantiateValue(v abstract.Value, node *cfg.Node) abstract.Value {
	switch x := v.(type) {
	case *abstract.Class:
		inst, err := c.instanceOfClass(x)
		if err != nil {
			return c.Unsolvable
		}
		return inst
	case *abstract.ParameterizedClass:
		switch x.Kind {
		case abstract.PCTuple:
			pos := x.Positions()
			content := make([]*cfg.Variable, len(pos))
			for i, p := range pos {
				content[i] = c.Instantiate(p, node)
			}
			return c.tupleInstance(content, node)
		case abstract.PCCallable:
			inst := abstract.NewInstance(x, abstract.KindPlain)
			for _, name := range x.Base.TemplateNames() {
				inst.SetTypeParam(name, c.Instantiate(x.Param(name), node))
			}
			return inst
		}
		if x.Base == c.TypeClass {
			if p := x.Param(config.TypeParamT); p != nil {
				return p
			}
			return c.TypeClass
		}
		inst := abstract.NewInstance(x.Base, KindOf(x.Base))
		for _, name := range x.Base.TemplateNames() {
			inst.SetTypeParam(name, c.Instantiate(x.Param(name), node))
		}
		return inst
	case *abstract.TypeParameter:
		if x.Bound != nil {
			return c.instantiateValue(x.Bound, node)
		}
		if len(x.Constraints) > 0 {
			return c.instantiateValue(c.union(x.Constraints), node)
		}
		return c.Unsolvable
	case *abstract.Union:
		options := make([]abstract.Value, len(x.Options))
		for i, o := range x.Options {
			options[i] = c.instantiateValue(o, node)
		}
		return c.union(options)
	}
	return c.Unsolvable
}

// ClassOf returns the class of a value, or nil for wildcards.
func (c *Converter) ClassOf(v abstract.Value) abstract.Value {
	switch x := v.(type) {
	case *abstract.Constant:
		return x.Cls
	case *abstract.Instance:
		return x.Cls
	case *abstract.Class:
		if x.Metaclass != nil && len(x.Metaclass.Bindings()) == 1 {
			return abstract.Data(x.Metaclass.Bindings()[0])
		}
		return c.TypeClass
	case *abstract.ParameterizedClass:
		return c.ClassOf(x.Base)
	case *abstract.Function, *abstract.BoundMethod, *abstract.SpecialBuiltin:
		return c.FunctionClass
	case *abstract.Module:
		return c.ModuleClass
	case *abstract.TypeParameterInstance:
		if pv, ok := x.Instance.TypeParam(x.Param.ParamName); ok && len(pv.Bindings()) == 1 {
			return c.ClassOf(abstract.Data(pv.Bindings()[0]))
		}
	}
	return nil
}

// LookupBuiltin finds a name in __builtin__, then typing.
func (c *Converter) LookupBuiltin(name string) (any, bool) {
	if item, ok := c.builtins.Lookup(name); ok {
		return item, true
	}
	return c.typing.Lookup(name)
}

// NameToValue converts a builtin name.
func (c *Converter) NameToValue(name string) (abstract.Value, error) {
	item, ok := c.LookupBuiltin(name)
	if !ok {
		return nil, fmt.Errorf("no builtin named %s", name)
	}
	return c.ConstantToValue(item, nil, c.root)
}

// BuiltinsModule returns the __builtin__ module value.
func (c *Converter) BuiltinsModule() *abstract.Module {
	v, _ := c.ConstantToValue(c.builtins, nil, c.root)
	return v.(*abstract.Module)
}

// ImportModule loads a declared module and converts it.
func (c *Converter) ImportModule(name string) (*abstract.Module, error) {
	m, err := c.loader.ImportName(name)
	if err != nil {
		return nil, err
	}
	v, err := c.ConstantToValue(m, nil, c.root)
	if err != nil {
		return nil, err
	}
	return v.(*abstract.Module), nil
}

// Loader returns the declaration loader.
func (c *Converter) Loader() *decl.Loader { return c.loader }
