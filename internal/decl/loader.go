package decl

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/funvibe/infera/internal/config"
)

//go:embed builtins/*.yaml
var embedded embed.FS

// ErrModuleNotFound is returned when no declaration file exists.
var ErrModuleNotFound = errors.New("module not found")

// LoadError wraps a failure to load or link a module.
type LoadError struct {
	Module string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Module, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Loader finds, parses and links declaration files. Embedded modules
// (__builtin__, typing, abc) are always available; other modules are
// searched on the search path as <dir>/<a/b/c>.yaml.
type Loader struct {
	searchPath []string
	modules    map[string]*Module
	pending    map[string]*linkState
}

// NewLoader creates a loader with the given search path.
func NewLoader(searchPath []string) *Loader {
	return &Loader{
		searchPath: searchPath,
		modules:    make(map[string]*Module),
		pending:    make(map[string]*linkState),
	}
}

// Builtins loads the __builtin__ module.
func (l *Loader) Builtins() (*Module, error) {
	return l.ImportName(config.BuiltinsModule)
}

// ImportName loads a module by absolute dotted name.
func (l *Loader) ImportName(name string) (*Module, error) {
	if m, ok := l.modules[name]; ok {
		return m, nil
	}
	data, err := l.find(name)
	if err != nil {
		return nil, &LoadError{Module: name, Err: err}
	}
	mf, err := parseModuleFile(data)
	if err != nil {
		return nil, &LoadError{Module: name, Err: err}
	}
	m, st := l.declare(name, mf)
	l.modules[name] = m
	l.pending[name] = st
	if err := st.link(); err != nil {
		delete(l.modules, name)
		delete(l.pending, name)
		return nil, &LoadError{Module: name, Err: err}
	}
	delete(l.pending, name)
	return m, nil
}

// ImportRelative resolves a relative import of name from module base.
// level 1 refers to base's package.
func (l *Loader) ImportRelative(base string, level int, name string) (*Module, error) {
	parts := strings.Split(base, ".")
	if level > len(parts) {
		return nil, &LoadError{Module: name, Err: fmt.Errorf("relative import beyond top-level package")}
	}
	pkg := strings.Join(parts[:len(parts)-level], ".")
	full := name
	if pkg != "" {
		full = pkg
		if name != "" {
			full += "." + name
		}
	}
	return l.ImportName(full)
}

// HasModule reports whether name is loaded already.
func (l *Loader) HasModule(name string) bool {
	_, ok := l.modules[name]
	return ok
}

func (l *Loader) find(name string) ([]byte, error) {
	rel := strings.ReplaceAll(name, ".", "/") + config.DeclarationFileExt
	if data, err := fs.ReadFile(embedded, "builtins/"+rel); err == nil {
		return data, nil
	}
	for _, dir := range l.searchPath {
		data, err := os.ReadFile(filepath.Join(dir, rel))
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return nil, ErrModuleNotFound
}

// linkState keeps the raw expressions of a module until they are resolved.
type linkState struct {
	loader  *Loader
	module  *Module
	file    *moduleFile
	classes map[string]*classFile
	aliases map[string]*expr
	linking map[string]bool
}

// declare creates the module skeleton: classes and type parameters exist
// with their names so that other modules can refer to them while this one
// is being linked.
func (l *Loader) declare(name string, mf *moduleFile) (*Module, *linkState) {
	m := NewModule(name)
	st := &linkState{
		loader:  l,
		module:  m,
		file:    mf,
		classes: make(map[string]*classFile),
		aliases: make(map[string]*expr),
		linking: make(map[string]bool),
	}
	for _, tp := range mf.TypeParams {
		m.TypeParams[tp.Name] = &TypeParameter{Name: tp.Name, Scope: name}
	}
	for i := range mf.Classes {
		cf := &mf.Classes[i]
		m.Classes[cf.Name] = &Class{
			Name:      cf.Name,
			Module:    name,
			Methods:   make(map[string]*Function),
			Constants: make(map[string]*Constant),
		}
		st.classes[cf.Name] = cf
	}
	for n := range mf.Aliases {
		m.Aliases[n] = &Alias{Name: n}
	}
	return m, st
}

func (st *linkState) errorf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}

func (st *linkState) link() error {
	m := st.module
	for _, tpf := range st.file.TypeParams {
		tp := m.TypeParams[tpf.Name]
		if tpf.Bound != "" {
			b, err := st.resolveString(tpf.Bound, nil)
			if err != nil {
				return err
			}
			tp.Bound = b
		}
		for _, c := range tpf.Constraints {
			t, err := st.resolveString(c, nil)
			if err != nil {
				return err
			}
			tp.Constraints = append(tp.Constraints, t)
		}
	}
	for n := range st.file.Aliases {
		if _, err := st.alias(n); err != nil {
			return err
		}
	}
	for n, ts := range st.file.Constants {
		t, err := st.resolveString(ts, nil)
		if err != nil {
			return fmt.Errorf("constant %s: %w", n, err)
		}
		m.Constants[n] = &Constant{Name: n, Type: t}
	}
	for _, cf := range st.classes {
		if err := st.linkClass(m.Classes[cf.Name], cf); err != nil {
			return fmt.Errorf("class %s: %w", cf.Name, err)
		}
	}
	for n, entries := range st.file.Functions {
		f, err := st.function(n, entries, nil)
		if err != nil {
			return fmt.Errorf("function %s: %w", n, err)
		}
		m.Functions[n] = f
	}
	return nil
}

func (st *linkState) linkClass(c *Class, cf *classFile) error {
	for _, tn := range cf.Template {
		tp, ok := st.module.TypeParams[tn]
		if !ok {
			return st.errorf("unknown type parameter %s", tn)
		}
		c.Template = append(c.Template, tp)
	}
	for _, b := range cf.Bases {
		t, err := st.resolveString(b, c)
		if err != nil {
			return err
		}
		c.Bases = append(c.Bases, t)
	}
	if cf.Metaclass != "" {
		t, err := st.resolveString(cf.Metaclass, c)
		if err != nil {
			return err
		}
		c.Metaclass = t
	}
	for n, ts := range cf.Attributes {
		t, err := st.resolveString(ts, c)
		if err != nil {
			return fmt.Errorf("attribute %s: %w", n, err)
		}
		c.Constants[n] = &Constant{Name: n, Type: t}
	}
	for n, entries := range cf.Methods {
		f, err := st.function(n, entries, c)
		if err != nil {
			return fmt.Errorf("method %s: %w", n, err)
		}
		c.Methods[n] = f
	}
	return nil
}

func (st *linkState) function(name string, entries []funcEntry, cls *Class) (*Function, error) {
	f := &Function{Name: name, Module: st.module.Name}
	if cls != nil {
		f.Module = cls.QualifiedName()
	}
	for _, e := range entries {
		se, err := parseSignatureExpr(e.Sig)
		if err != nil {
			return nil, err
		}
		sig := &Signature{}
		for _, pe := range se.params {
			p := &Param{Name: pe.name, Optional: pe.optional, Kind: pe.kind}
			if pe.typ != nil {
				if p.Type, err = st.resolve(pe.typ, cls); err != nil {
					return nil, err
				}
			}
			if mut, ok := e.Mutates[pe.name]; ok {
				if p.Mutated, err = st.resolveString(mut, cls); err != nil {
					return nil, err
				}
			}
			sig.Params = append(sig.Params, p)
		}
		if se.ret != nil {
			if sig.Return, err = st.resolve(se.ret, cls); err != nil {
				return nil, err
			}
		} else {
			sig.Return = Anything
		}
		f.Signatures = append(f.Signatures, sig)
		if e.Abstract {
			f.IsAbstract = true
		}
		switch e.Kind {
		case "staticmethod":
			f.Kind = MethodKindStatic
		case "classmethod":
			f.Kind = MethodKindClass
		}
	}
	return f, nil
}

func (st *linkState) alias(name string) (Type, error) {
	a := st.module.Aliases[name]
	if a.Type != nil {
		return a.Type, nil
	}
	if st.linking[name] {
		return nil, st.errorf("alias %s refers to itself", name)
	}
	st.linking[name] = true
	defer delete(st.linking, name)
	e, err := parseTypeExpr(st.file.Aliases[name])
	if err != nil {
		return nil, err
	}
	t, err := st.resolve(e, nil)
	if err != nil {
		return nil, fmt.Errorf("alias %s: %w", name, err)
	}
	a.Type = t
	return t, nil
}

func (st *linkState) resolveString(s string, cls *Class) (Type, error) {
	e, err := parseTypeExpr(s)
	if err != nil {
		return nil, err
	}
	return st.resolve(e, cls)
}

// lookupName resolves a bare or dotted name to a type.
func (st *linkState) lookupName(name string, cls *Class) (Type, error) {
	switch name {
	case "Any":
		return Anything, nil
	case "nothing", "NoReturn":
		return Nothing, nil
	case "None":
		return st.lookupName(config.NoneTypeName, nil)
	}
	if i := strings.LastIndex(name, "."); i > 0 {
		modName, member := name[:i], name[i+1:]
		other, err := st.loader.moduleFor(modName)
		if err != nil {
			return nil, err
		}
		return other.member(member)
	}
	if cls != nil {
		for _, tp := range cls.Template {
			if tp.Name == name {
				return tp, nil
			}
		}
	}
	if t, err := st.member(name); err == nil {
		return t, nil
	}
	for _, fallback := range []string{config.BuiltinsModule, config.TypingModule} {
		if fallback == st.module.Name {
			continue
		}
		other, err := st.loader.moduleFor(fallback)
		if err != nil {
			return nil, err
		}
		if t, err := other.member(name); err == nil {
			return t, nil
		}
	}
	return nil, st.errorf("unknown name %s in %s", name, st.module.Name)
}

// member resolves a top-level name of this module.
func (st *linkState) member(name string) (Type, error) {
	m := st.module
	if c, ok := m.Classes[name]; ok {
		return &ClassType{Name: c.QualifiedName(), Cls: c}, nil
	}
	if tp, ok := m.TypeParams[name]; ok {
		return tp, nil
	}
	if _, ok := m.Aliases[name]; ok {
		return st.alias(name)
	}
	return nil, st.errorf("no type %s in %s", name, m.Name)
}

// moduleFor returns the link state of a module, loading it if needed.
// Modules still being linked are returned in their partial state.
func (l *Loader) moduleFor(name string) (*linkState, error) {
	if st, ok := l.pending[name]; ok {
		return st, nil
	}
	m, err := l.ImportName(name)
	if err != nil {
		return nil, err
	}
	return &linkState{loader: l, module: m, file: &moduleFile{}, linking: map[string]bool{}}, nil
}

func (st *linkState) resolve(e *expr, cls *Class) (Type, error) {
	if e.ellipsis || e.isList {
		return nil, st.errorf("unexpected %s", e)
	}
	if !e.subscripted {
		return st.lookupName(e.name, cls)
	}
	switch e.name {
	case config.TypingUnion:
		var types []Type
		for _, a := range e.args {
			t, err := st.resolve(a, cls)
			if err != nil {
				return nil, err
			}
			types = append(types, t)
		}
		return NewUnion(types...), nil
	case config.TypingOptional:
		if len(e.args) != 1 {
			return nil, st.errorf("Optional takes one argument")
		}
		t, err := st.resolve(e.args[0], cls)
		if err != nil {
			return nil, err
		}
		none, err := st.lookupName("None", nil)
		if err != nil {
			return nil, err
		}
		return NewUnion(t, none), nil
	}

	baseType, err := st.lookupName(e.name, cls)
	if err != nil {
		return nil, err
	}
	base, ok := baseType.(*ClassType)
	if !ok {
		return nil, st.errorf("%s is not a class", e.name)
	}

	switch {
	case base.Cls.Name == config.TupleClassName && base.Cls.Module == config.BuiltinsModule:
		if len(e.args) == 2 && e.args[1].ellipsis {
			elem, err := st.resolve(e.args[0], cls)
			if err != nil {
				return nil, err
			}
			return &GenericType{Base: base, Params: []Type{elem}}, nil
		}
		params, err := st.resolveAll(e.args, cls)
		if err != nil {
			return nil, err
		}
		return &TupleType{Base: base, Params: params}, nil
	case base.Cls.Name == config.TypingCallable:
		if len(e.args) != 2 {
			return nil, st.errorf("Callable takes two arguments")
		}
		var ret Type = Anything
		if !e.args[1].ellipsis {
			if ret, err = st.resolve(e.args[1], cls); err != nil {
				return nil, err
			}
		}
		if e.args[0].ellipsis {
			return &GenericType{Base: base, Params: []Type{Anything, ret}}, nil
		}
		if !e.args[0].isList {
			return nil, st.errorf("Callable arguments must be a list or ...")
		}
		args, err := st.resolveAll(e.args[0].list, cls)
		if err != nil {
			return nil, err
		}
		return &CallableType{Base: base, Args: args, Ret: ret}, nil
	}
	params, err := st.resolveAll(e.args, cls)
	if err != nil {
		return nil, err
	}
	return &GenericType{Base: base, Params: params}, nil
}

func (st *linkState) resolveAll(es []*expr, cls *Class) ([]Type, error) {
	out := make([]Type, 0, len(es))
	for _, a := range es {
		t, err := st.resolve(a, cls)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// NewUnion flattens nested unions and removes duplicates. A single
// alternative is returned as-is.
func NewUnion(types ...Type) Type {
	var flat []Type
	var add func(t Type)
	add = func(t Type) {
		if u, ok := t.(*UnionType); ok {
			for _, x := range u.Types {
				add(x)
			}
			return
		}
		for _, existing := range flat {
			if SameType(existing, t) {
				return
			}
		}
		flat = append(flat, t)
	}
	for _, t := range types {
		add(t)
	}
	if len(flat) == 1 {
		return flat[0]
	}
	if len(flat) == 0 {
		return Nothing
	}
	return &UnionType{Types: flat}
}

// SameType compares two declared types structurally.
func SameType(a, b Type) bool {
	switch x := a.(type) {
	case *ClassType:
		y, ok := b.(*ClassType)
		return ok && x.Cls == y.Cls
	case *TypeParameter:
		return a == b
	case *AnythingType:
		_, ok := b.(*AnythingType)
		return ok
	case *NothingType:
		_, ok := b.(*NothingType)
		return ok
	case *GenericType:
		y, ok := b.(*GenericType)
		return ok && x.Base.Cls == y.Base.Cls && sameTypes(x.Params, y.Params)
	case *TupleType:
		y, ok := b.(*TupleType)
		return ok && sameTypes(x.Params, y.Params)
	case *CallableType:
		y, ok := b.(*CallableType)
		return ok && sameTypes(x.Args, y.Args) && SameType(x.Ret, y.Ret)
	case *UnionType:
		y, ok := b.(*UnionType)
		return ok && sameTypes(x.Types, y.Types)
	}
	return false
}

func sameTypes(a, b []Type) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !SameType(a[i], b[i]) {
			return false
		}
	}
	return true
}

// ParseType parses and resolves a type expression in the scope of the
// module named scope (typically a loaded declaration module). Used for
// annotation strings.
func (l *Loader) ParseType(s string, scope string) (Type, error) {
	st, err := l.moduleFor(scope)
	if err != nil {
		return nil, err
	}
	return st.resolveString(s, nil)
}
