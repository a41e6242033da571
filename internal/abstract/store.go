package abstract

import (
	"github.com/funvibe/infera/internal/cfg"
	"github.com/funvibe/infera/internal/decl"
)

// Dict is a name store: the locals, globals or builtins of a frame.
type Dict struct {
	DictName string
	// LateAnnotations holds string annotations of module variables.
	LateAnnotations map[string]*LateAnnotation

	members map[string]*cfg.Variable
	order   []string
	lazy    func(name string) (*cfg.Variable, bool)
}

// NewDict creates an empty store.
func NewDict(name string) *Dict {
	return &Dict{
		DictName:        name,
		LateAnnotations: make(map[string]*LateAnnotation),
		members:         make(map[string]*cfg.Variable),
	}
}

func (*Dict) isValue()         {}
func (d *Dict) Name() string   { return d.DictName }
func (d *Dict) String() string { return "Dict[str, Any]" }

// SetLazyLoader installs a loader consulted for names not yet stored.
func (d *Dict) SetLazyLoader(load func(name string) (*cfg.Variable, bool)) {
	d.lazy = load
}

// Load returns the variable stored under name.
func (d *Dict) Load(name string) (*cfg.Variable, bool) {
	if v, ok := d.members[name]; ok {
		return v, true
	}
	if d.lazy == nil {
		return nil, false
	}
	v, ok := d.lazy(name)
	if ok {
		d.Set(name, v)
	}
	return v, ok
}

// Set stores v under name, replacing any previous variable.
func (d *Dict) Set(name string, v *cfg.Variable) {
	if _, ok := d.members[name]; !ok {
		d.order = append(d.order, name)
	}
	d.members[name] = v
}

// Names returns the stored names in insertion order.
func (d *Dict) Names() []string { return d.order }

// Module is a module loaded from a declaration file. Members are
// converted on first use.
type Module struct {
	ModuleName string
	Decl       *decl.Module

	members map[string]*cfg.Variable
	lazy    func(name string) (*cfg.Variable, bool)
}

// NewModule creates a module value for a declaration module.
func NewModule(d *decl.Module, load func(name string) (*cfg.Variable, bool)) *Module {
	return &Module{
		ModuleName: d.Name,
		Decl:       d,
		members:    make(map[string]*cfg.Variable),
		lazy:       load,
	}
}

func (*Module) isValue()         {}
func (m *Module) Name() string   { return m.ModuleName }
func (m *Module) String() string { return "module" }

// Member returns a top-level member of the module.
func (m *Module) Member(name string) (*cfg.Variable, bool) {
	if v, ok := m.members[name]; ok {
		return v, true
	}
	if m.lazy == nil {
		return nil, false
	}
	v, ok := m.lazy(name)
	if ok {
		m.members[name] = v
	}
	return v, ok
}

// MemberNames returns the declared top-level names.
func (m *Module) MemberNames() []string {
	return m.Decl.MemberNames()
}
