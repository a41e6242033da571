// Package attribute resolves and assigns attributes of abstract values:
// instance members, class members along the MRO, module members, bound
// methods and attributes seen through type parameters.
package attribute

import (
	"github.com/rs/zerolog"

	"github.com/funvibe/infera/internal/abstract"
	"github.com/funvibe/infera/internal/cfg"
	"github.com/funvibe/infera/internal/config"
	"github.com/funvibe/infera/internal/convert"
	"github.com/funvibe/infera/internal/decl"
)

// GeneratorRunner runs the body of a generator that has not been run yet,
// so that its yielded type is known before the generator is inspected.
type GeneratorRunner interface {
	RunGenerator(node *cfg.Node, g *abstract.Instance) *cfg.Node
}

// Handler implements attribute access for the interpreter.
type Handler struct {
	conv   *convert.Converter
	runner GeneratorRunner
	log    zerolog.Logger
}

// New creates a handler. runner may be nil.
func New(conv *convert.Converter, runner GeneratorRunner) *Handler {
	return &Handler{conv: conv, runner: runner, log: zerolog.Nop()}
}

// SetLogger sets the logger used for lookup tracing.
func (h *Handler) SetLogger(l zerolog.Logger) { h.log = l }

// GetAttribute looks up name on obj. valself is the binding obj was taken
// from, used as the receiver of bound methods; it may be nil. A nil
// variable means the attribute does not exist.
func (h *Handler) GetAttribute(node *cfg.Node, obj abstract.Value, name string, valself *cfg.Binding) (*cfg.Node, *cfg.Variable) {
	switch x := obj.(type) {
	case *abstract.Unsolvable, *abstract.Empty:
		return node, h.conv.CreateNewUnsolvable(node)
	case *abstract.Unknown:
		return node, h.conv.CreateNewUnknown(node, valself, "getattr", false)
	case *abstract.Nothing:
		return node, nil
	case *abstract.Constant:
		return node, h.getInstanceAttribute(node, x, x.Cls, nil, name, valself)
	case *abstract.Instance:
		if x.Generator != nil && !x.Generator.Ran && h.runner != nil {
			node = h.runner.RunGenerator(node, x)
		}
		return node, h.getInstanceAttribute(node, x, x.Cls, x.Members, name, valself)
	case *abstract.Class:
		return node, h.getClassAttribute(node, x, x, name, valself)
	case *abstract.ParameterizedClass:
		return node, h.getClassAttribute(node, x, x.Base, name, valself)
	case *abstract.Module:
		if v, ok := x.Member(name); ok {
			return node, v
		}
		return node, nil
	case *abstract.Function:
		if v, ok := x.Members[name]; ok {
			return node, v
		}
		return node, h.getInstanceAttribute(node, x, h.conv.FunctionClass, nil, name, valself)
	case *abstract.BoundMethod:
		return h.GetAttribute(node, x.Func, name, nil)
	case *abstract.SpecialBuiltin:
		return node, h.getInstanceAttribute(node, x, h.conv.FunctionClass, nil, name, valself)
	case *abstract.Union:
		return h.getUnionAttribute(node, x.Options, name)
	case *abstract.TypeParameterInstance:
		return h.getTypeParameterAttribute(node, x, name)
	case *abstract.Dict:
		if v, ok := x.Load(name); ok {
			return node, v
		}
		return node, nil
	case *abstract.TypeParameter:
		return node, h.getInstanceAttribute(node, x, h.conv.TypeClass, nil, name, valself)
	}
	return node, nil
}

// GetAttributeGeneric looks up name like GetAttribute but reads special
// attributes of classes through their metaclass only. Operators use it.
func (h *Handler) GetAttributeGeneric(node *cfg.Node, obj abstract.Value, name string, valself *cfg.Binding) (*cfg.Node, *cfg.Variable) {
	switch x := obj.(type) {
	case *abstract.Class, *abstract.ParameterizedClass:
		if cls := h.conv.ClassOf(x); cls != nil {
			return node, h.getInstanceAttribute(node, x, cls, nil, name, valself)
		}
	}
	return h.GetAttribute(node, obj, name, valself)
}

func (h *Handler) getUnionAttribute(node *cfg.Node, options []abstract.Value, name string) (*cfg.Node, *cfg.Variable) {
	out := h.conv.Program().NewVariable(nil, nil, nil)
	found := false
	for _, o := range options {
		_, v := h.GetAttribute(node, o, name, nil)
		if v == nil {
			continue
		}
		found = true
		out.PasteVariable(v, node, nil)
	}
	if !found {
		return node, nil
	}
	return node, out
}

func (h *Handler) getTypeParameterAttribute(node *cfg.Node, tpi *abstract.TypeParameterInstance, name string) (*cfg.Node, *cfg.Variable) {
	param, ok := tpi.Instance.TypeParam(tpi.Param.ParamName)
	if !ok || len(param.Bindings()) == 0 {
		switch {
		case tpi.Param.Bound != nil:
			param = h.conv.Instantiate(tpi.Param.Bound, node)
		case len(tpi.Param.Constraints) > 0:
			param = h.conv.Instantiate(abstract.NewUnion(tpi.Param.Constraints...), node)
		default:
			return node, h.conv.CreateNewUnsolvable(node)
		}
	}
	out := h.conv.Program().NewVariable(nil, nil, nil)
	for _, b := range param.Bindings() {
		node2, v := h.GetAttribute(node, abstract.Data(b), name, b)
		if v == nil {
			return node, nil
		}
		node = node2
		out.PasteVariable(v, node, nil)
	}
	return node, out
}

// lookupMRO returns the first member called name along the MRO of cls.
// A wildcard in the MRO makes the result unsolvable.
func (h *Handler) lookupMRO(node *cfg.Node, cls abstract.Value, name string) (*cfg.Variable, bool) {
	for _, base := range abstract.MROOf(cls) {
		if abstract.IsAmbiguous(base) {
			return h.conv.CreateNewUnsolvable(node), true
		}
		bc, ok := abstract.BaseClass(base)
		if !ok {
			continue
		}
		if v, ok := bc.Member(name); ok {
			return v, true
		}
	}
	return nil, false
}

func (h *Handler) getInstanceAttribute(node *cfg.Node, obj abstract.Value, cls abstract.Value, members map[string]*cfg.Variable, name string, valself *cfg.Binding) *cfg.Variable {
	if v, ok := members[name]; ok && len(v.Bindings()) > 0 {
		return v
	}
	if cls == nil {
		return h.conv.CreateNewUnsolvable(node)
	}
	member, ok := h.lookupMRO(node, cls, name)
	if !ok {
		h.log.Trace().Str("attr", name).Str("class", cls.Name()).Msg("attribute not found")
		return nil
	}
	return h.bind(node, member, h.selfVariable(node, obj, valself), nil)
}

func (h *Handler) getClassAttribute(node *cfg.Node, obj abstract.Value, cls *abstract.Class, name string, valself *cfg.Binding) *cfg.Variable {
	if name == config.NameMember {
		return h.conv.BuildString(node, cls.ClassName)
	}
	if member, ok := h.lookupMRO(node, obj, name); ok {
		return h.bind(node, member, nil, h.selfVariable(node, obj, valself))
	}
	meta := h.conv.ClassOf(obj)
	if meta == nil {
		return h.conv.CreateNewUnsolvable(node)
	}
	return h.getInstanceAttribute(node, obj, meta, nil, name, valself)
}

func (h *Handler) selfVariable(node *cfg.Node, obj abstract.Value, valself *cfg.Binding) *cfg.Variable {
	if valself != nil {
		return h.conv.Program().NewVariable([]any{abstract.Data(valself)}, []*cfg.Binding{valself}, node)
	}
	return h.conv.Program().NewVariable([]any{obj}, nil, node)
}

// bind turns the functions in member into bound methods. self is the
// receiver for instance methods (nil when the lookup went through a
// class), cls the receiver for class methods.
func (h *Handler) bind(node *cfg.Node, member *cfg.Variable, self, cls *cfg.Variable) *cfg.Variable {
	needsBinding := false
	for _, d := range member.Data() {
		if _, ok := d.(*abstract.Function); ok {
			needsBinding = true
			break
		}
	}
	if !needsBinding {
		return member
	}
	out := h.conv.Program().NewVariable(nil, nil, nil)
	for _, b := range member.Bindings() {
		f, ok := abstract.Data(b).(*abstract.Function)
		if !ok {
			out.PasteBinding(b, node, nil)
			continue
		}
		receiver := self
		if f.Decl != nil {
			switch f.Decl.Kind {
			case decl.MethodKindStatic:
				receiver = nil
			case decl.MethodKindClass:
				receiver = cls
				if receiver == nil && self != nil {
					receiver = h.classVariable(node, self)
				}
			}
		}
		if receiver == nil {
			out.PasteBinding(b, node, nil)
			continue
		}
		out.AddBinding(&abstract.BoundMethod{Self: receiver, Func: f}, []*cfg.Binding{b}, node)
	}
	return out
}

func (h *Handler) classVariable(node *cfg.Node, self *cfg.Variable) *cfg.Variable {
	out := h.conv.Program().NewVariable(nil, nil, nil)
	for _, d := range self.Data() {
		if cls := h.conv.ClassOf(d.(abstract.Value)); cls != nil {
			out.AddBinding(cls, nil, node)
		} else {
			out.AddBinding(h.conv.Unsolvable, nil, node)
		}
	}
	return out
}

// SetAttribute assigns value to obj.name and returns the node after the
// assignment. Attributes of values that do not store members are ignored.
func (h *Handler) SetAttribute(node *cfg.Node, obj abstract.Value, name string, value *cfg.Variable) *cfg.Node {
	switch x := obj.(type) {
	case *abstract.Instance:
		if existing, ok := x.Members[name]; ok {
			existing.PasteVariable(value, node, nil)
		} else {
			x.Members[name] = value.AssignToNewVariable(node)
		}
	case *abstract.Class:
		if existing, ok := x.Members[name]; ok {
			existing.PasteVariable(value, node, nil)
		} else {
			x.SetMember(name, value.AssignToNewVariable(node))
		}
	case *abstract.Function:
		if x.Members == nil {
			x.Members = make(map[string]*cfg.Variable)
		}
		if existing, ok := x.Members[name]; ok {
			existing.PasteVariable(value, node, nil)
		} else {
			x.Members[name] = value.AssignToNewVariable(node)
		}
	case *abstract.Dict:
		if existing, ok := x.Load(name); ok {
			existing.PasteVariable(value, node, nil)
		} else {
			x.Set(name, value.AssignToNewVariable(node))
		}
	default:
		h.log.Debug().Str("attr", name).Str("object", obj.Name()).Msg("ignoring attribute assignment")
	}
	return node
}
