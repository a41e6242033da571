package vm

import (
	"github.com/funvibe/infera/internal/abstract"
	"github.com/funvibe/infera/internal/cfg"
	"github.com/funvibe/infera/internal/config"
	"github.com/funvibe/infera/internal/convert"
)

// flattenBase splits union values of a base class variable into separate
// bindings.
func (vm *VirtualMachine) flattenBase(node *cfg.Node, base *cfg.Variable) *cfg.Variable {
	out := vm.newVariable()
	for _, b := range base.Filter(node) {
		if u, ok := abstract.Data(b).(*abstract.Union); ok {
			for _, o := range u.Options {
				out.AddBinding(o, []*cfg.Binding{b}, node)
			}
			continue
		}
		out.PasteBinding(b, node, nil)
	}
	return out
}

func isValidBase(v abstract.Value) bool {
	switch v.(type) {
	case *abstract.Class, *abstract.ParameterizedClass, *abstract.Unsolvable, *abstract.Unknown:
		return true
	}
	return false
}

// makeClass creates a class. Problems with the bases or the MRO are
// reported and give an unsolvable class.
func (vm *VirtualMachine) makeClass(node *cfg.Node, name string, bases []*cfg.Variable, classDict *abstract.Dict, metaclass *cfg.Variable) *cfg.Variable {
	var flat []*cfg.Variable
	for _, base := range bases {
		fb := vm.flattenBase(node, base)
		valid := false
		for _, d := range fb.Data() {
			if isValidBase(d.(abstract.Value)) {
				valid = true
				break
			}
		}
		if !valid {
			vm.errorlog.BaseClassError(vm.Location(), abstract.TypeString(base, node))
			return vm.unsolvable(node)
		}
		flat = append(flat, fb)
	}
	if len(flat) == 0 {
		flat = []*cfg.Variable{vm.single(vm.conv.ObjectClass, vm.root)}
	}

	members := make(map[string]*cfg.Variable)
	for _, n := range classDict.Names() {
		if v, ok := classDict.Load(n); ok {
			members[n] = v
		}
	}
	if metaclass == nil {
		metaclass = members[config.MetaclassMember]
	}
	if metaclass != nil {
		if data := metaclass.FilteredData(node); len(data) == 1 && data[0] == abstract.Value(vm.conv.TypeClass) {
			metaclass = nil
		}
	}

	cls := abstract.NewClass(name, vm.module, flat, members)
	baseValues := make([]abstract.Value, len(flat))
	for i, fb := range flat {
		if data := fb.Data(); len(data) == 1 {
			baseValues[i] = data[0].(abstract.Value)
		} else {
			baseValues[i] = vm.conv.Unsolvable
		}
	}
	mro, err := abstract.ComputeMRO(cls, baseValues)
	if err != nil {
		if me, ok := err.(*abstract.MROError); ok {
			vm.errorlog.MroError(vm.Location(), name, me.Names())
		}
		return vm.unsolvable(node)
	}
	cls.SetMRO(mro)
	if metaclass != nil {
		cls.Metaclass = metaclass
	} else {
		cls.Metaclass = convert.InheritedMetaclass(mro)
	}
	cls.AbstractMethods = abstract.ComputeAbstractMethods(mro)
	if !vm.hasABCMeta(cls) {
		for _, n := range sortedKeys(members) {
			for _, d := range members[n].Data() {
				if f, ok := d.(*abstract.Function); ok && f.IsAbstract {
					vm.errorlog.IgnoredAbstractMethod(vm.Location(), name, n)
				}
			}
		}
	}
	for _, b := range baseValues {
		pc, ok := b.(*abstract.ParameterizedClass)
		if !ok || pc.Kind != abstract.PCGeneric {
			continue
		}
		for _, pn := range pc.ParamNames() {
			if _, isParam := pc.Param(pn).(*abstract.TypeParameter); isParam {
				vm.errorlog.NotSupportedYet(vm.Location(), "generic classes")
				return vm.unsolvable(node)
			}
		}
	}
	vm.log.Debug().Str("class", name).Int("mro", len(mro)).Msg("class created")
	return vm.single(cls, node)
}

func (vm *VirtualMachine) hasABCMeta(cls *abstract.Class) bool {
	if cls.Metaclass == nil {
		return false
	}
	for _, m := range cls.Metaclass.Data() {
		for _, k := range abstract.MROOf(m.(abstract.Value)) {
			if kc, ok := abstract.BaseClass(k); ok && kc.ClassName == config.ABCMetaClassName && kc.Module == config.ABCModule {
				return true
			}
		}
	}
	return false
}

// byteBuildClass pops the class name, the bases tuple and the dict made
// by the class body.
func (vm *VirtualMachine) byteBuildClass(state *frameState) (*frameState, error) {
	state, vals := state.popN(3)
	nameVar, basesVar, bodyVar := vals[0], vals[1], vals[2]
	name := vm.constantString(nameVar, state.node)
	var classDict *abstract.Dict
	if data := bodyVar.FilteredData(state.node); len(data) == 1 {
		classDict, _ = data[0].(*abstract.Dict)
	}
	if classDict == nil {
		// The body did not finish, e.g. it raised.
		return state.push(vm.unsolvable(state.node)), nil
	}
	bases := literalContent(basesVar, state.node)
	if bases == nil && len(basesVar.Bindings()) > 0 {
		bases = []*cfg.Variable{vm.unsolvable(state.node)}
	}
	return state.push(vm.makeClass(state.node, name, bases, classDict, nil)), nil
}

func (vm *VirtualMachine) constantString(v *cfg.Variable, node *cfg.Node) string {
	if data := v.FilteredData(node); len(data) == 1 {
		if k, ok := data[0].(*abstract.Constant); ok {
			if s, ok := k.Value.(string); ok {
				return s
			}
		}
	}
	return "<unknown>"
}

// buildClass implements __build_class__(body, name, *bases, metaclass=m):
// the body runs with a fresh dict as its locals.
func (vm *VirtualMachine) buildClass(node *cfg.Node, args *FunctionArgs) (*cfg.Node, *cfg.Variable, *callFailure, error) {
	if len(args.Posargs) < 2 {
		return node, nil, &callFailure{kind: failArgCount, function: specialBuildClass, details: "expected at least 2 args"}, nil
	}
	name := vm.constantString(args.Posargs[1], node)
	var body *abstract.Function
	if data := args.Posargs[0].FilteredData(node); len(data) == 1 {
		body, _ = data[0].(*abstract.Function)
	}
	if body == nil || body.Code == nil {
		return node, vm.unsolvable(node), nil, nil
	}
	classDict := abstract.NewDict("class:" + name)
	classDict.Set(config.ModuleMember, vm.conv.BuildString(node, vm.module))
	frame := vm.makeFrame(node, body.Code, body.Globals, classDict, body.Closure, body)
	end, _, err := vm.runFrame(frame, node.ConnectNew(name, nil))
	if err != nil {
		return nil, nil, nil, err
	}
	if end == nil {
		// Every path through the body raised.
		return node, vm.unsolvable(node), nil, nil
	}
	metaclass := args.Namedargs["metaclass"]
	return end, vm.makeClass(end, name, args.Posargs[2:], classDict, metaclass), nil, nil
}
