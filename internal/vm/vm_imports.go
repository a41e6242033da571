package vm

import (
	"errors"
	"strings"

	"github.com/funvibe/infera/internal/abstract"
	"github.com/funvibe/infera/internal/bytecode"
	"github.com/funvibe/infera/internal/cfg"
	"github.com/funvibe/infera/internal/decl"
)

func (vm *VirtualMachine) importModule(name string, level int) (*abstract.Module, error) {
	if level <= 0 {
		return vm.conv.ImportModule(name)
	}
	m, err := vm.loader.ImportRelative(vm.module, level, name)
	if err != nil {
		return nil, err
	}
	v, err := vm.conv.ConstantToValue(m, nil, vm.root)
	if err != nil {
		return nil, err
	}
	mod, ok := v.(*abstract.Module)
	if !ok {
		return nil, invariant("", "import of %s gave %T", name, v)
	}
	return mod, nil
}

// importName pops the import level and the fromlist and pushes the
// module. "import a.b" without a fromlist binds the top-level package.
func (vm *VirtualMachine) importName(state *frameState, op *bytecode.Instruction) (*frameState, error) {
	name := vm.frame.Code.Names[op.Arg]
	state, fromlist := state.pop()
	state, levelVar := state.pop()
	level := 0
	if data := levelVar.FilteredData(state.node); len(data) == 1 {
		if k, ok := data[0].(*abstract.Constant); ok {
			if n, ok := k.Value.(int64); ok {
				level = int(n)
			}
		}
	}
	target := name
	if level == 0 && vm.isNone(fromlist, state.node) {
		target, _, _ = strings.Cut(name, ".")
	}
	mod, err := vm.importModule(target, level)
	if err != nil {
		var inv *InvariantError
		if errors.As(err, &inv) {
			return nil, err
		}
		if errors.Is(err, decl.ErrModuleNotFound) {
			vm.errorlog.ImportError(vm.Location(), name)
		} else {
			vm.errorlog.PyiError(vm.Location(), name, err)
		}
		return state.push(vm.unsolvable(state.node)), nil
	}
	vm.log.Debug().Str("module", mod.ModuleName).Int("level", level).Msg("imported")
	return state.push(vm.single(mod, state.node)), nil
}

func (vm *VirtualMachine) isNone(v *cfg.Variable, node *cfg.Node) bool {
	data := v.FilteredData(node)
	if len(data) == 0 {
		return true
	}
	for _, d := range data {
		if d != abstract.Value(vm.conv.None) {
			return false
		}
	}
	return true
}

// importFrom pushes one member of the module on top of the stack.
func (vm *VirtualMachine) importFrom(state *frameState, op *bytecode.Instruction) (*frameState, error) {
	name := vm.frame.Code.Names[op.Arg]
	mod := state.top()
	state, member := vm.loadAttrNoError(state, mod, name)
	if member == nil {
		if !vm.isUnsolvable(mod, state.node) {
			modName := "?"
			if data := mod.FilteredData(state.node); len(data) == 1 {
				modName = data[0].(abstract.Value).Name()
			}
			vm.errorlog.ImportError(vm.Location(), modName+"."+name)
		}
		member = vm.unsolvable(state.node)
	}
	vm.traceModuleMembers(mod, name, member, state.node)
	return state.push(member), nil
}

func (vm *VirtualMachine) isUnsolvable(v *cfg.Variable, node *cfg.Node) bool {
	for _, d := range v.FilteredData(node) {
		if abstract.IsAmbiguous(d.(abstract.Value)) {
			return true
		}
	}
	return false
}

func (vm *VirtualMachine) traceModuleMembers(mod *cfg.Variable, name string, member *cfg.Variable, node *cfg.Node) {
	if vm.Hooks.TraceModuleMember == nil {
		return
	}
	for _, d := range mod.FilteredData(node) {
		if m, ok := d.(*abstract.Module); ok {
			vm.Hooks.TraceModuleMember(m, name, member)
		}
	}
}

// importStar copies the public members of the module into the locals.
// A module that could not be loaded makes every later unknown name a
// possible import.
func (vm *VirtualMachine) importStar(state *frameState) (*frameState, error) {
	state, mod := state.pop()
	for _, d := range mod.FilteredData(state.node) {
		m, ok := d.(*abstract.Module)
		if !ok {
			if abstract.IsAmbiguous(d.(abstract.Value)) {
				vm.hasUnknownWildcardImports = true
			}
			continue
		}
		for _, name := range m.MemberNames() {
			if strings.HasPrefix(name, "_") {
				continue
			}
			member, ok := m.Member(name)
			if !ok {
				continue
			}
			vm.traceModuleMembers(mod, name, member, state.node)
			state = vm.storeValue(state, vm.frame.Locals, name, member)
		}
	}
	return state, nil
}
