package vm

import (
	"strings"

	"github.com/funvibe/infera/internal/abstract"
	"github.com/funvibe/infera/internal/bytecode"
	"github.com/funvibe/infera/internal/cfg"
)

// isPrivate reports whether name must be imported explicitly: a single
// leading underscore.
func isPrivate(name string) bool {
	return strings.HasPrefix(name, "_") && !strings.HasPrefix(name, "__")
}

func (vm *VirtualMachine) loadConst(state *frameState, op *bytecode.Instruction) (*frameState, error) {
	consts := vm.frame.Code.Consts
	if op.Arg < 0 || op.Arg >= len(consts) {
		return nil, invariant(op.String(), "constant index %d out of range", op.Arg)
	}
	v, err := vm.conv.ConstantToVar(consts[op.Arg], nil, state.node)
	if err != nil {
		return nil, invariant(op.String(), "%v", err)
	}
	return state.push(v), nil
}

// loadFrom returns the bindings of name in d that are visible at the
// current node.
func (vm *VirtualMachine) loadFrom(state *frameState, d *abstract.Dict, name string) (*cfg.Variable, bool) {
	v, ok := d.Load(name)
	if !ok {
		return nil, false
	}
	bindings := v.Filter(state.node)
	if len(bindings) == 0 {
		return nil, false
	}
	out := vm.newVariable()
	for _, b := range bindings {
		out.PasteBinding(b, state.node, nil)
	}
	return out, true
}

// nameError reports an undefined name unless a wildcard import from an
// unknown module could have defined it.
func (vm *VirtualMachine) nameError(state *frameState, name string) *frameState {
	if isPrivate(name) || !vm.hasUnknownWildcardImports {
		vm.errorlog.NameError(vm.Location(), name)
	}
	return state.push(vm.unsolvable(state.node))
}

func (vm *VirtualMachine) loadName(state *frameState, op *bytecode.Instruction) (*frameState, error) {
	name := vm.frame.Code.Names[op.Arg]
	if v, ok := vm.loadFrom(state, vm.frame.Locals, name); ok {
		return state.push(v), nil
	}
	if v, ok := vm.loadFrom(state, vm.frame.Globals, name); ok {
		return state.push(v), nil
	}
	if !isPrivate(name) {
		if v, ok := vm.loadFrom(state, vm.frame.Builtins, name); ok {
			return state.push(v), nil
		}
	}
	return vm.nameError(state, name), nil
}

func (vm *VirtualMachine) loadGlobal(state *frameState, op *bytecode.Instruction) (*frameState, error) {
	name := vm.frame.Code.Names[op.Arg]
	if v, ok := vm.loadFrom(state, vm.frame.Globals, name); ok {
		return state.push(v), nil
	}
	if v, ok := vm.loadFrom(state, vm.frame.Builtins, name); ok {
		return state.push(v), nil
	}
	return vm.nameError(state, name), nil
}

func (vm *VirtualMachine) loadFast(state *frameState, op *bytecode.Instruction) (*frameState, error) {
	name := vm.frame.Code.Varnames[op.Arg]
	if v, ok := vm.loadFrom(state, vm.frame.Locals, name); ok {
		return state.push(v), nil
	}
	vm.errorlog.NameError(vm.Location(), name)
	return state.push(vm.unsolvable(state.node)), nil
}

func (vm *VirtualMachine) loadDeref(state *frameState, op *bytecode.Instruction) (*frameState, error) {
	cell := vm.frame.Cells[op.Arg]
	bindings := cell.Filter(state.node)
	if len(bindings) == 0 {
		return state.push(vm.unsolvable(state.node)), nil
	}
	return state.push(vm.program.MergeBindings(state.node, bindings)), nil
}

// storeValue assigns value to name in d. The assignment gets its own
// graph node so that it hides earlier assignments.
func (vm *VirtualMachine) storeValue(state *frameState, d *abstract.Dict, name string, value *cfg.Variable) *frameState {
	state = state.forwardNode(name, nil)
	vm.attrs.SetAttribute(state.node, d, name, value)
	return state.forwardNode(name, nil)
}

func (vm *VirtualMachine) popAndStore(state *frameState, op *bytecode.Instruction, d *abstract.Dict, name string) *frameState {
	state, value := state.pop()
	value = vm.annotateStore(state, op, value)
	return vm.storeValue(state, d, name, value)
}

func (vm *VirtualMachine) storeName(state *frameState, op *bytecode.Instruction) (*frameState, error) {
	return vm.popAndStore(state, op, vm.frame.Locals, vm.frame.Code.Names[op.Arg]), nil
}

func (vm *VirtualMachine) storeFast(state *frameState, op *bytecode.Instruction) (*frameState, error) {
	return vm.popAndStore(state, op, vm.frame.Locals, vm.frame.Code.Varnames[op.Arg]), nil
}

func (vm *VirtualMachine) storeGlobal(state *frameState, op *bytecode.Instruction) (*frameState, error) {
	return vm.popAndStore(state, op, vm.frame.Globals, vm.frame.Code.Names[op.Arg]), nil
}

func (vm *VirtualMachine) storeDeref(state *frameState, op *bytecode.Instruction) (*frameState, error) {
	state, value := state.pop()
	value = vm.annotateStore(state, op, value)
	state = state.forwardNode(vm.frame.Code.CellName(op.Arg), nil)
	vm.frame.Cells[op.Arg].PasteVariable(value, state.node, nil)
	return state.forwardNode(vm.frame.Code.CellName(op.Arg), nil), nil
}

// deleteFrom replaces the value of name with the empty sentinel.
func (vm *VirtualMachine) deleteFrom(state *frameState, d *abstract.Dict, name string) *frameState {
	return vm.storeValue(state, d, name, vm.single(vm.conv.Empty, state.node))
}

func (vm *VirtualMachine) deleteName(state *frameState, op *bytecode.Instruction) (*frameState, error) {
	return vm.deleteFrom(state, vm.frame.Locals, vm.frame.Code.Names[op.Arg]), nil
}

func (vm *VirtualMachine) deleteFast(state *frameState, op *bytecode.Instruction) (*frameState, error) {
	return vm.deleteFrom(state, vm.frame.Locals, vm.frame.Code.Varnames[op.Arg]), nil
}

func (vm *VirtualMachine) deleteGlobal(state *frameState, op *bytecode.Instruction) (*frameState, error) {
	return vm.deleteFrom(state, vm.frame.Globals, vm.frame.Code.Names[op.Arg]), nil
}
