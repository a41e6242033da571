package vm

import (
	"github.com/funvibe/infera/internal/abstract"
	"github.com/funvibe/infera/internal/bytecode"
	"github.com/funvibe/infera/internal/cfg"
)

// retrieveAttr looks name up on every visible binding of obj. It returns
// the merged result (nil if no binding has the attribute) and the bindings
// that lack it.
func (vm *VirtualMachine) retrieveAttr(node *cfg.Node, obj *cfg.Variable, name string) (*cfg.Node, *cfg.Variable, []*cfg.Binding) {
	var result *cfg.Variable
	var missing []*cfg.Binding
	for _, b := range obj.Filter(node) {
		var v *cfg.Variable
		// Running a generator body moves the node forward.
		node, v = vm.attrs.GetAttribute(node, abstract.Data(b), name, b)
		if v == nil {
			missing = append(missing, b)
			continue
		}
		if result == nil {
			result = vm.newVariable()
		}
		for _, rb := range v.Bindings() {
			result.PasteBinding(rb, node, []*cfg.Binding{b})
		}
	}
	return node, result, missing
}

// loadAttr loads obj.name, reporting the bindings that lack it. A missing
// attribute yields unsolvable.
func (vm *VirtualMachine) loadAttr(state *frameState, obj *cfg.Variable, name string) (*frameState, *cfg.Variable) {
	node, result, missing := vm.retrieveAttr(state.node, obj, name)
	state = state.changeNode(node)
	if len(missing) > 0 {
		vm.reportMissingAttr(obj, missing, name, state.node)
	}
	if result == nil {
		return state, vm.unsolvable(state.node)
	}
	if len(missing) > 0 {
		result.PasteVariable(vm.unsolvable(state.node), state.node, nil)
	}
	return state, result
}

// loadAttrNoError is loadAttr without reporting. The result is nil if no
// binding has the attribute.
func (vm *VirtualMachine) loadAttrNoError(state *frameState, obj *cfg.Variable, name string) (*frameState, *cfg.Variable) {
	node, result, _ := vm.retrieveAttr(state.node, obj, name)
	return state.changeNode(node), result
}

func (vm *VirtualMachine) reportMissingAttr(obj *cfg.Variable, missing []*cfg.Binding, name string, node *cfg.Node) {
	onlyNone := true
	for _, b := range obj.Filter(node) {
		if abstract.Data(b) != vm.conv.None {
			onlyNone = false
			break
		}
	}
	if onlyNone {
		vm.errorlog.NoneAttr(vm.Location(), name)
		return
	}
	for _, b := range missing {
		d := abstract.Data(b)
		if d == vm.conv.None {
			// Optional values are not reported unless None is all there is.
			continue
		}
		vm.errorlog.AttributeError(vm.Location(), d.String(), name)
	}
}

func (vm *VirtualMachine) byteLoadAttr(state *frameState, op *bytecode.Instruction) (*frameState, error) {
	name := vm.frame.Code.Names[op.Arg]
	state, obj := state.pop()
	state, v := vm.loadAttr(state, obj, name)
	return state.push(v), nil
}

func (vm *VirtualMachine) storeAttr(state *frameState, obj *cfg.Variable, name string, value *cfg.Variable) *frameState {
	state = state.forwardNode("attr:"+name, nil)
	for _, b := range obj.Filter(state.node) {
		vm.attrs.SetAttribute(state.node, abstract.Data(b), name, value)
	}
	return state.forwardNode("attr:"+name, nil)
}

func (vm *VirtualMachine) byteStoreAttr(state *frameState, op *bytecode.Instruction) (*frameState, error) {
	name := vm.frame.Code.Names[op.Arg]
	state, obj := state.pop()
	state, value := state.pop()
	value = vm.annotateStore(state, op, value)
	return vm.storeAttr(state, obj, name, value), nil
}

func (vm *VirtualMachine) byteDeleteAttr(state *frameState, op *bytecode.Instruction) (*frameState, error) {
	name := vm.frame.Code.Names[op.Arg]
	state, obj := state.pop()
	vm.log.Debug().Str("attr", name).Str("object", abstract.TypeString(obj, state.node)).Msg("ignoring attribute deletion")
	return state, nil
}

// callMethod calls obj.name(args...).
func (vm *VirtualMachine) callMethod(state *frameState, obj *cfg.Variable, name string, args ...*cfg.Variable) (*frameState, *cfg.Variable, error) {
	state, method := vm.loadAttr(state, obj, name)
	return vm.callWithState(state, method, &FunctionArgs{Posargs: args})
}
