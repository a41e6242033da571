package vm

import (
	"github.com/funvibe/infera/internal/abstract"
	"github.com/funvibe/infera/internal/bytecode"
	"github.com/funvibe/infera/internal/cfg"
	"github.com/funvibe/infera/internal/config"
)

// condition is the data of a binding that is visible only where a tested
// value has a given truth value.
type condition struct {
	logical bool
}

// restrictCondition returns a binding that holds exactly when one of the
// bindings of the tested variable can have the truth value logical. A nil
// binding means no restriction; unsatisfiable means no binding can.
func (vm *VirtualMachine) restrictCondition(node *cfg.Node, bindings []*cfg.Binding, logical bool) (cond *cfg.Binding, unsatisfiable bool) {
	var kept []*cfg.Binding
	for _, b := range bindings {
		if abstract.CompatibleWith(abstract.Data(b), logical) {
			kept = append(kept, b)
		}
	}
	if len(kept) == 0 {
		return nil, true
	}
	if len(kept) == len(bindings) {
		return nil, false
	}
	cond = vm.newVariable().AddBinding(&condition{logical: logical}, nil, nil)
	for _, b := range kept {
		cond.AddOrigin(node, []*cfg.Binding{b})
	}
	return cond, false
}

// jumpIf implements the conditional jumps. pop pops the tested value on
// both paths, orPop only when the jump is not taken.
func (vm *VirtualMachine) jumpIf(state *frameState, op *bytecode.Instruction, pop, jumpIf, orPop bool) (*frameState, error) {
	var value *cfg.Variable
	if pop {
		state, value = state.pop()
	} else {
		value = state.top()
	}
	bindings := value.Filter(state.node)
	jump, jumpUnsat := vm.restrictCondition(state.node, bindings, jumpIf)
	normal, normalUnsat := vm.restrictCondition(state.node, bindings, !jumpIf)

	branched := false
	if !jumpUnsat {
		var target *frameState
		if jump != nil {
			target = state.forwardNode("if", jump).forwardNode("then", nil)
		} else {
			target = state.forwardNode("jump", nil)
		}
		if err := vm.storeJump(op.Target, target); err != nil {
			return nil, err
		}
		branched = true
	}
	if orPop {
		state = state.popAndDiscard()
	}
	switch {
	case normalUnsat:
		return state.setWhy(whyUnsatisfiable), nil
	case !branched && normal == nil:
		return state, nil
	}
	return state.forwardNode("else", normal), nil
}

func (vm *VirtualMachine) unaryNot(state *frameState) *frameState {
	state, v := state.pop()
	out := vm.newVariable()
	for _, b := range v.Filter(state.node) {
		d := abstract.Data(b)
		canTrue := abstract.CompatibleWith(d, true)
		canFalse := abstract.CompatibleWith(d, false)
		switch {
		case canTrue && canFalse:
			out.AddBinding(vm.conv.True, []*cfg.Binding{b}, state.node)
			out.AddBinding(vm.conv.False, []*cfg.Binding{b}, state.node)
		case canTrue:
			out.AddBinding(vm.conv.False, []*cfg.Binding{b}, state.node)
		case canFalse:
			out.AddBinding(vm.conv.True, []*cfg.Binding{b}, state.node)
		}
	}
	if len(out.Bindings()) == 0 {
		out = vm.conv.BuildBool(state.node)
	}
	return state.push(out)
}

// revertToLoop pops the blocks above the innermost loop. It returns the
// loop block, which stays on the stack.
func revertToLoop(state *frameState) (*frameState, block) {
	for {
		n := len(state.blockStack)
		if n == 0 {
			panic(invariant("", "no enclosing loop"))
		}
		b := state.blockStack[n-1]
		if b.kind == blockLoop {
			return state, b
		}
		state, _ = state.popBlock()
		state = state.truncate(b.level)
	}
}

func (vm *VirtualMachine) breakLoop(state *frameState, op *bytecode.Instruction) (*frameState, error) {
	state, _ = revertToLoop(state)
	state, loop := state.popBlock()
	state = state.truncate(loop.level)
	target := op.BlockTarget
	if target < 0 {
		target = loop.handler
	}
	return state, vm.storeJump(target, state.forwardNode("break", nil))
}

func (vm *VirtualMachine) continueLoop(state *frameState, op *bytecode.Instruction) (*frameState, error) {
	// The iterator above the loop level stays for the next FOR_ITER.
	state, _ = revertToLoop(state)
	return state, vm.storeJump(op.Target, state.forwardNode("continue", nil))
}

// exceptionTriple is what the handler of an except block finds on the
// stack: traceback, value and type.
func (vm *VirtualMachine) exceptionTriple(node *cfg.Node) []*cfg.Variable {
	return []*cfg.Variable{
		vm.conv.BuildList(node, nil),
		vm.unsolvable(node),
		vm.unsolvable(node),
	}
}

func (vm *VirtualMachine) setupExcept(state *frameState, op *bytecode.Instruction) (*frameState, error) {
	handler := state.push(vm.exceptionTriple(state.node)...)
	if err := vm.storeJump(op.Target, handler.forwardNode("except", nil)); err != nil {
		return nil, err
	}
	return state.pushBlock(block{kind: blockExcept, handler: op.Target, level: len(state.dataStack)}), nil
}

func (vm *VirtualMachine) setupFinally(state *frameState, op *bytecode.Instruction) (*frameState, error) {
	handler := state.push(vm.conv.BuildNone(state.node))
	if err := vm.storeJump(op.Target, handler.forwardNode("finally", nil)); err != nil {
		return nil, err
	}
	return state.pushBlock(block{kind: blockFinally, handler: op.Target, level: len(state.dataStack)}), nil
}

func (vm *VirtualMachine) setupWith(state *frameState, op *bytecode.Instruction) (*frameState, error) {
	state, ctxmgr := state.pop()
	level := len(state.dataStack)
	state, exit := vm.loadAttr(state, ctxmgr, config.ExitMethod)
	state = state.push(exit)
	state, enter := vm.loadAttr(state, ctxmgr, config.EnterMethod)
	state, result, err := vm.callWithState(state, enter, &FunctionArgs{})
	if err != nil {
		return nil, err
	}
	state = state.pushBlock(block{kind: blockWith, handler: op.Target, level: level})
	return state.push(result), nil
}

func (vm *VirtualMachine) withCleanupStart(state *frameState) (*frameState, error) {
	state, u := state.pop()
	state, exit := state.pop()
	none := vm.conv.BuildNone(state.node)
	state, result, err := vm.callWithState(state, exit, &FunctionArgs{Posargs: []*cfg.Variable{none, none, none}})
	if err != nil {
		return nil, err
	}
	return state.push(none, u, result), nil
}

func (vm *VirtualMachine) endFinally(state *frameState) *frameState {
	state, top := state.pop()
	onlyNone := true
	for _, d := range top.Data() {
		if d != vm.conv.None {
			onlyNone = false
			break
		}
	}
	if onlyNone && len(top.Bindings()) > 0 {
		return state
	}
	// An exception is propagating: the rest of the triple is on the stack.
	state, _ = state.popN(2)
	return state.setWhy(whyReraise)
}

func (vm *VirtualMachine) raiseVarargs(state *frameState, argc int) (*frameState, error) {
	if argc == 0 {
		return state.setWhy(whyReraise), nil
	}
	state, args := state.popN(argc)
	state = state.setException(args[0]).setWhy(whyException)
	return vm.raiseToHandler(state)
}

// raiseToHandler transfers a freshly raised exception to the innermost
// except or finally block of the frame. The raising path itself ends.
func (vm *VirtualMachine) raiseToHandler(state *frameState) (*frameState, error) {
	handlerState := state
	for len(handlerState.blockStack) > 0 {
		var b block
		handlerState, b = handlerState.popBlock()
		handlerState = handlerState.truncate(b.level)
		switch b.kind {
		case blockLoop:
			continue
		case blockExcept, blockFinally:
			target := handlerState.setWhy(whyNone).push(vm.exceptionTriple(state.node)...)
			if err := vm.storeJump(b.handler, target.forwardNode("raise", nil)); err != nil {
				return nil, err
			}
		}
		break
	}
	return state, nil
}

func (vm *VirtualMachine) returnValue(state *frameState) *frameState {
	state, v := state.pop()
	if allowed := vm.frame.AllowedReturns; allowed != nil {
		v = vm.conv.Instantiate(allowed, state.node)
	}
	vm.frame.ReturnVariable.PasteVariable(v, state.node, nil)
	return state.setWhy(whyReturn)
}

// yieldValue records the yielded value and the continuation after the
// yield, where an unknown value has been sent in.
func (vm *VirtualMachine) yieldValue(state *frameState, op *bytecode.Instruction) (*frameState, error) {
	state, v := state.pop()
	vm.frame.YieldVariable.PasteVariable(v, state.node, nil)
	if op.Next >= 0 {
		resumed := state.forwardNode("resume", nil)
		resumed = resumed.push(vm.unsolvable(resumed.node))
		if err := vm.storeJump(op.Next, resumed); err != nil {
			return nil, err
		}
	}
	return state.setWhy(whyYield), nil
}

// yieldFrom yields the elements of the iterator below the sent value and
// pushes the sub-generator's (unknown) result.
func (vm *VirtualMachine) yieldFrom(state *frameState, op *bytecode.Instruction) (*frameState, error) {
	state, _ = state.pop()
	state, iter := state.pop()
	state, elems, err := vm.nextOf(state, iter, true)
	if err != nil {
		return nil, err
	}
	if elems != nil {
		vm.frame.YieldVariable.PasteVariable(elems, state.node, nil)
	}
	return state.push(vm.unsolvable(state.node)), nil
}
