package vm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/funvibe/infera/internal/abstract"
	"github.com/funvibe/infera/internal/bytecode"
	"github.com/funvibe/infera/internal/cfg"
)

// runFrame interprets the blocks of f in order, starting at node, and
// returns the node after the frame together with its return variable.
func (vm *VirtualMachine) runFrame(f *Frame, node *cfg.Node) (*cfg.Node, *cfg.Variable, error) {
	vm.pushFrame(f)
	defer vm.popFrame()

	order := f.Code.Order()
	if len(order) == 0 {
		return nil, nil, invariant("", "code %s has no blocks", f.Code.Name)
	}
	f.states[order[0].First().Index] = newFrameState(node)

	var exits []*cfg.Node
	for _, blk := range order {
		if err := vm.ctx.Err(); err != nil {
			return nil, nil, fmt.Errorf("run %s: %w", f.Code.Name, err)
		}
		state, ok := f.states[blk.First().Index]
		if !ok {
			vm.log.Debug().Int("block", blk.ID).Str("code", f.Code.Name).Msg("skipping block without incoming state")
			continue
		}
		for _, op := range blk.Ops {
			var err error
			state, err = vm.runInstruction(op, state)
			if err != nil {
				return nil, nil, err
			}
			if state.why != whyNone {
				break
			}
		}
		if state.why == whySilenced {
			state = state.setWhy(whyNone)
		}
		if state.why != whyNone {
			exits = append(exits, state.node)
			continue
		}
		last := blk.Last()
		if last.Op.CarriesOnToNext() && last.Next >= 0 {
			if err := vm.storeJump(last.Next, state.forwardNode("block", nil)); err != nil {
				return nil, nil, err
			}
		}
	}

	if len(exits) == 0 {
		f.ReturnVariable.AddBinding(vm.conv.Unsolvable, nil, node)
		return node, f.ReturnVariable, nil
	}
	return vm.joinNodes(exits), f.ReturnVariable, nil
}

// runInstruction executes one instruction against state.
func (vm *VirtualMachine) runInstruction(op *bytecode.Instruction, state *frameState) (result *frameState, err error) {
	vm.frame.currentOp = op
	if e := vm.log.Trace(); e.Enabled() {
		e.Int("index", op.Index).
			Str("op", op.Op.String()).
			Int("arg", op.Arg).
			Int("line", op.Line).
			Str("stack", stackString(state)).
			Msg("opcode")
	}
	defer func() {
		if r := recover(); r != nil {
			inv, ok := r.(*InvariantError)
			if !ok {
				panic(r)
			}
			if inv.Op == "" {
				inv.Op = op.String()
			}
			result, err = nil, inv
		}
	}()

	next, err := vm.dispatch(state, op)
	if err == nil && vm.fatal != nil {
		err = vm.fatal
	}
	if err != nil {
		var inv *InvariantError
		var bce *ByteCodeError
		switch {
		case errors.As(err, &inv):
			if inv.Op == "" {
				inv.Op = op.String()
			}
			return nil, inv
		case errors.Is(err, errRecursion):
			vm.log.Debug().Str("code", vm.frame.Code.Name).Msg("recursion")
			return state.setWhy(whyRecursion), nil
		case isCancellation(err):
			return nil, err
		case errors.As(err, &bce):
			vm.log.Debug().Str("exception", bce.Msg).Msg("exception in program")
		default:
			vm.log.Debug().Err(err).Str("op", op.String()).Msg("instruction failed")
		}
		next = state.setException(vm.unsolvable(state.node)).setWhy(whyException)
		next, err = vm.raiseToHandler(next)
		if err != nil {
			return nil, err
		}
	}
	if next.why == whyReraise {
		next = next.setWhy(whyException)
	}
	return next, nil
}

func stackString(state *frameState) string {
	parts := make([]string, len(state.dataStack))
	for i, v := range state.dataStack {
		parts[i] = abstract.TypeString(v, nil)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// storeJump merges state into the state recorded for target.
func (vm *VirtualMachine) storeJump(target int, state *frameState) error {
	merged, err := state.mergeInto(vm.frame.states[target])
	if err != nil {
		return err
	}
	vm.frame.states[target] = merged
	return nil
}

// dispatch runs the handler of op.
func (vm *VirtualMachine) dispatch(state *frameState, op *bytecode.Instruction) (*frameState, error) {
	switch op.Op {
	case bytecode.OP_NOP:
		return state, nil
	case bytecode.OP_POP_TOP, bytecode.OP_PRINT_EXPR:
		return state.popAndDiscard(), nil
	case bytecode.OP_ROT_TWO:
		return rotate(state, 2), nil
	case bytecode.OP_ROT_THREE:
		return rotate(state, 3), nil
	case bytecode.OP_ROT_FOUR:
		return rotate(state, 4), nil
	case bytecode.OP_DUP_TOP:
		return state.push(state.top()), nil
	case bytecode.OP_DUP_TOP_TWO:
		a, b := state.peek(2), state.peek(1)
		return state.push(a, b), nil

	case bytecode.OP_UNARY_POSITIVE:
		return vm.unaryOperator(state, "__pos__")
	case bytecode.OP_UNARY_NEGATIVE:
		return vm.unaryOperator(state, "__neg__")
	case bytecode.OP_UNARY_INVERT:
		return vm.unaryOperator(state, "__invert__")
	case bytecode.OP_UNARY_NOT:
		return vm.unaryNot(state), nil

	case bytecode.OP_BINARY_ADD, bytecode.OP_BINARY_SUBTRACT, bytecode.OP_BINARY_MULTIPLY,
		bytecode.OP_BINARY_MATRIX_MULTIPLY, bytecode.OP_BINARY_TRUE_DIVIDE,
		bytecode.OP_BINARY_FLOOR_DIVIDE, bytecode.OP_BINARY_MODULO, bytecode.OP_BINARY_POWER,
		bytecode.OP_BINARY_LSHIFT, bytecode.OP_BINARY_RSHIFT, bytecode.OP_BINARY_AND,
		bytecode.OP_BINARY_XOR, bytecode.OP_BINARY_OR:
		return vm.binaryOperator(state, binaryMethods[op.Op])
	case bytecode.OP_BINARY_SUBSCR:
		return vm.binarySubscr(state)
	case bytecode.OP_INPLACE_ADD, bytecode.OP_INPLACE_SUBTRACT, bytecode.OP_INPLACE_MULTIPLY,
		bytecode.OP_INPLACE_MATRIX_MULTIPLY, bytecode.OP_INPLACE_TRUE_DIVIDE,
		bytecode.OP_INPLACE_FLOOR_DIVIDE, bytecode.OP_INPLACE_MODULO, bytecode.OP_INPLACE_POWER,
		bytecode.OP_INPLACE_LSHIFT, bytecode.OP_INPLACE_RSHIFT, bytecode.OP_INPLACE_AND,
		bytecode.OP_INPLACE_XOR, bytecode.OP_INPLACE_OR:
		return vm.inplaceOperator(state, inplaceMethods[op.Op])
	case bytecode.OP_STORE_SUBSCR:
		return vm.storeSubscr(state)
	case bytecode.OP_DELETE_SUBSCR:
		return vm.deleteSubscr(state)

	case bytecode.OP_GET_ITER, bytecode.OP_GET_YIELD_FROM_ITER:
		return vm.byteGetIter(state)
	case bytecode.OP_FOR_ITER:
		return vm.byteForIter(state, op)

	case bytecode.OP_LOAD_CONST:
		return vm.loadConst(state, op)
	case bytecode.OP_LOAD_NAME:
		return vm.loadName(state, op)
	case bytecode.OP_STORE_NAME:
		return vm.storeName(state, op)
	case bytecode.OP_DELETE_NAME:
		return vm.deleteName(state, op)
	case bytecode.OP_LOAD_FAST:
		return vm.loadFast(state, op)
	case bytecode.OP_STORE_FAST:
		return vm.storeFast(state, op)
	case bytecode.OP_DELETE_FAST:
		return vm.deleteFast(state, op)
	case bytecode.OP_LOAD_GLOBAL:
		return vm.loadGlobal(state, op)
	case bytecode.OP_STORE_GLOBAL:
		return vm.storeGlobal(state, op)
	case bytecode.OP_DELETE_GLOBAL:
		return vm.deleteGlobal(state, op)
	case bytecode.OP_LOAD_CLOSURE:
		return state.push(vm.frame.Cells[op.Arg]), nil
	case bytecode.OP_LOAD_DEREF:
		return vm.loadDeref(state, op)
	case bytecode.OP_STORE_DEREF:
		return vm.storeDeref(state, op)
	case bytecode.OP_LOAD_LOCALS:
		return state.push(vm.single(vm.frame.Locals, state.node)), nil
	case bytecode.OP_LOAD_ATTR:
		return vm.byteLoadAttr(state, op)
	case bytecode.OP_STORE_ATTR:
		return vm.byteStoreAttr(state, op)
	case bytecode.OP_DELETE_ATTR:
		return vm.byteDeleteAttr(state, op)

	case bytecode.OP_COMPARE_OP:
		return vm.compareOp(state, bytecode.CmpOp(op.Arg))

	case bytecode.OP_BUILD_TUPLE:
		return vm.buildTuple(state, op.Arg), nil
	case bytecode.OP_BUILD_LIST:
		return vm.buildList(state, op.Arg), nil
	case bytecode.OP_BUILD_SET:
		return vm.buildSet(state, op.Arg), nil
	case bytecode.OP_BUILD_MAP:
		return vm.buildMap(state, op.Arg), nil
	case bytecode.OP_BUILD_CONST_KEY_MAP:
		return vm.buildConstKeyMap(state, op.Arg), nil
	case bytecode.OP_BUILD_SLICE:
		return vm.buildSlice(state, op.Arg), nil
	case bytecode.OP_BUILD_STRING:
		state, _ = state.popN(op.Arg)
		return state.push(vm.strInstance(state.node)), nil
	case bytecode.OP_FORMAT_VALUE:
		return vm.formatValue(state, op.Arg), nil
	case bytecode.OP_BUILD_TUPLE_UNPACK:
		return vm.buildTupleUnpack(state, op.Arg)
	case bytecode.OP_BUILD_LIST_UNPACK:
		return vm.buildListUnpack(state, op.Arg)
	case bytecode.OP_BUILD_SET_UNPACK:
		return vm.buildSetUnpack(state, op.Arg)
	case bytecode.OP_BUILD_MAP_UNPACK:
		return vm.buildMapUnpack(state, op.Arg), nil
	case bytecode.OP_LIST_APPEND:
		return vm.containerAdd(state, op.Arg, "append", 1)
	case bytecode.OP_SET_ADD:
		return vm.containerAdd(state, op.Arg, "add", 1)
	case bytecode.OP_MAP_ADD:
		return vm.containerAdd(state, op.Arg, "__setitem__", 2)
	case bytecode.OP_UNPACK_SEQUENCE:
		return vm.unpackSequence(state, op.Arg, -1)
	case bytecode.OP_UNPACK_EX:
		return vm.unpackSequence(state, op.Arg&0xff, op.Arg>>8)

	case bytecode.OP_JUMP_FORWARD, bytecode.OP_JUMP_ABSOLUTE:
		return state, vm.storeJump(op.Target, state.forwardNode("jump", nil))
	case bytecode.OP_POP_JUMP_IF_TRUE:
		return vm.jumpIf(state, op, true, true, false)
	case bytecode.OP_POP_JUMP_IF_FALSE:
		return vm.jumpIf(state, op, true, false, false)
	case bytecode.OP_JUMP_IF_TRUE_OR_POP:
		return vm.jumpIf(state, op, false, true, true)
	case bytecode.OP_JUMP_IF_FALSE_OR_POP:
		return vm.jumpIf(state, op, false, false, true)

	case bytecode.OP_SETUP_LOOP:
		return state.pushBlock(block{kind: blockLoop, handler: op.Target, level: len(state.dataStack)}), nil
	case bytecode.OP_BREAK_LOOP:
		return vm.breakLoop(state, op)
	case bytecode.OP_CONTINUE_LOOP:
		return vm.continueLoop(state, op)
	case bytecode.OP_SETUP_EXCEPT:
		return vm.setupExcept(state, op)
	case bytecode.OP_SETUP_FINALLY:
		return vm.setupFinally(state, op)
	case bytecode.OP_SETUP_WITH:
		return vm.setupWith(state, op)
	case bytecode.OP_POP_BLOCK:
		state, _ = state.popBlock()
		return state, nil
	case bytecode.OP_POP_EXCEPT:
		return state, nil
	case bytecode.OP_END_FINALLY:
		return vm.endFinally(state), nil
	case bytecode.OP_WITH_CLEANUP_START:
		return vm.withCleanupStart(state)
	case bytecode.OP_WITH_CLEANUP_FINISH:
		state, _ = state.popN(2)
		return state.setWhy(whySilenced), nil
	case bytecode.OP_RAISE_VARARGS:
		return vm.raiseVarargs(state, op.Arg)

	case bytecode.OP_MAKE_FUNCTION:
		return vm.byteMakeFunction(state, op)
	case bytecode.OP_CALL_FUNCTION:
		return vm.byteCallFunction(state, op.Arg)
	case bytecode.OP_CALL_FUNCTION_KW:
		return vm.byteCallFunctionKw(state, op.Arg)
	case bytecode.OP_CALL_FUNCTION_EX:
		return vm.byteCallFunctionEx(state, op.Arg)
	case bytecode.OP_RETURN_VALUE:
		return vm.returnValue(state), nil
	case bytecode.OP_YIELD_VALUE:
		return vm.yieldValue(state, op)
	case bytecode.OP_YIELD_FROM:
		return vm.yieldFrom(state, op)

	case bytecode.OP_IMPORT_NAME:
		return vm.importName(state, op)
	case bytecode.OP_IMPORT_FROM:
		return vm.importFrom(state, op)
	case bytecode.OP_IMPORT_STAR:
		return vm.importStar(state)

	case bytecode.OP_LOAD_BUILD_CLASS:
		return state.push(vm.single(vm.special(specialBuildClass), state.node)), nil
	case bytecode.OP_BUILD_CLASS:
		return vm.byteBuildClass(state)
	case bytecode.OP_SETUP_ANNOTATIONS:
		return vm.setupAnnotations(state), nil
	case bytecode.OP_STORE_ANNOTATION:
		return vm.storeAnnotation(state, op)
	}
	return nil, invariant(op.String(), "unknown opcode %d", op.Op)
}

// rotate moves the top of the stack n-1 positions down.
func rotate(state *frameState, n int) *frameState {
	state, vs := state.popN(n)
	rotated := make([]*cfg.Variable, 0, n)
	rotated = append(rotated, vs[n-1])
	rotated = append(rotated, vs[:n-1]...)
	return state.push(rotated...)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
