package vm

import (
	"github.com/funvibe/infera/internal/abstract"
	"github.com/funvibe/infera/internal/bytecode"
	"github.com/funvibe/infera/internal/cfg"
)

type blockKind int

const (
	blockLoop blockKind = iota
	blockExcept
	blockFinally
	blockWith
)

func (k blockKind) String() string {
	switch k {
	case blockLoop:
		return "loop"
	case blockExcept:
		return "except"
	case blockFinally:
		return "finally"
	}
	return "with"
}

// block is an entry of the block stack: a loop or a handler.
type block struct {
	kind blockKind
	// handler is the jump target of the block: the loop exit or the
	// handler's first instruction.
	handler int
	// level is the data stack depth when the block was set up.
	level int
}

// Frame is the activation record of one code object.
type Frame struct {
	Code     *bytecode.Code
	Globals  *abstract.Dict
	Locals   *abstract.Dict
	Builtins *abstract.Dict
	// Cells holds the cell variables followed by the free variables.
	Cells []*cfg.Variable
	Back  *Frame
	Func  *abstract.Function

	// ReturnVariable collects the values of every return.
	ReturnVariable *cfg.Variable
	// YieldVariable collects the yielded values of a generator.
	YieldVariable *cfg.Variable
	// AllowedReturns is the annotated return type, if any.
	AllowedReturns abstract.Value

	states    map[int]*frameState
	currentOp *bytecode.Instruction
}

func (vm *VirtualMachine) makeFrame(node *cfg.Node, code *bytecode.Code, globals, locals *abstract.Dict, closure []*cfg.Variable, fn *abstract.Function) *Frame {
	f := &Frame{
		Code:           code,
		Globals:        globals,
		Locals:         locals,
		Builtins:       vm.builtins,
		Back:           vm.frame,
		Func:           fn,
		ReturnVariable: vm.program.NewVariable(nil, nil, nil),
		YieldVariable:  vm.program.NewVariable(nil, nil, nil),
		states:         make(map[int]*frameState),
	}
	if f.Locals == nil {
		f.Locals = f.Globals
	}
	for range code.Cellvars {
		f.Cells = append(f.Cells, vm.program.NewVariable(nil, nil, nil))
	}
	f.Cells = append(f.Cells, closure...)
	return f
}

// depth returns the number of frames on the stack.
func (vm *VirtualMachine) depth() int {
	n := 0
	for f := vm.frame; f != nil; f = f.Back {
		n++
	}
	return n
}

// isRunning reports whether a frame for code is on the stack.
func (vm *VirtualMachine) isRunning(code *bytecode.Code) bool {
	for f := vm.frame; f != nil; f = f.Back {
		if f.Code == code {
			return true
		}
	}
	return false
}
