package bytecode

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

var errNoInstructions = errors.New("code object has no instructions")

// AsmError describes an assembler failure.
type AsmError struct {
	Code  string
	Index int
	Msg   string
}

func (e *AsmError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("assemble %s: instruction %d: %s", e.Code, e.Index, e.Msg)
	}
	return fmt.Sprintf("assemble %s: %s", e.Code, e.Msg)
}

type fixup struct {
	index int
	label string
}

// Assembler builds a Code object instruction by instruction. Methods
// chain; the first error is kept and returned by Assemble.
type Assembler struct {
	code   *Code
	labels map[string]int
	fixups []fixup
	line   int
	err    error
}

// NewAssembler starts a code object with the given name.
func NewAssembler(name string) *Assembler {
	return &Assembler{
		code: &Code{
			Name:     name,
			Filename: "<assembled>",
		},
		labels: make(map[string]int),
	}
}

func (a *Assembler) fail(index int, format string, args ...any) *Assembler {
	if a.err == nil {
		a.err = &AsmError{Code: a.code.Name, Index: index, Msg: fmt.Sprintf(format, args...)}
	}
	return a
}

// Filename sets the source file name.
func (a *Assembler) Filename(name string) *Assembler {
	a.code.Filename = name
	return a
}

// Params declares positional parameters; they become the first varnames.
func (a *Assembler) Params(names ...string) *Assembler {
	a.code.ArgCount = len(names)
	for _, n := range names {
		a.local(n)
	}
	return a
}

// Locals declares additional local variable names.
func (a *Assembler) Locals(names ...string) *Assembler {
	for _, n := range names {
		a.local(n)
	}
	return a
}

// Cells declares cell and free variables.
func (a *Assembler) Cells(cellvars, freevars []string) *Assembler {
	a.code.Cellvars = append(a.code.Cellvars, cellvars...)
	a.code.Freevars = append(a.code.Freevars, freevars...)
	return a
}

// Flags sets code flags.
func (a *Assembler) Flags(f Flags) *Assembler {
	a.code.Flags |= f
	return a
}

// FirstLine sets the line of the def/class statement.
func (a *Assembler) FirstLine(n int) *Assembler {
	a.code.FirstLine = n
	return a
}

// Line sets the source line of the following instructions.
func (a *Assembler) Line(n int) *Assembler {
	a.line = n
	if a.code.FirstLine == 0 {
		a.code.FirstLine = n
	}
	return a
}

// Label marks the position of the next instruction.
func (a *Assembler) Label(name string) *Assembler {
	if _, dup := a.labels[name]; dup {
		return a.fail(-1, "duplicate label %q", name)
	}
	a.labels[name] = len(a.code.Instructions)
	return a
}

// Emit appends an instruction with a raw argument.
func (a *Assembler) Emit(op Opcode, arg int) *Assembler {
	if !op.Valid() {
		return a.fail(len(a.code.Instructions), "invalid opcode %d", op)
	}
	a.code.Instructions = append(a.code.Instructions, &Instruction{
		Index:       len(a.code.Instructions),
		Op:          op,
		Arg:         arg,
		Line:        a.line,
		Target:      -1,
		BlockTarget: -1,
	})
	return a
}

// Op appends an instruction without an argument.
func (a *Assembler) Op(op Opcode) *Assembler {
	return a.Emit(op, 0)
}

// Const appends LOAD_CONST for v, interning it in the constant pool.
func (a *Assembler) Const(v any) *Assembler {
	return a.Emit(OP_LOAD_CONST, a.constIndex(v))
}

// Name appends an instruction whose argument is a name, local or cell.
func (a *Assembler) Name(op Opcode, name string) *Assembler {
	switch {
	case op.UsesName():
		return a.Emit(op, a.name(name))
	case op.UsesLocal():
		return a.Emit(op, a.local(name))
	case op.UsesCell():
		for i, c := range a.code.Cellvars {
			if c == name {
				return a.Emit(op, i)
			}
		}
		for i, f := range a.code.Freevars {
			if f == name {
				return a.Emit(op, len(a.code.Cellvars)+i)
			}
		}
		return a.fail(len(a.code.Instructions), "unknown cell %q", name)
	}
	return a.fail(len(a.code.Instructions), "%s does not take a name", op)
}

// Jump appends a jump to label.
func (a *Assembler) Jump(op Opcode, label string) *Assembler {
	if !op.HasJump() {
		return a.fail(len(a.code.Instructions), "%s is not a jump", op)
	}
	a.fixups = append(a.fixups, fixup{index: len(a.code.Instructions), label: label})
	return a.Emit(op, 0)
}

// Compare appends COMPARE_OP.
func (a *Assembler) Compare(c CmpOp) *Assembler {
	return a.Emit(OP_COMPARE_OP, int(c))
}

// Instr appends one instruction in text form: "[label:] OPNAME [arg]".
// Jump arguments are labels, name arguments are identifiers, COMPARE_OP
// takes an operator name and everything else takes an integer.
func (a *Assembler) Instr(text string) *Assembler {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return a
	}
	if fields[0] == "line" && len(fields) == 2 {
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return a.fail(len(a.code.Instructions), "bad line directive %q", text)
		}
		return a.Line(n)
	}
	if strings.HasSuffix(fields[0], ":") {
		a.Label(strings.TrimSuffix(fields[0], ":"))
		fields = fields[1:]
		if len(fields) == 0 {
			return a
		}
	}
	op, ok := LookupOpcode(fields[0])
	if !ok {
		return a.fail(len(a.code.Instructions), "unknown opcode %q", fields[0])
	}
	if len(fields) == 1 {
		if op.HasJump() || op.UsesName() || op.UsesLocal() || op.UsesCell() {
			return a.fail(len(a.code.Instructions), "%s needs an argument", op)
		}
		return a.Op(op)
	}
	arg := fields[1]
	switch {
	case op.HasJump():
		return a.Jump(op, arg)
	case op == OP_COMPARE_OP:
		c, ok := LookupCmpOp(arg)
		if !ok {
			return a.fail(len(a.code.Instructions), "unknown comparison %q", arg)
		}
		return a.Compare(c)
	case op.UsesName() || op.UsesLocal() || op.UsesCell():
		if n, err := strconv.Atoi(arg); err == nil {
			return a.Emit(op, n)
		}
		return a.Name(op, arg)
	}
	n, err := strconv.Atoi(arg)
	if err != nil {
		return a.fail(len(a.code.Instructions), "bad argument %q for %s", arg, op)
	}
	return a.Emit(op, n)
}

// Assemble resolves labels and loop targets and validates arguments.
func (a *Assembler) Assemble() (*Code, error) {
	if a.err != nil {
		return nil, a.err
	}
	code := a.code
	if len(code.Instructions) == 0 {
		return nil, &AsmError{Code: code.Name, Index: -1, Msg: errNoInstructions.Error()}
	}
	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			return nil, &AsmError{Code: code.Name, Index: f.index, Msg: fmt.Sprintf("undefined label %q", f.label)}
		}
		if target >= len(code.Instructions) {
			return nil, &AsmError{Code: code.Name, Index: f.index, Msg: fmt.Sprintf("label %q points past the end", f.label)}
		}
		code.Instructions[f.index].Target = target
	}
	for i, inst := range code.Instructions {
		if i+1 < len(code.Instructions) {
			inst.Next = i + 1
		} else {
			inst.Next = -1
		}
		if err := a.validate(inst); err != nil {
			return nil, err
		}
	}
	if err := resolveLoopTargets(code); err != nil {
		return nil, err
	}
	return code, nil
}

func (a *Assembler) validate(inst *Instruction) error {
	code := a.code
	bad := func(format string, args ...any) error {
		return &AsmError{Code: code.Name, Index: inst.Index, Msg: fmt.Sprintf(format, args...)}
	}
	switch {
	case inst.Op.HasJump() && inst.Target < 0:
		return bad("%s without target", inst.Op)
	case inst.Op.UsesName() && (inst.Arg < 0 || inst.Arg >= len(code.Names)):
		return bad("name index %d out of range", inst.Arg)
	case inst.Op.UsesLocal() && (inst.Arg < 0 || inst.Arg >= len(code.Varnames)):
		return bad("local index %d out of range", inst.Arg)
	case inst.Op.UsesCell() && (inst.Arg < 0 || inst.Arg >= len(code.Cellvars)+len(code.Freevars)):
		return bad("cell index %d out of range", inst.Arg)
	case inst.Op == OP_LOAD_CONST && (inst.Arg < 0 || inst.Arg >= len(code.Consts)):
		return bad("constant index %d out of range", inst.Arg)
	}
	return nil
}

// resolveLoopTargets gives every BREAK_LOOP the exit of its innermost
// enclosing SETUP_LOOP.
func resolveLoopTargets(code *Code) error {
	var loops []int // exit indices
	for _, inst := range code.Instructions {
		for len(loops) > 0 && loops[len(loops)-1] <= inst.Index {
			loops = loops[:len(loops)-1]
		}
		switch inst.Op {
		case OP_SETUP_LOOP:
			loops = append(loops, inst.Target)
		case OP_BREAK_LOOP:
			if len(loops) == 0 {
				return &AsmError{Code: code.Name, Index: inst.Index, Msg: "BREAK_LOOP outside a loop"}
			}
			inst.BlockTarget = loops[len(loops)-1]
		}
	}
	return nil
}

func (a *Assembler) name(n string) int {
	for i, existing := range a.code.Names {
		if existing == n {
			return i
		}
	}
	a.code.Names = append(a.code.Names, n)
	return len(a.code.Names) - 1
}

func (a *Assembler) local(n string) int {
	for i, existing := range a.code.Varnames {
		if existing == n {
			return i
		}
	}
	a.code.Varnames = append(a.code.Varnames, n)
	return len(a.code.Varnames) - 1
}

func (a *Assembler) constIndex(v any) int {
	switch k := v.(type) {
	case int:
		v = int64(k)
	case []any:
		v = Tuple(k)
	}
	for i, existing := range a.code.Consts {
		if constEqual(existing, v) {
			return i
		}
	}
	a.code.Consts = append(a.code.Consts, v)
	return len(a.code.Consts) - 1
}

// constEqual compares constants by type and value; True and 1 differ.
func constEqual(x, y any) bool {
	switch xv := x.(type) {
	case nil:
		return y == nil
	case bool:
		yv, ok := y.(bool)
		return ok && xv == yv
	case int64:
		yv, ok := y.(int64)
		return ok && xv == yv
	case *big.Int:
		yv, ok := y.(*big.Int)
		return ok && xv.Cmp(yv) == 0
	case float64:
		yv, ok := y.(float64)
		return ok && xv == yv
	case complex128:
		yv, ok := y.(complex128)
		return ok && xv == yv
	case string:
		yv, ok := y.(string)
		return ok && xv == yv
	case Ellipsis:
		_, ok := y.(Ellipsis)
		return ok
	case Tuple:
		yv, ok := y.(Tuple)
		if !ok || len(xv) != len(yv) {
			return false
		}
		for i := range xv {
			if !constEqual(xv[i], yv[i]) {
				return false
			}
		}
		return true
	case *Code:
		return x == y
	}
	return false
}
