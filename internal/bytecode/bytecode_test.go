package bytecode

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAssembleResolvesLabels(t *testing.T) {
	code, err := NewAssembler("f").
		Params("x").
		Name(OP_LOAD_FAST, "x").
		Jump(OP_POP_JUMP_IF_FALSE, "else").
		Const(int64(1)).
		Op(OP_RETURN_VALUE).
		Label("else").
		Const(int64(2)).
		Op(OP_RETURN_VALUE).
		Assemble()
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if got := code.Instructions[1].Target; got != 4 {
		t.Errorf("jump target: got=%d, want=4", got)
	}
	if got := code.Instructions[5].Next; got != -1 {
		t.Errorf("last Next: got=%d, want=-1", got)
	}
	if diff := cmp.Diff([]any{int64(1), int64(2)}, code.Consts); diff != "" {
		t.Errorf("consts mismatch (-want +got):\n%s", diff)
	}
}

func TestAssembleErrors(t *testing.T) {
	tests := []struct {
		name string
		asm  *Assembler
		want string
	}{
		{"undefined label", NewAssembler("m").Jump(OP_JUMP_FORWARD, "nowhere"), "undefined label"},
		{"unknown opcode", NewAssembler("m").Instr("FROBNICATE"), "unknown opcode"},
		{"break outside loop", NewAssembler("m").Op(OP_BREAK_LOOP), "outside a loop"},
		{"empty", NewAssembler("m"), "no instructions"},
		{"missing argument", NewAssembler("m").Instr("LOAD_NAME"), "needs an argument"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.asm.Assemble()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("got error %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestBreakLoopTarget(t *testing.T) {
	a := NewAssembler("m")
	for _, line := range []string{
		"SETUP_LOOP done",
		"top: LOAD_NAME x",
		"POP_JUMP_IF_FALSE out",
		"BREAK_LOOP",
		"out: POP_BLOCK",
		"done: LOAD_CONST 0",
		"RETURN_VALUE",
	} {
		a.Instr(line)
	}
	a.code.Consts = append(a.code.Consts, nil)
	code, err := a.Assemble()
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if got := code.Instructions[3].BlockTarget; got != 5 {
		t.Errorf("BREAK_LOOP target: got=%d, want=5", got)
	}
}

func TestComputeOrderPlacesJoinLast(t *testing.T) {
	a := NewAssembler("m")
	for _, line := range []string{
		"LOAD_NAME c",
		"POP_JUMP_IF_FALSE else",
		"LOAD_CONST 0",
		"JUMP_FORWARD join",
		"else: LOAD_CONST 1",
		"join: RETURN_VALUE",
	} {
		a.Instr(line)
	}
	a.code.Consts = []any{int64(1), int64(2)}
	code, err := a.Assemble()
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	order := code.Order()
	if len(order) != 4 {
		t.Fatalf("blocks: got=%d, want=4", len(order))
	}
	var firsts []int
	for _, b := range order {
		firsts = append(firsts, b.First().Index)
	}
	if firsts[0] != 0 || firsts[len(firsts)-1] != 5 {
		t.Errorf("order starts/ends wrong: %v", firsts)
	}
}

func TestParseProgram(t *testing.T) {
	src := `
module: demo
type_comments:
  3: "(int) -> str"
code:
  names: [f]
  consts:
    - code:
        name: f
        argcount: 1
        varnames: [x]
        consts:
          - ~
          - !ellipsis ""
          - [1, "a"]
          - 123456789012345678901234567890
        instructions:
          - line 4
          - LOAD_CONST 0
          - RETURN_VALUE
    - f
    - ~
  instructions:
    - line 2
    - LOAD_CONST 0
    - LOAD_CONST 1
    - MAKE_FUNCTION 0
    - STORE_NAME f
    - LOAD_CONST 2
    - RETURN_VALUE
`
	prog, err := ParseProgram([]byte(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if prog.Module != "demo" {
		t.Errorf("module: got=%q", prog.Module)
	}
	if prog.TypeComments[3] != "(int) -> str" {
		t.Errorf("type comment missing: %v", prog.TypeComments)
	}
	f, ok := prog.Code.Consts[0].(*Code)
	if !ok {
		t.Fatalf("const 0 is %T, want *Code", prog.Code.Consts[0])
	}
	if f.ArgCount != 1 || f.FirstBodyLine() != 4 {
		t.Errorf("nested code: argcount=%d firstbody=%d", f.ArgCount, f.FirstBodyLine())
	}
	if _, ok := f.Consts[1].(Ellipsis); !ok {
		t.Errorf("const 1: got %T, want Ellipsis", f.Consts[1])
	}
	if tup, ok := f.Consts[2].(Tuple); !ok || len(tup) != 2 || tup[1] != "a" {
		t.Errorf("const 2: got %#v", f.Consts[2])
	}
	if got := FormatConst(f.Consts[3]); got != "123456789012345678901234567890" {
		t.Errorf("big int: got=%s", got)
	}
}

func TestDisassemble(t *testing.T) {
	code, err := NewAssembler("m").
		Line(1).
		Const(nil).
		Name(OP_STORE_NAME, "x").
		Line(2).
		Const(nil).
		Op(OP_RETURN_VALUE).
		Assemble()
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	out := Disassemble(code)
	for _, want := range []string{"== m ==", "LOAD_CONST", "0 (None)", "STORE_NAME", "(x)", "   | "} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly missing %q:\n%s", want, out)
		}
	}
}
