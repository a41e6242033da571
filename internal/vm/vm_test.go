package vm

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/funvibe/infera/internal/abstract"
	"github.com/funvibe/infera/internal/bytecode"
	"github.com/funvibe/infera/internal/cfg"
	"github.com/funvibe/infera/internal/config"
	"github.com/funvibe/infera/internal/diagnostics"
)

type result struct {
	vm      *VirtualMachine
	node    *cfg.Node
	globals map[string]*cfg.Variable
}

func (r *result) typeOf(t *testing.T, name string) string {
	t.Helper()
	v, ok := r.globals[name]
	if !ok {
		t.Fatalf("%s is not a global", name)
	}
	return abstract.TypeString(v, r.node)
}

func (r *result) errorlog() *diagnostics.ErrorLog {
	return r.vm.ErrorLog()
}

func parse(t *testing.T, src string) *bytecode.Program {
	t.Helper()
	prog, err := bytecode.ParseProgram([]byte(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return prog
}

func runWith(t *testing.T, src string, options *config.Options) *result {
	t.Helper()
	vm := New(diagnostics.NewErrorLog(), options, nil)
	node, globals, err := vm.RunProgram(context.Background(), parse(t, src))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return &result{vm: vm, node: node, globals: globals}
}

func run(t *testing.T, src string) *result {
	t.Helper()
	return runWith(t, src, config.DefaultOptions())
}

// alternatives lists the distinct types a global may hold at the end.
func (r *result) alternatives(t *testing.T, name string) []string {
	t.Helper()
	v, ok := r.globals[name]
	if !ok {
		t.Fatalf("%s is not a global", name)
	}
	var out []string
	seen := make(map[string]bool)
	for _, b := range v.Filter(r.node) {
		if s := abstract.Data(b).String(); !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func TestInferredTypes(t *testing.T) {
	tests := []struct {
		name     string
		src      string
		expected string
	}{
		{
			name: "constant",
			src: `
code:
  consts: [1, ~]
  instructions:
    - LOAD_CONST 0
    - STORE_NAME x
    - LOAD_CONST 1
    - RETURN_VALUE
`,
			expected: "int",
		},
		{
			name: "empty tuple",
			src: `
code:
  consts: [~]
  instructions:
    - BUILD_TUPLE 0
    - STORE_NAME x
    - LOAD_CONST 0
    - RETURN_VALUE
`,
			expected: "Tuple[()]",
		},
		{
			name: "int addition",
			src: `
code:
  consts: [1, 2, ~]
  instructions:
    - LOAD_CONST 0
    - LOAD_CONST 1
    - BINARY_ADD
    - STORE_NAME x
    - LOAD_CONST 2
    - RETURN_VALUE
`,
			expected: "int",
		},
		{
			name: "int plus float uses the reflected method",
			src: `
code:
  consts: [1, 2.5, ~]
  instructions:
    - LOAD_CONST 0
    - LOAD_CONST 1
    - BINARY_ADD
    - STORE_NAME x
    - LOAD_CONST 2
    - RETURN_VALUE
`,
			expected: "float",
		},
		{
			name: "string concatenation",
			src: `
code:
  consts: [a, b, ~]
  instructions:
    - LOAD_CONST 0
    - LOAD_CONST 1
    - BINARY_ADD
    - STORE_NAME x
    - LOAD_CONST 2
    - RETURN_VALUE
`,
			expected: "str",
		},
		{
			name: "rebinding hides the old value",
			src: `
code:
  consts: [1, a, ~]
  instructions:
    - LOAD_CONST 0
    - STORE_NAME x
    - LOAD_CONST 1
    - STORE_NAME x
    - LOAD_CONST 2
    - RETURN_VALUE
`,
			expected: "str",
		},
		{
			name: "tuple literal",
			src: `
code:
  consts: [1, a, ~]
  instructions:
    - LOAD_CONST 0
    - LOAD_CONST 1
    - BUILD_TUPLE 2
    - STORE_NAME x
    - LOAD_CONST 2
    - RETURN_VALUE
`,
			expected: "Tuple[int, str]",
		},
		{
			name: "list literal",
			src: `
code:
  consts: [1, 2, ~]
  instructions:
    - LOAD_CONST 0
    - LOAD_CONST 1
    - BUILD_LIST 2
    - STORE_NAME x
    - LOAD_CONST 2
    - RETURN_VALUE
`,
			expected: "List[int]",
		},
		{
			name: "list append",
			src: `
code:
  consts: [1, ~]
  instructions:
    - BUILD_LIST 0
    - STORE_NAME x
    - LOAD_NAME x
    - LOAD_ATTR append
    - LOAD_CONST 0
    - CALL_FUNCTION 1
    - POP_TOP
    - LOAD_CONST 1
    - RETURN_VALUE
`,
			expected: "List[int]",
		},
		{
			name: "dict subscript",
			src: `
code:
  consts: [a, 1, ~]
  instructions:
    - LOAD_CONST 0
    - LOAD_CONST 1
    - BUILD_MAP 1
    - LOAD_CONST 0
    - BINARY_SUBSCR
    - STORE_NAME x
    - LOAD_CONST 2
    - RETURN_VALUE
`,
			expected: "int",
		},
		{
			name: "comparison",
			src: `
code:
  consts: [1, 2, ~]
  instructions:
    - LOAD_CONST 0
    - LOAD_CONST 1
    - COMPARE_OP lt
    - STORE_NAME x
    - LOAD_CONST 2
    - RETURN_VALUE
`,
			expected: "bool",
		},
		{
			name: "identity of None",
			src: `
code:
  consts: [~]
  instructions:
    - LOAD_CONST 0
    - LOAD_CONST 0
    - COMPARE_OP is
    - STORE_NAME x
    - LOAD_CONST 0
    - RETURN_VALUE
`,
			expected: "bool",
		},
		{
			name: "declared builtin",
			src: `
code:
  consts: [abc, ~]
  instructions:
    - LOAD_NAME len
    - LOAD_CONST 0
    - CALL_FUNCTION 1
    - STORE_NAME x
    - LOAD_CONST 1
    - RETURN_VALUE
`,
			expected: "int",
		},
		{
			name: "interpreter function",
			src: `
code:
  consts:
    - code:
        name: f
        argcount: 1
        varnames: [a]
        instructions:
          - LOAD_FAST a
          - RETURN_VALUE
    - f
    - 1
    - ~
  instructions:
    - LOAD_CONST 0
    - LOAD_CONST 1
    - MAKE_FUNCTION 0
    - STORE_NAME f
    - LOAD_NAME f
    - LOAD_CONST 2
    - CALL_FUNCTION 1
    - STORE_NAME x
    - LOAD_CONST 3
    - RETURN_VALUE
`,
			expected: "int",
		},
		{
			name: "default argument",
			src: `
code:
  consts:
    - [1]
    - code:
        name: f
        argcount: 1
        varnames: [a]
        instructions:
          - LOAD_FAST a
          - RETURN_VALUE
    - f
    - ~
  instructions:
    - LOAD_CONST 0
    - LOAD_CONST 1
    - LOAD_CONST 2
    - MAKE_FUNCTION 1
    - STORE_NAME f
    - LOAD_NAME f
    - CALL_FUNCTION 0
    - STORE_NAME x
    - LOAD_CONST 3
    - RETURN_VALUE
`,
			expected: "int",
		},
		{
			name: "keyword argument",
			src: `
code:
  consts:
    - code:
        name: f
        argcount: 1
        varnames: [a]
        instructions:
          - LOAD_FAST a
          - RETURN_VALUE
    - f
    - s
    - [a]
    - ~
  instructions:
    - LOAD_CONST 0
    - LOAD_CONST 1
    - MAKE_FUNCTION 0
    - STORE_NAME f
    - LOAD_NAME f
    - LOAD_CONST 2
    - LOAD_CONST 3
    - CALL_FUNCTION_KW 1
    - STORE_NAME x
    - LOAD_CONST 4
    - RETURN_VALUE
`,
			expected: "str",
		},
		{
			name: "type comment on a store",
			src: `
type_comments:
  1: int
code:
  consts: [a, ~]
  instructions:
    - line 1
    - LOAD_CONST 0
    - STORE_NAME x
    - line 2
    - LOAD_CONST 1
    - RETURN_VALUE
`,
			expected: "int",
		},
		{
			name: "any object",
			src: `
code:
  consts: [~]
  instructions:
    - LOAD_NAME __any_object__
    - STORE_NAME x
    - LOAD_CONST 0
    - RETURN_VALUE
`,
			expected: "Any",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := run(t, tt.src)
			if got := r.typeOf(t, "x"); got != tt.expected {
				t.Errorf("got=%s, want=%s", got, tt.expected)
			}
		})
	}
}

func TestBranchesMerge(t *testing.T) {
	src := `
code:
  consts: [1, a, ~]
  instructions:
    - LOAD_NAME __any_object__
    - POP_JUMP_IF_FALSE other
    - LOAD_CONST 0
    - STORE_NAME x
    - JUMP_FORWARD done
    - "other: LOAD_CONST 1"
    - STORE_NAME x
    - "done: LOAD_CONST 2"
    - RETURN_VALUE
`
	r := run(t, src)
	var got []string
	for _, b := range r.globals["x"].Filter(r.node) {
		got = append(got, abstract.Data(b).String())
	}
	if diff := cmp.Diff([]string{"int", "str"}, got); diff != "" {
		t.Errorf("x after the branch (-want +got):\n%s", diff)
	}
	if r.errorlog().Len() != 0 {
		t.Errorf("unexpected diagnostics: %v", r.errorlog().Errors())
	}
}

func TestConstantConditionPrunesBranch(t *testing.T) {
	src := `
code:
  consts: [1, a, ~]
  instructions:
    - LOAD_NAME True
    - POP_JUMP_IF_FALSE other
    - LOAD_CONST 0
    - STORE_NAME x
    - JUMP_FORWARD done
    - "other: LOAD_CONST 1"
    - STORE_NAME x
    - "done: LOAD_CONST 2"
    - RETURN_VALUE
`
	r := run(t, src)
	if got := r.typeOf(t, "x"); got != "int" {
		t.Errorf("got=%s, want=int", got)
	}
}

func TestLoopExits(t *testing.T) {
	tests := []struct {
		name     string
		src      string
		expected map[string][]string
	}{
		{
			name: "for loop",
			src: `
code:
  consts: [1, 2, a, ~]
  instructions:
    - LOAD_CONST 0
    - STORE_NAME x
    - SETUP_LOOP end
    - LOAD_CONST 0
    - LOAD_CONST 1
    - BUILD_LIST 2
    - GET_ITER
    - "loop: FOR_ITER exit"
    - STORE_NAME i
    - LOAD_CONST 2
    - STORE_NAME x
    - JUMP_ABSOLUTE loop
    - "exit: POP_BLOCK"
    - "end: LOAD_CONST 3"
    - RETURN_VALUE
`,
			expected: map[string][]string{"x": {"int", "str"}, "i": {"int"}},
		},
		{
			name: "while with break",
			src: `
code:
  consts: [1, a, 1.5, ~]
  instructions:
    - LOAD_CONST 0
    - STORE_NAME x
    - SETUP_LOOP end
    - "loop: LOAD_NAME __any_object__"
    - POP_JUMP_IF_FALSE exit
    - LOAD_CONST 1
    - STORE_NAME x
    - LOAD_NAME __any_object__
    - POP_JUMP_IF_FALSE loop
    - LOAD_CONST 2
    - STORE_NAME y
    - BREAK_LOOP
    - "exit: POP_BLOCK"
    - "end: LOAD_CONST 3"
    - RETURN_VALUE
`,
			expected: map[string][]string{"x": {"int", "str"}, "y": {"float"}},
		},
		{
			name: "for with continue",
			src: `
code:
  consts: [1, 2, a, ~]
  instructions:
    - LOAD_CONST 0
    - STORE_NAME x
    - SETUP_LOOP end
    - LOAD_CONST 0
    - LOAD_CONST 1
    - BUILD_LIST 2
    - GET_ITER
    - "loop: FOR_ITER exit"
    - STORE_NAME i
    - LOAD_NAME __any_object__
    - POP_JUMP_IF_FALSE body
    - CONTINUE_LOOP loop
    - "body: LOAD_CONST 2"
    - STORE_NAME x
    - JUMP_ABSOLUTE loop
    - "exit: POP_BLOCK"
    - "end: LOAD_CONST 3"
    - RETURN_VALUE
`,
			expected: map[string][]string{"x": {"int", "str"}, "i": {"int"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := run(t, tt.src)
			for name, want := range tt.expected {
				if diff := cmp.Diff(want, r.alternatives(t, name)); diff != "" {
					t.Errorf("%s after the loop (-want +got):\n%s", name, diff)
				}
			}
			if r.errorlog().Len() != 0 {
				t.Errorf("unexpected diagnostics: %v", r.errorlog().Errors())
			}
		})
	}
}

// Scenario: a function returning next(i for i in [1, 2, 3]).
func TestNextOfGeneratorExpression(t *testing.T) {
	src := `
code:
  consts:
    - code:
        name: f
        consts:
          - ~
          - code:
              name: <genexpr>
              argcount: 1
              varnames: [".0", i]
              flags: [generator]
              consts: [~]
              instructions:
                - LOAD_FAST .0
                - "loop: FOR_ITER done"
                - STORE_FAST i
                - LOAD_FAST i
                - YIELD_VALUE
                - POP_TOP
                - JUMP_ABSOLUTE loop
                - "done: LOAD_CONST 0"
                - RETURN_VALUE
          - f.<locals>.<genexpr>
          - 1
          - 2
          - 3
        instructions:
          - LOAD_GLOBAL next
          - LOAD_CONST 1
          - LOAD_CONST 2
          - MAKE_FUNCTION 0
          - LOAD_CONST 3
          - LOAD_CONST 4
          - LOAD_CONST 5
          - BUILD_LIST 3
          - GET_ITER
          - CALL_FUNCTION 1
          - CALL_FUNCTION 1
          - RETURN_VALUE
    - f
    - ~
  instructions:
    - LOAD_CONST 0
    - LOAD_CONST 1
    - MAKE_FUNCTION 0
    - STORE_NAME f
    - LOAD_NAME f
    - CALL_FUNCTION 0
    - STORE_NAME x
    - LOAD_CONST 2
    - RETURN_VALUE
`
	r := run(t, src)
	if got := r.typeOf(t, "x"); got != "int" {
		t.Errorf("got=%s, want=int", got)
	}
	if r.errorlog().Len() != 0 {
		t.Errorf("unexpected diagnostics: %v", r.errorlog().Errors())
	}
}

// Scenario: x, y, z = Foo() where Foo.__getitem__ returns its index or
// raises.
func TestUnpackThroughGetItem(t *testing.T) {
	src := `
code:
  consts:
    - code:
        name: Foo
        consts:
          - code:
              name: __getitem__
              argcount: 2
              varnames: [self, pos]
              consts: [~, 3]
              instructions:
                - LOAD_FAST pos
                - LOAD_CONST 1
                - COMPARE_OP lt
                - POP_JUMP_IF_FALSE fail
                - LOAD_FAST pos
                - RETURN_VALUE
                - "fail: LOAD_GLOBAL IndexError"
                - RAISE_VARARGS 1
          - Foo.__getitem__
          - ~
        instructions:
          - LOAD_CONST 0
          - LOAD_CONST 1
          - MAKE_FUNCTION 0
          - STORE_NAME __getitem__
          - LOAD_CONST 2
          - RETURN_VALUE
    - Foo
    - ~
  instructions:
    - LOAD_BUILD_CLASS
    - LOAD_CONST 0
    - LOAD_CONST 1
    - MAKE_FUNCTION 0
    - LOAD_CONST 1
    - CALL_FUNCTION 2
    - STORE_NAME Foo
    - LOAD_NAME Foo
    - CALL_FUNCTION 0
    - UNPACK_SEQUENCE 3
    - STORE_NAME x
    - STORE_NAME y
    - STORE_NAME z
    - LOAD_CONST 2
    - RETURN_VALUE
`
	r := run(t, src)
	for _, name := range []string{"x", "y", "z"} {
		if got := r.typeOf(t, name); got != "int" {
			t.Errorf("%s: got=%s, want=int", name, got)
		}
	}
}

// classProgram defines A with __add__ returning a str and B(A) with
// __radd__ returning an int, then evaluates A() + B() and A() + A().
const classProgram = `
code:
  consts:
    - code:
        name: A
        consts:
          - code:
              name: __add__
              argcount: 2
              varnames: [self, other]
              consts: [a]
              instructions:
                - LOAD_CONST 0
                - RETURN_VALUE
          - A.__add__
          - ~
        instructions:
          - LOAD_CONST 0
          - LOAD_CONST 1
          - MAKE_FUNCTION 0
          - STORE_NAME __add__
          - LOAD_CONST 2
          - RETURN_VALUE
    - A
    - code:
        name: B
        consts:
          - code:
              name: __radd__
              argcount: 2
              varnames: [self, other]
              consts: [1]
              instructions:
                - LOAD_CONST 0
                - RETURN_VALUE
          - B.__radd__
          - ~
        instructions:
          - LOAD_CONST 0
          - LOAD_CONST 1
          - MAKE_FUNCTION 0
          - STORE_NAME __radd__
          - LOAD_CONST 2
          - RETURN_VALUE
    - B
    - ~
  instructions:
    - LOAD_BUILD_CLASS
    - LOAD_CONST 0
    - LOAD_CONST 1
    - MAKE_FUNCTION 0
    - LOAD_CONST 1
    - CALL_FUNCTION 2
    - STORE_NAME A
    - LOAD_BUILD_CLASS
    - LOAD_CONST 2
    - LOAD_CONST 3
    - MAKE_FUNCTION 0
    - LOAD_CONST 3
    - LOAD_NAME A
    - CALL_FUNCTION 3
    - STORE_NAME B
    - LOAD_NAME A
    - CALL_FUNCTION 0
    - LOAD_NAME B
    - CALL_FUNCTION 0
    - BINARY_ADD
    - STORE_NAME x
    - LOAD_NAME A
    - CALL_FUNCTION 0
    - LOAD_NAME A
    - CALL_FUNCTION 0
    - BINARY_ADD
    - STORE_NAME y
    - LOAD_CONST 4
    - RETURN_VALUE
`

func TestReflectedOperatorOfSubclassRunsFirst(t *testing.T) {
	r := run(t, classProgram)
	if got := r.typeOf(t, "x"); got != "int" {
		t.Errorf("A() + B(): got=%s, want=int", got)
	}
	if got := r.typeOf(t, "y"); got != "str" {
		t.Errorf("A() + A(): got=%s, want=str", got)
	}
}

func TestBuildClass(t *testing.T) {
	r := run(t, classProgram)
	data := r.globals["B"].FilteredData(r.node)
	if len(data) != 1 {
		t.Fatalf("B has %d values", len(data))
	}
	cls, ok := data[0].(*abstract.Class)
	if !ok {
		t.Fatalf("B is %T, want *abstract.Class", data[0])
	}
	var mro []string
	for _, c := range abstract.MROOf(cls) {
		mro = append(mro, c.Name())
	}
	if diff := cmp.Diff([]string{"B", "A", "object"}, mro); diff != "" {
		t.Errorf("MRO of B (-want +got):\n%s", diff)
	}
	if _, ok := cls.Member("__radd__"); !ok {
		t.Errorf("B has no __radd__")
	}
	if _, ok := cls.Member(config.ModuleMember); !ok {
		t.Errorf("B has no %s", config.ModuleMember)
	}
}

func TestDiagnostics(t *testing.T) {
	tests := []struct {
		name     string
		src      string
		expected diagnostics.Code
	}{
		{
			name: "undefined name",
			src: `
code:
  consts: [~]
  instructions:
    - LOAD_NAME undefined_thing
    - STORE_NAME x
    - LOAD_CONST 0
    - RETURN_VALUE
`,
			expected: diagnostics.ErrNameError,
		},
		{
			name: "missing attribute",
			src: `
code:
  consts: [1, ~]
  instructions:
    - LOAD_CONST 0
    - LOAD_ATTR no_such_attribute
    - STORE_NAME x
    - LOAD_CONST 1
    - RETURN_VALUE
`,
			expected: diagnostics.ErrAttributeError,
		},
		{
			name: "attribute of None",
			src: `
code:
  consts: [~]
  instructions:
    - LOAD_CONST 0
    - LOAD_ATTR upper
    - STORE_NAME x
    - LOAD_CONST 0
    - RETURN_VALUE
`,
			expected: diagnostics.ErrNoneAttr,
		},
		{
			name: "operand of the wrong type",
			src: `
code:
  consts: [1, a, ~]
  instructions:
    - LOAD_CONST 0
    - LOAD_CONST 1
    - BINARY_SUBTRACT
    - STORE_NAME x
    - LOAD_CONST 2
    - RETURN_VALUE
`,
			expected: diagnostics.ErrWrongArgTypes,
		},
		{
			name: "unsupported operands",
			src: `
code:
  consts: [~]
  instructions:
    - LOAD_NAME object
    - CALL_FUNCTION 0
    - LOAD_NAME object
    - CALL_FUNCTION 0
    - BINARY_SUBTRACT
    - STORE_NAME x
    - LOAD_CONST 0
    - RETURN_VALUE
`,
			expected: diagnostics.ErrUnsupportedOperands,
		},
		{
			name: "missing key",
			src: `
code:
  consts: [a, 1, b, ~]
  instructions:
    - LOAD_CONST 0
    - LOAD_CONST 1
    - BUILD_MAP 1
    - LOAD_CONST 2
    - BINARY_SUBSCR
    - STORE_NAME x
    - LOAD_CONST 3
    - RETURN_VALUE
`,
			expected: diagnostics.ErrKeyError,
		},
		{
			name: "too many arguments",
			src: `
code:
  consts:
    - code:
        name: f
        argcount: 1
        varnames: [a]
        instructions:
          - LOAD_FAST a
          - RETURN_VALUE
    - f
    - 1
    - ~
  instructions:
    - LOAD_CONST 0
    - LOAD_CONST 1
    - MAKE_FUNCTION 0
    - STORE_NAME f
    - LOAD_NAME f
    - LOAD_CONST 2
    - LOAD_CONST 2
    - CALL_FUNCTION 2
    - STORE_NAME x
    - LOAD_CONST 3
    - RETURN_VALUE
`,
			expected: diagnostics.ErrWrongArgCount,
		},
		{
			name: "unexpected keyword",
			src: `
code:
  consts:
    - code:
        name: f
        argcount: 1
        varnames: [a]
        instructions:
          - LOAD_FAST a
          - RETURN_VALUE
    - f
    - 1
    - [b]
    - ~
  instructions:
    - LOAD_CONST 0
    - LOAD_CONST 1
    - MAKE_FUNCTION 0
    - STORE_NAME f
    - LOAD_NAME f
    - LOAD_CONST 2
    - LOAD_CONST 2
    - LOAD_CONST 3
    - CALL_FUNCTION_KW 2
    - STORE_NAME x
    - LOAD_CONST 4
    - RETURN_VALUE
`,
			expected: diagnostics.ErrWrongKeywordArgs,
		},
		{
			name: "declared signature mismatch",
			src: `
code:
  consts: [a, ~]
  instructions:
    - LOAD_NAME chr
    - LOAD_CONST 0
    - CALL_FUNCTION 1
    - STORE_NAME x
    - LOAD_CONST 1
    - RETURN_VALUE
`,
			expected: diagnostics.ErrWrongArgTypes,
		},
		{
			name: "calling a constant",
			src: `
code:
  consts: [1, ~]
  instructions:
    - LOAD_CONST 0
    - CALL_FUNCTION 0
    - STORE_NAME x
    - LOAD_CONST 1
    - RETURN_VALUE
`,
			expected: diagnostics.ErrNotCallable,
		},
		{
			name: "missing module",
			src: `
code:
  consts: [0, ~]
  instructions:
    - LOAD_CONST 0
    - LOAD_CONST 1
    - IMPORT_NAME no_such_module
    - STORE_NAME x
    - LOAD_CONST 1
    - RETURN_VALUE
`,
			expected: diagnostics.ErrImportError,
		},
		{
			name: "type comment without a store",
			src: `
type_comments:
  3: int
code:
  consts: [1, ~]
  instructions:
    - line 1
    - LOAD_CONST 0
    - STORE_NAME x
    - line 2
    - LOAD_CONST 1
    - RETURN_VALUE
`,
			expected: diagnostics.ErrIgnoredTypeComment,
		},
		{
			name: "annotation that is not a type",
			src: `
type_comments:
  2: x
code:
  consts: [1, 2, ~]
  instructions:
    - line 1
    - LOAD_CONST 0
    - STORE_NAME x
    - line 2
    - LOAD_CONST 1
    - STORE_NAME y
    - line 3
    - LOAD_CONST 2
    - RETURN_VALUE
`,
			expected: diagnostics.ErrInvalidAnnotation,
		},
		{
			name: "invalid base class",
			src: `
code:
  consts:
    - code:
        name: A
        consts: [~]
        instructions:
          - LOAD_CONST 0
          - RETURN_VALUE
    - A
    - 1
    - ~
  instructions:
    - LOAD_BUILD_CLASS
    - LOAD_CONST 0
    - LOAD_CONST 1
    - MAKE_FUNCTION 0
    - LOAD_CONST 1
    - LOAD_CONST 2
    - CALL_FUNCTION 3
    - STORE_NAME x
    - LOAD_CONST 3
    - RETURN_VALUE
`,
			expected: diagnostics.ErrBaseClassError,
		},
		{
			name: "inconsistent MRO",
			src: `
code:
  consts:
    - code:
        name: body
        consts: [~]
        instructions:
          - LOAD_CONST 0
          - RETURN_VALUE
    - A
    - B
    - C
    - ~
  instructions:
    - LOAD_BUILD_CLASS
    - LOAD_CONST 0
    - LOAD_CONST 1
    - MAKE_FUNCTION 0
    - LOAD_CONST 1
    - CALL_FUNCTION 2
    - STORE_NAME A
    - LOAD_BUILD_CLASS
    - LOAD_CONST 0
    - LOAD_CONST 2
    - MAKE_FUNCTION 0
    - LOAD_CONST 2
    - LOAD_NAME A
    - CALL_FUNCTION 3
    - STORE_NAME B
    - LOAD_BUILD_CLASS
    - LOAD_CONST 0
    - LOAD_CONST 3
    - MAKE_FUNCTION 0
    - LOAD_CONST 3
    - LOAD_NAME A
    - LOAD_NAME B
    - CALL_FUNCTION 4
    - STORE_NAME x
    - LOAD_CONST 4
    - RETURN_VALUE
`,
			expected: diagnostics.ErrMroError,
		},
		{
			name: "reveal_type",
			src: `
code:
  consts: [1, ~]
  instructions:
    - LOAD_NAME reveal_type
    - LOAD_CONST 0
    - CALL_FUNCTION 1
    - STORE_NAME x
    - LOAD_CONST 1
    - RETURN_VALUE
`,
			expected: diagnostics.ErrRevealType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := run(t, tt.src)
			if !r.errorlog().Has(tt.expected) {
				t.Fatalf("got=%v, want a %s diagnostic", r.errorlog().Errors(), tt.expected)
			}
			if _, ok := r.globals["x"]; ok {
				if got := r.typeOf(t, "x"); got == "nothing" {
					t.Errorf("x has no type after %s", tt.expected)
				}
			}
		})
	}
}

func TestIgnoreCommentIsNotReported(t *testing.T) {
	src := `
type_comments:
  3: ignore
code:
  consts: [~]
  instructions:
    - line 1
    - LOAD_CONST 0
    - RETURN_VALUE
`
	r := run(t, src)
	if n := r.errorlog().Count(diagnostics.ErrIgnoredTypeComment); n != 0 {
		t.Errorf("got=%d ignored-type-comment diagnostics, want=0", n)
	}
}

func TestDiagnosticLocation(t *testing.T) {
	src := `
filename: demo.py
code:
  consts: [~]
  instructions:
    - line 1
    - LOAD_CONST 0
    - STORE_NAME a
    - line 4
    - LOAD_NAME nowhere
    - STORE_NAME x
    - LOAD_CONST 0
    - RETURN_VALUE
`
	r := run(t, src)
	errs := r.errorlog().Errors()
	if len(errs) != 1 {
		t.Fatalf("got=%v, want one diagnostic", errs)
	}
	want := diagnostics.Location{Filename: "demo.py", Line: 4, Function: "<module>"}
	if diff := cmp.Diff(want, errs[0].Location); diff != "" {
		t.Errorf("location (-want +got):\n%s", diff)
	}
	if got := r.typeOf(t, "x"); got != "Any" {
		t.Errorf("got=%s, want=Any", got)
	}
}

func TestRecursiveCallGivesAny(t *testing.T) {
	src := `
code:
  consts:
    - code:
        name: f
        instructions:
          - LOAD_GLOBAL f
          - CALL_FUNCTION 0
          - RETURN_VALUE
    - f
    - ~
  instructions:
    - LOAD_CONST 0
    - LOAD_CONST 1
    - MAKE_FUNCTION 0
    - STORE_NAME f
    - LOAD_NAME f
    - CALL_FUNCTION 0
    - STORE_NAME x
    - LOAD_CONST 2
    - RETURN_VALUE
`
	r := run(t, src)
	if got := r.typeOf(t, "x"); got != "Any" {
		t.Errorf("got=%s, want=Any", got)
	}
	if r.errorlog().Has(diagnostics.ErrRecursionError) {
		t.Errorf("recursion must not be reported: %v", r.errorlog().Errors())
	}
}

const callProgram = `
code:
  consts:
    - code:
        name: f
        consts: [1]
        instructions:
          - LOAD_CONST 0
          - RETURN_VALUE
    - f
    - ~
  instructions:
    - LOAD_CONST 0
    - LOAD_CONST 1
    - MAKE_FUNCTION 0
    - STORE_NAME f
    - LOAD_NAME f
    - CALL_FUNCTION 0
    - STORE_NAME x
    - LOAD_CONST 2
    - RETURN_VALUE
`

func TestMaxDepth(t *testing.T) {
	tests := []struct {
		depth    int
		expected string
	}{
		{depth: 1, expected: "Any"},
		{depth: config.DefaultMaxDepth, expected: "int"},
	}
	for _, tt := range tests {
		options := config.DefaultOptions()
		options.MaxDepth = tt.depth
		r := runWith(t, callProgram, options)
		if got := r.typeOf(t, "x"); got != tt.expected {
			t.Errorf("depth %d: got=%s, want=%s", tt.depth, got, tt.expected)
		}
	}
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	vm := New(nil, nil, nil)
	_, _, err := vm.RunProgram(ctx, parse(t, callProgram))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got=%v, want context.Canceled", err)
	}
}

func TestStackUnderflowAborts(t *testing.T) {
	src := `
code:
  consts: [~]
  instructions:
    - POP_TOP
    - LOAD_CONST 0
    - RETURN_VALUE
`
	vm := New(nil, nil, nil)
	_, _, err := vm.RunProgram(context.Background(), parse(t, src))
	var inv *InvariantError
	if !errors.As(err, &inv) {
		t.Fatalf("got=%v, want an invariant error", err)
	}
	if inv.Op == "" {
		t.Errorf("invariant error does not name the instruction")
	}
}

func TestRunProgramWithoutCode(t *testing.T) {
	vm := New(nil, nil, nil)
	if _, _, err := vm.RunProgram(context.Background(), &bytecode.Program{}); !errors.Is(err, errNoEntrypoint) {
		t.Errorf("got=%v, want=%v", err, errNoEntrypoint)
	}
}

func TestHooks(t *testing.T) {
	vm := New(nil, nil, nil)
	var defs []string
	calls := 0
	vm.Hooks.TraceFunctionDef = func(fn *abstract.Function) {
		defs = append(defs, fn.FuncName)
	}
	vm.Hooks.TraceCall = func(node *cfg.Node, fn abstract.Value, args []*cfg.Variable, result *cfg.Variable) {
		calls++
	}
	if _, _, err := vm.RunProgram(context.Background(), parse(t, callProgram)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if diff := cmp.Diff([]string{"f"}, defs); diff != "" {
		t.Errorf("function definitions (-want +got):\n%s", diff)
	}
	if calls != 1 {
		t.Errorf("got=%d traced calls, want=1", calls)
	}
}

func TestClassAnnotation(t *testing.T) {
	src := `
code:
  consts:
    - [a]
    - code:
        name: f
        argcount: 1
        varnames: [a]
        instructions:
          - LOAD_FAST a
          - RETURN_VALUE
    - f
    - ~
  instructions:
    - LOAD_NAME int
    - LOAD_CONST 0
    - BUILD_CONST_KEY_MAP 1
    - LOAD_CONST 1
    - LOAD_CONST 2
    - MAKE_FUNCTION 4
    - STORE_NAME f
    - LOAD_CONST 3
    - RETURN_VALUE
`
	r := run(t, src)
	data := r.globals["f"].Data()
	if len(data) != 1 {
		t.Fatalf("got=%d values for f, want=1", len(data))
	}
	fn, ok := data[0].(*abstract.Function)
	if !ok {
		t.Fatalf("got=%T, want *abstract.Function", data[0])
	}
	if got := fn.Annotations["a"]; got != abstract.Value(r.vm.Converter().IntClass) {
		t.Errorf("annotation of a: got=%v, want=int", got)
	}
	if r.errorlog().Len() != 0 {
		t.Errorf("unexpected diagnostics: %v", r.errorlog().Errors())
	}
}

func TestLateAnnotationResolvedAfterModule(t *testing.T) {
	src := `
code:
  consts:
    - int
    - [a]
    - code:
        name: f
        argcount: 1
        varnames: [a]
        instructions:
          - LOAD_FAST a
          - RETURN_VALUE
    - f
    - ~
  instructions:
    - LOAD_CONST 0
    - LOAD_CONST 1
    - BUILD_CONST_KEY_MAP 1
    - LOAD_CONST 2
    - LOAD_CONST 3
    - MAKE_FUNCTION 4
    - STORE_NAME f
    - LOAD_CONST 4
    - RETURN_VALUE
`
	r := run(t, src)
	if n := len(r.vm.FunctionsWithLateAnnotations); n != 1 {
		t.Fatalf("got=%d functions with late annotations, want=1", n)
	}
	fn := r.vm.FunctionsWithLateAnnotations[0]
	if got := fn.Annotations["a"]; got != abstract.Value(r.vm.Converter().IntClass) {
		t.Errorf("annotation of a: got=%v, want=int", got)
	}
	if la := fn.LateAnnotations["a"]; la == nil || la.Resolved == nil {
		t.Errorf("late annotation not resolved: %+v", la)
	}
}

func TestFunctionTypeComment(t *testing.T) {
	src := `
type_comments:
  2: "(int) -> str"
code:
  consts:
    - code:
        name: f
        firstline: 1
        argcount: 1
        varnames: [a]
        instructions:
          - line 3
          - LOAD_FAST a
          - RETURN_VALUE
    - f
    - ~
  instructions:
    - line 1
    - LOAD_CONST 0
    - LOAD_CONST 1
    - MAKE_FUNCTION 0
    - STORE_NAME f
    - line 4
    - LOAD_CONST 2
    - RETURN_VALUE
`
	r := run(t, src)
	if r.errorlog().Len() != 0 {
		t.Fatalf("unexpected diagnostics: %v", r.errorlog().Errors())
	}
	if n := len(r.vm.FunctionsWithLateAnnotations); n != 1 {
		t.Fatalf("got=%d functions with late annotations, want=1", n)
	}
	fn := r.vm.FunctionsWithLateAnnotations[0]
	conv := r.vm.Converter()
	if got := fn.Annotations["a"]; got != abstract.Value(conv.IntClass) {
		t.Errorf("a: got=%v, want=int", got)
	}
	if got := fn.Annotations[config.ReturnAnnotation]; got != abstract.Value(conv.StrClass) {
		t.Errorf("return: got=%v, want=str", got)
	}
}

func TestRedundantFunctionTypeComment(t *testing.T) {
	src := `
type_comments:
  2: "(int) -> str"
code:
  consts:
    - int
    - [a]
    - code:
        name: f
        firstline: 1
        argcount: 1
        varnames: [a]
        instructions:
          - line 3
          - LOAD_FAST a
          - RETURN_VALUE
    - f
    - ~
  instructions:
    - line 1
    - LOAD_NAME int
    - LOAD_CONST 1
    - BUILD_CONST_KEY_MAP 1
    - LOAD_CONST 2
    - LOAD_CONST 3
    - MAKE_FUNCTION 4
    - STORE_NAME f
    - line 4
    - LOAD_CONST 4
    - RETURN_VALUE
`
	r := run(t, src)
	if !r.errorlog().Has(diagnostics.ErrRedundantFunctionTypeComment) {
		t.Errorf("got=%v, want a redundant-function-type-comment diagnostic", r.errorlog().Errors())
	}
}

func TestImportFromBuiltinDeclarations(t *testing.T) {
	src := `
code:
  consts: [0, [List], ~]
  instructions:
    - LOAD_CONST 0
    - LOAD_CONST 1
    - IMPORT_NAME typing
    - IMPORT_FROM List
    - STORE_NAME List
    - POP_TOP
    - LOAD_CONST 0
    - LOAD_CONST 1
    - IMPORT_NAME typing
    - IMPORT_FROM NoSuchName
    - STORE_NAME x
    - POP_TOP
    - LOAD_CONST 2
    - RETURN_VALUE
`
	r := run(t, src)
	if got := r.errorlog().Count(diagnostics.ErrImportError); got != 1 {
		t.Errorf("got=%d import errors, want=1: %v", got, r.errorlog().Errors())
	}
	if got := r.typeOf(t, "x"); got != "Any" {
		t.Errorf("x: got=%s, want=Any", got)
	}
	if len(r.globals["List"].FilteredData(r.node)) == 0 {
		t.Errorf("List was not imported")
	}
}
