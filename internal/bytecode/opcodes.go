// Package bytecode defines the instruction set analysed by the abstract
// interpreter, code objects, block ordering and a small assembler.
package bytecode

// Opcode represents a single instruction kind
type Opcode byte

const (
	// Stack manipulation
	OP_NOP         Opcode = iota
	OP_POP_TOP            // Discard top of stack
	OP_ROT_TWO            // Swap the two top items
	OP_ROT_THREE          // Lift second and third item one position up, move top down to position three
	OP_ROT_FOUR           // Same as ROT_THREE for four items
	OP_DUP_TOP            // Duplicate top of stack
	OP_DUP_TOP_TWO        // Duplicate the two top items

	// Unary operators
	OP_UNARY_POSITIVE
	OP_UNARY_NEGATIVE
	OP_UNARY_NOT
	OP_UNARY_INVERT

	// Binary operators
	OP_BINARY_ADD
	OP_BINARY_SUBTRACT
	OP_BINARY_MULTIPLY
	OP_BINARY_MATRIX_MULTIPLY
	OP_BINARY_TRUE_DIVIDE
	OP_BINARY_FLOOR_DIVIDE
	OP_BINARY_MODULO
	OP_BINARY_POWER
	OP_BINARY_LSHIFT
	OP_BINARY_RSHIFT
	OP_BINARY_AND
	OP_BINARY_XOR
	OP_BINARY_OR
	OP_BINARY_SUBSCR

	// In-place operators
	OP_INPLACE_ADD
	OP_INPLACE_SUBTRACT
	OP_INPLACE_MULTIPLY
	OP_INPLACE_MATRIX_MULTIPLY
	OP_INPLACE_TRUE_DIVIDE
	OP_INPLACE_FLOOR_DIVIDE
	OP_INPLACE_MODULO
	OP_INPLACE_POWER
	OP_INPLACE_LSHIFT
	OP_INPLACE_RSHIFT
	OP_INPLACE_AND
	OP_INPLACE_XOR
	OP_INPLACE_OR

	// Subscripts
	OP_STORE_SUBSCR
	OP_DELETE_SUBSCR

	// Iteration
	OP_GET_ITER
	OP_GET_YIELD_FROM_ITER
	OP_FOR_ITER // Push next item or jump to target when exhausted

	// Names
	OP_LOAD_CONST
	OP_LOAD_NAME
	OP_STORE_NAME
	OP_DELETE_NAME
	OP_LOAD_FAST
	OP_STORE_FAST
	OP_DELETE_FAST
	OP_LOAD_GLOBAL
	OP_STORE_GLOBAL
	OP_DELETE_GLOBAL
	OP_LOAD_CLOSURE
	OP_LOAD_DEREF
	OP_STORE_DEREF
	OP_LOAD_LOCALS
	OP_LOAD_ATTR
	OP_STORE_ATTR
	OP_DELETE_ATTR

	OP_COMPARE_OP // Arg is a CmpOp

	// Containers
	OP_BUILD_TUPLE
	OP_BUILD_LIST
	OP_BUILD_SET
	OP_BUILD_MAP
	OP_BUILD_CONST_KEY_MAP
	OP_BUILD_SLICE
	OP_BUILD_STRING
	OP_BUILD_TUPLE_UNPACK
	OP_BUILD_LIST_UNPACK
	OP_BUILD_SET_UNPACK
	OP_BUILD_MAP_UNPACK
	OP_FORMAT_VALUE
	OP_LIST_APPEND
	OP_SET_ADD
	OP_MAP_ADD
	OP_UNPACK_SEQUENCE
	OP_UNPACK_EX // Arg low byte: targets before the starred one, high byte: after

	// Control flow
	OP_JUMP_FORWARD
	OP_JUMP_ABSOLUTE
	OP_POP_JUMP_IF_TRUE
	OP_POP_JUMP_IF_FALSE
	OP_JUMP_IF_TRUE_OR_POP
	OP_JUMP_IF_FALSE_OR_POP

	// Blocks and exceptions
	OP_SETUP_LOOP
	OP_BREAK_LOOP
	OP_CONTINUE_LOOP
	OP_SETUP_EXCEPT
	OP_SETUP_FINALLY
	OP_SETUP_WITH
	OP_POP_BLOCK
	OP_POP_EXCEPT
	OP_END_FINALLY
	OP_WITH_CLEANUP_START
	OP_WITH_CLEANUP_FINISH
	OP_RAISE_VARARGS

	// Functions
	OP_MAKE_FUNCTION // Arg flags: 0x01 defaults, 0x02 kw defaults, 0x04 annotations, 0x08 closure
	OP_CALL_FUNCTION
	OP_CALL_FUNCTION_KW
	OP_CALL_FUNCTION_EX
	OP_RETURN_VALUE
	OP_YIELD_VALUE
	OP_YIELD_FROM

	// Modules
	OP_IMPORT_NAME
	OP_IMPORT_FROM
	OP_IMPORT_STAR

	// Classes and annotations
	OP_LOAD_BUILD_CLASS
	OP_BUILD_CLASS
	OP_SETUP_ANNOTATIONS
	OP_STORE_ANNOTATION

	OP_PRINT_EXPR

	opcodeCount // sentinel, keep last
)

// OpcodeNames maps opcodes to their assembler names
var OpcodeNames = map[Opcode]string{
	OP_NOP:         "NOP",
	OP_POP_TOP:     "POP_TOP",
	OP_ROT_TWO:     "ROT_TWO",
	OP_ROT_THREE:   "ROT_THREE",
	OP_ROT_FOUR:    "ROT_FOUR",
	OP_DUP_TOP:     "DUP_TOP",
	OP_DUP_TOP_TWO: "DUP_TOP_TWO",

	OP_UNARY_POSITIVE: "UNARY_POSITIVE",
	OP_UNARY_NEGATIVE: "UNARY_NEGATIVE",
	OP_UNARY_NOT:      "UNARY_NOT",
	OP_UNARY_INVERT:   "UNARY_INVERT",

	OP_BINARY_ADD:             "BINARY_ADD",
	OP_BINARY_SUBTRACT:        "BINARY_SUBTRACT",
	OP_BINARY_MULTIPLY:        "BINARY_MULTIPLY",
	OP_BINARY_MATRIX_MULTIPLY: "BINARY_MATRIX_MULTIPLY",
	OP_BINARY_TRUE_DIVIDE:     "BINARY_TRUE_DIVIDE",
	OP_BINARY_FLOOR_DIVIDE:    "BINARY_FLOOR_DIVIDE",
	OP_BINARY_MODULO:          "BINARY_MODULO",
	OP_BINARY_POWER:           "BINARY_POWER",
	OP_BINARY_LSHIFT:          "BINARY_LSHIFT",
	OP_BINARY_RSHIFT:          "BINARY_RSHIFT",
	OP_BINARY_AND:             "BINARY_AND",
	OP_BINARY_XOR:             "BINARY_XOR",
	OP_BINARY_OR:              "BINARY_OR",
	OP_BINARY_SUBSCR:          "BINARY_SUBSCR",

	OP_INPLACE_ADD:             "INPLACE_ADD",
	OP_INPLACE_SUBTRACT:        "INPLACE_SUBTRACT",
	OP_INPLACE_MULTIPLY:        "INPLACE_MULTIPLY",
	OP_INPLACE_MATRIX_MULTIPLY: "INPLACE_MATRIX_MULTIPLY",
	OP_INPLACE_TRUE_DIVIDE:     "INPLACE_TRUE_DIVIDE",
	OP_INPLACE_FLOOR_DIVIDE:    "INPLACE_FLOOR_DIVIDE",
	OP_INPLACE_MODULO:          "INPLACE_MODULO",
	OP_INPLACE_POWER:           "INPLACE_POWER",
	OP_INPLACE_LSHIFT:          "INPLACE_LSHIFT",
	OP_INPLACE_RSHIFT:          "INPLACE_RSHIFT",
	OP_INPLACE_AND:             "INPLACE_AND",
	OP_INPLACE_XOR:             "INPLACE_XOR",
	OP_INPLACE_OR:              "INPLACE_OR",

	OP_STORE_SUBSCR:  "STORE_SUBSCR",
	OP_DELETE_SUBSCR: "DELETE_SUBSCR",

	OP_GET_ITER:            "GET_ITER",
	OP_GET_YIELD_FROM_ITER: "GET_YIELD_FROM_ITER",
	OP_FOR_ITER:            "FOR_ITER",

	OP_LOAD_CONST:    "LOAD_CONST",
	OP_LOAD_NAME:     "LOAD_NAME",
	OP_STORE_NAME:    "STORE_NAME",
	OP_DELETE_NAME:   "DELETE_NAME",
	OP_LOAD_FAST:     "LOAD_FAST",
	OP_STORE_FAST:    "STORE_FAST",
	OP_DELETE_FAST:   "DELETE_FAST",
	OP_LOAD_GLOBAL:   "LOAD_GLOBAL",
	OP_STORE_GLOBAL:  "STORE_GLOBAL",
	OP_DELETE_GLOBAL: "DELETE_GLOBAL",
	OP_LOAD_CLOSURE:  "LOAD_CLOSURE",
	OP_LOAD_DEREF:    "LOAD_DEREF",
	OP_STORE_DEREF:   "STORE_DEREF",
	OP_LOAD_LOCALS:   "LOAD_LOCALS",
	OP_LOAD_ATTR:     "LOAD_ATTR",
	OP_STORE_ATTR:    "STORE_ATTR",
	OP_DELETE_ATTR:   "DELETE_ATTR",

	OP_COMPARE_OP: "COMPARE_OP",

	OP_BUILD_TUPLE:         "BUILD_TUPLE",
	OP_BUILD_LIST:          "BUILD_LIST",
	OP_BUILD_SET:           "BUILD_SET",
	OP_BUILD_MAP:           "BUILD_MAP",
	OP_BUILD_CONST_KEY_MAP: "BUILD_CONST_KEY_MAP",
	OP_BUILD_SLICE:         "BUILD_SLICE",
	OP_BUILD_STRING:        "BUILD_STRING",
	OP_BUILD_TUPLE_UNPACK:  "BUILD_TUPLE_UNPACK",
	OP_BUILD_LIST_UNPACK:   "BUILD_LIST_UNPACK",
	OP_BUILD_SET_UNPACK:    "BUILD_SET_UNPACK",
	OP_BUILD_MAP_UNPACK:    "BUILD_MAP_UNPACK",
	OP_FORMAT_VALUE:        "FORMAT_VALUE",
	OP_LIST_APPEND:         "LIST_APPEND",
	OP_SET_ADD:             "SET_ADD",
	OP_MAP_ADD:             "MAP_ADD",
	OP_UNPACK_SEQUENCE:     "UNPACK_SEQUENCE",
	OP_UNPACK_EX:           "UNPACK_EX",

	OP_JUMP_FORWARD:         "JUMP_FORWARD",
	OP_JUMP_ABSOLUTE:        "JUMP_ABSOLUTE",
	OP_POP_JUMP_IF_TRUE:     "POP_JUMP_IF_TRUE",
	OP_POP_JUMP_IF_FALSE:    "POP_JUMP_IF_FALSE",
	OP_JUMP_IF_TRUE_OR_POP:  "JUMP_IF_TRUE_OR_POP",
	OP_JUMP_IF_FALSE_OR_POP: "JUMP_IF_FALSE_OR_POP",

	OP_SETUP_LOOP:          "SETUP_LOOP",
	OP_BREAK_LOOP:          "BREAK_LOOP",
	OP_CONTINUE_LOOP:       "CONTINUE_LOOP",
	OP_SETUP_EXCEPT:        "SETUP_EXCEPT",
	OP_SETUP_FINALLY:       "SETUP_FINALLY",
	OP_SETUP_WITH:          "SETUP_WITH",
	OP_POP_BLOCK:           "POP_BLOCK",
	OP_POP_EXCEPT:          "POP_EXCEPT",
	OP_END_FINALLY:         "END_FINALLY",
	OP_WITH_CLEANUP_START:  "WITH_CLEANUP_START",
	OP_WITH_CLEANUP_FINISH: "WITH_CLEANUP_FINISH",
	OP_RAISE_VARARGS:       "RAISE_VARARGS",

	OP_MAKE_FUNCTION:    "MAKE_FUNCTION",
	OP_CALL_FUNCTION:    "CALL_FUNCTION",
	OP_CALL_FUNCTION_KW: "CALL_FUNCTION_KW",
	OP_CALL_FUNCTION_EX: "CALL_FUNCTION_EX",
	OP_RETURN_VALUE:     "RETURN_VALUE",
	OP_YIELD_VALUE:      "YIELD_VALUE",
	OP_YIELD_FROM:       "YIELD_FROM",

	OP_IMPORT_NAME: "IMPORT_NAME",
	OP_IMPORT_FROM: "IMPORT_FROM",
	OP_IMPORT_STAR: "IMPORT_STAR",

	OP_LOAD_BUILD_CLASS:  "LOAD_BUILD_CLASS",
	OP_BUILD_CLASS:       "BUILD_CLASS",
	OP_SETUP_ANNOTATIONS: "SETUP_ANNOTATIONS",
	OP_STORE_ANNOTATION:  "STORE_ANNOTATION",

	OP_PRINT_EXPR: "PRINT_EXPR",
}

var opcodesByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(OpcodeNames))
	for op, name := range OpcodeNames {
		m[name] = op
	}
	return m
}()

// LookupOpcode finds an opcode by assembler name.
func LookupOpcode(name string) (Opcode, bool) {
	op, ok := opcodesByName[name]
	return op, ok
}

func (op Opcode) String() string {
	if name, ok := OpcodeNames[op]; ok {
		return name
	}
	return "UNKNOWN"
}

// Valid reports whether op is part of the instruction set.
func (op Opcode) Valid() bool {
	return op < opcodeCount
}

// HasJump reports whether the instruction's argument is a jump target.
func (op Opcode) HasJump() bool {
	switch op {
	case OP_JUMP_FORWARD, OP_JUMP_ABSOLUTE,
		OP_POP_JUMP_IF_TRUE, OP_POP_JUMP_IF_FALSE,
		OP_JUMP_IF_TRUE_OR_POP, OP_JUMP_IF_FALSE_OR_POP,
		OP_FOR_ITER, OP_CONTINUE_LOOP,
		OP_SETUP_LOOP, OP_SETUP_EXCEPT, OP_SETUP_FINALLY, OP_SETUP_WITH:
		return true
	}
	return false
}

// CarriesOnToNext reports whether execution can fall through to the next
// instruction.
func (op Opcode) CarriesOnToNext() bool {
	switch op {
	case OP_JUMP_FORWARD, OP_JUMP_ABSOLUTE,
		OP_RETURN_VALUE, OP_RAISE_VARARGS,
		OP_BREAK_LOOP, OP_CONTINUE_LOOP:
		return false
	}
	return true
}

// EndsBlock reports whether a new straight-line block starts after op.
func (op Opcode) EndsBlock() bool {
	if op.HasJump() || !op.CarriesOnToNext() {
		return true
	}
	switch op {
	case OP_YIELD_VALUE, OP_YIELD_FROM, OP_END_FINALLY, OP_WITH_CLEANUP_FINISH, OP_POP_BLOCK:
		return true
	}
	return false
}

// PushesBlock reports whether op pushes an entry on the block stack.
func (op Opcode) PushesBlock() bool {
	switch op {
	case OP_SETUP_LOOP, OP_SETUP_EXCEPT, OP_SETUP_FINALLY, OP_SETUP_WITH:
		return true
	}
	return false
}

// UsesName reports whether the argument indexes Code.Names.
func (op Opcode) UsesName() bool {
	switch op {
	case OP_LOAD_NAME, OP_STORE_NAME, OP_DELETE_NAME,
		OP_LOAD_GLOBAL, OP_STORE_GLOBAL, OP_DELETE_GLOBAL,
		OP_LOAD_ATTR, OP_STORE_ATTR, OP_DELETE_ATTR,
		OP_IMPORT_NAME, OP_IMPORT_FROM, OP_STORE_ANNOTATION:
		return true
	}
	return false
}

// UsesLocal reports whether the argument indexes Code.Varnames.
func (op Opcode) UsesLocal() bool {
	switch op {
	case OP_LOAD_FAST, OP_STORE_FAST, OP_DELETE_FAST:
		return true
	}
	return false
}

// UsesCell reports whether the argument indexes Cellvars followed by Freevars.
func (op Opcode) UsesCell() bool {
	switch op {
	case OP_LOAD_CLOSURE, OP_LOAD_DEREF, OP_STORE_DEREF:
		return true
	}
	return false
}

// CmpOp is the argument of COMPARE_OP
type CmpOp int

const (
	CmpLT CmpOp = iota
	CmpLE
	CmpEQ
	CmpNE
	CmpGT
	CmpGE
	CmpIn
	CmpNotIn
	CmpIs
	CmpIsNot
	CmpExcMatch
)

// CmpOpNames maps comparison operators to assembler names
var CmpOpNames = map[CmpOp]string{
	CmpLT:       "lt",
	CmpLE:       "le",
	CmpEQ:       "eq",
	CmpNE:       "ne",
	CmpGT:       "gt",
	CmpGE:       "ge",
	CmpIn:       "in",
	CmpNotIn:    "not_in",
	CmpIs:       "is",
	CmpIsNot:    "is_not",
	CmpExcMatch: "exc_match",
}

func (c CmpOp) String() string {
	if name, ok := CmpOpNames[c]; ok {
		return name
	}
	return "?"
}

// LookupCmpOp finds a comparison operator by assembler name.
func LookupCmpOp(name string) (CmpOp, bool) {
	for c, n := range CmpOpNames {
		if n == name {
			return c, true
		}
	}
	return 0, false
}

// MAKE_FUNCTION argument flags
const (
	MakeFunctionDefaults    = 0x01
	MakeFunctionKwDefaults  = 0x02
	MakeFunctionAnnotations = 0x04
	MakeFunctionClosure     = 0x08
)
