package bytecode

import (
	"fmt"
	"math/big"
	"strings"
)

// Flags are code object flags
type Flags uint32

const (
	FlagOptimized Flags = 1 << iota
	FlagNewLocals
	FlagVarargs
	FlagVarkeywords
	FlagNested
	FlagGenerator
	FlagNoFree
	FlagCoroutine
)

// FlagNames maps flags to their names in program files
var FlagNames = map[Flags]string{
	FlagOptimized:   "optimized",
	FlagNewLocals:   "newlocals",
	FlagVarargs:     "varargs",
	FlagVarkeywords: "varkeywords",
	FlagNested:      "nested",
	FlagGenerator:   "generator",
	FlagNoFree:      "nofree",
	FlagCoroutine:   "coroutine",
}

// Ellipsis is the "..." constant.
type Ellipsis struct{}

// Tuple is a tuple constant.
type Tuple []any

// Instruction is one decoded instruction
type Instruction struct {
	Index int
	Op    Opcode
	Arg   int
	Line  int

	// Target is the jump target index, or -1.
	Target int
	// BlockTarget is the exit of the enclosing loop for BREAK_LOOP, or -1.
	BlockTarget int
	// Next is the index of the following instruction, or -1 at the end.
	Next int
}

func (i *Instruction) String() string {
	if i.Target >= 0 {
		return fmt.Sprintf("%d: %s -> %d", i.Index, i.Op, i.Target)
	}
	return fmt.Sprintf("%d: %s %d", i.Index, i.Op, i.Arg)
}

// Code is a compiled code object: a function, class or module body
type Code struct {
	Name           string
	Filename       string
	FirstLine      int
	ArgCount       int
	KwOnlyArgCount int
	Flags          Flags

	Varnames []string
	Names    []string
	Cellvars []string
	Freevars []string

	// Consts holds nil, bool, int64, *big.Int, float64, complex128, string,
	// Ellipsis, Tuple and *Code values.
	Consts []any

	Instructions []*Instruction

	order []*Block
}

// Has reports whether all of the given flags are set.
func (c *Code) Has(f Flags) bool {
	return c.Flags&f == f
}

// IsGenerator reports whether calling the code creates a generator.
func (c *Code) IsGenerator() bool {
	return c.Has(FlagGenerator)
}

// Order returns the code's straight-line blocks in execution order.
func (c *Code) Order() []*Block {
	if c.order == nil {
		c.order = ComputeOrder(c)
	}
	return c.order
}

// FirstBodyLine returns the line of the first instruction, or FirstLine.
func (c *Code) FirstBodyLine() int {
	for _, inst := range c.Instructions {
		if inst.Line > 0 {
			return inst.Line
		}
	}
	return c.FirstLine
}

// CellName returns the name of cell or free variable i.
func (c *Code) CellName(i int) string {
	if i < len(c.Cellvars) {
		return c.Cellvars[i]
	}
	return c.Freevars[i-len(c.Cellvars)]
}

// ArgNames returns the names of positional and keyword-only parameters,
// followed by the *args and **kwargs names if present.
func (c *Code) ArgNames() []string {
	n := c.ArgCount + c.KwOnlyArgCount
	if c.Has(FlagVarargs) {
		n++
	}
	if c.Has(FlagVarkeywords) {
		n++
	}
	if n > len(c.Varnames) {
		n = len(c.Varnames)
	}
	return c.Varnames[:n]
}

// Walk visits c and every nested code object.
func (c *Code) Walk(fn func(*Code)) {
	fn(c)
	for _, k := range c.Consts {
		if nested, ok := k.(*Code); ok {
			nested.Walk(fn)
		}
	}
}

func (c *Code) String() string {
	return fmt.Sprintf("<code %s, file %q, line %d>", c.Name, c.Filename, c.FirstLine)
}

// Program is a compiled module plus its source type comments
type Program struct {
	Module   string
	Filename string
	// TypeComments maps source lines to the text of "# type:" comments.
	TypeComments map[int]string
	Code         *Code
}

// FormatConst renders a constant the way it would appear in source.
func FormatConst(v any) string {
	switch k := v.(type) {
	case nil:
		return "None"
	case bool:
		if k {
			return "True"
		}
		return "False"
	case int64:
		return fmt.Sprintf("%d", k)
	case *big.Int:
		return k.String()
	case float64:
		return fmt.Sprintf("%g", k)
	case complex128:
		return fmt.Sprintf("%v", k)
	case string:
		return fmt.Sprintf("%q", k)
	case Ellipsis:
		return "..."
	case Tuple:
		parts := make([]string, len(k))
		for i, e := range k {
			parts[i] = FormatConst(e)
		}
		if len(parts) == 1 {
			return "(" + parts[0] + ",)"
		}
		return "(" + strings.Join(parts, ", ") + ")"
	case *Code:
		return k.String()
	default:
		return fmt.Sprintf("%v", k)
	}
}
