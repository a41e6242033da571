package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble returns a human-readable listing of code and its nested
// code objects.
func Disassemble(code *Code) string {
	var sb strings.Builder
	code.Walk(func(c *Code) {
		sb.WriteString(fmt.Sprintf("== %s ==\n", c.Name))
		for i, inst := range c.Instructions {
			disassembleInstruction(&sb, c, inst, i > 0 && inst.Line == c.Instructions[i-1].Line)
		}
	})
	return sb.String()
}

func disassembleInstruction(sb *strings.Builder, code *Code, inst *Instruction, sameLine bool) {
	sb.WriteString(fmt.Sprintf("%04d ", inst.Index))

	// Print line number
	if sameLine {
		sb.WriteString("   | ")
	} else {
		sb.WriteString(fmt.Sprintf("%4d ", inst.Line))
	}

	sb.WriteString(fmt.Sprintf("%-24s", inst.Op.String()))

	switch {
	case inst.Target >= 0:
		sb.WriteString(fmt.Sprintf("-> %04d", inst.Target))
	case inst.BlockTarget >= 0:
		sb.WriteString(fmt.Sprintf("(to %04d)", inst.BlockTarget))
	case inst.Op == OP_LOAD_CONST:
		sb.WriteString(fmt.Sprintf("%d (%s)", inst.Arg, FormatConst(code.Consts[inst.Arg])))
	case inst.Op == OP_COMPARE_OP:
		sb.WriteString(CmpOp(inst.Arg).String())
	case inst.Op.UsesName():
		sb.WriteString(fmt.Sprintf("%d (%s)", inst.Arg, code.Names[inst.Arg]))
	case inst.Op.UsesLocal():
		sb.WriteString(fmt.Sprintf("%d (%s)", inst.Arg, code.Varnames[inst.Arg]))
	case inst.Op.UsesCell():
		sb.WriteString(fmt.Sprintf("%d (%s)", inst.Arg, code.CellName(inst.Arg)))
	case inst.Arg != 0:
		sb.WriteString(fmt.Sprintf("%d", inst.Arg))
	}
	sb.WriteString("\n")
}
