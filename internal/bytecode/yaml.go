package bytecode

import (
	"fmt"
	"math/big"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// programFile is the on-disk shape of an assembled program.
type programFile struct {
	Module       string         `yaml:"module"`
	Filename     string         `yaml:"filename"`
	TypeComments map[int]string `yaml:"type_comments"`
	Code         codeFile       `yaml:"code"`
}

type codeFile struct {
	Name           string      `yaml:"name"`
	Filename       string      `yaml:"filename"`
	FirstLine      int         `yaml:"firstline"`
	ArgCount       int         `yaml:"argcount"`
	KwOnlyArgCount int         `yaml:"kwonlyargcount"`
	Flags          []string    `yaml:"flags"`
	Varnames       []string    `yaml:"varnames"`
	Names          []string    `yaml:"names"`
	Cellvars       []string    `yaml:"cellvars"`
	Freevars       []string    `yaml:"freevars"`
	Consts         []yaml.Node `yaml:"consts"`
	Instructions   []string    `yaml:"instructions"`
}

// LoadProgramFile reads and assembles a program file.
func LoadProgramFile(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read program: %w", err)
	}
	prog, err := ParseProgram(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if prog.Filename == "" {
		prog.Filename = path
	}
	return prog, nil
}

// ParseProgram assembles a program from its YAML text.
func ParseProgram(data []byte) (*Program, error) {
	var pf programFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse program: %w", err)
	}
	if pf.Module == "" {
		pf.Module = "__main__"
	}
	if pf.Code.Name == "" {
		pf.Code.Name = "<module>"
	}
	code, err := pf.Code.build(pf.Filename)
	if err != nil {
		return nil, err
	}
	comments := pf.TypeComments
	if comments == nil {
		comments = map[int]string{}
	}
	return &Program{
		Module:       pf.Module,
		Filename:     pf.Filename,
		TypeComments: comments,
		Code:         code,
	}, nil
}

func (cf *codeFile) build(filename string) (*Code, error) {
	a := NewAssembler(cf.Name)
	if cf.Filename != "" {
		filename = cf.Filename
	}
	if filename != "" {
		a.Filename(filename)
	}
	a.code.FirstLine = cf.FirstLine
	a.code.ArgCount = cf.ArgCount
	a.code.KwOnlyArgCount = cf.KwOnlyArgCount
	a.code.Varnames = append(a.code.Varnames, cf.Varnames...)
	a.code.Names = append(a.code.Names, cf.Names...)
	a.Cells(cf.Cellvars, cf.Freevars)
	for _, f := range cf.Flags {
		flag, ok := lookupFlag(f)
		if !ok {
			return nil, &AsmError{Code: cf.Name, Index: -1, Msg: fmt.Sprintf("unknown flag %q", f)}
		}
		a.Flags(flag)
	}
	for i := range cf.Consts {
		v, err := decodeConst(&cf.Consts[i], filename)
		if err != nil {
			return nil, fmt.Errorf("%s: const %d: %w", cf.Name, i, err)
		}
		// Positional constants are appended as-is so indices in the
		// instruction text stay valid.
		a.code.Consts = append(a.code.Consts, v)
	}
	for _, text := range cf.Instructions {
		a.Instr(text)
	}
	return a.Assemble()
}

func lookupFlag(name string) (Flags, bool) {
	for f, n := range FlagNames {
		if n == name {
			return f, true
		}
	}
	return 0, false
}

func decodeConst(n *yaml.Node, filename string) (any, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		switch n.ShortTag() {
		case "!!null":
			return nil, nil
		case "!!bool":
			var b bool
			if err := n.Decode(&b); err != nil {
				return nil, err
			}
			return b, nil
		case "!!int":
			if i, err := strconv.ParseInt(n.Value, 0, 64); err == nil {
				return i, nil
			}
			bi, ok := new(big.Int).SetString(n.Value, 0)
			if !ok {
				return nil, fmt.Errorf("bad integer %q", n.Value)
			}
			return bi, nil
		case "!!float":
			// Integers too large for int64 resolve as floats.
			if bi, ok := new(big.Int).SetString(n.Value, 10); ok {
				return bi, nil
			}
			var f float64
			if err := n.Decode(&f); err != nil {
				return nil, err
			}
			return f, nil
		case "!ellipsis":
			return Ellipsis{}, nil
		case "!complex":
			c, err := strconv.ParseComplex(n.Value, 128)
			if err != nil {
				return nil, err
			}
			return c, nil
		default:
			return n.Value, nil
		}
	case yaml.SequenceNode:
		t := make(Tuple, len(n.Content))
		for i, child := range n.Content {
			v, err := decodeConst(child, filename)
			if err != nil {
				return nil, err
			}
			t[i] = v
		}
		return t, nil
	case yaml.MappingNode:
		var wrapper struct {
			Code *codeFile `yaml:"code"`
		}
		if err := n.Decode(&wrapper); err != nil {
			return nil, err
		}
		if wrapper.Code == nil {
			return nil, fmt.Errorf("mapping constant must hold a code object")
		}
		return wrapper.Code.build(filename)
	}
	return nil, fmt.Errorf("unsupported constant at line %d", n.Line)
}
