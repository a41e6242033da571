package vm

import (
	"strings"

	"github.com/funvibe/infera/internal/abstract"
	"github.com/funvibe/infera/internal/bytecode"
	"github.com/funvibe/infera/internal/cfg"
	"github.com/funvibe/infera/internal/config"
)

// literalContent returns the positions of a literal tuple or list.
func literalContent(v *cfg.Variable, node *cfg.Node) []*cfg.Variable {
	data := v.FilteredData(node)
	if len(data) != 1 {
		return nil
	}
	if inst, ok := data[0].(*abstract.Instance); ok && inst.Content != nil {
		return inst.Content
	}
	return nil
}

// literalEntries returns the string-keyed members of a dict literal.
func literalEntries(v *cfg.Variable, node *cfg.Node) map[string]*cfg.Variable {
	data := v.FilteredData(node)
	if len(data) != 1 {
		return nil
	}
	if inst, ok := data[0].(*abstract.Instance); ok && inst.Kind == abstract.KindDict {
		return inst.Entries
	}
	return nil
}

func (vm *VirtualMachine) byteMakeFunction(state *frameState, op *bytecode.Instruction) (*frameState, error) {
	state, qualname := state.pop()
	state, codeVar := state.pop()
	var code *bytecode.Code
	if data := codeVar.FilteredData(state.node); len(data) == 1 {
		if k, ok := data[0].(*abstract.Constant); ok {
			code, _ = k.Value.(*bytecode.Code)
		}
	}
	if code == nil {
		return nil, invariant(op.String(), "MAKE_FUNCTION without a code object")
	}
	name := ""
	if data := qualname.FilteredData(state.node); len(data) == 1 {
		if k, ok := data[0].(*abstract.Constant); ok {
			name, _ = k.Value.(string)
		}
	}

	fn := &abstract.Function{
		Module:          vm.module,
		Code:            code,
		Globals:         vm.frame.Globals,
		KwDefaults:      make(map[string]*cfg.Variable),
		Annotations:     make(map[string]abstract.Value),
		LateAnnotations: make(map[string]*abstract.LateAnnotation),
		Members:         make(map[string]*cfg.Variable),
	}
	if op.Arg&bytecode.MakeFunctionClosure != 0 {
		var closure *cfg.Variable
		state, closure = state.pop()
		fn.Closure = literalContent(closure, state.node)
	}
	if op.Arg&bytecode.MakeFunctionAnnotations != 0 {
		var annotations *cfg.Variable
		state, annotations = state.pop()
		entries := literalEntries(annotations, state.node)
		for _, k := range sortedKeys(entries) {
			vm.addAnnotation(state.node, fn, k, entries[k], code.FirstLine)
		}
	}
	if op.Arg&bytecode.MakeFunctionKwDefaults != 0 {
		var kwdefaults *cfg.Variable
		state, kwdefaults = state.pop()
		for k, v := range literalEntries(kwdefaults, state.node) {
			fn.KwDefaults[k] = v
		}
	}
	if op.Arg&bytecode.MakeFunctionDefaults != 0 {
		var defaults *cfg.Variable
		state, defaults = state.pop()
		fn.Defaults = literalContent(defaults, state.node)
	}

	switch {
	case name != "":
		if i := strings.LastIndex(name, "."); i >= 0 {
			name = name[i+1:]
		}
	case code.Name != "":
		name = code.Name
	default:
		name = config.LambdaName
	}
	fn.FuncName = name

	vm.functionTypeComment(fn)
	if len(fn.LateAnnotations) > 0 {
		vm.FunctionsWithLateAnnotations = append(vm.FunctionsWithLateAnnotations, fn)
	} else {
		vm.checkTypeParams(fn)
	}
	if vm.Hooks.TraceFunctionDef != nil {
		vm.Hooks.TraceFunctionDef(fn)
	}
	return state.push(vm.single(fn, state.node)), nil
}

// addAnnotation records the annotation of one parameter. Strings are kept
// for resolution once the module has run.
func (vm *VirtualMachine) addAnnotation(node *cfg.Node, fn *abstract.Function, name string, v *cfg.Variable, line int) {
	data := v.FilteredData(node)
	if len(data) != 1 {
		vm.errorlog.InvalidAnnotation(vm.Location(), abstract.TypeString(v, node), "Must be constant")
		fn.Annotations[name] = vm.conv.Unsolvable
		return
	}
	switch d := data[0].(type) {
	case *abstract.Constant:
		if s, ok := d.Value.(string); ok {
			fn.LateAnnotations[name] = &abstract.LateAnnotation{Expr: s, Name: name, Line: line}
			return
		}
		if d == vm.conv.None {
			fn.Annotations[name] = vm.conv.NoneClass
			return
		}
	case *abstract.Class, *abstract.ParameterizedClass, *abstract.TypeParameter, *abstract.Union, *abstract.Unsolvable:
		fn.Annotations[name] = data[0].(abstract.Value)
		return
	case *abstract.Unknown:
		fn.Annotations[name] = vm.conv.Unsolvable
		return
	}
	vm.errorlog.InvalidAnnotation(vm.Location(), data[0].(abstract.Value).String(), "Not a type")
	fn.Annotations[name] = vm.conv.Unsolvable
}

// functionTypeComment reads a "(args) -> ret" comment between the def line
// and the first line of the body.
func (vm *VirtualMachine) functionTypeComment(fn *abstract.Function) {
	code := fn.Code
	for line := code.FirstLine; line < code.FirstBodyLine(); line++ {
		comment, ok := vm.typeComments[line]
		if !ok || !strings.HasPrefix(comment, "(") {
			continue
		}
		vm.usedComments[line] = true
		loc := vm.Location()
		loc.Line = line
		if len(fn.Annotations) > 0 || len(fn.LateAnnotations) > 0 {
			vm.errorlog.RedundantFunctionTypeComment(loc)
			return
		}
		args, ret, ok := splitFunctionComment(comment)
		if !ok {
			vm.errorlog.InvalidFunctionTypeComment(loc, comment, "Expected (args) -> return")
			return
		}
		if strings.TrimSpace(args) != "" && strings.TrimSpace(args) != "..." {
			fn.LateAnnotations[config.MultiArgAnnotation] = &abstract.LateAnnotation{Expr: args, Name: config.MultiArgAnnotation, Line: line}
		}
		fn.LateAnnotations[config.ReturnAnnotation] = &abstract.LateAnnotation{Expr: ret, Name: config.ReturnAnnotation, Line: line}
		return
	}
}

// splitFunctionComment splits "(a, b) -> r" into "a, b" and "r".
func splitFunctionComment(comment string) (string, string, bool) {
	depth := 0
	for i, r := range comment {
		switch r {
		case '(', '[':
			depth++
		case ')', ']':
			depth--
			if depth < 0 {
				return "", "", false
			}
			if depth == 0 && r == ')' {
				rest := strings.TrimSpace(comment[i+1:])
				if !strings.HasPrefix(rest, "->") {
					return "", "", false
				}
				ret := strings.TrimSpace(rest[2:])
				if ret == "" {
					return "", "", false
				}
				return comment[1:i], ret, true
			}
		}
	}
	return "", "", false
}

// checkTypeParams reports type parameters that appear only once in a
// signature: they cannot relate two types.
func (vm *VirtualMachine) checkTypeParams(fn *abstract.Function) {
	counts := make(map[string]int)
	for _, name := range sortedKeys(fn.Annotations) {
		countTypeParams(fn.Annotations[name], counts, 0)
	}
	for _, name := range sortedKeys(counts) {
		if counts[name] == 1 {
			vm.errorlog.InvalidAnnotation(vm.Location(), name, "Appears only once in the signature")
		}
	}
}

func countTypeParams(v abstract.Value, counts map[string]int, depth int) {
	if depth > 8 {
		return
	}
	switch x := v.(type) {
	case *abstract.TypeParameter:
		counts[x.ParamName]++
	case *abstract.Union:
		for _, o := range x.Options {
			countTypeParams(o, counts, depth+1)
		}
	case *abstract.ParameterizedClass:
		for _, name := range x.ParamNames() {
			countTypeParams(x.Param(name), counts, depth+1)
		}
	}
}
