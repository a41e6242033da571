package vm

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/funvibe/infera/internal/abstract"
	"github.com/funvibe/infera/internal/bytecode"
	"github.com/funvibe/infera/internal/cfg"
	"github.com/funvibe/infera/internal/config"
	"github.com/funvibe/infera/internal/decl"
	"github.com/funvibe/infera/internal/diagnostics"
)

var errNotAType = errors.New("not a type")

func isStoreOp(op bytecode.Opcode) bool {
	switch op {
	case bytecode.OP_STORE_NAME, bytecode.OP_STORE_FAST, bytecode.OP_STORE_GLOBAL,
		bytecode.OP_STORE_DEREF, bytecode.OP_STORE_ATTR:
		return true
	}
	return false
}

func isIgnoreComment(comment string) bool {
	return comment == "ignore" || strings.HasPrefix(comment, "ignore[")
}

// markStoreComments attaches each type comment to the last store on its
// line. Comments of function definitions are claimed as well, so that
// only comments next to neither count as ignored.
func (vm *VirtualMachine) markStoreComments(top *bytecode.Code) {
	vm.storeComments = make(map[*bytecode.Instruction]int)
	last := make(map[int]*bytecode.Instruction)
	top.Walk(func(c *bytecode.Code) {
		for _, op := range c.Instructions {
			if _, ok := vm.typeComments[op.Line]; ok && isStoreOp(op.Op) {
				last[op.Line] = op
			}
		}
		if c == top {
			return
		}
		for line := c.FirstLine; line < c.FirstBodyLine(); line++ {
			if comment, ok := vm.typeComments[line]; ok && strings.HasPrefix(comment, "(") {
				vm.usedComments[line] = true
			}
		}
	})
	for line, op := range last {
		vm.storeComments[op] = line
		vm.usedComments[line] = true
	}
}

func (vm *VirtualMachine) reportIgnoredTypeComments() {
	for _, line := range slices.Sorted(maps.Keys(vm.typeComments)) {
		comment := vm.typeComments[line]
		if vm.usedComments[line] || isIgnoreComment(comment) {
			continue
		}
		vm.errorlog.IgnoredTypeComment(diagnostics.Location{Filename: vm.filename, Line: line}, comment)
	}
}

// annotateStore applies the type comment of a store, if it has one, to
// the stored value.
func (vm *VirtualMachine) annotateStore(state *frameState, op *bytecode.Instruction, value *cfg.Variable) *cfg.Variable {
	line, ok := vm.storeComments[op]
	if !ok {
		return value
	}
	comment := strings.TrimSpace(vm.typeComments[line])
	if strings.HasPrefix(comment, "(") || isIgnoreComment(comment) {
		return value
	}
	typ, err := vm.evalAnnotation(state.node, comment, vm.frame.Globals)
	if err != nil {
		vm.errorlog.InvalidAnnotation(vm.Location(), comment, err.Error())
		return vm.unsolvable(state.node)
	}
	v := vm.conv.Instantiate(typ, state.node)
	if len(v.Bindings()) == 0 {
		return vm.unsolvable(state.node)
	}
	return v
}

// evalAnnotation evaluates an annotation expression: a name, a dotted
// name, None, or a subscript X[A, B]. Names are looked up in globals,
// then in builtins, then in the typing declarations.
func (vm *VirtualMachine) evalAnnotation(node *cfg.Node, expr string, globals *abstract.Dict) (abstract.Value, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty annotation")
	}
	if expr == "None" {
		return vm.conv.NoneClass, nil
	}
	if expr == "..." {
		return vm.conv.Ellipsis, nil
	}
	if strings.HasSuffix(expr, "]") {
		i := strings.Index(expr, "[")
		if i <= 0 {
			return nil, fmt.Errorf("malformed subscript %q", expr)
		}
		base, err := vm.evalAnnotation(node, expr[:i], globals)
		if err != nil {
			return nil, err
		}
		var params []*cfg.Variable
		for _, part := range decl.SplitTopLevel(expr[i+1 : len(expr)-1]) {
			p, err := vm.evalAnnotation(node, part, globals)
			if err != nil {
				return nil, err
			}
			params = append(params, vm.single(p, node))
		}
		key := vm.conv.BuildTuple(node, params)
		if len(params) == 1 {
			key = params[0]
		}
		return vm.parameterize(base, key, node), nil
	}

	parts := strings.Split(expr, ".")
	v, ok := vm.lookupAnnotationName(node, parts[0], globals)
	if !ok {
		t, err := vm.loader.ParseType(expr, config.TypingModule)
		if err != nil {
			return nil, fmt.Errorf("name %q is not defined", parts[0])
		}
		return vm.conv.ConstantToValue(t, nil, vm.root)
	}
	for _, attr := range parts[1:] {
		var next *cfg.Variable
		for _, d := range v.Data() {
			if _, av := vm.attrs.GetAttribute(node, d.(abstract.Value), attr, nil); av != nil {
				if next == nil {
					next = vm.newVariable()
				}
				next.PasteVariable(av, node, nil)
			}
		}
		if next == nil {
			return nil, fmt.Errorf("no attribute %q in %s", attr, strings.Join(parts[:1], "."))
		}
		v = next
	}
	data := v.Data()
	if len(data) != 1 {
		return nil, fmt.Errorf("must be constant")
	}
	switch d := data[0].(type) {
	case *abstract.Class, *abstract.ParameterizedClass, *abstract.TypeParameter, *abstract.Union, *abstract.Unsolvable:
		return d.(abstract.Value), nil
	case *abstract.Unknown:
		return vm.conv.Unsolvable, nil
	case *abstract.Constant:
		if d == vm.conv.None {
			return vm.conv.NoneClass, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", errNotAType, data[0].(abstract.Value).String())
}

func (vm *VirtualMachine) lookupAnnotationName(node *cfg.Node, name string, globals *abstract.Dict) (*cfg.Variable, bool) {
	if globals != nil {
		if v, ok := globals.Load(name); ok && len(v.Bindings()) > 0 {
			return v, true
		}
	}
	if v, ok := vm.builtins.Load(name); ok && len(v.Bindings()) > 0 {
		return v, true
	}
	return nil, false
}

// resolveLateAnnotations evaluates string annotations once the module
// body has run and every name they may refer to exists.
func (vm *VirtualMachine) resolveLateAnnotations(node *cfg.Node, globals *abstract.Dict) *cfg.Node {
	if len(vm.FunctionsWithLateAnnotations) == 0 && !vm.hasStringVarAnnotations(globals) {
		return node
	}
	node = node.ConnectNew("late_annotations", nil)
	for _, fn := range vm.FunctionsWithLateAnnotations {
		for _, name := range sortedKeys(fn.LateAnnotations) {
			la := fn.LateAnnotations[name]
			loc := diagnostics.Location{Filename: vm.filename, Line: la.Line, Function: fn.FuncName}
			if name == config.MultiArgAnnotation {
				vm.resolveMultiArg(node, fn, la, globals, loc)
				continue
			}
			typ, err := vm.evalAnnotation(node, la.Expr, globals)
			if err != nil {
				vm.errorlog.InvalidAnnotation(loc, la.Expr, err.Error())
				typ = vm.conv.Unsolvable
			}
			la.Resolved = typ
			fn.Annotations[name] = typ
		}
		vm.checkTypeParams(fn)
	}
	vm.resolveVarAnnotations(node, globals)
	return node
}

// resolveMultiArg spreads the argument list of a function type comment
// over the parameters. A method's comment may leave out self.
func (vm *VirtualMachine) resolveMultiArg(node *cfg.Node, fn *abstract.Function, la *abstract.LateAnnotation, globals *abstract.Dict, loc diagnostics.Location) {
	parts := decl.SplitTopLevel(la.Expr)
	params := fn.Code.ArgNames()
	if len(params) > 0 && len(parts) == len(params)-1 {
		params = params[1:]
	}
	if len(parts) != len(params) {
		vm.errorlog.InvalidFunctionTypeComment(loc, la.Expr, fmt.Sprintf("Function takes %d arguments (%d given)", len(params), len(parts)))
		return
	}
	for i, part := range parts {
		part = strings.TrimLeft(strings.TrimSpace(part), "*")
		typ, err := vm.evalAnnotation(node, part, globals)
		if err != nil {
			vm.errorlog.InvalidFunctionTypeComment(loc, la.Expr, err.Error())
			typ = vm.conv.Unsolvable
		}
		fn.Annotations[params[i]] = typ
	}
	la.Resolved = vm.conv.Unsolvable
}

func (vm *VirtualMachine) moduleAnnotations(globals *abstract.Dict) *abstract.Instance {
	v, ok := globals.Load(config.AnnotationsMember)
	if !ok {
		return nil
	}
	for _, d := range v.Data() {
		if inst, ok := d.(*abstract.Instance); ok && inst.Kind == abstract.KindDict && inst.Entries != nil {
			return inst
		}
	}
	return nil
}

func (vm *VirtualMachine) hasStringVarAnnotations(globals *abstract.Dict) bool {
	inst := vm.moduleAnnotations(globals)
	if inst == nil {
		return false
	}
	for _, v := range inst.Entries {
		for _, d := range v.Data() {
			if k, ok := d.(*abstract.Constant); ok {
				if _, isStr := k.Value.(string); isStr {
					return true
				}
			}
		}
	}
	return false
}

// resolveVarAnnotations evaluates string annotations of module variables.
func (vm *VirtualMachine) resolveVarAnnotations(node *cfg.Node, globals *abstract.Dict) {
	inst := vm.moduleAnnotations(globals)
	if inst == nil {
		return
	}
	for _, name := range sortedKeys(inst.Entries) {
		data := inst.Entries[name].Data()
		if len(data) != 1 {
			continue
		}
		k, ok := data[0].(*abstract.Constant)
		if !ok {
			continue
		}
		expr, ok := k.Value.(string)
		if !ok {
			continue
		}
		typ, err := vm.evalAnnotation(node, expr, globals)
		if err != nil {
			vm.errorlog.InvalidAnnotation(diagnostics.Location{Filename: vm.filename}, expr, err.Error())
			typ = vm.conv.Unsolvable
		}
		inst.Entries[name] = vm.single(typ, node)
	}
}

func (vm *VirtualMachine) setupAnnotations(state *frameState) *frameState {
	if _, ok := vm.frame.Locals.Load(config.AnnotationsMember); !ok {
		vm.frame.Locals.Set(config.AnnotationsMember, vm.conv.BuildMap(state.node))
	}
	return state
}

// storeAnnotation records the annotation of a variable in __annotations__.
func (vm *VirtualMachine) storeAnnotation(state *frameState, op *bytecode.Instruction) (*frameState, error) {
	name := vm.frame.Code.Names[op.Arg]
	state, value := state.pop()
	d, ok := vm.frame.Locals.Load(config.AnnotationsMember)
	if !ok {
		return nil, invariant(op.String(), "STORE_ANNOTATION without SETUP_ANNOTATIONS")
	}
	for _, data := range d.Data() {
		if inst, ok := data.(*abstract.Instance); ok && inst.Kind == abstract.KindDict {
			vm.conv.SetItem(state.node, inst, vm.conv.BuildString(state.node, name), value)
		}
	}
	return state, nil
}
