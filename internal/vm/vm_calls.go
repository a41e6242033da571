package vm

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/funvibe/infera/internal/abstract"
	"github.com/funvibe/infera/internal/bytecode"
	"github.com/funvibe/infera/internal/cfg"
	"github.com/funvibe/infera/internal/config"
	"github.com/funvibe/infera/internal/convert"
)

// FunctionArgs are the arguments of a call. Starargs and Starstarargs
// hold *args and **kwargs whose contents are not known.
type FunctionArgs struct {
	Posargs      []*cfg.Variable
	Namedargs    map[string]*cfg.Variable
	Starargs     *cfg.Variable
	Starstarargs *cfg.Variable
}

func (a *FunctionArgs) withSelf(self *cfg.Variable) *FunctionArgs {
	c := *a
	c.Posargs = append([]*cfg.Variable{self}, a.Posargs...)
	return &c
}

// all returns every argument variable in a fixed order.
func (a *FunctionArgs) all() []*cfg.Variable {
	out := slices.Clone(a.Posargs)
	for _, k := range sortedKeys(a.Namedargs) {
		out = append(out, a.Namedargs[k])
	}
	if a.Starargs != nil {
		out = append(out, a.Starargs)
	}
	if a.Starstarargs != nil {
		out = append(out, a.Starstarargs)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

// simplifyArgs spreads *args and **kwargs whose contents are literal into
// the positional and named arguments.
func (vm *VirtualMachine) simplifyArgs(node *cfg.Node, args *FunctionArgs) *FunctionArgs {
	out := *args
	if args.Starargs != nil {
		if data := args.Starargs.FilteredData(node); len(data) == 1 {
			if inst, ok := data[0].(*abstract.Instance); ok && inst.IsLiteral() {
				out.Posargs = append(slices.Clone(args.Posargs), inst.Content...)
				out.Starargs = nil
			}
		}
	}
	if args.Starstarargs != nil {
		if data := args.Starstarargs.FilteredData(node); len(data) == 1 {
			if inst, ok := data[0].(*abstract.Instance); ok && inst.Kind == abstract.KindDict && inst.Entries != nil && !inst.Opaque {
				named := maps.Clone(args.Namedargs)
				if named == nil {
					named = make(map[string]*cfg.Variable, len(inst.Entries))
				}
				for k, v := range inst.Entries {
					if _, dup := named[k]; !dup {
						named[k] = v
					}
				}
				out.Namedargs = named
				out.Starstarargs = nil
			}
		}
	}
	return &out
}

// callWithState calls funcv and reports a failed call.
func (vm *VirtualMachine) callWithState(state *frameState, funcv *cfg.Variable, args *FunctionArgs) (*frameState, *cfg.Variable, error) {
	node, result, _, err := vm.callFunctionVar(state.node, funcv, args, true)
	if err != nil {
		return nil, nil, err
	}
	return state.changeNode(node), result, nil
}

// callFunctionVar calls every visible binding of funcv and merges the
// results. If no binding accepts the arguments, the most specific failure
// is returned; with fallback set it is also reported and the result is
// unsolvable.
func (vm *VirtualMachine) callFunctionVar(node *cfg.Node, funcv *cfg.Variable, args *FunctionArgs, fallback bool) (*cfg.Node, *cfg.Variable, *callFailure, error) {
	args = vm.simplifyArgs(node, args)
	result := vm.newVariable()
	var failure *callFailure
	var nodes []*cfg.Node
	for _, fb := range funcv.Filter(node) {
		fn := abstract.Data(fb)
		n, v, f, err := vm.callBinding(node, fn, fb, args)
		if err != nil {
			return nil, nil, nil, err
		}
		if f != nil {
			failure = moreSpecific(failure, f)
			continue
		}
		nodes = append(nodes, n)
		for _, rb := range v.Bindings() {
			result.PasteBinding(rb, n, []*cfg.Binding{fb})
		}
		if vm.Hooks.TraceCall != nil {
			vm.Hooks.TraceCall(n, fn, args.all(), v)
		}
	}
	if len(nodes) > 0 {
		return vm.joinNodes(nodes), result, nil, nil
	}
	if failure == nil {
		return node, vm.unsolvable(node), nil, nil
	}
	if !fallback {
		return node, nil, failure, nil
	}
	vm.reportCallFailure(failure)
	return node, vm.unsolvable(node), failure, nil
}

func (vm *VirtualMachine) reportCallFailure(f *callFailure) {
	if f.kind == failKeyMissing {
		vm.errorlog.KeyError(vm.Location(), f.key)
		return
	}
	vm.errorlog.InvalidFunctionCall(vm.Location(), f.code(), f.function, f.details)
}

func (vm *VirtualMachine) callBinding(node *cfg.Node, fn abstract.Value, fb *cfg.Binding, args *FunctionArgs) (*cfg.Node, *cfg.Variable, *callFailure, error) {
	switch x := fn.(type) {
	case *abstract.Function:
		if x.Decl != nil {
			return vm.callDeclared(node, x, args)
		}
		return vm.callInterpreter(node, x, args)
	case *abstract.BoundMethod:
		args = args.withSelf(x.Self)
		if x.Func.Decl != nil {
			return vm.callDeclared(node, x.Func, args)
		}
		return vm.callInterpreter(node, x.Func, args)
	case *abstract.Class, *abstract.ParameterizedClass:
		return vm.callClass(node, x, fb, args)
	case *abstract.SpecialBuiltin:
		return vm.callSpecial(node, x, args)
	case *abstract.Unsolvable, *abstract.Empty:
		return node, vm.unsolvable(node), nil, nil
	case *abstract.Unknown:
		return node, vm.conv.CreateNewUnknown(node, fb, "call", false), nil, nil
	case *abstract.Instance, *abstract.Constant:
		n, call := vm.attrs.GetAttribute(node, x, config.CallMethod, fb)
		if call == nil {
			return node, nil, &callFailure{kind: failNotCallable, function: x.String()}, nil
		}
		return vm.callFunctionVar(n, call, args, false)
	}
	return node, nil, &callFailure{kind: failNotCallable, function: fn.String()}, nil
}

// newInstance creates a fresh instance of a class value. Type parameters
// of a plain class start out empty.
func (vm *VirtualMachine) newInstance(cls abstract.Value, node *cfg.Node) abstract.Value {
	switch x := cls.(type) {
	case *abstract.Class:
		inst := abstract.NewInstance(x, convert.KindOf(x))
		for _, name := range x.TemplateNames() {
			inst.SetTypeParam(name, vm.newVariable())
		}
		return inst
	case *abstract.ParameterizedClass:
		if data := vm.conv.Instantiate(x, node).Data(); len(data) == 1 {
			return data[0].(abstract.Value)
		}
	}
	return vm.conv.Unsolvable
}

// callClass instantiates a class and runs its __init__. A failing
// __init__ is reported here; the instance is still returned.
func (vm *VirtualMachine) callClass(node *cfg.Node, cls abstract.Value, fb *cfg.Binding, args *FunctionArgs) (*cfg.Node, *cfg.Variable, *callFailure, error) {
	base, ok := abstract.BaseClass(cls)
	if !ok {
		return node, nil, &callFailure{kind: failNotCallable, function: cls.String()}, nil
	}
	if base == vm.conv.TypeClass && len(args.Posargs) == 1 && len(args.Namedargs) == 0 {
		out := vm.newVariable()
		for _, b := range args.Posargs[0].Filter(node) {
			c := vm.conv.ClassOf(abstract.Data(b))
			if c == nil {
				c = vm.conv.Unsolvable
			}
			out.AddBinding(c, []*cfg.Binding{b}, node)
		}
		if len(out.Bindings()) == 0 {
			return node, vm.unsolvable(node), nil, nil
		}
		return node, out, nil, nil
	}
	if base.Module == config.BuiltinsModule {
		switch base.ClassName {
		case config.PropertyClassName, "staticmethod", "classmethod":
			return node, vm.unsolvable(node), nil, nil
		}
	}
	inst := vm.newInstance(cls, node)
	instVar := vm.program.NewVariable([]any{inst}, []*cfg.Binding{fb}, node)
	n, init := vm.attrs.GetAttribute(node, inst, config.InitMethod, instVar.Bindings()[0])
	if init == nil {
		return node, instVar, nil, nil
	}
	n, _, f, err := vm.callFunctionVar(n, init, args, false)
	if err != nil {
		return nil, nil, nil, err
	}
	if f != nil {
		vm.reportCallFailure(f)
	}
	return n, instVar, nil, nil
}

// callInterpreter runs the code of an interpreter function in a new
// frame. Calling a generator function only creates the generator.
func (vm *VirtualMachine) callInterpreter(node *cfg.Node, fn *abstract.Function, args *FunctionArgs) (*cfg.Node, *cfg.Variable, *callFailure, error) {
	code := fn.Code
	if code == nil {
		return node, vm.unsolvable(node), nil, nil
	}
	callargs, failure := vm.mapCallArgs(node, fn, args)
	if failure != nil {
		return node, nil, failure, nil
	}
	if failure := vm.checkAnnotations(node, fn, callargs); failure != nil {
		return node, nil, failure, nil
	}
	if vm.depth() >= vm.options.MaxDepth && !strings.HasSuffix(fn.FuncName, config.InitMethod) {
		vm.log.Debug().Str("function", fn.FuncName).Int("depth", vm.depth()).Msg("maximum depth reached")
		return node, vm.unsolvable(node), nil, nil
	}
	if vm.isRunning(code) {
		vm.log.Debug().Str("function", fn.FuncName).Msg("recursive call")
		return node, vm.unsolvable(node), nil, nil
	}

	locals := abstract.NewDict("locals:" + fn.FuncName)
	for _, name := range code.ArgNames() {
		if v, ok := callargs[name]; ok {
			locals.Set(name, v.AssignToNewVariable(node))
		}
	}
	frame := vm.makeFrame(node, code, fn.Globals, locals, fn.Closure, fn)
	for i, name := range code.Cellvars {
		if v, ok := callargs[name]; ok {
			frame.Cells[i].PasteVariable(v, node, nil)
		}
	}
	if ret, ok := fn.Annotations[config.ReturnAnnotation]; ok {
		frame.AllowedReturns = ret
	}

	if code.IsGenerator() {
		gen := abstract.NewInstance(vm.conv.GeneratorClass, abstract.KindGenerator)
		gen.Generator = &abstract.GeneratorState{Frame: frame}
		return node, vm.single(gen, node), nil, nil
	}
	end, ret, err := vm.runFrame(frame, node.ConnectNew(fn.FuncName, nil))
	if err != nil {
		return nil, nil, nil, err
	}
	if len(ret.Bindings()) == 0 {
		// Every path raised.
		ret.AddBinding(vm.conv.Empty, nil, end)
	}
	return end, ret, nil, nil
}

// mapCallArgs binds the arguments of a call to the parameter names of an
// interpreter function.
func (vm *VirtualMachine) mapCallArgs(node *cfg.Node, fn *abstract.Function, args *FunctionArgs) (map[string]*cfg.Variable, *callFailure) {
	code := fn.Code
	names := code.ArgNames()
	nPos := min(code.ArgCount, len(names))
	positional := names[:nPos]
	kwonly := names[nPos:min(nPos+code.KwOnlyArgCount, len(names))]
	idx := nPos + len(kwonly)
	var varargs, kwargs string
	if code.Has(bytecode.FlagVarargs) && idx < len(names) {
		varargs = names[idx]
		idx++
	}
	if code.Has(bytecode.FlagVarkeywords) && idx < len(names) {
		kwargs = names[idx]
	}
	fail := func(kind failureKind, format string, a ...any) (map[string]*cfg.Variable, *callFailure) {
		return nil, &callFailure{kind: kind, function: fn.FuncName, details: fmt.Sprintf(format, a...)}
	}

	out := make(map[string]*cfg.Variable, len(names))
	if len(args.Posargs) > len(positional) && varargs == "" {
		return fail(failArgCount, "expected %d args, got %d", len(positional), len(args.Posargs))
	}
	for i, v := range args.Posargs {
		if i < len(positional) {
			out[positional[i]] = v
		}
	}
	if varargs != "" {
		var extra []*cfg.Variable
		if len(args.Posargs) > len(positional) {
			extra = args.Posargs[len(positional):]
		}
		if args.Starargs != nil {
			inst := abstract.NewInstance(vm.conv.TupleClass, abstract.KindTuple)
			elems := vm.unsolvable(node)
			for _, e := range extra {
				elems.PasteVariable(e, node, nil)
			}
			inst.SetTypeParam(config.TypeParamT, elems)
			out[varargs] = vm.single(inst, node)
		} else {
			out[varargs] = vm.conv.BuildTuple(node, extra)
		}
	}

	extraNamed := make(map[string]*cfg.Variable)
	for _, k := range sortedKeys(args.Namedargs) {
		v := args.Namedargs[k]
		if slices.Contains(positional, k) || slices.Contains(kwonly, k) {
			if _, dup := out[k]; dup {
				return fail(failKeywordArgs, "multiple values for argument %s", k)
			}
			out[k] = v
			continue
		}
		if kwargs == "" {
			return fail(failKeywordArgs, "unexpected keyword argument %s", k)
		}
		extraNamed[k] = v
	}
	if kwargs != "" {
		d := vm.conv.BuildMap(node)
		inst := vm.mapInstance(d)
		for _, k := range sortedKeys(extraNamed) {
			vm.conv.SetItem(node, inst, vm.conv.BuildString(node, k), extraNamed[k])
		}
		if args.Starstarargs != nil {
			inst.MergeTypeParam(node, config.TypeParamK, vm.strInstance(node))
			inst.MergeTypeParam(node, config.TypeParamV, vm.unsolvable(node))
			inst.Opaque = true
		}
		out[kwargs] = d
	}

	unknownRest := args.Starargs != nil || args.Starstarargs != nil
	firstDefault := len(positional) - len(fn.Defaults)
	for i, name := range positional {
		if _, ok := out[name]; ok {
			continue
		}
		if i >= firstDefault && i-firstDefault < len(fn.Defaults) {
			out[name] = fn.Defaults[i-firstDefault]
			continue
		}
		if unknownRest {
			out[name] = vm.unsolvable(node)
			continue
		}
		return fail(failArgCount, "missing argument %s", name)
	}
	for _, name := range kwonly {
		if _, ok := out[name]; ok {
			continue
		}
		if v, ok := fn.KwDefaults[name]; ok {
			out[name] = v
			continue
		}
		if args.Starstarargs != nil {
			out[name] = vm.unsolvable(node)
			continue
		}
		return fail(failKeywordArgs, "missing keyword-only argument %s", name)
	}
	return out, nil
}

// checkAnnotations checks the arguments of a call against the parameter
// annotations of an interpreter function.
func (vm *VirtualMachine) checkAnnotations(node *cfg.Node, fn *abstract.Function, callargs map[string]*cfg.Variable) *callFailure {
	for _, name := range sortedKeys(fn.Annotations) {
		if name == config.ReturnAnnotation {
			continue
		}
		v, ok := callargs[name]
		if !ok {
			continue
		}
		annot := fn.Annotations[name]
		for _, b := range v.Filter(node) {
			if !vm.matchesAnnotation(abstract.Data(b), annot) {
				return &callFailure{
					kind:     failArgTypes,
					function: fn.FuncName,
					details:  fmt.Sprintf("expected %s for %s, got %s", annot, name, abstract.Data(b)),
				}
			}
		}
	}
	return nil
}

// matchesAnnotation reports whether v is an instance of the class value
// annot.
func (vm *VirtualMachine) matchesAnnotation(v, annot abstract.Value) bool {
	if annot == nil || abstract.IsAmbiguous(v) {
		return true
	}
	switch a := annot.(type) {
	case *abstract.Unsolvable, *abstract.Unknown, *abstract.TypeParameter:
		return true
	case *abstract.Union:
		for _, o := range a.Options {
			if vm.matchesAnnotation(v, o) {
				return true
			}
		}
		return false
	case *abstract.ParameterizedClass:
		if a.Base == vm.conv.TypeClass {
			return abstract.IsClass(v)
		}
		return vm.matchesAnnotation(v, a.Base)
	case *abstract.Class:
		return vm.isInstanceOf(v, a)
	}
	return true
}

// isInstanceOf checks v against a class, with the numeric promotions
// int -> float -> complex.
func (vm *VirtualMachine) isInstanceOf(v abstract.Value, target *abstract.Class) bool {
	c := vm.conv
	if target == c.ObjectClass || abstract.IsAmbiguous(v) {
		return true
	}
	if target == c.CallableClass {
		return vm.isCallable(v)
	}
	cls := c.ClassOf(v)
	if cls == nil {
		return true
	}
	if abstract.IsSubclass(cls, target) {
		return true
	}
	switch target {
	case c.FloatClass:
		return abstract.IsSubclass(cls, c.IntClass)
	case c.ComplexClass:
		return abstract.IsSubclass(cls, c.IntClass) || abstract.IsSubclass(cls, c.FloatClass)
	}
	return false
}

func (vm *VirtualMachine) isCallable(v abstract.Value) bool {
	switch x := v.(type) {
	case *abstract.Function, *abstract.BoundMethod, *abstract.Class, *abstract.ParameterizedClass, *abstract.SpecialBuiltin:
		return true
	case *abstract.Instance, *abstract.Constant:
		_, call := vm.attrs.GetAttribute(vm.conv.Root(), x, config.CallMethod, nil)
		return call != nil
	}
	return abstract.IsAmbiguous(v)
}

func (vm *VirtualMachine) byteCallFunction(state *frameState, argc int) (*frameState, error) {
	state, posargs := state.popN(argc)
	state, fn := state.pop()
	state, result, err := vm.callWithState(state, fn, &FunctionArgs{Posargs: posargs})
	if err != nil {
		return nil, err
	}
	return state.push(result), nil
}

// byteCallFunctionKw: TOS is a tuple of keyword names, matching the last
// values below it.
func (vm *VirtualMachine) byteCallFunctionKw(state *frameState, argc int) (*frameState, error) {
	state, kwnames := state.pop()
	state, values := state.popN(argc)
	state, fn := state.pop()
	var names []string
	if data := kwnames.FilteredData(state.node); len(data) == 1 {
		if k, err := vm.conv.ValueToConstant(data[0].(abstract.Value)); err == nil {
			if t, ok := k.(bytecode.Tuple); ok {
				for _, n := range t {
					s, ok := n.(string)
					if !ok {
						return nil, invariant("", "keyword name %v is not a string", n)
					}
					names = append(names, s)
				}
			}
		}
	}
	if len(names) > len(values) {
		return nil, invariant("", "%d keyword names for %d values", len(names), len(values))
	}
	split := len(values) - len(names)
	args := &FunctionArgs{Posargs: values[:split], Namedargs: make(map[string]*cfg.Variable, len(names))}
	for i, n := range names {
		args.Namedargs[n] = values[split+i]
	}
	state, result, err := vm.callWithState(state, fn, args)
	if err != nil {
		return nil, err
	}
	return state.push(result), nil
}

// byteCallFunctionEx: bit 0 of flags means a **kwargs mapping is on top
// of the *args iterable.
func (vm *VirtualMachine) byteCallFunctionEx(state *frameState, flags int) (*frameState, error) {
	args := &FunctionArgs{}
	if flags&0x01 != 0 {
		state, args.Starstarargs = state.pop()
	}
	state, args.Starargs = state.pop()
	state, fn := state.pop()
	state, result, err := vm.callWithState(state, fn, args)
	if err != nil {
		return nil, err
	}
	return state.push(result), nil
}
