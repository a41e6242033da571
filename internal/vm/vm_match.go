package vm

import (
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/funvibe/infera/internal/abstract"
	"github.com/funvibe/infera/internal/cfg"
	"github.com/funvibe/infera/internal/config"
	"github.com/funvibe/infera/internal/convert"
	"github.com/funvibe/infera/internal/decl"
)

// maxArgViews bounds the combinations of argument bindings tried per call.
const maxArgViews = 64

// argView picks one binding for every argument variable.
type argView map[*cfg.Variable]*cfg.Binding

func (v argView) sources() []*cfg.Binding {
	out := make([]*cfg.Binding, 0, len(v))
	for _, b := range v {
		out = append(out, b)
	}
	return out
}

// argViews returns combinations of the visible bindings of vars. An
// argument without visible bindings is viewed as unsolvable.
func (vm *VirtualMachine) argViews(node *cfg.Node, vars []*cfg.Variable) []argView {
	choices := make([][]*cfg.Binding, len(vars))
	for i, v := range vars {
		bs := v.Filter(node)
		if len(bs) == 0 {
			bs = vm.unsolvable(node).Bindings()
		}
		choices[i] = bs
	}
	views := []argView{{}}
	for i, v := range vars {
		if _, seen := views[0][v]; seen {
			continue
		}
		var next []argView
		for _, view := range views {
			for _, b := range choices[i] {
				if len(next) == maxArgViews {
					break
				}
				nv := maps.Clone(view)
				nv[v] = b
				next = append(next, nv)
			}
		}
		views = next
	}
	// Past the limit, still look at every binding at least once.
	first := views[0]
	for i, v := range vars {
		for _, b := range choices[i] {
			if !coveredBy(views, v, b) {
				nv := maps.Clone(first)
				nv[v] = b
				views = append(views, nv)
			}
		}
	}
	return views
}

func coveredBy(views []argView, v *cfg.Variable, b *cfg.Binding) bool {
	for _, view := range views {
		if view[v] == b {
			return true
		}
	}
	return false
}

func declName(d *decl.Function) string {
	return strings.TrimPrefix(d.QualifiedName(), config.BuiltinsModule+".")
}

func typeName(t decl.Type) string {
	return strings.ReplaceAll(t.String(), config.BuiltinsModule+".", "")
}

// callDeclared calls a function known from a declaration file. Every view
// of the arguments has to match one of its signatures.
func (vm *VirtualMachine) callDeclared(node *cfg.Node, fn *abstract.Function, args *FunctionArgs) (*cfg.Node, *cfg.Variable, *callFailure, error) {
	d := fn.Decl
	if d.QualifiedName() == config.ABCModule+".abstractmethod" && len(args.Posargs) == 1 {
		for _, b := range args.Posargs[0].Filter(node) {
			if f, ok := abstract.Data(b).(*abstract.Function); ok {
				f.IsAbstract = true
			}
		}
		return node, args.Posargs[0], nil, nil
	}
	node = vm.runGenerators(node, args.all())
	result := vm.newVariable()
	for _, view := range vm.argViews(node, args.all()) {
		ret, failure := vm.matchView(node, fn, args, view)
		if failure != nil {
			return node, nil, failure, nil
		}
		srcs := view.sources()
		for _, b := range ret.Bindings() {
			result.PasteBinding(b, node, srcs)
		}
	}
	return node, result, nil, nil
}

// runGenerators runs the generators among the arguments that have not
// run yet. Their yielded values are bound below node, so matching has to
// happen at the returned node to see them.
func (vm *VirtualMachine) runGenerators(node *cfg.Node, vars []*cfg.Variable) *cfg.Node {
	for _, v := range vars {
		for _, d := range v.FilteredData(node) {
			if inst, ok := d.(*abstract.Instance); ok && inst.Generator != nil && !inst.Generator.Ran {
				node = vm.RunGenerator(node, inst)
			}
		}
	}
	return node
}

// keyMissing checks d[k] on a dictionary whose keys are all known.
func (vm *VirtualMachine) keyMissing(fn *abstract.Function, args *FunctionArgs, view argView) *callFailure {
	if fn.Decl.QualifiedName() != config.BuiltinsModule+"."+config.DictClassName+"."+config.GetItemMethod || len(args.Posargs) != 2 {
		return nil
	}
	inst, ok := abstract.Data(view[args.Posargs[0]]).(*abstract.Instance)
	if !ok || inst.Kind != abstract.KindDict || inst.Entries == nil || inst.Opaque {
		return nil
	}
	k, ok := abstract.Data(view[args.Posargs[1]]).(*abstract.Constant)
	if !ok {
		return nil
	}
	s, ok := k.Value.(string)
	if !ok {
		return nil
	}
	if _, present := inst.Entries[s]; present {
		return nil
	}
	return &callFailure{kind: failKeyMissing, function: declName(fn.Decl), key: "'" + s + "'"}
}

func (vm *VirtualMachine) matchView(node *cfg.Node, fn *abstract.Function, args *FunctionArgs, view argView) (*cfg.Variable, *callFailure) {
	if f := vm.keyMissing(fn, args, view); f != nil {
		return nil, f
	}
	var failure *callFailure
	for _, sig := range fn.Decl.Signatures {
		m, f := vm.matchSignature(node, fn, sig, args, view)
		if f != nil {
			failure = moreSpecific(failure, f)
			continue
		}
		ret := vm.declaredReturn(node, sig, m.subst)
		vm.applyMutations(node, fn, m)
		return ret, nil
	}
	if failure == nil {
		failure = &callFailure{kind: failArgTypes, function: declName(fn.Decl)}
	}
	return nil, failure
}

// signatureMatch is a successful match of arguments to a signature.
type signatureMatch struct {
	subst  convert.Subst
	params map[*decl.Param]*cfg.Variable
	view   argView
}

// ownerClass returns the declared class a method belongs to.
func (vm *VirtualMachine) ownerClass(d *decl.Function) *decl.Class {
	i := strings.LastIndex(d.Module, ".")
	if i < 0 {
		return nil
	}
	m, err := vm.loader.ImportName(d.Module[:i])
	if err != nil {
		return nil
	}
	return m.Classes[d.Module[i+1:]]
}

func (vm *VirtualMachine) matchSignature(node *cfg.Node, fn *abstract.Function, sig *decl.Signature, args *FunctionArgs, view argView) (*signatureMatch, *callFailure) {
	name := declName(fn.Decl)
	fail := func(kind failureKind, format string, a ...any) (*signatureMatch, *callFailure) {
		return nil, &callFailure{kind: kind, function: name, details: fmt.Sprintf(format, a...)}
	}
	m := &signatureMatch{subst: convert.Subst{}, params: make(map[*decl.Param]*cfg.Variable), view: view}

	var positional []*decl.Param
	var star, starstar *decl.Param
	for _, p := range sig.Params {
		switch p.Kind {
		case decl.ParamStar:
			star = p
		case decl.ParamStarStar:
			starstar = p
		default:
			positional = append(positional, p)
		}
	}

	if fn.Decl.Kind == decl.MethodKindMethod && len(args.Posargs) > 0 {
		if owner := vm.ownerClass(fn.Decl); owner != nil {
			self := abstract.Data(view[args.Posargs[0]])
			for k, v := range vm.viewAs(node, self, owner) {
				m.subst[k] = v
			}
		}
	}

	var extraPos []*cfg.Variable
	for i, a := range args.Posargs {
		if i < len(positional) {
			m.params[positional[i]] = a
			continue
		}
		if star == nil {
			return fail(failArgCount, "expected %d args, got %d", len(positional), len(args.Posargs))
		}
		extraPos = append(extraPos, a)
	}
	extraNamed := make(map[string]*cfg.Variable)
	for _, k := range sortedKeys(args.Namedargs) {
		var target *decl.Param
		for _, p := range positional {
			if p.Name == k {
				target = p
				break
			}
		}
		if target == nil {
			if starstar == nil {
				return fail(failKeywordArgs, "unexpected keyword argument %s", k)
			}
			extraNamed[k] = args.Namedargs[k]
			continue
		}
		if _, dup := m.params[target]; dup {
			return fail(failKeywordArgs, "multiple values for argument %s", k)
		}
		m.params[target] = args.Namedargs[k]
	}
	if args.Starargs == nil && args.Starstarargs == nil {
		for _, p := range positional {
			if _, ok := m.params[p]; !ok && !p.Optional {
				return fail(failArgCount, "missing argument %s", p.Name)
			}
		}
	}

	check := func(p *decl.Param, v *cfg.Variable) *callFailure {
		if p.Type == nil {
			return nil
		}
		b, ok := view[v]
		if !ok {
			return nil
		}
		s, ok := vm.matchBinding(node, b, p.Type, m.subst)
		if !ok {
			return &callFailure{
				kind:     failArgTypes,
				function: name,
				details:  fmt.Sprintf("expected %s for %s, got %s", typeName(p.Type), p.Name, abstract.Data(b)),
			}
		}
		m.subst = s
		return nil
	}
	for _, p := range positional {
		if v, ok := m.params[p]; ok {
			if f := check(p, v); f != nil {
				return nil, f
			}
		}
	}
	for _, v := range extraPos {
		if f := check(star, v); f != nil {
			return nil, f
		}
	}
	for _, k := range sortedKeys(extraNamed) {
		if f := check(starstar, extraNamed[k]); f != nil {
			return nil, f
		}
	}
	return m, nil
}

// matchBinding matches the value of b against a declared type. On success
// it returns the substitution extended with what the match bound.
func (vm *VirtualMachine) matchBinding(node *cfg.Node, b *cfg.Binding, t decl.Type, subst convert.Subst) (convert.Subst, bool) {
	v := abstract.Data(b)
	if tp, ok := t.(*decl.TypeParameter); ok {
		if _, empty := v.(*abstract.Empty); empty {
			return subst, true
		}
		if tp.Bound != nil && !abstract.IsAmbiguous(v) {
			if _, ok := vm.matchBinding(node, b, tp.Bound, subst); !ok {
				return nil, false
			}
		}
		if len(tp.Constraints) > 0 && !abstract.IsAmbiguous(v) {
			matched := false
			for _, c := range tp.Constraints {
				if _, ok := vm.matchBinding(node, b, c, subst); ok {
					matched = true
					break
				}
			}
			if !matched {
				return nil, false
			}
		}
		return vm.addToSubst(node, subst, tp.Name, b), true
	}
	if t == nil || abstract.IsAmbiguous(v) {
		return subst, true
	}
	switch x := t.(type) {
	case *decl.AnythingType:
		return subst, true
	case *decl.NothingType:
		return nil, false
	case *decl.UnionType:
		for _, o := range x.Types {
			if s, ok := vm.matchBinding(node, b, o, maps.Clone(subst)); ok {
				return s, true
			}
		}
		return nil, false
	case *decl.ClassType:
		return subst, vm.matchClass(v, x)
	case *decl.GenericType:
		return vm.matchGeneric(node, b, x, subst)
	case *decl.TupleType:
		inst, ok := v.(*abstract.Instance)
		if !ok || inst.Kind != abstract.KindTuple {
			return nil, false
		}
		if inst.IsLiteral() {
			if len(inst.Content) != len(x.Params) {
				return nil, false
			}
			for i, elem := range inst.Content {
				for _, eb := range elem.Bindings() {
					var ok bool
					if subst, ok = vm.matchBinding(node, eb, x.Params[i], subst); !ok {
						return nil, false
					}
				}
			}
			return subst, true
		}
		return vm.matchGeneric(node, b, &decl.GenericType{Base: x.Base, Params: []decl.Type{decl.NewUnion(x.Params...)}}, subst)
	case *decl.CallableType:
		return subst, vm.isCallable(v)
	}
	return subst, true
}

func (vm *VirtualMachine) addToSubst(node *cfg.Node, subst convert.Subst, name string, b *cfg.Binding) convert.Subst {
	out := maps.Clone(subst)
	if out == nil {
		out = convert.Subst{}
	}
	merged := vm.newVariable()
	if old, ok := subst[name]; ok {
		merged.PasteVariable(old, node, nil)
	}
	merged.PasteBinding(b, node, nil)
	out[name] = merged
	return out
}

func (vm *VirtualMachine) addEmpty(subst convert.Subst, name string) convert.Subst {
	out := maps.Clone(subst)
	if out == nil {
		out = convert.Subst{}
	}
	out[name] = vm.newVariable()
	return out
}

func (vm *VirtualMachine) classValue(t decl.Type) *abstract.Class {
	v, err := vm.conv.ConstantToValue(t, nil, vm.root)
	if err != nil {
		return nil
	}
	cls, _ := abstract.BaseClass(v)
	return cls
}

func (vm *VirtualMachine) matchClass(v abstract.Value, ct *decl.ClassType) bool {
	cls := vm.classValue(ct)
	if cls == nil {
		return true
	}
	return vm.isInstanceOf(v, cls)
}

func (vm *VirtualMachine) matchGeneric(node *cfg.Node, b *cfg.Binding, x *decl.GenericType, subst convert.Subst) (convert.Subst, bool) {
	v := abstract.Data(b)
	base := vm.classValue(x.Base)
	if base == nil {
		return subst, true
	}
	switch base {
	case vm.conv.TypeClass:
		if !abstract.IsClass(v) {
			return nil, false
		}
		if len(x.Params) == 0 {
			return subst, true
		}
		if tp, ok := x.Params[0].(*decl.TypeParameter); ok {
			for _, ib := range vm.conv.Instantiate(v, node).Bindings() {
				subst = vm.addToSubst(node, subst, tp.Name, ib)
			}
			return subst, true
		}
		if target := vm.classValue(x.Params[0]); target != nil && !abstract.IsSubclass(v, target) && target != vm.conv.ObjectClass {
			return nil, false
		}
		return subst, true
	case vm.conv.CallableClass:
		return subst, vm.isCallable(v)
	}
	if !vm.isInstanceOf(v, base) {
		return nil, false
	}
	target := x.Base.Cls
	if target == nil {
		return subst, true
	}
	views := vm.viewAs(node, v, target)
	for i, name := range target.TemplateNames() {
		if i >= len(x.Params) {
			break
		}
		pv := views[name]
		if pv == nil || len(pv.Bindings()) == 0 {
			if tp, ok := x.Params[i].(*decl.TypeParameter); ok {
				if _, bound := subst[tp.Name]; !bound {
					subst = vm.addEmpty(subst, tp.Name)
				}
			}
			continue
		}
		for _, pb := range pv.Bindings() {
			var ok bool
			if subst, ok = vm.matchBinding(node, pb, x.Params[i], subst); !ok {
				return nil, false
			}
		}
	}
	return subst, true
}

// viewAs returns the type parameters of v seen as an instance of the
// declared class target, e.g. a str seen as Iterable[str].
func (vm *VirtualMachine) viewAs(node *cfg.Node, v abstract.Value, target *decl.Class) map[string]*cfg.Variable {
	inst, ok := v.(*abstract.Instance)
	if !ok {
		if cls, ok := abstract.BaseClass(vm.conv.ClassOf(v)); ok {
			out, _ := vm.viewClass(node, cls, nil, target, 0)
			return out
		}
		return nil
	}
	if inst.Generator != nil && !inst.Generator.Ran {
		vm.RunGenerator(node, inst)
	}
	own := make(map[string]*cfg.Variable)
	for _, name := range inst.TypeParamNames() {
		own[name], _ = inst.TypeParam(name)
	}
	switch c := inst.Cls.(type) {
	case *abstract.Class:
		out, _ := vm.viewClass(node, c, own, target, 0)
		return out
	case *abstract.ParameterizedClass:
		out, _ := vm.viewClass(node, c.Base, own, target, 0)
		return out
	}
	return nil
}

func (vm *VirtualMachine) viewClass(node *cfg.Node, cls *abstract.Class, own map[string]*cfg.Variable, target *decl.Class, depth int) (map[string]*cfg.Variable, bool) {
	if depth > 16 {
		return nil, false
	}
	if cls.Decl == target {
		return own, true
	}
	if cls.Decl != nil {
		return vm.viewDecl(node, cls.Decl, own, target, depth)
	}
	for _, bv := range cls.Bases {
		for _, d := range bv.Data() {
			switch base := d.(type) {
			case *abstract.Class:
				if out, ok := vm.viewClass(node, base, nil, target, depth+1); ok {
					return out, true
				}
			case *abstract.ParameterizedClass:
				params := make(map[string]*cfg.Variable)
				for _, name := range base.ParamNames() {
					params[name] = vm.conv.Instantiate(base.Param(name), node)
				}
				if out, ok := vm.viewClass(node, base.Base, params, target, depth+1); ok {
					return out, true
				}
			}
		}
	}
	return nil, false
}

// viewDecl walks the declared bases of d, carrying the substitution of
// its own type parameters into each generic base.
func (vm *VirtualMachine) viewDecl(node *cfg.Node, d *decl.Class, own map[string]*cfg.Variable, target *decl.Class, depth int) (map[string]*cfg.Variable, bool) {
	if d == target {
		return own, true
	}
	if depth > 16 {
		return nil, false
	}
	for _, bt := range d.Bases {
		switch base := bt.(type) {
		case *decl.ClassType:
			if base.Cls == nil {
				continue
			}
			if out, ok := vm.viewDecl(node, base.Cls, nil, target, depth+1); ok {
				return out, true
			}
		case *decl.GenericType:
			if base.Base.Cls == nil {
				continue
			}
			params := make(map[string]*cfg.Variable)
			for i, name := range base.Base.Cls.TemplateNames() {
				if i >= len(base.Params) {
					break
				}
				pv, err := vm.conv.ConstantToVar(decl.AsInstance{Type: base.Params[i]}, own, node)
				if err != nil {
					pv = vm.unsolvable(node)
				}
				params[name] = pv
			}
			if out, ok := vm.viewDecl(node, base.Base.Cls, params, target, depth+1); ok {
				return out, true
			}
		}
	}
	return nil, false
}

// declaredReturn instantiates the return type of a matched signature. Type
// parameters the match left unbound become unsolvable.
func (vm *VirtualMachine) declaredReturn(node *cfg.Node, sig *decl.Signature, subst convert.Subst) *cfg.Variable {
	subst = maps.Clone(subst)
	if subst == nil {
		subst = convert.Subst{}
	}
	for range 8 {
		ret, err := vm.conv.ConstantToVar(decl.AsInstance{Type: sig.Return}, subst, node)
		var tpe *convert.TypeParameterError
		if errors.As(err, &tpe) {
			subst[tpe.Name] = vm.unsolvable(node)
			continue
		}
		if err != nil {
			vm.log.Debug().Err(err).Str("return", sig.Return.String()).Msg("cannot instantiate return type")
			return vm.unsolvable(node)
		}
		if len(ret.Bindings()) == 0 {
			if _, never := sig.Return.(*decl.NothingType); !never {
				ret.AddBinding(vm.conv.Empty, nil, node)
			}
		}
		return ret
	}
	return vm.unsolvable(node)
}

// applyMutations updates the type parameters of arguments that a call
// changes, e.g. the element type of a list after append.
func (vm *VirtualMachine) applyMutations(node *cfg.Node, fn *abstract.Function, m *signatureMatch) {
	isSetItem := fn.Decl.QualifiedName() == config.BuiltinsModule+"."+config.DictClassName+"."+config.SetItemMethod
	for p, v := range m.params {
		if p.Mutated == nil {
			continue
		}
		b, ok := m.view[v]
		if !ok {
			continue
		}
		inst, ok := abstract.Data(b).(*abstract.Instance)
		if !ok {
			continue
		}
		if isSetItem {
			var key, value *cfg.Variable
			for q, qv := range m.params {
				switch q.Name {
				case "k":
					key = qv
				case "v":
					value = qv
				}
			}
			if key != nil && value != nil {
				vm.conv.SetItem(node, inst, key, value)
			}
			continue
		}
		gt, ok := p.Mutated.(*decl.GenericType)
		if !ok {
			continue
		}
		cls, ok := abstract.BaseClass(inst.Cls)
		if !ok {
			continue
		}
		for i, name := range cls.TemplateNames() {
			if i >= len(gt.Params) {
				break
			}
			if old, ok := inst.TypeParam(name); ok && hasUnsolvable(old) {
				continue
			}
			nv, err := vm.conv.ConstantToVar(decl.AsInstance{Type: gt.Params[i]}, m.subst, node)
			if err != nil {
				nv = vm.unsolvable(node)
			}
			inst.MergeTypeParam(node, name, nv)
		}
		inst.Opaque = true
	}
}

func hasUnsolvable(v *cfg.Variable) bool {
	for _, d := range v.Data() {
		if _, ok := d.(*abstract.Unsolvable); ok {
			return true
		}
	}
	return false
}
