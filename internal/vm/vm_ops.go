package vm

import (
	"fmt"

	"github.com/funvibe/infera/internal/abstract"
	"github.com/funvibe/infera/internal/bytecode"
	"github.com/funvibe/infera/internal/cfg"
	"github.com/funvibe/infera/internal/config"
)

var binaryMethods = map[bytecode.Opcode]string{
	bytecode.OP_BINARY_ADD:             "__add__",
	bytecode.OP_BINARY_SUBTRACT:        "__sub__",
	bytecode.OP_BINARY_MULTIPLY:        "__mul__",
	bytecode.OP_BINARY_MATRIX_MULTIPLY: "__matmul__",
	bytecode.OP_BINARY_TRUE_DIVIDE:     "__truediv__",
	bytecode.OP_BINARY_FLOOR_DIVIDE:    "__floordiv__",
	bytecode.OP_BINARY_MODULO:          "__mod__",
	bytecode.OP_BINARY_POWER:           "__pow__",
	bytecode.OP_BINARY_LSHIFT:          "__lshift__",
	bytecode.OP_BINARY_RSHIFT:          "__rshift__",
	bytecode.OP_BINARY_AND:             "__and__",
	bytecode.OP_BINARY_XOR:             "__xor__",
	bytecode.OP_BINARY_OR:              "__or__",
}

var inplaceMethods = map[bytecode.Opcode]string{
	bytecode.OP_INPLACE_ADD:             "__iadd__",
	bytecode.OP_INPLACE_SUBTRACT:        "__isub__",
	bytecode.OP_INPLACE_MULTIPLY:        "__imul__",
	bytecode.OP_INPLACE_MATRIX_MULTIPLY: "__imatmul__",
	bytecode.OP_INPLACE_TRUE_DIVIDE:     "__itruediv__",
	bytecode.OP_INPLACE_FLOOR_DIVIDE:    "__ifloordiv__",
	bytecode.OP_INPLACE_MODULO:          "__imod__",
	bytecode.OP_INPLACE_POWER:           "__ipow__",
	bytecode.OP_INPLACE_LSHIFT:          "__ilshift__",
	bytecode.OP_INPLACE_RSHIFT:          "__irshift__",
	bytecode.OP_INPLACE_AND:             "__iand__",
	bytecode.OP_INPLACE_XOR:             "__ixor__",
	bytecode.OP_INPLACE_OR:              "__ior__",
}

// reflectedMethods maps an operator method to the method tried on the
// right operand.
var reflectedMethods = map[string]string{
	"__add__":      "__radd__",
	"__sub__":      "__rsub__",
	"__mul__":      "__rmul__",
	"__matmul__":   "__rmatmul__",
	"__truediv__":  "__rtruediv__",
	"__floordiv__": "__rfloordiv__",
	"__mod__":      "__rmod__",
	"__pow__":      "__rpow__",
	"__lshift__":   "__rlshift__",
	"__rshift__":   "__rrshift__",
	"__and__":      "__rand__",
	"__xor__":      "__rxor__",
	"__or__":       "__ror__",
	"__lt__":       "__gt__",
	"__gt__":       "__lt__",
	"__le__":       "__ge__",
	"__ge__":       "__le__",
	"__eq__":       "__eq__",
	"__ne__":       "__ne__",
}

var operatorSymbols = map[string]string{
	"__add__":      "+",
	"__sub__":      "-",
	"__mul__":      "*",
	"__matmul__":   "@",
	"__truediv__":  "/",
	"__floordiv__": "//",
	"__mod__":      "%",
	"__pow__":      "**",
	"__lshift__":   "<<",
	"__rshift__":   ">>",
	"__and__":      "&",
	"__xor__":      "^",
	"__or__":       "|",
	"__lt__":       "<",
	"__le__":       "<=",
	"__gt__":       ">",
	"__ge__":       ">=",
	"__eq__":       "==",
	"__ne__":       "!=",
	"__getitem__":  "[]",
	"__contains__": "in",
}

func operatorSymbol(name string) string {
	if s, ok := operatorSymbols[name]; ok {
		return s
	}
	return name
}

// overrides reports whether sub is a proper subclass of sup whose own
// part of the MRO defines method. Its reflected method then runs first.
func overrides(sub, sup abstract.Value, method string) bool {
	if sub == nil || sup == nil || abstract.SameClass(sub, sup) || !abstract.IsSubclass(sub, sup) {
		return false
	}
	for _, c := range abstract.MROOf(sub) {
		bc, ok := abstract.BaseClass(c)
		if !ok {
			continue
		}
		if _, has := bc.Member(method); has {
			return !abstract.IsSubclass(sup, c)
		}
	}
	return false
}

type operatorAttempt struct {
	obj    *cfg.Binding
	method string
	arg    *cfg.Binding
}

// binaryPair evaluates one combination of operand bindings.
func (vm *VirtualMachine) binaryPair(node *cfg.Node, name string, xb, yb *cfg.Binding) (*cfg.Node, *cfg.Variable, *callFailure, error) {
	attempts := []operatorAttempt{{obj: xb, method: name, arg: yb}}
	if rname, ok := reflectedMethods[name]; ok {
		reverse := operatorAttempt{obj: yb, method: rname, arg: xb}
		xcls := vm.conv.ClassOf(abstract.Data(xb))
		ycls := vm.conv.ClassOf(abstract.Data(yb))
		if overrides(ycls, xcls, rname) {
			attempts = []operatorAttempt{reverse, attempts[0]}
		} else {
			attempts = append(attempts, reverse)
		}
	}
	var failure *callFailure
	for _, a := range attempts {
		n, attr := vm.attrs.GetAttributeGeneric(node, abstract.Data(a.obj), a.method, a.obj)
		if attr == nil {
			failure = moreSpecific(failure, &callFailure{kind: failNotImplemented, function: a.method})
			continue
		}
		args := &FunctionArgs{Posargs: []*cfg.Variable{a.arg.AssignToNewVariable(n)}}
		n, v, f, err := vm.callFunctionVar(n, attr, args, false)
		if err != nil {
			return nil, nil, nil, err
		}
		if v != nil && len(v.Bindings()) > 0 {
			return n, v, nil, nil
		}
		failure = moreSpecific(failure, f)
	}
	return node, nil, failure, nil
}

// callBinaryOperator applies the operator method name to x and y. With
// report set, a combination no method accepts is reported; the result is
// then unsolvable.
func (vm *VirtualMachine) callBinaryOperator(state *frameState, name string, x, y *cfg.Variable, report bool) (*frameState, *cfg.Variable, error) {
	node := state.node
	result := vm.newVariable()
	var failure *callFailure
	var nodes []*cfg.Node
	for _, xb := range x.Filter(node) {
		for _, yb := range y.Filter(node) {
			if abstract.IsAmbiguous(abstract.Data(xb)) {
				result.AddBinding(vm.conv.Unsolvable, []*cfg.Binding{xb, yb}, node)
				nodes = append(nodes, node)
				continue
			}
			n, v, f, err := vm.binaryPair(node, name, xb, yb)
			if err != nil {
				return nil, nil, err
			}
			if v == nil {
				failure = moreSpecific(failure, f)
				continue
			}
			nodes = append(nodes, n)
			for _, rb := range v.Bindings() {
				result.PasteBinding(rb, n, []*cfg.Binding{xb, yb})
			}
		}
	}
	if j := vm.joinNodes(nodes); j != nil {
		state = state.changeNode(j)
	}
	if len(result.Bindings()) > 0 {
		return state, result, nil
	}
	if report {
		vm.reportOperatorFailure(state.node, name, x, y, failure)
	}
	return state, vm.unsolvable(state.node), nil
}

func (vm *VirtualMachine) reportOperatorFailure(node *cfg.Node, name string, x, y *cfg.Variable, failure *callFailure) {
	onlyNone := len(x.Filter(node)) > 0
	for _, d := range abstract.Values(x, node) {
		if d != vm.conv.None {
			onlyNone = false
		}
	}
	switch {
	case onlyNone:
		vm.errorlog.NoneAttr(vm.Location(), name)
	case failure == nil || failure.kind <= failNotCallable:
		vm.errorlog.UnsupportedOperands(vm.Location(), operatorSymbol(name),
			abstract.TypeString(x, node), abstract.TypeString(y, node))
	default:
		vm.reportCallFailure(failure)
	}
}

func (vm *VirtualMachine) binaryOperator(state *frameState, name string) (*frameState, error) {
	state, operands := state.popN(2)
	state, result, err := vm.callBinaryOperator(state, name, operands[0], operands[1], true)
	if err != nil {
		return nil, err
	}
	return state.push(result), nil
}

// inplaceOperator tries x.__iop__(y) and falls back to the binary
// operator.
func (vm *VirtualMachine) inplaceOperator(state *frameState, name string) (*frameState, error) {
	state, operands := state.popN(2)
	x, y := operands[0], operands[1]
	state, attr := vm.loadAttrNoError(state, x, name)
	if attr != nil {
		node, v, _, err := vm.callFunctionVar(state.node, attr, &FunctionArgs{Posargs: []*cfg.Variable{y}}, false)
		if err != nil {
			return nil, err
		}
		if v != nil && len(v.Bindings()) > 0 {
			return state.changeNode(node).push(v), nil
		}
	}
	binary := "__" + name[3:]
	state, result, err := vm.callBinaryOperator(state, binary, x, y, true)
	if err != nil {
		return nil, err
	}
	return state.push(result), nil
}

func (vm *VirtualMachine) unaryOperator(state *frameState, name string) (*frameState, error) {
	state, x := state.pop()
	state, result, err := vm.callMethod(state, x, name)
	if err != nil {
		return nil, err
	}
	return state.push(result), nil
}

// binarySubscr is obj[key]. Subscripting a class builds a parameterized
// class, e.g. List[int].
func (vm *VirtualMachine) binarySubscr(state *frameState) (*frameState, error) {
	state, operands := state.popN(2)
	obj, key := operands[0], operands[1]
	bindings := obj.Filter(state.node)
	allClasses := len(bindings) > 0
	for _, b := range bindings {
		if !abstract.IsClass(abstract.Data(b)) {
			allClasses = false
			break
		}
	}
	if allClasses {
		out := vm.newVariable()
		for _, b := range bindings {
			out.AddBinding(vm.parameterize(abstract.Data(b), key, state.node), []*cfg.Binding{b}, state.node)
		}
		return state.push(out), nil
	}
	state, result, err := vm.callBinaryOperator(state, config.GetItemMethod, obj, key, true)
	if err != nil {
		return nil, err
	}
	return state.push(result), nil
}

// subscriptParams turns the key of a class subscript into the list of
// parameters: a literal tuple gives its positions, anything else one
// parameter.
func (vm *VirtualMachine) subscriptParams(key *cfg.Variable, node *cfg.Node) []abstract.Value {
	data := key.FilteredData(node)
	if len(data) == 1 {
		if inst, ok := data[0].(*abstract.Instance); ok && inst.Kind == abstract.KindTuple && inst.IsLiteral() {
			out := make([]abstract.Value, len(inst.Content))
			for i, c := range inst.Content {
				out[i] = vm.annotationValue(c, node)
			}
			return out
		}
	}
	return []abstract.Value{vm.annotationValue(key, node)}
}

// annotationValue reads a class-like value out of a variable. None stands
// for NoneType; several alternatives form a union.
func (vm *VirtualMachine) annotationValue(v *cfg.Variable, node *cfg.Node) abstract.Value {
	var options []abstract.Value
	for _, d := range abstract.Values(v, node) {
		if d == vm.conv.None {
			d = vm.conv.NoneClass
		}
		options = append(options, d)
	}
	if u := abstract.NewUnion(options...); u != nil {
		return u
	}
	return vm.conv.Unsolvable
}

func (vm *VirtualMachine) parameterize(base abstract.Value, key *cfg.Variable, node *cfg.Node) abstract.Value {
	cls, ok := abstract.BaseClass(base)
	if !ok {
		return vm.conv.Unsolvable
	}
	params := vm.subscriptParams(key, node)
	fixed := func(v abstract.Value) func() abstract.Value {
		return func() abstract.Value { return v }
	}
	if cls == vm.conv.TupleClass {
		if len(params) == 2 && params[1] == vm.conv.Ellipsis {
			return abstract.NewParameterizedClass(cls, abstract.PCGeneric,
				[]string{config.TypeParamT},
				map[string]func() abstract.Value{config.TypeParamT: fixed(params[0])})
		}
		names := make([]string, 0, len(params)+1)
		thunks := make(map[string]func() abstract.Value, len(params)+1)
		for i, p := range params {
			name := fmt.Sprint(i)
			names = append(names, name)
			thunks[name] = fixed(p)
		}
		elem := abstract.NewUnion(params...)
		if elem == nil {
			elem = vm.conv.Nothing
		}
		names = append(names, config.TypeParamT)
		thunks[config.TypeParamT] = fixed(elem)
		return abstract.NewParameterizedClass(cls, abstract.PCTuple, names, thunks)
	}
	template := cls.TemplateNames()
	if len(template) == 0 {
		template = []string{config.TypeParamT}
	}
	thunks := make(map[string]func() abstract.Value, len(template))
	for i, name := range template {
		p := abstract.Value(vm.conv.Unsolvable)
		if i < len(params) {
			p = params[i]
		}
		thunks[name] = fixed(p)
	}
	return abstract.NewParameterizedClass(cls, abstract.PCGeneric, template, thunks)
}

func (vm *VirtualMachine) storeSubscr(state *frameState) (*frameState, error) {
	state, vs := state.popN(3)
	value, obj, key := vs[0], vs[1], vs[2]
	state, _, err := vm.callMethod(state, obj, config.SetItemMethod, key, value)
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (vm *VirtualMachine) deleteSubscr(state *frameState) (*frameState, error) {
	state, vs := state.popN(2)
	state, _, err := vm.callMethod(state, vs[0], config.DelItemMethod, vs[1])
	if err != nil {
		return nil, err
	}
	return state, nil
}

// singletonIdentity decides "a is b" for two values: true or false when
// both are the same or different singletons, unknown otherwise.
func (vm *VirtualMachine) singletonIdentity(a, b abstract.Value) (same, decided bool) {
	isSingleton := func(v abstract.Value) bool {
		return v == vm.conv.None || v == vm.conv.True || v == vm.conv.False || v == vm.conv.Ellipsis
	}
	if isSingleton(a) && isSingleton(b) {
		return a == b, true
	}
	if isSingleton(a) || isSingleton(b) {
		// A singleton is never identical to an instance of another class.
		ca, cb := vm.conv.ClassOf(a), vm.conv.ClassOf(b)
		if ca != nil && cb != nil && !abstract.SameClass(ca, cb) && !abstract.IsSubclass(cb, ca) && !abstract.IsSubclass(ca, cb) {
			return false, true
		}
	}
	return false, false
}

// compareEach evaluates decide on each pair of visible bindings. Pairs
// decide cannot settle get an unknown bool.
func (vm *VirtualMachine) compareEach(node *cfg.Node, x, y *cfg.Variable, decide func(a, b abstract.Value) (bool, bool)) *cfg.Variable {
	out := vm.newVariable()
	for _, xb := range x.Filter(node) {
		for _, yb := range y.Filter(node) {
			src := []*cfg.Binding{xb, yb}
			if result, ok := decide(abstract.Data(xb), abstract.Data(yb)); ok {
				if result {
					out.AddBinding(vm.conv.True, src, node)
				} else {
					out.AddBinding(vm.conv.False, src, node)
				}
				continue
			}
			out.AddBinding(vm.conv.True, src, node)
			out.AddBinding(vm.conv.False, src, node)
		}
	}
	if len(out.Bindings()) == 0 {
		return vm.conv.BuildBool(node)
	}
	return out
}

func constantsEqual(a, b abstract.Value) (bool, bool) {
	ca, ok := a.(*abstract.Constant)
	if !ok {
		return false, false
	}
	cb, ok := b.(*abstract.Constant)
	if !ok {
		return false, false
	}
	switch ca.Value.(type) {
	case nil, bool, int64, string:
	default:
		return false, false
	}
	switch cb.Value.(type) {
	case nil, bool, int64, string:
	default:
		return false, false
	}
	return ca.Value == cb.Value, true
}

func (vm *VirtualMachine) compareOp(state *frameState, op bytecode.CmpOp) (*frameState, error) {
	state, operands := state.popN(2)
	x, y := operands[0], operands[1]
	switch op {
	case bytecode.CmpIs, bytecode.CmpIsNot:
		negate := op == bytecode.CmpIsNot
		return state.push(vm.compareEach(state.node, x, y, func(a, b abstract.Value) (bool, bool) {
			same, ok := vm.singletonIdentity(a, b)
			return same != negate, ok
		})), nil
	case bytecode.CmpEQ, bytecode.CmpNE:
		negate := op == bytecode.CmpNE
		allConstant := true
		for _, xd := range abstract.Values(x, state.node) {
			for _, yd := range abstract.Values(y, state.node) {
				if _, ok := constantsEqual(xd, yd); !ok {
					allConstant = false
				}
			}
		}
		if allConstant {
			return state.push(vm.compareEach(state.node, x, y, func(a, b abstract.Value) (bool, bool) {
				eq, ok := constantsEqual(a, b)
				return eq != negate, ok
			})), nil
		}
		name := config.EqMethod
		if negate {
			name = config.NeMethod
		}
		state, result, err := vm.callBinaryOperator(state, name, x, y, false)
		if err != nil {
			return nil, err
		}
		return state.push(result), nil
	case bytecode.CmpIn, bytecode.CmpNotIn:
		state, result, err := vm.containsOp(state, y, x)
		if err != nil {
			return nil, err
		}
		if op == bytecode.CmpNotIn {
			state, result = vm.negate(state, result)
		}
		return state.push(result), nil
	case bytecode.CmpExcMatch:
		return state.push(vm.conv.BuildBool(state.node)), nil
	}
	name := map[bytecode.CmpOp]string{
		bytecode.CmpLT: "__lt__",
		bytecode.CmpLE: "__le__",
		bytecode.CmpGT: "__gt__",
		bytecode.CmpGE: "__ge__",
	}[op]
	if name == "" {
		return nil, invariant("", "unknown comparison %d", op)
	}
	state, result, err := vm.callBinaryOperator(state, name, x, y, true)
	if err != nil {
		return nil, err
	}
	return state.push(result), nil
}

// containsOp is "item in container": __contains__ if the container has
// one, else iteration. Failures are not reported.
func (vm *VirtualMachine) containsOp(state *frameState, container, item *cfg.Variable) (*frameState, *cfg.Variable, error) {
	state, attr := vm.loadAttrNoError(state, container, config.ContainsMethod)
	if attr != nil {
		node, v, _, err := vm.callFunctionVar(state.node, attr, &FunctionArgs{Posargs: []*cfg.Variable{item}}, false)
		if err != nil {
			return nil, nil, err
		}
		if v != nil && len(v.Bindings()) > 0 {
			return state.changeNode(node), v, nil
		}
	}
	state, _, err := vm.getIter(state, container, false)
	if err != nil {
		return nil, nil, err
	}
	return state, vm.conv.BuildBool(state.node), nil
}

func (vm *VirtualMachine) negate(state *frameState, v *cfg.Variable) (*frameState, *cfg.Variable) {
	state = vm.unaryNot(state.push(v))
	return state.pop()
}
