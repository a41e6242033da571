package vm

import (
	"fmt"

	"github.com/funvibe/infera/internal/abstract"
	"github.com/funvibe/infera/internal/cfg"
)

// Builtins implemented by the interpreter itself.
const (
	specialRevealType = "reveal_type"
	specialIsInstance = "isinstance"
	specialIsSubclass = "issubclass"
	specialHasAttr    = "hasattr"
	specialSuper      = "super"
	specialRandom     = "__random__"
	specialBuildClass = "__build_class__"

	anyObjectName = "__any_object__"
	undefinedName = "__undefined__"
)

var specialNames = map[string]bool{
	specialRevealType: true,
	specialIsInstance: true,
	specialIsSubclass: true,
	specialHasAttr:    true,
	specialSuper:      true,
	specialRandom:     true,
	specialBuildClass: true,
}

// loadBuiltin resolves a name of the builtins scope on first use.
func (vm *VirtualMachine) loadBuiltin(name string) (*cfg.Variable, bool) {
	if specialNames[name] {
		return vm.single(vm.special(name), vm.root), true
	}
	switch name {
	case "True":
		return vm.single(vm.conv.True, vm.root), true
	case "False":
		return vm.single(vm.conv.False, vm.root), true
	case "None":
		return vm.single(vm.conv.None, vm.root), true
	case anyObjectName:
		return vm.unsolvable(vm.root), true
	case undefinedName:
		return vm.single(vm.conv.Empty, vm.root), true
	}
	return vm.conv.BuiltinsModule().Member(name)
}

// special returns the value of an interpreter builtin. Values are cached
// so that every lookup sees the same object.
func (vm *VirtualMachine) special(name string) abstract.Value {
	if vm.specials == nil {
		vm.specials = make(map[string]*abstract.SpecialBuiltin)
	}
	s, ok := vm.specials[name]
	if !ok {
		s = &abstract.SpecialBuiltin{BuiltinName: name}
		vm.specials[name] = s
	}
	return s
}

func (vm *VirtualMachine) callSpecial(node *cfg.Node, s *abstract.SpecialBuiltin, args *FunctionArgs) (*cfg.Node, *cfg.Variable, *callFailure, error) {
	argc := func(n int) *callFailure {
		if len(args.Posargs) != n {
			return &callFailure{kind: failArgCount, function: s.BuiltinName, details: fmt.Sprintf("expected %d args, got %d", n, len(args.Posargs))}
		}
		return nil
	}
	switch s.BuiltinName {
	case specialRevealType:
		if f := argc(1); f != nil {
			return node, nil, f, nil
		}
		vm.errorlog.RevealType(vm.Location(), abstract.TypeString(args.Posargs[0], node))
		return node, vm.single(vm.conv.None, node), nil, nil
	case specialIsInstance, specialIsSubclass:
		if f := argc(2); f != nil {
			return node, nil, f, nil
		}
		sub := s.BuiltinName == specialIsSubclass
		return node, vm.compareEach(node, args.Posargs[0], args.Posargs[1], func(obj, cls abstract.Value) (bool, bool) {
			return vm.checkInstance(obj, cls, sub)
		}), nil, nil
	case specialHasAttr:
		if f := argc(2); f != nil {
			return node, nil, f, nil
		}
		return node, vm.compareEach(node, args.Posargs[0], args.Posargs[1], func(obj, name abstract.Value) (bool, bool) {
			k, ok := name.(*abstract.Constant)
			if !ok || abstract.IsAmbiguous(obj) {
				return false, false
			}
			attr, ok := k.Value.(string)
			if !ok {
				return false, false
			}
			_, v := vm.attrs.GetAttribute(node, obj, attr, nil)
			if v != nil {
				return true, true
			}
			if _, isInst := obj.(*abstract.Instance); isInst {
				// Instances may gain attributes later.
				return false, false
			}
			return false, true
		}), nil, nil
	case specialBuildClass:
		return vm.buildClass(node, args)
	}
	// super and __random__ are opaque.
	return node, vm.unsolvable(node), nil, nil
}

// checkInstance decides isinstance(obj, cls) or issubclass(obj, cls). A
// tuple of classes matches if any of them does.
func (vm *VirtualMachine) checkInstance(obj, cls abstract.Value, sub bool) (bool, bool) {
	if abstract.IsAmbiguous(obj) || abstract.IsAmbiguous(cls) {
		return false, false
	}
	if t, ok := cls.(*abstract.Instance); ok && t.Kind == abstract.KindTuple {
		if !t.IsLiteral() {
			return false, false
		}
		for _, c := range t.Content {
			data := c.Data()
			if len(data) != 1 {
				return false, false
			}
			result, decided := vm.checkInstance(obj, data[0].(abstract.Value), sub)
			if !decided || result {
				return result, decided
			}
		}
		return false, true
	}
	target, ok := abstract.BaseClass(cls)
	if !ok {
		return false, false
	}
	objCls := obj
	if !sub {
		objCls = vm.conv.ClassOf(obj)
	} else if !abstract.IsClass(obj) {
		return false, false
	}
	if objCls == nil {
		return false, false
	}
	for _, k := range abstract.MROOf(objCls) {
		if abstract.IsAmbiguous(k) {
			return false, false
		}
	}
	return abstract.IsSubclass(objCls, target), true
}
