package vm

import (
	"github.com/funvibe/infera/internal/abstract"
	"github.com/funvibe/infera/internal/bytecode"
	"github.com/funvibe/infera/internal/cfg"
	"github.com/funvibe/infera/internal/config"
)

// getIter returns iter(seq). Objects without __iter__ but with
// __getitem__ iterate over the results of seq[int]. With report unset,
// nothing is reported and the result is nil if no binding is iterable.
func (vm *VirtualMachine) getIter(state *frameState, seq *cfg.Variable, report bool) (*frameState, *cfg.Variable, error) {
	out := vm.newVariable()
	found := false
	for _, b := range seq.Filter(state.node) {
		one := b.AssignToNewVariable(state.node)
		var attr *cfg.Variable
		state, attr = vm.loadAttrNoError(state, one, config.IterMethod)
		if attr != nil {
			node, v, _, err := vm.callFunctionVar(state.node, attr, &FunctionArgs{}, false)
			if err != nil {
				return nil, nil, err
			}
			if v != nil && len(v.Bindings()) > 0 {
				state = state.changeNode(node)
				out.PasteVariable(v, state.node, []*cfg.Binding{b})
				found = true
				continue
			}
		}
		state, attr = vm.loadAttrNoError(state, one, config.GetItemMethod)
		if attr != nil {
			index := vm.conv.BuildInt(state.node)
			node, v, _, err := vm.callFunctionVar(state.node, attr, &FunctionArgs{Posargs: []*cfg.Variable{index}}, false)
			if err != nil {
				return nil, nil, err
			}
			if v != nil && len(v.Bindings()) > 0 {
				state = state.changeNode(node)
				it := abstract.NewInstance(vm.conv.IteratorClass, abstract.KindIterator)
				it.SetTypeParam(config.TypeParamT, v)
				out.AddBinding(it, []*cfg.Binding{b}, state.node)
				found = true
				continue
			}
		}
		if report {
			vm.errorlog.AttributeError(vm.Location(), abstract.Data(b).String(), config.IterMethod)
		}
		out.AddBinding(vm.conv.Unsolvable, []*cfg.Binding{b}, state.node)
	}
	if !found && !report {
		return state, nil, nil
	}
	if len(out.Bindings()) == 0 {
		out = vm.unsolvable(state.node)
	}
	return state, out, nil
}

// nextOf returns next(iter). With suppress set, failures are not
// reported and the result may be nil.
func (vm *VirtualMachine) nextOf(state *frameState, iter *cfg.Variable, suppress bool) (*frameState, *cfg.Variable, error) {
	state, attr := vm.loadAttrNoError(state, iter, config.NextMethod)
	if attr == nil {
		if suppress {
			return state, nil, nil
		}
		for _, d := range abstract.Values(iter, state.node) {
			vm.errorlog.AttributeError(vm.Location(), d.String(), config.NextMethod)
		}
		return state, vm.unsolvable(state.node), nil
	}
	node, v, _, err := vm.callFunctionVar(state.node, attr, &FunctionArgs{}, !suppress)
	if err != nil {
		return nil, nil, err
	}
	return state.changeNode(node), v, nil
}

func (vm *VirtualMachine) byteGetIter(state *frameState) (*frameState, error) {
	state, seq := state.pop()
	state, it, err := vm.getIter(state, seq, true)
	if err != nil {
		return nil, err
	}
	return state.push(it), nil
}

func (vm *VirtualMachine) byteForIter(state *frameState, op *bytecode.Instruction) (*frameState, error) {
	iter := state.top()
	if err := vm.storeJump(op.Target, state.popAndDiscard().forwardNode("exhausted", nil)); err != nil {
		return nil, err
	}
	state, v, err := vm.nextOf(state, iter, false)
	if err != nil {
		return nil, err
	}
	return state.push(v), nil
}

// unpackSequence assigns the elements of TOS to before targets, a starred
// list when after >= 0, and after more targets. Literal tuples and lists
// are unpacked position by position, anything else through iteration.
func (vm *VirtualMachine) unpackSequence(state *frameState, before, after int) (*frameState, error) {
	state, seq := state.pop()
	hasStar := after >= 0
	fixed := before
	n := before
	if hasStar {
		fixed += after
		n = fixed + 1
	}
	positions := make([]*cfg.Variable, n)
	for i := range positions {
		positions[i] = vm.newVariable()
	}
	node := state.node
	var rest []*cfg.Binding
	for _, b := range seq.Filter(node) {
		inst, ok := abstract.Data(b).(*abstract.Instance)
		if !ok || !inst.IsLiteral() || len(inst.Content) < fixed || (!hasStar && len(inst.Content) != fixed) {
			rest = append(rest, b)
			continue
		}
		src := []*cfg.Binding{b}
		content := inst.Content
		for i := 0; i < before; i++ {
			positions[i].PasteVariable(content[i], node, src)
		}
		if hasStar {
			tail := len(content) - after
			positions[before].PasteVariable(vm.conv.BuildList(node, content[before:tail]), node, src)
			for j := 0; j < after; j++ {
				positions[before+1+j].PasteVariable(content[tail+j], node, src)
			}
		}
	}
	if len(rest) > 0 {
		iterable := vm.newVariable()
		for _, b := range rest {
			iterable.PasteBinding(b, node, nil)
		}
		var it, elem *cfg.Variable
		var err error
		state, it, err = vm.getIter(state, iterable, true)
		if err != nil {
			return nil, err
		}
		state, elem, err = vm.nextOf(state, it, false)
		if err != nil {
			return nil, err
		}
		for i := range positions {
			if hasStar && i == before {
				positions[i].PasteVariable(vm.conv.BuildListOfType(state.node, elem), state.node, nil)
				continue
			}
			positions[i].PasteVariable(elem, state.node, nil)
		}
	}
	for i := len(positions) - 1; i >= 0; i-- {
		p := positions[i]
		if len(p.Bindings()) == 0 {
			p.AddBinding(vm.conv.Empty, nil, state.node)
		}
		state = state.push(p)
	}
	return state, nil
}

func (vm *VirtualMachine) buildTuple(state *frameState, n int) *frameState {
	state, content := state.popN(n)
	return state.push(vm.conv.BuildTuple(state.node, content))
}

func (vm *VirtualMachine) buildList(state *frameState, n int) *frameState {
	state, content := state.popN(n)
	return state.push(vm.conv.BuildList(state.node, content))
}

func (vm *VirtualMachine) buildSet(state *frameState, n int) *frameState {
	state, content := state.popN(n)
	return state.push(vm.conv.BuildSet(state.node, content))
}

func (vm *VirtualMachine) mapInstance(v *cfg.Variable) *abstract.Instance {
	return v.Bindings()[0].Data.(*abstract.Instance)
}

// buildMap pops n key/value pairs, the first pair deepest.
func (vm *VirtualMachine) buildMap(state *frameState, n int) *frameState {
	state, items := state.popN(2 * n)
	d := vm.conv.BuildMap(state.node)
	inst := vm.mapInstance(d)
	for i := 0; i < n; i++ {
		vm.conv.SetItem(state.node, inst, items[2*i], items[2*i+1])
	}
	return state.push(d)
}

// buildConstKeyMap pops a tuple of keys and then one value per key.
func (vm *VirtualMachine) buildConstKeyMap(state *frameState, n int) *frameState {
	state, keys := state.pop()
	state, values := state.popN(n)
	d := vm.conv.BuildMap(state.node)
	inst := vm.mapInstance(d)
	var content []*cfg.Variable
	if data := keys.FilteredData(state.node); len(data) == 1 {
		if t, ok := data[0].(*abstract.Instance); ok && t.IsLiteral() && len(t.Content) == n {
			content = t.Content
		}
	}
	for i, v := range values {
		key := vm.unsolvable(state.node)
		if content != nil {
			key = content[i]
		}
		vm.conv.SetItem(state.node, inst, key, v)
	}
	return state.push(d)
}

func (vm *VirtualMachine) buildSlice(state *frameState, n int) *frameState {
	state, _ = state.popN(n)
	return state.push(vm.conv.BuildSlice(state.node))
}

func (vm *VirtualMachine) strInstance(node *cfg.Node) *cfg.Variable {
	return vm.conv.Instantiate(vm.conv.StrClass, node)
}

// formatValue pops the value and, with flag 0x04, the format spec above
// it.
func (vm *VirtualMachine) formatValue(state *frameState, flags int) *frameState {
	if flags&0x04 != 0 {
		state = state.popAndDiscard()
	}
	state = state.popAndDiscard()
	return state.push(vm.strInstance(state.node))
}

// collectElements gathers the elements of several iterables. content
// holds the positions if every iterable is a literal; elems always holds
// the merged element type.
func (vm *VirtualMachine) collectElements(state *frameState, iterables []*cfg.Variable) (*frameState, []*cfg.Variable, *cfg.Variable, error) {
	var content []*cfg.Variable
	literal := true
	elems := vm.newVariable()
	for _, v := range iterables {
		data := v.FilteredData(state.node)
		if len(data) == 1 {
			if inst, ok := data[0].(*abstract.Instance); ok && inst.IsLiteral() {
				content = append(content, inst.Content...)
				for _, c := range inst.Content {
					elems.PasteVariable(c, state.node, nil)
				}
				continue
			}
		}
		literal = false
		var it, elem *cfg.Variable
		var err error
		state, it, err = vm.getIter(state, v, true)
		if err != nil {
			return nil, nil, nil, err
		}
		state, elem, err = vm.nextOf(state, it, false)
		if err != nil {
			return nil, nil, nil, err
		}
		elems.PasteVariable(elem, state.node, nil)
	}
	if !literal {
		content = nil
	}
	return state, content, elems, nil
}

func (vm *VirtualMachine) buildTupleUnpack(state *frameState, n int) (*frameState, error) {
	state, iterables := state.popN(n)
	state, content, elems, err := vm.collectElements(state, iterables)
	if err != nil {
		return nil, err
	}
	if content != nil || n == 0 {
		return state.push(vm.conv.BuildTuple(state.node, content)), nil
	}
	inst := abstract.NewInstance(vm.conv.TupleClass, abstract.KindTuple)
	inst.SetTypeParam(config.TypeParamT, elems)
	return state.push(vm.single(inst, state.node)), nil
}

func (vm *VirtualMachine) buildListUnpack(state *frameState, n int) (*frameState, error) {
	state, iterables := state.popN(n)
	state, content, elems, err := vm.collectElements(state, iterables)
	if err != nil {
		return nil, err
	}
	if content != nil || n == 0 {
		return state.push(vm.conv.BuildList(state.node, content)), nil
	}
	return state.push(vm.conv.BuildListOfType(state.node, elems)), nil
}

func (vm *VirtualMachine) buildSetUnpack(state *frameState, n int) (*frameState, error) {
	state, iterables := state.popN(n)
	state, _, elems, err := vm.collectElements(state, iterables)
	if err != nil {
		return nil, err
	}
	return state.push(vm.conv.BuildSet(state.node, []*cfg.Variable{elems})), nil
}

// buildMapUnpack merges n mappings into a new dict.
func (vm *VirtualMachine) buildMapUnpack(state *frameState, n int) *frameState {
	state, maps := state.popN(n)
	d := vm.conv.BuildMap(state.node)
	inst := vm.mapInstance(d)
	for _, m := range maps {
		for _, v := range abstract.Values(m, state.node) {
			src, ok := v.(*abstract.Instance)
			if !ok || src.Kind != abstract.KindDict {
				inst.MergeTypeParam(state.node, config.TypeParamK, vm.unsolvable(state.node))
				inst.MergeTypeParam(state.node, config.TypeParamV, vm.unsolvable(state.node))
				inst.Opaque = true
				continue
			}
			if src.Entries != nil && !src.Opaque {
				for _, k := range sortedKeys(src.Entries) {
					vm.conv.SetItem(state.node, inst, vm.conv.BuildString(state.node, k), src.Entries[k])
				}
				continue
			}
			for _, name := range []string{config.TypeParamK, config.TypeParamV} {
				if p, ok := src.TypeParam(name); ok {
					inst.MergeTypeParam(state.node, name, p)
				}
			}
			inst.Opaque = true
		}
	}
	return state.push(d)
}

// containerAdd implements LIST_APPEND, SET_ADD and MAP_ADD: the popped
// values are added to the container count entries down the stack.
func (vm *VirtualMachine) containerAdd(state *frameState, count int, method string, nargs int) (*frameState, error) {
	state, vals := state.popN(nargs)
	container := state.peek(count)
	args := vals
	if nargs == 2 {
		// MAP_ADD: the key is on top, the value below it.
		args = []*cfg.Variable{vals[1], vals[0]}
	}
	state, _, err := vm.callMethod(state, container, method, args...)
	if err != nil {
		return nil, err
	}
	return state, nil
}
