package convert

import (
	"errors"
	"fmt"

	"github.com/funvibe/infera/internal/abstract"
	"github.com/funvibe/infera/internal/bytecode"
	"github.com/funvibe/infera/internal/cfg"
	"github.com/funvibe/infera/internal/config"
)

// ErrNotConstant is returned by ValueToConstant for values without an
// exact literal.
var ErrNotConstant = errors.New("value is not a constant")

func (c *Converter) single(v abstract.Value, node *cfg.Node) *cfg.Variable {
	return c.program.NewVariable([]any{v}, nil, node)
}

// mergeContent always returns a fresh variable, so that type parameters
// built from it can grow without touching the positions.
func (c *Converter) mergeContent(node *cfg.Node, content []*cfg.Variable) *cfg.Variable {
	out := c.program.NewVariable(nil, nil, nil)
	for _, v := range content {
		out.PasteVariable(v, node, nil)
	}
	return out
}

// literalContent keeps an empty literal distinct from one whose positions
// are unknown.
func literalContent(content []*cfg.Variable) []*cfg.Variable {
	if content == nil {
		return []*cfg.Variable{}
	}
	return content
}

func (c *Converter) tupleInstance(content []*cfg.Variable, node *cfg.Node) *abstract.Instance {
	inst := abstract.NewInstance(c.TupleClass, abstract.KindTuple)
	inst.Content = literalContent(content)
	inst.SetTypeParam(config.TypeParamT, c.mergeContent(node, content))
	return inst
}

// BuildNone returns a variable holding None.
func (c *Converter) BuildNone(node *cfg.Node) *cfg.Variable { return c.single(c.None, node) }

// BuildBool returns a variable holding a bool of unknown value.
func (c *Converter) BuildBool(node *cfg.Node) *cfg.Variable {
	return c.single(c.primitive(c.BoolClass), node)
}

// BuildBoolConst returns a variable holding True or False.
func (c *Converter) BuildBoolConst(node *cfg.Node, b bool) *cfg.Variable {
	if b {
		return c.single(c.True, node)
	}
	return c.single(c.False, node)
}

// BuildInt returns a variable holding an int of unknown value.
func (c *Converter) BuildInt(node *cfg.Node) *cfg.Variable {
	return c.single(c.primitive(c.IntClass), node)
}

// BuildString returns a variable holding the string literal s.
func (c *Converter) BuildString(node *cfg.Node, s string) *cfg.Variable {
	v, _ := c.ConstantToValue(s, nil, node)
	return c.single(v, node)
}

// BuildContent merges the alternatives of several variables into one.
func (c *Converter) BuildContent(node *cfg.Node, content []*cfg.Variable) *cfg.Variable {
	if len(content) == 1 {
		return content[0]
	}
	return c.mergeContent(node, content)
}

// BuildList returns a literal list.
func (c *Converter) BuildList(node *cfg.Node, content []*cfg.Variable) *cfg.Variable {
	inst := abstract.NewInstance(c.ListClass, abstract.KindList)
	inst.Content = literalContent(content)
	inst.SetTypeParam(config.TypeParamT, c.mergeContent(node, content))
	return c.single(inst, node)
}

// BuildListOfType returns a list whose elements are the values of elem.
func (c *Converter) BuildListOfType(node *cfg.Node, elem *cfg.Variable) *cfg.Variable {
	inst := abstract.NewInstance(c.ListClass, abstract.KindList)
	inst.SetTypeParam(config.TypeParamT, elem)
	return c.single(inst, node)
}

// BuildSet returns a set of the given elements.
func (c *Converter) BuildSet(node *cfg.Node, content []*cfg.Variable) *cfg.Variable {
	inst := abstract.NewInstance(c.SetClass, abstract.KindSet)
	inst.SetTypeParam(config.TypeParamT, c.mergeContent(node, content))
	return c.single(inst, node)
}

// BuildMap returns an empty dict. Items are added with SetItem.
func (c *Converter) BuildMap(node *cfg.Node) *cfg.Variable {
	inst := abstract.NewInstance(c.DictClass, abstract.KindDict)
	inst.Entries = make(map[string]*cfg.Variable)
	inst.SetTypeParam(config.TypeParamK, c.program.NewVariable(nil, nil, nil))
	inst.SetTypeParam(config.TypeParamV, c.program.NewVariable(nil, nil, nil))
	return c.single(inst, node)
}

// SetItem adds key: value to a dict instance at node. String constant keys
// are tracked so that missing keys can be reported later.
func (c *Converter) SetItem(node *cfg.Node, d *abstract.Instance, key, value *cfg.Variable) {
	d.MergeTypeParam(node, config.TypeParamK, key)
	d.MergeTypeParam(node, config.TypeParamV, value)
	if d.Entries == nil || d.Opaque {
		return
	}
	keys := key.Data()
	if len(keys) == 1 {
		if k, ok := keys[0].(*abstract.Constant); ok {
			if s, ok := k.Value.(string); ok {
				d.Entries[s] = value
				return
			}
		}
	}
	d.Opaque = true
}

// BuildTuple returns a literal tuple.
func (c *Converter) BuildTuple(node *cfg.Node, content []*cfg.Variable) *cfg.Variable {
	return c.single(c.tupleInstance(content, node), node)
}

// BuildSlice returns a slice. The bounds are not tracked.
func (c *Converter) BuildSlice(node *cfg.Node) *cfg.Variable {
	return c.single(c.primitive(c.SliceClass), node)
}

// MergeClasses returns the union of the classes of instances. Wildcards
// contribute unsolvable; no instances give the empty sentinel.
func (c *Converter) MergeClasses(instances []abstract.Value) abstract.Value {
	var classes []abstract.Value
	for _, v := range instances {
		if cls := c.ClassOf(v); cls != nil {
			classes = append(classes, cls)
		} else {
			classes = append(classes, c.Unsolvable)
		}
	}
	if u := abstract.NewUnion(classes...); u != nil {
		return u
	}
	return c.Empty
}

// Optionalize returns Optional[v] for a class value.
func (c *Converter) Optionalize(v abstract.Value) abstract.Value {
	return abstract.NewUnion(v, c.NoneClass)
}

// WidenType returns the read-only protocol of a container: tuples become
// Iterable and dicts Mapping, with the same type parameters. Other values
// are returned unchanged.
func (c *Converter) WidenType(v abstract.Value) abstract.Value {
	inst, ok := v.(*abstract.Instance)
	if !ok {
		return v
	}
	var widened *abstract.Instance
	switch inst.Kind {
	case abstract.KindTuple:
		widened = abstract.NewInstance(c.IterableClass, abstract.KindPlain)
	case abstract.KindDict:
		widened = abstract.NewInstance(c.MappingClass, abstract.KindPlain)
	default:
		return v
	}
	for _, name := range inst.TypeParamNames() {
		p, _ := inst.TypeParam(name)
		widened.SetTypeParam(name, p)
	}
	return widened
}

// CreateNewUnsolvable returns a variable holding the unsolvable value.
func (c *Converter) CreateNewUnsolvable(node *cfg.Node) *cfg.Variable {
	return c.single(c.Unsolvable, node)
}

// CreateNewUnknown returns a variable holding a fresh unknown derived from
// source. Unless unknowns are enabled (or force is set) the result is
// unsolvable. With CacheUnknowns, one unknown is kept per opcode and
// action.
func (c *Converter) CreateNewUnknown(node *cfg.Node, source *cfg.Binding, action string, force bool) *cfg.Variable {
	if !c.opts.GenerateUnknowns && !force {
		return c.CreateNewUnsolvable(node)
	}
	var key unknownKey
	cache := false
	if action != "" && c.opts.CacheUnknowns && c.env != nil {
		if op := c.env.CurrentOpcode(); op != nil {
			key = unknownKey{op: op, action: action}
			cache = true
			if v, ok := c.unknowns[key]; ok {
				return v
			}
		}
	}
	c.nextUnknown++
	u := &abstract.Unknown{ID: c.nextUnknown}
	var sources []*cfg.Binding
	if source != nil {
		sources = []*cfg.Binding{source}
	}
	v := c.program.NewVariable(nil, nil, nil)
	u.Owner = v.AddBinding(u, sources, node)
	if cache {
		c.unknowns[key] = v
	}
	if c.OnUnknown != nil {
		c.OnUnknown(fmt.Sprintf("~unknown%d", u.ID), u.Owner)
	}
	return v
}

func (c *Converter) fixed(v abstract.Value) func() abstract.Value {
	return func() abstract.Value { return v }
}

// CreateNewVarargsValue returns the class of *args annotated with
// argType: Tuple[argType, ...].
func (c *Converter) CreateNewVarargsValue(argType abstract.Value) abstract.Value {
	return abstract.NewParameterizedClass(c.TupleClass, abstract.PCGeneric,
		[]string{config.TypeParamT},
		map[string]func() abstract.Value{config.TypeParamT: c.fixed(argType)})
}

// CreateNewKwargsValue returns the class of **kwargs annotated with
// argType: Dict[str, argType].
func (c *Converter) CreateNewKwargsValue(argType abstract.Value) abstract.Value {
	return abstract.NewParameterizedClass(c.DictClass, abstract.PCGeneric,
		[]string{config.TypeParamK, config.TypeParamV},
		map[string]func() abstract.Value{
			config.TypeParamK: c.fixed(c.StrClass),
			config.TypeParamV: c.fixed(argType),
		})
}

// ValueToConstant returns the literal behind v: the value of a Constant,
// or a bytecode.Tuple for a literal tuple whose positions are constants.
func (c *Converter) ValueToConstant(v abstract.Value) (any, error) {
	switch x := v.(type) {
	case *abstract.Constant:
		return x.Value, nil
	case *abstract.Instance:
		if x.Kind != abstract.KindTuple || !x.IsLiteral() {
			break
		}
		out := make(bytecode.Tuple, len(x.Content))
		for i, elem := range x.Content {
			data := elem.Data()
			if len(data) != 1 {
				return nil, fmt.Errorf("%w: position %d of %s is ambiguous", ErrNotConstant, i, x)
			}
			k, err := c.ValueToConstant(data[0].(abstract.Value))
			if err != nil {
				return nil, err
			}
			out[i] = k
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotConstant, v.Name())
}

// BuiltinClass returns a class declared in __builtin__.
func (c *Converter) BuiltinClass(name string) (*abstract.Class, bool) {
	d, ok := c.builtins.Classes[name]
	if !ok {
		return nil, false
	}
	v, err := c.ConstantToValue(d, nil, c.root)
	if err != nil {
		return nil, false
	}
	cls, ok := v.(*abstract.Class)
	return cls, ok
}
