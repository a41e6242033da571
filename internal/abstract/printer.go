package abstract

import (
	"strings"

	"github.com/funvibe/infera/internal/cfg"
	"github.com/funvibe/infera/internal/config"
)

const maxPrintDepth = 4

var builtinDisplayNames = map[string]string{
	config.ListClassName:      "List",
	config.DictClassName:      "Dict",
	config.SetClassName:       "Set",
	config.TupleClassName:     "Tuple",
	config.TypeClassName:      "Type",
	config.IteratorClassName:  "Iterator",
	config.GeneratorClassName: "Generator",
	config.NoneTypeName:       "None",
}

// TypeString renders the values of v visible at node as a type, e.g.
// "Union[int, str]". A nil node renders every binding.
func TypeString(v *cfg.Variable, node *cfg.Node) string {
	return variableString(v, node, 0)
}

func classDisplayName(c *Class) string {
	switch c.Module {
	case config.BuiltinsModule:
		if n, ok := builtinDisplayNames[c.ClassName]; ok {
			return n
		}
		return c.ClassName
	case config.TypingModule, config.MainModule, "":
		return c.ClassName
	}
	return c.FullName()
}

func displayName(cls Value, depth int) string {
	switch c := cls.(type) {
	case *Class:
		return classDisplayName(c)
	case *ParameterizedClass:
		return printParameterized(c, depth)
	case nil:
		return "Any"
	}
	return cls.String()
}

func printParameterized(p *ParameterizedClass, depth int) string {
	if depth > maxPrintDepth {
		return classDisplayName(p.Base)
	}
	join := func(vs []Value) string {
		parts := make([]string, len(vs))
		for i, v := range vs {
			parts[i] = instanceString(v, depth+1)
		}
		return strings.Join(parts, ", ")
	}
	switch p.Kind {
	case PCTuple:
		pos := p.Positions()
		if len(pos) == 0 {
			return "Tuple[()]"
		}
		return "Tuple[" + join(pos) + "]"
	case PCCallable:
		return "Callable[[" + join(p.Positions()) + "], " + instanceString(p.Param(config.TypeParamRet), depth+1) + "]"
	}
	var params []Value
	for _, n := range p.ParamNames() {
		params = append(params, p.Param(n))
	}
	if len(params) == 0 {
		return classDisplayName(p.Base)
	}
	if p.Base.ClassName == config.TupleClassName && p.Base.Module == config.BuiltinsModule {
		return "Tuple[" + join(params) + ", ...]"
	}
	if p.Base.ClassName == config.TypingCallable {
		return "Callable[..., " + instanceString(p.Param(config.TypeParamRet), depth+1) + "]"
	}
	return classDisplayName(p.Base) + "[" + join(params) + "]"
}

// instanceString renders the type of instances of a class value, as used
// for annotations.
func instanceString(v Value, depth int) string {
	switch c := v.(type) {
	case *Class:
		return classDisplayName(c)
	case *ParameterizedClass:
		return printParameterized(c, depth)
	case *Union:
		parts := make([]string, len(c.Options))
		for i, o := range c.Options {
			parts[i] = instanceString(o, depth)
		}
		return joinAlternatives(parts)
	case nil:
		return "Any"
	}
	return v.String()
}

func printInstance(i *Instance, depth int) string {
	if depth > maxPrintDepth {
		return displayName(i.Cls, depth)
	}
	if pc, ok := i.Cls.(*ParameterizedClass); ok && pc.Kind == PCCallable {
		ret := "Any"
		if v, ok := i.TypeParam(config.TypeParamRet); ok {
			ret = variableString(v, nil, depth+1)
		}
		return "Callable[..., " + ret + "]"
	}
	if i.Kind == KindTuple && i.Content != nil {
		if len(i.Content) == 0 {
			return "Tuple[()]"
		}
		parts := make([]string, len(i.Content))
		for n, v := range i.Content {
			parts[n] = variableString(v, nil, depth+1)
		}
		return "Tuple[" + strings.Join(parts, ", ") + "]"
	}
	cls, ok := BaseClass(i.Cls)
	if !ok {
		return displayName(i.Cls, depth)
	}
	name := classDisplayName(cls)
	template := cls.TemplateNames()
	if len(template) == 0 {
		return name
	}
	parts := make([]string, len(template))
	for n, tp := range template {
		if v, ok := i.TypeParam(tp); ok {
			parts[n] = variableString(v, nil, depth+1)
		} else {
			parts[n] = "Any"
		}
	}
	if i.Kind == KindTuple {
		return name + "[" + parts[0] + ", ...]"
	}
	return name + "[" + strings.Join(parts, ", ") + "]"
}

func valueString(v Value, depth int) string {
	switch x := v.(type) {
	case *Instance:
		return printInstance(x, depth)
	case *TypeParameterInstance:
		if depth > maxPrintDepth {
			return x.Param.ParamName
		}
		if pv, ok := x.Instance.TypeParam(x.Param.ParamName); ok {
			return variableString(pv, nil, depth+1)
		}
		return x.Param.ParamName
	}
	return v.String()
}

func variableString(v *cfg.Variable, node *cfg.Node, depth int) string {
	var parts []string
	seen := make(map[string]bool)
	for _, b := range v.Filter(node) {
		s := valueString(Data(b), depth)
		if s == "nothing" || seen[s] {
			continue
		}
		seen[s] = true
		parts = append(parts, s)
	}
	return joinAlternatives(parts)
}

func joinAlternatives(parts []string) string {
	for _, p := range parts {
		if p == "Any" {
			return "Any"
		}
	}
	switch len(parts) {
	case 0:
		return "nothing"
	case 1:
		return parts[0]
	}
	return "Union[" + strings.Join(parts, ", ") + "]"
}
