package abstract

import "math/big"

// CompatibleWith reports whether v can have the given truth value.
func CompatibleWith(v Value, logical bool) bool {
	switch x := v.(type) {
	case *Constant:
		switch c := x.Value.(type) {
		case nil:
			return !logical
		case bool:
			return c == logical
		case int64:
			return (c != 0) == logical
		case *big.Int:
			return (c.Sign() != 0) == logical
		case string:
			return (c != "") == logical
		}
		return true
	case *Instance:
		if x.Kind == KindTuple && x.Content != nil {
			return (len(x.Content) > 0) == logical
		}
		return true
	case *Class, *ParameterizedClass, *Function, *BoundMethod, *Module, *SpecialBuiltin:
		return logical
	case *Nothing:
		return false
	}
	return true
}
