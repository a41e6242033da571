package vm

import (
	"fmt"

	"github.com/funvibe/infera/internal/cfg"
)

// why is the reason a path stopped executing the current block.
type why int

const (
	whyNone why = iota
	whyReturn
	whyException
	whyReraise
	whyYield
	whyRecursion
	whyUnsatisfiable
	whySilenced
)

func (w why) String() string {
	switch w {
	case whyReturn:
		return "return"
	case whyException:
		return "exception"
	case whyReraise:
		return "reraise"
	case whyYield:
		return "yield"
	case whyRecursion:
		return "recursion"
	case whyUnsatisfiable:
		return "unsatisfiable"
	case whySilenced:
		return "silenced"
	}
	return "none"
}

// frameState is the abstract machine state at a program point. States
// are never modified in place; every operation returns a new state.
type frameState struct {
	node       *cfg.Node
	dataStack  []*cfg.Variable
	blockStack []block
	// exception is the exception being handled, if any.
	exception *cfg.Variable
	why       why
}

func newFrameState(node *cfg.Node) *frameState {
	return &frameState{node: node}
}

func (s *frameState) clone() *frameState {
	c := *s
	return &c
}

// underflow aborts the current instruction. runInstruction recovers it
// and returns the error.
func underflow(need, have int) {
	panic(invariant("", "data stack underflow: need %d, have %d", need, have))
}

func (s *frameState) push(vs ...*cfg.Variable) *frameState {
	c := s.clone()
	c.dataStack = make([]*cfg.Variable, 0, len(s.dataStack)+len(vs))
	c.dataStack = append(c.dataStack, s.dataStack...)
	c.dataStack = append(c.dataStack, vs...)
	return c
}

func (s *frameState) pop() (*frameState, *cfg.Variable) {
	n := len(s.dataStack)
	if n == 0 {
		underflow(1, 0)
	}
	c := s.clone()
	c.dataStack = s.dataStack[:n-1:n-1]
	return c, s.dataStack[n-1]
}

func (s *frameState) popAndDiscard() *frameState {
	c, _ := s.pop()
	return c
}

// popN pops n values and returns them bottom first.
func (s *frameState) popN(n int) (*frameState, []*cfg.Variable) {
	have := len(s.dataStack)
	if n > have {
		underflow(n, have)
	}
	c := s.clone()
	c.dataStack = s.dataStack[: have-n : have-n]
	out := make([]*cfg.Variable, n)
	copy(out, s.dataStack[have-n:])
	return c, out
}

func (s *frameState) top() *cfg.Variable {
	return s.peek(1)
}

// peek returns the n-th value from the top, starting at 1.
func (s *frameState) peek(n int) *cfg.Variable {
	have := len(s.dataStack)
	if n > have || n < 1 {
		underflow(n, have)
	}
	return s.dataStack[have-n]
}

// truncate drops everything above level.
func (s *frameState) truncate(level int) *frameState {
	if level >= len(s.dataStack) {
		return s
	}
	c := s.clone()
	c.dataStack = s.dataStack[:level:level]
	return c
}

func (s *frameState) pushBlock(b block) *frameState {
	c := s.clone()
	c.blockStack = make([]block, 0, len(s.blockStack)+1)
	c.blockStack = append(c.blockStack, s.blockStack...)
	c.blockStack = append(c.blockStack, b)
	return c
}

func (s *frameState) popBlock() (*frameState, block) {
	n := len(s.blockStack)
	if n == 0 {
		panic(invariant("", "block stack underflow"))
	}
	c := s.clone()
	c.blockStack = s.blockStack[: n-1 : n-1]
	return c, s.blockStack[n-1]
}

func (s *frameState) setWhy(w why) *frameState {
	c := s.clone()
	c.why = w
	return c
}

func (s *frameState) setException(v *cfg.Variable) *frameState {
	c := s.clone()
	c.exception = v
	return c
}

func (s *frameState) changeNode(n *cfg.Node) *frameState {
	c := s.clone()
	c.node = n
	return c
}

// forwardNode moves the state to a new successor node. condition, if
// set, must hold for the new node to be reachable.
func (s *frameState) forwardNode(name string, condition *cfg.Binding) *frameState {
	return s.changeNode(s.node.ConnectNew(name, condition))
}

func (s *frameState) String() string {
	return fmt.Sprintf("state(node=%s, stack=%d, blocks=%d, why=%s)", s.node, len(s.dataStack), len(s.blockStack), s.why)
}

// mergeInto combines s with other, the state already recorded for the
// same program point. The values of s are pasted into the variables of
// other and s.node flows into other.node, so a predecessor that arrives
// after the target block ran (a loop back-edge, a resumed yield) still
// reaches every node below it. The values visible at the result do not
// depend on which of the two is the receiver.
func (s *frameState) mergeInto(other *frameState) (*frameState, error) {
	if other == nil {
		return s, nil
	}
	if other == s {
		return s, nil
	}
	if len(s.dataStack) != len(other.dataStack) {
		return nil, invariant("", "data stack depth mismatch at merge: %d != %d", len(s.dataStack), len(other.dataStack))
	}
	if len(s.blockStack) != len(other.blockStack) {
		return nil, invariant("", "block stack depth mismatch at merge: %d != %d", len(s.blockStack), len(other.blockStack))
	}
	for i, v := range s.dataStack {
		if o := other.dataStack[i]; o != v {
			o.PasteVariable(v, nil, nil)
		}
	}
	merged := other.clone()
	merged.why = whyNone
	switch {
	case s.exception == nil || s.exception == other.exception:
	case other.exception == nil:
		merged.exception = s.exception
	default:
		other.exception.PasteVariable(s.exception, nil, nil)
	}
	if s.node != other.node {
		s.node.ConnectTo(other.node)
	}
	return merged, nil
}
