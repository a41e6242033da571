package cfg

import (
	"strconv"
	"strings"
)

// solver answers "can these bindings be visible together at this node"
// by searching backwards through the graph. Results are memoized until the
// program changes.
type solver struct {
	solved map[string]bool
}

func newSolver() *solver {
	return &solver{solved: make(map[string]bool)}
}

type query struct {
	pos   *Node
	goals []*Binding
}

func newQuery(pos *Node, goals []*Binding) query {
	return query{pos: pos, goals: normalizeSourceSet(goals)}
}

func (q query) key() string {
	var sb strings.Builder
	sb.WriteString(strconv.Itoa(q.pos.ID))
	for _, g := range q.goals {
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(g.ID))
	}
	return sb.String()
}

func (s *solver) solve(start *Node, goals []*Binding) bool {
	all := goals
	if start.Condition != nil {
		all = append(append([]*Binding{}, goals...), start.Condition)
	}
	return s.recallOrFind(newQuery(start, all), make(map[string]bool))
}

func (s *solver) recallOrFind(q query, seen map[string]bool) bool {
	key := q.key()
	if result, ok := s.solved[key]; ok {
		return result
	}
	if seen[key] {
		// Going around a loop proves nothing.
		return false
	}
	seen[key] = true
	result := s.find(q, seen)
	delete(seen, key)
	s.solved[key] = result
	return result
}

func (s *solver) find(q query, seen map[string]bool) bool {
	goals := q.goals[:0:0]
	for _, g := range q.goals {
		// Bindings without origins are unconditionally visible.
		if len(g.origins) > 0 {
			goals = append(goals, g)
		}
	}
	if len(goals) == 0 {
		return true
	}
	if conflicting(goals) {
		return false
	}

	blocked := make(map[*Node]bool)
	for _, g := range goals {
		for _, b := range g.Variable.bindings {
			for _, o := range b.origins {
				blocked[o.Where] = true
			}
		}
	}
	// An assignment at the current node may still see the previous bindings.
	delete(blocked, q.pos)

	for _, g := range goals {
		for _, origin := range g.origins {
			path, ok := findNodeBackwards(q.pos, origin.Where, blocked)
			if !ok {
				continue
			}
			var conditions []*Binding
			for _, n := range path {
				if n != q.pos && n.Condition != nil {
					conditions = append(conditions, n.Condition)
				}
			}
			rest := make([]*Binding, 0, len(goals)+len(conditions))
			for _, other := range goals {
				if other != g {
					rest = append(rest, other)
				}
			}
			rest = append(rest, conditions...)
			for _, ss := range origin.SourceSets {
				next := append(append([]*Binding{}, rest...), ss...)
				for _, alt := range finishAt(origin.Where, next, []*Binding{g}) {
					if s.recallOrFind(newQuery(origin.Where, alt), seen) {
						return true
					}
				}
			}
		}
	}
	return false
}

// finishAt discharges every goal that originates at where by replacing it
// with one of its source sets. Each returned slice is one alternative set
// of remaining goals. Alternatives in which a goal conflicts with an already
// discharged binding are dropped, since both would hold at where.
func finishAt(where *Node, goals, done []*Binding) [][]*Binding {
	goals = normalizeSourceSet(goals)
	if conflicting(append(append([]*Binding{}, goals...), done...)) {
		return nil
	}
	for i, g := range goals {
		if containsBinding(done, g) {
			rest := append(append([]*Binding{}, goals[:i]...), goals[i+1:]...)
			return finishAt(where, rest, done)
		}
		origin := g.originAt(where)
		if origin == nil {
			continue
		}
		rest := append(append([]*Binding{}, goals[:i]...), goals[i+1:]...)
		nextDone := append(append([]*Binding{}, done...), g)
		var out [][]*Binding
		for _, ss := range origin.SourceSets {
			out = append(out, finishAt(where, append(append([]*Binding{}, rest...), ss...), nextDone)...)
		}
		return out
	}
	return [][]*Binding{goals}
}

func containsBinding(set []*Binding, b *Binding) bool {
	for _, x := range set {
		if x == b {
			return true
		}
	}
	return false
}

// conflicting reports whether two goals are different bindings of one
// variable; a variable holds one value at a time.
func conflicting(goals []*Binding) bool {
	byVar := make(map[*Variable]*Binding, len(goals))
	for _, g := range goals {
		if prev, ok := byVar[g.Variable]; ok && prev != g {
			return true
		}
		byVar[g.Variable] = g
	}
	return false
}

// findNodeBackwards searches from start against edge direction for finish,
// never passing through a blocked node. finish itself may be blocked. The
// returned path runs from start to finish.
func findNodeBackwards(start, finish *Node, blocked map[*Node]bool) ([]*Node, bool) {
	if start == finish {
		return []*Node{start}, true
	}
	parent := map[*Node]*Node{start: nil}
	queue := []*Node{start}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, prev := range n.Incoming {
			if _, visited := parent[prev]; visited {
				continue
			}
			parent[prev] = n
			if prev == finish {
				var path []*Node
				for cur := prev; cur != nil; cur = parent[cur] {
					path = append(path, cur)
				}
				// path is finish..start; reverse it.
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return path, true
			}
			if blocked[prev] {
				continue
			}
			queue = append(queue, prev)
		}
	}
	return nil, false
}
