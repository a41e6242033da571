// Package cfg implements the control-flow graph store used by the abstract
// interpreter: program points (nodes), variables and the bindings they hold.
//
// A Variable is an append-only set of Bindings. Each Binding records a value
// together with the origins (node plus source sets of other bindings) that
// justify it. Visibility of a binding at a node is answered by the solver.
package cfg

import (
	"fmt"
	"sort"
)

// Program owns every node, variable and binding of one analysis.
type Program struct {
	nodes          []*Node
	nextVariableID int
	nextBindingID  int

	// Entrypoint is the first node of the program, usually "root".
	Entrypoint *Node

	solver *solver
}

// NewProgram creates an empty program.
func NewProgram() *Program {
	return &Program{}
}

// Nodes returns all nodes in creation order.
func (p *Program) Nodes() []*Node {
	return p.nodes
}

// NewCFGNode creates an unconnected node. The first node created becomes the
// entrypoint.
func (p *Program) NewCFGNode(name string, condition *Binding) *Node {
	n := &Node{
		ID:        len(p.nodes),
		Name:      name,
		Condition: condition,
		program:   p,
	}
	p.nodes = append(p.nodes, n)
	if p.Entrypoint == nil {
		p.Entrypoint = n
	}
	p.invalidate()
	return n
}

// NewVariable creates a variable holding one binding per data item, all with
// the same source set at where. With no data the variable is empty.
func (p *Program) NewVariable(data []any, sourceSet []*Binding, where *Node) *Variable {
	v := &Variable{
		ID:      p.nextVariableID,
		program: p,
		index:   make(map[any]*Binding),
	}
	p.nextVariableID++
	for _, d := range data {
		v.AddBinding(d, sourceSet, where)
	}
	return v
}

// MergeVariables returns a variable with the bindings of all inputs pasted
// at node. The result is independent of input order.
func (p *Program) MergeVariables(node *Node, variables []*Variable) *Variable {
	if len(variables) == 0 {
		return p.NewVariable(nil, nil, nil)
	}
	same := true
	for _, v := range variables[1:] {
		if v != variables[0] {
			same = false
			break
		}
	}
	if same {
		return variables[0]
	}
	merged := p.NewVariable(nil, nil, nil)
	for _, v := range variables {
		merged.PasteVariable(v, node, nil)
	}
	return merged
}

// MergeBindings creates a variable from the given bindings, pasted at node.
func (p *Program) MergeBindings(node *Node, bindings []*Binding) *Variable {
	v := p.NewVariable(nil, nil, nil)
	for _, b := range bindings {
		v.PasteBinding(b, node, nil)
	}
	return v
}

// invalidate drops solver memoization. The graph changed, so previously
// computed visibility answers may no longer hold.
func (p *Program) invalidate() {
	p.solver = nil
}

func (p *Program) getSolver() *solver {
	if p.solver == nil {
		p.solver = newSolver()
	}
	return p.solver
}

// Node is a program point in the control-flow graph.
type Node struct {
	ID   int
	Name string

	// Condition, if set, is a binding that must be visible for any path
	// through this node to be feasible.
	Condition *Binding

	Incoming []*Node
	Outgoing []*Node

	program  *Program
	bindings []*Binding // bindings with an origin at this node
}

// Program returns the program the node belongs to.
func (n *Node) Program() *Program {
	return n.program
}

// ConnectNew creates a successor node.
func (n *Node) ConnectNew(name string, condition *Binding) *Node {
	m := n.program.NewCFGNode(name, condition)
	n.ConnectTo(m)
	return m
}

// ConnectTo adds an edge n -> other. Duplicate edges are ignored.
func (n *Node) ConnectTo(other *Node) {
	for _, o := range n.Outgoing {
		if o == other {
			return
		}
	}
	n.Outgoing = append(n.Outgoing, other)
	other.Incoming = append(other.Incoming, n)
	n.program.invalidate()
}

// Bindings returns the bindings that have an origin at this node.
func (n *Node) Bindings() []*Binding {
	return n.bindings
}

// HasCombination reports whether all of the given bindings can be visible
// together at this node.
func (n *Node) HasCombination(bindings []*Binding) bool {
	return n.program.getSolver().solve(n, bindings)
}

func (n *Node) String() string {
	return fmt.Sprintf("<%d>%s", n.ID, n.Name)
}

// Variable is an append-only set of bindings.
type Variable struct {
	ID int

	program  *Program
	bindings []*Binding
	index    map[any]*Binding
}

// Program returns the program the variable belongs to.
func (v *Variable) Program() *Program {
	return v.program
}

// Bindings returns all bindings regardless of visibility.
func (v *Variable) Bindings() []*Binding {
	return v.bindings
}

// Data returns the data of all bindings.
func (v *Variable) Data() []any {
	out := make([]any, len(v.bindings))
	for i, b := range v.bindings {
		out[i] = b.Data
	}
	return out
}

// Filter returns the bindings visible at viewpoint.
func (v *Variable) Filter(viewpoint *Node) []*Binding {
	if viewpoint == nil {
		return v.bindings
	}
	var out []*Binding
	for _, b := range v.bindings {
		if b.IsVisible(viewpoint) {
			out = append(out, b)
		}
	}
	return out
}

// FilteredData returns the data of the bindings visible at viewpoint.
func (v *Variable) FilteredData(viewpoint *Node) []any {
	bindings := v.Filter(viewpoint)
	out := make([]any, len(bindings))
	for i, b := range bindings {
		out[i] = b.Data
	}
	return out
}

// AddBinding adds data to the variable, or another origin to the existing
// binding carrying the same data.
func (v *Variable) AddBinding(data any, sourceSet []*Binding, where *Node) *Binding {
	b, ok := v.index[data]
	if !ok {
		b = &Binding{
			ID:       v.program.nextBindingID,
			Variable: v,
			Data:     data,
		}
		v.program.nextBindingID++
		v.index[data] = b
		v.bindings = append(v.bindings, b)
	}
	if where != nil {
		b.AddOrigin(where, sourceSet)
	}
	return b
}

// PasteVariable copies every binding of other into v.
func (v *Variable) PasteVariable(other *Variable, where *Node, additional []*Binding) {
	for _, b := range other.bindings {
		v.PasteBinding(b, where, additional)
	}
}

// PasteBinding copies b into v. If where is nil, or all of b's origins are
// at where, the origins are copied as they are; otherwise the new binding
// is justified by b itself at where.
func (v *Variable) PasteBinding(b *Binding, where *Node, additional []*Binding) *Binding {
	nb := v.AddBinding(b.Data, nil, nil)
	if where == nil || (len(additional) == 0 && b.onlyAt(where)) {
		for _, o := range b.origins {
			for _, ss := range o.SourceSets {
				nb.AddOrigin(o.Where, ss)
			}
		}
		return nb
	}
	ss := make([]*Binding, 0, len(additional)+1)
	ss = append(ss, b)
	ss = append(ss, additional...)
	nb.AddOrigin(where, ss)
	return nb
}

// AssignToNewVariable copies all bindings into a fresh variable.
func (v *Variable) AssignToNewVariable(where *Node) *Variable {
	nv := v.program.NewVariable(nil, nil, nil)
	for _, b := range v.bindings {
		nv.AddBinding(b.Data, []*Binding{b}, where)
	}
	return nv
}

func (v *Variable) String() string {
	return fmt.Sprintf("v%d", v.ID)
}

// Origin is one justification for a binding.
type Origin struct {
	Where      *Node
	SourceSets [][]*Binding
}

// Binding is a (value, origins) pair within a Variable.
type Binding struct {
	ID       int
	Variable *Variable
	Data     any

	origins []*Origin
}

// Origins returns the binding's origins.
func (b *Binding) Origins() []*Origin {
	return b.origins
}

// AddOrigin records that b is justified at where by sourceSet. Identical
// source sets are stored once.
func (b *Binding) AddOrigin(where *Node, sourceSet []*Binding) *Origin {
	var origin *Origin
	for _, o := range b.origins {
		if o.Where == where {
			origin = o
			break
		}
	}
	if origin == nil {
		origin = &Origin{Where: where}
		b.origins = append(b.origins, origin)
		where.bindings = append(where.bindings, b)
	}
	set := normalizeSourceSet(sourceSet)
	for _, existing := range origin.SourceSets {
		if sameSourceSet(existing, set) {
			return origin
		}
	}
	origin.SourceSets = append(origin.SourceSets, set)
	b.Variable.program.invalidate()
	return origin
}

// IsVisible reports whether b can be seen at viewpoint.
func (b *Binding) IsVisible(viewpoint *Node) bool {
	return viewpoint.HasCombination([]*Binding{b})
}

// AssignToNewVariable wraps b in a new single-binding variable.
func (b *Binding) AssignToNewVariable(where *Node) *Variable {
	v := b.Variable.program.NewVariable(nil, nil, nil)
	v.AddBinding(b.Data, []*Binding{b}, where)
	return v
}

func (b *Binding) originAt(where *Node) *Origin {
	for _, o := range b.origins {
		if o.Where == where {
			return o
		}
	}
	return nil
}

func (b *Binding) onlyAt(where *Node) bool {
	if len(b.origins) == 0 {
		return false
	}
	for _, o := range b.origins {
		if o.Where != where {
			return false
		}
	}
	return true
}

func (b *Binding) String() string {
	return fmt.Sprintf("%s#%d(%v)", b.Variable, b.ID, b.Data)
}

func normalizeSourceSet(set []*Binding) []*Binding {
	seen := make(map[*Binding]bool, len(set))
	out := make([]*Binding, 0, len(set))
	for _, b := range set {
		if b == nil || seen[b] {
			continue
		}
		seen[b] = true
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sameSourceSet(a, b []*Binding) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
