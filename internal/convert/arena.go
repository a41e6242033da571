package convert

import (
	"reflect"

	"github.com/funvibe/infera/internal/abstract"
)

type keyKind int

const (
	keyConstant keyKind = iota
	keyInstance
)

// cacheKey identifies a converted value: what was converted, and the Go
// type of it so that equal literals of different types stay apart.
type cacheKey struct {
	kind keyKind
	val  any
	typ  reflect.Type
}

func makeKey(kind keyKind, val any) (cacheKey, bool) {
	t := reflect.TypeOf(val)
	if t != nil && !t.Comparable() {
		return cacheKey{}, false
	}
	return cacheKey{kind: kind, val: val, typ: t}, true
}

// Handle addresses a value in the arena.
type Handle int

type slotState int

const (
	slotMissing slotState = iota
	slotInProgress
	slotDone
)

// usage records what a conversion depended on besides its key.
type usage struct {
	node  bool
	subst bool
}

// arena interns converted values. A slot holding nil is in progress; its
// key is also on the stack so that a cycle can be traced back.
type arena struct {
	values   []abstract.Value
	index    map[cacheKey]Handle
	stack    []cacheKey
	usage    []usage
	poisoned map[cacheKey]bool
}

func newArena() *arena {
	return &arena{
		index:    make(map[cacheKey]Handle),
		poisoned: make(map[cacheKey]bool),
	}
}

func (a *arena) lookup(k cacheKey) (abstract.Value, slotState) {
	h, ok := a.index[k]
	if !ok {
		return nil, slotMissing
	}
	if v := a.values[h]; v != nil {
		return v, slotDone
	}
	return nil, slotInProgress
}

// intern stores a finished value under k.
func (a *arena) intern(k cacheKey, v abstract.Value) Handle {
	h := Handle(len(a.values))
	a.values = append(a.values, v)
	a.index[k] = h
	return h
}

func (a *arena) begin(k cacheKey) {
	a.intern(k, nil)
	a.stack = append(a.stack, k)
	a.usage = append(a.usage, usage{})
}

// markNode and markSubst flag the innermost conversion in progress.
func (a *arena) markNode() {
	if n := len(a.usage); n > 0 {
		a.usage[n-1].node = true
	}
}

func (a *arena) markSubst() {
	if n := len(a.usage); n > 0 {
		a.usage[n-1].subst = true
	}
}

// poison marks every conversion from k to the innermost one as part of a
// cycle.
func (a *arena) poison(k cacheKey) {
	for i := len(a.stack) - 1; i >= 0; i-- {
		a.poisoned[a.stack[i]] = true
		if a.stack[i] == k {
			return
		}
	}
}

// finish pops k. A poisoned conversion yields (and caches) fallback
// instead of v. Values that depended on a non-root node or on a
// substitution are not cached. What the conversion used is passed on to
// the enclosing one.
func (a *arena) finish(k cacheKey, v abstract.Value, rootNode bool, fallback abstract.Value) abstract.Value {
	n := len(a.stack) - 1
	u := a.usage[n]
	a.stack = a.stack[:n]
	a.usage = a.usage[:n]
	if n > 0 {
		a.usage[n-1].node = a.usage[n-1].node || u.node
		a.usage[n-1].subst = a.usage[n-1].subst || u.subst
	}
	h := a.index[k]
	if a.poisoned[k] {
		delete(a.poisoned, k)
		a.values[h] = fallback
		return fallback
	}
	if u.subst || (u.node && !rootNode) {
		delete(a.index, k)
		return v
	}
	a.values[h] = v
	return v
}

// abort pops k after a failed conversion.
func (a *arena) abort(k cacheKey) {
	n := len(a.stack) - 1
	a.stack = a.stack[:n]
	a.usage = a.usage[:n]
	delete(a.index, k)
	delete(a.poisoned, k)
}

func (a *arena) size() int { return len(a.values) }
