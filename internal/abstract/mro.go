package abstract

import (
	"fmt"
	"sort"
	"strings"
)

// MROError is returned when no consistent linearization exists.
type MROError struct {
	Seqs [][]Value
}

func (e *MROError) Error() string {
	parts := make([]string, len(e.Seqs))
	for i, s := range e.Names() {
		parts[i] = "[" + strings.Join(s, ", ") + "]"
	}
	return fmt.Sprintf("inconsistent MRO: %s", strings.Join(parts, ", "))
}

// Names returns the remaining sequences as class names.
func (e *MROError) Names() [][]string {
	out := make([][]string, len(e.Seqs))
	for i, s := range e.Seqs {
		for _, v := range s {
			out[i] = append(out[i], v.Name())
		}
	}
	return out
}

// ComputeMRO linearizes cls over bases using C3. A base that is a
// wildcard contributes itself only.
func ComputeMRO(cls Value, bases []Value) ([]Value, error) {
	seqs := make([][]Value, 0, len(bases)+1)
	for _, b := range bases {
		seqs = append(seqs, append([]Value(nil), MROOf(b)...))
	}
	seqs = append(seqs, append([]Value(nil), bases...))
	merged, err := mergeSequences(seqs)
	if err != nil {
		return nil, err
	}
	return append([]Value{cls}, merged...), nil
}

func mergeSequences(seqs [][]Value) ([]Value, error) {
	var out []Value
	for {
		live := seqs[:0]
		for _, s := range seqs {
			if len(s) > 0 {
				live = append(live, s)
			}
		}
		seqs = live
		if len(seqs) == 0 {
			return out, nil
		}
		var head Value
		for _, s := range seqs {
			if !inAnyTail(s[0], seqs) {
				head = s[0]
				break
			}
		}
		if head == nil {
			return nil, &MROError{Seqs: seqs}
		}
		out = append(out, head)
		for i, s := range seqs {
			if s[0] == head {
				seqs[i] = s[1:]
			}
		}
	}
}

func inAnyTail(v Value, seqs [][]Value) bool {
	for _, s := range seqs {
		for _, t := range s[1:] {
			if t == v {
				return true
			}
		}
	}
	return false
}

// ComputeAbstractMethods returns the methods of a class that are abstract
// along its MRO: defined abstract by some class and not overridden by a
// class that comes earlier.
func ComputeAbstractMethods(mro []Value) []string {
	abstract := make(map[string]bool)
	for i := len(mro) - 1; i >= 0; i-- {
		c, ok := BaseClass(mro[i])
		if !ok {
			continue
		}
		for name, isAbstract := range c.ownMethods() {
			if isAbstract {
				abstract[name] = true
			} else {
				delete(abstract, name)
			}
		}
	}
	out := make([]string, 0, len(abstract))
	for name := range abstract {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ownMethods maps each own member name to whether it is abstract.
func (c *Class) ownMethods() map[string]bool {
	out := make(map[string]bool)
	if c.Decl != nil {
		for name, f := range c.Decl.Methods {
			out[name] = f.IsAbstract
		}
		for name := range c.Decl.Constants {
			out[name] = false
		}
		return out
	}
	for name, v := range c.Members {
		out[name] = false
		for _, d := range v.Data() {
			if f, ok := d.(*Function); ok && f.IsAbstract {
				out[name] = true
			}
		}
	}
	return out
}
