package diagnostics

import (
	"fmt"
	"strings"
)

// Sink receives every diagnostic accepted by an ErrorLog.
type Sink interface {
	Report(e *DiagnosticError)
}

// ErrorLog collects diagnostics, reporting each (site, code, message)
// once. Codes can be disabled.
type ErrorLog struct {
	errors   []*DiagnosticError
	seen     map[string]bool
	disabled map[Code]bool
	sinks    []Sink
}

// NewErrorLog creates an empty log.
func NewErrorLog() *ErrorLog {
	return &ErrorLog{
		seen:     make(map[string]bool),
		disabled: make(map[Code]bool),
	}
}

// Disable suppresses the given codes.
func (l *ErrorLog) Disable(codes ...Code) {
	for _, c := range codes {
		l.disabled[c] = true
	}
}

// AddSink registers a sink for accepted diagnostics.
func (l *ErrorLog) AddSink(s Sink) {
	l.sinks = append(l.sinks, s)
}

// Errors returns the accepted diagnostics in report order.
func (l *ErrorLog) Errors() []*DiagnosticError {
	return l.errors
}

// Len returns the number of accepted diagnostics.
func (l *ErrorLog) Len() int {
	return len(l.errors)
}

// Has reports whether a diagnostic with code was accepted.
func (l *ErrorLog) Has(code Code) bool {
	return l.Count(code) > 0
}

// Count returns the number of accepted diagnostics with code.
func (l *ErrorLog) Count(code Code) int {
	n := 0
	for _, e := range l.errors {
		if e.Code == code {
			n++
		}
	}
	return n
}

// Add records e unless its code is disabled or it was already reported.
func (l *ErrorLog) Add(e *DiagnosticError) bool {
	if l.disabled[e.Code] {
		return false
	}
	key := e.key()
	if l.seen[key] {
		return false
	}
	l.seen[key] = true
	l.errors = append(l.errors, e)
	for _, s := range l.sinks {
		s.Report(e)
	}
	return true
}

func (l *ErrorLog) add(loc Location, code Code, details string, format string, args ...any) {
	e := NewError(code, loc, fmt.Sprintf(format, args...))
	e.Details = details
	l.Add(e)
}

func (l *ErrorLog) NameError(loc Location, name string) {
	l.add(loc, ErrNameError, "", "Name %q is not defined", name)
}

func (l *ErrorLog) AttributeError(loc Location, obj, attr string) {
	l.add(loc, ErrAttributeError, "", "No attribute %q on %s", attr, obj)
}

func (l *ErrorLog) NoneAttr(loc Location, attr string) {
	l.add(loc, ErrNoneAttr, "", "Access of attribute %q on a value that can be None", attr)
}

func (l *ErrorLog) UnsupportedOperands(loc Location, op, left, right string) {
	l.add(loc, ErrUnsupportedOperands, "", "unsupported operand type(s) for %s: %s and %s", op, left, right)
}

// InvalidFunctionCall reports a failed call with one of the call error
// codes (wrong-arg-count, wrong-arg-types, wrong-keyword-args,
// not-callable).
func (l *ErrorLog) InvalidFunctionCall(loc Location, code Code, function, details string) {
	l.add(loc, code, details, "Invalid call of %s", function)
}

func (l *ErrorLog) KeyError(loc Location, key string) {
	l.add(loc, ErrKeyError, "", "Key %s possibly not in dictionary", key)
}

func (l *ErrorLog) ImportError(loc Location, module string) {
	l.add(loc, ErrImportError, "", "Can't find module %q", module)
}

func (l *ErrorLog) PyiError(loc Location, module string, err error) {
	l.add(loc, ErrPyiError, err.Error(), "Couldn't load declarations for %q", module)
}

func (l *ErrorLog) MroError(loc Location, name string, seqs [][]string) {
	parts := make([]string, len(seqs))
	for i, s := range seqs {
		parts[i] = "[" + strings.Join(s, ", ") + "]"
	}
	l.add(loc, ErrMroError, "", "Class %s has invalid (cyclic?) inheritance: %s", name, strings.Join(parts, ", "))
}

func (l *ErrorLog) RecursionError(loc Location, name string) {
	l.add(loc, ErrRecursionError, "", "Detected recursion in type of %s", name)
}

func (l *ErrorLog) BaseClassError(loc Location, base string) {
	l.add(loc, ErrBaseClassError, "", "Invalid base class: %s", base)
}

func (l *ErrorLog) InvalidAnnotation(loc Location, annot, details string) {
	l.add(loc, ErrInvalidAnnotation, details, "Invalid type annotation %q", annot)
}

func (l *ErrorLog) InvalidFunctionTypeComment(loc Location, comment, details string) {
	l.add(loc, ErrInvalidFunctionTypeComment, details, "Invalid function type comment: %s", comment)
}

func (l *ErrorLog) RedundantFunctionTypeComment(loc Location) {
	l.add(loc, ErrRedundantFunctionTypeComment, "", "Function type comment is redundant with annotations")
}

func (l *ErrorLog) IgnoredTypeComment(loc Location, comment string) {
	l.add(loc, ErrIgnoredTypeComment, "", "Stray type comment: %s", comment)
}

func (l *ErrorLog) IgnoredAbstractMethod(loc Location, class, method string) {
	l.add(loc, ErrIgnoredAbstractMethod, "", "Stray abstractmethod %s in class %s without abstract metaclass", method, class)
}

func (l *ErrorLog) NotSupportedYet(loc Location, feature string) {
	l.add(loc, ErrNotSupportedYet, "", "%s not supported yet", feature)
}

func (l *ErrorLog) RevealType(loc Location, typ string) {
	l.add(loc, ErrRevealType, "", "%s", typ)
}
