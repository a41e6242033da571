package vm

import (
	"errors"
	"fmt"

	"github.com/funvibe/infera/internal/diagnostics"
)

// errRecursion is returned when a frame for a code object that is already
// running would be entered again. The caller treats it as an exceptional
// exit of the path.
var errRecursion = errors.New("recursive frame")

var errNoEntrypoint = errors.New("program has no code")

// InvariantError reports a bug in the interpreter itself, such as
// mismatched stack depths at a merge point. It aborts the analysis.
type InvariantError struct {
	Op  string
	Msg string
}

func (e *InvariantError) Error() string {
	if e.Op == "" {
		return "invariant violated: " + e.Msg
	}
	return fmt.Sprintf("invariant violated at %s: %s", e.Op, e.Msg)
}

func invariant(op string, format string, args ...any) *InvariantError {
	return &InvariantError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// ByteCodeError is an exception raised by the analysed program itself,
// e.g. a failed import. The path that raised it ends.
type ByteCodeError struct {
	Msg string
}

func (e *ByteCodeError) Error() string {
	return e.Msg
}

// failureKind ranks why a call failed. A higher kind is a more specific
// explanation and wins when several candidates fail.
type failureKind int

const (
	failNotImplemented failureKind = iota
	failNotCallable
	failArgCount
	failKeywordArgs
	failArgTypes
	failKeyMissing
)

// callFailure is the outcome of a call that matched no candidate.
type callFailure struct {
	kind     failureKind
	function string
	details  string
	key      string
}

func (f *callFailure) code() diagnostics.Code {
	switch f.kind {
	case failNotCallable:
		return diagnostics.ErrNotCallable
	case failArgCount:
		return diagnostics.ErrWrongArgCount
	case failKeywordArgs:
		return diagnostics.ErrWrongKeywordArgs
	case failKeyMissing:
		return diagnostics.ErrKeyError
	}
	return diagnostics.ErrWrongArgTypes
}

func (f *callFailure) Error() string {
	if f.details == "" {
		return fmt.Sprintf("%s: %s", f.code(), f.function)
	}
	return fmt.Sprintf("%s: %s: %s", f.code(), f.function, f.details)
}

// moreSpecific returns whichever failure explains the problem better. Ties
// keep the first one seen.
func moreSpecific(a, b *callFailure) *callFailure {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.kind > a.kind:
		return b
	}
	return a
}
