// Package diagnostics collects the user-facing errors found while
// analysing a program.
package diagnostics

import (
	"fmt"
	"sort"
	"strings"
)

// Code identifies a kind of diagnostic
type Code string

// Recoverable semantic gaps
const (
	ErrNameError           Code = "name-error"
	ErrAttributeError      Code = "attribute-error"
	ErrNoneAttr            Code = "none-attr"
	ErrUnsupportedOperands Code = "unsupported-operands"
	ErrWrongArgCount       Code = "wrong-arg-count"
	ErrWrongArgTypes       Code = "wrong-arg-types"
	ErrWrongKeywordArgs    Code = "wrong-keyword-args"
	ErrNotCallable         Code = "not-callable"
	ErrKeyError            Code = "key-error"
	ErrImportError         Code = "import-error"
)

// Structural inconsistencies
const (
	ErrMroError                     Code = "mro-error"
	ErrRecursionError               Code = "recursion-error"
	ErrBaseClassError               Code = "base-class-error"
	ErrInvalidAnnotation            Code = "invalid-annotation"
	ErrInvalidFunctionTypeComment   Code = "invalid-function-type-comment"
	ErrRedundantFunctionTypeComment Code = "redundant-function-type-comment"
	ErrIgnoredTypeComment           Code = "ignored-type-comment"
	ErrIgnoredAbstractMethod        Code = "ignored-abstractmethod"
	ErrPyiError                     Code = "pyi-error"
	ErrNotSupportedYet              Code = "not-supported-yet"
)

// Informational
const (
	ErrRevealType Code = "reveal-type"
)

// AllCodes lists every diagnostic code
var AllCodes = []Code{
	ErrNameError, ErrAttributeError, ErrNoneAttr, ErrUnsupportedOperands,
	ErrWrongArgCount, ErrWrongArgTypes, ErrWrongKeywordArgs, ErrNotCallable,
	ErrKeyError, ErrImportError,
	ErrMroError, ErrRecursionError, ErrBaseClassError, ErrInvalidAnnotation,
	ErrInvalidFunctionTypeComment, ErrRedundantFunctionTypeComment,
	ErrIgnoredTypeComment, ErrIgnoredAbstractMethod, ErrPyiError, ErrNotSupportedYet,
	ErrRevealType,
}

// IsKnownCode reports whether c is a diagnostic code.
func IsKnownCode(c Code) bool {
	for _, known := range AllCodes {
		if known == c {
			return true
		}
	}
	return false
}

// Location is where a diagnostic was found
type Location struct {
	Filename string
	Line     int
	// Function is the name of the code object being executed.
	Function string
}

func (l Location) String() string {
	file := l.Filename
	if file == "" {
		file = "<unknown>"
	}
	if l.Line > 0 {
		return fmt.Sprintf("%s:%d", file, l.Line)
	}
	return file
}

// DiagnosticError is one reported problem
type DiagnosticError struct {
	Code     Code
	Location Location
	Message  string
	Details  string
}

// NewError creates a diagnostic.
func NewError(code Code, loc Location, msg string) *DiagnosticError {
	return &DiagnosticError{Code: code, Location: loc, Message: msg}
}

func (e *DiagnosticError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Location.String())
	if e.Location.Function != "" {
		sb.WriteString(" in ")
		sb.WriteString(e.Location.Function)
	}
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	sb.WriteString(" [")
	sb.WriteString(string(e.Code))
	sb.WriteString("]")
	if e.Details != "" {
		sb.WriteString("\n  ")
		sb.WriteString(e.Details)
	}
	return sb.String()
}

func (e *DiagnosticError) key() string {
	return fmt.Sprintf("%s:%d:%s:%s", e.Location.Filename, e.Location.Line, e.Code, e.Message)
}

// Sort orders diagnostics by file, line and code.
func Sort(errs []*DiagnosticError) {
	sort.SliceStable(errs, func(i, j int) bool {
		a, b := errs[i], errs[j]
		if a.Location.Filename != b.Location.Filename {
			return a.Location.Filename < b.Location.Filename
		}
		if a.Location.Line != b.Location.Line {
			return a.Location.Line < b.Location.Line
		}
		return a.Code < b.Code
	})
}
