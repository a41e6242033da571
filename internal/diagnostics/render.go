package diagnostics

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/mattn/go-runewidth"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

// ColorEnabled decides whether to colour output written to f. mode is
// "always", "never" or "auto".
func ColorEnabled(mode string, f *os.File) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	}
	if f == nil {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func codeColor(c Code) string {
	switch c {
	case ErrRevealType:
		return colorCyan
	case ErrIgnoredTypeComment, ErrIgnoredAbstractMethod, ErrNotSupportedYet, ErrRedundantFunctionTypeComment:
		return colorYellow
	}
	return colorRed
}

// Render writes diagnostics as an aligned table: location, code, message.
func Render(w io.Writer, errs []*DiagnosticError, color bool) error {
	locWidth, codeWidth := 0, 0
	for _, e := range errs {
		if n := runewidth.StringWidth(e.Location.String()); n > locWidth {
			locWidth = n
		}
		if n := runewidth.StringWidth(string(e.Code)); n > codeWidth {
			codeWidth = n
		}
	}
	for _, e := range errs {
		loc := runewidth.FillRight(e.Location.String(), locWidth)
		code := runewidth.FillRight(string(e.Code), codeWidth)
		if color {
			code = codeColor(e.Code) + code + colorReset
		}
		if _, err := fmt.Fprintf(w, "%s  %s  %s\n", loc, code, e.Message); err != nil {
			return err
		}
		if e.Details != "" {
			pad := runewidth.FillRight("", locWidth+codeWidth+4)
			if _, err := fmt.Fprintf(w, "%s%s\n", pad, e.Details); err != nil {
				return err
			}
		}
	}
	return nil
}

// Table renders rows of (name, value) pairs with the first column padded
// to equal display width.
func Table(w io.Writer, rows [][2]string) error {
	width := 0
	for _, r := range rows {
		if n := runewidth.StringWidth(r[0]); n > width {
			width = n
		}
	}
	for _, r := range rows {
		if _, err := fmt.Fprintf(w, "%s : %s\n", runewidth.FillRight(r[0], width), r[1]); err != nil {
			return err
		}
	}
	return nil
}
