package pipeline

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/funvibe/infera/internal/diagnostics"
)

// ReportProcessor prints the inferred globals and the diagnostics.
// Dunder names are left out.
type ReportProcessor struct{}

func (rp *ReportProcessor) Process(ctx *PipelineContext) *PipelineContext {
	for _, err := range ctx.Errors {
		fmt.Fprintf(ctx.Out, "error: %v\n", err)
	}
	if ctx.Types != nil {
		var rows [][2]string
		for _, name := range slices.Sorted(maps.Keys(ctx.Types)) {
			if strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__") {
				continue
			}
			rows = append(rows, [2]string{name, ctx.Types[name]})
		}
		if err := diagnostics.Table(ctx.Out, rows); err != nil {
			ctx.Errors = append(ctx.Errors, err)
			return ctx
		}
	}
	errs := slices.Clone(ctx.ErrorLog.Errors())
	if len(errs) == 0 {
		return ctx
	}
	diagnostics.Sort(errs)
	fmt.Fprintln(ctx.Out)
	if err := diagnostics.Render(ctx.Out, errs, ctx.Color); err != nil {
		ctx.Errors = append(ctx.Errors, err)
	}
	return ctx
}
