package pipeline

import (
	"fmt"
	"time"

	"github.com/funvibe/infera/internal/abstract"
	"github.com/funvibe/infera/internal/vm"
)

// InferProcessor runs the abstract interpreter over the program.
type InferProcessor struct {
	// Hooks, if set, are installed on the virtual machine.
	Hooks *vm.Hooks
}

func (ip *InferProcessor) Process(ctx *PipelineContext) *PipelineContext {
	if ctx.Program == nil || ctx.Failed() {
		return ctx
	}
	machine := vm.New(ctx.ErrorLog, ctx.Options, nil)
	machine.SetLogger(ctx.Logger)
	if ip.Hooks != nil {
		machine.Hooks = *ip.Hooks
	}

	ctx.Started = time.Now()
	node, globals, err := machine.RunProgram(ctx.Ctx, ctx.Program)
	ctx.Duration = time.Since(ctx.Started)
	if err != nil {
		ctx.Errors = append(ctx.Errors, fmt.Errorf("analyze %s: %w", ctx.Program.Filename, err))
		return ctx
	}
	ctx.Node = node
	ctx.Globals = globals
	ctx.Types = make(map[string]string, len(globals))
	for name, v := range globals {
		if len(v.Filter(node)) == 0 {
			continue
		}
		ctx.Types[name] = abstract.TypeString(v, node)
	}
	ctx.Logger.Info().
		Int("globals", len(ctx.Types)).
		Int("diagnostics", ctx.ErrorLog.Len()).
		Dur("took", ctx.Duration).
		Msg("analysis finished")
	return ctx
}
