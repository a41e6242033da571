package pipeline

import (
	"github.com/funvibe/infera/internal/bytecode"
)

// LoadProcessor reads and assembles the program file, unless a program
// was set on the context already.
type LoadProcessor struct{}

func (lp *LoadProcessor) Process(ctx *PipelineContext) *PipelineContext {
	if ctx.Program != nil {
		return ctx
	}
	prog, err := bytecode.LoadProgramFile(ctx.FilePath)
	if err != nil {
		ctx.Errors = append(ctx.Errors, err)
		return ctx
	}
	ctx.Logger.Debug().Str("module", prog.Module).Str("file", prog.Filename).Msg("program loaded")
	if e := ctx.Logger.Trace(); e.Enabled() {
		e.Str("listing", bytecode.Disassemble(prog.Code)).Msg("disassembly")
	}
	ctx.Program = prog
	return ctx
}
