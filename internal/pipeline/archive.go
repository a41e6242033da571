package pipeline

import (
	"fmt"

	"github.com/funvibe/infera/internal/store"
)

// ArchiveProcessor records the run in the results database named by the
// options. Runs that failed are recorded too, without globals.
type ArchiveProcessor struct{}

func (ap *ArchiveProcessor) Process(ctx *PipelineContext) *PipelineContext {
	path := ctx.Options.ResultsDB
	if path == "" || ctx.Program == nil {
		return ctx
	}
	archive, err := store.Open(ctx.Ctx, path)
	if err != nil {
		ctx.Errors = append(ctx.Errors, err)
		return ctx
	}
	defer archive.Close()

	rec := store.RunRecord{
		Module:      ctx.Program.Module,
		Filename:    ctx.Program.Filename,
		Started:     ctx.Started,
		Duration:    ctx.Duration,
		Failed:      ctx.Failed(),
		Diagnostics: ctx.ErrorLog.Errors(),
		Globals:     ctx.Types,
	}
	id, err := archive.RecordRun(ctx.Ctx, rec)
	if err != nil {
		ctx.Errors = append(ctx.Errors, fmt.Errorf("archive run: %w", err))
		return ctx
	}
	ctx.RunID = id
	ctx.Logger.Debug().Str("run", id).Str("db", path).Msg("run archived")
	return ctx
}
