package pipeline

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/funvibe/infera/internal/bytecode"
	"github.com/funvibe/infera/internal/cfg"
	"github.com/funvibe/infera/internal/config"
	"github.com/funvibe/infera/internal/diagnostics"
)

// Processor is one stage of the pipeline.
type Processor interface {
	Process(ctx *PipelineContext) *PipelineContext
}

// PipelineContext carries one program through the stages.
type PipelineContext struct {
	Ctx      context.Context
	FilePath string
	Options  *config.Options
	Logger   zerolog.Logger

	Program *bytecode.Program

	ErrorLog *diagnostics.ErrorLog
	// Node is where the module body finished.
	Node    *cfg.Node
	Globals map[string]*cfg.Variable
	// Types maps each global to its printed type.
	Types map[string]string

	Started  time.Time
	Duration time.Duration
	RunID    string

	// Errors holds failures of the engine itself, as opposed to
	// diagnostics about the analyzed program.
	Errors []error

	Out   io.Writer
	Color bool
}

// NewPipelineContext creates a context for the program at path.
func NewPipelineContext(ctx context.Context, path string, options *config.Options) *PipelineContext {
	if options == nil {
		options = config.DefaultOptions()
	}
	log := diagnostics.NewErrorLog()
	for _, code := range options.Disable {
		log.Disable(diagnostics.Code(code))
	}
	return &PipelineContext{
		Ctx:      ctx,
		FilePath: path,
		Options:  options,
		Logger:   zerolog.Nop(),
		ErrorLog: log,
		Out:      io.Discard,
	}
}

// Failed reports whether the engine could not finish.
func (c *PipelineContext) Failed() bool {
	return len(c.Errors) > 0
}
