// Package cli implements the infera command line.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/rs/zerolog"

	"github.com/funvibe/infera/internal/config"
	"github.com/funvibe/infera/internal/diagnostics"
	"github.com/funvibe/infera/internal/pipeline"
)

// Exit statuses.
const (
	ExitOK          = 0
	ExitDiagnostics = 1
	ExitFailure     = 2
)

type pathList []string

func (p *pathList) String() string { return strings.Join(*p, ":") }

func (p *pathList) Set(v string) error {
	*p = append(*p, v)
	return nil
}

type flags struct {
	configPath string
	depth      int
	noBuiltins bool
	includes   pathList
	db         string
	verbose    bool
	trace      bool
	color      string
}

func parseFlags(args []string, stderr io.Writer) (*flags, []string, error) {
	fs := flag.NewFlagSet("infera", flag.ContinueOnError)
	fs.SetOutput(stderr)
	f := &flags{}
	fs.StringVar(&f.configPath, "config", "", "YAML options file")
	fs.IntVar(&f.depth, "depth", 0, "maximum call depth (overrides the config)")
	fs.BoolVar(&f.noBuiltins, "no-builtins", false, "do not preload the builtins")
	fs.Var(&f.includes, "I", "directory with declaration files (repeatable)")
	fs.StringVar(&f.db, "db", "", "SQLite file that archives the run")
	fs.BoolVar(&f.verbose, "v", false, "log debug output")
	fs.BoolVar(&f.trace, "trace", false, "log every opcode and the program listing")
	fs.StringVar(&f.color, "color", "", "auto, always or never")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: infera [flags] program.yaml\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return nil, nil, errors.New("expected exactly one program")
	}
	return f, fs.Args(), nil
}

func (f *flags) options() (*config.Options, error) {
	options := config.DefaultOptions()
	if f.configPath != "" {
		var err error
		if options, err = config.LoadOptions(f.configPath); err != nil {
			return nil, err
		}
	}
	if f.depth != 0 {
		options.MaxDepth = f.depth
	}
	if f.noBuiltins {
		options.PreloadBuiltins = false
	}
	options.DeclarationPath = append(options.DeclarationPath, f.includes...)
	if f.db != "" {
		options.ResultsDB = f.db
	}
	if f.verbose {
		options.LogLevel = zerolog.LevelDebugValue
	}
	if f.trace {
		options.LogLevel = zerolog.LevelTraceValue
	}
	if f.color != "" {
		options.Color = f.color
	}
	return options, options.Validate()
}

// NewLogger builds the console logger for the options.
func NewLogger(w io.Writer, options *config.Options, color bool) zerolog.Logger {
	level, err := zerolog.ParseLevel(options.LogLevel)
	if err != nil || options.LogLevel == "" {
		level = zerolog.WarnLevel
	}
	// Trace events are dropped below the global level, which starts at debug.
	if level < zerolog.GlobalLevel() {
		zerolog.SetGlobalLevel(level)
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: !color}).
		Level(level).
		With().Timestamp().Logger()
}

// Run analyzes the program named in args and returns the exit status.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	f, rest, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitOK
		}
		return ExitFailure
	}
	options, err := f.options()
	if err != nil {
		fmt.Fprintf(stderr, "infera: %v\n", err)
		return ExitFailure
	}

	pc := pipeline.NewPipelineContext(ctx, rest[0], options)
	pc.Out = stdout
	pc.Color = diagnostics.ColorEnabled(options.Color, asFile(stdout))
	pc.Logger = NewLogger(stderr, options, diagnostics.ColorEnabled(options.Color, asFile(stderr)))

	p := pipeline.New(
		&pipeline.LoadProcessor{},
		&pipeline.InferProcessor{},
		&pipeline.ArchiveProcessor{},
		&pipeline.ReportProcessor{},
	)
	final := p.Run(pc)
	switch {
	case final.Failed():
		return ExitFailure
	case final.ErrorLog.Len() > 0:
		return ExitDiagnostics
	}
	return ExitOK
}

func asFile(w io.Writer) *os.File {
	f, _ := w.(*os.File)
	return f
}

// Main is the entry point of cmd/infera.
func Main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
