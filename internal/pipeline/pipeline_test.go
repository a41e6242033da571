package pipeline

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/funvibe/infera/internal/config"
	"github.com/funvibe/infera/internal/diagnostics"
	"github.com/funvibe/infera/internal/store"
)

const program = `
module: demo
filename: demo.py
code:
  consts: [1, a, ~]
  instructions:
    - line 1
    - LOAD_CONST 0
    - STORE_NAME x
    - line 2
    - LOAD_CONST 1
    - STORE_NAME y
    - line 3
    - LOAD_NAME missing
    - STORE_NAME z
    - LOAD_CONST 2
    - RETURN_VALUE
`

func writeProgram(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "demo.yaml")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runPipeline(t *testing.T, path string, options *config.Options) (*PipelineContext, string) {
	t.Helper()
	var out bytes.Buffer
	ctx := NewPipelineContext(context.Background(), path, options)
	ctx.Out = &out
	p := New(&LoadProcessor{}, &InferProcessor{}, &ArchiveProcessor{}, &ReportProcessor{})
	return p.Run(ctx), out.String()
}

func TestPipelineReportsTypesAndDiagnostics(t *testing.T) {
	ctx, out := runPipeline(t, writeProgram(t, program), nil)
	if ctx.Failed() {
		t.Fatalf("engine errors: %v", ctx.Errors)
	}
	want := map[string]string{"x": "int", "y": "str", "z": "Any"}
	got := map[string]string{}
	for name, typ := range ctx.Types {
		if !strings.HasPrefix(name, "__") {
			got[name] = typ
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("types (-want +got):\n%s", diff)
	}
	for _, line := range []string{"x : int", "y : str", "z : Any", "demo.py:3", "name-error"} {
		if !strings.Contains(out, line) {
			t.Errorf("output lacks %q:\n%s", line, out)
		}
	}
}

func TestPipelineDisabledCodes(t *testing.T) {
	options := config.DefaultOptions()
	options.Disable = []string{string(diagnostics.ErrNameError)}
	ctx, out := runPipeline(t, writeProgram(t, program), options)
	if ctx.ErrorLog.Len() != 0 {
		t.Errorf("got=%v, want no diagnostics", ctx.ErrorLog.Errors())
	}
	if strings.Contains(out, "name-error") {
		t.Errorf("disabled code printed:\n%s", out)
	}
}

func TestPipelineMissingFile(t *testing.T) {
	ctx, out := runPipeline(t, filepath.Join(t.TempDir(), "nope.yaml"), nil)
	if !ctx.Failed() {
		t.Fatalf("missing file should fail the run")
	}
	if ctx.Types != nil {
		t.Errorf("inference ran without a program")
	}
	if !strings.Contains(out, "error:") {
		t.Errorf("output lacks the failure:\n%s", out)
	}
}

func TestPipelineArchivesRun(t *testing.T) {
	options := config.DefaultOptions()
	options.ResultsDB = filepath.Join(t.TempDir(), "results.db")
	ctx, _ := runPipeline(t, writeProgram(t, program), options)
	if ctx.Failed() {
		t.Fatalf("engine errors: %v", ctx.Errors)
	}
	if ctx.RunID == "" {
		t.Fatalf("run was not archived")
	}

	archive, err := store.Open(context.Background(), options.ResultsDB)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer archive.Close()
	globals, err := archive.Globals(context.Background(), ctx.RunID)
	if err != nil {
		t.Fatalf("globals: %v", err)
	}
	if got := globals["x"]; got != "int" {
		t.Errorf("got=%s, want=int", got)
	}
	diags, err := archive.Diagnostics(context.Background(), ctx.RunID)
	if err != nil {
		t.Fatalf("diagnostics: %v", err)
	}
	if len(diags) != 1 || diags[0].Code != diagnostics.ErrNameError {
		t.Errorf("got=%v, want one name-error", diags)
	}
}

func TestLoadLogsListingAtTrace(t *testing.T) {
	previous := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	t.Cleanup(func() { zerolog.SetGlobalLevel(previous) })

	tests := []struct {
		name    string
		level   zerolog.Level
		listing bool
	}{
		{"trace", zerolog.TraceLevel, true},
		{"debug", zerolog.DebugLevel, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			ctx := NewPipelineContext(context.Background(), writeProgram(t, program), nil)
			ctx.Logger = zerolog.New(&logs).Level(tt.level)
			ctx = (&LoadProcessor{}).Process(ctx)
			if ctx.Failed() {
				t.Fatalf("load errors: %v", ctx.Errors)
			}
			got := strings.Contains(logs.String(), "STORE_NAME")
			if got != tt.listing {
				t.Errorf("got=%v, want=%v listing in:\n%s", got, tt.listing, logs.String())
			}
		})
	}
}
