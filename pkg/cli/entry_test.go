package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const cleanProgram = `
filename: clean.py
code:
  consts: [1, ~]
  instructions:
    - line 1
    - LOAD_CONST 0
    - STORE_NAME x
    - LOAD_CONST 1
    - RETURN_VALUE
`

const badProgram = `
filename: bad.py
code:
  consts: [~]
  instructions:
    - line 1
    - LOAD_NAME nowhere
    - STORE_NAME x
    - LOAD_CONST 0
    - RETURN_VALUE
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunExitStatus(t *testing.T) {
	tests := []struct {
		name     string
		args     func(t *testing.T) []string
		expected int
		output   string
	}{
		{
			name:     "clean program",
			args:     func(t *testing.T) []string { return []string{writeFile(t, "p.yaml", cleanProgram)} },
			expected: ExitOK,
			output:   "x : int",
		},
		{
			name:     "diagnostics",
			args:     func(t *testing.T) []string { return []string{"-color", "never", writeFile(t, "p.yaml", badProgram)} },
			expected: ExitDiagnostics,
			output:   "name-error",
		},
		{
			name:     "missing program",
			args:     func(t *testing.T) []string { return []string{filepath.Join(t.TempDir(), "none.yaml")} },
			expected: ExitFailure,
			output:   "error:",
		},
		{
			name:     "no arguments",
			args:     func(t *testing.T) []string { return nil },
			expected: ExitFailure,
		},
		{
			name:     "bad depth",
			args:     func(t *testing.T) []string { return []string{"-depth", "-3", writeFile(t, "p.yaml", cleanProgram)} },
			expected: ExitFailure,
		},
		{
			name: "config file",
			args: func(t *testing.T) []string {
				cfg := writeFile(t, "infera.yaml", "disable: [name-error]\n")
				return []string{"-config", cfg, writeFile(t, "p.yaml", badProgram)}
			},
			expected: ExitOK,
			output:   "x : Any",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			got := Run(context.Background(), tt.args(t), &stdout, &stderr)
			if got != tt.expected {
				t.Errorf("got=%d, want=%d\nstdout:\n%s\nstderr:\n%s", got, tt.expected, stdout.String(), stderr.String())
			}
			if !strings.Contains(stdout.String(), tt.output) {
				t.Errorf("stdout lacks %q:\n%s", tt.output, stdout.String())
			}
		})
	}
}

func TestFlagsOverrideConfig(t *testing.T) {
	var stderr bytes.Buffer
	f, _, err := parseFlags([]string{"-depth", "4", "-no-builtins", "-I", "a", "-I", "b", "-db", "r.db", "-v", "p.yaml"}, &stderr)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	options, err := f.options()
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if options.MaxDepth != 4 || options.PreloadBuiltins || options.ResultsDB != "r.db" || options.LogLevel != "debug" {
		t.Errorf("got=%+v", options)
	}
	if got := strings.Join(options.DeclarationPath, ","); got != "a,b" {
		t.Errorf("got=%s, want=a,b", got)
	}
}

func TestTraceFlag(t *testing.T) {
	var stderr bytes.Buffer
	f, _, err := parseFlags([]string{"-v", "-trace", "p.yaml"}, &stderr)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	options, err := f.options()
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if options.LogLevel != "trace" {
		t.Errorf("got=%s, want=trace", options.LogLevel)
	}
}
