package cli

import (
	"bytes"
	"context"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/funvibe/infera/internal/config"
)

var update = flag.Bool("update", false, "rewrite the .want files")

// TestFunctional runs every testdata program that has a .want file and
// compares the report with it.
func TestFunctional(t *testing.T) {
	programs, err := filepath.Glob(filepath.Join("testdata", "*"+config.ProgramFileExt))
	if err != nil {
		t.Fatal(err)
	}
	for _, program := range programs {
		wantFile := strings.TrimSuffix(program, config.ProgramFileExt) + ".want"
		if _, err := os.Stat(wantFile); err != nil {
			continue
		}
		t.Run(filepath.Base(program), func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := Run(context.Background(), []string{"-color", "never", program}, &stdout, &stderr)
			if code == ExitFailure {
				t.Fatalf("engine failure:\n%s%s", stdout.String(), stderr.String())
			}
			if *update {
				if err := os.WriteFile(wantFile, stdout.Bytes(), 0o644); err != nil {
					t.Fatal(err)
				}
				return
			}
			want, err := os.ReadFile(wantFile)
			if err != nil {
				t.Fatal(err)
			}
			if got := stdout.String(); got != string(want) {
				t.Errorf("output mismatch\ngot:\n%s\nwant:\n%s", got, want)
			}
		})
	}
}
