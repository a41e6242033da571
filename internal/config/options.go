package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Options configures an analysis run. Zero values are replaced by
// DefaultOptions in LoadOptions.
type Options struct {
	// MaxDepth bounds the frame stack.
	MaxDepth int `yaml:"max_depth"`

	// PreloadBuiltins runs the builtins node before the program.
	PreloadBuiltins bool `yaml:"preload_builtins"`

	// DeclarationPath lists directories searched for <module>.yaml
	// declaration files, after the embedded ones.
	DeclarationPath []string `yaml:"declaration_path"`

	// GenerateUnknowns creates unknown values instead of unsolvable ones
	// for values the analysis cannot see.
	GenerateUnknowns bool `yaml:"generate_unknowns"`

	// CacheUnknowns reuses one unknown per opcode and action.
	CacheUnknowns bool `yaml:"cache_unknowns"`

	// Disable lists diagnostic codes to suppress.
	Disable []string `yaml:"disable"`

	// LogLevel is a zerolog level name.
	LogLevel string `yaml:"log_level"`

	// Color is "auto", "always" or "never".
	Color string `yaml:"color"`

	// ResultsDB is an optional SQLite file that archives every run.
	ResultsDB string `yaml:"results_db"`
}

// DefaultOptions returns the options used when no config file is given.
func DefaultOptions() *Options {
	return &Options{
		MaxDepth:        DefaultMaxDepth,
		PreloadBuiltins: true,
		CacheUnknowns:   true,
		LogLevel:        "warn",
		Color:           "auto",
	}
}

// LoadOptions reads options from a YAML file. Missing fields keep their
// defaults.
func LoadOptions(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseOptions(data)
}

// ParseOptions parses YAML options on top of the defaults.
func ParseOptions(data []byte) (*Options, error) {
	opts := DefaultOptions()
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// Validate checks option ranges.
func (o *Options) Validate() error {
	if o.MaxDepth < 1 {
		return fmt.Errorf("max_depth must be positive, got %d", o.MaxDepth)
	}
	switch o.Color {
	case "", "auto", "always", "never":
	default:
		return fmt.Errorf("color must be auto, always or never, got %q", o.Color)
	}
	return nil
}
