package decl

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// moduleFile is the on-disk shape of a declaration file.
type moduleFile struct {
	TypeParams []typeParamFile        `yaml:"type_params"`
	Constants  map[string]string      `yaml:"constants"`
	Aliases    map[string]string      `yaml:"aliases"`
	Classes    []classFile            `yaml:"classes"`
	Functions  map[string][]funcEntry `yaml:"functions"`
}

type typeParamFile struct {
	Name        string   `yaml:"name"`
	Bound       string   `yaml:"bound"`
	Constraints []string `yaml:"constraints"`
}

type classFile struct {
	Name       string                 `yaml:"name"`
	Bases      []string               `yaml:"bases"`
	Metaclass  string                 `yaml:"metaclass"`
	Template   []string               `yaml:"template"`
	Attributes map[string]string      `yaml:"attributes"`
	Methods    map[string][]funcEntry `yaml:"methods"`
}

// funcEntry is one overload: either a bare signature string or a mapping
// with extra flags.
type funcEntry struct {
	Sig      string            `yaml:"sig"`
	Abstract bool              `yaml:"abstract"`
	Kind     string            `yaml:"kind"`
	Mutates  map[string]string `yaml:"mutates"`
}

func (e *funcEntry) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		e.Sig = n.Value
		return nil
	}
	type plain funcEntry
	var p plain
	if err := n.Decode(&p); err != nil {
		return err
	}
	*e = funcEntry(p)
	return nil
}

func parseModuleFile(data []byte) (*moduleFile, error) {
	var mf moduleFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parse declarations: %w", err)
	}
	return &mf, nil
}
