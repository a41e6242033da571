package decl

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBuiltinsLink(t *testing.T) {
	l := NewLoader(nil)
	b, err := l.Builtins()
	if err != nil {
		t.Fatalf("builtins: %v", err)
	}
	list := b.Classes["list"]
	if list == nil {
		t.Fatal("no list class")
	}
	if diff := cmp.Diff([]string{"_T"}, list.TemplateNames()); diff != "" {
		t.Errorf("template mismatch (-want +got):\n%s", diff)
	}
	appendFn := list.Methods["append"]
	if appendFn == nil || len(appendFn.Signatures) != 1 {
		t.Fatalf("append = %+v", appendFn)
	}
	self := appendFn.Signatures[0].Params[0]
	if self.Mutated == nil {
		t.Fatal("append does not mutate self")
	}
	if got, want := self.Mutated.String(), "__builtin__.list[Union[_T, _T2]]"; got != want {
		t.Errorf("got=%s, want=%s", got, want)
	}

	boolCls := b.Classes["bool"]
	base, ok := boolCls.Bases[0].(*ClassType)
	if !ok || base.Cls != b.Classes["int"] {
		t.Errorf("bool base = %v", boolCls.Bases[0])
	}

	next := b.Functions["next"]
	if got, want := next.Signatures[0].String(), "(iterator: __builtin__.iterator[_T]) -> _T"; got != want {
		t.Errorf("got=%s, want=%s", got, want)
	}
}

func TestTypingForms(t *testing.T) {
	l := NewLoader(nil)
	tests := []struct {
		src  string
		want string
	}{
		{"int", "__builtin__.int"},
		{"None", "__builtin__.NoneType"},
		{"Tuple[str, int]", "Tuple[__builtin__.str, __builtin__.int]"},
		{"Tuple[int, ...]", "__builtin__.tuple[__builtin__.int]"},
		{"Callable[[int], str]", "Callable[[__builtin__.int], __builtin__.str]"},
		{"Callable[..., int]", "typing.Callable[Any, __builtin__.int]"},
		{"Optional[int]", "Union[__builtin__.int, __builtin__.NoneType]"},
		{"Union[int, Union[str, int]]", "Union[__builtin__.int, __builtin__.str]"},
		{"Union[int]", "__builtin__.int"},
		{"Type[int]", "__builtin__.type[__builtin__.int]"},
		{"List[Dict[str, int]]", "__builtin__.list[__builtin__.dict[__builtin__.str, __builtin__.int]]"},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			typ, err := l.ParseType(tt.src, "__builtin__")
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got := typ.String(); got != tt.want {
				t.Errorf("got=%s, want=%s", got, tt.want)
			}
		})
	}
}

func writeDecl(t *testing.T, dir, name, src string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSearchPathModules(t *testing.T) {
	dir := t.TempDir()
	writeDecl(t, dir, "pkg/shapes.yaml", `
classes:
  - name: Shape
    bases: [object]
    methods:
      area: ["(self) -> float"]
  - name: Square
    bases: [Shape]
functions:
  unit: ["() -> Square"]
`)
	writeDecl(t, dir, "pkg/use.yaml", `
constants:
  default: pkg.shapes.Square
aliases:
  AnyShape: Union[pkg.shapes.Shape, None]
`)
	l := NewLoader([]string{dir})
	m, err := l.ImportName("pkg.use")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	c, ok := m.Constants["default"].Type.(*ClassType)
	if !ok || c.Cls.Name != "Square" {
		t.Fatalf("default = %v", m.Constants["default"].Type)
	}
	if got, want := c.Cls.Bases[0].String(), "pkg.shapes.Shape"; got != want {
		t.Errorf("got=%s, want=%s", got, want)
	}
	if got, want := m.Aliases["AnyShape"].Type.String(), "Union[pkg.shapes.Shape, __builtin__.NoneType]"; got != want {
		t.Errorf("got=%s, want=%s", got, want)
	}

	rel, err := l.ImportRelative("pkg.use", 1, "shapes")
	if err != nil {
		t.Fatalf("relative import: %v", err)
	}
	if rel.Name != "pkg.shapes" {
		t.Errorf("got=%s, want=pkg.shapes", rel.Name)
	}
	if _, err := l.ImportRelative("pkg.use", 3, "x"); err == nil {
		t.Errorf("expected error for import beyond top level")
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	writeDecl(t, dir, "bad.yaml", "constants:\n  x: Missing\n")
	writeDecl(t, dir, "loop.yaml", "aliases:\n  A: B\n  B: A\n")
	writeDecl(t, dir, "syntax.yaml", "functions:\n  f: [\"(x: int -> int\"]\n")
	l := NewLoader([]string{dir})

	_, err := l.ImportName("nosuch")
	if !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("got %v, want ErrModuleNotFound", err)
	}
	for _, name := range []string{"bad", "loop", "syntax"} {
		_, err := l.ImportName(name)
		var le *LoadError
		if !errors.As(err, &le) || le.Module != name {
			t.Errorf("%s: got %v, want LoadError", name, err)
		}
		if l.HasModule(name) {
			t.Errorf("%s: failed module stays registered", name)
		}
	}
	var pe *ParseError
	if _, err := l.ImportName("syntax"); !errors.As(err, &pe) {
		t.Errorf("got %v, want ParseError", err)
	}
}

func TestSplitTopLevel(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"int", []string{"int"}},
		{"int, Dict[str, int], x", []string{"int", "Dict[str, int]", "x"}},
		{"Callable[[a, b], c], d", []string{"Callable[[a, b], c]", "d"}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, SplitTopLevel(tt.in)); diff != "" {
			t.Errorf("%q (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestParseSignature(t *testing.T) {
	sig, err := parseSignatureExpr("(self, *args: int, key: str = ..., **kw) -> List[int]")
	if err != nil {
		t.Fatal(err)
	}
	if len(sig.params) != 4 {
		t.Fatalf("got %d params", len(sig.params))
	}
	if sig.params[1].kind != ParamStar || sig.params[3].kind != ParamStarStar {
		t.Errorf("star kinds not recorded")
	}
	if !sig.params[2].optional || sig.params[2].typ.String() != "str" {
		t.Errorf("optional param = %+v", sig.params[2])
	}
	if sig.ret.String() != "List[int]" {
		t.Errorf("ret = %s", sig.ret)
	}
	for _, bad := range []string{"self", "(a b)", "(a: ) -> int", "(a) -> int extra", "(a: $)"} {
		if _, err := parseSignatureExpr(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}
