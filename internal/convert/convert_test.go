package convert

import (
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/funvibe/infera/internal/abstract"
	"github.com/funvibe/infera/internal/bytecode"
	"github.com/funvibe/infera/internal/cfg"
	"github.com/funvibe/infera/internal/config"
	"github.com/funvibe/infera/internal/decl"
	"github.com/funvibe/infera/internal/diagnostics"
)

type fixture struct {
	conv     *Converter
	program  *cfg.Program
	root     *cfg.Node
	loader   *decl.Loader
	errorlog *diagnostics.ErrorLog
}

func newFixture(t *testing.T, searchPath ...string) *fixture {
	t.Helper()
	p := cfg.NewProgram()
	root := p.NewCFGNode(config.RootNodeName, nil)
	p.Entrypoint = root
	loader := decl.NewLoader(searchPath)
	errorlog := diagnostics.NewErrorLog()
	conv, err := New(p, loader, errorlog, config.DefaultOptions(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{conv: conv, program: p, root: root, loader: loader, errorlog: errorlog}
}

func (f *fixture) parse(t *testing.T, src string) decl.Type {
	t.Helper()
	typ, err := f.loader.ParseType(src, config.BuiltinsModule)
	if err != nil {
		t.Fatalf("parse %s: %v", src, err)
	}
	return typ
}

func (f *fixture) value(t *testing.T, pyval any) abstract.Value {
	t.Helper()
	v, err := f.conv.ConstantToValue(pyval, nil, f.root)
	if err != nil {
		t.Fatalf("convert %v: %v", pyval, err)
	}
	return v
}

func dataNames(v *cfg.Variable) []string {
	var out []string
	for _, d := range v.Data() {
		out = append(out, d.(abstract.Value).String())
	}
	return out
}

func param(t *testing.T, inst *abstract.Instance, name string) []string {
	t.Helper()
	v, ok := inst.TypeParam(name)
	if !ok {
		t.Fatalf("%s has no parameter %s", inst, name)
	}
	return dataNames(v)
}

func TestSingletons(t *testing.T) {
	f := newFixture(t)
	if f.value(t, nil) != f.conv.None {
		t.Errorf("None is not the singleton")
	}
	if f.value(t, true) != f.conv.True || f.value(t, false) != f.conv.False {
		t.Errorf("booleans are not singletons")
	}
	if f.value(t, bytecode.Ellipsis{}) != f.conv.Ellipsis {
		t.Errorf("Ellipsis is not the singleton")
	}
	if f.conv.BuildNone(f.root).Data()[0] != f.conv.None {
		t.Errorf("BuildNone does not use the singleton")
	}
	if a, b := f.value(t, int64(3)), f.value(t, int64(3)); a != b {
		t.Errorf("small integers are not interned")
	}
	if c, ok := f.value(t, int64(12)).(*abstract.Constant); !ok || c.Value != int64(12) {
		t.Errorf("12 lost its literal value")
	}
	intInst := f.value(t, int64(13))
	if _, ok := intInst.(*abstract.Instance); !ok {
		t.Fatalf("13 = %T, want instance", intInst)
	}
	if f.value(t, new(big.Int).Lsh(big.NewInt(1), 64)) != intInst {
		t.Errorf("2**64 is not the int instance")
	}
	if f.value(t, 2.5) != f.value(t, 0.5) {
		t.Errorf("floats do not share one instance")
	}
}

func TestGenericInstanceFillsMissingParams(t *testing.T) {
	f := newFixture(t)
	v := f.value(t, decl.AsInstance{Type: f.parse(t, "Dict[str]")})
	inst, ok := v.(*abstract.Instance)
	if !ok {
		t.Fatalf("got %T, want instance", v)
	}
	if diff := cmp.Diff([]string{"str"}, param(t, inst, config.TypeParamK)); diff != "" {
		t.Errorf("_K mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Any"}, param(t, inst, config.TypeParamV)); diff != "" {
		t.Errorf("_V mismatch (-want +got):\n%s", diff)
	}
	if got, want := inst.String(), "Dict[str, Any]"; got != want {
		t.Errorf("got=%s, want=%s", got, want)
	}
}

func TestTupleClassAndInstance(t *testing.T) {
	f := newFixture(t)
	typ := f.parse(t, "Tuple[str, int]")
	pc, ok := f.value(t, typ).(*abstract.ParameterizedClass)
	if !ok {
		t.Fatalf("class is not parameterized")
	}
	if pc.Param("0") != f.conv.StrClass || pc.Param("1") != f.conv.IntClass {
		t.Errorf("positions = %v, %v", pc.Param("0"), pc.Param("1"))
	}
	if got, want := pc.Param(config.TypeParamT).String(), "Union[Type[str], Type[int]]"; got != want {
		t.Errorf("_T: got=%s, want=%s", got, want)
	}

	inst, ok := f.value(t, decl.AsInstance{Type: typ}).(*abstract.Instance)
	if !ok {
		t.Fatalf("instance is not an Instance")
	}
	if len(inst.Content) != 2 {
		t.Fatalf("content has %d positions", len(inst.Content))
	}
	if diff := cmp.Diff([]string{"str"}, dataNames(inst.Content[0])); diff != "" {
		t.Errorf("position 0 (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"str", "int"}, param(t, inst, config.TypeParamT)); diff != "" {
		t.Errorf("_T (-want +got):\n%s", diff)
	}
	if got, want := inst.String(), "Tuple[str, int]"; got != want {
		t.Errorf("got=%s, want=%s", got, want)
	}
}

func TestCallableForms(t *testing.T) {
	f := newFixture(t)

	t.Run("arguments", func(t *testing.T) {
		typ := f.parse(t, "Callable[[int, bool], str]")
		pc, ok := f.value(t, typ).(*abstract.ParameterizedClass)
		if !ok || pc.Kind != abstract.PCCallable {
			t.Fatalf("got %v, want callable class", pc)
		}
		if _, ok := pc.Param(config.TypeParamArgs).(*abstract.Union); !ok {
			t.Errorf("_ARGS = %v, want union", pc.Param(config.TypeParamArgs))
		}
		if pc.Param(config.TypeParamRet) != f.conv.StrClass {
			t.Errorf("_RET = %v", pc.Param(config.TypeParamRet))
		}
		inst := f.value(t, decl.AsInstance{Type: typ}).(*abstract.Instance)
		if diff := cmp.Diff([]string{"int", "bool"}, param(t, inst, config.TypeParamArgs)); diff != "" {
			t.Errorf("_ARGS (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]string{"str"}, param(t, inst, config.TypeParamRet)); diff != "" {
			t.Errorf("_RET (-want +got):\n%s", diff)
		}
	})

	t.Run("no arguments", func(t *testing.T) {
		typ := f.parse(t, "Callable[[], ...]")
		pc := f.value(t, typ).(*abstract.ParameterizedClass)
		if pc.Param(config.TypeParamArgs) != f.conv.Nothing {
			t.Errorf("_ARGS = %v, want nothing", pc.Param(config.TypeParamArgs))
		}
		inst := f.value(t, decl.AsInstance{Type: typ}).(*abstract.Instance)
		if got := param(t, inst, config.TypeParamArgs); len(got) != 0 {
			t.Errorf("_ARGS = %v, want empty", got)
		}
		if diff := cmp.Diff([]string{"Any"}, param(t, inst, config.TypeParamRet)); diff != "" {
			t.Errorf("_RET (-want +got):\n%s", diff)
		}
	})

	t.Run("ellipsis", func(t *testing.T) {
		typ := f.parse(t, "Callable[..., int]")
		pc, ok := f.value(t, typ).(*abstract.ParameterizedClass)
		if !ok || pc.Kind != abstract.PCGeneric {
			t.Fatalf("got %v, want generic class", pc)
		}
		if pc.Param(config.TypeParamArgs) != f.conv.Unsolvable || pc.Param(config.TypeParamRet) != f.conv.IntClass {
			t.Errorf("params = %v, %v", pc.Param(config.TypeParamArgs), pc.Param(config.TypeParamRet))
		}
		inst := f.value(t, decl.AsInstance{Type: typ}).(*abstract.Instance)
		if inst.Cls != f.conv.CallableClass {
			t.Errorf("instance class = %v", inst.Cls)
		}
		if diff := cmp.Diff([]string{"Any"}, param(t, inst, config.TypeParamArgs)); diff != "" {
			t.Errorf("_ARGS (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]string{"int"}, param(t, inst, config.TypeParamRet)); diff != "" {
			t.Errorf("_RET (-want +got):\n%s", diff)
		}
	})
}

func TestVarargsAndKwargs(t *testing.T) {
	f := newFixture(t)
	args := f.conv.CreateNewVarargsValue(f.conv.IntClass)
	if got, want := args.String(), "Type[Tuple[int, ...]]"; got != want {
		t.Errorf("got=%s, want=%s", got, want)
	}
	kwargs := f.conv.CreateNewKwargsValue(f.conv.IntClass)
	if got, want := kwargs.String(), "Type[Dict[str, int]]"; got != want {
		t.Errorf("got=%s, want=%s", got, want)
	}
	inst := f.conv.Instantiate(args, f.root).Data()[0].(*abstract.Instance)
	if inst.Kind != abstract.KindTuple {
		t.Errorf("kind = %s", inst.Kind)
	}
	if got, want := inst.String(), "Tuple[int, ...]"; got != want {
		t.Errorf("got=%s, want=%s", got, want)
	}
}

func writeDecl(t *testing.T, dir, name, src string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestMetaclassIsInherited(t *testing.T) {
	dir := t.TempDir()
	writeDecl(t, dir, "meta.yaml", `
classes:
  - name: A
    bases: [type]
  - name: B
    bases: [object]
    metaclass: A
  - name: C
    bases: [B]
`)
	f := newFixture(t, dir)
	m, err := f.loader.ImportName("meta")
	if err != nil {
		t.Fatal(err)
	}
	a := f.value(t, m.Classes["A"])
	c, ok := f.value(t, m.Classes["C"]).(*abstract.Class)
	if !ok {
		t.Fatalf("C is not a class")
	}
	if c.Metaclass == nil || len(c.Metaclass.Data()) != 1 || c.Metaclass.Data()[0] != a {
		t.Fatalf("metaclass of C = %v, want A", c.Metaclass)
	}
	if f.conv.ClassOf(c) != a {
		t.Errorf("class of C = %v", f.conv.ClassOf(c))
	}
	if diff := cmp.Diff([]string{"C", "B", "object"}, mroNames(c)); diff != "" {
		t.Errorf("mro (-want +got):\n%s", diff)
	}
}

func mroNames(c *abstract.Class) []string {
	var out []string
	for _, v := range c.MRO() {
		out = append(out, v.Name())
	}
	return out
}

func TestMutuallyRecursiveClasses(t *testing.T) {
	dir := t.TempDir()
	writeDecl(t, dir, "cycle.yaml", `
classes:
  - name: A
    bases: [B]
  - name: B
    bases: [A]
`)
	f := newFixture(t, dir)
	m, err := f.loader.ImportName("cycle")
	if err != nil {
		t.Fatal(err)
	}
	a := f.value(t, m.Classes["A"])
	b := f.value(t, m.Classes["B"])
	if a != f.conv.Unsolvable || b != f.conv.Unsolvable {
		t.Errorf("got %v and %v, want unsolvable", a, b)
	}
	if got := f.errorlog.Count(diagnostics.ErrRecursionError); got != 1 {
		t.Errorf("got %d recursion errors, want 1", got)
	}
}

func TestNodeDependentValuesAreNotCached(t *testing.T) {
	f := newFixture(t)
	typ := decl.AsInstance{Type: f.parse(t, "List[int]")}
	other := f.root.ConnectNew("other", nil)

	first, err := f.conv.ConstantToValue(typ, nil, other)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.conv.ConstantToValue(typ, nil, other)
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Errorf("value built at a non-root node was cached")
	}
	if f.value(t, typ) != f.value(t, typ) {
		t.Errorf("value built at the root was not cached")
	}
}

func TestTupleConstantIsBuiltAtRoot(t *testing.T) {
	f := newFixture(t)
	branch := f.root.ConnectNew("branch", nil)
	sibling := f.root.ConnectNew("sibling", nil)

	v, err := f.conv.ConstantToValue(bytecode.Tuple{int64(1), "a"}, nil, branch)
	if err != nil {
		t.Fatal(err)
	}
	inst := v.(*abstract.Instance)
	tp, ok := inst.TypeParam(config.TypeParamT)
	if !ok {
		t.Fatalf("%s has no parameter %s", inst, config.TypeParamT)
	}
	if got := len(tp.Filter(sibling)); got != 2 {
		t.Errorf("got=%d, want=2 element bindings visible outside the branch", got)
	}
	for i, c := range inst.Content {
		if len(c.Filter(sibling)) == 0 {
			t.Errorf("position %d is not visible outside the branch", i)
		}
	}
}

func TestTypeParameterSubstitution(t *testing.T) {
	f := newFixture(t)
	b, err := f.loader.Builtins()
	if err != nil {
		t.Fatal(err)
	}
	tp := b.TypeParams[config.TypeParamT]
	_, err = f.conv.ConstantToVar(decl.AsInstance{Type: tp}, nil, f.root)
	var tpe *TypeParameterError
	if !errors.As(err, &tpe) || tpe.Name != config.TypeParamT {
		t.Errorf("got %v, want TypeParameterError", err)
	}

	subst := Subst{config.TypeParamT: f.conv.BuildString(f.root, "x")}
	v, err := f.conv.ConstantToVar(decl.AsInstance{Type: tp}, subst, f.root)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"str"}, dataNames(v)); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestUnsupportedConstant(t *testing.T) {
	f := newFixture(t)
	_, err := f.conv.ConstantToValue(struct{ x int }{}, nil, f.root)
	if !errors.Is(err, ErrUnsupportedConstant) {
		t.Errorf("got %v, want ErrUnsupportedConstant", err)
	}
}

func TestBuilders(t *testing.T) {
	f := newFixture(t)
	x := f.conv.BuildString(f.root, "a")
	n := f.conv.BuildInt(f.root)

	tests := []struct {
		name string
		v    *cfg.Variable
		want string
	}{
		{"bool", f.conv.BuildBool(f.root), "bool"},
		{"true", f.conv.BuildBoolConst(f.root, true), "bool"},
		{"list", f.conv.BuildList(f.root, []*cfg.Variable{x, n}), "List[Union[str, int]]"},
		{"list of type", f.conv.BuildListOfType(f.root, n), "List[int]"},
		{"set", f.conv.BuildSet(f.root, []*cfg.Variable{x}), "Set[str]"},
		{"map", f.conv.BuildMap(f.root), "Dict[nothing, nothing]"},
		{"tuple", f.conv.BuildTuple(f.root, []*cfg.Variable{x, n}), "Tuple[str, int]"},
		{"empty tuple", f.conv.BuildTuple(f.root, nil), "Tuple[()]"},
		{"slice", f.conv.BuildSlice(f.root), "slice"},
		{"content", f.conv.BuildContent(f.root, []*cfg.Variable{x, n}), "Union[str, int]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := abstract.TypeString(tt.v, f.root); got != tt.want {
				t.Errorf("got=%s, want=%s", got, tt.want)
			}
		})
	}
	for _, v := range []*cfg.Variable{f.conv.BuildTuple(f.root, nil), f.conv.BuildList(f.root, nil)} {
		if inst := v.Data()[0].(*abstract.Instance); !inst.IsLiteral() {
			t.Errorf("empty %s is not a literal", inst)
		}
	}
	if f.conv.BuildBoolConst(f.root, false).Data()[0] != f.conv.False {
		t.Errorf("BuildBoolConst(false) is not False")
	}
}

func TestWidenType(t *testing.T) {
	f := newFixture(t)
	tuple := f.conv.BuildTuple(f.root, []*cfg.Variable{f.conv.BuildInt(f.root)}).Data()[0].(abstract.Value)
	if got, want := f.conv.WidenType(tuple).String(), "Iterable[int]"; got != want {
		t.Errorf("got=%s, want=%s", got, want)
	}
	d := f.conv.BuildMap(f.root).Data()[0].(*abstract.Instance)
	f.conv.SetItem(f.root, d, f.conv.BuildString(f.root, "k"), f.conv.BuildInt(f.root))
	if got, want := f.conv.WidenType(d).String(), "Mapping[str, int]"; got != want {
		t.Errorf("got=%s, want=%s", got, want)
	}
	if _, ok := d.Entries["k"]; !ok {
		t.Errorf("constant key was not tracked")
	}
}

func TestValueToConstant(t *testing.T) {
	f := newFixture(t)
	tuple := f.value(t, bytecode.Tuple{int64(1), "a", nil})
	got, err := f.conv.ValueToConstant(tuple)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(bytecode.Tuple{int64(1), "a", nil}, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if _, err := f.conv.ValueToConstant(f.conv.Unsolvable); !errors.Is(err, ErrNotConstant) {
		t.Errorf("got %v, want ErrNotConstant", err)
	}
}

func TestCreateNewUnknown(t *testing.T) {
	f := newFixture(t)
	v := f.conv.CreateNewUnknown(f.root, nil, "", false)
	if v.Data()[0] != f.conv.Unsolvable {
		t.Errorf("unknowns disabled: got %v", v.Data()[0])
	}
	var traced []string
	f.conv.OnUnknown = func(name string, b *cfg.Binding) { traced = append(traced, name) }
	v = f.conv.CreateNewUnknown(f.root, nil, "", true)
	u, ok := v.Data()[0].(*abstract.Unknown)
	if !ok {
		t.Fatalf("got %T, want unknown", v.Data()[0])
	}
	if u.Owner != v.Bindings()[0] {
		t.Errorf("owner is not the binding")
	}
	if diff := cmp.Diff([]string{"~unknown1"}, traced); diff != "" {
		t.Errorf("trace (-want +got):\n%s", diff)
	}
}
