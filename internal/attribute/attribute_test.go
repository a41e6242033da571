package attribute

import (
	"testing"

	"github.com/funvibe/infera/internal/abstract"
	"github.com/funvibe/infera/internal/cfg"
	"github.com/funvibe/infera/internal/config"
	"github.com/funvibe/infera/internal/convert"
	"github.com/funvibe/infera/internal/decl"
	"github.com/funvibe/infera/internal/diagnostics"
)

type fixture struct {
	conv    *convert.Converter
	handler *Handler
	root    *cfg.Node
	program *cfg.Program
}

func newFixture(t *testing.T, runner GeneratorRunner) *fixture {
	t.Helper()
	p := cfg.NewProgram()
	root := p.NewCFGNode(config.RootNodeName, nil)
	p.Entrypoint = root
	conv, err := convert.New(p, decl.NewLoader(nil), diagnostics.NewErrorLog(), config.DefaultOptions(), nil)
	if err != nil {
		t.Fatalf("convert.New: %v", err)
	}
	return &fixture{conv: conv, handler: New(conv, runner), root: root, program: p}
}

func (f *fixture) instanceOf(cls abstract.Value) abstract.Value {
	return abstract.Data(f.conv.Instantiate(cls, f.root).Bindings()[0])
}

// listOf returns a list instance whose _T holds the given values.
func (f *fixture) listOf(values ...abstract.Value) *abstract.Instance {
	inst := abstract.NewInstance(f.conv.ListClass, abstract.KindList)
	elems := f.program.NewVariable(nil, nil, nil)
	for _, v := range values {
		elems.AddBinding(v, nil, f.root)
	}
	inst.SetTypeParam(config.TypeParamT, elems)
	return inst
}

func single(t *testing.T, v *cfg.Variable) abstract.Value {
	t.Helper()
	if v == nil {
		t.Fatalf("got no attribute")
	}
	data := v.Data()
	if len(data) != 1 {
		t.Fatalf("got %d values, want 1", len(data))
	}
	return data[0].(abstract.Value)
}

func TestTypeParameterInstance(t *testing.T) {
	f := newFixture(t, nil)
	tp := &abstract.TypeParameter{ParamName: config.TypeParamT}
	tpi := &abstract.TypeParameterInstance{Param: tp, Instance: f.listOf(f.instanceOf(f.conv.StrClass))}

	node, v := f.handler.GetAttribute(f.root, tpi, "upper", nil)
	if node != f.root {
		t.Errorf("node: got=%s, want=%s", node, f.root)
	}
	m, ok := single(t, v).(*abstract.BoundMethod)
	if !ok {
		t.Fatalf("got %T, want bound method", single(t, v))
	}
	if m.Func.FuncName != "upper" || !m.Func.IsDeclared() {
		t.Errorf("got function %s, want declared upper", m.Func.FuncName)
	}
}

func TestTypeParameterInstanceBadAttribute(t *testing.T) {
	f := newFixture(t, nil)
	tp := &abstract.TypeParameter{ParamName: config.TypeParamT}
	tpi := &abstract.TypeParameterInstance{Param: tp, Instance: f.listOf(f.instanceOf(f.conv.StrClass))}

	node, v := f.handler.GetAttribute(f.root, tpi, "rumpelstiltskin", nil)
	if node != f.root {
		t.Errorf("node: got=%s, want=%s", node, f.root)
	}
	if v != nil {
		t.Errorf("got %v, want no attribute", v.Data())
	}
}

func TestEmptyTypeParameterInstanceUsesBound(t *testing.T) {
	f := newFixture(t, nil)
	tp := &abstract.TypeParameter{ParamName: config.TypeParamT, Bound: f.conv.IntClass}
	tpi := &abstract.TypeParameterInstance{Param: tp, Instance: f.listOf()}

	node, v := f.handler.GetAttribute(f.root, tpi, "real", nil)
	if node != f.root {
		t.Errorf("node: got=%s, want=%s", node, f.root)
	}
	if got, want := single(t, v), f.instanceOf(f.conv.IntClass); got != want {
		t.Errorf("got=%s, want the int instance", got)
	}
}

func TestMethodsAreBoundToTheReceiver(t *testing.T) {
	f := newFixture(t, nil)
	s, err := f.conv.ConstantToValue("abc", nil, f.root)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	recv := f.program.NewVariable([]any{s}, nil, f.root)
	_, v := f.handler.GetAttribute(f.root, s, "upper", recv.Bindings()[0])
	m, ok := single(t, v).(*abstract.BoundMethod)
	if !ok {
		t.Fatalf("got %T, want bound method", single(t, v))
	}
	if got := single(t, m.Self); got != s {
		t.Errorf("receiver: got=%s, want=%s", got, s)
	}
}

func TestClassAttributes(t *testing.T) {
	f := newFixture(t, nil)
	_, v := f.handler.GetAttribute(f.root, f.conv.IntClass, config.NameMember, nil)
	c, ok := single(t, v).(*abstract.Constant)
	if !ok || c.Value != "int" {
		t.Errorf("__name__: got=%s, want 'int'", single(t, v))
	}

	_, v = f.handler.GetAttribute(f.root, f.conv.IntClass, "__add__", nil)
	if _, ok := single(t, v).(*abstract.Function); !ok {
		t.Errorf("methods looked up on a class must stay unbound, got %T", single(t, v))
	}

	_, v = f.handler.GetAttribute(f.root, f.conv.IntClass, "mro", nil)
	if _, ok := single(t, v).(*abstract.BoundMethod); !ok {
		t.Errorf("metaclass methods must bind to the class, got %T", single(t, v))
	}
}

func TestSetAttributeAccumulates(t *testing.T) {
	f := newFixture(t, nil)
	cls := abstract.NewClass("Foo", config.MainModule, nil, nil)
	inst := abstract.NewInstance(cls, abstract.KindPlain)

	n1 := f.root.ConnectNew("n1", nil)
	f.handler.SetAttribute(n1, inst, "x", f.conv.BuildInt(n1))
	n2 := n1.ConnectNew("n2", nil)
	f.handler.SetAttribute(n2, inst, "x", f.conv.BuildString(n2, "a"))

	_, v := f.handler.GetAttribute(n2, inst, "x", nil)
	if v == nil {
		t.Fatalf("x not found")
	}
	if got := len(v.Bindings()); got != 2 {
		t.Errorf("bindings: got=%d, want=2", got)
	}
}

func TestModuleAndWildcards(t *testing.T) {
	f := newFixture(t, nil)
	_, v := f.handler.GetAttribute(f.root, f.conv.BuiltinsModule(), "len", nil)
	if _, ok := single(t, v).(*abstract.Function); !ok {
		t.Errorf("len: got %T, want function", single(t, v))
	}
	_, v = f.handler.GetAttribute(f.root, f.conv.BuiltinsModule(), "no_such_name", nil)
	if v != nil {
		t.Errorf("missing module member: got %v, want nil", v.Data())
	}
	_, v = f.handler.GetAttribute(f.root, f.conv.Unsolvable, "anything", nil)
	if single(t, v) != f.conv.Unsolvable {
		t.Errorf("attribute of unsolvable: got=%s, want Any", single(t, v))
	}
	_, v = f.handler.GetAttribute(f.root, f.conv.Nothing, "anything", nil)
	if v != nil {
		t.Errorf("attribute of nothing: got %v, want nil", v.Data())
	}
}

type recordingRunner struct{ calls int }

func (r *recordingRunner) RunGenerator(node *cfg.Node, g *abstract.Instance) *cfg.Node {
	r.calls++
	g.Generator.Ran = true
	return node
}

func TestGeneratorBodyRunsBeforeLookup(t *testing.T) {
	r := &recordingRunner{}
	f := newFixture(t, r)
	g := abstract.NewInstance(f.conv.GeneratorClass, abstract.KindGenerator)
	g.Generator = &abstract.GeneratorState{}

	for i := 0; i < 2; i++ {
		if _, v := f.handler.GetAttribute(f.root, g, config.NextMethod, nil); v == nil {
			t.Fatalf("__next__ not found")
		}
	}
	if r.calls != 1 {
		t.Errorf("runner calls: got=%d, want=1", r.calls)
	}
}
