// Package vm is the abstract interpreter. It executes code objects over
// variables (sets of possible values) instead of concrete values, records
// every value in the graph store, and reports the problems it finds to a
// diagnostics log.
package vm

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/funvibe/infera/internal/abstract"
	"github.com/funvibe/infera/internal/attribute"
	"github.com/funvibe/infera/internal/bytecode"
	"github.com/funvibe/infera/internal/cfg"
	"github.com/funvibe/infera/internal/config"
	"github.com/funvibe/infera/internal/convert"
	"github.com/funvibe/infera/internal/decl"
	"github.com/funvibe/infera/internal/diagnostics"
)

// Hooks are called while the program runs. Every field may be nil.
type Hooks struct {
	TraceUnknown      func(name string, b *cfg.Binding)
	TraceCall         func(node *cfg.Node, fn abstract.Value, args []*cfg.Variable, result *cfg.Variable)
	TraceModuleMember func(mod *abstract.Module, name string, member *cfg.Variable)
	TraceFunctionDef  func(fn *abstract.Function)
}

// VirtualMachine runs one program. It is not safe for concurrent use and
// RunProgram may be called once.
type VirtualMachine struct {
	errorlog *diagnostics.ErrorLog
	options  *config.Options
	loader   *decl.Loader

	program  *cfg.Program
	root     *cfg.Node
	conv     *convert.Converter
	attrs    *attribute.Handler
	builtins *abstract.Dict
	frame    *Frame

	// Context for cancellation
	ctx context.Context
	log zerolog.Logger

	Hooks Hooks
	// FunctionsWithLateAnnotations lists functions whose annotations are
	// resolved after the module body has run.
	FunctionsWithLateAnnotations []*abstract.Function

	filename     string
	module       string
	typeComments map[int]string
	// usedComments records the type comments consumed by a store or a
	// function definition.
	usedComments map[int]bool

	hasUnknownWildcardImports bool
	specials                  map[string]*abstract.SpecialBuiltin
	// storeComments maps the last store of a line to the type comment on
	// that line.
	storeComments map[*bytecode.Instruction]int

	// fatal holds an invariant error raised where no error can be
	// returned, e.g. while running a generator for an attribute lookup.
	fatal error
}

// New creates a virtual machine. A nil options means the defaults.
func New(errorlog *diagnostics.ErrorLog, options *config.Options, loader *decl.Loader) *VirtualMachine {
	if options == nil {
		options = config.DefaultOptions()
	}
	if errorlog == nil {
		errorlog = diagnostics.NewErrorLog()
	}
	if loader == nil {
		loader = decl.NewLoader(options.DeclarationPath)
	}
	return &VirtualMachine{
		errorlog: errorlog,
		options:  options,
		loader:   loader,
		ctx:      context.Background(),
		log:      zerolog.Nop(),
	}
}

// SetLogger sets the logger used for tracing.
func (vm *VirtualMachine) SetLogger(l zerolog.Logger) {
	vm.log = l
}

// ErrorLog returns the diagnostics log.
func (vm *VirtualMachine) ErrorLog() *diagnostics.ErrorLog { return vm.errorlog }

// Converter returns the converter of the last run.
func (vm *VirtualMachine) Converter() *convert.Converter { return vm.conv }

// Program returns the graph store of the last run.
func (vm *VirtualMachine) Program() *cfg.Program { return vm.program }

// RunProgram runs the module code of prog and returns the last graph node
// together with the module's globals.
func (vm *VirtualMachine) RunProgram(ctx context.Context, prog *bytecode.Program) (*cfg.Node, map[string]*cfg.Variable, error) {
	if prog == nil || prog.Code == nil {
		return nil, nil, errNoEntrypoint
	}
	if ctx == nil {
		ctx = context.Background()
	}
	vm.ctx = ctx
	vm.filename = prog.Filename
	vm.module = prog.Module
	if vm.module == "" {
		vm.module = config.MainModule
	}
	vm.typeComments = prog.TypeComments
	vm.usedComments = make(map[int]bool)

	vm.program = cfg.NewProgram()
	vm.root = vm.program.NewCFGNode(config.RootNodeName, nil)
	conv, err := convert.New(vm.program, vm.loader, vm.errorlog, vm.options, vm)
	if err != nil {
		return nil, nil, fmt.Errorf("init converter: %w", err)
	}
	conv.SetLogger(vm.log)
	conv.OnUnknown = func(name string, b *cfg.Binding) {
		if vm.Hooks.TraceUnknown != nil {
			vm.Hooks.TraceUnknown(name, b)
		}
	}
	vm.conv = conv
	vm.attrs = attribute.New(conv, vm)
	vm.attrs.SetLogger(vm.log)
	vm.builtins = abstract.NewDict(config.BuiltinsModule)
	vm.builtins.SetLazyLoader(vm.loadBuiltin)

	node := vm.root.ConnectNew(config.BuiltinsNodeName, nil)
	if vm.options.PreloadBuiltins {
		vm.preloadBuiltins()
	}
	vm.markStoreComments(prog.Code)

	node = node.ConnectNew(config.InitNodeName, nil)
	globals := abstract.NewDict("globals")
	globals.Set(config.NameMember, conv.BuildString(node, vm.module))
	frame := vm.makeFrame(node, prog.Code, globals, nil, nil, nil)
	vm.log.Debug().Str("module", vm.module).Str("file", vm.filename).Msg("running module")
	node, _, err = vm.runFrame(frame, node)
	if err == nil {
		err = vm.fatal
	}
	if err != nil {
		return nil, nil, err
	}
	if vm.frame != nil {
		return nil, nil, invariant("", "frames left over")
	}

	node = vm.resolveLateAnnotations(node, globals)
	vm.reportIgnoredTypeComments()

	members := make(map[string]*cfg.Variable, len(globals.Names()))
	for _, name := range globals.Names() {
		v, _ := globals.Load(name)
		members[name] = v
	}
	vm.log.Debug().Str("node", node.String()).Int("cached", conv.CachedValues()).Msg("done running bytecode")
	return node, members, nil
}

func (vm *VirtualMachine) preloadBuiltins() {
	for _, name := range vm.conv.BuiltinsModule().MemberNames() {
		vm.builtins.Load(name)
	}
}

// Location returns where the current instruction is.
func (vm *VirtualMachine) Location() diagnostics.Location {
	loc := diagnostics.Location{Filename: vm.filename}
	if vm.frame != nil {
		loc.Function = vm.frame.Code.Name
		if op := vm.frame.currentOp; op != nil {
			loc.Line = op.Line
		}
	}
	return loc
}

// CurrentOpcode returns the instruction being executed, if any.
func (vm *VirtualMachine) CurrentOpcode() *bytecode.Instruction {
	if vm.frame == nil {
		return nil
	}
	return vm.frame.currentOp
}

// RunGenerator runs the body of a generator that has not run yet and
// binds its _T parameter to the yielded values.
func (vm *VirtualMachine) RunGenerator(node *cfg.Node, g *abstract.Instance) *cfg.Node {
	st := g.Generator
	if st == nil || st.Ran {
		return node
	}
	st.Ran = true
	f, ok := st.Frame.(*Frame)
	if !ok {
		g.SetTypeParam(config.TypeParamT, vm.conv.CreateNewUnsolvable(node))
		return node
	}
	end, _, err := vm.resumeFrame(node, f)
	if err != nil {
		var inv *InvariantError
		if errors.As(err, &inv) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if vm.fatal == nil {
				vm.fatal = err
			}
		}
		vm.log.Debug().Err(err).Str("code", f.Code.Name).Msg("generator did not run")
		g.SetTypeParam(config.TypeParamT, vm.conv.CreateNewUnsolvable(node))
		return node
	}
	g.SetTypeParam(config.TypeParamT, f.YieldVariable)
	return end
}

// resumeFrame runs a frame created earlier, e.g. the body of a generator.
func (vm *VirtualMachine) resumeFrame(node *cfg.Node, f *Frame) (*cfg.Node, *cfg.Variable, error) {
	if vm.isRunning(f.Code) {
		return nil, nil, errRecursion
	}
	f.Back = vm.frame
	return vm.runFrame(f, node)
}

func (vm *VirtualMachine) pushFrame(f *Frame) {
	f.Back = vm.frame
	vm.frame = f
	vm.log.Debug().Str("code", f.Code.Name).Int("depth", vm.depth()).Msg("enter frame")
}

func (vm *VirtualMachine) popFrame() {
	vm.log.Debug().Str("code", vm.frame.Code.Name).Msg("leave frame")
	vm.frame = vm.frame.Back
}

// unsolvable is shorthand for a fresh variable holding Any.
func (vm *VirtualMachine) unsolvable(node *cfg.Node) *cfg.Variable {
	return vm.conv.CreateNewUnsolvable(node)
}

// newVariable returns an empty variable.
func (vm *VirtualMachine) newVariable() *cfg.Variable {
	return vm.program.NewVariable(nil, nil, nil)
}

// single returns a variable with one binding of v at node.
func (vm *VirtualMachine) single(v abstract.Value, node *cfg.Node) *cfg.Variable {
	return vm.program.NewVariable([]any{v}, nil, node)
}

// joinNodes connects nodes to a single successor.
func (vm *VirtualMachine) joinNodes(nodes []*cfg.Node) *cfg.Node {
	var distinct []*cfg.Node
	seen := make(map[*cfg.Node]bool, len(nodes))
	for _, n := range nodes {
		if n != nil && !seen[n] {
			seen[n] = true
			distinct = append(distinct, n)
		}
	}
	switch len(distinct) {
	case 0:
		return nil
	case 1:
		return distinct[0]
	}
	joined := vm.program.NewCFGNode("return", nil)
	for _, n := range distinct {
		n.ConnectTo(joined)
	}
	return joined
}
