package config

// ProgramFileExt is the extension of assembled program files
const ProgramFileExt = ".yaml"

// DeclarationFileExt is the extension of declaration files on the search path
const DeclarationFileExt = ".yaml"

// Analysis limits
const (
	// DefaultMaxDepth bounds the frame stack; deeper calls yield unsolvable.
	DefaultMaxDepth = 20

	// MaxImportDepth bounds relative import levels. Integers from
	// SmallIntMin up to it keep their literal value when converted, so
	// IMPORT_NAME sees the exact level.
	MaxImportDepth = 12

	// SmallIntMin is the smallest integer that keeps its literal value.
	SmallIntMin = -1
)

// Module names
const (
	BuiltinsModule = "__builtin__"
	TypingModule   = "typing"
	ABCModule      = "abc"
	MainModule     = "__main__"
)

// Names of the CFG nodes created by RunProgram
const (
	RootNodeName     = "root"
	BuiltinsNodeName = "builtins"
	InitNodeName     = "init"
)

// Built-in class names
const (
	ObjectClassName    = "object"
	TypeClassName      = "type"
	NoneTypeName       = "NoneType"
	BoolClassName      = "bool"
	IntClassName       = "int"
	FloatClassName     = "float"
	ComplexClassName   = "complex"
	StrClassName       = "str"
	BytesClassName     = "bytes"
	TupleClassName     = "tuple"
	ListClassName      = "list"
	DictClassName      = "dict"
	SetClassName       = "set"
	SliceClassName     = "slice"
	FunctionClassName  = "function"
	IteratorClassName  = "iterator"
	GeneratorClassName = "generator"
	ModuleClassName    = "module"
	EllipsisClassName  = "ellipsis"
	ABCMetaClassName   = "ABCMeta"
	CodeClassName      = "code"
	PropertyClassName  = "property"
	NotImplementedName = "NotImplementedType"
)

// Typing names with special conversion rules
const (
	TypingTuple    = "Tuple"
	TypingCallable = "Callable"
	TypingType     = "Type"
	TypingUnion    = "Union"
	TypingOptional = "Optional"
	TypingAny      = "Any"
	TypingGeneric  = "Generic"
)

// Type parameter names used by built-in containers
const (
	TypeParamT    = "_T"
	TypeParamK    = "_K"
	TypeParamV    = "_V"
	TypeParamArgs = "_ARGS"
	TypeParamRet  = "_RET"
)

// Special member names
const (
	MetaclassMember   = "__metaclass__"
	InitMethod        = "__init__"
	IterMethod        = "__iter__"
	NextMethod        = "__next__"
	GetItemMethod     = "__getitem__"
	SetItemMethod     = "__setitem__"
	DelItemMethod     = "__delitem__"
	ContainsMethod    = "__contains__"
	EnterMethod       = "__enter__"
	ExitMethod        = "__exit__"
	CallMethod        = "__call__"
	EqMethod          = "__eq__"
	NeMethod          = "__ne__"
	AnnotationsMember = "__annotations__"
	NameMember        = "__name__"
	ModuleMember      = "__module__"
)

// Annotation keys for function type comments
const (
	MultiArgAnnotation = "$multi_arg"
	ReturnAnnotation   = "return"
	LambdaName         = "<lambda>"
)
