package wasmtest

// HeapBase is where the bump allocator starts handing out memory.
const HeapBase = 4096

// Fixed guest addresses used by the fixtures.
const (
	retArea      = 16
	stringRet    = 8
	describeRet  = 32
	describeData = 1024
	errorData    = 2048
)

var (
	pointerType = FuncType{Params: []byte{I32, I32}, Results: []byte{I32, I32}}
	stringType  = FuncType{Params: []byte{I32, I32}, Results: []byte{I32}}
	richType    = FuncType{Params: []byte{I32, I32, I32, I32}, Results: []byte{I32}}
	reallocType = FuncType{Params: []byte{I32, I32, I32, I32}, Results: []byte{I32}}
	nullaryRet  = FuncType{Results: []byte{I32}}
	hostType    = FuncType{Params: []byte{I32, I32, I32}, Results: []byte{I32}}
)

// Option adjusts a fixture module before encoding.
type Option func(*Module)

// WithoutAllocator drops the exported cabi_realloc so the host must grow memory.
func WithoutAllocator() Option {
	return func(m *Module) {
		kept := m.Funcs[:0]
		for _, fn := range m.Funcs {
			if fn.Export != "cabi_realloc" {
				kept = append(kept, fn)
			}
		}
		m.Funcs = kept
		m.Globals = nil
	}
}

// WithoutMemoryExport keeps memory private to the module.
func WithoutMemoryExport() Option {
	return func(m *Module) { m.ExportMemory = false }
}

// WithAdder exports name as an (i32, i32) -> i32 helper that sums its
// arguments, the same shape as a string-tier entry.
func WithAdder(name string) Option {
	return func(m *Module) {
		m.Funcs = append(m.Funcs, Func{
			Export: name,
			Type:   stringType,
			Body:   Code(LocalGet(0), LocalGet(1), I32Add, End),
		})
	}
}

func build(imports []Import, funcs []Func, data []Data, opts ...Option) []byte {
	m := Module{
		Imports:      imports,
		MemoryPages:  2,
		ExportMemory: true,
		Globals:      []Global{{Init: HeapBase}},
		Data:         data,
	}
	m.Funcs = append(m.Funcs, funcs...)
	m.Funcs = append(m.Funcs, bumpAllocator())
	for _, opt := range opts {
		opt(&m)
	}
	return m.Encode()
}

func bumpAllocator() Func {
	return Func{
		Export: "cabi_realloc",
		Type:   reallocType,
		Body: Code(
			GlobalGet(0),
			GlobalGet(0), LocalGet(3), I32Add, GlobalSet(0),
			End,
		),
	}
}

// EchoPointer exports entry as (ptr, len) -> (ptr, len), returning its input.
func EchoPointer(entry string, opts ...Option) []byte {
	return build(nil, []Func{{
		Export: entry,
		Type:   pointerType,
		Body:   Code(LocalGet(0), LocalGet(1), End),
	}}, nil, opts...)
}

// EchoString exports entry as (ptr, len) -> retptr, returning its input.
func EchoString(entry string, opts ...Option) []byte {
	return build(nil, []Func{{
		Export: entry,
		Type:   stringType,
		Body:   stringEcho(),
	}}, nil, opts...)
}

func stringEcho() []byte {
	return Code(
		I32Const(stringRet), LocalGet(0), I32Store(),
		I32Const(stringRet+4), LocalGet(1), I32Store(),
		I32Const(stringRet),
		End,
	)
}

// Rich exports invoke(action, args) returning args as an ok result. A
// non-empty describe document adds a describe-json export.
func Rich(describe string, opts ...Option) []byte {
	funcs := []Func{{
		Export: "invoke",
		Type:   richType,
		Body: Code(
			I32Const(retArea), I32Const(0), I32Store(),
			I32Const(retArea+4), LocalGet(2), I32Store(),
			I32Const(retArea+8), LocalGet(3), I32Store(),
			I32Const(retArea),
			End,
		),
	}}
	var data []Data
	if describe != "" {
		funcs = append(funcs, Func{
			Export: "describe-json",
			Type:   nullaryRet,
			Body:   Code(I32Const(describeRet), End),
		})
		data = append(data,
			Data{Offset: describeRet, Bytes: LE32(describeData, uint32(len(describe)))},
			Data{Offset: describeData, Bytes: []byte(describe)},
		)
	}
	return build(nil, funcs, data, opts...)
}

// RichAndString exports both a rich invoke and a string-tier entry.
func RichAndString(entry string) []byte {
	return build(nil, []Func{
		{
			Export: "invoke",
			Type:   richType,
			Body: Code(
				I32Const(retArea), I32Const(0), I32Store(),
				I32Const(retArea+4), LocalGet(2), I32Store(),
				I32Const(retArea+8), LocalGet(3), I32Store(),
				I32Const(retArea),
				End,
			),
		},
		{Export: entry, Type: stringType, Body: stringEcho()},
	}, nil)
}

// RichError exports invoke returning payload as an error result.
func RichError(payload string) []byte {
	return build(nil, []Func{{
		Export: "invoke",
		Type:   richType,
		Body: Code(
			I32Const(retArea), I32Const(1), I32Store(),
			I32Const(retArea+4), I32Const(errorData), I32Store(),
			I32Const(retArea+8), I32Const(int32(len(payload))), I32Store(),
			I32Const(retArea),
			End,
		),
	}}, []Data{{Offset: errorData, Bytes: []byte(payload)}})
}

// Trap exports entry as a pointer-tier function that always traps.
func Trap(entry string) []byte {
	return build(nil, []Func{{
		Export: entry,
		Type:   pointerType,
		Body:   Code(Unreachable, End),
	}}, nil)
}

// Loop exports entry as a pointer-tier function that never returns.
func Loop(entry string) []byte {
	return build(nil, []Func{{
		Export: entry,
		Type:   pointerType,
		Body:   Code(InfiniteLoop, Unreachable, End),
	}}, nil)
}

func hostImport(name string) Import {
	return Import{Module: "petal_host", Name: name, Type: hostType}
}

// HostCaller exports invoke, which forwards args to the petal_host import
// and returns its status as the result tag and its buffer as the payload.
// Status 0 becomes ok, status 1 an error value.
func HostCaller(importName string) []byte {
	return build([]Import{hostImport(importName)}, []Func{{
		Export: "invoke",
		Type:   richType,
		Body: Code(
			I32Const(retArea),
			LocalGet(2), LocalGet(3), I32Const(retArea+4), Call(0),
			I32Store(),
			I32Const(retArea),
			End,
		),
	}}, nil)
}

// HostCallerTrap exports entry as a pointer-tier function that calls the
// import with its input and then traps regardless of the outcome.
func HostCallerTrap(entry, importName string) []byte {
	return build([]Import{hostImport(importName)}, []Func{{
		Export: entry,
		Type:   pointerType,
		Body: Code(
			LocalGet(0), LocalGet(1), I32Const(stringRet), Call(0),
			Drop,
			Unreachable,
			End,
		),
	}}, nil)
}

// DeniedThenTrap exports entry as a pointer-tier function that calls first
// then second with its input, ignoring both results, and then traps.
func DeniedThenTrap(entry, first, second string) []byte {
	return build([]Import{hostImport(first), hostImport(second)}, []Func{{
		Export: entry,
		Type:   pointerType,
		Body: Code(
			LocalGet(0), LocalGet(1), I32Const(stringRet), Call(0),
			Drop,
			LocalGet(0), LocalGet(1), I32Const(stringRet), Call(1),
			Drop,
			Unreachable,
			End,
		),
	}}, nil)
}

// Mismatched exports entry with a shape no tier accepts.
func Mismatched(entry string) []byte {
	return build(nil, []Func{{
		Export: entry,
		Type:   FuncType{Params: []byte{I32}, Results: []byte{I32}},
		Body:   Code(LocalGet(0), End),
	}}, nil)
}

// CallLoop exports entry as a pointer-tier function that calls an empty
// helper forever. It exercises call-based metering.
func CallLoop(entry string) []byte {
	return build(nil, []Func{
		{
			Export: entry,
			Type:   pointerType,
			Body: Code(
				[]byte{0x03, 0x40}, Call(1), []byte{0x0c, 0x00}, End,
				Unreachable,
				End,
			),
		},
		{Type: FuncType{}, Body: End},
	}, nil)
}
