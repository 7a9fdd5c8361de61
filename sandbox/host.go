package sandbox

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/petal-labs/petalexec/hostimport"
)

// instantiateHost registers the petal_host module on rt. Each import reads
// its request from guest memory, dispatches it through session, and writes
// {ptr, len} of the response buffer at out_ptr.
func instantiateHost(ctx context.Context, rt wazero.Runtime, session *hostimport.Session, allocator string) error {
	builder := rt.NewHostModuleBuilder(hostimport.ModuleName)
	params := []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}
	results := []api.ValueType{api.ValueTypeI32}

	for _, name := range hostimport.Imports {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(hostFunc(session, name, allocator), params, results).
			WithParameterNames("req_ptr", "req_len", "out_ptr").
			Export(name)
	}

	if _, err := builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("sandbox: instantiate %s: %w", hostimport.ModuleName, err)
	}
	return nil
}

func hostFunc(session *hostimport.Session, name, allocator string) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		reqPtr := api.DecodeU32(stack[0])
		reqLen := api.DecodeU32(stack[1])
		outPtr := api.DecodeU32(stack[2])

		request, err := readRegion(mod.Memory(), reqPtr, reqLen)
		if err != nil {
			panic(fmt.Errorf("%s: read request: %w", name, err))
		}

		result := session.Call(ctx, name, request)

		ptr, size, err := writeBuffer(ctx, mod, allocator, result.Body)
		if err != nil {
			panic(fmt.Errorf("%s: write response: %w", name, err))
		}
		if err := writeWords(mod.Memory(), outPtr, ptr, size); err != nil {
			panic(fmt.Errorf("%s: write response header: %w", name, err))
		}
		stack[0] = api.EncodeU32(uint32(result.Status))
	}
}
