package sandbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

const pageSize = 65536

var (
	errMemoryGrow    = errors.New("sandbox: linear memory limit reached")
	errOutOfBounds   = errors.New("sandbox: guest memory access out of bounds")
	errNoGuestMemory = errors.New("sandbox: guest has no memory")
)

// allocate reserves size bytes in guest memory using the guest allocator
// when one is exported, otherwise by growing memory.
func allocate(ctx context.Context, mod api.Module, allocator string, size uint32) (uint32, error) {
	if size == 0 {
		return 0, nil
	}
	if allocator != "" {
		fn := mod.ExportedFunction(allocator)
		if fn == nil {
			return 0, fmt.Errorf("sandbox: allocator %q not exported", allocator)
		}
		var (
			results []uint64
			err     error
		)
		if allocator == "cabi_realloc" {
			results, err = fn.Call(ctx, 0, 0, 1, uint64(size))
		} else {
			results, err = fn.Call(ctx, uint64(size))
		}
		if err != nil {
			return 0, err
		}
		if len(results) != 1 {
			return 0, fmt.Errorf("sandbox: allocator %q returned %d values", allocator, len(results))
		}
		return uint32(results[0]), nil
	}

	mem := mod.Memory()
	if mem == nil {
		return 0, errNoGuestMemory
	}
	pages := (size + pageSize - 1) / pageSize
	previous, ok := mem.Grow(pages)
	if !ok {
		return 0, errMemoryGrow
	}
	return previous * pageSize, nil
}

// writeBuffer copies data into freshly allocated guest memory.
func writeBuffer(ctx context.Context, mod api.Module, allocator string, data []byte) (uint32, uint32, error) {
	size := uint32(len(data))
	ptr, err := allocate(ctx, mod, allocator, size)
	if err != nil {
		return 0, 0, err
	}
	if size == 0 {
		return ptr, 0, nil
	}
	if !mod.Memory().Write(ptr, data) {
		return 0, 0, errOutOfBounds
	}
	return ptr, size, nil
}

// readRegion copies length bytes at ptr out of guest memory.
func readRegion(mem api.Memory, ptr, length uint32) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	if mem == nil {
		return nil, errNoGuestMemory
	}
	view, ok := mem.Read(ptr, length)
	if !ok {
		return nil, fmt.Errorf("%w: [%d, +%d)", errOutOfBounds, ptr, length)
	}
	return append([]byte(nil), view...), nil
}

// readWords reads n consecutive little-endian u32 values at ptr.
func readWords(mem api.Memory, ptr uint32, n int) ([]uint32, error) {
	if mem == nil {
		return nil, errNoGuestMemory
	}
	out := make([]uint32, n)
	for i := range out {
		v, ok := mem.ReadUint32Le(ptr + uint32(4*i))
		if !ok {
			return nil, fmt.Errorf("%w: word at %d", errOutOfBounds, ptr+uint32(4*i))
		}
		out[i] = v
	}
	return out, nil
}

func writeWords(mem api.Memory, ptr uint32, words ...uint32) error {
	if mem == nil {
		return errNoGuestMemory
	}
	for i, w := range words {
		if !mem.WriteUint32Le(ptr+uint32(4*i), w) {
			return fmt.Errorf("%w: word at %d", errOutOfBounds, ptr+uint32(4*i))
		}
	}
	return nil
}
