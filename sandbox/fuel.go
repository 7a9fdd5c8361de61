package sandbox

import (
	"context"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
)

// fuelMeter charges one unit per guest function call and cancels the
// attempt once the budget is spent.
type fuelMeter struct {
	remaining atomic.Int64
	exhausted atomic.Bool
	cancel    context.CancelFunc
}

func newFuelMeter(budget uint64, cancel context.CancelFunc) *fuelMeter {
	m := &fuelMeter{cancel: cancel}
	if budget > uint64(1<<62) {
		budget = 1 << 62
	}
	m.remaining.Store(int64(budget))
	return m
}

// Exhausted reports whether the budget ran out.
func (m *fuelMeter) Exhausted() bool {
	return m != nil && m.exhausted.Load()
}

func (m *fuelMeter) factory() experimental.FunctionListenerFactory {
	return experimental.FunctionListenerFactoryFunc(func(def api.FunctionDefinition) experimental.FunctionListener {
		if def.GoFunction() != nil {
			return nil
		}
		return m
	})
}

func (m *fuelMeter) Before(context.Context, api.Module, api.FunctionDefinition, []uint64, experimental.StackIterator) {
	if m.remaining.Add(-1) >= 0 {
		return
	}
	if m.exhausted.CompareAndSwap(false, true) {
		m.cancel()
	}
}

func (m *fuelMeter) After(context.Context, api.Module, api.FunctionDefinition, []uint64) {}

func (m *fuelMeter) Abort(context.Context, api.Module, api.FunctionDefinition, error) {}
