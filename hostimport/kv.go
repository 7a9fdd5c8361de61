package hostimport

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// KVStore stores values under namespaced keys ("env/tenant/namespace/key").
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// KVRequest is the guest payload for kv_get and kv_put.
type KVRequest struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Value     string `json:"value,omitempty"`
	TTLMS     int64  `json:"ttl_ms,omitempty"`
}

func (s *Session) decodeKV(name string, payload []byte) (KVRequest, string, *Result) {
	if s.bridge.cfg.KV == nil {
		res := s.deny(name, CodeKVDisabled, "no key-value store is configured")
		return KVRequest{}, "", &res
	}
	var req KVRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		res := errorResult(CodeInvalidRequest, "decode kv request: "+err.Error())
		return KVRequest{}, "", &res
	}
	if strings.TrimSpace(req.Key) == "" || strings.Contains(req.Namespace, "/") {
		res := errorResult(CodeInvalidRequest, "kv key is required and namespace must not contain '/'")
		return KVRequest{}, "", &res
	}
	return req, s.tenant.Namespace(req.Namespace, req.Key), nil
}

func (s *Session) kvGet(ctx context.Context, payload []byte) Result {
	_, key, res := s.decodeKV(ImportKVGet, payload)
	if res != nil {
		return *res
	}
	value, ok, err := s.bridge.cfg.KV.Get(ctx, key)
	if err != nil {
		return errorResult(CodeBackend, err.Error())
	}
	if !ok {
		return Result{Status: StatusAbsent}
	}
	return Result{Status: StatusOK, Body: value}
}

func (s *Session) kvPut(ctx context.Context, payload []byte) Result {
	req, key, res := s.decodeKV(ImportKVPut, payload)
	if res != nil {
		return *res
	}
	ttl := time.Duration(req.TTLMS) * time.Millisecond
	if err := s.bridge.cfg.KV.Put(ctx, key, []byte(req.Value), ttl); err != nil {
		return errorResult(CodeBackend, err.Error())
	}
	return Result{Status: StatusOK}
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// MemoryKV is an in-process KVStore.
type MemoryKV struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	now   func() time.Time
}

// NewMemoryKV returns an empty store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		items: make(map[string]memoryItem),
		now:   time.Now,
	}
}

// Get implements KVStore.
func (m *MemoryKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()
	if !ok || (!item.expiresAt.IsZero() && !m.now().Before(item.expiresAt)) {
		return nil, false, nil
	}
	return append([]byte(nil), item.value...), true, nil
}

// Put implements KVStore.
func (m *MemoryKV) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	item := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expiresAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.items[key] = item
	m.mu.Unlock()
	return nil
}
