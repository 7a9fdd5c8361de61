package tool

import "context"

// Store persists tool entries outside a registry file.
type Store interface {
	List(ctx context.Context) ([]Entry, error)
	Get(ctx context.Context, name string) (Entry, bool, error)
	Upsert(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, name string) error
}

// RegistryFromStore loads every stored entry into a new Registry.
func RegistryFromStore(ctx context.Context, store Store) (*Registry, error) {
	entries, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	return NewRegistry(entries...)
}
