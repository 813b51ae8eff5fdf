package store

import "github.com/hupe1980/segtable/internal/storage"

// BackendMem is the name of the MemStore backend.
const BackendMem = "mem"

// Register adds the writable store backends of this package to r.
func Register(r *storage.Registry) {
	r.RegisterStore(BackendMem, storage.StoreBackend{
		New: func(env storage.Env) storage.WritableStore {
			return NewMemStore(env.FS)
		},
		Load: func(env storage.Env, path string) (storage.WritableStore, error) {
			s, err := LoadMemStore(env.FS, path)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
	})
}
