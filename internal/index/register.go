package index

import "github.com/hupe1980/segtable/internal/storage"

// Backend names understood by Register.
const (
	BackendBTree = "btree"
	BackendHash  = "hash"
)

// Register adds the writable index backends of this package to r.
func Register(r *storage.Registry) {
	r.RegisterIndex(BackendBTree, storage.IndexBackend{
		Ordered: true,
		New: func(env storage.Env, opts storage.IndexOptions) storage.WritableIndex {
			return NewBTree(env.FS, opts)
		},
		Load: func(env storage.Env, opts storage.IndexOptions, path string) (storage.WritableIndex, error) {
			b, err := LoadBTree(env.FS, opts, path)
			if err != nil {
				return nil, err
			}
			return b, nil
		},
	})
	r.RegisterIndex(BackendHash, storage.IndexBackend{
		New: func(env storage.Env, opts storage.IndexOptions) storage.WritableIndex {
			return NewHash(env.FS, opts)
		},
		Load: func(env storage.Env, opts storage.IndexOptions, path string) (storage.WritableIndex, error) {
			h, err := LoadHash(env.FS, opts, path)
			if err != nil {
				return nil, err
			}
			return h, nil
		},
	})
}
