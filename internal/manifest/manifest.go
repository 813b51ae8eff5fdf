package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/segtable/blobstore"
)

const (
	ManifestFileName = "MANIFEST"
	CurrentFileName  = "CURRENT"
	// CurrentVersion is the version of the manifest format.
	CurrentVersion = 1

	manifestExt = ".bin"
)

// Manifest describes one backup of a table.
type Manifest struct {
	Version   int        `json:"version"`
	ID        uint64     `json:"id"`
	CreatedAt time.Time  `json:"created_at"`
	BackupID  uuid.UUID  `json:"backup_id"`
	TableID   uuid.UUID  `json:"table_id"`
	Name      string     `json:"name"`
	Rows      int64      `json:"rows"`
	Files     []FileInfo `json:"files"`
}

// New creates a manifest for a backup called name.
func New(name string, tableID uuid.UUID) *Manifest {
	return &Manifest{
		Version:   CurrentVersion,
		CreatedAt: time.Now().UTC(),
		BackupID:  uuid.New(),
		TableID:   tableID,
		Name:      name,
	}
}

// FileInfo describes a single backed up file.
type FileInfo struct {
	// Path is relative to the table directory, slash separated.
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	CRC32C uint32 `json:"crc32c"`
}

// BlobName returns the blob holding f inside the backup.
func (m *Manifest) BlobName(f FileInfo) string {
	return path.Join(m.Name, f.Path)
}

// FileName returns the blob name of manifest version id inside backup name.
func FileName(name string, id uint64) string {
	return path.Join(name, fmt.Sprintf("%s-%06d%s", ManifestFileName, id, manifestExt))
}

// Store manages manifest blobs and the CURRENT pointer.
type Store struct {
	store blobstore.BlobStore
	mu    sync.Mutex
}

// NewStore creates a new manifest store.
func NewStore(store blobstore.BlobStore) *Store {
	return &Store{store: store}
}

// Load loads the manifest CURRENT points to.
func (s *Store) Load(ctx context.Context) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadCurrent(ctx)
}

func (s *Store) loadCurrent(ctx context.Context) (*Manifest, error) {
	content, err := blobstore.ReadAll(ctx, s.store, CurrentFileName)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	name := strings.TrimSpace(string(content))
	if name == "" {
		return nil, fmt.Errorf("%w: empty %s", ErrCorrupt, CurrentFileName)
	}
	return s.load(ctx, name)
}

// LoadVersion loads a specific version ID. 0 means latest.
func (s *Store) LoadVersion(ctx context.Context, versionID uint64) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if versionID == 0 {
		return s.loadCurrent(ctx)
	}
	name, err := s.find(ctx, versionID)
	if err != nil {
		return nil, err
	}
	return s.load(ctx, name)
}

func (s *Store) load(ctx context.Context, name string) (*Manifest, error) {
	data, err := blobstore.ReadAll(ctx, s.store, name)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to open manifest %s: %w", name, err)
	}
	m, err := ReadBinary(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", name, err)
	}
	return m, nil
}

// find locates the blob of a version without knowing its backup name.
func (s *Store) find(ctx context.Context, versionID uint64) (string, error) {
	files, err := s.store.List(ctx, "")
	if err != nil {
		return "", err
	}
	want := fmt.Sprintf("%s-%06d%s", ManifestFileName, versionID, manifestExt)
	for _, f := range files {
		if path.Base(f) == want {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: version %d", ErrNotFound, versionID)
}

func isManifest(name string) bool {
	base := path.Base(name)
	return strings.HasPrefix(base, ManifestFileName+"-") && path.Ext(base) == manifestExt
}

// ListVersions returns all readable manifests ordered by ID. Corrupted or
// unreadable manifests are skipped.
func (s *Store) ListVersions(ctx context.Context) ([]*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var manifests []*Manifest
	for _, f := range files {
		if !isManifest(f) {
			continue
		}
		m, err := s.load(ctx, f)
		if err != nil {
			continue
		}
		manifests = append(manifests, m)
	}
	slices.SortFunc(manifests, func(a, b *Manifest) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return manifests, nil
}

// Save assigns m the next version ID, writes it and then points CURRENT at
// it. The manifest is not visible to Load until the second step succeeds.
func (s *Store) Save(ctx context.Context, m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Name == "" {
		return errors.New("manifest: empty backup name")
	}
	var last uint64
	switch cur, err := s.loadCurrent(ctx); {
	case err == nil:
		last = cur.ID
	case errors.Is(err, ErrNotFound):
	default:
		return err
	}
	if m.ID < last {
		m.ID = last
	}
	m.Version = CurrentVersion
	m.ID++
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	var buf bytes.Buffer
	if err := m.WriteBinary(&buf); err != nil {
		return err
	}

	filename := FileName(m.Name, m.ID)
	if err := s.store.Put(ctx, filename, buf.Bytes()); err != nil {
		return err
	}
	return s.store.Put(ctx, CurrentFileName, []byte(filename))
}

// DeleteVersion deletes the manifest blob of the given version. The files
// of the backup are left alone.
func (s *Store) DeleteVersion(ctx context.Context, versionID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name, err := s.find(ctx, versionID)
	if err != nil {
		return err
	}
	return s.store.Delete(ctx, name)
}
