package segtable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/segtable/blobstore"
	"github.com/hupe1980/segtable/internal/fs"
	"github.com/hupe1980/segtable/internal/hash"
	"github.com/hupe1980/segtable/internal/manifest"
	"github.com/hupe1980/segtable/schema"
)

// BackupInfo describes a committed backup.
type BackupInfo struct {
	// Version is the manifest version. Versions grow across all backups in
	// one store.
	Version   uint64
	Name      string
	BackupID  uuid.UUID
	TableID   uuid.UUID
	CreatedAt time.Time
	// Rows is the number of row ids handed out when the backup started.
	Rows  int64
	Files int
	Bytes int64
}

func backupInfo(m *manifest.Manifest) BackupInfo {
	info := BackupInfo{
		Version:   m.ID,
		Name:      m.Name,
		BackupID:  m.BackupID,
		TableID:   m.TableID,
		CreatedAt: m.CreatedAt,
		Rows:      m.Rows,
		Files:     len(m.Files),
	}
	for _, f := range m.Files {
		info.Bytes += f.Size
	}
	return info
}

// stagingSuffix plus a random id names the directory a backup snapshot is
// written to before upload.
const stagingSuffix = ".backup-"

func validBlobPath(p string) bool {
	return p != "" && p != "." &&
		path.Clean(p) == p &&
		!path.IsAbs(p) &&
		p != ".." && !strings.HasPrefix(p, "../")
}

// Backup copies a consistent snapshot of the table into store under name/.
// The backup becomes visible to Restore only once its manifest has been
// committed as CURRENT. Wrap store in a DynamoDB commit store to make that
// commit a conditional write.
func (tbl *Table) Backup(ctx context.Context, store blobstore.BlobStore, name string) (BackupInfo, error) {
	m, err := tbl.backup(ctx, store, name)
	var info BackupInfo
	if m != nil {
		info = backupInfo(m)
	}
	tbl.logger.LogBackup(ctx, "backup", name, info.Files, err)
	return info, translateError(err)
}

func (tbl *Table) backup(ctx context.Context, store blobstore.BlobStore, name string) (*manifest.Manifest, error) {
	if !validBlobPath(name) || name == manifest.CurrentFileName {
		return nil, fmt.Errorf("%w: invalid backup name %q", ErrInvalidArgument, name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fsys := tbl.opts.fileSystem()

	// The snapshot is staged next to the table, on the same FileSystem.
	staging := filepath.Clean(tbl.t.Dir()) + stagingSuffix + uuid.NewString()
	if err := fsys.MkdirAll(staging, 0o755); err != nil {
		return nil, err
	}
	defer func() { _ = fsys.RemoveAll(staging) }() // Intentionally ignore: temp cleanup

	rows := tbl.t.NumRows()
	snapshot := filepath.Join(staging, "table")
	if err := tbl.t.Save(snapshot); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	files, err := listFiles(fsys, snapshot)
	if err != nil {
		return nil, err
	}

	m := manifest.New(name, tbl.t.Config().TableID)
	m.Rows = rows
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fi := manifest.FileInfo{Path: rel}
		fi.Size, fi.CRC32C, err = uploadFile(ctx, fsys, store, filepath.Join(snapshot, filepath.FromSlash(rel)), m.BlobName(fi))
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", rel, err)
		}
		m.Files = append(m.Files, fi)
	}

	if err := manifest.NewStore(store).Save(ctx, m); err != nil {
		return nil, fmt.Errorf("commit manifest: %w", err)
	}
	return m, nil
}

// listFiles returns the slash separated paths of all regular files below
// root, sorted.
func listFiles(fsys fs.FileSystem, root string) ([]string, error) {
	var out []string
	var walk func(dir, rel string) error
	walk = func(dir, rel string) error {
		entries, err := fsys.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			p := path.Join(rel, e.Name())
			if e.IsDir() {
				if err := walk(filepath.Join(dir, e.Name()), p); err != nil {
					return err
				}
				continue
			}
			out = append(out, p)
		}
		return nil
	}
	if err := walk(root, ""); err != nil {
		return nil, err
	}
	slices.Sort(out)
	return out, nil
}

func uploadFile(ctx context.Context, fsys fs.FileSystem, store blobstore.BlobStore, src, blobName string) (int64, uint32, error) {
	f, err := fsys.OpenFile(src, os.O_RDONLY, 0)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = f.Close() }()

	w, err := store.Create(ctx, blobName)
	if err != nil {
		return 0, 0, err
	}
	crc := hash.NewCRC32C()
	n, err := io.Copy(io.MultiWriter(w, crc), f)
	if err != nil {
		_ = blobstore.Abort(w) // Intentionally ignore: the copy error wins
		return 0, 0, err
	}
	if err := w.Close(); err != nil {
		return 0, 0, err
	}
	return n, crc.Sum32(), nil
}

// ListBackups returns every readable backup in store ordered by version.
func ListBackups(ctx context.Context, store blobstore.BlobStore) ([]BackupInfo, error) {
	ms, err := manifest.NewStore(store).ListVersions(ctx)
	if err != nil {
		return nil, translateError(err)
	}
	out := make([]BackupInfo, 0, len(ms))
	for _, m := range ms {
		out = append(out, backupInfo(m))
	}
	return out, nil
}

// Restore downloads the backup CURRENT points to into dir and opens it.
// dir must not hold a table. Every file is checked against the size and
// CRC32C recorded in the manifest before the table is opened.
func Restore(ctx context.Context, store blobstore.BlobStore, dir string, optFns ...Option) (*Table, error) {
	return RestoreVersion(ctx, store, 0, dir, optFns...)
}

// RestoreVersion is like Restore but restores the given manifest version.
// Version 0 means the one CURRENT points to.
func RestoreVersion(ctx context.Context, store blobstore.BlobStore, version uint64, dir string, optFns ...Option) (*Table, error) {
	o := applyOptions(optFns)
	logger := o.logger.WithTable(dir)

	var name string
	files := 0
	err := func() error {
		m, err := manifest.NewStore(store).LoadVersion(ctx, version)
		if err != nil {
			return err
		}
		name, files = m.Name, len(m.Files)
		return restore(ctx, store, m, o.fileSystem(), dir)
	}()
	logger.LogBackup(ctx, "restore", name, files, err)
	if err != nil {
		return nil, translateError(err)
	}
	return Open(dir, optFns...)
}

func restore(ctx context.Context, store blobstore.BlobStore, m *manifest.Manifest, fsys fs.FileSystem, dir string) error {
	switch entries, err := fsys.ReadDir(dir); {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return err
	case len(entries) > 0:
		return fmt.Errorf("%w: restore target %s is not empty", ErrInvalidArgument, dir)
	default:
		if err := fsys.Remove(dir); err != nil {
			return err
		}
	}

	hasMeta := false
	for _, f := range m.Files {
		if !validBlobPath(f.Path) {
			return fmt.Errorf("%w: invalid file path %q", manifest.ErrCorrupt, f.Path)
		}
		hasMeta = hasMeta || f.Path == schema.MetaFileName
	}
	if !hasMeta {
		return fmt.Errorf("%w: backup %s has no %s", manifest.ErrCorrupt, m.Name, schema.MetaFileName)
	}

	tmp := filepath.Clean(dir) + ".restore.tmp"
	if err := fsys.RemoveAll(tmp); err != nil {
		return err
	}
	ok := false
	defer func() {
		if !ok {
			_ = fsys.RemoveAll(tmp) // Intentionally ignore: failure path
		}
	}()

	for _, f := range m.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := downloadFile(ctx, store, m.BlobName(f), fsys, filepath.Join(tmp, filepath.FromSlash(f.Path)), f); err != nil {
			return fmt.Errorf("download %s: %w", f.Path, err)
		}
	}
	if err := fsys.Rename(tmp, dir); err != nil {
		return err
	}
	ok = true
	return nil
}

func downloadFile(ctx context.Context, store blobstore.BlobStore, blobName string, fsys fs.FileSystem, dst string, want manifest.FileInfo) error {
	b, err := store.Open(ctx, blobName)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()
	if b.Size() != want.Size {
		return fmt.Errorf("%w: size %d, manifest says %d", hash.ErrChecksumMismatch, b.Size(), want.Size)
	}

	if err := fsys.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	f, err := fsys.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	crc := hash.NewCRC32C()
	if want.Size > 0 {
		r, err := b.ReadRange(ctx, 0, want.Size)
		if err != nil {
			_ = f.Close()
			return err
		}
		_, err = io.Copy(io.MultiWriter(f, crc), r)
		_ = r.Close()
		if err != nil {
			_ = f.Close()
			return err
		}
	}
	if crc.Sum32() != want.CRC32C {
		_ = f.Close()
		return fmt.Errorf("%w: crc32c %08x, manifest says %08x", hash.ErrChecksumMismatch, crc.Sum32(), want.CRC32C)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
