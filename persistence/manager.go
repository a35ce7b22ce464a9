package persistence

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hivellm/vectorizer/blobstore"
	"github.com/hivellm/vectorizer/model"
)

const (
	archiveExt   = ".vzr"
	vectorExt    = ".vectors"
	snapshotDir  = "snapshots"
	offloadDir   = "snapshots"
	timestampFmt = "20060102T150405"
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Offload, when set, receives a copy of every snapshot.
	Offload blobstore.Store

	// OffloadRate paces snapshot uploads. Zero means unlimited.
	OffloadRate rate.Limit

	// SnapshotRetention is how many snapshots PruneSnapshots keeps per
	// collection. Zero keeps the default of 5.
	SnapshotRetention int
}

// Manager owns the on-disk layout of a data directory:
//
//	<dir>/<tenant>/<collection>.vzr       archive
//	<dir>/<tenant>/<collection>.vectors   warm mmap sidecar
//	<dir>/<tenant>/snapshots/<collection>-<ts>-<id>.vzr
//
// All writes go through temp-file-and-rename, so a crash mid-flush
// leaves the previous archive intact.
type Manager struct {
	dir       string
	offload   blobstore.Store
	limiter   *rate.Limiter
	retention int
}

// NewManager creates a manager rooted at dir, creating it if needed.
func NewManager(dir string, optFns ...func(o *ManagerOptions)) (*Manager, error) {
	opts := ManagerOptions{SnapshotRetention: 5}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.SnapshotRetention <= 0 {
		opts.SnapshotRetention = 5
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("persistence: create data dir: %w", err)
	}

	var limiter *rate.Limiter
	if opts.Offload != nil {
		limit := opts.OffloadRate
		if limit <= 0 {
			limit = rate.Inf
		}
		limiter = rate.NewLimiter(limit, 1)
	}

	return &Manager{
		dir:       dir,
		offload:   opts.Offload,
		limiter:   limiter,
		retention: opts.SnapshotRetention,
	}, nil
}

// Dir returns the root data directory.
func (m *Manager) Dir() string { return m.dir }

func tenantLabel(tenantID string) string {
	if tenantID == "" {
		return "default"
	}
	return tenantID
}

func (m *Manager) tenantDir(tenantID string) string {
	return filepath.Join(m.dir, tenantLabel(tenantID))
}

// ArchivePath returns the archive file path for a collection.
func (m *Manager) ArchivePath(tenantID, name string) string {
	return filepath.Join(m.tenantDir(tenantID), name+archiveExt)
}

// VectorFilePath returns the warm sidecar path for a collection.
func (m *Manager) VectorFilePath(tenantID, name string) string {
	return filepath.Join(m.tenantDir(tenantID), name+vectorExt)
}

// SaveArchive persists the archive and rewrites the warm sidecar.
func (m *Manager) SaveArchive(ctx context.Context, a *Archive) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := m.ArchivePath(a.TenantID, a.Name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	if err := saveToFile(path, func(w io.Writer) error {
		return WriteArchive(w, a)
	}); err != nil {
		return fmt.Errorf("persistence: save archive %s: %w", a.Name, err)
	}

	vectors := make([][]float32, len(a.Slots))
	for i := range a.Slots {
		if a.Slots[i].InUse && !a.Slots[i].Dead {
			vectors[i] = a.Slots[i].Vector
		}
	}
	if err := WriteVectorFile(m.VectorFilePath(a.TenantID, a.Name), a.Config.Dimension, vectors); err != nil {
		return fmt.Errorf("persistence: save vector file %s: %w", a.Name, err)
	}

	return nil
}

// LoadArchive reads a collection's archive. A missing file returns
// os.ErrNotExist; a damaged file returns an error satisfying
// IsCorrupt.
func (m *Manager) LoadArchive(tenantID, name string) (*Archive, error) {
	f, err := os.Open(m.ArchivePath(tenantID, name))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	a, err := ReadArchive(bufio.NewReaderSize(f, 256*1024))
	if err != nil {
		return nil, fmt.Errorf("persistence: load archive %s: %w", name, err)
	}
	return a, nil
}

// DeleteArchive removes the archive, sidecar and snapshots of a
// collection. Absent files are ignored.
func (m *Manager) DeleteArchive(tenantID, name string) error {
	if err := removeIfExists(m.ArchivePath(tenantID, name)); err != nil {
		return err
	}
	if err := removeIfExists(m.VectorFilePath(tenantID, name)); err != nil {
		return err
	}

	snaps, err := m.ListSnapshots(tenantID, name)
	if err != nil {
		return err
	}
	for _, s := range snaps {
		if err := removeIfExists(s.Path); err != nil {
			return err
		}
	}
	return nil
}

// ListArchives returns the collection names with an archive on disk
// for the tenant, sorted.
func (m *Manager) ListArchives(tenantID string) ([]string, error) {
	entries, err := os.ReadDir(m.tenantDir(tenantID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), archiveExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), archiveExt))
	}
	sort.Strings(names)
	return names, nil
}

// Snapshot writes a named point-in-time copy of the archive and, when
// an offload store is configured, uploads it.
func (m *Manager) Snapshot(ctx context.Context, a *Archive) (*model.SnapshotInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	createdAt := time.Now().UTC()
	name := fmt.Sprintf("%s-%s-%s%s",
		a.Name, createdAt.Format(timestampFmt), uuid.NewString()[:8], archiveExt)
	path := filepath.Join(m.tenantDir(a.TenantID), snapshotDir, name)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := saveToFile(path, func(w io.Writer) error {
		return WriteArchive(w, a)
	}); err != nil {
		return nil, fmt.Errorf("persistence: snapshot %s: %w", a.Name, err)
	}

	if m.offload != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		key := offloadDir + "/" + tenantLabel(a.TenantID) + "/" + name
		if err := m.offload.Put(ctx, key, data); err != nil {
			return nil, fmt.Errorf("persistence: offload snapshot %s: %w", name, err)
		}
	}

	return &model.SnapshotInfo{
		Name:       name,
		Collection: a.Name,
		TenantID:   a.TenantID,
		CreatedAt:  createdAt,
		Path:       path,
	}, nil
}

// ListSnapshots returns snapshots of a collection, oldest first.
func (m *Manager) ListSnapshots(tenantID, collection string) ([]model.SnapshotInfo, error) {
	dir := filepath.Join(m.tenantDir(tenantID), snapshotDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	prefix := collection + "-"
	var snaps []model.SnapshotInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), archiveExt) || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		createdAt, ok := snapshotTime(e.Name(), collection)
		if !ok {
			continue
		}
		snaps = append(snaps, model.SnapshotInfo{
			Name:       e.Name(),
			Collection: collection,
			TenantID:   tenantID,
			CreatedAt:  createdAt,
			Path:       filepath.Join(dir, e.Name()),
		})
	}

	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
		}
		return snaps[i].Name < snaps[j].Name
	})
	return snaps, nil
}

// RestoreSnapshot loads a snapshot by name.
func (m *Manager) RestoreSnapshot(tenantID, collection, name string) (*Archive, error) {
	path := filepath.Join(m.tenantDir(tenantID), snapshotDir, name)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	a, err := ReadArchive(bufio.NewReaderSize(f, 256*1024))
	if err != nil {
		return nil, fmt.Errorf("persistence: restore snapshot %s: %w", name, err)
	}
	return a, nil
}

// PruneSnapshots deletes the oldest snapshots beyond the retention
// count and reports how many were removed.
func (m *Manager) PruneSnapshots(ctx context.Context, tenantID, collection string) (int, error) {
	snaps, err := m.ListSnapshots(tenantID, collection)
	if err != nil {
		return 0, err
	}
	if len(snaps) <= m.retention {
		return 0, nil
	}

	doomed := snaps[:len(snaps)-m.retention]
	for _, s := range doomed {
		if err := removeIfExists(s.Path); err != nil {
			return 0, err
		}
		if m.offload != nil {
			key := offloadDir + "/" + tenantLabel(tenantID) + "/" + s.Name
			// Local retention is authoritative; remote deletes are
			// best effort.
			_ = m.offload.Delete(ctx, key)
		}
	}
	return len(doomed), nil
}

// snapshotTime extracts the timestamp from a snapshot file name of the
// form <collection>-<ts>-<id>.vzr.
func snapshotTime(fileName, collection string) (time.Time, bool) {
	rest := strings.TrimPrefix(fileName, collection+"-")
	rest = strings.TrimSuffix(rest, archiveExt)
	parts := strings.Split(rest, "-")
	if len(parts) < 2 {
		return time.Time{}, false
	}
	ts, err := time.Parse(timestampFmt, strings.Join(parts[:len(parts)-1], "-"))
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// saveToFile writes via a temp file in the target directory and
// renames, so readers never observe a partial file.
func saveToFile(path string, write func(w io.Writer) error) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()
	_ = tmp.Chmod(0o644)

	buf := bufio.NewWriterSize(tmp, 256*1024)
	if err := write(buf); err != nil {
		return err
	}
	if err := buf.Flush(); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	// Best-effort directory fsync so the rename survives a crash.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}

	tmpName = ""
	return nil
}
