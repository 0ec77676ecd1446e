// Package backup snapshots a dataset directory into immutable,
// timestamped tar.gz archives and restores them.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/raphaelgruber/memcp-migrate/internal/fsutil"
	"github.com/raphaelgruber/memcp-migrate/internal/source"
)

// Sentinel errors for backup operations.
var (
	// ErrBackupNotFound indicates the requested backup id does not exist.
	ErrBackupNotFound = errors.New("backup not found")

	// ErrNoDataFiles indicates the source directory holds nothing to back up.
	ErrNoDataFiles = errors.New("no data files to back up")
)

// Metadata describes one backup archive. Written atomically alongside
// the archive and never modified afterwards.
type Metadata struct {
	ID        string    `json:"id"`
	Dataset   string    `json:"dataset"`
	FileCount int       `json:"file_count"`
	TotalSize int64     `json:"total_size"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager creates, lists, restores and prunes dataset backups under a
// single backup root directory.
type Manager struct {
	root   string
	logger *slog.Logger
}

// NewManager creates a backup manager rooted at dir.
func NewManager(dir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{root: dir, logger: logger}
}

// Create archives every data-bearing file of sourceDir into a new
// timestamp-named backup for the dataset. The archive and its metadata
// sidecar are written with temp names and renamed into place, so a
// crash never leaves a half-written backup visible.
func (m *Manager) Create(dataset, sourceDir string) (*Metadata, error) {
	files, err := dataFiles(sourceDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoDataFiles, sourceDir)
	}

	dir := filepath.Join(m.root, dataset)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	now := time.Now().UTC()
	id, archivePath, err := reserveID(dir, dataset, now)
	if err != nil {
		return nil, err
	}

	meta := &Metadata{
		ID:        id,
		Dataset:   dataset,
		CreatedAt: now,
	}

	tmpArchive := archivePath + ".tmp"
	size, count, err := writeArchive(tmpArchive, files)
	if err != nil {
		_ = os.Remove(tmpArchive)
		_ = os.Remove(archivePath)
		return nil, fmt.Errorf("write archive: %w", err)
	}
	meta.FileCount = count
	meta.TotalSize = size

	if err := os.Rename(tmpArchive, archivePath); err != nil {
		_ = os.Remove(tmpArchive)
		_ = os.Remove(archivePath)
		return nil, fmt.Errorf("finalize archive: %w", err)
	}

	if err := fsutil.WriteJSONAtomic(filepath.Join(dir, id+".meta.json"), meta); err != nil {
		_ = os.Remove(archivePath)
		return nil, fmt.Errorf("write metadata: %w", err)
	}

	m.logger.Info("backup created",
		"dataset", dataset, "backup_id", id,
		"files", count, "bytes", size)
	return meta, nil
}

// reserveID claims a unique backup id for the dataset by creating the
// archive path exclusively. Timestamps have one-second resolution, so
// a second backup within the same second gets a numeric suffix instead
// of overwriting the first.
func reserveID(dir, dataset string, now time.Time) (string, string, error) {
	base := fmt.Sprintf("%s-%s", dataset, now.Format("20060102T150405"))
	id := base
	for n := 2; ; n++ {
		archivePath := filepath.Join(dir, id+".tar.gz")
		f, err := os.OpenFile(archivePath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_ = f.Close()
			return id, archivePath, nil
		}
		if !os.IsExist(err) {
			return "", "", fmt.Errorf("reserve backup id: %w", err)
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
}

// List returns all backups for a dataset, newest first.
func (m *Manager) List(dataset string) ([]Metadata, error) {
	dir := filepath.Join(m.root, dataset)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Metadata{}, nil
		}
		return nil, fmt.Errorf("read backup dir: %w", err)
	}

	backups := make([]Metadata, 0, len(entries))
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".meta.json") {
			continue
		}
		var meta Metadata
		if err := fsutil.ReadJSON(filepath.Join(dir, entry.Name()), &meta); err != nil {
			m.logger.Warn("skipping unreadable backup metadata", "file", entry.Name(), "error", err)
			continue
		}
		backups = append(backups, meta)
	}

	// Timestamp-derived ids sort chronologically
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].ID > backups[j].ID
	})
	return backups, nil
}

// Restore extracts the backup into targetDir, replacing its current
// data-bearing files. Extraction happens in a staging directory first;
// current files are removed only after extraction succeeds. Restore is
// destructive and callers are expected to confirm before invoking it.
func (m *Manager) Restore(dataset, backupID, targetDir string) error {
	archivePath := filepath.Join(m.root, dataset, backupID+".tar.gz")
	if _, err := os.Stat(archivePath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrBackupNotFound, backupID)
		}
		return fmt.Errorf("stat archive: %w", err)
	}

	staging, err := os.MkdirTemp(filepath.Dir(targetDir), ".restore-*")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	extracted, err := extractArchive(archivePath, staging)
	if err != nil {
		return fmt.Errorf("extract archive: %w", err)
	}

	// Extraction succeeded; swap the data files into place.
	current, err := dataFiles(targetDir)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, f := range current {
		if err := os.Remove(f); err != nil {
			return fmt.Errorf("remove current file %s: %w", filepath.Base(f), err)
		}
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("create target dir: %w", err)
	}
	for _, name := range extracted {
		src := filepath.Join(staging, name)
		dst := filepath.Join(targetDir, name)
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("move restored file %s: %w", name, err)
		}
	}

	m.logger.Info("backup restored",
		"dataset", dataset, "backup_id", backupID, "files", len(extracted))
	return nil
}

// Prune removes all but the newest keep backups of a dataset.
// Returns the ids removed.
func (m *Manager) Prune(dataset string, keep int) ([]string, error) {
	if keep < 0 {
		keep = 0
	}
	backups, err := m.List(dataset)
	if err != nil {
		return nil, err
	}
	if len(backups) <= keep {
		return []string{}, nil
	}

	dir := filepath.Join(m.root, dataset)
	removed := make([]string, 0, len(backups)-keep)
	for _, b := range backups[keep:] {
		if err := os.Remove(filepath.Join(dir, b.ID+".tar.gz")); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove archive %s: %w", b.ID, err)
		}
		if err := os.Remove(filepath.Join(dir, b.ID+".meta.json")); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove metadata %s: %w", b.ID, err)
		}
		removed = append(removed, b.ID)
	}

	m.logger.Info("backups pruned", "dataset", dataset, "removed", len(removed), "kept", keep)
	return removed, nil
}

// dataFiles lists the data-bearing files in dir.
func dataFiles(dir string) ([]string, error) {
	var files []string
	for _, pattern := range source.DataFilePatterns() {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", pattern, err)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	return files, nil
}

// writeArchive writes files into a tar.gz at path, returning the total
// uncompressed byte count and file count.
func writeArchive(path string, files []string) (int64, int, error) {
	out, err := os.Create(path)
	if err != nil {
		return 0, 0, err
	}
	defer out.Close()

	gzw := gzip.NewWriter(out)
	tw := tar.NewWriter(gzw)

	var total int64
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			return 0, 0, fmt.Errorf("stat %s: %w", file, err)
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return 0, 0, fmt.Errorf("header %s: %w", file, err)
		}
		header.Name = filepath.Base(file)
		if err := tw.WriteHeader(header); err != nil {
			return 0, 0, fmt.Errorf("write header %s: %w", file, err)
		}
		f, err := os.Open(file)
		if err != nil {
			return 0, 0, fmt.Errorf("open %s: %w", file, err)
		}
		n, err := io.Copy(tw, f)
		f.Close()
		if err != nil {
			return 0, 0, fmt.Errorf("copy %s: %w", file, err)
		}
		total += n
	}

	if err := tw.Close(); err != nil {
		return 0, 0, err
	}
	if err := gzw.Close(); err != nil {
		return 0, 0, err
	}
	return total, len(files), out.Sync()
}

// extractArchive extracts a tar.gz into dir and returns the extracted
// file names. Entries with path separators are rejected; archives only
// ever hold flat dataset files.
func extractArchive(path, dir string) ([]string, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	gzr, err := gzip.NewReader(in)
	if err != nil {
		return nil, err
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	var names []string
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		name := header.Name
		if name != filepath.Base(name) || name == ".." {
			return nil, fmt.Errorf("unsafe archive entry %q", name)
		}
		out, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return nil, err
		}
		if err := out.Close(); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}
