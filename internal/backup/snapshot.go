// Package backup creates and restores point-in-time snapshots of the sqlite
// database behind a collection store. Snapshots use VACUUM INTO, which
// produces a consistent copy even with WAL mode active, so they can run
// against a live service.
package backup

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

// snapshotTimeFormat names snapshot files sortably by creation time.
const snapshotTimeFormat = "20060102-150405"

// Snapshot describes one backup file on disk.
type Snapshot struct {
	Path      string
	CreatedAt time.Time
	SizeBytes int64
}

// Create writes a verified snapshot of the database at sourcePath into
// destDir and returns its description.
func Create(sourcePath, destDir string) (*Snapshot, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("backup: failed to create %s: %w", destDir, err)
	}

	now := time.Now().UTC()
	destPath := filepath.Join(destDir, fmt.Sprintf("memkb-%s.db", now.Format(snapshotTimeFormat)))

	src, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", sourcePath))
	if err != nil {
		return nil, fmt.Errorf("backup: failed to open source database: %w", err)
	}
	defer src.Close()

	if err := src.Ping(); err != nil {
		return nil, fmt.Errorf("backup: source database unreachable: %w", err)
	}
	if _, err := src.Exec(fmt.Sprintf("VACUUM INTO '%s'", destPath)); err != nil {
		return nil, fmt.Errorf("backup: snapshot failed: %w", err)
	}

	if err := Verify(destPath); err != nil {
		os.Remove(destPath)
		return nil, err
	}

	info, err := os.Stat(destPath)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to stat snapshot: %w", err)
	}
	return &Snapshot{Path: destPath, CreatedAt: now, SizeBytes: info.Size()}, nil
}

// Verify runs sqlite's integrity check against the snapshot.
func Verify(path string) error {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return fmt.Errorf("backup: failed to open snapshot: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("backup: integrity check failed to run: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("backup: snapshot %s is corrupt: %s", path, result)
	}
	return nil
}

// Restore copies a verified snapshot over targetPath. The service must not
// be running against the target while restoring.
func Restore(snapshotPath, targetPath string) error {
	if err := Verify(snapshotPath); err != nil {
		return err
	}
	data, err := os.ReadFile(snapshotPath)
	if err != nil {
		return fmt.Errorf("backup: failed to read snapshot: %w", err)
	}
	// Drop stale WAL sidecars so sqlite does not replay them over the
	// restored file.
	os.Remove(targetPath + "-wal")
	os.Remove(targetPath + "-shm")
	if err := os.WriteFile(targetPath, data, 0o644); err != nil {
		return fmt.Errorf("backup: failed to write %s: %w", targetPath, err)
	}
	return nil
}

// List returns the snapshots in dir, newest first.
func List(dir string) ([]Snapshot, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("backup: failed to read %s: %w", dir, err)
	}

	var snaps []Snapshot
	for _, entry := range entries {
		var stamp string
		if n, _ := fmt.Sscanf(entry.Name(), "memkb-%15s.db", &stamp); n != 1 {
			continue
		}
		created, err := time.Parse(snapshotTimeFormat, stamp)
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		snaps = append(snaps, Snapshot{
			Path:      filepath.Join(dir, entry.Name()),
			CreatedAt: created,
			SizeBytes: info.Size(),
		})
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.After(snaps[j].CreatedAt) })
	return snaps, nil
}

// Prune deletes all but the newest keep snapshots in dir.
func Prune(dir string, keep int) (int, error) {
	snaps, err := List(dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for i := keep; i < len(snaps); i++ {
		if err := os.Remove(snaps[i].Path); err != nil {
			return removed, fmt.Errorf("backup: failed to remove %s: %w", snaps[i].Path, err)
		}
		removed++
	}
	return removed, nil
}
