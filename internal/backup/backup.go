// Package backup manages timestamped copies of the graph snapshot:
// creation, verified restore, and retention.
package backup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/engramdb/engram/internal/graph"
	"github.com/engramdb/engram/internal/persist"
)

const (
	prefix = "engram-"
	ext    = ".engram"
)

// DefaultDir returns the backup directory inside an engine directory.
func DefaultDir(engineDir string) string {
	return filepath.Join(engineDir, "backups")
}

// Backup copies the snapshot at snapshotPath into dir under a
// timestamped name and returns the destination path. The snapshot is
// decoded first, so a truncated or corrupt file never becomes a backup.
func Backup(snapshotPath, dir string) (string, error) {
	if err := verify(snapshotPath); err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}

	dst := nextPath(dir, time.Now())
	if err := copyFile(snapshotPath, dst); err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}
	return dst, nil
}

// Restore replaces the snapshot at snapshotPath with the backup at
// backupPath. The backup is decoded before anything is overwritten.
func Restore(backupPath, snapshotPath string) error {
	if err := verify(backupPath); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if err := copyFile(backupPath, snapshotPath); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	return nil
}

// Rotate keeps the keepN most recent backups in dir and deletes the
// rest. Names embed the creation timestamp, so lexical order is age
// order.
func Rotate(dir string, keepN int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("rotate: %w", err)
	}

	var backups []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ext) {
			backups = append(backups, name)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))

	if len(backups) <= keepN {
		return nil
	}
	for _, name := range backups[keepN:] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("rotate: remove %s: %w", name, err)
		}
	}
	return nil
}

// List returns the backup paths in dir, newest first.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("backup: %w", err)
	}
	var backups []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ext) {
			backups = append(backups, filepath.Join(dir, name))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))
	return backups, nil
}

// verify decodes the snapshot into a throwaway store.
func verify(path string) error {
	return persist.Load(path, graph.NewStore())
}

// nextPath picks a timestamped name, suffixing a sequence number when
// two backups land in the same second.
func nextPath(dir string, now time.Time) string {
	ts := now.Format("20060102-150405")
	path := filepath.Join(dir, prefix+ts+ext)
	for seq := 1; ; seq++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
		path = filepath.Join(dir, fmt.Sprintf("%s%s-%d%s", prefix, ts, seq, ext))
	}
}

// copyFile writes dst atomically: a temp file in the destination
// directory, synced, then renamed into place.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
