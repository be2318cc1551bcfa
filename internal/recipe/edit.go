package recipe

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Timestamp layout for backup suffixes. Second resolution keeps the
// names sortable; a numeric counter disambiguates same-second backups.
const backupStamp = "20060102T150405Z"

// Applies a set of field changes to a metafile atomically.
//
// The sequence is: back up the current file beside it, render the
// updated document to a temporary sibling, rename the sibling over the
// original, then prune backups beyond the retention count. Existing
// keys are rewritten in place; new keys are appended to their section.
// On any failure the newest backup is restored and [ErrWrite] is
// returned.
func (s *Store) UpdateAtomic(path string, changes map[string]string) error {
	doc, err := s.LoadDocument(path)
	if err != nil {
		return err
	}

	backup, err := s.backup(path)
	if err != nil {
		return fmt.Errorf("%w: backing up %s: %v", ErrWrite, path, err)
	}

	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		doc.Set(k, changes[k])
	}

	if err := replaceFile(path, doc.Bytes()); err != nil {
		if rerr := copyFile(backup, path); rerr != nil {
			slog.Error("restore after failed write also failed", "path", path, "error", rerr)
		}
		return fmt.Errorf("%w: %s: %v", ErrWrite, path, err)
	}

	s.pruneBackups(path)

	slog.Debug("recipe updated", "path", path, "fields", strings.Join(keys, ","))
	return nil
}

// Writes data to a temporary sibling of path and renames it over the
// original, so readers observe either the old or the new content.
func replaceFile(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Creates a timestamped backup beside the metafile and returns its path.
func (s *Store) backup(path string) (string, error) {
	stamp := time.Now().UTC().Format(backupStamp)
	backup := fmt.Sprintf("%s.bak.%s", path, stamp)
	for n := 1; fileExists(backup); n++ {
		backup = fmt.Sprintf("%s.bak.%s.%d", path, stamp, n)
	}
	if err := copyFile(path, backup); err != nil {
		return "", err
	}
	return backup, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

// Returns the metafile's backups, newest first.
func backupsOf(path string) []string {
	matches, _ := filepath.Glob(path + ".bak.*")
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches
}

// Removes backups beyond the retention count.
func (s *Store) pruneBackups(path string) {
	backups := backupsOf(path)
	for _, old := range backups[min(len(backups), s.retention):] {
		if err := os.Remove(old); err != nil {
			slog.Warn("pruning backup failed", "path", old, "error", err)
		}
	}
}

// Restores a metafile from its newest backup, making the file
// byte-identical to the backup. The backup itself is retained.
func (s *Store) Restore(path string) error {
	backups := backupsOf(path)
	if len(backups) == 0 {
		return fmt.Errorf("%w: %s", ErrNoBackup, path)
	}
	if err := copyFile(backups[0], path); err != nil {
		return fmt.Errorf("%w: restoring %s: %v", ErrWrite, path, err)
	}
	slog.Info("recipe restored", "path", path, "backup", backups[0])
	return nil
}

// Removes all but the newest keep backups of a metafile. A negative
// keep uses the store retention.
func (s *Store) CleanBackups(path string, keep int) (int, error) {
	if keep < 0 {
		keep = s.retention
	}
	backups := backupsOf(path)
	removed := 0
	for _, old := range backups[min(len(backups), keep):] {
		if err := os.Remove(old); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Produces a field-level diff between the metafile and its newest
// backup: one "-" line for each removed or changed old value and one
// "+" line for each added or changed new value.
func (s *Store) Diff(path string) (string, error) {
	backups := backupsOf(path)
	if len(backups) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoBackup, path)
	}

	oldDoc, err := s.LoadDocument(backups[0])
	if err != nil {
		return "", err
	}
	newDoc, err := s.LoadDocument(path)
	if err != nil {
		return "", err
	}

	oldFields := collectFields(oldDoc)
	newFields := collectFields(newDoc)

	keys := make(map[string]bool)
	for k := range oldFields {
		keys[k] = true
	}
	for k := range newFields {
		keys[k] = true
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var b strings.Builder
	for _, k := range sorted {
		oldVals, hadOld := oldFields[k]
		newVals, hasNew := newFields[k]
		if hadOld && hasNew && strings.Join(oldVals, "\x00") == strings.Join(newVals, "\x00") {
			continue
		}
		if hadOld {
			for _, v := range oldVals {
				fmt.Fprintf(&b, "-%s = %s\n", k, v)
			}
		}
		if hasNew {
			for _, v := range newVals {
				fmt.Fprintf(&b, "+%s = %s\n", k, v)
			}
		}
	}
	return b.String(), nil
}

func collectFields(doc *Document) map[string][]string {
	fields := make(map[string][]string)
	doc.Entries(func(key, value string) bool {
		fields[key] = append(fields[key], value)
		return true
	})
	return fields
}
