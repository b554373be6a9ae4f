package cloneengine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// statsTableNames are the table base names MySQL/MariaDB use for
// persistent optimizer statistics, giving the common-engine scanner a
// concrete rule for ClassStatistics.
var statsTableNames = map[string]bool{
	"innodb_table_stats": true,
	"innodb_index_stats": true,
}

// Scanner performs the stage-specific scan/enqueue step. Only task 0
// calls a Scanner method, once per stage; every other task skips straight
// to draining the queue.
type Scanner interface {
	ScanConcurrent(h *CloneHandle) error
	ScanNTDMLBlocked(h *CloneHandle) error
	ScanDDLBlocked(h *CloneHandle) error
	ScanSnapshot(h *CloneHandle) error
}

// FilesystemScanner discovers tables for the common (MyISAM/Aria-style)
// engine variant by walking DataDir: one subdirectory per database, one
// file group per table base name.
type FilesystemScanner struct {
	DataDir string
}

// newTableJob builds a Job closure that copies one table using copyFn,
// capturing only Operations (never the CloneHandle itself), so a handle
// can drain its queue during tear-down without live back-references.
// afterSuccess runs once the copy completes without error: a closure that
// consumes its table passes the map-removal there, while one that merely
// borrows it for a later stage passes nil.
func newTableJob(t *Table, ops Operations, copyFn func(*Table, Operations) error, afterSuccess func()) Job {
	return func(runningErr error) error {
		if runningErr != nil {
			return runningErr
		}
		if ops.SessionKilled() {
			return errSessionKilled
		}
		if err := copyFn(t, ops); err != nil {
			return fmt.Errorf("cloneengine: copying table %s: %w", t.Key(), err)
		}
		if afterSuccess != nil {
			afterSuccess()
		}
		return nil
	}
}

func copyPlain(t *Table, ops Operations) error { return t.Copy(ops, false) }

func copyLogNonFinal(t *Table, ops Operations) error { return t.CopyLog(ops, false) }

func copyLogFinal(t *Table, ops Operations) error { return t.CopyLog(ops, true) }

func copyStats(t *Table, ops Operations) error { return t.CopyStats(ops) }

// discoverTables walks DataDir for every table not already processed by
// h, classifying each by its parsed metadata file where one exists and by
// the extensions of its member files otherwise.
func (s *FilesystemScanner) discoverTables(h *CloneHandle) ([]*Table, error) {
	dbDirs, err := os.ReadDir(s.DataDir)
	if err != nil {
		return nil, fmt.Errorf("cloneengine: scanning data directory %s: %w", s.DataDir, err)
	}
	var tables []*Table
	for _, dbDir := range dbDirs {
		if !dbDir.IsDir() {
			continue
		}
		db := dbDir.Name()
		dir := filepath.Join(s.DataDir, db)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("cloneengine: scanning %s: %w", dir, err)
		}
		seen := make(map[string]bool)
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			stem := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
			key := db + "/" + stem
			if seen[stem] || h.Processed(key) {
				continue
			}
			seen[stem] = true
			files, err := discoverFiles(s.DataDir, dir, stem)
			if err != nil {
				return nil, err
			}
			meta := readTableMeta(files)
			tables = append(tables, &Table{
				DB:      db,
				Name:    stem,
				Version: meta.Version,
				Files:   files,
				class:   classifyTable(stem, files, meta),
			})
		}
	}
	return tables, nil
}

// readTableMeta reads and parses the CREATE TABLE text stored in a
// table's metadata file, if the table has one. A missing or unparseable
// metadata file is not an error here: classification then falls back to
// the extension rules alone.
func readTableMeta(files []File) TableMeta {
	for _, f := range files {
		if ClassifyExt(f.Name) != ClassGeneratedMetadata {
			continue
		}
		raw, err := os.ReadFile(f.Path)
		if err != nil {
			return TableMeta{}
		}
		meta, err := ParseTableMeta(string(raw))
		if err != nil {
			return TableMeta{}
		}
		return meta
	}
	return TableMeta{}
}

func classifyTable(name string, files []File, meta TableMeta) Class {
	if statsTableNames[name] {
		return ClassStatistics
	}
	if strings.EqualFold(meta.Engine, "CSV") {
		return ClassLog
	}
	for _, f := range files {
		if ClassifyExt(f.Name) == ClassLog {
			return ClassLog
		}
	}
	return ClassPlain
}

// ScanConcurrent enqueues every plain table discovered so far under BACKUP
// LOCK; log and statistics tables are recorded for later stages but not
// yet copied.
func (s *FilesystemScanner) ScanConcurrent(h *CloneHandle) error {
	tables, err := s.discoverTables(h)
	if err != nil {
		return err
	}
	for _, t := range tables {
		switch t.Class() {
		case ClassPlain, ClassGeneratedMetadata:
			key := t.Key()
			h.Jobs().Enqueue(newTableJob(t, h, copyPlain, func() { h.MarkProcessed(key) }))
		case ClassLog:
			h.AddLogTable(t)
		case ClassStatistics:
			h.AddStatTable(t)
		}
	}
	return nil
}

// ScanNTDMLBlocked re-scans for files that changed since CONCURRENT,
// copying any newly-discovered plain tables and recording any newly
// discovered log/statistics tables.
func (s *FilesystemScanner) ScanNTDMLBlocked(h *CloneHandle) error {
	return s.ScanConcurrent(h)
}

// ScanDDLBlocked streams the current log tables without finalizing
// (rewriteable-meta files are skipped) now that the global DDL lock
// already excludes writers, so no per-table BACKUP LOCK is needed.
func (s *FilesystemScanner) ScanDDLBlocked(h *CloneHandle) error {
	for _, t := range h.LogTables() {
		h.Jobs().Enqueue(newTableJob(t, h, copyLogNonFinal, nil))
	}
	return nil
}

// ScanSnapshot finalizes every remaining log table (including
// rewriteable-meta files) and copies all statistics tables, at the
// moment of the crash-consistent cut.
func (s *FilesystemScanner) ScanSnapshot(h *CloneHandle) error {
	for _, t := range h.LogTables() {
		key := t.Key()
		h.Jobs().Enqueue(newTableJob(t, h, copyLogFinal, func() { h.RemoveLogTable(key) }))
	}
	for _, t := range h.StatTables() {
		h.Jobs().Enqueue(newTableJob(t, h, copyStats, nil))
	}
	return nil
}

var _ Scanner = (*FilesystemScanner)(nil)
