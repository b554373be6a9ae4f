package cloneengine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver"
)

// File is one on-disk file belonging to a Table.
type File struct {
	// Path is the absolute path on local disk.
	Path string
	// Name is the wire name sent in a Descriptor: relative to the data
	// directory, with the database subdirectory already embedded.
	Name string
}

// Table groups the files that form one logical table, plus the
// classification rules for when it may be copied.
type Table struct {
	DB, Name string
	Version  string
	Files    []File
	class    Class
}

// Key returns the "db/table" identity used to avoid re-enqueuing a table
// already processed in an earlier stage.
func (t *Table) Key() string { return t.DB + "/" + t.Name }

// Class reports the table's classification.
func (t *Table) Class() Class { return t.class }

// TableMeta is what a table's metadata file yields: the storage engine
// named in its CREATE TABLE text, and an optional version annotation
// carried in the table comment as "version=N".
type TableMeta struct {
	Engine  string
	Version string
}

// ParseTableMeta parses the CREATE TABLE statement stored in a table's
// metadata file with a real SQL parser rather than string-matching it,
// and extracts the engine name and version annotation from its table
// options.
func ParseTableMeta(sql string) (TableMeta, error) {
	p := parser.New()
	stmtNodes, _, err := p.Parse(sql, "", "")
	if err != nil {
		return TableMeta{}, fmt.Errorf("cloneengine: parsing table metadata: %w", err)
	}
	if len(stmtNodes) == 0 {
		return TableMeta{}, fmt.Errorf("cloneengine: table metadata contains no statement")
	}
	createStmt, ok := stmtNodes[0].(*ast.CreateTableStmt)
	if !ok {
		return TableMeta{}, fmt.Errorf("cloneengine: table metadata is not a CREATE TABLE statement")
	}
	var meta TableMeta
	for _, opt := range createStmt.Options {
		switch opt.Tp {
		case ast.TableOptionEngine:
			meta.Engine = opt.StrValue
		case ast.TableOptionComment:
			if v, ok := strings.CutPrefix(opt.StrValue, "version="); ok {
				meta.Version = v
			}
		}
	}
	return meta, nil
}

// discoverFiles walks dir for all files sharing baseName (ignoring
// extension) and returns them sorted in the order the filesystem walk
// produced them, with Name set relative to dataDir.
func discoverFiles(dataDir, dir, baseName string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cloneengine: scanning %s: %w", dir, err)
	}
	var files []File
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if stem := name[:len(name)-len(filepath.Ext(name))]; stem != baseName {
			continue
		}
		abs := filepath.Join(dir, name)
		rel, err := filepath.Rel(dataDir, abs)
		if err != nil {
			return nil, fmt.Errorf("cloneengine: computing relative path for %s: %w", abs, err)
		}
		files = append(files, File{Path: abs, Name: filepath.ToSlash(rel)})
	}
	return files, nil
}

// Copy streams a plain table: take BACKUP LOCK (on the table's "db/table"
// key) if not already held globally, open and stream each file in order,
// release the lock. A missing data file is tolerated only when the table
// is in archive format and its metadata file is also absent, meaning the
// table was dropped after the scan.
func (t *Table) Copy(ops Operations, globallyLocked bool) error {
	if !globallyLocked {
		if err := ops.BackupLock(t.Key()); err != nil {
			return fmt.Errorf("cloneengine: backup lock %s: %w", t.Key(), err)
		}
		defer ops.BackupUnlock(t.Key())
	}
	return streamFiles(ops, t.Files, t.droppedAfterScan)
}

// droppedAfterScan reports whether a file missing at copy time means the
// whole table was dropped after the scan. Only archive-format tables
// qualify: a missing archive data file is tolerated when the table's
// metadata file is gone from disk too, and the metadata file itself is
// expected to be missing once such a table is dropped. A missing archive
// file whose metadata file still exists is a hard error, not a drop.
func (t *Table) droppedAfterScan(missing File) bool {
	if !t.archiveFormat() {
		return false
	}
	if ClassifyExt(missing.Name) == ClassGeneratedMetadata {
		return true
	}
	if !IsArchiveFormat(missing.Name) {
		return false
	}
	return t.metadataAbsent()
}

// archiveFormat reports whether any of the table's files carries one of
// the archive extensions.
func (t *Table) archiveFormat() bool {
	for _, f := range t.Files {
		if IsArchiveFormat(f.Name) {
			return true
		}
	}
	return false
}

// metadataAbsent reports whether every metadata file the table listed at
// scan time is now gone from disk. A table that listed no metadata file
// has nothing left to check and counts as absent.
func (t *Table) metadataAbsent() bool {
	for _, f := range t.Files {
		if ClassifyExt(f.Name) != ClassGeneratedMetadata {
			continue
		}
		if _, err := os.Stat(f.Path); err == nil || !os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// CopyLog streams an append-only log table. finalize controls whether
// rewriteable-meta files (".CSM") are included; a non-finalizing copy
// skips them because they may be rewritten mid-stream by the engine.
func (t *Table) CopyLog(ops Operations, finalize bool) error {
	var files []File
	for _, f := range t.Files {
		if !finalize && ClassifyExt(f.Name) == ClassRewriteableMeta {
			continue
		}
		files = append(files, f)
	}
	return streamFiles(ops, files, nil)
}

// CopyStats streams a statistics table. It never takes a lock.
func (t *Table) CopyStats(ops Operations) error {
	return streamFiles(ops, t.Files, nil)
}

// streamFiles streams each file in order. A file missing at open time is
// tolerated only when missingOK says so; otherwise it is a hard error.
func streamFiles(ops Operations, files []File, missingOK func(File) bool) error {
	for _, file := range files {
		if ops.SessionKilled() {
			return errSessionKilled
		}
		f, err := os.Open(file.Path)
		if err != nil {
			if os.IsNotExist(err) && missingOK != nil && missingOK(file) {
				continue
			}
			return fmt.Errorf("cloneengine: opening %s: %w", file.Path, err)
		}
		streamErr := StreamSequentialFile(ops, f, file.Name, 0)
		closeErr := f.Close()
		if streamErr != nil {
			return streamErr
		}
		if closeErr != nil {
			return fmt.Errorf("cloneengine: closing %s: %w", file.Path, closeErr)
		}
	}
	return nil
}

// Partition is one child of a PartitionedTable: a base path plus
// independently-readable index and data BlockSources (transactional
// engine variant).
type Partition struct {
	BaseName string
	IndexSrc BlockSource
	DataSrc  BlockSource
	// IndexName/DataName are the wire names for the two files.
	IndexName, DataName string
}

// PartitionedTable aggregates N partitions of the transactional engine,
// each copied index-file-then-data-file.
type PartitionedTable struct {
	DB, Name   string
	Partitions []Partition
}

func (t *PartitionedTable) Key() string { return t.DB + "/" + t.Name }

// Copy streams every partition's index file followed by its data file.
func (t *PartitionedTable) Copy(ops Operations) error {
	for _, p := range t.Partitions {
		if ops.SessionKilled() {
			return errSessionKilled
		}
		if err := StreamBlockAddressedFile(ops, p.IndexSrc, p.IndexName, true); err != nil {
			return fmt.Errorf("cloneengine: streaming index of partition %s: %w", p.BaseName, err)
		}
		if err := StreamBlockAddressedFile(ops, p.DataSrc, p.DataName, false); err != nil {
			return fmt.Errorf("cloneengine: streaming data of partition %s: %w", p.BaseName, err)
		}
	}
	return nil
}
