package cloneengine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTableCopySkipsMissingArchiveFileWhenMetaAlsoMissing(t *testing.T) {
	dir := t.TempDir()
	// The whole table vanished between scan and copy: archive data, archive
	// meta, and the metadata file are all gone.
	table := &Table{
		DB:   "db1",
		Name: "t1",
		Files: []File{
			{Path: filepath.Join(dir, "t1.ARZ"), Name: "db1/t1.ARZ"},
			{Path: filepath.Join(dir, "t1.ARM"), Name: "db1/t1.ARM"},
			{Path: filepath.Join(dir, "t1.frm"), Name: "db1/t1.frm"},
		},
	}
	ops := &recordingOps{}
	assert.NoError(t, table.Copy(ops, true))
	assert.Empty(t, ops.sent)
}

func TestTableCopyFailsOnMissingArchiveFileWhenMetaStillPresent(t *testing.T) {
	dir := t.TempDir()
	// Only the archive data file is gone; the metadata file is still on
	// disk, so the table was not dropped and the missing file is an error.
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "t1.frm"), []byte("CREATE TABLE t1 (id INT) ENGINE=ARCHIVE"), 0644))
	table := &Table{
		DB:   "db1",
		Name: "t1",
		Files: []File{
			{Path: filepath.Join(dir, "t1.ARZ"), Name: "db1/t1.ARZ"},
			{Path: filepath.Join(dir, "t1.frm"), Name: "db1/t1.frm"},
		},
	}
	ops := &recordingOps{}
	assert.Error(t, table.Copy(ops, true))
	assert.Empty(t, ops.sent)
}

func TestTableCopyFailsOnMissingNonArchiveFile(t *testing.T) {
	dir := t.TempDir()
	table := &Table{
		DB:   "db1",
		Name: "t1",
		Files: []File{
			{Path: filepath.Join(dir, "t1.MYD"), Name: "db1/t1.MYD"},
		},
	}
	ops := &recordingOps{}
	assert.Error(t, table.Copy(ops, true))
}

func TestTableCopyLogSkipsRewriteableMetaUnlessFinalize(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "log.CSV"), []byte("data"), 0644))
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "log.CSM"), []byte("meta"), 0644))
	table := &Table{
		DB:   "db1",
		Name: "log",
		Files: []File{
			{Path: filepath.Join(dir, "log.CSV"), Name: "db1/log.CSV"},
			{Path: filepath.Join(dir, "log.CSM"), Name: "db1/log.CSM"},
		},
	}

	ops := &recordingOps{}
	assert.NoError(t, table.CopyLog(ops, false))
	assert.Len(t, ops.sent, 1)
	assert.Equal(t, "db1/log.CSV", ops.sent[0].Name)

	ops = &recordingOps{}
	assert.NoError(t, table.CopyLog(ops, true))
	names := []string{ops.sent[0].Name}
	for _, d := range ops.sent[1:] {
		if d.Name != "" {
			names = append(names, d.Name)
		}
	}
	assert.Contains(t, names, "db1/log.CSV")
	assert.Contains(t, names, "db1/log.CSM")
}

func TestParseTableMeta(t *testing.T) {
	meta, err := ParseTableMeta("CREATE TABLE t1 (id INT PRIMARY KEY) ENGINE=InnoDB COMMENT='version=3'")
	assert.NoError(t, err)
	assert.Equal(t, "InnoDB", meta.Engine)
	assert.Equal(t, "3", meta.Version)
}

func TestParseTableMetaRejectsNonCreate(t *testing.T) {
	_, err := ParseTableMeta("DROP TABLE t1")
	assert.Error(t, err)
}
