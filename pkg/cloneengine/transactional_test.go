package cloneengine_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/block/cloneengine/pkg/cloneapply"
	"github.com/block/cloneengine/pkg/cloneengine"
	"github.com/block/cloneengine/pkg/clonetransport"
	"github.com/block/cloneengine/pkg/clonewire"
)

// This file exercises TransactionalScanner together with the apply side,
// for the same import-cycle reason noted in stagedriver_test.go.

type memBlockSource struct {
	blockSize int
	blocks    [][]byte
}

func (s *memBlockSource) Capability() cloneengine.BlockCapability {
	return cloneengine.BlockCapability{BlockSize: s.blockSize}
}

func (s *memBlockSource) ReadIndexBlock(block uint64, buf []byte) (int, error) {
	return s.readBlock(block, buf)
}

func (s *memBlockSource) ReadDataBlock(block uint64, buf []byte) (int, error) {
	return s.readBlock(block, buf)
}

func (s *memBlockSource) readBlock(block uint64, buf []byte) (int, error) {
	if block >= uint64(len(s.blocks)) {
		return 0, cloneengine.ErrEndOfBlocks
	}
	return copy(buf, s.blocks[block]), nil
}

type fakeRedoSource struct {
	sealed []cloneengine.File
	tail   cloneengine.File
}

func (s *fakeRedoSource) SealedLogFiles() ([]cloneengine.File, error) { return s.sealed, nil }
func (s *fakeRedoSource) TailLogFile() (cloneengine.File, error)      { return s.tail, nil }

type fakeOfflineSource struct{ tables []*cloneengine.Table }

func (s *fakeOfflineSource) OfflineTables() ([]*cloneengine.Table, error) { return s.tables, nil }

type fakePartitionedSource struct{ tables []*cloneengine.PartitionedTable }

func (s *fakePartitionedSource) PartitionedTables() ([]*cloneengine.PartitionedTable, error) {
	return s.tables, nil
}

// TestTransactionalScannerStageWiring drives a TransactionalScanner through
// every stage and checks that sealed log files, partitioned tables, the
// offline table, and the growing log tail all land correctly in the
// destination directory.
func TestTransactionalScannerStageWiring(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()

	sealedContent := []byte("SEALEDCONTENT0123456789")
	assert.NoError(t, os.WriteFile(filepath.Join(src, "redo0.log"), sealedContent, 0644))

	tailPath := filepath.Join(src, "redo1.log")
	preexisting := make([]byte, 50)
	for i := range preexisting {
		preexisting[i] = 'A'
	}
	assert.NoError(t, os.WriteFile(tailPath, preexisting, 0644))

	offlinePath := filepath.Join(src, "db2", "off.ibd")
	assert.NoError(t, os.MkdirAll(filepath.Dir(offlinePath), 0777))
	offlineContent := []byte("OFFLINEDATA")
	assert.NoError(t, os.WriteFile(offlinePath, offlineContent, 0644))

	redo := &fakeRedoSource{
		sealed: []cloneengine.File{{Path: filepath.Join(src, "redo0.log"), Name: "redo0.log"}},
		tail:   cloneengine.File{Path: tailPath, Name: "redo1.log"},
	}
	offline := &fakeOfflineSource{tables: []*cloneengine.Table{
		{DB: "db2", Name: "off", Files: []cloneengine.File{{Path: offlinePath, Name: "db2/off.ibd"}}},
	}}
	partitioned := &fakePartitionedSource{tables: []*cloneengine.PartitionedTable{
		{
			DB:   "db3",
			Name: "part",
			Partitions: []cloneengine.Partition{
				{
					BaseName:  "p0",
					IndexSrc:  &memBlockSource{blockSize: 10, blocks: [][]byte{[]byte("0123456789"), []byte("abcdefghij")}},
					DataSrc:   &memBlockSource{blockSize: 10, blocks: [][]byte{[]byte("ABCDEFGHIJ"), []byte("KLMNOPQRST")}},
					IndexName: "db3/part#p0.idx",
					DataName:  "db3/part#p0.dat",
				},
			},
		},
	}}
	scanner := &cloneengine.TransactionalScanner{Partitioned: partitioned, Offline: offline, Redo: redo}

	transport := clonetransport.NewInProcessTransport(16)
	handle := cloneengine.NewCloneHandle(clonewire.NewLocator(1, 0), src, &killableSession{}, noopLocker{}, transport.Sender(), logrus.New())
	driver := cloneengine.NewStageDriver()

	applyState := cloneapply.NewTaskApplyState(0, dest)
	applyDone := make(chan error, 1)
	go func() {
		for {
			if err := cloneapply.Apply(applyState, transport.Receiver(), logrus.New()); err != nil {
				applyDone <- err
				return
			}
		}
	}()

	assert.NoError(t, driver.Clone(handle, scanner, 0, cloneengine.StageConcurrent))
	assert.Len(t, handle.OfflineTables(), 1, "offline table is recorded but not yet copied at CONCURRENT")

	growth1 := []byte("BBBBBBBBBBBBBBBBBBBBBBBBBBBBBB") // 30 bytes
	f, err := os.OpenFile(tailPath, os.O_APPEND|os.O_WRONLY, 0644)
	assert.NoError(t, err)
	_, err = f.Write(growth1)
	assert.NoError(t, err)
	assert.NoError(t, f.Close())

	assert.NoError(t, driver.Clone(handle, scanner, 0, cloneengine.StageNTDMLBlocked))
	assert.Empty(t, handle.OfflineTables(), "offline table is removed once copied at NT_DML_BLOCKED")

	growth2 := []byte("CCCCCCCCCCCCCCCCCCCC") // 20 bytes
	f, err = os.OpenFile(tailPath, os.O_APPEND|os.O_WRONLY, 0644)
	assert.NoError(t, err)
	_, err = f.Write(growth2)
	assert.NoError(t, err)
	assert.NoError(t, f.Close())

	assert.NoError(t, driver.Clone(handle, scanner, 0, cloneengine.StageDDLBlocked))
	assert.NoError(t, driver.Clone(handle, scanner, 0, cloneengine.StageSnapshot))
	assert.NoError(t, driver.Clone(handle, scanner, 0, cloneengine.StageEnd))

	transport.CloseSend()
	assert.ErrorIs(t, <-applyDone, io.EOF)
	assert.NoError(t, applyState.Close())

	sealedOut, err := os.ReadFile(filepath.Join(dest, "redo0.log"))
	assert.NoError(t, err)
	assert.Equal(t, sealedContent, sealedOut)

	indexOut, err := os.ReadFile(filepath.Join(dest, "db3", "part#p0.idx"))
	assert.NoError(t, err)
	assert.Equal(t, "0123456789abcdefghij", string(indexOut))

	dataOut, err := os.ReadFile(filepath.Join(dest, "db3", "part#p0.dat"))
	assert.NoError(t, err)
	assert.Equal(t, "ABCDEFGHIJKLMNOPQRST", string(dataOut))

	offlineOut, err := os.ReadFile(filepath.Join(dest, "db2", "off.ibd"))
	assert.NoError(t, err)
	assert.Equal(t, offlineContent, offlineOut)

	// The tail log arrives in three appended pieces (50 durable bytes at
	// CONCURRENT, then 30 and 20 bytes of growth) and the SNAPSHOT header
	// re-send then overwrites the first logFileHeaderSize bytes in place;
	// since the whole 100-byte file fits inside the header, the rewrite
	// lands byte-for-byte identical to the source tail file.
	tailOut, err := os.ReadFile(filepath.Join(dest, "redo1.log"))
	assert.NoError(t, err)
	srcTailOut, err := os.ReadFile(tailPath)
	assert.NoError(t, err)
	assert.Equal(t, srcTailOut, tailOut)
	assert.Len(t, tailOut, 100)
}
