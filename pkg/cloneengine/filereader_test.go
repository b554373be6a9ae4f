package cloneengine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/block/cloneengine/pkg/clonewire"
)

type recordingOps struct {
	sent    []clonewire.Descriptor
	payload [][]byte
}

func (o *recordingOps) Send(desc clonewire.Descriptor, data []byte) error {
	o.sent = append(o.sent, desc)
	cp := make([]byte, len(data))
	copy(cp, data)
	o.payload = append(o.payload, cp)
	return nil
}
func (o *recordingOps) ClearFlags()               {}
func (o *recordingOps) BackupLock(string) error   { return nil }
func (o *recordingOps) BackupUnlock(string) error { return nil }
func (o *recordingOps) SessionKilled() bool       { return false }

func TestStreamSequentialFileEmptyFileSendsNoDataMarker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.MYD")
	assert.NoError(t, os.WriteFile(path, nil, 0644))
	f, err := os.Open(path)
	assert.NoError(t, err)
	defer f.Close()

	ops := &recordingOps{}
	assert.NoError(t, StreamSequentialFile(ops, f, "db1/empty.MYD", 0))
	assert.Len(t, ops.sent, 1)
	assert.Equal(t, clonewire.OffsetNoData, ops.sent[0].Offset.Kind)
	assert.Equal(t, "db1/empty.MYD", ops.sent[0].Name)
	assert.Empty(t, ops.payload[0])
}

func TestStreamSequentialFileFirstChunkCarriesName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t1.MYD")
	assert.NoError(t, os.WriteFile(path, []byte("hello world"), 0644))
	f, err := os.Open(path)
	assert.NoError(t, err)
	defer f.Close()

	ops := &recordingOps{}
	assert.NoError(t, StreamSequentialFile(ops, f, "db1/t1.MYD", 0))
	assert.Equal(t, "db1/t1.MYD", ops.sent[0].Name)
	assert.Equal(t, clonewire.OffsetAppend, ops.sent[0].Offset.Kind)
	var all []byte
	for _, p := range ops.payload {
		all = append(all, p...)
	}
	assert.Equal(t, "hello world", string(all))
}

type fakeBlockSource struct {
	blocks [][]byte
	cap    BlockCapability
}

func (s *fakeBlockSource) Capability() BlockCapability { return s.cap }

func (s *fakeBlockSource) ReadIndexBlock(block uint64, buf []byte) (int, error) {
	if int(block) >= len(s.blocks) {
		return 0, ErrEndOfBlocks
	}
	n := copy(buf, s.blocks[block])
	return n, nil
}

func (s *fakeBlockSource) ReadDataBlock(block uint64, buf []byte) (int, error) {
	return s.ReadIndexBlock(block, buf)
}

func TestStreamBlockAddressedFileTerminatesOnEndOfBlocks(t *testing.T) {
	src := &fakeBlockSource{
		blocks: [][]byte{[]byte("aaaa"), []byte("bbbb"), []byte("cccc")},
		cap:    BlockCapability{BlockSize: 4},
	}
	ops := &recordingOps{}
	assert.NoError(t, StreamBlockAddressedFile(ops, src, "ibd1/idx", true))
	assert.Len(t, ops.sent, 3)
	assert.Equal(t, "ibd1/idx", ops.sent[0].Name)
	assert.Empty(t, ops.sent[1].Name)
	assert.Empty(t, ops.sent[2].Name)
}
