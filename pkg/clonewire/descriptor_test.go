package clonewire

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDescriptorRoundTripAppend(t *testing.T) {
	d := Descriptor{Offset: AppendOffset(), Name: "db1/t1.MYD"}
	buf, err := d.Encode()
	assert.NoError(t, err)
	got, err := Decode(buf)
	assert.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestDescriptorRoundTripNoData(t *testing.T) {
	d := Descriptor{Offset: NoDataOffset(), Name: "db1/empty.MYD"}
	buf, err := d.Encode()
	assert.NoError(t, err)
	got, err := Decode(buf)
	assert.NoError(t, err)
	assert.Equal(t, d, got)
	assert.Equal(t, OffsetNoData, got.Offset.Kind)
}

func TestDescriptorRoundTripAtByteZero(t *testing.T) {
	d := Descriptor{Offset: AtByteOffset(0), Flags: DescriptorFlags(0).WithRedoLog(true), Name: "ib_logfile0"}
	buf, err := d.Encode()
	assert.NoError(t, err)
	got, err := Decode(buf)
	assert.NoError(t, err)
	assert.Equal(t, d, got)
	assert.True(t, got.Flags.IsRedoLog())
}

func TestDescriptorContinuationChunkHasEmptyName(t *testing.T) {
	d := Descriptor{Offset: AppendOffset(), Name: ""}
	buf, err := d.Encode()
	assert.NoError(t, err)
	got, err := Decode(buf)
	assert.NoError(t, err)
	assert.Equal(t, "", got.Name)
}

func TestDescriptorEncodeNameTooLong(t *testing.T) {
	d := Descriptor{Offset: AppendOffset(), Name: strings.Repeat("a", MaxPath+1)}
	_, err := d.Encode()
	assert.ErrorIs(t, err, ErrNameTooLong)
}

func TestDescriptorDecodeRejectsOversizedNameLen(t *testing.T) {
	// A header claiming a name_len larger than MaxPath must be rejected
	// immediately, without reading past the buffer.
	d := Descriptor{Offset: AppendOffset(), Name: "x"}
	buf, err := d.Encode()
	assert.NoError(t, err)
	buf[12] = 0xFF // corrupt name_len to something enormous
	buf[13] = 0xFF
	buf[14] = 0xFF
	buf[15] = 0x7F
	_, err = Decode(buf)
	assert.Error(t, err)
}

func TestDescriptorDecodeRejectsTruncatedName(t *testing.T) {
	d := Descriptor{Offset: AppendOffset(), Name: "db1/t1.MYD"}
	buf, err := d.Encode()
	assert.NoError(t, err)
	_, err = Decode(buf[:len(buf)-2]) // drop the last two bytes of the name
	assert.Error(t, err)
}

func TestDescriptorDecodeRejectsShortHeader(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.Error(t, err)
}
