package cloneengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogTailAsPosition(t *testing.T) {
	tail := LogTail{FileNo: 7, Offset: 12345}
	pos := tail.AsPosition()
	assert.Equal(t, "redo.0000000007", pos.Name)
	assert.EqualValues(t, 12345, pos.Pos)
}

func TestLogTailString(t *testing.T) {
	tail := LogTail{FileNo: 1, Offset: 2}
	assert.Equal(t, "file=1 pos=2", tail.String())
}
