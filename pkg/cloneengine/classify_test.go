package cloneengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyExt(t *testing.T) {
	assert.Equal(t, ClassLog, ClassifyExt("db1/log.CSV"))
	assert.Equal(t, ClassRewriteableMeta, ClassifyExt("db1/log.CSM"))
	assert.Equal(t, ClassGeneratedMetadata, ClassifyExt("db1/t1.frm"))
	assert.Equal(t, ClassPlain, ClassifyExt("db1/t1.MYD"))
}

func TestIsArchiveFormat(t *testing.T) {
	assert.True(t, IsArchiveFormat("db1/t1.ARZ"))
	assert.True(t, IsArchiveFormat("db1/t1.ARM"))
	assert.False(t, IsArchiveFormat("db1/t1.MYD"))
}
