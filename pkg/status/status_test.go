package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlagsCompound(t *testing.T) {
	f := HashMismatch | StaleCache

	assert.True(t, f.Has(HashMismatch))
	assert.True(t, f.Has(StaleCache))
	assert.False(t, f.Has(TransferFailed))
	assert.NotEqual(t, OK, f)
}

func TestFlagsString(t *testing.T) {
	assert.Equal(t, "ok", OK.String())
	assert.Equal(t, "hash mismatch", HashMismatch.String())
	assert.Equal(t, "transfer failed, stale cache", (TransferFailed | StaleCache).String())
}

func TestFlagsDistinct(t *testing.T) {
	all := []Flags{
		ArgumentError, TransferFailed, UploadTimeout, HashMismatch,
		FolderCreation, SizeMismatch, StaleCache, RemoteDuplicate, NameCollision,
	}
	seen := make(map[Flags]bool)
	for _, f := range all {
		assert.False(t, seen[f])
		seen[f] = true
	}
}
