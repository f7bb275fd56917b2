package drive

import (
	"errors"
	"fmt"
	"testing"

	"cumulus/pkg/remote"
	"cumulus/pkg/status"
	"cumulus/pkg/syncer"
	"cumulus/pkg/transfer"
	"cumulus/pkg/transport"

	"github.com/stretchr/testify/assert"
)

func TestFlagsFor(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		upload bool
		want   status.Flags
	}{
		{"no error", nil, true, status.OK},
		{"hash mismatch", fmt.Errorf("wrapped: %w", transfer.ErrHashMismatch), false, status.HashMismatch},
		{"size mismatch", transfer.ErrSizeMismatch, false, status.SizeMismatch},
		{"folder creation", fmt.Errorf("%w: docs", transfer.ErrFolderCreate), true, status.FolderCreation},
		{"stale cache", ErrStaleCache, false, status.StaleCache},
		{"incomplete sync", syncer.ErrIncompleteSync, false, status.StaleCache},
		{"upload conflict", &remote.ConflictError{NodeID: "n1"}, true, status.RemoteDuplicate},
		{"download conflict", &remote.ConflictError{}, false, status.NameCollision},
		{"upload timeout", &transport.Error{Kind: transport.Timeout}, true, status.UploadTimeout | status.TransferFailed},
		{"download timeout", &transport.Error{Kind: transport.Timeout}, false, status.TransferFailed},
		{"server error", transport.StatusError(500), true, status.TransferFailed},
		{"anything else", errors.New("boom"), false, status.TransferFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FlagsFor(tc.err, tc.upload))
		})
	}
}

func TestFlagsForBatchCompounds(t *testing.T) {
	result := &transfer.BatchResult{Outcomes: []transfer.Outcome{
		{LocalPath: "a", Err: nil},
		{LocalPath: "b", Err: transfer.ErrHashMismatch},
		{LocalPath: "c", Err: &remote.ConflictError{NodeID: "n1"}},
	}}

	flags := FlagsForBatch(result, true)
	assert.True(t, flags.Has(status.HashMismatch))
	assert.True(t, flags.Has(status.RemoteDuplicate))
	assert.False(t, flags.Has(status.TransferFailed))
}

func TestFlagsForBatchAllClean(t *testing.T) {
	result := &transfer.BatchResult{Outcomes: []transfer.Outcome{
		{LocalPath: "a"}, {LocalPath: "b"},
	}}
	assert.Equal(t, status.OK, FlagsForBatch(result, false))
}

func TestActionsTable(t *testing.T) {
	actions := Actions()
	assert.NotEmpty(t, actions)

	seen := make(map[string]bool)
	for _, a := range actions {
		assert.NotEmpty(t, a.Name)
		assert.NotEmpty(t, a.Summary)
		assert.False(t, seen[a.Name], "duplicate action %s", a.Name)
		seen[a.Name] = true
	}
	assert.True(t, seen["sync"])
	assert.True(t, seen["mount"])
}
