// Package status defines the exit-status bit flags reported by the CLI.
// Flags from multiple failed actions in one batch are compounded by OR, so
// a single exit code can name every kind of error that occurred.
package status

import "strings"

type Flags int

const (
	OK Flags = 0

	ArgumentError   Flags = 1 << 1
	TransferFailed  Flags = 1 << 3
	UploadTimeout   Flags = 1 << 4
	HashMismatch    Flags = 1 << 5
	FolderCreation  Flags = 1 << 6
	SizeMismatch    Flags = 1 << 7
	StaleCache      Flags = 1 << 8
	RemoteDuplicate Flags = 1 << 9
	NameCollision   Flags = 1 << 10
)

var names = []struct {
	flag Flags
	name string
}{
	{ArgumentError, "argument error"},
	{TransferFailed, "transfer failed"},
	{UploadTimeout, "upload timeout"},
	{HashMismatch, "hash mismatch"},
	{FolderCreation, "folder creation failed"},
	{SizeMismatch, "size mismatch"},
	{StaleCache, "stale cache"},
	{RemoteDuplicate, "remote duplicate"},
	{NameCollision, "name collision"},
}

func (f Flags) Has(flag Flags) bool { return f&flag != 0 }

func (f Flags) String() string {
	if f == OK {
		return "ok"
	}
	var parts []string
	for _, n := range names {
		if f.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, ", ")
}
