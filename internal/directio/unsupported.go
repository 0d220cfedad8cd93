//go:build !linux && !darwin

package directio

import "os"

const (
	AlignSize = 0
	BlockSize = 4096
	DirectIO  = false
)

// OpenFile is os.OpenFile; this platform has no direct I/O.
func OpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(name, flag, perm)
}

// Datasync falls back to a full sync.
func Datasync(f *os.File) error {
	return f.Sync()
}

func fallback(error) bool { return false }
