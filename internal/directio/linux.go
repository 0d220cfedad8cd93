//go:build linux

package directio

import (
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

const (
	AlignSize = 4096
	BlockSize = 4096
	DirectIO  = true
)

// OpenFile is a modified version of os.OpenFile which sets O_DIRECT.
func OpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(name, unix.O_DIRECT|flag, perm)
}

// Datasync flushes file data without forcing a metadata update.
func Datasync(f *os.File) error {
	for {
		err := unix.Fdatasync(int(f.Fd()))
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// tmpfs and some network filesystems reject O_DIRECT with EINVAL.
func fallback(err error) bool {
	return errors.Is(err, unix.EINVAL)
}
