package base

import "github.com/cockroachdb/errors"

var (
	ErrPageMissing     = errors.New("page missing from mapping table")
	ErrStorage         = errors.New("storage failure")
	ErrCorruption      = errors.New("fragment corruption detected")
	ErrPageIDExhausted = errors.New("page id space exhausted")
	ErrWaitAborted     = errors.New("wait on structure modification aborted")
	ErrClosed          = errors.New("tree is closed")
)

// MissingPage reports a failed mapping lookup for id.
func MissingPage(id PageID) error {
	return errors.Wrapf(ErrPageMissing, "page %d", id)
}

// StorageError marks err as a storage failure while keeping its cause.
func StorageError(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, op), ErrStorage)
}
