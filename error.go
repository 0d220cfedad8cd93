package bwtree

import (
	"bwtree/internal/base"
)

//goland:noinspection GoUnusedGlobalVariable
var (
	// ErrPageMissing reports a PageID that no longer resolves through the
	// mapping table. It is returned, never retried.
	ErrPageMissing = base.ErrPageMissing
	// ErrStorage marks every failure of the fragment store.
	ErrStorage = base.ErrStorage
	// ErrCorruption reports a fragment whose framing or checksum is wrong.
	// Errors carrying it also match ErrStorage.
	ErrCorruption      = base.ErrCorruption
	ErrPageIDExhausted = base.ErrPageIDExhausted
	// ErrWaitAborted reports that the context ended or the wait timeout
	// expired while waiting on another operation's structure modification.
	ErrWaitAborted = base.ErrWaitAborted
	ErrClosed      = base.ErrClosed
)
