package bwtree

import (
	"time"

	"bwtree/internal/base"
)

// SyncMode controls when fragments written by consolidation are fsynced.
type SyncMode int

const (
	// SyncEveryFlush fdatasyncs after every fragment.
	// - A fragment is durable once its Flush delta is visible
	// - Limited by fdatasync latency
	SyncEveryFlush SyncMode = iota

	// SyncOff leaves durability to the OS (testing/bulk loads only).
	// - Maximum throughput
	// - Fragments written shortly before a crash may be lost
	SyncOff
)

// Options configures tree behavior.
type Options struct {
	smoThreshold         int           // Logical page size above which a page splits; a quarter of it triggers merges.
	consolidateThreshold int           // Chain length above which a page is physically consolidated.
	syncMode             SyncMode      // When fragments are fsynced.
	directIO             bool          // Open the fragment file with O_DIRECT when possible.
	fragmentCacheSize    int           // Number of fragments kept by the read cache.
	viewCacheBytes       int64         // Budget of the consolidated view cache. 0 disables it.
	maxReaders           int           // Concurrent operations tracked by the epoch manager.
	gcInterval           time.Duration // Period of the background reclaimer.
	waitTimeout          time.Duration // Upper bound on waiting for another operation's SMO.
	firstPageID          base.PageID   // First PageID handed out; the root leaf gets it.
	logger               Logger
}

// DefaultOptions returns safe default configuration.
//
// goland:noinspection GoUnusedExportedFunction
func DefaultOptions() Options {
	return Options{
		smoThreshold:         4096,
		consolidateThreshold: 16,
		syncMode:             SyncEveryFlush,
		fragmentCacheSize:    1024,
		viewCacheBytes:       64 << 20, // 64MB
		maxReaders:           256,
		gcInterval:           100 * time.Millisecond,
		waitTimeout:          5 * time.Second,
		firstPageID:          1,
		logger:               DiscardLogger{},
	}
}

// Option configures tree options using the functional options pattern.
type Option func(*Options)

// WithSMOThreshold sets the logical page size, in bytes, above which a page
// is split. Pages smaller than a quarter of it are merged into their left
// sibling.
//
//goland:noinspection GoUnusedExportedFunction
func WithSMOThreshold(bytes int) Option {
	return func(opts *Options) {
		opts.smoThreshold = bytes
	}
}

// WithConsolidateThreshold sets the delta chain length that triggers
// physical consolidation.
//
//goland:noinspection GoUnusedExportedFunction
func WithConsolidateThreshold(n int) Option {
	return func(opts *Options) {
		opts.consolidateThreshold = n
	}
}

// WithSyncMode selects when fragments are fsynced.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncMode(mode SyncMode) Option {
	return func(opts *Options) {
		opts.syncMode = mode
	}
}

// WithSyncOff disables fsync entirely.
// Only use for testing or bulk loads where data can be reconstructed.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncOff() Option {
	return WithSyncMode(SyncOff)
}

// WithDirectIO bypasses the OS page cache for fragment I/O. Filesystems
// without O_DIRECT support fall back to buffered I/O.
//
//goland:noinspection GoUnusedExportedFunction
func WithDirectIO(enabled bool) Option {
	return func(opts *Options) {
		opts.directIO = enabled
	}
}

// WithFragmentCacheSize sets how many fragments the read cache holds.
//
//goland:noinspection GoUnusedExportedFunction
func WithFragmentCacheSize(n int) Option {
	return func(opts *Options) {
		opts.fragmentCacheSize = n
	}
}

// WithViewCacheBytes bounds the consolidated view cache. 0 disables it.
//
//goland:noinspection GoUnusedExportedFunction
func WithViewCacheBytes(n int64) Option {
	return func(opts *Options) {
		opts.viewCacheBytes = n
	}
}

// WithMaxReaders sets how many operations may be in flight at once.
// Operations beyond it wait for a slot.
//
//goland:noinspection GoUnusedExportedFunction
func WithMaxReaders(n int) Option {
	return func(opts *Options) {
		opts.maxReaders = n
	}
}

// WithGCInterval sets the period of the background reclaimer.
//
//goland:noinspection GoUnusedExportedFunction
func WithGCInterval(d time.Duration) Option {
	return func(opts *Options) {
		opts.gcInterval = d
	}
}

// WithWaitTimeout bounds how long an operation waits on another
// operation's structure modification before failing with ErrWaitAborted.
//
//goland:noinspection GoUnusedExportedFunction
func WithWaitTimeout(d time.Duration) Option {
	return func(opts *Options) {
		opts.waitTimeout = d
	}
}

// WithLogger sets the logger. *slog.Logger satisfies Logger; see package
// logger for zap and logrus adapters.
//
//goland:noinspection GoUnusedExportedFunction
func WithLogger(l Logger) Option {
	return func(opts *Options) {
		opts.logger = l
	}
}
