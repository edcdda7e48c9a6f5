package flash

// Partition describes a fixed-size, addressable region of persistent
// storage used as an update target.
type Partition struct {
	// Label identifies the partition (e.g. "ota_0", "ota_1", "frontend")
	Label string

	// Capacity is the usable size of the partition in bytes
	Capacity int64
}

// WriteHandle is a consumed-once handle to an in-progress streaming write.
//
// Finalize and Abort both consume the handle: after either call returns the
// handle must not be used again, and implementations fail any further call.
type WriteHandle interface {
	// Write appends bytes to the target region
	Write(p []byte) error

	// Finalize commits the write. The handle is consumed whether or not
	// an error is returned.
	Finalize() error

	// Abort discards the partial write and releases the target.
	// The handle is consumed. Safe to call after a failed Finalize.
	Abort() error
}

// Driver exposes the partition operations consumed by the update pipeline.
//
// Implementations are expected to tolerate concurrent reads of their own
// state; streaming writes go through a single WriteHandle at a time.
type Driver interface {
	// UpdatePartition returns the spare boot partition available as a
	// firmware update target, or an error when none exists.
	UpdatePartition() (Partition, error)

	// FrontendPartition returns the flash region backing the frontend
	// filesystem image.
	FrontendPartition() (Partition, error)

	// Open starts a streaming write of size bytes into p.
	Open(p Partition, size int64) (WriteHandle, error)

	// RemountFrontend remounts the frontend filesystem from the region
	// contents, read-only when validate is true. Used to verify a freshly
	// written image.
	RemountFrontend(validate bool) error

	// RestoreFrontend best-effort restores the previous frontend mount
	// after a failed remount.
	RestoreFrontend() error
}

// BootController exposes the boot/rollback state of the running image.
type BootController interface {
	// PendingVerify reports whether the currently running image has not
	// yet been confirmed good. While true, rollback to the previous image
	// remains possible and new firmware updates are refused.
	PendingVerify() bool

	// MarkValid confirms the running image, giving up the rollback path.
	MarkValid() error

	// SetBootPartition commits p as the next boot target.
	SetBootPartition(p Partition) error

	// CanRollback reports whether a previous image exists to roll back to.
	CanRollback() bool

	// Rollback reverts the boot target to the previous image.
	Rollback() error
}
