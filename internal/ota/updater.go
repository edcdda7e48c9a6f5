package ota

import (
	"errors"
	"fmt"
	"sync"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/DivinityQQ/iaq-monitor-server/internal/errcode"
	"github.com/DivinityQQ/iaq-monitor-server/internal/flash"
	"github.com/DivinityQQ/iaq-monitor-server/internal/image"
	"github.com/DivinityQQ/iaq-monitor-server/internal/logging"
)

// Options configures an Updater.
type Options struct {
	// ProjectName is the identity of the running image. Firmware images
	// embedding a different project name are rejected during Write.
	ProjectName string

	// HeaderLen is how many bytes must accumulate before one-time header
	// validation runs. Must be at least image.MinHeaderLen.
	HeaderLen int

	// EventBuffer sizes the progress event channel (default 16).
	EventBuffer int
}

// Updater owns the single mutable update context and drives both update
// flows (firmware, frontend filesystem) through a shared lifecycle.
//
// The context lock guards bookkeeping only. Bulk driver I/O (chunk writes,
// finalize, remount) runs with the lock released so snapshot readers, the
// broadcast worker among them, never stall behind flash I/O. An abort
// landing mid-chunk wins; the interrupted writer observes the aborted state
// on reacquire and releases the handle itself.
type Updater struct {
	driver flash.Driver
	boot   flash.BootController

	projectName string
	headerLen   int

	mu              sync.Mutex
	machine         *fsm.FSM
	kind            Kind
	total           int64
	received        int64
	target          flash.Partition
	handle          flash.WriteHandle
	headerBuf       []byte
	headerValidated bool
	lastError       string
	writing         bool
	committing      bool

	events chan ProgressEvent
}

// New creates an Updater in the idle state.
func New(driver flash.Driver, boot flash.BootController, opts Options) *Updater {
	if opts.HeaderLen < image.MinHeaderLen {
		opts.HeaderLen = image.MinHeaderLen
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 16
	}
	return &Updater{
		driver:      driver,
		boot:        boot,
		projectName: opts.ProjectName,
		headerLen:   opts.HeaderLen,
		machine:     newMachine(),
		kind:        KindNone,
		events:      make(chan ProgressEvent, opts.EventBuffer),
	}
}

// Events returns the progress event channel. Events are dropped, never
// blocked on, when the consumer falls behind.
func (u *Updater) Events() <-chan ProgressEvent { return u.events }

// Busy reports whether an update is receiving or validating.
func (u *Updater) Busy() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.busyLocked()
}

func (u *Updater) busyLocked() bool {
	s := u.stateLocked()
	return s == StateReceiving || s == StateValidating
}

func (u *Updater) stateLocked() State { return State(u.machine.Current()) }

// PendingVerify reports whether the running firmware image is still
// awaiting verification.
func (u *Updater) PendingVerify() bool { return u.boot.PendingVerify() }

// TargetCapacity resolves the update target for kind and returns its
// capacity. Used by the upload transport for pre-flight size checks.
func (u *Updater) TargetCapacity(kind Kind) (int64, error) {
	p, err := u.resolveTarget(kind)
	if err != nil {
		return 0, err
	}
	return p.Capacity, nil
}

func (u *Updater) resolveTarget(kind Kind) (flash.Partition, error) {
	switch kind {
	case KindFirmware:
		p, err := u.driver.UpdatePartition()
		if err != nil {
			return flash.Partition{}, errcode.Wrap(errcode.NotFound, "resolve update partition", err)
		}
		return p, nil
	case KindFrontend:
		p, err := u.driver.FrontendPartition()
		if err != nil {
			return flash.Partition{}, errcode.Wrap(errcode.NotFound, "resolve frontend partition", err)
		}
		return p, nil
	default:
		return flash.Partition{}, errcode.New(errcode.InvalidArgument, fmt.Sprintf("unknown update kind %q", kind))
	}
}

// Begin starts a new update of total bytes. It fails invalid_state when an
// update is already in flight, conflict when a firmware update is requested
// while the running image is pending verification, not_found when no target
// region exists, and size_exceeded when total exceeds the target capacity.
func (u *Updater) Begin(kind Kind, total int64) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.busyLocked() {
		return errcode.New(errcode.InvalidState, "another update is already in progress")
	}
	if total <= 0 {
		return errcode.New(errcode.InvalidArgument, "update size must be positive")
	}
	if kind == KindFirmware {
		if u.boot.PendingVerify() {
			// The running image could still be rolled back; flashing over
			// the only remaining known-good slot would destroy that path.
			return errcode.New(errcode.Conflict, "running image is pending verification")
		}
		if total < int64(u.headerLen) {
			return errcode.New(errcode.ValidationError, "image smaller than its header")
		}
	}

	target, err := u.resolveTarget(kind)
	if err != nil {
		return err
	}
	if total > target.Capacity {
		return errcode.New(errcode.SizeExceeded,
			fmt.Sprintf("image size %d exceeds target capacity %d", total, target.Capacity))
	}

	handle, err := u.driver.Open(target, total)
	if err != nil {
		return errcode.Wrap(errcode.IOError, "open update target", err)
	}

	if err := fire(u.machine, eventBegin); err != nil {
		// Release the target; the context never became busy.
		_ = handle.Abort()
		return err
	}

	u.kind = kind
	u.total = total
	u.received = 0
	u.target = target
	u.handle = handle
	u.headerBuf = u.headerBuf[:0]
	u.headerValidated = kind != KindFirmware
	u.lastError = ""

	logging.Info("Update started",
		zap.String("kind", string(kind)),
		zap.String("target", target.Label),
		zap.Int64("total", total),
	)
	u.emitLocked()
	return nil
}

// Write streams the next chunk of the image. Overflow, header mismatch and
// driver failures all abort the update before the error is surfaced, so a
// caller never observes a partially committed target. The flash write itself
// runs with the context lock released; an Abort arriving mid-chunk wins and
// the interrupted write reports invalid_state.
func (u *Updater) Write(p []byte) error {
	u.mu.Lock()
	if u.stateLocked() != StateReceiving {
		u.mu.Unlock()
		return errcode.New(errcode.InvalidState, "no update is receiving data")
	}
	if u.writing {
		u.mu.Unlock()
		return errcode.New(errcode.InvalidState, "another chunk write is in flight")
	}

	if u.received+int64(len(p)) > u.total {
		err := errcode.New(errcode.SizeExceeded,
			fmt.Sprintf("received %d bytes past the declared size %d", u.received+int64(len(p)), u.total))
		u.failLocked(err)
		u.mu.Unlock()
		return err
	}

	if !u.headerValidated {
		if err := u.validateHeaderLocked(p); err != nil {
			u.failLocked(err)
			u.mu.Unlock()
			return err
		}
	}

	handle := u.handle
	u.writing = true
	u.mu.Unlock()

	werr := handle.Write(p)

	u.mu.Lock()
	defer u.mu.Unlock()
	u.writing = false

	if u.stateLocked() != StateReceiving {
		// The update was aborted while the chunk was in flight, so the
		// handle is ours to release.
		if err := handle.Abort(); err != nil {
			logging.Warn("Failed to abort update target", zap.Error(err))
		}
		return errcode.New(errcode.InvalidState, "update was aborted")
	}
	if werr != nil {
		ferr := errcode.Wrap(errcode.IOError, "flash write", werr)
		u.failLocked(ferr)
		return ferr
	}

	u.received += int64(len(p))
	u.emitLocked()
	return nil
}

// validateHeaderLocked accumulates the image prefix and, once it covers the
// header region, performs the one-time identity check.
func (u *Updater) validateHeaderLocked(p []byte) error {
	need := u.headerLen - len(u.headerBuf)
	if need > len(p) {
		need = len(p)
	}
	u.headerBuf = append(u.headerBuf, p[:need]...)
	if len(u.headerBuf) < u.headerLen {
		return nil
	}

	hdr, err := image.ParseHeader(u.headerBuf)
	if err != nil {
		return errcode.Wrap(errcode.ValidationError, "parse image header", err)
	}
	if hdr.ProjectName != u.projectName {
		return errcode.New(errcode.ValidationError,
			fmt.Sprintf("image built for project %q, this device runs %q", hdr.ProjectName, u.projectName))
	}

	logging.Info("Firmware header validated",
		zap.String("project", hdr.ProjectName),
		zap.String("version", hdr.Version),
	)
	u.headerValidated = true
	u.headerBuf = nil
	return nil
}

// End finalizes the update. For firmware it commits the image and sets the
// new boot target; for frontend it remounts the filesystem from the freshly
// written region. The write handle is consumed either way.
func (u *Updater) End() error {
	u.mu.Lock()
	if u.stateLocked() != StateReceiving {
		u.mu.Unlock()
		return errcode.New(errcode.InvalidState, "no update is receiving data")
	}
	if u.writing {
		u.mu.Unlock()
		return errcode.New(errcode.InvalidState, "a chunk write is still in flight")
	}
	if err := fire(u.machine, eventValidate); err != nil {
		u.mu.Unlock()
		return err
	}
	u.emitLocked()

	// Finalize consumes the handle regardless of outcome.
	handle := u.handle
	u.handle = nil
	kind := u.kind
	target := u.target
	u.committing = true
	u.mu.Unlock()

	cerr := u.commit(handle, kind, target)

	u.mu.Lock()
	defer u.mu.Unlock()
	u.committing = false

	if cerr != nil {
		u.failLocked(cerr)
		return cerr
	}

	if err := fire(u.machine, eventFinish); err != nil {
		return err
	}
	u.target = flash.Partition{}
	logging.LogUpdate(string(kind), string(StateComplete), u.received, u.total)
	u.emitLocked()

	// Terminal states are transient: the context resets to idle once the
	// completion event is out. Counters persist until the next begin.
	if err := fire(u.machine, eventReset); err != nil {
		logging.Error("Illegal reset transition", zap.Error(err))
	}
	return nil
}

// commit performs the validation-phase driver I/O with the context lock
// released. For firmware it burns the image in and flips the boot target;
// for frontend it remounts the filesystem from the freshly written region.
func (u *Updater) commit(handle flash.WriteHandle, kind Kind, target flash.Partition) error {
	if err := handle.Finalize(); err != nil {
		return errcode.Wrap(errcode.IOError, "finalize update target", err)
	}

	switch kind {
	case KindFirmware:
		if err := u.boot.SetBootPartition(target); err != nil {
			return errcode.Wrap(errcode.IOError, "set boot partition", err)
		}
	case KindFrontend:
		if err := u.driver.RemountFrontend(true); err != nil {
			// Best-effort: put the previous mount back before reporting.
			if rerr := u.driver.RestoreFrontend(); rerr != nil {
				logging.Warn("Failed to restore previous frontend mount", zap.Error(rerr))
			}
			return errcode.Wrap(errcode.IOError, "remount frontend", err)
		}
	}
	return nil
}

// Abort cancels the update in flight with a caller-supplied reason, releasing
// the write target. Calling it while idle (or after a terminal state) is a
// no-op; it is safe to call from any goroutine, including mid-Write.
func (u *Updater) Abort(reason string) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.busyLocked() || u.committing {
		// A commit past the finalize point completes; an abort landing in
		// that window behaves as if it arrived just after End returned.
		return nil
	}
	u.failLocked(errors.New(reason))
	return nil
}

// failLocked transitions to the error state, releasing the write target.
func (u *Updater) failLocked(cause error) {
	if u.handle != nil {
		// An in-flight chunk writer owns the handle and releases it once it
		// observes the aborted state.
		if !u.writing {
			if err := u.handle.Abort(); err != nil {
				logging.Warn("Failed to abort update target", zap.Error(err))
			}
		}
		u.handle = nil
	}
	u.target = flash.Partition{}
	u.lastError = cause.Error()
	if err := fire(u.machine, eventFail); err != nil {
		logging.Error("Illegal failure transition", zap.Error(err))
	}
	logging.Warn("Update failed",
		zap.String("kind", string(u.kind)),
		zap.String("reason", u.lastError),
	)
	u.emitLocked()

	if err := fire(u.machine, eventReset); err != nil {
		logging.Error("Illegal reset transition", zap.Error(err))
	}
}

// MarkValid confirms the running image, clearing pending-verify and giving
// up the rollback path. Confirming an image that is not pending is a no-op.
func (u *Updater) MarkValid() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.boot.PendingVerify() {
		return nil
	}
	if err := u.boot.MarkValid(); err != nil {
		return errcode.Wrap(errcode.IOError, "mark image valid", err)
	}
	logging.Info("Running image confirmed")
	return nil
}

// Rollback reverts the boot target to the previous image. It fails conflict
// while an update is busy or when no rollback image exists.
func (u *Updater) Rollback() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.busyLocked() {
		return errcode.New(errcode.Conflict, "an update is in progress")
	}
	if !u.boot.CanRollback() {
		return errcode.New(errcode.Conflict, "no rollback image available")
	}
	if err := u.boot.Rollback(); err != nil {
		return errcode.Wrap(errcode.IOError, "rollback", err)
	}
	logging.Info("Boot target rolled back")
	return nil
}

// Info returns a read-only summary of the update context and boot flags.
func (u *Updater) Info() Info {
	u.mu.Lock()
	defer u.mu.Unlock()

	state := u.stateLocked()
	kind := u.kind
	if state == StateIdle {
		kind = KindNone
	}
	return Info{
		Kind:          kind,
		State:         state,
		Received:      u.received,
		Total:         u.total,
		Progress:      progressPct(u.received, u.total),
		LastError:     u.lastError,
		PendingVerify: u.boot.PendingVerify(),
		CanRollback:   u.boot.CanRollback(),
	}
}

// Progress returns the current context as a progress event snapshot.
func (u *Updater) Progress() ProgressEvent {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.snapshotLocked()
}

func (u *Updater) snapshotLocked() ProgressEvent {
	return ProgressEvent{
		Kind:     u.kind,
		State:    u.stateLocked(),
		Progress: progressPct(u.received, u.total),
		Received: u.received,
		Total:    u.total,
		Error:    u.lastError,
	}
}

// emitLocked publishes a progress snapshot without blocking. A full channel
// drops the event; consumers only care about the latest state anyway.
func (u *Updater) emitLocked() {
	ev := u.snapshotLocked()
	select {
	case u.events <- ev:
	default:
	}
}
