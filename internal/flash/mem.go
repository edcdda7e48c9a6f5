package flash

import (
	"fmt"
	"sync"
)

// MemDriver is an in-memory Driver. It backs the unit tests and can serve
// as an ephemeral store when no state directory is configured.
type MemDriver struct {
	mu sync.Mutex

	update   Partition
	frontend Partition

	// written images by partition label, kept after Finalize
	images map[string][]byte

	// open is the currently open handle, nil when none
	open *memHandle

	mounted      bool
	mountEntries int

	// failure injection for tests
	failWrite    error
	failFinalize error
	failRemount  error
	noSpare      bool
}

// NewMemDriver creates a MemDriver with an update partition and a frontend
// region of the given capacities.
func NewMemDriver(updateCap, frontendCap int64) *MemDriver {
	return &MemDriver{
		update:   Partition{Label: "ota_1", Capacity: updateCap},
		frontend: Partition{Label: "frontend", Capacity: frontendCap},
		images:   make(map[string][]byte),
		mounted:  true,
	}
}

// FailWrite makes subsequent handle writes return err.
func (d *MemDriver) FailWrite(err error) { d.mu.Lock(); d.failWrite = err; d.mu.Unlock() }

// FailFinalize makes subsequent finalizes return err.
func (d *MemDriver) FailFinalize(err error) { d.mu.Lock(); d.failFinalize = err; d.mu.Unlock() }

// FailRemount makes subsequent frontend remounts return err.
func (d *MemDriver) FailRemount(err error) { d.mu.Lock(); d.failRemount = err; d.mu.Unlock() }

// SetNoSpare removes the spare update partition.
func (d *MemDriver) SetNoSpare(v bool) { d.mu.Lock(); d.noSpare = v; d.mu.Unlock() }

// Image returns the finalized image for a partition label, nil if none.
func (d *MemDriver) Image(label string) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.images[label]
}

// RemountCount returns how many times the frontend was remounted.
func (d *MemDriver) RemountCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mountEntriesLocked()
}

func (d *MemDriver) mountEntriesLocked() int { return d.mountEntries }

func (d *MemDriver) UpdatePartition() (Partition, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.noSpare {
		return Partition{}, fmt.Errorf("no spare update partition")
	}
	return d.update, nil
}

func (d *MemDriver) FrontendPartition() (Partition, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frontend, nil
}

func (d *MemDriver) Open(p Partition, size int64) (WriteHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if size > p.Capacity {
		return nil, fmt.Errorf("image size %d exceeds partition %s capacity %d", size, p.Label, p.Capacity)
	}
	if d.open != nil {
		return nil, fmt.Errorf("partition write already in progress")
	}
	h := &memHandle{driver: d, partition: p, declared: size}
	d.open = h
	return h, nil
}

func (d *MemDriver) RemountFrontend(validate bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failRemount != nil {
		d.mounted = false
		return d.failRemount
	}
	d.mounted = true
	d.mountEntries++
	return nil
}

func (d *MemDriver) RestoreFrontend() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mounted = true
	return nil
}

// Mounted reports whether the frontend filesystem is currently mounted.
func (d *MemDriver) Mounted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mounted
}

type memHandle struct {
	driver    *MemDriver
	partition Partition
	declared  int64
	buf       []byte
	consumed  bool
}

func (h *memHandle) Write(p []byte) error {
	h.driver.mu.Lock()
	defer h.driver.mu.Unlock()
	if h.consumed {
		return fmt.Errorf("write on consumed handle")
	}
	if h.driver.failWrite != nil {
		return h.driver.failWrite
	}
	if int64(len(h.buf)+len(p)) > h.partition.Capacity {
		return fmt.Errorf("write past end of partition %s", h.partition.Label)
	}
	h.buf = append(h.buf, p...)
	return nil
}

func (h *memHandle) Finalize() error {
	h.driver.mu.Lock()
	defer h.driver.mu.Unlock()
	if h.consumed {
		return fmt.Errorf("finalize on consumed handle")
	}
	h.consumed = true
	h.driver.open = nil
	if h.driver.failFinalize != nil {
		return h.driver.failFinalize
	}
	if int64(len(h.buf)) != h.declared {
		return fmt.Errorf("incomplete image: wrote %d of %d bytes", len(h.buf), h.declared)
	}
	h.driver.images[h.partition.Label] = h.buf
	return nil
}

func (h *memHandle) Abort() error {
	h.driver.mu.Lock()
	defer h.driver.mu.Unlock()
	if h.consumed {
		return nil
	}
	h.consumed = true
	h.buf = nil
	h.driver.open = nil
	return nil
}

// MemBoot is an in-memory BootController.
type MemBoot struct {
	mu           sync.Mutex
	pending      bool
	previous     *Partition
	current      Partition
	rolledBack   bool
	failSetBoot  error
	failRollback error
}

// NewMemBoot creates a MemBoot booted from the given partition.
func NewMemBoot(current Partition) *MemBoot {
	return &MemBoot{current: current}
}

// SetPendingVerify forces the pending-verify flag, for tests.
func (b *MemBoot) SetPendingVerify(v bool) { b.mu.Lock(); b.pending = v; b.mu.Unlock() }

// FailSetBoot makes SetBootPartition return err.
func (b *MemBoot) FailSetBoot(err error) { b.mu.Lock(); b.failSetBoot = err; b.mu.Unlock() }

// Current returns the active boot partition.
func (b *MemBoot) Current() Partition {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// RolledBack reports whether Rollback has been invoked.
func (b *MemBoot) RolledBack() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rolledBack
}

func (b *MemBoot) PendingVerify() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

func (b *MemBoot) MarkValid() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = false
	return nil
}

func (b *MemBoot) SetBootPartition(p Partition) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failSetBoot != nil {
		return b.failSetBoot
	}
	prev := b.current
	b.previous = &prev
	b.current = p
	b.pending = true
	return nil
}

func (b *MemBoot) CanRollback() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.previous != nil
}

func (b *MemBoot) Rollback() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failRollback != nil {
		return b.failRollback
	}
	if b.previous == nil {
		return fmt.Errorf("no rollback image available")
	}
	b.current = *b.previous
	b.previous = nil
	b.pending = false
	b.rolledBack = true
	return nil
}
