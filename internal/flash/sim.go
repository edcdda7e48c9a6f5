package flash

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Default capacities for the simulated partition table. They mirror a
// typical dual-OTA layout: two app slots plus a frontend filesystem region.
const (
	DefaultUpdateCapacity   = 2 * 1024 * 1024
	DefaultFrontendCapacity = 1 * 1024 * 1024
)

// SimDriver is a file-backed Driver and BootController. It keeps partition
// images and boot state under a state directory so the server can run a full
// update cycle on a host.
//
// Layout:
//
//	<dir>/ota_0.bin, <dir>/ota_1.bin   app slots
//	<dir>/frontend.bin                 frontend filesystem image
//	<dir>/boot.json                    boot target + pending-verify flag
type SimDriver struct {
	mu  sync.Mutex
	dir string

	updateCap   int64
	frontendCap int64

	boot bootState
	open *simHandle

	mounted bool
}

type bootState struct {
	Current  string `json:"current"`
	Previous string `json:"previous,omitempty"`
	Pending  bool   `json:"pending_verify"`
}

// NewSimDriver opens (or initializes) a simulated flash layout under dir.
func NewSimDriver(dir string) (*SimDriver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}

	d := &SimDriver{
		dir:         dir,
		updateCap:   DefaultUpdateCapacity,
		frontendCap: DefaultFrontendCapacity,
		boot:        bootState{Current: "ota_0"},
		mounted:     true,
	}

	data, err := os.ReadFile(d.bootPath())
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &d.boot); err != nil {
			return nil, fmt.Errorf("corrupt boot state: %w", err)
		}
	case os.IsNotExist(err):
		if err := d.saveBootLocked(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("failed to read boot state: %w", err)
	}

	return d, nil
}

func (d *SimDriver) bootPath() string { return filepath.Join(d.dir, "boot.json") }

func (d *SimDriver) saveBootLocked() error {
	data, err := json.MarshalIndent(&d.boot, "", "  ")
	if err != nil {
		return err
	}
	tmp := d.bootPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write boot state: %w", err)
	}
	return os.Rename(tmp, d.bootPath())
}

func (d *SimDriver) UpdatePartition() (Partition, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// The spare slot is whichever app slot is not currently booted.
	spare := "ota_1"
	if d.boot.Current == "ota_1" {
		spare = "ota_0"
	}
	return Partition{Label: spare, Capacity: d.updateCap}, nil
}

func (d *SimDriver) FrontendPartition() (Partition, error) {
	return Partition{Label: "frontend", Capacity: d.frontendCap}, nil
}

func (d *SimDriver) Open(p Partition, size int64) (WriteHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if size > p.Capacity {
		return nil, fmt.Errorf("image size %d exceeds partition %s capacity %d", size, p.Label, p.Capacity)
	}
	if d.open != nil {
		return nil, fmt.Errorf("partition write already in progress")
	}

	tmp := filepath.Join(d.dir, p.Label+".bin.partial")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open partition image: %w", err)
	}

	h := &simHandle{
		driver:    d,
		partition: p,
		declared:  size,
		file:      f,
		tmpPath:   tmp,
		finalPath: filepath.Join(d.dir, p.Label+".bin"),
	}
	d.open = h
	return h, nil
}

func (d *SimDriver) RemountFrontend(validate bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, err := os.Stat(filepath.Join(d.dir, "frontend.bin"))
	if err != nil {
		d.mounted = false
		return fmt.Errorf("frontend image missing: %w", err)
	}
	if info.Size() == 0 {
		d.mounted = false
		return fmt.Errorf("frontend image is empty")
	}
	d.mounted = true
	return nil
}

func (d *SimDriver) RestoreFrontend() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mounted = true
	return nil
}

// BootController implementation.

func (d *SimDriver) PendingVerify() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.boot.Pending
}

func (d *SimDriver) MarkValid() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.boot.Pending = false
	return d.saveBootLocked()
}

func (d *SimDriver) SetBootPartition(p Partition) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.boot.Previous = d.boot.Current
	d.boot.Current = p.Label
	d.boot.Pending = true
	return d.saveBootLocked()
}

func (d *SimDriver) CanRollback() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.boot.Previous != ""
}

func (d *SimDriver) Rollback() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.boot.Previous == "" {
		return fmt.Errorf("no rollback image available")
	}
	d.boot.Current, d.boot.Previous = d.boot.Previous, ""
	d.boot.Pending = false
	return d.saveBootLocked()
}

type simHandle struct {
	driver    *SimDriver
	partition Partition
	declared  int64
	file      *os.File
	tmpPath   string
	finalPath string
	written   int64
	consumed  bool
}

func (h *simHandle) Write(p []byte) error {
	h.driver.mu.Lock()
	defer h.driver.mu.Unlock()
	if h.consumed {
		return fmt.Errorf("write on consumed handle")
	}
	if h.written+int64(len(p)) > h.partition.Capacity {
		return fmt.Errorf("write past end of partition %s", h.partition.Label)
	}
	n, err := h.file.Write(p)
	h.written += int64(n)
	if err != nil {
		return fmt.Errorf("flash write failed: %w", err)
	}
	return nil
}

func (h *simHandle) Finalize() error {
	h.driver.mu.Lock()
	defer h.driver.mu.Unlock()
	if h.consumed {
		return fmt.Errorf("finalize on consumed handle")
	}
	h.consumed = true
	h.driver.open = nil

	if err := h.file.Close(); err != nil {
		_ = os.Remove(h.tmpPath)
		return fmt.Errorf("failed to close partition image: %w", err)
	}
	if h.written != h.declared {
		_ = os.Remove(h.tmpPath)
		return fmt.Errorf("incomplete image: wrote %d of %d bytes", h.written, h.declared)
	}
	if err := os.Rename(h.tmpPath, h.finalPath); err != nil {
		return fmt.Errorf("failed to commit partition image: %w", err)
	}
	return nil
}

func (h *simHandle) Abort() error {
	h.driver.mu.Lock()
	defer h.driver.mu.Unlock()
	if h.consumed {
		return nil
	}
	h.consumed = true
	h.driver.open = nil
	_ = h.file.Close()
	_ = os.Remove(h.tmpPath)
	return nil
}
