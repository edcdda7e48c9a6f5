package ota

import (
	"errors"
	"testing"

	"github.com/DivinityQQ/iaq-monitor-server/internal/errcode"
	"github.com/DivinityQQ/iaq-monitor-server/internal/flash"
	"github.com/DivinityQQ/iaq-monitor-server/internal/image"
)

const testProject = "iaq-monitor"

func newTestUpdater(t *testing.T) (*Updater, *flash.MemDriver, *flash.MemBoot) {
	t.Helper()
	driver := flash.NewMemDriver(2048, 1024)
	boot := flash.NewMemBoot(flash.Partition{Label: "ota_0", Capacity: 2048})
	u := New(driver, boot, Options{ProjectName: testProject})
	return u, driver, boot
}

// firmwareImage builds a payload of the given total size with a valid
// header for project.
func firmwareImage(t *testing.T, project string, total int) []byte {
	t.Helper()
	buf := make([]byte, total)
	if err := image.WriteHeader(buf, project, "2.0.0"); err != nil {
		t.Fatalf("building image fixture: %v", err)
	}
	for i := image.MinHeaderLen; i < total; i++ {
		buf[i] = byte(i)
	}
	return buf
}

// drainEvents collects whatever progress events are buffered.
func drainEvents(u *Updater) []ProgressEvent {
	var out []ProgressEvent
	for {
		select {
		case ev := <-u.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func wantCode(t *testing.T, err error, code errcode.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %q error, got nil", code)
	}
	if got := errcode.Of(err); got != code {
		t.Fatalf("error code = %q, want %q (err: %v)", got, code, err)
	}
}

func TestFirmwareUpdateHappyPath(t *testing.T) {
	u, driver, boot := newTestUpdater(t)
	payload := firmwareImage(t, testProject, 600)

	if err := u.Begin(KindFirmware, int64(len(payload))); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if !u.Busy() {
		t.Error("updater not busy after Begin")
	}

	// Chunks deliberately split inside the header region.
	for _, chunk := range [][]byte{payload[:100], payload[100:400], payload[400:]} {
		if err := u.Write(chunk); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if err := u.End(); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	if got := driver.Image("ota_1"); string(got) != string(payload) {
		t.Error("committed image does not match the payload")
	}
	if boot.Current().Label != "ota_1" {
		t.Errorf("boot target = %q, want %q", boot.Current().Label, "ota_1")
	}
	if !boot.PendingVerify() {
		t.Error("new boot target is not pending verification")
	}

	info := u.Info()
	if info.State != StateIdle {
		t.Errorf("state after completion = %q, want %q", info.State, StateIdle)
	}
	if info.Received != int64(len(payload)) || info.Total != int64(len(payload)) {
		t.Errorf("counters = %d/%d, want %d/%d", info.Received, info.Total, len(payload), len(payload))
	}
	if info.LastError != "" {
		t.Errorf("lastError = %q, want empty", info.LastError)
	}
	if !info.PendingVerify || !info.CanRollback {
		t.Error("info does not reflect boot flags")
	}

	events := drainEvents(u)
	if len(events) == 0 {
		t.Fatal("no progress events emitted")
	}
	last := events[len(events)-1]
	if last.State != StateComplete || last.Progress != 100 {
		t.Errorf("final event = %+v, want complete at 100%%", last)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Received < events[i-1].Received {
			t.Errorf("received went backwards: %d after %d", events[i].Received, events[i-1].Received)
		}
	}
}

func TestFrontendUpdateHappyPath(t *testing.T) {
	u, driver, _ := newTestUpdater(t)
	payload := []byte("frontend filesystem image, no header required")

	if err := u.Begin(KindFrontend, int64(len(payload))); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := u.Write(payload); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := u.End(); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	if got := driver.Image("frontend"); string(got) != string(payload) {
		t.Error("committed frontend image does not match the payload")
	}
	if driver.RemountCount() != 1 {
		t.Errorf("remount count = %d, want 1", driver.RemountCount())
	}
}

func TestBeginRejections(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, u *Updater, boot *flash.MemBoot)
		kind  Kind
		total int64
		code  errcode.Code
	}{
		{
			name: "while busy",
			setup: func(t *testing.T, u *Updater, _ *flash.MemBoot) {
				if err := u.Begin(KindFrontend, 100); err != nil {
					t.Fatalf("first Begin() error = %v", err)
				}
			},
			kind: KindFrontend, total: 100, code: errcode.InvalidState,
		},
		{
			name: "firmware while pending verify",
			setup: func(_ *testing.T, _ *Updater, boot *flash.MemBoot) {
				boot.SetPendingVerify(true)
			},
			kind: KindFirmware, total: 600, code: errcode.Conflict,
		},
		{
			name: "zero size",
			kind: KindFrontend, total: 0, code: errcode.InvalidArgument,
		},
		{
			name: "negative size",
			kind: KindFrontend, total: -5, code: errcode.InvalidArgument,
		},
		{
			name: "unknown kind",
			kind: Kind("bootloader"), total: 100, code: errcode.InvalidArgument,
		},
		{
			name: "exceeds capacity",
			kind: KindFrontend, total: 5000, code: errcode.SizeExceeded,
		},
		{
			name: "firmware smaller than header",
			kind: KindFirmware, total: 64, code: errcode.ValidationError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, _, boot := newTestUpdater(t)
			if tt.setup != nil {
				tt.setup(t, u, boot)
			}
			wantCode(t, u.Begin(tt.kind, tt.total), tt.code)
		})
	}
}

func TestBeginNoSpareSlot(t *testing.T) {
	u, driver, _ := newTestUpdater(t)
	driver.SetNoSpare(true)
	wantCode(t, u.Begin(KindFirmware, 600), errcode.NotFound)
}

func TestWriteOverflowAbortsUpdate(t *testing.T) {
	u, _, _ := newTestUpdater(t)
	if err := u.Begin(KindFrontend, 10); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	wantCode(t, u.Write(make([]byte, 11)), errcode.SizeExceeded)

	if u.Busy() {
		t.Error("updater still busy after overflow")
	}
	if info := u.Info(); info.LastError == "" {
		t.Error("overflow left no lastError")
	}

	// The write target was released; a new update can begin.
	if err := u.Begin(KindFrontend, 10); err != nil {
		t.Errorf("Begin after overflow error = %v", err)
	}
}

func TestWriteHeaderMismatch(t *testing.T) {
	tests := []struct {
		name    string
		payload func(t *testing.T) []byte
	}{
		{
			name: "wrong project name",
			payload: func(t *testing.T) []byte {
				return firmwareImage(t, "other-device", 600)
			},
		},
		{
			name: "bad image magic",
			payload: func(t *testing.T) []byte {
				p := firmwareImage(t, testProject, 600)
				p[0] = 0x00
				return p
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, _, _ := newTestUpdater(t)
			payload := tt.payload(t)
			if err := u.Begin(KindFirmware, int64(len(payload))); err != nil {
				t.Fatalf("Begin() error = %v", err)
			}
			wantCode(t, u.Write(payload), errcode.ValidationError)
			if u.Busy() {
				t.Error("updater still busy after header rejection")
			}
		})
	}
}

func TestWriteValidatesHeaderAcrossChunks(t *testing.T) {
	u, _, _ := newTestUpdater(t)
	payload := firmwareImage(t, "other-device", 600)
	if err := u.Begin(KindFirmware, int64(len(payload))); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	// First chunk stays below the header length: accepted, validation
	// deferred.
	if err := u.Write(payload[:100]); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	// The chunk that completes the header triggers the rejection.
	wantCode(t, u.Write(payload[100:]), errcode.ValidationError)
}

func TestWriteWithoutBegin(t *testing.T) {
	u, _, _ := newTestUpdater(t)
	wantCode(t, u.Write([]byte("data")), errcode.InvalidState)
	wantCode(t, u.End(), errcode.InvalidState)
}

func TestWriteDriverFailure(t *testing.T) {
	u, driver, _ := newTestUpdater(t)
	if err := u.Begin(KindFrontend, 100); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	driver.FailWrite(errors.New("flash worn out"))
	wantCode(t, u.Write(make([]byte, 10)), errcode.IOError)
	if u.Busy() {
		t.Error("updater still busy after driver failure")
	}
}

func TestEndFinalizeFailure(t *testing.T) {
	u, driver, _ := newTestUpdater(t)
	if err := u.Begin(KindFrontend, 10); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := u.Write(make([]byte, 10)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	driver.FailFinalize(errors.New("verify failed"))
	wantCode(t, u.End(), errcode.IOError)
	if u.Busy() {
		t.Error("updater still busy after finalize failure")
	}
}

func TestEndRemountFailureRestoresFrontend(t *testing.T) {
	u, driver, _ := newTestUpdater(t)
	if err := u.Begin(KindFrontend, 10); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := u.Write(make([]byte, 10)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	driver.FailRemount(errors.New("image corrupt"))
	wantCode(t, u.End(), errcode.IOError)

	if !driver.Mounted() {
		t.Error("previous frontend mount was not restored")
	}
}

func TestAbort(t *testing.T) {
	u, _, _ := newTestUpdater(t)

	// Abort while idle is a no-op.
	if err := u.Abort("nothing running"); err != nil {
		t.Fatalf("Abort() while idle error = %v", err)
	}

	if err := u.Begin(KindFrontend, 100); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := u.Write(make([]byte, 40)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := u.Abort("aborted by client"); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	if u.Busy() {
		t.Error("updater still busy after Abort")
	}
	if info := u.Info(); info.LastError != "aborted by client" {
		t.Errorf("lastError = %q, want %q", info.LastError, "aborted by client")
	}

	// A write racing the abort observes invalid_state, not a partial
	// target.
	wantCode(t, u.Write(make([]byte, 10)), errcode.InvalidState)

	// Second abort is a no-op again.
	if err := u.Abort("again"); err != nil {
		t.Fatalf("second Abort() error = %v", err)
	}
}

func TestAbortEmitsErrorEvent(t *testing.T) {
	u, _, _ := newTestUpdater(t)
	if err := u.Begin(KindFrontend, 100); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	drainEvents(u)
	if err := u.Abort("link lost"); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}

	events := drainEvents(u)
	if len(events) == 0 {
		t.Fatal("abort emitted no event")
	}
	ev := events[len(events)-1]
	if ev.State != StateError || ev.Error != "link lost" {
		t.Errorf("abort event = %+v, want error state with reason", ev)
	}
}

func TestRollback(t *testing.T) {
	u, _, boot := newTestUpdater(t)

	// Nothing to roll back to.
	wantCode(t, u.Rollback(), errcode.Conflict)

	// Busy contexts refuse rollback.
	if err := u.Begin(KindFrontend, 100); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	wantCode(t, u.Rollback(), errcode.Conflict)
	if err := u.Abort("test cleanup"); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}

	// After a completed firmware update a rollback target exists.
	payload := firmwareImage(t, testProject, 600)
	if err := u.Begin(KindFirmware, int64(len(payload))); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := u.Write(payload); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := u.End(); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	if err := u.Rollback(); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if !boot.RolledBack() {
		t.Error("boot controller did not roll back")
	}
	if boot.Current().Label != "ota_0" {
		t.Errorf("boot target = %q, want %q", boot.Current().Label, "ota_0")
	}
}

func TestMarkValid(t *testing.T) {
	u, _, boot := newTestUpdater(t)

	// Nothing pending: no-op.
	if err := u.MarkValid(); err != nil {
		t.Fatalf("MarkValid() while confirmed error = %v", err)
	}

	boot.SetPendingVerify(true)
	wantCode(t, u.Begin(KindFirmware, 600), errcode.Conflict)

	if err := u.MarkValid(); err != nil {
		t.Fatalf("MarkValid() error = %v", err)
	}
	if boot.PendingVerify() {
		t.Error("pending verify still set after MarkValid")
	}
	if err := u.Begin(KindFirmware, 600); err != nil {
		t.Errorf("Begin after MarkValid error = %v", err)
	}
}

func TestInfoIdleReportsNoKind(t *testing.T) {
	u, _, _ := newTestUpdater(t)
	info := u.Info()
	if info.Kind != KindNone || info.State != StateIdle {
		t.Errorf("fresh info = %+v, want idle/none", info)
	}
	if info.Progress != 0 {
		t.Errorf("fresh progress = %v, want 0", info.Progress)
	}
}

func TestProgressSnapshot(t *testing.T) {
	u, _, _ := newTestUpdater(t)
	if err := u.Begin(KindFrontend, 200); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := u.Write(make([]byte, 50)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	ev := u.Progress()
	if ev.State != StateReceiving || ev.Received != 50 || ev.Total != 200 {
		t.Errorf("snapshot = %+v", ev)
	}
	if ev.Progress != 25 {
		t.Errorf("progress = %v, want 25", ev.Progress)
	}
}

// gateDriver stalls chunk writes until the test releases them, modeling a
// slow flash device.
type gateDriver struct {
	*flash.MemDriver
	entered chan struct{}
	release chan struct{}
}

func newGateDriver() *gateDriver {
	return &gateDriver{
		MemDriver: flash.NewMemDriver(2048, 1024),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
}

func (d *gateDriver) Open(p flash.Partition, size int64) (flash.WriteHandle, error) {
	h, err := d.MemDriver.Open(p, size)
	if err != nil {
		return nil, err
	}
	return &gateHandle{WriteHandle: h, entered: d.entered, release: d.release}, nil
}

type gateHandle struct {
	flash.WriteHandle
	entered chan struct{}
	release chan struct{}
}

func (h *gateHandle) Write(p []byte) error {
	h.entered <- struct{}{}
	<-h.release
	return h.WriteHandle.Write(p)
}

func TestSnapshotsAvailableDuringFlashWrite(t *testing.T) {
	driver := newGateDriver()
	boot := flash.NewMemBoot(flash.Partition{Label: "ota_0", Capacity: 2048})
	u := New(driver, boot, Options{ProjectName: testProject})
	payload := firmwareImage(t, testProject, 600)

	if err := u.Begin(KindFirmware, int64(len(payload))); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- u.Write(payload) }()
	<-driver.entered

	// Snapshot reads must not wait out the stalled chunk write.
	if snap := u.Progress(); snap.State != StateReceiving {
		t.Errorf("Progress().State = %q, want %q", snap.State, StateReceiving)
	}
	if info := u.Info(); info.State != StateReceiving {
		t.Errorf("Info().State = %q, want %q", info.State, StateReceiving)
	}

	close(driver.release)
	if err := <-done; err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := u.End(); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if got := driver.Image("ota_1"); string(got) != string(payload) {
		t.Error("committed image does not match upload")
	}
}

func TestAbortWinsDuringFlashWrite(t *testing.T) {
	driver := newGateDriver()
	boot := flash.NewMemBoot(flash.Partition{Label: "ota_0", Capacity: 2048})
	u := New(driver, boot, Options{ProjectName: testProject})
	payload := firmwareImage(t, testProject, 600)

	if err := u.Begin(KindFirmware, int64(len(payload))); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- u.Write(payload) }()
	<-driver.entered

	if err := u.Abort("link lost"); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	if u.Busy() {
		t.Error("updater still busy after Abort")
	}

	close(driver.release)
	wantCode(t, <-done, errcode.InvalidState)

	if info := u.Info(); info.LastError != "link lost" {
		t.Errorf("lastError = %q, want %q", info.LastError, "link lost")
	}

	// The interrupted writer released the target, so a new update can start.
	if err := u.Begin(KindFirmware, int64(len(payload))); err != nil {
		t.Fatalf("Begin() after aborted write error = %v", err)
	}
}
