package httpapi

import (
	"fmt"
	"io"
	"net/http"

	"github.com/DivinityQQ/iaq-monitor-server/internal/errcode"
	"github.com/DivinityQQ/iaq-monitor-server/internal/metrics"
	"github.com/DivinityQQ/iaq-monitor-server/internal/ota"
)

func (a *API) handleFirmware(w http.ResponseWriter, r *http.Request) {
	a.handleUpload(w, r, ota.KindFirmware)
}

func (a *API) handleFrontend(w http.ResponseWriter, r *http.Request) {
	a.handleUpload(w, r, ota.KindFrontend)
}

// handleUpload streams a declared-length request body through fixed-size
// chunks into the update state machine. All pre-flight checks run before a
// single body byte is read; the first fatal error aborts the update and
// returns immediately rather than silently truncating.
func (a *API) handleUpload(w http.ResponseWriter, r *http.Request, kind ota.Kind) {
	length := r.ContentLength
	if length <= 0 {
		writeError(w, r, errcode.New(errcode.InvalidArgument, "Content-Length required and positive"))
		return
	}

	if a.updater.Busy() {
		writeError(w, r, errcode.New(errcode.Conflict, "another update is in progress"))
		return
	}
	if kind == ota.KindFirmware && a.updater.PendingVerify() {
		writeError(w, r, errcode.New(errcode.Conflict, "running image is pending verification"))
		return
	}

	capacity, err := a.updater.TargetCapacity(kind)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if length > capacity {
		writeError(w, r, errcode.New(errcode.SizeExceeded,
			fmt.Sprintf("declared size %d exceeds target capacity %d", length, capacity)))
		return
	}

	if err := a.updater.Begin(kind, length); err != nil {
		writeError(w, r, err)
		return
	}
	metrics.UploadsStarted.WithLabelValues(string(kind)).Inc()

	buf := make([]byte, a.opts.ChunkSize)
	var received int64
	for received < length {
		n := int64(len(buf))
		if remaining := length - received; remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(r.Body, buf[:n]); err != nil {
			_ = a.updater.Abort("upload interrupted: " + err.Error())
			a.failUpload(w, r, kind, errcode.Wrap(errcode.IOError, "read upload body", err))
			return
		}
		// Write aborts the update itself on any failure.
		if err := a.updater.Write(buf[:n]); err != nil {
			a.failUpload(w, r, kind, err)
			return
		}
		received += n
		metrics.UploadBytes.Add(float64(n))
	}

	if err := a.updater.End(); err != nil {
		a.failUpload(w, r, kind, err)
		return
	}
	metrics.UploadsCompleted.WithLabelValues(string(kind)).Inc()

	rebootRequired := kind == ota.KindFirmware
	writeJSON(w, http.StatusOK, uploadBody{Status: "ok", RebootRequired: rebootRequired})

	if rebootRequired && rebootRequested(r) {
		a.scheduleReboot("firmware update complete")
	}
}

func (a *API) failUpload(w http.ResponseWriter, r *http.Request, kind ota.Kind, err error) {
	metrics.UploadsFailed.WithLabelValues(string(kind), string(errcode.Of(err))).Inc()
	writeError(w, r, err)
}

// rebootRequested reports whether the caller asked for the post-update
// reboot via the reboot query parameter.
func rebootRequested(r *http.Request) bool {
	switch r.URL.Query().Get("reboot") {
	case "1", "true", "yes":
		return true
	}
	return false
}
