package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/DivinityQQ/iaq-monitor-server/internal/logging"
	"github.com/DivinityQQ/iaq-monitor-server/internal/metrics"
	"github.com/DivinityQQ/iaq-monitor-server/internal/ota"
	"github.com/DivinityQQ/iaq-monitor-server/internal/ws"
)

// Rebooter schedules a device reboot after a successful firmware update or
// rollback. Off-device deployments log and stay up.
type Rebooter interface {
	Reboot(reason string)
}

// LogRebooter is the default Rebooter: it only logs the request.
type LogRebooter struct{}

func (LogRebooter) Reboot(reason string) {
	logging.Info("Reboot requested", zap.String("reason", reason))
}

// Options configures the update API.
type Options struct {
	// ChunkSize is the fixed read size for upload bodies (default 4096)
	ChunkSize int

	// RebootGrace delays a requested reboot so the response can flush
	RebootGrace time.Duration

	// Rebooter performs the deferred reboot (default LogRebooter)
	Rebooter Rebooter
}

// API carries the HTTP surface: the update endpoints, the streaming channel
// upgrade and the operational endpoints.
type API struct {
	updater     *ota.Updater
	broadcaster *ws.Broadcaster
	opts        Options
	upgrader    websocket.Upgrader
}

// New creates the API around the update state machine and broadcast engine.
func New(updater *ota.Updater, broadcaster *ws.Broadcaster, opts Options) *API {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 4096
	}
	if opts.RebootGrace <= 0 {
		opts.RebootGrace = 2 * time.Second
	}
	if opts.Rebooter == nil {
		opts.Rebooter = LogRebooter{}
	}
	return &API{
		updater:     updater,
		broadcaster: broadcaster,
		opts:        opts,
		upgrader: websocket.Upgrader{
			// The device serves its own dashboard; there is no
			// cross-origin story to police on a LAN appliance.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Routes registers all endpoints on the router.
func (a *API) Routes(r *mux.Router) {
	r.HandleFunc("/update/info", a.handleInfo).Methods(http.MethodGet)
	r.HandleFunc("/update/firmware", a.handleFirmware).Methods(http.MethodPost)
	r.HandleFunc("/update/frontend", a.handleFrontend).Methods(http.MethodPost)
	r.HandleFunc("/update/rollback", a.handleRollback).Methods(http.MethodPost)
	r.HandleFunc("/update/verify", a.handleVerify).Methods(http.MethodPost)
	r.HandleFunc("/update/abort", a.handleAbort).Methods(http.MethodPost)
	r.HandleFunc("/ws", a.handleWS).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *API) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.updater.Info())
}

func (a *API) handleRollback(w http.ResponseWriter, r *http.Request) {
	if err := a.updater.Rollback(); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadBody{Status: "ok", RebootRequired: true})
	a.scheduleReboot("rollback requested")
}

// handleVerify confirms the running firmware image, clearing the
// pending-verify flag so the next firmware update is allowed.
func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	if err := a.updater.MarkValid(); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusBody{Status: "ok"})
}

func (a *API) handleAbort(w http.ResponseWriter, r *http.Request) {
	if !a.updater.Busy() {
		writeError(w, r, errcodeNoUpdate)
		return
	}
	if err := a.updater.Abort("aborted by client"); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusBody{Status: "ok"})
}

func (a *API) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("WebSocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	if err := a.broadcaster.AddSession(conn, r.RemoteAddr); err != nil {
		logging.Warn("Rejecting session", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "session table full")
		_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = conn.Close()
	}
}

// scheduleReboot defers the reboot by the grace period so the HTTP
// response flushes before the device goes away.
func (a *API) scheduleReboot(reason string) {
	time.AfterFunc(a.opts.RebootGrace, func() {
		a.opts.Rebooter.Reboot(reason)
	})
}
