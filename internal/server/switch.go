package server

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/DivinityQQ/iaq-monitor-server/internal/logging"
)

// ConnectivityState describes what kind of network the device is on.
type ConnectivityState string

const (
	// ConnAPOnly means the device is serving its own provisioning
	// access point with no upstream network.
	ConnAPOnly ConnectivityState = "ap_only"
	// ConnStation means the device has joined an infrastructure
	// network.
	ConnStation ConnectivityState = "station"
)

// SwitchController moves the server between plain HTTP and TLS as the
// device's connectivity changes. On the provisioning access point the
// server runs plain HTTP so captive clients can reach it; once the
// device joins a real network it switches to TLS when certificate
// material is available.
//
// A switch is stop, settle delay, start on a fresh listener. Only one
// switch runs at a time; connectivity events arriving while a switch
// is in flight are dropped, and the next event after it completes
// reconciles the scheme.
type SwitchController struct {
	srv     *Server
	delay   time.Duration
	pending atomic.Bool
}

// NewSwitchController wires a controller to the given server. delay is
// the settle time between stopping the old listener and binding the
// new one.
func NewSwitchController(srv *Server, delay time.Duration) *SwitchController {
	return &SwitchController{srv: srv, delay: delay}
}

// HandleConnectivity applies the scheme policy for the given
// connectivity state, restarting the server if the active scheme does
// not match. It returns immediately; the restart runs on its own
// goroutine.
func (c *SwitchController) HandleConnectivity(state ConnectivityState) {
	desired := c.desiredScheme(state)
	if c.srv.Running() && c.srv.Scheme() == desired {
		return
	}
	if !c.pending.CompareAndSwap(false, true) {
		logging.Debug("Protocol switch already in flight, dropping event",
			zap.String("connectivity", string(state)),
		)
		return
	}

	logging.Info("Switching server protocol",
		zap.String("connectivity", string(state)),
		zap.String("scheme", string(desired)),
	)

	go func() {
		defer c.pending.Store(false)

		if err := c.srv.Stop(); err != nil {
			logging.Error("Failed to stop server during protocol switch", zap.Error(err))
		}
		time.Sleep(c.delay)
		if err := c.srv.Start(desired); err != nil {
			logging.Error("Failed to start server during protocol switch",
				zap.String("scheme", string(desired)),
				zap.Error(err),
			)
		}
	}()
}

func (c *SwitchController) desiredScheme(state ConnectivityState) Scheme {
	if state == ConnStation && c.srv.TLSAvailable() {
		return SchemeHTTPS
	}
	return SchemeHTTP
}
