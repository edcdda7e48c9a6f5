package server

import (
	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/DivinityQQ/iaq-monitor-server/internal/logging"
	"github.com/DivinityQQ/iaq-monitor-server/internal/version"
)

const (
	mdnsService = "_iaq-monitor._tcp"
	mdnsDomain  = "local."
)

// announcer wraps a zeroconf registration for one server run.
type announcer struct {
	server *zeroconf.Server
}

// announce registers the service on mDNS so monitoring clients can find
// the device without knowing its address. Failure to register is logged
// and otherwise ignored; discovery is a convenience, not a dependency.
func announce(instance, scheme string, port int) *announcer {
	txt := []string{
		"scheme=" + scheme,
		"version=" + version.Version,
	}

	srv, err := zeroconf.Register(instance, mdnsService, mdnsDomain, port, txt, nil)
	if err != nil {
		logging.Warn("mDNS registration failed", zap.Error(err))
		return nil
	}

	logging.Info("mDNS service registered",
		zap.String("instance", instance),
		zap.String("service", mdnsService),
		zap.Int("port", port),
	)
	return &announcer{server: srv}
}

func (a *announcer) shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}
