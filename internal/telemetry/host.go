package telemetry

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostProvider is a Provider backed by host metrics. It stands in for the
// sensor subsystem when the server runs off-device, and gives the broadcast
// engine real payloads to distribute.
type HostProvider struct{}

// NewHostProvider creates a host-metrics provider.
func NewHostProvider() *HostProvider { return &HostProvider{} }

// StateSnapshot is the 1 Hz state payload.
type StateSnapshot struct {
	Timestamp int64   `json:"ts"`
	UptimeSec uint64  `json:"uptime_sec"`
	CPUPct    float64 `json:"cpu_pct"`
}

// MetricsSnapshot is the 5 s metrics payload.
type MetricsSnapshot struct {
	Timestamp  int64   `json:"ts"`
	MemUsedPct float64 `json:"mem_used_pct"`
	MemFree    uint64  `json:"mem_free"`
	Load1      float64 `json:"load1"`
}

// HealthSnapshot is the 1 Hz health payload.
type HealthSnapshot struct {
	Timestamp int64  `json:"ts"`
	Healthy   bool   `json:"healthy"`
	Hostname  string `json:"hostname"`
}

func (p *HostProvider) State() any {
	s := StateSnapshot{Timestamp: time.Now().Unix()}
	if up, err := host.Uptime(); err == nil {
		s.UptimeSec = up
	}
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		s.CPUPct = pcts[0]
	}
	return s
}

func (p *HostProvider) Metrics() any {
	m := MetricsSnapshot{Timestamp: time.Now().Unix()}
	if vm, err := mem.VirtualMemory(); err == nil {
		m.MemUsedPct = vm.UsedPercent
		m.MemFree = vm.Available
	}
	if avg, err := load.Avg(); err == nil {
		m.Load1 = avg.Load1
	}
	return m
}

func (p *HostProvider) Health() any {
	h := HealthSnapshot{Timestamp: time.Now().Unix(), Healthy: true}
	if info, err := host.Info(); err == nil {
		h.Hostname = info.Hostname
	}
	return h
}

// Power reports no data: hosts running the simulator have no fuel gauge.
func (p *HostProvider) Power() (any, bool) { return nil, false }
