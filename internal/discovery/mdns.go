package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the mDNS service type IAQ monitors announce
	ServiceType = "_iaq-monitor._tcp"

	// ServiceDomain is the mDNS domain (typically "local.")
	ServiceDomain = "local."

	// DefaultScanTimeout is the default timeout for device discovery
	DefaultScanTimeout = 10 * time.Second

	// DefaultPort is assumed when a device announces no port
	DefaultPort = 80
)

// Scanner browses the local network for announced IAQ monitors.
type Scanner struct {
	// Timeout is the maximum time to wait for device discovery
	Timeout time.Duration
}

// NewScanner creates a scanner with the default timeout.
func NewScanner() *Scanner {
	return &Scanner{Timeout: DefaultScanTimeout}
}

// Scan discovers every IAQ monitor on the local network. It blocks for
// the scanner timeout and returns whatever answered in that window.
func (s *Scanner) Scan(ctx context.Context) ([]*Device, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	devices := make([]*Device, 0)
	done := make(chan struct{})

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	go func() {
		defer close(done)
		for entry := range entries {
			if device := parseServiceEntry(entry); device != nil {
				devices = append(devices, device)
			}
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for mDNS services: %w", err)
	}

	<-ctx.Done()
	<-done
	return devices, nil
}

// WaitForInstance blocks until a device with the given instance name
// answers, or the scanner timeout passes.
func (s *Scanner) WaitForInstance(ctx context.Context, instance string) (*Device, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan *Device, 1)

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	go func() {
		for entry := range entries {
			if device := parseServiceEntry(entry); device != nil && device.Instance == instance {
				found <- device
				cancel()
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for mDNS services: %w", err)
	}

	select {
	case device := <-found:
		return device, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("device %q not found within timeout", instance)
	}
}

// parseServiceEntry converts a zeroconf service entry to a Device. Nil
// means the entry carried no usable address.
func parseServiceEntry(entry *zeroconf.ServiceEntry) *Device {
	if entry.Instance == "" {
		return nil
	}

	var ip string
	for _, addr := range entry.AddrIPv4 {
		ip = addr.String()
		break
	}
	if ip == "" && len(entry.AddrIPv6) > 0 {
		ip = entry.AddrIPv6[0].String()
	}
	if ip == "" {
		return nil
	}

	port := entry.Port
	if port == 0 {
		port = DefaultPort
	}

	metadata := make(map[string]string)
	for _, txt := range entry.Text {
		parts := strings.SplitN(txt, "=", 2)
		if len(parts) == 2 {
			metadata[parts[0]] = parts[1]
		} else {
			metadata[parts[0]] = ""
		}
	}

	scheme := metadata["scheme"]
	if scheme != "https" {
		scheme = "http"
	}

	return &Device{
		Instance:     entry.Instance,
		Hostname:     entry.HostName,
		IP:           ip,
		Port:         port,
		Scheme:       scheme,
		Version:      metadata["version"],
		Metadata:     metadata,
		DiscoveredAt: time.Now(),
	}
}

// Scan is a convenience wrapper for a one-shot scan with a custom timeout.
func Scan(timeout time.Duration) ([]*Device, error) {
	scanner := NewScanner()
	scanner.Timeout = timeout
	return scanner.Scan(context.Background())
}
