package discovery

import (
	"fmt"
	"time"
)

// Device represents a discovered IAQ monitor on the network.
type Device struct {
	// Instance is the mDNS instance name (e.g., "iaq-monitor")
	Instance string

	// Hostname is the mDNS hostname (e.g., "iaq-monitor.local.")
	Hostname string

	// IP is the device address, IPv4 preferred
	IP string

	// Port is the service port the device announced
	Port int

	// Scheme is the transport the device currently serves ("http" or
	// "https"), taken from the TXT records
	Scheme string

	// Version is the announced firmware version, when present
	Version string

	// Metadata holds the remaining mDNS TXT record data
	Metadata map[string]string

	// DiscoveredAt is when the device was discovered
	DiscoveredAt time.Time
}

// String returns a human-readable description of the device.
func (d *Device) String() string {
	return fmt.Sprintf("IAQ monitor %q at %s:%d (%s)", d.Instance, d.IP, d.Port, d.Scheme)
}

// BaseURL returns the URL the device's API is reachable on.
func (d *Device) BaseURL() string {
	return fmt.Sprintf("%s://%s:%d", d.Scheme, d.IP, d.Port)
}

// GetMetadata retrieves a TXT record value by key, empty when absent.
func (d *Device) GetMetadata(key string) string {
	if d.Metadata == nil {
		return ""
	}
	return d.Metadata[key]
}
