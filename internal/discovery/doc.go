// Package discovery locates IAQ monitors on the local network via mDNS.
//
// The server side announces itself as an _iaq-monitor._tcp service with
// TXT records carrying the active scheme and firmware version; this
// package is the matching client side, used by host tooling to find a
// device without knowing its address.
package discovery
