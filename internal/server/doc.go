// Package server composes the HTTP/TLS surface of the monitor: it
// binds the listener, mounts the update and WebSocket routes, announces
// the service over mDNS and rebuilds the session machinery on every
// start so restarts never carry stale client state.
//
// The SwitchController moves the server between plain HTTP (while the
// device serves its provisioning access point) and TLS (once it joins
// an infrastructure network and certificate material is available).
package server
