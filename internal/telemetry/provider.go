package telemetry

// Provider supplies the JSON-ready snapshots distributed by the broadcast
// engine. Payload construction from device state is owned by the caller;
// the broadcast engine only serializes whatever the provider returns.
type Provider interface {
	// State returns the 1 Hz device state snapshot.
	State() any

	// Metrics returns the 5 s metrics snapshot.
	Metrics() any

	// Health returns the 1 Hz health snapshot.
	Health() any

	// Power returns the battery/power snapshot, when the platform has a
	// fuel gauge. ok is false when no power data is available.
	Power() (data any, ok bool)
}
