// Package ota implements the dual-target over-the-air update state machine.
//
// A single Updater owns the one mutable update context and drives two update
// flows through a shared lifecycle: a firmware image streamed into the spare
// boot partition, and a frontend filesystem image streamed into its flash
// region.
//
// # Lifecycle
//
//	idle → receiving → validating → {complete | error} → idle
//
// Terminal states are transient: they are published on the progress channel
// and the context resets to idle, with counters and the last error kept for
// read-only inspection until the next Begin.
//
// # Safety
//
// At most one update is ever busy system-wide; Begin refuses a second update
// while one is receiving or validating. A firmware update is also refused
// while the running image is pending verification, since flashing the spare
// slot would destroy the only remaining rollback path. No boot target is
// committed until End fully succeeds; any earlier failure aborts the
// driver-level write and leaves the previous, known-good boot target
// untouched.
//
// # Progress
//
// Every state-relevant mutation publishes a ProgressEvent on the channel
// returned by Events. Sends never block; the broadcast path is simply one
// subscriber.
package ota
