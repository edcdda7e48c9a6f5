// Package ws implements the streaming channel: a bounded session registry
// and the broadcast engine that distributes telemetry snapshots and update
// progress to every connected WebSocket client.
//
// # Model
//
// Sessions live in a fixed-capacity slot table (Registry). When the table is
// full, new sessions are rejected rather than evicting an old one. Each
// session runs a gorilla/websocket read pump and write pump; the write pump
// also emits the periodic liveness pings, and pong replies refresh the
// session's liveness timestamp. A prune sweep retires sessions that stop
// answering.
//
// All broadcast work funnels through one worker goroutine (Broadcaster), so
// frames reach every client in the same relative order they were enqueued
// and payload construction needs no locking. Periodic timers run only while
// at least one session is active; they enqueue work, never execute it.
//
// Per-client delivery is a non-blocking enqueue onto a buffered channel: a
// slow client is dropped instead of stalling the broadcast for the others.
package ws
