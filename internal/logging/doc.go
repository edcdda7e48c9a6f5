// Package logging provides structured logging for the IAQ monitor server.
//
// This package wraps zap logger with convenience functions for common logging
// patterns used throughout the server. It provides both general logging
// functions and specialized functions for session and update lifecycle events.
//
// # Log Levels
//
// The package supports standard log levels:
//   - Debug: Detailed debugging info (broadcast queue activity, chunk writes)
//   - Info: Normal operations (connections, updates, protocol switches)
//   - Warn: Non-fatal issues (slow clients, pruned sessions)
//   - Error: Fatal issues (startup failures, flash write errors)
//
// # Structured Logging
//
// All log functions use structured fields for queryability:
//
//	logging.Info("Client connected",
//	    zap.String("socket_id", "192.168.1.100:52311"),
//	    zap.Int("active_sessions", 3),
//	)
//
// # Configuration
//
// Initialize logging at server startup:
//
//	if err := logging.Initialize("debug"); err != nil {
//	    log.Fatal(err)
//	}
//	defer logging.Sync()
//
// When no level is given, the IAQ_LOG_LEVEL environment variable is consulted;
// if that is also unset, logging is silent.
//
// # Thread Safety
//
// All logging functions are safe for concurrent use. The underlying zap logger
// handles synchronization automatically.
package logging
