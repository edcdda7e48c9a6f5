// Package metrics exposes prometheus instrumentation for the update and
// broadcast pipelines.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// UploadsStarted counts update uploads accepted by the transport, by kind.
	UploadsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iaq_uploads_started_total",
		Help: "Update uploads accepted by the transport.",
	}, []string{"kind"})

	// UploadsCompleted counts update uploads that reached complete, by kind.
	UploadsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iaq_uploads_completed_total",
		Help: "Update uploads that completed successfully.",
	}, []string{"kind"})

	// UploadsFailed counts update uploads that ended in error, by kind and code.
	UploadsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iaq_uploads_failed_total",
		Help: "Update uploads that failed.",
	}, []string{"kind", "code"})

	// UploadBytes counts bytes streamed into update targets.
	UploadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iaq_upload_bytes_total",
		Help: "Bytes streamed into update targets.",
	})

	// BroadcastFrames counts frames fanned out to streaming clients, by type.
	BroadcastFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iaq_broadcast_frames_total",
		Help: "Frames fanned out to streaming clients.",
	}, []string{"type"})

	// ActiveSessions tracks the number of active streaming sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "iaq_active_sessions",
		Help: "Active streaming sessions.",
	})

	// PrunedSessions counts sessions dropped for missing liveness probes.
	PrunedSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iaq_pruned_sessions_total",
		Help: "Sessions pruned after missing liveness probes.",
	})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler { return promhttp.Handler() }
