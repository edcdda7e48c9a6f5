package ota

// Kind selects which update flow an operation drives.
type Kind string

const (
	KindNone     Kind = "none"
	KindFirmware Kind = "firmware"
	KindFrontend Kind = "frontend"
)

// State is the lifecycle phase of the update context.
type State string

const (
	StateIdle       State = "idle"
	StateReceiving  State = "receiving"
	StateValidating State = "validating"
	StateComplete   State = "complete"
	StateError      State = "error"
)

// ProgressEvent is an immutable snapshot emitted on every state-relevant
// mutation of the update context. Consumers must not retain references to it
// across updates; it is a value.
type ProgressEvent struct {
	Kind     Kind    `json:"kind"`
	State    State   `json:"state"`
	Progress float64 `json:"progress_pct"`
	Received int64   `json:"received"`
	Total    int64   `json:"total"`
	Error    string  `json:"error,omitempty"`
}

// Info is a read-only summary of the update context plus boot flags,
// served by GET /update/info.
type Info struct {
	Kind          Kind    `json:"kind"`
	State         State   `json:"state"`
	Received      int64   `json:"received"`
	Total         int64   `json:"total"`
	Progress      float64 `json:"progress_pct"`
	LastError     string  `json:"last_error"`
	PendingVerify bool    `json:"pending_verify"`
	CanRollback   bool    `json:"can_rollback"`
}

func progressPct(received, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(received) / float64(total) * 100
}
