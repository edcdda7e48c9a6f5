package ws

// MessageType tags every frame pushed over the streaming channel.
type MessageType string

const (
	MsgState       MessageType = "state"
	MsgMetrics     MessageType = "metrics"
	MsgHealth      MessageType = "health"
	MsgOTAProgress MessageType = "ota_progress"
	MsgPower       MessageType = "power"
)

// Message is the JSON envelope for all data frames. Liveness probes use
// WebSocket ping/pong control frames and never appear as Messages.
type Message struct {
	Type MessageType `json:"type"`
	Data any         `json:"data"`
}
