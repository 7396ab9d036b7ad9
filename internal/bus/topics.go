package bus

// Daemon event topics. Subscribe to "plugin." for every registry change.
const (
	TopicPluginRegistered   = "plugin.registered"
	TopicPluginDeregistered = "plugin.deregistered"

	TopicOperatorConnected    = "operator.connected"
	TopicOperatorDisconnected = "operator.disconnected"

	TopicConfirmResolved = "confirm.resolved"
)

// PluginEvent is published on registry changes.
type PluginEvent struct {
	Name   string // Manifest name
	Addr   string // Plugin listener address
	Source string // "socket", "poll" or "local"
	Reason string // Deregistration cause, empty on registration
}

// OperatorEvent is published when an operator channel is admitted or torn down.
type OperatorEvent struct {
	ConnID string
	Remote string
}

// ConfirmResolvedEvent is published once per confirmation exchange.
type ConfirmResolvedEvent struct {
	Kind  string // install, delete or sign
	Key   string // plugin name or sign request id
	Allow bool
	By    string // connection id of the first responder
}
