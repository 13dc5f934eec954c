package client

// Status is the connection manager state
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

// Label is the text of the connection indicator
func (s Status) Label() string {
	switch s {
	case StatusConnected:
		return "Real-time"
	case StatusConnecting, StatusReconnecting:
		return "Connecting..."
	default:
		return "Syncing"
	}
}
