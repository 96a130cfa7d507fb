package types

import "time"

// Event is the rendered form of an orchestrator event as delivered to
// observers (websocket stream, audit recorder).
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Timestamp  time.Time         `json:"timestamp"`
	Attributes map[string]string `json:"attributes"`
}
