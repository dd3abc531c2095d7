package domain

// Event is one row of the append-only audit trail.
type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Level    string `json:"level" enum:"INFO,ERROR"`
	Type     string `json:"type"`
	EntityID string `json:"entity_id,omitempty"`
	ActorID  string `json:"actor_id"`
	Payload  string `json:"payload_json"`
}
