package conflict

// EventType names the notification kinds the Manager emits.
type EventType string

const (
	// EventDetected fires when a conflict is persisted with auto-resolve
	// disabled.
	EventDetected EventType = "conflict:detected"
	// EventResolved fires after any manual resolution path lands.
	EventResolved EventType = "conflict:resolved"
	// EventAutoResolved fires when merge policy settled a conflict without
	// human input.
	EventAutoResolved EventType = "conflict:auto-resolved"
	// EventManualRequired fires when merge policy flagged fields that need
	// a human decision.
	EventManualRequired EventType = "conflict:manual-required"
)

// Event is the payload delivered to listeners. Emission is in-process,
// fire-and-forget, always ordered after the corresponding durable write.
type Event struct {
	Type       EventType    `json:"type"`
	Record     *Record      `json:"conflict"`
	Resolution *MergeResult `json:"resolution,omitempty"`
}

// EventListener receives conflict events. A panicking listener is recovered
// and logged; it never aborts the Manager call that triggered the event.
type EventListener func(Event)
