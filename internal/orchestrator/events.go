package orchestrator

// EventKind identifies the closed set of progress event variants.
type EventKind string

const (
	// EventStatus is an intermediate progress update.
	EventStatus EventKind = "status"

	// EventSucceeded is terminal: the device reported itself activated.
	EventSucceeded EventKind = "succeeded"

	// EventFailed is terminal: the run ended without activation.
	EventFailed EventKind = "failed"
)

// Event is one progress notification from a run. The interactive surface
// (CLI output, the WebSocket status feed) consumes these from the Events
// channel independently of the orchestrator's goroutine.
type Event struct {
	Kind EventKind `json:"kind"`
	Text string    `json:"text"`

	// Attempt and Total carry the retry counter for attempt-scoped status
	// events; both are zero otherwise. Attempt is 1-based for display.
	Attempt int `json:"attempt,omitempty"`
	Total   int `json:"total,omitempty"`
}

// Terminal reports whether the event ends the run.
func (e Event) Terminal() bool {
	return e.Kind == EventSucceeded || e.Kind == EventFailed
}
