package core

// EventKind tags a StreamEvent variant.
type EventKind int

const (
	// EventDelta carries one incremental text fragment.
	EventDelta EventKind = iota
	// EventCompleted terminates a successful stream with usage and finish reason.
	EventCompleted
	// EventFailed terminates a stream with an error. A stream ends with
	// exactly one of EventCompleted or EventFailed, never both.
	EventFailed
)

// StreamEvent is one element of a provider completion stream. Events for a
// single call arrive strictly in provider emission order.
type StreamEvent struct {
	Kind         EventKind
	Delta        string
	Index        int
	FinishReason string
	Usage        *Usage
	Err          *GatewayError
}

// DeltaEvent builds an incremental fragment event.
func DeltaEvent(text string, index int) StreamEvent {
	return StreamEvent{Kind: EventDelta, Delta: text, Index: index}
}

// CompletedEvent builds the successful terminal event.
func CompletedEvent(finishReason string, usage *Usage) StreamEvent {
	if finishReason == "" {
		finishReason = "stop"
	}
	return StreamEvent{Kind: EventCompleted, FinishReason: finishReason, Usage: usage}
}

// FailedEvent builds the failure terminal event.
func FailedEvent(err *GatewayError) StreamEvent {
	return StreamEvent{Kind: EventFailed, Err: err}
}

// Terminal reports whether the event ends the stream.
func (e StreamEvent) Terminal() bool {
	return e.Kind == EventCompleted || e.Kind == EventFailed
}
