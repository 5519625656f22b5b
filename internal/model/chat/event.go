package chat

// EventType names the outbound events a listener can receive.
type EventType string

const (
	// EventHistory carries the full ordered transcript, sent once on join.
	EventHistory EventType = "history"
	// EventMessageAppended carries a single message after a successful append.
	EventMessageAppended EventType = "message"
	// EventSessionClosed tells listeners the session was deleted; no further
	// events follow for it.
	EventSessionClosed EventType = "closed"
)

// Event is what the broadcaster hands to listeners.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Messages  []Message `json:"messages,omitempty"`
	Message   *Message  `json:"message,omitempty"`
}

// HistoryEvent builds the join-time replay event.
func HistoryEvent(sessionID string, messages []Message) Event {
	if messages == nil {
		messages = []Message{}
	}
	return Event{Type: EventHistory, SessionID: sessionID, Messages: messages}
}

// AppendedEvent builds the fan-out event for a freshly stored message.
func AppendedEvent(msg Message) Event {
	return Event{Type: EventMessageAppended, SessionID: msg.SessionID, Message: &msg}
}

// ClosedEvent builds the notice sent when a session is deleted.
func ClosedEvent(sessionID string) Event {
	return Event{Type: EventSessionClosed, SessionID: sessionID}
}
