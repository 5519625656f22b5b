package chat

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Kind tags the content of a message. KindError marks the sentinel appended
// when the completion service fails, so clients never mistake it for a reply.
type Kind string

const (
	KindText  Kind = "text"
	KindError Kind = "error"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindText || k == KindError
}

// FailureContent is the body of every KindError message.
const FailureContent = "The assistant could not generate a reply. Please try again."

// Message is one immutable turn in a session. Seq is assigned by the store on
// append and is strictly increasing within a session.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Seq       int64     `json:"seq"`
	Role      Role      `json:"role"`
	Kind      Kind      `json:"kind"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Failed reports whether the message is a completion failure sentinel.
func (m Message) Failed() bool {
	return m.Kind == KindError
}
