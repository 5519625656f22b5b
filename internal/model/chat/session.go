package chat

import "time"

// DefaultTitleLayout formats the creation time into a title when the user gives none.
const DefaultTitleLayout = "Session Jan 02, 2006 · 03:04 PM"

// Session is a titled conversation thread owned by one user.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

// DefaultTitle derives the fallback title for a session created at t.
func DefaultTitle(t time.Time) string {
	return t.Format(DefaultTitleLayout)
}
