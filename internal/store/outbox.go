package store

import "time"

// OutboxCursor is the last event a relay consumer has finished with. The
// zero cursor reads from the beginning of the outbox.
type OutboxCursor struct {
	CreatedAt time.Time
	EventID   string
}

// Precedes reports whether event sorts after c in (created_at, event_id)
// order, i.e. whether a consumer at c still has to see it.
func (c OutboxCursor) Precedes(event OutboxEvent) bool {
	if event.CreatedAt.Equal(c.CreatedAt) {
		return event.EventID > c.EventID
	}
	return event.CreatedAt.After(c.CreatedAt)
}

func CursorAt(event OutboxEvent) OutboxCursor {
	return OutboxCursor{CreatedAt: event.CreatedAt, EventID: event.EventID}
}

type DeadLetter struct {
	Consumer  string
	EventID   string
	Attempts  int
	LastError string
	CreatedAt time.Time
}
