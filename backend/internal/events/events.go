// Package events carries advisory progress updates for in-flight turns.
// Publishing never blocks and nothing depends on a subscriber being present.
package events

import (
	"context"
	"time"
)

// Event is one progress update.
type Event struct {
	Name      string      `json:"event"`
	Stage     string      `json:"stage"`
	Status    string      `json:"status"`
	Details   interface{} `json:"details,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// New builds an event stamped with the current time.
func New(name, stage, status string, details interface{}) Event {
	return Event{
		Name:      name,
		Stage:     stage,
		Status:    status,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
}

// Publisher delivers events to a user's subscribers.
type Publisher interface {
	Publish(userID string, ev Event)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(string, Event) {}

type userKey struct{}

// WithUser tags ctx with the user whose turn is running.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFrom returns the user set by WithUser, or "".
func UserFrom(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

// Emit publishes to the user tagged on ctx. Untagged contexts are ignored.
func Emit(ctx context.Context, pub Publisher, name, stage, status string, details interface{}) {
	if pub == nil {
		return
	}
	if userID := UserFrom(ctx); userID != "" {
		pub.Publish(userID, New(name, stage, status, details))
	}
}
