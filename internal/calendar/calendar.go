// Package calendar is the external scheduling collaborator: an in-memory
// provider, a Google Calendar provider and a parser that turns a request
// like "lunch with Sam tomorrow at 1pm" into an Event.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/easeaico/memory-journal/internal/errs"
)

// DefaultDuration is used when a request names no duration.
const DefaultDuration = 30 * time.Minute

var (
	// ErrAuthRequired is errs.ErrAuthRequired, so callers can test either.
	ErrAuthRequired = errs.ErrAuthRequired
	// ErrConflict means the slot overlaps an existing event.
	ErrConflict = errors.New("event conflicts with an existing event")
	// ErrInvalidTime means the event has no usable start or end.
	ErrInvalidTime = errors.New("invalid event time")
)

// Event is a calendar entry.
type Event struct {
	ID          string    `json:"id,omitempty"`
	Title       string    `json:"title"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Link        string    `json:"link,omitempty"`
}

// Validate checks the event's times.
func (e Event) Validate() error {
	if e.Start.IsZero() || e.End.IsZero() {
		return fmt.Errorf("%w: start and end are required", ErrInvalidTime)
	}
	if !e.End.After(e.Start) {
		return fmt.Errorf("%w: end %s is not after start %s", ErrInvalidTime, e.End.Format(time.RFC3339), e.Start.Format(time.RFC3339))
	}
	return nil
}

// Provider creates and lists events.
type Provider interface {
	CreateEvent(ctx context.Context, ev Event) (string, error)
	Upcoming(ctx context.Context, from time.Time, max int) ([]Event, error)
}
