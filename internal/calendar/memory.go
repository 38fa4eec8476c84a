package calendar

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryProvider keeps events in process and rejects overlapping slots.
type MemoryProvider struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryProvider returns an empty calendar.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{}
}

// CreateEvent stores ev unless it overlaps an existing event.
func (p *MemoryProvider) CreateEvent(ctx context.Context, ev Event) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := ev.Validate(); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.events {
		if ev.Start.Before(existing.End) && existing.Start.Before(ev.End) {
			return "", fmt.Errorf("%w: %q", ErrConflict, existing.Title)
		}
	}
	ev.ID = uuid.NewString()
	p.events = append(p.events, ev)
	return ev.ID, nil
}

// Upcoming returns events starting at or after from, earliest first.
func (p *MemoryProvider) Upcoming(ctx context.Context, from time.Time, max int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	var out []Event
	for _, ev := range p.events {
		if !ev.Start.Before(from) {
			out = append(out, ev)
		}
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out, nil
}

var _ Provider = (*MemoryProvider)(nil)
