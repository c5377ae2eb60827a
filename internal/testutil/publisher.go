package testutil

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sitesync/engine/internal/events"
)

// Recorder is an events.Publisher that keeps everything it is given.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *Recorder) Publish(ctx context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events, optionally filtered by type.
func (r *Recorder) Events(types ...string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(types) == 0 {
		return append([]events.Event(nil), r.events...)
	}
	var out []events.Event
	for _, ev := range r.events {
		for _, t := range types {
			if ev.Type == t {
				out = append(out, ev)
				break
			}
		}
	}
	return out
}

// ForProject returns recorded events for one room.
func (r *Recorder) ForProject(projectID uuid.UUID) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.ProjectID == projectID {
			out = append(out, ev)
		}
	}
	return out
}
