// Package media connects the application snapshot to a local audio engine.
// Snapshot changes become engine commands; engine position ticks and
// end-of-item notifications become dispatched actions.
package media

import (
	"context"
	"time"
)

// EventKind distinguishes engine notifications.
type EventKind int

const (
	// EventTick reports the playback position during ordinary playback.
	EventTick EventKind = iota
	// EventEnded reports that the loaded item played to its end.
	EventEnded
)

func (k EventKind) String() string {
	switch k {
	case EventTick:
		return "tick"
	case EventEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Event is a notification from the engine.
type Event struct {
	Kind     EventKind
	Position time.Duration
}

// Engine is a local audio player.
type Engine interface {
	Load(ctx context.Context, url string) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Seek(ctx context.Context, position time.Duration) error
	// Position is the last position the engine reported.
	Position() time.Duration
	Events() <-chan Event
}
