package syncer

import (
	"time"

	"github.com/tasklane/tasklane/internal/schema"
)

// EventKind identifies a sync event.
type EventKind string

const (
	EventStart    EventKind = "start"
	EventProgress EventKind = "progress"
	EventConflict EventKind = "conflict"
	EventComplete EventKind = "complete"
	EventError    EventKind = "error"
)

// Event is published on the engine's event broker during a cycle.
type Event struct {
	Kind EventKind `json:"kind"`
	// Cycle numbers sync cycles from 1.
	Cycle    uint64           `json:"cycle"`
	Progress int              `json:"progress,omitempty"`
	Message  string           `json:"message,omitempty"`
	Conflict *schema.Conflict `json:"conflict,omitempty"`
	Err      error            `json:"-"`
	At       time.Time        `json:"at"`
}

// Terminal reports whether the event ends a cycle.
func (e Event) Terminal() bool {
	return e.Kind == EventComplete || e.Kind == EventError
}

// Status is a point-in-time view of the engine.
type Status struct {
	IsOnline      bool       `json:"isOnline"`
	IsSyncing     bool       `json:"isSyncing"`
	SyncProgress  int        `json:"syncProgress"`
	QueueSize     int        `json:"queueSize"`
	ConflictCount int        `json:"conflictCount"`
	LastSync      *time.Time `json:"lastSync,omitempty"`
	NextSync      *time.Time `json:"nextSync,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
}

// cycleEvents emits the events of one cycle and keeps progress strictly
// increasing.
type cycleEvents struct {
	engine   *Engine
	cycle    uint64
	progress int
}

func (c *cycleEvents) emit(ev Event) {
	ev.Cycle = c.cycle
	ev.At = time.Now().UTC()
	c.engine.events.Publish(ev)
}

func (c *cycleEvents) start() {
	c.emit(Event{Kind: EventStart})
}

// advance publishes a progress event if p moves forward.
func (c *cycleEvents) advance(p int, msg string) {
	if p > 100 {
		p = 100
	}
	if p <= c.progress {
		return
	}
	c.progress = p
	c.engine.progress.Store(int64(p))
	c.emit(Event{Kind: EventProgress, Progress: p, Message: msg})
}

func (c *cycleEvents) conflict(cf *schema.Conflict, summary string) {
	c.emit(Event{Kind: EventConflict, Conflict: cf, Message: summary})
}

func (c *cycleEvents) finish(err error) {
	if err != nil {
		c.emit(Event{Kind: EventError, Progress: c.progress, Message: err.Error(), Err: err})
		return
	}
	c.emit(Event{Kind: EventComplete, Progress: c.progress})
}
