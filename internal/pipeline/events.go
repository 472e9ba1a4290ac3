package pipeline

import (
	"sync"
	"time"
)

type EventKind string

const (
	KindProcessStart    EventKind = "process:start"
	KindStepStart       EventKind = "step:start"
	KindStepProgress    EventKind = "step:progress"
	KindStepComplete    EventKind = "step:complete"
	KindProcessComplete EventKind = "process:complete"
	KindProcessError    EventKind = "process:error"
)

// Meta identifies the run an event belongs to.
type Meta struct {
	ProcessID  string
	DocumentID string
	Time       time.Time
}

func (m Meta) EventMeta() Meta { return m }

// Event is one of ProcessStart, StepStart, StepProgress, StepComplete,
// ProcessComplete or ProcessError.
type Event interface {
	EventMeta() Meta
	Kind() EventKind
	isEvent()
}

type ProcessStart struct {
	Meta
	DocumentName string
}

type StepStart struct {
	Meta
	Step Stage
}

// StepProgress reports partial progress inside a stage. Unit names what
// Current and Total count ("page" or "chunk").
type StepProgress struct {
	Meta
	Step    Stage
	Percent int
	Current int
	Total   int
	Unit    string
}

// StepComplete ends a stage. Err is set when the stage failed.
type StepComplete struct {
	Meta
	Step   Stage
	Result StepResult
	Err    error
}

func (e StepComplete) Succeeded() bool { return e.Err == nil }

type ProcessComplete struct {
	Meta
	Summary Summary
}

type ProcessError struct {
	Meta
	Err    string
	Reason string
}

func (ProcessStart) Kind() EventKind    { return KindProcessStart }
func (StepStart) Kind() EventKind       { return KindStepStart }
func (StepProgress) Kind() EventKind    { return KindStepProgress }
func (StepComplete) Kind() EventKind    { return KindStepComplete }
func (ProcessComplete) Kind() EventKind { return KindProcessComplete }
func (ProcessError) Kind() EventKind    { return KindProcessError }

func (ProcessStart) isEvent()    {}
func (StepStart) isEvent()       {}
func (StepProgress) isEvent()    {}
func (StepComplete) isEvent()    {}
func (ProcessComplete) isEvent() {}
func (ProcessError) isEvent()    {}

// Observer receives events synchronously on the emitting goroutine and
// must not block.
type Observer func(Event)

// Bus fans events out to every subscriber. Consumers get an explicit
// handle to it instead of registering on the processor.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]Observer
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]Observer)}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn Observer) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	subs := make([]Observer, 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}
