package collab

import (
	"context"
	"sync"
	"time"
)

// receives the event chosen for sending. Return false if the send was
// dropped (e.g. the channel is disconnected).
type SendFunction func(event *UpdateEvent) bool

type DispatcherSettings struct {
	// delay used to coalesce rapid repeated edits to the same target
	DebounceTimeout time.Duration
}

func DefaultDispatcherSettings() *DispatcherSettings {
	return &DispatcherSettings{
		DebounceTimeout: 300 * time.Millisecond,
	}
}

// comparable. Keying by a structured tuple avoids collisions that
// free-form string concatenation would allow.
type debounceKey struct {
	kind     UpdateKind
	targetId string
	field    string
}

// decides, per update kind, whether to send immediately or to coalesce.
//
// discrete kinds produce exactly one send per call. Continuous kinds
// (drag moves, keystroke-level field edits) are held for the debounce
// window per (kind, target, field); only the most recent payload for a
// key is ever sent. This bounds chatter during a drag gesture to one
// message per key per window.
type Dispatcher struct {
	ctx    context.Context
	cancel context.CancelFunc

	send     SendFunction
	settings *DispatcherSettings

	stateLock sync.Mutex
	pending   map[debounceKey]*pendingSend
	closed    bool
}

type pendingSend struct {
	timer *time.Timer
	event *UpdateEvent
}

func NewDispatcherWithDefaults(ctx context.Context, send SendFunction) *Dispatcher {
	return NewDispatcher(ctx, send, DefaultDispatcherSettings())
}

func NewDispatcher(ctx context.Context, send SendFunction, settings *DispatcherSettings) *Dispatcher {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Dispatcher{
		ctx:      cancelCtx,
		cancel:   cancel,
		send:     send,
		settings: settings,
		pending:  map[debounceKey]*pendingSend{},
	}
}

func (self *Dispatcher) Dispatch(event *UpdateEvent) {
	if !event.Kind.Continuous() {
		self.stateLock.Lock()
		closed := self.closed
		self.stateLock.Unlock()
		if closed {
			return
		}
		self.send(event)
		return
	}

	key := debounceKey{
		kind:     event.Kind,
		targetId: event.TargetId(),
		field:    event.Field,
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return
	}

	if p, ok := self.pending[key]; ok {
		// restart the window, keep only the latest payload
		p.event = event
		p.timer.Reset(self.settings.DebounceTimeout)
		return
	}

	p := &pendingSend{
		event: event,
	}
	p.timer = time.AfterFunc(self.settings.DebounceTimeout, func() {
		self.fire(key)
	})
	self.pending[key] = p
}

func (self *Dispatcher) fire(key debounceKey) {
	self.stateLock.Lock()
	p, ok := self.pending[key]
	if ok {
		delete(self.pending, key)
	}
	closed := self.closed
	self.stateLock.Unlock()

	if !ok || closed {
		return
	}
	select {
	case <-self.ctx.Done():
		return
	default:
	}
	self.send(p.event)
}

// number of keys currently held in the debounce window
func (self *Dispatcher) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.pending)
}

// sends all pending events now. For tests and tooling; session teardown
// uses Close, which drops pending sends instead of flushing them.
func (self *Dispatcher) Flush() {
	self.stateLock.Lock()
	events := []*UpdateEvent{}
	for key, p := range self.pending {
		p.timer.Stop()
		events = append(events, p.event)
		delete(self.pending, key)
	}
	closed := self.closed
	self.stateLock.Unlock()

	if closed {
		return
	}
	for _, event := range events {
		self.send(event)
	}
}

// cancels every pending timer. No event is sent after Close returns.
func (self *Dispatcher) Close() {
	self.cancel()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.closed = true
	for key, p := range self.pending {
		p.timer.Stop()
		delete(self.pending, key)
	}
}
