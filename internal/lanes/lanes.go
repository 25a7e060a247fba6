// Package lanes provides the command-lane dispatcher: named FIFO lanes
// with per-lane concurrency. Tasks on one lane run strictly in order;
// tasks on different lanes run in parallel.
package lanes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	. "github.com/openclaw/clawd/internal/logging"
)

// Built-in lane names.
const (
	LaneMain     = "main"
	LaneCron     = "cron"
	LaneSubagent = "subagent"
	LaneNested   = "nested"

	// SessionLanePrefix marks per-session serialization lanes.
	SessionLanePrefix = "session:"
)

// ErrLaneCleared resolves the futures of tasks dropped by ClearLane.
var ErrLaneCleared = errors.New("lane cleared")

// Task is an opaque unit of work. The context is cancelled when the
// dispatcher stops.
type Task func(ctx context.Context) (any, error)

// OnWait is invoked when a queued task exceeds its warn threshold.
type OnWait func(waited time.Duration, queuedAhead int)

// Pending is the future for an enqueued task.
type Pending struct {
	done   chan struct{}
	once   sync.Once
	result any
	err    error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func (p *Pending) complete(result any, err error) {
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
	})
}

// Done is closed when the task has finished (or was dropped).
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks for the task result or context cancellation.
func (p *Pending) Wait(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type queuedTask struct {
	task       Task
	pending    *Pending
	enqueuedAt time.Time
	started    bool
	warnTimer  *time.Timer
}

type lane struct {
	name          string
	queue         []*queuedTask
	active        int
	maxConcurrent int
	draining      bool
}

// Dispatcher owns all lanes. Construct one per process at startup;
// tests build isolated instances.
type Dispatcher struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		lanes:  make(map[string]*lane),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Stop cancels the context passed to running tasks. Queued tasks still
// drain; their contexts arrive already cancelled.
func (d *Dispatcher) Stop() {
	d.cancel()
}

// defaultWidth returns the concurrency for a lane that has not been
// configured explicitly.
func defaultWidth(name string) int {
	switch name {
	case LaneSubagent:
		return 2
	case LaneMain, LaneCron, LaneNested:
		return 1
	}
	// session:* and arbitrary lanes serialize
	return 1
}

func (d *Dispatcher) laneLocked(name string) *lane {
	l, ok := d.lanes[name]
	if !ok {
		l = &lane{name: name, maxConcurrent: defaultWidth(name)}
		d.lanes[name] = l
	}
	return l
}

// SetLaneConcurrency overrides a lane's width. Values < 1 are clamped.
func (d *Dispatcher) SetLaneConcurrency(name string, n int) {
	if n < 1 {
		n = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.laneLocked(normalizeLane(name)).maxConcurrent = n
}

// Option configures a single enqueue.
type Option func(*enqueueOpts)

type enqueueOpts struct {
	warnAfter time.Duration
	onWait    OnWait
}

// WithWarnAfter calls onWait once if the task is still queued after d.
func WithWarnAfter(after time.Duration, onWait OnWait) Option {
	return func(o *enqueueOpts) {
		o.warnAfter = after
		o.onWait = onWait
	}
}

// Enqueue adds a task to a lane and returns its future. Tasks on the
// same lane observe a happens-before relation: the next task starts only
// after the previous one resolved or failed.
func (d *Dispatcher) Enqueue(laneName string, task Task, opts ...Option) *Pending {
	var o enqueueOpts
	for _, opt := range opts {
		opt(&o)
	}

	laneName = normalizeLane(laneName)
	item := &queuedTask{
		task:       task,
		pending:    newPending(),
		enqueuedAt: time.Now(),
	}

	d.mu.Lock()
	l := d.laneLocked(laneName)
	l.queue = append(l.queue, item)

	if o.warnAfter > 0 && o.onWait != nil {
		onWait := o.onWait
		item.warnTimer = time.AfterFunc(o.warnAfter, func() {
			d.mu.Lock()
			fire := !item.started
			ahead := 0
			if fire {
				for i, q := range l.queue {
					if q == item {
						ahead = i
						break
					}
				}
			}
			waited := time.Since(item.enqueuedAt)
			d.mu.Unlock()
			if fire {
				onWait(waited, ahead)
			}
		})
	}

	start := !l.draining
	if start {
		l.draining = true
	}
	d.mu.Unlock()

	if start {
		go d.pump(l)
	}
	return item.pending
}

// pump pops ready work while capacity allows. The draining flag keeps
// reentrant pumps from overlapping.
func (d *Dispatcher) pump(l *lane) {
	for {
		d.mu.Lock()
		if l.active >= l.maxConcurrent || len(l.queue) == 0 {
			l.draining = false
			d.mu.Unlock()
			return
		}
		item := l.queue[0]
		l.queue = l.queue[1:]
		l.active++
		item.started = true
		if item.warnTimer != nil {
			item.warnTimer.Stop()
		}
		d.mu.Unlock()

		go d.run(l, item)
	}
}

func (d *Dispatcher) run(l *lane, item *queuedTask) {
	defer func() {
		if r := recover(); r != nil {
			L_error("lanes: task panic", "lane", l.name, "panic", r)
			item.pending.complete(nil, fmt.Errorf("task panic: %v", r))
		}

		d.mu.Lock()
		l.active--
		restart := !l.draining && len(l.queue) > 0 && l.active < l.maxConcurrent
		if restart {
			l.draining = true
		}
		d.mu.Unlock()
		if restart {
			go d.pump(l)
		}
	}()

	result, err := item.task(d.ctx)
	item.pending.complete(result, err)
}

// ClearLane drops all queued tasks on a lane without cancelling in-flight
// ones. Dropped futures resolve with ErrLaneCleared. Returns the number
// dropped.
func (d *Dispatcher) ClearLane(laneName string) int {
	d.mu.Lock()
	l, ok := d.lanes[normalizeLane(laneName)]
	if !ok {
		d.mu.Unlock()
		return 0
	}
	dropped := l.queue
	l.queue = nil
	d.mu.Unlock()

	for _, item := range dropped {
		if item.warnTimer != nil {
			item.warnTimer.Stop()
		}
		item.pending.complete(nil, ErrLaneCleared)
	}
	if len(dropped) > 0 {
		L_debug("lanes: cleared lane", "lane", laneName, "dropped", len(dropped))
	}
	return len(dropped)
}

// QueueSize returns queued plus in-flight tasks for a lane. A result of
// zero means the lane is fully idle.
func (d *Dispatcher) QueueSize(laneName string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.lanes[normalizeLane(laneName)]
	if !ok {
		return 0
	}
	return len(l.queue) + l.active
}

// QueueSizeAll returns the total depth across all lanes.
func (d *Dispatcher) QueueSizeAll() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, l := range d.lanes {
		total += len(l.queue) + l.active
	}
	return total
}

// Sizes returns a snapshot of per-lane depths (queued + active),
// omitting idle lanes.
func (d *Dispatcher) Sizes() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int)
	for name, l := range d.lanes {
		if depth := len(l.queue) + l.active; depth > 0 {
			out[name] = depth
		}
	}
	return out
}

// SessionLane returns the lane name serializing work for a session key.
func SessionLane(sessionKey string) string {
	return SessionLanePrefix + strings.TrimSpace(sessionKey)
}

func normalizeLane(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return LaneMain
	}
	return name
}
