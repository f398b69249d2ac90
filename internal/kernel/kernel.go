package kernel

import (
	"context"
	"errors"
	"fmt"
	"runtime/pprof"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// TaskID identifies a task registered with the kernel.
type TaskID uint16

// MsgID identifies a message type.
type MsgID uint16

// StateID is a task state.
type StateID int

// Message is a payload routed by the kernel.
type Message interface {
	ID() MsgID
}

// Envelope is a message together with its routing information.
// SrcIdx carries the connection index for messages originating from a link.
type Envelope struct {
	Dest   TaskID
	Src    TaskID
	SrcIdx uint8
	Msg    Message
}

// Handler processes one message. Handlers run to completion on the kernel
// goroutine and must not block.
type Handler func(env Envelope)

// StateHandlers maps message ids to handlers for one task state.
type StateHandlers map[MsgID]Handler

// TaskDesc describes the handler tables of a task.
type TaskDesc struct {
	Name    string
	States  map[StateID]StateHandlers
	Default StateHandlers
	Initial StateID
}

// Observer is called for every envelope before it is dispatched.
type Observer func(env Envelope)

var (
	ErrStopped        = errors.New("kernel stopped")
	ErrQueueFull      = errors.New("kernel queue full")
	ErrTaskExists     = errors.New("task already registered")
	ErrAlreadyRunning = errors.New("kernel already running")
)

// DefaultQueueDepth bounds the number of externally posted messages waiting
// to be processed.
const DefaultQueueDepth = 64

type task struct {
	desc  TaskDesc
	state StateID
}

type queued struct {
	env  Envelope
	done chan error // buffered; receives nil once dispatched or ErrStopped
}

// Kernel is a single-threaded message dispatcher: every message is handled
// by exactly one handler, in arrival order, before the next one starts.
type Kernel struct {
	logger *logrus.Logger
	depth  int

	mu        sync.Mutex
	queue     []queued
	tasks     map[TaskID]*task
	observers []Observer
	stopped   bool

	wake    chan struct{}
	running atomic.Bool
	stats   Stats
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithQueueDepth sets the limit for externally posted messages.
func WithQueueDepth(n int) Option {
	return func(k *Kernel) {
		if n > 0 {
			k.depth = n
		}
	}
}

// New creates a Kernel.
func New(logger *logrus.Logger, opts ...Option) *Kernel {
	if logger == nil {
		logger = logrus.New()
	}
	k := &Kernel{
		logger: logger,
		depth:  DefaultQueueDepth,
		tasks:  make(map[TaskID]*task),
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// RegisterTask installs the handler tables of a task.
func (k *Kernel) RegisterTask(id TaskID, desc TaskDesc) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.tasks[id]; ok {
		return fmt.Errorf("%w: 0x%04x", ErrTaskExists, uint16(id))
	}
	k.tasks[id] = &task{desc: desc, state: desc.Initial}
	return nil
}

// SetState changes the state of a task. Unknown tasks are ignored.
func (k *Kernel) SetState(id TaskID, s StateID) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if t, ok := k.tasks[id]; ok {
		t.state = s
	}
}

// State returns the current state of a task.
func (k *Kernel) State(id TaskID) StateID {
	k.mu.Lock()
	defer k.mu.Unlock()
	if t, ok := k.tasks[id]; ok {
		return t.state
	}
	return 0
}

// Observe registers an observer for all dispatched envelopes.
func (k *Kernel) Observe(o Observer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.observers = append(k.observers, o)
}

// Send queues a message from inside a handler. It never blocks and is not
// subject to the queue depth limit.
func (k *Kernel) Send(dest, src TaskID, msg Message) {
	_ = k.enqueue(queued{env: Envelope{Dest: dest, Src: src, Msg: msg}}, false)
}

// Post queues a message from outside the kernel goroutine.
func (k *Kernel) Post(env Envelope) error {
	return k.enqueue(queued{env: env}, true)
}

// msgCall is reserved for closures queued by Do.
const msgCall MsgID = 0xFFFF

type call struct{ fn func() }

func (call) ID() MsgID { return msgCall }

// Do runs fn on the kernel goroutine, between two messages, and waits for it
// to return. It gives other goroutines a consistent view of task state.
func (k *Kernel) Do(ctx context.Context, fn func()) error {
	return k.PostAndWait(ctx, Envelope{Msg: call{fn: fn}})
}

// PostAndWait queues a message and waits until it has been dispatched. It
// returns ErrStopped if the kernel stopped before reaching the message.
func (k *Kernel) PostAndWait(ctx context.Context, env Envelope) error {
	q := queued{env: env, done: make(chan error, 1)}
	if err := k.enqueue(q, true); err != nil {
		return err
	}
	select {
	case err := <-q.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *Kernel) enqueue(q queued, bounded bool) error {
	k.mu.Lock()
	if k.stopped {
		k.mu.Unlock()
		return ErrStopped
	}
	if bounded && len(k.queue) >= k.depth {
		k.mu.Unlock()
		atomic.AddInt64(&k.stats.Rejected, 1)
		return ErrQueueFull
	}
	k.queue = append(k.queue, q)
	k.mu.Unlock()

	atomic.AddInt64(&k.stats.Queued, 1)
	select {
	case k.wake <- struct{}{}:
	default:
	}
	return nil
}

func (k *Kernel) pop() (queued, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.queue) == 0 {
		return queued{}, false
	}
	q := k.queue[0]
	k.queue[0] = queued{}
	k.queue = k.queue[1:]
	return q, true
}

// Step dispatches one queued message. It reports false if the queue was empty.
// Step must not be used while Run is active.
func (k *Kernel) Step() bool {
	q, ok := k.pop()
	if !ok {
		return false
	}
	k.dispatch(q.env)
	if q.done != nil {
		q.done <- nil
	}
	return true
}

// Drain dispatches messages until the queue is empty, including messages
// sent by the handlers themselves. It returns the number dispatched.
func (k *Kernel) Drain() int {
	n := 0
	for k.Step() {
		n++
	}
	return n
}

// Run dispatches messages until ctx is cancelled.
func (k *Kernel) Run(ctx context.Context) error {
	if !k.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer k.running.Store(false)

	k.mu.Lock()
	stopped := k.stopped
	k.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	var err error
	pprof.Do(ctx, pprof.Labels("goroutine_name", "kernel"), func(ctx context.Context) {
		k.logger.Debug("Kernel started")
		for {
			k.Drain()
			select {
			case <-ctx.Done():
				err = ctx.Err()
				return
			case <-k.wake:
			}
		}
	})

	k.mu.Lock()
	k.stopped = true
	pending := k.queue
	k.queue = nil
	k.mu.Unlock()
	for _, q := range pending {
		if q.done != nil {
			q.done <- ErrStopped
		}
	}
	k.logger.WithField("dropped", len(pending)).Debug("Kernel stopped")
	return err
}

func (k *Kernel) dispatch(env Envelope) {
	if c, ok := env.Msg.(call); ok {
		c.fn()
		return
	}

	k.mu.Lock()
	t, ok := k.tasks[env.Dest]
	var h Handler
	var state StateID
	if ok {
		state = t.state
		h = t.desc.States[state][env.Msg.ID()]
		if h == nil {
			h = t.desc.Default[env.Msg.ID()]
		}
	}
	observers := k.observers
	k.mu.Unlock()

	for _, o := range observers {
		o(env)
	}

	fields := logrus.Fields{
		"msg":  MsgName(env.Msg.ID()),
		"dest": fmt.Sprintf("0x%04x", uint16(env.Dest)),
		"src":  fmt.Sprintf("0x%04x", uint16(env.Src)),
	}
	if !ok {
		atomic.AddInt64(&k.stats.Dropped, 1)
		k.logger.WithFields(fields).Debug("No such task, message dropped")
		return
	}
	if h == nil {
		atomic.AddInt64(&k.stats.Dropped, 1)
		fields["task"] = t.desc.Name
		fields["state"] = state
		k.logger.WithFields(fields).Debug("Message not handled in current state, dropped")
		return
	}

	atomic.AddInt64(&k.stats.Dispatched, 1)
	h(env)
}

// Stats returns a snapshot of dispatch counters.
func (k *Kernel) Stats() Stats {
	return Stats{
		Queued:     atomic.LoadInt64(&k.stats.Queued),
		Dispatched: atomic.LoadInt64(&k.stats.Dispatched),
		Dropped:    atomic.LoadInt64(&k.stats.Dropped),
		Rejected:   atomic.LoadInt64(&k.stats.Rejected),
	}
}

// Stats provides lock-free dispatch counters.
type Stats struct {
	Queued     int64
	Dispatched int64
	Dropped    int64 // no task or no handler in the current state
	Rejected   int64 // Post refused because the queue was full
}
