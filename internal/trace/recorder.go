// Package trace records every message dispatched by the kernel, keeping a
// bounded in-memory history and optionally a CBOR session file.
package trace

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/spotar/internal/kernel"
)

// Event is one dispatched message. CBOR encoding uses integer keys.
type Event struct {
	Timestamp time.Time       `cbor:"1,keyasint" json:"timestamp"`
	Session   string          `cbor:"2,keyasint" json:"session"`
	Seq       uint64          `cbor:"3,keyasint" json:"seq"`
	Msg       uint16          `cbor:"4,keyasint" json:"msg_id"`
	Name      string          `cbor:"5,keyasint" json:"msg"`
	Dest      uint16          `cbor:"6,keyasint" json:"dest"`
	Src       uint16          `cbor:"7,keyasint" json:"src"`
	SrcIdx    uint8           `cbor:"8,keyasint,omitempty" json:"src_idx,omitempty"`
	Payload   cbor.RawMessage `cbor:"9,keyasint,omitempty" json:"-"`
	Detail    string          `cbor:"10,keyasint,omitempty" json:"detail,omitempty"`
}

// DefaultHistory is the number of events kept in memory.
const DefaultHistory uint32 = 256

// MaxHistory guards against accidental misconfiguration.
const MaxHistory uint32 = 64 * 1024

// Recorder is a kernel observer. Observe runs on the kernel goroutine and
// never blocks on readers: events go through a lock-free overlapped ring
// and are moved into the history on read.
type Recorder struct {
	logger  *logrus.Logger
	session string
	seq     atomic.Uint64
	clock   func() time.Time

	ring        mpmc.RichOverlappedRingBuffer[Event]
	overwritten atomic.Uint64

	mu      sync.Mutex
	history []Event
	limit   int

	fileMu  sync.Mutex
	file    *os.File
	enc     *cbor.Encoder
	written uint64
}

// NewRecorder creates a recorder keeping the last size events.
func NewRecorder(logger *logrus.Logger, size uint32) (*Recorder, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if size == 0 {
		size = DefaultHistory
	}
	if size > MaxHistory {
		return nil, fmt.Errorf("trace history %d exceeds maximum %d", size, MaxHistory)
	}
	return &Recorder{
		logger:  logger,
		session: uuid.NewString(),
		clock:   time.Now,
		ring:    mpmc.NewOverlappedRingBuffer[Event](size),
		limit:   int(size),
	}, nil
}

// Session returns the session id stamped on every event.
func (r *Recorder) Session() string { return r.session }

// Attach registers the recorder as an observer of k.
func (r *Recorder) Attach(k *kernel.Kernel) {
	k.Observe(r.Observe)
}

// OpenFile appends events to a CBOR file at path from now on.
func (r *Recorder) OpenFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open trace file: %w", err)
	}
	r.fileMu.Lock()
	defer r.fileMu.Unlock()
	if r.file != nil {
		_ = r.file.Close()
	}
	r.file = f
	r.enc = NewEncoder(f)

	r.logger.WithFields(logrus.Fields{
		"path":    path,
		"session": r.session,
	}).Info("Trace file opened")
	return nil
}

// Observe records env. It implements kernel.Observer.
func (r *Recorder) Observe(env kernel.Envelope) {
	id := env.Msg.ID()
	ev := Event{
		Timestamp: r.clock(),
		Session:   r.session,
		Seq:       r.seq.Add(1),
		Msg:       uint16(id),
		Name:      kernel.MsgName(id),
		Dest:      uint16(env.Dest),
		Src:       uint16(env.Src),
		SrcIdx:    env.SrcIdx,
		Detail:    fmt.Sprintf("%+v", env.Msg),
	}
	if payload, err := encMode.Marshal(env.Msg); err == nil {
		ev.Payload = payload
	}

	if overwrites, err := r.ring.EnqueueM(ev); err != nil {
		r.logger.WithField("error", err).Warn("Trace ring enqueue failed")
	} else if overwrites > 0 {
		r.overwritten.Add(uint64(overwrites))
	}

	r.writeFile(ev)
}

func (r *Recorder) writeFile(ev Event) {
	r.fileMu.Lock()
	defer r.fileMu.Unlock()
	if r.enc == nil {
		return
	}
	if err := r.enc.Encode(ev); err != nil {
		r.logger.WithField("error", err).Warn("Failed to write trace event")
		return
	}
	r.written++
}

// Recent returns up to n of the most recent events, oldest first.
// n <= 0 returns the whole history.
func (r *Recorder) Recent(n int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	for !r.ring.IsEmpty() {
		ev, err := r.ring.Dequeue()
		if err != nil {
			break
		}
		r.history = append(r.history, ev)
	}
	if extra := len(r.history) - r.limit; extra > 0 {
		r.history = append(r.history[:0], r.history[extra:]...)
	}

	start := 0
	if n > 0 && n < len(r.history) {
		start = len(r.history) - n
	}
	return append([]Event(nil), r.history[start:]...)
}

// Stats describes recorder activity.
type Stats struct {
	Session     string `json:"session"`
	Recorded    uint64 `json:"recorded"`
	Overwritten uint64 `json:"overwritten"`
	Written     uint64 `json:"written"`
}

// Stats returns recorder counters.
func (r *Recorder) Stats() Stats {
	r.fileMu.Lock()
	written := r.written
	r.fileMu.Unlock()
	return Stats{
		Session:     r.session,
		Recorded:    r.seq.Load(),
		Overwritten: r.overwritten.Load(),
		Written:     written,
	}
}

// Close closes the trace file, if any. It is safe to call more than once.
func (r *Recorder) Close() error {
	r.fileMu.Lock()
	defer r.fileMu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.enc = nil
	return err
}

// DecodeFile reads a trace file written by a Recorder.
func DecodeFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}
