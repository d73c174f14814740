// Package recorder is the producer-facing side of the capture pipeline.
//
// A producer goroutine obtains a *Thread from Recorder.Thread and records
// events through it. Each thread writes its own segment file, so the hot path
// touches no shared lock; the only shared state is the global sequence counter.
package recorder

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unloggedio/unlogged-sdk-sub000/pkg/identity"
	"github.com/unloggedio/unlogged-sdk-sub000/pkg/segment"
)

var ErrRecorderClosed = errors.New("recorder closed")

// Gate reports whether events should currently be dropped at the source.
// *archive.Breaker satisfies it.
type Gate interface {
	Tripped() bool
}

type Option func(*Recorder)

// WithGate drops every event while gate is tripped.
func WithGate(g Gate) Option {
	return func(r *Recorder) {
		if g != nil {
			r.gate = g
		}
	}
}

// WithWeavePath sets the file RecordWeaveInfo appends to.
func WithWeavePath(path string) Option {
	return func(r *Recorder) {
		r.weavePath = path
	}
}

// WithInitialDepth sets the depth new threads start at. The default is 1.
func WithInitialDepth(depth int) Option {
	return func(r *Recorder) {
		r.initialDepth = depth
	}
}

// WithClock replaces the event timestamp source.
func WithClock(now func() int64) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

type openGate struct{}

func (openGate) Tripped() bool { return false }

// Recorder hands out threads and owns the global sequence counter.
type Recorder struct {
	rotator  *segment.Rotator
	registry *identity.Registry
	gate     Gate
	logger   *slog.Logger
	now      func() int64

	discard      bool
	initialDepth int
	weavePath    string
	weaveMu      sync.Mutex

	sequence   atomic.Uint64
	nextThread atomic.Int64
	threads    *threadTable
	closed     atomic.Bool

	recorded atomic.Int64
	dropped  atomic.Int64
	panics   atomic.Int64

	classMu sync.RWMutex
	classes map[int32]int32
}

// New returns a recorder writing through rotator and resolving identities
// through registry.
func New(rotator *segment.Rotator, registry *identity.Registry, opts ...Option) *Recorder {
	r := &Recorder{
		rotator:      rotator,
		registry:     registry,
		gate:         openGate{},
		logger:       slog.Default(),
		now:          func() int64 { return time.Now().UnixNano() },
		initialDepth: 1,
		threads:      newThreadTable(),
		classes:      make(map[int32]int32),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "recorder")
	return r
}

// Discard returns a recorder on which every call is a no-op.
func Discard() *Recorder {
	r := New(nil, nil)
	r.discard = true
	return r
}

// Thread registers a new producer thread. The returned Thread must only be
// used by one goroutine at a time.
func (r *Recorder) Thread() *Thread {
	id := int(r.nextThread.Add(1))
	t := &Thread{
		id:    id,
		rec:   r,
		depth: r.initialDepth,
	}
	if r.discard {
		return t
	}
	t.writer = r.rotator.Writer(id)
	r.threads.add(t)
	return t
}

// Lookup returns a live thread by id.
func (r *Recorder) Lookup(id int) (*Thread, bool) {
	return r.threads.get(id)
}

// RegisterClass eagerly registers a type under an instrumentation class id
// and returns its type id.
func (r *Recorder) RegisterClass(classID int32, t identity.Type) int32 {
	if r.discard || t == nil {
		return identity.NullTypeID
	}
	typeID := r.registry.TypeID(t)
	r.classMu.Lock()
	r.classes[classID] = typeID
	r.classMu.Unlock()
	return typeID
}

// ClassType returns the type id registered for classID.
func (r *Recorder) ClassType(classID int32) (int32, bool) {
	r.classMu.RLock()
	defer r.classMu.RUnlock()
	id, ok := r.classes[classID]
	return id, ok
}

// RecordWeaveInfo appends instrumentation metadata to the weave file that is
// copied into every archive.
func (r *Recorder) RecordWeaveInfo(data []byte) error {
	if r.discard || len(data) == 0 {
		return nil
	}
	if r.closed.Load() {
		return ErrRecorderClosed
	}
	if r.weavePath == "" {
		return errors.New("no weave file configured")
	}

	r.weaveMu.Lock()
	defer r.weaveMu.Unlock()
	f, err := os.OpenFile(r.weavePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open weave file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write weave file: %w", err)
	}
	return f.Close()
}

// Registry returns the identity registry, nil for a discarding recorder.
func (r *Recorder) Registry() *identity.Registry {
	return r.registry
}

// Stop makes every subsequent record call a no-op.
func (r *Recorder) Stop() {
	r.closed.Store(true)
}

func (r *Recorder) Recorded() int64 {
	return r.recorded.Load()
}

func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Recorder) Threads() int {
	return r.threads.len()
}

func (r *Recorder) accepting() bool {
	return !r.discard && !r.closed.Load() && !r.gate.Tripped()
}

func (r *Recorder) drop(threadID int, err error) {
	n := r.dropped.Add(1)
	// log the 1st, 2nd, 4th, 8th... drop
	if n&(n-1) == 0 {
		r.logger.Warn("dropping event", "thread", threadID, "dropped", n, "error", err)
	}
}

func (r *Recorder) recoverPanic(threadID int) {
	if v := recover(); v != nil {
		r.panics.Add(1)
		r.dropped.Add(1)
		r.logger.Error("recovered panic while recording", "thread", threadID, "panic", v)
	}
}
