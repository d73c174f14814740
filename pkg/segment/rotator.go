package segment

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultMaxEventsPerFile = 100_000
	DefaultSweepInterval    = 731 * time.Millisecond
	DefaultQueueSize        = 1024
	DefaultEnqueueTimeout   = time.Second
)

// Completed describes a sealed segment waiting to be folded into an archive.
type Completed struct {
	Path       string
	ThreadID   int
	EventCount int64
	Size       int64
	RotatedAt  time.Time
}

type RotatorOption func(*Rotator)

// WithMaxEventsPerFile sets the event count after which a thread's file is rotated.
func WithMaxEventsPerFile(n int64) RotatorOption {
	return func(r *Rotator) {
		if n > 0 {
			r.maxEvents = n
		}
	}
}

// WithSweepInterval sets how often idle threads get their pending events rotated out.
func WithSweepInterval(d time.Duration) RotatorOption {
	return func(r *Rotator) {
		if d > 0 {
			r.sweepInterval = d
		}
	}
}

// WithQueueSize bounds the completed-segment queue.
func WithQueueSize(n int) RotatorOption {
	return func(r *Rotator) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithEnqueueTimeout sets how long a rotation waits for queue space before the
// completed file is dropped.
func WithEnqueueTimeout(d time.Duration) RotatorOption {
	return func(r *Rotator) {
		if d > 0 {
			r.enqueueTimeout = d
		}
	}
}

// WithFileOptions sets the options applied to every segment file opened.
func WithFileOptions(opts ...FileOption) RotatorOption {
	return func(r *Rotator) {
		r.fileOpts = append(r.fileOpts, opts...)
	}
}

// WithOnRotated registers a callback invoked after a segment is queued.
func WithOnRotated(fn func(Completed)) RotatorOption {
	return func(r *Rotator) {
		if fn != nil {
			r.onRotated = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RotatorOption {
	return func(r *Rotator) {
		if l != nil {
			r.logger = l
		}
	}
}

// Rotator owns the per-thread segment files. Each thread writes through its own
// Writer; the rotator closes files when they fill up, when the periodic sweep
// finds pending events, and at shutdown, and hands them to the archive builder
// through a bounded queue.
type Rotator struct {
	dir            string
	maxEvents      int64
	sweepInterval  time.Duration
	queueSize      int
	enqueueTimeout time.Duration
	fileOpts       []FileOption
	onRotated      func(Completed)
	logger         *slog.Logger

	fileSeq  atomic.Uint64
	writers  *writerTable
	queue    chan Completed
	shutdown atomic.Bool

	rotated atomic.Int64
	dropped atomic.Int64

	stopCh    chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRotator creates a rotator writing segment files into dir.
func NewRotator(dir string, opts ...RotatorOption) (*Rotator, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create segment directory: %w", err)
	}
	r := &Rotator{
		dir:            dir,
		maxEvents:      DefaultMaxEventsPerFile,
		sweepInterval:  DefaultSweepInterval,
		queueSize:      DefaultQueueSize,
		enqueueTimeout: DefaultEnqueueTimeout,
		onRotated:      func(Completed) {},
		logger:         slog.Default(),
		writers:        newWriterTable(),
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "segment-rotator")
	r.queue = make(chan Completed, r.queueSize)
	return r, nil
}

// Completed returns the queue of sealed segments. It is closed after Shutdown.
func (r *Rotator) Completed() <-chan Completed {
	return r.queue
}

// Writer registers threadID and returns its writer. Registering the same id
// twice returns the existing writer.
func (r *Rotator) Writer(threadID int) *Writer {
	if w, ok := r.writers.Get(threadID); ok {
		return w
	}
	w := &Writer{threadID: threadID, rotator: r}
	r.writers.Add(w)
	return w
}

// Current returns the active file for threadID, opening one if the thread has none.
func (r *Rotator) Current(threadID int) (*File, error) {
	w := r.Writer(threadID)
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentLocked()
}

// Rotate closes the active file of threadID and queues it. A thread with no
// pending events is left untouched.
func (r *Rotator) Rotate(threadID int) error {
	w, ok := r.writers.Get(threadID)
	if !ok {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return r.rotateLocked(w)
}

// Release rotates the thread's pending events and forgets the thread.
func (r *Rotator) Release(threadID int) error {
	w, ok := r.writers.Get(threadID)
	if !ok {
		return nil
	}
	w.mu.Lock()
	err := r.rotateLocked(w)
	w.released = true
	w.mu.Unlock()
	r.writers.Remove(threadID)
	return err
}

// Start launches the periodic sweep.
func (r *Rotator) Start() {
	r.wg.Add(1)
	go r.run()
}

func (r *Rotator) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-r.stopCh:
			return
		}
	}
}

// Sweep rotates every thread that has pending events. A thread that is in the
// middle of a write is skipped and picked up by the next sweep.
func (r *Rotator) Sweep() {
	for _, w := range r.writers.Snapshot() {
		if !w.mu.TryLock() {
			continue
		}
		if w.count > 0 {
			if err := r.rotateLocked(w); err != nil {
				r.logger.Error("failed to rotate segment during sweep", "thread_id", w.threadID, "error", err)
			}
		}
		w.mu.Unlock()
	}
}

// Shutdown stops the sweep, rotates every thread regardless of activity and
// closes the completed queue. Writes after Shutdown fail with ErrRotatorClosed.
func (r *Rotator) Shutdown() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()

	r.closeOnce.Do(func() {
		r.shutdown.Store(true)
		for _, w := range r.writers.Snapshot() {
			w.mu.Lock()
			if err := r.rotateLocked(w); err != nil {
				r.logger.Error("failed to rotate segment during shutdown", "thread_id", w.threadID, "error", err)
			}
			w.mu.Unlock()
		}
		close(r.queue)
	})
}

func (r *Rotator) rotateLocked(w *Writer) error {
	if w.file == nil {
		return nil
	}
	f := w.file
	if w.count == 0 {
		// opened but never written, nothing to archive.
		w.file = nil
		return f.Remove()
	}

	completed := Completed{
		Path:       f.Path(),
		ThreadID:   w.threadID,
		EventCount: w.count,
		Size:       f.Size(),
		RotatedAt:  time.Now(),
	}
	w.file = nil
	w.count = 0

	if err := f.Seal(); err != nil && !errors.Is(err, ErrClosed) {
		r.dropped.Add(completed.EventCount)
		if rmErr := os.Remove(completed.Path); rmErr != nil && !os.IsNotExist(rmErr) {
			err = errors.Join(err, rmErr)
		}
		return fmt.Errorf("seal segment %s: %w", completed.Path, err)
	}

	r.enqueue(completed)
	return nil
}

func (r *Rotator) enqueue(c Completed) {
	select {
	case r.queue <- c:
	default:
		timer := time.NewTimer(r.enqueueTimeout)
		defer timer.Stop()
		select {
		case r.queue <- c:
		case <-timer.C:
			r.dropped.Add(c.EventCount)
			r.logger.Error("completed segment queue is full, dropping segment",
				"path", c.Path,
				"thread_id", c.ThreadID,
				"events", c.EventCount,
			)
			if err := os.Remove(c.Path); err != nil && !os.IsNotExist(err) {
				r.logger.Error("failed to remove dropped segment", "path", c.Path, "error", err)
			}
			return
		}
	}
	r.rotated.Add(1)
	r.onRotated(c)
}

func (r *Rotator) openFile(threadID int) (*File, error) {
	seq := r.fileSeq.Add(1)
	return OpenFile(FileName(r.dir, seq, threadID), threadID, r.fileOpts...)
}

// RotatedCount returns the number of segments queued so far.
func (r *Rotator) RotatedCount() int64 {
	return r.rotated.Load()
}

// DroppedEvents returns the number of events lost to full queues or failed seals.
func (r *Rotator) DroppedEvents() int64 {
	return r.dropped.Load()
}

// Threads returns the number of registered threads.
func (r *Rotator) Threads() int {
	return r.writers.Len()
}

func (r *Rotator) Dir() string {
	return r.dir
}

// Writer is the per-thread handle onto the active segment file.
type Writer struct {
	mu       sync.Mutex
	threadID int
	rotator  *Rotator
	file     *File
	count    int64
	released bool
}

func (w *Writer) ThreadID() int {
	return w.threadID
}

// Append writes one encoded record to the thread's active file and rotates the
// file once it holds the configured maximum number of events.
func (w *Writer) Append(record []byte) error {
	return w.AppendParts(record, nil)
}

// AppendParts writes a record split into header and payload.
func (w *Writer) AppendParts(header, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := w.currentLocked()
	if err != nil {
		return err
	}
	if err := f.AppendParts(header, payload); err != nil {
		return err
	}
	w.count++
	if w.count >= w.rotator.maxEvents {
		return w.rotator.rotateLocked(w)
	}
	return nil
}

// Pending returns the number of events written to the active file.
func (w *Writer) Pending() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

func (w *Writer) currentLocked() (*File, error) {
	if w.rotator.shutdown.Load() || w.released {
		return nil, ErrRotatorClosed
	}
	if w.file != nil {
		return w.file, nil
	}
	f, err := w.rotator.openFile(w.threadID)
	if err != nil {
		return nil, fmt.Errorf("open segment for thread %d: %w", w.threadID, err)
	}
	w.file = f
	w.count = 0
	return f, nil
}
