package archive

import (
	"context"
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

// FactSource is drained by the builder into the open archive.
type FactSource interface {
	DrainObjects() []identity.Fact
	DrainTypes() []identity.TypeRecord
	DrainStrings() []identity.StringFact
	TypeRecords() []identity.TypeRecord
	DroppedFacts() int64
}

// BuilderConfig configures the archive builder.
type BuilderConfig struct {
	Dir                string
	SegmentsPerArchive int
	IndexInterval      time.Duration
	// CloserQueueSize bounds the archives waiting for the closer.
	CloserQueueSize int
	// WeavePath is stored in every archive as the weave entry.
	WeavePath string
	Logger    *slog.Logger
}

// DefaultBuilderConfig returns the defaults used when a field is left zero.
func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		SegmentsPerArchive: 100,
		IndexInterval:      time.Second,
		CloserQueueSize:    100,
	}
}

// Builder folds completed segments and identity facts into archives. A tick
// drains the facts, then the segment queue; an archive that reaches
// SegmentsPerArchive is swapped for a fresh one and handed to the closer.
type Builder struct {
	config   BuilderConfig
	segments <-chan segment.Completed
	facts    FactSource
	logger   *slog.Logger

	// indexMu serializes index writes between ticks and the closer's final drain.
	indexMu sync.Mutex
	// swapMu guards the current pointer only.
	swapMu  sync.Mutex
	current *Archive
	// pending holds archives finalized during shutdown, guarded by indexMu.
	pending []*Archive

	archiveSeq   atomic.Uint64
	archives     chan *Archive
	reportedDrop atomic.Int64

	added     atomic.Int64
	finalized atomic.Int64
	abandoned atomic.Int64

	stopCh    chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewBuilder creates a builder and its first OPEN archive.
func NewBuilder(segments <-chan segment.Completed, facts FactSource, config BuilderConfig) (*Builder, error) {
	defaults := DefaultBuilderConfig()
	if config.SegmentsPerArchive <= 0 {
		config.SegmentsPerArchive = defaults.SegmentsPerArchive
	}
	if config.IndexInterval <= 0 {
		config.IndexInterval = defaults.IndexInterval
	}
	if config.CloserQueueSize <= 0 {
		config.CloserQueueSize = defaults.CloserQueueSize
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Dir == "" {
		return nil, errors.New("archive directory is required")
	}
	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	b := &Builder{
		config:   config,
		segments: segments,
		facts:    facts,
		logger:   config.Logger.With("component", "archive-builder"),
		archives: make(chan *Archive, config.CloserQueueSize),
		stopCh:   make(chan struct{}),
	}
	a, err := b.newArchive()
	if err != nil {
		return nil, err
	}
	b.current = a
	return b, nil
}

// Archives returns the queue of archives ready for the closer. It is closed by Shutdown.
func (b *Builder) Archives() <-chan *Archive {
	return b.archives
}

// IndexLock is held while facts are written to an archive.
func (b *Builder) IndexLock() sync.Locker {
	return &b.indexMu
}

// Current returns the OPEN archive, or nil if none could be created.
func (b *Builder) Current() *Archive {
	b.swapMu.Lock()
	defer b.swapMu.Unlock()
	return b.current
}

func (b *Builder) Start() {
	b.wg.Add(1)
	go b.run()
}

func (b *Builder) run() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.IndexInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Tick()
		case <-b.stopCh:
			return
		}
	}
}

// Tick runs one builder iteration. A tick that finds another one still running is skipped.
func (b *Builder) Tick() {
	if !b.indexMu.TryLock() {
		return
	}
	defer b.indexMu.Unlock()
	b.ingestLocked(context.Background(), false)
}

// Shutdown stops the tick loop, folds every queued segment into archives, still
// honouring SegmentsPerArchive, finalizes the last archive whatever its size and
// closes the closer queue. The segment queue must be closed, or no longer fed,
// before Shutdown is called.
func (b *Builder) Shutdown(ctx context.Context) {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	b.wg.Wait()

	b.closeOnce.Do(func() {
		b.indexMu.Lock()
		b.ingestLocked(ctx, true)
		if last := b.swap(nil); last != nil {
			last.BeginFinalize()
			b.pending = append(b.pending, last)
		}
		pending := b.pending
		b.pending = nil
		b.indexMu.Unlock()

		// the closer takes the index lock for its final drain, so the blocking
		// hand-off happens after releasing it.
		for _, a := range pending {
			b.handOff(ctx, a, true)
		}
		close(b.archives)
	})
}

func (b *Builder) ingestLocked(ctx context.Context, final bool) {
	a := b.Current()
	if a == nil {
		a = b.replaceAbandoned(nil)
		if a == nil {
			return
		}
	}

	a = b.drainFacts(a)
	if a == nil {
		return
	}

	for {
		select {
		case c, ok := <-b.segments:
			if !ok {
				return
			}
			if a == nil {
				a = b.replaceAbandoned(nil)
			}
			if a != nil {
				a = b.addSegment(a, c, true)
			}
			if a == nil {
				b.discardSegment(c)
				continue
			}
			if a.SegmentCount() >= b.config.SegmentsPerArchive {
				a = b.finalize(ctx, a, final)
			}
		default:
			return
		}
	}
}

func (b *Builder) drainFacts(a *Archive) *Archive {
	objects := b.facts.DrainObjects()
	types := b.facts.DrainTypes()
	strs := b.facts.DrainStrings()

	if dropped := b.facts.DroppedFacts(); dropped > b.reportedDrop.Load() {
		b.logger.Warn("identity facts dropped by full queues", "total", dropped, "new", dropped-b.reportedDrop.Load())
		b.reportedDrop.Store(dropped)
	}

	if err := a.IndexFacts(objects, types, strs); err != nil {
		b.logger.Error("failed to index facts, abandoning archive", "archive", a.Name(), "error", err)
		return b.replaceAbandoned(a)
	}
	return a
}

// addSegment returns the archive to continue with, nil when none is available.
// After a container failure the segment is retried once on a fresh archive.
func (b *Builder) addSegment(a *Archive, c segment.Completed, retry bool) *Archive {
	entry, err := a.AddSegment(c)
	switch {
	case err == nil:
		b.added.Add(1)
		b.removeSegmentFile(c.Path)
		b.logger.Debug("segment archived", "archive", a.Name(), "entry", entry.Name, "events", entry.EventCount)
		return a
	case errors.Is(err, ErrCorruptSegment):
		b.logger.Error("dropping unreadable segment", "path", c.Path, "error", err)
		b.removeSegmentFile(c.Path)
		return a
	default:
		b.logger.Error("failed to add segment, abandoning archive", "archive", a.Name(), "path", c.Path, "error", err)
		next := b.replaceAbandoned(a)
		if next == nil {
			return nil
		}
		if !retry {
			b.discardSegment(c)
			return next
		}
		return b.addSegment(next, c, false)
	}
}

func (b *Builder) discardSegment(c segment.Completed) {
	b.logger.Error("dropping segment", "path", c.Path, "events", c.EventCount)
	b.removeSegmentFile(c.Path)
}

func (b *Builder) removeSegmentFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		b.logger.Warn("failed to remove segment file", "path", path, "error", err)
	}
}

// finalize swaps in a replacement for a full archive and hands it to the
// closer. During shutdown the hand-off is deferred until the index lock is released.
func (b *Builder) finalize(ctx context.Context, a *Archive, final bool) *Archive {
	next, err := b.newArchive()
	if err != nil {
		b.logger.Error("failed to create archive", "error", err)
		next = nil
	}
	b.swap(next)
	a.BeginFinalize()
	if final {
		b.pending = append(b.pending, a)
	} else {
		b.handOff(ctx, a, false)
	}
	return next
}

func (b *Builder) handOff(ctx context.Context, a *Archive, wait bool) {
	if wait {
		select {
		case b.archives <- a:
			b.finalized.Add(1)
			return
		case <-ctx.Done():
		}
	} else {
		select {
		case b.archives <- a:
			b.finalized.Add(1)
			return
		default:
		}
	}

	b.abandoned.Add(1)
	b.logger.Error("closer queue is full, abandoning archive", "archive", a.Name(), "segments", a.SegmentCount())
	a.Abandon()
}

// replaceAbandoned abandons a, if any, and installs a new archive.
func (b *Builder) replaceAbandoned(a *Archive) *Archive {
	if a != nil {
		b.abandoned.Add(1)
		a.Abandon()
	}
	next, err := b.newArchive()
	if err != nil {
		b.logger.Error("failed to create archive", "error", err)
		b.swap(nil)
		return nil
	}
	b.swap(next)
	return next
}

func (b *Builder) swap(next *Archive) *Archive {
	b.swapMu.Lock()
	defer b.swapMu.Unlock()
	prev := b.current
	b.current = next
	return prev
}

func (b *Builder) newArchive() (*Archive, error) {
	seq := b.archiveSeq.Add(1)
	path := FileName(b.config.Dir, seq, time.Now())
	a, err := Create(path, b.config.WeavePath, b.logger)
	if err != nil {
		return nil, err
	}
	b.logger.Debug("archive opened", "archive", a.Name())
	return a, nil
}

// SegmentsAdded returns the number of segments copied into archives.
func (b *Builder) SegmentsAdded() int64 {
	return b.added.Load()
}

// Finalized returns the number of archives handed to the closer.
func (b *Builder) Finalized() int64 {
	return b.finalized.Load()
}

// Abandoned returns the number of archives discarded.
func (b *Builder) Abandoned() int64 {
	return b.abandoned.Load()
}
