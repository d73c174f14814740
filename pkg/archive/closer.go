package archive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Uploader sends a finalized archive to the remote store.
type Uploader interface {
	Upload(ctx context.Context, path string) error
}

// CloserConfig configures the archive closer.
type CloserConfig struct {
	// Uploader is nil when no endpoint is configured; archives then stay on disk.
	Uploader      Uploader
	UploadTimeout time.Duration
	Breaker       *Breaker
	Facts         FactSource
	// IndexLock is held only while the remaining facts are drained into an archive.
	IndexLock sync.Locker
	// OnDone is called after an archive reached its final state.
	OnDone func(path string, state State)
	Logger *slog.Logger
}

// Closer finalizes archives one at a time and uploads them.
type Closer struct {
	config   CloserConfig
	archives <-chan *Archive
	logger   *slog.Logger
	done     chan struct{}
	once     sync.Once
}

func NewCloser(archives <-chan *Archive, config CloserConfig) *Closer {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.UploadTimeout <= 0 {
		config.UploadTimeout = 5 * time.Minute
	}
	if config.Breaker == nil {
		config.Breaker = NewBreaker(0, 0, config.Logger)
	}
	if config.IndexLock == nil {
		config.IndexLock = &sync.Mutex{}
	}
	if config.OnDone == nil {
		config.OnDone = func(string, State) {}
	}
	return &Closer{
		config:   config,
		archives: archives,
		logger:   config.Logger.With("component", "archive-closer"),
		done:     make(chan struct{}),
	}
}

// Start launches the worker. It exits once the archive queue is closed and drained.
func (c *Closer) Start() {
	c.once.Do(func() {
		go c.run()
	})
}

func (c *Closer) run() {
	defer close(c.done)
	for a := range c.archives {
		c.process(a)
	}
}

// Wait blocks until the worker has drained its queue or ctx expires.
func (c *Closer) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("archive closer did not finish: %w", ctx.Err())
	}
}

func (c *Closer) process(a *Archive) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic while closing archive", "archive", a.Name(), "panic", r)
			a.Abandon()
			c.config.OnDone(a.Path(), StateDeleted)
		}
	}()

	if err := c.close(a); err != nil {
		c.logger.Error("failed to finalize archive, deleting it", "archive", a.Name(), "error", err)
		a.Abandon()
		c.config.OnDone(a.Path(), StateDeleted)
		return
	}
	c.logger.Info("archive closed",
		"archive", a.Name(),
		"segments", a.SegmentCount(),
	)

	if c.config.Uploader == nil {
		c.config.OnDone(a.Path(), StateClosed)
		return
	}

	if c.config.Breaker.Tripped() {
		c.logger.Warn("upload suspended, deleting archive", "archive", a.Name())
	} else {
		c.upload(a)
	}

	if err := a.Remove(); err != nil {
		c.logger.Error("failed to delete archive", "archive", a.Name(), "error", err)
	}
	c.config.OnDone(a.Path(), StateDeleted)
}

// close drains the last facts under the index lock, then finalizes with the
// lock released so builder ticks keep ingesting meanwhile.
func (c *Closer) close(a *Archive) error {
	if c.config.Facts == nil {
		return a.Finalize(nil)
	}
	if err := c.drainFacts(a); err != nil {
		return err
	}
	return a.Finalize(c.config.Facts.TypeRecords())
}

func (c *Closer) drainFacts(a *Archive) error {
	c.config.IndexLock.Lock()
	defer c.config.IndexLock.Unlock()
	return a.IndexFacts(c.config.Facts.DrainObjects(), c.config.Facts.DrainTypes(), c.config.Facts.DrainStrings())
}

func (c *Closer) upload(a *Archive) {
	a.SetState(StateUploading)
	ctx, cancel := context.WithTimeout(context.Background(), c.config.UploadTimeout)
	defer cancel()

	start := time.Now()
	if err := c.config.Uploader.Upload(ctx, a.Path()); err != nil {
		a.SetState(StateUploadFailed)
		c.config.Breaker.Failure()
		c.logger.Error("archive upload failed", "archive", a.Name(), "error", err)
		return
	}
	a.SetState(StateUploaded)
	c.config.Breaker.Success()
	c.logger.Info("archive uploaded", "archive", a.Name(), "took", time.Since(start))
}
