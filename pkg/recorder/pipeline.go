package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/unloggedio/unlogged-sdk-sub000/pkg/archive"
	"github.com/unloggedio/unlogged-sdk-sub000/pkg/config"
	"github.com/unloggedio/unlogged-sdk-sub000/pkg/identity"
	"github.com/unloggedio/unlogged-sdk-sub000/pkg/segment"
	"github.com/unloggedio/unlogged-sdk-sub000/pkg/upload"
)

type pipelineOptions struct {
	logger   *slog.Logger
	uploader archive.Uploader
	onDone   func(path string, state archive.State)
	clock    func() int64
}

type PipelineOption func(*pipelineOptions)

// WithPipelineLogger overrides the logger built from the config.
func WithPipelineLogger(l *slog.Logger) PipelineOption {
	return func(o *pipelineOptions) {
		o.logger = l
	}
}

// WithUploader replaces the HTTP uploader built from the config.
func WithUploader(u archive.Uploader) PipelineOption {
	return func(o *pipelineOptions) {
		o.uploader = u
	}
}

// WithArchiveDone is called after every archive reached its final state.
func WithArchiveDone(fn func(path string, state archive.State)) PipelineOption {
	return func(o *pipelineOptions) {
		o.onDone = fn
	}
}

// WithPipelineClock replaces the event timestamp source.
func WithPipelineClock(now func() int64) PipelineOption {
	return func(o *pipelineOptions) {
		o.clock = now
	}
}

// Pipeline owns every stage from the recorder to the uploader.
type Pipeline struct {
	config   *config.Config
	recorder *Recorder
	rotator  *segment.Rotator
	registry *identity.Registry
	breaker  *archive.Breaker
	builder  *archive.Builder
	closer   *archive.Closer
	logger   *slog.Logger

	logCloser io.Closer
	closeOnce sync.Once
	closeErr  error
}

// Open validates cfg, creates the output directory and starts the rotation
// sweep, the builder tick and the closer.
func Open(cfg *config.Config, opts ...PipelineOption) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o pipelineOptions
	for _, opt := range opts {
		opt(&o)
	}

	if cfg.Mode == config.ModeDiscard {
		return &Pipeline{config: cfg, recorder: Discard(), logger: slog.Default()}, nil
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	p := &Pipeline{config: cfg}
	if o.logger != nil {
		p.logger = o.logger
	} else {
		logger, closer, err := cfg.NewLogger(nil)
		if err != nil {
			return nil, err
		}
		p.logger, p.logCloser = logger, closer
	}

	uploader := o.uploader
	if uploader == nil && cfg.Upload.ServerURL != "" {
		uploadOpts := []upload.Option{upload.WithLogger(p.logger)}
		if cfg.Upload.AttachLog {
			uploadOpts = append(uploadOpts, upload.WithLogFile(cfg.LogPath()))
		}
		client, err := upload.New(cfg.Upload.ServerURL, cfg.Upload.SessionID, cfg.Upload.Token, uploadOpts...)
		if err != nil {
			p.closeLog()
			return nil, err
		}
		uploader = client
	}

	p.registry = identity.NewRegistry(
		identity.WithBloom(cfg.Identity.BloomCapacity, cfg.Identity.BloomFPP, cfg.Identity.ResetFPP),
		identity.WithQueueLimit(cfg.Identity.FactQueueSize),
		identity.WithMaxStringLength(cfg.Identity.MaxStringLength),
		identity.WithLogger(p.logger),
	)
	p.breaker = archive.NewBreaker(cfg.Upload.MaxConsecutiveFailures, cfg.Upload.BreakerCooldown.Std(), p.logger)

	var fileOpts []segment.FileOption
	if cfg.Segment.SyncOnWrite {
		fileOpts = append(fileOpts, segment.WithSyncOption(segment.MsyncOnWrite))
	}
	rotator, err := segment.NewRotator(cfg.OutputDir,
		segment.WithMaxEventsPerFile(int64(cfg.Segment.MaxEventsPerFile)),
		segment.WithSweepInterval(cfg.Segment.SweepInterval.Std()),
		segment.WithQueueSize(cfg.Segment.QueueSize),
		segment.WithEnqueueTimeout(cfg.Segment.EnqueueTimeout.Std()),
		segment.WithFileOptions(fileOpts...),
		segment.WithLogger(p.logger),
	)
	if err != nil {
		p.closeLog()
		return nil, err
	}
	p.rotator = rotator

	weavePath := filepath.Join(cfg.OutputDir, archive.WeaveEntry)
	p.builder, err = archive.NewBuilder(rotator.Completed(), p.registry, archive.BuilderConfig{
		Dir:                cfg.OutputDir,
		SegmentsPerArchive: cfg.Archive.SegmentsPerArchive,
		IndexInterval:      cfg.Archive.IndexInterval.Std(),
		CloserQueueSize:    cfg.Archive.CloserQueueSize,
		WeavePath:          weavePath,
		Logger:             p.logger,
	})
	if err != nil {
		p.closeLog()
		return nil, err
	}

	p.closer = archive.NewCloser(p.builder.Archives(), archive.CloserConfig{
		Uploader:      uploader,
		UploadTimeout: cfg.Upload.Timeout.Std(),
		Breaker:       p.breaker,
		Facts:         p.registry,
		IndexLock:     p.builder.IndexLock(),
		OnDone:        o.onDone,
		Logger:        p.logger,
	})

	p.recorder = New(rotator, p.registry,
		WithGate(p.breaker),
		WithWeavePath(weavePath),
		WithClock(o.clock),
		WithLogger(p.logger),
	)

	p.rotator.Start()
	p.builder.Start()
	p.closer.Start()

	p.logger.Info("probe pipeline started",
		"output", cfg.OutputDir,
		"max_events_per_file", cfg.Segment.MaxEventsPerFile,
		"segments_per_archive", cfg.Archive.SegmentsPerArchive,
		"upload", uploader != nil,
	)
	return p, nil
}

func (p *Pipeline) Recorder() *Recorder {
	return p.recorder
}

func (p *Pipeline) Registry() *identity.Registry {
	return p.registry
}

func (p *Pipeline) Breaker() *archive.Breaker {
	return p.breaker
}

func (p *Pipeline) Config() *config.Config {
	return p.config
}

// Close drains the pipeline: the recorder stops accepting events, every
// thread's segment is rotated, the builder folds the remaining segments into
// archives and the closer finishes them. It returns early with an error when
// ctx expires.
func (p *Pipeline) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.recorder.Stop()
		if p.rotator == nil {
			return
		}

		p.rotator.Shutdown()
		p.builder.Shutdown(ctx)
		err := p.closer.Wait(ctx)
		p.breaker.Stop()

		p.logger.Info("probe pipeline stopped",
			"events", p.recorder.Recorded(),
			"dropped_events", p.recorder.Dropped()+p.rotator.DroppedEvents(),
			"segments", p.rotator.RotatedCount(),
			"archives", p.builder.Finalized(),
			"abandoned_archives", p.builder.Abandoned(),
			"dropped_facts", p.registry.DroppedFacts(),
		)
		p.closeErr = errors.Join(err, p.closeLog())
	})
	return p.closeErr
}

func (p *Pipeline) closeLog() error {
	if p.logCloser == nil {
		return nil
	}
	return p.logCloser.Close()
}
