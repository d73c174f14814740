package recorder

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unloggedio/unlogged-sdk-sub000/pkg/archive"
	"github.com/unloggedio/unlogged-sdk-sub000/pkg/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.OutputDir = t.TempDir()
	cfg.Segment.SweepInterval = config.Duration(time.Hour)
	cfg.Archive.IndexInterval = config.Duration(time.Hour)
	cfg.Identity.BloomCapacity = 1 << 16
	cfg.Identity.FactQueueSize = 1 << 12
	return cfg
}

func openPipeline(t *testing.T, cfg *config.Config, opts ...PipelineOption) *Pipeline {
	t.Helper()
	opts = append([]PipelineOption{WithPipelineLogger(quietLogger)}, opts...)
	p, err := Open(cfg, opts...)
	require.NoError(t, err)
	return p
}

func closePipeline(t *testing.T, p *Pipeline) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))
}

func archivesIn(t *testing.T, dir string) []string {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join(dir, "index-*.zip"))
	require.NoError(t, err)
	sort.Strings(paths)
	return paths
}

func openArchive(t *testing.T, path string) *archive.Reader {
	t.Helper()
	r, err := archive.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestPipeline_RotatesAndArchivesEverySegment(t *testing.T) {
	cfg := testConfig(t)
	cfg.Segment.MaxEventsPerFile = 10
	cfg.Archive.SegmentsPerArchive = 2

	var mu sync.Mutex
	states := map[string]archive.State{}
	p := openPipeline(t, cfg, WithArchiveDone(func(path string, s archive.State) {
		mu.Lock()
		states[path] = s
		mu.Unlock()
	}))

	th := p.Recorder().Thread()
	for i := 0; i < 25; i++ {
		th.RecordScalar(1, int64(i))
	}
	closePipeline(t, p)

	paths := archivesIn(t, cfg.OutputDir)
	require.Len(t, paths, 2)

	var counts []int
	var total uint64
	for _, path := range paths {
		m := openArchive(t, path).Manifest()
		for _, s := range m.Segments {
			counts = append(counts, int(s.EventCount))
		}
		total += m.EventCount()
		assert.Equal(t, archive.StateClosed, states[path])
	}
	sort.Ints(counts)
	assert.Equal(t, []int{5, 10, 10}, counts)
	assert.Equal(t, uint64(25), total)

	leftovers, err := filepath.Glob(filepath.Join(cfg.OutputDir, "*.selog"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestPipeline_SharedObjectEmitsOneFact(t *testing.T) {
	cfg := testConfig(t)
	p := openPipeline(t, cfg)
	shared := &widget{name: "shared"}
	rec := p.Recorder()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		th := rec.Thread()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				th.RecordObject(2, shared)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(1), p.Registry().Bloom().Inserted())
	id := p.Registry().GetID(shared)
	closePipeline(t, p)

	paths := archivesIn(t, cfg.OutputDir)
	require.Len(t, paths, 1)
	r := openArchive(t, paths[0])
	assert.Equal(t, uint64(10), r.Manifest().EventCount())

	typ, err := r.TypeOf(id)
	require.NoError(t, err)
	assert.Equal(t, "*recorder.widget", typ.Name)
	objects, err := r.ObjectsOfType(typ.TypeID)
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, objects)
}

func TestPipeline_UploadFailureDeletesArchive(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "collector down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Upload.ServerURL = srv.URL
	cfg.Upload.Token = "t"

	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	p, err := Open(cfg, WithPipelineLogger(logger))
	require.NoError(t, err)

	th := p.Recorder().Thread()
	th.RecordScalar(1, 1)
	th.RecordObject(1, "payload")
	assert.NotPanics(t, func() { closePipeline(t, p) })

	assert.Equal(t, int32(1), hits.Load())
	assert.Empty(t, archivesIn(t, cfg.OutputDir))
	assert.Contains(t, logs.String(), "archive upload failed")
	assert.Contains(t, logs.String(), "collector down")
	assert.False(t, p.Breaker().Tripped())
}

func TestPipeline_ShutdownFlushesPendingEvents(t *testing.T) {
	cfg := testConfig(t)
	cfg.Segment.MaxEventsPerFile = 100
	p := openPipeline(t, cfg, WithPipelineClock(func() int64 { return 7 }))

	th := p.Recorder().Thread()
	for i := 0; i < 3; i++ {
		th.RecordScalar(11, int64(i*10))
	}
	closePipeline(t, p)

	paths := archivesIn(t, cfg.OutputDir)
	require.Len(t, paths, 1)
	r := openArchive(t, paths[0])
	m := r.Manifest()
	require.Len(t, m.Segments, 1)
	assert.Equal(t, uint64(3), m.Segments[0].EventCount)
	assert.Equal(t, int32(th.ID()), m.Segments[0].ThreadID)

	recs, err := r.Events(m.Segments[0].Name)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.Equal(t, uint64(i), rec.SequenceID)
		assert.Equal(t, uint64(7), rec.TimestampNanos)
		assert.Equal(t, int64(i*10), rec.ValueID)
	}

	th.RecordScalar(11, 1)
	assert.Equal(t, int64(3), p.Recorder().Recorded())
}

func TestPipeline_WeaveInfoInEveryArchive(t *testing.T) {
	cfg := testConfig(t)
	cfg.Segment.MaxEventsPerFile = 1
	cfg.Archive.SegmentsPerArchive = 1
	p := openPipeline(t, cfg)

	require.NoError(t, p.Recorder().RecordWeaveInfo([]byte("weave-v1")))
	th := p.Recorder().Thread()
	th.RecordScalar(1, 1)
	th.RecordScalar(1, 2)
	closePipeline(t, p)

	// two full archives plus the empty one finalized at shutdown.
	paths := archivesIn(t, cfg.OutputDir)
	require.Len(t, paths, 3)
	for _, path := range paths {
		weave, err := openArchive(t, path).Weave()
		require.NoError(t, err)
		assert.Equal(t, "weave-v1", string(weave))
	}
}

func TestPipeline_BreakerDropsEventsAtSource(t *testing.T) {
	cfg := testConfig(t)
	cfg.Upload.MaxConsecutiveFailures = 1
	up := &failingUploader{}
	p := openPipeline(t, cfg, WithUploader(up))

	p.Breaker().Failure()
	require.True(t, p.Breaker().Tripped())

	th := p.Recorder().Thread()
	th.RecordScalar(1, 1)
	assert.Equal(t, int64(0), p.Recorder().Recorded())
	closePipeline(t, p)

	// the final, empty archive is deleted without an upload attempt.
	assert.Equal(t, int32(0), up.calls.Load())
	assert.Empty(t, archivesIn(t, cfg.OutputDir))
}

func TestOpen_Errors(t *testing.T) {
	cfg := testConfig(t)
	cfg.Segment.MaxEventsPerFile = 0
	_, err := Open(cfg)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	cfg = testConfig(t)
	cfg.OutputDir = filepath.Join(blocker, "out")
	_, err = Open(cfg, WithPipelineLogger(quietLogger))
	assert.Error(t, err)
}

func TestOpen_DiscardMode(t *testing.T) {
	cfg := config.Default()
	cfg.Mode = config.ModeDiscard
	p, err := Open(cfg)
	require.NoError(t, err)

	p.Recorder().Thread().RecordScalar(1, 1)
	assert.Equal(t, int64(0), p.Recorder().Recorded())
	assert.NoError(t, p.Close(context.Background()))
}

type failingUploader struct {
	calls atomic.Int32
}

func (f *failingUploader) Upload(context.Context, string) error {
	f.calls.Add(1)
	return assert.AnError
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
