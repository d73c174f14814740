package archive

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unloggedio/unlogged-sdk-sub000/pkg/identity"
	"github.com/unloggedio/unlogged-sdk-sub000/pkg/segment"
)

func newTestBuilder(t *testing.T, perArchive, closerQueue int) (*Builder, chan segment.Completed, *identity.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	segments := make(chan segment.Completed, 64)
	reg := identity.NewRegistry()
	b, err := NewBuilder(segments, reg, BuilderConfig{
		Dir:                dir,
		SegmentsPerArchive: perArchive,
		IndexInterval:      time.Hour,
		CloserQueueSize:    closerQueue,
	})
	require.NoError(t, err)
	return b, segments, reg, dir
}

func collect(ch <-chan *Archive) []*Archive {
	var out []*Archive
	for {
		select {
		case a, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, a)
		default:
			return out
		}
	}
}

func TestBuilder_FinalizesAtThreshold(t *testing.T) {
	b, segments, _, dir := newTestBuilder(t, 2, 10)
	first := b.Current()

	segments <- writeSegment(t, dir, 1, 1, 0)
	b.Tick()
	assert.Empty(t, collect(b.Archives()))
	assert.Equal(t, StateOpen, first.State())

	segments <- writeSegment(t, dir, 2, 1, 1)
	segments <- writeSegment(t, dir, 3, 2, 2)
	b.Tick()

	ready := collect(b.Archives())
	require.Len(t, ready, 1)
	assert.Same(t, first, ready[0])
	assert.Equal(t, StateFinalizing, first.State())
	assert.Equal(t, 2, first.SegmentCount())

	next := b.Current()
	require.NotNil(t, next)
	assert.NotSame(t, first, next)
	assert.Equal(t, 1, next.SegmentCount())

	_, err := first.AddSegment(writeSegment(t, dir, 4, 1, 5))
	assert.ErrorIs(t, err, ErrArchiveClosed)

	// archived segment files are removed.
	_, err = os.Stat(segment.FileName(dir, 1, 1))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, int64(3), b.SegmentsAdded())
}

func TestBuilder_DrainsFactsIntoOpenArchive(t *testing.T) {
	b, _, reg, _ := newTestBuilder(t, 10, 10)
	w := &struct{ x int }{}
	id := reg.GetID(w)
	reg.GetID("needle in a haystack")

	b.Tick()
	assert.Empty(t, reg.DrainObjects())

	a := b.Current()
	b.Shutdown(context.Background())
	ready := collect(b.Archives())
	require.Len(t, ready, 1)
	require.NoError(t, ready[0].Finalize(reg.TypeRecords()))

	r, err := Open(a.Path())
	require.NoError(t, err)
	defer r.Close()
	rec, err := r.TypeOf(id)
	require.NoError(t, err)
	assert.Equal(t, "*struct { x int }", rec.Name)

	strs, err := r.SearchStrings("needle")
	require.NoError(t, err)
	assert.Len(t, strs, 1)
}

func TestBuilder_TickSkippedWhileIndexing(t *testing.T) {
	b, segments, _, dir := newTestBuilder(t, 1, 10)
	segments <- writeSegment(t, dir, 1, 1, 0)

	b.IndexLock().Lock()
	b.Tick()
	b.IndexLock().Unlock()
	assert.Equal(t, int64(0), b.SegmentsAdded())

	b.Tick()
	assert.Equal(t, int64(1), b.SegmentsAdded())
}

func TestBuilder_ShutdownFinalizesPartialArchive(t *testing.T) {
	b, segments, _, dir := newTestBuilder(t, 3, 10)
	for i := 0; i < 7; i++ {
		segments <- writeSegment(t, dir, uint64(i+1), 1, uint64(i))
	}
	close(segments)

	b.Shutdown(context.Background())
	b.Shutdown(context.Background())

	var got []*Archive
	for a := range b.Archives() {
		got = append(got, a)
	}
	require.Len(t, got, 3)
	assert.Equal(t, 3, got[0].SegmentCount())
	assert.Equal(t, 3, got[1].SegmentCount())
	assert.Equal(t, 1, got[2].SegmentCount())
	for _, a := range got {
		assert.Equal(t, StateFinalizing, a.State())
	}
	assert.Nil(t, b.Current())
	assert.Equal(t, int64(3), b.Finalized())
}

func TestBuilder_CloserQueueOverflowAbandons(t *testing.T) {
	b, segments, _, dir := newTestBuilder(t, 1, 1)
	segments <- writeSegment(t, dir, 1, 1, 0)
	segments <- writeSegment(t, dir, 2, 1, 1)
	b.Tick()

	ready := collect(b.Archives())
	require.Len(t, ready, 1)
	assert.Equal(t, int64(1), b.Abandoned())
}

func TestBuilder_ShutdownRespectsContext(t *testing.T) {
	b, segments, _, dir := newTestBuilder(t, 1, 1)
	segments <- writeSegment(t, dir, 1, 1, 0)
	segments <- writeSegment(t, dir, 2, 1, 1)
	close(segments)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	b.Shutdown(ctx)

	var got []*Archive
	for a := range b.Archives() {
		got = append(got, a)
	}
	assert.Len(t, got, 1)
	assert.Equal(t, int64(2), b.Abandoned())
}
