package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/unloggedio/unlogged-sdk-sub000/pkg/event"
	"github.com/unloggedio/unlogged-sdk-sub000/pkg/identity"
	"github.com/unloggedio/unlogged-sdk-sub000/pkg/segment"
)

var fixedTime = time.UnixMilli(1_700_000_000_000)

func writeSegment(t *testing.T, dir string, fileSeq uint64, threadID int, seqs ...uint64) segment.Completed {
	t.Helper()
	var buf []byte
	for _, s := range seqs {
		buf = event.Record{SequenceID: s, TimestampNanos: s * 10, ProbeID: int32(threadID), ValueID: int64(s)}.AppendTo(buf)
	}
	path := segment.FileName(dir, fileSeq, threadID)
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return segment.Completed{Path: path, ThreadID: threadID, EventCount: int64(len(seqs)), Size: int64(len(buf)), RotatedAt: fixedTime}
}

func newTestArchive(t *testing.T) (*Archive, string) {
	t.Helper()
	dir := t.TempDir()
	a, err := Create(FileName(dir, 1, fixedTime), "", nil)
	require.NoError(t, err)
	return a, dir
}

func TestArchive_FinalizeAndQuery(t *testing.T) {
	a, dir := newTestArchive(t)
	assert.Equal(t, StateOpen, a.State())

	c1 := writeSegment(t, dir, 1, 1, 0, 2, 4)
	c2 := writeSegment(t, dir, 2, 2, 1, 3)

	e1, err := a.AddSegment(c1)
	require.NoError(t, err)
	_, err = a.AddSegment(c2)
	require.NoError(t, err)
	assert.Equal(t, "1700000000000@log-000001-1.selog", e1.Name)
	assert.Equal(t, uint64(3), e1.EventCount)
	assert.Equal(t, uint64(0), e1.FirstSequence)
	assert.Equal(t, uint64(4), e1.LastSequence)

	raw, err := os.ReadFile(c1.Path)
	require.NoError(t, err)
	assert.Equal(t, blake3.Sum256(raw), e1.Digest)

	types := []identity.TypeRecord{
		{TypeID: 0, Name: "void", SuperTypeID: -1, ComponentTypeID: -1},
		{TypeID: 1, Name: "pkg.Widget", SuperTypeID: -1, ComponentTypeID: -1},
		{TypeID: 2, Name: "pkg.Widget", LoaderTag: "other", SuperTypeID: 1, ComponentTypeID: -1, InterfaceTypeIDs: []int32{0}},
	}
	require.NoError(t, a.IndexFacts(
		[]identity.Fact{{ObjectID: 100, TypeID: 1}, {ObjectID: 101, TypeID: 1}, {ObjectID: 200, TypeID: 2}},
		types[:1],
		[]identity.StringFact{{ObjectID: 300, Value: "hello world"}, {ObjectID: 301, Value: "goodbye"}},
	))

	require.True(t, a.BeginFinalize())
	_, err = a.AddSegment(writeSegment(t, dir, 3, 1, 9))
	assert.ErrorIs(t, err, ErrArchiveClosed)

	require.NoError(t, a.Finalize(types))
	assert.Equal(t, StateClosed, a.State())
	_, err = os.Stat(a.staging)
	assert.True(t, os.IsNotExist(err))

	r, err := Open(a.Path())
	require.NoError(t, err)
	defer r.Close()

	m := r.Manifest()
	assert.Equal(t, a.Name(), m.ArchiveName)
	require.Len(t, m.Segments, 2)
	assert.Equal(t, uint64(5), m.EventCount())
	assert.Equal(t, int32(2), m.Segments[1].ThreadID)

	rec, err := r.TypeOf(200)
	require.NoError(t, err)
	assert.Equal(t, "pkg.Widget", rec.Name)
	assert.Equal(t, "other", rec.LoaderTag)
	assert.Equal(t, []int32{0}, rec.InterfaceTypeIDs)

	_, err = r.TypeOf(999)
	assert.ErrorIs(t, err, ErrNotFound)

	byName, err := r.TypesByName("pkg.Widget")
	require.NoError(t, err)
	assert.Len(t, byName, 2)

	objs, err := r.ObjectsOfType(1)
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 101}, objs)

	strs, err := r.SearchStrings("world")
	require.NoError(t, err)
	assert.Equal(t, []identity.StringFact{{ObjectID: 300, Value: "hello world"}}, strs)

	events, err := r.Events(e1.Name)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(4), events[2].SequenceID)

	_, err = r.Events("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := r.Types()
	require.NoError(t, err)
	assert.Len(t, all, 3)

	entries := r.Entries()
	assert.Contains(t, entries, WeaveEntry)
	assert.Contains(t, entries, ManifestEntry)
	assert.Contains(t, entries, TypeIndexEntry)
	assert.True(t, SegmentEntryName(e1.Name))
	assert.False(t, SegmentEntryName(TypeIndexEntry))
}

func TestArchive_WeaveEntry(t *testing.T) {
	dir := t.TempDir()
	weave := filepath.Join(dir, "class.weave.dat")
	require.NoError(t, os.WriteFile(weave, []byte("weave-bytes"), 0o644))

	a, err := Create(FileName(dir, 1, fixedTime), weave, nil)
	require.NoError(t, err)
	require.NoError(t, a.Finalize(nil))

	r, err := Open(a.Path())
	require.NoError(t, err)
	defer r.Close()
	data, err := r.Weave()
	require.NoError(t, err)
	assert.Equal(t, []byte("weave-bytes"), data)
}

func TestArchive_CorruptSegmentIsRejected(t *testing.T) {
	a, dir := newTestArchive(t)
	c := writeSegment(t, dir, 1, 1, 1, 2)
	require.NoError(t, os.Truncate(c.Path, c.Size-3))

	_, err := a.AddSegment(c)
	assert.ErrorIs(t, err, ErrCorruptSegment)
	assert.Equal(t, 0, a.SegmentCount())

	_, err = a.AddSegment(writeSegment(t, dir, 2, 1, 3))
	assert.NoError(t, err)
}

func TestArchive_Abandon(t *testing.T) {
	a, dir := newTestArchive(t)
	_, err := a.AddSegment(writeSegment(t, dir, 1, 1, 1))
	require.NoError(t, err)

	a.Abandon()
	assert.Equal(t, StateDeleted, a.State())
	_, err = os.Stat(a.Path())
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(a.staging)
	assert.True(t, os.IsNotExist(err))
}

func TestArchive_FinalizeTwice(t *testing.T) {
	a, _ := newTestArchive(t)
	require.NoError(t, a.Finalize(nil))
	assert.ErrorIs(t, a.Finalize(nil), ErrInvalidState)
	assert.False(t, a.BeginFinalize())
	assert.ErrorIs(t, a.IndexFacts(nil, nil, nil), ErrArchiveClosed)

	require.NoError(t, a.Remove())
	assert.Equal(t, StateDeleted, a.State())
}

func TestFileName(t *testing.T) {
	name := FileName("/out", 3, fixedTime)
	assert.Equal(t, filepath.Join("/out", "index-00003-1700000000000.zip"), name)
	assert.True(t, IsArchiveFile(name))
	assert.False(t, IsArchiveFile("log-000001-1.selog"))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "UPLOAD_FAILED", StateUploadFailed.String())
	assert.Equal(t, "State(42)", State(42).String())
}
