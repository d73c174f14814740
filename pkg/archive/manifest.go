package archive

import (
	"errors"
	"fmt"
	"sync"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"

	manifestfb "github.com/unloggedio/unlogged-sdk-sub000/pkg/gen/go/fb/manifest"
)

const oneKB = 1024

var ErrCorruptManifest = errors.New("corrupt archive manifest")

// SegmentEntry describes one thread segment stored in an archive.
type SegmentEntry struct {
	// Name is the container entry name, {unixMillis}@{file name}.
	Name          string
	ThreadID      int32
	EventCount    uint64
	FirstSequence uint64
	LastSequence  uint64
	Digest        [32]byte
}

// Manifest lists the segments of an archive.
type Manifest struct {
	ArchiveName string
	CreatedAt   time.Time
	FinishedAt  time.Time
	Segments    []SegmentEntry
}

// EventCount returns the number of events across all segments.
func (m Manifest) EventCount() uint64 {
	var total uint64
	for _, s := range m.Segments {
		total += s.EventCount
	}
	return total
}

var builderPool = sync.Pool{
	New: func() interface{} {
		return flatbuffers.NewBuilder(oneKB)
	},
}

// encodeManifest serializes m as a flatbuffer.
func encodeManifest(m Manifest) []byte {
	builder := builderPool.Get().(*flatbuffers.Builder)
	defer func() {
		builder.Reset()
		builderPool.Put(builder)
	}()

	segmentOffsets := make([]flatbuffers.UOffsetT, len(m.Segments))
	for i, s := range m.Segments {
		nameOffset := builder.CreateString(s.Name)
		digestOffset := builder.CreateByteVector(s.Digest[:])

		manifestfb.SegmentInfoStart(builder)
		manifestfb.SegmentInfoAddName(builder, nameOffset)
		manifestfb.SegmentInfoAddThreadId(builder, s.ThreadID)
		manifestfb.SegmentInfoAddEventCount(builder, s.EventCount)
		manifestfb.SegmentInfoAddFirstSequence(builder, s.FirstSequence)
		manifestfb.SegmentInfoAddLastSequence(builder, s.LastSequence)
		manifestfb.SegmentInfoAddDigest(builder, digestOffset)
		segmentOffsets[i] = manifestfb.SegmentInfoEnd(builder)
	}

	manifestfb.ManifestStartSegmentsVector(builder, len(segmentOffsets))
	for i := len(segmentOffsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(segmentOffsets[i])
	}
	segmentsVec := builder.EndVector(len(segmentOffsets))
	nameOffset := builder.CreateString(m.ArchiveName)

	manifestfb.ManifestStart(builder)
	manifestfb.ManifestAddSegments(builder, segmentsVec)
	manifestfb.ManifestAddCreatedAt(builder, m.CreatedAt.UnixMilli())
	manifestfb.ManifestAddFinishedAt(builder, m.FinishedAt.UnixMilli())
	manifestfb.ManifestAddArchiveName(builder, nameOffset)
	root := manifestfb.ManifestEnd(builder)

	builder.Finish(root)
	data := builder.FinishedBytes()
	result := make([]byte, len(data))
	copy(result, data)
	return result
}

// decodeManifest parses a manifest written by encodeManifest.
func decodeManifest(data []byte) (m Manifest, err error) {
	if len(data) < flatbuffers.SizeUOffsetT {
		return Manifest{}, ErrCorruptManifest
	}
	// the flatbuffers accessors index without bounds checks of their own.
	defer func() {
		if r := recover(); r != nil {
			m, err = Manifest{}, fmt.Errorf("%w: %v", ErrCorruptManifest, r)
		}
	}()

	root := manifestfb.GetRootAsManifest(data, 0)
	m = Manifest{
		ArchiveName: string(root.ArchiveName()),
		CreatedAt:   time.UnixMilli(root.CreatedAt()),
		FinishedAt:  time.UnixMilli(root.FinishedAt()),
		Segments:    make([]SegmentEntry, 0, root.SegmentsLength()),
	}

	var info manifestfb.SegmentInfo
	for i := 0; i < root.SegmentsLength(); i++ {
		if !root.Segments(&info, i) {
			return Manifest{}, ErrCorruptManifest
		}
		entry := SegmentEntry{
			Name:          string(info.Name()),
			ThreadID:      info.ThreadId(),
			EventCount:    info.EventCount(),
			FirstSequence: info.FirstSequence(),
			LastSequence:  info.LastSequence(),
		}
		if n := copy(entry.Digest[:], info.DigestBytes()); n != len(entry.Digest) {
			return Manifest{}, fmt.Errorf("%w: digest of %s has %d bytes", ErrCorruptManifest, entry.Name, n)
		}
		m.Segments = append(m.Segments, entry)
	}
	return m, nil
}
