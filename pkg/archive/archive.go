package archive

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/unloggedio/unlogged-sdk-sub000/pkg/event"
	"github.com/unloggedio/unlogged-sdk-sub000/pkg/identity"
	"github.com/unloggedio/unlogged-sdk-sub000/pkg/segment"
)

var (
	ErrArchiveClosed  = errors.New("archive no longer accepts segments")
	ErrCorruptSegment = errors.New("segment contains an undecodable record")
	ErrInvalidState   = errors.New("archive is not in the expected state")
)

// State is the lifecycle position of an archive.
type State int32

const (
	StateOpen State = iota
	StateFinalizing
	StateClosed
	StateUploading
	StateUploaded
	StateUploadFailed
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateFinalizing:
		return "FINALIZING"
	case StateClosed:
		return "CLOSED"
	case StateUploading:
		return "UPLOADING"
	case StateUploaded:
		return "UPLOADED"
	case StateUploadFailed:
		return "UPLOAD_FAILED"
	case StateDeleted:
		return "DELETED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

const archiveExt = ".zip"

// FileName returns the archive path for a sequence number and creation time.
func FileName(dir string, seq uint64, created time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("index-%05d-%d%s", seq, created.UnixMilli(), archiveExt))
}

// IsArchiveFile reports whether name looks like an archive produced by FileName.
func IsArchiveFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, "index-") && filepath.Ext(base) == archiveExt
}

// Archive is a zip container being filled with segments and index facts.
//
// Segments are streamed into the container as they arrive; the index databases
// live in a staging directory next to it and are copied in, together with the
// manifest and the weave metadata, when the archive is finalized.
type Archive struct {
	path      string
	staging   string
	weavePath string
	createdAt time.Time
	logger    *slog.Logger

	mu       sync.Mutex
	file     *os.File
	buf      *bufio.Writer
	zw       *zip.Writer
	idx      *indexSet
	segments []SegmentEntry
	state    atomic.Int32
}

// Create starts a new OPEN archive at path. weavePath names the file whose
// contents are stored as the weave entry; it may be empty.
func Create(path, weavePath string, logger *slog.Logger) (*Archive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	staging := filepath.Join(filepath.Dir(path), "."+strings.TrimSuffix(filepath.Base(path), archiveExt))
	if err := os.MkdirAll(staging, 0755); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	idx, err := openIndexSet(staging)
	if err != nil {
		os.RemoveAll(staging)
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		idx.close()
		os.RemoveAll(staging)
		return nil, fmt.Errorf("create archive: %w", err)
	}

	buf := bufio.NewWriterSize(file, 256*1024)
	zw := zip.NewWriter(buf)
	zw.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor(zstd.WithEncoderLevel(zstd.SpeedFastest)))

	a := &Archive{
		path:      path,
		staging:   staging,
		weavePath: weavePath,
		createdAt: time.Now(),
		logger:    logger,
		file:      file,
		buf:       buf,
		zw:        zw,
		idx:       idx,
	}
	a.state.Store(int32(StateOpen))
	return a, nil
}

func (a *Archive) Path() string {
	return a.path
}

func (a *Archive) Name() string {
	return filepath.Base(a.path)
}

func (a *Archive) State() State {
	return State(a.state.Load())
}

// SegmentCount returns the number of segments added so far.
func (a *Archive) SegmentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.segments)
}

// Segments returns a copy of the segment entries added so far.
func (a *Archive) Segments() []SegmentEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]SegmentEntry, len(a.segments))
	copy(out, a.segments)
	return out
}

// AddSegment copies a completed segment into the container. The segment file is
// left in place; the caller removes it once the copy succeeded.
//
// An archive that is no longer OPEN returns ErrArchiveClosed. A segment that
// cannot be decoded returns ErrCorruptSegment and leaves the archive usable;
// any other error means the container itself may be damaged.
func (a *Archive) AddSegment(c segment.Completed) (SegmentEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.State() != StateOpen {
		return SegmentEntry{}, ErrArchiveClosed
	}

	data, err := os.ReadFile(c.Path)
	if err != nil {
		return SegmentEntry{}, fmt.Errorf("%w: read %s: %v", ErrCorruptSegment, c.Path, err)
	}
	summary, err := event.Summarize(data)
	if err != nil {
		return SegmentEntry{}, fmt.Errorf("%w: %s: %v", ErrCorruptSegment, c.Path, err)
	}

	rotatedAt := c.RotatedAt
	if rotatedAt.IsZero() {
		rotatedAt = time.Now()
	}
	entry := SegmentEntry{
		Name:          fmt.Sprintf("%d@%s", rotatedAt.UnixMilli(), filepath.Base(c.Path)),
		ThreadID:      int32(c.ThreadID),
		EventCount:    summary.Count,
		FirstSequence: summary.FirstSequence,
		LastSequence:  summary.LastSequence,
		Digest:        blake3.Sum256(data),
	}

	if err := a.writeEntryLocked(entry.Name, rotatedAt, data); err != nil {
		return SegmentEntry{}, err
	}
	a.segments = append(a.segments, entry)
	return entry, nil
}

func (a *Archive) writeEntryLocked(name string, modified time.Time, data []byte) error {
	w, err := a.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zstd.ZipMethodWinZip,
		Modified: modified,
	})
	if err != nil {
		return fmt.Errorf("create entry %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write entry %s: %w", name, err)
	}
	return nil
}

func (a *Archive) copyEntryLocked(name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := a.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zstd.ZipMethodWinZip,
		Modified: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("create entry %s: %w", name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("write entry %s: %w", name, err)
	}
	return nil
}

// IndexFacts stores identity, type and string facts. It is accepted while the
// archive is OPEN or FINALIZING.
func (a *Archive) IndexFacts(objects []identity.Fact, types []identity.TypeRecord, strs []identity.StringFact) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if s := a.State(); s != StateOpen && s != StateFinalizing {
		return ErrArchiveClosed
	}
	if err := a.idx.putTypes(types); err != nil {
		return fmt.Errorf("index types: %w", err)
	}
	if err := a.idx.putObjects(objects); err != nil {
		return fmt.Errorf("index objects: %w", err)
	}
	if err := a.idx.putStrings(strs); err != nil {
		return fmt.Errorf("index strings: %w", err)
	}
	return nil
}

// BeginFinalize moves an OPEN archive to FINALIZING. From then on AddSegment
// returns ErrArchiveClosed. It reports whether the transition happened.
func (a *Archive) BeginFinalize() bool {
	return a.state.CompareAndSwap(int32(StateOpen), int32(StateFinalizing))
}

// Finalize writes the full type table, the weave metadata, the indexes and the
// manifest into the container and closes it.
func (a *Archive) Finalize(types []identity.TypeRecord) error {
	a.BeginFinalize()
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.State() != StateFinalizing {
		return fmt.Errorf("%w: finalize in %s", ErrInvalidState, a.State())
	}

	if err := a.idx.putTypes(types); err != nil {
		return fmt.Errorf("index types: %w", err)
	}

	weave, err := a.readWeave()
	if err != nil {
		return fmt.Errorf("read weave metadata: %w", err)
	}
	if err := a.writeEntryLocked(WeaveEntry, time.Now(), weave); err != nil {
		return err
	}

	if err := a.idx.close(); err != nil {
		return fmt.Errorf("close indexes: %w", err)
	}
	a.idx = nil
	for _, e := range (&indexSet{dir: a.staging}).entries() {
		if err := a.copyEntryLocked(e[0], e[1]); err != nil {
			return err
		}
	}

	m := Manifest{
		ArchiveName: a.Name(),
		CreatedAt:   a.createdAt,
		FinishedAt:  time.Now(),
		Segments:    a.segments,
	}
	if err := a.writeEntryLocked(ManifestEntry, m.FinishedAt, encodeManifest(m)); err != nil {
		return err
	}

	if err := a.closeFilesLocked(); err != nil {
		return err
	}
	if err := os.RemoveAll(a.staging); err != nil {
		a.logger.Warn("failed to remove archive staging directory", "path", a.staging, "error", err)
	}
	a.state.Store(int32(StateClosed))
	return nil
}

func (a *Archive) readWeave() ([]byte, error) {
	if a.weavePath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(a.weavePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

func (a *Archive) closeFilesLocked() error {
	if a.file == nil {
		return nil
	}
	var errs []error
	if err := a.zw.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close container: %w", err))
	}
	if err := a.buf.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush archive: %w", err))
	}
	if err := a.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("fsync archive: %w", err))
	}
	if err := a.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close archive: %w", err))
	}
	a.file = nil
	return errors.Join(errs...)
}

// SetState records an upload transition of a CLOSED archive.
func (a *Archive) SetState(s State) {
	a.state.Store(int32(s))
}

// Abandon discards the archive and every file it created.
func (a *Archive) Abandon() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.idx != nil {
		_ = a.idx.close()
		a.idx = nil
	}
	_ = a.closeFilesLocked()
	if err := os.RemoveAll(a.staging); err != nil {
		a.logger.Warn("failed to remove archive staging directory", "path", a.staging, "error", err)
	}
	if err := os.Remove(a.path); err != nil && !os.IsNotExist(err) {
		a.logger.Warn("failed to remove abandoned archive", "path", a.path, "error", err)
	}
	a.state.Store(int32(StateDeleted))
}

// Remove deletes a finalized archive from disk.
func (a *Archive) Remove() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.Remove(a.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove archive %s: %w", a.path, err)
	}
	a.state.Store(int32(StateDeleted))
	return nil
}
