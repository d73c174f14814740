package segment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
)

var (
	ErrClosed        = errors.New("the segment file is closed")
	ErrFileTooLarge  = errors.New("segment file exceeds 4 GiB limit")
	ErrRotatorClosed = errors.New("segment rotator is shut down")
)

const (
	// 4 GiB.
	maxFileSize = 4 * 1024 * 1024 * 1024

	// default initial mapping, enough for ~30k scalar records.
	defaultInitialSize = 1024 * 1024
	fileModePerm       = 0644
	fileExt            = ".selog"
)

type MsyncOption int

const (
	// MsyncNone skips msync after write.
	MsyncNone MsyncOption = iota

	// MsyncOnWrite calls msync (Flush) after every write.
	MsyncOnWrite
)

// DirectorySyncer syncs a directory path to stable storage.
type DirectorySyncer interface {
	SyncDir(dir string) error
}

// DirectorySyncFunc adapts a function to act as a DirectorySyncer.
type DirectorySyncFunc func(dir string) error

// SyncDir implements DirectorySyncer.
func (f DirectorySyncFunc) SyncDir(dir string) error {
	return f(dir)
}

// File is a single append-only thread segment backed by a memory-mapped file.
// The mapping grows by remapping when an append would overflow it, and Seal
// truncates the file to the bytes actually written, so a sealed file holds
// exactly the record sequence and nothing else.
//
// File is written by one thread at a time; the Rotator serializes access.
type File struct {
	path        string
	threadID    int
	fd          *os.File
	mmapData    mmap.MMap
	mmapSize    int64
	writeOffset int64
	count       int64
	closed      atomic.Bool
	closeOnce   sync.Once
	closeErr    error

	syncOption MsyncOption
	dirSyncer  DirectorySyncer
}

// FileOption configures a File.
type FileOption func(*File)

// WithSyncOption sets the sync option for the File.
func WithSyncOption(opt MsyncOption) FileOption {
	return func(f *File) {
		f.syncOption = opt
	}
}

// WithInitialSize sets the size of the first mapping.
func WithInitialSize(size int64) FileOption {
	return func(f *File) {
		if size > 0 {
			f.mmapSize = size
		}
	}
}

// WithFileDirectorySyncer sets the directory syncer used after removal.
// The default fsyncs the parent directory; nil disables it.
func WithFileDirectorySyncer(syncer DirectorySyncer) FileOption {
	return func(f *File) {
		f.dirSyncer = syncer
	}
}

// OpenFile creates a new segment file at path. An existing file at that path is truncated.
func OpenFile(path string, threadID int, opts ...FileOption) (*File, error) {
	f := &File{
		path:       path,
		threadID:   threadID,
		mmapSize:   defaultInitialSize,
		syncOption: MsyncNone,
		dirSyncer:  DirectorySyncFunc(syncDir),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.mmapSize > maxFileSize {
		return nil, ErrFileTooLarge
	}

	fd, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, fileModePerm)
	if err != nil {
		return nil, err
	}
	if err := fd.Truncate(f.mmapSize); err != nil {
		fd.Close()
		return nil, fmt.Errorf("truncate error: %w", err)
	}
	mmapData, err := mmap.Map(fd, mmap.RDWR, 0)
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("mmap error: %w", err)
	}
	f.fd = fd
	f.mmapData = mmapData
	return f, nil
}

// Append writes one encoded record. It does not allocate unless the mapping has to grow.
func (f *File) Append(record []byte) error {
	return f.AppendParts(record, nil)
}

// AppendParts writes a record whose header and payload live in separate buffers.
func (f *File) AppendParts(header, payload []byte) error {
	if f.closed.Load() {
		return ErrClosed
	}
	size := int64(len(header) + len(payload))
	if f.writeOffset+size > f.mmapSize {
		if err := f.grow(f.writeOffset + size); err != nil {
			return err
		}
	}

	n := copy(f.mmapData[f.writeOffset:], header)
	copy(f.mmapData[f.writeOffset+int64(n):], payload)
	f.writeOffset += size
	f.count++

	if f.syncOption == MsyncOnWrite {
		if err := f.mmapData.Flush(); err != nil {
			return fmt.Errorf("mmap flush error: %w", err)
		}
	}
	return nil
}

// grow remaps the file so that at least need bytes fit.
func (f *File) grow(need int64) error {
	newSize := f.mmapSize * 2
	for newSize < need {
		newSize *= 2
	}
	if newSize > maxFileSize {
		if need > maxFileSize {
			return ErrFileTooLarge
		}
		newSize = maxFileSize
	}

	if err := f.mmapData.Flush(); err != nil {
		return fmt.Errorf("mmap flush error: %w", err)
	}
	if err := f.mmapData.Unmap(); err != nil {
		return fmt.Errorf("unmap error: %w", err)
	}
	f.mmapData = nil
	if err := f.fd.Truncate(newSize); err != nil {
		return fmt.Errorf("truncate error: %w", err)
	}
	mmapData, err := mmap.Map(f.fd, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("mmap error: %w", err)
	}
	f.mmapData = mmapData
	f.mmapSize = newSize
	return nil
}

// Seal flushes the mapping, truncates the file to the written length and closes it.
// Sealing an already sealed file returns ErrClosed.
func (f *File) Seal() error {
	if f.closed.Load() {
		return ErrClosed
	}
	f.closeOnce.Do(func() {
		f.closed.Store(true)
		f.closeErr = f.seal()
	})
	return f.closeErr
}

func (f *File) seal() error {
	var errs []error
	if f.mmapData != nil {
		if err := f.mmapData.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("mmap flush error: %w", err))
		}
		if err := f.mmapData.Unmap(); err != nil {
			errs = append(errs, fmt.Errorf("unmap error: %w", err))
		}
		f.mmapData = nil
	}
	if err := f.fd.Truncate(f.writeOffset); err != nil {
		errs = append(errs, fmt.Errorf("truncate error: %w", err))
	}
	if err := f.fd.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("fsync error: %w", err))
	}
	if err := f.fd.Close(); err != nil {
		errs = append(errs, fmt.Errorf("file close error: %w", err))
	}
	return errors.Join(errs...)
}

// Remove seals the file if needed and deletes it from disk.
func (f *File) Remove() error {
	if err := f.Seal(); err != nil && !errors.Is(err, ErrClosed) {
		_ = os.Remove(f.path)
		return fmt.Errorf("failed to close segment %s: %w", f.path, err)
	}
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove segment file %s: %w", f.path, err)
	}
	if f.dirSyncer != nil {
		if err := f.dirSyncer.SyncDir(filepath.Dir(f.path)); err != nil {
			return fmt.Errorf("failed to sync directory after removal: %w", err)
		}
	}
	return nil
}

func (f *File) Path() string {
	return f.path
}

func (f *File) ThreadID() int {
	return f.threadID
}

// Count returns the number of records appended.
func (f *File) Count() int64 {
	return f.count
}

// Size returns the number of bytes written.
func (f *File) Size() int64 {
	return f.writeOffset
}

func (f *File) IsClosed() bool {
	return f.closed.Load()
}

// FileName returns the segment path for a global file sequence and a thread.
func FileName(dir string, seq uint64, threadID int) string {
	return filepath.Join(dir, fmt.Sprintf("log-%06d-%d%s", seq, threadID, fileExt))
}

// IsSegmentFile reports whether name looks like a segment file produced by FileName.
func IsSegmentFile(name string) bool {
	return filepath.Ext(name) == fileExt
}

func syncDir(dir string) error {
	df, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer df.Close()
	return df.Sync()
}
