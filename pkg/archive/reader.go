package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	bolt "go.etcd.io/bbolt"

	"github.com/unloggedio/unlogged-sdk-sub000/pkg/codec"
	"github.com/unloggedio/unlogged-sdk-sub000/pkg/event"
	"github.com/unloggedio/unlogged-sdk-sub000/pkg/identity"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrMissingEntry = errors.New("archive entry missing")
)

// Reader answers queries against a finalized archive.
type Reader struct {
	path     string
	tmpDir   string
	zr       *zip.ReadCloser
	entries  map[string]*zip.File
	types    *bolt.DB
	objects  *bolt.DB
	strings  *bolt.DB
	manifest Manifest
}

// Open opens the archive at path. The index entries are extracted into a
// temporary directory that Close removes.
func Open(path string) (*Reader, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	zr.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())

	r := &Reader{
		path:    path,
		zr:      zr,
		entries: make(map[string]*zip.File, len(zr.File)),
	}
	for _, f := range zr.File {
		r.entries[f.Name] = f
	}

	if err := r.load(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) load() error {
	data, err := r.readEntry(ManifestEntry)
	if err != nil {
		return err
	}
	if r.manifest, err = decodeManifest(data); err != nil {
		return err
	}

	r.tmpDir, err = os.MkdirTemp("", "probe-archive-*")
	if err != nil {
		return fmt.Errorf("create extraction directory: %w", err)
	}
	if r.types, err = r.openIndex(TypeIndexEntry); err != nil {
		return err
	}
	if r.objects, err = r.openIndex(ObjectIndexEntry); err != nil {
		return err
	}
	if r.strings, err = r.openIndex(StringIndexEntry); err != nil {
		return err
	}
	return nil
}

func (r *Reader) openIndex(name string) (*bolt.DB, error) {
	f, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingEntry, name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open entry %s: %w", name, err)
	}
	defer rc.Close()

	path := filepath.Join(r.tmpDir, name)
	out, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return nil, fmt.Errorf("extract %s: %w", name, err)
	}
	if err := out.Close(); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0400, &bolt.Options{ReadOnly: true, Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", name, err)
	}
	return db, nil
}

func (r *Reader) readEntry(name string) ([]byte, error) {
	f, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingEntry, name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open entry %s: %w", name, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Close releases the archive and removes extracted indexes.
func (r *Reader) Close() error {
	var errs []error
	for _, db := range []*bolt.DB{r.types, r.objects, r.strings} {
		if db != nil {
			if err := db.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if r.zr != nil {
		if err := r.zr.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.tmpDir != "" {
		if err := os.RemoveAll(r.tmpDir); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Reader) Path() string {
	return r.path
}

// Manifest returns the segment listing of the archive.
func (r *Reader) Manifest() Manifest {
	return r.manifest
}

// Type returns the record of a type id.
func (r *Reader) Type(typeID int32) (identity.TypeRecord, error) {
	var rec identity.TypeRecord
	err := r.types.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTypes).Get(encodeTypeID(typeID))
		if data == nil {
			return fmt.Errorf("type %d: %w", typeID, ErrNotFound)
		}
		return codec.Unmarshal(data, &rec)
	})
	return rec, err
}

// Types returns every type stored in the archive, ordered by id.
func (r *Reader) Types() ([]identity.TypeRecord, error) {
	var out []identity.TypeRecord
	err := r.types.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTypes).ForEach(func(_, v []byte) error {
			var rec identity.TypeRecord
			if err := codec.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// TypesByName returns every type registered under name. Types with the same
// name can differ in identity, so there may be more than one.
func (r *Reader) TypesByName(name string) ([]identity.TypeRecord, error) {
	prefix := append([]byte(name), 0)
	var ids []int32
	err := r.types.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTypeNames).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if len(k) == len(prefix)+4 {
				ids = append(ids, decodeTypeID(k[len(prefix):]))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]identity.TypeRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := r.Type(id)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// TypeIDOf returns the type id recorded for an object.
func (r *Reader) TypeIDOf(objectID int64) (int32, error) {
	var typeID int32
	err := r.objects.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketObjects).Get(encodeObjectID(objectID))
		if v == nil {
			return fmt.Errorf("object %d: %w", objectID, ErrNotFound)
		}
		typeID = decodeTypeID(v)
		return nil
	})
	return typeID, err
}

// TypeOf returns the type record of an object.
func (r *Reader) TypeOf(objectID int64) (identity.TypeRecord, error) {
	typeID, err := r.TypeIDOf(objectID)
	if err != nil {
		return identity.TypeRecord{}, err
	}
	return r.Type(typeID)
}

// ObjectsOfType returns the ids of the objects recorded with typeID, ascending.
func (r *Reader) ObjectsOfType(typeID int32) ([]int64, error) {
	prefix := encodeTypeID(typeID)
	var out []int64
	err := r.objects.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketObjectsByType).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			out = append(out, decodeObjectID(k[len(prefix):]))
		}
		return nil
	})
	return out, err
}

// String returns the value of a string object.
func (r *Reader) String(objectID int64) (string, error) {
	var out string
	err := r.strings.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketStrings).Get(encodeObjectID(objectID))
		if v == nil {
			return fmt.Errorf("string %d: %w", objectID, ErrNotFound)
		}
		out = string(v)
		return nil
	})
	return out, err
}

// SearchStrings returns the string objects whose value contains substr.
func (r *Reader) SearchStrings(substr string) ([]identity.StringFact, error) {
	needle := []byte(substr)
	var out []identity.StringFact
	err := r.strings.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStrings).ForEach(func(k, v []byte) error {
			if bytes.Contains(v, needle) {
				out = append(out, identity.StringFact{ObjectID: decodeObjectID(k), Value: string(v)})
			}
			return nil
		})
	})
	return out, err
}

// Events decodes the records of one segment entry.
func (r *Reader) Events(segmentName string) ([]event.Record, error) {
	if !r.hasSegment(segmentName) {
		return nil, fmt.Errorf("segment %s: %w", segmentName, ErrNotFound)
	}
	data, err := r.readEntry(segmentName)
	if err != nil {
		return nil, err
	}
	return event.ReadAll(bytes.NewReader(data))
}

// Weave returns the weave metadata stored in the archive.
func (r *Reader) Weave() ([]byte, error) {
	return r.readEntry(WeaveEntry)
}

// Entries returns the names of the container entries in storage order.
func (r *Reader) Entries() []string {
	out := make([]string, 0, len(r.zr.File))
	for _, f := range r.zr.File {
		out = append(out, f.Name)
	}
	return out
}

func (r *Reader) hasSegment(name string) bool {
	for _, s := range r.manifest.Segments {
		if s.Name == name {
			return true
		}
	}
	return false
}

// SegmentEntryName reports whether an entry name is a segment entry.
func SegmentEntryName(name string) bool {
	at := strings.IndexByte(name, '@')
	return at > 0 && !strings.HasPrefix(name, "index.")
}
