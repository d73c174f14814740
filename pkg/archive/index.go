package archive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/unloggedio/unlogged-sdk-sub000/pkg/codec"
	"github.com/unloggedio/unlogged-sdk-sub000/pkg/identity"
)

// Entry names inside an archive container.
const (
	WeaveEntry       = "class.weave.dat"
	TypeIndexEntry   = "index.type.dat"
	ObjectIndexEntry = "index.object.dat"
	StringIndexEntry = "index.string.dat"
	ManifestEntry    = "index.events.dat"
)

var (
	// type id (4B BE) -> cbor TypeRecord
	bucketTypes = []byte("types")
	// name || 0x00 || type id -> nil, range scanned by name prefix.
	bucketTypeNames = []byte("type_names")
	// object id (8B BE) -> type id (4B BE)
	bucketObjects = []byte("objects")
	// type id || object id -> nil
	bucketObjectsByType = []byte("objects_by_type")
	// object id -> string value
	bucketStrings = []byte("strings")
)

// indexSet holds the three index databases of an archive while it is being built.
type indexSet struct {
	dir     string
	types   *bolt.DB
	objects *bolt.DB
	strings *bolt.DB
}

func openIndexSet(dir string) (*indexSet, error) {
	s := &indexSet{dir: dir}
	var err error
	if s.types, err = openIndex(filepath.Join(dir, TypeIndexEntry), bucketTypes, bucketTypeNames); err != nil {
		return nil, err
	}
	if s.objects, err = openIndex(filepath.Join(dir, ObjectIndexEntry), bucketObjects, bucketObjectsByType); err != nil {
		s.types.Close()
		return nil, err
	}
	if s.strings, err = openIndex(filepath.Join(dir, StringIndexEntry), bucketStrings); err != nil {
		s.types.Close()
		s.objects.Close()
		return nil, err
	}
	return s, nil
}

func openIndex(path string, buckets ...[]byte) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second, NoSync: true})
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", filepath.Base(path), err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return db, nil
}

// entries returns the container entry name and on-disk path of each index.
func (s *indexSet) entries() [][2]string {
	return [][2]string{
		{TypeIndexEntry, filepath.Join(s.dir, TypeIndexEntry)},
		{ObjectIndexEntry, filepath.Join(s.dir, ObjectIndexEntry)},
		{StringIndexEntry, filepath.Join(s.dir, StringIndexEntry)},
	}
}

func (s *indexSet) putObjects(facts []identity.Fact) error {
	if len(facts) == 0 {
		return nil
	}
	return s.objects.Update(func(tx *bolt.Tx) error {
		objects := tx.Bucket(bucketObjects)
		byType := tx.Bucket(bucketObjectsByType)
		for _, f := range facts {
			if err := objects.Put(encodeObjectID(f.ObjectID), encodeTypeID(f.TypeID)); err != nil {
				return err
			}
			if err := byType.Put(typeObjectKey(f.TypeID, f.ObjectID), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *indexSet) putTypes(records []identity.TypeRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.types.Update(func(tx *bolt.Tx) error {
		types := tx.Bucket(bucketTypes)
		names := tx.Bucket(bucketTypeNames)
		for _, rec := range records {
			data, err := codec.Marshal(rec)
			if err != nil {
				return fmt.Errorf("encode type %d: %w", rec.TypeID, err)
			}
			if err := types.Put(encodeTypeID(rec.TypeID), data); err != nil {
				return err
			}
			if err := names.Put(typeNameKey(rec.Name, rec.TypeID), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *indexSet) putStrings(facts []identity.StringFact) error {
	if len(facts) == 0 {
		return nil
	}
	return s.strings.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStrings)
		for _, f := range facts {
			if err := b.Put(encodeObjectID(f.ObjectID), []byte(f.Value)); err != nil {
				return err
			}
		}
		return nil
	})
}

// close flushes the databases and closes them.
func (s *indexSet) close() error {
	var errs []error
	for _, db := range []*bolt.DB{s.types, s.objects, s.strings} {
		if db == nil {
			continue
		}
		if err := db.Sync(); err != nil {
			errs = append(errs, err)
		}
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func encodeObjectID(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

func decodeObjectID(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// type ids are stored with the sign bit flipped so that -1 sorts first.
func encodeTypeID(id int32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(id)^(1<<31))
	return buf
}

func decodeTypeID(b []byte) int32 {
	return int32(binary.BigEndian.Uint32(b) ^ (1 << 31))
}

func typeObjectKey(typeID int32, objectID int64) []byte {
	buf := make([]byte, 12)
	copy(buf, encodeTypeID(typeID))
	binary.BigEndian.PutUint64(buf[4:], uint64(objectID))
	return buf
}

func typeNameKey(name string, typeID int32) []byte {
	buf := make([]byte, 0, len(name)+5)
	buf = append(buf, name...)
	buf = append(buf, 0)
	return append(buf, encodeTypeID(typeID)...)
}
