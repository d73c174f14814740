package identity

import (
	"encoding/binary"
	"log/slog"
	"reflect"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/twmb/murmur3"
)

const (
	// DefaultMaxStringLength is the longest string value kept in the string index.
	DefaultMaxStringLength = 1000

	// keys of values without identity carry this bit so they never collide with addresses.
	arenaKeyBit = uint64(1) << 63
)

// Identifiable lets a value supply its own identity handle. Values with the same
// handle are treated as the same object.
type Identifiable interface {
	ObjectIdentity() uint64
}

// Fact records the type of an object the first time it is seen in an epoch.
type Fact struct {
	ObjectID int64
	TypeID   int32
}

// StringFact records the value of a string object.
type StringFact struct {
	ObjectID int64
	Value    string
}

type Option func(*Registry)

// WithBloom sets the capacity and target false positive rate of the filter and
// the rate at which it starts a new epoch.
func WithBloom(capacity uint64, fpp, resetFPP float64) Option {
	return func(r *Registry) {
		r.bloomCapacity = capacity
		r.bloomFPP = fpp
		r.resetFPP = resetFPP
	}
}

// WithQueueLimit bounds each fact queue.
func WithQueueLimit(n int) Option {
	return func(r *Registry) {
		r.queueLimit = n
	}
}

// WithMaxStringLength sets the longest string recorded in the string index.
func WithMaxStringLength(n int) Option {
	return func(r *Registry) {
		r.maxStringLen = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// Registry maps objects to stable ids and types to dense ids. The first time an
// object is seen in a bloom epoch a Fact is queued; the fact is queued before
// GetID returns, so it always precedes any event carrying the id.
type Registry struct {
	bloom   *Bloom
	types   *TypeRegistry
	objects *Queue[Fact]
	strings *Queue[StringFact]
	arena   atomic.Uint64

	bloomCapacity uint64
	bloomFPP      float64
	resetFPP      float64
	queueLimit    int
	maxStringLen  int
	logger        *slog.Logger
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		bloomCapacity: DefaultBloomCapacity,
		bloomFPP:      DefaultBloomFPP,
		resetFPP:      DefaultResetFPP,
		queueLimit:    DefaultQueueLimit,
		maxStringLen:  DefaultMaxStringLength,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "identity-registry")
	r.bloom = NewBloom(r.bloomCapacity, r.bloomFPP, r.resetFPP)
	r.types = NewTypeRegistry(r.queueLimit)
	r.objects = NewQueue[Fact](r.queueLimit)
	r.strings = NewQueue[StringFact](r.queueLimit)

	m, k := r.bloom.Params()
	r.logger.Debug("identity registry ready", "bloom_bits", m, "bloom_hashes", k, "reset_fpp", r.resetFPP)
	return r
}

// GetID returns the id of obj. nil maps to 0.
//
// Pointers, maps, channels, funcs and slices are identified by address; values
// implementing Identifiable by their handle; strings by content. Any other value
// has no identity and gets a fresh id on every call.
//
// A slice's address is its first element, so subslices starting at the same
// element share an id. Zero-capacity slices have no element and are treated as
// values without identity.
func (r *Registry) GetID(obj any) int64 {
	if obj == nil {
		return 0
	}

	var key uint64
	str, isString := "", false
	switch v := obj.(type) {
	case Identifiable:
		key = v.ObjectIdentity()
	case string:
		key = xxhash.Sum64String(v)
		str, isString = v, true
	default:
		rv := reflect.ValueOf(obj)
		switch rv.Kind() {
		case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer, reflect.Slice:
			if rv.IsNil() {
				return 0
			}
			if rv.Kind() != reflect.Slice || rv.Cap() > 0 {
				key = uint64(rv.Pointer())
			}
		}
		if key == 0 {
			key = r.arena.Add(1) | arenaKeyBit
		}
	}

	id, h1, h2 := hashKey(key)
	// A fact the queue rejects leaves the key out of the filter, so the next
	// sighting queues it again.
	r.bloom.AddIfAbsent(h1, h2, func() bool {
		typeID := r.types.TypeID(r.types.Of(reflect.TypeOf(obj)))
		if !r.objects.Push(Fact{ObjectID: id, TypeID: typeID}) {
			return false
		}
		if isString && len(str) <= r.maxStringLen {
			r.strings.Push(StringFact{ObjectID: id, Value: str})
		}
		return true
	})
	return id
}

// ID returns the id GetID assigns to an identity key without registering it.
func ID(key uint64) int64 {
	id, _, _ := hashKey(key)
	return id
}

func hashKey(key uint64) (id int64, h1, h2 uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], key)
	h1 = xxhash.Sum64(buf[:])
	h2 = murmur3.Sum64(buf[:]) | 1
	id = int64(h1 >> 1)
	if id == 0 {
		id = 1
	}
	return id, h1, h2
}

// TypeID registers t and returns its id.
func (r *Registry) TypeID(t Type) int32 {
	return r.types.TypeID(t)
}

// TypeOf registers the Go type of v and returns its id.
func (r *Registry) TypeOf(v any) int32 {
	if v == nil {
		return NullTypeID
	}
	return r.types.TypeID(r.types.Of(reflect.TypeOf(v)))
}

// Types returns the type registry.
func (r *Registry) Types() *TypeRegistry {
	return r.types
}

// Bloom returns the identity filter.
func (r *Registry) Bloom() *Bloom {
	return r.bloom
}

// DrainObjects removes and returns the queued object facts.
func (r *Registry) DrainObjects() []Fact {
	return r.objects.Drain()
}

// DrainStrings removes and returns the queued string facts.
func (r *Registry) DrainStrings() []StringFact {
	return r.strings.Drain()
}

// DrainTypes removes and returns the type records registered since the last drain.
func (r *Registry) DrainTypes() []TypeRecord {
	return r.types.Pending().Drain()
}

// TypeRecords returns every registered type.
func (r *Registry) TypeRecords() []TypeRecord {
	return r.types.Records()
}

// DroppedFacts returns the number of facts lost to full queues.
func (r *Registry) DroppedFacts() int64 {
	return r.objects.Dropped() + r.strings.Dropped() + r.types.Pending().Dropped()
}
