package identity

import (
	"reflect"
	"sync"
)

// NullTypeID marks a missing super, component or interface type.
const NullTypeID int32 = -1

// Pre-registered type ids. They are fixed and occupy the first ids of every registry.
const (
	TypeIDVoid int32 = iota
	TypeIDBool
	TypeIDInt8
	TypeIDUint8
	TypeIDInt16
	TypeIDUint16
	TypeIDInt32
	TypeIDUint32
	TypeIDInt64
	TypeIDUint64
	TypeIDInt
	TypeIDUint
	TypeIDFloat32
	TypeIDFloat64
	TypeIDComplex64
	TypeIDComplex128
	TypeIDString
	TypeIDAny
)

// Type describes a runtime type to the registry. Implementations must be
// comparable; two values are the same type iff they compare equal, so types
// that share a name but differ in identity get distinct ids.
type Type interface {
	Name() string
	Location() string
	LoaderTag() string
	Super() Type
	Component() Type
	Interfaces() []Type
}

// TypeRecord is the persisted description of a registered type.
type TypeRecord struct {
	TypeID           int32   `cbor:"1,keyasint"`
	Name             string  `cbor:"2,keyasint"`
	Location         string  `cbor:"3,keyasint,omitempty"`
	SuperTypeID      int32   `cbor:"4,keyasint"`
	ComponentTypeID  int32   `cbor:"5,keyasint"`
	LoaderTag        string  `cbor:"6,keyasint,omitempty"`
	InterfaceTypeIDs []int32 `cbor:"7,keyasint,omitempty"`
}

// TypeRegistry hands out one id per distinct Type for the life of the process.
type TypeRegistry struct {
	mu        sync.RWMutex
	ids       map[Type]int32
	records   []TypeRecord
	resolving map[Type]bool
	pending   *Queue[TypeRecord]
	known     *interfaceSet
}

// NewTypeRegistry creates a registry with the basic types pre-registered.
// queueLimit bounds the pending queue drained by the archive builder.
func NewTypeRegistry(queueLimit int) *TypeRegistry {
	r := &TypeRegistry{
		ids:       make(map[Type]int32),
		resolving: make(map[Type]bool),
		pending:   NewQueue[TypeRecord](queueLimit),
		known:     &interfaceSet{},
	}
	for _, t := range basicTypes(r.known) {
		r.resolveLocked(t)
	}
	return r
}

func basicTypes(known *interfaceSet) []Type {
	return []Type{
		builtinType{name: "void"},
		reflectType{t: reflect.TypeOf((*bool)(nil)).Elem(), known: known},
		reflectType{t: reflect.TypeOf((*int8)(nil)).Elem(), known: known},
		reflectType{t: reflect.TypeOf((*uint8)(nil)).Elem(), known: known},
		reflectType{t: reflect.TypeOf((*int16)(nil)).Elem(), known: known},
		reflectType{t: reflect.TypeOf((*uint16)(nil)).Elem(), known: known},
		reflectType{t: reflect.TypeOf((*int32)(nil)).Elem(), known: known},
		reflectType{t: reflect.TypeOf((*uint32)(nil)).Elem(), known: known},
		reflectType{t: reflect.TypeOf((*int64)(nil)).Elem(), known: known},
		reflectType{t: reflect.TypeOf((*uint64)(nil)).Elem(), known: known},
		reflectType{t: reflect.TypeOf((*int)(nil)).Elem(), known: known},
		reflectType{t: reflect.TypeOf((*uint)(nil)).Elem(), known: known},
		reflectType{t: reflect.TypeOf((*float32)(nil)).Elem(), known: known},
		reflectType{t: reflect.TypeOf((*float64)(nil)).Elem(), known: known},
		reflectType{t: reflect.TypeOf((*complex64)(nil)).Elem(), known: known},
		reflectType{t: reflect.TypeOf((*complex128)(nil)).Elem(), known: known},
		reflectType{t: reflect.TypeOf((*string)(nil)).Elem(), known: known},
		reflectType{t: reflect.TypeOf((*any)(nil)).Elem(), known: known},
	}
}

// TypeID returns the id of t, registering it and every type it references first.
// A nil type maps to NullTypeID.
func (r *TypeRegistry) TypeID(t Type) int32 {
	if t == nil {
		return NullTypeID
	}
	r.mu.RLock()
	id, ok := r.ids[t]
	r.mu.RUnlock()
	if ok {
		return id
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked(t)
}

// resolveLocked assigns ids post-order: super, component and interfaces get their
// ids before t does. A type reached again while it is still being resolved
// (Go allows `type P *P`) is reported as NullTypeID on that edge.
func (r *TypeRegistry) resolveLocked(t Type) int32 {
	if t == nil {
		return NullTypeID
	}
	if id, ok := r.ids[t]; ok {
		return id
	}
	if r.resolving[t] {
		return NullTypeID
	}
	r.resolving[t] = true
	defer delete(r.resolving, t)

	super := r.resolveLocked(t.Super())
	component := r.resolveLocked(t.Component())
	var ifaces []int32
	for _, it := range t.Interfaces() {
		if iid := r.resolveLocked(it); iid != NullTypeID {
			ifaces = append(ifaces, iid)
		}
	}

	rec := TypeRecord{
		TypeID:           int32(len(r.records)),
		Name:             t.Name(),
		Location:         t.Location(),
		SuperTypeID:      super,
		ComponentTypeID:  component,
		LoaderTag:        t.LoaderTag(),
		InterfaceTypeIDs: ifaces,
	}
	r.ids[t] = rec.TypeID
	r.records = append(r.records, rec)
	r.pending.Push(rec)
	return rec.TypeID
}

// Of adapts a Go runtime type. The adapter reports interfaces registered with
// RegisterInterface that the type implements.
func (r *TypeRegistry) Of(t reflect.Type) Type {
	if t == nil {
		return nil
	}
	return reflectType{t: t, known: r.known}
}

// RegisterInterface makes the interface type of T visible as an implemented
// interface of types registered after this call.
func (r *TypeRegistry) RegisterInterface(t reflect.Type) {
	if t == nil || t.Kind() != reflect.Interface {
		return
	}
	r.known.add(t)
}

// Record returns the record of a registered type id.
func (r *TypeRegistry) Record(id int32) (TypeRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id < 0 || int(id) >= len(r.records) {
		return TypeRecord{}, false
	}
	return r.records[id], true
}

// Records returns every registered type, ordered by id.
func (r *TypeRegistry) Records() []TypeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TypeRecord, len(r.records))
	copy(out, r.records)
	return out
}

// Len returns the number of registered types.
func (r *TypeRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Pending returns the queue of records not yet indexed.
func (r *TypeRegistry) Pending() *Queue[TypeRecord] {
	return r.pending
}

type builtinType struct {
	name string
}

func (b builtinType) Name() string       { return b.name }
func (b builtinType) Location() string   { return "" }
func (b builtinType) LoaderTag() string  { return "builtin" }
func (b builtinType) Super() Type        { return nil }
func (b builtinType) Component() Type    { return nil }
func (b builtinType) Interfaces() []Type { return nil }

type interfaceSet struct {
	mu    sync.RWMutex
	types []reflect.Type
}

func (s *interfaceSet) add(t reflect.Type) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.types {
		if existing == t {
			return
		}
	}
	s.types = append(s.types, t)
}

func (s *interfaceSet) implementedBy(t reflect.Type) []reflect.Type {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []reflect.Type
	for _, it := range s.types {
		if it != t && t.Implements(it) {
			out = append(out, it)
		}
	}
	return out
}

// reflectType adapts reflect.Type. The super type of a struct is its first
// embedded field; the component of a container or pointer is its element type.
type reflectType struct {
	t     reflect.Type
	known *interfaceSet
}

func (rt reflectType) Name() string {
	return rt.t.String()
}

func (rt reflectType) Location() string {
	if path := rt.t.PkgPath(); path != "" {
		return path
	}
	if rt.t.Kind() == reflect.Pointer {
		return rt.t.Elem().PkgPath()
	}
	return ""
}

func (rt reflectType) LoaderTag() string {
	return "go:" + rt.t.Kind().String()
}

func (rt reflectType) Super() Type {
	if rt.t.Kind() != reflect.Struct || rt.t.NumField() == 0 {
		return nil
	}
	f := rt.t.Field(0)
	if !f.Anonymous {
		return nil
	}
	return reflectType{t: f.Type, known: rt.known}
}

func (rt reflectType) Component() Type {
	switch rt.t.Kind() {
	case reflect.Array, reflect.Slice, reflect.Pointer, reflect.Chan, reflect.Map:
		return reflectType{t: rt.t.Elem(), known: rt.known}
	}
	return nil
}

func (rt reflectType) Interfaces() []Type {
	if rt.known == nil {
		return nil
	}
	var out []Type
	for _, it := range rt.known.implementedBy(rt.t) {
		out = append(out, reflectType{t: it, known: rt.known})
	}
	return out
}
