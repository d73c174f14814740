package identity

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type base struct{ id int }

type derived struct {
	base
	label string
}

type selfRef *selfRef

type fakeType struct {
	name   string
	loader string
	super  *fakeType
}

func (f *fakeType) Name() string      { return f.name }
func (f *fakeType) Location() string  { return "mem://" + f.name }
func (f *fakeType) LoaderTag() string { return f.loader }
func (f *fakeType) Super() Type {
	if f.super == nil {
		return nil
	}
	return f.super
}
func (f *fakeType) Component() Type    { return nil }
func (f *fakeType) Interfaces() []Type { return nil }

func TestTypeRegistry_BasicTypesPreRegistered(t *testing.T) {
	r := NewTypeRegistry(0)
	assert.Equal(t, int(TypeIDAny)+1, r.Len())

	rec, ok := r.Record(TypeIDVoid)
	require.True(t, ok)
	assert.Equal(t, "void", rec.Name)

	assert.Equal(t, TypeIDString, r.TypeID(r.Of(reflect.TypeOf((*string)(nil)).Elem())))
	assert.Equal(t, TypeIDInt64, r.TypeID(r.Of(reflect.TypeOf((*int64)(nil)).Elem())))
	assert.Equal(t, TypeIDFloat64, r.TypeID(r.Of(reflect.TypeOf((*float64)(nil)).Elem())))
	assert.Len(t, r.Pending().Drain(), int(TypeIDAny)+1)
}

func TestTypeRegistry_NilIsNull(t *testing.T) {
	r := NewTypeRegistry(0)
	assert.Equal(t, NullTypeID, r.TypeID(nil))
	assert.Nil(t, r.Of(nil))
}

func TestTypeRegistry_PostOrder(t *testing.T) {
	r := NewTypeRegistry(0)
	r.Pending().Drain()

	id := r.TypeID(r.Of(reflect.TypeOf((*[]*derived)(nil)).Elem()))
	pending := r.Pending().Drain()
	require.Len(t, pending, 4)

	names := make([]string, len(pending))
	for i, rec := range pending {
		names[i] = rec.Name
	}
	assert.Equal(t, []string{"identity.base", "identity.derived", "*identity.derived", "[]*identity.derived"}, names)

	slice, _ := r.Record(id)
	ptr, _ := r.Record(slice.ComponentTypeID)
	der, _ := r.Record(ptr.ComponentTypeID)
	sup, _ := r.Record(der.SuperTypeID)
	assert.Equal(t, "*identity.derived", ptr.Name)
	assert.Equal(t, "identity.derived", der.Name)
	assert.Equal(t, "identity.base", sup.Name)
	assert.Equal(t, NullTypeID, sup.SuperTypeID)
	assert.Equal(t, NullTypeID, der.ComponentTypeID)
	assert.Less(t, sup.TypeID, der.TypeID)
	assert.Less(t, der.TypeID, ptr.TypeID)
	assert.Equal(t, "github.com/unloggedio/unlogged-sdk-sub000/pkg/identity", der.Location)
}

func TestTypeRegistry_OneIDPerType(t *testing.T) {
	r := NewTypeRegistry(0)
	a := r.TypeID(r.Of(reflect.TypeOf((*derived)(nil)).Elem()))
	b := r.TypeID(r.Of(reflect.TypeOf(derived{label: "x"})))
	assert.Equal(t, a, b)
}

func TestTypeRegistry_SameNameDifferentIdentity(t *testing.T) {
	r := NewTypeRegistry(0)
	one := &fakeType{name: "pkg.Thing", loader: "loader-1"}
	two := &fakeType{name: "pkg.Thing", loader: "loader-2"}

	id1 := r.TypeID(one)
	id2 := r.TypeID(two)
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, id1, r.TypeID(one))

	rec, _ := r.Record(id2)
	assert.Equal(t, "loader-2", rec.LoaderTag)
}

func TestTypeRegistry_SuperResolvedFirst(t *testing.T) {
	r := NewTypeRegistry(0)
	parent := &fakeType{name: "Parent"}
	child := &fakeType{name: "Child", super: parent}

	childID := r.TypeID(child)
	parentID := r.TypeID(parent)
	assert.Less(t, parentID, childID)

	rec, _ := r.Record(childID)
	assert.Equal(t, parentID, rec.SuperTypeID)
}

func TestTypeRegistry_SelfReferentialType(t *testing.T) {
	r := NewTypeRegistry(0)
	id := r.TypeID(r.Of(reflect.TypeOf((*selfRef)(nil)).Elem()))
	rec, ok := r.Record(id)
	require.True(t, ok)
	assert.Equal(t, NullTypeID, rec.ComponentTypeID)
}

func TestTypeRegistry_Records(t *testing.T) {
	r := NewTypeRegistry(0)
	r.TypeID(&fakeType{name: "X"})
	records := r.Records()
	for i, rec := range records {
		assert.Equal(t, int32(i), rec.TypeID)
	}
	_, ok := r.Record(int32(len(records)))
	assert.False(t, ok)
	_, ok = r.Record(NullTypeID)
	assert.False(t, ok)
}
