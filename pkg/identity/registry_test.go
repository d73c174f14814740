package identity

import (
	"fmt"
	"io"
	"reflect"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handle uint64

func (h handle) ObjectIdentity() uint64 { return uint64(h) }

type widget struct {
	name string
}

func TestGetID_Nil(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, int64(0), r.GetID(nil))

	var p *widget
	assert.Equal(t, int64(0), r.GetID(p))
	assert.Empty(t, r.DrainObjects())
}

func TestGetID_SameObjectSameID(t *testing.T) {
	r := NewRegistry()
	w := &widget{name: "a"}

	id1 := r.GetID(w)
	id2 := r.GetID(w)
	assert.Equal(t, id1, id2)
	assert.NotZero(t, id1)
	assert.Positive(t, id1)

	other := &widget{name: "a"}
	assert.NotEqual(t, id1, r.GetID(other))

	facts := r.DrainObjects()
	require.Len(t, facts, 2)
	assert.Equal(t, id1, facts[0].ObjectID)
	rec, ok := r.Types().Record(facts[0].TypeID)
	require.True(t, ok)
	assert.Equal(t, "*identity.widget", rec.Name)
}

func TestGetID_Identifiable(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, r.GetID(handle(42)), r.GetID(handle(42)))
	assert.NotEqual(t, r.GetID(handle(42)), r.GetID(handle(43)))
	assert.Equal(t, ID(42), r.GetID(handle(42)))
	assert.Len(t, r.DrainObjects(), 2)
}

func TestGetID_StringsEmitStringFacts(t *testing.T) {
	r := NewRegistry(WithMaxStringLength(8))

	id := r.GetID("hello")
	assert.Equal(t, id, r.GetID("hel"+"lo"))
	r.GetID("this string is too long")

	strs := r.DrainStrings()
	require.Len(t, strs, 1)
	assert.Equal(t, StringFact{ObjectID: id, Value: "hello"}, strs[0])

	facts := r.DrainObjects()
	require.Len(t, facts, 2)
	assert.Equal(t, TypeIDString, facts[0].TypeID)
}

func TestGetID_ValuesWithoutIdentity(t *testing.T) {
	r := NewRegistry()
	a := r.GetID(widget{name: "x"})
	b := r.GetID(widget{name: "x"})
	assert.NotEqual(t, a, b)
	assert.Len(t, r.DrainObjects(), 2)
}

func TestGetID_ExactlyOneFactUnderConcurrency(t *testing.T) {
	r := NewRegistry()
	objects := make([]*widget, 64)
	for i := range objects {
		objects[i] = &widget{name: fmt.Sprint(i)}
	}

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for round := 0; round < 100; round++ {
				for _, o := range objects {
					r.GetID(o)
				}
			}
		}()
	}
	wg.Wait()

	facts := r.DrainObjects()
	assert.Len(t, facts, len(objects))
	seen := make(map[int64]bool)
	for _, f := range facts {
		assert.False(t, seen[f.ObjectID], "duplicate fact for %d", f.ObjectID)
		seen[f.ObjectID] = true
	}
	assert.Equal(t, uint64(0), r.Bloom().Epoch())
}

func TestGetID_EpochResetReemitsFacts(t *testing.T) {
	r := NewRegistry(WithBloom(64, 0.01, 0.05))
	first := &widget{}
	r.GetID(first)

	for i := 0; i < 2000; i++ {
		r.GetID(handle(i + 1000))
	}
	require.Greater(t, r.Bloom().Epoch(), uint64(0))

	r.DrainObjects()
	// first is long forgotten by the current epoch, so it is reported again.
	if !r.Bloom().Contains(hashFor(first)) {
		r.GetID(first)
		facts := r.DrainObjects()
		require.Len(t, facts, 1)
		assert.Equal(t, r.GetID(first), facts[0].ObjectID)
	}
}

func hashFor(w *widget) (uint64, uint64) {
	_, h1, h2 := hashKey(uint64(reflect.ValueOf(w).Pointer()))
	return h1, h2
}

func TestGetID_DroppedFactsAreCounted(t *testing.T) {
	r := NewRegistry(WithQueueLimit(1))
	r.GetID(handle(1))
	r.GetID(handle(2))
	assert.Positive(t, r.DroppedFacts())
}

func TestGetID_SliceIdentity(t *testing.T) {
	r := NewRegistry()
	backing := make([]int, 4, 8)
	assert.Equal(t, r.GetID(backing), r.GetID(backing[:2]))
	assert.NotEqual(t, r.GetID(backing), r.GetID(backing[1:]))

	a, b := []int{}, make([]string, 0)
	assert.NotEqual(t, r.GetID(a), r.GetID(b))
	assert.NotEqual(t, r.GetID(a), r.GetID(a))
}

func TestGetID_DroppedFactIsQueuedAgain(t *testing.T) {
	r := NewRegistry(WithQueueLimit(1))
	a, b := r.GetID(handle(1)), r.GetID(handle(2))

	facts := r.DrainObjects()
	require.Len(t, facts, 1)
	assert.Equal(t, a, facts[0].ObjectID)

	assert.Equal(t, b, r.GetID(handle(2)))
	facts = r.DrainObjects()
	require.Len(t, facts, 1)
	assert.Equal(t, b, facts[0].ObjectID)

	assert.Equal(t, b, r.GetID(handle(2)))
	assert.Empty(t, r.DrainObjects())
}

func TestTypeOf_RegistersInterfaces(t *testing.T) {
	r := NewRegistry()
	r.Types().RegisterInterface(reflect.TypeOf((*io.Reader)(nil)).Elem())
	r.Types().RegisterInterface(reflect.TypeOf((*io.Reader)(nil)).Elem())

	id := r.TypeOf(&fakeReader{})
	rec, ok := r.Types().Record(id)
	require.True(t, ok)
	require.Len(t, rec.InterfaceTypeIDs, 1)

	iface, ok := r.Types().Record(rec.InterfaceTypeIDs[0])
	require.True(t, ok)
	assert.Equal(t, "io.Reader", iface.Name)
	assert.Less(t, iface.TypeID, rec.TypeID)
}

type fakeReader struct{}

func (*fakeReader) Read(p []byte) (int, error) { return 0, io.EOF }
