package recorder

import (
	"fmt"
	"math"
	"time"

	"github.com/unloggedio/unlogged-sdk-sub000/pkg/event"
	"github.com/unloggedio/unlogged-sdk-sub000/pkg/segment"
)

// Thread is the per-producer recording context. It owns its header buffer and
// segment writer; methods must not be called concurrently.
type Thread struct {
	id     int
	rec    *Recorder
	writer *segment.Writer
	depth  int
	closed bool
	buf    [event.HeaderSize]byte
}

func (t *Thread) ID() int {
	return t.id
}

// Depth returns the current recording depth.
func (t *Thread) Depth() int {
	return t.depth
}

// ModifyDepth adjusts the recording depth. Nothing is recorded while it is zero
// or below.
func (t *Thread) ModifyDepth(delta int) {
	t.depth += delta
}

// RecordScalar records a numeric value.
func (t *Thread) RecordScalar(probeID int32, value int64) {
	t.record(probeID, value, nil)
}

func (t *Thread) RecordBool(probeID int32, value bool) {
	var v int64
	if value {
		v = 1
	}
	t.record(probeID, v, nil)
}

// RecordFloat64 records the IEEE 754 bits of value.
func (t *Thread) RecordFloat64(probeID int32, value float64) {
	t.record(probeID, int64(math.Float64bits(value)), nil)
}

func (t *Thread) RecordFloat32(probeID int32, value float32) {
	t.record(probeID, int64(math.Float32bits(value)), nil)
}

// RecordTime records value as unix milliseconds.
func (t *Thread) RecordTime(probeID int32, value time.Time) {
	t.record(probeID, value.UnixMilli(), nil)
}

// RecordObject records the identity id of obj, queueing the identity fact
// first when obj has not been seen in the current epoch.
func (t *Thread) RecordObject(probeID int32, obj any) {
	t.RecordObjectWithPayload(probeID, obj, nil)
}

// RecordObjectWithPayload records the identity id of obj followed by payload.
func (t *Thread) RecordObjectWithPayload(probeID int32, obj any, payload []byte) {
	if !t.active() {
		return
	}
	defer t.rec.recoverPanic(t.id)
	t.write(probeID, t.rec.registry.GetID(obj), payload)
}

// Record dispatches on the dynamic type of v: numbers, booleans and times are
// scalars, everything else is recorded as an object.
func (t *Thread) Record(probeID int32, v any) {
	switch x := v.(type) {
	case int:
		t.RecordScalar(probeID, int64(x))
	case int8:
		t.RecordScalar(probeID, int64(x))
	case int16:
		t.RecordScalar(probeID, int64(x))
	case int32:
		t.RecordScalar(probeID, int64(x))
	case int64:
		t.RecordScalar(probeID, x)
	case uint:
		t.RecordScalar(probeID, int64(x))
	case uint8:
		t.RecordScalar(probeID, int64(x))
	case uint16:
		t.RecordScalar(probeID, int64(x))
	case uint32:
		t.RecordScalar(probeID, int64(x))
	case uint64:
		t.RecordScalar(probeID, int64(x))
	case uintptr:
		t.RecordScalar(probeID, int64(x))
	case bool:
		t.RecordBool(probeID, x)
	case float32:
		t.RecordFloat32(probeID, x)
	case float64:
		t.RecordFloat64(probeID, x)
	case time.Duration:
		t.RecordScalar(probeID, int64(x))
	case time.Time:
		t.RecordTime(probeID, x)
	default:
		t.RecordObject(probeID, v)
	}
}

// Close rotates the thread's active segment and forgets the thread.
func (t *Thread) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	if t.writer == nil {
		return nil
	}
	t.rec.threads.remove(t.id)
	if err := t.rec.rotator.Release(t.id); err != nil {
		return fmt.Errorf("release thread %d: %w", t.id, err)
	}
	return nil
}

func (t *Thread) active() bool {
	return t.depth > 0 && !t.closed && t.rec.accepting()
}

func (t *Thread) record(probeID int32, value int64, payload []byte) {
	if !t.active() {
		return
	}
	defer t.rec.recoverPanic(t.id)
	t.write(probeID, value, payload)
}

func (t *Thread) write(probeID int32, value int64, payload []byte) {
	if len(payload) > event.MaxPayloadSize {
		t.rec.drop(t.id, event.ErrPayloadTooLarge)
		return
	}
	seq := t.rec.sequence.Add(1) - 1
	event.PutHeader(t.buf[:], seq, uint64(t.rec.now()), probeID, value, uint32(len(payload)))
	if err := t.writer.AppendParts(t.buf[:], payload); err != nil {
		t.rec.drop(t.id, err)
		return
	}
	t.rec.recorded.Add(1)
}
