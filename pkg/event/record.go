package event

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// TagEvent marks a probe event record. It is the only tag written by the recorder.
const TagEvent byte = 7

const (
	// HeaderSize is the fixed part of every record, payload excluded.
	HeaderSize = 1 + 8 + 8 + 4 + 8 + 4

	// MaxPayloadSize bounds the payload length accepted by the decoder.
	MaxPayloadSize = 64 * 1024 * 1024
)

var (
	ErrUnknownTag      = errors.New("unknown record tag")
	ErrPayloadTooLarge = errors.New("record payload exceeds maximum size")
	ErrShortRecord     = errors.New("record is shorter than its header")
)

/* Record Layout (all integers big-endian):
┌──────────────────────────────────────────────┐
│ 0       u8   tag (7)                         │
│ 1..8    u64  sequence id                     │
│ 9..16   u64  timestamp nanos                 │
│ 17..20  i32  probe id                        │
│ 21..28  i64  value id                        │
│ 29..32  u32  payload length                  │
│ 33..    payload                              │
└──────────────────────────────────────────────┘
*/

// Record is a single decoded probe event.
type Record struct {
	SequenceID     uint64
	TimestampNanos uint64
	ProbeID        int32
	ValueID        int64
	Payload        []byte
}

// Size returns the encoded size of the record.
func (r Record) Size() int {
	return HeaderSize + len(r.Payload)
}

func (r Record) String() string {
	return fmt.Sprintf("seq=%d ts=%d probe=%d value=%d payload=%d", r.SequenceID, r.TimestampNanos, r.ProbeID, r.ValueID, len(r.Payload))
}

// PutHeader encodes a record header into buf, which must hold at least HeaderSize bytes.
// It never allocates; the recorder calls it on a thread owned buffer.
func PutHeader(buf []byte, seq, timestamp uint64, probeID int32, valueID int64, payloadLen uint32) {
	_ = buf[HeaderSize-1]
	buf[0] = TagEvent
	binary.BigEndian.PutUint64(buf[1:9], seq)
	binary.BigEndian.PutUint64(buf[9:17], timestamp)
	binary.BigEndian.PutUint32(buf[17:21], uint32(probeID))
	binary.BigEndian.PutUint64(buf[21:29], uint64(valueID))
	binary.BigEndian.PutUint32(buf[29:33], payloadLen)
}

// AppendTo appends the encoded record to dst.
func (r Record) AppendTo(dst []byte) []byte {
	var hdr [HeaderSize]byte
	PutHeader(hdr[:], r.SequenceID, r.TimestampNanos, r.ProbeID, r.ValueID, uint32(len(r.Payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, r.Payload...)
}

// Decode decodes one record from the start of buf and returns it with the number
// of bytes consumed. The returned payload aliases buf.
func Decode(buf []byte) (Record, int, error) {
	if len(buf) < HeaderSize {
		return Record{}, 0, ErrShortRecord
	}
	if buf[0] != TagEvent {
		return Record{}, 0, fmt.Errorf("%w: %d", ErrUnknownTag, buf[0])
	}
	length := binary.BigEndian.Uint32(buf[29:33])
	if length > MaxPayloadSize {
		return Record{}, 0, ErrPayloadTooLarge
	}
	end := HeaderSize + int(length)
	if len(buf) < end {
		return Record{}, 0, io.ErrUnexpectedEOF
	}
	rec := Record{
		SequenceID:     binary.BigEndian.Uint64(buf[1:9]),
		TimestampNanos: binary.BigEndian.Uint64(buf[9:17]),
		ProbeID:        int32(binary.BigEndian.Uint32(buf[17:21])),
		ValueID:        int64(binary.BigEndian.Uint64(buf[21:29])),
	}
	if length > 0 {
		rec.Payload = buf[HeaderSize:end]
	}
	return rec, end, nil
}

// Reader decodes records sequentially from a stream.
// Reader is not safe for concurrent use.
type Reader struct {
	r      *bufio.Reader
	header [HeaderSize]byte
	count  int64
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next record. It returns io.EOF at a clean end of stream and
// io.ErrUnexpectedEOF when the stream stops in the middle of a record.
func (r *Reader) Next() (Record, error) {
	n, err := io.ReadFull(r.r, r.header[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return Record{}, io.EOF
		}
		return Record{}, io.ErrUnexpectedEOF
	}
	if r.header[0] != TagEvent {
		return Record{}, fmt.Errorf("%w: %d at record %d", ErrUnknownTag, r.header[0], r.count)
	}
	length := binary.BigEndian.Uint32(r.header[29:33])
	if length > MaxPayloadSize {
		return Record{}, ErrPayloadTooLarge
	}

	rec := Record{
		SequenceID:     binary.BigEndian.Uint64(r.header[1:9]),
		TimestampNanos: binary.BigEndian.Uint64(r.header[9:17]),
		ProbeID:        int32(binary.BigEndian.Uint32(r.header[17:21])),
		ValueID:        int64(binary.BigEndian.Uint64(r.header[21:29])),
	}
	if length > 0 {
		rec.Payload = make([]byte, length)
		if _, err := io.ReadFull(r.r, rec.Payload); err != nil {
			return Record{}, io.ErrUnexpectedEOF
		}
	}
	r.count++
	return rec, nil
}

// Count returns the number of records returned so far.
func (r *Reader) Count() int64 {
	return r.count
}

// ReadAll decodes every record of r.
func ReadAll(r io.Reader) ([]Record, error) {
	var out []Record
	reader := NewReader(r)
	for {
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// ReadFile decodes every record stored in the segment file at path.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadAll(f)
}

// Summary describes the records of an encoded segment without retaining them.
type Summary struct {
	Count         uint64
	FirstSequence uint64
	LastSequence  uint64
}

// Summarize walks the records in buf. It stops with an error at the first
// record that cannot be decoded, returning what was seen up to that point.
func Summarize(buf []byte) (Summary, error) {
	var s Summary
	for off := 0; off < len(buf); {
		rec, n, err := Decode(buf[off:])
		if err != nil {
			return s, fmt.Errorf("decode record at offset %d: %w", off, err)
		}
		if s.Count == 0 {
			s.FirstSequence = rec.SequenceID
		}
		s.LastSequence = rec.SequenceID
		s.Count++
		off += n
	}
	return s, nil
}
