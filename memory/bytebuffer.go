package memory

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrShortBuffer is returned when a read runs past the end of a ByteBuffer
var ErrShortBuffer = errors.New("memory: read past end of buffer")

// ByteBuffer is a growable little-endian byte stream used for every persisted field.
// Reads record the first failure and return zero values afterwards; callers check Err
// once after a sequence of reads.
type ByteBuffer struct {
	data []byte
	pos  int
	err  error
}

// NewByteBuffer creates an empty buffer for writing
func NewByteBuffer() *ByteBuffer {
	return &ByteBuffer{}
}

// NewByteBufferFrom wraps existing bytes for reading
func NewByteBufferFrom(data []byte) *ByteBuffer {
	return &ByteBuffer{data: data}
}

// Bytes returns the written contents
func (b *ByteBuffer) Bytes() []byte {
	return b.data
}

// Len returns the total number of bytes held
func (b *ByteBuffer) Len() int {
	return len(b.data)
}

// Remaining returns the number of unread bytes
func (b *ByteBuffer) Remaining() int {
	return len(b.data) - b.pos
}

// Err returns the first read error, if any
func (b *ByteBuffer) Err() error {
	return b.err
}

// PutU32 appends a little-endian uint32
func (b *ByteBuffer) PutU32(v uint32) {
	b.data = protowire.AppendFixed32(b.data, v)
}

// PutU64 appends a little-endian uint64
func (b *ByteBuffer) PutU64(v uint64) {
	b.data = protowire.AppendFixed64(b.data, v)
}

// PutDouble appends an IEEE-754 float64
func (b *ByteBuffer) PutDouble(v float64) {
	b.data = protowire.AppendFixed64(b.data, math.Float64bits(v))
}

// PutBool appends a single byte, 1 for true
func (b *ByteBuffer) PutBool(v bool) {
	if v {
		b.data = append(b.data, 1)
	} else {
		b.data = append(b.data, 0)
	}
}

// PutBytes appends raw bytes without a length prefix
func (b *ByteBuffer) PutBytes(p []byte) {
	b.data = append(b.data, p...)
}

// PutString appends a u32 length followed by the string bytes
func (b *ByteBuffer) PutString(s string) {
	b.PutU32(uint32(len(s)))
	b.data = append(b.data, s...)
}

// PutDoubles appends a u32 count followed by each value
func (b *ByteBuffer) PutDoubles(vs []float64) {
	b.PutU32(uint32(len(vs)))
	for _, v := range vs {
		b.PutDouble(v)
	}
}

// U32 reads a little-endian uint32
func (b *ByteBuffer) U32() uint32 {
	if b.err != nil {
		return 0
	}
	v, n := protowire.ConsumeFixed32(b.data[b.pos:])
	if n < 0 {
		b.fail(4, protowire.ParseError(n))
		return 0
	}
	b.pos += n
	return v
}

// PeekU32 reads a uint32 without advancing
func (b *ByteBuffer) PeekU32() uint32 {
	if b.err != nil {
		return 0
	}
	v, n := protowire.ConsumeFixed32(b.data[b.pos:])
	if n < 0 {
		b.fail(4, protowire.ParseError(n))
		return 0
	}
	return v
}

// U64 reads a little-endian uint64
func (b *ByteBuffer) U64() uint64 {
	if b.err != nil {
		return 0
	}
	v, n := protowire.ConsumeFixed64(b.data[b.pos:])
	if n < 0 {
		b.fail(8, protowire.ParseError(n))
		return 0
	}
	b.pos += n
	return v
}

// Double reads an IEEE-754 float64
func (b *ByteBuffer) Double() float64 {
	return math.Float64frombits(b.U64())
}

// Bool reads a single byte flag
func (b *ByteBuffer) Bool() bool {
	p := b.Next(1)
	return len(p) == 1 && p[0] != 0
}

// Next consumes n raw bytes. The returned slice aliases the buffer.
func (b *ByteBuffer) Next(n int) []byte {
	if b.err != nil {
		return nil
	}
	if n < 0 || b.Remaining() < n {
		b.fail(n, nil)
		return nil
	}
	p := b.data[b.pos : b.pos+n]
	b.pos += n
	return p
}

// Text reads a u32 length-prefixed string
func (b *ByteBuffer) Text() string {
	n := b.U32()
	return string(b.Next(int(n)))
}

// Doubles reads a u32 count followed by that many float64 values
func (b *ByteBuffer) Doubles() []float64 {
	n := int(b.U32())
	if b.err != nil {
		return nil
	}
	if n*8 > b.Remaining() {
		b.fail(n*8, nil)
		return nil
	}
	vs := make([]float64, n)
	for i := range vs {
		vs[i] = b.Double()
	}
	return vs
}

func (b *ByteBuffer) fail(want int, cause error) {
	if cause != nil {
		b.err = fmt.Errorf("%w: need %d bytes at offset %d: %v", ErrShortBuffer, want, b.pos, cause)
		return
	}
	b.err = fmt.Errorf("%w: need %d bytes at offset %d", ErrShortBuffer, want, b.pos)
}
