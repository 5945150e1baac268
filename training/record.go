package training

import (
	"fmt"
	"time"

	"github.com/tsawler/go-neuralfill/memory"
)

// Record describes one finished training run over one image. Records are immutable
// once the run returns.
type Record struct {
	FileIndex   uint32 // Index into the model string table
	Width       int
	Height      int
	Flipped     bool
	Iterations  int // Passes attempted, accepted or not
	Retries     int // Passes rejected
	ErrorBefore float64
	ErrorAfter  float64
	RateStart   float64
	RateEnd     float64
	Started     time.Time
	Finished    time.Time
}

// Improved reports whether the run left a better model than it started with
func (r Record) Improved() bool {
	return r.ErrorAfter < r.ErrorBefore
}

// Duration returns the wall time of the run
func (r Record) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

func (r Record) String() string {
	return fmt.Sprintf("%dx%d flipped=%t iterations=%d retries=%d err %.6f -> %.6f rate %.5g -> %.5g (%s)",
		r.Width, r.Height, r.Flipped, r.Iterations, r.Retries,
		r.ErrorBefore, r.ErrorAfter, r.RateStart, r.RateEnd, r.Duration().Round(time.Millisecond))
}

func (r Record) marshal(b *memory.ByteBuffer) {
	b.PutU32(r.FileIndex)
	b.PutU32(uint32(r.Width))
	b.PutU32(uint32(r.Height))
	b.PutBool(r.Flipped)
	b.PutU32(uint32(r.Iterations))
	b.PutU32(uint32(r.Retries))
	b.PutDouble(r.ErrorBefore)
	b.PutDouble(r.ErrorAfter)
	b.PutDouble(r.RateStart)
	b.PutDouble(r.RateEnd)
	b.PutU64(uint64(r.Started.UnixNano()))
	b.PutU64(uint64(r.Finished.UnixNano()))
}

func unmarshalRecord(b *memory.ByteBuffer) Record {
	return Record{
		FileIndex:   b.U32(),
		Width:       int(b.U32()),
		Height:      int(b.U32()),
		Flipped:     b.Bool(),
		Iterations:  int(b.U32()),
		Retries:     int(b.U32()),
		ErrorBefore: b.Double(),
		ErrorAfter:  b.Double(),
		RateStart:   b.Double(),
		RateEnd:     b.Double(),
		Started:     time.Unix(0, int64(b.U64())),
		Finished:    time.Unix(0, int64(b.U64())),
	}
}

// History keeps every record in the order runs finished
type History struct {
	records []Record
}

// NewHistory creates an empty history
func NewHistory() *History {
	return &History{}
}

// Add appends a finished record
func (h *History) Add(r Record) {
	h.records = append(h.records, r)
}

// Len returns the number of records
func (h *History) Len() int {
	return len(h.records)
}

// Records returns all records in order
func (h *History) Records() []Record {
	return h.records
}

// For returns the records of one file in order
func (h *History) For(fileIndex uint32) []Record {
	var out []Record
	for _, r := range h.records {
		if r.FileIndex == fileIndex {
			out = append(out, r)
		}
	}
	return out
}

// Files returns the distinct file indices in first-trained order
func (h *History) Files() []uint32 {
	seen := make(map[uint32]bool)
	var out []uint32
	for _, r := range h.records {
		if !seen[r.FileIndex] {
			seen[r.FileIndex] = true
			out = append(out, r.FileIndex)
		}
	}
	return out
}

// With returns a copy of h with r appended, leaving h untouched
func (h *History) With(r Record) *History {
	records := make([]Record, len(h.records), len(h.records)+1)
	copy(records, h.records)
	return &History{records: append(records, r)}
}

// Marshal writes the record count followed by every record
func (h *History) Marshal(b *memory.ByteBuffer) {
	b.PutU32(uint32(len(h.records)))
	for _, r := range h.records {
		r.marshal(b)
	}
}

// recordSize is the encoded size of one record
const recordSize = 4*5 + 1 + 8*4 + 8*2

// UnmarshalHistory reads a history written by Marshal
func UnmarshalHistory(b *memory.ByteBuffer) (*History, error) {
	n := int(b.U32())
	if err := b.Err(); err != nil {
		return nil, err
	}
	if n*recordSize > b.Remaining() {
		return nil, fmt.Errorf("history: %d records do not fit in %d bytes", n, b.Remaining())
	}
	h := &History{records: make([]Record, n)}
	for i := range h.records {
		h.records[i] = unmarshalRecord(b)
	}
	if err := b.Err(); err != nil {
		return nil, err
	}
	return h, nil
}
