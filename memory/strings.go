package memory

import "sync"

// StringTable is an append-only table of strings addressed by index.
// Filenames referenced by training history and validation sources live here.
type StringTable struct {
	mu      sync.RWMutex
	strings []string
	index   map[string]uint32
}

// NewStringTable creates an empty table
func NewStringTable() *StringTable {
	return &StringTable{index: make(map[string]uint32)}
}

// Index returns the id of s, appending it if it is not present yet
func (st *StringTable) Index(s string) uint32 {
	st.mu.RLock()
	id, ok := st.index[s]
	st.mu.RUnlock()
	if ok {
		return id
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if id, ok := st.index[s]; ok {
		return id
	}
	id = uint32(len(st.strings))
	st.strings = append(st.strings, s)
	st.index[s] = id
	return id
}

// Lookup returns the id of s without inserting it
func (st *StringTable) Lookup(s string) (uint32, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	id, ok := st.index[s]
	return id, ok
}

// String returns the string stored at id, or "" when id is out of range
func (st *StringTable) String(id uint32) string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if int(id) >= len(st.strings) {
		return ""
	}
	return st.strings[id]
}

// Len returns the number of strings held
func (st *StringTable) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.strings)
}

// Marshal appends the table as a u32 count followed by length-prefixed strings
func (st *StringTable) Marshal(b *ByteBuffer) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	b.PutU32(uint32(len(st.strings)))
	for _, s := range st.strings {
		b.PutString(s)
	}
}

// UnmarshalStringTable reads a table written by Marshal
func UnmarshalStringTable(b *ByteBuffer) (*StringTable, error) {
	n := b.U32()
	if err := b.Err(); err != nil {
		return nil, err
	}
	st := NewStringTable()
	for i := uint32(0); i < n; i++ {
		s := b.Text()
		if err := b.Err(); err != nil {
			return nil, err
		}
		// duplicates keep their original index so history references stay valid
		st.strings = append(st.strings, s)
		if _, ok := st.index[s]; !ok {
			st.index[s] = i
		}
	}
	return st, nil
}
