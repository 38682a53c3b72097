// Package logbuffer holds ordered, id-deduplicated transcript buffers.
package logbuffer

// Entry is one transcript line. ID is assigned by the backend and is the
// deduplication key; it is opaque and never parsed for ordering.
type Entry struct {
	ID        string `json:"id"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Buffer is an append-in-arrival-order sequence of entries with id dedup.
// The zero value is ready to use. A Buffer is not safe for concurrent
// mutation; its owner serializes Insert calls.
type Buffer struct {
	entries []Entry
	ids     map[string]struct{}
}

// Insert appends entry unless an entry with the same ID is already present.
// It reports whether the buffer changed.
func (b *Buffer) Insert(entry Entry) bool {
	if b.ids == nil {
		b.ids = make(map[string]struct{})
	}
	if _, exists := b.ids[entry.ID]; exists {
		return false
	}
	b.ids[entry.ID] = struct{}{}
	b.entries = append(b.entries, entry)
	return true
}

// Contains reports whether an entry with the given id was inserted.
func (b *Buffer) Contains(id string) bool {
	_, ok := b.ids[id]
	return ok
}

func (b *Buffer) Len() int {
	return len(b.entries)
}

// Entries returns a copy of the buffer contents in insertion order.
func (b *Buffer) Entries() []Entry {
	result := make([]Entry, len(b.entries))
	copy(result, b.entries)
	return result
}

// Messages returns the message text of every entry in insertion order.
func (b *Buffer) Messages() []string {
	result := make([]string, 0, len(b.entries))
	for _, e := range b.entries {
		result = append(result, e.Message)
	}
	return result
}

// Reset drops every entry.
func (b *Buffer) Reset() {
	b.entries = nil
	b.ids = nil
}
