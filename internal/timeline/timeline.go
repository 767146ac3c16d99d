// Package timeline provides persistent append-only logs for build activity.
//
// A Log is an immutable value: Append returns a new Log and the receiver keeps
// observing exactly the entries it held before. Logs share one backing array
// where possible, so appending to the newest value is O(1) amortized even when
// a limit forces the oldest entry out.
package timeline

import (
	"encoding/json"
	"sync"
)

type backing[T any] struct {
	mu    sync.Mutex
	items []T
}

// Log is an ordered, append-only sequence of T. The zero value is an empty log.
type Log[T any] struct {
	b     *backing[T]
	start int
	end   int
	total int
}

// Len returns the number of entries visible in the log.
func (l Log[T]) Len() int { return l.end - l.start }

// Total returns the number of entries ever appended along this log's history,
// including entries that have since been evicted.
func (l Log[T]) Total() int { return l.total }

// Items returns a copy of the visible entries, oldest first.
func (l Log[T]) Items() []T {
	if l.b == nil || l.Len() == 0 {
		return []T{}
	}
	l.b.mu.Lock()
	defer l.b.mu.Unlock()
	out := make([]T, l.Len())
	copy(out, l.b.items[l.start:l.end])
	return out
}

// Last returns a copy of the newest n entries, oldest first.
func (l Log[T]) Last(n int) []T {
	items := l.Items()
	if n >= 0 && n < len(items) {
		return items[len(items)-n:]
	}
	return items
}

// At returns the i-th visible entry (0 = oldest).
func (l Log[T]) At(i int) (T, bool) {
	var zero T
	if i < 0 || i >= l.Len() {
		return zero, false
	}
	l.b.mu.Lock()
	defer l.b.mu.Unlock()
	return l.b.items[l.start+i], true
}

// Append returns a new log with v added at the end.
func (l Log[T]) Append(v T) Log[T] {
	return l.AppendBounded(v, 0)
}

// AppendBounded returns a new log with v added at the end, evicting the oldest
// entries so that at most limit remain. A limit <= 0 means unbounded.
func (l Log[T]) AppendBounded(v T, limit int) Log[T] {
	start := l.start
	if limit > 0 && l.end-start >= limit {
		start = l.end - limit + 1
	}

	if l.b != nil {
		l.b.mu.Lock()
		// Only the view that ends at the backing's claimed length may extend it
		// in place; any other view would overwrite entries a newer view owns.
		if len(l.b.items) == l.end && l.end < cap(l.b.items) {
			l.b.items = append(l.b.items, v)
			l.b.mu.Unlock()
			return Log[T]{b: l.b, start: start, end: l.end + 1, total: l.total + 1}
		}
		l.b.mu.Unlock()
	}

	keep := l.end - start
	size := 2 * (keep + 1)
	if limit > 0 {
		size = 2 * limit
	}
	if size < 8 {
		size = 8
	}
	items := make([]T, 0, size)
	if l.b != nil && keep > 0 {
		l.b.mu.Lock()
		items = append(items, l.b.items[start:l.end]...)
		l.b.mu.Unlock()
	}
	items = append(items, v)
	return Log[T]{b: &backing[T]{items: items}, start: 0, end: len(items), total: l.total + 1}
}

// Truncate returns a log holding only the newest n entries.
func (l Log[T]) Truncate(n int) Log[T] {
	if n < 0 || l.Len() <= n {
		return l
	}
	l.start = l.end - n
	return l
}

// FromSlice builds a log from items, keeping the order.
func FromSlice[T any](items []T) Log[T] {
	if len(items) == 0 {
		return Log[T]{}
	}
	buf := make([]T, len(items), 2*len(items))
	copy(buf, items)
	return Log[T]{b: &backing[T]{items: buf}, end: len(buf), total: len(buf)}
}

// MarshalJSON encodes the visible entries as a JSON array.
func (l Log[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Items())
}

// UnmarshalJSON decodes a JSON array into the log, replacing its contents.
func (l *Log[T]) UnmarshalJSON(data []byte) error {
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*l = FromSlice(items)
	return nil
}
