package chat

import "sync"

// Log is an ordered, append-only record list. With a positive limit the
// oldest records are evicted once the limit is reached.
type Log struct {
	mu       sync.RWMutex
	records  []DisplayRecord
	limit    int
	onAppend func(DisplayRecord)
}

// NewLog creates a log holding at most limit records; limit <= 0 means
// unbounded.
func NewLog(limit int) *Log {
	if limit < 0 {
		limit = 0
	}
	return &Log{limit: limit}
}

// OnAppend registers a callback run after every append, outside the lock.
func (l *Log) OnAppend(fn func(DisplayRecord)) {
	l.mu.Lock()
	l.onAppend = fn
	l.mu.Unlock()
}

// Append adds rec at the end. Identical records are kept; the wire format
// has no message identity to de-duplicate on.
func (l *Log) Append(rec DisplayRecord) {
	l.mu.Lock()
	if l.limit > 0 && len(l.records) >= l.limit {
		// shift in place so the backing array does not grow
		copy(l.records, l.records[1:])
		l.records[len(l.records)-1] = rec
	} else {
		l.records = append(l.records, rec)
	}
	cb := l.onAppend
	l.mu.Unlock()

	if cb != nil {
		cb(rec)
	}
}

// Records returns a copy of the log in append order.
func (l *Log) Records() []DisplayRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]DisplayRecord, len(l.records))
	copy(out, l.records)
	return out
}

// Len returns the number of records held.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Clear drops every record.
func (l *Log) Clear() {
	l.mu.Lock()
	l.records = nil
	l.mu.Unlock()
}
