package interact

import (
	"sync"

	"github.com/xkilldash9x/wayfinder/api/schemas"
)

// Log is a bounded, concurrency-safe ring of interaction records. Once full,
// the oldest record is overwritten.
type Log struct {
	mu   sync.Mutex
	buf  []schemas.InteractionRecord
	next int
	full bool
}

// NewLog creates a log holding at most size records.
func NewLog(size int) *Log {
	return &Log{buf: make([]schemas.InteractionRecord, max(size, 1))}
}

// Append adds a record.
func (l *Log) Append(r schemas.InteractionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.next] = r
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
}

// Records returns a copy of the log, oldest first.
func (l *Log) Records() []schemas.InteractionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		return append([]schemas.InteractionRecord(nil), l.buf[:l.next]...)
	}
	out := make([]schemas.InteractionRecord, 0, len(l.buf))
	out = append(out, l.buf[l.next:]...)
	return append(out, l.buf[:l.next]...)
}

// Len is the number of records held.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.buf)
	}
	return l.next
}
