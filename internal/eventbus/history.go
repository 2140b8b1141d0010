// internal/eventbus/history.go
package eventbus

import (
	"sync"
	"time"
)

// Record is an audit entry for one emitted event.
type Record struct {
	Event          Event         `json:"event"`
	HandlersCalled int           `json:"handlers_called"`
	HandlerErrors  int           `json:"handler_errors"`
	Latency        time.Duration `json:"delivery_latency"`
}

// historyRing keeps the last N event records.
type historyRing struct {
	mu   sync.Mutex
	buf  []Record
	next int
	full bool
}

func newHistoryRing(size int) *historyRing {
	return &historyRing{buf: make([]Record, size)}
}

func (r *historyRing) add(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// recent returns up to limit records, newest first.
func (r *historyRing) recent(limit int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.buf)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]Record, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (r.next - 1 - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
