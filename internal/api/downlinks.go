package api

import (
	"sync"

	"github.com/lorawan-server/lorawan-node/internal/models"
)

// DownlinkLog keeps the most recent downlinks in a ring buffer.
type DownlinkLog struct {
	mu    sync.Mutex
	items []models.DownlinkMessage
	next  int
	total int
}

// NewDownlinkLog returns a log holding up to size messages.
func NewDownlinkLog(size int) *DownlinkLog {
	if size <= 0 {
		size = 100
	}
	return &DownlinkLog{items: make([]models.DownlinkMessage, 0, size)}
}

// Add records msg, evicting the oldest entry when full.
func (l *DownlinkLog) Add(msg models.DownlinkMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.total++
	if len(l.items) < cap(l.items) {
		l.items = append(l.items, msg)
		return
	}
	l.items[l.next] = msg
	l.next = (l.next + 1) % len(l.items)
}

// List returns up to limit messages, newest first. A limit of 0 returns
// everything held.
func (l *DownlinkLog) List(limit int) []models.DownlinkMessage {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.items)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.DownlinkMessage, 0, limit)
	// The newest entry sits just before next once the buffer wrapped.
	newest := n - 1
	if n == cap(l.items) {
		newest = (l.next - 1 + n) % n
	}
	for i := 0; i < limit; i++ {
		out = append(out, l.items[(newest-i+n)%n])
	}
	return out
}

// Total returns the number of messages ever added.
func (l *DownlinkLog) Total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}
