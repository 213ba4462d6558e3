package queue

import "github.com/szibis/telemetry-governor/internal/model"

// Ring is a fixed-capacity FIFO of queue items. It never allocates after
// construction.
type Ring struct {
	buf  []model.QueueItem
	head int
	n    int
}

// NewRing allocates a ring holding up to capacity items.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]model.QueueItem, capacity)}
}

// Len returns the number of items held.
func (r *Ring) Len() int { return r.n }

// Cap returns the fixed capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// PushBack appends item. It returns false when the ring is full.
func (r *Ring) PushBack(item model.QueueItem) bool {
	if r.n == len(r.buf) {
		return false
	}
	r.buf[(r.head+r.n)%len(r.buf)] = item
	r.n++
	return true
}

// PopFront removes the oldest item.
func (r *Ring) PopFront() (model.QueueItem, bool) {
	if r.n == 0 {
		return model.QueueItem{}, false
	}
	item := r.buf[r.head]
	r.buf[r.head] = model.QueueItem{}
	r.head = (r.head + 1) % len(r.buf)
	r.n--
	return item, true
}
