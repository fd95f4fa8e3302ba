package changelist

// DefaultMaxHistory bounds the number of change lists a history retains.
const DefaultMaxHistory = 64

// History is a capped ring of change lists indexed by a monotonically
// increasing position. Start <= End and End-Start <= capacity always hold.
// When full, the two oldest entries are folded into one so a lagging observer
// still sees every change, at the cost of receiving some of them twice.
type History struct {
	entries []ChangeSet
	start   uint64
	end     uint64
	cursors map[*Cursor]struct{}
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultMaxHistory
	}
	return &History{
		entries: make([]ChangeSet, capacity),
		cursors: make(map[*Cursor]struct{}),
	}
}

// Start is the position of the oldest retained entry.
func (h *History) Start() uint64 {
	return h.start
}

// End is the position the next entry will be written at.
func (h *History) End() uint64 {
	return h.end
}

// Len is End - Start.
func (h *History) Len() int {
	return int(h.end - h.start)
}

func (h *History) Cap() int {
	return len(h.entries)
}

func (h *History) slot(pos uint64) int {
	return int(pos % uint64(len(h.entries)))
}

// Record appends one change list and returns its position. An empty list
// records nothing.
func (h *History) Record(changes ...Change) uint64 {
	if len(changes) == 0 {
		return h.end
	}

	if h.Len() == len(h.entries) {
		if len(h.entries) == 1 {
			last := h.slot(h.end - 1)
			h.entries[last] = Merge(h.entries[last], changes)
			return h.end - 1
		}
		h.foldOldest()
	}

	pos := h.end
	h.entries[h.slot(pos)] = Merge(changes)
	h.end++
	return pos
}

func (h *History) foldOldest() {
	oldest, next := h.slot(h.start), h.slot(h.start+1)
	h.entries[next] = Merge(h.entries[oldest], h.entries[next])
	h.entries[oldest] = nil
	h.start++
}

// MergeChangesSince unions every entry from position since up to End. A
// position older than Start merges from Start, since folded entries carry the
// older changes. The returned position is where the caller should resume.
func (h *History) MergeChangesSince(since uint64) (ChangeSet, uint64) {
	if since < h.start {
		since = h.start
	}
	if since >= h.end {
		return nil, h.end
	}

	lists := make([][]Change, 0, h.end-since)
	for pos := since; pos < h.end; pos++ {
		lists = append(lists, h.entries[h.slot(pos)])
	}
	return Merge(lists...), h.end
}

// evict drops entries every cursor has consumed.
func (h *History) evict() {
	if len(h.cursors) == 0 {
		return
	}
	low := h.end
	for c := range h.cursors {
		if c.next < low {
			low = c.next
		}
	}
	for h.start < low {
		h.entries[h.slot(h.start)] = nil
		h.start++
	}
}

// Cursor is one observer's read position. It only moves forward.
type Cursor struct {
	h    *History
	next uint64
}

// NewCursor registers an observer that will see entries recorded from now on.
func (h *History) NewCursor() *Cursor {
	c := &Cursor{h: h, next: h.end}
	h.cursors[c] = struct{}{}
	return c
}

// Position is the next entry the cursor will read.
func (c *Cursor) Position() uint64 {
	return c.next
}

// Pending reports whether entries exist past the cursor.
func (c *Cursor) Pending() bool {
	return c.next < c.h.end
}

// Merge returns everything recorded since the previous Merge and advances.
func (c *Cursor) Merge() ChangeSet {
	set, next := c.h.MergeChangesSince(c.next)
	c.next = next
	c.h.evict()
	return set
}

// Close unregisters the cursor so it no longer holds entries back.
func (c *Cursor) Close() {
	delete(c.h.cursors, c)
	c.h.evict()
}
