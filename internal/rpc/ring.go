package rpc

import (
	"github.com/pixil98/go-entsync/internal/view"
)

type ringEntry struct {
	seq  uint64
	call *Call
	// written is set once the entry has gone out in a component update.
	written bool
}

// ring is the bounded buffer of calls of one kind on one entity. Reliable
// rings hold entries until acknowledged; multicast rings overwrite the oldest.
type ring struct {
	capacity  int
	overwrite bool
	entries   []ringEntry
	lastSeq   uint64
	dirty     bool
}

func newRing(capacity int, overwrite bool) *ring {
	return &ring{
		capacity:  capacity,
		overwrite: overwrite,
	}
}

func (r *ring) full() bool {
	return len(r.entries) >= r.capacity
}

// push appends a call. A full ring rejects it unless it overwrites, in which
// case the evicted call is returned.
func (r *ring) push(c *Call) (evicted *Call, ok bool) {
	if r.full() {
		if !r.overwrite {
			return nil, false
		}
		evicted = r.entries[0].call
		r.entries = r.entries[1:]
	}
	r.lastSeq++
	r.entries = append(r.entries, ringEntry{seq: r.lastSeq, call: c})
	r.dirty = true
	return evicted, true
}

// ack drops every entry up to and including seq and returns their calls.
func (r *ring) ack(seq uint64) []*Call {
	var done []*Call
	n := 0
	for n < len(r.entries) && r.entries[n].seq <= seq {
		done = append(done, r.entries[n].call)
		n++
	}
	r.entries = r.entries[n:]
	return done
}

// blob encodes the ring contents as a component payload.
func (r *ring) blob() view.PropertyBlob {
	calls := make([]wireCall, len(r.entries))
	for i, e := range r.entries {
		calls[i] = toWire(e.seq, e.call)
	}
	b := view.PropertyBlob{}
	_ = b.Set("calls", calls)
	return b
}

// markWritten flags every entry as sent and returns the calls written for
// the first time.
func (r *ring) markWritten() []*Call {
	var fresh []*Call
	for i := range r.entries {
		if !r.entries[i].written {
			r.entries[i].written = true
			fresh = append(fresh, r.entries[i].call)
		}
	}
	r.dirty = false
	return fresh
}

func (r *ring) calls() []*Call {
	out := make([]*Call, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.call
	}
	return out
}
