// Package uplink implements the per-image Uplink Worker: the single
// outbound connection to the current alt-server that fetches data
// missing from the local cache, grounded on the original dnbd3
// uplink.c / uplink.h.
package uplink

import (
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle stage of one queued fetch request, per
// spec.md's Free→New→Pending→Processing→Free state machine.
type State int32

const (
	StateFree State = iota
	StateNew
	StatePending
	StateProcessing
)

// QueueCapacity bounds the number of in-flight fetch requests per
// uplink, grounded on uplink.h's fixed-size request array.
const QueueCapacity = 140

// Owner is the client connection that originated a request needing
// upstream data; the uplink worker calls back into it once the byte
// range has arrived.
type Owner interface {
	// DeliverBlock is called with the originally requested handle once
	// its data is present in the cache file; off/length identify the
	// exact byte range to re-read and send, independent of however much
	// extra data the uplink fetched around it.
	DeliverBlock(handle uint64, off, length uint64)
	// DeliverError is called if the range could not be fetched.
	DeliverError(handle uint64)
}

type entry struct {
	state    State
	start    uint64
	end      uint64
	owner    Owner
	handle   uint64
	hopCount uint8
	// sendUpstream is false when this entry's range was already a subset
	// of another in-flight entry at the time it was queued (superset
	// coalescing): no extra GET_BLOCK is sent, but the entry still waits
	// to be serviced once the covering range completes.
	sendUpstream bool
	// sentAt is when the GET_BLOCK for this entry actually went out on
	// the wire, used to time the reply for the live-RTT feedback in
	// spec.md §4.5. Zero until MarkSent is called.
	sentAt time.Time
}

// Queue is the bounded, mutex-protected table of in-flight fetch
// requests for one uplink worker.
type Queue struct {
	mu      sync.Mutex
	entries [QueueCapacity]entry
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// ErrQueueFull is returned by Add when every slot is occupied.
var ErrQueueFull = fmt.Errorf("uplink: request queue full")

// Add enqueues a fetch for [start,end) on behalf of owner/handle. If an
// existing New or Pending entry's range already covers [start,end), the
// new entry is marked so its own upstream send is skipped: it rides
// along on the covering request and is serviced when that range lands.
func (q *Queue) Add(owner Owner, handle uint64, start, end uint64, hopCount uint8) (idx int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	slot := -1
	covered := false
	for i := range q.entries {
		e := &q.entries[i]
		if e.state == StateFree {
			if slot == -1 {
				slot = i
			}
			continue
		}
		if (e.state == StateNew || e.state == StatePending) && e.start <= start && e.end >= end {
			covered = true
		}
	}
	if slot == -1 {
		return -1, ErrQueueFull
	}
	q.entries[slot] = entry{
		state:        StateNew,
		start:        start,
		end:          end,
		owner:        owner,
		handle:       handle,
		hopCount:     hopCount,
		sendUpstream: !covered,
	}
	return slot, nil
}

// pendingRequest is a snapshot of one entry the caller must send
// upstream as a GET_BLOCK.
type pendingRequest struct {
	idx      int
	start    uint64
	end      uint64
	hopCount uint8
}

// TakeNew transitions every New entry to Pending and returns the subset
// that still needs a fresh upstream GET_BLOCK (sendUpstream == true);
// coalesced entries transition too, but ride along silently.
func (q *Queue) TakeNew() []pendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []pendingRequest
	for i := range q.entries {
		e := &q.entries[i]
		if e.state != StateNew {
			continue
		}
		e.state = StatePending
		if e.sendUpstream {
			out = append(out, pendingRequest{idx: i, start: e.start, end: e.end, hopCount: e.hopCount})
		}
	}
	return out
}

// MarkProcessing transitions a Pending entry to Processing once its
// GET_BLOCK reply has started arriving.
func (q *Queue) MarkProcessing(idx int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.entries[idx].state == StatePending {
		q.entries[idx].state = StateProcessing
	}
}

// MarkSent records the time a pending entry's GET_BLOCK was written to
// the upstream connection.
func (q *Queue) MarkSent(idx int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if idx >= 0 && idx < len(q.entries) {
		q.entries[idx].sentAt = time.Now()
	}
}

// SentAt returns when the entry at idx was sent upstream, if it is
// still occupied and was ever marked sent.
func (q *Queue) SentAt(idx int) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if idx < 0 || idx >= len(q.entries) || q.entries[idx].state == StateFree {
		return time.Time{}, false
	}
	e := &q.entries[idx]
	if e.sentAt.IsZero() {
		return time.Time{}, false
	}
	return e.sentAt, true
}

// completed describes one entry whose range has now fully landed in
// the cache and is ready for its owner to be notified.
type completed struct {
	owner  Owner
	handle uint64
	start  uint64
	end    uint64
}

// CompleteRange frees and returns, in descending slot-index order, every
// Pending or Processing entry whose range is fully covered by
// [start,end) — the range that just finished writing to the cache
// file. Iterating from the highest index down mirrors
// uplink_handle_receive's dispatch order so that freeing a lower slot
// mid-scan never perturbs slots still to be visited.
func (q *Queue) CompleteRange(start, end uint64) []completed {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []completed
	for i := len(q.entries) - 1; i >= 0; i-- {
		e := &q.entries[i]
		if e.state != StatePending && e.state != StateProcessing {
			continue
		}
		if e.start < start || e.end > end {
			continue
		}
		out = append(out, completed{owner: e.owner, handle: e.handle, start: e.start, end: e.end})
		*e = entry{}
	}
	return out
}

// Fail frees every occupied entry (New, Pending or Processing) and
// returns them so the caller can notify their owners of an error, used
// when the uplink worker shuts down.
func (q *Queue) Fail() []completed {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []completed
	for i := len(q.entries) - 1; i >= 0; i-- {
		e := &q.entries[i]
		if e.state == StateFree {
			continue
		}
		out = append(out, completed{owner: e.owner, handle: e.handle, start: e.start, end: e.end})
		*e = entry{}
	}
	return out
}

// RangeOf returns the byte range tracked by slot idx, if still
// occupied.
func (q *Queue) RangeOf(idx int) (start, end uint64, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if idx < 0 || idx >= len(q.entries) || q.entries[idx].state == StateFree {
		return 0, 0, false
	}
	e := &q.entries[idx]
	return e.start, e.end, true
}

// FreeOne releases a single slot without notifying anyone, used when an
// upstream ERROR reply targets one specific in-flight request.
func (q *Queue) FreeOne(idx int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if idx >= 0 && idx < len(q.entries) {
		q.entries[idx] = entry{}
	}
}

// Len reports how many slots are currently occupied.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for i := range q.entries {
		if q.entries[i].state != StateFree {
			n++
		}
	}
	return n
}
