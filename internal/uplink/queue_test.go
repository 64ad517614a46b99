package uplink

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeOwner struct {
	delivered []uint64
	errored   []uint64
}

func (f *fakeOwner) DeliverBlock(handle uint64, off, length uint64) { f.delivered = append(f.delivered, handle) }
func (f *fakeOwner) DeliverError(handle uint64)                     { f.errored = append(f.errored, handle) }

// TestSupersetCoalescingSkipsDuplicateUpstreamSend is boundary scenario
// 5 from spec.md §8: a second client request whose range is fully
// covered by an already-pending broader request must not trigger a
// second GET_BLOCK upstream.
func TestSupersetCoalescingSkipsDuplicateUpstreamSend(t *testing.T) {
	q := NewQueue()
	owner := &fakeOwner{}

	idxA, err := q.Add(owner, 1, 0, 32768, 0)
	require.NoError(t, err)
	_, err = q.Add(owner, 2, 4096, 8192, 0)
	require.NoError(t, err)

	sends := q.TakeNew()
	require.Len(t, sends, 1, "want exactly one upstream send for A")
	require.Equal(t, idxA, sends[0].idx)
}

func TestCompleteRangeDispatchesInDescendingSlotOrder(t *testing.T) {
	q := NewQueue()
	owner := &fakeOwner{}
	q.Add(owner, 1, 0, 4096, 0)
	q.Add(owner, 2, 4096, 8192, 0)
	q.TakeNew()

	done := q.CompleteRange(0, 8192)
	require.Len(t, done, 2)
	require.Equal(t, []uint64{2, 1}, []uint64{done[0].handle, done[1].handle}, "want descending dispatch order")
}

func TestQueueFullReturnsError(t *testing.T) {
	q := NewQueue()
	owner := &fakeOwner{}
	for i := 0; i < QueueCapacity; i++ {
		_, err := q.Add(owner, uint64(i), uint64(i)*4096, uint64(i+1)*4096, 0)
		require.NoError(t, err)
	}
	_, err := q.Add(owner, 999, 0, 4096, 0)
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestFailFreesEveryOccupiedSlot(t *testing.T) {
	q := NewQueue()
	owner := &fakeOwner{}
	q.Add(owner, 1, 0, 4096, 0)
	q.Add(owner, 2, 4096, 8192, 0)

	failed := q.Fail()
	require.Len(t, failed, 2)
	require.Equal(t, 0, q.Len(), "want queue empty after Fail")
}
