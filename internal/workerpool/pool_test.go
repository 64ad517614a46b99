package workerpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubmitRunsEveryJob(t *testing.T) {
	p := New(4)
	var n int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		p.Submit(func() {
			atomic.AddInt32(&n, 1)
			wg.Done()
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for jobs to run")
	}
	require.EqualValues(t, 50, atomic.LoadInt32(&n))
}

func TestSubmitReusesIdleWorker(t *testing.T) {
	p := New(1)
	first := make(chan struct{})
	p.Submit(func() { close(first) })
	<-first

	// Give the worker a moment to register itself as idle before the
	// second job arrives, so Submit's non-blocking send has a receiver.
	time.Sleep(20 * time.Millisecond)

	second := make(chan struct{})
	p.Submit(func() { close(second) })
	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("second job never ran on the recycled worker")
	}
}
