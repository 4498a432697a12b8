// Package timerqueue implements a priority-queue-backed delay scheduler.
// It is used anywhere the core needs to fire a callback once a deadline
// (expressed as a monotonic nanosecond priority) elapses: query retry/
// timeout, secret-chat hole-fill and skip-hole timers, and ack scheduling.
//
// Reconstructed from its call sites in the teacher's client2/arq.go and
// arq_test.go (Push/Pop/Peek/Len/Start/Halt/Wait); the defining file was
// not present in the retrieval pack.
package timerqueue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/mtprotocore/client/core/worker"
)

// Entry is one scheduled item, ordered by Priority (typically
// time.Time.UnixNano of the fire deadline).
type Entry struct {
	Priority uint64
	Value    interface{}
	index    int
}

type entryHeap []*Entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].Priority < h[j].Priority }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) { e := x.(*Entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// TimerQueue fires a callback for each entry once its priority deadline
// (interpreted as UnixNano) has passed.
type TimerQueue struct {
	worker.Worker

	fire func(interface{})

	lock   sync.Mutex
	h      entryHeap
	wakeCh chan struct{}

	nowFn func() time.Time
}

// NewTimerQueue creates a TimerQueue that invokes fire for each entry as
// its deadline elapses. Start must be called before use.
func NewTimerQueue(fire func(interface{})) *TimerQueue {
	return &TimerQueue{
		fire:   fire,
		h:      make(entryHeap, 0),
		wakeCh: make(chan struct{}, 1),
		nowFn:  time.Now,
	}
}

// Start launches the background worker goroutine.
func (q *TimerQueue) Start() {
	q.Go(q.worker)
}

// Push schedules value to fire once priority (UnixNano deadline) elapses.
func (q *TimerQueue) Push(priority uint64, value interface{}) {
	q.lock.Lock()
	heap.Push(&q.h, &Entry{Priority: priority, Value: value})
	q.lock.Unlock()
	q.wake()
}

// Pop removes and returns the earliest-scheduled entry, or nil if empty.
func (q *TimerQueue) Pop() *Entry {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*Entry)
}

// Peek returns the earliest-scheduled entry without removing it, or nil.
func (q *TimerQueue) Peek() *Entry {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0]
}

// Len returns the number of pending entries.
func (q *TimerQueue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.h)
}

func (q *TimerQueue) wake() {
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

func (q *TimerQueue) worker() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		q.lock.Lock()
		var delay time.Duration
		if len(q.h) == 0 {
			delay = time.Hour
		} else {
			deadline := time.Unix(0, int64(q.h[0].Priority))
			delay = deadline.Sub(q.nowFn())
			if delay < 0 {
				delay = 0
			}
		}
		q.lock.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(delay)

		select {
		case <-q.HaltCh():
			return
		case <-q.wakeCh:
			continue
		case <-timer.C:
		}

		for {
			q.lock.Lock()
			if len(q.h) == 0 || time.Unix(0, int64(q.h[0].Priority)).After(q.nowFn()) {
				q.lock.Unlock()
				break
			}
			e := heap.Pop(&q.h).(*Entry)
			q.lock.Unlock()
			q.fire(e.Value)
		}
	}
}
