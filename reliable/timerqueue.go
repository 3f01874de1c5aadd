// Package reliable implements the sliding-window ARQ (Sender/Receiver) that
// carries DATA/ACK frames (see package codec) over an encrypted subscription.
package reliable

import (
	"container/heap"
	"sync"
	"time"

	"github.com/ratchethub/ratchethub/internal/worker"
)

// timerQueueItem is one scheduled callback, ordered by priority (an absolute
// deadline in UnixNano, lower fires first).
type timerQueueItem struct {
	priority int64
	value    interface{}
	index    int
}

type timerHeap []*timerQueueItem

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].priority < h[j].priority }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) {
	item := x.(*timerQueueItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// timerQueue fires callback(value) once the wall clock passes the priority
// (an absolute deadline) given to Push, the same Push/Pop/Peek shape as the
// teacher's client2/arq.go TimerQueue and stream/stream.go's client.TimerQueue.
type timerQueue struct {
	worker.Worker

	mu       sync.Mutex
	heap     timerHeap
	wakeCh   chan struct{}
	callback func(interface{})
}

func newTimerQueue(callback func(interface{})) *timerQueue {
	return &timerQueue{
		heap:     timerHeap{},
		wakeCh:   make(chan struct{}, 1),
		callback: callback,
	}
}

func (q *timerQueue) Start() {
	q.Go(q.worker)
}

func (q *timerQueue) Stop() {
	q.Halt()
	q.Wait()
}

// Push schedules value to fire at the given absolute deadline.
func (q *timerQueue) Push(deadline time.Time, value interface{}) {
	q.mu.Lock()
	heap.Push(&q.heap, &timerQueueItem{priority: deadline.UnixNano(), value: value})
	q.mu.Unlock()
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

// Peek returns the earliest-deadline item without removing it, or nil.
func (q *timerQueue) Peek() *timerQueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

// Pop removes and returns the earliest-deadline item, or nil.
func (q *timerQueue) Pop() *timerQueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*timerQueueItem)
}

const idleSleep = 1 * time.Second

func (q *timerQueue) worker() {
	timer := time.NewTimer(idleSleep)
	defer timer.Stop()

	for {
		q.mu.Lock()
		var nextDelay time.Duration
		if len(q.heap) == 0 {
			nextDelay = idleSleep
		} else {
			nextDelay = time.Until(time.Unix(0, q.heap[0].priority))
			if nextDelay < 0 {
				nextDelay = 0
			}
		}
		q.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(nextDelay)

		select {
		case <-q.HaltCh():
			return
		case <-q.wakeCh:
			continue
		case <-timer.C:
			q.fireDue()
		}
	}
}

func (q *timerQueue) fireDue() {
	now := time.Now().UnixNano()
	for {
		q.mu.Lock()
		if len(q.heap) == 0 || q.heap[0].priority > now {
			q.mu.Unlock()
			return
		}
		item := heap.Pop(&q.heap).(*timerQueueItem)
		q.mu.Unlock()
		if q.callback != nil {
			q.callback(item.value)
		}
	}
}
