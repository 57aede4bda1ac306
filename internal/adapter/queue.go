package adapter

import (
	"sync"
	"sync/atomic"
)

// publishRequest is one pending publish.
type publishRequest struct {
	topic   string
	payload []byte
	qos     byte
}

// publishQueue is the bounded drop-oldest queue in front of every
// egress transport. One worker goroutine drains it; enqueue never
// blocks the device scheduler.
type publishQueue struct {
	mu      sync.Mutex
	items   []publishRequest
	size    int
	kick    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Uint64

	closeOnce sync.Once
}

func newPublishQueue(size int) *publishQueue {
	return &publishQueue{
		items: make([]publishRequest, 0, size),
		size:  size,
		kick:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// enqueue appends a request, discarding the oldest pending one when
// the queue is full.
func (q *publishQueue) enqueue(req publishRequest) {
	q.mu.Lock()
	if len(q.items) >= q.size {
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
		q.dropped.Add(1)
	}
	q.items = append(q.items, req)
	q.mu.Unlock()

	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// start launches the worker that hands requests to send in FIFO
// order. send runs on the worker goroutine and may block for the
// duration of one acknowledged publish.
func (q *publishQueue) start(send func(publishRequest)) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-q.done:
				return
			case <-q.kick:
			}
			for {
				req, ok := q.take()
				if !ok {
					break
				}
				select {
				case <-q.done:
					return
				default:
				}
				send(req)
			}
		}
	}()
}

// take removes the oldest request.
func (q *publishQueue) take() (publishRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return publishRequest{}, false
	}
	req := q.items[0]
	q.items = append(q.items[:0], q.items[1:]...)
	return req, true
}

// close stops the worker. Pending requests are discarded.
func (q *publishQueue) close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
	q.wg.Wait()
}

// pending returns the number of queued requests.
func (q *publishQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
