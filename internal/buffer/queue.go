// Package buffer provides the bounded queue between the feed read loop and
// the ingestion pipeline.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"coinflow/models"
)

// Policy decides what happens when a producer hits a full queue.
type Policy string

const (
	// PolicyBlock applies backpressure: Put waits for a free slot.
	PolicyBlock Policy = "block"
	// PolicyDropOldest evicts the oldest buffered item to admit the new one.
	PolicyDropOldest Policy = "drop_oldest"
)

// ParsePolicy validates a configured policy string.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyBlock, PolicyDropOldest:
		return Policy(s), nil
	}
	return "", fmt.Errorf("unknown buffer policy %q", s)
}

// ErrClosed is returned by Put after Close.
var ErrClosed = errors.New("buffer closed")

// Item is one queue entry: a market event or a gap record.
type Item struct {
	Event *models.MarketEvent
	Gap   *models.GapRecord
}

// Queue is a fixed-capacity FIFO shared by one producer (the read loop) and
// one consumer (the pipeline drain loop). The drop path is serialized with
// a mutex so eviction and admission stay atomic with respect to other
// producers.
type Queue struct {
	ch      chan Item
	done    chan struct{}
	mu      sync.Mutex
	policy  Policy
	closed  atomic.Bool
	dropped atomic.Uint64
}

// NewQueue builds a queue with the given capacity and full-queue policy.
func NewQueue(capacity int, policy Policy) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch:     make(chan Item, capacity),
		done:   make(chan struct{}),
		policy: policy,
	}
}

// Put enqueues one item. Under PolicyBlock it waits for space until the
// context is cancelled or the queue closes. Under PolicyDropOldest it never
// waits; it evicts from the head instead.
func (q *Queue) Put(ctx context.Context, item Item) error {
	if q.closed.Load() {
		return ErrClosed
	}

	if q.policy == PolicyDropOldest {
		q.mu.Lock()
		defer q.mu.Unlock()
		for {
			select {
			case q.ch <- item:
				return nil
			default:
			}
			select {
			case <-q.ch:
				q.dropped.Add(1)
			default:
			}
		}
	}

	select {
	case q.ch <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrClosed
	}
}

// Items exposes the receive side for the drain loop's select.
func (q *Queue) Items() <-chan Item {
	return q.ch
}

// Drain empties the queue without waiting and returns what was buffered.
func (q *Queue) Drain() []Item {
	var out []Item
	for {
		select {
		case item := <-q.ch:
			out = append(out, item)
		default:
			return out
		}
	}
}

// Close stops admission. Buffered items remain readable.
func (q *Queue) Close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.done)
	}
}

func (q *Queue) Len() int { return len(q.ch) }

func (q *Queue) Cap() int { return cap(q.ch) }

// Dropped counts items evicted under PolicyDropOldest.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }
