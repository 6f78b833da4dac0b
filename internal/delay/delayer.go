// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package delay implements the Delayer: a single task owning a min-heap of
// pending re-injections. Transmission is delegated to a Sender supplied by
// whichever back-end (NFQ/Wire raw socket, or PCAP simulated replay) is
// active.
package delay

import (
	"container/heap"
	"context"
	"time"

	"censorlab.dev/censorlab/internal/logging"
	"censorlab.dev/censorlab/internal/metrics"
)

// Sender transmits a delayed payload through whatever raw interface the
// active back-end owns.
type Sender interface {
	Send(payload []byte) error
}

type item struct {
	payload  []byte
	deadline time.Time
	index    int
}

// minHeap orders items by ascending deadline; container/heap is the
// stdlib-justified component here — no pack repo imports an alternate
// priority-queue library (see DESIGN.md).
type minHeap []*item

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *minHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Delayer owns the re-injection min-heap and its single background task.
type Delayer struct {
	sender  Sender
	metrics *metrics.Metrics

	submit chan *item
	done   chan struct{}
}

// New creates a Delayer. Call Run in its own goroutine to start the single
// task that owns the heap and the timer wait.
func New(sender Sender, m *metrics.Metrics) *Delayer {
	return &Delayer{
		sender:  sender,
		metrics: m,
		submit:  make(chan *item, 256),
		done:    make(chan struct{}),
	}
}

// Delay enqueues payload for re-transmission at deadline. Safe to call
// concurrently with Run.
func (d *Delayer) Delay(payload []byte, deadline time.Time) {
	cp := append([]byte(nil), payload...)
	select {
	case d.submit <- &item{payload: cp, deadline: deadline}:
	case <-d.done:
	}
}

// Run is the Delayer's single task: it sleeps until the armed head's
// deadline, transmits it, and re-arms to the new head, concurrently
// accepting new submissions that may require re-arming earlier. Guarantees
// at-most-once transmission (I3); in-flight items are dropped on ctx
// cancellation rather than retried.
func (d *Delayer) Run(ctx context.Context) {
	log := logging.WithComponent("delayer")
	h := &minHeap{}
	heap.Init(h)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	armed := false

	rearm := func() {
		if h.Len() == 0 {
			armed = false
			return
		}
		d := (*h)[0].deadline.Sub(time.Now())
		if d < 0 {
			d = 0
		}
		timer.Reset(d)
		armed = true
	}

	if d.metrics != nil {
		defer func() { d.metrics.DelayerQueueDepth.Set(0) }()
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("delayer shutting down, dropping in-flight items", "pending", h.Len())
			close(d.done)
			return

		case it := <-d.submit:
			if armed {
				timer.Stop()
			}
			heap.Push(h, it)
			if d.metrics != nil {
				d.metrics.DelayerQueueDepth.Set(float64(h.Len()))
			}
			// The heap's invariant already reflects whether `it` became
			// the new earliest deadline; re-arming against the current
			// head handles both "nothing was armed" and "a new item with
			// an earlier deadline must bump the previously armed one".
			rearm()

		case <-timer.C:
			head := heap.Pop(h).(*item)
			if err := d.sender.Send(head.payload); err != nil {
				log.Error("delayer transmit failed", "error", err)
			}
			if d.metrics != nil {
				d.metrics.DelayerQueueDepth.Set(float64(h.Len()))
			}
			rearm()
		}
	}
}
