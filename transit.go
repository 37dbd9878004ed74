package mplsim

// transit.go holds the data structure a link keeps its in-flight packets in.
//
// Every entry is aged by the same step each tick, so the relative order of the
// entries never changes once they are in the heap.  A min-heap on the remaining
// wait time then gives the arrived entries cheaply: pop while the top has
// nothing left to wait.  Entries with equal remaining time leave in the order
// they were put on the link.

import (
	"container/heap"
)

// LinkBufferEntry describes one packet crossing a link
type LinkBufferEntry struct {
	Packet            *Packet
	DestinationSide   int   // index of the link end the packet is delivered to
	RemainingWaitTime int64 // ns until delivery
	TotalTransitTime  int64 // ns the crossing takes in all

	seq     int64 // order of arrival to the link
	instant int64 // upper limit of the tick during which the packet was put on the link
}

// transitHeap and its methods implement a min-priority heap
// on the remaining wait time of the in-flight entries
type transitHeap []*LinkBufferEntry

func (h transitHeap) Len() int { return len(h) }
func (h transitHeap) Less(i, j int) bool {
	if h[i].RemainingWaitTime == h[j].RemainingWaitTime {
		return h[i].seq < h[j].seq
	}
	return h[i].RemainingWaitTime < h[j].RemainingWaitTime
}
func (h transitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *transitHeap) Push(x any) {
	*h = append(*h, x.(*LinkBufferEntry))
}

func (h *transitHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return x
}

// transitBuffer holds the entries of one link.  Entries put on the link are
// staged and join the heap on the first tick after the one they were put on in.
type transitBuffer struct {
	inflight transitHeap
	staged   []*LinkBufferEntry
	nxtSeq   int64
}

// createTransitBuffer is a constructor
func createTransitBuffer() *transitBuffer {
	tb := new(transitBuffer)
	tb.inflight = []*LinkBufferEntry{}
	tb.staged = []*LinkBufferEntry{}
	heap.Init(&tb.inflight)
	return tb
}

// add stages an entry
func (tb *transitBuffer) add(entry *LinkBufferEntry) {
	entry.seq = tb.nxtSeq
	tb.nxtSeq += 1
	tb.staged = append(tb.staged, entry)
}

// merge moves into the heap the staged entries put on the link before instant
func (tb *transitBuffer) merge(instant int64) {
	keep := tb.staged[:0]
	for _, entry := range tb.staged {
		if entry.instant < instant {
			heap.Push(&tb.inflight, entry)
			continue
		}
		keep = append(keep, entry)
	}
	tb.staged = keep
}

// age takes step off the remaining wait time of every in-flight entry and
// returns the entries, in heap order
func (tb *transitBuffer) age(step int64) []*LinkBufferEntry {
	for _, entry := range tb.inflight {
		entry.RemainingWaitTime -= step
	}
	return tb.inflight
}

// popArrived removes and returns, in delivery order, the entries with no time left to wait
func (tb *transitBuffer) popArrived() []*LinkBufferEntry {
	arrived := []*LinkBufferEntry{}
	for len(tb.inflight) > 0 && tb.inflight[0].RemainingWaitTime <= 0 {
		arrived = append(arrived, heap.Pop(&tb.inflight).(*LinkBufferEntry))
	}
	return arrived
}

// drain removes and returns every entry, staged ones included
func (tb *transitBuffer) drain() []*LinkBufferEntry {
	all := make([]*LinkBufferEntry, 0, len(tb.inflight)+len(tb.staged))
	for len(tb.inflight) > 0 {
		all = append(all, heap.Pop(&tb.inflight).(*LinkBufferEntry))
	}
	all = append(all, tb.staged...)
	tb.staged = tb.staged[:0]
	return all
}

// Len counts the entries on the link, staged ones included
func (tb *transitBuffer) Len() int {
	return len(tb.inflight) + len(tb.staged)
}
