// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package manhattan

import (
	"container/heap"
	"sort"

	"github.com/grailbio/gwas/variant"
)

// item is a variant waiting in one of the binner's queues.
type item struct {
	v    variant.Variant
	q    float64 // neg-log-p
	seq  uint64  // arrival order
	peak bool
}

// weaker reports whether a should be evicted before b: it is less
// significant, or equally significant and newer.
func weaker(a, b *item) bool {
	if a.q != b.q {
		return a.q < b.q
	}
	return a.seq > b.seq
}

// itemHeap keeps the weakest item at the root.
type itemHeap []*item

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return weaker(h[i], h[j]) }
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// boundedQueue retains the limit most significant items pushed into it.
type boundedQueue struct {
	limit int
	h     itemHeap
}

func newBoundedQueue(limit int) *boundedQueue {
	return &boundedQueue{limit: limit, h: make(itemHeap, 0, limit+1)}
}

// Push adds it.  If the queue is then over its limit, the weakest item
// (possibly it) is removed and returned.
func (q *boundedQueue) Push(it *item) (evicted *item) {
	heap.Push(&q.h, it)
	if len(q.h) > q.limit {
		return heap.Pop(&q.h).(*item)
	}
	return nil
}

// Len returns the number of retained items.
func (q *boundedQueue) Len() int { return len(q.h) }

// Drain empties the queue and returns its items, most significant first.
func (q *boundedQueue) Drain() []*item {
	out := make([]*item, len(q.h))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&q.h).(*item)
	}
	return out
}

// sortBySignificance orders items most significant first, earlier arrivals
// first among ties.
func sortBySignificance(items []*item) {
	sort.Slice(items, func(i, j int) bool { return weaker(items[j], items[i]) })
}
