// Relation keys live in one sorted key space per direction. Listing keys across directions needs a merge of sorted
// sequences that runs in constant memory, whatever the number of stored keys.
//
// This module implements a heap-based multi-way merge that lazily pulls from the underlying sequences. Pulled items
// are ordered by key and then by sequence priority; items of lower priority sequences are dropped when their key was
// already yielded.

package scan

import (
	"cmp"
	"container/heap"
	"errors"
	"iter"

	"github.com/nobletooth/relcache/pkg/entry"
	"github.com/nobletooth/relcache/pkg/utils"
)

// head is the latest item pulled from one of the merged sequences.
type head[K any, V any] struct {
	key    K
	val    V
	seqIdx int // Index of the sequence that produced this item; lower is higher priority.
}

// headHeap is a min-heap over the current heads of all sequences.
type headHeap[K any, V any] struct { // Implements heap.Interface.
	compare utils.CompareFn[K]
	heads   []*head[K, V]
}

var _ heap.Interface = (*headHeap[int, int])(nil)

func (h *headHeap[K, V]) Len() int {
	return len(h.heads)
}

// Less orders heads by key; equal keys are ordered by sequence priority.
func (h *headHeap[K, V]) Less(i, j int) bool {
	if c := h.compare(h.heads[i].key, h.heads[j].key); c != 0 {
		return c < 0
	}
	return h.heads[i].seqIdx < h.heads[j].seqIdx
}

func (h *headHeap[K, V]) Swap(i, j int) {
	h.heads[i], h.heads[j] = h.heads[j], h.heads[i]
}

// Push adds `x` to the heap; only non-nil heads fit, and never more than one per sequence.
func (h *headHeap[K, V]) Push(x any) {
	element, ok := x.(*head[K, V])
	switch {
	case !ok:
		utils.RaiseInvariant("multi_head", "pushed_invalid_type", "An item with invalid type was pushed to heap.")
	case element == nil:
		utils.RaiseInvariant("multi_head", "pushed_nil_element", "A nil head was pushed to heap.")
	case len(h.heads) == cap(h.heads):
		utils.RaiseInvariant("multi_head", "exceeded_capacity",
			"A head was pushed while every sequence already had one.", "cap", cap(h.heads))
	default:
		h.heads = append(h.heads, element)
	}
}

// Pop removes and returns the last head.
func (h *headHeap[K, V]) Pop() any {
	last := h.heads[len(h.heads)-1]
	h.heads = h.heads[:len(h.heads)-1]
	return last
}

// MultiHead merges increasing sequences into one increasing sequence without duplicate keys. When several sequences
// hold the same key, the item of the earliest sequence wins.
func MultiHead[Seq iter.Seq[utils.Pair[K, V]], K any, V any](compare utils.CompareFn[K], sequences []Seq) (Seq, error) {
	if compare == nil {
		return nil, errors.New("expected a non-nil comparison function")
	}
	if len(sequences) == 0 {
		return nil, errors.New("expected a non-empty sequences")
	}

	return func(yield func(utils.Pair[K, V]) bool) {
		h := &headHeap[K, V]{compare: compare, heads: make([]*head[K, V], 0, len(sequences))}
		pulls := make([]func() (utils.Pair[K, V], bool), len(sequences))
		for i, seq := range sequences {
			pull, stop := iter.Pull(iter.Seq[utils.Pair[K, V]](seq))
			defer stop()
			pulls[i] = pull
			if first, ok := pull(); ok {
				heap.Push(h, &head[K, V]{key: first.Key, val: first.Value, seqIdx: i})
			}
		}

		var last *head[K, V]
		for h.Len() > 0 {
			top := heap.Pop(h).(*head[K, V])
			if next, ok := pulls[top.seqIdx](); ok {
				heap.Push(h, &head[K, V]{key: next.Key, val: next.Value, seqIdx: top.seqIdx})
			}
			if last != nil && compare(last.key, top.key) == 0 { // Lower priority copy of a yielded key.
				continue
			}
			last = top
			if !yield(utils.Pair[K, V]{Key: top.key, Value: top.val}) {
				return
			}
		}
	}, nil
}

// MergeKeys merges sorted key sequences, e.g. the stored keys of every direction, into one sorted sequence of
// distinct keys. Each key is paired with the index of the first sequence holding it.
func MergeKeys(sources ...iter.Seq[entry.Key]) (iter.Seq[utils.Pair[entry.Key, int]], error) {
	indexed := make([]iter.Seq[utils.Pair[entry.Key, int]], len(sources))
	for i, source := range sources {
		indexed[i] = func(yield func(utils.Pair[entry.Key, int]) bool) {
			for key := range source {
				if !yield(utils.Pair[entry.Key, int]{Key: key, Value: i}) {
					return
				}
			}
		}
	}
	return MultiHead(cmp.Compare[entry.Key], indexed)
}
