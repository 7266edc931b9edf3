// Package util
//
// This file provides a deadline queue used to schedule the erasure of
// tombstones.
//
// MapHeap combines a binary min-heap with a hash map, which gives
//   - O(log n) insert, priority update and removal
//   - O(1) lookup by key
//
// The cedar sweeper keeps one MapHeap per segment, keyed by the location of a
// tombstone and prioritized by the time at which it may be erased. When a
// location is tombstoned again, AddItem moves its deadline instead of adding
// a second item.
//
// MapHeap is not thread-safe, it is owned by a single goroutine.
//
// Example usage:
//
//	h := NewMapHeap[uint64]()
//	h.AddItem(1001, deadline1)
//	h.AddItem(1002, deadline2)
//
//	for {
//	    it, ok := h.PopDue(now)
//	    if !ok {
//	        break
//	    }
//	    // erase it.Key
//	}
package util

import (
	"container/heap"
	"fmt"
)

// Item is an entry of a MapHeap.
type Item[K comparable] struct {
	Key      K
	Priority uint64
	index    int // position in the heap, maintained by container/heap
}

func (i *Item[K]) String() string {
	return fmt.Sprintf("{Key: %v, Priority: %d}", i.Key, i.Priority)
}

// MapHeap is a min-heap of items addressable by key.
type MapHeap[K comparable] struct {
	items    []*Item[K]
	itemsMap map[K]*Item[K]
}

// NewMapHeap creates an empty heap.
func NewMapHeap[K comparable]() *MapHeap[K] {
	return &MapHeap[K]{
		items:    make([]*Item[K], 0),
		itemsMap: make(map[K]*Item[K]),
	}
}

// heap.Interface

func (h *MapHeap[K]) Len() int { return len(h.items) }

func (h *MapHeap[K]) Less(i, j int) bool {
	return h.items[i].Priority < h.items[j].Priority
}

func (h *MapHeap[K]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *MapHeap[K]) Push(x interface{}) {
	it := x.(*Item[K])
	it.index = len(h.items)
	h.items = append(h.items, it)
	h.itemsMap[it.Key] = it
}

func (h *MapHeap[K]) Pop() interface{} {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	h.items = old[:n-1]
	delete(h.itemsMap, it.Key)
	return it
}

// AddItem adds key with the given priority or updates the priority of an
// existing key.
func (h *MapHeap[K]) AddItem(key K, priority uint64) {
	if it, exists := h.itemsMap[key]; exists {
		it.Priority = priority
		heap.Fix(h, it.index)
		return
	}
	heap.Push(h, &Item[K]{Key: key, Priority: priority})
}

// RemoveByKey removes key and returns its priority.
func (h *MapHeap[K]) RemoveByKey(key K) (uint64, bool) {
	it, exists := h.itemsMap[key]
	if !exists {
		return 0, false
	}
	heap.Remove(h, it.index)
	return it.Priority, true
}

// Peek returns the item with the lowest priority without removing it.
func (h *MapHeap[K]) Peek() (Item[K], bool) {
	if len(h.items) == 0 {
		return Item[K]{}, false
	}
	return *h.items[0], true
}

// PopDue removes and returns the item with the lowest priority if that
// priority is at most now.
func (h *MapHeap[K]) PopDue(now uint64) (Item[K], bool) {
	if len(h.items) == 0 || h.items[0].Priority > now {
		return Item[K]{}, false
	}
	return *heap.Pop(h).(*Item[K]), true
}

// Contains reports whether key is queued.
func (h *MapHeap[K]) Contains(key K) bool {
	_, exists := h.itemsMap[key]
	return exists
}

// GetByKey returns the item of key without removing it.
func (h *MapHeap[K]) GetByKey(key K) (Item[K], bool) {
	it, exists := h.itemsMap[key]
	if !exists {
		return Item[K]{}, false
	}
	return *it, true
}

// Reset removes all items.
func (h *MapHeap[K]) Reset() {
	clear(h.items)
	h.items = h.items[:0]
	clear(h.itemsMap)
}
