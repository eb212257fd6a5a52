/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package abt

import "container/heap"

// prioItem is one queued ULT plus its priority (higher first) and an
// insertion sequence for FIFO tie-breaking, mirroring Argobots' priority
// pool contract.
type prioItem struct {
	ult  ULT
	prio int
	seq  int64
}

type prioHeap []*prioItem

func (h prioHeap) Len() int { return len(h) }
func (h prioHeap) Less(i, j int) bool {
	if h[i].prio != h[j].prio {
		return h[i].prio > h[j].prio
	}
	return h[i].seq < h[j].seq
}
func (h prioHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *prioHeap) Push(x any)   { *h = append(*h, x.(*prioItem)) }
func (h *prioHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type priorityQueue struct {
	h    prioHeap
	next int64
}

func newPriorityQueue() *priorityQueue {
	pq := &priorityQueue{}
	heap.Init(&pq.h)
	return pq
}

func (pq *priorityQueue) push(u ULT, prio int) {
	heap.Push(&pq.h, &prioItem{ult: u, prio: prio, seq: pq.next})
	pq.next++
}

func (pq *priorityQueue) pop() (ULT, bool) {
	if pq.h.Len() == 0 {
		return nil, false
	}
	item := heap.Pop(&pq.h).(*prioItem)
	return item.ult, true
}
