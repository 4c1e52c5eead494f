package taskengine

import (
	"time"

	"github.com/fleetmesh/orchestrator/internal/types"
)

// pqItem is one entry in the pending priority queue, keyed by
// (priority, created_at).
type pqItem struct {
	taskID    string
	priority  types.Priority
	createdAt time.Time
	index     int
}

// priorityQueue implements container/heap.Interface. Lower Priority value
// sorts first; ties broken by earlier created_at (FIFO within a priority).
type priorityQueue []*pqItem

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].priority != pq[j].priority {
		return pq[i].priority < pq[j].priority
	}
	return pq[i].createdAt.Before(pq[j].createdAt)
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	item := x.(*pqItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[:n-1]
	return item
}
