// Waypost - Live Location Streaming and Presence
// Copyright 2026 Waypost Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/waypost-io/waypost

package tracker

import "github.com/waypost-io/waypost/internal/pipeline"

// offlineQueue is a bounded FIFO of updates sampled while disconnected.
// When full, the oldest update is dropped: the freshest positions are the
// valuable ones.
type offlineQueue struct {
	items    []pipeline.Update
	capacity int
	dropped  int
}

func newOfflineQueue(capacity int) *offlineQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &offlineQueue{capacity: capacity}
}

// Push appends an update, evicting the oldest when at capacity.
func (q *offlineQueue) Push(update pipeline.Update) {
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, update)
}

// PushFront re-queues an update whose delivery failed, so flushing resumes
// with it. At capacity the newest item yields instead of the failed one.
func (q *offlineQueue) PushFront(update pipeline.Update) {
	if len(q.items) >= q.capacity {
		q.items = q.items[:len(q.items)-1]
		q.dropped++
	}
	q.items = append([]pipeline.Update{update}, q.items...)
}

// Pop removes and returns the oldest update.
func (q *offlineQueue) Pop() (pipeline.Update, bool) {
	if len(q.items) == 0 {
		return pipeline.Update{}, false
	}
	update := q.items[0]
	q.items = q.items[1:]
	return update, true
}

// Len returns the number of queued updates.
func (q *offlineQueue) Len() int { return len(q.items) }

// Dropped returns how many updates were evicted by overflow.
func (q *offlineQueue) Dropped() int { return q.dropped }

// Clear discards all queued updates.
func (q *offlineQueue) Clear() { q.items = nil }
