// SPDX-License-Identifier: Apache-2.0

package client

import (
	"sync"
	"time"
)

// InMemoryScheduler is a time.AfterFunc-backed Scheduler: a sync.Map of
// pending timer state, mutation otherwise left to the single-goroutine
// discipline the enforcer's event loop guarantees.
type InMemoryScheduler struct {
	pending sync.Map // handle -> *time.Timer
}

// NewInMemoryScheduler returns a ready-to-use scheduler.
func NewInMemoryScheduler() *InMemoryScheduler {
	return &InMemoryScheduler{}
}

type timerHandle struct {
	sched *InMemoryScheduler
	timer *time.Timer
}

func (h *timerHandle) Cancel() {
	h.timer.Stop()
	h.sched.pending.Delete(h)
}

// ScheduleIn runs cb after d, returning a handle that cancels it.
func (s *InMemoryScheduler) ScheduleIn(d time.Duration, cb func()) Handle {
	h := &timerHandle{sched: s}

	h.timer = time.AfterFunc(d, func() {
		s.pending.Delete(h)
		cb()
	})

	s.pending.Store(h, h.timer)

	return h
}
