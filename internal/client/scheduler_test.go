// SPDX-License-Identifier: Apache-2.0

package client

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInMemorySchedulerRunsCallbackAfterDelay(t *testing.T) {
	s := NewInMemoryScheduler()

	var fired int32

	s.ScheduleIn(10*time.Millisecond, func() {
		atomic.AddInt32(&fired, 1)
	})

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) == 1
	}, time.Second, time.Millisecond)
}

func TestInMemorySchedulerCancelPreventsCallback(t *testing.T) {
	s := NewInMemoryScheduler()

	var fired int32

	h := s.ScheduleIn(20*time.Millisecond, func() {
		atomic.AddInt32(&fired, 1)
	})
	h.Cancel()

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
}
