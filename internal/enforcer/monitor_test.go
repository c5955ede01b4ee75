// SPDX-License-Identifier: Apache-2.0

package enforcer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMonitorShouldDelete(t *testing.T) {
	m := &Monitor{Level: SessionLevel}
	m.Credit.ReceiveGrant(1000, 0, TrackingTotal)
	m.Credit.AddUsed(1000, 0)

	assert.False(t, m.ShouldDelete(), "not final yet, quota exhausted but not marked final")

	m.IsFinal = true
	assert.True(t, m.ShouldDelete())
}

func TestMonitorNotDeletedWhilePartial(t *testing.T) {
	m := &Monitor{IsFinal: true}
	m.Credit.ReceiveGrant(1000, 0, TrackingTotal)
	m.Credit.AddUsed(500, 0)

	assert.False(t, m.ShouldDelete())
}
