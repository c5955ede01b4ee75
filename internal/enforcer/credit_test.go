// SPDX-License-Identifier: Apache-2.0

package enforcer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCreditAddUsedAndReport(t *testing.T) {
	var c Credit

	c.ReceiveGrant(1000, 0, TrackingTotal)
	c.AddUsed(800, 0)

	assert.False(t, c.IsQuotaExhausted(100))
	assert.True(t, c.IsQuotaExhausted(80))

	usage := c.GetUsageForReport()
	assert.Equal(t, int64(800), usage.BytesTx)
	assert.Equal(t, int64(0), usage.BytesRx)
	assert.True(t, c.IsReporting())

	// A second call while reporting is in flight must not double-count.
	assert.Equal(t, Usage{}, c.GetUsageForReport())

	c.MarkSuccess()
	assert.False(t, c.IsReporting())
	assert.Equal(t, int64(800), c.ReportedTx)
	assert.Equal(t, int64(800), c.UsedTx)
	assert.LessOrEqual(t, c.ReportedTx, c.UsedTx)
}

func TestCreditMarkFailureDropsReporting(t *testing.T) {
	var c Credit

	c.ReceiveGrant(1000, 0, TrackingTotal)
	c.AddUsed(900, 0)
	c.GetUsageForReport()

	assert.True(t, c.IsReporting())

	code := c.MarkFailure(ResultCodeTemporaryError)
	assert.Equal(t, ResultCodeTemporaryError, code)
	assert.False(t, c.IsReporting())
	assert.Equal(t, int64(0), c.ReportedTx)
}

func TestCreditQuotaExhaustedTrackingTypes(t *testing.T) {
	tests := []struct {
		name     string
		tracking GrantTrackingType
		tx, rx   int64
		allowTx  int64
		allowRx  int64
		want     bool
	}{
		{"total exhausted combining tx+rx", TrackingTotal, 600, 500, 1000, 0, true},
		{"total under threshold", TrackingTotal, 100, 100, 1000, 1000, false},
		{"tx only ignores rx overage", TrackingTxOnly, 100, 10000, 1000, 0, false},
		{"tx only hits threshold", TrackingTxOnly, 900, 0, 1000, 0, true},
		{"rx only hits threshold", TrackingRxOnly, 0, 900, 0, 1000, true},
		{"no grant never exhausted", TrackingTotal, 100, 100, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Credit
			c.ReceiveGrant(tt.allowTx, tt.allowRx, tt.tracking)
			c.AddUsed(tt.tx, tt.rx)
			assert.Equal(t, tt.want, c.IsQuotaExhausted(80))
		})
	}
}

func TestCreditCurrentGrantContainsZero(t *testing.T) {
	var c Credit
	assert.False(t, c.CurrentGrantContainsZero())

	c.ReceiveGrant(1000, 0, TrackingTotal)
	assert.False(t, c.CurrentGrantContainsZero())

	c.ReceiveGrant(0, 0, TrackingTotal)
	assert.True(t, c.CurrentGrantContainsZero())
}
