// SPDX-License-Identifier: Apache-2.0

package enforcer

// GrantTrackingType chooses which directions are metered against the
// allowed bucket when evaluating quota exhaustion.
type GrantTrackingType int

const (
	TrackingTotal GrantTrackingType = iota
	TrackingTxOnly
	TrackingRxOnly
	TrackingAll
)

func (t GrantTrackingType) String() string {
	switch t {
	case TrackingTotal:
		return "TOTAL"
	case TrackingTxOnly:
		return "TX_ONLY"
	case TrackingRxOnly:
		return "RX_ONLY"
	case TrackingAll:
		return "ALL"
	default:
		return "UNKNOWN"
	}
}

// ResultCode mirrors the per-key result code a cloud grant response
// carries alongside success=false.
type ResultCode uint32

// Result codes the enforcer itself produces for requests that never
// reach a per-key grant negotiation.
const (
	ResultCodeSuccess         ResultCode = 0
	ResultCodeSessionNotFound ResultCode = 5002
	ResultCodeUnknownKey      ResultCode = 5003
	ResultCodeTemporaryError  ResultCode = 4002
)

// IsPermanentFailure reports whether the code is a permanent (5xxx)
// negative acknowledgement: the key will not be granted again, as
// opposed to a transient 4xxx refusal that is retried.
func (c ResultCode) IsPermanentFailure() bool {
	return c >= 5000
}

// Credit is a direction-tagged counter bundle tracking how much of a
// grant has been used, reported, and is currently in flight.
type Credit struct {
	UsedTx int64
	UsedRx int64

	AllowedTx int64
	AllowedRx int64

	ReportingTx int64
	ReportingRx int64

	ReportedTx int64
	ReportedRx int64

	Tracking GrantTrackingType

	// LastGrantedTx/Rx record the volume of the most recently received
	// grant, independent of the running AllowedTx/Rx total, so a final
	// zero-valued top-up can be distinguished from "no grant received
	// yet" for CurrentGrantContainsZero.
	LastGrantedTx int64
	LastGrantedRx int64
	HasGrant      bool
}

// AddUsed adds freshly observed usage to the used buckets.
func (c *Credit) AddUsed(tx, rx int64) {
	c.UsedTx += tx
	c.UsedRx += rx
}

// ReceiveGrant records a successful grant: allowed is increased by the
// granted units and the tracking type used to judge exhaustion is
// replaced with the one the cloud specified for this grant.
func (c *Credit) ReceiveGrant(grantedTx, grantedRx int64, tracking GrantTrackingType) {
	c.AllowedTx += grantedTx
	c.AllowedRx += grantedRx
	c.Tracking = tracking
	c.LastGrantedTx = grantedTx
	c.LastGrantedRx = grantedRx
	c.HasGrant = true
}

// Usage is the used-but-not-yet-reported volume for a single direction
// pair, returned by GetUsageForReport.
type Usage struct {
	BytesTx int64
	BytesRx int64
}

// GetUsageForReport moves used-but-unreported usage into the reporting
// buckets and returns what was moved. Calling it while a report is
// already in flight (Reporting* non-zero) returns a zero Usage — the
// caller is expected to check that before invoking this, but it is kept
// idempotent regardless.
func (c *Credit) GetUsageForReport() Usage {
	if c.ReportingTx != 0 || c.ReportingRx != 0 {
		return Usage{}
	}

	tx := c.UsedTx - c.ReportedTx
	rx := c.UsedRx - c.ReportedRx

	if tx < 0 {
		tx = 0
	}

	if rx < 0 {
		rx = 0
	}

	c.ReportingTx = tx
	c.ReportingRx = rx

	return Usage{BytesTx: tx, BytesRx: rx}
}

// MarkSuccess commits the in-flight reporting buckets as reported.
func (c *Credit) MarkSuccess() {
	c.ReportedTx += c.ReportingTx
	c.ReportedRx += c.ReportingRx
	c.ReportingTx = 0
	c.ReportingRx = 0
}

// MarkFailure drops the in-flight reporting buckets so the usage is
// retried on the next cycle. The result code is returned to the caller
// for logging/metrics; it does not change accounting on its own.
func (c *Credit) MarkFailure(code ResultCode) ResultCode {
	c.ReportingTx = 0
	c.ReportingRx = 0
	return code
}

// IsReporting reports whether a report is currently in flight for this
// credit, used to coalesce updates so a second report isn't sent before
// the first is acknowledged.
func (c *Credit) IsReporting() bool {
	return c.ReportingTx != 0 || c.ReportingRx != 0
}

// totalUsed/totalAllowed apply the tracking type to reduce the two
// direction counters to the scalar the quota predicate compares.
func (c *Credit) totalUsed() int64 {
	switch c.Tracking {
	case TrackingTxOnly:
		return c.UsedTx
	case TrackingRxOnly:
		return c.UsedRx
	default:
		return c.UsedTx + c.UsedRx
	}
}

func (c *Credit) totalAllowed() int64 {
	switch c.Tracking {
	case TrackingTxOnly:
		return c.AllowedTx
	case TrackingRxOnly:
		return c.AllowedRx
	default:
		return c.AllowedTx + c.AllowedRx
	}
}

// IsQuotaExhausted reports whether used >= (threshold/100)*allowed under
// the active tracking type. A zero-valued allowed (no grant yet) is
// never considered exhausted.
func (c *Credit) IsQuotaExhausted(thresholdPercent float64) bool {
	allowed := c.totalAllowed()
	if allowed <= 0 {
		return false
	}

	used := c.totalUsed()

	return float64(used)*100 >= thresholdPercent*float64(allowed)
}

// CurrentGrantContainsZero reports whether the most recent grant added
// zero allowed bytes in every tracked direction — i.e. the cloud sent an
// explicit "no more bytes" top-up rather than a real refill.
func (c *Credit) CurrentGrantContainsZero() bool {
	return c.HasGrant && c.LastGrantedTx == 0 && c.LastGrantedRx == 0
}
