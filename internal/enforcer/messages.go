// SPDX-License-Identifier: Apache-2.0

package enforcer

import "time"

// RatType names the access technology a session was attached over.
type RatType int

const (
	RatLTE RatType = iota
	RatWLAN
)

// LTEContext carries the LTE-specific fields of a session's config.
type LTEContext struct {
	BearerID uint32
	IMEI     string
	PLMNID   string
	SPGWIP   string
	UserLoc  string
	QCI      uint8
}

// WLANContext carries the WLAN-specific fields of a session's config.
type WLANContext struct {
	MACAddr string
}

// CommonContext is the RAT-independent part of a session's config.
type CommonContext struct {
	Imsi    string
	Msisdn  string
	Apn     string
	Rat     RatType
	UeIP    string
	Sid     string
}

// Config is the full per-session configuration snapshot, carried
// unchanged for the session's lifetime.
type Config struct {
	CommonContext CommonContext
	LTE           *LTEContext
	WLAN          *WLANContext
}

// EventTrigger names a condition the cloud may ask to be told about.
type EventTrigger int

const (
	EventRevalidationTimeout EventTrigger = iota
	EventReAuthRequired
	EventUeIPChange
)

// EventTriggerState is where a pending trigger is in its lifecycle.
type EventTriggerState int

const (
	TriggerPending EventTriggerState = iota
	TriggerReady
	TriggerCleared
)

// SubscriberQuotaState is the coarse WLAN-specific quota signal
// surfaced to AAA.
type SubscriberQuotaState int

const (
	QuotaValid SubscriberQuotaState = iota
	QuotaNone
	QuotaTerminate
)

// CreditUsageUpdate is one charging-key entry of an UpdateSessionRequest.
type CreditUsageUpdate struct {
	Key           CreditKey
	BytesTx       int64
	BytesRx       int64
	Type          string // "USAGE" or "REAUTH_REQUIRED"
}

// UsageMonitoringUpdate is one monitoring-key entry of an
// UpdateSessionRequest.
type UsageMonitoringUpdate struct {
	MonitoringKey string
	Level         MonitoringLevel
	BytesTx       int64
	BytesRx       int64
	EventTriggers []EventTrigger
}

// UpdateSessionRequest is the batched request the enforcer sends to the
// cloud reporter once per collect cycle.
type UpdateSessionRequest struct {
	Imsi            string
	SessionID       string
	RequestNumber   uint32
	CorrelationID   string
	CreditUsages    []CreditUsageUpdate
	MonitorUsages   []UsageMonitoringUpdate
}

// ChargingCreditResponse is one charging key's grant/refusal in an
// UpdateSessionResponse or CreateSessionResponse.
type ChargingCreditResponse struct {
	Key          CreditKey
	Success      bool
	ResultCode   ResultCode
	GrantedTx    int64
	GrantedRx    int64
	Tracking     GrantTrackingType
	ValidityTime time.Time
	IsFinal      bool
	FinalAction  FinalActionInfo
}

// MonitorResponse is one monitoring key's grant/action in an
// UpdateSessionResponse or CreateSessionResponse.
type MonitorResponse struct {
	MonitoringKey string
	Level         MonitoringLevel
	Success       bool
	ResultCode    ResultCode
	GrantedTx     int64
	GrantedRx     int64
	IsFinal       bool
	Disable       bool
}

// UpdateSessionResponse is the cloud's reply to an UpdateSessionRequest.
type UpdateSessionResponse struct {
	Imsi            string
	SessionID       string
	ChargingCredits []ChargingCreditResponse
	Monitors        []MonitorResponse
}

// CreateSessionRequest asks the cloud to create credit/monitoring state
// for a new session.
type CreateSessionRequest struct {
	Config Config
}

// CreateSessionResponse seeds the initial grants for a new session.
type CreateSessionResponse struct {
	ChargingCredits     []ChargingCreditResponse
	Monitors            []MonitorResponse
	SessionLevelKey     string
	HasSessionLevelKey  bool
	StaticRuleIDs       []string
	DynamicRules        []PolicyRule
	RevalidationTime    time.Time
}

// ChargingGrantSnapshot is one charging key's unreported terminal usage
// in a SessionTerminateRequest.
type ChargingGrantSnapshot struct {
	Key     CreditKey
	BytesTx int64
	BytesRx int64
}

// MonitorSnapshot is one monitoring key's unreported usage in a
// SessionTerminateRequest.
type MonitorSnapshot struct {
	MonitoringKey string
	BytesTx       int64
	BytesRx       int64
}

// SessionTerminateRequest snapshots all unreported usage for a single
// final report to the cloud.
type SessionTerminateRequest struct {
	Imsi          string
	SessionID     string
	RequestNumber uint32
	CorrelationID string
	ChargingUsage []ChargingGrantSnapshot
	MonitorUsage  []MonitorSnapshot
}

// PolicyReAuthRequest is a cloud-initiated RAR.
type PolicyReAuthRequest struct {
	Imsi            string
	SessionID       string // empty means "all sessions under imsi"
	RulesToInstall  []PolicyRule
	RuleIDsToRemove []string

	// RuleLifetimes optionally bounds installed rules to a future
	// activation/deactivation window, keyed by rule id. A rule whose
	// activation time is still ahead is held in the scheduled store
	// until the window opens.
	RuleLifetimes map[string]RuleLifetime

	RevalidationTime time.Time
}

// PolicyReAuthAnswer is the session-side outcome of a RAR, returned to
// the cloud.
type PolicyReAuthAnswer struct {
	Imsi            string
	SessionID       string
	ResultCode      ResultCode
	FailedRuleIDs   []string
}

// ChargingReAuthRequest asks the session to mark a charging key (or all
// of them) as needing reauth.
type ChargingReAuthRequest struct {
	Imsi      string
	SessionID string
	Key       CreditKey
	AllKeys   bool
}

// BearerCreateRequest asks the access network to create a dedicated
// bearer for a QoS-bearing rule.
type BearerCreateRequest struct {
	Imsi         string
	SessionID    string
	PolicyID     string
	LinkBearerID uint32
	QoS          QoS
}

// BearerCreateResponse is the SGW's ack; BearerID == 0 means creation
// failed.
type BearerCreateResponse struct {
	Imsi      string
	SessionID string
	PolicyID  string
	BearerID  uint32
}

// RuleRecord is one rule's usage observed in a single data-plane report.
type RuleRecord struct {
	RuleID  string
	UsedTx  int64
	UsedRx  int64
}
