// SPDX-License-Identifier: Apache-2.0

package enforcer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lteConfig(imsi string) Config {
	return Config{
		CommonContext: CommonContext{Imsi: imsi, Apn: "magma.ipv4", Rat: RatLTE, UeIP: "1.2.3.4"},
		LTE:           &LTEContext{QCI: 9},
	}
}

// TestInitUsageRefill covers a session created with an initial grant,
// reporting partial usage, and receiving a top-up that keeps the
// running totals consistent.
func TestInitUsageRefill(t *testing.T) {
	now := time.Now()
	s := NewSessionState("IMSI001", "s1", lteConfig("IMSI001"), now)

	rg10 := CreditKey{RatingGroup: 10}
	statics := NewStaticRuleStore([]PolicyRule{
		{RuleID: "r-rg10", ChargingKey: rg10, HasChargingKey: true},
	})

	uc := NewUpdateCriteria()
	s.ReceiveChargingCredit(ChargingCreditResponse{
		Key: rg10, Success: true, GrantedTx: 1000, Tracking: TrackingTotal,
	}, uc)

	installStatic, _, _ := s.ApplyRuleSet([]string{"r-rg10"}, nil, uc)
	assert.Equal(t, []string{"r-rg10"}, installStatic)

	uc = NewUpdateCriteria()
	installed := s.ApplyUsage([]RuleRecord{{RuleID: "r-rg10", UsedTx: 800, UsedRx: 0}}, statics, uc)
	assert.Equal(t, []string{"r-rg10"}, installed)

	uc = NewUpdateCriteria()
	req, actions := s.GetUpdates(now, 80, uc)
	require.NotNil(t, req)
	assert.Empty(t, actions)
	require.Len(t, req.CreditUsages, 1)
	assert.Equal(t, int64(800), req.CreditUsages[0].BytesTx)
	assert.Equal(t, int64(0), req.CreditUsages[0].BytesRx)
	assert.Equal(t, uint32(1), s.RequestNumber())
	assert.Equal(t, uint32(1), req.RequestNumber)

	uc = NewUpdateCriteria()
	s.ReceiveChargingCredit(ChargingCreditResponse{
		Key: rg10, Success: true, GrantedTx: 2000, Tracking: TrackingTotal,
	}, uc)

	credit, ok := s.GetChargingCredit(rg10)
	require.True(t, ok)
	assert.Equal(t, int64(800), credit.UsedTx)
	assert.Equal(t, int64(3000), credit.AllowedTx)
	assert.Equal(t, int64(0), credit.ReportingTx)
	assert.Equal(t, int64(800), credit.ReportedTx)

	uc = NewUpdateCriteria()
	req2, _ := s.GetUpdates(now, 80, uc)
	assert.Nil(t, req2, "no new usage since last report, nothing warrants a round trip")
	assert.Equal(t, uint32(1), s.RequestNumber())
}

// TestFinalUnitRedirect covers a final grant with a redirect final-unit
// action that usage then exhausts: usage reported against it should
// trigger the redirect action exactly once and stop further reporting
// against that key.
func TestFinalUnitRedirect(t *testing.T) {
	now := time.Now()
	s := NewSessionState("IMSI001", "s1", lteConfig("IMSI001"), now)

	rg10 := CreditKey{RatingGroup: 10}
	statics := NewStaticRuleStore([]PolicyRule{
		{RuleID: "r-rg10", ChargingKey: rg10, HasChargingKey: true},
	})

	uc := NewUpdateCriteria()
	s.ReceiveChargingCredit(ChargingCreditResponse{
		Key: rg10, Success: true, GrantedTx: 1000, Tracking: TrackingTotal,
		IsFinal: true,
		FinalAction: FinalActionInfo{
			Action:         FinalActionRedirect,
			RedirectServer: "10.10.10.10",
		},
	}, uc)

	uc = NewUpdateCriteria()
	s.ApplyRuleSet([]string{"r-rg10"}, nil, uc)

	uc = NewUpdateCriteria()
	s.ApplyUsage([]RuleRecord{{RuleID: "r-rg10", UsedTx: 1000, UsedRx: 0}}, statics, uc)

	uc = NewUpdateCriteria()
	req, actions := s.GetUpdates(now, 80, uc)

	require.Len(t, actions, 1)
	assert.Equal(t, ActionRedirect, actions[0].Type)
	assert.Equal(t, "10.10.10.10", actions[0].RedirectServer)

	// No further CreditUsageUpdate is emitted for the exhausted final key.
	if req != nil {
		for _, cu := range req.CreditUsages {
			assert.NotEqual(t, rg10, cu.Key)
		}
	}
}

// TestReauthOfUnknownKey checks that ReauthKey against an unregistered
// charging key returns an error rather than lazily creating one.
func TestReauthOfUnknownKey(t *testing.T) {
	s := NewSessionState("IMSI001", "s1", lteConfig("IMSI001"), time.Now())

	uc := NewUpdateCriteria()
	err := s.ReauthKey(CreditKey{RatingGroup: 99}, uc)
	assert.Error(t, err)
	_, ok := s.GetChargingCredit(CreditKey{RatingGroup: 99})
	assert.False(t, ok, "unknown key must not be lazily created")
}

// TestRuleLifetimeSyncDeactivatesExpiredRules checks that
// SyncRulesToTime deactivates only the rules whose lifetime has
// elapsed as of the given time, leaving rules still within their
// window active.
func TestRuleLifetimeSyncDeactivatesExpiredRules(t *testing.T) {
	now := time.Now().Unix()
	s := NewSessionState("IMSI001", "s1", lteConfig("IMSI001"), time.Now())

	uc := NewUpdateCriteria()
	s.activeStaticRuleIDs = append(s.activeStaticRuleIDs, "r-keep", "r-expire")
	s.ruleLifetimes["r-keep"] = RuleLifetime{ActivationTime: now - 60, DeactivationTime: now + 120}
	s.ruleLifetimes["r-expire"] = RuleLifetime{DeactivationTime: now - 10}

	_, _, deactivated := s.SyncRulesToTime(now, uc)

	assert.ElementsMatch(t, []string{"r-expire"}, deactivated)
	assert.True(t, s.hasActiveStaticRule("r-keep"))
	assert.False(t, s.hasActiveStaticRule("r-expire"))
}

// TestScheduledDynamicRulePromotedWhenWindowOpens checks the scheduled
// store hands a dynamic rule to the active store once its activation
// time passes, and drops it outright if the whole window elapsed.
func TestScheduledDynamicRulePromotedWhenWindowOpens(t *testing.T) {
	now := time.Now().Unix()
	s := NewSessionState("IMSI001", "s1", lteConfig("IMSI001"), time.Now())

	uc := NewUpdateCriteria()
	s.ScheduleDynamicRule(PolicyRule{RuleID: "dyn-later"}, RuleLifetime{ActivationTime: now + 60}, uc)
	s.ScheduleDynamicRule(PolicyRule{RuleID: "dyn-missed"}, RuleLifetime{ActivationTime: now - 120, DeactivationTime: now - 60}, uc)

	uc = NewUpdateCriteria()
	_, toInstall, _ := s.SyncRulesToTime(now, uc)
	assert.Empty(t, toInstall, "window not open yet")

	_, ok := s.scheduledDynamicRules.Get("dyn-missed")
	assert.False(t, ok, "rule past its whole window is dropped")

	uc = NewUpdateCriteria()
	_, toInstall, _ = s.SyncRulesToTime(now+61, uc)
	require.Len(t, toInstall, 1)
	assert.Equal(t, "dyn-later", toInstall[0].RuleID)

	_, ok = s.activeDynamicRules.Get("dyn-later")
	assert.True(t, ok)
	_, ok = s.scheduledDynamicRules.Get("dyn-later")
	assert.False(t, ok)
}

func TestApplyUsageDoesNotCreateUnknownChargingGrant(t *testing.T) {
	s := NewSessionState("IMSI001", "s1", lteConfig("IMSI001"), time.Now())
	statics := NewStaticRuleStore([]PolicyRule{
		{RuleID: "r-unknown-key", ChargingKey: CreditKey{RatingGroup: 77}, HasChargingKey: true},
	})

	uc := NewUpdateCriteria()
	installed := s.ApplyUsage([]RuleRecord{{RuleID: "r-unknown-key", UsedTx: 100}}, statics, uc)
	assert.Empty(t, installed, "rule not installed in the session, so it's excluded from ue-reported-usage")

	_, ok := s.GetChargingCredit(CreditKey{RatingGroup: 77})
	assert.False(t, ok)
}

func TestApplyUsageUnknownRuleIsDropped(t *testing.T) {
	s := NewSessionState("IMSI001", "s1", lteConfig("IMSI001"), time.Now())
	statics := NewStaticRuleStore(nil)

	uc := NewUpdateCriteria()
	installed := s.ApplyUsage([]RuleRecord{{RuleID: "does-not-exist", UsedTx: 100}}, statics, uc)
	assert.Empty(t, installed)
}

// TestFinalExhaustedMonitorIsDeleted covers the monitor deletion
// predicate: a final zero-top-up grant arriving once the quota is fully
// consumed removes the monitor instead of keeping a dead bucket around.
func TestFinalExhaustedMonitorIsDeleted(t *testing.T) {
	s := NewSessionState("IMSI001", "s1", lteConfig("IMSI001"), time.Now())

	uc := NewUpdateCriteria()
	s.ReceiveMonitor(MonitorResponse{MonitoringKey: "mk1", Level: SessionLevel, Success: true, GrantedTx: 1000}, uc)
	s.applyMonitorUsage("mk1", true, 1000, 0, uc)

	uc = NewUpdateCriteria()
	s.ReceiveMonitor(MonitorResponse{MonitoringKey: "mk1", Level: SessionLevel, Success: true, IsFinal: true}, uc)

	_, ok := s.GetMonitorCredit("mk1")
	assert.False(t, ok)
	assert.Equal(t, []string{"mk1"}, uc.MonitorsToDelete)
}

func TestMonitorDisableClearsSessionLevelKey(t *testing.T) {
	s := NewSessionState("IMSI001", "s1", lteConfig("IMSI001"), time.Now())

	uc := NewUpdateCriteria()
	s.SetSessionLevelKey("mk1", uc)
	s.ReceiveMonitor(MonitorResponse{MonitoringKey: "mk1", Level: SessionLevel, Success: true, GrantedTx: 100, Disable: true}, uc)

	snap := s.ToSnapshot()
	assert.False(t, snap.HasSessionLevelKey)

	_, ok := s.GetMonitorCredit("mk1")
	assert.False(t, ok)
}

func TestBindPolicyToBearerFailureRemovesRule(t *testing.T) {
	s := NewSessionState("IMSI001", "s1", lteConfig("IMSI001"), time.Now())

	uc := NewUpdateCriteria()
	s.activeDynamicRules.Insert(PolicyRule{RuleID: "dyn-1"})

	s.BindPolicyToBearer(BearerCreateResponse{PolicyID: "dyn-1", BearerID: 0}, uc)

	_, ok := s.activeDynamicRules.Get("dyn-1")
	assert.False(t, ok)
	assert.Equal(t, []string{"dyn-1"}, uc.DynamicRulesToUninstall)
}

func TestBindPolicyToBearerSuccessRecordsMapping(t *testing.T) {
	s := NewSessionState("IMSI001", "s1", lteConfig("IMSI001"), time.Now())

	uc := NewUpdateCriteria()
	s.activeDynamicRules.Insert(PolicyRule{RuleID: "dyn-1"})

	s.BindPolicyToBearer(BearerCreateResponse{PolicyID: "dyn-1", BearerID: 7}, uc)

	assert.Equal(t, uint32(7), s.bearerMap["dyn-1"])
	assert.Equal(t, uint32(7), uc.BearerAdds["dyn-1"])
}

func TestMakeTerminationRequestConsumesRequestNumberOnce(t *testing.T) {
	s := NewSessionState("IMSI001", "s1", lteConfig("IMSI001"), time.Now())

	rg10 := CreditKey{RatingGroup: 10}
	uc := NewUpdateCriteria()
	s.ReceiveChargingCredit(ChargingCreditResponse{Key: rg10, Success: true, GrantedTx: 100, Tracking: TrackingTotal}, uc)

	uc = NewUpdateCriteria()
	statics := NewStaticRuleStore([]PolicyRule{{RuleID: "r", ChargingKey: rg10, HasChargingKey: true}})
	s.ApplyUsage([]RuleRecord{{RuleID: "r", UsedTx: 50}}, statics, uc)

	uc = NewUpdateCriteria()
	req := s.MakeTerminationRequest(uc)

	require.Len(t, req.ChargingUsage, 1)
	assert.Equal(t, int64(50), req.ChargingUsage[0].BytesTx)
	assert.Equal(t, uint32(1), s.RequestNumber())
	assert.Equal(t, uint32(1), req.RequestNumber)
}

// TestRevalidationTriggerLifecycle walks the revalidation-timeout
// event trigger through pending -> ready -> reported-and-cleared.
func TestRevalidationTriggerLifecycle(t *testing.T) {
	now := time.Now()
	s := NewSessionState("IMSI001", "s1", lteConfig("IMSI001"), now)

	uc := NewUpdateCriteria()
	s.SetRevalidationTime(now.Add(time.Minute), uc)
	assert.Equal(t, TriggerPending, uc.EventTriggerUpdates[EventRevalidationTimeout])

	// Still pending: nothing warrants a round trip yet.
	uc = NewUpdateCriteria()
	req, _ := s.GetUpdates(now, 80, uc)
	assert.Nil(t, req)

	uc = NewUpdateCriteria()
	s.MarkEventTriggerReady(EventRevalidationTimeout, uc)

	uc = NewUpdateCriteria()
	req, _ = s.GetUpdates(now, 80, uc)
	require.NotNil(t, req)
	require.Len(t, req.MonitorUsages, 1)
	assert.Equal(t, []EventTrigger{EventRevalidationTimeout}, req.MonitorUsages[0].EventTriggers)
	assert.Equal(t, uint32(1), req.RequestNumber)

	// Cleared: the trigger is reported once.
	uc = NewUpdateCriteria()
	req, _ = s.GetUpdates(now, 80, uc)
	assert.Nil(t, req)
}

func TestMarkEventTriggerReadyIgnoresUnarmedTrigger(t *testing.T) {
	s := NewSessionState("IMSI001", "s1", lteConfig("IMSI001"), time.Now())

	uc := NewUpdateCriteria()
	s.MarkEventTriggerReady(EventRevalidationTimeout, uc)
	assert.Empty(t, uc.EventTriggerUpdates)
}

// TestPermanentKeyRefusalDerivesTerminate covers a per-key negative
// acknowledgement with a permanent result code: the grant's service
// needs deactivation, surfaced as a terminate action exactly once.
func TestPermanentKeyRefusalDerivesTerminate(t *testing.T) {
	s := NewSessionState("IMSI001", "s1", lteConfig("IMSI001"), time.Now())

	rg10 := CreditKey{RatingGroup: 10}
	uc := NewUpdateCriteria()
	s.ReceiveChargingCredit(ChargingCreditResponse{Key: rg10, Success: false, ResultCode: 5001}, uc)

	uc = NewUpdateCriteria()
	actions := s.DeriveServiceActions([]CreditKey{rg10}, uc)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionTerminate, actions[0].Type)

	uc = NewUpdateCriteria()
	assert.Empty(t, s.DeriveServiceActions([]CreditKey{rg10}, uc), "identical action is not re-emitted")
}

func TestTransientKeyRefusalKeepsServiceEnabled(t *testing.T) {
	s := NewSessionState("IMSI001", "s1", lteConfig("IMSI001"), time.Now())

	rg10 := CreditKey{RatingGroup: 10}
	uc := NewUpdateCriteria()
	s.ReceiveChargingCredit(ChargingCreditResponse{Key: rg10, Success: false, ResultCode: ResultCodeTemporaryError}, uc)

	uc = NewUpdateCriteria()
	assert.Empty(t, s.DeriveServiceActions([]CreditKey{rg10}, uc))
}

func TestSessionInvariantUsedGreaterOrEqualReported(t *testing.T) {
	s := NewSessionState("IMSI001", "s1", lteConfig("IMSI001"), time.Now())

	rg10 := CreditKey{RatingGroup: 10}
	uc := NewUpdateCriteria()
	s.ReceiveChargingCredit(ChargingCreditResponse{Key: rg10, Success: true, GrantedTx: 1000, Tracking: TrackingTotal}, uc)

	statics := NewStaticRuleStore([]PolicyRule{{RuleID: "r", ChargingKey: rg10, HasChargingKey: true}})

	for i := 0; i < 5; i++ {
		uc = NewUpdateCriteria()
		s.ApplyUsage([]RuleRecord{{RuleID: "r", UsedTx: 50}}, statics, uc)

		credit, _ := s.GetChargingCredit(rg10)
		assert.GreaterOrEqual(t, credit.UsedTx, credit.ReportedTx)

		uc = NewUpdateCriteria()
		req, _ := s.GetUpdates(time.Now(), 0, uc)
		if req != nil {
			for range req.CreditUsages {
				uc2 := NewUpdateCriteria()
				s.ReceiveChargingCredit(ChargingCreditResponse{Key: rg10, Success: true, GrantedTx: 1000, Tracking: TrackingTotal}, uc2)
			}
		}

		credit, _ = s.GetChargingCredit(rg10)
		assert.Equal(t, int64(0), credit.ReportingTx, "reporting must be cleared after commit")
	}
}
