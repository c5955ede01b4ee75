// SPDX-License-Identifier: Apache-2.0

package enforcer

import (
	"time"

	"github.com/google/uuid"
)

// SessionKey identifies a session by (imsi, sessionId).
type SessionKey struct {
	Imsi      string
	SessionID string
}

// SessionState is the aggregate per-subscriber object. It is
// exclusively owned by the session store; callers obtain a mutable
// view plus an UpdateCriteria journal and commit or discard the
// journal after processing.
type SessionState struct {
	Imsi      string
	SessionID string
	Config    Config

	fsmState      FSMState
	requestNumber uint32

	pdpStartTime time.Time
	pdpEndTime   time.Time

	chargingGrants map[CreditKey]*ChargingGrant
	monitors       map[string]*Monitor

	// sessionLevelKey is Option[string] rather than a bare string so
	// "no session-level monitor" and "session-level monitor keyed by
	// the empty string" are distinguishable.
	sessionLevelKey Option[string]

	activeStaticRuleIDs   []string
	activeDynamicRules    *DynamicRuleStore
	scheduledStaticRuleIDs []string
	scheduledDynamicRules  *DynamicRuleStore
	gyDynamicRules         *DynamicRuleStore
	activeRestrictRules    []string

	ruleLifetimes map[string]RuleLifetime

	bearerMap map[string]uint32

	eventTriggers map[EventTrigger]EventTriggerState

	revalidationTime time.Time
	quotaState       SubscriberQuotaState
}

// NewSessionState creates a freshly activated session with empty rule
// and credit state.
func NewSessionState(imsi, sessionID string, cfg Config, now time.Time) *SessionState {
	return &SessionState{
		Imsi:      imsi,
		SessionID: sessionID,
		Config:    cfg,

		fsmState:     FSMActive,
		pdpStartTime: now,

		chargingGrants: make(map[CreditKey]*ChargingGrant),
		monitors:       make(map[string]*Monitor),

		sessionLevelKey: None[string](),

		activeDynamicRules:    NewDynamicRuleStore(),
		scheduledDynamicRules: NewDynamicRuleStore(),
		gyDynamicRules:        NewDynamicRuleStore(),

		ruleLifetimes: make(map[string]RuleLifetime),
		bearerMap:     make(map[string]uint32),
		eventTriggers: make(map[EventTrigger]EventTriggerState),

		quotaState: QuotaValid,
	}
}

// Key returns the (imsi, sessionId) identity of this session.
func (s *SessionState) Key() SessionKey {
	return SessionKey{Imsi: s.Imsi, SessionID: s.SessionID}
}

// FSMState returns the current lifecycle state.
func (s *SessionState) FSMState() FSMState { return s.fsmState }

// RequestNumber returns the last consumed request number.
func (s *SessionState) RequestNumber() uint32 { return s.requestNumber }

func (s *SessionState) hasActiveStaticRule(ruleID string) bool {
	for _, id := range s.activeStaticRuleIDs {
		if id == ruleID {
			return true
		}
	}

	return false
}

func (s *SessionState) removeActiveStaticRule(ruleID string) bool {
	for i, id := range s.activeStaticRuleIDs {
		if id == ruleID {
			s.activeStaticRuleIDs = append(s.activeStaticRuleIDs[:i], s.activeStaticRuleIDs[i+1:]...)
			return true
		}
	}

	return false
}

// resolveRule finds a rule referenced by id, searching active dynamic,
// active gy-dynamic, active static (via statics), scheduled dynamic,
// and finally the static registry regardless of activation, so that
// usage against a not-yet-installed rule can still be resolved for
// charging. active reports whether the rule
// is *currently installed* in this session.
func (s *SessionState) resolveRule(ruleID string, statics *StaticRuleStore) (rule PolicyRule, found, active bool) {
	if r, ok := s.activeDynamicRules.Get(ruleID); ok {
		return r, true, true
	}

	if r, ok := s.gyDynamicRules.Get(ruleID); ok {
		return r, true, true
	}

	if s.hasActiveStaticRule(ruleID) {
		if r, ok := statics.Get(ruleID); ok {
			return r, true, true
		}
	}

	if r, ok := s.scheduledDynamicRules.Get(ruleID); ok {
		return r, true, false
	}

	if r, ok := statics.Get(ruleID); ok {
		return r, true, false
	}

	return PolicyRule{}, false, false
}

// ApplyUsage resolves each record's rule and increments the relevant
// charging and monitoring credit. It returns the ids of the records
// that referred to a currently-installed rule, for ue-reported-usage
// metrics; records referring to an unknown rule are dropped entirely
// (invariant ii), and records for a known-but-not-installed rule are
// still charged but excluded from the returned list.
func (s *SessionState) ApplyUsage(records []RuleRecord, statics *StaticRuleStore, uc *UpdateCriteria) []string {
	var installedRuleIDs []string

	for _, rec := range records {
		rule, found, active := s.resolveRule(rec.RuleID, statics)
		if !found {
			continue
		}

		if active {
			installedRuleIDs = append(installedRuleIDs, rec.RuleID)
		}

		if rule.HasChargingKey {
			if g, ok := s.chargingGrants[rule.ChargingKey]; ok {
				g.Credit.AddUsed(rec.UsedTx, rec.UsedRx)

				if g.IsFinal && g.FinalActionInfo.Action == FinalActionTerminate &&
					g.Credit.IsQuotaExhausted(100) && g.ServiceState != ServiceNeedsDeactivation {
					g.ServiceState = ServiceNeedsDeactivation
				}

				uc.recordCreditUpdate(rule.ChargingKey, g)
			}
		}

		s.applyMonitorUsage(rule.MonitoringKey, rule.HasMonitoringKey, rec.UsedTx, rec.UsedRx, uc)

		if sessionKey, ok := s.sessionLevelKey.Get(); ok {
			if !rule.HasMonitoringKey || sessionKey != rule.MonitoringKey {
				s.applyMonitorUsage(sessionKey, true, rec.UsedTx, rec.UsedRx, uc)
			}
		}
	}

	return installedRuleIDs
}

func (s *SessionState) applyMonitorUsage(key string, has bool, tx, rx int64, uc *UpdateCriteria) {
	if !has {
		return
	}

	m, ok := s.monitors[key]
	if !ok {
		return
	}

	m.Credit.AddUsed(tx, rx)
	uc.recordMonitorUpdate(key, m)
}

// ApplyRuleSet declaratively replaces the active static- and
// dynamic-rule sets to match the given ids/rules, with immediate (zero)
// lifetimes, and returns the install/uninstall deltas for the enforcer
// to push to the data plane.
func (s *SessionState) ApplyRuleSet(staticRuleIDs []string, dynamicRules []PolicyRule, uc *UpdateCriteria) (installStaticIDs []string, installDynamic []PolicyRule, uninstallRuleIDs []string) {
	wantStatic := make(map[string]struct{}, len(staticRuleIDs))
	for _, id := range staticRuleIDs {
		wantStatic[id] = struct{}{}
	}

	for _, id := range staticRuleIDs {
		if !s.hasActiveStaticRule(id) {
			s.activeStaticRuleIDs = append(s.activeStaticRuleIDs, id)
			s.ruleLifetimes[id] = RuleLifetime{}
			uc.StaticRulesToInstall = append(uc.StaticRulesToInstall, id)
			uc.NewRuleLifetimes[id] = RuleLifetime{}
			installStaticIDs = append(installStaticIDs, id)
		}
	}

	for _, id := range append([]string(nil), s.activeStaticRuleIDs...) {
		if _, want := wantStatic[id]; !want {
			s.removeActiveStaticRule(id)
			uc.StaticRulesToUninstall = append(uc.StaticRulesToUninstall, id)
			uninstallRuleIDs = append(uninstallRuleIDs, id)
		}
	}

	wantDynamic := make(map[string]struct{}, len(dynamicRules))

	for _, r := range dynamicRules {
		wantDynamic[r.RuleID] = struct{}{}

		if _, ok := s.activeDynamicRules.Get(r.RuleID); !ok {
			s.activeDynamicRules.Insert(r)
			s.ruleLifetimes[r.RuleID] = RuleLifetime{}
			uc.DynamicRulesToInstall = append(uc.DynamicRulesToInstall, r)
			uc.NewRuleLifetimes[r.RuleID] = RuleLifetime{}
			installDynamic = append(installDynamic, r)
		}
	}

	for _, r := range s.activeDynamicRules.All() {
		if _, want := wantDynamic[r.RuleID]; !want {
			s.activeDynamicRules.Remove(r.RuleID)
			uc.DynamicRulesToUninstall = append(uc.DynamicRulesToUninstall, r.RuleID)
			uninstallRuleIDs = append(uninstallRuleIDs, r.RuleID)
		}
	}

	return installStaticIDs, installDynamic, uninstallRuleIDs
}

// SyncRulesToTime deactivates active rules whose deactivation window has
// passed, promotes scheduled rules whose activation window has opened,
// and silently drops scheduled rules whose deactivation window has
// already passed without ever activating them.
func (s *SessionState) SyncRulesToTime(now int64, uc *UpdateCriteria) (toInstallStatic []string, toInstallDynamic []PolicyRule, toDeactivate []string) {
	for _, id := range append([]string(nil), s.activeStaticRuleIDs...) {
		if lt, ok := s.ruleLifetimes[id]; ok && lt.HasDeactivation() && lt.DeactivationTime < now {
			s.removeActiveStaticRule(id)
			uc.StaticRulesToUninstall = append(uc.StaticRulesToUninstall, id)
			toDeactivate = append(toDeactivate, id)
		}
	}

	for _, r := range s.activeDynamicRules.All() {
		if lt, ok := s.ruleLifetimes[r.RuleID]; ok && lt.HasDeactivation() && lt.DeactivationTime < now {
			s.activeDynamicRules.Remove(r.RuleID)
			uc.DynamicRulesToUninstall = append(uc.DynamicRulesToUninstall, r.RuleID)
			toDeactivate = append(toDeactivate, r.RuleID)
		}
	}

	var remainingScheduledStatic []string

	for _, id := range s.scheduledStaticRuleIDs {
		lt := s.ruleLifetimes[id]

		switch {
		case lt.HasDeactivation() && lt.DeactivationTime <= now:
			// Dropped before ever activating: a rule never installed
			// has nothing to uninstall, so it is not recorded in the
			// journal.
			continue
		case lt.ActivationTime != 0 && lt.ActivationTime < now:
			s.activeStaticRuleIDs = append(s.activeStaticRuleIDs, id)
			uc.StaticRulesToInstall = append(uc.StaticRulesToInstall, id)
			toInstallStatic = append(toInstallStatic, id)
		default:
			remainingScheduledStatic = append(remainingScheduledStatic, id)
		}
	}

	s.scheduledStaticRuleIDs = remainingScheduledStatic

	for _, r := range s.scheduledDynamicRules.All() {
		lt := s.ruleLifetimes[r.RuleID]

		switch {
		case lt.HasDeactivation() && lt.DeactivationTime <= now:
			s.scheduledDynamicRules.Remove(r.RuleID)
		case lt.ActivationTime != 0 && lt.ActivationTime < now:
			s.scheduledDynamicRules.Remove(r.RuleID)
			s.activeDynamicRules.Insert(r)
			uc.DynamicRulesToInstall = append(uc.DynamicRulesToInstall, r)
			toInstallDynamic = append(toInstallDynamic, r)
		}
	}

	return toInstallStatic, toInstallDynamic, toDeactivate
}

// ScheduleStaticRule holds a static rule id in the scheduled store
// until its activation window opens.
func (s *SessionState) ScheduleStaticRule(ruleID string, lt RuleLifetime, uc *UpdateCriteria) {
	s.scheduledStaticRuleIDs = append(s.scheduledStaticRuleIDs, ruleID)
	s.ruleLifetimes[ruleID] = lt
	uc.NewScheduledStaticRules = append(uc.NewScheduledStaticRules, ScheduledStaticRule{RuleID: ruleID, Lifetime: lt})
}

// ScheduleDynamicRule holds a dynamic rule in the scheduled store until
// its activation window opens.
func (s *SessionState) ScheduleDynamicRule(r PolicyRule, lt RuleLifetime, uc *UpdateCriteria) {
	s.scheduledDynamicRules.Insert(r)
	s.ruleLifetimes[r.RuleID] = lt
	uc.NewScheduledDynamicRules = append(uc.NewScheduledDynamicRules, ScheduledDynamicRule{Rule: r, Lifetime: lt})
}

// SetRuleLifetime bounds an already-installed rule's lifetime window.
func (s *SessionState) SetRuleLifetime(ruleID string, lt RuleLifetime, uc *UpdateCriteria) {
	s.ruleLifetimes[ruleID] = lt
	uc.NewRuleLifetimes[ruleID] = lt
}

// ReceiveChargingCredit initialises or updates the grant for a charging
// key from a cloud response.
func (s *SessionState) ReceiveChargingCredit(resp ChargingCreditResponse, uc *UpdateCriteria) {
	g, ok := s.chargingGrants[resp.Key]
	if !ok {
		g = &ChargingGrant{}
		s.chargingGrants[resp.Key] = g
	}

	if !resp.Success {
		g.Credit.MarkFailure(resp.ResultCode)

		if resp.ResultCode.IsPermanentFailure() {
			g.ServiceState = ServiceNeedsDeactivation
		}
	} else {
		g.Credit.MarkSuccess()
		g.Credit.ReceiveGrant(resp.GrantedTx, resp.GrantedRx, resp.Tracking)

		if !resp.ValidityTime.IsZero() {
			g.ExpiryTime = resp.ValidityTime
		}

		if resp.IsFinal {
			g.IsFinal = true
			g.FinalActionInfo = resp.FinalAction
		}

		g.ReAuthState = ReAuthNotNeeded
	}

	uc.recordCreditUpdate(resp.Key, g)
}

// ReceiveMonitor initialises or updates a monitor from a cloud
// response. A DISABLE action, or a final grant whose quota is fully
// consumed, deletes the monitor and clears the session-level key if it
// matched.
func (s *SessionState) ReceiveMonitor(resp MonitorResponse, uc *UpdateCriteria) {
	m, ok := s.monitors[resp.MonitoringKey]
	if !ok {
		m = &Monitor{Level: resp.Level}
		s.monitors[resp.MonitoringKey] = m
	}

	if !resp.Success {
		m.Credit.MarkFailure(resp.ResultCode)
	} else {
		m.Credit.MarkSuccess()
		m.Credit.ReceiveGrant(resp.GrantedTx, resp.GrantedRx, TrackingTotal)

		if resp.IsFinal {
			m.IsFinal = true
		}
	}

	if resp.Disable || m.ShouldDelete() {
		if key, ok := s.sessionLevelKey.Get(); ok && key == resp.MonitoringKey {
			s.sessionLevelKey = None[string]()
			uc.SessionLevelKey = Some(None[string]())
		}

		delete(s.monitors, resp.MonitoringKey)
		uc.MonitorsToDelete = append(uc.MonitorsToDelete, resp.MonitoringKey)

		return
	}

	uc.recordMonitorUpdate(resp.MonitoringKey, m)
}

// SetSessionLevelKey records the session-wide monitoring key, e.g. from
// a CreateSessionResponse.
func (s *SessionState) SetSessionLevelKey(key string, uc *UpdateCriteria) {
	opt := Some(key)
	s.sessionLevelKey = opt
	uc.SessionLevelKey = Some(opt)
}

// ReauthKey marks a single charging key as needing reauth, unless a
// report is already in flight for it.
func (s *SessionState) ReauthKey(key CreditKey, uc *UpdateCriteria) error {
	g, ok := s.chargingGrants[key]
	if !ok {
		return ErrUnknownChargingKey(key)
	}

	if !g.Credit.IsReporting() {
		g.ReAuthState = ReAuthRequired
		uc.recordCreditUpdate(key, g)
	}

	return nil
}

// ReauthAll marks every non-reporting charging grant as needing reauth.
func (s *SessionState) ReauthAll(uc *UpdateCriteria) {
	for key, g := range s.chargingGrants {
		if !g.Credit.IsReporting() {
			g.ReAuthState = ReAuthRequired
			uc.recordCreditUpdate(key, g)
		}
	}
}

// GetUpdates derives, for an ACTIVE session, the batched
// UpdateSessionRequest and the service actions to apply immediately to
// the data plane. It returns a nil request
// when nothing warrants a round trip this cycle.
func (s *SessionState) GetUpdates(now time.Time, reportThresholdPercent float64, uc *UpdateCriteria) (*UpdateSessionRequest, []ServiceAction) {
	var actions []ServiceAction

	if s.fsmState != FSMActive {
		return nil, actions
	}

	req := &UpdateSessionRequest{
		Imsi:          s.Imsi,
		SessionID:     s.SessionID,
		CorrelationID: uuid.NewString(),
	}

	used := false

	for key, g := range s.chargingGrants {
		action := g.GetAction(key)

		if action.Type != ActionContinue {
			if g.ShouldEmitAction(action.Type) {
				actions = append(actions, action)
				uc.recordCreditUpdate(key, g)
			}

			continue
		}

		if g.ReAuthState == ReAuthRequired {
			g.ReAuthState = ReAuthProcessing
			uc.recordCreditUpdate(key, g)
			req.CreditUsages = append(req.CreditUsages, CreditUsageUpdate{Key: key, Type: "REAUTH_REQUIRED"})
			used = true

			continue
		}

		if g.Credit.IsReporting() {
			continue
		}

		expired := !g.ExpiryTime.IsZero() && !g.ExpiryTime.After(now)
		total := g.Credit.IsQuotaExhausted(100)
		partial := g.Credit.IsQuotaExhausted(reportThresholdPercent)
		deferUntilTotal := g.Credit.CurrentGrantContainsZero() && !total

		if expired || (partial && !deferUntilTotal) {
			usage := g.Credit.GetUsageForReport()
			req.CreditUsages = append(req.CreditUsages, CreditUsageUpdate{
				Key: key, BytesTx: usage.BytesTx, BytesRx: usage.BytesRx, Type: "USAGE",
			})
			uc.recordCreditUpdate(key, g)

			used = true
		}
	}

	for key, m := range s.monitors {
		if m.Credit.IsReporting() {
			continue
		}

		if m.Credit.IsQuotaExhausted(reportThresholdPercent) {
			usage := m.Credit.GetUsageForReport()
			req.MonitorUsages = append(req.MonitorUsages, UsageMonitoringUpdate{
				MonitoringKey: key, Level: m.Level, BytesTx: usage.BytesTx, BytesRx: usage.BytesRx,
			})
			uc.recordMonitorUpdate(key, m)

			used = true
		}
	}

	var readyTriggers []EventTrigger

	for trigger, state := range s.eventTriggers {
		if state == TriggerReady {
			readyTriggers = append(readyTriggers, trigger)
			s.eventTriggers[trigger] = TriggerCleared
			uc.EventTriggerUpdates[trigger] = TriggerCleared
		}
	}

	if len(readyTriggers) > 0 {
		req.MonitorUsages = append(req.MonitorUsages, UsageMonitoringUpdate{EventTriggers: readyTriggers})
		used = true
	}

	if !used {
		return nil, actions
	}

	s.requestNumber++
	uc.RequestNumberIncrement++
	req.RequestNumber = s.requestNumber

	return req, actions
}

// MakeTerminationRequest snapshots every monitor's and charging grant's
// unreported usage into one SessionTerminate request, consuming a
// request number once.
func (s *SessionState) MakeTerminationRequest(uc *UpdateCriteria) *SessionTerminateRequest {
	req := &SessionTerminateRequest{
		Imsi:          s.Imsi,
		SessionID:     s.SessionID,
		CorrelationID: uuid.NewString(),
	}

	for key, g := range s.chargingGrants {
		usage := g.Credit.GetUsageForReport()
		if usage.BytesTx != 0 || usage.BytesRx != 0 {
			req.ChargingUsage = append(req.ChargingUsage, ChargingGrantSnapshot{
				Key: key, BytesTx: usage.BytesTx, BytesRx: usage.BytesRx,
			})
			uc.recordCreditUpdate(key, g)
		}
	}

	for key, m := range s.monitors {
		usage := m.Credit.GetUsageForReport()
		if usage.BytesTx != 0 || usage.BytesRx != 0 {
			req.MonitorUsage = append(req.MonitorUsage, MonitorSnapshot{
				MonitoringKey: key, BytesTx: usage.BytesTx, BytesRx: usage.BytesRx,
			})
			uc.recordMonitorUpdate(key, m)
		}
	}

	s.requestNumber++
	uc.RequestNumberIncrement++
	req.RequestNumber = s.requestNumber

	return req
}

// BindPolicyToBearer records a successful dedicated-bearer creation, or
// removes the rule that requested it when creation failed (BearerID ==
// 0).
func (s *SessionState) BindPolicyToBearer(resp BearerCreateResponse, uc *UpdateCriteria) {
	if resp.BearerID != 0 {
		s.bearerMap[resp.PolicyID] = resp.BearerID
		uc.BearerAdds[resp.PolicyID] = resp.BearerID

		return
	}

	if _, ok := s.activeDynamicRules.Remove(resp.PolicyID); ok {
		uc.DynamicRulesToUninstall = append(uc.DynamicRulesToUninstall, resp.PolicyID)
		return
	}

	if s.removeActiveStaticRule(resp.PolicyID) {
		uc.StaticRulesToUninstall = append(uc.StaticRulesToUninstall, resp.PolicyID)
	}
}

// MarkAwaitingTermination transitions ACTIVE -> TERMINATION_SCHEDULED.
func (s *SessionState) MarkAwaitingTermination(uc *UpdateCriteria) error {
	to, err := transition(s.fsmState, "markAwaitingTermination")
	if err != nil {
		return err
	}

	s.fsmState = to
	uc.FSMState = Some(to)

	return nil
}

// MarkFlowsReleased transitions ACTIVE/TERMINATION_SCHEDULED -> RELEASED,
// as observed when the data plane stops reporting the session's flows.
func (s *SessionState) MarkFlowsReleased(uc *UpdateCriteria) error {
	to, err := transition(s.fsmState, "flowsReleased")
	if err != nil {
		return err
	}

	s.fsmState = to
	uc.FSMState = Some(to)

	return nil
}

// CompleteTermination transitions RELEASED -> TERMINATED and stamps
// pdpEndTime.
func (s *SessionState) CompleteTermination(now time.Time, uc *UpdateCriteria) error {
	to, err := transition(s.fsmState, "completeTermination")
	if err != nil {
		return err
	}

	s.fsmState = to
	uc.FSMState = Some(to)
	s.pdpEndTime = now
	uc.PdpEndTime = Some(now)

	return nil
}

// SetRevalidationTime records the instant the cloud wants the session
// revalidated at, arming the revalidation-timeout event trigger. The
// enforcer schedules the timer; MarkEventTriggerReady flips the trigger
// when it fires, and the next update cycle reports it.
func (s *SessionState) SetRevalidationTime(t time.Time, uc *UpdateCriteria) {
	s.revalidationTime = t
	uc.RevalidationTime = Some(t)

	s.eventTriggers[EventRevalidationTimeout] = TriggerPending
	uc.EventTriggerUpdates[EventRevalidationTimeout] = TriggerPending
}

// MarkEventTriggerReady flips a pending event trigger to ready, so the
// next GetUpdates cycle reports it to the cloud.
func (s *SessionState) MarkEventTriggerReady(trigger EventTrigger, uc *UpdateCriteria) {
	if state, ok := s.eventTriggers[trigger]; !ok || state != TriggerPending {
		return
	}

	s.eventTriggers[trigger] = TriggerReady
	uc.EventTriggerUpdates[trigger] = TriggerReady
}

// SetQuotaState records the coarse subscriber quota signal surfaced to
// the access network for WLAN sessions.
func (s *SessionState) SetQuotaState(state SubscriberQuotaState, uc *UpdateCriteria) {
	s.quotaState = state
	uc.QuotaState = Some(state)
}

// QuotaState returns the current subscriber quota signal.
func (s *SessionState) QuotaState() SubscriberQuotaState { return s.quotaState }

// HasMonitors reports whether any usage-monitoring key is registered.
func (s *SessionState) HasMonitors() bool { return len(s.monitors) > 0 }

// SetServiceState records the data plane's current handling of the
// rules tied to a charging key, e.g. after the enforcer has pushed a
// redirect/restrict/reactivate action.
func (s *SessionState) SetServiceState(key CreditKey, state ServiceState, uc *UpdateCriteria) error {
	g, ok := s.chargingGrants[key]
	if !ok {
		return ErrUnknownChargingKey(key)
	}

	g.ServiceState = state
	uc.recordCreditUpdate(key, g)

	return nil
}

// ResetReporting drops the in-flight reporting buckets of every listed
// charging and monitoring key, so the next collect cycle retries them,
// used when a full report round-trip failed at the transport level
// rather than per-key.
func (s *SessionState) ResetReporting(creditKeys []CreditKey, monitorKeys []string, uc *UpdateCriteria) {
	for _, key := range creditKeys {
		if g, ok := s.chargingGrants[key]; ok {
			g.Credit.MarkFailure(ResultCodeSuccess)
			uc.recordCreditUpdate(key, g)
		}
	}

	for _, key := range monitorKeys {
		if m, ok := s.monitors[key]; ok {
			m.Credit.MarkFailure(ResultCodeSuccess)
			uc.recordMonitorUpdate(key, m)
		}
	}
}

// DeriveServiceActions evaluates the current service action for each of
// the given charging keys, used immediately after applying a cloud
// response so a final-unit action need not wait for the next collect
// cycle.
func (s *SessionState) DeriveServiceActions(keys []CreditKey, uc *UpdateCriteria) []ServiceAction {
	var actions []ServiceAction

	for _, key := range keys {
		g, ok := s.chargingGrants[key]
		if !ok {
			continue
		}

		action := g.GetAction(key)
		if action.Type != ActionContinue && g.ShouldEmitAction(action.Type) {
			actions = append(actions, action)
			uc.recordCreditUpdate(key, g)
		}
	}

	return actions
}

// GetChargingCredit is a read-only bucket query for one charging key.
func (s *SessionState) GetChargingCredit(key CreditKey) (Credit, bool) {
	g, ok := s.chargingGrants[key]
	if !ok {
		return Credit{}, false
	}

	return g.Credit, true
}

// GetMonitorCredit is a read-only bucket query for one monitoring key.
func (s *SessionState) GetMonitorCredit(key string) (Credit, bool) {
	m, ok := s.monitors[key]
	if !ok {
		return Credit{}, false
	}

	return m.Credit, true
}

// ActiveRuleIDs returns every currently active rule id (static +
// dynamic + gy-dynamic + restrict), for the data-plane setup/recovery
// path.
func (s *SessionState) ActiveRuleIDs() []string {
	ids := append([]string(nil), s.activeStaticRuleIDs...)

	for _, r := range s.activeDynamicRules.All() {
		ids = append(ids, r.RuleID)
	}

	for _, r := range s.gyDynamicRules.All() {
		ids = append(ids, r.RuleID)
	}

	return append(ids, s.activeRestrictRules...)
}

// Clone returns a deep-enough copy of the session for use as the
// "clone of session S" target of an UpdateCriteria.Apply call in tests
// and for merging concurrent observations.
func (s *SessionState) Clone() *SessionState {
	c := *s
	c.chargingGrants = make(map[CreditKey]*ChargingGrant, len(s.chargingGrants))

	for k, g := range s.chargingGrants {
		gg := *g
		c.chargingGrants[k] = &gg
	}

	c.monitors = make(map[string]*Monitor, len(s.monitors))
	for k, m := range s.monitors {
		mm := *m
		c.monitors[k] = &mm
	}

	c.activeStaticRuleIDs = append([]string(nil), s.activeStaticRuleIDs...)
	c.scheduledStaticRuleIDs = append([]string(nil), s.scheduledStaticRuleIDs...)
	c.activeRestrictRules = append([]string(nil), s.activeRestrictRules...)

	c.ruleLifetimes = make(map[string]RuleLifetime, len(s.ruleLifetimes))
	for k, v := range s.ruleLifetimes {
		c.ruleLifetimes[k] = v
	}

	c.bearerMap = make(map[string]uint32, len(s.bearerMap))
	for k, v := range s.bearerMap {
		c.bearerMap[k] = v
	}

	c.eventTriggers = make(map[EventTrigger]EventTriggerState, len(s.eventTriggers))
	for k, v := range s.eventTriggers {
		c.eventTriggers[k] = v
	}

	c.activeDynamicRules = cloneDynamicStore(s.activeDynamicRules)
	c.scheduledDynamicRules = cloneDynamicStore(s.scheduledDynamicRules)
	c.gyDynamicRules = cloneDynamicStore(s.gyDynamicRules)

	return &c
}

func cloneDynamicStore(d *DynamicRuleStore) *DynamicRuleStore {
	out := NewDynamicRuleStore()
	for _, r := range d.All() {
		out.Insert(r)
	}

	return out
}
