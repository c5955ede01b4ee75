// SPDX-License-Identifier: Apache-2.0

package enforcer

import "time"

// CreditUpdate is the post-mutation snapshot of a charging grant's
// mutable fields, recorded in an UpdateCriteria for one charging key.
type CreditUpdate struct {
	Credit            Credit
	IsFinal           Option[bool]
	FinalActionInfo   Option[FinalActionInfo]
	ReAuthState       Option[ReAuthState]
	ServiceState      Option[ServiceState]
	LastServiceAction Option[ServiceActionType]
}

// MonitorUpdate is the post-mutation snapshot of a monitor's mutable
// fields, recorded in an UpdateCriteria for one monitoring key.
type MonitorUpdate struct {
	Credit  Credit
	IsFinal Option[bool]
}

// ScheduledStaticRule is a static rule id deferred to a future
// activation/deactivation window.
type ScheduledStaticRule struct {
	RuleID   string
	Lifetime RuleLifetime
}

// ScheduledDynamicRule is a dynamic rule deferred to a future
// activation/deactivation window.
type ScheduledDynamicRule struct {
	Rule     PolicyRule
	Lifetime RuleLifetime
}

// UpdateCriteria is the per-invocation journal of every intended
// mutation to a SessionState, committed to the session store on
// success and discarded on failure.
type UpdateCriteria struct {
	FSMState   Option[FSMState]
	PdpEndTime Option[time.Time]

	// RequestNumberIncrement counts how many cloud messages this
	// invocation consumed a request number for (usually 0 or 1).
	RequestNumberIncrement uint32

	StaticRulesToInstall   []string
	StaticRulesToUninstall []string

	DynamicRulesToInstall   []PolicyRule
	DynamicRulesToUninstall []string

	GyDynamicRulesToInstall   []PolicyRule
	GyDynamicRulesToUninstall []string

	RestrictRulesToInstall   []string
	RestrictRulesToUninstall []string

	NewRuleLifetimes map[string]RuleLifetime

	NewScheduledStaticRules  []ScheduledStaticRule
	NewScheduledDynamicRules []ScheduledDynamicRule

	ChargingCreditUpdates map[CreditKey]CreditUpdate
	MonitorUpdates        map[string]MonitorUpdate
	MonitorsToDelete      []string

	SessionLevelKey Option[Option[string]]

	BearerAdds    map[string]uint32
	BearerRemoves []string

	EventTriggerUpdates map[EventTrigger]EventTriggerState

	RevalidationTime Option[time.Time]
	QuotaState       Option[SubscriberQuotaState]
}

// NewUpdateCriteria returns an empty journal ready for use by a single
// session-state invocation.
func NewUpdateCriteria() *UpdateCriteria {
	return &UpdateCriteria{
		NewRuleLifetimes:      make(map[string]RuleLifetime),
		ChargingCreditUpdates: make(map[CreditKey]CreditUpdate),
		MonitorUpdates:        make(map[string]MonitorUpdate),
		BearerAdds:            make(map[string]uint32),
		EventTriggerUpdates:   make(map[EventTrigger]EventTriggerState),
	}
}

func (uc *UpdateCriteria) recordCreditUpdate(key CreditKey, g *ChargingGrant) {
	cu := CreditUpdate{
		Credit:          g.Credit,
		IsFinal:         Some(g.IsFinal),
		FinalActionInfo: Some(g.FinalActionInfo),
		ReAuthState:     Some(g.ReAuthState),
		ServiceState:    Some(g.ServiceState),
	}

	if g.HasLastAction {
		cu.LastServiceAction = Some(g.LastServiceAction)
	}

	uc.ChargingCreditUpdates[key] = cu
}

func (uc *UpdateCriteria) recordMonitorUpdate(key string, m *Monitor) {
	uc.MonitorUpdates[key] = MonitorUpdate{
		Credit:  m.Credit,
		IsFinal: Some(m.IsFinal),
	}
}

// Apply replays the journal onto dst, a SessionState that may be a
// freshly loaded clone of the session the journal was recorded
// against. It returns an error, without partially applying further
// changes, the moment a merge precondition is violated (e.g. installing
// a rule id that is already active) — the caller is expected to discard
// the whole journal and re-read authoritative state from the store.
func (uc *UpdateCriteria) Apply(dst *SessionState) error {
	for _, ruleID := range uc.StaticRulesToInstall {
		if dst.hasActiveStaticRule(ruleID) {
			return ErrMergePrecondition("static rule already installed: " + ruleID)
		}

		dst.activeStaticRuleIDs = append(dst.activeStaticRuleIDs, ruleID)
	}

	for _, ruleID := range uc.StaticRulesToUninstall {
		if !dst.removeActiveStaticRule(ruleID) {
			return ErrMergePrecondition("static rule not installed: " + ruleID)
		}
	}

	for _, r := range uc.DynamicRulesToInstall {
		if _, ok := dst.activeDynamicRules.Get(r.RuleID); ok {
			return ErrMergePrecondition("dynamic rule already installed: " + r.RuleID)
		}

		dst.activeDynamicRules.Insert(r)
	}

	for _, ruleID := range uc.DynamicRulesToUninstall {
		if _, ok := dst.activeDynamicRules.Remove(ruleID); !ok {
			return ErrMergePrecondition("dynamic rule not installed: " + ruleID)
		}
	}

	for _, r := range uc.GyDynamicRulesToInstall {
		dst.gyDynamicRules.Insert(r)
	}

	for _, ruleID := range uc.GyDynamicRulesToUninstall {
		dst.gyDynamicRules.Remove(ruleID)
	}

	dst.activeRestrictRules = applyRestrictDiff(dst.activeRestrictRules, uc.RestrictRulesToInstall, uc.RestrictRulesToUninstall)

	for ruleID, lt := range uc.NewRuleLifetimes {
		dst.ruleLifetimes[ruleID] = lt
	}

	for _, sr := range uc.NewScheduledStaticRules {
		dst.scheduledStaticRuleIDs = append(dst.scheduledStaticRuleIDs, sr.RuleID)
		dst.ruleLifetimes[sr.RuleID] = sr.Lifetime
	}

	for _, sr := range uc.NewScheduledDynamicRules {
		dst.scheduledDynamicRules.Insert(sr.Rule)
		dst.ruleLifetimes[sr.Rule.RuleID] = sr.Lifetime
	}

	for key, cu := range uc.ChargingCreditUpdates {
		g, ok := dst.chargingGrants[key]
		if !ok {
			g = &ChargingGrant{}
			dst.chargingGrants[key] = g
		}

		g.Credit = cu.Credit
		g.IsFinal = cu.IsFinal.OrElse(g.IsFinal)
		g.FinalActionInfo = cu.FinalActionInfo.OrElse(g.FinalActionInfo)
		g.ReAuthState = cu.ReAuthState.OrElse(g.ReAuthState)
		g.ServiceState = cu.ServiceState.OrElse(g.ServiceState)

		if action, ok := cu.LastServiceAction.Get(); ok {
			g.LastServiceAction = action
			g.HasLastAction = true
		}
	}

	for key, mu := range uc.MonitorUpdates {
		m, ok := dst.monitors[key]
		if !ok {
			m = &Monitor{}
			dst.monitors[key] = m
		}

		m.Credit = mu.Credit
		m.IsFinal = mu.IsFinal.OrElse(m.IsFinal)
	}

	for _, key := range uc.MonitorsToDelete {
		delete(dst.monitors, key)
	}

	if v, ok := uc.SessionLevelKey.Get(); ok {
		dst.sessionLevelKey = v
	}

	for policyID, bearerID := range uc.BearerAdds {
		dst.bearerMap[policyID] = bearerID
	}

	for _, policyID := range uc.BearerRemoves {
		delete(dst.bearerMap, policyID)
	}

	for trigger, state := range uc.EventTriggerUpdates {
		dst.eventTriggers[trigger] = state
	}

	if v, ok := uc.RevalidationTime.Get(); ok {
		dst.revalidationTime = v
	}

	if v, ok := uc.QuotaState.Get(); ok {
		dst.quotaState = v
	}

	if v, ok := uc.FSMState.Get(); ok {
		dst.fsmState = v
	}

	if v, ok := uc.PdpEndTime.Get(); ok {
		dst.pdpEndTime = v
	}

	dst.requestNumber += uc.RequestNumberIncrement

	return nil
}

func applyRestrictDiff(current, adds, removes []string) []string {
	out := make([]string, 0, len(current)+len(adds))
	removeSet := make(map[string]struct{}, len(removes))

	for _, r := range removes {
		removeSet[r] = struct{}{}
	}

	for _, r := range current {
		if _, drop := removeSet[r]; !drop {
			out = append(out, r)
		}
	}

	out = append(out, adds...)

	return out
}
