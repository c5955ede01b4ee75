// SPDX-License-Identifier: Apache-2.0

package enforcer

import "time"

// Snapshot is the exported, serialisable view of a SessionState. It
// exists because SessionState's fields are unexported (the package
// mutates them only through the operations above), so a durable store
// needs an explicit marshal/unmarshal boundary rather than reflecting
// over the struct directly.
type Snapshot struct {
	Imsi      string
	SessionID string
	Config    Config

	FSMState      FSMState
	RequestNumber uint32

	PdpStartTime time.Time
	PdpEndTime   time.Time

	ChargingGrants map[CreditKey]ChargingGrant
	Monitors       map[string]Monitor

	HasSessionLevelKey bool
	SessionLevelKey    string

	ActiveStaticRuleIDs    []string
	ActiveDynamicRules     []PolicyRule
	ScheduledStaticRuleIDs []string
	ScheduledDynamicRules  []PolicyRule
	GyDynamicRules         []PolicyRule
	ActiveRestrictRules    []string

	RuleLifetimes map[string]RuleLifetime

	BearerMap map[string]uint32

	EventTriggers map[EventTrigger]EventTriggerState

	RevalidationTime time.Time
	QuotaState       SubscriberQuotaState
}

// ToSnapshot produces a serialisable copy of s.
func (s *SessionState) ToSnapshot() Snapshot {
	snap := Snapshot{
		Imsi:      s.Imsi,
		SessionID: s.SessionID,
		Config:    s.Config,

		FSMState:      s.fsmState,
		RequestNumber: s.requestNumber,

		PdpStartTime: s.pdpStartTime,
		PdpEndTime:   s.pdpEndTime,

		ChargingGrants: make(map[CreditKey]ChargingGrant, len(s.chargingGrants)),
		Monitors:       make(map[string]Monitor, len(s.monitors)),

		ActiveStaticRuleIDs:    append([]string(nil), s.activeStaticRuleIDs...),
		ActiveDynamicRules:     s.activeDynamicRules.All(),
		ScheduledStaticRuleIDs: append([]string(nil), s.scheduledStaticRuleIDs...),
		ScheduledDynamicRules:  s.scheduledDynamicRules.All(),
		GyDynamicRules:         s.gyDynamicRules.All(),
		ActiveRestrictRules:    append([]string(nil), s.activeRestrictRules...),

		RuleLifetimes: make(map[string]RuleLifetime, len(s.ruleLifetimes)),
		BearerMap:     make(map[string]uint32, len(s.bearerMap)),
		EventTriggers: make(map[EventTrigger]EventTriggerState, len(s.eventTriggers)),

		RevalidationTime: s.revalidationTime,
		QuotaState:       s.quotaState,
	}

	for k, g := range s.chargingGrants {
		snap.ChargingGrants[k] = *g
	}

	for k, m := range s.monitors {
		snap.Monitors[k] = *m
	}

	for k, v := range s.ruleLifetimes {
		snap.RuleLifetimes[k] = v
	}

	for k, v := range s.bearerMap {
		snap.BearerMap[k] = v
	}

	for k, v := range s.eventTriggers {
		snap.EventTriggers[k] = v
	}

	if key, ok := s.sessionLevelKey.Get(); ok {
		snap.HasSessionLevelKey = true
		snap.SessionLevelKey = key
	}

	return snap
}

// FromSnapshot reconstructs a SessionState from a Snapshot.
func FromSnapshot(snap Snapshot) *SessionState {
	s := &SessionState{
		Imsi:      snap.Imsi,
		SessionID: snap.SessionID,
		Config:    snap.Config,

		fsmState:      snap.FSMState,
		requestNumber: snap.RequestNumber,

		pdpStartTime: snap.PdpStartTime,
		pdpEndTime:   snap.PdpEndTime,

		chargingGrants: make(map[CreditKey]*ChargingGrant, len(snap.ChargingGrants)),
		monitors:       make(map[string]*Monitor, len(snap.Monitors)),

		sessionLevelKey: None[string](),

		activeStaticRuleIDs:    append([]string(nil), snap.ActiveStaticRuleIDs...),
		activeDynamicRules:     NewDynamicRuleStore(),
		scheduledStaticRuleIDs: append([]string(nil), snap.ScheduledStaticRuleIDs...),
		scheduledDynamicRules:  NewDynamicRuleStore(),
		gyDynamicRules:         NewDynamicRuleStore(),
		activeRestrictRules:    append([]string(nil), snap.ActiveRestrictRules...),

		ruleLifetimes: make(map[string]RuleLifetime, len(snap.RuleLifetimes)),
		bearerMap:     make(map[string]uint32, len(snap.BearerMap)),
		eventTriggers: make(map[EventTrigger]EventTriggerState, len(snap.EventTriggers)),

		revalidationTime: snap.RevalidationTime,
		quotaState:       snap.QuotaState,
	}

	for k, g := range snap.ChargingGrants {
		gg := g
		s.chargingGrants[k] = &gg
	}

	for k, m := range snap.Monitors {
		mm := m
		s.monitors[k] = &mm
	}

	for _, r := range snap.ActiveDynamicRules {
		s.activeDynamicRules.Insert(r)
	}

	for _, r := range snap.ScheduledDynamicRules {
		s.scheduledDynamicRules.Insert(r)
	}

	for _, r := range snap.GyDynamicRules {
		s.gyDynamicRules.Insert(r)
	}

	for k, v := range snap.RuleLifetimes {
		s.ruleLifetimes[k] = v
	}

	for k, v := range snap.BearerMap {
		s.bearerMap[k] = v
	}

	for k, v := range snap.EventTriggers {
		s.eventTriggers[k] = v
	}

	if snap.HasSessionLevelKey {
		s.sessionLevelKey = Some(snap.SessionLevelKey)
	}

	return s
}
