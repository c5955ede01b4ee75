// SPDX-License-Identifier: Apache-2.0

// Package engine implements the enforcer orchestrator: it drives
// aggregation of data-plane usage into sessions, invokes the cloud
// reporter for credit refills, applies responses, schedules rule
// activations/deactivations and forced terminations on the event loop,
// and pushes rule installs/removals and bearer requests to the
// data-plane client. It is a separate package from internal/enforcer
// so the domain model can stay free of the client.Datapath/Reporter/...
// capability interfaces it is driven through, avoiding the import
// cycle those interfaces would otherwise create.
package engine

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/magma-core/session-enforcer/internal/client"
	"github.com/magma-core/session-enforcer/internal/enforcer"
	"github.com/magma-core/session-enforcer/internal/metrics"
)

// RedirectFlowPriority is the priority a synthetic redirect rule is
// installed at, ahead of every ordinary PCC rule.
const RedirectFlowPriority uint32 = 0

// Config bundles the enforcer's runtime tunables.
type Config struct {
	ReportThresholdPercent   float64
	ForcedTerminationTimeout time.Duration
	CloudRequestTimeout      time.Duration

	// BackOffInterval is how long the reporter circuit breaker stays
	// open after repeated full-round-trip failures before letting a
	// probe through.
	BackOffInterval time.Duration

	// QuotaExhaustionTerminationOnInit is how long a WLAN session
	// created without any monitoring quota is allowed to live before
	// the enforcer terminates it. Zero disables the check.
	QuotaExhaustionTerminationOnInit time.Duration
}

// Engine is the enforcer orchestrator.
type Engine struct {
	store     client.Store
	datapath  client.Datapath
	reporter  client.Reporter
	notifier  client.AccessNotifier
	bearers   client.BearerClient
	directory client.DirectoryClient
	scheduler client.Scheduler

	metrics *metrics.Service

	staticsMu sync.RWMutex
	statics   *enforcer.StaticRuleStore

	breaker *gobreaker.CircuitBreaker

	cfg Config

	epoch uint64

	timerMu sync.Mutex
	timers  map[enforcer.SessionKey][]client.Handle
}

// New wires an Engine to its external collaborators.
func New(
	store client.Store,
	datapath client.Datapath,
	reporter client.Reporter,
	notifier client.AccessNotifier,
	bearers client.BearerClient,
	directory client.DirectoryClient,
	scheduler client.Scheduler,
	statics *enforcer.StaticRuleStore,
	m *metrics.Service,
	cfg Config,
) *Engine {
	backOff := cfg.BackOffInterval
	if backOff == 0 {
		backOff = 30 * time.Second
	}

	breakerSettings := gobreaker.Settings{
		Name:    "cloud-reporter",
		Timeout: backOff,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	return &Engine{
		store:     store,
		datapath:  datapath,
		reporter:  reporter,
		notifier:  notifier,
		bearers:   bearers,
		directory: directory,
		scheduler: scheduler,
		statics:   statics,
		metrics:   m,
		breaker:   gobreaker.NewCircuitBreaker(breakerSettings),
		cfg:       cfg,
		timers:    make(map[enforcer.SessionKey][]client.Handle),
	}
}

// SetStaticRules hot-swaps the shared static rule registry.
func (e *Engine) SetStaticRules(s *enforcer.StaticRuleStore) {
	e.staticsMu.Lock()
	e.statics = s
	e.staticsMu.Unlock()
}

func (e *Engine) staticRules() *enforcer.StaticRuleStore {
	e.staticsMu.RLock()
	defer e.staticsMu.RUnlock()

	return e.statics
}

func ratLabel(rat enforcer.RatType) string {
	if rat == enforcer.RatWLAN {
		return "wlan"
	}

	return "lte"
}

func (e *Engine) addTimer(key enforcer.SessionKey, h client.Handle) {
	e.timerMu.Lock()
	e.timers[key] = append(e.timers[key], h)
	e.timerMu.Unlock()
}

func (e *Engine) cancelTimers(key enforcer.SessionKey) {
	e.timerMu.Lock()
	handles := e.timers[key]
	delete(e.timers, key)
	e.timerMu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
}

func (e *Engine) metricMergeFailure() {
	if e.metrics != nil {
		e.metrics.MergeFailure()
	}
}

func (e *Engine) metricRuleOp(op, ruleType string) {
	if e.metrics != nil {
		e.metrics.RuleInstallOp(op, ruleType)
	}
}

// Setup pushes all current rule state to the data-plane client for a
// fresh or restarted data plane, invoking callback once the push has
// been acknowledged.
func (e *Engine) Setup(ctx context.Context, epoch uint64, callback func(error)) {
	e.epoch = epoch

	sessions := e.store.GetAllSessions()
	snaps := make([]client.SessionSnapshot, 0, len(sessions))

	for _, s := range sessions {
		snaps = append(snaps, client.SessionSnapshot{
			Imsi:      s.Imsi,
			SessionID: s.SessionID,
			UeIP:      net.ParseIP(s.Config.CommonContext.UeIP),
			RuleIDs:   s.ActiveRuleIDs(),
		})
	}

	err := e.datapath.SetupFlows(ctx, snaps, epoch)
	if err != nil {
		log.WithError(err).Error("engine: setup flows failed")
	}

	callback(err)
}

// SyncSessionsOnRestart evaluates every session's rule lifetime windows
// against now and re-arms the event-loop timers rule scheduling depends
// on, recovering the state scheduleStaticRuleActivation and friends
// would otherwise have armed before the restart.
func (e *Engine) SyncSessionsOnRestart(ctx context.Context, now time.Time) {
	for _, authSess := range e.store.GetAllSessions() {
		e.syncSessionRules(ctx, authSess, now)
		e.rearmRuleTimers(ctx, authSess, now)
	}
}

func (e *Engine) syncSessionRules(ctx context.Context, authSess *enforcer.SessionState, now time.Time) {
	clone := authSess.Clone()
	uc := enforcer.NewUpdateCriteria()

	toInstallStatic, toInstallDynamic, toDeactivate := clone.SyncRulesToTime(now.Unix(), uc)

	if err := e.store.Commit(authSess, uc); err != nil {
		log.WithError(err).Warn("engine: discarding rule-sync journal")
		e.metricMergeFailure()

		return
	}

	ueIP := net.ParseIP(authSess.Config.CommonContext.UeIP)

	if len(toInstallStatic) > 0 || len(toInstallDynamic) > 0 {
		if err := e.datapath.ActivateFlows(ctx, authSess.Imsi, ueIP, toInstallStatic, toInstallDynamic); err != nil {
			log.WithError(err).Error("engine: re-activate flows failed")
		}

		for range toInstallStatic {
			e.metricRuleOp("install", "static")
		}

		for range toInstallDynamic {
			e.metricRuleOp("install", "dynamic")
		}
	}

	if len(toDeactivate) > 0 {
		if err := e.datapath.DeactivateFlows(ctx, authSess.Imsi, toDeactivate); err != nil {
			log.WithError(err).Error("engine: re-deactivate flows failed")
		}

		for range toDeactivate {
			e.metricRuleOp("uninstall", "unknown")
		}
	}
}

func (e *Engine) rearmRuleTimers(ctx context.Context, authSess *enforcer.SessionState, now time.Time) {
	snap := authSess.ToSnapshot()
	key := authSess.Key()

	for _, id := range snap.ScheduledStaticRuleIDs {
		e.scheduleRuleTimer(ctx, key, snap.RuleLifetimes[id].ActivationTime, now)
	}

	for _, r := range snap.ScheduledDynamicRules {
		e.scheduleRuleTimer(ctx, key, snap.RuleLifetimes[r.RuleID].ActivationTime, now)
	}

	for _, id := range snap.ActiveStaticRuleIDs {
		if lt := snap.RuleLifetimes[id]; lt.HasDeactivation() {
			e.scheduleRuleTimer(ctx, key, lt.DeactivationTime, now)
		}
	}

	for _, r := range snap.ActiveDynamicRules {
		if lt := snap.RuleLifetimes[r.RuleID]; lt.HasDeactivation() {
			e.scheduleRuleTimer(ctx, key, lt.DeactivationTime, now)
		}
	}
}

// scheduleRuleTimer arms a timer for the given epoch second (0 means "no
// bound", a no-op) that re-syncs one session's rules when it fires —
// covers both scheduleStaticRuleActivation and its deactivation/dynamic
// siblings with a single mechanism, since SyncRulesToTime already knows
// how to apply whichever transition is due.
func (e *Engine) scheduleRuleTimer(ctx context.Context, key enforcer.SessionKey, at int64, now time.Time) {
	if at == 0 {
		return
	}

	// SyncRulesToTime compares bounds strictly (bound < now), so the
	// timer fires one second past the bound, when the transition is due.
	delay := time.Unix(at+1, 0).Sub(now)
	if delay < 0 {
		delay = 0
	}

	handle := e.scheduler.ScheduleIn(delay, func() {
		e.syncOneSession(ctx, key)
	})

	e.addTimer(key, handle)
}

func (e *Engine) syncOneSession(ctx context.Context, key enforcer.SessionKey) {
	authSess, ok := e.store.GetSession(key.Imsi, key.SessionID)
	if !ok {
		return
	}

	e.syncSessionRules(ctx, authSess, time.Now())
}

// AggregateRecords applies per-rule usage from one data-plane report to
// a single session.
func (e *Engine) AggregateRecords(ctx context.Context, imsi, sessionID string, records []enforcer.RuleRecord, uc *enforcer.UpdateCriteria) error {
	authSess, ok := e.store.GetSession(imsi, sessionID)
	if !ok {
		return enforcer.ErrSessionNotFound(imsi, sessionID)
	}

	clone := authSess.Clone()
	clone.ApplyUsage(records, e.staticRules(), uc)

	if err := e.store.Commit(authSess, uc); err != nil {
		log.WithError(err).Warn("engine: discarding usage journal")
		e.metricMergeFailure()

		return err
	}

	return nil
}

// CollectUpdates scans every ACTIVE session, derives its batched update
// request and immediate service actions, applies the actions to the
// data plane right away, and sends the request to the cloud reporter.
func (e *Engine) CollectUpdates(ctx context.Context, now time.Time) {
	for _, authSess := range e.store.GetAllSessions() {
		if authSess.FSMState() != enforcer.FSMActive {
			continue
		}

		clone := authSess.Clone()
		uc := enforcer.NewUpdateCriteria()

		req, actions := clone.GetUpdates(now, e.cfg.ReportThresholdPercent, uc)

		if err := e.store.Commit(authSess, uc); err != nil {
			log.WithError(err).Warn("engine: discarding collect-updates journal")
			e.metricMergeFailure()

			continue
		}

		e.applyServiceActions(ctx, authSess, actions)

		if req != nil {
			e.sendUpdateRequest(ctx, req)
		}
	}
}

func (e *Engine) applyServiceActions(ctx context.Context, authSess *enforcer.SessionState, actions []enforcer.ServiceAction) {
	for _, action := range actions {
		switch action.Type {
		case enforcer.ActionTerminate:
			if err := e.StartSessionTermination(ctx, authSess.Imsi, authSess.SessionID, true, enforcer.NewUpdateCriteria()); err != nil {
				log.WithError(err).Warn("engine: start termination for terminate action failed")
			}

			e.emitServiceAction("terminate")

		case enforcer.ActionRedirect:
			e.installRedirectRule(ctx, authSess, action)
			e.emitServiceAction("redirect")

		case enforcer.ActionRestrict:
			e.installRestrictRules(ctx, authSess, action)
			e.emitServiceAction("restrict")

		case enforcer.ActionActivate:
			e.reactivateService(ctx, authSess, action)
			e.emitServiceAction("activate")
		}
	}
}

func (e *Engine) emitServiceAction(action string) {
	if e.metrics != nil {
		e.metrics.ServiceActionApplied(action)
	}
}

func createRedirectRule(key enforcer.CreditKey, redirectServer string) enforcer.PolicyRule {
	return enforcer.PolicyRule{
		RuleID:         fmt.Sprintf("redirect-%d-%d", key.RatingGroup, key.ServiceID),
		Type:           enforcer.RuleGyDynamic,
		Priority:       RedirectFlowPriority,
		ChargingKey:    key,
		HasChargingKey: true,
		FlowMatches:    []enforcer.FlowMatch{{Direction: "uplink", IPv4Dst: redirectServer}},
	}
}

func (e *Engine) installRedirectRule(ctx context.Context, authSess *enforcer.SessionState, action enforcer.ServiceAction) {
	rule := createRedirectRule(action.Key, action.RedirectServer)

	clone := authSess.Clone()
	uc := enforcer.NewUpdateCriteria()

	uc.GyDynamicRulesToInstall = append(uc.GyDynamicRulesToInstall, rule)

	if err := clone.SetServiceState(action.Key, enforcer.ServiceRedirected, uc); err != nil {
		log.WithError(err).Warn("engine: set redirected service state failed")
		return
	}

	if err := e.store.Commit(authSess, uc); err != nil {
		log.WithError(err).Warn("engine: discarding redirect-install journal")
		e.metricMergeFailure()

		return
	}

	ueIP := net.ParseIP(authSess.Config.CommonContext.UeIP)

	if err := e.datapath.ActivateFlows(ctx, authSess.Imsi, ueIP, nil, []enforcer.PolicyRule{rule}); err != nil {
		log.WithError(err).Error("engine: activate redirect rule failed")
	}

	e.metricRuleOp("install", "gy_dynamic")
}

func (e *Engine) installRestrictRules(ctx context.Context, authSess *enforcer.SessionState, action enforcer.ServiceAction) {
	clone := authSess.Clone()
	uc := enforcer.NewUpdateCriteria()

	uc.RestrictRulesToInstall = append(uc.RestrictRulesToInstall, action.RestrictRules...)

	if err := clone.SetServiceState(action.Key, enforcer.ServiceRestricted, uc); err != nil {
		log.WithError(err).Warn("engine: set restricted service state failed")
		return
	}

	if err := e.store.Commit(authSess, uc); err != nil {
		log.WithError(err).Warn("engine: discarding restrict-install journal")
		e.metricMergeFailure()

		return
	}

	ueIP := net.ParseIP(authSess.Config.CommonContext.UeIP)

	if err := e.datapath.ActivateFlows(ctx, authSess.Imsi, ueIP, action.RestrictRules, nil); err != nil {
		log.WithError(err).Error("engine: activate restrict rules failed")
	}

	e.metricRuleOp("install", "restrict")
}

func (e *Engine) reactivateService(ctx context.Context, authSess *enforcer.SessionState, action enforcer.ServiceAction) {
	clone := authSess.Clone()
	uc := enforcer.NewUpdateCriteria()

	snap := authSess.ToSnapshot()
	uc.RestrictRulesToUninstall = append(uc.RestrictRulesToUninstall, snap.ActiveRestrictRules...)

	for _, r := range snap.GyDynamicRules {
		if r.HasChargingKey && r.ChargingKey == action.Key {
			uc.GyDynamicRulesToUninstall = append(uc.GyDynamicRulesToUninstall, r.RuleID)
		}
	}

	if err := clone.SetServiceState(action.Key, enforcer.ServiceEnabled, uc); err != nil {
		log.WithError(err).Warn("engine: set enabled service state failed")
		return
	}

	if err := e.store.Commit(authSess, uc); err != nil {
		log.WithError(err).Warn("engine: discarding reactivate journal")
		e.metricMergeFailure()

		return
	}

	if len(uc.RestrictRulesToUninstall) > 0 || len(uc.GyDynamicRulesToUninstall) > 0 {
		removed := append(append([]string(nil), uc.RestrictRulesToUninstall...), uc.GyDynamicRulesToUninstall...)

		if err := e.datapath.DeactivateFlows(ctx, authSess.Imsi, removed); err != nil {
			log.WithError(err).Error("engine: deactivate redirect/restrict rules failed")
		}
	}
}

func (e *Engine) sendUpdateRequest(ctx context.Context, req *enforcer.UpdateSessionRequest) {
	reportCtx, cancel := context.WithTimeout(ctx, e.cfg.CloudRequestTimeout)
	defer cancel()

	start := time.Now()

	v, err := e.breaker.Execute(func() (interface{}, error) {
		return e.reporter.ReportUpdateSession(reportCtx, req)
	})

	if e.metrics != nil {
		e.metrics.ReportSent("update_session", time.Since(start), err)
	}

	if err != nil {
		log.WithError(err).WithFields(log.Fields{"imsi": req.Imsi, "session_id": req.SessionID}).
			Warn("engine: update session round trip failed, resetting reporting buckets")

		e.ResetUpdates(req)

		return
	}

	resp := v.(*enforcer.UpdateSessionResponse)

	uc := enforcer.NewUpdateCriteria()
	if err := e.UpdateSessionCreditsAndRules(ctx, resp, uc); err != nil {
		log.WithError(err).Warn("engine: applying update session response failed")
	}
}

// UpdateSessionCreditsAndRules applies one cloud UpdateSessionResponse
// to its session, installing the data-plane side effects any resulting
// final-unit service action requires.
func (e *Engine) UpdateSessionCreditsAndRules(ctx context.Context, resp *enforcer.UpdateSessionResponse, uc *enforcer.UpdateCriteria) error {
	authSess, ok := e.store.GetSession(resp.Imsi, resp.SessionID)
	if !ok {
		return enforcer.ErrSessionNotFound(resp.Imsi, resp.SessionID)
	}

	clone := authSess.Clone()

	for _, cc := range resp.ChargingCredits {
		clone.ReceiveChargingCredit(cc, uc)
	}

	for _, mr := range resp.Monitors {
		clone.ReceiveMonitor(mr, uc)
	}

	if len(resp.Monitors) > 0 && clone.QuotaState() == enforcer.QuotaNone {
		clone.SetQuotaState(enforcer.QuotaValid, uc)
	}

	keys := make([]enforcer.CreditKey, 0, len(resp.ChargingCredits))
	for _, cc := range resp.ChargingCredits {
		keys = append(keys, cc.Key)
	}

	actions := clone.DeriveServiceActions(keys, uc)

	if err := e.store.Commit(authSess, uc); err != nil {
		log.WithError(err).Warn("engine: discarding update-session-response journal")
		e.metricMergeFailure()

		return err
	}

	e.applyServiceActions(ctx, authSess, actions)

	return nil
}

// ResetUpdates drops the in-flight reporting buckets of every key that
// participated in a failed cloud round trip, so the next cycle retries
// them.
func (e *Engine) ResetUpdates(failedRequest *enforcer.UpdateSessionRequest) {
	authSess, ok := e.store.GetSession(failedRequest.Imsi, failedRequest.SessionID)
	if !ok {
		return
	}

	var creditKeys []enforcer.CreditKey
	for _, cu := range failedRequest.CreditUsages {
		creditKeys = append(creditKeys, cu.Key)
	}

	var monitorKeys []string
	for _, mu := range failedRequest.MonitorUsages {
		if mu.MonitoringKey != "" {
			monitorKeys = append(monitorKeys, mu.MonitoringKey)
		}
	}

	clone := authSess.Clone()
	uc := enforcer.NewUpdateCriteria()

	clone.ResetReporting(creditKeys, monitorKeys, uc)

	if err := e.store.Commit(authSess, uc); err != nil {
		log.WithError(err).Warn("engine: discarding reset-updates journal")
		e.metricMergeFailure()
	}
}

// InitSessionCredit creates a brand-new session, reports it to the
// cloud, and installs the initial grants and rule set it returns.
func (e *Engine) InitSessionCredit(ctx context.Context, imsi, sessionID string, cfg enforcer.Config) error {
	now := time.Now()
	sess := enforcer.NewSessionState(imsi, sessionID, cfg, now)

	reportCtx, cancel := context.WithTimeout(ctx, e.cfg.CloudRequestTimeout)
	defer cancel()

	start := time.Now()

	v, err := e.breaker.Execute(func() (interface{}, error) {
		return e.reporter.ReportCreateSession(reportCtx, &enforcer.CreateSessionRequest{Config: cfg})
	})

	if e.metrics != nil {
		e.metrics.ReportSent("create_session", time.Since(start), err)
	}

	if err != nil {
		return err
	}

	resp := v.(*enforcer.CreateSessionResponse)
	uc := enforcer.NewUpdateCriteria()

	for _, cc := range resp.ChargingCredits {
		sess.ReceiveChargingCredit(cc, uc)
	}

	for _, mr := range resp.Monitors {
		sess.ReceiveMonitor(mr, uc)
	}

	if resp.HasSessionLevelKey {
		sess.SetSessionLevelKey(resp.SessionLevelKey, uc)
	}

	installStaticIDs, installDynamic, _ := sess.ApplyRuleSet(resp.StaticRuleIDs, resp.DynamicRules, uc)

	if !resp.RevalidationTime.IsZero() {
		sess.SetRevalidationTime(resp.RevalidationTime, uc)
	}

	noQuota := cfg.CommonContext.Rat == enforcer.RatWLAN && !sess.HasMonitors()
	if noQuota {
		sess.SetQuotaState(enforcer.QuotaNone, uc)
	}

	// sess is brand new: every mutation above already happened directly
	// on it, so it is stored as-is rather than routed through
	// Store.Commit (which replays uc onto an *existing* authoritative
	// copy and would reject these same installs as already-applied).
	if err := e.store.PutSession(sess); err != nil {
		return err
	}

	ueIP := net.ParseIP(cfg.CommonContext.UeIP)

	if len(installStaticIDs) > 0 || len(installDynamic) > 0 {
		if err := e.datapath.ActivateFlows(ctx, imsi, ueIP, installStaticIDs, installDynamic); err != nil {
			log.WithError(err).Error("engine: activate flows for new session failed")
		}
	}

	if err := e.datapath.UpdateIPFIXFlow(ctx, imsi, ueIP); err != nil {
		log.WithError(err).Warn("engine: update ipfix flow failed")
	}

	if !resp.RevalidationTime.IsZero() {
		e.scheduleRevalidation(sess.Key(), resp.RevalidationTime)
	}

	if noQuota {
		e.reportWLANQuotaState(ctx, sess, enforcer.QuotaNone)
		e.scheduleQuotaExhaustionTermination(ctx, sess.Key())
	}

	if e.metrics != nil {
		e.metrics.SessionCreated(ratLabel(cfg.CommonContext.Rat))
	}

	return nil
}

func (e *Engine) reportWLANQuotaState(ctx context.Context, authSess *enforcer.SessionState, state enforcer.SubscriberQuotaState) {
	var macAddr string
	if authSess.Config.WLAN != nil {
		macAddr = authSess.Config.WLAN.MACAddr
	}

	if err := e.datapath.ReportSubscriberState(ctx, authSess.Imsi, macAddr, state); err != nil {
		log.WithError(err).Warn("engine: report subscriber state failed")
	}
}

// scheduleRevalidation arms a timer at the cloud-requested revalidation
// instant; when it fires the revalidation-timeout event trigger flips
// to ready, and the next collect cycle reports it.
func (e *Engine) scheduleRevalidation(key enforcer.SessionKey, at time.Time) {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}

	handle := e.scheduler.ScheduleIn(delay, func() {
		authSess, ok := e.store.GetSession(key.Imsi, key.SessionID)
		if !ok {
			return
		}

		clone := authSess.Clone()
		uc := enforcer.NewUpdateCriteria()
		clone.MarkEventTriggerReady(enforcer.EventRevalidationTimeout, uc)

		if err := e.store.Commit(authSess, uc); err != nil {
			log.WithError(err).Warn("engine: discarding revalidation-trigger journal")
			e.metricMergeFailure()
		}
	})

	e.addTimer(key, handle)
}

// scheduleQuotaExhaustionTermination gives a WLAN session created
// without any monitoring quota a grace period to receive one before it
// is torn down.
func (e *Engine) scheduleQuotaExhaustionTermination(ctx context.Context, key enforcer.SessionKey) {
	if e.cfg.QuotaExhaustionTerminationOnInit == 0 {
		return
	}

	handle := e.scheduler.ScheduleIn(e.cfg.QuotaExhaustionTerminationOnInit, func() {
		authSess, ok := e.store.GetSession(key.Imsi, key.SessionID)
		if !ok {
			return
		}

		if authSess.QuotaState() != enforcer.QuotaNone {
			return
		}

		log.WithFields(log.Fields{"imsi": key.Imsi, "session_id": key.SessionID}).
			Info("engine: terminating wlan session still without monitoring quota")

		if err := e.StartSessionTermination(ctx, key.Imsi, key.SessionID, true, enforcer.NewUpdateCriteria()); err != nil {
			log.WithError(err).Warn("engine: terminate quota-less wlan session failed")
		}
	})

	e.addTimer(key, handle)
}

// StartSessionTermination begins the teardown protocol for a session:
// marks it TERMINATION_SCHEDULED, removes its flows from the data
// plane, optionally notifies the access network, and arms the forced-
// termination timer.
func (e *Engine) StartSessionTermination(ctx context.Context, imsi, sessionID string, notifyAccess bool, uc *enforcer.UpdateCriteria) error {
	authSess, ok := e.store.GetSession(imsi, sessionID)
	if !ok {
		return enforcer.ErrSessionNotFound(imsi, sessionID)
	}

	clone := authSess.Clone()

	if err := clone.MarkAwaitingTermination(uc); err != nil {
		return err
	}

	ruleIDs := clone.ActiveRuleIDs()

	if err := e.store.Commit(authSess, uc); err != nil {
		log.WithError(err).Warn("engine: discarding start-termination journal")
		e.metricMergeFailure()

		return err
	}

	if len(ruleIDs) > 0 {
		if err := e.datapath.DeactivateFlows(ctx, imsi, ruleIDs); err != nil {
			log.WithError(err).Error("engine: deactivate flows for termination failed")
		}
	}

	if notifyAccess {
		e.notifyAccessTermination(ctx, authSess)
	}

	key := authSess.Key()
	handle := e.scheduler.ScheduleIn(e.cfg.ForcedTerminationTimeout, func() {
		e.forceTerminate(ctx, key)
	})
	e.addTimer(key, handle)

	return nil
}

func (e *Engine) notifyAccessTermination(ctx context.Context, authSess *enforcer.SessionState) {
	switch authSess.Config.CommonContext.Rat {
	case enforcer.RatLTE:
		var bearerID uint32
		if authSess.Config.LTE != nil {
			bearerID = authSess.Config.LTE.BearerID
		}

		if err := e.notifier.NotifyLTETermination(ctx, authSess.Imsi, bearerID); err != nil {
			log.WithError(err).Warn("engine: notify lte termination failed")
		}

	case enforcer.RatWLAN:
		var macAddr string
		if authSess.Config.WLAN != nil {
			macAddr = authSess.Config.WLAN.MACAddr
		}

		if err := e.notifier.NotifyWLANTermination(ctx, authSess.Imsi, macAddr); err != nil {
			log.WithError(err).Warn("engine: notify wlan termination failed")
		}
	}
}

// forceTerminate fires when a TERMINATION_SCHEDULED session's forced-
// termination timer expires without a flow-release report. The timer is
// armed only by StartSessionTermination; no timer is armed for an ACTIVE
// session that stops reporting usage.
func (e *Engine) forceTerminate(ctx context.Context, key enforcer.SessionKey) {
	authSess, ok := e.store.GetSession(key.Imsi, key.SessionID)
	if !ok {
		return
	}

	if authSess.FSMState() == enforcer.FSMTerminated {
		return
	}

	log.WithFields(log.Fields{"imsi": key.Imsi, "session_id": key.SessionID}).
		Warn("engine: forcing termination after timeout with no flow-release report")

	e.releaseAndTerminate(ctx, authSess, time.Now())
}

// CompleteTerminationForReleasedSessions runs the final SessionTerminate
// RPC for every TERMINATION_SCHEDULED session whose flows are absent
// from the latest data-plane report.
func (e *Engine) CompleteTerminationForReleasedSessions(ctx context.Context, seen map[enforcer.SessionKey]bool, now time.Time) {
	for _, authSess := range e.store.GetAllSessions() {
		if authSess.FSMState() != enforcer.FSMTerminationScheduled {
			continue
		}

		if seen[authSess.Key()] {
			continue
		}

		e.releaseAndTerminate(ctx, authSess, now)
	}
}

func (e *Engine) releaseAndTerminate(ctx context.Context, authSess *enforcer.SessionState, now time.Time) {
	clone := authSess.Clone()
	uc := enforcer.NewUpdateCriteria()

	if err := clone.MarkFlowsReleased(uc); err != nil {
		log.WithError(err).Warn("engine: mark flows released failed")
		return
	}

	termReq := clone.MakeTerminationRequest(uc)

	if err := clone.CompleteTermination(now, uc); err != nil {
		log.WithError(err).Warn("engine: complete termination failed")
		return
	}

	if err := e.store.Commit(authSess, uc); err != nil {
		log.WithError(err).Warn("engine: discarding termination journal")
		e.metricMergeFailure()

		return
	}

	e.cancelTimers(authSess.Key())

	if e.metrics != nil {
		snap := authSess.ToSnapshot()
		e.metrics.SessionTerminated(ratLabel(authSess.Config.CommonContext.Rat), snap.PdpEndTime.Sub(snap.PdpStartTime))
	}

	reportCtx, cancel := context.WithTimeout(ctx, e.cfg.CloudRequestTimeout)
	defer cancel()

	start := time.Now()

	_, err := e.breaker.Execute(func() (interface{}, error) {
		return nil, e.reporter.ReportTerminateSession(reportCtx, termReq)
	})

	if e.metrics != nil {
		e.metrics.ReportSent("terminate_session", time.Since(start), err)
	}

	if err != nil {
		log.WithError(err).Error("engine: report terminate session failed")
	}

	if err := e.store.RemoveSession(authSess.Imsi, authSess.SessionID); err != nil {
		log.WithError(err).Warn("engine: remove session after termination failed")
	}
}

// InitChargingReauth marks a charging key (or every key, if
// req.AllKeys) on the named session as needing reauthorization.
func (e *Engine) InitChargingReauth(ctx context.Context, req enforcer.ChargingReAuthRequest, uc *enforcer.UpdateCriteria) (enforcer.ResultCode, error) {
	authSess, ok := e.store.GetSession(req.Imsi, req.SessionID)
	if !ok {
		return enforcer.ResultCodeSessionNotFound, enforcer.ErrSessionNotFound(req.Imsi, req.SessionID)
	}

	clone := authSess.Clone()

	if req.AllKeys {
		clone.ReauthAll(uc)
	} else if err := clone.ReauthKey(req.Key, uc); err != nil {
		return enforcer.ResultCodeUnknownKey, err
	}

	if err := e.store.Commit(authSess, uc); err != nil {
		log.WithError(err).Warn("engine: discarding charging-reauth journal")
		e.metricMergeFailure()

		return enforcer.ResultCodeTemporaryError, err
	}

	return enforcer.ResultCodeSuccess, nil
}

// InitPolicyReauth applies a cloud-initiated RAR to the named session,
// or every session under req.Imsi when req.SessionID is empty: installs
// and removes the requested rules, creates dedicated bearers for QoS-
// bearing rules whose QCI differs from the default bearer's, and
// triggers termination if the changes leave a WLAN session's monitoring
// quota exhausted.
func (e *Engine) InitPolicyReauth(ctx context.Context, req enforcer.PolicyReAuthRequest, uc *enforcer.UpdateCriteria) (*enforcer.PolicyReAuthAnswer, error) {
	targets := e.resolveReauthTargets(req.Imsi, req.SessionID)
	if len(targets) == 0 {
		return &enforcer.PolicyReAuthAnswer{Imsi: req.Imsi, SessionID: req.SessionID, ResultCode: enforcer.ResultCodeSessionNotFound},
			enforcer.ErrSessionNotFound(req.Imsi, req.SessionID)
	}

	var failedRuleIDs []string

	for _, authSess := range targets {
		failedRuleIDs = append(failedRuleIDs, e.applyReauthToSession(ctx, authSess, req, uc)...)
	}

	return &enforcer.PolicyReAuthAnswer{
		Imsi:          req.Imsi,
		SessionID:     req.SessionID,
		ResultCode:    enforcer.ResultCodeSuccess,
		FailedRuleIDs: failedRuleIDs,
	}, nil
}

func (e *Engine) resolveReauthTargets(imsi, sessionID string) []*enforcer.SessionState {
	if sessionID != "" {
		if s, ok := e.store.GetSession(imsi, sessionID); ok {
			return []*enforcer.SessionState{s}
		}

		return nil
	}

	var out []*enforcer.SessionState

	for _, s := range e.store.GetAllSessions() {
		if s.Imsi == imsi {
			out = append(out, s)
		}
	}

	return out
}

func (e *Engine) applyReauthToSession(ctx context.Context, authSess *enforcer.SessionState, req enforcer.PolicyReAuthRequest, uc *enforcer.UpdateCriteria) []string {
	clone := authSess.Clone()

	snap := authSess.ToSnapshot()
	staticIDs := append([]string(nil), snap.ActiveStaticRuleIDs...)
	dynamic := append([]enforcer.PolicyRule(nil), snap.ActiveDynamicRules...)

	removeSet := make(map[string]struct{}, len(req.RuleIDsToRemove))
	for _, id := range req.RuleIDsToRemove {
		removeSet[id] = struct{}{}
	}

	filteredStatic := staticIDs[:0]
	for _, id := range staticIDs {
		if _, drop := removeSet[id]; !drop {
			filteredStatic = append(filteredStatic, id)
		}
	}

	filteredDynamic := dynamic[:0]
	for _, r := range dynamic {
		if _, drop := removeSet[r.RuleID]; !drop {
			filteredDynamic = append(filteredDynamic, r)
		}
	}

	// Rules whose activation window is still ahead are deferred to the
	// scheduled store; the rest install immediately.
	nowEpoch := time.Now().Unix()

	var deferred []enforcer.PolicyRule

	for _, r := range req.RulesToInstall {
		if lt, ok := req.RuleLifetimes[r.RuleID]; ok && lt.ActivationTime > nowEpoch {
			deferred = append(deferred, r)
			continue
		}

		filteredDynamic = append(filteredDynamic, r)
	}

	installStatic, installDynamic, uninstall := clone.ApplyRuleSet(filteredStatic, filteredDynamic, uc)

	for _, r := range deferred {
		clone.ScheduleDynamicRule(r, req.RuleLifetimes[r.RuleID], uc)
	}

	for ruleID, lt := range req.RuleLifetimes {
		if lt.ActivationTime > nowEpoch {
			continue
		}

		clone.SetRuleLifetime(ruleID, lt, uc)
	}

	if !req.RevalidationTime.IsZero() {
		clone.SetRevalidationTime(req.RevalidationTime, uc)
	}

	if err := e.store.Commit(authSess, uc); err != nil {
		log.WithError(err).Warn("engine: discarding policy-reauth journal")
		e.metricMergeFailure()

		return req.RuleIDsToRemove
	}

	now := time.Now()

	for _, lt := range req.RuleLifetimes {
		if lt.ActivationTime > nowEpoch {
			e.scheduleRuleTimer(ctx, authSess.Key(), lt.ActivationTime, now)
		}

		if lt.DeactivationTime > nowEpoch {
			e.scheduleRuleTimer(ctx, authSess.Key(), lt.DeactivationTime, now)
		}
	}

	if !req.RevalidationTime.IsZero() {
		e.scheduleRevalidation(authSess.Key(), req.RevalidationTime)
	}

	ueIP := net.ParseIP(authSess.Config.CommonContext.UeIP)

	if len(installStatic) > 0 || len(installDynamic) > 0 {
		if err := e.datapath.ActivateFlows(ctx, authSess.Imsi, ueIP, installStatic, installDynamic); err != nil {
			log.WithError(err).Error("engine: activate reauth rules failed")
		}
	}

	if len(uninstall) > 0 {
		if err := e.datapath.DeactivateFlows(ctx, authSess.Imsi, uninstall); err != nil {
			log.WithError(err).Error("engine: deactivate reauth rules failed")
		}
	}

	var failed []string

	for _, r := range installDynamic {
		if !r.HasQoS {
			continue
		}

		defaultQCI := uint8(9)
		if authSess.Config.LTE != nil {
			defaultQCI = authSess.Config.LTE.QCI
		}

		if r.QoS.QCI == defaultQCI {
			continue
		}

		if !e.createDedicatedBearer(ctx, authSess, r) {
			failed = append(failed, r.RuleID)
		}
	}

	if authSess.Config.CommonContext.Rat == enforcer.RatWLAN {
		e.terminateIfQuotaExhausted(ctx, authSess)
	}

	return failed
}

func (e *Engine) createDedicatedBearer(ctx context.Context, authSess *enforcer.SessionState, rule enforcer.PolicyRule) bool {
	var linkBearerID uint32
	if authSess.Config.LTE != nil {
		linkBearerID = authSess.Config.LTE.BearerID
	}

	resp, err := e.bearers.CreateBearer(ctx, &enforcer.BearerCreateRequest{
		Imsi:         authSess.Imsi,
		SessionID:    authSess.SessionID,
		PolicyID:     rule.RuleID,
		LinkBearerID: linkBearerID,
		QoS:          rule.QoS,
	})
	if err != nil {
		log.WithError(err).Warn("engine: create dedicated bearer failed")
		return false
	}

	uc := enforcer.NewUpdateCriteria()

	clone := authSess.Clone()
	clone.BindPolicyToBearer(*resp, uc)

	if err := e.store.Commit(authSess, uc); err != nil {
		log.WithError(err).Warn("engine: discarding bind-bearer journal")
		e.metricMergeFailure()

		return false
	}

	if resp.BearerID == 0 {
		if err := e.datapath.DeactivateFlows(ctx, authSess.Imsi, []string{rule.RuleID}); err != nil {
			log.WithError(err).Warn("engine: remove rule after bearer creation failure failed")
		}

		return false
	}

	return true
}

func (e *Engine) terminateIfQuotaExhausted(ctx context.Context, authSess *enforcer.SessionState) {
	snap := authSess.ToSnapshot()

	key, ok := snap.SessionLevelKey, snap.HasSessionLevelKey
	if !ok {
		return
	}

	credit, found := authSess.GetMonitorCredit(key)
	if !found || !credit.IsQuotaExhausted(100) {
		return
	}

	uc := enforcer.NewUpdateCriteria()

	if err := e.StartSessionTermination(ctx, authSess.Imsi, authSess.SessionID, true, uc); err != nil {
		log.WithError(err).Warn("engine: terminate on exhausted wlan quota failed")
	}
}

// TerminateSession starts the teardown protocol for every session the
// subscriber holds on the named APN. It is the entry point access-side
// release takes, so the access network is always notified.
func (e *Engine) TerminateSession(ctx context.Context, imsi, apn string) error {
	var found bool

	for _, authSess := range e.store.GetAllSessions() {
		if authSess.Imsi != imsi || authSess.Config.CommonContext.Apn != apn {
			continue
		}

		found = true

		if err := e.StartSessionTermination(ctx, authSess.Imsi, authSess.SessionID, true, enforcer.NewUpdateCriteria()); err != nil {
			log.WithError(err).WithFields(log.Fields{"imsi": imsi, "apn": apn}).
				Warn("engine: terminate session failed")
		}
	}

	if !found {
		return enforcer.ErrSessionNotFound(imsi, apn)
	}

	return nil
}

// HandleSetSessionRules declaratively replaces a session's active
// static and dynamic rule sets.
func (e *Engine) HandleSetSessionRules(ctx context.Context, imsi, sessionID string, staticRuleIDs []string, dynamicRules []enforcer.PolicyRule, uc *enforcer.UpdateCriteria) error {
	authSess, ok := e.store.GetSession(imsi, sessionID)
	if !ok {
		return enforcer.ErrSessionNotFound(imsi, sessionID)
	}

	clone := authSess.Clone()
	installStatic, installDynamic, uninstall := clone.ApplyRuleSet(staticRuleIDs, dynamicRules, uc)

	if err := e.store.Commit(authSess, uc); err != nil {
		log.WithError(err).Warn("engine: discarding set-session-rules journal")
		e.metricMergeFailure()

		return err
	}

	ueIP := net.ParseIP(authSess.Config.CommonContext.UeIP)

	if len(installStatic) > 0 || len(installDynamic) > 0 {
		if err := e.datapath.ActivateFlows(ctx, imsi, ueIP, installStatic, installDynamic); err != nil {
			log.WithError(err).Error("engine: activate flows for set-session-rules failed")
		}
	}

	if len(uninstall) > 0 {
		if err := e.datapath.DeactivateFlows(ctx, imsi, uninstall); err != nil {
			log.WithError(err).Error("engine: deactivate flows for set-session-rules failed")
		}
	}

	return nil
}

// BindPolicyToBearer records (or undoes, on failure) a dedicated-bearer
// creation for a previously installed QoS-bearing rule.
func (e *Engine) BindPolicyToBearer(ctx context.Context, imsi, sessionID string, resp enforcer.BearerCreateResponse, uc *enforcer.UpdateCriteria) error {
	authSess, ok := e.store.GetSession(imsi, sessionID)
	if !ok {
		return enforcer.ErrSessionNotFound(imsi, sessionID)
	}

	clone := authSess.Clone()
	clone.BindPolicyToBearer(resp, uc)

	if err := e.store.Commit(authSess, uc); err != nil {
		log.WithError(err).Warn("engine: discarding bind-policy-to-bearer journal")
		e.metricMergeFailure()

		return err
	}

	if resp.BearerID == 0 {
		if err := e.datapath.DeactivateFlows(ctx, imsi, []string{resp.PolicyID}); err != nil {
			log.WithError(err).Warn("engine: remove rule after bearer creation failure failed")
		}
	}

	return nil
}

// GetChargingCredit is a read-only bucket query for one session's
// charging key.
func (e *Engine) GetChargingCredit(imsi, sessionID string, key enforcer.CreditKey) (enforcer.Credit, bool) {
	s, ok := e.store.GetSession(imsi, sessionID)
	if !ok {
		return enforcer.Credit{}, false
	}

	return s.GetChargingCredit(key)
}

// GetMonitorCredit is a read-only bucket query for one session's
// monitoring key.
func (e *Engine) GetMonitorCredit(imsi, sessionID, key string) (enforcer.Credit, bool) {
	s, ok := e.store.GetSession(imsi, sessionID)
	if !ok {
		return enforcer.Credit{}, false
	}

	return s.GetMonitorCredit(key)
}

// Run drives the periodic side of the enforcer's event loop: once every
// interval it runs CollectUpdates over every session. It
// blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Infoln("engine: run loop stopping")
			return
		case now := <-ticker.C:
			e.CollectUpdates(ctx, now)
		}
	}
}
