// SPDX-License-Identifier: Apache-2.0

// Package fake provides in-memory substitutes for every external
// collaborator capability interface in internal/client, for use in
// enforcer tests.
package fake

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/magma-core/session-enforcer/internal/client"
	"github.com/magma-core/session-enforcer/internal/enforcer"
)

// Datapath records every call it receives instead of touching a real
// data plane.
type Datapath struct {
	mu sync.Mutex

	Activated        []ActivateCall
	Deactivated      []DeactivateCall
	IpfixUpdates     []string
	SubscriberStates map[string]enforcer.SubscriberQuotaState
	SetupCalls       int
}

type ActivateCall struct {
	Imsi          string
	UeIP          net.IP
	StaticRuleIDs []string
	DynamicRules  []enforcer.PolicyRule
}

type DeactivateCall struct {
	Imsi    string
	RuleIDs []string
}

func NewDatapath() *Datapath { return &Datapath{} }

func (d *Datapath) ActivateFlows(_ context.Context, imsi string, ueIP net.IP, staticRuleIDs []string, dynamicRules []enforcer.PolicyRule) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.Activated = append(d.Activated, ActivateCall{Imsi: imsi, UeIP: ueIP, StaticRuleIDs: staticRuleIDs, DynamicRules: dynamicRules})

	return nil
}

func (d *Datapath) DeactivateFlows(_ context.Context, imsi string, ruleIDs []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.Deactivated = append(d.Deactivated, DeactivateCall{Imsi: imsi, RuleIDs: ruleIDs})

	return nil
}

func (d *Datapath) UpdateIPFIXFlow(_ context.Context, imsi string, _ net.IP) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.IpfixUpdates = append(d.IpfixUpdates, imsi)

	return nil
}

func (d *Datapath) ReportSubscriberState(_ context.Context, imsi, _ string, quota enforcer.SubscriberQuotaState) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.SubscriberStates == nil {
		d.SubscriberStates = make(map[string]enforcer.SubscriberQuotaState)
	}

	d.SubscriberStates[imsi] = quota

	return nil
}

func (d *Datapath) SetupFlows(_ context.Context, _ []client.SessionSnapshot, _ uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.SetupCalls++

	return nil
}

// Reporter is a scriptable cloud reporter: tests queue the responses it
// should return and inspect what it was sent.
type Reporter struct {
	mu sync.Mutex

	CreateResponse *enforcer.CreateSessionResponse
	UpdateResponse *enforcer.UpdateSessionResponse
	UpdateErr      error

	CreateRequests    []*enforcer.CreateSessionRequest
	UpdateRequests    []*enforcer.UpdateSessionRequest
	TerminateRequests []*enforcer.SessionTerminateRequest
}

func NewReporter() *Reporter { return &Reporter{} }

func (r *Reporter) ReportCreateSession(_ context.Context, req *enforcer.CreateSessionRequest) (*enforcer.CreateSessionResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.CreateRequests = append(r.CreateRequests, req)
	if r.CreateResponse != nil {
		return r.CreateResponse, nil
	}

	return &enforcer.CreateSessionResponse{}, nil
}

func (r *Reporter) ReportUpdateSession(_ context.Context, req *enforcer.UpdateSessionRequest) (*enforcer.UpdateSessionResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.UpdateRequests = append(r.UpdateRequests, req)

	if r.UpdateErr != nil {
		return nil, r.UpdateErr
	}

	if r.UpdateResponse != nil {
		return r.UpdateResponse, nil
	}

	return &enforcer.UpdateSessionResponse{Imsi: req.Imsi, SessionID: req.SessionID}, nil
}

func (r *Reporter) ReportTerminateSession(_ context.Context, req *enforcer.SessionTerminateRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.TerminateRequests = append(r.TerminateRequests, req)

	return nil
}

// AccessNotifier records termination notifications.
type AccessNotifier struct {
	mu        sync.Mutex
	LTECalls  []string
	WLANCalls []string
}

func NewAccessNotifier() *AccessNotifier { return &AccessNotifier{} }

func (a *AccessNotifier) NotifyLTETermination(_ context.Context, imsi string, _ uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.LTECalls = append(a.LTECalls, imsi)

	return nil
}

func (a *AccessNotifier) NotifyWLANTermination(_ context.Context, imsi, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.WLANCalls = append(a.WLANCalls, imsi)

	return nil
}

// BearerClient is a scriptable dedicated-bearer client.
type BearerClient struct {
	mu sync.Mutex

	NextBearerID uint32 // 0 simulates a creation failure
	Requests     []*enforcer.BearerCreateRequest
	Deleted      []uint32
}

func NewBearerClient() *BearerClient { return &BearerClient{} }

func (b *BearerClient) CreateBearer(_ context.Context, req *enforcer.BearerCreateRequest) (*enforcer.BearerCreateResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.Requests = append(b.Requests, req)

	return &enforcer.BearerCreateResponse{
		Imsi: req.Imsi, SessionID: req.SessionID, PolicyID: req.PolicyID, BearerID: b.NextBearerID,
	}, nil
}

func (b *BearerClient) DeleteBearer(_ context.Context, _ string, bearerID uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Deleted = append(b.Deleted, bearerID)

	return nil
}

// Scheduler records every scheduled callback without a real timer so
// tests can fire them deterministically via FireAll.
type Scheduler struct {
	mu    sync.Mutex
	items []*scheduledItem
}

type scheduledItem struct {
	delay     time.Duration
	cb        func()
	cancelled bool
}

func NewScheduler() *Scheduler { return &Scheduler{} }

func (s *Scheduler) ScheduleIn(d time.Duration, cb func()) client.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := &scheduledItem{delay: d, cb: cb}
	s.items = append(s.items, item)

	return &fakeHandle{item: item}
}

// FireAll runs every non-cancelled callback, in schedule order, and
// clears the queue.
func (s *Scheduler) FireAll() {
	s.mu.Lock()
	items := s.items
	s.items = nil
	s.mu.Unlock()

	for _, item := range items {
		if !item.cancelled {
			item.cb()
		}
	}
}

// Pending returns how many callbacks are still queued.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.items)
}

type fakeHandle struct {
	item *scheduledItem
}

func (h *fakeHandle) Cancel() { h.item.cancelled = true }

// DirectoryClient resolves an imsi to the session id imsi + "-s1",
// unless overridden per-imsi.
type DirectoryClient struct {
	mu        sync.Mutex
	Overrides map[string]string
}

func NewDirectoryClient() *DirectoryClient {
	return &DirectoryClient{Overrides: make(map[string]string)}
}

func (d *DirectoryClient) ResolveSessionID(_ context.Context, imsi string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if id, ok := d.Overrides[imsi]; ok {
		return id, nil
	}

	return imsi + "-s1", nil
}
