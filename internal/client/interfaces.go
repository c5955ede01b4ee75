// SPDX-License-Identifier: Apache-2.0

// Package client defines the capability interfaces for every external
// collaborator the enforcer depends on. Production code injects real
// implementations; tests substitute in-memory fakes (see
// internal/client/fake).
package client

import (
	"context"
	"net"
	"time"

	"github.com/magma-core/session-enforcer/internal/enforcer"
)

// Datapath is the data-plane client: rule install/removal and recovery.
// Installs must be idempotent — the enforcer may re-send after restart
// with the same epoch.
type Datapath interface {
	ActivateFlows(ctx context.Context, imsi string, ueIP net.IP, staticRuleIDs []string, dynamicRules []enforcer.PolicyRule) error
	DeactivateFlows(ctx context.Context, imsi string, ruleIDs []string) error
	UpdateIPFIXFlow(ctx context.Context, imsi string, ueIP net.IP) error
	ReportSubscriberState(ctx context.Context, imsi, macAddr string, quota enforcer.SubscriberQuotaState) error
	SetupFlows(ctx context.Context, sessions []SessionSnapshot, epoch uint64) error
}

// SessionSnapshot is the minimal per-session view SetupFlows needs to
// re-push rule state to a restarted data plane.
type SessionSnapshot struct {
	Imsi      string
	SessionID string
	UeIP      net.IP
	RuleIDs   []string
}

// Reporter is the policy/charging cloud client.
type Reporter interface {
	ReportCreateSession(ctx context.Context, req *enforcer.CreateSessionRequest) (*enforcer.CreateSessionResponse, error)
	ReportUpdateSession(ctx context.Context, req *enforcer.UpdateSessionRequest) (*enforcer.UpdateSessionResponse, error)
	ReportTerminateSession(ctx context.Context, req *enforcer.SessionTerminateRequest) error
}

// AccessNotifier notifies the access network (MME for LTE, AAA for
// WLAN) that a session is being torn down.
type AccessNotifier interface {
	NotifyLTETermination(ctx context.Context, imsi string, bearerID uint32) error
	NotifyWLANTermination(ctx context.Context, imsi, macAddr string) error
}

// BearerClient creates and deletes dedicated LTE bearers, kept distinct
// from AccessNotifier because dedicated-bearer QoS binding is exercised
// independently of session teardown notification.
type BearerClient interface {
	CreateBearer(ctx context.Context, req *enforcer.BearerCreateRequest) (*enforcer.BearerCreateResponse, error)
	DeleteBearer(ctx context.Context, imsi string, bearerID uint32) error
}

// DirectoryClient resolves subscriber identifiers across services.
type DirectoryClient interface {
	ResolveSessionID(ctx context.Context, imsi string) (string, error)
}

// Store is the durable session store: the sole owner of session
// objects. The enforcer obtains a mutable view and commits an
// UpdateCriteria journal back atomically.
type Store interface {
	GetSession(imsi, sessionID string) (*enforcer.SessionState, bool)
	GetAllSessions() []*enforcer.SessionState
	PutSession(s *enforcer.SessionState) error
	Commit(s *enforcer.SessionState, uc *enforcer.UpdateCriteria) error
	RemoveSession(imsi, sessionID string) error
}

// Scheduler is the event loop: cancellable single-shot timers.
type Scheduler interface {
	ScheduleIn(d time.Duration, cb func()) Handle
}

// Handle cancels a scheduled callback; Cancel on an already-fired or
// already-cancelled handle is a no-op.
type Handle interface {
	Cancel()
}
