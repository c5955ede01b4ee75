// SPDX-License-Identifier: Apache-2.0

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magma-core/session-enforcer/internal/enforcer"
)

func newSession(imsi, sessionID string) *enforcer.SessionState {
	cfg := enforcer.Config{CommonContext: enforcer.CommonContext{Imsi: imsi, Rat: enforcer.RatLTE, UeIP: "1.2.3.4"}}
	return enforcer.NewSessionState(imsi, sessionID, cfg, time.Now())
}

func TestInMemoryStorePutGetRoundTrip(t *testing.T) {
	s := NewInMemoryStore()

	sess := newSession("IMSI001", "s1")
	require.NoError(t, s.PutSession(sess))

	got, ok := s.GetSession("IMSI001", "s1")
	require.True(t, ok)
	assert.Equal(t, sess.Key(), got.Key())

	_, ok = s.GetSession("IMSI001", "missing")
	assert.False(t, ok)
}

func TestInMemoryStorePutSessionRejectsEmptyKey(t *testing.T) {
	s := NewInMemoryStore()

	err := s.PutSession(newSession("", "s1"))
	assert.Error(t, err)

	err = s.PutSession(newSession("IMSI001", ""))
	assert.Error(t, err)
}

func TestInMemoryStoreGetAllSessions(t *testing.T) {
	s := NewInMemoryStore()

	require.NoError(t, s.PutSession(newSession("IMSI001", "s1")))
	require.NoError(t, s.PutSession(newSession("IMSI002", "s1")))

	all := s.GetAllSessions()
	assert.Len(t, all, 2)
}

func TestInMemoryStoreCommitAppliesJournalInPlace(t *testing.T) {
	s := NewInMemoryStore()
	sess := newSession("IMSI001", "s1")
	require.NoError(t, s.PutSession(sess))

	uc := enforcer.NewUpdateCriteria()
	uc.StaticRulesToInstall = append(uc.StaticRulesToInstall, "r1")
	uc.NewRuleLifetimes["r1"] = enforcer.RuleLifetime{}

	require.NoError(t, s.Commit(sess, uc))

	got, ok := s.GetSession("IMSI001", "s1")
	require.True(t, ok)
	assert.Contains(t, got.ActiveRuleIDs(), "r1")
}

func TestInMemoryStoreCommitRejectsPreconditionViolation(t *testing.T) {
	s := NewInMemoryStore()
	sess := newSession("IMSI001", "s1")
	require.NoError(t, s.PutSession(sess))

	uc := enforcer.NewUpdateCriteria()
	uc.StaticRulesToUninstall = append(uc.StaticRulesToUninstall, "never-installed")

	err := s.Commit(sess, uc)
	assert.Error(t, err)

	got, _ := s.GetSession("IMSI001", "s1")
	assert.Empty(t, got.ActiveRuleIDs())
}

func TestInMemoryStoreRemoveSession(t *testing.T) {
	s := NewInMemoryStore()
	require.NoError(t, s.PutSession(newSession("IMSI001", "s1")))

	require.NoError(t, s.RemoveSession("IMSI001", "s1"))

	_, ok := s.GetSession("IMSI001", "s1")
	assert.False(t, ok)
}
