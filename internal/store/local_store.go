// SPDX-License-Identifier: Apache-2.0

// Package store provides Store implementations for the durable session
// store external collaborator: an in-memory, sync.Map-keyed store and a
// Mongo-backed one.
package store

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/magma-core/session-enforcer/internal/enforcer"
)

// InMemoryStore keeps every session in a sync.Map, the way
// pfcpiface.InMemoryStore keeps PFCP sessions — adequate for a single
// gateway instance and for tests.
type InMemoryStore struct {
	sessions sync.Map // sessionKey -> *enforcer.SessionState
}

type sessionKey struct {
	imsi      string
	sessionID string
}

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// GetSession returns the session for (imsi, sessionID), if any.
func (s *InMemoryStore) GetSession(imsi, sessionID string) (*enforcer.SessionState, bool) {
	v, ok := s.sessions.Load(sessionKey{imsi, sessionID})
	if !ok {
		return nil, false
	}

	return v.(*enforcer.SessionState), true
}

// GetAllSessions returns every session currently held.
func (s *InMemoryStore) GetAllSessions() []*enforcer.SessionState {
	var out []*enforcer.SessionState

	s.sessions.Range(func(_, v interface{}) bool {
		out = append(out, v.(*enforcer.SessionState))
		return true
	})

	return out
}

// PutSession stores a brand-new session.
func (s *InMemoryStore) PutSession(sess *enforcer.SessionState) error {
	if sess.Imsi == "" || sess.SessionID == "" {
		return enforcer.ErrInvalidArgument("session.key", sess.Key())
	}

	s.sessions.Store(sessionKey{sess.Imsi, sess.SessionID}, sess)

	log.WithFields(log.Fields{"imsi": sess.Imsi, "session_id": sess.SessionID}).
		Debug("stored new session")

	return nil
}

// Commit applies uc onto the stored session atomically: on success the
// journal's mutations are now part of the store's copy; on failure the
// stored session is left untouched and the caller is expected to
// discard the journal entirely.
func (s *InMemoryStore) Commit(sess *enforcer.SessionState, uc *enforcer.UpdateCriteria) error {
	// Apply can fail part-way through, so the journal is checked against a
	// clone first and only replayed onto the stored session if it merges.
	if err := uc.Apply(sess.Clone()); err != nil {
		log.WithError(err).WithFields(log.Fields{"imsi": sess.Imsi, "session_id": sess.SessionID}).
			Warn("discarding update-criteria journal: merge precondition violated")

		return err
	}

	if err := uc.Apply(sess); err != nil {
		return err
	}

	s.sessions.Store(sessionKey{sess.Imsi, sess.SessionID}, sess)

	return nil
}

// RemoveSession deletes a session from the store.
func (s *InMemoryStore) RemoveSession(imsi, sessionID string) error {
	s.sessions.Delete(sessionKey{imsi, sessionID})

	log.WithFields(log.Fields{"imsi": imsi, "session_id": sessionID}).Debug("removed session")

	return nil
}
