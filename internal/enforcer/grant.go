// SPDX-License-Identifier: Apache-2.0

package enforcer

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CreditKey is a charging key: a (ratingGroup, serviceIdentifier) pair
// identifying a billing bucket. ServiceIdentifier is optional on the
// wire; a zero value there means "unset", tracked via HasServiceID so a
// real service id of 0 isn't confused with "unset".
type CreditKey struct {
	RatingGroup  uint32
	ServiceID    uint32
	HasServiceID bool
}

// MarshalText encodes the key as "ratingGroup" or
// "ratingGroup:serviceId", so it can serve as a map key in document
// stores that only accept textual keys.
func (k CreditKey) MarshalText() ([]byte, error) {
	if k.HasServiceID {
		return []byte(fmt.Sprintf("%d:%d", k.RatingGroup, k.ServiceID)), nil
	}

	return []byte(strconv.FormatUint(uint64(k.RatingGroup), 10)), nil
}

// UnmarshalText parses the encoding produced by MarshalText.
func (k *CreditKey) UnmarshalText(text []byte) error {
	rg, sid, hasSid := strings.Cut(string(text), ":")

	rgVal, err := strconv.ParseUint(rg, 10, 32)
	if err != nil {
		return fmt.Errorf("parsing charging key %q: %w", text, err)
	}

	*k = CreditKey{RatingGroup: uint32(rgVal)}

	if hasSid {
		sidVal, err := strconv.ParseUint(sid, 10, 32)
		if err != nil {
			return fmt.Errorf("parsing charging key %q: %w", text, err)
		}

		k.ServiceID = uint32(sidVal)
		k.HasServiceID = true
	}

	return nil
}

// FinalAction names what the data plane must do once a final grant is
// exhausted.
type FinalAction int

const (
	FinalActionTerminate FinalAction = iota
	FinalActionRedirect
	FinalActionRestrictAccess
)

// FinalActionInfo carries the metadata needed to carry out a FinalAction.
type FinalActionInfo struct {
	Action         FinalAction
	RedirectServer string
	RestrictRules  []string
}

// ReAuthState tracks whether a grant needs, or is undergoing, a local
// reauthorization round trip.
type ReAuthState int

const (
	ReAuthNotNeeded ReAuthState = iota
	ReAuthRequired
	ReAuthProcessing
)

// ServiceState reflects what the data plane is currently doing with the
// rules tied to a charging key.
type ServiceState int

const (
	ServiceEnabled ServiceState = iota
	ServiceNeedsDeactivation
	ServiceNeedsActivation
	ServiceRedirected
	ServiceRestricted
	ServiceDisabled
)

// ServiceActionType is the action getUpdates derives for a grant.
type ServiceActionType int

const (
	ActionContinue ServiceActionType = iota
	ActionTerminate
	ActionRedirect
	ActionRestrict
	ActionActivate
)

// ServiceAction is what the enforcer must push to the data plane as a
// consequence of a grant's derived action; it is independent of, and
// issued ahead of, any cloud round trip.
type ServiceAction struct {
	Type           ServiceActionType
	Key            CreditKey
	RedirectServer string
	RestrictRules  []string
}

// ChargingGrant owns a Credit plus its final-unit/reauth/service-state
// metadata.
type ChargingGrant struct {
	Credit Credit

	IsFinal          bool
	FinalActionInfo  FinalActionInfo
	ReAuthState      ReAuthState
	ServiceState     ServiceState
	ExpiryTime       time.Time

	// LastServiceAction de-dupes repeated identical ServiceActions across
	// consecutive update cycles; it is part of the journaled grant state
	// so the de-dup survives a store commit.
	LastServiceAction ServiceActionType
	HasLastAction     bool
}

// GetAction derives the next service action for this grant from its
// exhaustion and final-unit state. Each action branch populates every
// field it needs independently; REDIRECT, RESTRICT and TERMINATE are
// handled as separate, non-overlapping cases.
func (g *ChargingGrant) GetAction(key CreditKey) ServiceAction {
	switch {
	case g.ServiceState == ServiceNeedsActivation:
		return ServiceAction{Type: ActionActivate, Key: key}

	case g.ServiceState == ServiceNeedsDeactivation && !g.IsFinal:
		// The grant was permanently refused without a final-unit action
		// to fall back on; the session is torn down.
		return ServiceAction{Type: ActionTerminate, Key: key}

	case g.IsFinal && g.Credit.IsQuotaExhausted(100):
		switch g.FinalActionInfo.Action {
		case FinalActionTerminate:
			return ServiceAction{Type: ActionTerminate, Key: key}
		case FinalActionRedirect:
			return ServiceAction{Type: ActionRedirect, Key: key, RedirectServer: g.FinalActionInfo.RedirectServer}
		case FinalActionRestrictAccess:
			return ServiceAction{
				Type:          ActionRestrict,
				Key:           key,
				RestrictRules: append([]string(nil), g.FinalActionInfo.RestrictRules...),
			}
		}
	}

	return ServiceAction{Type: ActionContinue, Key: key}
}

// ShouldEmitAction reports whether action differs from the last action
// recorded for this grant, and records action as the new last action.
func (g *ChargingGrant) ShouldEmitAction(action ServiceActionType) bool {
	if g.HasLastAction && g.LastServiceAction == action {
		return false
	}

	g.LastServiceAction = action
	g.HasLastAction = true

	return true
}
