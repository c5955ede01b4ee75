// SPDX-License-Identifier: Apache-2.0

package enforcer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChargingGrantGetActionRedirect(t *testing.T) {
	key := CreditKey{RatingGroup: 10}

	g := &ChargingGrant{
		IsFinal: true,
		FinalActionInfo: FinalActionInfo{
			Action:         FinalActionRedirect,
			RedirectServer: "10.0.0.1",
		},
	}
	g.Credit.ReceiveGrant(1000, 0, TrackingTotal)
	g.Credit.AddUsed(1000, 0)

	action := g.GetAction(key)
	assert.Equal(t, ActionRedirect, action.Type)
	assert.Equal(t, "10.0.0.1", action.RedirectServer)
}

func TestChargingGrantGetActionRestrict(t *testing.T) {
	key := CreditKey{RatingGroup: 20}

	g := &ChargingGrant{
		IsFinal: true,
		FinalActionInfo: FinalActionInfo{
			Action:        FinalActionRestrictAccess,
			RestrictRules: []string{"restrict-1", "restrict-2"},
		},
	}
	g.Credit.ReceiveGrant(500, 0, TrackingTotal)
	g.Credit.AddUsed(500, 0)

	action := g.GetAction(key)
	assert.Equal(t, ActionRestrict, action.Type)
	assert.Equal(t, []string{"restrict-1", "restrict-2"}, action.RestrictRules)
}

func TestChargingGrantGetActionTerminate(t *testing.T) {
	key := CreditKey{RatingGroup: 30}

	g := &ChargingGrant{
		IsFinal:         true,
		FinalActionInfo: FinalActionInfo{Action: FinalActionTerminate},
	}
	g.Credit.ReceiveGrant(100, 0, TrackingTotal)
	g.Credit.AddUsed(100, 0)

	assert.Equal(t, ActionTerminate, g.GetAction(key).Type)
}

func TestChargingGrantContinueWhenNotExhausted(t *testing.T) {
	key := CreditKey{RatingGroup: 40}

	g := &ChargingGrant{
		IsFinal:         true,
		FinalActionInfo: FinalActionInfo{Action: FinalActionTerminate},
	}
	g.Credit.ReceiveGrant(1000, 0, TrackingTotal)
	g.Credit.AddUsed(100, 0)

	assert.Equal(t, ActionContinue, g.GetAction(key).Type)
}

func TestChargingGrantShouldEmitActionDedupes(t *testing.T) {
	g := &ChargingGrant{}

	assert.True(t, g.ShouldEmitAction(ActionRedirect))
	assert.False(t, g.ShouldEmitAction(ActionRedirect))
	assert.True(t, g.ShouldEmitAction(ActionRestrict))
}

func TestCreditKeyTextRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		key  CreditKey
		text string
	}{
		{"rating group only", CreditKey{RatingGroup: 10}, "10"},
		{"with service id", CreditKey{RatingGroup: 10, ServiceID: 42, HasServiceID: true}, "10:42"},
		{"zero service id is still distinct from unset", CreditKey{RatingGroup: 3, HasServiceID: true}, "3:0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, err := tt.key.MarshalText()
			require.NoError(t, err)
			assert.Equal(t, tt.text, string(text))

			var decoded CreditKey
			require.NoError(t, decoded.UnmarshalText(text))
			assert.Equal(t, tt.key, decoded)
		})
	}
}

func TestCreditKeyUnmarshalRejectsGarbage(t *testing.T) {
	var k CreditKey
	assert.Error(t, k.UnmarshalText([]byte("not-a-number")))
	assert.Error(t, k.UnmarshalText([]byte("10:xyz")))
}

func TestChargingGrantPermanentRefusalDerivesTerminate(t *testing.T) {
	key := CreditKey{RatingGroup: 60}

	g := &ChargingGrant{ServiceState: ServiceNeedsDeactivation}

	assert.Equal(t, ActionTerminate, g.GetAction(key).Type)
}

func TestChargingGrantNeedsActivationTakesPriority(t *testing.T) {
	key := CreditKey{RatingGroup: 50}

	g := &ChargingGrant{
		ServiceState:    ServiceNeedsActivation,
		IsFinal:         true,
		FinalActionInfo: FinalActionInfo{Action: FinalActionTerminate},
	}
	g.Credit.ReceiveGrant(100, 0, TrackingTotal)
	g.Credit.AddUsed(100, 0)

	assert.Equal(t, ActionActivate, g.GetAction(key).Type)
}
