// SPDX-License-Identifier: Apache-2.0

package enforcer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticRuleStoreLookups(t *testing.T) {
	ck := CreditKey{RatingGroup: 10}

	s := NewStaticRuleStore([]PolicyRule{
		{RuleID: "r-rg10", ChargingKey: ck, HasChargingKey: true, MonitoringKey: "mk1", HasMonitoringKey: true},
		{RuleID: "r-other"},
	})

	r, ok := s.Get("r-rg10")
	require.True(t, ok)
	assert.Equal(t, ck, r.ChargingKey)

	assert.ElementsMatch(t, []string{"r-rg10"}, s.RuleIDsForChargingKey(ck))
	assert.ElementsMatch(t, []string{"r-rg10"}, s.RuleIDsForMonitoringKey("mk1"))

	_, ok = s.Get("missing")
	assert.False(t, ok)
}

func TestStaticRuleStoreNilSafe(t *testing.T) {
	var s *StaticRuleStore

	_, ok := s.Get("anything")
	assert.False(t, ok)
	assert.Nil(t, s.RuleIDsForChargingKey(CreditKey{}))
	assert.Nil(t, s.RuleIDsForMonitoringKey("x"))
}

func TestDynamicRuleStoreInsertRemoveReindexes(t *testing.T) {
	ck := CreditKey{RatingGroup: 5}
	d := NewDynamicRuleStore()

	d.Insert(PolicyRule{RuleID: "a", ChargingKey: ck, HasChargingKey: true, MonitoringKey: "mk", HasMonitoringKey: true})
	d.Insert(PolicyRule{RuleID: "b", ChargingKey: ck, HasChargingKey: true})

	assert.ElementsMatch(t, []string{"a", "b"}, d.RuleIDsForChargingKey(ck))
	assert.Equal(t, 1, d.CountRulesWithMonitoringKey())

	_, ok := d.Remove("a")
	require.True(t, ok)

	assert.ElementsMatch(t, []string{"b"}, d.RuleIDsForChargingKey(ck))
	assert.Equal(t, 0, d.CountRulesWithMonitoringKey())

	_, ok = d.Get("a")
	assert.False(t, ok)
}

func TestDynamicRuleStoreReinsertReplaces(t *testing.T) {
	ck1 := CreditKey{RatingGroup: 1}
	ck2 := CreditKey{RatingGroup: 2}
	d := NewDynamicRuleStore()

	d.Insert(PolicyRule{RuleID: "a", ChargingKey: ck1, HasChargingKey: true})
	d.Insert(PolicyRule{RuleID: "a", ChargingKey: ck2, HasChargingKey: true})

	assert.Empty(t, d.RuleIDsForChargingKey(ck1))
	assert.ElementsMatch(t, []string{"a"}, d.RuleIDsForChargingKey(ck2))
	assert.Len(t, d.All(), 1)
}

func TestRuleLifetimeActiveAt(t *testing.T) {
	tests := []struct {
		name string
		lt   RuleLifetime
		t    int64
		want bool
	}{
		{"unbounded both sides", RuleLifetime{}, 100, true},
		{"before activation", RuleLifetime{ActivationTime: 50}, 50, false},
		{"after activation", RuleLifetime{ActivationTime: 50}, 51, true},
		{"before deactivation", RuleLifetime{DeactivationTime: 100}, 99, true},
		{"at deactivation", RuleLifetime{DeactivationTime: 100}, 100, false},
		{"within window", RuleLifetime{ActivationTime: 10, DeactivationTime: 100}, 50, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.lt.ActiveAt(tt.t))
		})
	}
}
