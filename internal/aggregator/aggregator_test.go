package aggregator

import (
	"testing"
	"time"

	"github.com/resident-x/go-pi30/internal/domain"
	"github.com/stretchr/testify/assert"
)

func memberState(id, group string, available bool, activeW, apparentVA, pvW float64) domain.DeviceState {
	return domain.DeviceState{
		Identity:  domain.DeviceIdentity{ID: id, Group: group},
		Available: available,
		Metrics: map[domain.QueryType]domain.MetricSet{
			domain.QueryStatus: {
				Query: domain.QueryStatus,
				Taken: time.Now(),
				Values: map[string]domain.Metric{
					"ac_output_active_power":   {Kind: domain.MetricInt, Unit: "W", Number: activeW},
					"ac_output_apparent_power": {Kind: domain.MetricInt, Unit: "VA", Number: apparentVA},
					"pv_charging_power":        {Kind: domain.MetricInt, Unit: "W", Number: pvW},
				},
			},
		},
	}
}

func TestAggregateSumsAvailableMembers(t *testing.T) {
	states := []domain.DeviceState{
		memberState("inverter_l1", "system", true, 100, 120, 300),
		memberState("inverter_l2", "system", true, 150, 180, 200),
		memberState("inverter_l3", "system", false, 999, 999, 999),
	}

	agg := Aggregate("system", states)

	assert.Equal(t, "system", agg.Group)
	assert.Equal(t, []string{"inverter_l1", "inverter_l2"}, agg.Members)
	assert.Equal(t, 250.0, agg.ActivePower)
	assert.Equal(t, 300.0, agg.ApparentPower)
	assert.Equal(t, 500.0, agg.PVPower)
	assert.False(t, agg.Taken.IsZero())
}

func TestAggregateIgnoresOtherGroups(t *testing.T) {
	states := []domain.DeviceState{
		memberState("inverter_l1", "system", true, 100, 100, 100),
		memberState("garage", "other", true, 400, 400, 400),
		memberState("standalone", "", true, 50, 50, 50),
	}

	agg := Aggregate("system", states)

	assert.Equal(t, []string{"inverter_l1"}, agg.Members)
	assert.Equal(t, 100.0, agg.ActivePower)
}

func TestAggregateSkipsMembersWithoutStatus(t *testing.T) {
	noStatus := domain.DeviceState{
		Identity:  domain.DeviceIdentity{ID: "inverter_l2", Group: "system"},
		Available: true,
		Metrics:   map[domain.QueryType]domain.MetricSet{},
	}
	states := []domain.DeviceState{
		memberState("inverter_l1", "system", true, 100, 110, 120),
		noStatus,
	}

	agg := Aggregate("system", states)

	assert.Equal(t, []string{"inverter_l1"}, agg.Members)
	assert.Equal(t, 100.0, agg.ActivePower)
}

func TestAggregateEmptyGroup(t *testing.T) {
	agg := Aggregate("system", nil)

	assert.Empty(t, agg.Members)
	assert.Zero(t, agg.ActivePower)
	assert.Zero(t, agg.ApparentPower)
	assert.Zero(t, agg.PVPower)
}

func TestAggregateOrderIndependentSums(t *testing.T) {
	a := memberState("inverter_l1", "system", true, 100, 120, 300)
	b := memberState("inverter_l2", "system", true, 150, 180, 200)

	fwd := Aggregate("system", []domain.DeviceState{a, b})
	rev := Aggregate("system", []domain.DeviceState{b, a})

	assert.Equal(t, fwd.ActivePower, rev.ActivePower)
	assert.Equal(t, fwd.ApparentPower, rev.ApparentPower)
	assert.Equal(t, fwd.PVPower, rev.PVPower)
}
