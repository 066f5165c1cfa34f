// Package aggregator computes system-level power sums across phase groups.
package aggregator

import (
	"time"

	"github.com/resident-x/go-pi30/internal/domain"
)

// Summed status metrics. Per-phase voltages and frequencies are deliberately
// not aggregated: they are not additive.
const (
	fieldActivePower   = "ac_output_active_power"
	fieldApparentPower = "ac_output_apparent_power"
	fieldPVPower       = "pv_charging_power"
)

// Aggregate sums the power readings of all available group members that have
// reported a status snapshot. States outside the group, unavailable members
// and members without status data contribute nothing. The result is computed
// from the given states alone, never from previous aggregates.
func Aggregate(group string, states []domain.DeviceState) domain.SystemAggregate {
	agg := domain.SystemAggregate{
		Group: group,
		Taken: time.Now(),
	}

	for _, state := range states {
		if state.Identity.Group != group || !state.Available {
			continue
		}
		if _, ok := state.Metrics[domain.QueryStatus]; !ok {
			continue
		}

		agg.Members = append(agg.Members, state.Identity.ID)
		if m, ok := state.Metric(domain.QueryStatus, fieldActivePower); ok {
			agg.ActivePower += m.Number
		}
		if m, ok := state.Metric(domain.QueryStatus, fieldApparentPower); ok {
			agg.ApparentPower += m.Number
		}
		if m, ok := state.Metric(domain.QueryStatus, fieldPVPower); ok {
			agg.PVPower += m.Number
		}
	}

	return agg
}
