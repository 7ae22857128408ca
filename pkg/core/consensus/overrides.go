package consensus

import (
	"fmt"
	"time"

	"finreport_facts/pkg/models"
)

// ApplyOverrides turns reviewer overrides into verified canonical facts.
// Overrides must already carry a metric id.
func ApplyOverrides(overrides []models.ManualOverride, now time.Time) ([]models.FlowFact, []models.StockFact, error) {
	var flows []models.FlowFact
	var stocks []models.StockFact
	reviewedAt := now.UTC()

	for i, o := range overrides {
		if o.MetricID == 0 {
			return nil, nil, fmt.Errorf("override %d (%s): metric id not resolved", i, o.MetricCode)
		}
		if o.AsOfDate == nil && o.PeriodEnd == nil {
			return nil, nil, fmt.Errorf("override %d (%s): needs as_of_date or period_end_date", i, o.MetricCode)
		}
		base := models.FactBase{
			ReportID:         o.ReportID,
			MetricID:         o.MetricID,
			MetricCode:       o.MetricCode,
			Value:            o.Value,
			Unit:             o.Unit,
			Currency:         o.Currency,
			Scope:            o.Scope,
			AuditFlag:        o.AuditFlag,
			ResolutionStatus: models.ResolutionVerified,
			ResolutionMethod: models.MethodManual,
			ReviewedBy:       o.ReviewedBy,
			ReviewedAt:       &reviewedAt,
			ReviewNotes:      o.ReviewNotes,
			CreatedAt:        reviewedAt,
		}
		if o.IsFlow() {
			flows = append(flows, models.FlowFact{FactBase: base, PeriodStart: o.PeriodStart, PeriodEnd: firstDate(o.PeriodEnd, o.AsOfDate)})
			continue
		}
		stocks = append(stocks, models.StockFact{FactBase: base, AsOfDate: firstDate(o.AsOfDate, o.PeriodEnd)})
	}
	return flows, stocks, nil
}

func firstDate(dates ...*time.Time) *time.Time {
	for _, d := range dates {
		if d != nil {
			return d
		}
	}
	return nil
}

// ProtectedKeys collects the override keys of verified facts.
func ProtectedKeys(flows []models.FlowFact, stocks []models.StockFact) map[string]bool {
	keys := make(map[string]bool)
	for i := range flows {
		if flows[i].ResolutionStatus == models.ResolutionVerified {
			keys[flows[i].OverrideKey()] = true
		}
	}
	for i := range stocks {
		if stocks[i].ResolutionStatus == models.ResolutionVerified {
			keys[stocks[i].OverrideKey()] = true
		}
	}
	return keys
}
