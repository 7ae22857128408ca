package validate

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"finreport_facts/pkg/models"
)

var yearEnd = models.Date(2024, time.December, 31)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func stockFact(code, value string) models.StockFact {
	asOf := yearEnd
	return models.StockFact{
		FactBase: models.FactBase{MetricCode: code, Value: decimal.NewNullDecimal(dec(value)), Scope: models.ScopeConsolidated},
		AsOfDate: &asOf,
	}
}

func flowFact(code, value string) models.FlowFact {
	end := yearEnd
	return models.FlowFact{
		FactBase:  models.FactBase{MetricCode: code, Value: decimal.NewNullDecimal(dec(value)), Scope: models.ScopeConsolidated},
		PeriodEnd: &end,
	}
}

func findDiagnostic(diags []models.Diagnostic, name string) *models.Diagnostic {
	for i := range diags {
		if diags[i].Name == name {
			return &diags[i]
		}
	}
	return nil
}

func TestBalanceIdentity(t *testing.T) {
	tests := []struct {
		name       string
		stocks     []models.StockFact
		wantStatus string
		wantDiff   string
	}{
		{
			name:       "balanced",
			stocks:     []models.StockFact{stockFact("total_assets", "100"), stockFact("total_liabilities", "60"), stockFact("total_equity", "40")},
			wantStatus: models.DiagnosticPass,
			wantDiff:   "0",
		},
		{
			name:       "equity short by ten",
			stocks:     []models.StockFact{stockFact("total_assets", "100"), stockFact("total_liabilities", "60"), stockFact("total_equity", "30")},
			wantStatus: models.DiagnosticFail,
			wantDiff:   "10",
		},
		{
			name:       "parent equity stands in",
			stocks:     []models.StockFact{stockFact("total_assets", "100"), stockFact("total_liabilities", "60"), stockFact("total_equity_parent", "39.5")},
			wantStatus: models.DiagnosticPass,
			wantDiff:   "0.5",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diags := Check(nil, tt.stocks, DefaultTolerances())
			d := findDiagnostic(diags, CheckAssetsEqLiabPlusEquity)
			if d == nil {
				t.Fatalf("no %s diagnostic in %+v", CheckAssetsEqLiabPlusEquity, diags)
			}
			if d.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", d.Status, tt.wantStatus)
			}
			if !d.Diff.Equal(dec(tt.wantDiff)) {
				t.Errorf("diff = %s, want %s", d.Diff, tt.wantDiff)
			}
			if d.AsOfDate != "2024-12-31" {
				t.Errorf("as_of_date = %q", d.AsOfDate)
			}
		})
	}
}

func TestBalanceCombinedTotal(t *testing.T) {
	diags := Check(nil, []models.StockFact{stockFact("total_assets", "100"), stockFact("total_liabilities_equity", "100")}, DefaultTolerances())
	if len(diags) != 1 || diags[0].Name != CheckAssetsEqLiabEquityTotal || diags[0].Status != models.DiagnosticPass {
		t.Errorf("diagnostics = %+v", diags)
	}
}

func TestCashflowIdentities(t *testing.T) {
	flows := []models.FlowFact{
		flowFact("net_cash_flow_operating", "100"),
		flowFact("net_cash_flow_investing", "-40"),
		flowFact("net_cash_flow_financing", "15"),
		flowFact("fx_effect_on_cash", "-2.5"),
		flowFact("net_increase_cash", "72.5"),
	}
	stocks := []models.StockFact{stockFact("cash_begin", "200"), stockFact("cash_end", "272.5")}

	diags := Check(flows, stocks, DefaultTolerances())

	sum := findDiagnostic(diags, CheckNetIncreaseEqCashflows)
	if sum == nil {
		t.Fatalf("missing %s in %+v", CheckNetIncreaseEqCashflows, diags)
	}
	if !sum.RHS.Equal(dec("72.5")) || sum.Status != models.DiagnosticPass || sum.PeriodEndDate != "2024-12-31" {
		t.Errorf("sum diagnostic = %+v", sum)
	}

	cash := findDiagnostic(diags, CheckCashEndEqBeginPlusChange)
	if cash == nil {
		t.Fatalf("missing %s in %+v", CheckCashEndEqBeginPlusChange, diags)
	}
	if !cash.RHS.Equal(dec("272.5")) || cash.Status != models.DiagnosticPass {
		t.Errorf("cash diagnostic = %+v", cash)
	}
}

func TestMissingOperandsAreSkipped(t *testing.T) {
	tests := []struct {
		name   string
		flows  []models.FlowFact
		stocks []models.StockFact
	}{
		{"no facts", nil, nil},
		{"assets only", nil, []models.StockFact{stockFact("total_assets", "100")}},
		{"no liabilities", nil, []models.StockFact{stockFact("total_assets", "100"), stockFact("total_equity", "40")}},
		{"no financing", []models.FlowFact{
			flowFact("net_cash_flow_operating", "1"),
			flowFact("net_cash_flow_investing", "1"),
			flowFact("net_increase_cash", "2"),
		}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diags := Check(tt.flows, tt.stocks, DefaultTolerances()); len(diags) != 0 {
				t.Errorf("diagnostics = %+v, want none", diags)
			}
		})
	}
}

func TestPeriodsAndScopesAreSeparate(t *testing.T) {
	parent := stockFact("total_equity", "40")
	parent.Scope = models.ScopeParent
	prior := stockFact("total_liabilities", "60")
	earlier := models.Date(2023, time.December, 31)
	prior.AsOfDate = &earlier

	diags := Check(nil, []models.StockFact{stockFact("total_assets", "100"), prior, parent}, DefaultTolerances())
	if len(diags) != 0 {
		t.Errorf("operands from different periods or scopes were combined: %+v", diags)
	}
}

func TestWithin(t *testing.T) {
	tol := DefaultTolerances()
	tests := []struct {
		lhs, rhs string
		want     bool
	}{
		{"100", "101", true},
		{"100", "101.5", false},
		{"1000000000", "1000000500", true},
		{"1000000000", "1000002000", false},
		{"-5", "-5.9", true},
	}
	for _, tt := range tests {
		if got := tol.Within(dec(tt.lhs), dec(tt.rhs)); got != tt.want {
			t.Errorf("Within(%s, %s) = %v, want %v", tt.lhs, tt.rhs, got, tt.want)
		}
	}
	if Failed([]models.Diagnostic{{Status: models.DiagnosticPass}, {Status: models.DiagnosticFail}}) != 1 {
		t.Error("Failed() should count failing diagnostics")
	}
}
