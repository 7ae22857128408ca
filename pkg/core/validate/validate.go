// Package validate checks canonical facts against accounting identities.
// Checks whose operands are missing are skipped silently; they never fail.
package validate

import (
	"sort"

	"github.com/shopspring/decimal"

	"finreport_facts/pkg/models"
)

// Check names.
const (
	CheckAssetsEqLiabPlusEquity   = "assets_eq_liab_plus_equity"
	CheckAssetsEqLiabEquityTotal  = "assets_eq_liab_equity_total"
	CheckNetIncreaseEqCashflows   = "net_increase_eq_sum_cashflows"
	CheckCashEndEqBeginPlusChange = "cash_end_eq_cash_begin_plus_increase"
)

// Metric codes the identities are written over.
const (
	codeTotalAssets       = "total_assets"
	codeTotalLiabilities  = "total_liabilities"
	codeTotalEquity       = "total_equity"
	codeTotalEquityParent = "total_equity_parent"
	codeTotalLiabEquity   = "total_liabilities_equity"
	codeNetCashOperating  = "net_cash_flow_operating"
	codeNetCashInvesting  = "net_cash_flow_investing"
	codeNetCashFinancing  = "net_cash_flow_financing"
	codeFXEffect          = "fx_effect_on_cash"
	codeNetIncreaseCash   = "net_increase_cash"
	codeCashBegin         = "cash_begin"
	codeCashEnd           = "cash_end"
)

// Tolerances bound the difference two sides may show and still pass.
type Tolerances struct {
	Abs decimal.Decimal
	Rel decimal.Decimal
}

// DefaultTolerances allows one unit of absolute slack and one part per million relative.
func DefaultTolerances() Tolerances {
	return Tolerances{
		Abs: decimal.NewFromInt(1),
		Rel: decimal.RequireFromString("0.000001"),
	}
}

// Within reports |lhs-rhs| <= Abs, or <= max(|lhs|,|rhs|) * Rel.
func (t Tolerances) Within(lhs, rhs decimal.Decimal) bool {
	diff := lhs.Sub(rhs).Abs()
	if diff.LessThanOrEqual(t.Abs) {
		return true
	}
	scale := decimal.Max(lhs.Abs(), rhs.Abs())
	return diff.LessThanOrEqual(scale.Mul(t.Rel))
}

// =============================================================================
// GROUPING
// =============================================================================

// period is one date and scope slice of the facts.
type period struct {
	date  string
	scope models.ConsolidationScope
}

type valueSet map[string]decimal.Decimal

func (v valueSet) get(code string) (decimal.Decimal, bool) {
	d, ok := v[code]
	return d, ok
}

// periodValues indexes non-null values by date, scope and metric code.
type periodValues map[period]valueSet

func (p periodValues) put(date string, scope models.ConsolidationScope, code string, value decimal.NullDecimal) {
	if !value.Valid || date == "" {
		return
	}
	key := period{date: date, scope: scope}
	if p[key] == nil {
		p[key] = make(valueSet)
	}
	p[key][code] = value.Decimal
}

func (p periodValues) sorted() []period {
	keys := make([]period, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].date != keys[j].date {
			return keys[i].date < keys[j].date
		}
		return keys[i].scope < keys[j].scope
	})
	return keys
}

// =============================================================================
// CHECKS
// =============================================================================

// Check evaluates every identity for every period present in the facts.
func Check(flows []models.FlowFact, stocks []models.StockFact, tol Tolerances) []models.Diagnostic {
	balances := make(periodValues)
	for i := range stocks {
		s := &stocks[i]
		balances.put(models.DateKey(s.AsOfDate), s.Scope, s.MetricCode, s.Value)
	}
	cashflows := make(periodValues)
	for i := range flows {
		f := &flows[i]
		if f.PeriodEnd == nil {
			continue
		}
		cashflows.put(models.DateKey(f.PeriodEnd), f.Scope, f.MetricCode, f.Value)
	}

	var out []models.Diagnostic
	for _, p := range balances.sorted() {
		out = append(out, checkBalance(p, balances[p], tol)...)
	}
	for _, p := range cashflows.sorted() {
		out = append(out, checkCashflow(p, cashflows[p], balances[p], tol)...)
	}
	return out
}

// checkBalance verifies assets against liabilities plus equity and against the combined total.
// Total equity stands in for equity, else equity attributable to the parent.
func checkBalance(p period, v valueSet, tol Tolerances) []models.Diagnostic {
	var out []models.Diagnostic
	assets, ok := v.get(codeTotalAssets)
	if !ok {
		return nil
	}
	liabilities, hasLiab := v.get(codeTotalLiabilities)
	equity, hasEquity := v.get(codeTotalEquity)
	if !hasEquity {
		equity, hasEquity = v.get(codeTotalEquityParent)
	}
	if hasLiab && hasEquity {
		d := diagnostic(CheckAssetsEqLiabPlusEquity, assets, liabilities.Add(equity), tol)
		d.AsOfDate, d.Scope = p.date, string(p.scope)
		out = append(out, d)
	}
	if total, ok := v.get(codeTotalLiabEquity); ok {
		d := diagnostic(CheckAssetsEqLiabEquityTotal, assets, total, tol)
		d.AsOfDate, d.Scope = p.date, string(p.scope)
		out = append(out, d)
	}
	return out
}

// checkCashflow verifies the net increase in cash against the three activity totals plus
// the exchange-rate effect when reported, and the closing cash balance against the opening
// balance plus the increase. Opening and closing balances are point-in-time facts dated at
// the period end.
func checkCashflow(p period, flows, balances valueSet, tol Tolerances) []models.Diagnostic {
	var out []models.Diagnostic
	increase, hasIncrease := flows.get(codeNetIncreaseCash)
	if !hasIncrease {
		return nil
	}
	op, okOp := flows.get(codeNetCashOperating)
	inv, okInv := flows.get(codeNetCashInvesting)
	fin, okFin := flows.get(codeNetCashFinancing)
	if okOp && okInv && okFin {
		rhs := op.Add(inv).Add(fin)
		if fx, ok := flows.get(codeFXEffect); ok {
			rhs = rhs.Add(fx)
		}
		d := diagnostic(CheckNetIncreaseEqCashflows, increase, rhs, tol)
		d.PeriodEndDate, d.Scope = p.date, string(p.scope)
		out = append(out, d)
	}

	begin, okBegin := lookup(codeCashBegin, flows, balances)
	end, okEnd := lookup(codeCashEnd, flows, balances)
	if okBegin && okEnd {
		d := diagnostic(CheckCashEndEqBeginPlusChange, end, begin.Add(increase), tol)
		d.PeriodEndDate, d.Scope = p.date, string(p.scope)
		out = append(out, d)
	}
	return out
}

func lookup(code string, sets ...valueSet) (decimal.Decimal, bool) {
	for _, s := range sets {
		if v, ok := s.get(code); ok {
			return v, true
		}
	}
	return decimal.Zero, false
}

func diagnostic(name string, lhs, rhs decimal.Decimal, tol Tolerances) models.Diagnostic {
	status := models.DiagnosticFail
	if tol.Within(lhs, rhs) {
		status = models.DiagnosticPass
	}
	return models.Diagnostic{
		Name:   name,
		LHS:    lhs,
		RHS:    rhs,
		Diff:   lhs.Sub(rhs),
		Status: status,
	}
}

// Failed counts diagnostics that did not pass.
func Failed(diags []models.Diagnostic) int {
	n := 0
	for _, d := range diags {
		if d.Status != models.DiagnosticPass {
			n++
		}
	}
	return n
}
