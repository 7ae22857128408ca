package models

import "strings"

// MetricStatement is the statement a dictionary metric belongs to.
type MetricStatement string

const (
	MetricIncome   MetricStatement = "income"
	MetricBalance  MetricStatement = "balance"
	MetricCashflow MetricStatement = "cashflow"
)

// MetricStatements lists dictionary statements in majority-vote tie order.
var MetricStatements = []MetricStatement{MetricIncome, MetricBalance, MetricCashflow}

// TableStatement maps a dictionary statement back to a table statement type.
func (s MetricStatement) TableStatement() StatementType {
	switch s {
	case MetricIncome:
		return StatementIncome
	case MetricBalance:
		return StatementBalanceSheet
	case MetricCashflow:
		return StatementCashFlow
	}
	return StatementNone
}

// Valid reports whether s is a known dictionary statement.
func (s MetricStatement) Valid() bool {
	switch s {
	case MetricIncome, MetricBalance, MetricCashflow:
		return true
	}
	return false
}

// ValueNature distinguishes point-in-time, period and dimensionless metrics.
type ValueNature string

const (
	NatureFlow  ValueNature = "flow"
	NatureStock ValueNature = "stock"
	NatureRatio ValueNature = "ratio"
)

// Valid reports whether n is a known value nature.
func (n ValueNature) Valid() bool {
	switch n {
	case NatureFlow, NatureStock, NatureRatio:
		return true
	}
	return false
}

// Metric is one dictionary entry.
type Metric struct {
	MetricID         int64           `json:"metric_id,omitempty"`
	MetricCode       string          `json:"metric_code"`
	MetricNameCN     string          `json:"metric_name_cn"`
	MetricNameEN     string          `json:"metric_name_en,omitempty"`
	StatementType    MetricStatement `json:"statement_type"`
	ValueNature      ValueNature     `json:"value_nature"`
	ParentMetricCode string          `json:"parent_metric_code,omitempty"`
	Patterns         []string        `json:"patterns,omitempty"`
	PatternsExact    []string        `json:"patterns_exact,omitempty"`
	PatternsEN       []string        `json:"patterns_en,omitempty"`
	PatternsENExact  []string        `json:"patterns_en_exact,omitempty"`
	Provisional      bool            `json:"provisional,omitempty"`
}

// LoosePatterns returns substring patterns in both languages.
func (m *Metric) LoosePatterns() []string {
	out := make([]string, 0, len(m.Patterns)+len(m.PatternsEN))
	out = append(out, m.Patterns...)
	return append(out, m.PatternsEN...)
}

// ExactPatterns returns exact-match patterns in both languages.
func (m *Metric) ExactPatterns() []string {
	out := make([]string, 0, len(m.PatternsExact)+len(m.PatternsENExact))
	out = append(out, m.PatternsExact...)
	return append(out, m.PatternsENExact...)
}

// MetricNameENFromCode renders a display name from a snake_case code.
func MetricNameENFromCode(code string) string {
	parts := strings.Split(code, "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + strings.ToLower(p[1:])
	}
	return strings.Join(parts, " ")
}

// MetricAlias is one persisted match pattern.
type MetricAlias struct {
	MetricCode string `json:"metric_code"`
	AliasText  string `json:"alias_text"`
	Language   string `json:"language"`   // cn | en
	MatchMode  string `json:"match_mode"` // phrase | exact
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
