package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ConsolidationScope tells whether a figure covers the group or the parent entity alone.
type ConsolidationScope string

const (
	ScopeUnknown      ConsolidationScope = ""
	ScopeConsolidated ConsolidationScope = "consolidated"
	ScopeParent       ConsolidationScope = "parent"
)

// TableScope is the table's detected scope, else consolidated when the table is flagged so.
func TableScope(t TableBlock) ConsolidationScope {
	if t.Scope != ScopeUnknown {
		return t.Scope
	}
	if t.IsConsolidated != nil && *t.IsConsolidated {
		return ScopeConsolidated
	}
	return ScopeUnknown
}

// ResolutionStatus is the review state of a canonical fact.
type ResolutionStatus string

const (
	ResolutionAuto        ResolutionStatus = "auto"
	ResolutionNeedsReview ResolutionStatus = "needs_review"
	ResolutionVerified    ResolutionStatus = "verified"
)

// ResolutionMethod records how a canonical fact was chosen.
type ResolutionMethod string

const (
	MethodSingleEngine          ResolutionMethod = "single_engine"
	MethodConsensus             ResolutionMethod = "consensus"
	MethodInsufficientAgreement ResolutionMethod = "insufficient_agreement"
	MethodManual                ResolutionMethod = "manual"
)

// SourceTrace links a candidate back to the page, table, row and column it came from.
type SourceTrace struct {
	TraceID       int64  `json:"trace_id,omitempty"`
	ReportID      int64  `json:"report_id"`
	SourceTableID *int64 `json:"source_table_id,omitempty"`
	SourceRowID   *int64 `json:"source_row_id,omitempty"`
	SourcePage    *int   `json:"source_page,omitempty"`
	RawLabel      string `json:"raw_label"`
	RawValue      string `json:"raw_value"`
	ColumnLabel   string `json:"column_label"`

	// Position inside the built table set, resolved to ids on persistence.
	TableIndex  int `json:"-"`
	RowIndex    int `json:"-"`
	ColumnIndex int `json:"-"`
}

// CandidateBase holds the fields shared by flow and stock candidates.
type CandidateBase struct {
	CandidateID   int64               `json:"candidate_id,omitempty"`
	ReportID      int64               `json:"report_id"`
	VersionID     *int64              `json:"version_id,omitempty"`
	MetricID      int64               `json:"metric_id"`
	MetricCode    string              `json:"metric_code"`
	Value         decimal.NullDecimal `json:"value"`
	Unit          string              `json:"unit,omitempty"`
	Currency      string              `json:"currency,omitempty"`
	Scope         ConsolidationScope  `json:"consolidation_scope,omitempty"`
	AuditFlag     string              `json:"audit_flag,omitempty"`
	SourceTraceID *int64              `json:"source_trace_id,omitempty"`
	QualityScore  decimal.NullDecimal `json:"quality_score"`
	ColumnLabel   string              `json:"column_label,omitempty"`

	// Index into the builder's trace slice before persistence.
	TraceIndex int `json:"-"`
}

// Base exposes the shared fields.
func (c *CandidateBase) Base() *CandidateBase { return c }

// FlowCandidate is an unreconciled period observation.
type FlowCandidate struct {
	CandidateBase
	PeriodStart *time.Time `json:"period_start_date,omitempty"`
	PeriodEnd   *time.Time `json:"period_end_date,omitempty"`
}

// GroupKey identifies the canonical fact this candidate competes for.
func (c *FlowCandidate) GroupKey() string {
	return fmt.Sprintf("%d|%s|%s|%s|%s|%s", c.MetricID, DateKey(c.PeriodStart), DateKey(c.PeriodEnd), c.Unit, c.Currency, c.Scope)
}

// OverrideKey is the natural key a manual override is matched on.
func (c *FlowCandidate) OverrideKey() string {
	return FlowOverrideKey(c.MetricID, c.PeriodStart, c.PeriodEnd, c.Scope)
}

// StockCandidate is an unreconciled point-in-time observation.
type StockCandidate struct {
	CandidateBase
	AsOfDate *time.Time `json:"as_of_date,omitempty"`
}

// GroupKey identifies the canonical fact this candidate competes for.
func (c *StockCandidate) GroupKey() string {
	return fmt.Sprintf("%d|%s|%s|%s|%s", c.MetricID, DateKey(c.AsOfDate), c.Unit, c.Currency, c.Scope)
}

// OverrideKey is the natural key a manual override is matched on.
func (c *StockCandidate) OverrideKey() string {
	return StockOverrideKey(c.MetricID, c.AsOfDate, c.Scope)
}

// FactBase holds the fields shared by canonical flow and stock facts.
type FactBase struct {
	FactID              int64               `json:"fact_id,omitempty"`
	ReportID            int64               `json:"report_id"`
	MetricID            int64               `json:"metric_id"`
	MetricCode          string              `json:"metric_code"`
	Value               decimal.NullDecimal `json:"value"`
	Unit                string              `json:"unit,omitempty"`
	Currency            string              `json:"currency,omitempty"`
	Scope               ConsolidationScope  `json:"consolidation_scope,omitempty"`
	AuditFlag           string              `json:"audit_flag,omitempty"`
	SourceTraceID       *int64              `json:"source_trace_id,omitempty"`
	QualityScore        decimal.NullDecimal `json:"quality_score"`
	SelectedCandidateID *int64              `json:"selected_candidate_id,omitempty"`
	ResolutionStatus    ResolutionStatus    `json:"resolution_status"`
	ResolutionMethod    ResolutionMethod    `json:"resolution_method"`
	ReviewedBy          string              `json:"reviewed_by,omitempty"`
	ReviewedAt          *time.Time          `json:"reviewed_at,omitempty"`
	ReviewNotes         string              `json:"review_notes,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
}

// FactFromCandidate copies the candidate's payload into a canonical fact.
func FactFromCandidate(c *CandidateBase, status ResolutionStatus, method ResolutionMethod, now time.Time) FactBase {
	id := c.CandidateID
	return FactBase{
		ReportID:            c.ReportID,
		MetricID:            c.MetricID,
		MetricCode:          c.MetricCode,
		Value:               c.Value,
		Unit:                c.Unit,
		Currency:            c.Currency,
		Scope:               c.Scope,
		AuditFlag:           c.AuditFlag,
		SourceTraceID:       c.SourceTraceID,
		QualityScore:        c.QualityScore,
		SelectedCandidateID: &id,
		ResolutionStatus:    status,
		ResolutionMethod:    method,
		CreatedAt:           now,
	}
}

// FlowFact is a canonical period fact.
type FlowFact struct {
	FactBase
	PeriodStart *time.Time `json:"period_start_date,omitempty"`
	PeriodEnd   *time.Time `json:"period_end_date,omitempty"`
}

// OverrideKey is the natural key a manual override is matched on.
func (f *FlowFact) OverrideKey() string {
	return FlowOverrideKey(f.MetricID, f.PeriodStart, f.PeriodEnd, f.Scope)
}

// StockFact is a canonical point-in-time fact.
type StockFact struct {
	FactBase
	AsOfDate *time.Time `json:"as_of_date,omitempty"`
}

// OverrideKey is the natural key a manual override is matched on.
func (f *StockFact) OverrideKey() string {
	return StockOverrideKey(f.MetricID, f.AsOfDate, f.Scope)
}

// FlowOverrideKey builds the natural key of a flow fact.
func FlowOverrideKey(metricID int64, start, end *time.Time, scope ConsolidationScope) string {
	return fmt.Sprintf("%d|%s|%s|%s", metricID, DateKey(start), DateKey(end), scope)
}

// StockOverrideKey builds the natural key of a stock fact.
func StockOverrideKey(metricID int64, asOf *time.Time, scope ConsolidationScope) string {
	return fmt.Sprintf("%d|%s|%s", metricID, DateKey(asOf), scope)
}

// DateKey renders an optional date for use in grouping keys.
func DateKey(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02")
}

// Date builds a UTC calendar date.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Diagnostic is one consistency-check outcome.
type Diagnostic struct {
	Name          string          `json:"name"`
	AsOfDate      string          `json:"as_of_date,omitempty"`
	PeriodEndDate string          `json:"period_end_date,omitempty"`
	Scope         string          `json:"consolidation_scope,omitempty"`
	LHS           decimal.Decimal `json:"lhs"`
	RHS           decimal.Decimal `json:"rhs"`
	Diff          decimal.Decimal `json:"diff"`
	Status        string          `json:"status"` // pass | fail
}

// Diagnostic status values.
const (
	DiagnosticPass = "pass"
	DiagnosticFail = "fail"
)

// Fact types accepted on manual overrides.
const (
	FactTypeFlow  = "flow"
	FactTypeStock = "stock"
)

// ManualOverride is a reviewer-supplied value for one canonical fact.
type ManualOverride struct {
	FactType    string              `json:"fact_type"`
	ReportID    int64               `json:"report_id"`
	MetricCode  string              `json:"metric_code"`
	MetricID    int64               `json:"metric_id,omitempty"`
	PeriodStart *time.Time          `json:"period_start_date,omitempty"`
	PeriodEnd   *time.Time          `json:"period_end_date,omitempty"`
	AsOfDate    *time.Time          `json:"as_of_date,omitempty"`
	Scope       ConsolidationScope  `json:"consolidation_scope,omitempty"`
	Value       decimal.NullDecimal `json:"value"`
	Unit        string              `json:"unit,omitempty"`
	Currency    string              `json:"currency,omitempty"`
	AuditFlag   string              `json:"audit_flag,omitempty"`
	ReviewedBy  string              `json:"reviewed_by,omitempty"`
	ReviewNotes string              `json:"review_notes,omitempty"`
}

// IsFlow reports whether the override targets a flow fact. Without an explicit fact type,
// an override carrying only a period end is a flow.
func (o ManualOverride) IsFlow() bool {
	switch o.FactType {
	case FactTypeFlow:
		return true
	case FactTypeStock:
		return false
	}
	return o.AsOfDate == nil && o.PeriodEnd != nil
}
