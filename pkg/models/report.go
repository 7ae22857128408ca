package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// StatementType classifies a detected table.
type StatementType string

const (
	StatementNone            StatementType = ""
	StatementBalanceSheet    StatementType = "balance_sheet"
	StatementIncome          StatementType = "income_statement"
	StatementCashFlow        StatementType = "cash_flow"
	StatementChangesInEquity StatementType = "changes_in_equity"
)

// StatementTypes lists table statement types in classification priority order.
var StatementTypes = []StatementType{
	StatementBalanceSheet,
	StatementIncome,
	StatementCashFlow,
	StatementChangesInEquity,
}

// MetricStatement returns the dictionary statement a table statement maps to.
// Changes-in-equity tables have no dictionary statement.
func (s StatementType) MetricStatement() (MetricStatement, bool) {
	switch s {
	case StatementBalanceSheet:
		return MetricBalance, true
	case StatementIncome:
		return MetricIncome, true
	case StatementCashFlow:
		return MetricCashflow, true
	case StatementChangesInEquity, StatementNone:
		return "", false
	}
	return "", false
}

// PageContent is one physical page as produced by a page-content source.
type PageContent struct {
	Page    int    `json:"page"`
	TextRaw string `json:"text_raw"`
	TextMD  string `json:"text_md"`
}

// ReportMeta holds best-effort report-level attributes.
type ReportMeta struct {
	ReportTitle string         `json:"report_title,omitempty"`
	CompanyName string         `json:"company_name,omitempty"`
	Ticker      string         `json:"ticker,omitempty"`
	ReportType  string         `json:"report_type,omitempty"` // "annual", ...
	FiscalYear  int            `json:"fiscal_year,omitempty"`
	PeriodStart *time.Time     `json:"period_start,omitempty"`
	PeriodEnd   *time.Time     `json:"period_end,omitempty"`
	Currency    string         `json:"currency,omitempty"`
	Units       string         `json:"units,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// IsAnnual reports whether the report covers a full fiscal year.
func (m ReportMeta) IsAnnual() bool {
	return m.ReportType == ReportTypeAnnual
}

const ReportTypeAnnual = "annual"

// Detection status markers.
const (
	StatusDetected = "detected"
	StatusMissing  = "missing"
)

// DetectionStatus maps a possibly empty attribute to detected/missing.
func DetectionStatus(present bool) string {
	if present {
		return StatusDetected
	}
	return StatusMissing
}

// TableColumn is one data column of a detected table.
type TableColumn struct {
	Label        string     `json:"label"`
	PeriodStart  *time.Time `json:"period_start,omitempty"`
	PeriodEnd    *time.Time `json:"period_end,omitempty"`
	FiscalYear   int        `json:"fiscal_year,omitempty"`
	FiscalPeriod string     `json:"fiscal_period,omitempty"`
}

// TableCell is a single value slot. Value is invalid when the text did not parse.
type TableCell struct {
	Value   decimal.NullDecimal `json:"value"`
	RawText *string             `json:"raw_text,omitempty"`
}

// Empty reports whether the cell carries neither a value nor any text.
func (c TableCell) Empty() bool {
	return !c.Value.Valid && (c.RawText == nil || *c.RawText == "")
}

// TableRow is a labelled row; len(Cells) always equals the table's column count.
type TableRow struct {
	Label      string      `json:"label"`
	Cells      []TableCell `json:"cells"`
	PageNumber int         `json:"page_number,omitempty"`
}

// IsTotal reports whether the row label denotes a subtotal or total line.
func (r TableRow) IsTotal() bool {
	return containsFold(r.Label, "合计") || containsFold(r.Label, "total")
}

// TableBlock is a structured tabular region found in a document.
type TableBlock struct {
	Title          string             `json:"title,omitempty"`
	SectionTitle   string             `json:"section_title,omitempty"`
	StatementType  StatementType      `json:"statement_type,omitempty"`
	PageStart      int                `json:"page_start"`
	PageEnd        int                `json:"page_end"`
	Currency       string             `json:"currency,omitempty"`
	Units          string             `json:"units,omitempty"`
	IsConsolidated *bool              `json:"is_consolidated,omitempty"`
	Scope          ConsolidationScope `json:"consolidation_scope,omitempty"` // named group or parent, else unknown
	Columns        []TableColumn      `json:"columns"`
	Rows           []TableRow         `json:"rows"`
}

// Report is the persisted document row.
type Report struct {
	ReportID       int64      `json:"report_id"`
	SourcePath     string     `json:"source_path"`
	SourceHash     string     `json:"source_hash"`
	ParseMethod    string     `json:"parse_method"`
	Meta           ReportMeta `json:"meta"`
	Status         string     `json:"status"` // ready | draft
	CurrencyStatus string     `json:"currency_status"`
	UnitsStatus    string     `json:"units_status"`
	PeriodStatus   string     `json:"period_status"`
	CreatedAt      time.Time  `json:"created_at"`
}

// NewReport derives status markers from the extracted metadata.
func NewReport(path, hash, parseMethod string, meta ReportMeta) *Report {
	r := &Report{
		SourcePath:     path,
		SourceHash:     hash,
		ParseMethod:    parseMethod,
		Meta:           meta,
		CurrencyStatus: DetectionStatus(meta.Currency != ""),
		UnitsStatus:    DetectionStatus(meta.Units != ""),
		PeriodStatus:   DetectionStatus(meta.PeriodEnd != nil),
	}
	r.Status = "draft"
	if r.CurrencyStatus == StatusDetected && r.UnitsStatus == StatusDetected && r.PeriodStatus == StatusDetected {
		r.Status = "ready"
	}
	return r
}

// VersionStatus is the lifecycle state of a ReportVersion.
type VersionStatus string

const (
	VersionRunning VersionStatus = "running"
	VersionReady   VersionStatus = "ready"
	VersionFailed  VersionStatus = "failed"
	VersionSkipped VersionStatus = "skipped"
)

// ReportVersion is one extraction-engine (or consensus) run against a report.
type ReportVersion struct {
	VersionID     int64          `json:"version_id"`
	ReportID      int64          `json:"report_id"`
	ParseMethod   string         `json:"parse_method"`
	ParserVersion string         `json:"parser_version"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	Status        VersionStatus  `json:"status"`
	Summary       map[string]any `json:"summary,omitempty"`
}

// ParserVersion is recorded on every ReportVersion row.
const ParserVersion = "v1"

// IngestError is a stage-attributed failure record.
type IngestError struct {
	SourcePath   string    `json:"source_path"`
	ReportID     *int64    `json:"report_id,omitempty"`
	PageNumber   *int      `json:"page_number,omitempty"`
	Stage        string    `json:"stage"`
	ErrorType    string    `json:"error_type"`
	ErrorMessage string    `json:"error_message"`
	CreatedAt    time.Time `json:"created_at"`
}
