// Package facts turns detected tables into candidate facts with source traces.
package facts

import (
	"log"
	"time"

	"github.com/shopspring/decimal"

	"finreport_facts/pkg/core/detect"
	"finreport_facts/pkg/core/dictionary"
	"finreport_facts/pkg/models"
)

// Quality scores by how the row label was matched.
var (
	QualityExact       = decimal.RequireFromString("1.0")
	QualitySubstring   = decimal.RequireFromString("0.8")
	QualityProvisional = decimal.RequireFromString("0.5")
)

// BuildResult is one engine run's worth of candidates.
type BuildResult struct {
	Flows  []models.FlowCandidate
	Stocks []models.StockCandidate
	Traces []models.SourceTrace

	// Provisional holds one synthesized metric per unmatched label, keyed by code.
	Provisional []models.Metric

	SkippedTables int
}

// Builder is stateless apart from its dictionary and safe for concurrent use.
type Builder struct {
	dict *dictionary.Dictionary
}

func NewBuilder(dict *dictionary.Dictionary) *Builder {
	return &Builder{dict: dict}
}

// Build converts every non-empty cell of every classifiable table into a candidate.
// Candidates reference metrics by code and traces by index; the caller assigns ids.
func (b *Builder) Build(meta models.ReportMeta, tables []models.TableBlock, versionID *int64) BuildResult {
	var res BuildResult
	seenProvisional := make(map[string]bool)

	for ti, table := range tables {
		statement, ok := b.effectiveStatement(table)
		if !ok {
			res.SkippedTables++
			continue
		}
		unit := firstNonEmpty(table.Units, meta.Units)
		currency := firstNonEmpty(table.Currency, meta.Currency)
		scope := models.TableScope(table)

		for ri, row := range table.Rows {
			metric, quality := b.resolveMetric(row.Label, statement)
			if metric.Provisional && !seenProvisional[metric.MetricCode] {
				seenProvisional[metric.MetricCode] = true
				res.Provisional = append(res.Provisional, metric)
			}

			for ci, cell := range row.Cells {
				if cell.Empty() || ci >= len(table.Columns) {
					continue
				}
				col := table.Columns[ci]
				periodEnd := periodEndFor(col, meta)

				trace := models.SourceTrace{
					RawLabel:    row.Label,
					RawValue:    rawValue(cell),
					ColumnLabel: col.Label,
					TableIndex:  ti,
					RowIndex:    ri,
					ColumnIndex: ci,
				}
				if row.PageNumber > 0 {
					page := row.PageNumber
					trace.SourcePage = &page
				}
				res.Traces = append(res.Traces, trace)

				base := models.CandidateBase{
					VersionID:    versionID,
					MetricCode:   metric.MetricCode,
					Value:        cell.Value,
					Unit:         unit,
					Currency:     currency,
					Scope:        scope,
					QualityScore: decimal.NewNullDecimal(quality),
					ColumnLabel:  col.Label,
					TraceIndex:   len(res.Traces) - 1,
				}
				if metric.ValueNature == models.NatureStock {
					res.Stocks = append(res.Stocks, models.StockCandidate{CandidateBase: base, AsOfDate: periodEnd})
					continue
				}
				res.Flows = append(res.Flows, models.FlowCandidate{
					CandidateBase: base,
					PeriodStart:   periodStartFor(periodEnd, meta),
					PeriodEnd:     periodEnd,
				})
			}
		}
	}

	log.Printf("[FactBuilder] %d tables: %d flow, %d stock candidates, %d provisional metrics, %d tables skipped",
		len(tables), len(res.Flows), len(res.Stocks), len(res.Provisional), res.SkippedTables)
	return res
}

// effectiveStatement is the table's own statement, else a vote over its row labels.
// Changes-in-equity tables have no dictionary statement and are skipped.
func (b *Builder) effectiveStatement(table models.TableBlock) (models.MetricStatement, bool) {
	if table.StatementType != models.StatementNone {
		return table.StatementType.MetricStatement()
	}
	labels := make([]string, 0, len(table.Rows))
	for _, r := range table.Rows {
		labels = append(labels, r.Label)
	}
	st := b.dict.InferStatement(labels)
	return st, st.Valid()
}

func (b *Builder) resolveMetric(label string, statement models.MetricStatement) (models.Metric, decimal.Decimal) {
	m, kind := b.dict.MatchDetail(label, statement)
	switch kind {
	case dictionary.MatchExact:
		return *m, QualityExact
	case dictionary.MatchSubstring:
		return *m, QualitySubstring
	}
	return dictionary.ProvisionalMetric(label, statement), QualityProvisional
}

// periodEndFor resolves a column's period end: its own date, then the synthetic
// current/prior labels (or undated prior wording) against the report period, then its
// fiscal year end, then the report period end.
func periodEndFor(col models.TableColumn, meta models.ReportMeta) *time.Time {
	if col.PeriodEnd != nil {
		return col.PeriodEnd
	}
	switch {
	case col.Label == detect.LabelCurrentPeriod:
		return meta.PeriodEnd
	case col.FiscalYear == 0 && (col.Label == detect.LabelPriorPeriod || detect.IsPriorPeriodLabel(col.Label)):
		if meta.PeriodEnd == nil {
			return nil
		}
		prior := meta.PeriodEnd.AddDate(-1, 0, 0)
		return &prior
	}
	if col.FiscalYear > 0 {
		end := models.Date(col.FiscalYear, time.December, 31)
		return &end
	}
	return meta.PeriodEnd
}

// periodStartFor is January 1 of the period-end year for annual reports.
func periodStartFor(periodEnd *time.Time, meta models.ReportMeta) *time.Time {
	if periodEnd == nil || !meta.IsAnnual() {
		return nil
	}
	start := models.Date(periodEnd.Year(), time.January, 1)
	return &start
}

func rawValue(cell models.TableCell) string {
	if cell.RawText != nil {
		return *cell.RawText
	}
	if cell.Value.Valid {
		return cell.Value.Decimal.String()
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
