package review

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"github.com/xuri/excelize/v2"

	"finreport_facts/pkg/core/dictionary"
	"finreport_facts/pkg/core/store"
	"finreport_facts/pkg/core/validate"
	"finreport_facts/pkg/models"
)

// Sheet names of the review workbook.
const (
	SheetFacts  = "facts"
	SheetChecks = "checks"
)

var checkColumns = []string{"name", "as_of_date", "period_end_date", "consolidation_scope", "lhs", "rhs", "diff", "status"}

// Exporter writes review workbooks. Dict may be nil, leaving metric names blank.
type Exporter struct {
	dict *dictionary.Dictionary
}

// NewExporter creates an exporter.
func NewExporter(dict *dictionary.Dictionary) *Exporter {
	return &Exporter{dict: dict}
}

func (e *Exporter) metricName(code string) string {
	if e.dict == nil {
		return ""
	}
	if m, ok := e.dict.Lookup(code); ok {
		return m.MetricNameCN
	}
	return ""
}

// Export builds a workbook with every canonical fact on the first sheet and the check
// results on the second. Values are written as text so no precision is lost.
func (e *Exporter) Export(flows []models.FlowFact, stocks []models.StockFact, diags []models.Diagnostic) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SheetFacts); err != nil {
		return nil, fmt.Errorf("failed to name sheet: %w", err)
	}
	if _, err := f.NewSheet(SheetChecks); err != nil {
		return nil, fmt.Errorf("failed to add sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#E2E8F0"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create style: %w", err)
	}

	rows := [][]string{Columns}
	for i := range flows {
		fl := &flows[i]
		rows = append(rows, e.factRow(models.FactTypeFlow, &fl.FactBase, models.DateKey(fl.PeriodStart), models.DateKey(fl.PeriodEnd), ""))
	}
	for i := range stocks {
		st := &stocks[i]
		rows = append(rows, e.factRow(models.FactTypeStock, &st.FactBase, "", "", models.DateKey(st.AsOfDate)))
	}
	if err := writeRows(f, SheetFacts, rows); err != nil {
		return nil, err
	}

	checks := [][]string{checkColumns}
	for _, d := range diags {
		checks = append(checks, []string{
			d.Name, d.AsOfDate, d.PeriodEndDate, d.Scope,
			d.LHS.String(), d.RHS.String(), d.Diff.String(), d.Status,
		})
	}
	if err := writeRows(f, SheetChecks, checks); err != nil {
		return nil, err
	}

	for _, sheet := range []string{SheetFacts, SheetChecks} {
		if err := f.SetRowStyle(sheet, 1, 1, headerStyle); err != nil {
			return nil, fmt.Errorf("failed to style %s: %w", sheet, err)
		}
	}
	_ = f.SetColWidth(SheetFacts, "C", "D", 28)
	_ = f.SetColWidth(SheetFacts, "E", "I", 14)
	_ = f.SetColWidth(SheetChecks, "A", "A", 40)
	return f, nil
}

func (e *Exporter) factRow(factType string, b *models.FactBase, start, end, asOf string) []string {
	value := ""
	if b.Value.Valid {
		value = b.Value.Decimal.String()
	}
	return []string{
		factType, strconv.FormatInt(b.ReportID, 10), b.MetricCode, e.metricName(b.MetricCode),
		start, end, asOf, string(b.Scope),
		value, b.Unit, b.Currency, b.AuditFlag,
		string(b.ResolutionStatus), string(b.ResolutionMethod), b.ReviewedBy, b.ReviewNotes,
	}
}

func writeRows(f *excelize.File, sheet string, rows [][]string) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		values := make([]interface{}, len(row))
		for j, v := range row {
			values[j] = v
		}
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return fmt.Errorf("failed to write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}

// ExportReport loads a report's facts, checks them and saves the workbook to path.
func (e *Exporter) ExportReport(ctx context.Context, repo store.Repository, reportID int64, tol validate.Tolerances, path string) (int, error) {
	if _, err := repo.Report(ctx, reportID); err != nil {
		return 0, fmt.Errorf("failed to load report %d: %w", reportID, err)
	}
	flows, stocks, err := repo.Facts(ctx, reportID)
	if err != nil {
		return 0, fmt.Errorf("failed to load facts: %w", err)
	}
	diags := validate.Check(flows, stocks, tol)

	f, err := e.Export(flows, stocks, diags)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if err := f.SaveAs(path); err != nil {
		return 0, fmt.Errorf("failed to save %s: %w", path, err)
	}
	n := len(flows) + len(stocks)
	log.Printf("[Review] report %d: %d facts and %d checks written to %s", reportID, n, len(diags), path)
	return n, nil
}
