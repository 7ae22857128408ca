package detect

import (
	"fmt"
	"strconv"
	"strings"

	"finreport_facts/pkg/models"
)

// Synthetic column labels for header wording that names the current and prior period.
const (
	LabelCurrentPeriod = "current_period"
	LabelPriorPeriod   = "prior_period"
)

// labelRule proposes column labels from header text, or nil when it does not apply.
type labelRule func(header string, numCols int) []string

// columnLabelRules are tried in order; the first non-nil result wins.
var columnLabelRules = []labelRule{
	periodWordingLabels,
	trailingYearLabels,
	singleYearLabels,
}

func periodWordingLabels(header string, numCols int) []string {
	if numCols >= 2 && strings.Contains(header, "本期") && strings.Contains(header, "上期") {
		return []string{LabelCurrentPeriod, LabelPriorPeriod}
	}
	return nil
}

func trailingYearLabels(header string, numCols int) []string {
	years := findYears(header)
	if len(years) >= numCols {
		return years[len(years)-numCols:]
	}
	return nil
}

func singleYearLabels(header string, numCols int) []string {
	years := findYears(header)
	if len(years) != 1 || numCols != 2 {
		return nil
	}
	y, err := strconv.Atoi(years[0])
	if err != nil {
		return nil
	}
	return []string{years[0], strconv.Itoa(y - 1)}
}

func syntheticLabel(i int) string { return fmt.Sprintf("col_%d", i+1) }

// guessColumnLabels builds numCols columns for a line-scanned block from its header lines.
// Short rule results are padded with synthetic labels so every row lines up with a column.
func guessColumnLabels(headerLines []string, numCols int) []models.TableColumn {
	if numCols <= 0 {
		return nil
	}
	header := strings.Join(headerLines, " ")

	var labels []string
	for _, rule := range columnLabelRules {
		if labels = rule(header, numCols); labels != nil {
			break
		}
	}
	for i := len(labels); i < numCols; i++ {
		labels = append(labels, syntheticLabel(i))
	}

	periodEnd := parseDate(header)
	columns := make([]models.TableColumn, 0, numCols)
	for _, label := range labels[:numCols] {
		col := models.TableColumn{Label: label, PeriodEnd: periodEnd}
		if isYearLabel(label) {
			col.FiscalYear, _ = strconv.Atoi(label)
		}
		columns = append(columns, col)
	}
	return columns
}

func isYearLabel(label string) bool {
	if len(label) != 4 {
		return false
	}
	for _, r := range label {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// priorPeriodMarkers name the comparative column of a period group.
var priorPeriodMarkers = []string{"上期", "上年", "期初", "年初"}

// IsPriorPeriodLabel reports whether a column label names the prior or opening period.
func IsPriorPeriodLabel(label string) bool {
	for _, m := range priorPeriodMarkers {
		if strings.Contains(label, m) {
			return true
		}
	}
	return false
}

// markupColumn builds a column from a (possibly multi-row) markup header label.
// A calendar date in the label sets the period end; otherwise a year in the label sets
// the fiscal year and the context date is used only when the label carries no year.
// Prior-period wording under a year or date group moves the column back one year.
func markupColumn(label, context string) models.TableColumn {
	col := models.TableColumn{Label: label}
	if isYearLabel(label) {
		col.FiscalYear, _ = strconv.Atoi(label)
	} else if years := findYears(label); len(years) > 0 {
		col.FiscalYear, _ = strconv.Atoi(years[0])
	}
	col.PeriodEnd = parseDate(label)
	if col.PeriodEnd == nil && col.FiscalYear == 0 {
		col.PeriodEnd = parseDate(context)
	}
	if !IsPriorPeriodLabel(label) {
		return col
	}
	if col.FiscalYear > 0 {
		col.FiscalYear--
	}
	if col.PeriodEnd != nil {
		prior := col.PeriodEnd.AddDate(-1, 0, 0)
		col.PeriodEnd = &prior
	}
	return col
}
