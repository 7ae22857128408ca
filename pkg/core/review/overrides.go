// Package review moves canonical facts out to reviewers and their corrections back in.
// Overrides are read from CSV, JSON or XLSX; facts and check results are exported to XLSX
// in the same column layout so an edited export can be applied directly.
package review

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"finreport_facts/pkg/core/consensus"
	"finreport_facts/pkg/core/store"
	"finreport_facts/pkg/core/utils"
	"finreport_facts/pkg/models"
)

// ErrNoRows is returned when an override file holds no rows.
var ErrNoRows = errors.New("no rows found")

// Columns shared by the export and the override import.
var Columns = []string{
	"fact_type", "report_id", "metric_code", "metric_name",
	"period_start_date", "period_end_date", "as_of_date", "consolidation_scope",
	"value", "unit", "currency", "audit_flag",
	"resolution_status", "resolution_method", "reviewed_by", "review_notes",
}

// Row is one override record keyed by column name.
type Row map[string]string

func (r Row) get(key string) string { return strings.TrimSpace(r[key]) }

// Defaults fill fields a row leaves empty.
type Defaults struct {
	ReportID   int64
	ReviewedBy string
}

// LoadRows reads override rows from a .json, .xlsx or .csv file.
func LoadRows(path string) ([]Row, error) {
	var (
		rows []Row
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		rows, err = loadJSON(path)
	case ".xlsx", ".xlsm":
		rows, err = loadXLSX(path)
	default:
		rows, err = loadCSV(path)
	}
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoRows)
	}
	return rows, nil
}

// loadJSON accepts a list of objects or an object with a "rows" list.
func loadJSON(path string) ([]Row, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var doc any
	if err := utils.DecodeLenient(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if obj, ok := doc.(map[string]any); ok {
		doc = obj["rows"]
	}
	list, ok := doc.([]any)
	if !ok {
		if doc == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: expected a list of rows", path)
	}
	rows := make([]Row, 0, len(list))
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: row %d is not an object", path, i)
		}
		row := make(Row, len(obj))
		for k, v := range obj {
			row[k] = jsonString(v)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func jsonString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

func loadCSV(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var records [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		records = append(records, rec)
	}
	return tableRows(records), nil
}

// loadXLSX reads the first sheet, header row first.
func loadXLSX(path string) ([]Row, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil
	}
	records, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}
	return tableRows(records), nil
}

func tableRows(records [][]string) []Row {
	if len(records) < 2 {
		return nil
	}
	header := make([]string, len(records[0]))
	for i, h := range records[0] {
		header[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	}
	var rows []Row
	for _, rec := range records[1:] {
		row := make(Row, len(header))
		blank := true
		for i, h := range header {
			if i < len(rec) && h != "" {
				row[h] = rec[i]
				if strings.TrimSpace(rec[i]) != "" {
					blank = false
				}
			}
		}
		if !blank {
			rows = append(rows, row)
		}
	}
	return rows
}

// ParseOverrides validates rows into overrides. Metric ids are left unset.
func ParseOverrides(rows []Row, defaults Defaults) ([]models.ManualOverride, error) {
	out := make([]models.ManualOverride, 0, len(rows))
	for i, row := range rows {
		o, err := parseRow(row, defaults)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		out = append(out, o)
	}
	return out, nil
}

func parseRow(row Row, defaults Defaults) (models.ManualOverride, error) {
	o := models.ManualOverride{
		MetricCode:  row.get("metric_code"),
		Unit:        row.get("unit"),
		Currency:    row.get("currency"),
		AuditFlag:   row.get("audit_flag"),
		ReviewedBy:  row.get("reviewed_by"),
		ReviewNotes: row.get("review_notes"),
	}
	if o.MetricCode == "" {
		return o, errors.New("metric_code missing")
	}

	o.FactType = strings.ToLower(row.get("fact_type"))
	if o.FactType != models.FactTypeFlow && o.FactType != models.FactTypeStock {
		return o, fmt.Errorf("invalid fact_type for metric %s: %q", o.MetricCode, o.FactType)
	}

	o.ReportID = defaults.ReportID
	if s := row.get("report_id"); s != "" {
		id, err := strconv.ParseInt(strings.TrimSuffix(s, ".0"), 10, 64)
		if err != nil {
			return o, fmt.Errorf("invalid report_id %q: %w", s, err)
		}
		o.ReportID = id
	}
	if o.ReportID == 0 {
		return o, errors.New("report_id missing")
	}
	if o.ReviewedBy == "" {
		o.ReviewedBy = defaults.ReviewedBy
	}

	scope, err := parseScope(row.get("consolidation_scope"))
	if err != nil {
		return o, err
	}
	o.Scope = scope

	start, err := parseDate(row.get("period_start_date"))
	if err != nil {
		return o, err
	}
	end, err := parseDate(row.get("period_end_date"))
	if err != nil {
		return o, err
	}
	asOf, err := parseDate(row.get("as_of_date"))
	if err != nil {
		return o, err
	}
	if o.FactType == models.FactTypeFlow {
		o.PeriodStart, o.PeriodEnd = start, firstDate(end, asOf)
	} else {
		o.AsOfDate = firstDate(asOf, end)
	}
	if o.PeriodEnd == nil && o.AsOfDate == nil {
		return o, fmt.Errorf("metric %s: no date given", o.MetricCode)
	}

	// Unparseable values clear the fact rather than failing the file.
	if s := strings.ReplaceAll(row.get("value"), ",", ""); s != "" {
		if d, err := decimal.NewFromString(s); err == nil {
			o.Value = decimal.NewNullDecimal(d)
		} else {
			log.Printf("[Review] metric %s: value %q is not a number, stored as null", o.MetricCode, s)
		}
	}
	return o, nil
}

var dateLayouts = []string{"2006-01-02", "2006/01/02", "20060102", "2006-01-02T15:04:05Z07:00"}

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			d := models.Date(t.Year(), t.Month(), t.Day())
			return &d, nil
		}
	}
	return nil, fmt.Errorf("invalid date %q", s)
}

func parseScope(s string) (models.ConsolidationScope, error) {
	switch strings.ToLower(s) {
	case "":
		return models.ScopeUnknown, nil
	case "consolidated", "合并":
		return models.ScopeConsolidated, nil
	case "parent", "母公司":
		return models.ScopeParent, nil
	}
	return "", fmt.Errorf("invalid consolidation_scope %q", s)
}

func firstDate(dates ...*time.Time) *time.Time {
	for _, d := range dates {
		if d != nil {
			return d
		}
	}
	return nil
}

// MetricResolver maps metric codes to ids.
type MetricResolver interface {
	MetricIDs(ctx context.Context, codes []string) (map[string]int64, error)
}

// ResolveMetrics sets metric ids and fails on the first unknown code.
func ResolveMetrics(ctx context.Context, repo MetricResolver, overrides []models.ManualOverride) error {
	seen := make(map[string]bool)
	var codes []string
	for _, o := range overrides {
		if !seen[o.MetricCode] {
			seen[o.MetricCode] = true
			codes = append(codes, o.MetricCode)
		}
	}
	sort.Strings(codes)
	ids, err := repo.MetricIDs(ctx, codes)
	if err != nil {
		return fmt.Errorf("failed to look up metrics: %w", err)
	}
	for i := range overrides {
		id, ok := ids[overrides[i].MetricCode]
		if !ok {
			return fmt.Errorf("unknown metric_code: %s", overrides[i].MetricCode)
		}
		overrides[i].MetricID = id
	}
	return nil
}

// ApplyResult counts the facts an override file wrote.
type ApplyResult struct {
	Rows       int `json:"rows"`
	FlowFacts  int `json:"flow_facts"`
	StockFacts int `json:"stock_facts"`
}

// ApplyFile loads overrides from path and writes them as verified facts.
func ApplyFile(ctx context.Context, repo store.Repository, path string, defaults Defaults, now time.Time) (*ApplyResult, error) {
	rows, err := LoadRows(path)
	if err != nil {
		return nil, err
	}
	overrides, err := ParseOverrides(rows, defaults)
	if err != nil {
		return nil, err
	}
	if err := ResolveMetrics(ctx, repo, overrides); err != nil {
		return nil, err
	}
	flows, stocks, err := consensus.ApplyOverrides(overrides, now)
	if err != nil {
		return nil, err
	}
	if err := repo.UpsertOverrides(ctx, flows, stocks); err != nil {
		return nil, fmt.Errorf("failed to write overrides: %w", err)
	}
	log.Printf("[Review] applied %d overrides from %s (%d flow, %d stock)", len(rows), path, len(flows), len(stocks))
	return &ApplyResult{Rows: len(rows), FlowFacts: len(flows), StockFacts: len(stocks)}, nil
}
