package facts

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"finreport_facts/pkg/core/consensus"
	"finreport_facts/pkg/core/detect"
	"finreport_facts/pkg/core/dictionary"
	"finreport_facts/pkg/models"
)

func testDictionary() *dictionary.Dictionary {
	return dictionary.New("test", "", []models.Metric{
		{MetricCode: "revenue", StatementType: models.MetricIncome, ValueNature: models.NatureFlow, Patterns: []string{"营业收入"}},
		{MetricCode: "eps_basic", StatementType: models.MetricIncome, ValueNature: models.NatureRatio, Patterns: []string{"每股收益"}},
		{MetricCode: "total_assets", StatementType: models.MetricBalance, ValueNature: models.NatureStock, PatternsExact: []string{"资产总计"}},
	})
}

func num(s string) models.TableCell {
	raw := s
	return models.TableCell{Value: detect.ParseNumber(s), RawText: &raw}
}

func ptr(t time.Time) *time.Time { return &t }

func dateKey(t *time.Time) string { return models.DateKey(t) }

func TestBuildBalanceSheet(t *testing.T) {
	consolidated := true
	table := models.TableBlock{
		StatementType:  models.StatementBalanceSheet,
		Units:          "10k",
		IsConsolidated: &consolidated,
		Columns: []models.TableColumn{
			{Label: "2024-12-31", PeriodEnd: ptr(models.Date(2024, time.December, 31))},
			{Label: "2023年", FiscalYear: 2023},
		},
		Rows: []models.TableRow{
			{Label: "资产总计", Cells: []models.TableCell{num("100"), num("90")}, PageNumber: 4},
			{Label: "神秘科目", Cells: []models.TableCell{num("5"), {}}, PageNumber: 4},
		},
	}
	meta := models.ReportMeta{Currency: "CNY", Units: "1", PeriodEnd: ptr(models.Date(2024, time.December, 31))}
	versionID := int64(7)

	res := NewBuilder(testDictionary()).Build(meta, []models.TableBlock{table}, &versionID)

	if len(res.Flows) != 0 {
		t.Errorf("flows = %d, want 0", len(res.Flows))
	}
	if len(res.Stocks) != 3 {
		t.Fatalf("stocks = %d, want 3", len(res.Stocks))
	}
	if len(res.Traces) != len(res.Stocks) {
		t.Errorf("traces = %d, want one per candidate", len(res.Traces))
	}
	if len(res.Provisional) != 1 || !res.Provisional[0].Provisional {
		t.Fatalf("provisional = %+v", res.Provisional)
	}

	tests := []struct {
		code, asOf, value string
		quality           decimal.Decimal
	}{
		{"total_assets", "2024-12-31", "100", QualityExact},
		{"total_assets", "2023-12-31", "90", QualityExact},
		{res.Provisional[0].MetricCode, "2024-12-31", "5", QualityProvisional},
	}
	for i, tt := range tests {
		c := res.Stocks[i]
		if c.MetricCode != tt.code {
			t.Errorf("stock %d code = %q, want %q", i, c.MetricCode, tt.code)
		}
		if got := dateKey(c.AsOfDate); got != tt.asOf {
			t.Errorf("stock %d as_of = %s, want %s", i, got, tt.asOf)
		}
		if c.Value.Decimal.String() != tt.value {
			t.Errorf("stock %d value = %s, want %s", i, c.Value.Decimal, tt.value)
		}
		if !c.QualityScore.Decimal.Equal(tt.quality) {
			t.Errorf("stock %d quality = %s, want %s", i, c.QualityScore.Decimal, tt.quality)
		}
		if c.Unit != "10k" || c.Currency != "CNY" {
			t.Errorf("stock %d unit/currency = %q/%q", i, c.Unit, c.Currency)
		}
		if c.Scope != models.ScopeConsolidated {
			t.Errorf("stock %d scope = %q", i, c.Scope)
		}
		if c.VersionID == nil || *c.VersionID != 7 {
			t.Errorf("stock %d version = %v", i, c.VersionID)
		}
		tr := res.Traces[c.TraceIndex]
		if tr.SourcePage == nil || *tr.SourcePage != 4 {
			t.Errorf("stock %d trace page = %v", i, tr.SourcePage)
		}
	}
	if tr := res.Traces[res.Stocks[1].TraceIndex]; tr.RawValue != "90" || tr.ColumnLabel != "2023年" || tr.ColumnIndex != 1 {
		t.Errorf("trace = %+v", tr)
	}
}

func TestBuildInfersStatementAndPeriods(t *testing.T) {
	table := models.TableBlock{
		Columns: []models.TableColumn{{Label: detect.LabelCurrentPeriod}, {Label: detect.LabelPriorPeriod}},
		Rows: []models.TableRow{
			{Label: "一、营业收入", Cells: []models.TableCell{num("1,000"), num("800")}},
			{Label: "基本每股收益", Cells: []models.TableCell{num("0.5"), num("0.4")}},
		},
	}
	equity := models.TableBlock{
		StatementType: models.StatementChangesInEquity,
		Columns:       []models.TableColumn{{Label: "col_1"}},
		Rows:          []models.TableRow{{Label: "营业收入", Cells: []models.TableCell{num("1")}}},
	}
	meta := models.ReportMeta{ReportType: models.ReportTypeAnnual, PeriodEnd: ptr(models.Date(2024, time.December, 31))}

	res := NewBuilder(testDictionary()).Build(meta, []models.TableBlock{table, equity}, nil)

	if res.SkippedTables != 1 {
		t.Errorf("skipped = %d, want 1", res.SkippedTables)
	}
	if len(res.Stocks) != 0 || len(res.Flows) != 4 {
		t.Fatalf("flows/stocks = %d/%d, want 4/0", len(res.Flows), len(res.Stocks))
	}
	tests := []struct {
		code, start, end, value string
	}{
		{"revenue", "2024-01-01", "2024-12-31", "1000"},
		{"revenue", "2023-01-01", "2023-12-31", "800"},
		{"eps_basic", "2024-01-01", "2024-12-31", "0.5"},
		{"eps_basic", "2023-01-01", "2023-12-31", "0.4"},
	}
	for i, tt := range tests {
		f := res.Flows[i]
		if f.MetricCode != tt.code || dateKey(f.PeriodStart) != tt.start || dateKey(f.PeriodEnd) != tt.end {
			t.Errorf("flow %d = %s %s..%s, want %s %s..%s", i, f.MetricCode,
				dateKey(f.PeriodStart), dateKey(f.PeriodEnd), tt.code, tt.start, tt.end)
		}
		if f.Value.Decimal.String() != tt.value {
			t.Errorf("flow %d value = %s, want %s", i, f.Value.Decimal, tt.value)
		}
		if !f.QualityScore.Decimal.Equal(QualitySubstring) {
			t.Errorf("flow %d quality = %s", i, f.QualityScore.Decimal)
		}
		if f.Scope != models.ScopeUnknown {
			t.Errorf("flow %d scope = %q", i, f.Scope)
		}
	}
}

func TestPeriodEndFor(t *testing.T) {
	reportEnd := models.Date(2024, time.June, 30)
	meta := models.ReportMeta{PeriodEnd: &reportEnd}
	tests := []struct {
		name string
		col  models.TableColumn
		want string
	}{
		{"explicit date", models.TableColumn{Label: "x", PeriodEnd: ptr(models.Date(2024, time.March, 31))}, "2024-03-31"},
		{"current period", models.TableColumn{Label: detect.LabelCurrentPeriod}, "2024-06-30"},
		{"prior period", models.TableColumn{Label: detect.LabelPriorPeriod}, "2023-06-30"},
		{"fiscal year", models.TableColumn{Label: "2022年", FiscalYear: 2022}, "2022-12-31"},
		{"synthetic column", models.TableColumn{Label: "col_2"}, "2024-06-30"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := dateKey(periodEndFor(tt.col, meta)); got != tt.want {
				t.Errorf("periodEndFor() = %s, want %s", got, tt.want)
			}
		})
	}
	if got := periodEndFor(models.TableColumn{Label: detect.LabelPriorPeriod}, models.ReportMeta{}); got != nil {
		t.Errorf("prior period without report end = %v, want nil", got)
	}
	if got := periodStartFor(&reportEnd, meta); got != nil {
		t.Errorf("non-annual period start = %v, want nil", got)
	}
}

func TestBuildYearGroupedPriorColumns(t *testing.T) {
	md := `<table>
<tr><th rowspan="2">项目</th><th colspan="2">2024年度</th><th colspan="2">2023年度</th></tr>
<tr><th>本期</th><th>上期</th><th>本期</th><th>上期</th></tr>
<tr><td>营业收入</td><td>1,000</td><td>900</td><td>900</td><td>700</td></tr>
<tr><td>营业成本</td><td>600</td><td>500</td><td>500</td><td>300</td></tr>
<tr><td>净利润</td><td>100</td><td>90</td><td>90</td><td>70</td></tr>
</table>`
	dict := testDictionary()
	tables := detect.New(dict, nil).Detect([]models.PageContent{{Page: 1, TextMD: md}})
	if len(tables) != 1 {
		t.Fatalf("got %d tables, want 1", len(tables))
	}
	meta := models.ReportMeta{ReportType: models.ReportTypeAnnual, PeriodEnd: ptr(models.Date(2024, time.December, 31))}
	res := NewBuilder(dict).Build(meta, tables, nil)

	var revenue []models.FlowCandidate
	for _, f := range res.Flows {
		if f.MetricCode == "revenue" {
			revenue = append(revenue, f)
		}
	}
	wantEnds := []string{"2024-12-31", "2023-12-31", "2023-12-31", "2022-12-31"}
	if len(revenue) != len(wantEnds) {
		t.Fatalf("got %d revenue candidates, want %d", len(revenue), len(wantEnds))
	}
	for i, want := range wantEnds {
		if got := dateKey(revenue[i].PeriodEnd); got != want {
			t.Errorf("revenue %s (%s) period end = %s, want %s", revenue[i].Value.Decimal, revenue[i].ColumnLabel, got, want)
		}
	}

	resolved := consensus.Resolve(1, revenue, nil, consensus.DefaultOptions())
	want := map[string]string{"2024-12-31": "1000", "2023-12-31": "900", "2022-12-31": "700"}
	if len(resolved.Flows) != len(want) {
		t.Fatalf("got %d revenue facts, want %d", len(resolved.Flows), len(want))
	}
	for _, f := range resolved.Flows {
		if v := f.Value.Decimal.String(); want[dateKey(f.PeriodEnd)] != v {
			t.Errorf("fact %s = %s, want %s", dateKey(f.PeriodEnd), v, want[dateKey(f.PeriodEnd)])
		}
	}
}
