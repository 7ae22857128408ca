package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"finreport_facts/pkg/models"
)

func date(y int, m time.Month, d int) *time.Time {
	t := models.Date(y, m, d)
	return &t
}

func stockFact(reportID, metricID int64, v string, status models.ResolutionStatus) models.StockFact {
	return models.StockFact{
		FactBase: models.FactBase{
			ReportID:         reportID,
			MetricID:         metricID,
			Value:            decimal.NewNullDecimal(decimal.RequireFromString(v)),
			Unit:             "元",
			ResolutionStatus: status,
			ResolutionMethod: models.MethodConsensus,
		},
		AsOfDate: date(2024, 12, 31),
	}
}

func TestMemoryReportsAndVersions(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	if _, err := repo.ReportByHash(ctx, "abc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	rep := models.NewReport("a.md", "abc", "markdown", models.ReportMeta{Currency: "CNY"})
	id, err := repo.InsertReport(ctx, rep)
	if err != nil {
		t.Fatalf("InsertReport: %v", err)
	}
	if _, err := repo.InsertReport(ctx, rep); err == nil {
		t.Errorf("expected duplicate hash to fail")
	}

	got, err := repo.ReportByHash(ctx, "abc")
	if err != nil || got.ReportID != id {
		t.Fatalf("ReportByHash = %+v, %v", got, err)
	}
	if got.Status != "draft" || got.CurrencyStatus != models.StatusDetected {
		t.Errorf("unexpected status markers: %+v", got)
	}

	vid, _ := repo.StartVersion(ctx, id, "markdown", time.Now())
	if err := repo.FinishVersion(ctx, vid, models.VersionReady, map[string]any{"tables": 2}); err != nil {
		t.Fatalf("FinishVersion: %v", err)
	}
	if err := repo.FinishVersion(ctx, 999, models.VersionReady, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown version, got %v", err)
	}

	versions, _ := repo.Versions(ctx, id)
	if len(versions) != 1 {
		t.Fatalf("expected 1 version, got %d", len(versions))
	}
	v := versions[0]
	if v.Status != models.VersionReady || v.FinishedAt == nil || v.Summary["tables"] != 2 {
		t.Errorf("unexpected version: %+v", v)
	}
	if v.ParserVersion != models.ParserVersion {
		t.Errorf("parser version = %q", v.ParserVersion)
	}
}

func TestMemoryTablesAndCells(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	raw := "1,000"
	tables := []models.TableBlock{{
		Columns: []models.TableColumn{{Label: "2024"}, {Label: "2023"}},
		Rows: []models.TableRow{
			{Label: "营业收入", Cells: []models.TableCell{
				{Value: decimal.NewNullDecimal(decimal.NewFromInt(1000)), RawText: &raw},
				{},
			}},
			{Label: "营业成本", Cells: []models.TableCell{{}, {}}},
		},
	}}

	refs, err := repo.InsertTables(ctx, 1, tables)
	if err != nil {
		t.Fatalf("InsertTables: %v", err)
	}
	if len(refs) != 1 || len(refs[0].ColumnIDs) != 2 || len(refs[0].RowIDs) != 2 {
		t.Fatalf("unexpected refs: %+v", refs)
	}
	n, err := repo.InsertCells(ctx, tables, refs)
	if err != nil {
		t.Fatalf("InsertCells: %v", err)
	}
	if n != 1 || repo.CellCount() != 1 {
		t.Errorf("cells = %d (count %d), want 1", n, repo.CellCount())
	}

	pages := []models.PageContent{{Page: 2, TextMD: "b"}, {Page: 1, TextMD: "a"}}
	_ = repo.InsertPages(ctx, 1, pages)
	_ = repo.InsertPages(ctx, 1, []models.PageContent{{Page: 1, TextMD: "a2"}})
	got := repo.Pages(1)
	if len(got) != 2 || got[0].TextMD != "a2" || got[1].Page != 2 {
		t.Errorf("unexpected pages: %+v", got)
	}
}

func TestMemoryReplaceFactsKeepsVerified(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	verified := stockFact(1, 10, "50", models.ResolutionVerified)
	verified.ResolutionMethod = models.MethodManual
	if err := repo.UpsertOverrides(ctx, nil, []models.StockFact{verified}); err != nil {
		t.Fatalf("UpsertOverrides: %v", err)
	}
	if err := repo.ReplaceFacts(ctx, 1, nil, []models.StockFact{stockFact(1, 11, "100", models.ResolutionAuto)}); err != nil {
		t.Fatalf("ReplaceFacts: %v", err)
	}
	if err := repo.ReplaceFacts(ctx, 1, nil, []models.StockFact{stockFact(1, 11, "101", models.ResolutionAuto)}); err != nil {
		t.Fatalf("ReplaceFacts: %v", err)
	}
	_ = repo.ReplaceFacts(ctx, 2, nil, []models.StockFact{stockFact(2, 11, "7", models.ResolutionAuto)})

	_, stocks, _ := repo.Facts(ctx, 1)
	if len(stocks) != 2 {
		t.Fatalf("expected 2 facts, got %d: %+v", len(stocks), stocks)
	}
	values := map[int64]string{}
	for _, f := range stocks {
		values[f.MetricID] = f.Value.Decimal.String()
	}
	if values[10] != "50" || values[11] != "101" {
		t.Errorf("unexpected values: %v", values)
	}

	_, other, _ := repo.Facts(ctx, 2)
	if len(other) != 1 {
		t.Errorf("report 2 facts touched: %+v", other)
	}
}

func TestMemoryUpsertOverridesMergesByNaturalKey(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	_ = repo.ReplaceFacts(ctx, 1, nil, []models.StockFact{stockFact(1, 10, "100", models.ResolutionNeedsReview)})

	reviewed := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	override := stockFact(1, 10, "120", models.ResolutionVerified)
	override.Unit = ""
	override.ResolutionMethod = models.MethodManual
	override.ReviewedBy = "analyst"
	override.ReviewedAt = &reviewed

	for i := 0; i < 2; i++ {
		if err := repo.UpsertOverrides(ctx, nil, []models.StockFact{override}); err != nil {
			t.Fatalf("UpsertOverrides: %v", err)
		}
	}

	_, stocks, _ := repo.Facts(ctx, 1)
	if len(stocks) != 1 {
		t.Fatalf("expected a single fact after repeated upserts, got %d", len(stocks))
	}
	f := stocks[0]
	if f.Value.Decimal.String() != "120" || f.ResolutionStatus != models.ResolutionVerified {
		t.Errorf("override not applied: %+v", f)
	}
	if f.Unit != "元" {
		t.Errorf("unit = %q, want stored unit kept", f.Unit)
	}
	if f.SelectedCandidateID != nil || f.ReviewedBy != "analyst" {
		t.Errorf("review fields not set: %+v", f)
	}
}

func TestMemorySyncDictionary(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	if _, err := repo.EnsureMetrics(ctx, []models.Metric{{MetricCode: "raw_x", Provisional: true}}); err != nil {
		t.Fatalf("EnsureMetrics: %v", err)
	}

	metrics := []models.Metric{
		{MetricCode: "revenue", MetricNameCN: "营业收入", StatementType: models.MetricIncome, ValueNature: models.NatureFlow},
		{MetricCode: "raw_x", MetricNameCN: "X", StatementType: models.MetricIncome, ValueNature: models.NatureFlow},
	}
	aliases := []models.MetricAlias{
		{MetricCode: "revenue", AliasText: "营业收入", Language: "cn", MatchMode: "phrase"},
		{MetricCode: "revenue", AliasText: "revenue", Language: "en", MatchMode: "exact"},
	}

	tests := []struct {
		name  string
		hash  string
		force bool
		want  bool
	}{
		{"first sync", "h1", false, true},
		{"same hash skipped", "h1", false, false},
		{"forced", "h1", true, true},
		{"changed hash", "h2", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.SyncDictionary(ctx, metrics, aliases, tt.hash, tt.force)
			if err != nil {
				t.Fatalf("SyncDictionary: %v", err)
			}
			if got != tt.want {
				t.Errorf("synced = %v, want %v", got, tt.want)
			}
		})
	}

	if got := repo.Aliases("revenue"); len(got) != 2 {
		t.Errorf("aliases = %d, want 2 after repeated syncs", len(got))
	}
	ids, _ := repo.MetricIDs(ctx, []string{"revenue", "raw_x", "missing"})
	if len(ids) != 2 {
		t.Errorf("unexpected ids: %v", ids)
	}
}

func TestMemoryDeleteDerivedAndSnapshot(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	ids, _ := repo.EnsureMetrics(ctx, []models.Metric{{MetricCode: "total_assets"}})

	traceIDs, _ := repo.InsertTraces(ctx, []models.SourceTrace{{ReportID: 1, RawLabel: "资产总计"}})
	c := models.StockCandidate{AsOfDate: date(2024, 12, 31)}
	c.ReportID, c.MetricID, c.SourceTraceID = 1, ids["total_assets"], &traceIDs[0]
	_ = repo.InsertCandidates(ctx, nil, []models.StockCandidate{c})

	_, stocks, _ := repo.Candidates(ctx, 1)
	if len(stocks) != 1 || stocks[0].MetricCode != "total_assets" {
		t.Fatalf("unexpected candidates: %+v", stocks)
	}

	verified := stockFact(1, ids["total_assets"], "9", models.ResolutionVerified)
	verified.SourceTraceID = &traceIDs[0]
	_ = repo.UpsertOverrides(ctx, nil, []models.StockFact{verified})
	_ = repo.ReplaceFacts(ctx, 1, nil, []models.StockFact{stockFact(1, ids["total_assets"]+1, "3", models.ResolutionAuto)})

	path := filepath.Join(t.TempDir(), "dry", "snapshot.json")
	if err := repo.WriteSnapshot(path); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	if err := repo.DeleteDerived(ctx, 1); err != nil {
		t.Fatalf("DeleteDerived: %v", err)
	}
	_, stocks, _ = repo.Candidates(ctx, 1)
	_, facts, _ := repo.Facts(ctx, 1)
	if len(stocks) != 0 {
		t.Errorf("candidates not deleted: %+v", stocks)
	}
	if len(facts) != 1 || facts[0].ResolutionStatus != models.ResolutionVerified || facts[0].SourceTraceID != nil {
		t.Errorf("expected only the detached verified fact, got %+v", facts)
	}

	restored, err := LoadMemoryRepository(path)
	if err != nil {
		t.Fatalf("LoadMemoryRepository: %v", err)
	}
	_, stocks, _ = restored.Candidates(ctx, 1)
	_, facts, _ = restored.Facts(ctx, 1)
	if len(stocks) != 1 || len(facts) != 2 {
		t.Errorf("snapshot lost data: %d candidates, %d facts", len(stocks), len(facts))
	}

	empty, err := LoadMemoryRepository(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil || empty == nil {
		t.Errorf("missing snapshot should give an empty repository, got %v", err)
	}
}
