package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"finreport_facts/pkg/core/dictionary"
	"finreport_facts/pkg/core/store"
	"finreport_facts/pkg/models"
)

const reportText = "某某股份有限公司 2024年年度报告\n报告期末：2024年12月31日\n单位：元 币种：人民币\n公司名称：某某股份有限公司"

const balanceText = "合并资产负债表\n项目 本期 上期\n货币资金 1,000 900\n存货 2,000 1,800"

type fakeSource struct {
	pages  []models.PageContent
	method string
	err    error
	calls  int
}

func (f *fakeSource) Extract(_ context.Context, _ string, engine string) ([]models.PageContent, string, error) {
	f.calls++
	if f.err != nil {
		return nil, "", f.err
	}
	method := f.method
	if method == "" {
		method = engine
	}
	return f.pages, method, nil
}

type failingRepo struct {
	*store.MemoryRepository
	failTables bool
}

func (r *failingRepo) InsertTables(ctx context.Context, reportID int64, tables []models.TableBlock) ([]store.TableRef, error) {
	if r.failTables {
		return nil, errors.New("disk full")
	}
	return r.MemoryRepository.InsertTables(ctx, reportID, tables)
}

func writeDoc(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "report.md")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newIngestor(t *testing.T, repo store.Repository, src *fakeSource) *Ingestor {
	t.Helper()
	dict, err := dictionary.Base()
	if err != nil {
		t.Fatalf("dictionary.Base: %v", err)
	}
	return New(repo, src, dict, nil)
}

func testPages() []models.PageContent {
	return []models.PageContent{
		{Page: 1, TextRaw: reportText, TextMD: reportText},
		{Page: 2, TextRaw: balanceText, TextMD: balanceText},
	}
}

func TestIngestWritesCandidates(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	g := newIngestor(t, repo, &fakeSource{pages: testPages(), method: "markdown"})

	res, err := g.Ingest(ctx, writeDoc(t, "a"), Options{Engine: "auto"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Skipped || res.ReportID == 0 || res.VersionID == 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Summary.Pages != 2 || res.Summary.Tables != 1 || res.Summary.Rows != 2 || res.Summary.Cells != 4 {
		t.Errorf("unexpected summary: %+v", res.Summary)
	}
	if res.Summary.RunID == "" || res.Summary.Engine != "markdown" {
		t.Errorf("run id or engine missing: %+v", res.Summary)
	}

	report, err := repo.Report(ctx, res.ReportID)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if report.Status != "ready" || report.ParseMethod != "markdown" {
		t.Errorf("report status = %q, method = %q", report.Status, report.ParseMethod)
	}

	versions, _ := repo.Versions(ctx, res.ReportID)
	if len(versions) != 1 || versions[0].Status != models.VersionReady || versions[0].Summary["cells"] != 4 {
		t.Errorf("unexpected versions: %+v", versions)
	}

	_, stocks, _ := repo.Candidates(ctx, res.ReportID)
	if len(stocks) != 4 {
		t.Fatalf("expected 4 stock candidates, got %d", len(stocks))
	}
	byKey := map[string]string{}
	for _, c := range stocks {
		if c.SourceTraceID == nil || c.MetricID == 0 || c.VersionID == nil || *c.VersionID != res.VersionID {
			t.Errorf("candidate not linked: %+v", c)
		}
		if c.Unit != "1" || c.Currency != "CNY" {
			t.Errorf("unit/currency = %q/%q", c.Unit, c.Currency)
		}
		byKey[c.MetricCode+"@"+models.DateKey(c.AsOfDate)] = c.Value.Decimal.String()
	}
	want := map[string]string{
		"cash_and_cash_equivalents@2024-12-31": "1000",
		"cash_and_cash_equivalents@2023-12-31": "900",
		"inventory@2024-12-31":                 "2000",
		"inventory@2023-12-31":                 "1800",
	}
	for k, v := range want {
		if byKey[k] != v {
			t.Errorf("%s = %q, want %q", k, byKey[k], v)
		}
	}
	if repo.CellCount() != 4 || len(repo.Pages(res.ReportID)) != 2 {
		t.Errorf("cells = %d, pages = %d", repo.CellCount(), len(repo.Pages(res.ReportID)))
	}
}

func TestIngestDuplicateAndSecondaryEngine(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	src := &fakeSource{pages: testPages()}
	g := newIngestor(t, repo, src)
	path := writeDoc(t, "same bytes")

	first, err := g.Ingest(ctx, path, Options{Engine: "contentlist"})
	if err != nil {
		t.Fatalf("first Ingest: %v", err)
	}

	dup, err := g.Ingest(ctx, path, Options{Engine: "contentlist"})
	if err != nil {
		t.Fatalf("duplicate Ingest: %v", err)
	}
	if !dup.Skipped || dup.ReportID != first.ReportID {
		t.Errorf("expected skipped duplicate of report %d, got %+v", first.ReportID, dup)
	}

	second, err := g.Ingest(ctx, path, Options{Engine: "markdown", AllowExisting: true, ParseMethodOverride: "md-engine"})
	if err != nil {
		t.Fatalf("secondary Ingest: %v", err)
	}
	if second.Skipped || second.ReportID != first.ReportID || second.ParseMethod != "md-engine" {
		t.Errorf("unexpected secondary result: %+v", second)
	}

	versions, _ := repo.Versions(ctx, first.ReportID)
	statuses := []models.VersionStatus{}
	for _, v := range versions {
		statuses = append(statuses, v.Status)
	}
	if len(versions) != 3 || statuses[1] != models.VersionSkipped || versions[1].Summary["reason"] != "duplicate" {
		t.Errorf("unexpected versions: %v", statuses)
	}

	_, stocks, _ := repo.Candidates(ctx, first.ReportID)
	if len(stocks) != 8 {
		t.Errorf("expected candidates from both engines, got %d", len(stocks))
	}

	recomputed, err := g.Ingest(ctx, path, Options{Engine: "markdown", Recompute: true})
	if err != nil {
		t.Fatalf("recompute Ingest: %v", err)
	}
	_, stocks, _ = repo.Candidates(ctx, first.ReportID)
	if recomputed.Skipped || len(stocks) != 4 {
		t.Errorf("recompute should replace candidates, got %d", len(stocks))
	}
}

func TestIngestFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("parse", func(t *testing.T) {
		repo := store.NewMemoryRepository()
		g := newIngestor(t, repo, &fakeSource{err: errors.New("converter crashed")})
		_, err := g.Ingest(ctx, writeDoc(t, "x"), Options{})
		if StageOf(err) != StageParse {
			t.Fatalf("stage = %q, err = %v", StageOf(err), err)
		}
		errs := repo.IngestErrors()
		if len(errs) != 1 || errs[0].Stage != StageParse || errs[0].ReportID != nil {
			t.Errorf("unexpected ingest errors: %+v", errs)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		repo := store.NewMemoryRepository()
		src := &fakeSource{pages: testPages()}
		g := newIngestor(t, repo, src)
		_, err := g.Ingest(ctx, filepath.Join(t.TempDir(), "nope.pdf"), Options{})
		if StageOf(err) != StageParse || src.calls != 0 {
			t.Errorf("stage = %q, source calls = %d", StageOf(err), src.calls)
		}
	})

	t.Run("insert tables", func(t *testing.T) {
		repo := &failingRepo{MemoryRepository: store.NewMemoryRepository(), failTables: true}
		g := newIngestor(t, repo, &fakeSource{pages: testPages()})
		_, err := g.Ingest(ctx, writeDoc(t, "y"), Options{})
		var se *StageError
		if !errors.As(err, &se) || se.Stage != StageInsertTables {
			t.Fatalf("expected insert_tables stage error, got %v", err)
		}

		errs := repo.IngestErrors()
		if len(errs) != 1 || errs[0].ReportID == nil || errs[0].ErrorType != "errorString" {
			t.Errorf("unexpected ingest errors: %+v", errs)
		}
		versions, _ := repo.Versions(ctx, *errs[0].ReportID)
		if len(versions) != 1 || versions[0].Status != models.VersionFailed {
			t.Errorf("version not failed: %+v", versions)
		}
	})
}

func TestHashSource(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	_ = os.WriteFile(a, []byte("abc"), 0644)
	_ = os.WriteFile(b, []byte("abc"), 0644)

	ha, err := HashSource(a)
	if err != nil {
		t.Fatal(err)
	}
	if ha != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Errorf("sha256(abc) = %s", ha)
	}
	if hb, _ := HashSource(b); hb != ha {
		t.Errorf("same content should hash equally")
	}
	hd, err := HashSource(dir)
	if err != nil || hd == ha {
		t.Errorf("directory hash = %s, %v", hd, err)
	}
	if _, err := HashSource(filepath.Join(dir, "missing")); err == nil {
		t.Errorf("expected error for missing path")
	}
}
