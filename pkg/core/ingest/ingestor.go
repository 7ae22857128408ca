// Package ingest runs one extraction engine over one document and records the pages,
// tables and candidate facts it produced as a report version.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"finreport_facts/pkg/core/detect"
	"finreport_facts/pkg/core/dictionary"
	"finreport_facts/pkg/core/facts"
	"finreport_facts/pkg/core/metadata"
	"finreport_facts/pkg/core/pages"
	"finreport_facts/pkg/core/store"
	"finreport_facts/pkg/models"
)

// Options controls one engine run.
type Options struct {
	// Engine is passed to the page source.
	Engine string
	// ParseMethodOverride replaces the engine-reported method on the report and version.
	ParseMethodOverride string
	// AllowExisting appends a new version to an already ingested document instead of
	// recording a skipped duplicate.
	AllowExisting bool
	// Recompute drops the report's candidates, traces and unverified facts first.
	Recompute bool
	// WritePages rewrites page text for an already ingested document.
	WritePages bool
}

// Summary is stored as the version's summary.
type Summary struct {
	RunID              string `json:"run_id"`
	Engine             string `json:"engine"`
	Pages              int    `json:"pages"`
	Tables             int    `json:"tables"`
	Rows               int    `json:"rows"`
	Cells              int    `json:"cells"`
	CellsWritten       int    `json:"cells_written"`
	FlowCandidates     int    `json:"flow_candidates"`
	StockCandidates    int    `json:"stock_candidates"`
	ProvisionalMetrics int    `json:"provisional_metrics"`
}

func (s Summary) toMap() map[string]any {
	return map[string]any{
		"run_id":              s.RunID,
		"engine":              s.Engine,
		"pages":               s.Pages,
		"tables":              s.Tables,
		"rows":                s.Rows,
		"cells":               s.Cells,
		"cells_written":       s.CellsWritten,
		"flow_candidates":     s.FlowCandidates,
		"stock_candidates":    s.StockCandidates,
		"provisional_metrics": s.ProvisionalMetrics,
	}
}

// Result describes one engine run.
type Result struct {
	ReportID    int64   `json:"report_id"`
	VersionID   int64   `json:"version_id"`
	ParseMethod string  `json:"parse_method"`
	Skipped     bool    `json:"skipped"`
	Summary     Summary `json:"summary"`
}

// Ingestor wires page extraction, detection and fact building to a repository.
type Ingestor struct {
	repo     store.Repository
	source   pages.Source
	dict     *dictionary.Dictionary
	detector *detect.Detector
	builder  *facts.Builder
	now      func() time.Time
}

// New builds an ingestor. Rules may be nil.
func New(repo store.Repository, source pages.Source, dict *dictionary.Dictionary, rules *dictionary.BackgroundRules) *Ingestor {
	return &Ingestor{
		repo:     repo,
		source:   source,
		dict:     dict,
		detector: detect.New(dict, rules),
		builder:  facts.NewBuilder(dict),
		now:      time.Now,
	}
}

// Ingest runs one engine over the document at path. Failures are recorded as ingest
// errors, fail the running version and are returned as *StageError.
func (g *Ingestor) Ingest(ctx context.Context, path string, opts Options) (*Result, error) {
	startedAt := g.now().UTC()

	hash, err := HashSource(path)
	if err != nil {
		return nil, g.fail(ctx, path, nil, 0, StageParse, err)
	}
	pageList, method, err := g.source.Extract(ctx, path, opts.Engine)
	if err != nil {
		return nil, g.fail(ctx, path, nil, 0, StageParse, err)
	}
	parseMethod := method
	if opts.ParseMethodOverride != "" {
		parseMethod = opts.ParseMethodOverride
	}

	meta := metadata.Extract(pageList)
	tables := g.detector.Detect(pageList)

	existing, err := g.repo.ReportByHash(ctx, hash)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, g.fail(ctx, path, nil, 0, StageInit, err)
	}

	res := &Result{ParseMethod: parseMethod}
	if existing != nil {
		res.ReportID = existing.ReportID
		if !opts.AllowExisting && !opts.Recompute {
			return g.skipDuplicate(ctx, path, res, startedAt)
		}
		// Later engines share the first engine's period so their candidates group together.
		meta = existing.Meta
	} else {
		report := models.NewReport(path, hash, parseMethod, meta)
		id, err := g.repo.InsertReport(ctx, report)
		if err != nil {
			return nil, g.fail(ctx, path, nil, 0, StageInsertReport, err)
		}
		res.ReportID = id
		log.Printf("[Ingest] report %d created for %s (status %s)", id, path, report.Status)
	}

	versionID, err := g.repo.StartVersion(ctx, res.ReportID, parseMethod, startedAt)
	if err != nil {
		return nil, g.fail(ctx, path, &res.ReportID, 0, StageVersionStart, err)
	}
	res.VersionID = versionID

	summary, stage, err := g.write(ctx, res.ReportID, versionID, existing != nil, pageList, meta, tables, opts)
	summary.RunID = uuid.NewString()
	summary.Engine = parseMethod
	res.Summary = summary
	if err != nil {
		return nil, g.fail(ctx, path, &res.ReportID, versionID, stage, err)
	}

	if err := g.repo.FinishVersion(ctx, versionID, models.VersionReady, summary.toMap()); err != nil {
		return nil, g.fail(ctx, path, &res.ReportID, versionID, StageFinishVersion, err)
	}
	log.Printf("[Ingest] %s via %s: version %d ready, %d tables, %d flow and %d stock candidates",
		path, parseMethod, versionID, summary.Tables, summary.FlowCandidates, summary.StockCandidates)
	return res, nil
}

func (g *Ingestor) skipDuplicate(ctx context.Context, path string, res *Result, startedAt time.Time) (*Result, error) {
	finished := g.now().UTC()
	id, err := g.repo.RecordVersion(ctx, &models.ReportVersion{
		ReportID:    res.ReportID,
		ParseMethod: res.ParseMethod,
		StartedAt:   startedAt,
		FinishedAt:  &finished,
		Status:      models.VersionSkipped,
		Summary:     map[string]any{"reason": "duplicate"},
	})
	if err != nil {
		return nil, g.fail(ctx, path, &res.ReportID, 0, StageInit, err)
	}
	res.VersionID = id
	res.Skipped = true
	log.Printf("[Ingest] %s already ingested as report %d, skipped", path, res.ReportID)
	return res, nil
}

// write persists everything one run produced and returns the stage that failed, if any.
func (g *Ingestor) write(
	ctx context.Context,
	reportID, versionID int64,
	existing bool,
	pageList []models.PageContent,
	meta models.ReportMeta,
	tables []models.TableBlock,
	opts Options,
) (Summary, string, error) {
	summary := Summary{Pages: len(pageList), Tables: len(tables)}
	for _, t := range tables {
		summary.Rows += len(t.Rows)
		summary.Cells += len(t.Rows) * len(t.Columns)
	}

	if !existing || opts.WritePages {
		if err := g.repo.InsertPages(ctx, reportID, pageList); err != nil {
			return summary, StageInsertPages, err
		}
	}

	for i := range tables {
		if tables[i].Currency == "" {
			tables[i].Currency = meta.Currency
		}
		if tables[i].Units == "" {
			tables[i].Units = meta.Units
		}
	}
	refs, err := g.repo.InsertTables(ctx, reportID, tables)
	if err != nil {
		return summary, StageInsertTables, err
	}
	if summary.CellsWritten, err = g.repo.InsertCells(ctx, tables, refs); err != nil {
		return summary, StageInsertCells, err
	}

	if existing && opts.Recompute {
		if err := g.repo.DeleteDerived(ctx, reportID); err != nil {
			return summary, StageInsertFacts, err
		}
	}

	built := g.builder.Build(meta, tables, &versionID)
	summary.FlowCandidates = len(built.Flows)
	summary.StockCandidates = len(built.Stocks)
	summary.ProvisionalMetrics = len(built.Provisional)
	if err := g.insertCandidates(ctx, reportID, built, refs); err != nil {
		return summary, StageInsertFacts, err
	}
	return summary, "", nil
}

// insertCandidates registers every referenced metric, writes traces with their table
// and row ids, then writes candidates linked to those traces.
func (g *Ingestor) insertCandidates(ctx context.Context, reportID int64, built facts.BuildResult, refs []store.TableRef) error {
	if len(built.Flows) == 0 && len(built.Stocks) == 0 {
		return nil
	}

	provisional := make(map[string]models.Metric, len(built.Provisional))
	for _, m := range built.Provisional {
		provisional[m.MetricCode] = m
	}
	seen := make(map[string]bool)
	var metrics []models.Metric
	register := func(code string) {
		if seen[code] {
			return
		}
		seen[code] = true
		if m, ok := g.dict.Lookup(code); ok {
			metrics = append(metrics, *m)
		} else if m, ok := provisional[code]; ok {
			metrics = append(metrics, m)
		}
	}
	for i := range built.Flows {
		register(built.Flows[i].MetricCode)
	}
	for i := range built.Stocks {
		register(built.Stocks[i].MetricCode)
	}
	ids, err := g.repo.EnsureMetrics(ctx, metrics)
	if err != nil {
		return err
	}

	traces := built.Traces
	for i := range traces {
		t := &traces[i]
		ref := refs[t.TableIndex]
		tableID, rowID := ref.TableID, ref.RowIDs[t.RowIndex]
		t.ReportID, t.SourceTableID, t.SourceRowID = reportID, &tableID, &rowID
	}
	traceIDs, err := g.repo.InsertTraces(ctx, traces)
	if err != nil {
		return err
	}

	link := func(c *models.CandidateBase) error {
		id, ok := ids[c.MetricCode]
		if !ok {
			return fmt.Errorf("metric %s has no id", c.MetricCode)
		}
		c.ReportID, c.MetricID = reportID, id
		traceID := traceIDs[c.TraceIndex]
		c.SourceTraceID = &traceID
		return nil
	}
	for i := range built.Flows {
		if err := link(&built.Flows[i].CandidateBase); err != nil {
			return err
		}
	}
	for i := range built.Stocks {
		if err := link(&built.Stocks[i].CandidateBase); err != nil {
			return err
		}
	}
	return g.repo.InsertCandidates(ctx, built.Flows, built.Stocks)
}

// fail records the error, marks a running version failed and wraps err with its stage.
func (g *Ingestor) fail(ctx context.Context, path string, reportID *int64, versionID int64, stage string, err error) error {
	log.Printf("[Ingest] %s failed at %s: %v", path, stage, err)
	rec := models.IngestError{
		SourcePath:   path,
		ReportID:     reportID,
		Stage:        stage,
		ErrorType:    errorType(err),
		ErrorMessage: err.Error(),
		CreatedAt:    g.now().UTC(),
	}
	if recErr := g.repo.RecordIngestError(ctx, rec); recErr != nil {
		log.Printf("[Ingest] could not record error for %s: %v", path, recErr)
	}
	if versionID != 0 {
		if finErr := g.repo.FinishVersion(ctx, versionID, models.VersionFailed, nil); finErr != nil {
			log.Printf("[Ingest] could not fail version %d: %v", versionID, finErr)
		}
	}
	return &StageError{Stage: stage, Err: err}
}
