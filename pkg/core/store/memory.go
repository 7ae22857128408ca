package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"finreport_facts/pkg/models"
)

// MemoryRepository keeps everything in process. It backs dry runs and tests, and can be
// persisted to a JSON snapshot so a dry run can be inspected or resumed.
type MemoryRepository struct {
	mu    sync.Mutex
	state memoryState
}

type storedPage struct {
	ReportID int64              `json:"report_id"`
	Page     models.PageContent `json:"page"`
}

type storedTable struct {
	ReportID int64             `json:"report_id"`
	Ref      TableRef          `json:"ref"`
	Table    models.TableBlock `json:"table"`
}

type memoryState struct {
	Seq             int64                   `json:"seq"`
	Reports         []models.Report         `json:"reports"`
	Versions        []models.ReportVersion  `json:"versions"`
	Errors          []models.IngestError    `json:"errors"`
	Pages           []storedPage            `json:"pages"`
	Tables          []storedTable           `json:"tables"`
	Cells           int                     `json:"cells"`
	Metrics         []models.Metric         `json:"metrics"`
	Aliases         []models.MetricAlias    `json:"aliases"`
	DictionaryHash  string                  `json:"dictionary_hash,omitempty"`
	Traces          []models.SourceTrace    `json:"traces"`
	FlowCandidates  []models.FlowCandidate  `json:"flow_candidates"`
	StockCandidates []models.StockCandidate `json:"stock_candidates"`
	FlowFacts       []models.FlowFact       `json:"flow_facts"`
	StockFacts      []models.StockFact      `json:"stock_facts"`
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

// LoadMemoryRepository restores a snapshot written by WriteSnapshot.
// A missing file yields an empty repository.
func LoadMemoryRepository(path string) (*MemoryRepository, error) {
	r := NewMemoryRepository()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &r.state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot %s: %w", path, err)
	}
	return r, nil
}

// WriteSnapshot stores the full repository state as indented JSON.
func (r *MemoryRepository) WriteSnapshot(path string) error {
	r.mu.Lock()
	data, err := json.MarshalIndent(r.state, "", "  ")
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot %s: %w", path, err)
	}
	return nil
}

// CellCount returns how many cells have been written.
func (r *MemoryRepository) CellCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Cells
}

// IngestErrors returns every recorded ingest error.
func (r *MemoryRepository) IngestErrors() []models.IngestError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.IngestError(nil), r.state.Errors...)
}

// Pages returns the stored pages of a report ordered by page number.
func (r *MemoryRepository) Pages(reportID int64) []models.PageContent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.PageContent
	for _, p := range r.state.Pages {
		if p.ReportID == reportID {
			out = append(out, p.Page)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Page < out[j].Page })
	return out
}

func (r *MemoryRepository) Close() {}

func (r *MemoryRepository) next() int64 {
	r.state.Seq++
	return r.state.Seq
}

func (r *MemoryRepository) ReportByHash(_ context.Context, hash string) (*models.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rep := range r.state.Reports {
		if rep.SourceHash == hash {
			out := rep
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) Report(_ context.Context, reportID int64) (*models.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rep := range r.state.Reports {
		if rep.ReportID == reportID {
			out := rep
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) InsertReport(_ context.Context, rep *models.Report) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.state.Reports {
		if existing.SourceHash == rep.SourceHash {
			return 0, fmt.Errorf("failed to insert report: duplicate source hash %s", rep.SourceHash)
		}
	}
	stored := *rep
	stored.ReportID = r.next()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	r.state.Reports = append(r.state.Reports, stored)
	return stored.ReportID, nil
}

func (r *MemoryRepository) StartVersion(_ context.Context, reportID int64, parseMethod string, startedAt time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := models.ReportVersion{
		VersionID:     r.next(),
		ReportID:      reportID,
		ParseMethod:   parseMethod,
		ParserVersion: models.ParserVersion,
		StartedAt:     startedAt,
		Status:        models.VersionRunning,
	}
	r.state.Versions = append(r.state.Versions, v)
	return v.VersionID, nil
}

func (r *MemoryRepository) RecordVersion(_ context.Context, v *models.ReportVersion) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *v
	stored.VersionID = r.next()
	if stored.ParserVersion == "" {
		stored.ParserVersion = models.ParserVersion
	}
	r.state.Versions = append(r.state.Versions, stored)
	return stored.VersionID, nil
}

func (r *MemoryRepository) FinishVersion(_ context.Context, versionID int64, status models.VersionStatus, summary map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.state.Versions {
		v := &r.state.Versions[i]
		if v.VersionID != versionID {
			continue
		}
		now := time.Now().UTC()
		v.FinishedAt = &now
		v.Status = status
		if summary != nil {
			v.Summary = summary
		}
		return nil
	}
	return fmt.Errorf("failed to finish version %d: %w", versionID, ErrNotFound)
}

func (r *MemoryRepository) Versions(_ context.Context, reportID int64) ([]models.ReportVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ReportVersion
	for _, v := range r.state.Versions {
		if v.ReportID == reportID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (r *MemoryRepository) RecordIngestError(_ context.Context, e models.IngestError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Errors = append(r.state.Errors, e)
	return nil
}

func (r *MemoryRepository) InsertPages(_ context.Context, reportID int64, pages []models.PageContent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range pages {
		replaced := false
		for i := range r.state.Pages {
			if r.state.Pages[i].ReportID == reportID && r.state.Pages[i].Page.Page == p.Page {
				r.state.Pages[i].Page = p
				replaced = true
				break
			}
		}
		if !replaced {
			r.state.Pages = append(r.state.Pages, storedPage{ReportID: reportID, Page: p})
		}
	}
	return nil
}

func (r *MemoryRepository) InsertTables(_ context.Context, reportID int64, tables []models.TableBlock) ([]TableRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	refs := make([]TableRef, len(tables))
	for ti, t := range tables {
		ref := TableRef{TableID: r.next()}
		for range t.Columns {
			ref.ColumnIDs = append(ref.ColumnIDs, r.next())
		}
		for range t.Rows {
			ref.RowIDs = append(ref.RowIDs, r.next())
		}
		refs[ti] = ref
		r.state.Tables = append(r.state.Tables, storedTable{ReportID: reportID, Ref: ref, Table: t})
	}
	return refs, nil
}

func (r *MemoryRepository) InsertCells(_ context.Context, tables []models.TableBlock, refs []TableRef) (int, error) {
	if len(refs) != len(tables) {
		return 0, fmt.Errorf("failed to insert cells: %d tables but %d refs", len(tables), len(refs))
	}
	n := 0
	for ti, t := range tables {
		for _, row := range t.Rows {
			for ci, cell := range row.Cells {
				if !cell.Empty() && ci < len(refs[ti].ColumnIDs) {
					n++
				}
			}
		}
	}
	r.mu.Lock()
	r.state.Cells += n
	r.mu.Unlock()
	return n, nil
}

func (r *MemoryRepository) metricIndex(code string) int {
	for i := range r.state.Metrics {
		if r.state.Metrics[i].MetricCode == code {
			return i
		}
	}
	return -1
}

func (r *MemoryRepository) metricCode(id int64) string {
	for i := range r.state.Metrics {
		if r.state.Metrics[i].MetricID == id {
			return r.state.Metrics[i].MetricCode
		}
	}
	return ""
}

func (r *MemoryRepository) EnsureMetrics(_ context.Context, metrics []models.Metric) (map[string]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make(map[string]int64, len(metrics))
	for _, m := range metrics {
		if i := r.metricIndex(m.MetricCode); i >= 0 {
			ids[m.MetricCode] = r.state.Metrics[i].MetricID
			continue
		}
		m.MetricID = r.next()
		r.state.Metrics = append(r.state.Metrics, m)
		ids[m.MetricCode] = m.MetricID
	}
	return ids, nil
}

func (r *MemoryRepository) MetricIDs(_ context.Context, codes []string) (map[string]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make(map[string]int64, len(codes))
	for _, code := range codes {
		if i := r.metricIndex(code); i >= 0 {
			ids[code] = r.state.Metrics[i].MetricID
		}
	}
	return ids, nil
}

// Aliases returns the synced aliases of one metric.
func (r *MemoryRepository) Aliases(code string) []models.MetricAlias {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.MetricAlias
	for _, a := range r.state.Aliases {
		if a.MetricCode == code {
			out = append(out, a)
		}
	}
	return out
}

func (r *MemoryRepository) SyncDictionary(_ context.Context, metrics []models.Metric, aliases []models.MetricAlias, hash string, force bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !force && r.state.DictionaryHash == hash {
		return false, nil
	}

	synced := make(map[string]bool, len(metrics))
	for _, m := range metrics {
		synced[m.MetricCode] = true
		m.Provisional = false
		if i := r.metricIndex(m.MetricCode); i >= 0 {
			m.MetricID = r.state.Metrics[i].MetricID
			r.state.Metrics[i] = m
			continue
		}
		m.MetricID = r.next()
		r.state.Metrics = append(r.state.Metrics, m)
	}

	kept := r.state.Aliases[:0]
	for _, a := range r.state.Aliases {
		if !synced[a.MetricCode] {
			kept = append(kept, a)
		}
	}
	r.state.Aliases = kept
	for _, a := range aliases {
		if synced[a.MetricCode] {
			r.state.Aliases = append(r.state.Aliases, a)
		}
	}
	r.state.DictionaryHash = hash
	return true, nil
}

func (r *MemoryRepository) InsertTraces(_ context.Context, traces []models.SourceTrace) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, len(traces))
	for i, t := range traces {
		t.TraceID = r.next()
		ids[i] = t.TraceID
		r.state.Traces = append(r.state.Traces, t)
	}
	return ids, nil
}

func (r *MemoryRepository) InsertCandidates(_ context.Context, flows []models.FlowCandidate, stocks []models.StockCandidate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range flows {
		c.CandidateID = r.next()
		if c.MetricCode == "" {
			c.MetricCode = r.metricCode(c.MetricID)
		}
		r.state.FlowCandidates = append(r.state.FlowCandidates, c)
	}
	for _, c := range stocks {
		c.CandidateID = r.next()
		if c.MetricCode == "" {
			c.MetricCode = r.metricCode(c.MetricID)
		}
		r.state.StockCandidates = append(r.state.StockCandidates, c)
	}
	return nil
}

func (r *MemoryRepository) Candidates(_ context.Context, reportID int64) ([]models.FlowCandidate, []models.StockCandidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var flows []models.FlowCandidate
	var stocks []models.StockCandidate
	for _, c := range r.state.FlowCandidates {
		if c.ReportID == reportID {
			flows = append(flows, c)
		}
	}
	for _, c := range r.state.StockCandidates {
		if c.ReportID == reportID {
			stocks = append(stocks, c)
		}
	}
	return flows, stocks, nil
}

func (r *MemoryRepository) DeleteDerived(_ context.Context, reportID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropUnverified(reportID)
	for i := range r.state.FlowFacts {
		if f := &r.state.FlowFacts[i]; f.ReportID == reportID {
			f.SelectedCandidateID, f.SourceTraceID = nil, nil
		}
	}
	for i := range r.state.StockFacts {
		if f := &r.state.StockFacts[i]; f.ReportID == reportID {
			f.SelectedCandidateID, f.SourceTraceID = nil, nil
		}
	}
	r.state.FlowCandidates = filter(r.state.FlowCandidates, func(c models.FlowCandidate) bool { return c.ReportID != reportID })
	r.state.StockCandidates = filter(r.state.StockCandidates, func(c models.StockCandidate) bool { return c.ReportID != reportID })
	r.state.Traces = filter(r.state.Traces, func(t models.SourceTrace) bool { return t.ReportID != reportID })
	return nil
}

func (r *MemoryRepository) dropUnverified(reportID int64) {
	r.state.FlowFacts = filter(r.state.FlowFacts, func(f models.FlowFact) bool {
		return f.ReportID != reportID || f.ResolutionStatus == models.ResolutionVerified
	})
	r.state.StockFacts = filter(r.state.StockFacts, func(f models.StockFact) bool {
		return f.ReportID != reportID || f.ResolutionStatus == models.ResolutionVerified
	})
}

func filter[T any](items []T, keep func(T) bool) []T {
	var out []T
	for _, it := range items {
		if keep(it) {
			out = append(out, it)
		}
	}
	return out
}

func (r *MemoryRepository) ReplaceFacts(_ context.Context, reportID int64, flows []models.FlowFact, stocks []models.StockFact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropUnverified(reportID)
	for _, f := range flows {
		f.FactID = r.next()
		r.state.FlowFacts = append(r.state.FlowFacts, f)
	}
	for _, f := range stocks {
		f.FactID = r.next()
		r.state.StockFacts = append(r.state.StockFacts, f)
	}
	return nil
}

func (r *MemoryRepository) Facts(_ context.Context, reportID int64) ([]models.FlowFact, []models.StockFact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var flows []models.FlowFact
	var stocks []models.StockFact
	for _, f := range r.state.FlowFacts {
		if f.ReportID == reportID {
			if f.MetricCode == "" {
				f.MetricCode = r.metricCode(f.MetricID)
			}
			flows = append(flows, f)
		}
	}
	for _, f := range r.state.StockFacts {
		if f.ReportID == reportID {
			if f.MetricCode == "" {
				f.MetricCode = r.metricCode(f.MetricID)
			}
			stocks = append(stocks, f)
		}
	}
	sort.SliceStable(flows, func(i, j int) bool {
		a, b := flows[i], flows[j]
		if a.MetricCode != b.MetricCode {
			return a.MetricCode < b.MetricCode
		}
		if ka, kb := models.DateKey(a.PeriodEnd), models.DateKey(b.PeriodEnd); ka != kb {
			return ka < kb
		}
		return a.FactID < b.FactID
	})
	sort.SliceStable(stocks, func(i, j int) bool {
		a, b := stocks[i], stocks[j]
		if a.MetricCode != b.MetricCode {
			return a.MetricCode < b.MetricCode
		}
		if ka, kb := models.DateKey(a.AsOfDate), models.DateKey(b.AsOfDate); ka != kb {
			return ka < kb
		}
		return a.FactID < b.FactID
	})
	return flows, stocks, nil
}

func (r *MemoryRepository) UpsertOverrides(_ context.Context, flows []models.FlowFact, stocks []models.StockFact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range flows {
		key := f.OverrideKey()
		matched := false
		for i := range r.state.FlowFacts {
			existing := &r.state.FlowFacts[i]
			if existing.ReportID == f.ReportID && existing.OverrideKey() == key {
				mergeOverride(&existing.FactBase, f.FactBase)
				matched = true
			}
		}
		if !matched {
			f.FactID = r.next()
			r.state.FlowFacts = append(r.state.FlowFacts, f)
		}
	}
	for _, f := range stocks {
		key := f.OverrideKey()
		matched := false
		for i := range r.state.StockFacts {
			existing := &r.state.StockFacts[i]
			if existing.ReportID == f.ReportID && existing.OverrideKey() == key {
				mergeOverride(&existing.FactBase, f.FactBase)
				matched = true
			}
		}
		if !matched {
			f.FactID = r.next()
			r.state.StockFacts = append(r.state.StockFacts, f)
		}
	}
	return nil
}

// mergeOverride applies an override onto a stored fact; empty unit, currency and
// audit flag keep the stored values.
func mergeOverride(dst *models.FactBase, o models.FactBase) {
	dst.Value = o.Value
	if o.Unit != "" {
		dst.Unit = o.Unit
	}
	if o.Currency != "" {
		dst.Currency = o.Currency
	}
	if o.AuditFlag != "" {
		dst.AuditFlag = o.AuditFlag
	}
	dst.SelectedCandidateID = nil
	dst.ResolutionStatus = o.ResolutionStatus
	dst.ResolutionMethod = o.ResolutionMethod
	dst.ReviewedBy = o.ReviewedBy
	dst.ReviewedAt = o.ReviewedAt
	dst.ReviewNotes = o.ReviewNotes
}
