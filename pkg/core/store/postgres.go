package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"finreport_facts/pkg/models"
)

// PostgresRepository persists reports, candidates and facts in Postgres.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository wraps an initialized pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Close closes the underlying pool.
func (r *PostgresRepository) Close() {
	r.pool.Close()
}

// =============================================================================
// REPORTS & VERSIONS
// =============================================================================

const reportColumns = `
	report_id, source_path, source_hash, parse_method, report_title, company_name, ticker,
	report_type, fiscal_year, period_start, period_end, currency, units, extra,
	status, currency_status, units_status, period_status, created_at`

func (r *PostgresRepository) ReportByHash(ctx context.Context, hash string) (*models.Report, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+reportColumns+` FROM financial_reports WHERE source_hash = $1`, hash)
	return scanReport(row)
}

func (r *PostgresRepository) Report(ctx context.Context, reportID int64) (*models.Report, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+reportColumns+` FROM financial_reports WHERE report_id = $1`, reportID)
	return scanReport(row)
}

func scanReport(row pgx.Row) (*models.Report, error) {
	var rep models.Report
	var title, company, ticker, reportType, cur, units *string
	var status, curStatus, unitsStatus, periodStatus *string
	var fiscalYear *int
	var extra []byte
	err := row.Scan(&rep.ReportID, &rep.SourcePath, &rep.SourceHash, &rep.ParseMethod,
		&title, &company, &ticker, &reportType, &fiscalYear,
		&rep.Meta.PeriodStart, &rep.Meta.PeriodEnd, &cur, &units, &extra,
		&status, &curStatus, &unitsStatus, &periodStatus, &rep.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load report: %w", err)
	}
	rep.Meta.ReportTitle = deref(title)
	rep.Meta.CompanyName = deref(company)
	rep.Meta.Ticker = deref(ticker)
	rep.Meta.ReportType = deref(reportType)
	rep.Meta.Currency = deref(cur)
	rep.Meta.Units = deref(units)
	if fiscalYear != nil {
		rep.Meta.FiscalYear = *fiscalYear
	}
	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &rep.Meta.Extra); err != nil {
			return nil, fmt.Errorf("failed to unmarshal report extra: %w", err)
		}
	}
	rep.Status = deref(status)
	rep.CurrencyStatus = deref(curStatus)
	rep.UnitsStatus = deref(unitsStatus)
	rep.PeriodStatus = deref(periodStatus)
	return &rep, nil
}

func (r *PostgresRepository) InsertReport(ctx context.Context, rep *models.Report) (int64, error) {
	extra, err := json.Marshal(rep.Meta.Extra)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal report extra: %w", err)
	}
	m := rep.Meta
	var id int64
	err = r.pool.QueryRow(ctx, `
		INSERT INTO financial_reports (
			source_path, source_hash, report_title, company_name, ticker,
			report_type, fiscal_year, period_start, period_end, currency, units,
			parse_method, extra, status, currency_status, units_status, period_status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING report_id`,
		rep.SourcePath, rep.SourceHash, nullString(m.ReportTitle), nullString(m.CompanyName), nullString(m.Ticker),
		nullString(m.ReportType), nullInt(m.FiscalYear), m.PeriodStart, m.PeriodEnd, nullString(m.Currency), nullString(m.Units),
		rep.ParseMethod, extra, rep.Status, rep.CurrencyStatus, rep.UnitsStatus, rep.PeriodStatus,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert report: %w", err)
	}
	return id, nil
}

func (r *PostgresRepository) StartVersion(ctx context.Context, reportID int64, parseMethod string, startedAt time.Time) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO report_versions (report_id, parse_method, parser_version, started_at, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING version_id`,
		reportID, parseMethod, models.ParserVersion, startedAt, string(models.VersionRunning),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to start version: %w", err)
	}
	return id, nil
}

func (r *PostgresRepository) RecordVersion(ctx context.Context, v *models.ReportVersion) (int64, error) {
	summary, err := marshalSummary(v.Summary)
	if err != nil {
		return 0, err
	}
	parserVersion := v.ParserVersion
	if parserVersion == "" {
		parserVersion = models.ParserVersion
	}
	var id int64
	err = r.pool.QueryRow(ctx, `
		INSERT INTO report_versions (report_id, parse_method, parser_version, started_at, finished_at, status, summary_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING version_id`,
		v.ReportID, v.ParseMethod, parserVersion, v.StartedAt, v.FinishedAt, string(v.Status), summary,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to record version: %w", err)
	}
	return id, nil
}

func (r *PostgresRepository) FinishVersion(ctx context.Context, versionID int64, status models.VersionStatus, summary map[string]any) error {
	data, err := marshalSummary(summary)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE report_versions
		SET finished_at = NOW(), status = $2, summary_json = COALESCE($3, summary_json)
		WHERE version_id = $1`,
		versionID, string(status), data)
	if err != nil {
		return fmt.Errorf("failed to finish version %d: %w", versionID, err)
	}
	return nil
}

func (r *PostgresRepository) Versions(ctx context.Context, reportID int64) ([]models.ReportVersion, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT version_id, report_id, parse_method, parser_version, started_at, finished_at, status, summary_json
		FROM report_versions WHERE report_id = $1 ORDER BY version_id`, reportID)
	if err != nil {
		return nil, fmt.Errorf("failed to query versions: %w", err)
	}
	defer rows.Close()

	var out []models.ReportVersion
	for rows.Next() {
		var v models.ReportVersion
		var method, pv *string
		var status string
		var summary []byte
		if err := rows.Scan(&v.VersionID, &v.ReportID, &method, &pv, &v.StartedAt, &v.FinishedAt, &status, &summary); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		v.ParseMethod, v.ParserVersion, v.Status = deref(method), deref(pv), models.VersionStatus(status)
		if len(summary) > 0 {
			if err := json.Unmarshal(summary, &v.Summary); err != nil {
				return nil, fmt.Errorf("failed to unmarshal version summary: %w", err)
			}
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) RecordIngestError(ctx context.Context, e models.IngestError) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO ingest_errors (source_path, report_id, page_number, stage, error_type, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.SourcePath, e.ReportID, e.PageNumber, e.Stage, e.ErrorType, e.ErrorMessage, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record ingest error: %w", err)
	}
	return nil
}

// =============================================================================
// PAGES & TABLES
// =============================================================================

// InsertPages writes pages and refreshes their search vectors. Re-sent pages replace
// the stored text.
func (r *PostgresRepository) InsertPages(ctx context.Context, reportID int64, pages []models.PageContent) error {
	batch := &pgx.Batch{}
	for _, p := range pages {
		batch.Queue(`
			INSERT INTO report_pages (report_id, page_number, text_md, text_raw)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (report_id, page_number)
			DO UPDATE SET text_md = EXCLUDED.text_md, text_raw = EXCLUDED.text_raw`,
			reportID, p.Page, p.TextMD, p.TextRaw)
	}
	batch.Queue(`UPDATE report_pages SET tsv = to_tsvector('simple', coalesce(text_md, '')) WHERE report_id = $1`, reportID)
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert pages: %w", err)
	}
	return nil
}

func (r *PostgresRepository) InsertTables(ctx context.Context, reportID int64, tables []models.TableBlock) ([]TableRef, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tables tx: %w", err)
	}
	defer tx.Rollback(ctx)

	refs := make([]TableRef, len(tables))
	for ti, t := range tables {
		ref := &refs[ti]
		err := tx.QueryRow(ctx, `
			INSERT INTO report_tables (
				report_id, section_title, statement_type, title, page_start, page_end,
				currency, units, is_consolidated, currency_status, units_status
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING table_id`,
			reportID, nullString(t.SectionTitle), nullString(string(t.StatementType)), nullString(t.Title),
			t.PageStart, t.PageEnd, nullString(t.Currency), nullString(t.Units), t.IsConsolidated,
			models.DetectionStatus(t.Currency != ""), models.DetectionStatus(t.Units != ""),
		).Scan(&ref.TableID)
		if err != nil {
			return nil, fmt.Errorf("failed to insert table %d: %w", ti, err)
		}

		for ci, col := range t.Columns {
			var id int64
			err := tx.QueryRow(ctx, `
				INSERT INTO report_table_columns (table_id, column_index, label, period_start, period_end, fiscal_year, fiscal_period)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				RETURNING column_id`,
				ref.TableID, ci, col.Label, col.PeriodStart, col.PeriodEnd, nullInt(col.FiscalYear), nullString(col.FiscalPeriod),
			).Scan(&id)
			if err != nil {
				return nil, fmt.Errorf("failed to insert column %d of table %d: %w", ci, ti, err)
			}
			ref.ColumnIDs = append(ref.ColumnIDs, id)
		}

		for ri, row := range t.Rows {
			var id int64
			err := tx.QueryRow(ctx, `
				INSERT INTO report_table_rows (table_id, row_index, label, is_total, page_number)
				VALUES ($1, $2, $3, $4, $5)
				RETURNING row_id`,
				ref.TableID, ri, row.Label, row.IsTotal(), nullInt(row.PageNumber),
			).Scan(&id)
			if err != nil {
				return nil, fmt.Errorf("failed to insert row %d of table %d: %w", ri, ti, err)
			}
			ref.RowIDs = append(ref.RowIDs, id)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit tables: %w", err)
	}
	return refs, nil
}

func (r *PostgresRepository) InsertCells(ctx context.Context, tables []models.TableBlock, refs []TableRef) (int, error) {
	batch := &pgx.Batch{}
	for ti, t := range tables {
		ref := refs[ti]
		for ri, row := range t.Rows {
			for ci, cell := range row.Cells {
				if cell.Empty() || ci >= len(ref.ColumnIDs) {
					continue
				}
				batch.Queue(`
					INSERT INTO report_table_cells (row_id, column_id, value, raw_text, unit)
					VALUES ($1, $2, $3::numeric, $4, $5)`,
					ref.RowIDs[ri], ref.ColumnIDs[ci], numericArg(cell.Value), cell.RawText, nullString(t.Units))
			}
		}
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return 0, fmt.Errorf("failed to insert cells: %w", err)
	}
	return batch.Len(), nil
}

// =============================================================================
// METRICS
// =============================================================================

func (r *PostgresRepository) EnsureMetrics(ctx context.Context, metrics []models.Metric) (map[string]int64, error) {
	if len(metrics) == 0 {
		return map[string]int64{}, nil
	}
	batch := &pgx.Batch{}
	codes := make([]string, 0, len(metrics))
	for _, m := range metrics {
		codes = append(codes, m.MetricCode)
		batch.Queue(`
			INSERT INTO metric (metric_code, metric_name_cn, metric_name_en, statement_type, value_nature, sign_rule, provisional)
			VALUES ($1, $2, $3, $4, $5, 'normal', $6)
			ON CONFLICT (metric_code) DO NOTHING`,
			m.MetricCode, m.MetricNameCN, nullString(m.MetricNameEN), string(m.StatementType), string(m.ValueNature), m.Provisional)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("failed to ensure metrics: %w", err)
	}
	return r.MetricIDs(ctx, codes)
}

func (r *PostgresRepository) MetricIDs(ctx context.Context, codes []string) (map[string]int64, error) {
	ids := make(map[string]int64, len(codes))
	if len(codes) == 0 {
		return ids, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT metric_code, metric_id FROM metric WHERE metric_code = ANY($1)`, codes)
	if err != nil {
		return nil, fmt.Errorf("failed to query metric ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var code string
		var id int64
		if err := rows.Scan(&code, &id); err != nil {
			return nil, fmt.Errorf("failed to scan metric id: %w", err)
		}
		ids[code] = id
	}
	return ids, rows.Err()
}

func (r *PostgresRepository) SyncDictionary(ctx context.Context, metrics []models.Metric, aliases []models.MetricAlias, hash string, force bool) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin dictionary tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if !force {
		var stored string
		err := tx.QueryRow(ctx, `SELECT file_hash FROM metric_dictionary_state WHERE state_id = 1`).Scan(&stored)
		switch {
		case err == nil && stored == hash:
			return false, nil
		case err != nil && !errors.Is(err, pgx.ErrNoRows):
			return false, fmt.Errorf("failed to read dictionary state: %w", err)
		}
	}

	ids := make(map[string]int64, len(metrics))
	for _, m := range metrics {
		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO metric (metric_code, metric_name_cn, metric_name_en, statement_type, value_nature, sign_rule)
			VALUES ($1, $2, $3, $4, $5, 'normal')
			ON CONFLICT (metric_code) DO UPDATE SET
				metric_name_cn = EXCLUDED.metric_name_cn,
				metric_name_en = EXCLUDED.metric_name_en,
				statement_type = EXCLUDED.statement_type,
				value_nature = EXCLUDED.value_nature,
				provisional = FALSE
			RETURNING metric_id`,
			m.MetricCode, m.MetricNameCN, nullString(m.MetricNameEN), string(m.StatementType), string(m.ValueNature),
		).Scan(&id)
		if err != nil {
			return false, fmt.Errorf("failed to upsert metric %s: %w", m.MetricCode, err)
		}
		ids[m.MetricCode] = id
	}

	batch := &pgx.Batch{}
	metricIDs := make([]int64, 0, len(ids))
	for _, m := range metrics {
		metricIDs = append(metricIDs, ids[m.MetricCode])
		var parent *int64
		if id, ok := ids[m.ParentMetricCode]; ok && m.ParentMetricCode != "" {
			parent = &id
		}
		batch.Queue(`UPDATE metric SET parent_metric_id = $1 WHERE metric_id = $2`, parent, ids[m.MetricCode])
	}
	batch.Queue(`DELETE FROM metric_alias WHERE metric_id = ANY($1)`, metricIDs)
	for _, a := range aliases {
		id, ok := ids[a.MetricCode]
		if !ok {
			continue
		}
		batch.Queue(`INSERT INTO metric_alias (metric_id, alias_text, language, match_mode) VALUES ($1, $2, $3, $4)`,
			id, a.AliasText, a.Language, a.MatchMode)
	}
	batch.Queue(`
		INSERT INTO metric_dictionary_state (state_id, file_hash, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (state_id) DO UPDATE SET file_hash = EXCLUDED.file_hash, updated_at = EXCLUDED.updated_at`, hash)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return false, fmt.Errorf("failed to sync aliases: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit dictionary sync: %w", err)
	}
	return true, nil
}

// =============================================================================
// TRACES & CANDIDATES
// =============================================================================

func (r *PostgresRepository) InsertTraces(ctx context.Context, traces []models.SourceTrace) ([]int64, error) {
	if len(traces) == 0 {
		return nil, nil
	}
	batch := &pgx.Batch{}
	for _, t := range traces {
		batch.Queue(`
			INSERT INTO source_trace (report_id, source_table_id, source_row_id, source_page, raw_label, raw_value, column_label)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING trace_id`,
			t.ReportID, t.SourceTableID, t.SourceRowID, t.SourcePage, t.RawLabel, t.RawValue, t.ColumnLabel)
	}
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	ids := make([]int64, len(traces))
	for i := range traces {
		if err := br.QueryRow().Scan(&ids[i]); err != nil {
			return nil, fmt.Errorf("failed to insert trace %d: %w", i, err)
		}
	}
	return ids, nil
}

func (r *PostgresRepository) InsertCandidates(ctx context.Context, flows []models.FlowCandidate, stocks []models.StockCandidate) error {
	batch := &pgx.Batch{}
	for _, c := range flows {
		batch.Queue(`
			INSERT INTO financial_flow_candidate (
				report_id, version_id, metric_id, period_start_date, period_end_date, value, unit, currency,
				consolidation_scope, audit_flag, source_trace_id, quality_score, column_label
			) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12::numeric, $13)`,
			c.ReportID, c.VersionID, c.MetricID, c.PeriodStart, c.PeriodEnd, numericArg(c.Value), nullString(c.Unit),
			nullString(c.Currency), nullString(string(c.Scope)), nullString(c.AuditFlag), c.SourceTraceID,
			numericArg(c.QualityScore), nullString(c.ColumnLabel))
	}
	for _, c := range stocks {
		batch.Queue(`
			INSERT INTO financial_stock_candidate (
				report_id, version_id, metric_id, as_of_date, value, unit, currency,
				consolidation_scope, audit_flag, source_trace_id, quality_score, column_label
			) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11::numeric, $12)`,
			c.ReportID, c.VersionID, c.MetricID, c.AsOfDate, numericArg(c.Value), nullString(c.Unit),
			nullString(c.Currency), nullString(string(c.Scope)), nullString(c.AuditFlag), c.SourceTraceID,
			numericArg(c.QualityScore), nullString(c.ColumnLabel))
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert candidates: %w", err)
	}
	return nil
}

const candidateColumns = `
	c.candidate_id, c.report_id, c.version_id, c.metric_id, m.metric_code, c.value::text, c.unit, c.currency,
	c.consolidation_scope, c.audit_flag, c.source_trace_id, c.quality_score::text, c.column_label`

func (r *PostgresRepository) Candidates(ctx context.Context, reportID int64) ([]models.FlowCandidate, []models.StockCandidate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+candidateColumns+`, c.period_start_date, c.period_end_date
		FROM financial_flow_candidate c JOIN metric m ON m.metric_id = c.metric_id
		WHERE c.report_id = $1 ORDER BY c.candidate_id`, reportID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query flow candidates: %w", err)
	}
	var flows []models.FlowCandidate
	for rows.Next() {
		var c models.FlowCandidate
		var cs candidateScan
		if err := rows.Scan(append(cs.targets(&c.CandidateBase), &c.PeriodStart, &c.PeriodEnd)...); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("failed to scan flow candidate: %w", err)
		}
		if err := cs.apply(&c.CandidateBase); err != nil {
			rows.Close()
			return nil, nil, err
		}
		flows = append(flows, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read flow candidates: %w", err)
	}

	rows, err = r.pool.Query(ctx, `
		SELECT `+candidateColumns+`, c.as_of_date
		FROM financial_stock_candidate c JOIN metric m ON m.metric_id = c.metric_id
		WHERE c.report_id = $1 ORDER BY c.candidate_id`, reportID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query stock candidates: %w", err)
	}
	defer rows.Close()
	var stocks []models.StockCandidate
	for rows.Next() {
		var c models.StockCandidate
		var cs candidateScan
		if err := rows.Scan(append(cs.targets(&c.CandidateBase), &c.AsOfDate)...); err != nil {
			return nil, nil, fmt.Errorf("failed to scan stock candidate: %w", err)
		}
		if err := cs.apply(&c.CandidateBase); err != nil {
			return nil, nil, err
		}
		stocks = append(stocks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read stock candidates: %w", err)
	}
	return flows, stocks, nil
}

// candidateScan holds the nullable columns of a candidate row until they are converted.
type candidateScan struct {
	value, unit, currency, scope, audit, quality, column *string
}

func (s *candidateScan) targets(c *models.CandidateBase) []any {
	return []any{&c.CandidateID, &c.ReportID, &c.VersionID, &c.MetricID, &c.MetricCode, &s.value, &s.unit,
		&s.currency, &s.scope, &s.audit, &c.SourceTraceID, &s.quality, &s.column}
}

func (s *candidateScan) apply(c *models.CandidateBase) error {
	var err error
	if c.Value, err = parseNumeric(s.value); err != nil {
		return err
	}
	if c.QualityScore, err = parseNumeric(s.quality); err != nil {
		return err
	}
	c.Unit, c.Currency, c.AuditFlag, c.ColumnLabel = deref(s.unit), deref(s.currency), deref(s.audit), deref(s.column)
	c.Scope = models.ConsolidationScope(deref(s.scope))
	return nil
}

func (r *PostgresRepository) DeleteDerived(ctx context.Context, reportID int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin delete tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, q := range []string{
		`DELETE FROM financial_flow_fact WHERE report_id = $1 AND resolution_status IS DISTINCT FROM 'verified'`,
		`DELETE FROM financial_stock_fact WHERE report_id = $1 AND resolution_status IS DISTINCT FROM 'verified'`,
		`UPDATE financial_flow_fact SET selected_candidate_id = NULL, source_trace_id = NULL WHERE report_id = $1`,
		`UPDATE financial_stock_fact SET selected_candidate_id = NULL, source_trace_id = NULL WHERE report_id = $1`,
		`DELETE FROM financial_flow_candidate WHERE report_id = $1`,
		`DELETE FROM financial_stock_candidate WHERE report_id = $1`,
		`DELETE FROM source_trace WHERE report_id = $1`,
	} {
		if _, err := tx.Exec(ctx, q, reportID); err != nil {
			return fmt.Errorf("failed to delete derived rows for report %d: %w", reportID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// =============================================================================
// CANONICAL FACTS
// =============================================================================

func (r *PostgresRepository) ReplaceFacts(ctx context.Context, reportID int64, flows []models.FlowFact, stocks []models.StockFact) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin facts tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM financial_flow_fact WHERE report_id = $1 AND resolution_status IS DISTINCT FROM 'verified'`, reportID)
	batch.Queue(`DELETE FROM financial_stock_fact WHERE report_id = $1 AND resolution_status IS DISTINCT FROM 'verified'`, reportID)
	for i := range flows {
		queueFlowFact(batch, &flows[i])
	}
	for i := range stocks {
		queueStockFact(batch, &stocks[i])
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert_facts for report %d: %w", reportID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit facts: %w", err)
	}
	return nil
}

func queueFlowFact(b *pgx.Batch, f *models.FlowFact) {
	b.Queue(`
		INSERT INTO financial_flow_fact (
			report_id, metric_id, period_start_date, period_end_date, value, unit, currency,
			consolidation_scope, audit_flag, source_trace_id, quality_score, selected_candidate_id,
			resolution_status, resolution_method, reviewed_by, reviewed_at, review_notes, created_at
		) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11::numeric, $12, $13, $14, $15, $16, $17, $18)`,
		f.ReportID, f.MetricID, f.PeriodStart, f.PeriodEnd, numericArg(f.Value), nullString(f.Unit), nullString(f.Currency),
		nullString(string(f.Scope)), nullString(f.AuditFlag), f.SourceTraceID, numericArg(f.QualityScore), f.SelectedCandidateID,
		string(f.ResolutionStatus), string(f.ResolutionMethod), nullString(f.ReviewedBy), f.ReviewedAt, nullString(f.ReviewNotes), f.CreatedAt)
}

func queueStockFact(b *pgx.Batch, f *models.StockFact) {
	b.Queue(`
		INSERT INTO financial_stock_fact (
			report_id, metric_id, as_of_date, value, unit, currency,
			consolidation_scope, audit_flag, source_trace_id, quality_score, selected_candidate_id,
			resolution_status, resolution_method, reviewed_by, reviewed_at, review_notes, created_at
		) VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10::numeric, $11, $12, $13, $14, $15, $16, $17)`,
		f.ReportID, f.MetricID, f.AsOfDate, numericArg(f.Value), nullString(f.Unit), nullString(f.Currency),
		nullString(string(f.Scope)), nullString(f.AuditFlag), f.SourceTraceID, numericArg(f.QualityScore), f.SelectedCandidateID,
		string(f.ResolutionStatus), string(f.ResolutionMethod), nullString(f.ReviewedBy), f.ReviewedAt, nullString(f.ReviewNotes), f.CreatedAt)
}

const factColumns = `
	f.fact_id, f.report_id, f.metric_id, m.metric_code, f.value::text, f.unit, f.currency, f.consolidation_scope,
	f.audit_flag, f.source_trace_id, f.quality_score::text, f.selected_candidate_id, f.resolution_status,
	f.resolution_method, f.reviewed_by, f.reviewed_at, f.review_notes, f.created_at`

// factScan holds the nullable columns of a fact row until they are converted.
type factScan struct {
	value, unit, currency, scope, audit, quality, status, method, reviewer, notes *string
}

func (s *factScan) targets(f *models.FactBase) []any {
	return []any{&f.FactID, &f.ReportID, &f.MetricID, &f.MetricCode, &s.value, &s.unit, &s.currency, &s.scope,
		&s.audit, &f.SourceTraceID, &s.quality, &f.SelectedCandidateID, &s.status,
		&s.method, &s.reviewer, &f.ReviewedAt, &s.notes, &f.CreatedAt}
}

func (s *factScan) apply(f *models.FactBase) error {
	var err error
	if f.Value, err = parseNumeric(s.value); err != nil {
		return err
	}
	if f.QualityScore, err = parseNumeric(s.quality); err != nil {
		return err
	}
	f.Unit, f.Currency, f.AuditFlag = deref(s.unit), deref(s.currency), deref(s.audit)
	f.Scope = models.ConsolidationScope(deref(s.scope))
	f.ResolutionStatus = models.ResolutionStatus(deref(s.status))
	f.ResolutionMethod = models.ResolutionMethod(deref(s.method))
	f.ReviewedBy, f.ReviewNotes = deref(s.reviewer), deref(s.notes)
	return nil
}

func (r *PostgresRepository) Facts(ctx context.Context, reportID int64) ([]models.FlowFact, []models.StockFact, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+factColumns+`, f.period_start_date, f.period_end_date
		FROM financial_flow_fact f JOIN metric m ON m.metric_id = f.metric_id
		WHERE f.report_id = $1 ORDER BY m.metric_code, f.period_end_date, f.fact_id`, reportID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query flow facts: %w", err)
	}
	var flows []models.FlowFact
	for rows.Next() {
		var f models.FlowFact
		var fs factScan
		if err := rows.Scan(append(fs.targets(&f.FactBase), &f.PeriodStart, &f.PeriodEnd)...); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("failed to scan flow fact: %w", err)
		}
		if err := fs.apply(&f.FactBase); err != nil {
			rows.Close()
			return nil, nil, err
		}
		flows = append(flows, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read flow facts: %w", err)
	}

	rows, err = r.pool.Query(ctx, `
		SELECT `+factColumns+`, f.as_of_date
		FROM financial_stock_fact f JOIN metric m ON m.metric_id = f.metric_id
		WHERE f.report_id = $1 ORDER BY m.metric_code, f.as_of_date, f.fact_id`, reportID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query stock facts: %w", err)
	}
	defer rows.Close()
	var stocks []models.StockFact
	for rows.Next() {
		var f models.StockFact
		var fs factScan
		if err := rows.Scan(append(fs.targets(&f.FactBase), &f.AsOfDate)...); err != nil {
			return nil, nil, fmt.Errorf("failed to scan stock fact: %w", err)
		}
		if err := fs.apply(&f.FactBase); err != nil {
			return nil, nil, err
		}
		stocks = append(stocks, f)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read stock facts: %w", err)
	}
	return flows, stocks, nil
}

// UpsertOverrides updates the fact matching each override's natural key, or inserts it.
// Unit, currency and audit flag keep their stored values when the override leaves them empty.
func (r *PostgresRepository) UpsertOverrides(ctx context.Context, flows []models.FlowFact, stocks []models.StockFact) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin overrides tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := range flows {
		f := &flows[i]
		tag, err := tx.Exec(ctx, `
			UPDATE financial_flow_fact
			SET value = $6::numeric, unit = COALESCE($7, unit), currency = COALESCE($8, currency),
				audit_flag = COALESCE($9, audit_flag), selected_candidate_id = NULL,
				resolution_status = $10, resolution_method = $11,
				reviewed_by = $12, reviewed_at = $13, review_notes = $14
			WHERE report_id = $1 AND metric_id = $2
				AND period_start_date IS NOT DISTINCT FROM $3
				AND period_end_date IS NOT DISTINCT FROM $4
				AND consolidation_scope IS NOT DISTINCT FROM $5`,
			f.ReportID, f.MetricID, f.PeriodStart, f.PeriodEnd, nullString(string(f.Scope)),
			numericArg(f.Value), nullString(f.Unit), nullString(f.Currency), nullString(f.AuditFlag),
			string(f.ResolutionStatus), string(f.ResolutionMethod), nullString(f.ReviewedBy), f.ReviewedAt, nullString(f.ReviewNotes))
		if err != nil {
			return fmt.Errorf("failed to update flow override %s: %w", f.MetricCode, err)
		}
		if tag.RowsAffected() > 0 {
			continue
		}
		b := &pgx.Batch{}
		queueFlowFact(b, f)
		if err := tx.SendBatch(ctx, b).Close(); err != nil {
			return fmt.Errorf("failed to insert flow override %s: %w", f.MetricCode, err)
		}
	}

	for i := range stocks {
		f := &stocks[i]
		tag, err := tx.Exec(ctx, `
			UPDATE financial_stock_fact
			SET value = $5::numeric, unit = COALESCE($6, unit), currency = COALESCE($7, currency),
				audit_flag = COALESCE($8, audit_flag), selected_candidate_id = NULL,
				resolution_status = $9, resolution_method = $10,
				reviewed_by = $11, reviewed_at = $12, review_notes = $13
			WHERE report_id = $1 AND metric_id = $2
				AND as_of_date IS NOT DISTINCT FROM $3
				AND consolidation_scope IS NOT DISTINCT FROM $4`,
			f.ReportID, f.MetricID, f.AsOfDate, nullString(string(f.Scope)),
			numericArg(f.Value), nullString(f.Unit), nullString(f.Currency), nullString(f.AuditFlag),
			string(f.ResolutionStatus), string(f.ResolutionMethod), nullString(f.ReviewedBy), f.ReviewedAt, nullString(f.ReviewNotes))
		if err != nil {
			return fmt.Errorf("failed to update stock override %s: %w", f.MetricCode, err)
		}
		if tag.RowsAffected() > 0 {
			continue
		}
		b := &pgx.Batch{}
		queueStockFact(b, f)
		if err := tx.SendBatch(ctx, b).Close(); err != nil {
			return fmt.Errorf("failed to insert stock override %s: %w", f.MetricCode, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit overrides: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullInt(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// numericArg renders a decimal as text for a ::numeric placeholder.
func numericArg(v decimal.NullDecimal) *string {
	if !v.Valid {
		return nil
	}
	s := v.Decimal.String()
	return &s
}

func parseNumeric(s *string) (decimal.NullDecimal, error) {
	if s == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("failed to parse numeric %q: %w", *s, err)
	}
	return decimal.NewNullDecimal(d), nil
}

func marshalSummary(summary map[string]any) ([]byte, error) {
	if summary == nil {
		return nil, nil
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal version summary: %w", err)
	}
	return data, nil
}
