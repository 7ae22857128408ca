package store

import (
	"context"
	"errors"
	"time"

	"finreport_facts/pkg/models"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// TableRef holds the ids assigned to one persisted table, indexed like the table itself.
type TableRef struct {
	TableID   int64
	ColumnIDs []int64
	RowIDs    []int64
}

// Repository is everything ingestion, resolution and review read from or write to storage.
type Repository interface {
	ReportByHash(ctx context.Context, hash string) (*models.Report, error)
	Report(ctx context.Context, reportID int64) (*models.Report, error)
	InsertReport(ctx context.Context, r *models.Report) (int64, error)

	StartVersion(ctx context.Context, reportID int64, parseMethod string, startedAt time.Time) (int64, error)
	// RecordVersion writes an already finished version, such as a skipped duplicate.
	RecordVersion(ctx context.Context, v *models.ReportVersion) (int64, error)
	FinishVersion(ctx context.Context, versionID int64, status models.VersionStatus, summary map[string]any) error
	Versions(ctx context.Context, reportID int64) ([]models.ReportVersion, error)
	RecordIngestError(ctx context.Context, e models.IngestError) error

	InsertPages(ctx context.Context, reportID int64, pages []models.PageContent) error
	InsertTables(ctx context.Context, reportID int64, tables []models.TableBlock) ([]TableRef, error)
	// InsertCells writes every non-empty cell and returns how many were written.
	InsertCells(ctx context.Context, tables []models.TableBlock, refs []TableRef) (int, error)

	// EnsureMetrics inserts metrics whose code is unknown and returns ids for all of them.
	EnsureMetrics(ctx context.Context, metrics []models.Metric) (map[string]int64, error)
	MetricIDs(ctx context.Context, codes []string) (map[string]int64, error)
	// SyncDictionary upserts metrics, parents and aliases unless the stored hash matches.
	// It reports whether a sync happened.
	SyncDictionary(ctx context.Context, metrics []models.Metric, aliases []models.MetricAlias, hash string, force bool) (bool, error)

	InsertTraces(ctx context.Context, traces []models.SourceTrace) ([]int64, error)
	InsertCandidates(ctx context.Context, flows []models.FlowCandidate, stocks []models.StockCandidate) error
	Candidates(ctx context.Context, reportID int64) ([]models.FlowCandidate, []models.StockCandidate, error)
	// DeleteDerived drops a report's candidates, traces and unverified facts.
	DeleteDerived(ctx context.Context, reportID int64) error

	// ReplaceFacts atomically swaps a report's unverified canonical facts for the given ones.
	ReplaceFacts(ctx context.Context, reportID int64, flows []models.FlowFact, stocks []models.StockFact) error
	Facts(ctx context.Context, reportID int64) ([]models.FlowFact, []models.StockFact, error)
	// UpsertOverrides writes verified facts keyed by report, metric, period and scope.
	UpsertOverrides(ctx context.Context, flows []models.FlowFact, stocks []models.StockFact) error

	Close()
}

var (
	_ Repository = (*PostgresRepository)(nil)
	_ Repository = (*MemoryRepository)(nil)
)
