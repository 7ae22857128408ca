// Package pipeline runs several extraction engines over a document, then resolves their
// candidates into canonical facts and checks them for consistency.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"finreport_facts/pkg/core/ingest"
	"finreport_facts/pkg/core/store"
)

// ErrNoEngineSucceeded is returned when every engine failed for a document.
var ErrNoEngineSucceeded = errors.New("no engines succeeded")

// Ingester runs one engine over one document.
type Ingester interface {
	Ingest(ctx context.Context, path string, opts ingest.Options) (*ingest.Result, error)
}

// Options controls a multi-engine run.
type Options struct {
	// Engines run in order. The first creates the report, later ones append candidates.
	Engines []string
	// Retries is the number of attempts per engine; values below 1 mean one attempt.
	Retries    int
	RetryDelay time.Duration
	// Recompute drops existing candidates before the first engine writes its own.
	Recompute bool
	// WritePages lets later engines rewrite page text.
	WritePages bool
	NoResolve  bool
	Resolve    ResolveOptions
}

// EngineOutcome is what one engine did for one document.
type EngineOutcome struct {
	Engine   string         `json:"engine"`
	Attempts int            `json:"attempts"`
	Result   *ingest.Result `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Summary describes a multi-engine run over one document.
type Summary struct {
	Path       string          `json:"path"`
	ReportID   int64           `json:"report_id,omitempty"`
	Engines    []EngineOutcome `json:"engines"`
	Resolution *ResolveSummary `json:"resolution,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Orchestrator isolates engine failures: an engine that keeps failing is logged and the
// next one runs.
type Orchestrator struct {
	ingester Ingester
	repo     store.Repository
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

// NewOrchestrator builds an orchestrator over an ingester and the repository it writes to.
func NewOrchestrator(ingester Ingester, repo store.Repository) *Orchestrator {
	return &Orchestrator{
		ingester: ingester,
		repo:     repo,
		sleep:    sleepContext,
		now:      time.Now,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run ingests path with every engine, then resolves the report unless NoResolve is set.
// It returns ErrNoEngineSucceeded when no engine produced a report.
func (o *Orchestrator) Run(ctx context.Context, path string, opts Options) (*Summary, error) {
	engines := opts.Engines
	if len(engines) == 0 {
		engines = []string{"auto"}
	}
	attempts := max(opts.Retries, 1)
	recompute := opts.Recompute

	summary := &Summary{Path: path}
	for idx, engine := range engines {
		outcome := EngineOutcome{Engine: engine}
		for attempt := 1; attempt <= attempts; attempt++ {
			outcome.Attempts = attempt
			res, err := o.ingester.Ingest(ctx, path, ingest.Options{
				Engine:              engine,
				ParseMethodOverride: engine,
				AllowExisting:       idx > 0,
				Recompute:           recompute && idx == 0,
				WritePages:          opts.WritePages && idx > 0,
			})
			if err == nil {
				outcome.Result, outcome.Error = res, ""
				summary.ReportID = res.ReportID
				recompute = false
				break
			}
			outcome.Error = err.Error()
			if ctx.Err() != nil {
				summary.Engines = append(summary.Engines, outcome)
				return summary, ctx.Err()
			}
			if attempt < attempts {
				log.Printf("[Pipeline] engine %s attempt %d failed: %v; retrying", engine, attempt, err)
				if err := o.sleep(ctx, opts.RetryDelay); err != nil {
					summary.Engines = append(summary.Engines, outcome)
					return summary, err
				}
			} else {
				log.Printf("[Pipeline] engine %s failed: %v", engine, err)
			}
		}
		summary.Engines = append(summary.Engines, outcome)
	}

	if summary.ReportID == 0 {
		summary.Error = ErrNoEngineSucceeded.Error()
		return summary, fmt.Errorf("%s: %w", path, ErrNoEngineSucceeded)
	}
	if opts.NoResolve {
		return summary, nil
	}

	resolution, err := o.ResolveReport(ctx, summary.ReportID, opts.Resolve)
	if err != nil {
		summary.Error = err.Error()
		return summary, err
	}
	summary.Resolution = resolution
	return summary, nil
}

// RunBatch processes documents independently with at most concurrency in flight.
// Every document gets a summary; the error joins the failures of all documents.
func (o *Orchestrator) RunBatch(ctx context.Context, paths []string, opts Options, concurrency int) ([]*Summary, error) {
	summaries := make([]*Summary, len(paths))
	errs := make([]error, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))
	for i, path := range paths {
		g.Go(func() error {
			s, err := o.Run(gctx, path, opts)
			if s == nil {
				s = &Summary{Path: path}
			}
			if err != nil && s.Error == "" {
				s.Error = err.Error()
			}
			summaries[i], errs[i] = s, err
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	if failed > 0 {
		log.Printf("[Pipeline] %d of %d documents failed", failed, len(paths))
	}
	return summaries, errors.Join(errs...)
}
