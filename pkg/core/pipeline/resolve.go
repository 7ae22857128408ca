package pipeline

import (
	"context"
	"fmt"
	"log"

	"github.com/shopspring/decimal"

	"finreport_facts/pkg/core/config"
	"finreport_facts/pkg/core/consensus"
	"finreport_facts/pkg/core/validate"
	"finreport_facts/pkg/models"
)

// ConsensusMethod is the parse method recorded on resolution versions.
const ConsensusMethod = "consensus"

// ResolveOptions controls a resolution run.
type ResolveOptions struct {
	MinAgree  int
	Tolerance decimal.Decimal
	Checks    validate.Tolerances
	// NoReplace keeps existing unverified facts and only fills groups that have none.
	NoReplace bool
	// DryRun computes facts and checks without writing facts.
	DryRun bool
}

// DefaultResolveOptions mirrors consensus.DefaultOptions and validate.DefaultTolerances.
func DefaultResolveOptions() ResolveOptions {
	d := consensus.DefaultOptions()
	return ResolveOptions{
		MinAgree:  d.MinAgree,
		Tolerance: d.Tolerance,
		Checks:    validate.DefaultTolerances(),
	}
}

// ResolveOptionsFrom converts the resolve section of the configuration.
func ResolveOptionsFrom(c config.ResolveConfig) ResolveOptions {
	return ResolveOptions{
		MinAgree:  c.MinAgree,
		Tolerance: c.ToleranceDecimal(),
		Checks: validate.Tolerances{
			Abs: c.AbsTolDecimal(),
			Rel: c.RelTolDecimal(),
		},
	}
}

// ResolveSummary is stored on the consensus version and printed by the commands.
type ResolveSummary struct {
	ReportID          int64               `json:"report_id"`
	VersionID         int64               `json:"version_id"`
	FlowCandidates    int                 `json:"flow_candidates"`
	StockCandidates   int                 `json:"stock_candidates"`
	FlowFacts         int                 `json:"flow_facts"`
	StockFacts        int                 `json:"stock_facts"`
	NeedsReview       int                 `json:"needs_review"`
	Protected         int                 `json:"protected"`
	MinAgree          int                 `json:"min_agree"`
	DryRun            bool                `json:"dry_run"`
	ConsistencyChecks []models.Diagnostic `json:"consistency_checks"`
	FailedChecks      int                 `json:"failed_checks"`
}

func (s *ResolveSummary) toMap() map[string]any {
	return map[string]any{
		"report_id":          s.ReportID,
		"flow_candidates":    s.FlowCandidates,
		"stock_candidates":   s.StockCandidates,
		"flow_facts":         s.FlowFacts,
		"stock_facts":        s.StockFacts,
		"needs_review":       s.NeedsReview,
		"protected":          s.Protected,
		"min_agree":          s.MinAgree,
		"dry_run":            s.DryRun,
		"consistency_checks": s.ConsistencyChecks,
		"failed_checks":      s.FailedChecks,
	}
}

// ResolveReport regenerates a report's canonical facts from its candidates, leaving
// verified facts untouched, then runs the consistency checks over the result.
// The run is recorded as a version with parse method "consensus".
func (o *Orchestrator) ResolveReport(ctx context.Context, reportID int64, opts ResolveOptions) (*ResolveSummary, error) {
	if _, err := o.repo.Report(ctx, reportID); err != nil {
		return nil, fmt.Errorf("failed to load report %d: %w", reportID, err)
	}
	versionID, err := o.repo.StartVersion(ctx, reportID, ConsensusMethod, o.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to start consensus version: %w", err)
	}

	summary, err := o.resolve(ctx, reportID, opts)
	if err != nil {
		if finErr := o.repo.FinishVersion(ctx, versionID, models.VersionFailed, nil); finErr != nil {
			log.Printf("[Pipeline] could not fail version %d: %v", versionID, finErr)
		}
		return nil, err
	}
	summary.VersionID = versionID

	if err := o.repo.FinishVersion(ctx, versionID, models.VersionReady, summary.toMap()); err != nil {
		return nil, fmt.Errorf("failed to finish consensus version: %w", err)
	}
	log.Printf("[Pipeline] report %d resolved: %d flow and %d stock facts, %d need review, %d of %d checks failed",
		reportID, summary.FlowFacts, summary.StockFacts, summary.NeedsReview, summary.FailedChecks, len(summary.ConsistencyChecks))
	return summary, nil
}

func (o *Orchestrator) resolve(ctx context.Context, reportID int64, opts ResolveOptions) (*ResolveSummary, error) {
	flowCands, stockCands, err := o.repo.Candidates(ctx, reportID)
	if err != nil {
		return nil, fmt.Errorf("failed to load candidates: %w", err)
	}
	existingFlows, existingStocks, err := o.repo.Facts(ctx, reportID)
	if err != nil {
		return nil, fmt.Errorf("failed to load facts: %w", err)
	}

	protected := consensus.ProtectedKeys(existingFlows, existingStocks)
	var keptFlows []models.FlowFact
	var keptStocks []models.StockFact
	if opts.NoReplace {
		for i := range existingFlows {
			if f := existingFlows[i]; f.ResolutionStatus != models.ResolutionVerified {
				protected[f.OverrideKey()] = true
				f.FactID = 0
				keptFlows = append(keptFlows, f)
			}
		}
		for i := range existingStocks {
			if f := existingStocks[i]; f.ResolutionStatus != models.ResolutionVerified {
				protected[f.OverrideKey()] = true
				f.FactID = 0
				keptStocks = append(keptStocks, f)
			}
		}
	}

	res := consensus.Resolve(reportID, flowCands, stockCands, consensus.Options{
		MinAgree:  opts.MinAgree,
		Tolerance: opts.Tolerance,
		Protected: protected,
		Now:       o.now,
	})
	flows := append(keptFlows, res.Flows...)
	stocks := append(keptStocks, res.Stocks...)

	summary := &ResolveSummary{
		ReportID:        reportID,
		FlowCandidates:  len(flowCands),
		StockCandidates: len(stockCands),
		FlowFacts:       len(res.Flows),
		StockFacts:      len(res.Stocks),
		Protected:       res.Protected,
		MinAgree:        max(opts.MinAgree, 1),
		DryRun:          opts.DryRun,
	}
	for i := range res.Flows {
		if res.Flows[i].ResolutionStatus == models.ResolutionNeedsReview {
			summary.NeedsReview++
		}
	}
	for i := range res.Stocks {
		if res.Stocks[i].ResolutionStatus == models.ResolutionNeedsReview {
			summary.NeedsReview++
		}
	}

	if !opts.DryRun {
		if err := o.repo.ReplaceFacts(ctx, reportID, flows, stocks); err != nil {
			return nil, fmt.Errorf("failed to write facts: %w", err)
		}
	}

	// Checks see the same canonical set a reader of the report would.
	checkFlows, checkStocks := flows, stocks
	for i := range existingFlows {
		if existingFlows[i].ResolutionStatus == models.ResolutionVerified {
			checkFlows = append(checkFlows, existingFlows[i])
		}
	}
	for i := range existingStocks {
		if existingStocks[i].ResolutionStatus == models.ResolutionVerified {
			checkStocks = append(checkStocks, existingStocks[i])
		}
	}
	checks := opts.Checks
	if checks.Abs.IsZero() && checks.Rel.IsZero() {
		checks = validate.DefaultTolerances()
	}
	summary.ConsistencyChecks = validate.Check(checkFlows, checkStocks, checks)
	if summary.ConsistencyChecks == nil {
		summary.ConsistencyChecks = []models.Diagnostic{}
	}
	summary.FailedChecks = validate.Failed(summary.ConsistencyChecks)
	return summary, nil
}
