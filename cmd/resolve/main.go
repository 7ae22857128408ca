// Command resolve re-runs consensus and the consistency checks for stored reports.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/shopspring/decimal"

	"finreport_facts/pkg/core/config"
	"finreport_facts/pkg/core/pipeline"
	"finreport_facts/pkg/core/store"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "YAML config file")
	minAgree := flag.Int("min-agree", 0, "distinct engine runs a value needs to resolve automatically")
	tolerance := flag.String("tolerance", "", "value tolerance used to compare engines, e.g. 0.01")
	absTol := flag.String("abs-tol", "", "absolute tolerance of the consistency checks")
	relTol := flag.String("rel-tol", "", "relative tolerance of the consistency checks")
	noReplace := flag.Bool("no-replace", false, "keep existing unverified facts")
	dryRun := flag.Bool("dry-run", false, "compute facts without writing them")
	snapshot := flag.String("snapshot", "", "resolve against a dry-run snapshot instead of the database")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: resolve [flags] <report_id> [report_id...]")
		flag.PrintDefaults()
		os.Exit(2)
	}
	var reportIDs []int64
	for _, arg := range flag.Args() {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			log.Fatalf("Error: invalid report id %q", arg)
		}
		reportIDs = append(reportIDs, id)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	opts := pipeline.ResolveOptionsFrom(cfg.Resolve)
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "min-agree":
			opts.MinAgree = *minAgree
		case "tolerance":
			opts.Tolerance = decimalFlag("tolerance", *tolerance)
		case "abs-tol":
			opts.Checks.Abs = decimalFlag("abs-tol", *absTol)
		case "rel-tol":
			opts.Checks.Rel = decimalFlag("rel-tol", *relTol)
		}
	})
	opts.NoReplace = *noReplace
	opts.DryRun = *dryRun

	ctx := context.Background()
	repo, closeRepo, err := store.Open(ctx, cfg.StoreOptions(*snapshot != "", *snapshot))
	if err != nil {
		log.Fatalf("Storage error: %v", err)
	}
	defer func() {
		if err := closeRepo(); err != nil {
			log.Printf("Warning: %v", err)
		}
	}()

	orch := pipeline.NewOrchestrator(nil, repo)
	var summaries []*pipeline.ResolveSummary
	failed := false
	for _, id := range reportIDs {
		s, err := orch.ResolveReport(ctx, id, opts)
		if err != nil {
			log.Printf("Error resolving report %d: %v", id, err)
			failed = true
			continue
		}
		summaries = append(summaries, s)
	}

	out, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		log.Fatalf("Failed to marshal summary: %v", err)
	}
	fmt.Println(string(out))
	if failed {
		closeRepo()
		os.Exit(1)
	}
}

func decimalFlag(name, value string) decimal.Decimal {
	d, err := config.ParseDecimal(name, value)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	return d
}
