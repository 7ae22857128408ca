// Command ingest runs one or more extraction engines over financial report documents,
// then resolves the candidates into canonical facts.
//
//	go run ./cmd/ingest -engines contentlist,markdown -min-agree 2 data/report_dir
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/shopspring/decimal"

	"finreport_facts/pkg/core/config"
	"finreport_facts/pkg/core/dictionary"
	"finreport_facts/pkg/core/ingest"
	"finreport_facts/pkg/core/pages"
	"finreport_facts/pkg/core/pipeline"
	"finreport_facts/pkg/core/store"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "YAML config file")
	engines := flag.String("engines", "", "comma separated engines: contentlist, markdown, html, text, auto")
	minAgree := flag.Int("min-agree", 0, "distinct engine runs a value needs to resolve automatically")
	tolerance := flag.String("tolerance", "", "value tolerance used to compare engines, e.g. 0.01")
	absTol := flag.String("abs-tol", "", "absolute tolerance of the consistency checks")
	relTol := flag.String("rel-tol", "", "relative tolerance of the consistency checks")
	retries := flag.Int("engine-retries", -1, "attempts per engine")
	retryDelay := flag.Duration("retry-delay", -1, "delay between attempts")
	concurrency := flag.Int("concurrency", 0, "documents processed in parallel")
	dryRun := flag.Bool("dry-run", false, "write to an in-memory store saved as a JSON snapshot")
	snapshot := flag.String("snapshot", "", "snapshot file used by -dry-run")
	recompute := flag.Bool("recompute", false, "drop existing candidates before the first engine")
	writePages := flag.Bool("write-pages", false, "let later engines rewrite page text")
	noResolve := flag.Bool("no-resolve", false, "skip consensus resolution")
	noReplace := flag.Bool("no-replace", false, "keep existing unverified facts")
	flag.Parse()

	paths := flag.Args()
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "usage: ingest [flags] <path> [path...]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	opts := pipeline.Options{
		Engines:    cfg.Engines,
		Retries:    cfg.EngineRetries,
		Recompute:  *recompute,
		WritePages: cfg.WritePages || *writePages,
		NoResolve:  *noResolve,
		Resolve:    pipeline.ResolveOptionsFrom(cfg.Resolve),
	}
	if opts.RetryDelay, err = cfg.RetryDelayDuration(); err != nil {
		log.Fatalf("Config error: %v", err)
	}
	if set["engines"] {
		opts.Engines = config.SplitList(*engines)
	}
	if set["engine-retries"] {
		opts.Retries = *retries
	}
	if set["retry-delay"] {
		opts.RetryDelay = max(*retryDelay, time.Duration(0))
	}
	if set["min-agree"] {
		opts.Resolve.MinAgree = *minAgree
	}
	if set["tolerance"] {
		opts.Resolve.Tolerance = decimalFlag("tolerance", *tolerance)
	}
	if set["abs-tol"] {
		opts.Resolve.Checks.Abs = decimalFlag("abs-tol", *absTol)
	}
	if set["rel-tol"] {
		opts.Resolve.Checks.Rel = decimalFlag("rel-tol", *relTol)
	}
	opts.Resolve.NoReplace = *noReplace
	if set["concurrency"] {
		cfg.Concurrency = *concurrency
	}
	if set["snapshot"] {
		cfg.SnapshotPath = *snapshot
	}
	if len(opts.Engines) == 0 {
		log.Fatal("Error: no engines given.")
	}
	if opts.Resolve.MinAgree > len(opts.Engines) {
		log.Printf("Warning: min-agree %d exceeds the %d engines, every fact will need review", opts.Resolve.MinAgree, len(opts.Engines))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	dict, err := dictionary.Load(cfg.DictionaryPath)
	if err != nil {
		log.Fatalf("Dictionary error: %v", err)
	}
	rules, err := dictionary.LoadBackgroundRules(cfg.BackgroundRulesPath)
	if err != nil {
		log.Fatalf("Background rules error: %v", err)
	}

	repo, closeRepo, err := store.Open(ctx, cfg.StoreOptions(*dryRun, cfg.SnapshotPath))
	if err != nil {
		log.Fatalf("Storage error: %v", err)
	}

	ingestor := ingest.New(repo, pages.NewFileSource(rules), dict, rules)
	orch := pipeline.NewOrchestrator(ingestor, repo)

	fmt.Printf("Ingesting %d document(s) with engines %v\n", len(paths), opts.Engines)
	summaries, runErr := orch.RunBatch(ctx, paths, opts, cfg.Concurrency)

	if err := closeRepo(); err != nil {
		log.Printf("Warning: %v", err)
	}

	out, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		log.Fatalf("Failed to marshal summary: %v", err)
	}
	fmt.Println(string(out))

	if runErr != nil {
		if errors.Is(runErr, pipeline.ErrNoEngineSucceeded) {
			log.Printf("No engines succeeded for at least one document.")
		}
		log.Printf("Error: %v", runErr)
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
