// Command export_review writes a report's canonical facts and consistency checks to an
// XLSX workbook. The facts sheet can be edited and fed back to apply_manual.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"finreport_facts/pkg/core/config"
	"finreport_facts/pkg/core/dictionary"
	"finreport_facts/pkg/core/review"
	"finreport_facts/pkg/core/store"
	"finreport_facts/pkg/core/validate"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "YAML config file")
	output := flag.String("output", "", "workbook path (default: review_<report_id>.xlsx)")
	snapshot := flag.String("snapshot", "", "export from a dry-run snapshot instead of the database")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: export_review [flags] <report_id>")
		flag.PrintDefaults()
		os.Exit(2)
	}
	reportID, err := strconv.ParseInt(flag.Arg(0), 10, 64)
	if err != nil {
		log.Fatalf("Error: invalid report id %q", flag.Arg(0))
	}
	if *output == "" {
		*output = fmt.Sprintf("review_%d.xlsx", reportID)
	}
	if dir := filepath.Dir(*output); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("Error: %v", err)
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	dict, err := dictionary.Load(cfg.DictionaryPath)
	if err != nil {
		log.Fatalf("Dictionary error: %v", err)
	}

	ctx := context.Background()
	repo, closeRepo, err := store.Open(ctx, cfg.StoreOptions(*snapshot != "", *snapshot))
	if err != nil {
		log.Fatalf("Storage error: %v", err)
	}
	defer closeRepo()

	tol := validate.Tolerances{
		Abs: cfg.Resolve.AbsTolDecimal(),
		Rel: cfg.Resolve.RelTolDecimal(),
	}
	n, err := review.NewExporter(dict).ExportReport(ctx, repo, reportID, tol, *output)
	if err != nil {
		closeRepo()
		log.Fatalf("Export failed: %v", err)
	}
	fmt.Printf("Wrote %d facts for report %d to %s\n", n, reportID, *output)
}
