// Command apply_manual writes reviewer overrides from a CSV, JSON or XLSX file as
// verified facts. Verified facts survive every later resolution run.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"finreport_facts/pkg/core/config"
	"finreport_facts/pkg/core/review"
	"finreport_facts/pkg/core/store"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "YAML config file")
	input := flag.String("input", "", "CSV, JSON or XLSX file with manual facts")
	reportID := flag.Int64("report-id", 0, "report id for rows that carry none")
	reviewedBy := flag.String("reviewed-by", "", "reviewer for rows that name none")
	snapshot := flag.String("snapshot", "", "apply to a dry-run snapshot instead of the database")
	flag.Parse()

	if *input == "" {
		fmt.Fprintln(os.Stderr, "usage: apply_manual -input <file> [-report-id N] [-reviewed-by NAME]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	ctx := context.Background()
	repo, closeRepo, err := store.Open(ctx, cfg.StoreOptions(*snapshot != "", *snapshot))
	if err != nil {
		log.Fatalf("Storage error: %v", err)
	}

	res, err := review.ApplyFile(ctx, repo, *input, review.Defaults{
		ReportID:   *reportID,
		ReviewedBy: *reviewedBy,
	}, time.Now())
	if err != nil {
		closeRepo()
		log.Fatalf("Error: %v", err)
	}
	if err := closeRepo(); err != nil {
		log.Fatalf("Error: %v", err)
	}

	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))
}
