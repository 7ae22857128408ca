// Command sync_dictionary loads the metric dictionary into the metric and metric_alias
// tables. The sync is skipped when the dictionary hash matches the stored one.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"finreport_facts/pkg/core/config"
	"finreport_facts/pkg/core/dictionary"
	"finreport_facts/pkg/core/store"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "YAML config file")
	path := flag.String("dictionary", "", "dictionary JSON file (default: config or built-in)")
	force := flag.Bool("force", false, "sync even if the dictionary is unchanged")
	snapshot := flag.String("snapshot", "", "sync into a dry-run snapshot instead of the database")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	if *path == "" {
		*path = cfg.DictionaryPath
	}

	dict, err := dictionary.Load(*path)
	if err != nil {
		log.Fatalf("Dictionary error: %v", err)
	}
	source := *path
	if source == "" {
		source = "built-in dictionary"
	}

	ctx := context.Background()
	repo, closeRepo, err := store.Open(ctx, cfg.StoreOptions(*snapshot != "", *snapshot))
	if err != nil {
		log.Fatalf("Storage error: %v", err)
	}

	synced, err := repo.SyncDictionary(ctx, dict.Metrics(), dict.Aliases(), dict.Hash(), *force)
	if err != nil {
		closeRepo()
		log.Fatalf("Sync failed: %v", err)
	}
	if err := closeRepo(); err != nil {
		log.Fatalf("Error: %v", err)
	}

	if !synced {
		fmt.Println("Dictionary unchanged; skipping sync.")
		return
	}
	fmt.Printf("Synced %d metrics and %d aliases from %s\n", dict.Len(), len(dict.Aliases()), source)
}
