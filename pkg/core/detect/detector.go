// Package detect finds financial statement tables in extracted page content.
//
// Two strategies run in priority order and the first one that yields any table wins for
// the whole document:
//  1. embedded HTML tables in the page markdown
//  2. a line scanner over the raw page text
//
// Detection never fails: malformed input produces fewer tables, not errors.
package detect

import (
	"log"
	"strings"
	"time"

	"finreport_facts/pkg/core/dictionary"
	"finreport_facts/pkg/models"
)

// StatementInferrer votes a dictionary statement from row labels.
type StatementInferrer interface {
	InferStatement(labels []string) models.MetricStatement
}

// Strategy turns a document's pages into table blocks.
type Strategy struct {
	Name string
	Run  func(pages []models.PageContent) []models.TableBlock
}

// Detector is immutable after construction and safe for concurrent use.
type Detector struct {
	inferrer   StatementInferrer
	rules      *dictionary.BackgroundRules
	strategies []Strategy
}

// New builds a detector. A nil rules value disables statement-code lookup.
func New(inferrer StatementInferrer, rules *dictionary.BackgroundRules) *Detector {
	if rules == nil {
		rules = dictionary.EmptyRules()
	}
	d := &Detector{inferrer: inferrer, rules: rules}
	d.strategies = []Strategy{
		{Name: "markup", Run: d.detectMarkup},
		{Name: "linescan", Run: d.scanLines},
	}
	return d
}

// Detect returns the tables found by the first strategy that finds any.
func (d *Detector) Detect(pages []models.PageContent) []models.TableBlock {
	name, blocks := FirstSuccess(d.strategies, pages)
	if len(blocks) == 0 {
		log.Printf("[Detector] no tables found in %d pages", len(pages))
		return nil
	}
	log.Printf("[Detector] %s strategy found %d tables", name, len(blocks))
	return blocks
}

// FirstSuccess runs strategies in order and returns the first non-empty result.
func FirstSuccess(strategies []Strategy, pages []models.PageContent) (string, []models.TableBlock) {
	for _, s := range strategies {
		if blocks := s.Run(pages); len(blocks) > 0 {
			return s.Name, blocks
		}
	}
	return "", nil
}

func (d *Detector) detectMarkup(pages []models.PageContent) []models.TableBlock {
	var blocks []models.TableBlock
	for _, p := range pages {
		if !strings.Contains(strings.ToLower(p.TextMD), "<table") {
			continue
		}
		blocks = append(blocks, d.parseMarkupTables(p.TextMD, p.Page)...)
	}
	return blocks
}

// inferStatement falls back to a majority vote over row labels.
func (d *Detector) inferStatement(rows []models.TableRow) models.StatementType {
	if d.inferrer == nil {
		return models.StatementNone
	}
	labels := make([]string, 0, len(rows))
	for _, r := range rows {
		labels = append(labels, r.Label)
	}
	return d.inferrer.InferStatement(labels).TableStatement()
}

// ClassifyStatement exposes keyword and statement-code classification of free text.
func (d *Detector) ClassifyStatement(text string) models.StatementType {
	return classifyStatement(text, d.rules)
}

// DetectUnits returns the currency and magnitude written in text.
func DetectUnits(text string) (currency, units string) {
	return detectUnits(text)
}

// ParseDate returns the first calendar date written in text.
func ParseDate(text string) *time.Time { return parseDate(text) }

// FindYears returns every 20xx year in text, in order.
func FindYears(text string) []string { return findYears(text) }
