// Package metadata derives report-level attributes from the first pages of a document.
package metadata

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"finreport_facts/pkg/core/detect"
	"finreport_facts/pkg/models"
)

const (
	headPages    = 3
	rawHeadRunes = 2000
)

// Extract reads title, company, ticker, period and units from the document head.
// Every field is best effort; missing attributes stay zero.
func Extract(pages []models.PageContent) models.ReportMeta {
	n := len(pages)
	if n > headPages {
		n = headPages
	}
	parts := make([]string, 0, n)
	for _, p := range pages[:n] {
		parts = append(parts, p.TextRaw)
	}
	head := strings.Join(parts, "\n")

	var meta models.ReportMeta
	meta.Currency, meta.Units = detect.DetectUnits(head)

	for _, line := range strings.Split(head, "\n") {
		titled := strings.Contains(line, "年度报告") || strings.Contains(line, "年报") ||
			strings.Contains(strings.ToLower(line), "annual report")
		annual := titled && !strings.Contains(line, "半年")
		if meta.ReportTitle == "" && titled {
			meta.ReportTitle = strings.TrimSpace(line)
		}
		if meta.CompanyName == "" && strings.Contains(line, "公司名称") {
			meta.CompanyName = afterColon(line)
		}
		if meta.Ticker == "" && (strings.Contains(line, "股票代码") || strings.Contains(line, "证券代码")) {
			if fields := strings.Fields(afterColon(line)); len(fields) > 0 {
				meta.Ticker = fields[0]
			}
		}
		if meta.ReportType == "" && annual {
			meta.ReportType = models.ReportTypeAnnual
		}
	}

	if years := detect.FindYears(head); len(years) > 0 {
		meta.FiscalYear, _ = strconv.Atoi(years[0])
	}
	if d := detect.ParseDate(head); d != nil {
		meta.PeriodEnd = d
	} else if meta.FiscalYear != 0 && meta.IsAnnual() {
		end := models.Date(meta.FiscalYear, time.December, 31)
		meta.PeriodEnd = &end
	}

	meta.Extra = map[string]any{"raw_head": truncateRunes(head, rawHeadRunes)}
	return meta
}

// afterColon returns the text after the first full- or half-width colon, or the whole
// line when there is none.
func afterColon(line string) string {
	if i := strings.IndexAny(line, "：:"); i >= 0 {
		_, size := utf8.DecodeRuneInString(line[i:])
		return strings.TrimSpace(line[i+size:])
	}
	return strings.TrimSpace(line)
}

func truncateRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
