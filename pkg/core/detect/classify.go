package detect

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"finreport_facts/pkg/core/dictionary"
	"finreport_facts/pkg/models"
)

var (
	dateRE    = regexp.MustCompile(`(20\d{2})\s*[年\-/]\s*(\d{1,2})\s*[月\-/]\s*(\d{1,2})`)
	yearRE    = regexp.MustCompile(`20\d{2}`)
	unitTagRE = regexp.MustCompile(`单位\s*[：:]\s*([^\s，,;；。)）]+)`)
)

// statementKeywords is checked in StatementTypes order; the first hit wins.
var statementKeywords = map[models.StatementType][]string{
	models.StatementBalanceSheet:    {"资产负债表", "合并资产负债表", "balance sheet", "statement of financial position"},
	models.StatementIncome:          {"利润表", "合并利润表", "income statement", "statement of profit", "statement of operations"},
	models.StatementCashFlow:        {"现金流量表", "合并现金流量表", "cash flow"},
	models.StatementChangesInEquity: {"所有者权益变动表", "股东权益变动表", "changes in equity"},
}

type unitPattern struct {
	needle   string
	currency string
	units    string
}

// Longer needles first: "百万元" and "万元" both contain "元".
var unitPatterns = []unitPattern{
	{"百万元", "CNY", "1m"},
	{"亿元", "CNY", "100m"},
	{"万元", "CNY", "10k"},
	{"千元", "CNY", "1k"},
	{"元", "CNY", "1"},
	{"人民币", "CNY", ""},
	{"USD", "USD", ""},
	{"美元", "USD", ""},
}

// classifyStatement finds a statement type from keywords, then from bracketed statement codes.
func classifyStatement(text string, rules *dictionary.BackgroundRules) models.StatementType {
	lowered := strings.ToLower(text)
	for _, st := range models.StatementTypes {
		for _, key := range statementKeywords[st] {
			if strings.Contains(lowered, key) {
				return st
			}
		}
	}
	for _, code := range dictionary.ELRCodes(text) {
		if st := rules.StatementForCode(code); st != models.StatementNone {
			return st
		}
	}
	return models.StatementNone
}

// detectUnits scans text for currency and magnitude markers. A "单位：" tag with no
// recognized magnitude contributes only the token that follows it.
func detectUnits(text string) (currency, units string) {
	for _, p := range unitPatterns {
		if !strings.Contains(text, p.needle) {
			continue
		}
		if currency == "" && p.currency != "" {
			currency = p.currency
		}
		if units == "" && p.units != "" {
			units = p.units
		}
	}
	if units == "" {
		if m := unitTagRE.FindStringSubmatch(text); m != nil {
			units = m[1]
		}
	}
	return currency, units
}

// parseDate returns the first calendar date written in text, or nil when the first
// candidate is not a real date.
func parseDate(text string) *time.Time {
	m := dateRE.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	y, _ := strconv.Atoi(m[1])
	mo, _ := strconv.Atoi(m[2])
	d, _ := strconv.Atoi(m[3])
	if mo < 1 || mo > 12 || d < 1 {
		return nil
	}
	t := models.Date(y, time.Month(mo), d)
	if t.Day() != d || int(t.Month()) != mo {
		return nil
	}
	return &t
}

func findYears(text string) []string {
	return yearRE.FindAllString(text, -1)
}

func hasPeriodMarker(text string) bool {
	return len(findYears(text)) > 0 || strings.Contains(text, "本期") || strings.Contains(text, "上期")
}

// consolidationFlag reports whether the title or context carries a consolidation marker.
// It is nil only when there is no text to look at.
func consolidationFlag(title, context string) *bool {
	if strings.TrimSpace(title) == "" && strings.TrimSpace(context) == "" {
		return nil
	}
	return boolPtr(consolidationScope(title, context) == models.ScopeConsolidated)
}

// consolidationScope reads the scope off a table's title, then its context. A title naming
// the parent entity wins over a consolidation marker elsewhere.
func consolidationScope(title, context string) models.ConsolidationScope {
	switch {
	case isParentScope(title):
		return models.ScopeParent
	case isConsolidatedScope(title) || isConsolidatedScope(context):
		return models.ScopeConsolidated
	case isParentScope(context):
		return models.ScopeParent
	}
	return models.ScopeUnknown
}

func isParentScope(text string) bool {
	return strings.Contains(text, "母公司") || strings.Contains(strings.ToLower(text), "parent company")
}

func isConsolidatedScope(text string) bool {
	return strings.Contains(text, "合并") || strings.Contains(strings.ToLower(text), "consolidated")
}

func boolPtr(b bool) *bool { return &b }
