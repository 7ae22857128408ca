// Package dictionary holds the financial metric dictionary and the label matcher built on it.
package dictionary

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strings"

	"finreport_facts/pkg/models"
)

var (
	whitespaceRE  = regexp.MustCompile(`[\s\x{3000}]+`)
	punctuationRE = regexp.MustCompile(`[：:（）()，,．.。;；-]+`)
	elrCodeRE     = regexp.MustCompile(`(?i)[\[【]\s*([0-9]{6}[a-z]?)\s*[\]】]`)
)

// MatchKind tells which matching stage produced a metric.
type MatchKind int

const (
	MatchNone MatchKind = iota
	MatchExact
	MatchSubstring
)

// entry caches the normalized patterns of a metric.
type entry struct {
	metric *models.Metric
	exact  []string
	loose  []string
	cn     []string // normalized patterns_cn only, used for statement voting
}

// Dictionary is a read-only, versioned set of metrics. It is safe for concurrent use.
type Dictionary struct {
	version string
	hash    string
	entries []entry
	byCode  map[string]*models.Metric
}

// New builds a dictionary from metrics in the given order. Dictionary order is significant:
// the first metric wins on equal matches.
func New(version, hash string, metrics []models.Metric) *Dictionary {
	d := &Dictionary{
		version: version,
		hash:    hash,
		byCode:  make(map[string]*models.Metric, len(metrics)),
	}
	for i := range metrics {
		m := metrics[i]
		if m.MetricNameEN == "" {
			m.MetricNameEN = models.MetricNameENFromCode(m.MetricCode)
		}
		mp := &m
		e := entry{metric: mp}
		for _, p := range mp.ExactPatterns() {
			if n := Normalize(p); n != "" {
				e.exact = append(e.exact, n)
			}
		}
		for _, p := range mp.LoosePatterns() {
			if n := Normalize(p); n != "" {
				e.loose = append(e.loose, n)
			}
		}
		for _, p := range mp.Patterns {
			if n := Normalize(p); n != "" {
				e.cn = append(e.cn, n)
			}
		}
		d.entries = append(d.entries, e)
		d.byCode[mp.MetricCode] = mp
	}
	return d
}

// Version returns the dictionary file version.
func (d *Dictionary) Version() string { return d.version }

// Hash returns the SHA-256 content hash of the source file.
func (d *Dictionary) Hash() string { return d.hash }

// Len returns the number of metrics.
func (d *Dictionary) Len() int { return len(d.entries) }

// Metrics returns copies of all metrics in dictionary order.
func (d *Dictionary) Metrics() []models.Metric {
	out := make([]models.Metric, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, *e.metric)
	}
	return out
}

// Lookup returns the metric with the given code.
func (d *Dictionary) Lookup(code string) (*models.Metric, bool) {
	m, ok := d.byCode[code]
	return m, ok
}

// Normalize strips whitespace and punctuation and lowercases a label.
func Normalize(label string) string {
	cleaned := whitespaceRE.ReplaceAllString(label, "")
	cleaned = punctuationRE.ReplaceAllString(cleaned, "")
	return strings.ToLower(cleaned)
}

// ELRCode returns the bracketed statement code annotated on a label, if any.
func ELRCode(text string) string {
	m := elrCodeRE.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}

// ELRCodes returns every bracketed statement code in text, lowercased, in order.
func ELRCodes(text string) []string {
	var out []string
	for _, m := range elrCodeRE.FindAllStringSubmatch(text, -1) {
		out = append(out, strings.ToLower(m[1]))
	}
	return out
}

// hasRatioMarker reports whether a label names a ratio. "汇率" (exchange rate) is not a ratio marker.
func hasRatioMarker(label string) bool {
	if strings.Contains(label, "%") {
		return true
	}
	return strings.Contains(strings.ReplaceAll(label, "汇率", ""), "率")
}

// Match maps a row label to a metric of the given statement, or nil.
func (d *Dictionary) Match(label string, statement models.MetricStatement) *models.Metric {
	m, _ := d.MatchDetail(label, statement)
	return m
}

// MatchDetail is Match plus the stage that produced the result.
//
// Order: ratio restriction, exact patterns across the whole statement, then substring patterns.
// When the label carries a coded annotation and the winning alias is shared by more than one
// metric, the match is ambiguous and nil is returned.
func (d *Dictionary) MatchDetail(label string, statement models.MetricStatement) (*models.Metric, MatchKind) {
	annotated := ELRCode(label) != ""
	norm := Normalize(elrCodeRE.ReplaceAllString(label, ""))
	if norm == "" {
		return nil, MatchNone
	}
	ratioOnly := hasRatioMarker(label)

	candidates := make([]*entry, 0, len(d.entries))
	for i := range d.entries {
		e := &d.entries[i]
		if e.metric.StatementType != statement {
			continue
		}
		if ratioOnly && e.metric.ValueNature != models.NatureRatio {
			continue
		}
		candidates = append(candidates, e)
	}

	var exactHits []*models.Metric
	for _, e := range candidates {
		for _, p := range e.exact {
			if p == norm {
				exactHits = append(exactHits, e.metric)
				break
			}
		}
	}
	if len(exactHits) > 0 {
		if annotated && len(exactHits) > 1 {
			return nil, MatchNone
		}
		return exactHits[0], MatchExact
	}

	for _, e := range candidates {
		for _, p := range e.loose {
			if !strings.Contains(norm, p) {
				continue
			}
			if annotated && sharedAlias(candidates, p) > 1 {
				return nil, MatchNone
			}
			return e.metric, MatchSubstring
		}
	}
	return nil, MatchNone
}

func sharedAlias(candidates []*entry, alias string) int {
	n := 0
	for _, e := range candidates {
		for _, p := range e.loose {
			if p == alias {
				n++
				break
			}
		}
	}
	return n
}

// MetricCodeFromLabel derives the stable code of a provisional metric.
func MetricCodeFromLabel(label string, statement models.MetricStatement) string {
	sum := sha1.Sum([]byte(string(statement) + ":" + Normalize(label)))
	return "raw_" + hex.EncodeToString(sum[:])[:12]
}

// ProvisionalMetric synthesizes a metric for a row no dictionary entry matched.
func ProvisionalMetric(label string, statement models.MetricStatement) models.Metric {
	nature := models.NatureFlow
	if statement == models.MetricBalance {
		nature = models.NatureStock
	}
	return models.Metric{
		MetricCode:    MetricCodeFromLabel(label, statement),
		MetricNameCN:  strings.TrimSpace(label),
		StatementType: statement,
		ValueNature:   nature,
		Provisional:   true,
	}
}

// InferStatement votes over row labels: every loose Chinese pattern contained in a label
// scores one point for its metric's statement. Returns "" when nothing matches.
func (d *Dictionary) InferStatement(labels []string) models.MetricStatement {
	scores := make(map[models.MetricStatement]int, len(models.MetricStatements))
	for _, label := range labels {
		norm := Normalize(label)
		for _, e := range d.entries {
			for _, p := range e.cn {
				if strings.Contains(norm, p) {
					scores[e.metric.StatementType]++
				}
			}
		}
	}
	best := models.MetricStatement("")
	bestScore := 0
	for _, st := range models.MetricStatements {
		if scores[st] > bestScore {
			best, bestScore = st, scores[st]
		}
	}
	return best
}

// Aliases flattens the dictionary into persisted alias rows.
func (d *Dictionary) Aliases() []models.MetricAlias {
	var out []models.MetricAlias
	for _, e := range d.entries {
		m := e.metric
		add := func(patterns []string, lang, mode string) {
			for _, p := range patterns {
				out = append(out, models.MetricAlias{MetricCode: m.MetricCode, AliasText: p, Language: lang, MatchMode: mode})
			}
		}
		add(m.Patterns, "cn", "phrase")
		add(m.PatternsExact, "cn", "exact")
		add(m.PatternsEN, "en", "phrase")
		add(m.PatternsENExact, "en", "exact")
	}
	return out
}
