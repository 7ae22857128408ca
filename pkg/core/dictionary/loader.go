package dictionary

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"finreport_facts/pkg/core/utils"
	"finreport_facts/pkg/models"
)

//go:embed base_dictionary.json
var baseDictionary []byte

// fileMetric is the on-disk shape of a dictionary entry. Both the short
// ("patterns") and language-suffixed ("patterns_cn") keys are accepted.
type fileMetric struct {
	MetricCode       string   `json:"metric_code"`
	MetricNameCN     string   `json:"metric_name_cn"`
	MetricNameEN     string   `json:"metric_name_en"`
	StatementType    string   `json:"statement_type"`
	ValueNature      string   `json:"value_nature"`
	ParentMetricCode string   `json:"parent_metric_code"`
	Patterns         []string `json:"patterns"`
	PatternsCN       []string `json:"patterns_cn"`
	PatternsExact    []string `json:"patterns_exact"`
	PatternsCNExact  []string `json:"patterns_cn_exact"`
	PatternsEN       []string `json:"patterns_en"`
	PatternsENExact  []string `json:"patterns_en_exact"`
}

type fileDictionary struct {
	Version string       `json:"version"`
	Metrics []fileMetric `json:"metrics"`
}

// Base returns the dictionary shipped with the binary.
func Base() (*Dictionary, error) {
	return Parse(baseDictionary)
}

// Load reads a dictionary file. An empty path loads the embedded base dictionary.
func Load(path string) (*Dictionary, error) {
	if path == "" {
		return Base()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dictionary %s: %w", path, err)
	}
	d, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("dictionary %s: %w", path, err)
	}
	return d, nil
}

// Parse decodes and validates dictionary content.
func Parse(data []byte) (*Dictionary, error) {
	var raw fileDictionary
	if err := utils.DecodeLenient(data, &raw); err != nil {
		return nil, err
	}
	if len(raw.Metrics) == 0 {
		return nil, fmt.Errorf("dictionary has no metrics")
	}

	seen := make(map[string]bool, len(raw.Metrics))
	metrics := make([]models.Metric, 0, len(raw.Metrics))
	for i, fm := range raw.Metrics {
		m, err := fm.toMetric()
		if err != nil {
			return nil, fmt.Errorf("metric #%d: %w", i, err)
		}
		if seen[m.MetricCode] {
			return nil, fmt.Errorf("metric #%d: duplicate metric_code %q", i, m.MetricCode)
		}
		seen[m.MetricCode] = true
		metrics = append(metrics, m)
	}

	sum := sha256.Sum256(data)
	return New(raw.Version, hex.EncodeToString(sum[:]), metrics), nil
}

func (fm fileMetric) toMetric() (models.Metric, error) {
	code := strings.TrimSpace(fm.MetricCode)
	if code == "" {
		return models.Metric{}, fmt.Errorf("missing metric_code")
	}
	st := models.MetricStatement(strings.TrimSpace(fm.StatementType))
	if !st.Valid() {
		return models.Metric{}, fmt.Errorf("%s: unknown statement_type %q", code, fm.StatementType)
	}
	nature := models.ValueNature(strings.TrimSpace(fm.ValueNature))
	if !nature.Valid() {
		return models.Metric{}, fmt.Errorf("%s: unknown value_nature %q", code, fm.ValueNature)
	}
	return models.Metric{
		MetricCode:       code,
		MetricNameCN:     fm.MetricNameCN,
		MetricNameEN:     fm.MetricNameEN,
		StatementType:    st,
		ValueNature:      nature,
		ParentMetricCode: fm.ParentMetricCode,
		Patterns:         firstNonEmpty(fm.PatternsCN, fm.Patterns),
		PatternsExact:    firstNonEmpty(fm.PatternsCNExact, fm.PatternsExact),
		PatternsEN:       fm.PatternsEN,
		PatternsENExact:  fm.PatternsENExact,
	}, nil
}

func firstNonEmpty(a, b []string) []string {
	if len(a) > 0 {
		return a
	}
	return b
}
