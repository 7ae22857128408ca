package dictionary

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strings"

	"finreport_facts/pkg/core/utils"
	"finreport_facts/pkg/models"
)

// BackgroundRules is the taxonomy side-data used during detection: statement codes that
// appear as bracketed annotations in reports, and the element types a content list may carry.
type BackgroundRules struct {
	ELRStatements map[string]models.StatementType
	ElementTypes  map[string]bool
}

type rulesFile struct {
	ELRChanges []struct {
		Name  string        `json:"ELR名称"`
		Codes []interface{} `json:"elr_codes"`
	} `json:"elr_changes"`
	ElementTypes []struct {
		Type string `json:"元素类型"`
	} `json:"element_types"`
}

// EmptyRules returns a rule set with no codes and no element-type restriction.
func EmptyRules() *BackgroundRules {
	return &BackgroundRules{
		ELRStatements: map[string]models.StatementType{},
		ElementTypes:  map[string]bool{},
	}
}

// LoadBackgroundRules reads the rules file. A missing file yields empty rules.
func LoadBackgroundRules(path string) (*BackgroundRules, error) {
	if path == "" {
		return EmptyRules(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Printf("[Rules] %s not found, continuing without background rules", path)
		return EmptyRules(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read background rules: %w", err)
	}
	return ParseBackgroundRules(data)
}

// ParseBackgroundRules decodes rules content.
func ParseBackgroundRules(data []byte) (*BackgroundRules, error) {
	var raw rulesFile
	if err := utils.DecodeLenient(data, &raw); err != nil {
		return nil, fmt.Errorf("background rules: %w", err)
	}
	rules := EmptyRules()
	for _, item := range raw.ELRChanges {
		st := statementFromELRName(item.Name)
		if st == models.StatementNone {
			continue
		}
		for _, code := range item.Codes {
			text := strings.ToLower(strings.TrimSpace(fmt.Sprint(code)))
			if text != "" && text != "<nil>" {
				rules.ELRStatements[text] = st
			}
		}
	}
	for _, item := range raw.ElementTypes {
		if v := strings.ToLower(strings.TrimSpace(item.Type)); v != "" {
			rules.ElementTypes[v] = true
		}
	}
	return rules, nil
}

// StatementForCode maps a bracketed statement code to a statement type.
func (r *BackgroundRules) StatementForCode(code string) models.StatementType {
	if r == nil {
		return models.StatementNone
	}
	return r.ELRStatements[strings.ToLower(code)]
}

// AllowsElement reports whether a content-list element type should be kept.
// An empty rule set allows everything.
func (r *BackgroundRules) AllowsElement(elementType string) bool {
	if r == nil || len(r.ElementTypes) == 0 {
		return true
	}
	return r.ElementTypes[strings.ToLower(strings.TrimSpace(elementType))]
}

func statementFromELRName(name string) models.StatementType {
	switch {
	case strings.Contains(name, "资产负债表"):
		return models.StatementBalanceSheet
	case strings.Contains(name, "利润表"), strings.Contains(name, "损益表"):
		return models.StatementIncome
	case strings.Contains(name, "现金流量表"):
		return models.StatementCashFlow
	case strings.Contains(name, "所有者权益变动表"), strings.Contains(name, "股东权益变动表"):
		return models.StatementChangesInEquity
	}
	return models.StatementNone
}
