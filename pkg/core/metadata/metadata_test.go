package metadata

import (
	"strings"
	"testing"

	"finreport_facts/pkg/models"
)

func TestExtract(t *testing.T) {
	pages := []models.PageContent{
		{Page: 1, TextRaw: "示例股份有限公司\n2024年年度报告\n公司名称：示例股份有限公司\n股票代码：600000 股票简称：示例股份"},
		{Page: 2, TextRaw: "单位：万元 币种：人民币"},
		{Page: 3, TextRaw: "报告期末 2024年12月31日"},
		{Page: 4, TextRaw: "单位：美元"},
	}
	meta := Extract(pages)

	tests := []struct {
		field, got, want string
	}{
		{"ReportTitle", meta.ReportTitle, "2024年年度报告"},
		{"CompanyName", meta.CompanyName, "示例股份有限公司"},
		{"Ticker", meta.Ticker, "600000"},
		{"ReportType", meta.ReportType, "annual"},
		{"Currency", meta.Currency, "CNY"},
		{"Units", meta.Units, "10k"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %q, want %q", tt.field, tt.got, tt.want)
		}
	}
	if meta.FiscalYear != 2024 {
		t.Errorf("FiscalYear = %d", meta.FiscalYear)
	}
	if meta.PeriodEnd == nil || meta.PeriodEnd.Format("2006-01-02") != "2024-12-31" {
		t.Errorf("PeriodEnd = %v", meta.PeriodEnd)
	}
	head, _ := meta.Extra["raw_head"].(string)
	if strings.Contains(head, "美元") {
		t.Error("raw_head should only cover the first three pages")
	}
}

func TestExtractFallbacks(t *testing.T) {
	tests := []struct {
		name        string
		pages       []models.PageContent
		wantEnd     string
		wantTitle   string
		wantCompany string
	}{
		{
			name:      "annual report without a date ends on December 31",
			pages:     []models.PageContent{{Page: 1, TextRaw: "Example Corp\n2023 Annual Report"}},
			wantEnd:   "2023-12-31",
			wantTitle: "2023 Annual Report",
		},
		{
			name:        "interim report without a date has no period end",
			pages:       []models.PageContent{{Page: 1, TextRaw: "2024年半年度报告摘要\n公司名称: 示例公司"}},
			wantEnd:     "",
			wantTitle:   "2024年半年度报告摘要",
			wantCompany: "示例公司",
		},
		{
			name:  "empty document",
			pages: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := Extract(tt.pages)
			got := ""
			if meta.PeriodEnd != nil {
				got = meta.PeriodEnd.Format("2006-01-02")
			}
			if got != tt.wantEnd {
				t.Errorf("PeriodEnd = %q, want %q", got, tt.wantEnd)
			}
			if meta.ReportTitle != tt.wantTitle {
				t.Errorf("ReportTitle = %q, want %q", meta.ReportTitle, tt.wantTitle)
			}
			if meta.CompanyName != tt.wantCompany {
				t.Errorf("CompanyName = %q, want %q", meta.CompanyName, tt.wantCompany)
			}
		})
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := truncateRunes("年度报告", 2); got != "年度" {
		t.Errorf("truncateRunes() = %q", got)
	}
	if got := truncateRunes("abc", 10); got != "abc" {
		t.Errorf("truncateRunes() = %q", got)
	}
}
