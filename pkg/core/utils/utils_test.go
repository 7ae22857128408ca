package utils

import (
	"strings"
	"testing"
)

type sample struct {
	Name  string   `json:"name"`
	Items []string `json:"items"`
}

func TestDecodeLenient(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"strict", `{"name": "a", "items": ["x"]}`, "a"},
		{"trailing comma", `{"name": "b", "items": ["x",],}`, "b"},
		{"hjson comments", "{\n  # dictionary\n  name: c\n  items: [\"x\"]\n}", "c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s sample
			if err := DecodeLenient([]byte(tt.input), &s); err != nil {
				t.Fatalf("DecodeLenient() error = %v", err)
			}
			if s.Name != tt.want {
				t.Errorf("Name = %q, want %q", s.Name, tt.want)
			}
		})
	}
}

func TestLastHeading(t *testing.T) {
	tests := []struct {
		name string
		md   string
		want string
	}{
		{"last of several", "# 2024年年度报告\n\n正文内容\n\n## 合并资产负债表\n\n单位：元\n", "合并资产负债表"},
		{"no space after marker", "正文\n#合并利润表\n单位：元", "合并利润表"},
		{"inline markup", "### **母公司资产负债表**", "母公司资产负债表"},
		{"setext is not a heading", "合并现金流量表\n==========\n", ""},
		{"bare marker skipped", "## 合并资产负债表\n#\n", "合并资产负债表"},
		{"no heading", "no heading here", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LastHeading(tt.md); got != tt.want {
				t.Errorf("LastHeading() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPlainText(t *testing.T) {
	md := "# 标题\n\n第一段 **加粗**\n\n- 列表项\n"
	got := PlainText(md)
	for _, want := range []string{"标题", "第一段 加粗", "列表项"} {
		if !strings.Contains(got, want) {
			t.Errorf("PlainText() = %q, missing %q", got, want)
		}
	}
	if strings.Contains(got, "**") || strings.Contains(got, "# ") {
		t.Errorf("PlainText() kept markup: %q", got)
	}
}
