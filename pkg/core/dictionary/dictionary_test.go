package dictionary

import (
	"strings"
	"testing"

	"finreport_facts/pkg/models"
)

func mustBase(t *testing.T) *Dictionary {
	t.Helper()
	d, err := Base()
	if err != nil {
		t.Fatalf("Base() error = %v", err)
	}
	return d
}

func TestBaseDictionary(t *testing.T) {
	d := mustBase(t)
	if d.Len() != 105 {
		t.Errorf("Len() = %d, want 105", d.Len())
	}
	if d.Version() != "2026.02-base" {
		t.Errorf("Version() = %q", d.Version())
	}
	if len(d.Hash()) != 64 {
		t.Errorf("Hash() = %q, want sha256 hex", d.Hash())
	}
	m, ok := d.Lookup("total_assets")
	if !ok {
		t.Fatal("total_assets missing")
	}
	if m.MetricNameEN != "Total Assets" {
		t.Errorf("MetricNameEN = %q, want derived name", m.MetricNameEN)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"资产 总计", "资产总计"},
		{"其中：营业收入", "其中营业收入"},
		{"一、营业总收入（元）", "一、营业总收入元"},
		{"Total　Assets", "totalassets"},
		{"1.货币资金;", "1货币资金"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMatch(t *testing.T) {
	d := mustBase(t)
	tests := []struct {
		name      string
		label     string
		statement models.MetricStatement
		wantCode  string
		wantKind  MatchKind
	}{
		{"substring", "资产总计", models.MetricBalance, "total_assets", MatchSubstring},
		{"prefixed label", "其中：营业收入", models.MetricIncome, "revenue", MatchSubstring},
		{"exact beats earlier substring", "负债和所有者权益合计", models.MetricBalance, "total_liabilities_equity", MatchExact},
		{"exact short form", "主营业务", models.MetricIncome, "main_business_revenue", MatchExact},
		{"parent profit exact", "归属于母公司所有者的净利润", models.MetricIncome, "net_profit_parent", MatchExact},
		{"english", "Total assets", models.MetricBalance, "total_assets", MatchSubstring},
		{"exchange rate is not a ratio", "汇率变动对现金及现金等价物的影响", models.MetricCashflow, "fx_effect_on_cash", MatchSubstring},
		{"cash end", "六、期末现金及现金等价物余额", models.MetricCashflow, "cash_end", MatchSubstring},
		{"wrong statement", "营业收入", models.MetricBalance, "", MatchNone},
		{"ratio label only matches ratios", "营业收入增长率", models.MetricIncome, "", MatchNone},
		{"empty", "  ", models.MetricIncome, "", MatchNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, kind := d.MatchDetail(tt.label, tt.statement)
			got := ""
			if m != nil {
				got = m.MetricCode
			}
			if got != tt.wantCode {
				t.Errorf("MatchDetail(%q) code = %q, want %q", tt.label, got, tt.wantCode)
			}
			if kind != tt.wantKind {
				t.Errorf("MatchDetail(%q) kind = %v, want %v", tt.label, kind, tt.wantKind)
			}
		})
	}
}

func TestMatchAnnotatedAmbiguity(t *testing.T) {
	d := New("test", "", []models.Metric{
		{MetricCode: "a", StatementType: models.MetricBalance, ValueNature: models.NatureStock, Patterns: []string{"其他"}},
		{MetricCode: "b", StatementType: models.MetricBalance, ValueNature: models.NatureStock, Patterns: []string{"其他"}},
	})
	if m := d.Match("其他", models.MetricBalance); m == nil || m.MetricCode != "a" {
		t.Errorf("plain label should take the first metric, got %+v", m)
	}
	if m := d.Match("其他【210000】", models.MetricBalance); m != nil {
		t.Errorf("annotated ambiguous label matched %q, want nil", m.MetricCode)
	}
}

func TestMetricCodeFromLabel(t *testing.T) {
	a := MetricCodeFromLabel("其他 项目", models.MetricBalance)
	b := MetricCodeFromLabel("其他项目", models.MetricBalance)
	c := MetricCodeFromLabel("其他项目", models.MetricIncome)
	if a != b {
		t.Errorf("codes differ across whitespace: %q vs %q", a, b)
	}
	if a == c {
		t.Errorf("codes should differ across statements")
	}
	if !strings.HasPrefix(a, "raw_") || len(a) != len("raw_")+12 {
		t.Errorf("code %q has wrong shape", a)
	}

	p := ProvisionalMetric("其他项目", models.MetricBalance)
	if !p.Provisional || p.ValueNature != models.NatureStock || p.MetricCode != a {
		t.Errorf("ProvisionalMetric() = %+v", p)
	}
	if ProvisionalMetric("其他项目", models.MetricIncome).ValueNature != models.NatureFlow {
		t.Error("income provisional metric should be a flow")
	}
}

func TestInferStatement(t *testing.T) {
	d := mustBase(t)
	tests := []struct {
		labels []string
		want   models.MetricStatement
	}{
		{[]string{"营业收入", "营业成本", "净利润"}, models.MetricIncome},
		{[]string{"货币资金", "存货", "资产总计"}, models.MetricBalance},
		{[]string{"经营活动产生的现金流量净额", "投资活动产生的现金流量净额"}, models.MetricCashflow},
		{[]string{"附注说明"}, ""},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := d.InferStatement(tt.labels); got != tt.want {
			t.Errorf("InferStatement(%v) = %q, want %q", tt.labels, got, tt.want)
		}
	}
}

func TestParse(t *testing.T) {
	hjsonDoc := `{
  # hand edited
  version: "t1"
  metrics: [
    {
      metric_code: cogs
      metric_name_cn: 营业成本
      statement_type: income
      value_nature: flow
      patterns: ["营业成本"]
      patterns_exact: ["成本"]
    }
  ]
}`
	d, err := Parse([]byte(hjsonDoc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	m, ok := d.Lookup("cogs")
	if !ok {
		t.Fatal("cogs missing")
	}
	if len(m.Patterns) != 1 || len(m.PatternsExact) != 1 {
		t.Errorf("short pattern keys not accepted: %+v", m)
	}

	bad := []struct {
		name string
		doc  string
	}{
		{"no metrics", `{"version": "x", "metrics": []}`},
		{"bad statement", `{"metrics": [{"metric_code": "a", "statement_type": "equity", "value_nature": "flow"}]}`},
		{"bad nature", `{"metrics": [{"metric_code": "a", "statement_type": "income", "value_nature": "level"}]}`},
		{"duplicate", `{"metrics": [{"metric_code": "a", "statement_type": "income", "value_nature": "flow"}, {"metric_code": "a", "statement_type": "income", "value_nature": "flow"}]}`},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.doc)); err == nil {
				t.Error("Parse() error = nil, want error")
			}
		})
	}
}

func TestAliases(t *testing.T) {
	d := mustBase(t)
	var exact, english int
	for _, a := range d.Aliases() {
		if a.MetricCode == "main_business_revenue" && a.MatchMode == "exact" && a.AliasText == "主营业务" {
			exact++
		}
		if a.MetricCode == "total_assets" && a.Language == "en" {
			english++
		}
	}
	if exact != 1 {
		t.Errorf("exact alias count = %d, want 1", exact)
	}
	if english != 1 {
		t.Errorf("english alias count = %d, want 1", english)
	}
}

func TestBackgroundRules(t *testing.T) {
	doc := `{
  "elr_changes": [
    {"ELR名称": "[210000] 资产负债表", "elr_codes": ["210000", "210000a"]},
    {"ELR名称": "[310000] 利润表", "elr_codes": [310000]},
    {"ELR名称": "[800100] 附注", "elr_codes": ["800100"]}
  ],
  "element_types": [{"元素类型": "Text"}, {"元素类型": "table"}]
}`
	r, err := ParseBackgroundRules([]byte(doc))
	if err != nil {
		t.Fatalf("ParseBackgroundRules() error = %v", err)
	}
	if got := r.StatementForCode("210000A"); got != models.StatementBalanceSheet {
		t.Errorf("StatementForCode(210000A) = %q", got)
	}
	if got := r.StatementForCode("310000"); got != models.StatementIncome {
		t.Errorf("StatementForCode(310000) = %q", got)
	}
	if got := r.StatementForCode("800100"); got != models.StatementNone {
		t.Errorf("note code should not map, got %q", got)
	}
	if !r.AllowsElement("text") || r.AllowsElement("image") {
		t.Error("element type filter mismatch")
	}
	if !EmptyRules().AllowsElement("image") {
		t.Error("empty rules should allow every element")
	}

	missing, err := LoadBackgroundRules("/nonexistent/rules.json")
	if err != nil || len(missing.ELRStatements) != 0 {
		t.Errorf("missing file should give empty rules, got %v, %v", missing, err)
	}
}
