// Package consensus reconciles candidate facts from several engine runs into one canonical
// fact per metric, period and scope.
package consensus

import (
	"log"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"finreport_facts/pkg/models"
)

// Options tunes a resolution run.
type Options struct {
	// MinAgree is the number of distinct engine runs a value needs to resolve automatically.
	MinAgree int
	// Tolerance is the quantum values are rounded to before comparison. Zero or less compares
	// literal values.
	Tolerance decimal.Decimal
	// Protected holds override keys of verified facts. Their groups are not resolved.
	Protected map[string]bool
	Now       func() time.Time
}

// DefaultOptions resolves single-engine values automatically at cent precision.
func DefaultOptions() Options {
	return Options{
		MinAgree:  1,
		Tolerance: decimal.RequireFromString("0.01"),
		Now:       time.Now,
	}
}

// Result holds the regenerated canonical facts of one report.
type Result struct {
	Flows     []models.FlowFact
	Stocks    []models.StockFact
	Protected int
}

// Resolve groups candidates by their fact key and picks one canonical value per group.
// The output depends only on the candidates and options, so re-running it is idempotent.
func Resolve(reportID int64, flows []models.FlowCandidate, stocks []models.StockCandidate, opts Options) Result {
	if opts.MinAgree < 1 {
		opts.MinAgree = 1
	}
	now := time.Now().UTC()
	if opts.Now != nil {
		now = opts.Now().UTC()
	}

	var res Result

	flowGroups := make(map[string][]*models.FlowCandidate)
	for i := range flows {
		c := &flows[i]
		flowGroups[c.GroupKey()] = append(flowGroups[c.GroupKey()], c)
	}
	for _, key := range sortedKeys(flowGroups) {
		group := flowGroups[key]
		if opts.Protected[group[0].OverrideKey()] {
			res.Protected++
			continue
		}
		bases := make([]*models.CandidateBase, len(group))
		byBase := make(map[*models.CandidateBase]*models.FlowCandidate, len(group))
		for i, c := range group {
			bases[i] = &c.CandidateBase
			byBase[bases[i]] = c
		}
		ch := choose(bases, opts)
		winner := byBase[ch.rep]
		fact := models.FlowFact{
			FactBase:    models.FactFromCandidate(ch.rep, ch.status, ch.method, now),
			PeriodStart: winner.PeriodStart,
			PeriodEnd:   winner.PeriodEnd,
		}
		fact.ReportID = reportID
		res.Flows = append(res.Flows, fact)
	}

	stockGroups := make(map[string][]*models.StockCandidate)
	for i := range stocks {
		c := &stocks[i]
		stockGroups[c.GroupKey()] = append(stockGroups[c.GroupKey()], c)
	}
	for _, key := range sortedKeys(stockGroups) {
		group := stockGroups[key]
		if opts.Protected[group[0].OverrideKey()] {
			res.Protected++
			continue
		}
		bases := make([]*models.CandidateBase, len(group))
		byBase := make(map[*models.CandidateBase]*models.StockCandidate, len(group))
		for i, c := range group {
			bases[i] = &c.CandidateBase
			byBase[bases[i]] = c
		}
		ch := choose(bases, opts)
		fact := models.StockFact{
			FactBase: models.FactFromCandidate(ch.rep, ch.status, ch.method, now),
			AsOfDate: byBase[ch.rep].AsOfDate,
		}
		fact.ReportID = reportID
		res.Stocks = append(res.Stocks, fact)
	}

	log.Printf("[Resolver] report %d: %d flow facts from %d candidates, %d stock facts from %d candidates, %d verified groups kept",
		reportID, len(res.Flows), len(flows), len(res.Stocks), len(stocks), res.Protected)
	return res
}

type choice struct {
	rep    *models.CandidateBase
	status models.ResolutionStatus
	method models.ResolutionMethod
}

type bucket struct {
	key      string
	members  []*models.CandidateBase
	versions map[string]bool
	quality  decimal.Decimal
	rep      *models.CandidateBase
}

// choose ranks value buckets by distinct runs, size and mean quality, and breaks remaining
// ties by comparing the buckets' representatives.
func choose(cands []*models.CandidateBase, opts Options) choice {
	index := make(map[string]*bucket)
	var buckets []*bucket
	for _, c := range cands {
		key := ValueKey(c.Value, opts.Tolerance)
		b, ok := index[key]
		if !ok {
			b = &bucket{key: key, versions: make(map[string]bool)}
			index[key] = b
			buckets = append(buckets, b)
		}
		b.members = append(b.members, c)
		b.versions[runKey(c)] = true
	}
	for _, b := range buckets {
		b.quality = meanQuality(b.members)
		b.rep = representative(b.members)
	}

	sort.SliceStable(buckets, func(i, j int) bool {
		a, b := buckets[i], buckets[j]
		if len(a.versions) != len(b.versions) {
			return len(a.versions) > len(b.versions)
		}
		if len(a.members) != len(b.members) {
			return len(a.members) > len(b.members)
		}
		if c := a.quality.Cmp(b.quality); c != 0 {
			return c > 0
		}
		if ab, ba := preferred(a.rep, b.rep), preferred(b.rep, a.rep); ab != ba {
			return ab
		}
		return a.key > b.key
	})

	best := buckets[0]
	ch := choice{rep: best.rep}
	switch {
	case len(best.versions) >= opts.MinAgree && len(best.members) > 1:
		ch.status, ch.method = models.ResolutionAuto, models.MethodConsensus
	case len(best.versions) >= opts.MinAgree:
		ch.status, ch.method = models.ResolutionAuto, models.MethodSingleEngine
	default:
		ch.status, ch.method = models.ResolutionNeedsReview, models.MethodInsufficientAgreement
	}
	return ch
}

// ValueKey buckets a value: "null" for missing values, the literal value when tolerance is
// not positive, otherwise the value rounded half away from zero to the tolerance's precision.
func ValueKey(v decimal.NullDecimal, tolerance decimal.Decimal) string {
	if !v.Valid {
		return "null"
	}
	if tolerance.Sign() <= 0 {
		return v.Decimal.String()
	}
	return v.Decimal.Round(-tolerance.Exponent()).String()
}

// runKey identifies the engine run a candidate came from. Candidates without a version
// count as their own run.
func runKey(c *models.CandidateBase) string {
	if c.VersionID != nil {
		return "v" + strconv.FormatInt(*c.VersionID, 10)
	}
	return "c" + strconv.FormatInt(c.CandidateID, 10)
}

// meanQuality averages the non-null quality scores, zero when there are none.
func meanQuality(members []*models.CandidateBase) decimal.Decimal {
	sum, n := decimal.Zero, 0
	for _, c := range members {
		if c.QualityScore.Valid {
			sum = sum.Add(c.QualityScore.Decimal)
			n++
		}
	}
	if n == 0 {
		return decimal.Zero
	}
	return sum.Div(decimal.NewFromInt(int64(n)))
}

func representative(members []*models.CandidateBase) *models.CandidateBase {
	best := members[0]
	for _, c := range members[1:] {
		if preferred(c, best) {
			best = c
		}
	}
	return best
}

// preferred orders candidates by quality (nulls last), then column label, then id.
// TODO: review whether column preference should outrank quality once engines report
// calibrated scores.
func preferred(a, b *models.CandidateBase) bool {
	if a.QualityScore.Valid != b.QualityScore.Valid {
		return a.QualityScore.Valid
	}
	if a.QualityScore.Valid {
		if c := a.QualityScore.Decimal.Cmp(b.QualityScore.Decimal); c != 0 {
			return c > 0
		}
	}
	if sa, sb := ColumnScore(a.ColumnLabel), ColumnScore(b.ColumnLabel); sa != sb {
		return sa > sb
	}
	return a.CandidateID > b.CandidateID
}

var (
	syntheticColumnRE = regexp.MustCompile(`^col_(\d+)$`)
	columnYearRE      = regexp.MustCompile(`(19|20)\d{2}`)
)

var (
	priorMarkers   = []string{"上期", "上年", "期初", "年初", "prior", "last"}
	currentMarkers = []string{"本期", "本年", "期末", "年末", "current"}
)

// ColumnScore ranks column labels: earlier synthetic columns, later years and current
// period wording score higher.
func ColumnScore(label string) int {
	l := strings.ToLower(strings.TrimSpace(label))
	if m := syntheticColumnRE.FindStringSubmatch(l); m != nil {
		n, _ := strconv.Atoi(m[1])
		return -n
	}
	score := 0
	if y := columnYearRE.FindString(l); y != "" {
		year, _ := strconv.Atoi(y)
		score = year * 10
	}
	switch {
	case containsAny(l, priorMarkers):
		score++
	case containsAny(l, currentMarkers):
		score += 5
	default:
		score += 3
	}
	return score
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
