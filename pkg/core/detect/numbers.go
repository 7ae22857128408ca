package detect

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"finreport_facts/pkg/models"
)

// A numeric token is an optionally parenthesized, optionally signed group of 1-3 digits,
// followed by comma-separated thousands groups and an optional fraction. It must not touch
// a word character, a dot or a percent sign on either side, so years ("2024"), dates
// ("2024年12月31日"), percentages and identifiers never parse as amounts.
//
// RE2 has no lookaround, so tokens are found by a small backtracking scanner that tries
// alternatives in the same greedy order a backtracking engine would.

type numberSpan struct {
	start, end int // rune offsets
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsNumber(r) || unicode.In(r, unicode.Mn, unicode.Mc)
}

func isBoundaryRune(r rune) bool {
	return isWordRune(r) || r == '.' || r == '%'
}

func isASCIIDigit(r rune) bool { return r >= '0' && r <= '9' }

func digitRun(rs []rune, at int) int {
	n := 0
	for at+n < len(rs) && isASCIIDigit(rs[at+n]) {
		n++
	}
	return n
}

// matchNumberAt returns the end of the numeric token starting exactly at i, if any.
func matchNumberAt(rs []rune, i int) (int, bool) {
	if i > 0 && isBoundaryRune(rs[i-1]) {
		return 0, false
	}
	for _, open := range optional(rs, i, '(') {
		p := i + open
		for _, minus := range optional(rs, p, '-') {
			q := p + minus
			avail := digitRun(rs, q)
			if avail > 3 {
				avail = 3
			}
			for d := avail; d >= 1; d-- {
				if end, ok := matchAfterLead(rs, q+d); ok {
					return end, true
				}
			}
		}
	}
	return 0, false
}

// optional lists the widths to try for an optional single rune, greedy first.
func optional(rs []rune, at int, want rune) []int {
	if at < len(rs) && rs[at] == want {
		return []int{1, 0}
	}
	return []int{0}
}

func matchAfterLead(rs []rune, r int) (int, bool) {
	groups := []int{r}
	for pos := r; pos+3 < len(rs) && rs[pos] == ',' && digitRun(rs, pos+1) >= 3; pos += 4 {
		groups = append(groups, pos+4)
	}
	for k := len(groups) - 1; k >= 0; k-- {
		s := groups[k]
		var fractions []int
		if s < len(rs) && rs[s] == '.' {
			for m := digitRun(rs, s+1); m >= 1; m-- {
				fractions = append(fractions, s+1+m)
			}
		}
		fractions = append(fractions, s)
		for _, t := range fractions {
			for _, closing := range optional(rs, t, ')') {
				end := t + closing
				if end == len(rs) || !isBoundaryRune(rs[end]) {
					return end, true
				}
			}
		}
	}
	return 0, false
}

func findNumbers(rs []rune) []numberSpan {
	var spans []numberSpan
	for i := 0; i < len(rs); {
		if end, ok := matchNumberAt(rs, i); ok {
			spans = append(spans, numberSpan{start: i, end: end})
			i = end
			continue
		}
		i++
	}
	return spans
}

// tokenValue converts a matched token to a decimal: commas are dropped and a fully
// parenthesized token is negated. Unbalanced parentheses leave the value null.
func tokenValue(raw string) decimal.NullDecimal {
	text := strings.ReplaceAll(raw, ",", "")
	negative := false
	if strings.HasPrefix(text, "(") && strings.HasSuffix(text, ")") {
		negative = true
		text = text[1 : len(text)-1]
	}
	v, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.NullDecimal{}
	}
	if negative {
		v = v.Neg()
	}
	return decimal.NewNullDecimal(v)
}

// ExtractNumbers returns one cell per numeric token in the line, in order.
func ExtractNumbers(line string) []models.TableCell {
	rs := []rune(line)
	spans := findNumbers(rs)
	cells := make([]models.TableCell, 0, len(spans))
	for _, sp := range spans {
		raw := string(rs[sp.start:sp.end])
		cells = append(cells, models.TableCell{Value: tokenValue(raw), RawText: &raw})
	}
	return cells
}

var multiSpaceRE = regexp.MustCompile(`[\s\p{Zs}]{2,}`)

// StripNumbers removes numeric tokens from a line, leaving its label text.
func StripNumbers(line string) string {
	rs := []rune(line)
	spans := findNumbers(rs)
	if len(spans) == 0 {
		return strings.TrimSpace(multiSpaceRE.ReplaceAllString(line, " "))
	}
	var b strings.Builder
	prev := 0
	for _, sp := range spans {
		b.WriteString(string(rs[prev:sp.start]))
		b.WriteByte(' ')
		prev = sp.end
	}
	b.WriteString(string(rs[prev:]))
	return strings.TrimSpace(multiSpaceRE.ReplaceAllString(b.String(), " "))
}

// ParseNumber returns the value of the first numeric token in text.
func ParseNumber(text string) decimal.NullDecimal {
	rs := []rune(text)
	for i := range rs {
		if end, ok := matchNumberAt(rs, i); ok {
			return tokenValue(string(rs[i:end]))
		}
	}
	return decimal.NullDecimal{}
}
