package pages

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"finreport_facts/pkg/models"
)

// =============================================================================
// HTML
// =============================================================================

const pageBreakMarker = "finreport-page-break"

var (
	fontSizeRE   = regexp.MustCompile(`font-size:\s*(\d+)(?:\.\d*)?pt`)
	pageNumberRE = regexp.MustCompile(`^(?:Page\s*)?\d+$|^-\s*\d+\s*-$|^[A-Z]?-\d+$|^第\s*\d+\s*页(?:\s*共\s*\d+\s*页)?$`)
	sectionRE    = regexp.MustCompile(`(?i)^(?:合并|母公司)?(?:资产负债表|利润表|现金流量表|所有者权益变动表)|^第[一二三四五六七八九十]+节|^(?:CONSOLIDATED\s+)?(?:BALANCE\s+SHEETS?|STATEMENTS?\s+OF)`)
	spaceRE      = regexp.MustCompile(`\s+`)
)

// htmlPages reads an HTML export, one page per page-break section. Pages are numbered by
// position and blank pages are dropped. Tables stay as HTML in the markdown so the
// detector sees their spans.
func htmlPages(path string) ([]models.PageContent, error) {
	files := []string{path}
	if isDir(path) {
		var err error
		files, err = findFiles(path, func(name string) bool {
			return strings.HasSuffix(name, ".html") || strings.HasSuffix(name, ".htm")
		})
		if err != nil {
			return nil, err
		}
	} else if !hasExt(path, ".html", ".htm") {
		return nil, ErrNoContent
	}

	var out []models.PageContent
	n := 0
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f, err)
		}
		pages, err := SplitHTML(string(data))
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", f, err)
		}
		for _, p := range pages {
			p.Page += n
			out = append(out, p)
		}
		if len(pages) > 0 {
			n = out[len(out)-1].Page
		}
	}
	return out, nil
}

// SplitHTML cleans an HTML document and splits it on CSS page breaks and <hr> rules.
func SplitHTML(content string) ([]models.PageContent, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, err
	}
	removeNoise(doc)
	markPageBreaks(doc)

	r := &htmlRenderer{page: 1}
	r.render(doc.Find("body"))
	r.endPage()
	return r.pages, nil
}

// removeNoise strips scripts, hidden elements, images and bare page numbers, and unwraps
// inline XBRL tags.
func removeNoise(doc *goquery.Document) {
	doc.Find("script, style, head, img, [hidden], [style*='display:none'], [style*='display: none']").Remove()

	doc.Find("ix\\:nonfraction, ix\\:nonnumeric, ix\\:fraction").Each(func(_ int, sel *goquery.Selection) {
		sel.ReplaceWithHtml(sel.Text())
	})

	doc.Find("p, div, span").Each(func(_ int, sel *goquery.Selection) {
		if sel.Find("table").Length() > 0 {
			return
		}
		text := strings.TrimSpace(sel.Text())
		if len(text) < 20 && pageNumberRE.MatchString(text) {
			sel.Remove()
		}
	})
}

func markPageBreaks(doc *goquery.Document) {
	marker := "<!--" + pageBreakMarker + "-->"
	doc.Find("[style]").Each(func(_ int, sel *goquery.Selection) {
		style := strings.ToLower(strings.ReplaceAll(sel.AttrOr("style", ""), " ", ""))
		if strings.Contains(style, "page-break-before:always") || strings.Contains(style, "break-before:page") {
			sel.BeforeHtml(marker)
		}
		if strings.Contains(style, "page-break-after:always") || strings.Contains(style, "break-after:page") {
			sel.AfterHtml(marker)
		}
	})
	doc.Find("hr").ReplaceWithHtml(marker)
}

type htmlRenderer struct {
	page  int
	pages []models.PageContent
	md    []string
	raw   []string
	line  strings.Builder
}

func (r *htmlRenderer) render(sel *goquery.Selection) {
	sel.Contents().Each(func(_ int, c *goquery.Selection) {
		switch name := goquery.NodeName(c); name {
		case "#text":
			r.inline(c.Text())
		case "#comment":
			if len(c.Nodes) > 0 && strings.TrimSpace(c.Nodes[0].Data) == pageBreakMarker {
				r.endPage()
			}
		case "br":
			r.flush()
		case "h1", "h2", "h3", "h4", "h5", "h6":
			level, _ := strconv.Atoi(name[1:])
			r.heading(level, c.Text())
		case "table":
			r.table(c)
		case "p", "div", "li", "section", "article", "tr", "ul", "ol", "blockquote", "center":
			r.flush()
			if level := fakeHeaderLevel(c); level > 0 {
				r.heading(level, c.Text())
				return
			}
			r.render(c)
			r.flush()
		default:
			r.render(c)
		}
	})
}

func (r *htmlRenderer) inline(text string) {
	text = spaceRE.ReplaceAllString(strings.ReplaceAll(text, "\u00a0", " "), " ")
	if strings.TrimSpace(text) == "" {
		if r.line.Len() > 0 {
			r.line.WriteByte(' ')
		}
		return
	}
	r.line.WriteString(text)
}

func (r *htmlRenderer) flush() {
	line := strings.TrimSpace(spaceRE.ReplaceAllString(r.line.String(), " "))
	r.line.Reset()
	if line == "" {
		return
	}
	r.md = append(r.md, line)
	r.raw = append(r.raw, line)
}

func (r *htmlRenderer) heading(level int, text string) {
	r.flush()
	text = strings.TrimSpace(spaceRE.ReplaceAllString(text, " "))
	if text == "" {
		return
	}
	r.md = append(r.md, strings.Repeat("#", level)+" "+text)
	r.raw = append(r.raw, text)
}

// table keeps the table markup for the markdown and writes one raw line per row.
func (r *htmlRenderer) table(sel *goquery.Selection) {
	r.flush()
	html, err := goquery.OuterHtml(sel)
	if err == nil {
		r.md = append(r.md, html)
	}
	sel.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		var cells []string
		tr.Find("td, th").Each(func(_ int, td *goquery.Selection) {
			if t := strings.TrimSpace(spaceRE.ReplaceAllString(td.Text(), " ")); t != "" {
				cells = append(cells, t)
			}
		})
		if len(cells) > 0 {
			r.raw = append(r.raw, strings.Join(cells, " "))
		}
	})
}

func (r *htmlRenderer) endPage() {
	r.flush()
	if len(r.md) > 0 {
		r.pages = append(r.pages, models.PageContent{
			Page:    r.page,
			TextMD:  strings.Join(r.md, "\n\n"),
			TextRaw: strings.Join(r.raw, "\n"),
		})
	}
	r.page++
	r.md, r.raw = nil, nil
}

// fakeHeaderLevel detects paragraphs styled as headings: bold text at 14pt or more is a
// level 2 heading, 12pt a level 3, and a bold statement or section title a level 2.
func fakeHeaderLevel(sel *goquery.Selection) int {
	if sel.Find("table").Length() > 0 {
		return 0
	}
	text := strings.TrimSpace(sel.Text())
	if text == "" || len([]rune(text)) > 60 {
		return 0
	}

	style := strings.ToLower(sel.AttrOr("style", ""))
	if span := sel.Children().First(); sel.Children().Length() == 1 && strings.TrimSpace(span.Text()) == text {
		style += ";" + strings.ToLower(span.AttrOr("style", ""))
	}
	bold := strings.Contains(strings.ReplaceAll(style, " ", ""), "font-weight:bold") ||
		strings.Contains(strings.ReplaceAll(style, " ", ""), "font-weight:700")
	if bold {
		switch size := fontSize(style); {
		case size >= 14:
			return 2
		case size >= 12:
			return 3
		}
	}

	strong := sel.Find("b, strong").First()
	if (bold || strings.TrimSpace(strong.Text()) == text) && sectionRE.MatchString(text) {
		return 2
	}
	return 0
}

func fontSize(style string) int {
	m := fontSizeRE.FindStringSubmatch(style)
	if len(m) < 2 {
		return 0
	}
	size, _ := strconv.Atoi(m[1])
	return size
}
