package detect

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"finreport_facts/pkg/core/utils"
	"finreport_facts/pkg/models"
)

const (
	markupContextBefore = 1200
	markupContextAfter  = 800
	markupMinNumberRows = 3
)

var (
	htmlTableRE = regexp.MustCompile(`(?is)<table\b.*?>.*?</table>`)
	htmlBreakRE = regexp.MustCompile(`(?i)<br\s*/?>`)
)

// gridCell is one slot of the virtual grid. Slots covered by a colspan or rowspan
// repeat the origin text; down marks slots reached by a rowspan.
type gridCell struct {
	text    string
	spanned bool
	down    bool
	filled  bool
}

// buildGrid lays an HTML table out on a rectangular grid, honouring colspan and rowspan.
func buildGrid(tableHTML string) [][]gridCell {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlBreakRE.ReplaceAllString(tableHTML, " ")))
	if err != nil {
		return nil
	}
	rows := doc.Find("tr")
	if rows.Length() == 0 {
		return nil
	}

	// Pre-scan for the widest row.
	maxCols := 0
	rows.Each(func(_ int, tr *goquery.Selection) {
		width := 0
		tr.Find("td, th").Each(func(_ int, cell *goquery.Selection) {
			width += spanAttr(cell, "colspan")
		})
		if width > maxCols {
			maxCols = width
		}
	})
	if maxCols == 0 {
		return nil
	}

	rowCount := rows.Length()
	grid := make([][]gridCell, rowCount)
	for i := range grid {
		grid[i] = make([]gridCell, maxCols)
	}

	rows.Each(func(rowIdx int, tr *goquery.Selection) {
		colIdx := 0
		for colIdx < maxCols && grid[rowIdx][colIdx].filled {
			colIdx++
		}
		tr.Find("td, th").Each(func(_ int, cell *goquery.Selection) {
			colspan := spanAttr(cell, "colspan")
			rowspan := spanAttr(cell, "rowspan")
			text := cleanCellText(cell.Text())
			for r := 0; r < rowspan; r++ {
				for c := 0; c < colspan; c++ {
					gr, gc := rowIdx+r, colIdx+c
					if gr >= rowCount || gc >= maxCols {
						continue
					}
					grid[gr][gc] = gridCell{text: text, spanned: r > 0 || c > 0, down: r > 0, filled: true}
				}
			}
			colIdx += colspan
			for colIdx < maxCols && grid[rowIdx][colIdx].filled {
				colIdx++
			}
		})
	})
	return grid
}

func spanAttr(cell *goquery.Selection, name string) int {
	n, err := strconv.Atoi(strings.TrimSpace(cell.AttrOr(name, "1")))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func cleanCellText(text string) string {
	text = strings.ReplaceAll(text, "\u00a0", " ")
	text = multiSpaceRE.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// markupRow is a grid row reduced to what detection needs.
type markupRow struct {
	full        []string // text per column, spans repeated
	own         []string // text per column, spanned slots empty
	headerCarry bool     // some slot continues a rowspan from an earlier row
	width       int      // grid slots up to the row's last cell, empty cells included
}

func gridRows(grid [][]gridCell) []markupRow {
	var rows []markupRow
	for _, cells := range grid {
		row := markupRow{full: make([]string, len(cells)), own: make([]string, len(cells))}
		visible := false
		for i, c := range cells {
			row.full[i] = c.text
			if !c.spanned {
				row.own[i] = c.text
			}
			if c.down && c.text != "" {
				row.headerCarry = true
			}
			if c.filled {
				row.width = i + 1
			}
			if c.text != "" {
				visible = true
			}
		}
		if visible {
			rows = append(rows, row)
		}
	}
	return rows
}

func isHeaderRow(cells []string) bool {
	joined := strings.Join(cells, "")
	for _, kw := range []string{"项目", "期末", "期初", "本期", "上期"} {
		if strings.Contains(joined, kw) {
			return true
		}
	}
	if yearRE.MatchString(joined) {
		return true
	}
	for _, c := range cells {
		if ParseNumber(c).Valid {
			return false
		}
	}
	return true
}

func hasNumbers(cells []string) bool {
	for _, c := range cells {
		if ParseNumber(c).Valid {
			return true
		}
	}
	return false
}

// headerDepth counts the leading header rows. The first row is a header when it looks
// like one; each following row continues the header while it carries a rowspan from
// above or is a number-free row of period wording.
func headerDepth(rows []markupRow) int {
	if len(rows) < 2 || !isHeaderRow(rows[0].full) {
		return 0
	}
	depth := 1
	for depth < len(rows)-1 {
		r := rows[depth]
		values := r.full
		if len(values) > 1 {
			values = values[1:]
		}
		if hasNumbers(values) {
			break
		}
		if !r.headerCarry && !hasPeriodMarker(strings.Join(r.full, " ")) {
			break
		}
		depth++
	}
	return depth
}

// headerLabel joins the header rows' text for one grid column, dropping repeats
// produced by rowspans.
func headerLabel(header []markupRow, col int) string {
	var parts []string
	for _, r := range header {
		if col >= len(r.full) {
			continue
		}
		t := r.full[col]
		if t == "" || (len(parts) > 0 && parts[len(parts)-1] == t) {
			continue
		}
		parts = append(parts, t)
	}
	return strings.Join(parts, " ")
}

// rowWidth is the number of grid columns the row's cells occupy. Trailing empty cells
// count, so a column left blank in every data row still surfaces.
func rowWidth(r markupRow) int {
	return r.width
}

// parseMarkupTables detects every HTML table embedded in one page's markdown.
func (d *Detector) parseMarkupTables(md string, page int) []models.TableBlock {
	var blocks []models.TableBlock
	for _, loc := range htmlTableRE.FindAllStringIndex(md, -1) {
		before := runeWindowBefore(md, loc[0], markupContextBefore)
		after := runeWindowAfter(md, loc[1], markupContextAfter)
		context := before + "\n" + after

		block, ok := d.buildMarkupTable(md[loc[0]:loc[1]], before, context, page)
		if ok {
			blocks = append(blocks, block)
		}
	}
	return blocks
}

func (d *Detector) buildMarkupTable(tableHTML, before, context string, page int) (models.TableBlock, bool) {
	rows := gridRows(buildGrid(tableHTML))
	if len(rows) == 0 {
		return models.TableBlock{}, false
	}

	depth := headerDepth(rows)
	header, data := rows[:depth], rows[depth:]
	if len(data) == 0 {
		return models.TableBlock{}, false
	}

	numCols := 0
	for _, r := range data {
		if w := rowWidth(r) - 1; w > numCols {
			numCols = w
		}
	}
	if numCols < 2 {
		return models.TableBlock{}, false
	}

	columns := make([]models.TableColumn, numCols)
	var headerTexts []string
	for j := 0; j < numCols; j++ {
		label := ""
		if depth > 0 {
			label = headerLabel(header, j+1)
		}
		if label == "" {
			label = syntheticLabel(j)
		} else {
			headerTexts = append(headerTexts, label)
		}
		columns[j] = markupColumn(label, context)
	}

	var tableRows []models.TableRow
	numberRows := 0
	for _, r := range data {
		label := ""
		if len(r.own) > 0 {
			label = strings.TrimSpace(r.own[0])
		}
		if label == "" {
			continue
		}
		cells := make([]models.TableCell, numCols)
		hasValue := false
		for j := 0; j < numCols; j++ {
			if j+1 >= len(r.own) || r.own[j+1] == "" {
				continue
			}
			raw := r.own[j+1]
			cells[j] = models.TableCell{Value: ParseNumber(raw), RawText: &raw}
			if cells[j].Value.Valid {
				hasValue = true
			}
		}
		if hasValue {
			numberRows++
		}
		tableRows = append(tableRows, models.TableRow{Label: label, Cells: cells, PageNumber: page})
	}
	if numberRows < markupMinNumberRows {
		return models.TableBlock{}, false
	}

	title := utils.LastHeading(before)
	statement := classifyStatement(context, d.rules)
	if statement == models.StatementNone {
		statement = d.inferStatement(tableRows)
	}
	if !hasPeriodMarker(strings.Join(headerTexts, " ")) && statement == models.StatementNone &&
		(title == "" || !strings.Contains(title, "表")) {
		return models.TableBlock{}, false
	}

	currency, units := detectUnits(context)
	return models.TableBlock{
		Title:          title,
		SectionTitle:   title,
		StatementType:  statement,
		PageStart:      page,
		PageEnd:        page,
		Currency:       currency,
		Units:          units,
		IsConsolidated: consolidationFlag(title, context),
		Scope:          consolidationScope(title, context),
		Columns:        columns,
		Rows:           tableRows,
	}, true
}

// runeWindowBefore returns up to n runes of s ending at byte offset end.
func runeWindowBefore(s string, end, n int) string {
	start := end
	for i := 0; i < n && start > 0; i++ {
		_, size := utf8.DecodeLastRuneInString(s[:start])
		start -= size
	}
	return s[start:end]
}

// runeWindowAfter returns up to n runes of s starting at byte offset start.
func runeWindowAfter(s string, start, n int) string {
	end := start
	for i := 0; i < n && end < len(s); i++ {
		_, size := utf8.DecodeRuneInString(s[end:])
		end += size
	}
	return s[start:end]
}
