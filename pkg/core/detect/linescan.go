package detect

import (
	"strings"
	"unicode/utf8"

	"finreport_facts/pkg/models"
)

const (
	headerBufferLines    = 3
	statementLookback    = 2 // pages
	maxRowLabelRunes     = 60
	maxCompanyLabelRunes = 30
	shortLabelRunes      = 40
	minRowsWithoutHint   = 5
)

type scanState int

const (
	scanningHeader scanState = iota
	scanningRows
)

type pageLine struct {
	page int
	text string
}

// lineScanner groups consecutive numeric lines of plain text into table blocks.
// In scanningHeader it keeps a rolling buffer of non-row lines; the first row line
// switches to scanningRows, and any blank or non-row line flushes the block.
type lineScanner struct {
	d *Detector

	state         scanState
	headerBuffer  []pageLine
	lastStatement *pageLine

	header    []string
	rows      []pageLine
	pageStart int
	pageEnd   int

	blocks []models.TableBlock
}

func (d *Detector) scanLines(pages []models.PageContent) []models.TableBlock {
	s := &lineScanner{d: d}
	for _, p := range pages {
		for _, raw := range strings.Split(p.TextRaw, "\n") {
			s.feed(p.Page, strings.TrimSpace(raw))
		}
	}
	s.flush()
	return s.blocks
}

func (s *lineScanner) feed(page int, line string) {
	if line == "" {
		s.flush()
		return
	}
	if classifyStatement(line, s.d.rules) != models.StatementNone {
		s.lastStatement = &pageLine{page: page, text: line}
	}

	if s.isRow(line) {
		if s.state == scanningHeader {
			s.openBlock(page)
		}
		s.rows = append(s.rows, pageLine{page: page, text: line})
		s.pageEnd = page
		return
	}

	s.flush()
	s.headerBuffer = append(s.headerBuffer, pageLine{page: page, text: line})
	if len(s.headerBuffer) > headerBufferLines {
		s.headerBuffer = s.headerBuffer[1:]
	}
}

// isRow applies the row test for the current state: a block opens on a line with two
// numbers and continues on lines with one, as long as a label remains.
func (s *lineScanner) isRow(line string) bool {
	if StripNumbers(line) == "" {
		return false
	}
	n := len(ExtractNumbers(line))
	if s.state == scanningHeader {
		return n >= 2
	}
	return n >= 1
}

func (s *lineScanner) openBlock(page int) {
	s.state = scanningRows
	s.header = s.header[:0]
	for _, h := range s.headerBuffer {
		s.header = append(s.header, h.text)
	}
	if classifyStatement(strings.Join(s.header, " "), s.d.rules) == models.StatementNone && s.lastStatement != nil {
		if page-s.lastStatement.page <= statementLookback && !containsString(s.header, s.lastStatement.text) {
			s.header = append([]string{s.lastStatement.text}, s.header...)
		}
	}
	s.pageStart = page
}

func (s *lineScanner) flush() {
	if s.state == scanningRows {
		if block, ok := s.d.buildScannedBlock(s.header, s.rows, s.pageStart, s.pageEnd); ok {
			s.blocks = append(s.blocks, block)
		}
	}
	s.state = scanningHeader
	s.rows = nil
	s.header = nil
	s.pageStart, s.pageEnd = 0, 0
}

// keepRow drops narrative lines that happen to contain numbers.
func keepRow(label string) bool {
	if label == "" {
		return false
	}
	n := utf8.RuneCountInString(label)
	if n > maxRowLabelRunes {
		return false
	}
	if strings.Contains(label, "。") || strings.Contains(label, "，") {
		return false
	}
	if strings.Contains(label, "公司") && n > maxCompanyLabelRunes {
		return false
	}
	return true
}

func (d *Detector) buildScannedBlock(header []string, lines []pageLine, pageStart, pageEnd int) (models.TableBlock, bool) {
	type scannedRow struct {
		page  int
		label string
		cells []models.TableCell
	}
	var rows []scannedRow
	maxCols, withTwo, shortLabels := 0, 0, 0
	for _, l := range lines {
		label := StripNumbers(l.text)
		if !keepRow(label) {
			continue
		}
		cells := ExtractNumbers(l.text)
		rows = append(rows, scannedRow{page: l.page, label: label, cells: cells})
		if len(cells) > maxCols {
			maxCols = len(cells)
		}
		if len(cells) >= 2 {
			withTwo++
		}
		if utf8.RuneCountInString(label) <= shortLabelRunes {
			shortLabels++
		}
	}

	total := len(rows)
	headerText := strings.Join(header, " ")
	statement := classifyStatement(headerText, d.rules)
	switch {
	case maxCols < 2 || total < 2:
		return models.TableBlock{}, false
	case withTwo < 2 || withTwo*2 < total:
		return models.TableBlock{}, false
	case shortLabels*2 < total:
		return models.TableBlock{}, false
	case !hasPeriodMarker(headerText) && statement == models.StatementNone && total < minRowsWithoutHint:
		return models.TableBlock{}, false
	}

	tableRows := make([]models.TableRow, 0, total)
	for _, r := range rows {
		cells := r.cells
		if pad := maxCols - len(cells); pad > 0 {
			cells = append(make([]models.TableCell, pad), cells...)
		}
		tableRows = append(tableRows, models.TableRow{Label: r.label, Cells: cells, PageNumber: r.page})
	}
	if statement == models.StatementNone {
		statement = d.inferStatement(tableRows)
	}

	var title, section string
	if len(header) > 0 {
		title, section = header[0], header[len(header)-1]
	}
	currency, units := detectUnits(headerText)
	if pageEnd == 0 {
		pageEnd = pageStart
	}
	return models.TableBlock{
		Title:          title,
		SectionTitle:   section,
		StatementType:  statement,
		PageStart:      pageStart,
		PageEnd:        pageEnd,
		Currency:       currency,
		Units:          units,
		IsConsolidated: consolidationFlag(title, headerText),
		Scope:          consolidationScope(title, headerText),
		Columns:        guessColumnLabels(header, maxCols),
		Rows:           tableRows,
	}, true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
