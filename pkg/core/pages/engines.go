package pages

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"finreport_facts/pkg/core/utils"
	"finreport_facts/pkg/models"
)

var pageMarker = regexp.MustCompile(`(?i)<!--\s*page(?:\s*[:=]?\s*\d+)?\s*-->`)

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// findFiles lists files under root whose lower-cased name satisfies match, in lexical order.
func findFiles(root string, match func(name string) bool) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && match(strings.ToLower(d.Name())) {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}
	return out, nil
}

func hasExt(path string, exts ...string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

// =============================================================================
// CONTENT LIST (MinerU)
// =============================================================================

func (s *FileSource) contentList(path string) ([]models.PageContent, error) {
	file := path
	if isDir(path) {
		files, err := findFiles(path, func(name string) bool { return strings.HasSuffix(name, "_content_list.json") })
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, ErrNoContent
		}
		file = files[0]
	} else if !hasExt(path, ".json") {
		return nil, ErrNoContent
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file, err)
	}
	return s.ParseContentList(data)
}

// ParseContentList assembles pages from a converter's content list: headings from
// text_level, table captions as headings, table bodies verbatim, then footnotes.
func (s *FileSource) ParseContentList(data []byte) ([]models.PageContent, error) {
	var items []any
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal content list: %w", err)
	}

	mdParts := map[int][]string{}
	rawParts := map[int][]string{}
	for _, it := range items {
		item, ok := it.(map[string]any)
		if !ok {
			continue
		}
		page, ok := pageNumber(item["page_idx"])
		if !ok {
			continue
		}
		if _, seen := mdParts[page]; !seen {
			mdParts[page], rawParts[page] = nil, nil
		}

		itemType := strings.ToLower(strings.TrimSpace(stringField(item["type"])))
		if itemType != "" && !s.rules.AllowsElement(itemType) {
			continue
		}
		switch itemType {
		case "text":
			text := strings.TrimSpace(stringField(item["text"]))
			if text == "" {
				continue
			}
			if level, ok := item["text_level"].(float64); ok && level > 0 {
				mdParts[page] = append(mdParts[page], strings.Repeat("#", min(int(level), 6))+" "+text)
			} else {
				mdParts[page] = append(mdParts[page], text)
			}
			rawParts[page] = append(rawParts[page], text)
		case "table":
			for _, caption := range captions(item["table_caption"]) {
				mdParts[page] = append(mdParts[page], "### "+caption)
				rawParts[page] = append(rawParts[page], caption)
			}
			if body := strings.TrimSpace(stringField(item["table_body"])); body != "" {
				mdParts[page] = append(mdParts[page], body)
			}
			for _, note := range captions(item["table_footnote"]) {
				mdParts[page] = append(mdParts[page], note)
				rawParts[page] = append(rawParts[page], note)
			}
		}
	}

	numbers := make([]int, 0, len(mdParts))
	for p := range mdParts {
		numbers = append(numbers, p)
	}
	sort.Ints(numbers)

	var out []models.PageContent
	for _, p := range numbers {
		md := strings.TrimSpace(strings.Join(mdParts[p], "\n\n"))
		raw := strings.TrimSpace(strings.Join(rawParts[p], "\n"))
		if md == "" && raw == "" {
			continue
		}
		out = append(out, models.PageContent{Page: p, TextRaw: raw, TextMD: md})
	}
	return out, nil
}

// pageNumber converts a zero-based page_idx to a one-based page number.
func pageNumber(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t) + 1, true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, false
		}
		return n + 1, true
	}
	return 0, false
}

func stringField(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func captions(v any) []string {
	var out []string
	switch t := v.(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			out = append(out, s)
		}
	case []any:
		for _, item := range t {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// =============================================================================
// MARKDOWN
// =============================================================================

// markdownPages reads one page per .md file in a directory, or splits a single file on
// <!-- page --> markers.
func markdownPages(path string) ([]models.PageContent, error) {
	if isDir(path) {
		files, err := findFiles(path, func(name string) bool { return strings.HasSuffix(name, ".md") })
		if err != nil {
			return nil, err
		}
		var out []models.PageContent
		for i, f := range files {
			data, err := os.ReadFile(f)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", f, err)
			}
			if page, ok := markdownPage(i+1, string(data)); ok {
				out = append(out, page)
			}
		}
		return out, nil
	}

	if !hasExt(path, ".md", ".markdown") {
		return nil, ErrNoContent
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return SplitMarkdown(string(data)), nil
}

// SplitMarkdown splits a markdown document on page markers. Pages are numbered by
// position; blank pages are dropped.
func SplitMarkdown(md string) []models.PageContent {
	var out []models.PageContent
	for i, chunk := range pageMarker.Split(md, -1) {
		if page, ok := markdownPage(i+1, chunk); ok {
			out = append(out, page)
		}
	}
	return out
}

func markdownPage(n int, md string) (models.PageContent, bool) {
	md = strings.TrimSpace(md)
	if md == "" {
		return models.PageContent{}, false
	}
	return models.PageContent{Page: n, TextMD: md, TextRaw: strings.TrimSpace(utils.PlainText(md))}, true
}

// =============================================================================
// PLAIN TEXT
// =============================================================================

// textPages splits plain text on form feeds, one page per segment.
func textPages(path string) ([]models.PageContent, error) {
	files := []string{path}
	if isDir(path) {
		var err error
		files, err = findFiles(path, func(name string) bool { return strings.HasSuffix(name, ".txt") })
		if err != nil {
			return nil, err
		}
	} else if hasExt(path, ".json", ".md", ".markdown", ".html", ".htm", ".pdf") {
		return nil, ErrNoContent
	}

	var out []models.PageContent
	n := 0
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f, err)
		}
		if !utf8.Valid(data) {
			return nil, fmt.Errorf("%s is not a text document", f)
		}
		for _, segment := range strings.Split(string(data), "\f") {
			n++
			text := strings.TrimSpace(segment)
			if text == "" {
				continue
			}
			out = append(out, models.PageContent{Page: n, TextRaw: text, TextMD: fmt.Sprintf("## Page %d\n\n%s\n", n, text)})
		}
	}
	return out, nil
}
