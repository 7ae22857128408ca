// Package pages turns converted report documents into per-page markdown and raw text.
package pages

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"finreport_facts/pkg/core/dictionary"
	"finreport_facts/pkg/models"
)

// ErrNoContent is returned when a document yields no usable page.
var ErrNoContent = errors.New("no usable page content")

// Extraction engines.
const (
	EngineAuto        = "auto"
	EngineContentList = "contentlist"
	EngineMarkdown    = "markdown"
	EngineHTML        = "html"
	EngineText        = "text"
)

// Source produces the pages of one document with the named engine and reports
// which engine actually produced them.
type Source interface {
	Extract(ctx context.Context, path, engine string) ([]models.PageContent, string, error)
}

// FileSource reads converter output from the local filesystem. A path may be a single
// file or a directory holding a converter's output for one document.
type FileSource struct {
	rules *dictionary.BackgroundRules
}

// NewFileSource builds a source. Rules restrict which content-list element types are kept.
func NewFileSource(rules *dictionary.BackgroundRules) *FileSource {
	if rules == nil {
		rules = dictionary.EmptyRules()
	}
	return &FileSource{rules: rules}
}

// NormalizeEngine maps engine aliases to engine names.
func NormalizeEngine(engine string) string {
	switch e := strings.ToLower(strings.TrimSpace(engine)); e {
	case "", EngineAuto:
		return EngineAuto
	case "mineru", "content_list", EngineContentList:
		return EngineContentList
	case "md", EngineMarkdown:
		return EngineMarkdown
	case "htm", EngineHTML:
		return EngineHTML
	case "txt", "pypdf", EngineText:
		return EngineText
	default:
		return e
	}
}

// Extract implements Source.
func (s *FileSource) Extract(ctx context.Context, path, engine string) ([]models.PageContent, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, "", fmt.Errorf("failed to open %s: %w", path, err)
	}

	engine = NormalizeEngine(engine)
	if engine != EngineAuto {
		pages, err := s.extractWith(path, engine)
		if err != nil {
			return nil, "", err
		}
		return pages, engine, nil
	}

	var errs []error
	for _, candidate := range []string{EngineContentList, EngineMarkdown, EngineHTML, EngineText} {
		pages, err := s.extractWith(path, candidate)
		if err == nil {
			return pages, candidate, nil
		}
		errs = append(errs, err)
	}
	log.Printf("[Pages] no engine produced content for %s", path)
	return nil, "", fmt.Errorf("%s: %w", path, errors.Join(errs...))
}

func (s *FileSource) extractWith(path, engine string) ([]models.PageContent, error) {
	var (
		pages []models.PageContent
		err   error
	)
	switch engine {
	case EngineContentList:
		pages, err = s.contentList(path)
	case EngineMarkdown:
		pages, err = markdownPages(path)
	case EngineHTML:
		pages, err = htmlPages(path)
	case EngineText:
		pages, err = textPages(path)
	default:
		return nil, fmt.Errorf("unknown engine %q", engine)
	}
	if err != nil {
		return nil, fmt.Errorf("%s engine: %w", engine, err)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("%s engine: %w", engine, ErrNoContent)
	}
	return pages, nil
}
