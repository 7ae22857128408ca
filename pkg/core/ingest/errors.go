package ingest

import (
	"errors"
	"fmt"
	"strings"
)

// Stages a failure is attributed to.
const (
	StageParse         = "parse"
	StageInit          = "init"
	StageInsertReport  = "insert_report"
	StageVersionStart  = "version_start"
	StageInsertPages   = "insert_pages"
	StageInsertTables  = "insert_tables"
	StageInsertCells   = "insert_cells"
	StageInsertFacts   = "insert_facts"
	StageFinishVersion = "finish_version"
)

// StageError labels an ingestion failure with the stage it happened in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageOf returns the stage label of err, or "" when it carries none.
func StageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// errorType names the innermost error's type, without package or pointer marks.
func errorType(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	name := fmt.Sprintf("%T", err)
	name = strings.TrimLeft(name, "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}
