// Package export writes the lines drawn during a run to Parquet for offline
// analysis of detection and translation quality.
package export

import (
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"

	"page-translator/internal/annotate"
	"page-translator/internal/naturalsort"
	"page-translator/internal/types"
)

// LineRow is one drawn line.
type LineRow struct {
	RunID       string `json:"run_id" parquet:"run_id"`
	Document    string `json:"document" parquet:"document"`
	Page        string `json:"page" parquet:"page"`
	PageNumber  int64  `json:"page_number" parquet:"page_number"`
	X1          int64  `json:"x1" parquet:"x1"`
	Y1          int64  `json:"y1" parquet:"y1"`
	X2          int64  `json:"x2" parquet:"x2"`
	Y2          int64  `json:"y2" parquet:"y2"`
	Text        string `json:"text" parquet:"text"`
	Translation string `json:"translation" parquet:"translation"`
	Translated  bool   `json:"translated" parquet:"translated"`
}

// Rows flattens page results into rows, in page order.
func Rows(runID, document string, pages []annotate.PageResult) []LineRow {
	var rows []LineRow
	for _, p := range pages {
		name := filepath.Base(p.Source)
		num := int64(naturalsort.PageNumber(name))
		for _, l := range p.Lines {
			rows = append(rows, LineRow{
				RunID:       runID,
				Document:    document,
				Page:        name,
				PageNumber:  num,
				X1:          int64(l.Rect.X1),
				Y1:          int64(l.Rect.Y1),
				X2:          int64(l.Rect.X2),
				Y2:          int64(l.Rect.Y2),
				Text:        l.Text,
				Translation: l.Translation,
				Translated:  l.Translated,
			})
		}
	}
	return rows
}

// FileName is the export file name for a document.
func FileName(document string) string {
	return document + "_detections.parquet"
}

// WriteParquet writes rows to path, creating the directory.
func WriteParquet(path string, rows []LineRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return types.NewAppError(types.ErrIO, "failed to create export directory", err)
	}
	if err := parquet.WriteFile(path, rows); err != nil {
		return types.NewAppError(types.ErrIO, "failed to write parquet file", err)
	}
	return nil
}

// ReadParquet reads rows written by WriteParquet.
func ReadParquet(path string) ([]LineRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, types.NewAppError(types.ErrFileNotFound, "failed to open parquet file", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, types.NewAppError(types.ErrIO, "failed to stat parquet file", err)
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return nil, types.NewAppError(types.ErrInvalidInput, "failed to open parquet", err)
	}

	reader := parquet.NewGenericReader[LineRow](pf)
	defer reader.Close()

	var rows []LineRow
	batch := make([]LineRow, 128)
	for {
		n, err := reader.Read(batch)
		rows = append(rows, batch[:n]...)
		if err != nil {
			break
		}
	}
	return rows, nil
}
