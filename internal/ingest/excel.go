package ingest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"github.com/tororo-hospice/datawash/internal/extract"
)

// ReadExcel reads the first sheet of an .xlsx workbook. Header discovery
// and cell cleaning follow the CSV path exactly.
func ReadExcel(path string) ([]RawRow, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > MaxFileSize {
		return nil, ErrFileTooLarge
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook %s has no sheets", path)
	}
	records, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}

	headerIdx := findHeaderRow(records)
	if headerIdx < 0 {
		return nil, ErrNoHeader
	}
	header := makeHeader(records[headerIdx])

	name := filepath.Base(path)
	var rows []RawRow
	for i := headerIdx + 1; i < len(records); i++ {
		fields := rowFields(header, records[i])
		if len(fields) == 0 {
			continue
		}
		rows = append(rows, RawRow{
			Source: extract.RowRef{File: name, Line: i + 1},
			Fields: fields,
		})
	}
	return rows, nil
}
