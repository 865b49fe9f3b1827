// Package ingest reads raw submission files (CSV and Excel exports) into
// rows for the pipeline. It handles the messy reality of field exports:
// UTF-8 BOMs, invalid byte sequences, Excel formula prefixes, stray quotes,
// preamble lines before the real header row.
package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tororo-hospice/datawash/internal/extract"
)

// MaxFileSize rejects files that are plainly not form exports.
const MaxFileSize = 50 << 20

// headerScanLimit is how many leading records are searched for the header
// row. Kobo exports sometimes carry a title or export-date preamble.
const headerScanLimit = 10

var (
	ErrFileTooLarge = errors.New("ingest: file exceeds size limit")
	ErrNoHeader     = errors.New("ingest: no header row found")
)

// RawRow is one data row: its source position and the cell values keyed by
// lowercase header name. Empty cells are omitted.
type RawRow struct {
	Source extract.RowRef
	Fields map[string]string
}

// ReadFile dispatches on file extension.
func ReadFile(path string) ([]RawRow, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return readCSVFile(path)
	case ".xlsx", ".xls":
		return ReadExcel(path)
	default:
		return nil, fmt.Errorf("ingest: unsupported file type %q", filepath.Ext(path))
	}
}

func readCSVFile(path string) ([]RawRow, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f, filepath.Base(path))
}

// ReadCSV parses CSV data into rows. The header row is discovered within
// the first few records; lines before it are ignored.
func ReadCSV(r io.Reader, name string) ([]RawRow, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if len(data) > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	data = sanitize(data)

	cr := csv.NewReader(bytes.NewReader(data))
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	var records [][]string
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		records = append(records, rec)
	}

	headerIdx := findHeaderRow(records)
	if headerIdx < 0 {
		return nil, ErrNoHeader
	}
	header := makeHeader(records[headerIdx])

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

// sanitize strips a UTF-8 BOM and replaces invalid byte sequences so the
// CSV parser never sees broken encoding from Windows exports.
func sanitize(data []byte) []byte {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	return bytes.ToValidUTF8(data, []byte("�"))
}

// findHeaderRow returns the index of the first record that looks like a
// header: at least two non-empty cells. Preamble lines (titles, export
// dates) rarely have more than one.
func findHeaderRow(records [][]string) int {
	limit := headerScanLimit
	if len(records) < limit {
		limit = len(records)
	}
	for i := 0; i < limit; i++ {
		nonEmpty := 0
		for _, cell := range records[i] {
			if CleanCell(cell) != "" {
				nonEmpty++
			}
		}
		if nonEmpty >= 2 {
			return i
		}
	}
	return -1
}

func makeHeader(record []string) []string {
	header := make([]string, len(record))
	for i, h := range record {
		header[i] = strings.ToLower(CleanCell(h))
	}
	return header
}

// rowFields maps one record onto the header, dropping empty cells. An
// all-empty record yields nil, which the caller skips.
func rowFields(header, record []string) map[string]string {
	fields := make(map[string]string)
	for i, cell := range record {
		if i >= len(header) || header[i] == "" {
			continue
		}
		v := CleanCell(cell)
		if v == "" {
			continue
		}
		fields[header[i]] = v
	}
	return fields
}

// CleanCell removes common export artifacts from a cell value: surrounding
// whitespace, the Excel formula prefix (="..."), and stray quotes.
func CleanCell(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, `="`) && strings.HasSuffix(s, `"`) {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}
	return strings.Trim(s, `"'`)
}

// ScanDir lists the ingestable files directly under dir, sorted by name so
// batch composition is deterministic.
func ScanDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan input dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".csv", ".xlsx", ".xls":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}
