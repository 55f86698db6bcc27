// Package tabular reads uploaded CSV and XLSX files into raw features.Table values.
// It does no numeric parsing: cells are returned exactly as written, apart from a
// stripped byte-order mark and padding of short rows.
package tabular

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"credit-rater/internal/features"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrNoHeader          = errors.New("file has no header row")
)

// Options controls how files are read.
type Options struct {
	// Delimiter for CSV. If 0, auto-detects among ',', ';', '\t'.
	Delimiter rune
	// Sheet names the XLSX sheet to read. Empty means the first sheet.
	Sheet string
}

// Supported reports whether filename has an extension Read understands.
func Supported(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv", ".txt", ".tsv", ".xlsx":
		return true
	}
	return false
}

// Read parses r according to the extension of filename.
func Read(filename string, r io.Reader, opts Options) (features.Table, error) {
	name := filepath.Base(filename)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv", ".txt", ".tsv":
		return ReadCSV(name, r, opts)
	case ".xlsx":
		return ReadXLSX(name, r, opts)
	default:
		return features.Table{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(filename))
	}
}

// ReadCSV reads delimited text. The first record is the header.
func ReadCSV(name string, r io.Reader, opts Options) (features.Table, error) {
	br := bufio.NewReader(r)
	if bom, err := br.Peek(3); err == nil && bytes.Equal(bom, []byte{0xEF, 0xBB, 0xBF}) {
		_, _ = br.Discard(3)
	}

	delim := opts.Delimiter
	if delim == 0 {
		line, _ := br.Peek(4096)
		delim = sniffDelimiter(line)
	}

	cr := csv.NewReader(br)
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	records, err := cr.ReadAll()
	if err != nil {
		return features.Table{}, fmt.Errorf("read csv %s: %w", name, err)
	}
	return build(name, records)
}

// sniffDelimiter picks the candidate that occurs most often in the first line.
func sniffDelimiter(sample []byte) rune {
	if i := bytes.IndexByte(sample, '\n'); i >= 0 {
		sample = sample[:i]
	}
	best, bestN := ',', 0
	for _, c := range []rune{',', ';', '\t'} {
		if n := bytes.Count(sample, []byte(string(c))); n > bestN {
			best, bestN = c, n
		}
	}
	return best
}

// ReadXLSX reads one worksheet of an Excel workbook. The first row is the header.
func ReadXLSX(name string, r io.Reader, opts Options) (features.Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return features.Table{}, fmt.Errorf("open xlsx %s: %w", name, err)
	}
	defer f.Close()

	sheet := opts.Sheet
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return features.Table{}, fmt.Errorf("xlsx %s: %w", name, ErrNoHeader)
		}
		sheet = sheets[0]
	}

	// number formats only affect display; features need the stored values
	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return features.Table{}, fmt.Errorf("read sheet %q of %s: %w", sheet, name, err)
	}
	return build(name, rows)
}

func build(name string, records [][]string) (features.Table, error) {
	// leading blank lines are common in exported spreadsheets
	for len(records) > 0 && blank(records[0]) {
		records = records[1:]
	}
	if len(records) == 0 {
		return features.Table{}, fmt.Errorf("%s: %w", name, ErrNoHeader)
	}

	header := make([]string, len(records[0]))
	for i, h := range records[0] {
		header[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}

	rows := make([][]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		if blank(rec) {
			continue
		}
		row := make([]string, len(header))
		copy(row, rec)
		rows = append(rows, row)
	}

	return features.Table{Name: name, Columns: header, Rows: rows}, nil
}

func blank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
