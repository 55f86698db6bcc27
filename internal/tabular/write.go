package tabular

import (
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"credit-rater/internal/features"
)

// Write encodes t according to the extension of filename, header first.
func Write(filename string, w io.Writer, t features.Table) error {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv", ".txt":
		return WriteCSV(w, t, ',')
	case ".tsv":
		return WriteCSV(w, t, '\t')
	case ".xlsx":
		return WriteXLSX(w, t)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(filename))
	}
}

// WriteCSV writes t as delimited text.
func WriteCSV(w io.Writer, t features.Table, delimiter rune) error {
	cw := csv.NewWriter(w)
	cw.Comma = delimiter
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return err
	}
	return cw.Error()
}

// WriteXLSX writes t to the first sheet of a new workbook. Cells are stored as text
// so values read back exactly as written.
func WriteXLSX(w io.Writer, t features.Table) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	records := append([][]string{t.Columns}, t.Rows...)
	for i, rec := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		values := make([]any, len(rec))
		for j, v := range rec {
			values[j] = v
		}
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}
