package features

import (
	"math"
	"sort"
	"strconv"
	"strings"
)

// Empty column policies for NormalizeBatch.
const (
	EmptyColumnReject = "reject"
	EmptyColumnZero   = "zero"
)

// Options controls number parsing and imputation. The zero value uses '.' as the
// decimal separator, rejects all-missing columns, and matches column names exactly.
type Options struct {
	DecimalSeparator  rune
	EmptyColumnPolicy string
	// Aliases maps a canonical feature name to alternative column headers.
	Aliases map[string][]string
}

func (o Options) decimal() rune {
	if o.DecimalSeparator == ',' {
		return ','
	}
	return '.'
}

// Table is a raw uploaded dataset: named columns and rows of unparsed cells.
type Table struct {
	Name    string     `json:"name"`
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// Batch is the normalized form of a Table.
type Batch struct {
	Vectors []Vector
	// Imputed counts filled cells per feature name.
	Imputed map[string]int
	// Medians holds the fill value used per feature name, in normalized units.
	Medians map[string]float64
}

// ImputedCells returns the total number of filled cells.
func (b *Batch) ImputedCells() int {
	n := 0
	for _, c := range b.Imputed {
		n += c
	}
	return n
}

var missingTokens = map[string]struct{}{
	"": {}, "NA": {}, "N/A": {}, "NaN": {}, "nan": {}, "null": {}, "NULL": {}, "None": {},
}

// IsMissing reports whether a raw cell counts as an absent value.
func IsMissing(cell string) bool {
	_, ok := missingTokens[strings.TrimSpace(cell)]
	return ok
}

// ResolveColumns maps each canonical feature to its column index in header. The
// first exact match wins, then the first alias match.
func ResolveColumns(header []string, aliases map[string][]string) ([Count]int, []string) {
	var idx [Count]int
	var missing []string

	pos := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimPrefix(h, "\ufeff")
		if _, seen := pos[h]; !seen {
			pos[h] = i
		}
	}

	for i, name := range Names {
		idx[i] = -1
		if p, ok := pos[name]; ok {
			idx[i] = p
			continue
		}
		for _, alias := range aliases[name] {
			if p, ok := pos[alias]; ok {
				idx[i] = p
				break
			}
		}
		if idx[i] < 0 {
			missing = append(missing, name)
		}
	}
	return idx, missing
}

// NormalizeBatch validates and normalizes a whole table. Any missing required column
// rejects the table before a single cell is read.
func NormalizeBatch(t Table, opts Options) (*Batch, error) {
	idx, missing := ResolveColumns(t.Columns, opts.Aliases)
	if len(missing) > 0 {
		return nil, &SchemaError{
			Table:    t.Name,
			Missing:  missing,
			Required: append([]string(nil), Names[:]...),
			Err:      ErrMissingColumns,
		}
	}
	if len(t.Rows) == 0 {
		return nil, &SchemaError{Table: t.Name, Err: ErrEmptyTable}
	}

	// values[col][row]; NaN marks a missing cell until imputation
	var values [Count][]float64
	for c := range Names {
		values[c] = make([]float64, len(t.Rows))
		for r, row := range t.Rows {
			cell := ""
			if idx[c] < len(row) {
				cell = row[idx[c]]
			}
			if IsMissing(cell) {
				values[c][r] = math.NaN()
				continue
			}
			f, err := parseCell(cell, c == profitIndex, opts.decimal())
			if err != nil {
				return nil, &ParseError{Field: Names[c], Row: r, Value: cell, Err: err}
			}
			values[c][r] = f
		}
	}

	b := &Batch{
		Vectors: make([]Vector, len(t.Rows)),
		Imputed: make(map[string]int),
		Medians: make(map[string]float64),
	}

	for c, name := range Names {
		col := values[c]
		present := make([]float64, 0, len(col))
		for _, v := range col {
			if !math.IsNaN(v) {
				present = append(present, v)
			}
		}
		if len(present) < len(col) {
			var fill float64
			if len(present) == 0 {
				if opts.EmptyColumnPolicy != EmptyColumnZero {
					return nil, &SchemaError{Table: t.Name, Column: name, Err: ErrEmptyColumn}
				}
			} else {
				fill = Median(present)
			}
			for r := range col {
				if math.IsNaN(col[r]) {
					col[r] = fill
					b.Imputed[name]++
				}
			}
			b.Medians[name] = fill
		}
		for r := range col {
			b.Vectors[r][c] = col[r]
		}
	}

	return b, nil
}

// Median returns the median of xs; it sorts a copy.
func Median(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	s := make([]float64, len(xs))
	copy(s, xs)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

// ParsePercent parses a profit-margin cell such as "12.5%" or "12.5" and returns the
// fraction (0.125). Surrounding whitespace is ignored.
func ParsePercent(s string, opts Options) (float64, error) {
	return parseCell(s, true, opts.decimal())
}

// FormatNumber writes f as a cell that parses back to f under opts.
func FormatNumber(f float64, opts Options) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if opts.decimal() == ',' {
		s = strings.Replace(s, ".", ",", 1)
	}
	return s
}

func parseCell(cell string, percent bool, decimal rune) (float64, error) {
	s := strings.TrimSpace(cell)
	if percent {
		s = trimPercent(s)
	}
	f, err := parseNumber(s, decimal)
	if err != nil {
		return 0, err
	}
	if percent {
		f /= 100
	}
	return f, nil
}

func trimPercent(s string) string {
	return strings.TrimSpace(strings.TrimSuffix(s, "%"))
}

func parseNumber(s string, decimal rune) (float64, error) {
	if decimal == ',' {
		if strings.Contains(s, ".") || strings.Count(s, ",") > 1 {
			return 0, ErrNotNumeric
		}
		s = strings.Replace(s, ",", ".", 1)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, ErrNotNumeric
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, ErrNotFinite
	}
	return f, nil
}
