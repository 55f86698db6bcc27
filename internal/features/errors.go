package features

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSchema matches every *SchemaError via errors.Is.
	ErrSchema = errors.New("schema error")
	// ErrParse matches every *ParseError via errors.Is.
	ErrParse = errors.New("parse error")

	ErrMissingField   = errors.New("field is missing")
	ErrNotNumeric     = errors.New("value is not numeric")
	ErrNotFinite      = errors.New("value is not finite")
	ErrEmptyTable     = errors.New("table has no rows")
	ErrEmptyColumn    = errors.New("column has no values to impute from")
	ErrMissingColumns = errors.New("required columns are missing")
)

// SchemaError rejects a whole batch before any row is processed.
type SchemaError struct {
	Table    string
	Missing  []string
	Required []string
	Column   string
	Err      error
}

func (e *SchemaError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "schema error: table %q", e.Table)
	switch {
	case len(e.Missing) > 0:
		fmt.Fprintf(&b, " is missing columns [%s]; required columns are [%s]",
			strings.Join(e.Missing, ", "), strings.Join(e.Required, ", "))
	case e.Column != "":
		fmt.Fprintf(&b, " column %q: %v", e.Column, e.Err)
	case e.Err != nil:
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *SchemaError) Unwrap() error { return e.Err }

func (e *SchemaError) Is(target error) bool { return target == ErrSchema }

// ParseError reports a single value that could not be turned into a finite number.
// Row is the zero-based data row, or -1 for manual input.
type ParseError struct {
	Field string
	Row   int
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Row < 0 {
		return fmt.Sprintf("parse error: field %q value %q: %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("parse error: column %q row %d value %q: %v", e.Field, e.Row, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == ErrParse }
