// Package features turns raw financial-ratio input into the fixed six-field vectors the
// rating pipeline was trained on.
//
// Manual input arrives as one value per field with net profit margin given as a
// percentage. Batch input arrives as a table of raw cells; it is validated all-or-nothing,
// pruned to the required columns, median-imputed, and percent-normalized.
package features

import (
	"fmt"
	"math"
	"strings"

	"github.com/spf13/cast"
)

// Canonical feature names, in the order the scaler was fitted on.
const (
	LiquidityRatio              = "liquidity_ratio"
	FinancialLeverage           = "financial_leverage"
	NetProfitMargin             = "net_profit_margin"
	AssetTurnover               = "asset_turnover"
	DebtToEquityRatio           = "debt_to_equity_ratio"
	DebtToTotalLiabilitiesRatio = "debt_to_total_liabilities_ratio"
)

// Count is the fixed width of a feature vector.
const Count = 6

const profitIndex = 2

// Names lists the feature names in canonical order.
var Names = [Count]string{
	LiquidityRatio,
	FinancialLeverage,
	NetProfitMargin,
	AssetTurnover,
	DebtToEquityRatio,
	DebtToTotalLiabilitiesRatio,
}

// Vector is one normalized record. NetProfitMargin is a fraction (0.01 = 1%).
type Vector [Count]float64

// Slice returns a copy of the vector as a slice.
func (v Vector) Slice() []float64 {
	out := make([]float64, Count)
	copy(out, v[:])
	return out
}

// Map returns the vector keyed by feature name.
func (v Vector) Map() map[string]float64 {
	out := make(map[string]float64, Count)
	for i, name := range Names {
		out[name] = v[i]
	}
	return out
}

// Validate checks that every field is finite.
func (v Vector) Validate() error {
	for i, f := range v {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return &ParseError{Field: Names[i], Row: -1, Value: fmt.Sprint(f), Err: ErrNotFinite}
		}
	}
	return nil
}

// IndexOf returns the canonical position of a feature name, or -1.
func IndexOf(name string) int {
	for i, n := range Names {
		if n == name {
			return i
		}
	}
	return -1
}

// ManualInput holds one raw manually entered record. The zero value of every field
// is 0.0, matching an untouched entry form. NetProfitMargin is a percentage here.
type ManualInput struct {
	LiquidityRatio              float64 `json:"liquidity_ratio"`
	FinancialLeverage           float64 `json:"financial_leverage"`
	NetProfitMargin             float64 `json:"net_profit_margin"`
	AssetTurnover               float64 `json:"asset_turnover"`
	DebtToEquityRatio           float64 `json:"debt_to_equity_ratio"`
	DebtToTotalLiabilitiesRatio float64 `json:"debt_to_total_liabilities_ratio"`
}

// NormalizeManual converts a manual record into a Vector, turning the profit
// percentage into a fraction.
func NormalizeManual(in ManualInput) (Vector, error) {
	v := Vector{
		in.LiquidityRatio,
		in.FinancialLeverage,
		in.NetProfitMargin / 100,
		in.AssetTurnover,
		in.DebtToEquityRatio,
		in.DebtToTotalLiabilitiesRatio,
	}
	if err := v.Validate(); err != nil {
		return Vector{}, err
	}
	return v, nil
}

// ManualFromMap reads a manual record from a loosely typed mapping such as a decoded
// JSON body. All six fields must be present; unknown keys are ignored. Strings are
// parsed with opts, and a trailing % is accepted on the profit field.
func ManualFromMap(m map[string]any, opts Options) (ManualInput, error) {
	var raw [Count]float64
	for i, name := range Names {
		val, ok := m[name]
		if !ok || val == nil {
			return ManualInput{}, &ParseError{Field: name, Row: -1, Err: ErrMissingField}
		}
		f, err := toFloat(val, i == profitIndex, opts)
		if err != nil {
			return ManualInput{}, &ParseError{Field: name, Row: -1, Value: cast.ToString(val), Err: err}
		}
		raw[i] = f
	}
	return ManualInput{
		LiquidityRatio:              raw[0],
		FinancialLeverage:           raw[1],
		NetProfitMargin:             raw[2],
		AssetTurnover:               raw[3],
		DebtToEquityRatio:           raw[4],
		DebtToTotalLiabilitiesRatio: raw[5],
	}, nil
}

func toFloat(val any, percent bool, opts Options) (float64, error) {
	switch v := val.(type) {
	case bool:
		return 0, ErrNotNumeric
	case string:
		s := strings.TrimSpace(v)
		if percent {
			s = trimPercent(s)
		}
		return parseNumber(s, opts.decimal())
	}
	f, err := cast.ToFloat64E(val)
	if err != nil {
		return 0, ErrNotNumeric
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, ErrNotFinite
	}
	return f, nil
}
