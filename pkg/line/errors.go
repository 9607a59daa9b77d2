package line

import (
	"fmt"
	"strconv"
)

// RangeError reports a numeric parameter outside its accepted range.
type RangeError struct {
	Param string
	Value float64
	Min   float64
	Max   float64
	Unit  string
	// open excludes Min from the range.
	open bool
}

func (e *RangeError) Error() string {
	lo := "["
	if e.open {
		lo = "("
	}
	unit := ""
	if e.Unit != "" {
		unit = " " + e.Unit
	}
	return fmt.Sprintf("bad value %s%s for %s (allowed range %s%s, %s]%s)",
		formatNum(e.Value), unit, e.Param, lo, formatNum(e.Min), formatNum(e.Max), unit)
}

// InvalidValueError reports a parameter value outside its allowed set.
type InvalidValueError struct {
	Param   string
	Value   string
	Allowed string
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("bad value %q for %s (allowed values: %s)", e.Value, e.Param, e.Allowed)
}

func formatNum(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
