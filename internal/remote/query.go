package remote

import (
	"fmt"
	"reflect"
)

// Op is a filter comparison.
type Op string

const (
	OpEq  Op = "eq"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpIn  Op = "in"
)

// Filter restricts rows by a single column.
type Filter struct {
	Column string
	Op     Op
	Value  any
}

// Eq matches rows where column equals v.
func Eq(column string, v any) Filter { return Filter{Column: column, Op: OpEq, Value: v} }

// Gt matches rows where column is greater than v.
func Gt(column string, v any) Filter { return Filter{Column: column, Op: OpGt, Value: v} }

// Gte matches rows where column is greater than or equal to v.
func Gte(column string, v any) Filter { return Filter{Column: column, Op: OpGte, Value: v} }

// Lt matches rows where column is less than v.
func Lt(column string, v any) Filter { return Filter{Column: column, Op: OpLt, Value: v} }

// In matches rows where column is one of vs.
func In(column string, vs ...any) Filter { return Filter{Column: column, Op: OpIn, Value: vs} }

// Query describes a Select.
type Query struct {
	Table   string
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

// Matches reports whether row satisfies every filter. Backends without a
// query engine (memory, feed fan-out) use it.
func Matches(row Row, filters []Filter) bool {
	for _, f := range filters {
		got, ok := row[f.Column]
		if !ok {
			return false
		}
		switch f.Op {
		case OpEq:
			if Compare(got, f.Value) != 0 {
				return false
			}
		case OpGt:
			if Compare(got, f.Value) <= 0 {
				return false
			}
		case OpGte:
			if Compare(got, f.Value) < 0 {
				return false
			}
		case OpLt:
			if Compare(got, f.Value) >= 0 {
				return false
			}
		case OpIn:
			vs, _ := f.Value.([]any)
			found := false
			for _, v := range vs {
				if Compare(got, v) == 0 {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Compare orders two column values. Numbers compare numerically regardless
// of their concrete type; everything else compares by string form.
func Compare(a, b any) int {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	sa, sb := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}
