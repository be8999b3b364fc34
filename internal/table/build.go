package table

import "fmt"

// FromRows assembles a table from loosely typed row maps, as produced by a
// script runtime. Column order follows names. hints carries the previous
// type of a column so integral floats stay float64 and all-null columns keep
// their type.
func FromRows(names []string, rows []map[string]any, hints map[string]Type) (*Table, error) {
	cols := make([]Column, len(names))
	for j, name := range names {
		raw := make([]any, len(rows))
		for i, r := range rows {
			raw[i] = r[name]
		}
		typ := inferValueType(raw, hints[name])
		vals := make([]any, len(raw))
		for i, v := range raw {
			cv, err := coerce(v, typ)
			if err != nil {
				return nil, fmt.Errorf("table: column %q row %d: %w", name, i, err)
			}
			vals[i] = cv
		}
		cols[j] = Column{Name: name, Type: typ, Values: vals}
	}
	return New(cols...)
}

func inferValueType(vals []any, hint Type) Type {
	var ints, floats, strs, bools, other int
	for _, v := range vals {
		switch v.(type) {
		case nil:
		case int64, int, int32:
			ints++
		case float64, float32:
			floats++
		case string:
			strs++
		case bool:
			bools++
		default:
			other++
		}
	}
	total := ints + floats + strs + bools + other
	switch {
	case total == 0:
		if hint != "" {
			return hint
		}
		return String
	case ints == total && hint != Float64:
		return Int64
	case ints+floats == total:
		return Float64
	case bools == total:
		return Bool
	default:
		return String
	}
}

func coerce(v any, typ Type) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch typ {
	case Int64:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		}
	case Float64:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case int:
			return float64(x), nil
		case int32:
			return float64(x), nil
		}
	case Bool:
		if x, ok := v.(bool); ok {
			return x, nil
		}
	case String:
		return FormatValue(v), nil
	}
	return nil, fmt.Errorf("cannot use %T as %s", v, typ)
}
