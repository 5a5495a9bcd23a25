package vectorstore

import (
	"time"
)

// =============================================================================
// PAYLOAD FILTERS
// =============================================================================

// Filter is a condition tree over indexed payload fields. Must conditions
// all hold, MustNot conditions all fail, and at least one Should condition
// holds when any are present. A nil filter matches everything.
type Filter struct {
	Must    []Condition
	Should  []Condition
	MustNot []Condition
}

// Condition tests one payload field. Exactly one of Match, In, or the
// range bounds should be set. Range bounds may combine GTE and LTE.
type Condition struct {
	Key     string
	Match   any
	In      []any
	GTE     *float64
	LTE     *float64
	GTETime *time.Time
	LTETime *time.Time
}

// Empty reports whether the filter has no conditions.
func (f *Filter) Empty() bool {
	return f == nil || (len(f.Must) == 0 && len(f.Should) == 0 && len(f.MustNot) == 0)
}

// Matches evaluates the filter against a payload. Used by LocalStore;
// QdrantStore translates the same tree to server-side filters.
func (f *Filter) Matches(payload map[string]any) bool {
	if f.Empty() {
		return true
	}
	for _, c := range f.Must {
		if !c.matches(payload) {
			return false
		}
	}
	for _, c := range f.MustNot {
		if c.matches(payload) {
			return false
		}
	}
	if len(f.Should) > 0 {
		matched := false
		for _, c := range f.Should {
			if c.matches(payload) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func (c Condition) matches(payload map[string]any) bool {
	val, ok := payload[c.Key]
	if !ok {
		return false
	}

	if c.Match != nil {
		return valueEquals(val, c.Match)
	}
	if len(c.In) > 0 {
		for _, candidate := range c.In {
			if valueEquals(val, candidate) {
				return true
			}
		}
		return false
	}

	if c.GTE != nil || c.LTE != nil {
		num, ok := toFloat(val)
		if !ok {
			return false
		}
		if c.GTE != nil && num < *c.GTE {
			return false
		}
		if c.LTE != nil && num > *c.LTE {
			return false
		}
		return true
	}

	if c.GTETime != nil || c.LTETime != nil {
		ts, ok := toTime(val)
		if !ok {
			return false
		}
		if c.GTETime != nil && ts.Before(*c.GTETime) {
			return false
		}
		if c.LTETime != nil && ts.After(*c.LTETime) {
			return false
		}
		return true
	}

	// Condition with no test set only checks field presence.
	return true
}

// valueEquals compares a payload value to a condition value, coercing
// numeric widths. List payload values match if any element matches.
func valueEquals(payloadVal, condVal any) bool {
	switch list := payloadVal.(type) {
	case []any:
		for _, item := range list {
			if valueEquals(item, condVal) {
				return true
			}
		}
		return false
	case []string:
		for _, item := range list {
			if valueEquals(item, condVal) {
				return true
			}
		}
		return false
	}

	if pn, ok := toFloat(payloadVal); ok {
		if cn, ok := toFloat(condVal); ok {
			return pn == cn
		}
		return false
	}

	switch pv := payloadVal.(type) {
	case string:
		cv, ok := condVal.(string)
		return ok && pv == cv
	case bool:
		cv, ok := condVal.(bool)
		return ok && pv == cv
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}
