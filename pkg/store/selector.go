package store

import (
	"reflect"
	"strconv"
)

// Selector is a declarative filter over documents, in the usual
// mongo/pouch style: field names map to literal values or operator maps.
//
// Supported operators: $eq, $ne, $in, $gt, $gte, $lt, $lte, $exists, and the
// top-level combinator $and. Selectors are treated as immutable once built;
// callers rebuild the whole selector from their clause list rather than
// patching it in place.
type Selector map[string]any

// Matches reports whether doc satisfies sel. A nil or empty selector matches
// every document.
func Matches(sel Selector, doc Document) bool {
	for field, cond := range sel {
		if field == "$and" {
			subs, ok := cond.([]Selector)
			if !ok {
				if raw, isRaw := cond.([]any); isRaw {
					for _, s := range raw {
						m, isSel := s.(Selector)
						if !isSel || !Matches(m, doc) {
							return false
						}
					}
					continue
				}
				return false
			}
			for _, s := range subs {
				if !Matches(s, doc) {
					return false
				}
			}
			continue
		}

		if !matchField(doc[field], cond) {
			return false
		}
	}
	return true
}

func matchField(value any, cond any) bool {
	ops, ok := cond.(map[string]any)
	if !ok {
		return equal(value, cond)
	}

	for op, arg := range ops {
		switch op {
		case "$eq":
			if !equal(value, arg) {
				return false
			}
		case "$ne":
			if equal(value, arg) {
				return false
			}
		case "$in":
			if !inList(value, arg) {
				return false
			}
		case "$gt", "$gte", "$lt", "$lte":
			c, comparable := compare(value, arg)
			if !comparable {
				return false
			}
			switch op {
			case "$gt":
				if c <= 0 {
					return false
				}
			case "$gte":
				if c < 0 {
					return false
				}
			case "$lt":
				if c >= 0 {
					return false
				}
			case "$lte":
				if c > 0 {
					return false
				}
			}
		case "$exists":
			want, _ := arg.(bool)
			if (value != nil) != want {
				return false
			}
		default:
			// Unknown operator never matches; surfacing it as a non-match is
			// safer than silently matching everything.
			return false
		}
	}
	return true
}

func inList(value any, arg any) bool {
	rv := reflect.ValueOf(arg)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if equal(value, rv.Index(i).Interface()) {
			return true
		}
	}
	return false
}

// equal compares with numeric coercion so that int64(7) matches float64(7).
func equal(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// compare returns -1/0/1 for a vs b and whether the pair is comparable.
// Numbers (including numeric strings) compare numerically, strings
// lexicographically.
func compare(a, b any) (int, bool) {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}

	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch {
		case as < bs:
			return -1, true
		case as > bs:
			return 1, true
		default:
			return 0, true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
