package query

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// sortHits orders results client-side. The store's native ordering cannot be
// trusted for numeric-as-string fields (monetary amounts sort "100" < "2"
// lexicographically), so values that parse as decimals compare numerically.
// With no explicit sort key, an active search orders by score, best first.
func sortHits(hits []Hit, sortBy string, dir Direction, searchActive bool) {
	if sortBy == "" {
		if searchActive {
			sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
		}
		return
	}

	sort.SliceStable(hits, func(i, j int) bool {
		c := compareValues(hits[i].Document[sortBy], hits[j].Document[sortBy])
		if dir == Desc {
			return c > 0
		}
		return c < 0
	})
}

// compareValues returns -1/0/1. Missing values sort after present ones;
// decimal comparison wins over lexicographic whenever both sides parse.
func compareValues(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return 1
	}
	if b == nil {
		return -1
	}

	da, aok := toDecimal(a)
	db, bok := toDecimal(b)
	if aok && bok {
		return da.Cmp(db)
	}

	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case string:
		d, err := decimal.NewFromString(n)
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	default:
		return decimal.Decimal{}, false
	}
}
