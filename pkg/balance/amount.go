package balance

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// QuotaUnitsPerDollar converts the upstream quota unit to USD.
const QuotaUnitsPerDollar = 500000

var quotaPerDollar = decimal.NewFromInt(QuotaUnitsPerDollar)

// QuotaToUSD converts a raw quota value to dollars.
func QuotaToUSD(quota decimal.Decimal) decimal.Decimal {
	return quota.Div(quotaPerDollar)
}

// ParseAmount parses a money value as found in API bodies and display text:
// a JSON number, a numeric string, or a string such as "$1,234.50".
func ParseAmount(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case nil:
		return decimal.Zero, fmt.Errorf("amount is null")
	case json.Number:
		return decimal.NewFromString(x.String())
	case float64:
		return decimal.NewFromFloat(x), nil
	case int:
		return decimal.NewFromInt(int64(x)), nil
	case int64:
		return decimal.NewFromInt(x), nil
	case string:
		s := strings.TrimSpace(x)
		s = strings.TrimPrefix(s, "$")
		s = strings.TrimPrefix(s, "¥")
		s = strings.ReplaceAll(s, ",", "")
		s = strings.TrimSpace(s)
		if s == "" {
			return decimal.Zero, fmt.Errorf("amount %q is empty", x)
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("amount %q: %w", x, err)
		}
		return d, nil
	default:
		return decimal.Zero, fmt.Errorf("unsupported amount type %T", v)
	}
}

// USD rounds an amount to micro-dollars and returns it as a float.
func USD(d decimal.Decimal) float64 {
	return d.Round(6).InexactFloat64()
}
