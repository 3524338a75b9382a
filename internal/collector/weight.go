package collector

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// weightPattern matches a decimal value followed by an optional unit,
// e.g. "5 lbs", "2.3kg", "12 oz", "454 g".
var weightPattern = regexp.MustCompile(`(?i)([\d]+(?:\.\d+)?)\s*(lbs?|pounds?|oz|ounces?|kgs?|kilograms?|g|grams?)?`)

// poundsPerUnit converts a recognized unit to pounds.
var poundsPerUnit = map[string]float64{
	"lb":        1,
	"lbs":       1,
	"pound":     1,
	"pounds":    1,
	"oz":        1.0 / 16.0,
	"ounce":     1.0 / 16.0,
	"ounces":    1.0 / 16.0,
	"kg":        2.20462,
	"kgs":       2.20462,
	"kilogram":  2.20462,
	"kilograms": 2.20462,
	"g":         0.00220462,
	"gram":      0.00220462,
	"grams":     0.00220462,
}

// NormalizeWeight parses a free-form weight string and returns the
// value in pounds as a two-decimal string. A bare number is taken as
// pounds. Unparseable input is returned unchanged so the raw value is
// not lost.
func NormalizeWeight(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	m := weightPattern.FindStringSubmatch(s)
	if m == nil {
		return raw
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return raw
	}

	if unit := strings.ToLower(m[2]); unit != "" {
		factor, ok := poundsPerUnit[unit]
		if !ok {
			return raw
		}
		value *= factor
	}

	return fmt.Sprintf("%.2f", value)
}

// FilterImageURLs keeps only HTTP(S) URLs, dropping data URIs,
// relative paths and empty strings.
func FilterImageURLs(urls []string) []string {
	var out []string
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
			out = append(out, u)
		}
	}
	return out
}
