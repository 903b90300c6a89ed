package parser

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ParsePrice reads a locale-formatted price such as "R$ 1.234,56" or
// "1,234.56". When both separators appear the rightmost one is the decimal
// point. A single dot followed by exactly three digits is a thousands
// separator. Unparseable input yields 0.
func ParsePrice(text string) float64 {
	cleaned := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == ',' || r == '.' {
			return r
		}
		return -1
	}, text)
	if cleaned == "" {
		return 0
	}

	lastComma := strings.LastIndex(cleaned, ",")
	lastDot := strings.LastIndex(cleaned, ".")

	var normalized string
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			normalized = strings.ReplaceAll(cleaned, ".", "")
			normalized = strings.ReplaceAll(normalized, ",", ".")
		} else {
			normalized = strings.ReplaceAll(cleaned, ",", "")
		}
	case lastComma >= 0:
		normalized = strings.ReplaceAll(cleaned, ",", ".")
	case lastDot >= 0:
		if strings.Count(cleaned, ".") > 1 || len(cleaned)-lastDot-1 == 3 {
			normalized = strings.ReplaceAll(cleaned, ".", "")
		} else {
			normalized = cleaned
		}
	default:
		normalized = cleaned
	}

	v, err := strconv.ParseFloat(normalized, 64)
	if err != nil {
		return 0
	}
	return v
}

var countSuffixPattern = regexp.MustCompile(`^\s*([0-9]+(?:[.,][0-9]+)?)\s*([km])(?:[^a-z]|$)`)

// ParseCount reads abbreviated counts like "1.5k", "2M" or "1.234 vendidos".
func ParseCount(text string) int {
	lower := strings.ToLower(text)

	if m := countSuffixPattern.FindStringSubmatch(lower); m != nil {
		v, err := strconv.ParseFloat(strings.Replace(m[1], ",", ".", 1), 64)
		if err == nil {
			multiplier := 1_000.0
			if m[2] == "m" {
				multiplier = 1_000_000.0
			}
			return int(math.Round(v * multiplier))
		}
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, text)

	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0
	}
	return n
}

// ExtractRating accepts a bare number in [0,5] or an object with an
// "average" field.
func ExtractRating(v any) *float64 {
	switch r := v.(type) {
	case float64:
		if r >= 0 && r <= 5 {
			return &r
		}
	case map[string]any:
		if avg, ok := r["average"].(float64); ok {
			return &avg
		}
	}
	return nil
}
