// Package normalize turns source specific raw records into candidates.
package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"luxelink/server/internal/models"
)

// MaxFieldLength bounds the text columns of a listing row.
const MaxFieldLength = 255

// MalformedRecordError reports a record that lacks a mandatory field or whose
// identity cannot be stored. The record is skipped; the enclosing source keeps
// going.
type MalformedRecordError struct {
	Source string
	Field  string
	// Reason is empty when the field is missing.
	Reason string
}

func (e *MalformedRecordError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("malformed record from %s: %s %s", e.Source, e.Field, e.Reason)
	}
	return fmt.Sprintf("malformed record from %s: missing %s", e.Source, e.Field)
}

var (
	externalIDKeys = []string{"external_id", "externalId", "id", "listing_id", "vin"}
	titleKeys      = []string{"title", "heading", "name"}
	urlKeys        = []string{"url", "vdp_url", "link", "href"}
	priceKeys      = []string{"price", "asking_price", "current_bid"}
	mileageKeys    = []string{"mileage", "miles", "odometer"}
	yearKeys       = []string{"year", "model_year"}
	makeKeys       = []string{"make", "brand"}
	modelKeys      = []string{"model"}
)

// Normalize converts raw into a candidate for source. Optional fields that
// fail to parse are left nil.
func Normalize(source string, raw models.RawRecord) (*models.Candidate, error) {
	c := &models.Candidate{
		Source:     source,
		ExternalID: pickString(raw, externalIDKeys...),
		Title:      pickString(raw, titleKeys...),
		URL:        pickString(raw, urlKeys...),
		Raw:        raw,
	}

	switch {
	case c.ExternalID == "":
		return nil, &MalformedRecordError{Source: source, Field: "external id"}
	case c.Title == "":
		return nil, &MalformedRecordError{Source: source, Field: "title"}
	case c.URL == "":
		return nil, &MalformedRecordError{Source: source, Field: "url"}
	case utf8.RuneCountInString(c.ExternalID) > MaxFieldLength:
		return nil, &MalformedRecordError{
			Source: source,
			Field:  "external id",
			Reason: fmt.Sprintf("exceeds %d characters", MaxFieldLength),
		}
	}
	c.Title = truncate(c.Title)

	c.Price = pickNumber(raw, priceKeys...)
	c.Mileage = pickNumber(raw, mileageKeys...)
	if y := pickNumber(raw, yearKeys...); y != nil && *y == math.Trunc(*y) {
		year := int(*y)
		c.Year = &year
	}
	if s := pickString(raw, makeKeys...); s != "" {
		s = truncate(s)
		c.Make = &s
	}
	if s := pickString(raw, modelKeys...); s != "" {
		s = truncate(s)
		c.Model = &s
	}
	return c, nil
}

// truncate cuts s to MaxFieldLength runes.
func truncate(s string) string {
	if utf8.RuneCountInString(s) <= MaxFieldLength {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:MaxFieldLength]))
}

// pickString returns the first non-empty value among keys. Numeric ids are
// rendered without exponent so they stay stable across scans.
func pickString(raw models.RawRecord, keys ...string) string {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case json.Number:
			s = t.String()
		case float64:
			s = strconv.FormatFloat(t, 'f', -1, 64)
		case int:
			s = strconv.Itoa(t)
		case int64:
			s = strconv.FormatInt(t, 10)
		default:
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// pickNumber returns the first parsable value among keys. A present but
// unparsable key does not fall through to later aliases.
func pickNumber(raw models.RawRecord, keys ...string) *float64 {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || v == nil {
			continue
		}
		return parseNumber(v)
	}
	return nil
}

func parseNumber(v any) *float64 {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case string:
		parsed, ok := parseNumericString(t)
		if !ok {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// parseNumericString accepts values such as "$75,000", "12,345 mi", "75.000",
// "12k mi" or "2019". Currency symbols may only lead and units may only
// trail; a "k" right after the digits multiplies by 1000.
func parseNumericString(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	var body strings.Builder
	negative, seenDigit := false, false
	multiplier := 1.0

scan:
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			body.WriteRune(r)
			seenDigit = true
		case r == '.' || r == ',':
			body.WriteRune(r)
		case r == '-' && !seenDigit && body.Len() == 0 && !negative:
			negative = true
		case r == ' ' || r == '_' || r == '\'':
			// grouping
		case strings.ContainsRune("$€£", r):
			if seenDigit {
				return 0, false
			}
		default:
			if !seenDigit {
				return 0, false
			}
			rest := strings.ToLower(strings.TrimSpace(s[i:]))
			if isUnitSuffix(rest) {
				break scan
			}
			if after, ok := strings.CutPrefix(rest, "k"); ok {
				if after = strings.TrimSpace(after); after == "" || isUnitSuffix(after) {
					multiplier = 1000
					break scan
				}
			}
			return 0, false
		}
	}
	if !seenDigit {
		return 0, false
	}

	f, ok := parseSeparated(body.String())
	if !ok {
		return 0, false
	}
	if negative {
		f = -f
	}
	return f * multiplier, true
}

// parseSeparated resolves thousands and decimal separators. When both '.'
// and ',' appear the last one is the decimal mark. A single kind of separator
// is grouping when every group after the first has exactly three digits and
// the first has at most three; otherwise a single occurrence is the decimal
// mark.
func parseSeparated(b string) (float64, bool) {
	lastDot := strings.LastIndexByte(b, '.')
	lastComma := strings.LastIndexByte(b, ',')

	switch {
	case lastDot >= 0 && lastComma >= 0:
		decimal, grouping := ".", ","
		if lastComma > lastDot {
			decimal, grouping = ",", "."
		}
		if strings.Count(b, decimal) > 1 {
			return 0, false
		}
		intPart, frac, _ := strings.Cut(b, decimal)
		if !isGrouped(intPart, grouping) {
			return 0, false
		}
		b = strings.ReplaceAll(intPart, grouping, "") + "." + frac
	case lastDot >= 0:
		b = resolveSingle(b, ".")
	case lastComma >= 0:
		b = resolveSingle(b, ",")
	}
	if b == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(b, 64)
	return f, err == nil
}

func resolveSingle(b, sep string) string {
	if isGrouped(b, sep) {
		return strings.ReplaceAll(b, sep, "")
	}
	if strings.Count(b, sep) == 1 {
		return strings.Replace(b, sep, ".", 1)
	}
	return ""
}

func isGrouped(b, sep string) bool {
	groups := strings.Split(b, sep)
	if len(groups) < 2 || len(groups[0]) == 0 || len(groups[0]) > 3 {
		return len(groups) == 1 && groups[0] != ""
	}
	for _, g := range groups[1:] {
		if len(g) != 3 {
			return false
		}
	}
	return true
}

func isUnitSuffix(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mi", "miles", "km", "kms", "usd", "eur":
		return true
	}
	return false
}
