package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultScoreThreshold is used when an agent does not set scoreThreshold.
const DefaultScoreThreshold = 0.7

// Weights scales the contribution of each scoring predicate.
type Weights struct {
	Price    float64 `json:"price"`
	Mileage  float64 `json:"mileage"`
	Year     float64 `json:"year"`
	Make     float64 `json:"make"`
	Model    float64 `json:"model"`
	Keywords float64 `json:"keywords"`
	Vehicle  float64 `json:"vehicle"`
}

// DefaultWeights gives every predicate the same weight.
func DefaultWeights() Weights {
	return Weights{Price: 1, Mileage: 1, Year: 1, Make: 1, Model: 1, Keywords: 1, Vehicle: 1}
}

// Vehicle is one make/model pair an agent hunts for, optionally bounded by
// model year.
type Vehicle struct {
	Make    string `json:"make"`
	Model   string `json:"model"`
	MinYear *int   `json:"minYear,omitempty"`
	MaxYear *int   `json:"maxYear,omitempty"`
}

// Criteria is the typed form of an agent's config_json. A nil pointer or an
// empty slice means the corresponding predicate is disabled. When Vehicles is
// set it replaces the make, model and year predicates.
type Criteria struct {
	MaxPrice        *float64  `json:"maxPrice,omitempty"`
	MaxMileage      *float64  `json:"maxMileage,omitempty"`
	MinYear         *int      `json:"minYear,omitempty"`
	MaxYear         *int      `json:"maxYear,omitempty"`
	Makes           []string  `json:"makes,omitempty"`
	Models          []string  `json:"models,omitempty"`
	Keywords        []string  `json:"keywords,omitempty"`
	ExcludeKeywords []string  `json:"excludeKeywords,omitempty"`
	FeaturesAny     []string  `json:"featuresAny,omitempty"`
	Vehicles        []Vehicle `json:"vehicles,omitempty"`
	Sources         []string  `json:"sources,omitempty"`
	ScoreThreshold  float64   `json:"scoreThreshold"`
	Weights         Weights   `json:"weights"`
}

// DefaultCriteria returns criteria with every predicate disabled.
func DefaultCriteria() Criteria {
	return Criteria{
		ScoreThreshold: DefaultScoreThreshold,
		Weights:        DefaultWeights(),
	}
}

type criteriaOption func(c *Criteria, raw json.RawMessage) error

// criteriaOptions maps recognized config_json keys to their typed effect.
// Keys not listed here are ignored so new options need no migration.
var criteriaOptions = map[string]criteriaOption{
	"maxPrice":   func(c *Criteria, raw json.RawMessage) error { return decodeOptional(raw, &c.MaxPrice) },
	"maxMileage": func(c *Criteria, raw json.RawMessage) error { return decodeOptional(raw, &c.MaxMileage) },
	"minYear":    func(c *Criteria, raw json.RawMessage) error { return decodeOptional(raw, &c.MinYear) },
	"maxYear":    func(c *Criteria, raw json.RawMessage) error { return decodeOptional(raw, &c.MaxYear) },
	"makes":      func(c *Criteria, raw json.RawMessage) error { return decodeSet(raw, &c.Makes) },
	"models":     func(c *Criteria, raw json.RawMessage) error { return decodeSet(raw, &c.Models) },
	"keywords":   func(c *Criteria, raw json.RawMessage) error { return decodeSet(raw, &c.Keywords) },
	"excludeKeywords": func(c *Criteria, raw json.RawMessage) error {
		return decodeSet(raw, &c.ExcludeKeywords)
	},
	"featuresAny": func(c *Criteria, raw json.RawMessage) error {
		return decodeSet(raw, &c.FeaturesAny)
	},
	"vehicles": decodeVehicles,
	"sources":  func(c *Criteria, raw json.RawMessage) error { return decodeSet(raw, &c.Sources) },
	"scoreThreshold": func(c *Criteria, raw json.RawMessage) error {
		var v *float64
		if err := decodeOptional(raw, &v); err != nil {
			return err
		}
		if v == nil {
			return nil
		}
		if *v < 0 || *v > 1 {
			return fmt.Errorf("must be within [0,1], got %v", *v)
		}
		c.ScoreThreshold = *v
		return nil
	},
	"weights": func(c *Criteria, raw json.RawMessage) error {
		var w map[string]float64
		if err := json.Unmarshal(raw, &w); err != nil {
			return err
		}
		for name, value := range w {
			if value < 0 {
				return fmt.Errorf("weight %q must not be negative", name)
			}
			switch name {
			case "price":
				c.Weights.Price = value
			case "mileage":
				c.Weights.Mileage = value
			case "year":
				c.Weights.Year = value
			case "make":
				c.Weights.Make = value
			case "model":
				c.Weights.Model = value
			case "keywords":
				c.Weights.Keywords = value
			case "vehicle":
				c.Weights.Vehicle = value
			}
		}
		return nil
	},
}

// ParseCriteria decodes an agent configuration document. Missing keys keep
// their defaults; a recognized key holding the wrong type is an error.
func ParseCriteria(data []byte) (Criteria, error) {
	c := DefaultCriteria()
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return c, nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return c, fmt.Errorf("failed to parse agent config: %w", err)
	}

	for key, raw := range doc {
		apply, ok := criteriaOptions[key]
		if !ok {
			continue
		}
		if err := apply(&c, raw); err != nil {
			return c, fmt.Errorf("invalid agent config option %q: %w", key, err)
		}
	}
	return c, nil
}

func decodeOptional[T any](raw json.RawMessage, dst **T) error {
	if isNull(raw) {
		*dst = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	*dst = &v
	return nil
}

// decodeSet reads a list of strings, trimming blanks and dropping duplicates.
// A single string is accepted as a one element set.
func decodeSet(raw json.RawMessage, dst *[]string) error {
	if isNull(raw) {
		*dst = nil
		return nil
	}
	var values []string
	if err := json.Unmarshal(raw, &values); err != nil {
		var single string
		if err2 := json.Unmarshal(raw, &single); err2 != nil {
			return err
		}
		values = []string{single}
	}

	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[strings.ToLower(v)] {
			continue
		}
		seen[strings.ToLower(v)] = true
		out = append(out, v)
	}
	*dst = out
	return nil
}

// decodeVehicles reads a list of {make, model, minYear, maxYear} objects.
// year_min and year_max are accepted as aliases.
func decodeVehicles(c *Criteria, raw json.RawMessage) error {
	if isNull(raw) {
		c.Vehicles = nil
		return nil
	}
	var entries []struct {
		Make    string `json:"make"`
		Model   string `json:"model"`
		MinYear *int   `json:"minYear"`
		MaxYear *int   `json:"maxYear"`
		YearMin *int   `json:"year_min"`
		YearMax *int   `json:"year_max"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return err
	}

	vehicles := make([]Vehicle, 0, len(entries))
	for i, e := range entries {
		v := Vehicle{
			Make:    strings.TrimSpace(e.Make),
			Model:   strings.TrimSpace(e.Model),
			MinYear: e.MinYear,
			MaxYear: e.MaxYear,
		}
		if v.MinYear == nil {
			v.MinYear = e.YearMin
		}
		if v.MaxYear == nil {
			v.MaxYear = e.YearMax
		}
		if v.Make == "" || v.Model == "" {
			return fmt.Errorf("vehicle %d needs both make and model", i)
		}
		vehicles = append(vehicles, v)
	}
	c.Vehicles = vehicles
	return nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
