// Package scoring computes how well a candidate matches an agent's criteria.
package scoring

import (
	"strings"

	"luxelink/server/internal/models"
)

// FeatureBoost is added to the score for every featuresAny entry found in the
// title.
const FeatureBoost = 0.1

// predicate yields a partial score in [0,1] and whether it applies to the
// candidate at all. A predicate whose input field is absent does not apply.
type predicate struct {
	weight float64
	eval   func(c *models.Candidate) (partial float64, ok bool)
}

// Score returns the weighted average of the configured predicates that apply
// to c, raised by FeatureBoost per matched feature and capped at 1. It is 0
// when an excluded keyword appears in the title, and when nothing applies and
// no feature matches.
func Score(c *models.Candidate, k models.Criteria) float64 {
	title := fold(c.Title)
	for _, kw := range k.ExcludeKeywords {
		if kw = fold(kw); kw != "" && strings.Contains(title, kw) {
			return 0
		}
	}

	var total, weights float64
	for _, p := range predicates(k) {
		if p.weight <= 0 {
			continue
		}
		partial, ok := p.eval(c)
		if !ok {
			continue
		}
		total += p.weight * partial
		weights += p.weight
	}

	var score float64
	if weights > 0 {
		score = total / weights
	}
	for _, f := range k.FeaturesAny {
		if f = fold(f); f != "" && strings.Contains(title, f) {
			score += FeatureBoost
		}
	}
	return clamp(score)
}

func predicates(k models.Criteria) []predicate {
	var ps []predicate

	if k.MaxPrice != nil {
		ceiling := *k.MaxPrice
		ps = append(ps, predicate{k.Weights.Price, func(c *models.Candidate) (float64, bool) {
			if c.Price == nil {
				return 0, false
			}
			return boolScore(*c.Price <= ceiling), true
		}})
	}

	if k.MaxMileage != nil {
		ceiling := *k.MaxMileage
		ps = append(ps, predicate{k.Weights.Mileage, func(c *models.Candidate) (float64, bool) {
			if c.Mileage == nil {
				return 0, false
			}
			return boolScore(*c.Mileage <= ceiling), true
		}})
	}

	if len(k.Vehicles) > 0 {
		vehicles := k.Vehicles
		ps = append(ps, predicate{k.Weights.Vehicle, func(c *models.Candidate) (float64, bool) {
			for _, v := range vehicles {
				if matchesVehicle(c, v) {
					return 1, true
				}
			}
			return 0, true
		}})
		return append(ps, keywordPredicate(k)...)
	}

	if k.MinYear != nil || k.MaxYear != nil {
		minYear, maxYear := k.MinYear, k.MaxYear
		ps = append(ps, predicate{k.Weights.Year, func(c *models.Candidate) (float64, bool) {
			if c.Year == nil {
				return 0, false
			}
			y := *c.Year
			ok := (minYear == nil || y >= *minYear) && (maxYear == nil || y <= *maxYear)
			return boolScore(ok), true
		}})
	}

	if len(k.Makes) > 0 {
		makes := k.Makes
		ps = append(ps, predicate{k.Weights.Make, func(c *models.Candidate) (float64, bool) {
			if c.Make == nil {
				return 0, false
			}
			return boolScore(containsAny(*c.Make, makes)), true
		}})
	}

	if len(k.Models) > 0 {
		ms := k.Models
		ps = append(ps, predicate{k.Weights.Model, func(c *models.Candidate) (float64, bool) {
			if c.Model == nil {
				return 0, false
			}
			return boolScore(containsAny(*c.Model, ms)), true
		}})
	}

	return append(ps, keywordPredicate(k)...)
}

func keywordPredicate(k models.Criteria) []predicate {
	if len(k.Keywords) == 0 {
		return nil
	}
	keywords := k.Keywords
	return []predicate{{k.Weights.Keywords, func(c *models.Candidate) (float64, bool) {
		title := fold(c.Title)
		if title == "" {
			return 0, false
		}
		matched := 0
		for _, kw := range keywords {
			if strings.Contains(title, fold(kw)) {
				matched++
			}
		}
		return float64(matched) / float64(len(keywords)), true
	}}}
}

// matchesVehicle checks make and model against the structured fields, falling
// back to the title when a field is absent. The year range only applies when
// the year is known.
func matchesVehicle(c *models.Candidate, v models.Vehicle) bool {
	field := func(f *string) string {
		if f == nil {
			return c.Title
		}
		return *f
	}
	if !containsAny(field(c.Make), []string{v.Make}) || !containsAny(field(c.Model), []string{v.Model}) {
		return false
	}
	if c.Year == nil {
		return true
	}
	y := *c.Year
	return (v.MinYear == nil || y >= *v.MinYear) && (v.MaxYear == nil || y <= *v.MaxYear)
}

// containsAny reports whether any accepted value occurs in field, ignoring
// case and runs of whitespace.
func containsAny(field string, accepted []string) bool {
	f := fold(field)
	for _, a := range accepted {
		if a = fold(a); a != "" && strings.Contains(f, a) {
			return true
		}
	}
	return false
}

func fold(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func boolScore(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
