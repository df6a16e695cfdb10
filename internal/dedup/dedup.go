// Package dedup classifies candidates against the stored listing with the
// same (source, external id) key.
package dedup

import (
	"luxelink/server/internal/models"
)

type Classification int

const (
	New Classification = iota
	Unchanged
	Updated
)

func (c Classification) String() string {
	switch c {
	case New:
		return "new"
	case Unchanged:
		return "unchanged"
	case Updated:
		return "updated"
	}
	return "unknown"
}

// Classify compares candidate with prior, the row currently stored under the
// same key or nil when there is none. Only the tracked listing fields are
// compared; raw payload differences alone do not make a listing Updated.
func Classify(candidate *models.Candidate, prior *models.Listing) Classification {
	if prior == nil {
		return New
	}
	if Changed(candidate, prior) {
		return Updated
	}
	return Unchanged
}

// Changed reports whether any tracked field of candidate differs from prior.
func Changed(candidate *models.Candidate, prior *models.Listing) bool {
	var year *float64
	if candidate.Year != nil {
		y := float64(*candidate.Year)
		year = &y
	}
	return candidate.Title != prior.Title ||
		candidate.URL != prior.URL ||
		!equalPtr(candidate.Price, prior.Price) ||
		!equalPtr(candidate.Mileage, prior.Mileage) ||
		!equalPtr(year, prior.Year) ||
		!equalPtr(candidate.Make, prior.Make) ||
		!equalPtr(candidate.Model, prior.Model)
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
