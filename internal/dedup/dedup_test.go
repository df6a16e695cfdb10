package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"luxelink/server/internal/models"
)

func ptr[T any](v T) *T { return &v }

func storedListing() *models.Listing {
	return &models.Listing{
		Source:     "marketcheck",
		ExternalID: "abc-1",
		Title:      "2019 Porsche 911",
		URL:        "https://example.com/abc-1",
		Price:      ptr(75000.0),
		Mileage:    ptr(12000.0),
		Year:       ptr(2019.0),
		Make:       ptr("Porsche"),
		Model:      ptr("911"),
	}
}

func matchingCandidate() *models.Candidate {
	return &models.Candidate{
		Source:     "marketcheck",
		ExternalID: "abc-1",
		Title:      "2019 Porsche 911",
		URL:        "https://example.com/abc-1",
		Price:      ptr(75000.0),
		Mileage:    ptr(12000.0),
		Year:       ptr(2019),
		Make:       ptr("Porsche"),
		Model:      ptr("911"),
		Raw:        models.RawRecord{"dealer": "changed"},
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *models.Candidate)
		prior  *models.Listing
		want   Classification
	}{
		{"No prior row", func(c *models.Candidate) {}, nil, New},
		{"Identical fields", func(c *models.Candidate) {}, storedListing(), Unchanged},
		{"Price drop", func(c *models.Candidate) { c.Price = ptr(72000.0) }, storedListing(), Updated},
		{"Mileage now absent", func(c *models.Candidate) { c.Mileage = nil }, storedListing(), Updated},
		{"Year changed", func(c *models.Candidate) { c.Year = ptr(2020) }, storedListing(), Updated},
		{"Title changed", func(c *models.Candidate) { c.Title = "2019 Porsche 911 S" }, storedListing(), Updated},
		{"URL changed", func(c *models.Candidate) { c.URL = "https://example.com/new" }, storedListing(), Updated},
		{"Model changed", func(c *models.Candidate) { c.Model = ptr("Cayman") }, storedListing(), Updated},
		{
			name:   "Absent on both sides",
			mutate: func(c *models.Candidate) { c.Make = nil },
			prior: func() *models.Listing {
				l := storedListing()
				l.Make = nil
				return l
			}(),
			want: Unchanged,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := matchingCandidate()
			tt.mutate(c)
			assert.Equal(t, tt.want, Classify(c, tt.prior))
		})
	}
}

func TestClassificationString(t *testing.T) {
	assert.Equal(t, "new", New.String())
	assert.Equal(t, "unchanged", Unchanged.String())
	assert.Equal(t, "updated", Updated.String())
}
