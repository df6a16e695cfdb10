package normalize

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"luxelink/server/internal/models"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		raw   models.RawRecord
		check func(t *testing.T, c *models.Candidate)
	}{
		{
			name: "Canonical keys",
			raw: models.RawRecord{
				"id": "abc-1", "title": "2019 Porsche 911 Carrera S", "url": "https://example.com/abc-1",
				"price": 75000.0, "mileage": 12000.0, "year": 2019.0, "make": "Porsche", "model": "911",
			},
			check: func(t *testing.T, c *models.Candidate) {
				assert.Equal(t, "abc-1", c.ExternalID)
				assert.Equal(t, "2019 Porsche 911 Carrera S", c.Title)
				require.NotNil(t, c.Price)
				assert.Equal(t, 75000.0, *c.Price)
				require.NotNil(t, c.Mileage)
				assert.Equal(t, 12000.0, *c.Mileage)
				require.NotNil(t, c.Year)
				assert.Equal(t, 2019, *c.Year)
				require.NotNil(t, c.Make)
				assert.Equal(t, "Porsche", *c.Make)
				require.NotNil(t, c.Model)
				assert.Equal(t, "911", *c.Model)
			},
		},
		{
			name: "Aliases and noisy numbers",
			raw: models.RawRecord{
				"vin": "WP0AB2A91KS123456", "heading": " Porsche 911 ", "vdp_url": "https://dealer.example/911",
				"asking_price": "$75,000", "miles": "12,345 mi", "year": "2019",
			},
			check: func(t *testing.T, c *models.Candidate) {
				assert.Equal(t, "WP0AB2A91KS123456", c.ExternalID)
				assert.Equal(t, "Porsche 911", c.Title)
				assert.Equal(t, "https://dealer.example/911", c.URL)
				require.NotNil(t, c.Price)
				assert.Equal(t, 75000.0, *c.Price)
				require.NotNil(t, c.Mileage)
				assert.Equal(t, 12345.0, *c.Mileage)
				require.NotNil(t, c.Year)
				assert.Equal(t, 2019, *c.Year)
				assert.Nil(t, c.Make)
			},
		},
		{
			name: "Numeric id is stable",
			raw:  models.RawRecord{"id": 1234567.0, "title": "Car", "url": "u"},
			check: func(t *testing.T, c *models.Candidate) {
				assert.Equal(t, "1234567", c.ExternalID)
			},
		},
		{
			name: "json.Number values",
			raw:  models.RawRecord{"id": json.Number("42"), "title": "Car", "url": "u", "price": json.Number("9999.5")},
			check: func(t *testing.T, c *models.Candidate) {
				assert.Equal(t, "42", c.ExternalID)
				require.NotNil(t, c.Price)
				assert.Equal(t, 9999.5, *c.Price)
			},
		},
		{
			name: "Unparsable optionals are absent",
			raw: models.RawRecord{
				"id": "x", "title": "Car", "url": "u",
				"price": "call for price", "mileage": math.NaN(), "year": 2019.5, "make": "  ",
			},
			check: func(t *testing.T, c *models.Candidate) {
				assert.Nil(t, c.Price)
				assert.Nil(t, c.Mileage)
				assert.Nil(t, c.Year)
				assert.Nil(t, c.Make)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Normalize("marketcheck", tt.raw)
			require.NoError(t, err)
			assert.Equal(t, "marketcheck", c.Source)
			tt.check(t, c)
		})
	}
}

func TestNormalize_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		raw   models.RawRecord
		field string
	}{
		{"Missing id", models.RawRecord{"title": "Car", "url": "u"}, "external id"},
		{"Blank title", models.RawRecord{"id": "1", "title": "   ", "url": "u"}, "title"},
		{"Missing url", models.RawRecord{"id": "1", "title": "Car"}, "url"},
		{"Over-long id", models.RawRecord{"id": strings.Repeat("x", MaxFieldLength+1), "title": "Car", "url": "u"}, "external id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize("static", tt.raw)
			require.Error(t, err)
			var malformed *MalformedRecordError
			require.True(t, errors.As(err, &malformed))
			assert.Equal(t, tt.field, malformed.Field)
			assert.Equal(t, "static", malformed.Source)
		})
	}
}

func TestNormalize_BoundsTextFields(t *testing.T) {
	long := strings.Repeat("Ä", MaxFieldLength+45)
	c, err := Normalize("static", models.RawRecord{
		"id": strings.Repeat("9", MaxFieldLength), "title": long, "url": "u", "make": long, "model": long,
	})
	require.NoError(t, err)
	assert.Equal(t, MaxFieldLength, utf8.RuneCountInString(c.Title))
	require.NotNil(t, c.Make)
	assert.Equal(t, MaxFieldLength, utf8.RuneCountInString(*c.Make))
	require.NotNil(t, c.Model)
	assert.Equal(t, MaxFieldLength, utf8.RuneCountInString(*c.Model))
	assert.Len(t, c.ExternalID, MaxFieldLength)
}

func TestParseNumericString(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"75000", 75000, true},
		{"$75,000", 75000, true},
		{"€ 1.234", 1234, true},
		{"75.000", 75000, true},
		{"€ 75.000,50", 75000.5, true},
		{"1,234.56", 1234.56, true},
		{"1.234.567", 1234567, true},
		{"75.5", 75.5, true},
		{"1234.56", 1234.56, true},
		{"12k mi", 12000, true},
		{"12.5K", 12500, true},
		{"75k", 75000, true},
		{"12km", 12, true},
		{"12kg", 0, false},
		{"12,345 mi", 12345, true},
		{"80000 km", 80000, true},
		{"-1", -1, true},
		{"", 0, false},
		{"n/a", 0, false},
		{"1.2.3", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := parseNumericString(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
