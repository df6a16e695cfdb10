package source

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"luxelink/server/config"
	"luxelink/server/internal/models"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// collect drains seq and returns the records and the terminal error.
func collect(seq func(yield func(models.RawRecord, error) bool)) ([]models.RawRecord, error) {
	var records []models.RawRecord
	for r, err := range seq {
		if err != nil {
			return records, err
		}
		records = append(records, r)
	}
	return records, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewStatic("b"), 2))
	require.NoError(t, r.Register(NewStatic("a"), 0))
	assert.Error(t, r.Register(NewStatic("a"), 1))

	assert.Equal(t, []string{"a", "b"}, r.Names())
	assert.Equal(t, 2, r.Concurrency("b"))
	assert.Equal(t, 1, r.Concurrency("a"))
	assert.Equal(t, 1, r.Concurrency("missing"))

	all, unknown := r.Resolve(nil)
	assert.Len(t, all, 2)
	assert.Empty(t, unknown)

	some, unknown := r.Resolve([]string{"b", "nope"})
	require.Len(t, some, 1)
	assert.Equal(t, "b", some[0].Name())
	assert.Equal(t, []string{"nope"}, unknown)
}

func TestNewRegistryFromConfig(t *testing.T) {
	r, err := NewRegistryFromConfig([]config.SourceConfig{
		{Name: "fixtures", Type: config.SourceStatic, Records: []map[string]any{{"id": "1"}}},
		{Name: "api", Type: config.SourceHTTPJSON, BaseURL: "http://localhost", Concurrency: 5},
		{Name: "scraper", Type: config.SourceCommand, Command: "true"},
	}, 3, quietLogger())
	require.NoError(t, err)

	assert.Equal(t, []string{"api", "fixtures", "scraper"}, r.Names())
	assert.Equal(t, 5, r.Concurrency("api"))
	assert.Equal(t, 3, r.Concurrency("fixtures"))

	_, err = NewRegistryFromConfig([]config.SourceConfig{{Name: "x", Type: "ftp"}}, 1, quietLogger())
	assert.Error(t, err)
}

func TestStatic(t *testing.T) {
	s := NewStatic("fixtures", models.RawRecord{"id": "1"}, models.RawRecord{"id": "2"})

	records, err := collect(s.Scan(context.Background(), models.DefaultCriteria()))
	require.NoError(t, err)
	assert.Len(t, records, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = collect(s.Scan(ctx, models.DefaultCriteria()))
	var adapterErr *AdapterError
	require.True(t, errors.As(err, &adapterErr))
	assert.Equal(t, "fixtures", adapterErr.Source)
	assert.ErrorIs(t, err, context.Canceled)
}
