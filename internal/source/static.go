package source

import (
	"context"
	"iter"

	"luxelink/server/internal/models"
)

// Static serves a fixed set of records regardless of criteria.
type Static struct {
	name    string
	records []models.RawRecord
}

func NewStatic(name string, records ...models.RawRecord) *Static {
	return &Static{name: name, records: records}
}

func (s *Static) Name() string { return s.name }

func (s *Static) Scan(ctx context.Context, _ models.Criteria) iter.Seq2[models.RawRecord, error] {
	return func(yield func(models.RawRecord, error) bool) {
		for _, r := range s.records {
			if err := ctx.Err(); err != nil {
				yield(nil, &AdapterError{Source: s.name, Err: err})
				return
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}
