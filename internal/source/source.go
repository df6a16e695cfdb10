// Package source provides the adapters that pull raw listing records from
// external marketplaces.
package source

import (
	"context"
	"fmt"
	"iter"
	"os"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"luxelink/server/config"
	"luxelink/server/internal/models"
)

// Source produces raw records for an agent's criteria. The sequence is lazy:
// records are fetched as the consumer pulls them and fetching stops when the
// consumer stops. A non-nil error ends the sequence.
type Source interface {
	Name() string
	Scan(ctx context.Context, criteria models.Criteria) iter.Seq2[models.RawRecord, error]
}

// AdapterError reports a failure of a source for the current scan.
type AdapterError struct {
	Source string
	Err    error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("source %s: %v", e.Source, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

type registration struct {
	source      Source
	concurrency int
}

// Registry holds the configured sources by name.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]registration
}

func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]registration)}
}

// Register adds s with the number of candidates of one scan that may be
// processed concurrently.
func (r *Registry) Register(s Source, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sources[s.Name()]; ok {
		return fmt.Errorf("source %q already registered", s.Name())
	}
	if concurrency < 1 {
		concurrency = 1
	}
	r.sources[s.Name()] = registration{source: s, concurrency: concurrency}
	return nil
}

func (r *Registry) Get(name string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.sources[name]
	return reg.source, ok
}

// Concurrency returns the configured candidate concurrency of name, or 1 for
// unknown sources.
func (r *Registry) Concurrency(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.sources[name]; ok {
		return reg.concurrency
	}
	return 1
}

// Names returns the registered source names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the sources named in names, or every registered source
// when names is empty. Unknown names are returned separately.
func (r *Registry) Resolve(names []string) (sources []Source, unknown []string) {
	if len(names) == 0 {
		names = r.Names()
	}
	for _, name := range names {
		if s, ok := r.Get(name); ok {
			sources = append(sources, s)
		} else {
			unknown = append(unknown, name)
		}
	}
	return sources, unknown
}

// New builds the adapter declared by cfg.
func New(cfg config.SourceConfig, logger *logrus.Logger) (Source, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}

	switch cfg.Type {
	case config.SourceHTTPJSON:
		return NewHTTPJSON(cfg, logger), nil
	case config.SourceCommand:
		return NewCommand(cfg, logger), nil
	case config.SourceStatic:
		records := make([]models.RawRecord, 0, len(cfg.Records))
		for _, r := range cfg.Records {
			records = append(records, models.RawRecord(r))
		}
		return NewStatic(cfg.Name, records...), nil
	}
	return nil, fmt.Errorf("unknown source type %q", cfg.Type)
}

// NewRegistryFromConfig builds and registers every source in cfgs.
// defaultConcurrency applies to sources that do not set one.
func NewRegistryFromConfig(cfgs []config.SourceConfig, defaultConcurrency int, logger *logrus.Logger) (*Registry, error) {
	r := NewRegistry()
	for _, cfg := range cfgs {
		s, err := New(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to build source %q: %w", cfg.Name, err)
		}
		concurrency := cfg.Concurrency
		if concurrency <= 0 {
			concurrency = defaultConcurrency
		}
		if err := r.Register(s, concurrency); err != nil {
			return nil, err
		}
	}
	return r, nil
}
