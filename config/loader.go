package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"luxelink/server/internal/models"
)

// Source types understood by the source factory.
const (
	SourceHTTPJSON = "http_json"
	SourceCommand  = "command"
	SourceStatic   = "static"
)

// SourceConfig declares one listing source.
type SourceConfig struct {
	Name          string  `yaml:"name"`
	Type          string  `yaml:"type"`
	Concurrency   int     `yaml:"concurrency"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`

	// http_json
	BaseURL    string            `yaml:"base_url"`
	ItemsKey   string            `yaml:"items_key"`
	PageSize   int               `yaml:"page_size"`
	MaxPages   int               `yaml:"max_pages"`
	Params     map[string]string `yaml:"params"`
	Headers    map[string]string `yaml:"headers"`
	Timeout    time.Duration     `yaml:"timeout"`
	MaxRetries int               `yaml:"max_retries"`

	// command
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// static
	Records []map[string]any `yaml:"records"`
}

// AgentConfig declares one agent. Criteria is stored verbatim as the
// agent's config_json.
type AgentConfig struct {
	ID       string         `yaml:"id"`
	Name     string         `yaml:"name"`
	Enabled  *bool          `yaml:"enabled"`
	Criteria map[string]any `yaml:"criteria"`
}

// File is the content of AGENTS_FILE.
type File struct {
	Sources []SourceConfig `yaml:"sources"`
	Agents  []AgentConfig  `yaml:"agents"`
}

// LoadFile reads and validates the sources and agents file at path.
// Environment variables are expanded in base URLs, params and headers so
// that API keys stay out of the file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseFile(data)
}

func ParseFile(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	for i := range f.Sources {
		s := &f.Sources[i]
		s.BaseURL = os.ExpandEnv(s.BaseURL)
		for k, v := range s.Params {
			s.Params[k] = os.ExpandEnv(v)
		}
		for k, v := range s.Headers {
			s.Headers[k] = os.ExpandEnv(v)
		}
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) Validate() error {
	sources := make(map[string]bool, len(f.Sources))
	for _, s := range f.Sources {
		if s.Name == "" {
			return fmt.Errorf("source without a name")
		}
		if sources[s.Name] {
			return fmt.Errorf("duplicate source %q", s.Name)
		}
		sources[s.Name] = true

		switch s.Type {
		case SourceHTTPJSON:
			if s.BaseURL == "" {
				return fmt.Errorf("source %q: base_url is required", s.Name)
			}
		case SourceCommand:
			if s.Command == "" {
				return fmt.Errorf("source %q: command is required", s.Name)
			}
		case SourceStatic:
		default:
			return fmt.Errorf("source %q: unknown type %q", s.Name, s.Type)
		}
	}

	agents := make(map[string]bool, len(f.Agents))
	for _, a := range f.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent without an id")
		}
		if agents[a.ID] {
			return fmt.Errorf("duplicate agent %q", a.ID)
		}
		agents[a.ID] = true
	}
	return nil
}

// Agent converts the declaration into the stored row shape.
func (a AgentConfig) Agent() (models.Agent, error) {
	criteria := a.Criteria
	if criteria == nil {
		criteria = map[string]any{}
	}
	cfg, err := json.Marshal(criteria)
	if err != nil {
		return models.Agent{}, fmt.Errorf("failed to encode criteria of agent %q: %w", a.ID, err)
	}

	name := a.Name
	if name == "" {
		name = a.ID
	}
	return models.Agent{
		ID:         a.ID,
		Name:       name,
		Enabled:    a.Enabled == nil || *a.Enabled,
		ConfigJSON: cfg,
	}, nil
}
