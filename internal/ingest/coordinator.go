// Package ingest runs scan cycles: every enabled agent is matched against
// its sources and each produced record goes through the listing processor.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"luxelink/server/config"
	"luxelink/server/internal/metrics"
	"luxelink/server/internal/models"
	"luxelink/server/internal/normalize"
	"luxelink/server/internal/processor"
	"luxelink/server/internal/source"
	"luxelink/server/internal/store"
)

// AgentLister loads the agents a cycle scans.
type AgentLister interface {
	EnabledAgents(ctx context.Context) ([]models.Agent, error)
}

// ListingProcessor ingests one raw record for an agent.
type ListingProcessor interface {
	Process(ctx context.Context, agent models.Agent, criteria models.Criteria, sourceName string, raw models.RawRecord) (processor.Outcome, error)
}

type Coordinator struct {
	agents       AgentLister
	registry     *source.Registry
	processor    ListingProcessor
	agentWorkers int
	metrics      *metrics.Metrics
	logger       *logrus.Logger
}

func NewCoordinator(agents AgentLister, registry *source.Registry, proc ListingProcessor, cfg *config.Config, m *metrics.Metrics, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	workers := cfg.Ingest.AgentWorkers
	if workers < 1 {
		workers = 1
	}
	return &Coordinator{
		agents:       agents,
		registry:     registry,
		processor:    proc,
		agentWorkers: workers,
		metrics:      m,
		logger:       logger,
	}
}

// RunCycle scans every enabled agent once. Failures are isolated: a bad agent
// configuration or a store outage aborts only the agent that hit it, and a
// failing source is skipped for that agent. RunCycle itself never fails; all
// problems are reported in the summary.
func (c *Coordinator) RunCycle(ctx context.Context) Summary {
	sum := Summary{CycleID: uuid.NewString(), StartedAt: time.Now().UTC()}
	t := &tally{sum: &sum}
	log := c.logger.WithField("cycle_id", sum.CycleID)
	log.Info("Starting scan cycle")

	agents, err := c.agents.EnabledAgents(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to load agents")
		t.addError("", "", fmt.Errorf("failed to load agents: %w", err))
		return c.finish(&sum, log)
	}

	var g errgroup.Group
	g.SetLimit(c.agentWorkers)
	for _, agent := range agents {
		g.Go(func() error {
			c.runAgent(ctx, agent, t, log.WithField("agent", agent.ID))
			return nil
		})
	}
	g.Wait()

	if ctx.Err() != nil {
		t.addError("", "", fmt.Errorf("cycle interrupted: %w", context.Cause(ctx)))
	}
	return c.finish(&sum, log)
}

func (c *Coordinator) finish(sum *Summary, log *logrus.Entry) Summary {
	sum.FinishedAt = time.Now().UTC()
	sort.SliceStable(sum.Errors, func(i, j int) bool {
		if sum.Errors[i].Agent != sum.Errors[j].Agent {
			return sum.Errors[i].Agent < sum.Errors[j].Agent
		}
		return sum.Errors[i].Source < sum.Errors[j].Source
	})

	elapsed := sum.FinishedAt.Sub(sum.StartedAt)
	c.metrics.CycleFinished(elapsed.Seconds(), float64(sum.FinishedAt.Unix()))

	log.WithFields(logrus.Fields{
		"agents":    sum.Agents,
		"new":       sum.New,
		"updated":   sum.Updated,
		"unchanged": sum.Unchanged,
		"alerted":   sum.Alerted,
		"malformed": sum.Malformed,
		"failed":    sum.Failed,
		"errors":    len(sum.Errors),
		"duration":  elapsed.String(),
	}).Info("Scan cycle finished")
	return *sum
}

func (c *Coordinator) runAgent(ctx context.Context, agent models.Agent, t *tally, log *logrus.Entry) {
	criteria, err := models.ParseCriteria(agent.ConfigJSON)
	if err != nil {
		log.WithError(err).Error("Skipping agent with invalid configuration")
		c.metrics.AgentFailed("config")
		t.addError(agent.ID, "", err)
		return
	}
	t.scanned()

	sources, unknown := c.registry.Resolve(criteria.Sources)
	for _, name := range unknown {
		log.WithField("source", name).Warn("Agent references an unknown source")
		t.addError(agent.ID, name, fmt.Errorf("unknown source %q", name))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		g.Go(func() error {
			return c.runSource(gctx, agent, criteria, src, t, log.WithField("source", src.Name()))
		})
	}

	err = g.Wait()
	var persistErr *store.PersistenceError
	switch {
	case err == nil:
	case errors.As(err, &persistErr):
		log.WithError(err).Error("Aborting agent after persistence failure")
		c.metrics.AgentFailed("persistence")
		t.addError(agent.ID, "", err)
	case ctx.Err() != nil:
		// Reported once for the whole cycle.
	default:
		log.WithError(err).Error("Agent scan failed")
		t.addError(agent.ID, "", err)
	}
}

// runSource drains one source for one agent. Records are processed with the
// source's configured concurrency. Only errors that must abort the agent are
// returned.
func (c *Coordinator) runSource(ctx context.Context, agent models.Agent, criteria models.Criteria, src source.Source, t *tally, log *logrus.Entry) error {
	name := src.Name()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.registry.Concurrency(name))

	for raw, err := range src.Scan(gctx, criteria) {
		if gctx.Err() != nil {
			break
		}
		if err != nil {
			log.WithError(err).Error("Source scan failed")
			c.metrics.SourceError(name)
			t.addError(agent.ID, name, err)
			break
		}

		g.Go(func() error {
			out, err := c.processor.Process(gctx, agent, criteria, name, raw)
			var malformed *normalize.MalformedRecordError
			var persistErr *store.PersistenceError
			switch {
			case err == nil:
				t.outcome(out)
				c.metrics.ListingProcessed(name, out.Classification.String())
				if out.Alerted {
					c.metrics.ListingProcessed(name, "alerted")
				}
				return nil
			case errors.As(err, &malformed):
				log.WithError(err).Warn("Skipping malformed record")
				t.malformed()
				c.metrics.ListingProcessed(name, "malformed")
				return nil
			case errors.As(err, &persistErr):
				t.failed()
				c.metrics.ListingProcessed(name, "failed")
				return err
			case gctx.Err() != nil:
				// Handed over before the agent was aborted or the cycle ended.
				t.failed()
				c.metrics.ListingProcessed(name, "failed")
				return gctx.Err()
			default:
				log.WithError(err).Error("Failed to process record")
				t.failed()
				c.metrics.ListingProcessed(name, "failed")
				return nil
			}
		})
	}

	return g.Wait()
}
