// Package processor turns one raw record into a persisted listing: it
// normalizes and scores the record, then runs the dedup check, the upsert and
// the alert decision in a single transaction keyed by (source, external id).
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"luxelink/server/config"
	"luxelink/server/internal/alerting"
	"luxelink/server/internal/dedup"
	"luxelink/server/internal/models"
	"luxelink/server/internal/normalize"
	"luxelink/server/internal/scoring"
	"luxelink/server/internal/store"
)

// Outcome describes what processing one record did to the store.
type Outcome struct {
	Key            models.ListingKey
	Classification dedup.Classification
	// Score is the listing's stored match score. It is this agent's score only
	// when Owned is true.
	Score float64
	// Owned is true when the observing agent owns the listing.
	Owned bool
	// Alerted is true when this observation flipped the listing's alerted
	// flag and enqueued an alert.
	Alerted bool
}

type Processor struct {
	store      store.Store
	maxRetries int
	retryDelay time.Duration
	now        func() time.Time
	logger     *logrus.Logger
}

func NewProcessor(s store.Store, cfg *config.Config, logger *logrus.Logger) *Processor {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	return &Processor{
		store:      s,
		maxRetries: cfg.Processing.MaxRetries,
		retryDelay: cfg.Processing.RetryDelay,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger,
	}
}

// Process ingests raw as observed by agent from sourceName. A record missing
// required fields returns a *normalize.MalformedRecordError and a record the
// store rejects for its content returns a *store.RecordError; neither is
// retried. A store failure that survives all retries returns a
// *store.PersistenceError.
func (p *Processor) Process(ctx context.Context, agent models.Agent, criteria models.Criteria, sourceName string, raw models.RawRecord) (Outcome, error) {
	candidate, err := normalize.Normalize(sourceName, raw)
	if err != nil {
		return Outcome{}, err
	}
	score := scoring.Score(candidate, criteria)

	rawJSON, err := json.Marshal(candidate.Raw)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to encode raw record %s: %w", candidate.Key(), err)
	}

	obs := observation{
		agent:     agent,
		threshold: criteria.ScoreThreshold,
		candidate: candidate,
		score:     score,
		rawJSON:   rawJSON,
	}

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			p.logger.WithFields(logrus.Fields{
				"listing": candidate.Key().String(),
				"attempt": attempt,
				"max":     p.maxRetries,
			}).Info("Retrying listing transaction")
			if err = sleep(ctx, p.retryDelay); err != nil {
				return Outcome{}, err
			}
		}

		var out Outcome
		out, err = p.persist(ctx, obs)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		var rejected *store.RecordError
		if errors.As(err, &rejected) {
			p.logger.WithError(err).WithField("listing", candidate.Key().String()).Warn("Store rejected listing")
			return Outcome{}, err
		}

		p.logger.WithError(err).WithField("listing", candidate.Key().String()).Error("Listing transaction failed")
	}

	return Outcome{}, &store.PersistenceError{Key: candidate.Key(), Err: err}
}

// observation is one agent's view of one candidate.
type observation struct {
	agent     models.Agent
	threshold float64
	candidate *models.Candidate
	score     float64
	rawJSON   []byte
}

// persist runs the listing transaction. A conflicting insert means another
// writer created the row in the meantime, so the transaction is run again and
// takes the update path.
func (p *Processor) persist(ctx context.Context, obs observation) (Outcome, error) {
	out, err := p.transact(ctx, obs)
	if errors.Is(err, store.ErrConflict) {
		p.logger.WithField("listing", obs.candidate.Key().String()).Debug("Concurrent insert, retrying as update")
		out, err = p.transact(ctx, obs)
	}
	return out, err
}

func (p *Processor) transact(ctx context.Context, obs observation) (Outcome, error) {
	key := obs.candidate.Key()
	var out Outcome

	err := p.store.WithListing(ctx, key, func(ctx context.Context, tx store.ListingTx) error {
		prior, err := tx.Current(ctx)
		if err != nil {
			return err
		}

		now := p.now()
		class := dedup.Classify(obs.candidate, prior)
		row, alert := buildRow(obs, prior, class, now)
		out = Outcome{
			Key:            key,
			Classification: class,
			Score:          row.MatchScore,
			Owned:          row.OwnedBy(obs.agent.ID),
		}

		if prior == nil {
			if err := tx.Insert(ctx, row); err != nil {
				return err
			}
		} else if err := tx.Update(ctx, row); err != nil {
			return err
		}

		if alert {
			if err := tx.EnqueueAlert(ctx, &models.ListingAlert{
				ListingID: row.ID,
				AgentID:   obs.agent.ID,
				Score:     row.MatchScore,
				CreatedAt: now,
			}); err != nil {
				return err
			}
			out.Alerted = true
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	p.logger.WithFields(logrus.Fields{
		"listing":        key.String(),
		"agent":          obs.agent.ID,
		"classification": out.Classification.String(),
		"score":          out.Score,
		"owned":          out.Owned,
	}).Debug("Processed listing")
	if out.Alerted {
		p.logger.WithFields(logrus.Fields{
			"listing": key.String(),
			"agent":   obs.agent.ID,
			"score":   out.Score,
		}).Info("Listing matched agent")
	}
	return out, nil
}

// buildRow returns the row to write and whether an alert must be enqueued.
// The first agent to see a listing owns it; only the owner's observation
// refreshes match_score and may flip alerted. first_seen and alerted=true are
// never reverted.
func buildRow(obs observation, prior *models.Listing, class dedup.Classification, now time.Time) (*models.Listing, bool) {
	if prior == nil {
		agentID := obs.agent.ID
		row := &models.Listing{
			AgentID:    &agentID,
			Source:     obs.candidate.Source,
			ExternalID: obs.candidate.ExternalID,
			FirstSeen:  now,
			LastSeen:   now,
			MatchScore: obs.score,
		}
		applyCandidate(row, obs)
		row.Alerted = alerting.ShouldAlert(obs.threshold, obs.score, false)
		return row, row.Alerted
	}

	row := *prior
	row.LastSeen = now
	if row.AgentID == nil {
		agentID := obs.agent.ID
		row.AgentID = &agentID
	}
	if class == dedup.Updated {
		applyCandidate(&row, obs)
	}

	if !row.OwnedBy(obs.agent.ID) {
		return &row, false
	}
	row.MatchScore = obs.score
	alert := alerting.ShouldAlert(obs.threshold, obs.score, prior.Alerted)
	if alert {
		row.Alerted = true
	}
	return &row, alert
}

func applyCandidate(row *models.Listing, obs observation) {
	c := obs.candidate
	row.Title = c.Title
	row.URL = c.URL
	row.Price = c.Price
	row.Mileage = c.Mileage
	row.Year = nil
	if c.Year != nil {
		y := float64(*c.Year)
		row.Year = &y
	}
	row.Make = c.Make
	row.Model = c.Model
	row.RawJSON = obs.rawJSON
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
