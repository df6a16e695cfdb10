package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"luxelink/server/config"
	"luxelink/server/internal/ingest"
)

const flushTimeout = time.Minute

// ErrCycleRunning is returned by TriggerAsync while a cycle is in progress.
var ErrCycleRunning = errors.New("a scan cycle is already running")

// CycleRunner runs one scan cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) ingest.Summary
}

// Flusher delivers queued alerts.
type Flusher interface {
	Flush(ctx context.Context) (int, error)
}

// Scheduler runs scan cycles on a cron schedule, at startup and on demand.
// Cycles never overlap: a trigger that fires while a cycle runs is skipped.
type Scheduler struct {
	runner       CycleRunner
	flusher      Flusher
	cron         *cron.Cron
	spec         string
	cycleTimeout time.Duration
	runOnStartup bool
	logger       *logrus.Logger

	jobMutex sync.Mutex // Ensures sequential cycle execution
	running  atomic.Bool

	lastMu sync.RWMutex
	last   *ingest.Summary

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler. flusher may be nil.
func NewScheduler(runner CycleRunner, flusher Flusher, cfg *config.Config, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
		logger.SetLevel(logrus.InfoLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:       runner,
		flusher:      flusher,
		cron:         cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(logger)))),
		spec:         cfg.Ingest.Schedule,
		cycleTimeout: cfg.Ingest.CycleTimeout,
		runOnStartup: cfg.Ingest.RunOnStartup,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start registers the cron job and starts it. When configured, one cycle is
// started right away.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.runIfIdle("scheduled") }); err != nil {
		return fmt.Errorf("invalid scan schedule %q: %w", s.spec, err)
	}
	s.cron.Start()
	s.logger.WithField("schedule", s.spec).Info("Scheduler started")

	if s.runOnStartup {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runIfIdle("startup")
		}()
	}
	return nil
}

// Stop cancels a running cycle and waits for it and the cron jobs to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// TriggerAsync starts a cycle in the background. It returns ErrCycleRunning
// if a cycle is already in progress.
func (s *Scheduler) TriggerAsync() error {
	if !s.jobMutex.TryLock() {
		return ErrCycleRunning
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.jobMutex.Unlock()
		s.execute("manual")
	}()
	return nil
}

// Running reports whether a cycle is in progress.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// LastSummary returns the summary of the last finished cycle.
func (s *Scheduler) LastSummary() (ingest.Summary, bool) {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	if s.last == nil {
		return ingest.Summary{}, false
	}
	return *s.last, true
}

func (s *Scheduler) runIfIdle(trigger string) {
	if !s.jobMutex.TryLock() {
		s.logger.WithField("trigger", trigger).Warn("Skipping scan cycle, previous cycle still running")
		return
	}
	defer s.jobMutex.Unlock()
	s.execute(trigger)
}

// execute runs one cycle and flushes the alert outbox. The caller holds
// jobMutex.
func (s *Scheduler) execute(trigger string) {
	if s.ctx.Err() != nil {
		return
	}
	s.running.Store(true)
	defer s.running.Store(false)

	log := s.logger.WithField("trigger", trigger)
	log.Info("Starting scan cycle")

	ctx := s.ctx
	if s.cycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, s.cycleTimeout)
		defer cancel()
	}

	sum := s.runner.RunCycle(ctx)
	s.lastMu.Lock()
	s.last = &sum
	s.lastMu.Unlock()

	if s.flusher == nil {
		return
	}
	flushCtx, cancel := context.WithTimeout(s.ctx, flushTimeout)
	defer cancel()
	if _, err := s.flusher.Flush(flushCtx); err != nil {
		log.WithError(err).Error("Failed to flush alerts")
	}
}
