package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"luxelink/server/config"
	"luxelink/server/internal/dedup"
	"luxelink/server/internal/models"
	"luxelink/server/internal/normalize"
	"luxelink/server/internal/store"
)

// MockStore implements the transactional part of store.Store. WithListing
// returns its configured error, or runs fn against tx when that is nil.
type MockStore struct {
	store.Store
	mock.Mock
	tx *MockTx
}

func (m *MockStore) WithListing(ctx context.Context, key models.ListingKey, fn func(ctx context.Context, tx store.ListingTx) error) error {
	args := m.Called(key)
	if err := args.Error(0); err != nil {
		return err
	}
	return fn(ctx, m.tx)
}

type MockTx struct {
	mock.Mock
}

func (m *MockTx) Current(ctx context.Context) (*models.Listing, error) {
	args := m.Called()
	l, _ := args.Get(0).(*models.Listing)
	return l, args.Error(1)
}

func (m *MockTx) Insert(ctx context.Context, l *models.Listing) error {
	return m.Called(l).Error(0)
}

func (m *MockTx) Update(ctx context.Context, l *models.Listing) error {
	return m.Called(l).Error(0)
}

func (m *MockTx) EnqueueAlert(ctx context.Context, a *models.ListingAlert) error {
	return m.Called(a).Error(0)
}

func newTestProcessor(maxRetries int) (*Processor, *MockStore) {
	cfg := &config.Config{}
	cfg.Processing.MaxRetries = maxRetries
	cfg.Processing.RetryDelay = time.Millisecond
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	st := &MockStore{tx: &MockTx{}}
	return NewProcessor(st, cfg, logger), st
}

func porscheAgent() (models.Agent, models.Criteria) {
	criteria, _ := models.ParseCriteria([]byte(`{"maxPrice":80000,"makes":["Porsche"],"scoreThreshold":0.6}`))
	return models.Agent{ID: "porsche", Name: "Porsche hunter", Enabled: true}, criteria
}

func porscheRecord(price any) models.RawRecord {
	return models.RawRecord{
		"id":    "X1",
		"title": "2019 Porsche 911 Carrera",
		"url":   "https://example.com/X1",
		"price": price,
		"make":  "Porsche",
	}
}

var x1 = models.ListingKey{Source: "marketcheck", ExternalID: "X1"}

func TestNewProcessor(t *testing.T) {
	cfg := &config.Config{}
	cfg.Processing.MaxRetries = 3
	cfg.Processing.RetryDelay = time.Second

	p := NewProcessor(&MockStore{}, cfg, nil)
	assert.NotNil(t, p.logger)
	assert.Equal(t, 3, p.maxRetries)
	assert.Equal(t, time.Second, p.retryDelay)
}

func TestProcess_MalformedRecord(t *testing.T) {
	p, st := newTestProcessor(3)
	agent, criteria := porscheAgent()

	_, err := p.Process(context.Background(), agent, criteria, "marketcheck", models.RawRecord{"id": "X1", "url": "u"})
	var malformed *normalize.MalformedRecordError
	require.True(t, errors.As(err, &malformed))
	assert.Equal(t, "title", malformed.Field)
	st.AssertNotCalled(t, "WithListing", mock.Anything)
}

func TestProcess_NewListingAlerts(t *testing.T) {
	p, st := newTestProcessor(3)
	agent, criteria := porscheAgent()

	st.On("WithListing", x1).Return(nil).Once()
	st.tx.On("Current").Return((*models.Listing)(nil), nil).Once()
	st.tx.On("Insert", mock.MatchedBy(func(l *models.Listing) bool {
		return *l.AgentID == "porsche" && l.Alerted && l.MatchScore == 1.0 && *l.Price == 75000 &&
			l.FirstSeen.Equal(l.LastSeen)
	})).Run(func(args mock.Arguments) {
		args.Get(0).(*models.Listing).ID = 42
	}).Return(nil).Once()
	st.tx.On("EnqueueAlert", mock.MatchedBy(func(a *models.ListingAlert) bool {
		return a.ListingID == 42 && a.AgentID == "porsche" && a.Score == 1.0
	})).Return(nil).Once()

	out, err := p.Process(context.Background(), agent, criteria, "marketcheck", porscheRecord("$75,000"))
	require.NoError(t, err)
	assert.Equal(t, dedup.New, out.Classification)
	assert.Equal(t, 1.0, out.Score)
	assert.True(t, out.Owned)
	assert.True(t, out.Alerted)
	st.AssertExpectations(t)
	st.tx.AssertExpectations(t)
}

func TestProcess_ConflictFallsBackToUpdate(t *testing.T) {
	p, st := newTestProcessor(0)
	agent, criteria := porscheAgent()

	owner := "porsche"
	price := 75000.0
	brand := "Porsche"
	existing := &models.Listing{
		ID: 7, AgentID: &owner, Source: "marketcheck", ExternalID: "X1",
		Title: "2019 Porsche 911 Carrera", URL: "https://example.com/X1", Price: &price, Make: &brand,
		Alerted: true, MatchScore: 1.0,
	}

	st.On("WithListing", x1).Return(nil).Twice()
	st.tx.On("Current").Return((*models.Listing)(nil), nil).Once()
	st.tx.On("Insert", mock.Anything).Return(store.ErrConflict).Once()
	st.tx.On("Current").Return(existing, nil).Once()
	st.tx.On("Update", mock.MatchedBy(func(l *models.Listing) bool { return l.ID == 7 && l.Alerted })).Return(nil).Once()

	out, err := p.Process(context.Background(), agent, criteria, "marketcheck", porscheRecord(75000))
	require.NoError(t, err)
	assert.Equal(t, dedup.Unchanged, out.Classification)
	assert.False(t, out.Alerted)
	st.tx.AssertExpectations(t)
	st.tx.AssertNotCalled(t, "EnqueueAlert", mock.Anything)
}

func TestProcess_NonOwnerDoesNotScoreOrAlert(t *testing.T) {
	p, st := newTestProcessor(0)
	agent, criteria := porscheAgent()

	owner := "someone-else"
	existing := &models.Listing{
		ID: 7, AgentID: &owner, Source: "marketcheck", ExternalID: "X1",
		Title: "2019 Porsche 911 Carrera", URL: "https://example.com/X1",
		MatchScore: 0.2,
	}

	st.On("WithListing", x1).Return(nil).Once()
	st.tx.On("Current").Return(existing, nil).Once()
	st.tx.On("Update", mock.MatchedBy(func(l *models.Listing) bool {
		return *l.AgentID == "someone-else" && l.MatchScore == 0.2 && !l.Alerted && *l.Price == 75000
	})).Return(nil).Once()

	out, err := p.Process(context.Background(), agent, criteria, "marketcheck", porscheRecord(75000))
	require.NoError(t, err)
	assert.Equal(t, dedup.Updated, out.Classification)
	assert.False(t, out.Alerted)
	assert.False(t, out.Owned)
	assert.Equal(t, 0.2, out.Score)
	st.tx.AssertExpectations(t)
	st.tx.AssertNotCalled(t, "EnqueueAlert", mock.Anything)
}

func TestProcess_RejectedRecordIsNotRetried(t *testing.T) {
	p, st := newTestProcessor(3)
	agent, criteria := porscheAgent()

	rejected := &store.RecordError{Key: x1, Err: errors.New("value too long for type character varying(255)")}
	st.On("WithListing", x1).Return(nil).Once()
	st.tx.On("Current").Return((*models.Listing)(nil), nil).Once()
	st.tx.On("Insert", mock.Anything).Return(rejected).Once()

	_, err := p.Process(context.Background(), agent, criteria, "marketcheck", porscheRecord(75000))
	require.Error(t, err)

	var recordErr *store.RecordError
	require.True(t, errors.As(err, &recordErr))
	var persistErr *store.PersistenceError
	assert.False(t, errors.As(err, &persistErr))
	st.AssertNumberOfCalls(t, "WithListing", 1)
}

func TestProcess_Retries(t *testing.T) {
	p, st := newTestProcessor(2)
	agent, criteria := porscheAgent()

	// Test retry followed by success
	st.On("WithListing", x1).Return(errors.New("database is locked")).Once()
	st.On("WithListing", x1).Return(nil).Once()
	st.tx.On("Current").Return((*models.Listing)(nil), nil).Once()
	st.tx.On("Insert", mock.Anything).Return(nil).Once()
	st.tx.On("EnqueueAlert", mock.Anything).Return(nil).Once()

	_, err := p.Process(context.Background(), agent, criteria, "marketcheck", porscheRecord(75000))
	require.NoError(t, err)
	st.AssertNumberOfCalls(t, "WithListing", 2)

	// Test retries exhausted
	st.On("WithListing", x1).Return(errors.New("connection refused")).Times(3)
	_, err = p.Process(context.Background(), agent, criteria, "marketcheck", porscheRecord(75000))
	require.Error(t, err)

	var persistErr *store.PersistenceError
	require.True(t, errors.As(err, &persistErr))
	assert.Equal(t, x1, persistErr.Key)
	assert.Contains(t, err.Error(), "connection refused")
	st.AssertNumberOfCalls(t, "WithListing", 5)
}

func TestProcess_CancelledContextIsNotRetried(t *testing.T) {
	p, st := newTestProcessor(3)
	agent, criteria := porscheAgent()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st.On("WithListing", x1).Return(context.Canceled).Once()

	_, err := p.Process(ctx, agent, criteria, "marketcheck", porscheRecord(75000))
	assert.ErrorIs(t, err, context.Canceled)

	var persistErr *store.PersistenceError
	assert.False(t, errors.As(err, &persistErr))
	st.AssertNumberOfCalls(t, "WithListing", 1)
}

func TestBuildRow_KeepsFirstSeenAndAlerted(t *testing.T) {
	agent, criteria := porscheAgent()
	owner := agent.ID
	firstSeen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := firstSeen.Add(4 * time.Hour)

	prior := &models.Listing{ID: 1, AgentID: &owner, Title: "old", URL: "u", FirstSeen: firstSeen, LastSeen: firstSeen, Alerted: true, MatchScore: 1}
	candidate, err := normalize.Normalize("marketcheck", porscheRecord(90000))
	require.NoError(t, err)

	obs := observation{agent: agent, threshold: criteria.ScoreThreshold, candidate: candidate, score: 0.5, rawJSON: []byte(`{}`)}
	row, alert := buildRow(obs, prior, dedup.Updated, now)

	assert.False(t, alert)
	assert.True(t, row.Alerted)
	assert.Equal(t, firstSeen, row.FirstSeen)
	assert.Equal(t, now, row.LastSeen)
	assert.Equal(t, 0.5, row.MatchScore)
	assert.Equal(t, "2019 Porsche 911 Carrera", row.Title)
	assert.Equal(t, "old", prior.Title)
}

func TestBuildRow_ClaimsUnownedListing(t *testing.T) {
	agent, criteria := porscheAgent()
	prior := &models.Listing{ID: 1, Title: "2019 Porsche 911 Carrera", URL: "https://example.com/X1"}
	candidate, err := normalize.Normalize("marketcheck", porscheRecord(75000))
	require.NoError(t, err)

	obs := observation{agent: agent, threshold: criteria.ScoreThreshold, candidate: candidate, score: 1}
	row, alert := buildRow(obs, prior, dedup.Updated, time.Now())

	require.NotNil(t, row.AgentID)
	assert.Equal(t, "porsche", *row.AgentID)
	assert.True(t, alert)
	assert.True(t, row.Alerted)
}
