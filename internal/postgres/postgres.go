// Package postgres implements store.Store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"luxelink/server/internal/models"
	"luxelink/server/internal/store"
)

// Pool is the subset of *pgxpool.Pool the store uses.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

type Store struct {
	pool   Pool
	logger *logrus.Logger
}

var _ store.Store = (*Store)(nil)

// Connect opens a connection pool to databaseURL.
func Connect(ctx context.Context, databaseURL string, maxConns int32, logger *logrus.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return New(pool, logger), nil
}

func New(pool Pool, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	return &Store{pool: pool, logger: logger}
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const listingColumns = `id, agent_id, source, external_id, url, title, price, mileage, year, make, model,
	raw_json, first_seen, last_seen, alerted, match_score`

func scanListing(row pgx.Row, l *models.Listing) error {
	var raw []byte
	err := row.Scan(
		&l.ID, &l.AgentID, &l.Source, &l.ExternalID, &l.URL, &l.Title,
		&l.Price, &l.Mileage, &l.Year, &l.Make, &l.Model,
		&raw, &l.FirstSeen, &l.LastSeen, &l.Alerted, &l.MatchScore,
	)
	if err != nil {
		return err
	}
	l.RawJSON = raw
	return nil
}

// WithListing runs fn in a transaction. The row for key is locked by
// ListingTx.Current until commit or rollback.
func (s *Store) WithListing(ctx context.Context, key models.ListingKey, fn func(ctx context.Context, tx store.ListingTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(ctx, &listingTx{tx: tx, key: key}); err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.WithError(rbErr).WithField("listing", key.String()).Warn("Failed to roll back listing transaction")
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit listing %s: %w", key, err)
	}
	return nil
}

type listingTx struct {
	tx  pgx.Tx
	key models.ListingKey
}

func (t *listingTx) Current(ctx context.Context) (*models.Listing, error) {
	var l models.Listing
	err := scanListing(t.tx.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE source = $1 AND external_id = $2 FOR UPDATE`,
		t.key.Source, t.key.ExternalID,
	), &l)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, rejectRecord(t.key, fmt.Errorf("failed to load listing %s: %w", t.key, err))
	}
	return &l, nil
}

// Insert relies on ON CONFLICT DO NOTHING so a lost race does not abort the
// transaction; no returned row means another writer owns the key.
func (t *listingTx) Insert(ctx context.Context, l *models.Listing) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO listings (agent_id, source, external_id, url, title, price, mileage, year, make, model,
			raw_json, first_seen, last_seen, alerted, match_score)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (source, external_id) DO NOTHING
		RETURNING id`,
		l.AgentID, l.Source, l.ExternalID, l.URL, l.Title, l.Price, l.Mileage, l.Year, l.Make, l.Model,
		[]byte(l.RawJSON), l.FirstSeen, l.LastSeen, l.Alerted, l.MatchScore,
	).Scan(&l.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrConflict
	}
	if err != nil {
		return rejectRecord(t.key, fmt.Errorf("failed to insert listing %s: %w", t.key, err))
	}
	return nil
}

func (t *listingTx) Update(ctx context.Context, l *models.Listing) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE listings
		SET agent_id = $2, url = $3, title = $4, price = $5, mileage = $6, year = $7, make = $8, model = $9,
			raw_json = $10, last_seen = $11, alerted = $12, match_score = $13
		WHERE id = $1`,
		l.ID, l.AgentID, l.URL, l.Title, l.Price, l.Mileage, l.Year, l.Make, l.Model,
		[]byte(l.RawJSON), l.LastSeen, l.Alerted, l.MatchScore,
	)
	if err != nil {
		return rejectRecord(t.key, fmt.Errorf("failed to update listing %s: %w", t.key, err))
	}
	return nil
}

func (t *listingTx) EnqueueAlert(ctx context.Context, a *models.ListingAlert) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO listing_alerts (listing_id, agent_id, score, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		a.ListingID, a.AgentID, a.Score, a.CreatedAt,
	).Scan(&a.ID)
	if err != nil {
		return rejectRecord(t.key, fmt.Errorf("failed to enqueue alert for listing %s: %w", t.key, err))
	}
	return nil
}

const uniqueViolation = "23505"

// rejectRecord marks errors caused by the row's content: data exceptions
// (SQLSTATE class 22) and integrity violations (class 23) other than a unique
// violation, which the conflict path handles.
func rejectRecord(key models.ListingKey, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || len(pgErr.Code) < 2 {
		return err
	}
	switch class := pgErr.Code[:2]; {
	case class == "22", class == "23" && pgErr.Code != uniqueViolation:
		return &store.RecordError{Key: key, Err: err}
	}
	return err
}

func (s *Store) queryAgents(ctx context.Context, query string) ([]models.Agent, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		var a models.Agent
		var cfg []byte
		if err := rows.Scan(&a.ID, &a.Name, &a.Enabled, &cfg, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.ConfigJSON = cfg
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *Store) EnabledAgents(ctx context.Context) ([]models.Agent, error) {
	agents, err := s.queryAgents(ctx, `SELECT id, name, enabled, config_json, created_at FROM agents WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load enabled agents: %w", err)
	}
	return agents, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]models.Agent, error) {
	agents, err := s.queryAgents(ctx, `SELECT id, name, enabled, config_json, created_at FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load agents: %w", err)
	}
	return agents, nil
}

func (s *Store) UpsertAgent(ctx context.Context, a *models.Agent) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if len(a.ConfigJSON) == 0 {
		a.ConfigJSON = []byte("{}")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (id, name, enabled, config_json, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, enabled = EXCLUDED.enabled, config_json = EXCLUDED.config_json`,
		a.ID, a.Name, a.Enabled, []byte(a.ConfigJSON), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert agent %s: %w", a.ID, err)
	}
	return nil
}

func (s *Store) ListListings(ctx context.Context, f models.ListingFilter) ([]models.Listing, error) {
	var (
		where []string
		args  []any
	)
	if f.AgentID != "" {
		args = append(args, f.AgentID)
		where = append(where, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if f.Alerted != nil {
		args = append(args, *f.Alerted)
		where = append(where, fmt.Sprintf("alerted = $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = store.DefaultListingLimit
	}
	args = append(args, limit)

	query := `SELECT ` + listingColumns + ` FROM listings`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY last_seen DESC, id DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list listings: %w", err)
	}
	defer rows.Close()

	var listings []models.Listing
	for rows.Next() {
		var l models.Listing
		if err := scanListing(rows, &l); err != nil {
			return nil, fmt.Errorf("failed to scan listing: %w", err)
		}
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate listings: %w", err)
	}
	return listings, nil
}

func (s *Store) GetListing(ctx context.Context, key models.ListingKey) (*models.Listing, error) {
	var l models.Listing
	err := scanListing(s.pool.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE source = $1 AND external_id = $2`,
		key.Source, key.ExternalID,
	), &l)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load listing %s: %w", key, err)
	}
	return &l, nil
}

func (s *Store) PendingAlerts(ctx context.Context, limit int) ([]models.PendingAlert, error) {
	if limit <= 0 {
		limit = store.DefaultListingLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT a.id, a.listing_id, a.agent_id, a.score, a.created_at, COALESCE(ag.name, ''),
			l.id, l.agent_id, l.source, l.external_id, l.url, l.title, l.price, l.mileage, l.year, l.make, l.model,
			l.raw_json, l.first_seen, l.last_seen, l.alerted, l.match_score
		FROM listing_alerts a
		JOIN listings l ON l.id = a.listing_id
		LEFT JOIN agents ag ON ag.id = a.agent_id
		WHERE a.delivered_at IS NULL
		ORDER BY a.id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending alerts: %w", err)
	}
	defer rows.Close()

	var pending []models.PendingAlert
	for rows.Next() {
		var p models.PendingAlert
		var raw []byte
		l := &p.Listing
		err := rows.Scan(
			&p.Alert.ID, &p.Alert.ListingID, &p.Alert.AgentID, &p.Alert.Score, &p.Alert.CreatedAt, &p.AgentName,
			&l.ID, &l.AgentID, &l.Source, &l.ExternalID, &l.URL, &l.Title, &l.Price, &l.Mileage, &l.Year, &l.Make, &l.Model,
			&raw, &l.FirstSeen, &l.LastSeen, &l.Alerted, &l.MatchScore,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending alert: %w", err)
		}
		l.RawJSON = raw
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending alerts: %w", err)
	}
	return pending, nil
}

func (s *Store) MarkAlertDelivered(ctx context.Context, id int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE listing_alerts SET delivered_at = $2 WHERE id = $1 AND delivered_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark alert %d delivered: %w", id, err)
	}
	return nil
}
