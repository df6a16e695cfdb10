package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"luxelink/server/internal/models"
	"luxelink/server/internal/store"
)

// sqliteParams makes every transaction take the write lock up front so that
// the read of a listing and its upsert are serialized per database.
const sqliteParams = "_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"

// Database is the SQLite implementation of store.Store.
type Database struct {
	db     *gorm.DB
	logger *logrus.Logger
}

var _ store.Store = (*Database)(nil)

// NewDatabase opens the SQLite database at dbPath. dbPath may be a plain file
// path or a "file:" URI such as an in-memory database.
func NewDatabase(dbPath string, logger *logrus.Logger) (*Database, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}

	if !strings.HasPrefix(dbPath, "file:") {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn(dbPath)), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	// SQLite allows a single writer; one connection keeps transactions queued
	// in the pool instead of failing with SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	return &Database{db: db, logger: logger}, nil
}

func dsn(dbPath string) string {
	if !strings.HasPrefix(dbPath, "file:") {
		dbPath = "file:" + dbPath
	}
	if strings.Contains(dbPath, "?") {
		return dbPath + "&" + sqliteParams
	}
	return dbPath + "?" + sqliteParams
}

func (d *Database) Ping(ctx context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithListing runs fn inside one immediate transaction.
func (d *Database) WithListing(ctx context.Context, key models.ListingKey, fn func(ctx context.Context, tx store.ListingTx) error) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &listingTx{tx: tx, key: key})
	})
}

type listingTx struct {
	tx  *gorm.DB
	key models.ListingKey
}

func (t *listingTx) Current(ctx context.Context) (*models.Listing, error) {
	var rows []models.Listing
	err := t.tx.WithContext(ctx).
		Where("source = ? AND external_id = ?", t.key.Source, t.key.ExternalID).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load listing %s: %w", t.key, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (t *listingTx) Insert(ctx context.Context, l *models.Listing) error {
	if err := t.tx.WithContext(ctx).Create(l).Error; err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return rejectRecord(t.key, fmt.Errorf("failed to insert listing %s: %w", t.key, err))
	}
	return nil
}

func (t *listingTx) Update(ctx context.Context, l *models.Listing) error {
	err := t.tx.WithContext(ctx).
		Model(&models.Listing{}).
		Where("id = ?", l.ID).
		Updates(map[string]any{
			"agent_id":    l.AgentID,
			"url":         l.URL,
			"title":       l.Title,
			"price":       l.Price,
			"mileage":     l.Mileage,
			"year":        l.Year,
			"make":        l.Make,
			"model":       l.Model,
			"raw_json":    l.RawJSON,
			"last_seen":   l.LastSeen,
			"alerted":     l.Alerted,
			"match_score": l.MatchScore,
		}).Error
	if err != nil {
		return rejectRecord(t.key, fmt.Errorf("failed to update listing %s: %w", t.key, err))
	}
	return nil
}

func (t *listingTx) EnqueueAlert(ctx context.Context, a *models.ListingAlert) error {
	if err := t.tx.WithContext(ctx).Create(a).Error; err != nil {
		return rejectRecord(t.key, fmt.Errorf("failed to enqueue alert for listing %s: %w", t.key, err))
	}
	return nil
}

// rejectRecord marks constraint failures caused by the row's content. Unique
// violations are left to the conflict path.
func rejectRecord(key models.ListingKey, err error) error {
	if errors.Is(err, gorm.ErrForeignKeyViolated) || errors.Is(err, gorm.ErrCheckConstraintViolated) {
		return &store.RecordError{Key: key, Err: err}
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && !isUniqueViolation(err) {
		switch sqliteErr.Code {
		case sqlite3.ErrConstraint, sqlite3.ErrTooBig, sqlite3.ErrMismatch:
			return &store.RecordError{Key: key, Err: err}
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func (d *Database) EnabledAgents(ctx context.Context) ([]models.Agent, error) {
	var agents []models.Agent
	if err := d.db.WithContext(ctx).Where("enabled = ?", true).Order("id").Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("failed to load enabled agents: %w", err)
	}
	return agents, nil
}

func (d *Database) ListAgents(ctx context.Context) ([]models.Agent, error) {
	var agents []models.Agent
	if err := d.db.WithContext(ctx).Order("id").Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("failed to load agents: %w", err)
	}
	return agents, nil
}

// UpsertAgent creates the agent or updates its name, enabled flag and
// configuration. created_at is kept for existing agents.
func (d *Database) UpsertAgent(ctx context.Context, a *models.Agent) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if len(a.ConfigJSON) == 0 {
		a.ConfigJSON = []byte("{}")
	}
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "enabled", "config_json"}),
	}).Create(a).Error
	if err != nil {
		return fmt.Errorf("failed to upsert agent %s: %w", a.ID, err)
	}
	return nil
}

func (d *Database) ListListings(ctx context.Context, f models.ListingFilter) ([]models.Listing, error) {
	q := d.db.WithContext(ctx).Model(&models.Listing{})
	if f.AgentID != "" {
		q = q.Where("agent_id = ?", f.AgentID)
	}
	if f.Alerted != nil {
		q = q.Where("alerted = ?", *f.Alerted)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = store.DefaultListingLimit
	}

	var listings []models.Listing
	if err := q.Order("last_seen DESC, id DESC").Limit(limit).Find(&listings).Error; err != nil {
		return nil, fmt.Errorf("failed to list listings: %w", err)
	}
	return listings, nil
}

func (d *Database) GetListing(ctx context.Context, key models.ListingKey) (*models.Listing, error) {
	var rows []models.Listing
	err := d.db.WithContext(ctx).
		Where("source = ? AND external_id = ?", key.Source, key.ExternalID).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load listing %s: %w", key, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// PendingAlerts returns up to limit undelivered alerts, oldest first.
func (d *Database) PendingAlerts(ctx context.Context, limit int) ([]models.PendingAlert, error) {
	if limit <= 0 {
		limit = store.DefaultListingLimit
	}
	var alerts []models.ListingAlert
	err := d.db.WithContext(ctx).
		Where("delivered_at IS NULL").
		Order("id").
		Limit(limit).
		Find(&alerts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load pending alerts: %w", err)
	}
	if len(alerts) == 0 {
		return nil, nil
	}

	listingIDs := make([]int64, 0, len(alerts))
	agentIDs := make([]string, 0, len(alerts))
	for _, a := range alerts {
		listingIDs = append(listingIDs, a.ListingID)
		agentIDs = append(agentIDs, a.AgentID)
	}

	var listings []models.Listing
	if err := d.db.WithContext(ctx).Where("id IN ?", listingIDs).Find(&listings).Error; err != nil {
		return nil, fmt.Errorf("failed to load alerted listings: %w", err)
	}
	byID := make(map[int64]models.Listing, len(listings))
	for _, l := range listings {
		byID[l.ID] = l
	}

	var agents []models.Agent
	if err := d.db.WithContext(ctx).Where("id IN ?", agentIDs).Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("failed to load alerted agents: %w", err)
	}
	names := make(map[string]string, len(agents))
	for _, a := range agents {
		names[a.ID] = a.Name
	}

	pending := make([]models.PendingAlert, 0, len(alerts))
	for _, a := range alerts {
		l, ok := byID[a.ListingID]
		if !ok {
			d.logger.WithField("alert_id", a.ID).Warn("Alert references a missing listing")
			continue
		}
		pending = append(pending, models.PendingAlert{Alert: a, Listing: l, AgentName: names[a.AgentID]})
	}
	return pending, nil
}

func (d *Database) MarkAlertDelivered(ctx context.Context, id int64, at time.Time) error {
	err := d.db.WithContext(ctx).
		Model(&models.ListingAlert{}).
		Where("id = ? AND delivered_at IS NULL", id).
		Update("delivered_at", at).Error
	if err != nil {
		return fmt.Errorf("failed to mark alert %d delivered: %w", id, err)
	}
	return nil
}
