package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"luxelink/server/internal/models"
)

// Notifier delivers one alert to an external channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, alert models.PendingAlert) error
}

// Event is the JSON form of an alert published to subscribers.
type Event struct {
	AlertID    int64     `json:"alert_id"`
	AgentID    string    `json:"agent_id"`
	AgentName  string    `json:"agent_name"`
	ListingID  int64     `json:"listing_id"`
	Source     string    `json:"source"`
	ExternalID string    `json:"external_id"`
	Title      string    `json:"title"`
	URL        string    `json:"url"`
	Price      *float64  `json:"price,omitempty"`
	Mileage    *float64  `json:"mileage,omitempty"`
	Year       *float64  `json:"year,omitempty"`
	Make       *string   `json:"make,omitempty"`
	Model      *string   `json:"model,omitempty"`
	Score      float64   `json:"score"`
	CreatedAt  time.Time `json:"created_at"`
}

func NewEvent(a models.PendingAlert) Event {
	return Event{
		AlertID:    a.Alert.ID,
		AgentID:    a.Alert.AgentID,
		AgentName:  a.AgentName,
		ListingID:  a.Listing.ID,
		Source:     a.Listing.Source,
		ExternalID: a.Listing.ExternalID,
		Title:      a.Listing.Title,
		URL:        a.Listing.URL,
		Price:      a.Listing.Price,
		Mileage:    a.Listing.Mileage,
		Year:       a.Listing.Year,
		Make:       a.Listing.Make,
		Model:      a.Listing.Model,
		Score:      a.Alert.Score,
		CreatedAt:  a.Alert.CreatedAt,
	}
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	logger *logrus.Logger
}

func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Notify(ctx context.Context, alert models.PendingAlert) error {
	n.logger.WithFields(logrus.Fields{
		"alert_id": alert.Alert.ID,
		"agent":    alert.Alert.AgentID,
		"listing":  alert.Listing.Key().String(),
		"title":    alert.Listing.Title,
		"url":      alert.Listing.URL,
		"score":    alert.Alert.Score,
	}).Info("Listing alert")
	return nil
}

// RedisNotifier publishes alerts as JSON events on a pub/sub channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisClient parses redisURL and verifies connectivity.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) Name() string { return "redis" }

func (n *RedisNotifier) Notify(ctx context.Context, alert models.PendingAlert) error {
	payload, err := json.Marshal(NewEvent(alert))
	if err != nil {
		return fmt.Errorf("failed to marshal alert event: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish alert %d: %w", alert.Alert.ID, err)
	}
	return nil
}
