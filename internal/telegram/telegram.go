package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"luxelink/server/internal/models"
)

const defaultAPIBase = "https://api.telegram.org"

type Config struct {
	Enabled  bool
	BotToken string
	ChatID   string
}

// Service sends listing alerts to a Telegram chat.
type Service struct {
	logger  *logrus.Logger
	client  *http.Client
	config  Config
	apiBase string
}

func NewService(config Config, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	return &Service{
		logger: logger,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		config:  config,
		apiBase: defaultAPIBase,
	}
}

func (s *Service) Name() string { return "telegram" }

// SendMessage sends an HTML message to the configured Telegram chat
func (s *Service) SendMessage(ctx context.Context, message string) error {
	if !s.config.Enabled {
		return nil
	}

	if s.config.BotToken == "" {
		return errors.New("telegram bot token is not configured")
	}

	if s.config.ChatID == "" {
		return errors.New("telegram chat ID is not configured")
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.apiBase, s.config.BotToken)
	payload := map[string]interface{}{
		"chat_id":    s.config.ChatID,
		"text":       message,
		"parse_mode": "HTML",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message to Telegram API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return errors.New("invalid bot token - please check your token from @BotFather")
		case http.StatusBadRequest:
			return fmt.Errorf("invalid chat ID or message format: %s", string(body))
		case http.StatusForbidden:
			return errors.New("bot was blocked by the user or chat")
		case http.StatusNotFound:
			return errors.New("bot not found - please check your token from @BotFather")
		default:
			return fmt.Errorf("telegram API error (status %d): %s", resp.StatusCode, string(body))
		}
	}

	return nil
}

// Notify sends a message about a listing that matched an agent
func (s *Service) Notify(ctx context.Context, alert models.PendingAlert) error {
	return s.SendMessage(ctx, FormatAlert(alert))
}

// FormatAlert renders an alert as a Telegram HTML message. Absent listing
// fields are shown as N/A.
func FormatAlert(alert models.PendingAlert) string {
	l := alert.Listing

	agent := alert.AgentName
	if agent == "" {
		agent = alert.Alert.AgentID
	}

	vehicle := "N/A"
	switch {
	case l.Make != nil && l.Model != nil:
		vehicle = *l.Make + " " + *l.Model
	case l.Make != nil:
		vehicle = *l.Make
	case l.Model != nil:
		vehicle = *l.Model
	}

	year := "N/A"
	if l.Year != nil {
		year = strconv.Itoa(int(*l.Year))
	}

	price := "N/A"
	if l.Price != nil {
		price = "$" + groupThousands(int64(*l.Price))
	}

	mileage := "N/A"
	if l.Mileage != nil {
		mileage = groupThousands(int64(*l.Mileage)) + " mi"
	}

	return fmt.Sprintf(
		"<b>New match for %s</b>\n\n"+
			"🚗 %s\n"+
			"🏷️ %s\n"+
			"📅 Year: %s\n"+
			"💰 %s\n"+
			"🛣️ %s\n"+
			"📊 Match: %.0f%%\n\n"+
			"🔗 <a href=\"%s\">View on %s</a>",
		html.EscapeString(agent),
		html.EscapeString(l.Title),
		html.EscapeString(vehicle),
		year,
		price,
		mileage,
		alert.Alert.Score*100,
		html.EscapeString(l.URL),
		html.EscapeString(l.Source),
	)
}

func groupThousands(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := false
	if n < 0 {
		neg = true
		s = s[1:]
	}
	var out []byte
	for i := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, s[i])
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}
