package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os/exec"
	"sync"

	"github.com/sirupsen/logrus"

	"luxelink/server/config"
	"luxelink/server/internal/models"
)

const maxScraperLine = 16 * 1024 * 1024

// scraperMessage is one line written by a scraper process on stdout.
type scraperMessage struct {
	Type string          `json:"type"` // "items", "complete", or "error"
	Data json.RawMessage `json:"data"`
}

// Command runs an external scraper. The agent's criteria are written to the
// process as JSON on stdin and listings are read back as JSON lines.
type Command struct {
	name    string
	command string
	args    []string
	logger  *logrus.Logger
}

func NewCommand(cfg config.SourceConfig, logger *logrus.Logger) *Command {
	return &Command{
		name:    cfg.Name,
		command: cfg.Command,
		args:    cfg.Args,
		logger:  logger,
	}
}

func (c *Command) Name() string { return c.name }

func (c *Command) Scan(ctx context.Context, criteria models.Criteria) iter.Seq2[models.RawRecord, error] {
	return func(yield func(models.RawRecord, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		fail := func(err error) {
			yield(nil, &AdapterError{Source: c.name, Err: err})
		}

		input, err := json.Marshal(criteria)
		if err != nil {
			fail(fmt.Errorf("failed to marshal criteria: %w", err))
			return
		}

		cmd := exec.CommandContext(ctx, c.command, c.args...)
		cmd.Stdin = bytes.NewReader(input)

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			fail(fmt.Errorf("failed to create stdout pipe: %w", err))
			return
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			fail(fmt.Errorf("failed to create stderr pipe: %w", err))
			return
		}

		c.logger.WithFields(logrus.Fields{
			"source":  c.name,
			"command": c.command,
		}).Info("Starting scraper")

		if err := cmd.Start(); err != nil {
			fail(fmt.Errorf("failed to start scraper: %w", err))
			return
		}

		var stderrDone sync.WaitGroup
		stderrDone.Add(1)
		go func() {
			defer stderrDone.Done()
			scanner := bufio.NewScanner(stderr)
			for scanner.Scan() {
				c.logger.WithField("source", c.name).Warn(scanner.Text())
			}
		}()

		stopped, reported, scanErr := c.readMessages(stdout, yield)
		if stopped || reported != nil {
			cancel()
		}
		stderrDone.Wait()
		waitErr := cmd.Wait()

		switch {
		case stopped:
		case reported != nil:
			fail(fmt.Errorf("scraper reported an error: %w", reported))
		case scanErr != nil:
			fail(fmt.Errorf("failed to read scraper output: %w", scanErr))
		case waitErr != nil:
			fail(fmt.Errorf("scraper execution failed: %w", waitErr))
		}
	}
}

// readMessages yields items until the scraper closes stdout, reports an
// error, or the consumer stops.
func (c *Command) readMessages(stdout io.Reader, yield func(models.RawRecord, error) bool) (stopped bool, reported error, scanErr error) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScraperLine)

	for scanner.Scan() {
		var msg scraperMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			c.logger.WithError(err).WithField("source", c.name).Error("Failed to parse scraper message")
			continue
		}

		switch msg.Type {
		case "items":
			items, err := decodeItems(msg.Data)
			if err != nil {
				c.logger.WithError(err).WithField("source", c.name).Error("Failed to parse items")
				continue
			}
			for _, item := range items {
				if !yield(item, nil) {
					return true, nil, nil
				}
			}

		case "complete":
			var complete struct {
				Status     string `json:"status"`
				Message    string `json:"message"`
				TotalItems int    `json:"total_items"`
			}
			if err := json.Unmarshal(msg.Data, &complete); err != nil {
				c.logger.WithError(err).WithField("source", c.name).Error("Failed to parse completion message")
				continue
			}
			c.logger.WithFields(logrus.Fields{
				"source":      c.name,
				"status":      complete.Status,
				"message":     complete.Message,
				"total_items": complete.TotalItems,
			}).Info("Scraper completed")

		case "error":
			var errMsg struct {
				Status  string `json:"status"`
				Message string `json:"message"`
			}
			if err := json.Unmarshal(msg.Data, &errMsg); err != nil || errMsg.Message == "" {
				return false, errors.New("unknown scraper error"), nil
			}
			return false, errors.New(errMsg.Message), nil
		}
	}
	return false, nil, scanner.Err()
}

// decodeItems accepts a list of objects or a single object.
func decodeItems(data json.RawMessage) ([]models.RawRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}

	switch t := v.(type) {
	case map[string]any:
		return []models.RawRecord{t}, nil
	case []any:
		items := make([]models.RawRecord, 0, len(t))
		for _, el := range t {
			obj, ok := el.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("item is %T, not an object", el)
			}
			items = append(items, obj)
		}
		return items, nil
	}
	return nil, fmt.Errorf("items data is %T", v)
}
