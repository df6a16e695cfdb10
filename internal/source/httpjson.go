package source

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"luxelink/server/config"
	"luxelink/server/internal/models"
)

const (
	defaultPageSize    = 50
	defaultHTTPRetry   = 3
	defaultHTTPTimeout = 30 * time.Second
	maxBackoff         = 30 * time.Second
)

// fallbackItemKeys are tried when a source does not configure items_key.
var fallbackItemKeys = []string{"listings", "items", "results", "data"}

// HTTPJSON pages through a JSON search API. Criteria are passed as query
// parameters so the remote side can pre-filter.
type HTTPJSON struct {
	name        string
	baseURL     string
	itemsKey    string
	pageSize    int
	maxPages    int
	params      map[string]string
	headers     map[string]string
	maxRetries  int
	backoffBase time.Duration
	client      *http.Client
	limiter     *rate.Limiter
	logger      *logrus.Logger
}

func NewHTTPJSON(cfg config.SourceConfig, logger *logrus.Logger) *HTTPJSON {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultHTTPRetry
	}

	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		if burst <= 0 {
			burst = int(math.Max(1, math.Ceil(cfg.RatePerSecond)))
		}
	}
	if burst <= 0 {
		burst = 1
	}

	return &HTTPJSON{
		name:        cfg.Name,
		baseURL:     cfg.BaseURL,
		itemsKey:    cfg.ItemsKey,
		pageSize:    pageSize,
		maxPages:    cfg.MaxPages,
		params:      cfg.Params,
		headers:     cfg.Headers,
		maxRetries:  retries,
		backoffBase: 500 * time.Millisecond,
		client:      &http.Client{Timeout: timeout},
		limiter:     rate.NewLimiter(limit, burst),
		logger:      logger,
	}
}

func (h *HTTPJSON) Name() string { return h.name }

// Scan runs one paged search per configured vehicle, or a single search when
// the agent lists none, and yields the concatenated results. A listing that
// matches two vehicles is yielded twice; the store deduplicates it.
func (h *HTTPJSON) Scan(ctx context.Context, criteria models.Criteria) iter.Seq2[models.RawRecord, error] {
	return func(yield func(models.RawRecord, error) bool) {
		for _, q := range searches(criteria) {
			if !h.scanPages(ctx, q, yield) {
				return
			}
		}
	}
}

// scanPages reports whether the caller should continue with the next search.
func (h *HTTPJSON) scanPages(ctx context.Context, criteria models.Criteria, yield func(models.RawRecord, error) bool) bool {
	for page := 1; h.maxPages <= 0 || page <= h.maxPages; page++ {
		items, err := h.fetchPage(ctx, criteria, page)
		if err != nil {
			yield(nil, &AdapterError{Source: h.name, Err: err})
			return false
		}
		for _, item := range items {
			if !yield(item, nil) {
				return false
			}
		}
		if len(items) < h.pageSize {
			return true
		}
	}
	return true
}

// searches expands criteria into one query per vehicle. Each vehicle
// overrides the make, model and year bounds.
func searches(criteria models.Criteria) []models.Criteria {
	if len(criteria.Vehicles) == 0 {
		return []models.Criteria{criteria}
	}
	out := make([]models.Criteria, 0, len(criteria.Vehicles))
	for _, v := range criteria.Vehicles {
		q := criteria
		q.Vehicles = nil
		q.Makes = []string{v.Make}
		q.Models = []string{v.Model}
		q.MinYear = v.MinYear
		q.MaxYear = v.MaxYear
		out = append(out, q)
	}
	return out
}

func (h *HTTPJSON) pageURL(criteria models.Criteria, page int) (string, error) {
	u, err := url.Parse(h.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	q := u.Query()
	for k, v := range h.params {
		q.Set(k, v)
	}
	if len(criteria.Makes) > 0 {
		q.Set("make", strings.Join(criteria.Makes, ","))
	}
	if len(criteria.Models) > 0 {
		q.Set("model", strings.Join(criteria.Models, ","))
	}
	if criteria.MinYear != nil {
		q.Set("year_min", strconv.Itoa(*criteria.MinYear))
	}
	if criteria.MaxYear != nil {
		q.Set("year_max", strconv.Itoa(*criteria.MaxYear))
	}
	if criteria.MaxPrice != nil {
		q.Set("max_price", strconv.FormatFloat(*criteria.MaxPrice, 'f', -1, 64))
	}
	if criteria.MaxMileage != nil {
		q.Set("max_mileage", strconv.FormatFloat(*criteria.MaxMileage, 'f', -1, 64))
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("rows", strconv.Itoa(h.pageSize))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (h *HTTPJSON) fetchPage(ctx context.Context, criteria models.Criteria, page int) ([]models.RawRecord, error) {
	pageURL, err := h.pageURL(criteria, page)
	if err != nil {
		return nil, err
	}

	resp, err := h.doWithRetry(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var body any
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode page %d: %w", page, err)
	}

	rawItems, err := h.extractItems(body)
	if err != nil {
		return nil, fmt.Errorf("page %d: %w", page, err)
	}

	records := make([]models.RawRecord, 0, len(rawItems))
	for _, item := range rawItems {
		obj, ok := item.(map[string]any)
		if !ok {
			h.logger.WithFields(logrus.Fields{
				"source": h.name,
				"page":   page,
			}).Warn("Skipping non-object item")
			continue
		}
		records = append(records, models.RawRecord(obj))
	}
	return records, nil
}

func (h *HTTPJSON) extractItems(body any) ([]any, error) {
	switch v := body.(type) {
	case []any:
		return v, nil
	case map[string]any:
		keys := fallbackItemKeys
		if h.itemsKey != "" {
			keys = []string{h.itemsKey}
		}
		for _, k := range keys {
			if items, ok := v[k]; ok {
				if items == nil {
					return nil, nil
				}
				list, ok := items.([]any)
				if !ok {
					return nil, fmt.Errorf("field %q is not a list", k)
				}
				return list, nil
			}
		}
		return nil, fmt.Errorf("response has no items field")
	}
	return nil, fmt.Errorf("unexpected response shape %T", body)
}

// doWithRetry waits on the source's rate limiter before every attempt and
// retries network errors, 429 and 5xx responses with exponential backoff.
func (h *HTTPJSON) doWithRetry(ctx context.Context, pageURL string) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= h.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, h.backoff(attempt-1)); err != nil {
				return nil, err
			}
		}
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		for k, v := range h.headers {
			req.Header.Set(k, v)
		}

		resp, err := h.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			h.logger.WithError(err).WithFields(logrus.Fields{
				"source":  h.name,
				"attempt": attempt + 1,
			}).Warn("Request failed, retrying")
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			resp.Body.Close()
			lastErr = fmt.Errorf("unexpected status %d", resp.StatusCode)
			h.logger.WithFields(logrus.Fields{
				"source":  h.name,
				"status":  resp.StatusCode,
				"attempt": attempt + 1,
			}).Warn("Retryable response, backing off")
			continue
		case resp.StatusCode != http.StatusOK:
			resp.Body.Close()
			return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return resp, nil
	}
	return nil, fmt.Errorf("all retries exhausted: %w", lastErr)
}

func (h *HTTPJSON) backoff(attempt int) time.Duration {
	d := time.Duration(float64(h.backoffBase) * math.Pow(2, float64(attempt)))
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
