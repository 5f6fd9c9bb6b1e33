package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sakif/training-sync/internal/apperror"
	"github.com/sakif/training-sync/internal/metrics"
)

// RemoteActivity is one element of the provider's activity list.
type RemoteActivity struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	SportType          string    `json:"sport_type"`
	Type               string    `json:"type"` // legacy, used when sport_type is empty
	StartDate          time.Time `json:"start_date"`
	StartDateLocal     time.Time `json:"start_date_local"`
	Timezone           string    `json:"timezone"`
	Distance           float64   `json:"distance"`
	MovingTime         int       `json:"moving_time"`
	ElapsedTime        int       `json:"elapsed_time"`
	TotalElevationGain float64   `json:"total_elevation_gain"`
	AverageHeartrate   *float64  `json:"average_heartrate,omitempty"`
	MaxHeartrate       *float64  `json:"max_heartrate,omitempty"`
	AverageWatts       *float64  `json:"average_watts,omitempty"`
	AverageCadence     *float64  `json:"average_cadence,omitempty"`
}

// PageQuery addresses one page of the list endpoint. After and Before are
// optional time bounds on the activity start.
type PageQuery struct {
	Page    int
	PerPage int
	After   *time.Time
	Before  *time.Time
}

// Page is one decoded list response. Attempts counts the HTTP calls it
// took, including 429 retries.
type Page struct {
	Number     int
	PerPage    int
	Activities []RemoteActivity
	Attempts   int
}

type ClientConfig struct {
	BaseURL        string
	RequestTimeout time.Duration // per HTTP call
	BackoffInitial time.Duration // first wait after a 429
	BackoffMax     time.Duration // cap on a single wait
	MaxRetries     int           // retries after the first 429
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:        "https://www.strava.com/api/v3",
		RequestTimeout: 20 * time.Second,
		BackoffInitial: 2 * time.Second,
		BackoffMax:     8 * time.Second,
		MaxRetries:     3,
	}
}

// Client calls the provider's activity list endpoint.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	logger *slog.Logger
}

func NewClient(cfg ClientConfig, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger}
}

// errThrottled marks a single 429 response; it is retried and never
// escapes FetchPage.
var errThrottled = errors.New("provider: 429 too many requests")

// FetchPage fetches one page with accessToken.
//
// Error mapping:
//   - 429: retried with exponential backoff; apperror.ErrRateLimited once retries run out
//   - 401: apperror.ErrCredentialInvalid, never retried
//   - any other non-2xx or transport failure: apperror.ErrRemoteFetch
func (c *Client) FetchPage(ctx context.Context, accessToken string, q PageQuery) (*Page, error) {
	if q.Page < 1 {
		q.Page = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.BackoffInitial
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = c.cfg.BackoffMax
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(c.cfg.MaxRetries, 0))), ctx)

	var (
		page     *Page
		attempts int
	)
	op := func() error {
		attempts++
		p, err := c.doFetch(ctx, accessToken, q)
		if err == nil {
			page = p
			return nil
		}
		if errors.Is(err, errThrottled) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		metrics.RemoteRetries.Inc()
		c.logger.Warn("provider throttled, backing off",
			slog.Int("page", q.Page),
			slog.Int("attempt", attempts),
			slog.Duration("wait", wait),
		)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if errors.Is(err, errThrottled) {
			return nil, apperror.RateLimited(attempts)
		}
		return nil, err
	}

	page.Attempts = attempts
	return page, nil
}

func (c *Client) doFetch(ctx context.Context, accessToken string, q PageQuery) (*Page, error) {
	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.listURL(q), nil)
	if err != nil {
		return nil, fmt.Errorf("provider: building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RemoteRequests.WithLabelValues("error").Inc()
		return nil, apperror.RemoteFetchFailed(0, "", err)
	}
	defer resp.Body.Close()

	metrics.RemoteRequests.WithLabelValues(metrics.StatusClass(resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, errThrottled
	case resp.StatusCode == http.StatusUnauthorized:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, apperror.CredentialInvalid("", fmt.Errorf("provider returned 401: %s", body))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, apperror.RemoteFetchFailed(resp.StatusCode, string(body), nil)
	}

	var activities []RemoteActivity
	if err := json.NewDecoder(resp.Body).Decode(&activities); err != nil {
		return nil, apperror.RemoteFetchFailed(resp.StatusCode, "", fmt.Errorf("decoding activity page: %w", err))
	}

	return &Page{Number: q.Page, PerPage: q.PerPage, Activities: activities}, nil
}

func (c *Client) listURL(q PageQuery) string {
	v := url.Values{}
	v.Set("page", strconv.Itoa(q.Page))
	if q.PerPage > 0 {
		v.Set("per_page", strconv.Itoa(q.PerPage))
	}
	if q.After != nil {
		v.Set("after", strconv.FormatInt(q.After.Unix(), 10))
	}
	if q.Before != nil {
		v.Set("before", strconv.FormatInt(q.Before.Unix(), 10))
	}
	return c.cfg.BaseURL + "/athlete/activities?" + v.Encode()
}
