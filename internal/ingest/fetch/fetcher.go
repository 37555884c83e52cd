// Package fetch walks upstream list endpoints page by page, yielding raw
// entity payloads. Each page request is retried on transient failure under an
// explicit RetryPolicy; a non-retryable HTTP status aborts fetching for that
// endpoint only.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"councilsync/internal/ingest/models"
)

// page is the upstream list-page shape: an array of entities plus an
// optional continuation link.
type page struct {
	Data  []json.RawMessage `json:"data"`
	Links struct {
		Next string `json:"next"`
	} `json:"links"`
}

// FatalError marks an endpoint failure that retrying cannot fix (HTTP 4xx
// other than 429). It fails the entity kind, not the run.
type FatalError struct {
	StatusCode int
	URL        string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("endpoint %s returned %d", e.URL, e.StatusCode)
}

// Stats reports what one endpoint walk did.
type Stats struct {
	Pages      int
	Entities   int
	Retries    int
	ParseFails int
}

// Fetcher fetches paginated entity lists from a single source.
type Fetcher struct {
	client *resty.Client
	source models.Source
	policy RetryPolicy
	logger *slog.Logger

	// sleep is stubbed in tests so backoff does not slow the suite.
	sleep func(context.Context, time.Duration) error
}

// New builds a Fetcher for one source. The per-source max_retries overrides
// the policy's MaxAttempts when set.
func New(source models.Source, policy RetryPolicy, logger *slog.Logger) *Fetcher {
	if source.MaxRetries > 0 {
		policy.MaxAttempts = source.MaxRetries
	}
	client := resty.New().
		SetBaseURL(source.BaseURL).
		SetTimeout(source.RequestTimeout).
		SetHeader("Accept", "application/json")
	if source.Credential != "" {
		client.SetAuthToken(source.Credential)
	}
	return &Fetcher{
		client: client,
		source: source,
		policy: policy,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Fetch walks the list endpoint for kind, invoking emit for every raw entity
// payload. When since is non-nil the listing is filtered to entities modified
// after it. Malformed pages are skipped and counted; a fatal HTTP status or
// exhausted retries terminate the walk with an error. Cancellation is checked
// at page boundaries only; an in-flight request is bounded by the request
// timeout.
func (f *Fetcher) Fetch(ctx context.Context, kind models.EntityKind, since *time.Time, emit func(json.RawMessage) error) (Stats, error) {
	var stats Stats

	next := f.source.BaseURL + "/" + kind.Endpoint()
	if since != nil {
		next = appendQuery(next, "modified_since", since.UTC().Format(time.RFC3339))
	}

	for next != "" {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if stats.Pages > 0 && f.source.PageDelay > 0 {
			if err := f.sleep(ctx, f.source.PageDelay); err != nil {
				return stats, err
			}
		}

		body, err := f.getPage(ctx, next, &stats)
		if err != nil {
			return stats, err
		}

		var pg page
		if err := json.Unmarshal(body, &pg); err != nil {
			stats.ParseFails++
			f.logger.WarnContext(ctx, "skipping malformed page",
				"source", f.source.ID,
				"kind", kind,
				"url", next,
				"error", err.Error(),
			)
			// The continuation link is inside the body we failed to parse,
			// so the walk ends here.
			return stats, nil
		}

		stats.Pages++
		for _, raw := range pg.Data {
			stats.Entities++
			if err := emit(raw); err != nil {
				return stats, err
			}
		}
		next = pg.Links.Next
	}
	return stats, nil
}

// getPage issues one page request under the retry policy.
func (f *Fetcher) getPage(ctx context.Context, pageURL string, stats *Stats) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= f.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			stats.Retries++
			f.logger.InfoContext(ctx, "retrying page fetch",
				"source", f.source.ID,
				"url", pageURL,
				"attempt", attempt,
			)
			if err := f.sleep(ctx, f.policy.Delay(attempt-1)); err != nil {
				return nil, err
			}
		}

		resp, err := f.client.R().SetContext(ctx).Get(pageURL)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Network error or timeout: retryable.
			lastErr = fmt.Errorf("fetch page: %w", err)
			continue
		}

		status := resp.StatusCode()
		switch {
		case status >= 200 && status < 300:
			return resp.Body(), nil
		case status >= 500 || status == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("fetch page: status %d", status)
			continue
		default:
			return nil, &FatalError{StatusCode: status, URL: pageURL}
		}
	}
	return nil, fmt.Errorf("retries exhausted after %d attempts: %w", f.policy.MaxAttempts, lastErr)
}

// IsFatal reports whether err terminates an endpoint without being worth a
// retry on a later run with the same inputs.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

func appendQuery(rawURL, key, value string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
