// Package delivery posts report content to webhook endpoints. It detects the
// destination platform from the URL, shapes the payload for it and retries
// failed posts with exponential backoff.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zymantas-katinas/commit-digest/internal/telemetry"
	"github.com/zymantas-katinas/commit-digest/pkg/logger"
)

type Platform string

const (
	PlatformSlack   Platform = "slack"
	PlatformDiscord Platform = "discord"
	PlatformGeneric Platform = "generic"
)

const (
	DefaultMaxRetries = 2
	DefaultTimeout    = 10 * time.Second
	DefaultUserAgent  = "CommitDigest-Webhook/1.0"
)

// DetectPlatform classifies a webhook URL by plain substring match.
func DetectPlatform(webhookURL string) Platform {
	u := strings.ToLower(webhookURL)
	switch {
	case strings.Contains(u, "hooks.slack.com"):
		return PlatformSlack
	case strings.Contains(u, "discord.com/api/webhooks"), strings.Contains(u, "discordapp.com/api/webhooks"):
		return PlatformDiscord
	default:
		return PlatformGeneric
	}
}

type DateRange struct {
	Since time.Time `json:"since"`
	Until time.Time `json:"until"`
}

// Metadata is merged into the top level of every payload. Zero values are
// omitted.
type Metadata struct {
	Repository    string
	RepositoryURL string
	Branch        string
	CommitsCount  *int
	DateRange     *DateRange
	IsTest        bool
	IsManual      bool
	Provider      string
}

func (m Metadata) fields() map[string]interface{} {
	out := make(map[string]interface{})
	if m.Repository != "" {
		out["repository"] = m.Repository
	}
	if m.RepositoryURL != "" {
		out["repositoryUrl"] = m.RepositoryURL
	}
	if m.Branch != "" {
		out["branch"] = m.Branch
	}
	if m.CommitsCount != nil {
		out["commitsCount"] = *m.CommitsCount
	}
	if m.DateRange != nil {
		out["dateRange"] = m.DateRange
	}
	if m.IsTest {
		out["isTest"] = true
	}
	if m.IsManual {
		out["isManual"] = true
	}
	if m.Provider != "" {
		out["provider"] = m.Provider
	}
	return out
}

// Result is the outcome of Deliver. Delivered is true iff a 2xx response was
// received. StatusCode is 0 when the last attempt failed before a response.
type Result struct {
	Delivered  bool     `json:"delivered"`
	Attempts   int      `json:"attempts"`
	StatusCode int      `json:"status_code"`
	Platform   Platform `json:"platform"`
	Error      string   `json:"error,omitempty"`
}

type Options struct {
	Client  *http.Client
	Timeout time.Duration
	// MaxRetries counts attempts after the first. Zero means a single
	// attempt; only a negative value selects DefaultMaxRetries, so set it
	// explicitly when building Options by hand.
	MaxRetries int
	UserAgent  string
}

type Deliverer struct {
	client     *http.Client
	maxRetries int
	userAgent  string
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewDeliverer(opts Options) *Deliverer {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	return &Deliverer{
		client:     opts.Client,
		maxRetries: opts.MaxRetries,
		userAgent:  opts.UserAgent,
		now:        time.Now,
		sleep:      sleepContext,
	}
}

// BuildPayload shapes content for the platform and merges metadata.
func (d *Deliverer) BuildPayload(platform Platform, content string, meta Metadata) map[string]interface{} {
	payload := meta.fields()
	payload["timestamp"] = d.now().UTC().Format(time.RFC3339)

	switch platform {
	case PlatformSlack:
		text := FormatSlack(content)
		payload["text"] = text
		payload["blocks"] = slackBlocks(text, meta)
	case PlatformDiscord:
		payload["content"] = FormatDiscord(content)
	default:
		payload["content"] = content
	}
	return payload
}

// Deliver posts content to webhookURL, retrying up to maxRetries times with a
// 2^attempt second wait. It never returns an error; failures are reported in
// the Result.
func (d *Deliverer) Deliver(ctx context.Context, webhookURL, content string, meta Metadata) Result {
	platform := DetectPlatform(webhookURL)
	res := Result{Platform: platform}

	body, err := json.Marshal(d.BuildPayload(platform, content, meta))
	if err != nil {
		res.Error = err.Error()
		d.observe(res)
		return res
	}

	for attempt := 1; attempt <= d.maxRetries+1; attempt++ {
		res.Attempts = attempt

		status, err := d.post(ctx, webhookURL, body)
		res.StatusCode = status
		if err == nil {
			res.Delivered = true
			res.Error = ""
			logger.Info().
				Str("platform", string(platform)).
				Int("attempt", attempt).
				Int("status", status).
				Msg("webhook delivered")
			break
		}
		res.Error = err.Error()

		logger.Warn().
			Str("platform", string(platform)).
			Int("attempt", attempt).
			Int("status", status).
			Err(err).
			Msg("webhook delivery failed")

		if attempt > d.maxRetries {
			break
		}
		wait := time.Duration(1<<attempt) * time.Second
		if err := d.sleep(ctx, wait); err != nil {
			res.Error = err.Error()
			break
		}
	}

	d.observe(res)
	return res
}

func (d *Deliverer) post(ctx context.Context, webhookURL string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return resp.StatusCode, nil
}

func (d *Deliverer) observe(res Result) {
	outcome := "failed"
	if res.Delivered {
		outcome = "delivered"
	}
	telemetry.DeliveriesTotal.WithLabelValues(string(res.Platform), outcome).Inc()
	telemetry.DeliveryAttempts.Observe(float64(res.Attempts))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
