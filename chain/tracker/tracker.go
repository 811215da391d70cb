// Package tracker reads recent contract logs from the ICON tracker REST API.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"xcallvote/core/events"
	"xcallvote/observability"
)

const (
	// DefaultBaseURL is the Berlin testnet tracker.
	DefaultBaseURL  = "https://tracker.berlin.icon.community"
	logsPath        = "/api/v1/logs"
	defaultPageSize = 100
	defaultPages    = 1
	defaultTimeout  = 10 * time.Second
)

// Config tunes the client.
type Config struct {
	BaseURL string
	// Chain labels the decoded events.
	Chain string
	// PageSize is the limit sent per request; Pages bounds how many pages of
	// the newest logs are read per fetch.
	PageSize int
	Pages    int
	// RequestsPerSecond throttles calls to the tracker. Zero disables it.
	RequestsPerSecond float64
	Timeout           time.Duration
}

// Client implements chain.Indexer.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New constructs a tracker client.
func New(cfg Config, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("tracker url: %w", err)
	}
	cfg.BaseURL = base
	if strings.TrimSpace(cfg.Chain) == "" {
		cfg.Chain = "icon"
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Pages <= 0 {
		cfg.Pages = defaultPages
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{cfg: cfg, http: httpClient, logger: logger.With(slog.String("component", "tracker"))}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return c, nil
}

// FetchRecentLogs returns the newest logs emitted by contract, newest first,
// reading at most Pages pages. Entries that cannot be decoded are dropped.
func (c *Client) FetchRecentLogs(ctx context.Context, contract string) ([]events.Event, error) {
	contract = strings.TrimSpace(contract)
	if contract == "" {
		return nil, fmt.Errorf("tracker: contract required")
	}
	var out []events.Event
	for page := 0; page < c.cfg.Pages; page++ {
		raw, err := c.fetchPage(ctx, contract, page*c.cfg.PageSize)
		if err != nil {
			return nil, err
		}
		decoded, failures := events.DecodeTrackerBatch(raw, c.cfg.Chain)
		observability.Events().RecordDecoded(c.cfg.Chain, "tracker", len(decoded), len(failures))
		for _, f := range failures {
			c.logger.Debug("dropped undecodable log", slog.Int("index", f.Index), slog.Any("error", f.Err))
		}
		out = append(out, decoded...)
		if len(raw) < c.cfg.PageSize {
			break
		}
	}
	return out, nil
}

func (c *Client) fetchPage(ctx context.Context, contract string, skip int) ([]json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	query := url.Values{}
	query.Set("address", contract)
	query.Set("limit", strconv.Itoa(c.cfg.PageSize))
	query.Set("skip", strconv.Itoa(skip))
	endpoint := c.cfg.BaseURL + logsPath + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracker logs: %w", err)
	}
	defer resp.Body.Close()

	// The tracker answers 204 when the contract has no logs yet.
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("tracker logs failed: status=%d body=%q", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	// Entries are decoded one by one so a bad entry only drops itself.
	var logs []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&logs); err != nil {
		return nil, fmt.Errorf("decode tracker logs: %w", err)
	}
	return logs, nil
}
