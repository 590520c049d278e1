// Package fastpath queries account balances through the billing API with a
// pre-known API key. It needs no session and no pooled resource, and it
// reports balance.ErrNotApplicable for accounts without a key so the caller
// falls through to the slow path.
package fastpath

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Sternrassler/balance-monitor/pkg/balance"
)

// Billing routes.
const (
	SubscriptionPath = "/v1/dashboard/billing/subscription"
	UsagePath        = "/v1/dashboard/billing/usage"
	CreditGrantsPath = "/v1/dashboard/billing/credit_grants"
)

// maxBodyBytes bounds a billing response body.
const maxBodyBytes = 1 << 20

var (
	// Headers some gateways use to report the balance in USD.
	usdHeaders = []string{
		"X-Balance", "X-User-Balance", "X-Credit-Balance",
		"X-Remaining-Balance", "X-Total-Available", "X-Account-Balance",
	}
	// Headers reporting the balance in quota units.
	quotaHeaders = []string{"X-Quota", "X-Remaining-Quota", "X-Total-Quota"}
)

// Config holds the client configuration.
type Config struct {
	// BaseURL is the billing API root, e.g. "https://anyrouter.top".
	BaseURL string

	// Timeout bounds a single HTTP request. The caller's context bounds the
	// whole query.
	Timeout time.Duration

	// UserAgent is sent with every request when set.
	UserAgent string

	// Retry applies to server and network errors.
	Retry RetryConfig
}

// DefaultConfig returns a default configuration for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:   baseURL,
		Timeout:   8 * time.Second,
		UserAgent: "balance-monitor/1.0",
		Retry:     DefaultRetryConfig(),
	}
}

// Client is the billing API fast path.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	config     Config
	cooldown   *Cooldown
	logger     zerolog.Logger
	now        func() time.Time
}

// New creates a billing client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base URL must be http or https (got %q)", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig("").Timeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	logger := log.With().Str("component", "fastpath").Logger()

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    u,
		config:     cfg,
		cooldown:   NewCooldown(logger),
		logger:     logger,
		now:        time.Now,
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// SetLogger replaces the logger.
func (c *Client) SetLogger(logger zerolog.Logger) {
	c.logger = logger
	c.cooldown.logger = logger
}

// Cooldown returns the rate-limit gate shared by all queries.
func (c *Client) Cooldown() *Cooldown {
	return c.cooldown
}

// Query returns the remaining balance of the account in USD.
//
// The balance is the subscription hard limit minus the usage of the current
// month. When those routes fail, credit grants are tried.
func (c *Client) Query(ctx context.Context, acct balance.Account) (float64, error) {
	if !acct.HasAPIKey() {
		return 0, balance.ErrNotApplicable
	}
	if ok, wait := c.cooldown.ShouldAllowRequest(); !ok {
		return 0, &Error{
			Class:   ErrorClassRateLimit,
			Message: fmt.Sprintf("retry in %s", wait.Round(time.Second)),
			Err:     ErrCoolingDown,
		}
	}

	key := strings.TrimSpace(acct.APIKey)

	amount, err := c.billing(ctx, key)
	if err == nil {
		c.logger.Debug().
			Str("account", acct.ID()).
			Str("balance", amount.StringFixed(2)).
			Str("route", "subscription+usage").
			Msg("Fast path balance")
		return balance.USD(amount), nil
	}
	if ctx.Err() != nil || errorClassOf(err) == ErrorClassRateLimit || errors.Is(err, balance.ErrAuth) {
		return 0, err
	}

	grants, gerr := c.creditGrants(ctx, key)
	if gerr != nil {
		c.logger.Debug().
			Err(gerr).
			Str("account", acct.ID()).
			Msg("Credit grants fallback failed")
		return 0, err
	}
	c.logger.Debug().
		Str("account", acct.ID()).
		Str("balance", grants.StringFixed(2)).
		Str("route", "credit_grants").
		Msg("Fast path balance")
	return balance.USD(grants), nil
}

// billing computes hard_limit_usd minus total_usage for the current month.
func (c *Client) billing(ctx context.Context, key string) (decimal.Decimal, error) {
	sub, header, err := c.getJSON(ctx, key, SubscriptionPath, nil)
	if err != nil {
		return decimal.Zero, err
	}
	if amount, ok := headerBalance(header); ok {
		return amount, nil
	}

	limit, err := firstAmount(sub, "hard_limit_usd", "soft_limit_usd")
	if err != nil {
		return decimal.Zero, &Error{Class: ErrorClassParse, Endpoint: SubscriptionPath, Err: err}
	}

	today := c.now()
	q := url.Values{}
	q.Set("start_date", time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, today.Location()).Format("2006-01-02"))
	q.Set("end_date", today.Format("2006-01-02"))

	usage, _, err := c.getJSON(ctx, key, UsagePath, q)
	if err != nil {
		return decimal.Zero, err
	}
	used, err := firstAmount(usage, "total_usage")
	if err != nil {
		return decimal.Zero, &Error{Class: ErrorClassParse, Endpoint: UsagePath, Err: err}
	}

	return Remaining(limit, used), nil
}

// creditGrants reads total_available.
func (c *Client) creditGrants(ctx context.Context, key string) (decimal.Decimal, error) {
	body, header, err := c.getJSON(ctx, key, CreditGrantsPath, nil)
	if err != nil {
		return decimal.Zero, err
	}
	if amount, ok := headerBalance(header); ok {
		return amount, nil
	}
	amount, err := firstAmount(body, "total_available")
	if err != nil {
		return decimal.Zero, &Error{Class: ErrorClassParse, Endpoint: CreditGrantsPath, Err: err}
	}
	if amount.IsNegative() {
		return decimal.Zero, nil
	}
	return amount, nil
}

// Remaining returns limit minus usage, clamped at zero. Usage above twice
// the limit is taken to be in cents.
func Remaining(limit, usage decimal.Decimal) decimal.Decimal {
	if limit.IsNegative() {
		limit = decimal.Zero
	}
	if limit.IsPositive() && usage.GreaterThan(limit.Mul(decimal.NewFromInt(2))) {
		usage = usage.Div(decimal.NewFromInt(100))
	}
	r := limit.Sub(usage)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// getJSON performs an authenticated GET with retries and decodes a JSON
// object body.
func (c *Client) getJSON(ctx context.Context, key, path string, query url.Values) (map[string]any, http.Header, error) {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query.Encode()

	var (
		body   map[string]any
		header http.Header
	)
	err := retryWithBackoff(ctx, c.config.Retry, c.logger, func() error {
		var reqErr error
		body, header, reqErr = c.do(ctx, key, path, u.String())
		return reqErr
	})
	return body, header, err
}

// do executes one request and classifies the outcome.
func (c *Client) do(ctx context.Context, key, endpoint, rawURL string) (map[string]any, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	startTime := time.Now()
	defer func() {
		billingRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		billingErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		billingRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return nil, nil, &Error{Class: ErrorClassNetwork, Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	billingRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
	c.cooldown.UpdateFromResponse(resp.StatusCode, resp.Header)

	if resp.StatusCode >= 400 {
		class := classifyStatus(resp.StatusCode)
		billingErrorsTotal.WithLabelValues(string(class)).Inc()
		c.logger.Debug().
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Billing request error")
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, nil, &Error{
			StatusCode: resp.StatusCode,
			Class:      class,
			Endpoint:   endpoint,
			Message:    resp.Status,
		}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		billingErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, nil, &Error{Class: ErrorClassNetwork, Endpoint: endpoint, Message: "read body", Err: err}
	}

	if _, ok := headerBalance(resp.Header); ok {
		// The body is irrelevant when the gateway reports the balance.
		return map[string]any{}, resp.Header, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		billingErrorsTotal.WithLabelValues(string(ErrorClassParse)).Inc()
		return nil, nil, &Error{
			StatusCode: resp.StatusCode,
			Class:      ErrorClassParse,
			Endpoint:   endpoint,
			Message:    "response is not a JSON object",
			Err:        err,
		}
	}
	return body, resp.Header, nil
}

// headerBalance reads a balance from gateway headers.
func headerBalance(h http.Header) (decimal.Decimal, bool) {
	if h == nil {
		return decimal.Zero, false
	}
	for _, name := range usdHeaders {
		if v := h.Get(name); v != "" {
			if d, err := balance.ParseAmount(v); err == nil {
				return clampZero(d), true
			}
		}
	}
	for _, name := range quotaHeaders {
		if v := h.Get(name); v != "" {
			if d, err := balance.ParseAmount(v); err == nil {
				return clampZero(balance.QuotaToUSD(d)), true
			}
		}
	}
	return decimal.Zero, false
}

// firstAmount returns the first of keys present in body as an amount.
func firstAmount(body map[string]any, keys ...string) (decimal.Decimal, error) {
	for _, k := range keys {
		v, ok := body[k]
		if !ok || v == nil {
			continue
		}
		return balance.ParseAmount(v)
	}
	return decimal.Zero, fmt.Errorf("%w: missing %s", ErrNoBalance, strings.Join(keys, " or "))
}

func clampZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
