package session

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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Sternrassler/balance-monitor/pkg/balance"
	"github.com/Sternrassler/balance-monitor/pkg/pool"
)

// Routes used by the extractor.
const (
	LoginPath = "/api/user/login"
	SelfPath  = "/api/user/self"
)

// userHeader carries the logged-in user id on authenticated requests.
const userHeader = "New-Api-User"

const maxBodyBytes = 1 << 20

var sessionRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "balance_session_requests_total",
	Help: "Total slow path HTTP requests by operation and status",
}, []string{"op", "status"})

// apiResponse is the envelope of the user API.
type apiResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Extractor logs in on a Session and reads the account balance.
type Extractor struct {
	baseURL *url.URL
	config  Config
	logger  zerolog.Logger
}

// NewExtractor creates an extractor for cfg.BaseURL.
func NewExtractor(cfg Config) (*Extractor, error) {
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

	return &Extractor{
		baseURL: u,
		config:  cfg.withDefaults(),
		logger:  log.With().Str("component", "session").Logger(),
	}, nil
}

// SetLogger replaces the logger.
func (e *Extractor) SetLogger(logger zerolog.Logger) {
	e.logger = logger
}

// Extract logs in as acct and returns its balance in USD. res must be a
// *Session obtained from a pool built with NewFactory.
func (e *Extractor) Extract(ctx context.Context, res pool.Resource, acct balance.Account) (float64, error) {
	s, ok := res.(*Session)
	if !ok {
		return 0, fmt.Errorf("session extractor: unsupported resource %T", res)
	}

	start := time.Now()
	userID, err := e.login(ctx, s, acct)
	if err != nil {
		return 0, err
	}

	quota, err := e.quota(ctx, s, userID)
	if err != nil {
		return 0, err
	}

	usd := balance.QuotaToUSD(quota)
	e.logger.Debug().
		Str("account", acct.ID()).
		Str("resource_id", s.ID()).
		Str("balance", usd.StringFixed(2)).
		Dur("duration", time.Since(start)).
		Msg("Extracted balance")
	return balance.USD(usd), nil
}

// login authenticates and returns the user id.
func (e *Extractor) login(ctx context.Context, s *Session, acct balance.Account) (int64, error) {
	payload, err := json.Marshal(map[string]string{
		"username": acct.ID(),
		"password": acct.Password,
	})
	if err != nil {
		return 0, fmt.Errorf("encode login: %w", err)
	}

	env, err := e.call(ctx, s, "login", http.MethodPost, LoginPath, bytes.NewReader(payload), nil)
	if err != nil {
		return 0, err
	}
	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = "login rejected"
		}
		return 0, balance.NewExtractionError(balance.KindAuthFailed, msg, nil)
	}

	var data struct {
		ID         json.Number `json:"id"`
		Require2FA bool        `json:"require_2fa"`
	}
	if err := decodeData(env.Data, &data); err != nil {
		return 0, balance.NewExtractionError(balance.KindParseFailed, "login response", err)
	}
	if data.Require2FA {
		return 0, balance.NewExtractionError(balance.KindAuthFailed, "two-factor authentication required", nil)
	}
	id, err := data.ID.Int64()
	if err != nil {
		return 0, balance.NewExtractionError(balance.KindParseFailed, "login response has no user id", err)
	}
	return id, nil
}

// quota reads the remaining quota of the logged-in user.
func (e *Extractor) quota(ctx context.Context, s *Session, userID int64) (decimal.Decimal, error) {
	header := http.Header{}
	header.Set(userHeader, strconv.FormatInt(userID, 10))

	env, err := e.call(ctx, s, "self", http.MethodGet, SelfPath, nil, header)
	if err != nil {
		return decimal.Zero, err
	}
	if !env.Success {
		return decimal.Zero, balance.NewExtractionError(balance.KindAuthFailed, "session not accepted: "+env.Message, nil)
	}

	var data struct {
		Quota any `json:"quota"`
	}
	if err := decodeData(env.Data, &data); err != nil {
		return decimal.Zero, balance.NewExtractionError(balance.KindParseFailed, "user response", err)
	}
	q, err := balance.ParseAmount(data.Quota)
	if err != nil {
		return decimal.Zero, balance.NewExtractionError(balance.KindParseFailed, "quota", err)
	}
	if q.IsNegative() {
		return decimal.Zero, balance.NewExtractionError(balance.KindParseFailed, "negative quota "+q.String(), nil)
	}
	return q, nil
}

// call sends one request and decodes the envelope, mapping failures onto
// extraction errors.
func (e *Extractor) call(ctx context.Context, s *Session, op, method, path string, body io.Reader, header http.Header) (*apiResponse, error) {
	u := *e.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", op, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", e.config.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.HTTPClient().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			sessionRequestsTotal.WithLabelValues(op, "timeout").Inc()
			return nil, balance.NewExtractionError(balance.KindTimeout, op, ctx.Err())
		}
		s.recordTransport(err)
		sessionRequestsTotal.WithLabelValues(op, "network_error").Inc()
		var ne interface{ Timeout() bool }
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, balance.NewExtractionError(balance.KindTimeout, op, err)
		}
		return nil, balance.NewExtractionError(balance.KindBlocked, op+": site unreachable", err)
	}
	defer resp.Body.Close()
	s.recordTransport(nil)
	sessionRequestsTotal.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, balance.NewExtractionError(balance.KindTimeout, op, ctx.Err())
		}
		return nil, balance.NewExtractionError(balance.KindBlocked, op+": read body", err)
	}

	if xe := statusError(op, resp.StatusCode); xe != nil {
		e.logger.Debug().
			Str("op", op).
			Int("status", resp.StatusCode).
			Str("kind", string(xe.Kind)).
			Msg("Session request rejected")
		return nil, xe
	}

	var env apiResponse
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, balance.NewExtractionError(balance.KindParseFailed, op+": response is not JSON", err)
	}
	return &env, nil
}

// statusError maps an HTTP status onto an extraction error, or nil for 2xx.
func statusError(op string, code int) *balance.ExtractionError {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized:
		return balance.NewExtractionError(balance.KindAuthFailed, fmt.Sprintf("%s: status %d", op, code), nil)
	case code == http.StatusForbidden, code == http.StatusTooManyRequests:
		return balance.NewExtractionError(balance.KindBlocked, fmt.Sprintf("%s: status %d", op, code), nil)
	case code >= 500:
		return balance.NewExtractionError(balance.KindBlocked, fmt.Sprintf("%s: upstream status %d", op, code), nil)
	default:
		return balance.NewExtractionError(balance.KindParseFailed, fmt.Sprintf("%s: unexpected status %d", op, code), nil)
	}
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return errors.New("missing data")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}
