package exchange

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrEthical07/delegauth/credential"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultRequestTimeout    = 15 * time.Second
	maxResponseBodyBytes     = 1 << 20
	defaultExchangePath      = "/auth/exchange"
	defaultRefreshPath       = "/auth/refresh"
	defaultOrganizationsPath = "/organizations"
)

// HTTPDoer is the subset of *http.Client the exchange client needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures a [Client].
type Config struct {
	BaseURL           string
	ExchangePath      string
	RefreshPath       string
	OrganizationsPath string
	RequestTimeout    time.Duration
	UserAgent         string
	HTTPClient        HTTPDoer
	Logger            logrus.FieldLogger
}

// Grant is the result of a successful exchange or refresh.
type Grant struct {
	AccessToken  string
	RefreshToken string
	Profile      credential.Profile
}

// Client calls the delegated-auth backend.
type Client struct {
	config     Config
	httpClient HTTPDoer
	log        logrus.FieldLogger
}

// NewClient returns a client for cfg.BaseURL, filling default paths and timeout.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("exchange: base url is required")
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("exchange: invalid base url %q", cfg.BaseURL)
	}
	cfg.BaseURL = base
	if cfg.ExchangePath == "" {
		cfg.ExchangePath = defaultExchangePath
	}
	if cfg.RefreshPath == "" {
		cfg.RefreshPath = defaultRefreshPath
	}
	if cfg.OrganizationsPath == "" {
		cfg.OrganizationsPath = defaultOrganizationsPath
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	log := cfg.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Client{
		config:     cfg,
		httpClient: httpClient,
		log:        log.WithField("component", "exchange"),
	}, nil
}

// BaseURL returns the normalized backend base URL.
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// Exchange trades a primary access token for a delegated grant.
func (c *Client) Exchange(ctx context.Context, primaryToken string) (Grant, error) {
	primaryToken = strings.TrimSpace(primaryToken)
	if primaryToken == "" {
		return Grant{}, &Error{Op: OpExchange, Kind: KindInvalidRequest, Message: "primary token is required"}
	}
	return c.grant(ctx, OpExchange, c.config.ExchangePath, map[string]string{"primaryToken": primaryToken}, primaryToken)
}

// Refresh trades a delegated refresh token for a new delegated grant.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Grant, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return Grant{}, &Error{Op: OpRefresh, Kind: KindInvalidRequest, Message: "refresh token is required"}
	}
	return c.grant(ctx, OpRefresh, c.config.RefreshPath, map[string]string{"refreshToken": refreshToken}, refreshToken)
}

// ListOrganizations returns the organizations visible to the holder of accessToken.
func (c *Client) ListOrganizations(ctx context.Context, accessToken string) ([]credential.Organization, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return nil, &Error{Op: OpOrganizations, Kind: KindInvalidRequest, Message: "access token is required"}
	}
	req, requestID, cancel, err := c.newRequest(ctx, OpOrganizations, http.MethodGet, c.config.OrganizationsPath, nil)
	if err != nil {
		return nil, err
	}
	defer cancel()
	req.Header.Set("Authorization", "Bearer "+accessToken)

	status, body, err := c.do(req, OpOrganizations, requestID, accessToken)
	if err != nil {
		return nil, err
	}
	orgs, ok := parseOrganizations(body)
	if !ok {
		return nil, &Error{Op: OpOrganizations, Kind: KindMalformed, StatusCode: status, RequestID: requestID, Message: "organization list has unexpected shape"}
	}
	return orgs, nil
}

func (c *Client) grant(ctx context.Context, op Op, path string, payload map[string]string, token string) (Grant, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Grant{}, &Error{Op: op, Kind: KindInvalidRequest, Message: "encode request", Cause: err}
	}
	req, requestID, cancel, err := c.newRequest(ctx, op, http.MethodPost, path, data)
	if err != nil {
		return Grant{}, err
	}
	defer cancel()
	req.Header.Set("Content-Type", "application/json")

	status, body, err := c.do(req, op, requestID, token)
	if err != nil {
		return Grant{}, err
	}
	grant, msg := parseGrant(body)
	if msg != "" {
		return Grant{}, &Error{Op: op, Kind: KindMalformed, StatusCode: status, RequestID: requestID, Message: msg}
	}
	return grant, nil
}

func (c *Client) newRequest(ctx context.Context, op Op, method, path string, body []byte) (*http.Request, string, context.CancelFunc, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	requestCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(requestCtx, method, c.config.BaseURL+path, reader)
	if err != nil {
		cancel()
		return nil, "", nil, &Error{Op: op, Kind: KindInvalidRequest, Message: "build request", Cause: err}
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	return req, requestID, cancel, nil
}

func (c *Client) do(req *http.Request, op Op, requestID, token string) (int, []byte, error) {
	started := time.Now()
	entry := c.log.WithFields(logrus.Fields{
		"op":         string(op),
		"request_id": requestID,
		"token":      Redact(token),
	})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		entry.WithError(err).Debug("delegauth: backend unreachable")
		return 0, nil, &Error{Op: op, Kind: KindTransport, RequestID: requestID, Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes+1))
	if err != nil {
		return resp.StatusCode, nil, &Error{Op: op, Kind: KindTransport, StatusCode: resp.StatusCode, RequestID: requestID, Message: "read response", Cause: err}
	}
	if len(body) > maxResponseBodyBytes {
		return resp.StatusCode, nil, &Error{Op: op, Kind: KindMalformed, StatusCode: resp.StatusCode, RequestID: requestID, Message: fmt.Sprintf("response exceeds %d bytes", maxResponseBodyBytes)}
	}

	entry = entry.WithFields(logrus.Fields{
		"status":      resp.StatusCode,
		"duration_ms": time.Since(started).Milliseconds(),
	})

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		entry.Debug("delegauth: backend call succeeded")
		return resp.StatusCode, body, nil
	}

	kind := KindRejected
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		kind = KindUnauthorized
	case resp.StatusCode >= http.StatusInternalServerError:
		kind = KindServer
	}
	entry.WithField("kind", kind.String()).Debug("delegauth: backend call rejected")
	return resp.StatusCode, nil, &Error{
		Op:         op,
		Kind:       kind,
		StatusCode: resp.StatusCode,
		RequestID:  requestID,
		Message:    errorMessage(body),
	}
}
