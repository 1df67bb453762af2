// Package mappingclient records anonymous SDK identities with the fulfillment
// API on behalf of a signed-in app session.
package mappingclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/beanstalker/fulfillment/pkg/commerce"
)

const (
	storeUserMappingPath = "/api/revenuecat/store-user-mapping"
	defaultHTTPTimeout   = 10 * time.Second
	maxErrorBodyBytes    = 4 << 10
)

// Errors reported for rejected registrations.
var (
	ErrInvalidConfig   = errors.New("invalid mapping client config")
	ErrRejected        = errors.New("mapping registration rejected")
	ErrMappingConflict = errors.New("anonymous id belongs to another account")
	ErrUnknownAccount  = errors.New("account does not exist")
)

// SessionSource returns the session cookie of the signed-in user.
type SessionSource func(ctx context.Context) (*http.Cookie, error)

// Config configures a Client.
type Config struct {
	BaseURL    string
	Session    SessionSource
	HTTPClient *http.Client
}

// Client implements commerce.MappingRecorder over HTTP.
type Client struct {
	endpoint   string
	session    SessionSource
	httpClient *http.Client
}

// New validates cfg and builds a Client.
func New(cfg Config) (*Client, error) {
	baseURL, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("%w: base url %q", ErrInvalidConfig, cfg.BaseURL)
	}
	if cfg.Session == nil {
		return nil, fmt.Errorf("%w: session source is required", ErrInvalidConfig)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	endpoint := baseURL.JoinPath(storeUserMappingPath)
	return &Client{endpoint: endpoint.String(), session: cfg.Session, httpClient: httpClient}, nil
}

type mappingRequest struct {
	AnonymousID string `json:"anonymousId"`
	RealUserID  string `json:"realUserId"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// RecordMapping posts the pair. Network failures, 429 and 5xx responses are
// transient; other rejections are permanent.
func (client *Client) RecordMapping(ctx context.Context, anonymousID string, accountID string) error {
	cookie, err := client.session(ctx)
	if err != nil {
		return fmt.Errorf("session cookie: %w", err)
	}
	payload, err := json.Marshal(mappingRequest{AnonymousID: anonymousID, RealUserID: accountID})
	if err != nil {
		return fmt.Errorf("encode mapping: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		request.AddCookie(cookie)
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return commerce.MarkTransient(fmt.Errorf("store mapping: %w", err))
	}
	defer response.Body.Close()
	if response.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	var envelope errorEnvelope
	message := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
	}
	switch {
	case response.StatusCode == http.StatusTooManyRequests || response.StatusCode >= 500:
		return commerce.MarkTransient(fmt.Errorf("store mapping: status %d: %s", response.StatusCode, message))
	case response.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrMappingConflict, message)
	case response.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrUnknownAccount, message)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, response.StatusCode, message)
	}
}
