// Package revenuecat talks to the RevenueCat REST API: a commerce.SDK session
// for the purchase flow and a product catalog source for startup validation.
package revenuecat

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
	// DefaultBaseURL is the public RevenueCat API endpoint.
	DefaultBaseURL = "https://api.revenuecat.com"

	defaultHTTPTimeout = 15 * time.Second
	maxErrorBodyBytes  = 4 << 10
	maxBodyBytes       = 4 << 20
	headerPlatform     = "X-Platform"
)

// ErrInvalidClientConfig marks a client that cannot be constructed.
var ErrInvalidClientConfig = errors.New("invalid revenuecat client config")

// APIError is an error response from the REST API.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

// Error includes the HTTP status and the API message.
func (apiError *APIError) Error() string {
	return fmt.Sprintf("revenuecat api status %d (code %d): %s", apiError.StatusCode, apiError.Code, apiError.Message)
}

// ClientConfig configures a REST client.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	Platform   string
	HTTPClient *http.Client
}

type client struct {
	baseURL    *url.URL
	apiKey     string
	platform   string
	httpClient *http.Client
}

func newClient(cfg ClientConfig) (*client, error) {
	rawBaseURL := strings.TrimSpace(cfg.BaseURL)
	if rawBaseURL == "" {
		rawBaseURL = DefaultBaseURL
	}
	baseURL, err := url.Parse(rawBaseURL)
	if err != nil || baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("%w: base url %q", ErrInvalidClientConfig, rawBaseURL)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: api key is required", ErrInvalidClientConfig)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		platform:   strings.TrimSpace(cfg.Platform),
		httpClient: httpClient,
	}, nil
}

// do sends a JSON request and decodes a JSON response into out. Network
// failures, 429 and 5xx responses are marked transient.
func (apiClient *client) do(ctx context.Context, method string, path string, payload any, out any) error {
	target, err := apiClient.baseURL.Parse(path)
	if err != nil {
		return fmt.Errorf("revenuecat path %q: %w", path, err)
	}
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+apiClient.apiKey)
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if apiClient.platform != "" {
		request.Header.Set(headerPlatform, apiClient.platform)
	}

	response, err := apiClient.httpClient.Do(request)
	if err != nil {
		return commerce.MarkTransient(fmt.Errorf("revenuecat %s %s: %w", method, target.Path, err))
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		apiError := &APIError{StatusCode: response.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		if json.Unmarshal(raw, apiError) != nil || apiError.Message == "" {
			apiError.Message = strings.TrimSpace(string(raw))
		}
		if response.StatusCode == http.StatusTooManyRequests || response.StatusCode >= 500 {
			return commerce.MarkTransient(apiError)
		}
		return apiError
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(response.Body, maxBodyBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode revenuecat response: %w", err)
	}
	return nil
}
