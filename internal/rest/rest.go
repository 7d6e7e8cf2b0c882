// Package rest fetches gateway information over the HTTP API.
package rest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hashicorp/go-cleanhttp"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var logger = logging.GetFixedPrefixLogger("rest")

const (
	// DefaultBaseURL is the API root without a version.
	DefaultBaseURL = "https://discord.com/api"
	// UserAgent is sent with every request.
	UserAgent = "DiscordBot (https://github.com/luciancaetano/kephasgate, 1.0)"

	maxErrorBody = 1024
)

// HTTPError is returned for any non 2xx response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Client is an authenticated API client.
type Client struct {
	// HTTP is the underlying client, a pooled cleanhttp client by default.
	HTTP *http.Client

	baseURL string
	version string
	token   string
}

// NewClient creates a client for token. Empty baseURL and version default to
// DefaultBaseURL and "10".
func NewClient(token, baseURL, version string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if version == "" {
		version = "10"
	}

	return &Client{
		HTTP:    cleanhttp.DefaultPooledClient(),
		baseURL: strings.TrimSuffix(baseURL, "/"),
		version: version,
		token:   strings.TrimPrefix(token, "Bot "),
	}
}

// Endpoint returns the absolute url of path.
func (c *Client) Endpoint(path string) string {
	return c.baseURL + "/v" + c.version + "/" + strings.TrimPrefix(path, "/")
}

// GatewayBot fetches the gateway url, the recommended shard count and the session start limit.
func (c *Client) GatewayBot(ctx context.Context) (*kephasgate.GatewayInfo, error) {
	var info kephasgate.GatewayInfo
	if err := c.get(ctx, "gateway/bot", &info); err != nil {
		return nil, errors.WithMessage(err, "gateway/bot")
	}

	logger.WithField("shards", info.Shards).
		WithField("remaining", info.SessionStartLimit.Remaining).
		WithField("max_concurrency", info.SessionStartLimit.MaxConcurrency).
		Debug("fetched gateway information")
	return &info, nil
}

func (c *Client) get(ctx context.Context, path string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint(path), nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errors.Wrap(err, "request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}
