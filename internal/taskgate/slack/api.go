// Package slack talks to Slack over Socket Mode and the Web API.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/rcourtman/taskgate/internal/errors"
)

// DefaultBaseURL is the Slack Web API root.
const DefaultBaseURL = "https://slack.com/api"

const (
	apiTimeout        = 10 * time.Second
	maxAPIResponseLen = 1 << 20
)

// Response types for slash command replies.
const (
	ResponseEphemeral = "ephemeral"
	ResponseInChannel = "in_channel"
)

// Response is the body posted to a slash command response_url.
type Response struct {
	ResponseType string `json:"response_type"`
	Text         string `json:"text"`
}

// Ephemeral builds a reply only the invoking user sees.
func Ephemeral(text string) Response {
	return Response{ResponseType: ResponseEphemeral, Text: text}
}

// InChannel builds a reply visible to the whole channel.
func InChannel(text string) Response {
	return Response{ResponseType: ResponseInChannel, Text: text}
}

// APIConfig configures the Web API client.
type APIConfig struct {
	AppToken string
	BotToken string
	BaseURL  string

	// MessageInterval paces chat.postMessage calls. Zero means one per second.
	MessageInterval time.Duration
	HTTPClient      *http.Client
}

// API is a minimal Slack Web API client.
type API struct {
	baseURL  string
	appToken string
	botToken string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewAPI returns a client for cfg.
func NewAPI(cfg APIConfig) *API {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	interval := cfg.MessageInterval
	if interval <= 0 {
		interval = time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: apiTimeout}
	}
	return &API{
		baseURL:  base,
		appToken: strings.TrimSpace(cfg.AppToken),
		botToken: strings.TrimSpace(cfg.BotToken),
		client:   client,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
	}
}

type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	URL   string `json:"url,omitempty"`
}

// OpenConnection asks Slack for a Socket Mode WebSocket URL using the app
// token.
func (a *API) OpenConnection(ctx context.Context) (string, error) {
	if a.appToken == "" {
		return "", apperrors.Configuration("open_connection", "slack app token is not set")
	}
	resp, err := a.call(ctx, "apps.connections.open", a.appToken, nil)
	if err != nil {
		return "", apperrors.Upstream("open_connection", err)
	}
	if resp.URL == "" {
		return "", apperrors.Upstream("open_connection", fmt.Errorf("no socket url in response"))
	}
	return resp.URL, nil
}

// PostMessage sends text to channel with chat.postMessage. Calls are paced
// by the client's rate limiter.
func (a *API) PostMessage(ctx context.Context, channel, text string) error {
	if a.botToken == "" {
		return apperrors.Configuration("post_message", "slack bot token is not set")
	}
	if strings.TrimSpace(channel) == "" {
		return apperrors.Validation("post_message", "channel", "channel is required")
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return apperrors.Upstream("post_message", err)
	}
	body := map[string]string{"channel": channel, "text": text}
	if _, err := a.call(ctx, "chat.postMessage", a.botToken, body); err != nil {
		return apperrors.Upstream("post_message", err)
	}
	return nil
}

// Respond posts a one-shot reply to a slash command response_url.
func (a *API) Respond(ctx context.Context, responseURL string, r Response) error {
	if strings.TrimSpace(responseURL) == "" {
		return apperrors.Validation("respond", "response_url", "response url is required")
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, responseURL, bytes.NewReader(payload))
	if err != nil {
		return apperrors.Validation("respond", "response_url", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := a.client.Do(req)
	if err != nil {
		return apperrors.Upstream("respond", err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxAPIResponseLen))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return apperrors.Upstream("respond", fmt.Errorf("response url returned %s", res.Status))
	}
	return nil
}

func (a *API) call(ctx context.Context, method, token string, body any) (*apiResponse, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", method, err)
		}
		reader = bytes.NewReader(payload)
	}

	ctx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/"+method, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	res, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %s", method, res.Status)
	}

	var out apiResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, maxAPIResponseLen)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", method, err)
	}
	if !out.OK {
		return nil, fmt.Errorf("%s: slack error %q", method, out.Error)
	}
	return &out, nil
}
