// Package httpapi calls the site's HTTP endpoints: the assistant, its
// provider list and chat presence.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chatlink/internal/chat"
	"chatlink/internal/logging"
	"chatlink/internal/token"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 1 << 20
)

var providerLabels = map[string]string{
	"gemini":    "Google Gemini",
	"anthropic": "Anthropic Claude",
	"openai":    "OpenAI GPT",
	"groq":      "Groq Llama",
}

// ProviderLabel returns the display name of an assistant provider.
func ProviderLabel(name string) string {
	if label, ok := providerLabels[name]; ok {
		return label
	}
	return name
}

// Options configures a Client
type Options struct {
	AssistantURL string
	ProvidersURL string
	UsersURL     string
	Timeout      time.Duration // per request; 0 means 15s
	HTTPClient   *http.Client
}

// Client talks to the site's JSON endpoints.
type Client struct {
	http         *http.Client
	assistantURL string
	providersURL string
	usersURL     string
	timeout      time.Duration
}

// New creates a Client.
func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		http:         hc,
		assistantURL: opts.AssistantURL,
		providersURL: opts.ProvidersURL,
		usersURL:     opts.UsersURL,
		timeout:      timeout,
	}
}

type askRequest struct {
	Prompt   string `json:"prompt"`
	Provider string `json:"provider,omitempty"`
}

type askResponse struct {
	Response string `json:"response"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Error    string `json:"error"`
}

// Ask sends prompt to the assistant. provider may be empty to let the
// server choose. Every failure other than a missing credential is a
// *chat.AssistantRequestError.
func (c *Client) Ask(ctx context.Context, cred token.Credential, prompt, provider string) (chat.AssistantReply, error) {
	if !cred.Present() {
		return chat.AssistantReply{}, chat.ErrUnauthenticated
	}

	body, err := json.Marshal(askRequest{Prompt: prompt, Provider: provider})
	if err != nil {
		return chat.AssistantReply{}, &chat.AssistantRequestError{Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.assistantURL, bytes.NewReader(body))
	if err != nil {
		return chat.AssistantReply{}, &chat.AssistantRequestError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+string(cred))

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logging.Warn("Assistant request timed out", "timeout", c.timeout.String())
			return chat.AssistantReply{}, &chat.AssistantRequestError{Message: "request timed out", Err: err}
		}
		return chat.AssistantReply{}, &chat.AssistantRequestError{Err: err}
	}
	defer resp.Body.Close()

	var out askResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&out)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(out.Error)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		logging.Warn("Assistant request failed", "status", resp.StatusCode, "message", msg)
		return chat.AssistantReply{}, &chat.AssistantRequestError{Status: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return chat.AssistantReply{}, &chat.AssistantRequestError{Message: "invalid response body", Err: decodeErr}
	}

	logging.Debug("Assistant replied",
		"provider", out.Provider,
		"model", out.Model,
		"duration", time.Since(start).String())

	return chat.AssistantReply{
		Content:       out.Response,
		ProviderLabel: ProviderLabel(out.Provider),
	}, nil
}

// ProviderList is the assistant's provider configuration.
type ProviderList struct {
	Providers []string `json:"providers"`
	Fallback  []string `json:"fallback"`
}

// Providers lists the configured assistant providers.
func (c *Client) Providers(ctx context.Context, cred token.Credential) (ProviderList, error) {
	var out ProviderList
	if err := c.getJSON(ctx, c.providersURL, cred, &out); err != nil {
		return ProviderList{}, fmt.Errorf("failed to list providers: %w", err)
	}
	return out, nil
}

// UserCount returns how many users are connected to the chat.
func (c *Client) UserCount(ctx context.Context) (int, error) {
	var out struct {
		UserCount int `json:"user_count"`
	}
	if err := c.getJSON(ctx, c.usersURL, "", &out); err != nil {
		return 0, fmt.Errorf("failed to get user count: %w", err)
	}
	return out.UserCount, nil
}

func (c *Client) getJSON(ctx context.Context, url string, cred token.Credential, v any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if cred.Present() {
		req.Header.Set("Authorization", "Bearer "+string(cred))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(v)
}
