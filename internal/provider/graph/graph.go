// Package graph sends finalized messages through the Microsoft Graph
// sendMail endpoint.
package graph

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shineum/threadmail/internal/email"
)

// Config holds the configuration for creating a Provider.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Sender       string
}

// Provider sends finalized MIME messages via the Microsoft Graph API using
// OAuth2 client credentials authentication.
type Provider struct {
	sender     string
	graphURL   string
	httpClient *http.Client
	token      *tokenCache
	logger     *slog.Logger
}

// New creates a new Provider with the given configuration.
func New(cfg Config) *Provider {
	tokenURL := fmt.Sprintf(
		"https://login.microsoftonline.com/%s/oauth2/v2.0/token",
		url.PathEscape(cfg.TenantID),
	)
	graphURL := fmt.Sprintf(
		"https://graph.microsoft.com/v1.0/users/%s/sendMail",
		url.PathEscape(cfg.Sender),
	)
	return newWithOverrides(cfg, graphURL, tokenURL, &http.Client{Timeout: 30 * time.Second})
}

// newWithOverrides creates a Provider with custom URLs and HTTP client,
// used for testing.
func newWithOverrides(cfg Config, graphURL, tokenURL string, client *http.Client) *Provider {
	return &Provider{
		sender:     cfg.Sender,
		graphURL:   graphURL,
		httpClient: client,
		token:      newTokenCache(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
		logger:     slog.Default(),
	}
}

// Send uploads the message as base64 MIME. A 401 triggers one token
// refresh and a single resend; every other failure is returned as is.
func (p *Provider) Send(ctx context.Context, msg *email.Message) error {
	if len(msg.Raw) == 0 {
		return fmt.Errorf("message %q is not finalized", msg.MessageID())
	}
	payload := encodeMIME(msg)

	err := p.post(ctx, payload)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
		p.logger.Info("refreshing Graph API token after 401", "sender", p.sender)
		if _, refreshErr := p.token.ForceRefresh(ctx); refreshErr != nil {
			return fmt.Errorf("token refresh failed: %w", refreshErr)
		}
		err = p.post(ctx, payload)
	}
	return err
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "msgraph"
}

// encodeMIME returns the base64 payload sendMail expects for MIME content.
// Graph derives recipients from the headers, so Bcc addresses are added
// as a header here. Graph strips it before delivery.
func encodeMIME(msg *email.Message) []byte {
	raw := msg.Raw
	if len(msg.Bcc) > 0 {
		addrs := make([]string, 0, len(msg.Bcc))
		for _, a := range msg.Bcc {
			addrs = append(addrs, a.String())
		}
		var buf bytes.Buffer
		buf.WriteString("Bcc: " + strings.Join(addrs, ", ") + "\r\n")
		buf.Write(raw)
		raw = buf.Bytes()
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out
}

// post makes one sendMail request.
func (p *Provider) post(ctx context.Context, payload []byte) error {
	token, err := p.token.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.graphURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &APIError{Err: err}
	}
	defer resp.Body.Close()

	// sendMail answers 202 Accepted.
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	return newAPIError(resp.StatusCode, resp.Header.Get("Retry-After"), body)
}

// APIError is a failed sendMail call. StatusCode is zero when no response
// was received.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter string
	Err        error
}

func newAPIError(status int, retryAfter string, body []byte) *APIError {
	e := &APIError{StatusCode: status, RetryAfter: retryAfter}
	var parsed struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Error.Message != "" {
		e.Code = parsed.Error.Code
		e.Message = parsed.Error.Message
	} else {
		e.Message = strings.TrimSpace(string(body))
	}
	return e
}

func (e *APIError) Error() string {
	switch {
	case e.StatusCode == 0:
		return fmt.Sprintf("Graph API request failed: %v", e.Err)
	case e.RetryAfter != "":
		return fmt.Sprintf("Graph API error (HTTP %d, retry after %s): %s", e.StatusCode, e.RetryAfter, e.Message)
	}
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Temporary reports whether a later attempt could succeed.
func (e *APIError) Temporary() bool {
	switch {
	case e.StatusCode == 0,
		e.StatusCode == http.StatusUnauthorized,
		e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode >= 500:
		return true
	}
	return false
}
