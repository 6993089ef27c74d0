// Package messenger is a typed client for the marketplace messaging API:
// client-credentials auth, conversation listing and message listing.
package messenger

import (
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

	"github.com/TobiSchelling/ChatAudit/internal/apperr"
	"github.com/TobiSchelling/ChatAudit/internal/logging"
	"github.com/TobiSchelling/ChatAudit/internal/retry"
)

const DefaultBaseURL = "https://api.avito.ru"

// Config configures a Client.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	PageSize     int
	MaxPages     int
	Timeout      time.Duration
}

// Client talks to the messaging API. Every request goes through the retry policy.
type Client struct {
	cfg    Config
	client *http.Client
	retry  retry.Policy
}

// NewClient creates a client, filling in defaults for unset fields.
func NewClient(cfg Config, policy retry.Policy) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		retry:  policy,
	}
}

// RequestToken performs the client-credentials grant and returns the access token.
func (c *Client) RequestToken(ctx context.Context) (string, error) {
	if c.cfg.ClientID == "" || c.cfg.ClientSecret == "" {
		return "", apperr.Auth("requesting token", errors.New("client id or secret not configured"))
	}

	form := url.Values{
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"grant_type":    {"client_credentials"},
	}

	var tok tokenResponse
	err := c.retry.Do(ctx, "messenger token", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/token", strings.NewReader(form.Encode()))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return c.do(req, &tok)
	})
	if err != nil {
		return "", apperr.Auth("requesting token", err)
	}
	if tok.AccessToken == "" {
		return "", apperr.Auth("requesting token", errors.New("response has no access_token"))
	}
	return tok.AccessToken, nil
}

// ListConversations returns the account's conversations, reading up to
// MaxPages pages. Any failure is fatal to the call.
func (c *Client) ListConversations(ctx context.Context, token, accountID string) ([]ConversationDTO, error) {
	endpoint := fmt.Sprintf("%s/messenger/v2/accounts/%s/chats", c.cfg.BaseURL, url.PathEscape(accountID))

	var all []ConversationDTO
	for page := 0; page < c.cfg.MaxPages; page++ {
		var env conversationsEnvelope
		err := c.retry.Do(ctx, "list conversations", func(ctx context.Context) error {
			env = conversationsEnvelope{}
			return c.get(ctx, c.pageURL(endpoint, page), token, &env)
		})
		if err != nil {
			var se *statusError
			if errors.As(err, &se) && (se.code == http.StatusUnauthorized || se.code == http.StatusForbidden) {
				return nil, apperr.Auth("listing conversations", err)
			}
			return nil, apperr.Remote("listing conversations", err)
		}
		all = append(all, env.Chats...)
		if len(env.Chats) < c.cfg.PageSize {
			break
		}
	}

	logging.Infof("fetched %d conversations from messenger", len(all))
	return all, nil
}

// ListMessages returns one conversation's messages. It never fails outright:
// problems are reported through MessagesResult.Failure so one conversation's
// error does not stop the others from syncing.
func (c *Client) ListMessages(ctx context.Context, token, accountID, conversationID string) MessagesResult {
	endpoint := fmt.Sprintf("%s/messenger/v3/accounts/%s/chats/%s/messages/",
		c.cfg.BaseURL, url.PathEscape(accountID), url.PathEscape(conversationID))

	res := MessagesResult{ConversationID: conversationID}
	for page := 0; page < c.cfg.MaxPages; page++ {
		var env messagesEnvelope
		err := c.retry.Do(ctx, "list messages", func(ctx context.Context) error {
			env = messagesEnvelope{}
			return c.get(ctx, c.pageURL(endpoint, page), token, &env)
		})
		if err != nil {
			res.Failure = classify(err)
			return res
		}
		res.Messages = append(res.Messages, env.Messages...)
		if len(env.Messages) < c.cfg.PageSize {
			break
		}
	}
	return res
}

func (c *Client) pageURL(endpoint string, page int) string {
	q := url.Values{
		"limit":  {strconv.Itoa(c.cfg.PageSize)},
		"offset": {strconv.Itoa(page * c.cfg.PageSize)},
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) get(ctx context.Context, rawURL, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &transportError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &decodeError{err: err}
	}
	return nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("HTTP %d", e.code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.code, e.body)
}

type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "decoding response: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func classify(err error) *SoftFailure {
	var se *statusError
	var de *decodeError
	switch {
	case errors.As(err, &se):
		return &SoftFailure{Reason: FailureStatus, StatusCode: se.code, Err: err}
	case errors.As(err, &de):
		return &SoftFailure{Reason: FailureDecode, Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &SoftFailure{Reason: FailureCanceled, Err: err}
	default:
		return &SoftFailure{Reason: FailureTransport, Err: err}
	}
}
