package sendgrid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"chatbot-backend/internal/integrations/paramstore"
)

const defaultBaseURL = "https://api.sendgrid.com"

type emailAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type personalization struct {
	To []emailAddress `json:"to"`
}

type mailContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// mailSendRequest is the subset of the v3 mail/send body used for transcripts.
type mailSendRequest struct {
	Personalizations []personalization `json:"personalizations"`
	From             emailAddress      `json:"from"`
	Subject          string            `json:"subject"`
	Content          []mailContent     `json:"content"`
}

type errorResponse struct {
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// HTTPError is returned for non-2xx mail/send responses.
type HTTPError struct {
	StatusCode int
	Body       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("sendgrid: http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("sendgrid: http %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client sends HTML transcripts through the SendGrid v3 API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	getter     paramstore.Getter
	tokenParam string
	from       emailAddress

	keyOnce sync.Once
	apiKey  string
	keyErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client. The API key is read from tokenParam, stored as
// {"token": "..."}, on the first send.
func NewClient(ps paramstore.Getter, tokenParam, fromEmail, fromName string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("sendgrid: paramstore getter must not be nil")
	}
	tokenParam = strings.TrimSpace(tokenParam)
	if tokenParam == "" {
		return nil, errors.New("sendgrid: token parameter must not be empty")
	}
	fromEmail = strings.TrimSpace(fromEmail)
	if fromEmail == "" {
		return nil, errors.New("sendgrid: from address must not be empty")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		getter:     ps,
		tokenParam: tokenParam,
		from:       emailAddress{Email: fromEmail, Name: strings.TrimSpace(fromName)},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		c.apiKey, c.keyErr = paramstore.Token(ctx, c.getter, c.tokenParam)
		if c.keyErr != nil {
			c.keyErr = fmt.Errorf("sendgrid: %w", c.keyErr)
		}
	})
	return c.apiKey, c.keyErr
}

// SendTranscript mails htmlBody to a single recipient.
func (c *Client) SendTranscript(ctx context.Context, to, htmlBody, subject string) error {
	to = strings.TrimSpace(to)
	if to == "" {
		return errors.New("sendgrid: recipient required")
	}
	if strings.TrimSpace(subject) == "" {
		return errors.New("sendgrid: subject required")
	}
	if strings.TrimSpace(htmlBody) == "" {
		return errors.New("sendgrid: html body required")
	}

	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(mailSendRequest{
		Personalizations: []personalization{{To: []emailAddress{{Email: to}}}},
		From:             c.from,
		Subject:          strings.TrimSpace(subject),
		Content:          []mailContent{{Type: "text/html", Value: htmlBody}},
	})
	if err != nil {
		return fmt.Errorf("sendgrid: marshal request: %w", err)
	}

	endpoint := strings.TrimRight(c.baseURL, "/") + "/v3/mail/send"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sendgrid: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sendgrid: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		he := &HTTPError{StatusCode: res.StatusCode, Body: string(raw)}
		var er errorResponse
		if json.Unmarshal(raw, &er) == nil && len(er.Errors) > 0 {
			he.Message = er.Errors[0].Message
		}
		return he
	}
	return nil
}
