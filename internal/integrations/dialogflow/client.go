package dialogflow

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
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"chatbot-backend/internal/domain"
)

const (
	defaultBaseURL  = "https://dialogflow.googleapis.com"
	defaultLanguage = "en-US"
	dialogflowScope = "https://www.googleapis.com/auth/dialogflow"
)

// ErrUpstreamUnavailable wraps every failure of Query, including a response
// that carries no fulfillment messages.
var ErrUpstreamUnavailable = errors.New("dialogflow: upstream unavailable")

// detectIntentRequest is the minimal request shape for sessions.detectIntent.
type detectIntentRequest struct {
	QueryInput  queryInput   `json:"queryInput"`
	QueryParams *queryParams `json:"queryParams,omitempty"`
}

type queryInput struct {
	Text textInput `json:"text"`
}

type textInput struct {
	Text         string `json:"text"`
	LanguageCode string `json:"languageCode"`
}

type queryParams struct {
	Contexts []apiContext `json:"contexts,omitempty"`
}

type apiContext struct {
	Name          string `json:"name"`
	LifespanCount *int   `json:"lifespanCount,omitempty"`
}

// detectIntentResponse is the subset of the detectIntent response we consume.
type detectIntentResponse struct {
	ResponseID  string      `json:"responseId"`
	QueryResult queryResult `json:"queryResult"`
}

type queryResult struct {
	QueryText           string                     `json:"queryText"`
	Parameters          map[string]json.RawMessage `json:"parameters"`
	FulfillmentMessages []fulfillmentMessage       `json:"fulfillmentMessages"`
	OutputContexts      []apiContext               `json:"outputContexts"`
	Intent              struct {
		Name        string `json:"name"`
		DisplayName string `json:"displayName"`
	} `json:"intent"`
}

type fulfillmentMessage struct {
	Text *struct {
		Text []string `json:"text"`
	} `json:"text,omitempty"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("dialogflow: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client calls the Dialogflow ES detectIntent REST endpoint.
type Client struct {
	baseURL          string
	projectID        string
	languageCode     string
	httpClient       *http.Client
	getter           Getter
	credentialsParam string

	authOnce sync.Once
	tokens   oauth2.TokenSource
	authErr  error
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

// WithProjectID overrides the project taken from the service-account key.
func WithProjectID(projectID string) Option {
	return func(c *Client) {
		c.projectID = strings.TrimSpace(projectID)
	}
}

func WithLanguageCode(code string) Option {
	return func(c *Client) {
		if code = strings.TrimSpace(code); code != "" {
			c.languageCode = code
		}
	}
}

// WithTokenSource skips loading credentials from the parameter store.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(c *Client) {
		c.tokens = ts
	}
}

// NewClient creates a Client whose service-account key is read from the
// parameter credentialsParam on first use and cached for the process lifetime.
func NewClient(ps Getter, credentialsParam string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("dialogflow: paramstore getter must not be nil")
	}
	credentialsParam = strings.TrimSpace(credentialsParam)
	if credentialsParam == "" {
		return nil, errors.New("dialogflow: credentials parameter must not be empty")
	}
	c := &Client{
		baseURL:          defaultBaseURL,
		languageCode:     defaultLanguage,
		httpClient:       &http.Client{Timeout: 10 * time.Second},
		getter:           ps,
		credentialsParam: credentialsParam,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveTokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	c.authOnce.Do(func() {
		if c.tokens != nil {
			return
		}
		raw, err := c.getter.GetParameter(ctx, c.credentialsParam)
		if err != nil {
			c.authErr = fmt.Errorf("dialogflow: fetch credentials from paramstore: %w", err)
			return
		}
		// The token source refreshes with this context long after the
		// current request is done.
		creds, err := google.CredentialsFromJSON(context.WithoutCancel(ctx), []byte(raw), dialogflowScope)
		if err != nil {
			c.authErr = fmt.Errorf("dialogflow: parse credentials: %w", err)
			return
		}
		c.tokens = creds.TokenSource
		if c.projectID == "" {
			c.projectID = creds.ProjectID
		}
	})
	if c.authErr != nil {
		return nil, c.authErr
	}
	if c.projectID == "" {
		return nil, errors.New("dialogflow: project id is not configured")
	}
	return c.tokens, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (c *Client) sessionPath(sessionID string) string {
	return "projects/" + url.PathEscape(c.projectID) + "/agent/sessions/" + url.PathEscape(sessionID)
}

func detectIntentURL(baseURL, session string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return base + "/v2/" + session + ":detectIntent"
}

// Query sends one user message to the agent. prior, when non-nil, is
// attached as input contexts; names are expanded to full session paths.
func (c *Client) Query(ctx context.Context, message, sessionID string, prior []domain.RecentContext) (domain.NLUResponse, error) {
	if strings.TrimSpace(sessionID) == "" {
		return domain.NLUResponse{}, errors.New("dialogflow: session id must not be empty")
	}

	ts, err := c.resolveTokenSource(ctx)
	if err != nil {
		return domain.NLUResponse{}, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	token, err := ts.Token()
	if err != nil {
		return domain.NLUResponse{}, fmt.Errorf("%w: token: %w", ErrUpstreamUnavailable, err)
	}

	session := c.sessionPath(sessionID)
	payload := detectIntentRequest{
		QueryInput: queryInput{Text: textInput{Text: message, LanguageCode: c.languageCode}},
	}
	if prior != nil {
		payload.QueryParams = &queryParams{Contexts: inputContexts(session, prior)}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.NLUResponse{}, fmt.Errorf("dialogflow: marshal request: %w", err)
	}

	endpoint := detectIntentURL(c.baseURL, session)
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if reqErr != nil {
		return domain.NLUResponse{}, fmt.Errorf("dialogflow: create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	token.SetAuthHeader(req)

	raw, err := c.doJSONRequest(req, endpoint)
	if err != nil {
		return domain.NLUResponse{}, fmt.Errorf("%w: request failed: %w", ErrUpstreamUnavailable, err)
	}

	var out detectIntentResponse
	if decErr := json.Unmarshal(raw, &out); decErr != nil {
		return domain.NLUResponse{}, fmt.Errorf("%w: decode response: %w", ErrUpstreamUnavailable, decErr)
	}
	if len(out.QueryResult.FulfillmentMessages) == 0 {
		return domain.NLUResponse{}, fmt.Errorf("%w: no fulfillment messages in response", ErrUpstreamUnavailable)
	}
	return toNLUResponse(out.QueryResult), nil
}

func inputContexts(session string, prior []domain.RecentContext) []apiContext {
	out := make([]apiContext, 0, len(prior))
	for _, rc := range prior {
		lifespan := rc.LifespanCount
		out = append(out, apiContext{
			Name:          session + "/contexts/" + rc.Name,
			LifespanCount: &lifespan,
		})
	}
	return out
}

func toNLUResponse(qr queryResult) domain.NLUResponse {
	resp := domain.NLUResponse{
		IntentName: qr.Intent.DisplayName,
		Parameters: make(map[string]string, len(qr.Parameters)),
	}
	for _, m := range qr.FulfillmentMessages {
		var text []string
		if m.Text != nil {
			text = m.Text.Text
		}
		resp.FulfillmentMessages = append(resp.FulfillmentMessages, domain.FulfillmentMessage{Text: text})
	}
	for name, raw := range qr.Parameters {
		if v := parameterValue(raw); v != "" {
			resp.Parameters[name] = v
		}
	}
	for _, oc := range qr.OutputContexts {
		resp.OutputContexts = append(resp.OutputContexts, domain.RawContext{
			Name:          oc.Name,
			LifespanCount: oc.LifespanCount,
		})
	}
	return resp
}

// parameterValue returns string parameters verbatim and anything else
// (structured addresses, lists) as compact JSON. Null and unfilled slots
// yield "".
func parameterValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return ""
	}
	return buf.String()
}

func (c *Client) doJSONRequest(req *http.Request, endpoint string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        endpoint,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
