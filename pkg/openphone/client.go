// Package openphone is a client for the OpenPhone public API history
// endpoints and the wire types shared with its webhooks.
package openphone

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/commsync/internal/resilience"
)

// Default base URL for the OpenPhone public API.
const defaultBaseURL = "https://api.openphone.com/v1"

// maxResultsLimit is the largest page size the list endpoints accept.
const maxResultsLimit = 100

// Client defines the OpenPhone history API operations used by the importer.
type Client interface {
	ListConversations(ctx context.Context, p ListParams) (*Page[Conversation], error)
	ListMessages(ctx context.Context, p HistoryParams) (*Page[Message], error)
	ListCalls(ctx context.Context, p HistoryParams) (*Page[Call], error)
	// The artifact getters return nil, nil when the call has none.
	GetCallRecordings(ctx context.Context, callID string) ([]Recording, error)
	GetCallSummary(ctx context.Context, callID string) (*CallSummary, error)
	GetCallTranscript(ctx context.Context, callID string) (*CallTranscript, error)
}

// ListParams pages through the conversations endpoint.
type ListParams struct {
	PageToken  string
	MaxResults int
}

// HistoryParams selects the messages or calls of one conversation.
type HistoryParams struct {
	PhoneNumberID string
	Participants  []string
	PageToken     string
	MaxResults    int
}

// APIError is returned when OpenPhone responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openphone: HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit paces outgoing requests. rps <= 0 disables pacing.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		} else {
			c.limiter = nil
		}
	}
}

// WithTimeouts sets the connect timeout and the time allowed for the
// response headers to arrive.
func WithTimeouts(connect, read time.Duration) Option {
	return func(c *httpClient) {
		c.http = newHTTPClient(connect, read)
	}
}

// WithClock overrides the clock used to interpret Retry-After dates.
func WithClock(now func() time.Time) Option {
	return func(c *httpClient) {
		c.now = now
	}
}

// httpClient implements Client using net/http.
type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

// NewClient creates a new OpenPhone client. Requests are paced at 10 req/s
// by default.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    newHTTPClient(10*time.Second, 60*time.Second),
		limiter: rate.NewLimiter(10, 10),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newHTTPClient(connect, read time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   connect,
			ResponseHeaderTimeout: read,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

func (c *httpClient) ListConversations(ctx context.Context, p ListParams) (*Page[Conversation], error) {
	q := url.Values{}
	setPaging(q, p.PageToken, p.MaxResults)
	var resp Page[Conversation]
	if err := c.get(ctx, "/conversations", q, &resp); err != nil {
		return nil, resilience.Wrapf(err, "openphone: list conversations")
	}
	return &resp, nil
}

func (c *httpClient) ListMessages(ctx context.Context, p HistoryParams) (*Page[Message], error) {
	var resp Page[Message]
	if err := c.get(ctx, "/messages", historyQuery(p), &resp); err != nil {
		return nil, resilience.Wrapf(err, "openphone: list messages")
	}
	return &resp, nil
}

func (c *httpClient) ListCalls(ctx context.Context, p HistoryParams) (*Page[Call], error) {
	var resp Page[Call]
	if err := c.get(ctx, "/calls", historyQuery(p), &resp); err != nil {
		return nil, resilience.Wrapf(err, "openphone: list calls")
	}
	return &resp, nil
}

func (c *httpClient) GetCallRecordings(ctx context.Context, callID string) ([]Recording, error) {
	var resp struct {
		Data []Recording `json:"data"`
	}
	found, err := c.getOptional(ctx, "/call-recordings/"+url.PathEscape(callID), &resp)
	if err != nil {
		return nil, resilience.Wrapf(err, "openphone: get call recordings %s", callID)
	}
	if !found {
		return nil, nil
	}
	return resp.Data, nil
}

func (c *httpClient) GetCallSummary(ctx context.Context, callID string) (*CallSummary, error) {
	var resp struct {
		Data *CallSummary `json:"data"`
	}
	found, err := c.getOptional(ctx, "/call-summaries/"+url.PathEscape(callID), &resp)
	if err != nil {
		return nil, resilience.Wrapf(err, "openphone: get call summary %s", callID)
	}
	if !found {
		return nil, nil
	}
	return resp.Data, nil
}

func (c *httpClient) GetCallTranscript(ctx context.Context, callID string) (*CallTranscript, error) {
	var resp struct {
		Data *CallTranscript `json:"data"`
	}
	found, err := c.getOptional(ctx, "/call-transcripts/"+url.PathEscape(callID), &resp)
	if err != nil {
		return nil, resilience.Wrapf(err, "openphone: get call transcript %s", callID)
	}
	if !found {
		return nil, nil
	}
	return resp.Data, nil
}

func setPaging(q url.Values, pageToken string, maxResults int) {
	if maxResults <= 0 || maxResults > maxResultsLimit {
		maxResults = maxResultsLimit
	}
	q.Set("maxResults", strconv.Itoa(maxResults))
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
}

func historyQuery(p HistoryParams) url.Values {
	q := url.Values{}
	if p.PhoneNumberID != "" {
		q.Set("phoneNumberId", p.PhoneNumberID)
	}
	for _, participant := range p.Participants {
		q.Add("participants", participant)
	}
	setPaging(q, p.PageToken, p.MaxResults)
	return q
}

// getOptional is get with 404 reported as found == false.
func (c *httpClient) getOptional(ctx context.Context, path string, out any) (bool, error) {
	err := c.get(ctx, path, nil, out)
	if resilience.KindOf(err) == resilience.KindNotFound {
		return false, nil
	}
	return err == nil, err
}

func (c *httpClient) get(ctx context.Context, path string, q url.Values, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "rate limit wait")
		}
	}

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Accept", "application/json")

	return c.do(req, out)
}

func (c *httpClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return eris.Wrap(ctxErr, "execute request")
		}
		// Connect and read timeouts, resets and refusals are all retryable.
		return resilience.WithKind(resilience.KindTransient, eris.Wrap(err, "execute request"))
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resilience.WithKind(resilience.KindTransient, eris.Wrap(err, "read response body"))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError(resp, data)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return resilience.WithKind(resilience.KindMalformed, eris.Wrap(err, "decode response"))
	}
	return nil
}

// statusError maps a non-2xx response onto the error taxonomy.
func (c *httpClient) statusError(resp *http.Response, body []byte) error {
	msg := string(body)
	if len(msg) > 500 {
		msg = msg[:500]
	}
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: msg}

	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests:
		return &resilience.RateLimitError{
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
			Err:        apiErr,
		}
	case resilience.IsTransientHTTPStatus(code):
		return resilience.NewTransientError(apiErr, code)
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return resilience.WithKind(resilience.KindAuthentication, apiErr)
	case code == http.StatusNotFound:
		return resilience.WithKind(resilience.KindNotFound, apiErr)
	case code >= 400 && code < 500:
		return resilience.WithKind(resilience.KindMalformed, apiErr)
	default:
		return resilience.WithKind(resilience.KindDependency, apiErr)
	}
}

// ParseRetryAfter reads a Retry-After header given as delay-seconds or an
// HTTP date. It returns 0 when the header is absent or unparseable.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
