package openphone

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/commsync/internal/resilience"
)

func newTestServer(t *testing.T, handler http.HandlerFunc, opts ...Option) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithBaseURL(srv.URL), WithRateLimit(0)}, opts...)
	return NewClient("test-api-key", opts...)
}

func TestListConversations(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/conversations", r.URL.Path)
		assert.Equal(t, "test-api-key", r.Header.Get("Authorization"))
		assert.Equal(t, "50", r.URL.Query().Get("maxResults"))
		assert.Equal(t, "tok-1", r.URL.Query().Get("pageToken"))
		w.Write([]byte(`{"data":[{"id":"CN1","phoneNumberId":"PN1","participants":["+15550102030"]}],"nextPageToken":"tok-2"}`)) //nolint:errcheck
	})

	page, err := c.ListConversations(context.Background(), ListParams{PageToken: "tok-1", MaxResults: 50})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Equal(t, "CN1", page.Data[0].ID)
	assert.Equal(t, "+15550102030", page.Data[0].Participants.First())
	assert.Equal(t, "tok-2", page.NextPageToken)
}

func TestListMessages_Query(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "PN1", q.Get("phoneNumberId"))
		assert.Equal(t, []string{"+15550102030"}, q["participants"])
		assert.Equal(t, "100", q.Get("maxResults"))
		assert.Empty(t, q.Get("pageToken"))
		w.Write([]byte(`{"data":[{"id":"MSG1","from":"+15550102030","to":"+15559990000","direction":"incoming","text":"hi","createdAt":"2026-03-01T12:00:00.000Z"}]}`)) //nolint:errcheck
	})

	page, err := c.ListMessages(context.Background(), HistoryParams{
		PhoneNumberID: "PN1", Participants: []string{"+15550102030"}, MaxResults: 500,
	})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	m := page.Data[0]
	assert.Equal(t, "hi", m.Content())
	assert.Equal(t, StringList{"+15559990000"}, m.To)
	assert.Equal(t, "+15550102030", m.Counterpart())
	assert.Empty(t, page.NextPageToken)
}

func TestListCalls(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/calls", r.URL.Path)
		w.Write([]byte(`{"data":[{"id":"AC1","direction":"outgoing","participants":["+15550102030"],"status":"completed","duration":180,"createdAt":"2026-03-01T12:00:00Z","completedAt":"2026-03-01T12:03:00Z"}]}`)) //nolint:errcheck
	})

	page, err := c.ListCalls(context.Background(), HistoryParams{PhoneNumberID: "PN1"})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	call := page.Data[0]
	assert.Equal(t, "+15550102030", call.Counterpart())
	require.NotNil(t, call.Duration)
	assert.Equal(t, 180, *call.Duration)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 3, 0, 0, time.UTC), call.LatestTime())
}

func TestStatusErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		header   map[string]string
		wantKind resilience.Kind
	}{
		{name: "rate limited", status: 429, header: map[string]string{"Retry-After": "30"}, wantKind: resilience.KindRateLimited},
		{name: "service unavailable", status: 503, wantKind: resilience.KindTransient},
		{name: "gateway timeout", status: 504, wantKind: resilience.KindTransient},
		{name: "request timeout", status: 408, wantKind: resilience.KindTransient},
		{name: "unauthorized", status: 401, wantKind: resilience.KindAuthentication},
		{name: "forbidden", status: 403, wantKind: resilience.KindAuthentication},
		{name: "bad request", status: 400, wantKind: resilience.KindMalformed},
		{name: "not implemented", status: 501, wantKind: resilience.KindDependency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"message":"nope"}`)) //nolint:errcheck
			})

			_, err := c.ListConversations(context.Background(), ListParams{})
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, resilience.KindOf(err))
			assert.Contains(t, err.Error(), "openphone: list conversations")
		})
	}
}

func TestRateLimit_RetryAfterSurvivesWrapping(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.ListCalls(context.Background(), HistoryParams{})
	rl, ok := resilience.IsRateLimited(err)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, rl.RetryAfter)
	assert.False(t, resilience.IsCritical(err))
}

func TestRateLimit_HTTPDate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", now.Add(45*time.Second).Format(http.TimeFormat))
		w.WriteHeader(http.StatusTooManyRequests)
	}, WithClock(func() time.Time { return now }))

	_, err := c.ListMessages(context.Background(), HistoryParams{})
	rl, ok := resilience.IsRateLimited(err)
	require.True(t, ok)
	assert.Equal(t, 45*time.Second, rl.RetryAfter)
}

func TestAuthenticationIsCritical(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err := c.ListConversations(context.Background(), ListParams{})
	assert.True(t, resilience.IsCritical(err))
}

func TestDecodeError_IsMalformed(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": not json`)) //nolint:errcheck
	})
	_, err := c.ListConversations(context.Background(), ListParams{})
	require.Error(t, err)
	assert.Equal(t, resilience.KindMalformed, resilience.KindOf(err))
}

func TestConnectionRefused_IsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := NewClient("k", WithBaseURL(base), WithRateLimit(0), WithTimeouts(time.Second, time.Second))
	_, err := c.ListConversations(context.Background(), ListParams{})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestCallArtifacts(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/call-recordings/AC1":
			w.Write([]byte(`{"data":[{"id":"REC1","url":"https://media.example/rec.mp3","type":"audio/mpeg","duration":180,"status":"completed"}]}`)) //nolint:errcheck
		case "/call-summaries/AC1":
			w.Write([]byte(`{"data":{"callId":"AC1","summary":["Discussed the quote."],"nextSteps":["Send invoice"],"status":"completed"}}`)) //nolint:errcheck
		case "/call-transcripts/AC1":
			w.Write([]byte(`{"data":{"callId":"AC1","dialogue":[{"identifier":"+15550102030","content":"Hello","start":0,"end":1.2},{"identifier":"agent","content":"Hi there","start":1.3,"end":2}],"duration":2,"status":"completed"}}`)) //nolint:errcheck
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	recs, err := c.GetCallRecordings(ctx, "AC1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "https://media.example/rec.mp3", recs[0].URL)

	sum, err := c.GetCallSummary(ctx, "AC1")
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, "Discussed the quote.\n\nNext steps:\n- Send invoice", sum.Text())

	tr, err := c.GetCallTranscript(ctx, "AC1")
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, "+15550102030: Hello\nagent: Hi there", tr.Text())
}

func TestCallArtifacts_NotFoundIsAbsent(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	ctx := context.Background()

	recs, err := c.GetCallRecordings(ctx, "AC404")
	require.NoError(t, err)
	assert.Nil(t, recs)

	sum, err := c.GetCallSummary(ctx, "AC404")
	require.NoError(t, err)
	assert.Nil(t, sum)

	tr, err := c.GetCallTranscript(ctx, "AC404")
	require.NoError(t, err)
	assert.Nil(t, tr)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"30", 30 * time.Second},
		{"1.5", 1500 * time.Millisecond},
		{"", 0},
		{"0", 0},
		{"-5", 0},
		{"soon", 0},
		{now.Add(2 * time.Minute).Format(http.TimeFormat), 2 * time.Minute},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRetryAfter(tt.in, now))
		})
	}
}
