//go:build !integration

package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/commsync/internal/config"
	"github.com/sells-group/commsync/internal/ingest"
	"github.com/sells-group/commsync/internal/model"
	"github.com/sells-group/commsync/internal/store"
	"github.com/sells-group/commsync/pkg/openphone"
)

// fakeOpenPhone serves one conversation holding one incoming message.
func fakeOpenPhone(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/conversations":
			_, _ = w.Write([]byte(`{"data":[{"id":"CN1","phoneNumberId":"PN1","participants":["+15550102030"],"name":"Dana"}]}`))
		case "/messages":
			_, _ = w.Write([]byte(`{"data":[{"id":"MSG1","from":"+15550102030","to":["+15559990000"],"direction":"incoming","text":"hi","createdAt":"2026-03-01T12:00:00Z"}]}`))
		case "/calls":
			_, _ = w.Write([]byte(`{"data":[]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func importTestConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	return &config.Config{
		OpenPhone: config.OpenPhoneConfig{APIKey: "test-key", BaseURL: baseURL},
		Import: config.ImportConfig{
			CheckpointPath: filepath.Join(t.TempDir(), "checkpoint.json"),
			MaxAttempts:    1,
		},
	}
}

func TestExecuteImport_ReportsMetrics(t *testing.T) {
	api := fakeOpenPhone(t)
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "import.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	reg := prometheus.NewRegistry()
	cp, err := executeImport(context.Background(), importTestConfig(t, api.URL), st, reg, "", false)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 1, cp.Stats.Conversations)
	assert.Equal(t, 1, cp.Stats.Messages)

	expected := `
# HELP commsync_import_records_total Imported records by type and outcome
# TYPE commsync_import_records_total counter
commsync_import_records_total{outcome="created",record_type="message"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "commsync_import_records_total"))

	act, err := st.GetActivity(context.Background(), "MSG1")
	require.NoError(t, err)
	require.NotNil(t, act)
}

func TestImportCommand_MetricsAddrFlag(t *testing.T) {
	flag := importCmd.PersistentFlags().Lookup("metrics-addr")
	require.NotNil(t, flag, "import should have --metrics-addr flag")
	assert.Equal(t, "", flag.DefValue)
}

func TestNewReducer_UsesContactCacheTTL(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "reducer.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	for _, ttl := range []int{0, 1, 600} {
		c := &config.Config{Store: config.StoreConfig{ContactCacheTTLSecs: ttl}}
		r := newReducer(c, st)
		require.NotNil(t, r)

		id := fmt.Sprintf("MSG-TTL-%d", ttl)
		_, err := r.Message(context.Background(), &openphone.Message{
			ID: id, From: "+15550102030", To: []string{"+15559990000"}, Direction: "incoming",
			CreatedAt: time.Date(2026, 3, 1, 12, ttl%60, 0, 0, time.UTC),
		}, ingest.Origin{Source: model.SourceWebhook})
		require.NoError(t, err)
	}

	contact, err := st.GetContactByPhone(context.Background(), "+15550102030")
	require.NoError(t, err)
	assert.NotEmpty(t, contact.ID)
}
