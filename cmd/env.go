package main

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/commsync/internal/config"
	"github.com/sells-group/commsync/internal/importer"
	"github.com/sells-group/commsync/internal/ingest"
	"github.com/sells-group/commsync/internal/resilience"
	"github.com/sells-group/commsync/internal/store"
	"github.com/sells-group/commsync/pkg/openphone"
)

// openStore connects the configured backend and applies migrations.
func openStore(ctx context.Context, c *config.Config) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch c.Store.Driver {
	case "sqlite":
		dsn := c.Store.DatabaseURL
		if dsn == "" {
			dsn = "commsync.db"
		}
		st, err = store.NewSQLite(dsn, c.Store.BusyTimeoutMs)
	case "postgres":
		st, err = store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{MaxConns: int32(c.Store.MaxConns)})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

func newOpenPhoneClient(c config.OpenPhoneConfig) openphone.Client {
	return openphone.NewClient(c.APIKey,
		openphone.WithBaseURL(c.BaseURL),
		openphone.WithRateLimit(c.RequestsPerSecond),
		openphone.WithTimeouts(
			time.Duration(c.ConnectTimeoutSecs)*time.Second,
			time.Duration(c.ReadTimeoutSecs)*time.Second,
		),
	)
}

func importerConfig(c config.ImportConfig) importer.Config {
	return importer.Config{
		BatchSize:              c.BatchSize,
		CheckpointInterval:     c.CheckpointInterval,
		CheckpointPath:         c.CheckpointPath,
		CriticalErrorThreshold: c.CriticalErrorThreshold,
		FetchCallArtifacts:     c.FetchCallArtifacts,
		Retry: resilience.FromRetryConfig(
			c.MaxAttempts, c.InitialBackoffMs, c.MaxBackoffMs, c.DefaultRetryAfterSecs,
		),
	}
}

func newImporter(c *config.Config, st store.Store, opts ...importer.Option) *importer.Importer {
	return importer.New(newOpenPhoneClient(c.OpenPhone), newReducer(c, st), importerConfig(c.Import), opts...)
}

// newReducer builds the ingest reducer with the configured contact cache.
func newReducer(c *config.Config, st store.Store) *ingest.Reducer {
	return ingest.New(st, ingest.WithContactTTL(time.Duration(c.Store.ContactCacheTTLSecs)*time.Second))
}

// newRegistry returns a registry carrying the Go runtime and process
// collectors.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// writeOutput renders v as yaml or indented json.
func writeOutput(w io.Writer, format string, v any) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return eris.Wrap(err, "encode yaml")
		}
		return enc.Close()
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(v), "encode json")
	default:
		return eris.Errorf("unknown output format %q (json|yaml)", format)
	}
}
