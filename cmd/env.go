package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-aggregator/internal/fetcher"
	"github.com/sells-group/lead-aggregator/internal/history"
	"github.com/sells-group/lead-aggregator/internal/monitoring"
	"github.com/sells-group/lead-aggregator/internal/pipeline"
	"github.com/sells-group/lead-aggregator/internal/resilience"
	"github.com/sells-group/lead-aggregator/internal/sink"
	"github.com/sells-group/lead-aggregator/internal/source"
	"github.com/sells-group/lead-aggregator/internal/store"
	"github.com/sells-group/lead-aggregator/pkg/jina"
	"github.com/sells-group/lead-aggregator/pkg/notion"
	sfpkg "github.com/sells-group/lead-aggregator/pkg/salesforce"
)

// appEnv holds the store, clients and pipeline needed by the run and serve
// commands.
type appEnv struct {
	Store    store.Store // nil when store.driver is "none"
	Pipeline *pipeline.Pipeline
	Alerter  *monitoring.Alerter
	Breakers *resilience.Breakers
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates the config for mode, opens the store, builds every
// client and loads the History Index into a new Pipeline. Callers should
// defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st}

	hist, err := initHistory(st)
	if err != nil {
		env.Close()
		return nil, err
	}

	sinks, err := initSinks()
	if err != nil {
		env.Close()
		return nil, err
	}

	srcDeps := initSourceDeps()
	env.Breakers = srcDeps.Breakers
	env.Alerter = monitoring.NewAlerter(cfg.Monitoring)

	p, err := pipeline.New(ctx, cfg, pipeline.Deps{
		Sources: srcDeps,
		History: hist,
		Store:   st,
		Sink:    sinks,
		Alerter: env.Alerter,
	})
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Pipeline = p

	zap.L().Info("environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("history", cfg.History.Driver),
		zap.Int("sources", len(cfg.EnabledSources())),
		zap.Int("sinks", len(sinks)),
	)
	return env, nil
}

// initStore opens and migrates the configured run store. It returns a nil
// Store for the "none" driver.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if st == nil {
		return nil, nil
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initHistory picks the History Index backend. The "store" driver keeps the
// index in the run store's tables.
func initHistory(st store.Store) (history.Persister, error) {
	switch cfg.History.Driver {
	case "file":
		lock := time.Duration(cfg.History.LockTimeoutSec) * time.Second
		return history.NewFileStore(cfg.History.Path, lock), nil
	case "store":
		if st == nil {
			return nil, eris.New("history driver \"store\" needs a store")
		}
		return store.NewHistoryPersister(st, cfg.Store.Driver), nil
	default:
		return nil, eris.Errorf("unknown history driver %q", cfg.History.Driver)
	}
}

// initSourceDeps builds the shared fetchers, reader fallback and circuit
// breakers used by every adapter.
func initSourceDeps() source.Deps {
	timeout := time.Duration(cfg.Fetch.TimeoutSecs) * time.Second
	httpFetcher := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:  cfg.Fetch.UserAgent,
		Timeout:    timeout,
		MaxRetries: cfg.Fetch.MaxRetries,
		Retry:      resilience.FromRetryConfig(cfg.Retry),
	})

	deps := source.Deps{
		HTTP: httpFetcher,
		Files: &fetcher.Router{
			HTTP: httpFetcher,
			FTP:  fetcher.NewFTPFetcher(fetcher.FTPOptions{Timeout: timeout}),
		},
		Breakers: resilience.NewBreakers(resilience.FromCircuitConfig(cfg.Circuit)),
		TempDir:  cfg.Fetch.TempDir,
	}
	if cfg.Jina.Key != "" {
		deps.Reader = jina.NewClient(cfg.Jina.Key, jina.WithBaseURL(cfg.Jina.BaseURL))
	} else {
		zap.L().Debug("LEADBOT_JINA_KEY not set, reader fallback disabled")
	}
	return deps
}

// initSinks builds the configured delivery sinks and the CRM clients they
// need.
func initSinks() (sink.Multi, error) {
	deps := sink.Deps{
		HTTP:  &http.Client{Timeout: 30 * time.Second},
		Retry: resilience.FromRetryConfig(cfg.Retry),
	}
	if cfg.Delivery.Notion {
		deps.Notion = notion.NewClient(cfg.Notion.Token, notion.WithRateLimit(3))
		deps.NotionDB = cfg.Notion.LeadDB
	}
	if cfg.Delivery.Salesforce {
		sf, err := initSalesforce()
		if err != nil {
			return nil, err
		}
		deps.Salesforce = sf
	}

	sinks, err := sink.FromConfig(cfg.Delivery, deps)
	if err != nil {
		return nil, eris.Wrap(err, "init sinks")
	}
	return sinks, nil
}

func initSalesforce() (sfpkg.Client, error) {
	if cfg.Salesforce.ClientID == "" {
		return nil, eris.New("salesforce client ID is required (LEADBOT_SALESFORCE_CLIENT_ID)")
	}

	pemData, err := os.ReadFile(cfg.Salesforce.KeyPath)
	if err != nil {
		return nil, eris.Wrap(err, "read salesforce JWT private key")
	}

	sf, err := sfpkg.Connect(sfpkg.Credentials{
		LoginURL: cfg.Salesforce.LoginURL,
		Username: cfg.Salesforce.Username,
		ClientID: cfg.Salesforce.ClientID,
		KeyPEM:   pemData,
	}, sfpkg.WithRateLimit(5))
	if err != nil {
		return nil, eris.Wrap(err, "init salesforce")
	}
	return sf, nil
}
