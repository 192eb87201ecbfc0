package delegauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/MrEthical07/delegauth/exchange"
	"github.com/MrEthical07/delegauth/store"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Builder assembles a [Facade]. A Builder is single-use.
type Builder struct {
	config Config

	backend    store.Backend
	redis      redis.UniversalClient
	exchanger  Exchanger
	httpClient exchange.HTTPDoer
	primary    PrimaryProvider
	eventSink  EventSink
	logger     logrus.FieldLogger

	built bool
}

// New returns a Builder over [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithBackend sets the durable store backend, overriding Config.Store.Backend.
func (b *Builder) WithBackend(backend store.Backend) *Builder {
	b.backend = backend
	return b
}

// WithRedis persists the store in Redis through client.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithExchanger replaces the HTTP exchange client built from Config.Endpoint.
func (b *Builder) WithExchanger(ex Exchanger) *Builder {
	b.exchanger = ex
	return b
}

// WithHTTPClient sets the HTTP client used for exchange calls and authenticated calls.
func (b *Builder) WithHTTPClient(c exchange.HTTPDoer) *Builder {
	b.httpClient = c
	return b
}

// WithPrimary sets the primary session provider. It is required.
func (b *Builder) WithPrimary(p PrimaryProvider) *Builder {
	b.primary = p
	return b
}

// WithEventSink sets the auth event consumer.
func (b *Builder) WithEventSink(sink EventSink) *Builder {
	b.eventSink = sink
	return b
}

// WithLogger sets the structured logger. The default discards output.
func (b *Builder) WithLogger(log logrus.FieldLogger) *Builder {
	b.logger = log
	return b
}

// WithMetricsEnabled toggles counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the call latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration, opens the credential store and wires the managers.
// A credential already present in the store restores the session as authenticated.
func (b *Builder) Build(ctx context.Context) (*Facade, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.primary == nil {
		return nil, errors.New("primary provider required")
	}

	log := b.logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		l.SetLevel(logrus.WarnLevel)
		log = l
	}
	log = log.WithField("lib", "delegauth")

	httpClient := b.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Endpoint.RequestTimeout}
	}

	exchanger := b.exchanger
	if exchanger == nil {
		if cfg.Endpoint.BaseURL == "" {
			return nil, errors.New("Endpoint BaseURL is required without a custom exchanger")
		}
		client, err := exchange.NewClient(exchange.Config{
			BaseURL:           cfg.Endpoint.BaseURL,
			ExchangePath:      cfg.Endpoint.ExchangePath,
			RefreshPath:       cfg.Endpoint.RefreshPath,
			OrganizationsPath: cfg.Endpoint.OrganizationsPath,
			RequestTimeout:    cfg.Endpoint.RequestTimeout,
			UserAgent:         cfg.Endpoint.UserAgent,
			HTTPClient:        httpClient,
			Logger:            log,
		})
		if err != nil {
			return nil, err
		}
		exchanger = client
	}

	backend, err := b.resolveBackend(cfg)
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics(cfg.Metrics)
	events := newEventDispatcher(cfg.Events, b.eventSink)

	st, err := store.Open(ctx, backend,
		store.WithPrefix(cfg.Store.Prefix),
		store.WithLogger(log),
		store.WithHealHook(func(keys []string) {
			metrics.Inc(MetricStoreCorruptionHealed)
			ev := newEvent(EventStoreHealed, true, nil)
			ev.Metadata = map[string]string{"keys": strings.Join(keys, ",")}
			events.Emit(context.Background(), ev)
		}),
	)
	if err != nil {
		events.Close()
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	deps := sessionDeps{
		store:     st,
		exchanger: exchanger,
		metrics:   metrics,
		events:    events,
		log:       log,
		timeout:   cfg.Endpoint.RequestTimeout,
		refresh:   cfg.Refresh,
	}
	session := newSessionManager(deps)
	orgs := newOrganizationResolver(deps, session)
	session.onClear(orgs.reset)

	b.built = true
	return &Facade{
		config:  cfg,
		primary: b.primary,
		session: session,
		orgs:    orgs,
		http:    httpClient,
		metrics: metrics,
		events:  events,
		log:     log.WithField("component", "facade"),
	}, nil
}

func (b *Builder) resolveBackend(cfg Config) (store.Backend, error) {
	switch {
	case b.backend != nil:
		return b.backend, nil
	case b.redis != nil:
		return store.NewRedisBackend(b.redis), nil
	}
	switch cfg.Store.Backend {
	case "file":
		return store.NewFileBackend(cfg.Store.FilePath), nil
	case "redis":
		if cfg.Store.RedisAddr == "" {
			return nil, errors.New("Store RedisAddr is required for the redis backend without WithRedis")
		}
		return store.NewRedisBackend(redis.NewClient(&redis.Options{
			Addr: cfg.Store.RedisAddr,
			DB:   cfg.Store.RedisDB,
		})), nil
	default:
		return store.NewMemoryBackend(), nil
	}
}
