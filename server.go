package vitalsguard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ServerOptions injects collaborators that are otherwise built from the
// configuration.
type ServerOptions struct {
	Logger  *zap.Logger
	Keys    *KeyRegistry
	Redis   redis.UniversalClient
	MQTT    MQTTPublisher
	Metrics *PrometheusCollector
	Now     func() time.Time
}

// Server owns the HTTP app and every component behind it.
type Server struct {
	cfg      *Config
	app      *fiber.App
	gateway  *Gateway
	keys     *KeyRegistry
	sweeper  *BackgroundSweeper
	store    *SQLStore
	metrics  *PrometheusCollector
	logger   *zap.Logger
	closers  []func() error
	watchKey bool
}

// NewServer wires the gateway from cfg.
func NewServer(ctx context.Context, cfg *Config, opts ServerOptions) (*Server, error) {
	logger := orNop(opts.Logger)
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewPrometheusCollector()
	}
	s := &Server{cfg: cfg, logger: logger, metrics: metrics}

	keys := opts.Keys
	if keys == nil {
		var err error
		if keys, err = LoadKeyRegistry(cfg.Keys.File, logger, metrics); err != nil {
			return nil, err
		}
		s.watchKey = cfg.Keys.Watch
	}
	s.keys = keys

	rdb := opts.Redis
	if rdb == nil && (cfg.Freshness.Backend == BackendRedis || cfg.RateLimit.Backend == BackendRedis) {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.closers = append(s.closers, client.Close)
		rdb = client
	}

	var replay ReplayStore
	var replaySweeper Sweeper
	switch cfg.Freshness.Backend {
	case BackendRedis:
		rs := NewRedisReplayStore(rdb, cfg.Redis.Prefix+":replay", 0, now, logger)
		replay, replaySweeper = rs, rs
	default:
		ms := NewMemoryReplayStore(cfg.Freshness.Shards, now)
		replay, replaySweeper = ms, ms
	}

	var limiter RateLimiter
	switch cfg.RateLimit.Backend {
	case BackendRedis:
		rl, err := NewRedisRateLimiter(rdb, cfg.Redis.Prefix+":rl", cfg.RateLimit.Limit, cfg.RateLimit.Window, now, logger)
		if err != nil {
			return nil, err
		}
		limiter = rl
	default:
		rl, err := NewMemoryRateLimiter(cfg.RateLimit.Algorithm, cfg.RateLimit.Limit, cfg.RateLimit.Window, now)
		if err != nil {
			return nil, err
		}
		limiter = rl
	}

	var auth Authenticator
	switch cfg.Transport.Mode {
	case ModeAEAD:
		auth = NewAeadAuthenticator(cfg.Transport.RequireIntegrityHash)
	default:
		auth = NewHmacAuthenticator()
	}

	var (
		anomalySinks []AnomalySink
		vitalsSinks  []VitalsSink
	)
	if cfg.Storage.Driver != "" {
		store, err := OpenSQLStore(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		s.store = store
		s.closers = append(s.closers, store.Close)
		anomalySinks = append(anomalySinks, store)
		if cfg.Storage.StoreVitals {
			vitalsSinks = append(vitalsSinks, store)
		}
	}
	for _, wh := range cfg.Webhooks {
		anomalySinks = append(anomalySinks, NewWebhookNotifier(wh, nil))
	}
	publisher := opts.MQTT
	if publisher == nil && cfg.MQTT.Broker != "" {
		client, err := DialMQTT(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.Username, cfg.MQTT.Password)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() error { client.Disconnect(250); return nil })
		publisher = client
	}
	if publisher != nil {
		vitalsSinks = append(vitalsSinks, NewMQTTSink(publisher, cfg.MQTT.Topic, cfg.MQTT.QoS, 0))
	}

	ledger := NewAnomalyLedger(cfg.Anomalies.LedgerSize, cfg.Anomalies.LedgerTTL, now)
	anomalies := NewAnomalyLogger(AnomalyLoggerOptions{
		Sinks:      anomalySinks,
		Ledger:     ledger,
		QueueSize:  cfg.Anomalies.QueueSize,
		Workers:    cfg.Anomalies.Workers,
		MaxPayload: cfg.Anomalies.MaxPayload,
		Logger:     logger,
		Metrics:    metrics,
		Now:        now,
	})
	forwarder := NewForwarder(ForwarderOptions{
		Sinks:     vitalsSinks,
		QueueSize: cfg.Forward.QueueSize,
		Workers:   cfg.Forward.Workers,
		Logger:    logger,
		Metrics:   metrics,
	})

	gw, err := NewGateway(GatewayOptions{
		Authenticator: auth,
		Keys:          keys,
		Limiter:       limiter,
		Freshness:     NewFreshnessValidator(replay, cfg.Freshness.MaxSkew, now),
		Devices:       NewDeviceValidator(keys, cfg.Device.SkewMinutes, cfg.Device.AllowDeviceless, now),
		Anomalies:     anomalies,
		Forwarder:     forwarder,
		KeyBy:         cfg.RateLimit.KeyBy,
		Logger:        logger,
		Metrics:       metrics,
		Now:           now,
	})
	if err != nil {
		return nil, err
	}
	s.gateway = gw

	targets := []SweepTarget{
		{Name: "replay", Gauge: MetricReplayEntries, Sweeper: replaySweeper},
		{Name: "ledger", Sweeper: ledger},
	}
	if sw, ok := limiter.(Sweeper); ok {
		targets = append(targets, SweepTarget{Name: "ratelimit", Gauge: MetricRateBuckets, Sweeper: sw})
	}
	s.sweeper = NewBackgroundSweeper(cfg.Sweeper.Interval, now, logger, metrics, targets...)

	checks := []HealthChecker{
		{Name: "replay", Check: replay.HealthCheck},
		{Name: "ratelimit", Check: limiter.HealthCheck},
		{Name: "metrics", Check: func(context.Context) error { return metrics.HealthCheck() }},
	}
	var querier AnomalyQuerier
	if s.store != nil {
		checks = append(checks, HealthChecker{Name: "storage", Check: s.store.HealthCheck})
		querier = s.store
	}

	handler := NewHandler(HandlerOptions{
		Gateway:       gw,
		ClientIPs:     NewClientIPResolver(cfg.Server.TrustedProxies),
		ExposeReasons: cfg.Responses.ExposeReasons,
		AdminToken:    cfg.Server.AdminToken,
		Ledger:        ledger,
		Store:         querier,
		Checks:        checks,
		Now:           now,
	})
	s.app = newApp(cfg.Server, handler, metrics)
	return s, nil
}

func newApp(cfg ServerConfig, h *Handler, metrics *PrometheusCollector) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "vitalsguard",
		BodyLimit:    cfg.BodyLimit,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		ErrorHandler: errorHandler,
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{fiber.MethodPost, fiber.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Authorization", HeaderAPIKey, HeaderSignature, "X-Client-Info"},
	}))

	app.Post(cfg.Path, h.Ingest)
	app.Get("/healthz", h.Health)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	app.Get("/api/v1/anomalies", h.Anomalies)
	return app
}

func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Gateway() *Gateway { return s.gateway }

func (s *Server) Store() *SQLStore { return s.store }

// Start launches the background workers without binding a listener.
func (s *Server) Start(ctx context.Context) error {
	s.gateway.Start(ctx)
	go s.sweeper.Run(ctx)
	if s.watchKey {
		if err := s.keys.Watch(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Run serves on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("vitalsguard listening",
			zap.String("addr", s.cfg.Server.Addr),
			zap.String("path", s.cfg.Server.Path),
			zap.String("mode", string(s.gateway.Mode())))
		errCh <- s.app.Listen(s.cfg.Server.Addr, fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		cancel()
		return errors.Join(err, s.Close())
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), timeout)
	defer stop()
	var errs []error
	if err := s.app.ShutdownWithContext(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http: %w", err))
	}
	errs = append(errs, s.Close())
	return errors.Join(errs...)
}

// Close flushes the queues and releases external connections.
func (s *Server) Close() error {
	errs := []error{s.keys.StopWatcher(), s.gateway.Close()}
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}
