// RouteFlow Message Router
//
// Standalone message router binary. Consumes messages from the configured
// broker backend (embedded JetStream, external NATS, AWS SQS or ActiveMQ)
// and delivers them to their callback URLs via HTTP mediation.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.routeflow.tech/internal/common/health"
	"go.routeflow.tech/internal/common/lifecycle"
	"go.routeflow.tech/internal/config"
	"go.routeflow.tech/internal/queue"
	"go.routeflow.tech/internal/queue/broker"
	"go.routeflow.tech/internal/router/api"
	"go.routeflow.tech/internal/router/breaker"
	"go.routeflow.tech/internal/router/configsource"
	routerhealth "go.routeflow.tech/internal/router/health"
	"go.routeflow.tech/internal/router/manager"
	"go.routeflow.tech/internal/router/mediator"
	routermetrics "go.routeflow.tech/internal/router/metrics"
	"go.routeflow.tech/internal/router/standby"
	"go.routeflow.tech/internal/router/traffic"
	"go.routeflow.tech/internal/router/warning"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	setupLogging()

	slog.Info("Starting RouteFlow Message Router",
		"version", version,
		"build_time", buildTime,
		"component", "router")

	ctx := context.Background()

	// ========================================
	// 1. INFRASTRUCTURE INITIALIZATION
	// ========================================
	app, cleanup, err := lifecycle.Initialize(ctx)
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	cfg := app.Config

	// ========================================
	// 2. BROKER CONNECTION
	// ========================================
	br, err := broker.Connect(ctx, brokerConfig(cfg))
	if err != nil {
		slog.Error("Failed to connect queue broker", "error", err)
		os.Exit(1)
	}
	app.AddCleanup(func() error {
		slog.Info("Closing queue broker")
		return br.Close()
	})

	// ========================================
	// 3. COMPONENT WIRING
	// ========================================
	warningService := warning.NewInMemoryService()
	poolStats := routermetrics.NewInMemoryPoolMetricsService()
	queueStats := routermetrics.NewInMemoryQueueMetricsService()

	med := mediator.NewHTTPMediator(&mediator.Config{
		Timeout:        cfg.Mediation.Timeout,
		ConnectTimeout: cfg.Mediation.ConnectTimeout,
		HTTPVersion:    mediator.HTTPVersion(cfg.Mediation.HTTPVersion),
		MaxRetries:     cfg.Mediation.MaxRetries,
		RetryDelay:     cfg.Mediation.RetryDelay,
		Breaker: &breaker.Config{
			OnStateChange: func(target, from, to string) {
				if to == breaker.StateOpen {
					warningService.AddWarning(warning.CategoryCircuitBreaker, warning.SeverityError,
						fmt.Sprintf("Circuit breaker opened for %s", target), "mediator")
				}
			},
		},
	})

	queueManager := manager.NewQueueManager(med, poolStats, queueStats).
		WithWarningService(warningService).
		WithMaxPools(cfg.Router.MaxPools)

	trafficService := traffic.NewService(nil)

	source, syncCfg := setupConfigSource(cfg, br.Type())
	messageRouter := manager.NewRouter(queueManager).
		WithConfigSource(source, syncCfg).
		WithConsumerFactory(func(entry configsource.QueueEntry) (queue.Consumer, error) {
			return br.Consumer(ctx, entry)
		}).
		WithTrafficManager(trafficService).
		WithWarningService(warningService).
		WithEmbeddedBroker(br.IsEmbedded())

	routerService := manager.NewRouterService(messageRouter)

	// Standby service for primary/standby failover
	standbyService, err := setupStandbyService(cfg, routerService, trafficService, warningService)
	if err != nil {
		slog.Error("Failed to setup standby service", "error", err)
		os.Exit(1)
	}
	messageRouter.WithStandbyChecker(standbyService)

	// Health and monitoring
	infraHealth := routerhealth.NewInfrastructureHealthService(true, poolStats)
	brokerHealth := routerhealth.NewBrokerHealthService(true, br.Type(), br)
	healthStatus := routerhealth.NewHealthStatusService(infraHealth, brokerHealth, poolStats)
	healthStatus.SetCircuitBreakerGetter(med.Breakers())
	healthStatus.SetWarningGetter(warningService)
	healthStatus.SetQueueStatsGetter(queueStats)

	monitoring := api.NewMonitoringHandler(healthStatus, poolStats)
	monitoring.SetQueueMetrics(queueStats)
	monitoring.SetWarningService(warningService, warningService)
	monitoring.SetCircuitBreakerService(med.Breakers(), med.Breakers())
	monitoring.SetInFlightGetter(queueManager)
	monitoring.SetStandbyService(standbyService)
	monitoring.SetTrafficService(&trafficStatusAdapter{trafficService})

	k8sHealth := api.NewKubernetesHealthHandler(infraHealth, brokerHealth)
	infraHandler := api.NewHealthCheckHandler(infraHealth)

	healthChecker := health.NewChecker()
	healthChecker.AddReadinessCheck(brokerReadinessCheck(br))

	warningHandler := warning.NewHandler(warningService)

	// HTTP router and server
	httpRouter := setupHTTPRouter(cfg, httpHandlers{
		checker:   healthChecker,
		standby:   standbyService,
		warnings:  warningHandler,
		monitor:   monitoring,
		k8sHealth: k8sHealth,
		infra:     infraHandler,
	})
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      httpRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ========================================
	// 4. SERVICE STARTUP
	// ========================================
	// The standby service starts before the router so the role is known
	// when the router decides whether to consume; with standby disabled it
	// just marks this instance PRIMARY. The supervisor stops services in
	// reverse order, so the router drains before the lock is released.
	services := []lifecycle.Service{
		lifecycle.NewHTTPService("http-server", httpServer),
		newStandbyServiceWrapper(standbyService),
		routerService,
	}

	slog.Info("Router ready",
		"port", cfg.HTTP.Port,
		"queueType", br.Type(),
		"standby", cfg.Standby.Enabled,
		"configSource", cfg.ConfigSource.URL != "")

	// ========================================
	// 5. RUN UNTIL SHUTDOWN
	// ========================================
	if err := lifecycle.Run(ctx, services...); err != nil {
		slog.Error("Service error", "error", err)
		os.Exit(1)
	}

	slog.Info("RouteFlow Message Router stopped")
}

// setupLogging configures the slog default logger.
func setupLogging() {
	logLevel := slog.LevelInfo
	if os.Getenv("ROUTEFLOW_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

// brokerConfig maps the process configuration onto the queue backend
// configuration. Zero values keep the backend defaults.
func brokerConfig(cfg *config.Config) *queue.Config {
	qc := queue.DefaultConfig()
	qc.Type = cfg.Queue.Type

	if cfg.Queue.NATS.DataDir != "" {
		qc.DataDir = cfg.Queue.NATS.DataDir
	}
	qc.NATS.URL = cfg.Queue.NATS.URL
	if cfg.Queue.NATS.Stream != "" {
		qc.NATS.StreamName = cfg.Queue.NATS.Stream
	}
	if cfg.Queue.NATS.Consumer != "" {
		qc.NATS.ConsumerName = cfg.Queue.NATS.Consumer
	}

	qc.SQS.QueueURL = cfg.Queue.SQS.QueueURL
	qc.SQS.Region = cfg.Queue.SQS.Region
	qc.SQS.Endpoint = cfg.Queue.SQS.Endpoint
	if cfg.Queue.SQS.WaitTimeSeconds > 0 {
		qc.SQS.WaitTimeSeconds = int32(cfg.Queue.SQS.WaitTimeSeconds)
	}
	if cfg.Queue.SQS.VisibilityTimeout > 0 {
		qc.SQS.VisibilityTimeout = int32(cfg.Queue.SQS.VisibilityTimeout)
	}
	if cfg.Queue.SQS.MaxMessages > 0 {
		qc.SQS.MaxNumberOfMessages = int32(cfg.Queue.SQS.MaxMessages)
	}
	if cfg.Queue.SQS.Connections > 0 {
		qc.SQS.Pollers = cfg.Queue.SQS.Connections
	}

	qc.STOMP.BrokerAddr = cfg.Queue.ActiveMQ.BrokerAddr
	qc.STOMP.Username = cfg.Queue.ActiveMQ.Username
	qc.STOMP.Password = cfg.Queue.ActiveMQ.Password
	if cfg.Queue.ActiveMQ.Connections > 0 {
		qc.STOMP.Pollers = cfg.Queue.ActiveMQ.Connections
	}
	qc.STOMP.HeartbeatSend = cfg.Queue.ActiveMQ.HeartbeatSend
	qc.STOMP.HeartbeatRecv = cfg.Queue.ActiveMQ.HeartbeatRecv

	return qc
}

// setupConfigSource picks the remote source when one is configured and
// falls back to a static configuration derived from the environment.
func setupConfigSource(cfg *config.Config, qt queue.QueueType) (configsource.Source, *manager.ConfigSyncConfig) {
	syncCfg := manager.DefaultConfigSyncConfig()
	if cfg.Router.SyncInterval > 0 {
		syncCfg.Interval = cfg.Router.SyncInterval
	}

	if cfg.ConfigSource.URL != "" {
		slog.Info("Using remote config source", "url", cfg.ConfigSource.URL)
		return configsource.NewHTTPSource(&configsource.HTTPSourceConfig{
			URL:       cfg.ConfigSource.URL,
			AuthToken: cfg.ConfigSource.AuthToken,
		}), syncCfg
	}

	static := configsource.DefaultRouterConfig()
	if entry, ok := defaultQueueEntry(cfg, qt); ok {
		static.Queues = []configsource.QueueEntry{entry}
	}
	slog.Info("No config source URL set, using static configuration",
		"queues", len(static.Queues))
	return configsource.NewStaticSource(static), syncCfg
}

// defaultQueueEntry derives the single queue consumed when no remote
// config source is configured. SQS and ActiveMQ need an explicit queue;
// the NATS backends consume the whole dispatch stream.
func defaultQueueEntry(cfg *config.Config, qt queue.QueueType) (configsource.QueueEntry, bool) {
	switch qt {
	case queue.TypeSQS:
		if cfg.Queue.SQS.QueueURL == "" {
			slog.Warn("No SQS_QUEUE_URL set, router starts without consumers")
			return configsource.QueueEntry{}, false
		}
		return configsource.QueueEntry{
			QueueURI:    cfg.Queue.SQS.QueueURL,
			Connections: cfg.Queue.SQS.Connections,
		}, true

	case queue.TypeActiveMQ:
		if cfg.Queue.ActiveMQ.Queue == "" {
			slog.Warn("No ACTIVEMQ_QUEUE set, router starts without consumers")
			return configsource.QueueEntry{}, false
		}
		return configsource.QueueEntry{
			QueueName:   cfg.Queue.ActiveMQ.Queue,
			Connections: cfg.Queue.ActiveMQ.Connections,
		}, true

	default:
		return configsource.QueueEntry{QueueName: "dispatch.>"}, true
	}
}

// setupStandbyService configures primary/standby failover. Role changes
// toggle load balancer registration and message consumption.
func setupStandbyService(
	cfg *config.Config,
	routerService *manager.RouterService,
	trafficService *traffic.Service,
	warningService *warning.InMemoryService,
) (*standby.Service, error) {
	standbyCfg := &standby.Config{
		Enabled:         cfg.Standby.Enabled,
		InstanceID:      cfg.Standby.InstanceID,
		LockTTL:         cfg.Standby.LockTTL,
		RefreshInterval: cfg.Standby.RefreshInterval,
		RedisURL:        cfg.Standby.RedisURL,
	}

	callbacks := &standby.Callbacks{
		OnBecomePrimary: func() {
			slog.Info("Became PRIMARY - starting message consumption")
			trafficService.RegisterAsActive()
			routerService.Resume()
		},
		OnBecomeStandby: func() {
			slog.Info("Became STANDBY - stopping message consumption")
			trafficService.DeregisterFromActive()
			routerService.Pause()
		},
	}

	svc := standby.NewService(standbyCfg, callbacks)
	svc.SetWarningService(warningService)

	if cfg.Standby.Enabled {
		provider, err := standby.NewRedisLockProvider(cfg.Standby.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis lock provider: %w", err)
		}
		svc.SetLockProvider(provider)
	}

	return svc, nil
}

// brokerReadinessCheck adapts broker connectivity to the readiness check
// helper matching the backend type.
func brokerReadinessCheck(br *broker.Broker) health.CheckFunc {
	ping := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return br.CheckConnectivity(ctx)
	}

	switch br.Type() {
	case queue.TypeSQS:
		return health.SQSCheck(ping)
	case queue.TypeActiveMQ:
		return health.ActiveMQCheck(func() bool { return ping() == nil })
	default:
		return health.NATSCheck(func() bool { return ping() == nil })
	}
}

// httpHandlers bundles everything the HTTP router serves.
type httpHandlers struct {
	checker   *health.Checker
	standby   *standby.Service
	warnings  *warning.Handler
	monitor   *api.MonitoringHandler
	k8sHealth *api.KubernetesHealthHandler
	infra     *api.HealthCheckHandler
}

// setupHTTPRouter creates the HTTP router with health, metrics, warning
// and monitoring endpoints.
func setupHTTPRouter(cfg *config.Config, h httpHandlers) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.HTTP.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Liveness and readiness
	r.Get("/q/health", h.checker.HandleHealth)
	r.Get("/q/health/live", h.checker.HandleLive)
	r.Get("/q/health/ready", h.checker.HandleReady)

	// Kubernetes-style probes plus the flat infrastructure health view
	r.Handle("/health", h.infra)
	r.Get("/health/live", h.k8sHealth.Liveness)
	r.Get("/health/ready", h.k8sHealth.Readiness)
	r.Get("/health/startup", h.k8sHealth.Startup)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	// Standby status endpoint
	r.Get("/router/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(h.standby.GetStatus())
	})

	// Monitoring API. The handler registers absolute /monitoring/* paths,
	// so the mounted mux sees the original request path.
	monitoringMux := http.NewServeMux()
	h.monitor.RegisterRoutes(monitoringMux)
	r.Mount("/monitoring", monitoringMux)

	// Warning management
	h.warnings.RegisterRoutes(r)

	return r
}

// trafficStatusAdapter adapts the traffic service to the monitoring API
// status shape.
type trafficStatusAdapter struct {
	service *traffic.Service
}

func (a *trafficStatusAdapter) IsEnabled() bool {
	return a.service.IsEnabled()
}

func (a *trafficStatusAdapter) GetStatus() *routerhealth.TrafficStatus {
	st := a.service.GetStatus()
	return &routerhealth.TrafficStatus{
		Enabled:       a.service.IsEnabled(),
		StrategyType:  st.StrategyType,
		Registered:    st.Registered,
		TargetInfo:    st.TargetInfo,
		LastOperation: st.LastOperation,
		LastError:     st.LastError,
	}
}

// standbyServiceWrapper adapts standby.Service to lifecycle.Service.
type standbyServiceWrapper struct {
	service *standby.Service
}

func newStandbyServiceWrapper(svc *standby.Service) *standbyServiceWrapper {
	return &standbyServiceWrapper{service: svc}
}

func (s *standbyServiceWrapper) Name() string { return "standby-service" }

func (s *standbyServiceWrapper) Start(ctx context.Context) error {
	if err := s.service.Start(); err != nil {
		return err
	}
	// Block until shutdown; the election loop runs in the background
	<-ctx.Done()
	return nil
}

func (s *standbyServiceWrapper) Stop(ctx context.Context) error {
	s.service.Stop()
	return nil
}

func (s *standbyServiceWrapper) Health() error {
	return nil
}
