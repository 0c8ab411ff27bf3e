package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/portfolio-authz/pkg/api"
	"github.com/platinummonkey/portfolio-authz/pkg/audit"
	"github.com/platinummonkey/portfolio-authz/pkg/cache"
	"github.com/platinummonkey/portfolio-authz/pkg/config"
	"github.com/platinummonkey/portfolio-authz/pkg/middleware"
	"github.com/platinummonkey/portfolio-authz/pkg/observability"
	"github.com/platinummonkey/portfolio-authz/pkg/rbac"
	"github.com/platinummonkey/portfolio-authz/pkg/storage/memory"
	"github.com/platinummonkey/portfolio-authz/pkg/storage/postgres"
)

// store is what the services need from either backend
type store interface {
	rbac.Store
	Ping(ctx context.Context) error
}

// app holds the wired components and everything that must be closed
type app struct {
	cfg         *config.Config
	logger      *observability.Logger
	metrics     *observability.Metrics
	health      *observability.HealthChecker
	store       store
	redis       *redis.Client
	memberships *rbac.MembershipService
	archiver    *audit.Archiver
	server      *api.Server
	closers     []io.Closer
}

// newApp opens storage and builds every service from cfg
func newApp(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, health: observability.NewHealthChecker(cfg.Observability.OTelServiceVersion)}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if cfg.Observability.MetricsEnabled {
		a.metrics = observability.NewMetrics(registry)
	}

	readQueries, err := a.openStore(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	if err := a.openRedis(ctx); err != nil {
		a.close()
		return nil, err
	}

	var locator *cache.PropertyLocator
	if cfg.Cache.Enabled {
		locator = a.buildLocator()
	}

	auditSink, mirror, err := a.buildAuditSinks()
	if err != nil {
		a.close()
		return nil, err
	}
	if cfg.Audit.S3Bucket != "" {
		if err := a.buildArchiver(ctx); err != nil {
			a.close()
			return nil, err
		}
	}

	opts := []rbac.Option{
		rbac.WithLogger(logger),
		rbac.WithMetrics(a.metrics),
		rbac.WithInvitationTTL(cfg.Invitations.TTL),
	}
	if locator != nil {
		opts = append(opts, rbac.WithPropertyLocator(locator))
	}
	if mirror != nil {
		opts = append(opts, rbac.WithAuditMirror(mirror))
	}

	authz := rbac.NewAuthorizer(a.store, opts...)
	a.memberships = rbac.NewMembershipService(a.store, authz, auditSink, opts...)

	var invalidator rbac.PropertyInvalidator
	if locator != nil {
		invalidator = locator
	}
	a.server = api.NewServer(api.Dependencies{
		Authorizer:  authz,
		Memberships: a.memberships,
		Properties:  rbac.NewPropertyService(a.store, authz, invalidator, opts...),
		AuditReader: audit.NewReader(readQueries, authz),
		Queries:     a.store,
		RateLimiter: a.buildLimiter(ctx),
		Logger:      logger,
		Metrics:     a.metrics,
	})
	return a, nil
}

// openStore sets a.store and returns the queries audit reads go through,
// a replica when one is configured
func (a *app) openStore(ctx context.Context) (rbac.Queries, error) {
	if a.cfg.Storage.Type == config.StorageMemory {
		s := memory.NewStore()
		a.store = s
		a.health.AddCheck("storage", true, s.Ping)
		a.logger.Warn("using in-memory storage; state is lost on restart")
		return s, nil
	}

	st := a.cfg.Storage
	cm, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
		PrimaryURL:  st.PostgresURL,
		ReplicaURLs: postgres.ParseReplicaURLs(st.PostgresReplicaURLs),
		MaxConns:    st.PostgresMaxConns,
		MinConns:    st.PostgresMinConns,
		Timeout:     st.PostgresTimeout,
		MaxLifetime: st.PostgresMaxLifetime,
		MaxIdleTime: st.PostgresMaxIdleTime,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, cm)

	if st.RunMigrations {
		if err := postgres.RunMigrations(ctx, cm.Primary(), a.logger); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	a.store = postgres.NewStore(cm.Primary())
	a.health.AddCheck("postgres", true, cm.HealthCheck)
	if len(cm.Stats().Replicas) > 0 {
		a.health.AddCheck("postgres_replicas", false, cm.ReplicaHealthCheck)
	}
	return postgres.NewStore(cm.Replica()), nil
}

func (a *app) cacheConfig() *cache.Config {
	cc := a.cfg.Cache
	return &cache.Config{
		Size:          cc.Size,
		TTL:           cc.TTL,
		RedisURL:      cc.RedisURL,
		RedisPassword: cc.RedisPassword,
		RedisDB:       cc.RedisDB,
		RedisPoolSize: cc.RedisPoolSize,
		RedisTTL:      cc.RedisTTL,
	}
}

// openRedis connects the shared Redis client used by the property cache and
// the rate limiter; it is a no-op without a Redis URL
func (a *app) openRedis(ctx context.Context) error {
	if a.cfg.Cache.RedisURL == "" {
		return nil
	}
	client, err := cache.NewRedisClient(ctx, a.cacheConfig())
	if err != nil {
		return err
	}
	a.redis = client
	a.closers = append(a.closers, client)
	a.health.AddCheck("redis", false, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	return nil
}

func (a *app) buildLocator() *cache.PropertyLocator {
	return cache.NewPropertyLocator(a.store, a.cacheConfig(), a.redis, a.metrics, a.logger)
}

// buildLimiter returns nil when rate limiting is off. The limiter shares
// counters through Redis when a client is available.
func (a *app) buildLimiter(ctx context.Context) middleware.Limiter {
	rl := a.cfg.RateLimit
	if !rl.Enabled {
		return nil
	}
	limitConfig := &middleware.RateLimitConfig{
		RequestsPerWindow: rl.Requests,
		WindowDuration:    rl.Window,
		BurstSize:         rl.Burst,
	}
	if a.redis != nil {
		return middleware.NewRedisLimiter(a.redis, limitConfig, "ratelimit:user")
	}
	local := middleware.NewLocalLimiter(limitConfig)
	local.StartCleanup(ctx)
	return local
}

// buildAuditSinks returns the sink for entries written after commit and the
// mirror that receives copies of entries written inside a transaction
func (a *app) buildAuditSinks() (rbac.AuditLogger, rbac.AuditLogger, error) {
	db := audit.NewDBLogger(a.store)
	if a.cfg.Audit.FilePath == "" {
		return db, nil, nil
	}

	file, err := audit.NewFileLogger(audit.FileLoggerConfig{
		BasePath: a.cfg.Audit.FilePath,
		Rotate:   a.cfg.Audit.Rotate,
		MaxSize:  a.cfg.Audit.MaxSize,
		MaxFiles: a.cfg.Audit.MaxFiles,
	})
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, file)
	return audit.NewMultiLogger(db, file), file, nil
}

func (a *app) buildArchiver(ctx context.Context) error {
	ac := a.cfg.Audit
	archiveConfig := audit.ArchiveConfig{
		Bucket:       ac.S3Bucket,
		Prefix:       ac.S3Prefix,
		Region:       ac.S3Region,
		Endpoint:     ac.S3Endpoint,
		AccessKey:    ac.S3AccessKey,
		SecretKey:    ac.S3SecretKey,
		UsePathStyle: ac.S3UsePathStyle,
	}
	client, err := audit.NewS3Client(ctx, archiveConfig)
	if err != nil {
		return err
	}
	a.archiver = audit.NewArchiver(client, archiveConfig, ac.FilePath, a.logger)
	return nil
}

// scheduler registers the invitation sweep and, when configured, the audit
// archive job
func (a *app) scheduler(ctx context.Context) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger{a.logger}),
		cron.SkipIfStillRunning(cronLogger{a.logger}),
	))

	if _, err := c.AddFunc(a.cfg.Invitations.SweepSchedule, func() {
		if _, err := a.memberships.SweepExpiredInvitations(ctx); err != nil {
			a.logger.WithError(err).Error("invitation sweep failed")
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid invitation sweep schedule: %w", err)
	}

	if a.archiver != nil {
		if _, err := c.AddFunc(a.cfg.Audit.ArchiveSchedule, func() {
			n, err := a.archiver.Ship(ctx)
			if err != nil {
				a.logger.WithError(err).WithField("shipped", n).Error("audit archive failed")
			}
		}); err != nil {
			return nil, fmt.Errorf("invalid audit archive schedule: %w", err)
		}
	}
	return c, nil
}

// cronLogger adapts the service logger to cron.Logger
type cronLogger struct {
	logger *observability.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(kvFields(keysAndValues)).Error(msg)
}

func kvFields(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}

// serve runs srv until ctx is done, then shuts it down gracefully
func (a *app) serve(ctx context.Context, srv *http.Server, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down %s: %w", srv.Addr, err)
	}
	return nil
}

func (a *app) apiServer() *http.Server {
	s := a.cfg.Server
	return &http.Server{
		Addr:         net.JoinHostPort(s.Host, s.Port),
		Handler:      a.server.Handler(),
		ReadTimeout:  s.ReadTimeout,
		WriteTimeout: s.WriteTimeout,
		IdleTimeout:  s.IdleTimeout,
	}
}

func (a *app) opsServer() *http.Server {
	s := a.cfg.Server
	return &http.Server{
		Addr:         net.JoinHostPort(s.Host, s.HealthPort),
		Handler:      api.NewOpsRouter(a.health, a.metrics),
		ReadTimeout:  s.ReadTimeout,
		WriteTimeout: s.WriteTimeout,
	}
}

// close releases resources in reverse order of acquisition
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
