package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/go-co-op/gocron/v2"
	"github.com/haatos/simple-cd/internal"
	"github.com/haatos/simple-cd/internal/audit"
	"github.com/haatos/simple-cd/internal/broker"
	"github.com/haatos/simple-cd/internal/cache"
	"github.com/haatos/simple-cd/internal/executor"
	"github.com/haatos/simple-cd/internal/fleet"
	"github.com/haatos/simple-cd/internal/handler"
	"github.com/haatos/simple-cd/internal/metrics"
	"github.com/haatos/simple-cd/internal/notify"
	"github.com/haatos/simple-cd/internal/policy"
	"github.com/haatos/simple-cd/internal/pool"
	"github.com/haatos/simple-cd/internal/security"
	"github.com/haatos/simple-cd/internal/service"
	"github.com/haatos/simple-cd/internal/settings"
	"github.com/haatos/simple-cd/internal/store"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the engine and its HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context(), settings.Settings)
	},
}

func serve(ctx context.Context, s *settings.AppSettings) error {
	config, err := internal.InitializeConfiguration(s.ConfigPath)
	if err != nil {
		return err
	}
	pol, err := policy.Load(s.PolicyPath)
	if err != nil {
		return err
	}
	hashKey, _, err := security.NewKeys(dotenvPath)
	if err != nil {
		return err
	}

	rdb, err := store.InitDatabase(s, true)
	if err != nil {
		return err
	}
	rwdb, err := store.InitDatabase(s, false)
	if err != nil {
		rdb.Close()
		return err
	}
	if err := store.RunMigrations(rwdb, s.GooseDialect()); err != nil {
		closeDatabases(rdb, rwdb)
		return err
	}

	clock := clockwork.NewRealClock()
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	sinks := []audit.Sink{notify.NewLogSink()}
	var nc *nats.Conn
	if s.NATSURL != "" {
		nc, err = notify.NATSConfig{URL: s.NATSURL, Subject: s.NATSSubject}.Connect()
		if err != nil {
			closeDatabases(rdb, rwdb)
			return err
		}
		sinks = append(sinks, notify.NewNATSSink(nc, s.NATSSubject))
	}
	auditLog := audit.NewLog(
		store.NewAuditSQLiteStore(rdb, rwdb),
		audit.WithClock(clock),
		audit.WithSinks(sinks...),
	)

	aesEncrypter := security.NewAESEncrypter(hashKey)
	agentStore := store.NewAgentSQLiteStore(rdb, rwdb)
	router := &executor.Router{Static: executor.NewSSHExecutor(agentStore, aesEncrypter)}

	var provisioner pool.Provisioner
	if s.DockerEnabled {
		dc, err := fleet.NewDockerClient()
		if err != nil {
			closeDatabases(rdb, rwdb)
			return err
		}
		dockerProvisioner := fleet.NewDockerProvisioner(dc, s.DockerAgentImage)
		if n, err := dockerProvisioner.Reap(ctx); err != nil {
			log.Warn().Err(err).Msg("unable to reap leftover agent containers")
		} else if n > 0 {
			log.Info().Int("count", n).Msg("reaped leftover agent containers")
		}
		provisioner = dockerProvisioner
		router.Ephemeral = executor.NewDockerExecutor(dc)
	}

	var groups []pool.GroupConfig
	for _, g := range pol.AgentGroups {
		if !g.Ephemeral {
			continue
		}
		groups = append(groups, pool.GroupConfig{
			Name:        g.Name,
			Labels:      g.Labels,
			MinReplicas: g.MinReplicas,
			MaxReplicas: g.MaxReplicas,
			Image:       g.Image,
			Monitored:   g.Heartbeat,
		})
	}
	agentPool := pool.New(
		provisioner,
		auditLog,
		config.PoolConfig(),
		pool.WithClock(clock),
		pool.WithObserver(collector),
		pool.WithGroups(groups...),
	)

	credentialBroker := broker.New(
		pol,
		auditLog,
		broker.WithClock(clock),
		broker.WithObserver(collector),
		broker.WithTTL(config.CredentialTTL.Std(), config.CredentialMaxTTL.Std()),
	)

	blobs, err := cache.NewFileBlobStore(s.BlobDir)
	if err != nil {
		closeDatabases(rdb, rwdb)
		return err
	}
	if n, err := blobs.Purge(); err != nil {
		log.Warn().Err(err).Msg("unable to purge leftover cache blobs")
	} else if n > 0 {
		log.Info().Int("count", n).Msg("purged leftover cache blobs")
	}
	cacheOpts := []cache.Option{
		cache.WithClock(clock),
		cache.WithObserver(collector),
		cache.WithDefaultBudget(config.CacheBudgetBytes),
	}
	for namespace, budget := range config.CacheBudgets {
		cacheOpts = append(cacheOpts, cache.WithBudget(namespace, budget))
	}
	cacheStore := cache.NewStore(blobs, cacheOpts...)

	deployer := executor.NewCommandDeployer(pol)
	deploymentSvc := service.NewDeploymentService(
		store.NewDeploymentSQLiteStore(rdb, rwdb),
		pol,
		deployer,
		deployer,
		auditLog,
		service.WithDeploymentClock(clock),
		service.WithDeploymentObserver(collector),
	)
	runSvc := service.NewRunService(
		store.NewRunSQLiteStore(rdb, rwdb),
		agentPool,
		router,
		auditLog,
		service.RunConfig{
			AgentWaitTimeout:   config.AgentWaitTimeout.Std(),
			MaxRunningJobs:     config.MaxRunningJobs,
			DefaultMaxParallel: config.DefaultMaxParallel,
			InfraRetries:       config.InfraRetries,
			InfraRetryBackoff:  config.InfraRetryBackoff.Std(),
			CredentialTTL:      config.CredentialTTL.Std(),
			LogDir:             internal.JobLogDir,
		},
		service.WithRunClock(clock),
		service.WithRunObserver(collector),
		service.WithCredentials(credentialBroker),
		service.WithCache(cacheStore),
		service.WithDeployments(deploymentSvc),
	)

	scheduler, err := service.NewScheduler(clock)
	if err != nil {
		closeDatabases(rdb, rwdb)
		return err
	}
	pipelineSvc := service.NewPipelineService(store.NewPipelineSQLiteStore(rdb, rwdb), runSvc, scheduler)
	agentSvc := service.NewAgentService(agentStore, aesEncrypter, agentPool)
	apiKeySvc := service.NewAPIKeyService(store.NewAPIKeySQLiteStore(rdb, rwdb), service.NewUUIDGen())

	if n, err := agentSvc.LoadAgents(ctx); err != nil {
		log.Error().Err(err).Msg("unable to load static agents")
	} else {
		log.Info().Int("count", n).Msg("static agents registered")
	}
	if n, err := runSvc.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("unable to recover interrupted runs")
	} else if n > 0 {
		log.Warn().Int("count", n).Msg("interrupted runs marked failed")
	}
	if n, err := deploymentSvc.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("unable to recover deployments")
	} else if n > 0 {
		log.Info().Int("count", n).Msg("deployments recovered")
	}

	if err := schedulePeriodic(scheduler, config, agentPool, credentialBroker, deploymentSvc); err != nil {
		closeDatabases(rdb, rwdb)
		return err
	}
	if err := pipelineSvc.ScheduleAll(ctx); err != nil {
		log.Error().Err(err).Msg("unable to schedule pipelines")
	}
	scheduler.Start()

	e := setupEcho(s)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))
	e.GET("/healthz", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	api := e.Group("/api", handler.APIKeyMiddleware(apiKeySvc))
	handler.SetupRunRoutes(api, runSvc)
	handler.SetupPipelineRoutes(api, pipelineSvc)
	handler.SetupDeploymentRoutes(api, deploymentSvc)
	handler.SetupAgentRoutes(api, agentSvc, agentPool)
	handler.SetupCredentialRoutes(api, credentialBroker)
	handler.SetupAuditRoutes(api, auditLog)
	handler.SetupAPIKeyRoutes(api, apiKeySvc)

	return internal.GracefulShutdown(e, s.Port,
		runSvc.Shutdown,
		deploymentSvc.Close,
		func(ctx context.Context) error {
			return scheduler.Shutdown()
		},
		func(ctx context.Context) error {
			agentPool.Close(ctx)
			auditLog.Close()
			return nil
		},
		func(ctx context.Context) error {
			if nc == nil {
				return nil
			}
			return nc.Drain()
		},
		func(ctx context.Context) error {
			return closeDatabases(rdb, rwdb)
		},
	)
}

func schedulePeriodic(
	scheduler gocron.Scheduler,
	config *internal.Configuration,
	agentPool *pool.Pool,
	credentialBroker *broker.Broker,
	deploymentSvc *service.DeploymentService,
) error {
	if err := service.SchedulePeriodic(
		scheduler, "pool-reconcile", config.ReconcileInterval.Std(), agentPool.Reconcile,
	); err != nil {
		return err
	}
	if err := service.SchedulePeriodic(
		scheduler, "credential-sweep", config.SweepInterval.Std(),
		func(context.Context) error {
			if n := credentialBroker.Sweep(); n > 0 {
				log.Debug().Int("count", n).Msg("expired revocations swept")
			}
			return nil
		},
	); err != nil {
		return err
	}
	return service.SchedulePeriodic(
		scheduler, "approval-expiry", config.SweepInterval.Std(),
		func(ctx context.Context) error {
			n, err := deploymentSvc.ExpireApprovals(ctx)
			if n > 0 {
				log.Info().Int("count", n).Msg("pending approvals expired")
			}
			return err
		},
	)
}

func setupEcho(s *settings.AppSettings) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = handler.ErrorHandler
	e.Use(
		middleware.Recover(),
		middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			LogMethod:  true,
			LogURI:     true,
			LogStatus:  true,
			LogLatency: true,
			LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
				log.Debug().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Msg("request")
				return nil
			},
		}),
		middleware.CORSWithConfig(internal.GetCORSConfig(s.BaseURL())),
		middleware.RateLimiterWithConfig(internal.GetRateLimiterConfig()),
	)
	return e
}

func closeDatabases(dbs ...*sql.DB) error {
	var errs []error
	for _, db := range dbs {
		errs = append(errs, db.Close())
	}
	return errors.Join(errs...)
}
