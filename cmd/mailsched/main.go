package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/carpentries/mailsched/internal/analytics"
	"github.com/carpentries/mailsched/internal/api"
	"github.com/carpentries/mailsched/internal/circuitbreaker"
	"github.com/carpentries/mailsched/internal/config"
	"github.com/carpentries/mailsched/internal/controller"
	"github.com/carpentries/mailsched/internal/cron"
	"github.com/carpentries/mailsched/internal/dispatch"
	"github.com/carpentries/mailsched/internal/flags"
	"github.com/carpentries/mailsched/internal/metrics"
	"github.com/carpentries/mailsched/internal/queue"
	"github.com/carpentries/mailsched/internal/receiver"
	"github.com/carpentries/mailsched/internal/reconciler"
	"github.com/carpentries/mailsched/internal/render"
	"github.com/carpentries/mailsched/internal/store/postgres"
	"github.com/carpentries/mailsched/internal/worker"

	_ "github.com/lib/pq"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`mailsched - deferred notification scheduler

Usage:
  mailsched <command>

Commands:
  serve      Start the scheduler, worker pool and admin API
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  DATABASE_URL              PostgreSQL connection string (required)
  REDIS_ADDR                Redis address for analytics (optional)
  HTTP_ADDR                 HTTP server address (default: ":8080")
  ENGINE_ENABLED            Dispatch feature gate default (default: "false")
  TEMPLATE_SENTINEL         Placeholder for missing template values (default: "(missing)")

  PROMOTE_INTERVAL          Delay set promotion tick (default: "10s")
  QUEUE_BUFFER_SIZE         Execution queue capacity (default: "100")
  WORKER_COUNT              Worker pool size (default: "4")

  MAIL_GATEWAY_URL          Mail gateway endpoint (required)
  MAIL_GATEWAY_SECRET       HMAC secret for gateway requests
  MAIL_GATEWAY_TIMEOUT      Gateway request timeout (default: "30s")
  SENDER_CIRCUIT_THRESHOLD  Failures before the breaker opens, 0 disables (default: "5")
  SENDER_CIRCUIT_COOLDOWN   Breaker cooldown before a probe (default: "2m")

  DB_OP_TIMEOUT             Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME     Max connection idle time (default: "5m")

  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")
  WORKER_DRAIN_TIMEOUT      Worker pool drain timeout (default: "30s")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")
  METRICS_PORT              Metrics server port (default: "9090")

  RECONCILE_ENABLED         Enable stale task reconciler (default: "false")
  RECONCILE_INTERVAL        How often to scan for stale tasks (default: "5m")
  RECONCILE_THRESHOLD       Age before a locked/running task is stale (default: "15m")
  RECONCILE_BATCH_SIZE      Max stale tasks per cycle (default: "100")

  RETENTION_WINDOW          How long finished tasks are kept (default: "8760h")
  PURGE_SCHEDULE            Cron expression for the purge run (default: "0 3 * * *")
  PURGE_TIMEZONE            Timezone for the purge schedule (default: "UTC")
  ANALYTICS_RETENTION       TTL for analytics counters (default: "8760h")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		return exitRuntimeError
	}
	defer db.Close()

	// Configure connection pool
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	log.Printf("mailsched: db pool configured (max_open=%d, max_idle=%d, max_lifetime=%s, max_idle_time=%s)",
		cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		return exitRuntimeError
	}

	st := postgres.New(db, cfg.DBOpTimeout)
	renderer := render.NewRenderer(cfg.TemplateSentinel)

	// Initialize metrics sink (optional)
	var metricsSink *metrics.PrometheusSink
	var metricsServer *http.Server

	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("mailsched: metrics enabled (port=%s, path=%s)", cfg.MetricsPort, cfg.MetricsPath)

		// Metrics are served on their own port, off the admin surface.
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    ":" + cfg.MetricsPort,
			Handler: metricsMux,
		}
		go func() {
			log.Printf("mailsched: metrics server listening on :%s", cfg.MetricsPort)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("mailsched: metrics server error: %v", err)
			}
		}()
	} else {
		log.Println("mailsched: METRICS_ENABLED not set; metrics disabled")
	}

	q := queue.New(queue.Config{
		PromoteInterval: cfg.PromoteInterval,
		Buffer:          cfg.QueueBufferSize,
	})
	if metricsSink != nil {
		q = q.WithMetrics(metricsSink)
	}

	ctrl := controller.New(st, st, renderer, q)
	if metricsSink != nil {
		ctrl = ctrl.WithMetrics(metricsSink)
	}

	sender := worker.NewGatewaySender(cfg.MailGatewayURL, cfg.MailGatewaySecret, cfg.MailGatewayTimeout)
	if cfg.SenderCircuitThreshold > 0 {
		breaker := circuitbreaker.New(cfg.SenderCircuitThreshold, cfg.SenderCircuitCooldown)
		sender = sender.WithBreaker(breaker)
		log.Printf("mailsched: sender circuit breaker enabled (threshold=%d, cooldown=%s)",
			cfg.SenderCircuitThreshold, cfg.SenderCircuitCooldown)
	}

	pool := worker.New(st, q, sender, cfg.WorkerCount)
	if metricsSink != nil {
		pool = pool.WithMetrics(metricsSink)
	}

	// Wire analytics if Redis is configured
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		sink := analytics.NewRedisSink(redisClient, cfg.AnalyticsRetention)
		pool = pool.WithAnalytics(sink)
		log.Printf("mailsched: analytics enabled (redis=%s)", cfg.RedisAddr)
	} else {
		log.Println("mailsched: REDIS_ADDR not set; analytics disabled")
	}

	gate := flags.NewGate(cfg.EngineEnabled)
	engine := dispatch.NewEngine(gate, ctrl)
	receiver.Install(engine, time.Now)

	// Rebuild the delay set from storage before anything runs, so tasks
	// scheduled by a previous process come back.
	rebuildCtx, cancelRebuild := context.WithTimeout(context.Background(), 30*time.Second)
	pending, err := st.ListPendingTasks(rebuildCtx)
	cancelRebuild()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to rebuild queue: %v\n", err)
		return exitRuntimeError
	}
	for _, task := range pending {
		q.EnqueueAt(task.ID, task.ScheduledAt)
	}
	log.Printf("mailsched: queue rebuilt (%d pending tasks)", len(pending))

	apiHandler := api.NewHandler(st, ctrl, renderer).
		WithDispatcher(engine).
		WithHealthChecker(db)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: apiHandler,
	}

	go func() {
		log.Printf("mailsched: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("mailsched: http server error: %v", err)
		}
	}()

	// Separate contexts per subsystem enable ordered shutdown.
	promoterCtx, cancelPromoter := context.WithCancel(context.Background())
	workerCtx, cancelWorkers := context.WithCancel(context.Background())

	var promoterWg sync.WaitGroup
	var reconcilerWg sync.WaitGroup
	var cancelReconciler context.CancelFunc

	promoterWg.Add(1)
	go func() {
		defer promoterWg.Done()
		q.Run(promoterCtx)
	}()

	workersDone := make(chan struct{})
	go func() {
		pool.Run(workerCtx)
		close(workersDone)
	}()

	// Start reconciler and purger if enabled
	if cfg.ReconcileEnabled {
		var reconcilerCtx context.Context
		reconcilerCtx, cancelReconciler = context.WithCancel(context.Background())
		recon := reconciler.New(
			reconciler.Config{
				Interval:  cfg.ReconcileInterval,
				Threshold: cfg.ReconcileThreshold,
				BatchSize: cfg.ReconcileBatchSize,
			},
			st,
			q,
		)
		if metricsSink != nil {
			recon = recon.WithMetrics(metricsSink)
		}
		reconcilerWg.Add(1)
		go func() {
			defer reconcilerWg.Done()
			recon.Run(reconcilerCtx)
		}()
		log.Printf("mailsched: reconciler enabled (interval=%s, threshold=%s, batch=%d)",
			cfg.ReconcileInterval, cfg.ReconcileThreshold, cfg.ReconcileBatchSize)
	} else {
		log.Println("mailsched: RECONCILE_ENABLED not set; reconciler disabled")
	}

	// The retention purger runs regardless of the reconciler; it only
	// touches terminal tasks.
	purgeSchedule, err := cron.NewParser().Parse(cfg.PurgeSchedule, cfg.PurgeTimezone)
	if err != nil {
		// Validate() already checked the expression; this is unreachable
		// unless the environment changed between the two calls.
		fmt.Fprintf(os.Stderr, "invalid purge schedule: %v\n", err)
		cancelPromoter()
		cancelWorkers()
		if cancelReconciler != nil {
			cancelReconciler()
		}
		return exitInvalidConfig
	}
	purger := reconciler.NewPurger(st, purgeSchedule, cfg.RetentionWindow)
	if metricsSink != nil {
		purger = purger.WithMetrics(metricsSink)
	}
	purgerCtx, cancelPurger := context.WithCancel(context.Background())
	reconcilerWg.Add(1)
	go func() {
		defer reconcilerWg.Done()
		purger.Run(purgerCtx)
	}()
	log.Printf("mailsched: purger scheduled (%q %s, retention=%s)",
		cfg.PurgeSchedule, cfg.PurgeTimezone, cfg.RetentionWindow)

	log.Printf("mailsched: started (promote=%s, workers=%d, http=%s, engine_enabled=%t)",
		cfg.PromoteInterval, cfg.WorkerCount, cfg.HTTPAddr, cfg.EngineEnabled)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("mailsched: received signal %v, shutting down", received)

	// Phase 1: Stop the promoter (no new tasks become ready)
	log.Println("mailsched: stopping promoter...")
	cancelPromoter()
	promoterWg.Wait()
	log.Println("mailsched: promoter stopped")

	// Phase 2: Stop reconciler and purger (no new requeues or purges)
	log.Println("mailsched: stopping reconciler and purger...")
	if cancelReconciler != nil {
		cancelReconciler()
	}
	cancelPurger()
	reconcilerWg.Wait()
	log.Println("mailsched: reconciler and purger stopped")

	// Phase 3: Stop the worker pool, bounded by the drain timeout. Tasks
	// already mid-flight finish on their own detached deadline.
	log.Println("mailsched: stopping worker pool...")
	cancelWorkers()
	select {
	case <-workersDone:
		log.Println("mailsched: worker pool stopped")
	case <-time.After(cfg.WorkerDrainTimeout):
		log.Printf("mailsched: worker pool drain timed out after %s", cfg.WorkerDrainTimeout)
	}

	// Phase 4: Stop HTTP server with graceful shutdown
	log.Println("mailsched: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("mailsched: http server shutdown error: %v", err)
	}
	log.Println("mailsched: http server stopped")

	// Phase 5: Stop metrics server if running (with same timeout)
	if metricsServer != nil {
		log.Println("mailsched: stopping metrics server...")
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsShutdownCancel()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			log.Printf("mailsched: metrics server shutdown error: %v", err)
		}
		log.Println("mailsched: metrics server stopped")
	}

	log.Println("mailsched: stopped")
	return exitSuccess
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("mailsched version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
