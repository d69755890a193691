// Command orchestrator wires together the rate limiter, circuit breaker,
// dead-letter queue, compensation registry, process supervisor, task
// queue/registry, project state store, workflow engine, shutdown
// coordinator, and tool dispatcher, then blocks until a shutdown signal.
package main

import (
	"context"
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/agentrelay/orchestrator/internal/agentadapter"
	"github.com/agentrelay/orchestrator/internal/breaker"
	"github.com/agentrelay/orchestrator/internal/compensation"
	"github.com/agentrelay/orchestrator/internal/dlq"
	"github.com/agentrelay/orchestrator/internal/project"
	"github.com/agentrelay/orchestrator/internal/ratelimit"
	"github.com/agentrelay/orchestrator/internal/shutdown"
	"github.com/agentrelay/orchestrator/internal/supervisor"
	"github.com/agentrelay/orchestrator/internal/task"
	"github.com/agentrelay/orchestrator/internal/telemetry"
	"github.com/agentrelay/orchestrator/internal/tooldispatch"
	"github.com/agentrelay/orchestrator/internal/workflow"
)

func main() {
	dbgF := flag.Bool("debug", false, "Log request and response bodies")
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	sup := supervisor.New()

	registryRoot := envString("REGISTRY_ROOT", ".agentrelay")
	projects := project.New(registryRoot + "/index.json")
	projects.Detector = sup.DetectInstalled
	if err := projects.LoadIndex(); err != nil {
		logger.Error(ctx, "project.load_index_failed", "error", err.Error())
	}

	limiter := ratelimit.New(ratelimit.Config{
		Capacity:   envInt("RATE_LIMIT_DEFAULT_CAPACITY", 60),
		RefillRate: envFloat("RATE_LIMIT_DEFAULT_RATE", 1.0),
	})
	circuit := breaker.New(breaker.Config{
		FailureThreshold: envInt("CIRCUIT_FAILURE_THRESHOLD", 5),
		Cooldown:         envDuration("CIRCUIT_COOLDOWN_S", 60*time.Second),
		HalfOpenMax:      1,
	})
	adapters := agentadapter.NewRegistry()
	comp := compensation.New()

	dlqPath := envString("DLQ_PATH", "dlq.json")
	queue, err := dlq.New(dlq.Config{
		Base:        time.Second,
		MaxBackoff:  5 * time.Minute,
		MaxAttempts: 5,
		Jitter:      true,
		Path:        dlqPath,
	})
	if err != nil {
		logger.Error(ctx, "dlq.init_failed", "error", err.Error())
		os.Exit(1)
	}

	if redisAddr := envString("REDIS_ADDR", ""); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		instanceID := envString("INSTANCE_ID", "orchestrator-"+strconv.Itoa(os.Getpid()))

		if mirror, mErr := ratelimit.JoinCluster(ctx, "orchestrator-ratelimit-scopes", rdb); mErr != nil {
			logger.Error(ctx, "ratelimit.cluster_join_failed", "error", mErr.Error())
		} else {
			limiter.Cluster(mirror)
		}

		if cache, cErr := dlq.JoinClusterStatsCache(ctx, "orchestrator-dlq-stats", rdb); cErr != nil {
			logger.Error(ctx, "dlq.cluster_join_failed", "error", cErr.Error())
		} else {
			queue.Attach(cache, instanceID)
		}
	}

	registry := task.NewRegistry()
	pool := task.New(task.PoolConfig{
		WorkerCount:   envInt("WORKER_COUNT", 3),
		QueueCapacity: envInt("QUEUE_CAPACITY", 1024),
	}, registry, limiter, circuit, sup, adapters, queue, comp, logger, metrics, tracer)

	workflows := workflow.NewEngine(projects)

	coord := shutdown.New(shutdown.Config{
		RequestTimeout:    envDuration("SHUTDOWN_REQUEST_TIMEOUT_S", 30*time.Second),
		CleanupTimeout:    envDuration("SHUTDOWN_CLEANUP_TIMEOUT_S", 10*time.Second),
		ForceAfterTimeout: true,
	}, logger)
	pool.ShuttingDown = coord.IsShuttingDown

	dlqRetryInterval := envDuration("DLQ_RETRY_INTERVAL_S", 5*time.Second)
	queue.RegisterHandler("delegate_task", func(ctx context.Context, entry dlq.Entry) error {
		desc, _ := entry.Context["task_description"].(string)
		taskType, _ := entry.Context["task_type"].(string)
		projectPath, _ := entry.Context["project_path"].(string)
		preferredAgent, _ := entry.Context["preferred_agent"].(string)
		taskCtx, _ := entry.Context["context"].(map[string]any)
		_, err := pool.SubmitInProject(desc, taskType, preferredAgent, projectPath, taskCtx)
		return err
	})

	bgCtx, cancelBg := context.WithCancel(context.Background())
	queue.StartAutoRetry(bgCtx, dlqRetryInterval)
	pool.Start(bgCtx)

	clusterPublishStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-clusterPublishStop:
				return
			case <-ticker.C:
				_ = limiter.PublishSnapshot(bgCtx)
				_ = queue.PublishStats(bgCtx)
			}
		}
	}()

	coord.RegisterCleanup("stop_worker_pool", func(ctx context.Context) error {
		pool.StopContext(ctx)
		return nil
	})
	// queue.Stop() only waits for the auto-retry loop's current tick to
	// finish — bounded by however long the in-flight ProcessDue handler
	// takes, not by a deadline — so it is left unbounded rather than wired
	// to cleanupCtx.
	coord.RegisterCleanup("stop_dlq_retry", func(ctx context.Context) error {
		queue.Stop()
		return nil
	})
	coord.RegisterCleanup("stop_cluster_publish", func(ctx context.Context) error {
		close(clusterPublishStop)
		return nil
	})

	dispatcher := tooldispatch.New(pool, projects, workflows, coord, logger, tracer, metrics)
	_ = dispatcher // bound to the external invocation boundary (transport is out of scope)

	logger.Info(ctx, "orchestrator.started", "worker_count", envInt("WORKER_COUNT", 3))
	coord.ListenForSignals(ctx)
	cancelBg()
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return time.Duration(f * float64(time.Second))
}
