package commands

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"

	"github.com/teranos/cadence/backend"
	"github.com/teranos/cadence/backend/broker"
	"github.com/teranos/cadence/backend/local"
	"github.com/teranos/cadence/config"
	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/dlq"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/execution"
	"github.com/teranos/cadence/internal/id"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/scheduler"
	"github.com/teranos/cadence/subscription"
)

// runtime bundles everything a command needs: config, stores, the scheduler
// service, and the backend registry. Commands build one, use it, close it.
type runtime struct {
	cfg      *config.Config
	database *sql.DB
	redis    *redis.Client
	queue    *dlq.Queue
	tasks    *dlq.TaskRegistry
	subs     *subscription.Store
	execs    *execution.Store
	registry *backend.Registry
	svc      *scheduler.Service
}

// buildRuntime opens the database, connects to the broker, and wires the
// scheduler service. The broker connection is lazy; commands that never
// touch Redis work without one running.
func buildRuntime(configPath string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}

	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Broker.Addr,
		Password: cfg.Broker.Password,
		DB:       cfg.Broker.DB,
	})

	subs := subscription.NewStore(database)
	execs := execution.NewStore(database)
	queue := dlq.New(client, cfg.DLQTTL(), cfg.DLQ.RecentCap)
	registry := backend.NewRegistry(config.DefaultBackend)

	svc := scheduler.New(subs, execution.NewLifecycle(execs), registry, queue, loggingRunner(), scheduler.Config{
		MaxRetries:    cfg.Dispatch.MaxRetries,
		RatePerSecond: cfg.Dispatch.RatePerSecond,
		Burst:         cfg.Dispatch.Burst,
	})

	dueCheck := &backend.DueCheck{
		Interval: cfg.DueCheckInterval(),
		Callable: svc.DueCheckCallable(),
	}
	registry.Register(local.BackendType, func() backend.Backend {
		return local.New(local.Config{
			TickInterval: cfg.TickInterval(),
			MisfireGrace: cfg.MisfireGrace(),
			JobStore:     cfg.Scheduler.JobStore,
			DB:           database,
			DueCheck:     dueCheck,
		})
	}, false)
	registry.Register(broker.BackendType, func() backend.Backend {
		return broker.New(broker.Config{
			Client:       client,
			Embedded:     cfg.Broker.Embedded,
			MisfireGrace: cfg.MisfireGrace(),
			DueCheck:     dueCheck,
		})
	}, false)

	tasks := dlq.NewTaskRegistry()
	tasks.Register(scheduler.TaskName, func(ctx context.Context, args map[string]string) (string, error) {
		subID := args["subscription_id"]
		if subID == "" {
			return "", errors.NewInvalidRequestError("dead-letter entry has no subscription_id")
		}
		return svc.FireNow(ctx, subID)
	})

	return &runtime{
		cfg:      cfg,
		database: database,
		redis:    client,
		queue:    queue,
		tasks:    tasks,
		subs:     subs,
		execs:    execs,
		registry: registry,
		svc:      svc,
	}, nil
}

func (rt *runtime) Close() {
	rt.redis.Close()
	rt.database.Close()
}

// loggingRunner is the integration point for the platform's task runner.
// Deployments embed cadence and supply their own Runner; the standalone
// binary assigns task ids and logs the dispatch.
func loggingRunner() scheduler.Runner {
	return scheduler.RunnerFunc(func(ctx context.Context, req scheduler.Request) (string, error) {
		taskID := id.NewTaskID()
		logger.Infow("Dispatching background execution",
			"task_id", taskID,
			"execution_id", req.ExecutionID,
			"user_id", req.UserID,
			"trigger_reason", req.TriggerReason)
		return taskID, nil
	})
}
