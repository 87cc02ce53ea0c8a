package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"Chorus-Network/internal/agent"
	"Chorus-Network/internal/api"
	"Chorus-Network/internal/config"
	"Chorus-Network/internal/credits"
	"Chorus-Network/internal/dispatch"
	"Chorus-Network/internal/ledger"
	"Chorus-Network/internal/market"
	"Chorus-Network/internal/observability/alerting"
	"Chorus-Network/internal/observability/metrics"
	"Chorus-Network/internal/pipeline"
	"Chorus-Network/internal/registry"
	"Chorus-Network/internal/run"
	"Chorus-Network/internal/settlement"
	"Chorus-Network/internal/storage/sqlstore"
	"Chorus-Network/pkg/logger"
)

// main 是 Chorus 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runDaemon(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("chorusd 运行失败: %v", err)
	}
}

// stores 汇总了各领域组件使用的存储实现。
type stores struct {
	directory registry.Store
	ledger    ledger.Store
	journal   settlement.Journal
	runs      run.Store
	closeFn   func() error
}

func runDaemon(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Service:     "chorusd",
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()
	lg := logger.L()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.closeFn(); err != nil {
			lg.Warn("关闭存储失败", slog.Any("error", err))
		}
	}()

	queue, err := openQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			lg.Warn("关闭运行队列失败", slog.Any("error", err))
		}
	}()

	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL, Client: &http.Client{Timeout: cfg.Dispatch.Timeout.Std()}})
	}
	alerts := alerting.NewFanout(notifiers...)

	directory := registry.NewDirectory(st.directory)
	book := ledger.New(st.ledger, ledger.WithInitialBalance(credits.FromFloat(cfg.Ledger.InitialBalance)))

	local := dispatch.NewLocalTransport()
	callbacks := dispatch.NewCallbackHub()
	dispatcher := dispatch.New(
		&dispatch.Router{HTTP: dispatch.NewHTTPTransport(nil), Local: local},
		dispatch.WithDefaultTimeout(cfg.Dispatch.Timeout.Std()),
		dispatch.WithCallbacks(callbacks, cfg.Dispatch.CallbackBaseURL),
	)
	coordinator := settlement.NewCoordinator(book, directory,
		settlement.WithJournal(st.journal),
		settlement.WithAlertDispatcher(alerts),
	)
	mkt := market.New(directory, dispatcher, coordinator, market.WithTimeout(cfg.Dispatch.Timeout.Std()))

	if cfg.Dispatch.DemoAgents {
		if err := mountDemoAgents(ctx, directory, local); err != nil {
			return err
		}
	}

	catalog := pipeline.NewCatalog()
	loaded, err := catalog.LoadDir(cfg.Pipelines.Dir)
	if err != nil {
		return fmt.Errorf("加载流水线失败: %w", err)
	}
	lg.Info("流水线加载完成", slog.Int("count", loaded), slog.String("dir", cfg.Pipelines.Dir))

	execOpts := []pipeline.ExecutorOption{}
	if cfg.Events.Enabled {
		publisher, err := pipeline.NewRedisPublisher(pipeline.RedisPublisherConfig{
			Address:  cfg.Events.Redis.Address,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
			Prefix:   cfg.Events.Prefix,
		})
		if err != nil {
			return err
		}
		defer publisher.Close()
		execOpts = append(execOpts, pipeline.WithObserver(pipeline.Observers{pipeline.LogObserver{}, publisher}))
	}
	executor := pipeline.NewExecutor(mkt.Resolver(), mkt, execOpts...)

	runs := run.NewService(st.runs, queue, catalog)
	processor := run.NewProcessor(executor, st.runs, queue,
		run.WithWorkerCount(cfg.Run.Workers),
		run.WithNodeTimeout(cfg.Run.NodeTimeout.Std()),
		run.WithAlertDispatcher(alerts),
		run.WithProcessorLogger(logger.Named("run")),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			lg.Error("运行处理器异常退出", slog.Any("error", err))
		}
	}()

	if cfg.Metrics.Enabled && cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(api.Config{
		Address:         cfg.Server.Address,
		ReadTimeout:     cfg.Server.ReadTimeout.Std(),
		WriteTimeout:    cfg.Server.WriteTimeout.Std(),
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Std(),
		RequireOwner:    cfg.Server.RequireOwner,
		ExposeMetrics:   cfg.Metrics.Enabled,
	}, api.Deps{
		Directory: directory,
		Ledger:    book,
		Market:    mkt,
		Callbacks: callbacks,
		Catalog:   catalog,
		Runs:      runs,
	})
	lg.Info("chorusd 启动",
		slog.String("storage", cfg.Storage.Driver),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("address", cfg.Server.Address),
	)
	return server.Start(ctx)
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return &stores{
			directory: registry.NewMemoryStore(),
			ledger:    ledger.NewMemoryStore(),
			journal:   settlement.NewMemoryJournal(),
			runs:      run.NewMemoryStore(),
			closeFn:   func() error { return nil },
		}, nil
	case "mysql", "postgres":
		db, err := sqlstore.Open(ctx, sqlstore.Config{
			Driver:          sqlstore.Dialect(cfg.Storage.Driver),
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ConnMaxLifetime.Std(),
			ConnMaxIdleTime: cfg.Storage.ConnMaxIdleTime.Std(),
			SkipMigrations:  cfg.Storage.SkipMigrations,
		})
		if err != nil {
			return nil, err
		}
		return &stores{
			directory: sqlstore.NewDirectoryStore(db),
			ledger:    sqlstore.NewLedgerStore(db),
			journal:   sqlstore.NewJournalStore(db),
			runs:      sqlstore.NewRunStore(db),
			closeFn:   db.Close,
		}, nil
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func openQueue(cfg *config.Config) (run.Queue, error) {
	switch cfg.Queue.Driver {
	case "memory":
		return run.NewMemoryQueue(1024), nil
	case "redis":
		return run.NewRedisQueue(run.RedisQueueConfig{
			Address:     cfg.Queue.Redis.Address,
			Password:    cfg.Queue.Redis.Password,
			DB:          cfg.Queue.Redis.DB,
			Queue:       cfg.Queue.Redis.Queue,
			BlockWait:   cfg.Queue.Redis.BlockWait.Std(),
			MaxAttempts: cfg.Queue.MaxAttempts,
		})
	case "rabbitmq":
		return run.NewRabbitMQQueue(run.RabbitMQConfig{
			URL:         cfg.Queue.RabbitMQ.URL,
			Queue:       cfg.Queue.RabbitMQ.Queue,
			Durable:     true,
			MaxAttempts: cfg.Queue.MaxAttempts,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

// demoSkills 是进程内示例 Agent 提供的技能与价格。
var demoSkills = []struct {
	id   string
	name string
	cost float64
}{
	{"demo-echo", "echo", 0.05},
	{"demo-analyzer", "analyze_text", 0.10},
	{"demo-calculator", "calculate", 0.20},
}

func mountDemoAgents(ctx context.Context, directory *registry.Directory, local *dispatch.LocalTransport) error {
	for _, d := range demoSkills {
		c := agent.NewContainer(d.id, "chorus-demo", agent.WithAgentID(d.id), agent.WithEndpoint("local://"+d.id))
		if err := c.AddSkill(registry.Skill{Name: d.name, CostPerCall: credits.FromFloat(d.cost)}, agent.BuiltinSkills[d.name]); err != nil {
			return err
		}
		local.Mount(d.id, c)
		if _, err := directory.Register(ctx, c.Registration()); err != nil {
			return fmt.Errorf("注册示例 Agent %s 失败: %w", d.id, err)
		}
	}
	return nil
}
