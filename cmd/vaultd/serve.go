package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"PooledVault/internal/api"
	"PooledVault/internal/auth"
	"PooledVault/internal/batcher"
	"PooledVault/internal/chain"
	"PooledVault/internal/config"
	"PooledVault/internal/eip712"
	"PooledVault/internal/executor"
	"PooledVault/internal/keeper"
	"PooledVault/internal/observability/alerting"
	"PooledVault/internal/observability/metrics"
	"PooledVault/internal/token"
	"PooledVault/internal/vault"
	"PooledVault/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动金库、批处理器、keeper 与 HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(config.ResolvePath(configPath))
		if err != nil {
			return err
		}
		if err := logger.Init(cfg.Log); err != nil {
			return err
		}
		defer logger.Sync()
		return serve(cmd.Context(), cfg)
	},
}

// runner 收集后台协程，第一个非取消错误会终止整个进程。
type runner struct {
	wg     sync.WaitGroup
	cancel context.CancelFunc
	once   sync.Once
	err    error
}

func (r *runner) Go(name string, fn func() error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("后台任务异常退出", slog.String("component", name), slog.Any("error", err))
			r.once.Do(func() {
				r.err = fmt.Errorf("%s: %w", name, err)
				r.cancel()
			})
		}
	}()
}

func (r *runner) Wait() error {
	r.wg.Wait()
	return r.err
}

func serve(parent context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	run := &runner{cancel: cancel}

	clock, chainID, err := buildClock(ctx, cfg, run)
	if err != nil {
		return err
	}

	want := token.New(common.HexToAddress(cfg.Vault.Want.Address), token.Metadata{
		Name:     cfg.Vault.Want.Name,
		Symbol:   cfg.Vault.Want.Symbol,
		Decimals: cfg.Vault.Want.Decimals,
	})
	governance := common.HexToAddress(cfg.Vault.Governance)

	v, err := vault.New(vault.Config{
		Address:           common.HexToAddress(cfg.Vault.Address),
		Name:              cfg.Vault.Name,
		Symbol:            cfg.Vault.Symbol,
		Decimals:          cfg.Vault.Want.Decimals,
		Keeper:            common.HexToAddress(cfg.Vault.Keeper),
		Governance:        governance,
		PerformanceFeeBps: cfg.Vault.PerformanceFeeBps,
	}, want)
	if err != nil {
		return fmt.Errorf("初始化金库失败: %w", err)
	}

	batcherAddr := common.HexToAddress(cfg.Batcher.Address)
	var verifier batcher.Verifier
	if cfg.Batcher.VerificationAuthority != "" {
		verifier = eip712.NewDepositSigner(chainID, batcherAddr)
	}
	b, err := batcher.New(batcher.Config{
		Address:               batcherAddr,
		VerificationAuthority: common.HexToAddress(cfg.Batcher.VerificationAuthority),
		MaxAmount:             cfg.Batcher.MaxAmountValue(),
		SignatureCheck:        cfg.Batcher.SignatureCheck,
	}, v, want, verifier)
	if err != nil {
		return fmt.Errorf("初始化批处理器失败: %w", err)
	}
	if err := v.SetBatcher(governance, b.Address()); err != nil {
		return err
	}
	if err := v.SetBatcherOnlyDeposit(governance, *cfg.Vault.BatcherOnlyDeposit); err != nil {
		return err
	}
	positions := make(map[common.Address]api.PositionReporter)
	for _, ec := range cfg.Vault.Executors {
		addr := common.HexToAddress(ec.Address)
		var e vault.Executor
		if ec.Kind == "async" {
			async := executor.NewAsync(addr, v, want, clock, ec.StaleBlockLimit)
			positions[addr] = async
			e = async
		} else {
			e = executor.NewSync(addr, v, want)
		}
		if err := v.AddExecutor(governance, e); err != nil {
			return fmt.Errorf("注册执行器 %s 失败: %w", addr.Hex(), err)
		}
	}

	reg := metrics.New()
	if err := reg.RegisterVault(v, b); err != nil {
		return err
	}

	guard, err := auth.NewGuard(cfg.Server.Operators)
	if err != nil {
		return err
	}
	if guard == nil {
		logger.L().Warn("未配置运维 token，写接口不做认证")
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	queue, err := buildQueue(cfg)
	if err != nil {
		_ = store.Close()
		return err
	}
	if depth, ok := queue.(metrics.QueueSource); ok {
		if err := reg.RegisterQueue(depth); err != nil {
			_ = queue.Close()
			_ = store.Close()
			return err
		}
	}
	service := keeper.NewService(store, queue, cfg.Keeper.MaxRetries, keeper.WithPendingSource(b))
	defer func() {
		if err := service.Close(); err != nil {
			logger.L().Warn("关闭结算服务失败", slog.Any("error", err))
		}
	}()

	if *cfg.Keeper.Enabled {
		processor := keeper.NewProcessor(b, v.Keeper(), store, queue, queue,
			keeper.WithWorkerCount(cfg.Keeper.Workers),
			keeper.WithProcessorLogger(logger.Named("keeper")),
			keeper.WithRecoveryHandler(keeper.NothingPendingRecovery{}),
			keeper.WithAlertDispatcher(buildAlerting(cfg.Keeper.Alerting)),
			keeper.WithRecorder(reg),
			keeper.WithClock(clock),
			keeper.WithRetryDelay(cfg.Keeper.RetryDelay.Std()),
		)
		scheduler := keeper.NewScheduler(service, cfg.Keeper.ScheduleInterval.Std())
		run.Go("processor", func() error { return processor.Start(ctx) })
		run.Go("scheduler", func() error { return scheduler.Start(ctx) })
	}

	server := api.NewServer(cfg.Server.Address, v, b, service,
		api.WithMetrics(reg, cfg.Server.MetricsPath),
		api.WithGuard(guard),
		api.WithOperations(api.Operations{
			Batcher:   b,
			Executors: v,
			Positions: positions,
			Want:      want,
			Shares:    v,
		}),
	)
	run.Go("api", func() error { return server.Start(ctx) })
	if addr := cfg.Server.MetricsAddress; addr != "" {
		run.Go("metrics", func() error { return reg.StartServer(ctx, addr, cfg.Server.MetricsPath) })
	}

	logger.L().Info("vaultd 已启动",
		slog.String("vault", v.Address().Hex()),
		slog.String("batcher", b.Address().Hex()),
		slog.Int("executors", v.TotalExecutors()),
		slog.String("queue", cfg.Keeper.Queue.Driver),
		slog.String("store", cfg.Keeper.Store.Driver),
	)

	<-ctx.Done()
	err = run.Wait()
	logger.L().Info("vaultd 已停止")
	return err
}

// buildClock 优先使用链上区块高度，未配置 RPC 时退回本地时钟。
func buildClock(ctx context.Context, cfg *config.Config, run *runner) (chain.Clock, *big.Int, error) {
	chainID := big.NewInt(cfg.Chain.ChainID)
	if cfg.Chain.RPCURL == "" {
		logger.L().Warn("未配置 RPC 地址，使用本地区块时钟", slog.Uint64("start_block", cfg.Chain.StartBlock))
		return chain.NewManualClock(cfg.Chain.StartBlock), chainID, nil
	}

	client, err := chain.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, nil, err
	}
	tracker := chain.NewHeadTracker(client, cfg.Chain.PollInterval.Std())
	if err := tracker.Refresh(ctx); err != nil {
		client.Close()
		return nil, nil, err
	}
	if observed := tracker.ChainID(); observed != nil && observed.Cmp(chainID) != 0 {
		logger.L().Warn("节点链 ID 与配置不一致，以节点为准",
			slog.String("configured", chainID.String()), slog.String("observed", observed.String()))
		chainID = observed
	}
	run.Go("head-tracker", func() error {
		defer client.Close()
		return tracker.Start(ctx)
	})
	return tracker, chainID, nil
}

func buildStore(ctx context.Context, cfg *config.Config) (keeper.Store, error) {
	switch cfg.Keeper.Store.Driver {
	case "mysql":
		sc := cfg.Keeper.Store
		store, err := keeper.NewMySQLStore(ctx, keeper.MySQLConfig{
			DSN:             sc.DSN,
			MaxOpenConns:    sc.MaxOpenConns,
			MaxIdleConns:    sc.MaxIdleConns,
			ConnMaxLifetime: sc.ConnMaxLifetime.Std(),
			ConnMaxIdleTime: sc.ConnMaxIdleTime.Std(),
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return keeper.NewMemoryStore(), nil
	}
}

func buildQueue(cfg *config.Config) (keeper.Queue, error) {
	q := cfg.Keeper.Queue
	switch q.Driver {
	case "redis":
		queue, err := keeper.NewRedisQueue(keeper.RedisQueueConfig{
			Address:  q.Redis.Address,
			Password: q.Redis.Password,
			DB:       q.Redis.DB,
			Queue:    q.Redis.Queue,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	case "rabbitmq":
		queue, err := keeper.NewRabbitMQQueue(keeper.RabbitMQConfig{
			URL:      q.RabbitMQ.URL,
			Queue:    q.RabbitMQ.Queue,
			Prefetch: q.RabbitMQ.Prefetch,
			Durable:  q.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	default:
		return keeper.NewMemoryQueue(q.Size), nil
	}
}

func buildAlerting(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.DingTalkWebhook != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{Sender: alerting.NewWebhook(cfg.DingTalkWebhook).DingTalk()})
	}
	if cfg.SlackWebhook != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    alerting.NewWebhook(cfg.SlackWebhook).Slack(),
			ChannelID: cfg.SlackChannel,
		})
	}
	return alerting.NewFanout(notifiers...)
}
