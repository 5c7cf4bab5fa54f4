package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"KittyMarket-Chain/internal/api"
	"KittyMarket-Chain/internal/auth"
	"KittyMarket-Chain/internal/chain"
	"KittyMarket-Chain/internal/config"
	"KittyMarket-Chain/internal/market"
	"KittyMarket-Chain/internal/observability/alerting"
	"KittyMarket-Chain/internal/observability/metrics"
	"KittyMarket-Chain/internal/oracle"
	"KittyMarket-Chain/internal/primitives"
	"KittyMarket-Chain/internal/queue"
	"KittyMarket-Chain/internal/randomness"
	"KittyMarket-Chain/internal/storage/leveldb"
	"KittyMarket-Chain/internal/storage/mysql"
	"KittyMarket-Chain/internal/storage/redis"
	"KittyMarket-Chain/internal/web3/ethereum"
	"KittyMarket-Chain/pkg/logger"
)

// node 持有一个运行中节点的全部组件。
type node struct {
	cfg       *config.Config
	runtime   *chain.Runtime
	snapshots chain.SnapshotStore
	events    mysql.EventRepository
	queue     queue.Queue
	worker    *oracle.Worker
	server    *api.Server
	closers   []func() error
	log       *slog.Logger
}

// marketParams 把配置中的字符串金额转成市场参数。
func marketParams(cfg config.MarketConfig) (market.Params, error) {
	params := market.DefaultParams()
	increment, err := primitives.ParseAmount(cfg.MinBidIncrement)
	if err != nil {
		return market.Params{}, fmt.Errorf("market.min_bid_increment: %w", err)
	}
	stake, err := primitives.ParseAmount(cfg.KittyStake)
	if err != nil {
		return market.Params{}, fmt.Errorf("market.kitty_stake: %w", err)
	}
	params.MinBidIncrement = increment
	params.KittyStake = stake
	params.MinSaleSpan = market.BlockNumber(cfg.MinSaleSpan)
	params.MaxKittiesOwned = cfg.MaxKittiesOwned
	params.CurrencyDecimals = cfg.CurrencyDecimals
	return params, nil
}

// chainConfig 组装运行时参数。
func chainConfig(cfg *config.Config) (chain.Config, error) {
	params, err := marketParams(cfg.Market)
	if err != nil {
		return chain.Config{}, err
	}
	out := chain.Config{
		Market: params,
		Oracle: oracle.FeedConfig{
			MaxPrices:        cfg.Oracle.MaxPrices,
			UnsignedInterval: primitives.BlockNumber(cfg.Oracle.UnsignedInterval),
			Longevity:        cfg.Oracle.Longevity,
			Priority:         cfg.Oracle.Priority,
		},
		ExistentialDeposit: cfg.Market.ExistentialDeposit,
		MaxBlockExtrinsics: cfg.Chain.MaxBlockExtrinsics,
		PoolSize:           cfg.Chain.PoolSize,
	}
	if op := strings.TrimSpace(cfg.Chain.Operator); op != "" {
		operator, err := primitives.ParseAccount(op)
		if err != nil {
			return chain.Config{}, fmt.Errorf("chain.operator: %w", err)
		}
		out.Operator = &operator
	}
	return out, nil
}

func (n *node) addCloser(fn func() error) {
	n.closers = append(n.closers, fn)
}

// buildNode 按配置装配节点，失败时释放已打开的资源。
func buildNode(ctx context.Context, cfg *config.Config) (_ *node, err error) {
	n := &node{cfg: cfg, log: logger.Named("kittyd")}
	defer func() {
		if err != nil {
			n.close()
		}
	}()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, err
	}

	chainCfg, err := chainConfig(cfg)
	if err != nil {
		return nil, err
	}
	seeds, err := n.openSeeds(ctx)
	if err != nil {
		return nil, err
	}

	alertTimeout := time.Duration(cfg.Alerting.TimeoutSeconds) * time.Second
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, alertTimeout, cfg.Alerting.WebhookPerMinute))
	}
	reporter := alerting.NewSettlementReporter(alerting.NewFanout(notifiers...), alertTimeout)
	n.runtime = chain.NewRuntime(chainCfg, seeds, chain.WithFaultReporter(reporter))

	if n.snapshots, err = n.openSnapshots(ctx); err != nil {
		return nil, err
	}
	restored := false
	if n.snapshots != nil {
		if restored, err = n.runtime.LoadFrom(ctx, n.snapshots); err != nil {
			return nil, fmt.Errorf("恢复快照失败: %w", err)
		}
	}
	if restored {
		n.log.Info("已从快照恢复", slog.Uint64("head", uint64(n.runtime.Head().Number)))
	} else if err := n.endowGenesis(); err != nil {
		return nil, err
	}

	if n.events, err = n.openEvents(ctx); err != nil {
		return nil, err
	}
	if cfg.Oracle.Enabled {
		if n.queue, err = n.openQueue(ctx); err != nil {
			return nil, err
		}
		fetcher := oracle.NewHTTPFetcher(cfg.Oracle.Endpoint,
			time.Duration(cfg.Oracle.FetchTimeoutSeconds)*time.Second,
			oracle.WithSymbol(cfg.Oracle.Symbol),
		)
		n.worker = oracle.NewWorker(oracle.WorkerConfig{
			FetchInterval: time.Duration(cfg.Oracle.FetchIntervalMS) * time.Millisecond,
			Burst:         cfg.Oracle.FetchBurst,
		}, fetcher, n.queue, n.runtime)
	}

	authSvc, err := buildAuth(ctx, cfg.Auth)
	if err != nil {
		return nil, err
	}
	n.server = api.NewServer(cfg.Server.Address, n.runtime,
		api.WithAuth(authSvc),
		api.WithEventReader(n.events),
		api.WithSubmitLimit(cfg.Server.SubmitRatePerSecond, cfg.Server.SubmitBurst),
	)
	return n, nil
}

func (n *node) openSeeds(ctx context.Context) (randomness.SeedSource, error) {
	fallback := randomness.NewChained(n.cfg.Chain.GenesisSeed)
	if n.cfg.Chain.SeedSource != "ethereum" {
		return fallback, nil
	}
	client, err := ethereum.Dial(ctx, n.cfg.Web3.RPCURL)
	if err != nil {
		return nil, err
	}
	n.addCloser(func() error {
		client.Close()
		return nil
	})
	return ethereum.NewSeedSource(client, fallback), nil
}

func (n *node) openSnapshots(ctx context.Context) (chain.SnapshotStore, error) {
	cfg := n.cfg.Storage.Snapshots
	var (
		store chain.SnapshotStore
		err   error
	)
	switch cfg.Driver {
	case "none":
		return nil, nil
	case "leveldb":
		store, err = leveldb.Open(cfg.Path, cfg.Retain)
	case "redis":
		store, err = redis.NewSnapshotStore(ctx, redis.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
		})
	default:
		return nil, fmt.Errorf("未知的快照驱动: %s", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	n.addCloser(store.Close)
	return store, nil
}

func (n *node) openEvents(ctx context.Context) (mysql.EventRepository, error) {
	cfg := n.cfg.Storage.Events
	var (
		repo mysql.EventRepository
		err  error
	)
	switch cfg.Driver {
	case "memory":
		repo, err = mysql.NewMemoryEventRepository(n.cfg.Runtime.DataDir)
	case "mysql", "postgres":
		repo, err = mysql.NewSQLEventRepository(ctx, mysql.Config{
			Driver:          cfg.Driver,
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetime) * time.Second,
		})
	default:
		return nil, mysql.ErrUnsupportedDriver
	}
	if err != nil {
		return nil, err
	}
	n.addCloser(repo.Close)
	return repo, nil
}

func (n *node) openQueue(ctx context.Context) (queue.Queue, error) {
	cfg := n.cfg.Queue
	var (
		q   queue.Queue
		err error
	)
	switch cfg.Driver {
	case "memory":
		q = queue.NewMemoryQueue(cfg.Buffer)
	case "redis":
		q, err = queue.NewRedisQueue(ctx, queue.RedisConfig{
			Address:    cfg.Redis.Address,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			Queue:      cfg.Redis.Key,
			MaxBacklog: cfg.Buffer,
		})
	case "rabbitmq":
		q, err = queue.NewRabbitMQQueue(queue.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			MessageTTL: time.Duration(cfg.RabbitMQ.MessageTTLMS) * time.Millisecond,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	n.addCloser(q.Close)
	return q, nil
}

func (n *node) endowGenesis() error {
	for _, balance := range n.cfg.Chain.GenesisBalances {
		who, err := primitives.ParseAccount(balance.Account)
		if err != nil {
			return fmt.Errorf("chain.genesis_balances: %w", err)
		}
		if err := n.runtime.Endow(who, balance.Amount); err != nil {
			return fmt.Errorf("创世注资失败 %s: %w", who.Hex(), err)
		}
	}
	return nil
}

// buildAuth 把配置中的令牌绑定转成认证服务。模式为 disabled 时返回 nil。
func buildAuth(ctx context.Context, cfg config.AuthConfig) (*auth.Service, error) {
	mode := auth.Mode(strings.ToLower(cfg.Mode))
	if mode == "" || mode == auth.ModeDisabled {
		return nil, nil
	}
	seeds := make([]auth.Seed, 0, len(cfg.Tokens))
	for _, binding := range cfg.Tokens {
		seeds = append(seeds, auth.Seed{
			Name:        binding.Name,
			Account:     binding.Account,
			Token:       binding.Token,
			Password:    binding.Password,
			Permissions: binding.Permissions,
		})
	}
	store, err := auth.NewMemoryStore(nil)
	if err != nil {
		return nil, err
	}
	return auth.NewService(ctx, auth.Config{
		Mode: mode,
		JWT: auth.JWTOptions{
			Secret:    cfg.JWT.Secret,
			Issuer:    cfg.JWT.Issuer,
			AccessTTL: cfg.JWT.AccessTTLSeconds,
		},
		Seeds: seeds,
	}, store)
}

// run 启动出块、订阅者、队列消费者与 HTTP 服务，直到 ctx 结束。
func (n *node) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	blockTime := time.Duration(n.cfg.Chain.BlockTimeMS) * time.Millisecond

	blocks, cancel := n.runtime.Subscribe(64)
	defer cancel()
	g.Go(func() error { return n.followBlocks(ctx, blocks) })

	if n.worker != nil {
		heads := make(chan primitives.BlockNumber, 16)
		oracleBlocks, cancelOracle := n.runtime.Subscribe(16)
		defer cancelOracle()
		g.Go(func() error {
			defer close(heads)
			for {
				select {
				case <-ctx.Done():
					return nil
				case b, ok := <-oracleBlocks:
					if !ok {
						return nil
					}
					select {
					case heads <- b.Number:
					default:
					}
				}
			}
		})
		g.Go(func() error { return ignoreCanceled(n.worker.Run(ctx, heads)) })
		relay := chain.NewRelay(n.runtime)
		g.Go(func() error { return ignoreCanceled(n.queue.Consume(ctx, n.cfg.Queue.Workers, relay.Handle)) })
	}

	g.Go(func() error { return ignoreCanceled(n.runtime.Run(ctx, blockTime)) })
	g.Go(func() error { return ignoreCanceled(n.server.Start(ctx)) })
	if addr := n.cfg.Server.MetricsAddress; addr != "" {
		g.Go(func() error { return ignoreCanceled(metrics.StartServer(ctx, addr)) })
	}

	err := g.Wait()
	if n.snapshots != nil {
		saveCtx, cancelSave := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelSave()
		if saveErr := n.runtime.SaveTo(saveCtx, n.snapshots); saveErr != nil {
			n.log.Error("退出前保存快照失败", slog.Any("error", saveErr))
		}
	}
	return err
}

// followBlocks 把每个区块的事件写入历史库，并按间隔保存快照。
func (n *node) followBlocks(ctx context.Context, blocks <-chan *chain.Block) error {
	interval := n.cfg.Storage.Snapshots.IntervalBlock
	for {
		select {
		case <-ctx.Done():
			return nil
		case b, ok := <-blocks:
			if !ok {
				return nil
			}
			n.recordBlock(ctx, b)
			if n.snapshots != nil && interval > 0 && uint64(b.Number)%interval == 0 {
				if err := n.runtime.SaveTo(ctx, n.snapshots); err != nil {
					n.log.Error("保存快照失败", slog.Uint64("block", uint64(b.Number)), slog.Any("error", err))
				}
			}
		}
	}
}

func (n *node) recordBlock(ctx context.Context, b *chain.Block) {
	if n.events == nil || len(b.Events) == 0 {
		return
	}
	records, err := mysql.RecordsOf(b.Number, b.Timestamp, b.Events)
	if err != nil {
		n.log.Error("序列化区块事件失败", slog.Uint64("block", uint64(b.Number)), slog.Any("error", err))
		return
	}
	if err := n.events.Append(ctx, records); err != nil {
		n.log.Error("写入事件历史失败", slog.Uint64("block", uint64(b.Number)), slog.Any("error", err))
	}
}

func (n *node) close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil {
			n.log.Warn("关闭组件失败", slog.Any("error", err))
		}
	}
	n.closers = nil
}

func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
