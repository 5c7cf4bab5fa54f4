package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"KittyMarket-Chain/internal/chain"
	"KittyMarket-Chain/internal/ledger"
	"KittyMarket-Chain/internal/market"
	"KittyMarket-Chain/internal/oracle"
	"KittyMarket-Chain/internal/primitives"
	"KittyMarket-Chain/internal/randomness"
	"KittyMarket-Chain/internal/storage/leveldb"
	"KittyMarket-Chain/pkg/logger"
)

var (
	simAlice = primitives.AccountID{0x0a}
	simBob   = primitives.AccountID{0x0b}
	simCarol = primitives.AccountID{0x0c}
)

// simulateOptions 控制离线演练。
type simulateOptions struct {
	Blocks    int
	Seed      string
	BasePrice uint32
	Verify    bool
}

// simulationResult 汇总演练结果。
type simulationResult struct {
	Head        primitives.BlockNumber
	Listed      market.KittyID
	Owner       primitives.AccountID
	SalePrice   *market.SalePrice
	Kitties     int
	Average     uint32
	HasAverage  bool
	Failed      int
	BobFree     uint256.Int
	AliceFree   uint256.Int
	RestoredAt  primitives.BlockNumber
	RestoreSame bool
}

// wobbleFetcher 产生围绕基准价小幅波动的价格。
type wobbleFetcher struct {
	base  uint32
	calls uint32
}

func (f *wobbleFetcher) FetchPrice(context.Context) (uint32, bool) {
	f.calls++
	return f.base + (f.calls%5)*3, true
}

// relayPublisher 把提交直接交给中继，省去队列。
type relayPublisher struct {
	relay *chain.Relay
}

func (p relayPublisher) Publish(ctx context.Context, sub oracle.Submission) error {
	return p.relay.Handle(ctx, sub)
}

func signed(who primitives.AccountID, call chain.Call) chain.Extrinsic {
	signer := who
	return chain.Extrinsic{ID: uuid.NewString(), Signer: &signer, Call: call}
}

// simulate 在内存链上跑一轮铸造、繁殖、拍卖与价格提交。
func simulate(ctx context.Context, opts simulateOptions) (*simulationResult, error) {
	if opts.Blocks < 8 {
		opts.Blocks = 8
	}
	if opts.Seed == "" {
		opts.Seed = "simulation"
	}
	if opts.BasePrice == 0 {
		opts.BasePrice = 600
	}
	log := logger.Named("simulate")

	cfg := chain.Config{
		Market:             market.DefaultParams(),
		Oracle:             oracle.FeedConfig{MaxPrices: 16, UnsignedInterval: 2, Longevity: 4},
		MaxBlockExtrinsics: 64,
		PoolSize:           256,
	}
	rt := chain.NewRuntime(cfg, randomness.NewChained(opts.Seed))
	for _, who := range []primitives.AccountID{simAlice, simBob, simCarol} {
		if err := rt.Endow(who, 10_000); err != nil {
			return nil, err
		}
	}
	worker := oracle.NewWorker(oracle.WorkerConfig{}, &wobbleFetcher{base: opts.BasePrice}, relayPublisher{relay: chain.NewRelay(rt)}, rt)

	result := &simulationResult{}
	produce := func() error {
		block, err := rt.ProduceBlock(ctx)
		if err != nil {
			return err
		}
		for _, receipt := range block.Receipts {
			if !receipt.Success {
				result.Failed++
				log.Info("交易执行失败",
					slog.Uint64("block", uint64(block.Number)),
					slog.String("method", string(receipt.Method)),
					slog.String("code", string(receipt.ErrorCode)),
				)
			}
		}
		_, _ = worker.OnBlock(ctx, block.Number)
		return nil
	}
	submit := func(xts ...chain.Extrinsic) error {
		for _, xt := range xts {
			if err := rt.Submit(xt); err != nil {
				return fmt.Errorf("提交 %s 失败: %w", xt.Call.Method, err)
			}
		}
		return nil
	}

	if err := submit(
		signed(simAlice, chain.Call{Method: chain.MethodCreate}),
		signed(simAlice, chain.Call{Method: chain.MethodCreate}),
	); err != nil {
		return nil, err
	}
	if err := produce(); err != nil {
		return nil, err
	}

	var owned []market.KittyID
	rt.View(func(engine *market.Engine, _ *oracle.Feed, _ *ledger.Ledger) {
		owned = engine.KittiesOf(simAlice)
	})
	if len(owned) < 2 {
		return nil, fmt.Errorf("铸造失败，alice 只有 %d 只 kitty", len(owned))
	}
	result.Listed = owned[0]
	expiry := rt.Head().Number + 6
	if err := submit(
		signed(simAlice, chain.Call{Method: chain.MethodBreed, ParentA: owned[0], ParentB: owned[1]}),
		signed(simAlice, chain.Call{Method: chain.MethodListForSale, Kitty: owned[0], Expiry: expiry, Amount: uint256.NewInt(100)}),
	); err != nil {
		return nil, err
	}
	if err := produce(); err != nil {
		return nil, err
	}

	bids := []struct {
		who    primitives.AccountID
		amount uint64
	}{{simBob, 120}, {simCarol, 150}, {simBob, 200}}
	for _, bid := range bids {
		if err := submit(signed(bid.who, chain.Call{Method: chain.MethodBid, Kitty: owned[0], Amount: uint256.NewInt(bid.amount)})); err != nil {
			return nil, err
		}
		if err := produce(); err != nil {
			return nil, err
		}
	}
	for int(rt.Head().Number) < opts.Blocks || rt.Head().Number < expiry {
		if err := produce(); err != nil {
			return nil, err
		}
	}

	result.Head = rt.Head().Number
	rt.View(func(engine *market.Engine, feed *oracle.Feed, l *ledger.Ledger) {
		kitty, owner, _ := engine.Kitty(result.Listed)
		result.Owner = owner
		result.SalePrice = kitty.LastSalePrice
		result.Kitties = engine.KittyCount()
		result.Average, result.HasAverage = feed.AveragePrice()
		result.BobFree = l.FreeBalance(simBob)
		result.AliceFree = l.FreeBalance(simAlice)
	})

	if opts.Verify {
		if err := verifySnapshot(ctx, rt, cfg, opts.Seed, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// verifySnapshot 把状态写入内存 LevelDB 后恢复到新运行时，并比较链头。
func verifySnapshot(ctx context.Context, rt *chain.Runtime, cfg chain.Config, seed string, result *simulationResult) error {
	store, err := leveldb.OpenMemory(2)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := rt.SaveTo(ctx, store); err != nil {
		return err
	}
	restored := chain.NewRuntime(cfg, randomness.NewChained(seed))
	if _, err := restored.LoadFrom(ctx, store); err != nil {
		return err
	}
	result.RestoredAt = restored.Head().Number
	result.RestoreSame = restored.Head() == rt.Head()
	return nil
}
