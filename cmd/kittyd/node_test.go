package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"KittyMarket-Chain/internal/chain"
	"KittyMarket-Chain/internal/config"
	"KittyMarket-Chain/internal/ledger"
	"KittyMarket-Chain/internal/market"
	"KittyMarket-Chain/internal/oracle"
	"KittyMarket-Chain/internal/primitives"
	"KittyMarket-Chain/internal/storage/mysql"
)

const testAccount = "0x00000000000000000000000000000000000a11ce"

func TestMarketParamsRejectsBadAmount(t *testing.T) {
	cfg := config.Default(t.TempDir()).Market
	cfg.KittyStake = "ten"
	_, err := marketParams(cfg)
	require.Error(t, err)

	cfg.KittyStake = "0x10"
	params, err := marketParams(cfg)
	require.NoError(t, err)
	require.Equal(t, uint64(16), params.KittyStake.Uint64())
}

func TestChainConfigParsesOperator(t *testing.T) {
	cfg := config.Default(t.TempDir())
	cfg.Chain.Operator = testAccount
	out, err := chainConfig(cfg)
	require.NoError(t, err)
	require.NotNil(t, out.Operator)
	require.Equal(t, primitives.BlockNumber(cfg.Oracle.UnsignedInterval), out.Oracle.UnsignedInterval)

	cfg.Chain.Operator = "nobody"
	_, err = chainConfig(cfg)
	require.Error(t, err)
}

func newTestConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg := config.Default(dir)
	cfg.Chain.GenesisBalances = []config.GenesisBalance{{Account: testAccount, Amount: 5_000}}
	cfg.Storage.Snapshots.Driver = "leveldb"
	cfg.Storage.Snapshots.Path = filepath.Join(dir, "snapshots")
	cfg.Oracle.Enabled = true
	return cfg
}

func TestBuildNodeRecordsEventsAndRestoresSnapshot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := newTestConfig(t, dir)

	n, err := buildNode(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, n.queue)
	require.NotNil(t, n.worker)

	who, err := primitives.ParseAccount(testAccount)
	require.NoError(t, err)
	require.NoError(t, n.runtime.Submit(chain.Extrinsic{
		ID:     uuid.NewString(),
		Signer: &who,
		Call:   chain.Call{Method: chain.MethodCreate},
	}))
	block, err := n.runtime.ProduceBlock(ctx)
	require.NoError(t, err)
	n.recordBlock(ctx, block)

	records, err := n.events.List(ctx, mysql.EventQuery{Name: "KittyCreated"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, uint64(1), records[0].Block)

	require.NoError(t, n.runtime.SaveTo(ctx, n.snapshots))
	n.close()

	again, err := buildNode(ctx, cfg)
	require.NoError(t, err)
	defer again.close()
	require.Equal(t, primitives.BlockNumber(1), again.runtime.Head().Number)

	again.runtime.View(func(engine *market.Engine, _ *oracle.Feed, l *ledger.Ledger) {
		require.Len(t, engine.KittiesOf(who), 1)
		free := l.FreeBalance(who)
		require.Equal(t, uint64(5_000), free.Uint64(), "genesis must not be applied twice")
	})

	// 内存事件库会从磁盘重新加载。
	records, err = again.events.List(ctx, mysql.EventQuery{})
	require.NoError(t, err)
	require.NotEmpty(t, records)
}

func TestBuildNodeRejectsBadGenesis(t *testing.T) {
	cfg := newTestConfig(t, t.TempDir())
	cfg.Chain.GenesisBalances = []config.GenesisBalance{{Account: "0xzz", Amount: 1}}
	_, err := buildNode(context.Background(), cfg)
	require.Error(t, err)
}

func TestBuildAuthModes(t *testing.T) {
	ctx := context.Background()
	svc, err := buildAuth(ctx, config.AuthConfig{Mode: "disabled"})
	require.NoError(t, err)
	require.Nil(t, svc)

	svc, err = buildAuth(ctx, config.AuthConfig{
		Mode: "token",
		Tokens: []config.TokenBinding{{
			Name:        "alice",
			Account:     testAccount,
			Token:       "alice-token",
			Permissions: []string{"extrinsics:submit"},
		}},
	})
	require.NoError(t, err)
	subject, err := svc.AuthenticateRequest(ctx, "Bearer alice-token")
	require.NoError(t, err)
	require.Equal(t, "alice", subject.Name)

	_, err = buildAuth(ctx, config.AuthConfig{Mode: "jwt"})
	require.Error(t, err, "jwt mode needs a secret")
}

func TestSimulateSettlesAuction(t *testing.T) {
	result, err := simulate(context.Background(), simulateOptions{Blocks: 10, Verify: true})
	require.NoError(t, err)

	require.Equal(t, primitives.BlockNumber(10), result.Head)
	require.Equal(t, 3, result.Kitties)
	require.Zero(t, result.Failed)
	require.Equal(t, simBob, result.Owner)
	require.NotNil(t, result.SalePrice)
	require.Equal(t, uint64(200), result.SalePrice.Amount.Uint64())
	require.Equal(t, uint64(9_800), result.BobFree.Uint64())
	require.Equal(t, uint64(10_200), result.AliceFree.Uint64())
	require.True(t, result.HasAverage)
	require.True(t, result.RestoreSame)
	require.Equal(t, result.Head, result.RestoredAt)
}
