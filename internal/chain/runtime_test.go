package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"KittyMarket-Chain/internal/ledger"
	"KittyMarket-Chain/internal/market"
	"KittyMarket-Chain/internal/oracle"
	"KittyMarket-Chain/internal/primitives"
	"KittyMarket-Chain/internal/randomness"
)

var (
	alice    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol    = common.HexToAddress("0x00000000000000000000000000000000000ca201")
	operator = common.HexToAddress("0x000000000000000000000000000000000000f00d")
)

func newRuntime(t *testing.T, ed uint64) *Runtime {
	t.Helper()
	op := operator
	rt := NewRuntime(Config{
		Market:             market.DefaultParams(),
		Oracle:             oracle.FeedConfig{MaxPrices: 8, UnsignedInterval: 5},
		ExistentialDeposit: ed,
		Operator:           &op,
	}, randomness.Fixed(common.HexToHash("0x5eed")), WithClock(func() time.Time { return time.Unix(0, 0) }))
	for _, who := range []common.Address{alice, bob, carol} {
		require.NoError(t, rt.Endow(who, 1_000))
	}
	return rt
}

func signed(who common.Address, call Call) Extrinsic {
	signer := who
	return Extrinsic{ID: uuid.NewString(), Signer: &signer, Call: call}
}

func produce(t *testing.T, rt *Runtime) *Block {
	t.Helper()
	b, err := rt.ProduceBlock(context.Background())
	require.NoError(t, err)
	return b
}

func produceUntil(t *testing.T, rt *Runtime, n primitives.BlockNumber) *Block {
	t.Helper()
	var b *Block
	for rt.Head().Number < n {
		b = produce(t, rt)
	}
	return b
}

func TestAuctionThroughExtrinsics(t *testing.T) {
	rt := newRuntime(t, 0)

	require.NoError(t, rt.Submit(signed(alice, Call{Method: MethodCreate})))
	b := produce(t, rt)
	require.Len(t, b.Receipts, 1)
	require.True(t, b.Receipts[0].Success)
	require.Equal(t, market.KittyID(0), *b.Receipts[0].Kitty)
	require.Equal(t, "KittyCreated", b.Receipts[0].Events[0].Name)

	require.NoError(t, rt.Submit(signed(alice, Call{Method: MethodListForSale, Kitty: 0, Expiry: 10, Amount: uint256.NewInt(50)})))
	produceUntil(t, rt, 2)

	require.NoError(t, rt.Submit(signed(bob, Call{Method: MethodBid, Kitty: 0, Amount: uint256.NewInt(60)})))
	produceUntil(t, rt, 3)
	require.NoError(t, rt.Submit(signed(carol, Call{Method: MethodBid, Kitty: 0, Amount: uint256.NewInt(100)})))
	require.NoError(t, rt.Submit(signed(alice, Call{Method: MethodBid, Kitty: 0, Amount: uint256.NewInt(200)})))
	b = produceUntil(t, rt, 4)
	require.True(t, b.Receipts[0].Success)
	require.False(t, b.Receipts[1].Success)
	require.Equal(t, market.CodeBidderIsOwner, b.Receipts[1].ErrorCode)
	require.Empty(t, b.Receipts[1].Events)

	b = produceUntil(t, rt, 10)
	var names []string
	for _, ev := range b.Events {
		names = append(names, ev.Name)
	}
	require.Equal(t, []string{"KittyTransferred", "KittySold"}, names)

	rt.View(func(engine *market.Engine, _ *oracle.Feed, l *ledger.Ledger) {
		owner, _ := engine.OwnerOf(0)
		require.Equal(t, carol, owner)
		aliceFree := l.FreeBalance(alice)
		require.Equal(t, uint64(1_100), aliceFree.Uint64())
		bobFree := l.FreeBalance(bob)
		require.Equal(t, uint64(1_000), bobFree.Uint64())
	})
}

func TestOriginChecks(t *testing.T) {
	rt := newRuntime(t, 0)

	err := rt.Submit(Extrinsic{ID: "x", Call: Call{Method: MethodCreate}})
	require.True(t, errors.Is(err, market.ErrBadOrigin))

	err = rt.Submit(signed(alice, Call{Method: MethodSubmitPriceUnsigned, Block: 0, Price: 1}))
	require.True(t, errors.Is(err, market.ErrBadOrigin))

	err = rt.Submit(signed(alice, Call{Method: "mint_gold"}))
	require.True(t, errors.Is(err, ErrUnknownMethod))

	require.NoError(t, rt.Submit(signed(alice, Call{Method: MethodReleasePendingSettlement, Kitty: 0})))
	b := produce(t, rt)
	require.Equal(t, market.CodeBadOrigin, b.Receipts[0].ErrorCode)
}

func TestUnsignedPriceIsThrottled(t *testing.T) {
	rt := newRuntime(t, 0)
	produceUntil(t, rt, 3)

	first := Extrinsic{ID: "p1", Call: Call{Method: MethodSubmitPriceUnsigned, Block: 3, Price: 612}}
	second := Extrinsic{ID: "p2", Call: Call{Method: MethodSubmitPriceUnsigned, Block: 3, Price: 612}}
	require.NoError(t, rt.Submit(first))
	err := rt.Submit(second)
	require.True(t, errors.Is(err, oracle.ErrPriceInterval), "same interval, same priority")
	require.Equal(t, 1, rt.Pool().Len())

	b := produce(t, rt)
	require.Len(t, b.Receipts, 1)
	require.True(t, b.Receipts[0].Success)
	require.Equal(t, "NewPrice", b.Events[0].Name)
	require.Equal(t, primitives.BlockNumber(9), rt.NextUnsignedAt())

	// the watermark moved on, so a second price within the interval never reaches the pool
	err = rt.Submit(Extrinsic{ID: "p3", Call: Call{Method: MethodSubmitPriceUnsigned, Block: 4, Price: 615}})
	require.True(t, errors.Is(err, oracle.ErrStalePrice))
	require.Zero(t, rt.Pool().Len())

	err = rt.Submit(Extrinsic{ID: "p4", Call: Call{Method: MethodSubmitPriceUnsigned, Block: 9, Price: 615}})
	require.True(t, errors.Is(err, oracle.ErrFuturePrice))
}

func TestOutlierCannotDisplaceQueuedPrice(t *testing.T) {
	rt := newRuntime(t, 0)
	produceUntil(t, rt, 3)
	require.NoError(t, rt.Submit(Extrinsic{ID: "seed", Call: Call{Method: MethodSubmitPriceUnsigned, Block: 3, Price: 612}}))
	produce(t, rt)
	next := rt.NextUnsignedAt()
	produceUntil(t, rt, next)

	honest := Extrinsic{ID: "honest", Call: Call{Method: MethodSubmitPriceUnsigned, Block: next, Price: 612}}
	outlier := Extrinsic{ID: "outlier", Call: Call{Method: MethodSubmitPriceUnsigned, Block: next, Price: 900_000}}
	require.NoError(t, rt.Submit(honest))
	err := rt.Submit(outlier)
	require.True(t, errors.Is(err, oracle.ErrPriceInterval), "a farther price must not evict the queued one")
	require.Equal(t, 1, rt.Pool().Len())

	b := produce(t, rt)
	require.Len(t, b.Receipts, 1)
	require.Equal(t, "honest", b.Receipts[0].ExtrinsicID)
	rt.View(func(_ *market.Engine, feed *oracle.Feed, _ *ledger.Ledger) {
		require.Equal(t, []uint32{612, 612}, feed.Prices())
	})
}

func TestPoolReplacesExpiredTagAtCapacity(t *testing.T) {
	pool := NewPool(1)
	tag := []string{"kitties/price@0"}
	require.NoError(t, pool.AddUnsigned(
		Extrinsic{ID: "old", Call: Call{Method: MethodSubmitPriceUnsigned, Block: 0, Price: 1}},
		oracle.ValidTransaction{Priority: 1, Provides: tag, Longevity: 2}, 0))

	err := pool.AddUnsigned(
		Extrinsic{ID: "louder", Call: Call{Method: MethodSubmitPriceUnsigned, Block: 1, Price: 9}},
		oracle.ValidTransaction{Priority: 50, Provides: tag, Longevity: 2}, 1)
	require.True(t, errors.Is(err, oracle.ErrPriceInterval))

	require.NoError(t, pool.AddUnsigned(
		Extrinsic{ID: "fresh", Call: Call{Method: MethodSubmitPriceUnsigned, Block: 2, Price: 2}},
		oracle.ValidTransaction{Priority: 1, Provides: tag, Longevity: 2}, 2))
	require.Equal(t, 1, pool.Len())
	taken := pool.Take(0, 2)
	require.Len(t, taken, 1)
	require.Equal(t, "fresh", taken[0].ID)
}

func TestUnsignedPriceExpiresFromPool(t *testing.T) {
	rt := NewRuntime(Config{Oracle: oracle.FeedConfig{Longevity: 2}}, randomness.Fixed{})
	produceUntil(t, rt, 1)
	require.NoError(t, rt.Pool().AddUnsigned(
		Extrinsic{ID: "old", Call: Call{Method: MethodSubmitPriceUnsigned, Block: 1, Price: 1}},
		oracle.ValidTransaction{Priority: 1, Provides: []string{"kitties/price@0"}, Longevity: 2},
		0,
	))
	require.Empty(t, rt.Pool().Take(0, 2))
}

func TestRelayFeedsPool(t *testing.T) {
	rt := newRuntime(t, 0)
	produceUntil(t, rt, 2)
	relay := NewRelay(rt)

	require.NoError(t, relay.Handle(context.Background(), oracle.Submission{ID: "s1", Block: 2, Price: 600}))
	err := relay.Handle(context.Background(), oracle.Submission{ID: "s2", Block: 5, Price: 600})
	require.True(t, errors.Is(err, oracle.ErrFuturePrice))

	b := produce(t, rt)
	require.True(t, b.Receipts[0].Success)
	rt.View(func(_ *market.Engine, feed *oracle.Feed, _ *ledger.Ledger) {
		require.Equal(t, []uint32{600}, feed.Prices())
	})
}

func TestSignedPriceAndUSDEquivalent(t *testing.T) {
	params := market.DefaultParams()
	params.CurrencyDecimals = 2
	rt := NewRuntime(Config{Market: params}, randomness.Fixed{})
	require.NoError(t, rt.Endow(alice, 1_000))
	require.NoError(t, rt.Endow(bob, 1_000))

	require.NoError(t, rt.Submit(signed(alice, Call{Method: MethodCreate})))
	require.NoError(t, rt.Submit(signed(carol, Call{Method: MethodSubmitPrice, Price: 612})))
	require.NoError(t, rt.Submit(signed(alice, Call{Method: MethodListForSale, Kitty: 0, Expiry: 3})))
	require.NoError(t, rt.Submit(signed(bob, Call{Method: MethodBid, Kitty: 0, Amount: uint256.NewInt(500)})))
	produce(t, rt)
	b := produceUntil(t, rt, 3)

	var sold market.KittySold
	for _, ev := range b.Events {
		if ev.Name == "KittySold" {
			sold = ev.Event.(market.KittySold)
		}
	}
	require.NotNil(t, sold.USD)
	require.Equal(t, "30.60", sold.USD.StringFixed(2))
}

func TestOperatorReleasesPendingSettlement(t *testing.T) {
	rt := newRuntime(t, 500)
	newcomer := common.HexToAddress("0x0000000000000000000000000000000000000e11")

	require.NoError(t, rt.Submit(signed(alice, Call{Method: MethodCreate})))
	produce(t, rt)
	require.NoError(t, rt.Submit(signed(alice, Call{Method: MethodTransfer, To: newcomer, Kitty: 0})))
	produce(t, rt)
	require.NoError(t, rt.Submit(signed(newcomer, Call{Method: MethodListForSale, Kitty: 0, Expiry: 5})))
	require.NoError(t, rt.Submit(signed(bob, Call{Method: MethodBid, Kitty: 0, Amount: uint256.NewInt(100)})))
	produce(t, rt)

	// the seller has no balance, so a 100 payment is below the existential deposit
	b := produceUntil(t, rt, 5)
	require.Equal(t, "KittySettlementFailed", b.Events[0].Name)

	require.NoError(t, rt.Submit(signed(bob, Call{Method: MethodReleasePendingSettlement, Kitty: 0})))
	require.NoError(t, rt.Submit(signed(operator, Call{Method: MethodReleasePendingSettlement, Kitty: 0})))
	b = produce(t, rt)
	require.Equal(t, market.CodeBadOrigin, b.Receipts[0].ErrorCode)
	require.True(t, b.Receipts[1].Success)
	require.Equal(t, "KittySaleEnded", b.Receipts[1].Events[0].Name)

	rt.View(func(engine *market.Engine, _ *oracle.Feed, l *ledger.Ledger) {
		require.Empty(t, engine.PendingSettlements())
		owner, _ := engine.OwnerOf(0)
		require.Equal(t, newcomer, owner)
		free := l.FreeBalance(bob)
		require.Equal(t, uint64(1_000), free.Uint64())
	})
}

func TestSnapshotRoundTrip(t *testing.T) {
	rt := newRuntime(t, 0)
	require.NoError(t, rt.Submit(signed(alice, Call{Method: MethodCreate})))
	produce(t, rt)
	require.NoError(t, rt.Submit(signed(alice, Call{Method: MethodListForSale, Kitty: 0, Expiry: 9, Amount: uint256.NewInt(5)})))
	require.NoError(t, rt.Submit(signed(bob, Call{Method: MethodBid, Kitty: 0, Amount: uint256.NewInt(70)})))
	require.NoError(t, rt.Submit(Extrinsic{ID: "p", Call: Call{Method: MethodSubmitPriceUnsigned, Block: 1, Price: 640}}))
	produce(t, rt)

	head, payload, err := rt.Snapshot()
	require.NoError(t, err)
	require.Equal(t, primitives.BlockNumber(2), head)

	restored := NewRuntime(Config{Market: market.DefaultParams()}, randomness.Fixed(common.HexToHash("0x5eed")))
	require.NoError(t, restored.Restore(payload))
	require.Equal(t, rt.Head(), restored.Head())
	restored.View(func(engine *market.Engine, feed *oracle.Feed, l *ledger.Ledger) {
		view, ok := engine.Listing(0)
		require.True(t, ok)
		require.Equal(t, bob, view.Bid.Bidder)
		require.Equal(t, uint64(70), view.Bid.Amount.Uint64())
		reserved := l.ReservedBalance(bob)
		require.Equal(t, uint64(70), reserved.Uint64())
		require.Equal(t, []uint32{640}, feed.Prices())
		require.Equal(t, primitives.BlockNumber(7), feed.NextUnsignedAt())
	})

	b := produceUntil(t, restored, 9)
	require.Equal(t, "KittySold", b.Events[1].Name)
}

func TestSubscribersReceiveBlocks(t *testing.T) {
	rt := newRuntime(t, 0)
	blocks, cancel := rt.Subscribe(4)
	defer cancel()

	first := produce(t, rt)
	second := produce(t, rt)
	require.Equal(t, first.Number, (<-blocks).Number)
	got := <-blocks
	require.Equal(t, second.Hash, got.Hash)
	require.Equal(t, first.Hash, got.ParentHash)
}
