package market

import (
	"errors"
	"math"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"KittyMarket-Chain/internal/ledger"
	"KittyMarket-Chain/internal/primitives"
	"KittyMarket-Chain/internal/randomness"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol = common.HexToAddress("0x00000000000000000000000000000000000ca201")
)

type harness struct {
	engine *Engine
	ledger *ledger.Ledger
	events *primitives.EventLog
}

func amount(v uint64) *uint256.Int { return uint256.NewInt(v) }

func newHarness(t *testing.T, params Params, opts ...Option) *harness {
	t.Helper()
	l := ledger.New(nil)
	for _, who := range []common.Address{alice, bob, carol} {
		require.NoError(t, l.Deposit(who, amount(1_000)))
	}
	events := &primitives.EventLog{}
	seed := randomness.Fixed(common.HexToHash("0x5eed"))
	return &harness{
		engine: NewEngine(params, l, seed, events, opts...),
		ledger: l,
		events: events,
	}
}

func (h *harness) advance(t *testing.T, n BlockNumber) BlockReport {
	t.Helper()
	report, err := h.engine.AdvanceBlock(n)
	require.NoError(t, err)
	return report
}

func (h *harness) free(who common.Address) uint64 {
	v := h.ledger.FreeBalance(who)
	return v.Uint64()
}

func (h *harness) reserved(who common.Address) uint64 {
	v := h.ledger.ReservedBalance(who)
	return v.Uint64()
}

func (h *harness) eventNames() []string {
	var names []string
	for _, rec := range h.events.Drain() {
		names = append(names, rec.Name)
	}
	return names
}

func TestAuctionSettlesToHighestBidder(t *testing.T) {
	h := newHarness(t, DefaultParams())
	h.advance(t, 1)

	id, err := h.engine.Create(alice)
	require.NoError(t, err)
	require.Equal(t, KittyID(0), id)
	require.NoError(t, h.engine.ListForSale(alice, id, 10, amount(50)))

	h.advance(t, 2)
	require.NoError(t, h.engine.Bid(bob, id, amount(60)))
	require.Equal(t, uint64(60), h.reserved(bob))

	h.advance(t, 3)
	require.NoError(t, h.engine.Bid(carol, id, amount(100)))
	require.Equal(t, uint64(0), h.reserved(bob))
	require.Equal(t, uint64(1_000), h.free(bob))
	require.Equal(t, uint64(100), h.reserved(carol))

	h.events.Drain()
	report := h.advance(t, 10)
	require.Equal(t, []KittyID{id}, report.Sold)

	require.Equal(t, uint64(1_100), h.free(alice))
	require.Equal(t, uint64(900), h.free(carol))
	require.Equal(t, uint64(0), h.reserved(carol))
	owner, ok := h.engine.OwnerOf(id)
	require.True(t, ok)
	require.Equal(t, carol, owner)
	_, listed := h.engine.Listing(id)
	require.False(t, listed)
	require.Empty(t, h.engine.State().Bids)
	require.Equal(t, []KittyID{id}, h.engine.KittiesOf(carol))
	require.Empty(t, h.engine.KittiesOf(alice))
	require.Equal(t, []string{"KittyTransferred", "KittySold"}, h.eventNames())

	kitty, _, _ := h.engine.Kitty(id)
	require.NotNil(t, kitty.LastSalePrice)
	require.Equal(t, uint64(100), kitty.LastSalePrice.Amount.Uint64())
	require.Nil(t, kitty.LastSalePrice.USD)
}

func TestOwnerCannotBid(t *testing.T) {
	h := newHarness(t, DefaultParams())
	h.advance(t, 1)
	id, err := h.engine.Create(alice)
	require.NoError(t, err)
	require.NoError(t, h.engine.ListForSale(alice, id, 5, amount(10)))

	err = h.engine.Bid(alice, id, amount(20))
	require.True(t, errors.Is(err, ErrBidderIsOwner))
	require.Equal(t, uint64(0), h.reserved(alice))
}

func TestBidAfterExpiryLeavesNoTrace(t *testing.T) {
	h := newHarness(t, DefaultParams())
	h.advance(t, 1)
	id, err := h.engine.Create(alice)
	require.NoError(t, err)
	require.NoError(t, h.engine.ListForSale(alice, id, 5, amount(10)))
	h.events.Drain()

	// a listing that outlived its expiry, as restored from an old snapshot
	h.engine.State().Block = 7

	err = h.engine.Bid(bob, id, amount(20))
	require.True(t, errors.Is(err, ErrSaleExpired))
	require.Equal(t, uint64(1_000), h.free(bob))
	require.Equal(t, uint64(0), h.reserved(bob))
	require.Empty(t, h.engine.State().Bids)
	require.Zero(t, h.events.Len())
}

func TestBidThresholds(t *testing.T) {
	params := DefaultParams()
	params.MinBidIncrement = amount(5)
	h := newHarness(t, params)
	h.advance(t, 1)
	id, err := h.engine.Create(alice)
	require.NoError(t, err)

	require.True(t, errors.Is(h.engine.Bid(bob, id, amount(10)), ErrKittyNotOnSale))
	require.True(t, errors.Is(h.engine.Bid(bob, 42, amount(10)), ErrKittyNotFound))

	require.NoError(t, h.engine.ListForSale(alice, id, 10, amount(50)))
	require.True(t, errors.Is(h.engine.Bid(bob, id, amount(50)), ErrBidTooLow), "first bid must exceed reserve")
	require.NoError(t, h.engine.Bid(bob, id, amount(51)))
	require.True(t, errors.Is(h.engine.Bid(carol, id, amount(56)), ErrBidTooLow), "must exceed previous plus increment")
	require.NoError(t, h.engine.Bid(carol, id, amount(57)))
	require.True(t, errors.Is(h.engine.Bid(bob, id, amount(5_000)), ErrInsufficientBalance))

	view, ok := h.engine.Listing(id)
	require.True(t, ok)
	require.Equal(t, carol, view.Bid.Bidder)
	require.Equal(t, uint64(57), view.Bid.Amount.Uint64())
}

func TestBidsStrictlyIncrease(t *testing.T) {
	h := newHarness(t, DefaultParams())
	h.advance(t, 1)
	id, err := h.engine.Create(alice)
	require.NoError(t, err)
	require.NoError(t, h.engine.ListForSale(alice, id, 20, amount(3)))

	bidders := []common.Address{bob, carol}
	offers := []uint64{2, 4, 4, 6, 5, 9, 30, 31, 33}
	var last uint64 = 3
	var accepted []uint64
	for i, offer := range offers {
		if h.engine.Bid(bidders[i%2], id, amount(offer)) == nil {
			accepted = append(accepted, offer)
		}
	}
	for _, v := range accepted {
		require.Greater(t, v, last)
		last = v
	}
	require.Equal(t, []uint64{4, 6, 9, 30, 33}, accepted)
}

func TestOutbidRefundKeepsTotalBalance(t *testing.T) {
	h := newHarness(t, DefaultParams())
	h.advance(t, 1)
	id, err := h.engine.Create(alice)
	require.NoError(t, err)
	require.NoError(t, h.engine.ListForSale(alice, id, 10, amount(0)))

	require.NoError(t, h.engine.Bid(bob, id, amount(300)))
	before := h.free(bob) + h.reserved(bob)
	require.NoError(t, h.engine.Bid(carol, id, amount(400)))
	require.Equal(t, before, h.free(bob)+h.reserved(bob))
	require.Equal(t, uint64(1_000), h.free(bob))
}

func TestRaiseOwnBidReservesDelta(t *testing.T) {
	h := newHarness(t, DefaultParams())
	h.advance(t, 1)
	id, err := h.engine.Create(alice)
	require.NoError(t, err)
	require.NoError(t, h.engine.ListForSale(alice, id, 10, amount(0)))

	require.NoError(t, h.engine.Bid(bob, id, amount(600)))
	require.NoError(t, h.engine.Bid(bob, id, amount(900)))
	require.Equal(t, uint64(900), h.reserved(bob))
	require.Equal(t, uint64(100), h.free(bob))
}

func TestUnsoldListingEnds(t *testing.T) {
	h := newHarness(t, DefaultParams())
	h.advance(t, 1)
	id, err := h.engine.Create(alice)
	require.NoError(t, err)
	require.NoError(t, h.engine.ListForSale(alice, id, 4, amount(10)))

	_, listed := h.engine.Listing(id)
	require.True(t, listed)

	h.events.Drain()
	report := h.advance(t, 6)
	require.Equal(t, []KittyID{id}, report.Ended)
	_, listed = h.engine.Listing(id)
	require.False(t, listed)
	owner, _ := h.engine.OwnerOf(id)
	require.Equal(t, alice, owner)
	require.Equal(t, []string{"KittySaleEnded"}, h.eventNames())
	require.Empty(t, h.engine.State().Expiries)

	require.NoError(t, h.engine.ListForSale(alice, id, 9, amount(10)), "kitty can be listed again")
}

func TestSettlementOrderIsByExpiryThenID(t *testing.T) {
	h := newHarness(t, DefaultParams())
	h.advance(t, 1)
	for i := 0; i < 3; i++ {
		_, err := h.engine.Create(alice)
		require.NoError(t, err)
	}
	require.NoError(t, h.engine.ListForSale(alice, 2, 5, amount(0)))
	require.NoError(t, h.engine.ListForSale(alice, 0, 5, amount(0)))
	require.NoError(t, h.engine.ListForSale(alice, 1, 4, amount(0)))

	report := h.advance(t, 8)
	require.Equal(t, []KittyID{1, 0, 2}, report.Ended)
}

func TestAdvanceBlockMustIncrease(t *testing.T) {
	h := newHarness(t, DefaultParams())
	_, err := h.engine.AdvanceBlock(0)
	require.True(t, errors.Is(err, ErrInvalidBlockNumber))
	h.advance(t, 3)
	_, err = h.engine.AdvanceBlock(3)
	require.True(t, errors.Is(err, ErrInvalidBlockNumber))
}

func TestListForSaleValidation(t *testing.T) {
	params := DefaultParams()
	params.MinSaleSpan = 3
	h := newHarness(t, params)
	h.advance(t, 5)
	id, err := h.engine.Create(alice)
	require.NoError(t, err)

	require.True(t, errors.Is(h.engine.ListForSale(alice, 9, 20, nil), ErrKittyNotFound))
	require.True(t, errors.Is(h.engine.ListForSale(bob, id, 20, nil), ErrNotOwner))
	require.True(t, errors.Is(h.engine.ListForSale(alice, id, 5, nil), ErrInvalidBlockNumber))
	require.True(t, errors.Is(h.engine.ListForSale(alice, id, 7, nil), ErrInvalidBlockNumber))
	require.NoError(t, h.engine.ListForSale(alice, id, 8, nil))
	require.True(t, errors.Is(h.engine.ListForSale(alice, id, 20, nil), ErrAlreadyOnSale))
}

func TestListedKittyIsFrozen(t *testing.T) {
	h := newHarness(t, DefaultParams())
	h.advance(t, 1)
	a, err := h.engine.Create(alice)
	require.NoError(t, err)
	b, err := h.engine.Create(alice)
	require.NoError(t, err)
	require.NoError(t, h.engine.ListForSale(alice, a, 10, amount(1)))

	require.True(t, errors.Is(h.engine.Transfer(alice, bob, a), ErrKittyListedForSale))
	_, err = h.engine.Breed(alice, a, b)
	require.True(t, errors.Is(err, ErrKittyListedForSale))
}

func TestTransferValidation(t *testing.T) {
	h := newHarness(t, DefaultParams())
	h.advance(t, 1)
	id, err := h.engine.Create(alice)
	require.NoError(t, err)

	require.True(t, errors.Is(h.engine.Transfer(alice, bob, 5), ErrKittyNotFound))
	require.True(t, errors.Is(h.engine.Transfer(bob, carol, id), ErrNotOwner))
	require.True(t, errors.Is(h.engine.Transfer(alice, alice, id), ErrTransferToSelf))

	h.events.Drain()
	require.NoError(t, h.engine.Transfer(alice, bob, id))
	owner, _ := h.engine.OwnerOf(id)
	require.Equal(t, bob, owner)
	require.Equal(t, []string{"KittyTransferred"}, h.eventNames())
}

func TestKittyStakeFollowsOwner(t *testing.T) {
	params := DefaultParams()
	params.KittyStake = amount(100)
	h := newHarness(t, params)
	h.advance(t, 1)

	id, err := h.engine.Create(alice)
	require.NoError(t, err)
	require.Equal(t, uint64(100), h.reserved(alice))

	require.NoError(t, h.engine.Transfer(alice, bob, id))
	require.Equal(t, uint64(0), h.reserved(alice))
	require.Equal(t, uint64(100), h.reserved(bob))

	require.NoError(t, h.engine.ListForSale(bob, id, 5, amount(0)))
	require.NoError(t, h.engine.Bid(carol, id, amount(200)))
	h.advance(t, 5)

	require.Equal(t, uint64(0), h.reserved(bob))
	require.Equal(t, uint64(1_200), h.free(bob))
	require.Equal(t, uint64(100), h.reserved(carol))
	require.Equal(t, uint64(700), h.free(carol))
}

func TestCreateNeedsStake(t *testing.T) {
	params := DefaultParams()
	params.KittyStake = amount(2_000)
	h := newHarness(t, params)
	_, err := h.engine.Create(alice)
	require.True(t, errors.Is(err, ErrInsufficientBalance))
	require.Zero(t, h.engine.KittyCount())
	require.Zero(t, h.events.Len())
}

func TestMaxKittiesOwned(t *testing.T) {
	params := DefaultParams()
	params.MaxKittiesOwned = 2
	h := newHarness(t, params)
	h.advance(t, 1)

	a, err := h.engine.Create(alice)
	require.NoError(t, err)
	b, err := h.engine.Create(alice)
	require.NoError(t, err)
	_, err = h.engine.Create(alice)
	require.True(t, errors.Is(err, ErrTooManyKitties))
	_, err = h.engine.Breed(alice, a, b)
	require.True(t, errors.Is(err, ErrTooManyKitties))

	c, err := h.engine.Create(bob)
	require.NoError(t, err)
	_, err = h.engine.Create(bob)
	require.NoError(t, err)
	require.True(t, errors.Is(h.engine.Transfer(alice, bob, a), ErrTooManyKitties))
	require.NoError(t, h.engine.Transfer(bob, carol, c))
}

func TestAuctionRespectsOwnedLimit(t *testing.T) {
	params := DefaultParams()
	params.MaxKittiesOwned = 1
	h := newHarness(t, params)
	h.advance(t, 1)

	_, err := h.engine.Create(bob)
	require.NoError(t, err)
	id, err := h.engine.Create(alice)
	require.NoError(t, err)
	require.NoError(t, h.engine.ListForSale(alice, id, 5, amount(10)))

	require.True(t, errors.Is(h.engine.Bid(bob, id, amount(20)), ErrTooManyKitties))
	require.Zero(t, h.reserved(bob))

	// carol bids with room to spare, then fills her slot before the sale closes
	require.NoError(t, h.engine.Bid(carol, id, amount(20)))
	_, err = h.engine.Create(carol)
	require.NoError(t, err)
	h.events.Drain()

	report := h.advance(t, 5)
	require.Equal(t, []KittyID{id}, report.Ended)
	require.Empty(t, report.Sold)
	require.Equal(t, []string{"KittySaleEnded"}, h.eventNames())
	owner, _ := h.engine.OwnerOf(id)
	require.Equal(t, alice, owner)
	require.Len(t, h.engine.KittiesOf(carol), 1)
	require.Zero(t, h.reserved(carol))
	require.Equal(t, uint64(1_000), h.free(carol))
	require.Equal(t, uint64(1_000), h.free(alice))
}

func TestPendingSettlementWaitsWhileWinnerAtOwnedLimit(t *testing.T) {
	params := DefaultParams()
	params.MaxKittiesOwned = 1
	l := ledger.New(amount(500))
	require.NoError(t, l.Deposit(bob, amount(1_000)))
	engine := NewEngine(params, l, randomness.Fixed{}, nil)
	_, err := engine.AdvanceBlock(1)
	require.NoError(t, err)

	id, err := engine.Create(alice)
	require.NoError(t, err)
	require.NoError(t, engine.ListForSale(alice, id, 2, nil))
	require.NoError(t, engine.Bid(bob, id, amount(100)))
	report, err := engine.AdvanceBlock(2)
	require.NoError(t, err)
	require.Equal(t, []KittyID{id}, report.Failed)

	_, err = engine.Create(bob)
	require.NoError(t, err)
	require.NoError(t, l.Deposit(alice, amount(500)))
	report, err = engine.AdvanceBlock(3)
	require.NoError(t, err)
	require.Empty(t, report.Recovered)
	pending := engine.PendingSettlements()[id]
	require.Equal(t, 2, pending.Attempts)
	require.Equal(t, ErrTooManyKitties.Error(), pending.LastError)
	owner, _ := engine.OwnerOf(id)
	require.Equal(t, alice, owner)

	require.NoError(t, engine.ReleasePendingSettlement(id))
	free := l.FreeBalance(bob)
	require.Equal(t, uint64(1_000), free.Uint64())
}

func TestIDOverflow(t *testing.T) {
	h := newHarness(t, DefaultParams())
	h.engine.State().NextKittyID = math.MaxUint32
	_, err := h.engine.Create(alice)
	require.True(t, errors.Is(err, ErrIDOverflow))
	require.Zero(t, h.engine.KittyCount())
}

func TestBreedValidation(t *testing.T) {
	h := newHarness(t, DefaultParams())
	h.advance(t, 1)
	a, err := h.engine.Create(alice)
	require.NoError(t, err)
	b, err := h.engine.Create(bob)
	require.NoError(t, err)

	_, err = h.engine.Breed(alice, a, a)
	require.True(t, errors.Is(err, ErrSameParentID))
	_, err = h.engine.Breed(alice, a, 99)
	require.True(t, errors.Is(err, ErrKittyNotFound))
	_, err = h.engine.Breed(alice, a, b)
	require.True(t, errors.Is(err, ErrNotOwner))
}

func TestBreedMixesParents(t *testing.T) {
	run := func() (randomness.DNA, randomness.DNA, randomness.DNA) {
		h := newHarness(t, DefaultParams())
		h.advance(t, 1)
		a, err := h.engine.Create(alice)
		require.NoError(t, err)
		b, err := h.engine.Create(alice)
		require.NoError(t, err)
		child, err := h.engine.Breed(alice, a, b)
		require.NoError(t, err)

		ka, _, _ := h.engine.Kitty(a)
		kb, _, _ := h.engine.Kitty(b)
		kc, owner, _ := h.engine.Kitty(child)
		require.Equal(t, alice, owner)
		return ka.DNA, kb.DNA, kc.DNA
	}

	dnaA, dnaB, child := run()
	_, _, again := run()
	require.Equal(t, child, again, "breeding is deterministic for a fixed seed")
	require.NotEqual(t, dnaA, child)
	require.NotEqual(t, dnaB, child)
	for i := range child {
		// every bit of the child comes from one of the parents
		require.Zero(t, child[i]&^(dnaA[i]|dnaB[i]))
		require.Zero(t, ^child[i]&(dnaA[i]&dnaB[i]))
	}
}

type fixedPrice uint32

func (p fixedPrice) AveragePrice() (uint32, bool) { return uint32(p), p != 0 }

func TestSaleRecordsUSDEquivalent(t *testing.T) {
	params := DefaultParams()
	params.CurrencyDecimals = 2
	h := newHarness(t, params, WithPriceSource(fixedPrice(612)))
	h.advance(t, 1)
	id, err := h.engine.Create(alice)
	require.NoError(t, err)
	require.NoError(t, h.engine.ListForSale(alice, id, 3, amount(0)))
	require.NoError(t, h.engine.Bid(bob, id, amount(250)))
	h.advance(t, 3)

	kitty, _, _ := h.engine.Kitty(id)
	require.NotNil(t, kitty.LastSalePrice.USD)
	require.Equal(t, "15.30", kitty.LastSalePrice.USD.StringFixed(2))
}

type recordingReporter struct {
	failures []SettlementFailure
}

func (r *recordingReporter) ReportSettlementFailure(f SettlementFailure) {
	r.failures = append(r.failures, f)
}

func TestFailedSettlementIsContained(t *testing.T) {
	reporter := &recordingReporter{}
	params := DefaultParams()
	l := ledger.New(amount(500))
	require.NoError(t, l.Deposit(bob, amount(1_000)))
	// the seller has no account yet, so a 100 payment breaks the minimum balance rule
	events := &primitives.EventLog{}
	engine := NewEngine(params, l, randomness.Fixed{}, events, WithFaultReporter(reporter))
	_, err := engine.AdvanceBlock(1)
	require.NoError(t, err)

	id, err := engine.Create(alice)
	require.NoError(t, err)
	require.NoError(t, engine.ListForSale(alice, id, 3, amount(0)))
	require.NoError(t, engine.Bid(bob, id, amount(100)))

	report, err := engine.AdvanceBlock(3)
	require.NoError(t, err)
	require.Equal(t, []KittyID{id}, report.Failed)
	require.Len(t, reporter.failures, 1)
	require.True(t, errors.Is(reporter.failures[0].Err, ErrExistentialDeposit))

	reserved := l.ReservedBalance(bob)
	require.Equal(t, uint64(100), reserved.Uint64(), "funds stay reserved")
	owner, _ := engine.OwnerOf(id)
	require.Equal(t, alice, owner)
	require.Contains(t, engine.PendingSettlements(), id)

	require.True(t, errors.Is(engine.Transfer(alice, carol, id), ErrKittyListedForSale))
	require.True(t, errors.Is(engine.ListForSale(alice, id, 10, nil), ErrAlreadyOnSale))
	require.True(t, errors.Is(engine.Bid(carol, id, amount(1)), ErrKittyNotOnSale))

	// still failing
	_, err = engine.AdvanceBlock(4)
	require.NoError(t, err)
	require.Equal(t, 2, engine.PendingSettlements()[id].Attempts)

	// once the seller can hold the payment the retry completes the sale
	require.NoError(t, l.Deposit(alice, amount(500)))
	report, err = engine.AdvanceBlock(5)
	require.NoError(t, err)
	require.Equal(t, []KittyID{id}, report.Recovered)
	owner, _ = engine.OwnerOf(id)
	require.Equal(t, bob, owner)
	free := l.FreeBalance(alice)
	require.Equal(t, uint64(600), free.Uint64())
	require.Empty(t, engine.PendingSettlements())
}

func TestReleasePendingSettlementRefunds(t *testing.T) {
	l := ledger.New(amount(500))
	require.NoError(t, l.Deposit(bob, amount(1_000)))
	engine := NewEngine(DefaultParams(), l, randomness.Fixed{}, nil)
	_, err := engine.AdvanceBlock(1)
	require.NoError(t, err)
	id, err := engine.Create(alice)
	require.NoError(t, err)
	require.NoError(t, engine.ListForSale(alice, id, 2, nil))
	require.NoError(t, engine.Bid(bob, id, amount(100)))
	_, err = engine.AdvanceBlock(2)
	require.NoError(t, err)

	require.True(t, errors.Is(engine.ReleasePendingSettlement(id+1), ErrNoPendingSettlement))
	require.NoError(t, engine.ReleasePendingSettlement(id))
	free := l.FreeBalance(bob)
	require.Equal(t, uint64(1_000), free.Uint64())
	require.Empty(t, engine.PendingSettlements())
	require.NoError(t, engine.Transfer(alice, carol, id))
}
