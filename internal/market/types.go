package market

import (
	"sort"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"KittyMarket-Chain/internal/primitives"
	"KittyMarket-Chain/internal/randomness"
)

type (
	AccountID   = primitives.AccountID
	BlockNumber = primitives.BlockNumber
)

// KittyID 是 kitty 的唯一编号，由单调计数器分配。
type KittyID uint32

// SalePrice 记录最近一次成交。
type SalePrice struct {
	Amount *uint256.Int     `json:"amount"`
	USD    *decimal.Decimal `json:"usd_equivalent,omitempty"`
	Block  BlockNumber      `json:"block"`
}

// Kitty 描述一只 kitty，DNA 铸造后不可变。
type Kitty struct {
	ID            KittyID        `json:"id"`
	DNA           randomness.DNA `json:"dna"`
	Stake         *uint256.Int   `json:"stake"`
	LastSalePrice *SalePrice     `json:"last_sale_price,omitempty"`
}

// Listing 是一次限时拍卖。
type Listing struct {
	Seller       AccountID    `json:"seller"`
	Expiry       BlockNumber  `json:"expiry_block"`
	ReservePrice *uint256.Int `json:"reserve_price"`
}

// Bid 是当前最高出价，金额已在出价人的账户上锁定。
type Bid struct {
	Bidder AccountID    `json:"bidder"`
	Amount *uint256.Int `json:"amount"`
}

// PendingSettlement 记录一次资金划转失败的结算。资金保持锁定，kitty 被冻结，
// 直到后续区块重试成功或运维人员退款。
type PendingSettlement struct {
	Seller    AccountID    `json:"seller"`
	Bidder    AccountID    `json:"bidder"`
	Amount    *uint256.Int `json:"amount"`
	Expiry    BlockNumber  `json:"expiry_block"`
	FailedAt  BlockNumber  `json:"failed_at"`
	Attempts  int          `json:"attempts"`
	LastError string       `json:"last_error"`
}

// MarketplaceState 聚合市场的全部可变状态。每个 Engine 持有独立的一份。
type MarketplaceState struct {
	Block       BlockNumber                    `json:"block"`
	Draws       uint32                         `json:"draws"`
	NextKittyID KittyID                        `json:"next_kitty_id"`
	Kitties     map[KittyID]*Kitty             `json:"kitties"`
	Owners      map[KittyID]AccountID          `json:"owners"`
	Owned       map[AccountID][]KittyID        `json:"owned"`
	Listings    map[KittyID]*Listing           `json:"listings"`
	Expiries    map[BlockNumber][]KittyID      `json:"expiries"`
	Bids        map[KittyID]*Bid               `json:"bids"`
	Pending     map[KittyID]*PendingSettlement `json:"pending"`
	Nonces      map[AccountID]uint64           `json:"nonces"`
}

// NewState 返回空的市场状态。
func NewState() *MarketplaceState {
	s := &MarketplaceState{}
	s.normalize()
	return s
}

func (s *MarketplaceState) normalize() {
	if s.Kitties == nil {
		s.Kitties = make(map[KittyID]*Kitty)
	}
	if s.Owners == nil {
		s.Owners = make(map[KittyID]AccountID)
	}
	if s.Owned == nil {
		s.Owned = make(map[AccountID][]KittyID)
	}
	if s.Listings == nil {
		s.Listings = make(map[KittyID]*Listing)
	}
	if s.Expiries == nil {
		s.Expiries = make(map[BlockNumber][]KittyID)
	}
	if s.Bids == nil {
		s.Bids = make(map[KittyID]*Bid)
	}
	if s.Pending == nil {
		s.Pending = make(map[KittyID]*PendingSettlement)
	}
	if s.Nonces == nil {
		s.Nonces = make(map[AccountID]uint64)
	}
}

// frozen reports whether the kitty is listed or waiting for settlement.
func (s *MarketplaceState) frozen(id KittyID) bool {
	if _, ok := s.Listings[id]; ok {
		return true
	}
	_, ok := s.Pending[id]
	return ok
}

func (s *MarketplaceState) addOwned(who AccountID, id KittyID) {
	s.Owned[who] = append(s.Owned[who], id)
}

func (s *MarketplaceState) removeOwned(who AccountID, id KittyID) {
	ids := s.Owned[who]
	for i, v := range ids {
		if v == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.Owned, who)
		return
	}
	s.Owned[who] = ids
}

func (s *MarketplaceState) setOwner(id KittyID, from, to AccountID) {
	s.removeOwned(from, id)
	s.Owners[id] = to
	s.addOwned(to, id)
}

func (s *MarketplaceState) dueBlocks(n BlockNumber) []BlockNumber {
	var due []BlockNumber
	for b := range s.Expiries {
		if b <= n {
			due = append(due, b)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })
	return due
}

func sortedIDs[V any](m map[KittyID]V) []KittyID {
	ids := make([]KittyID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
