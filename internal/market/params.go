package market

import "github.com/holiman/uint256"

// Params 是市场的运行参数。
type Params struct {
	// MinBidIncrement 是相邻两次出价之间的最小差额。
	MinBidIncrement *uint256.Int
	// MinSaleSpan 是挂单到期前至少需要经过的区块数。
	MinSaleSpan BlockNumber
	// KittyStake 在铸造时从主人账户锁定，随 kitty 转移。零表示不锁定。
	KittyStake *uint256.Int
	// MaxKittiesOwned 是单个账户可持有的 kitty 上限，零表示不限制。
	MaxKittiesOwned int
	// CurrencyDecimals 用于把链上金额换算为法币。
	CurrencyDecimals int32
}

// DefaultParams 返回默认参数。
func DefaultParams() Params {
	return Params{
		MinBidIncrement:  uint256.NewInt(1),
		MinSaleSpan:      1,
		KittyStake:       new(uint256.Int),
		MaxKittiesOwned:  0,
		CurrencyDecimals: 12,
	}
}

func (p *Params) normalize() {
	if p.MinBidIncrement == nil {
		p.MinBidIncrement = new(uint256.Int)
	}
	if p.KittyStake == nil {
		p.KittyStake = new(uint256.Int)
	}
	if p.CurrencyDecimals < 0 {
		p.CurrencyDecimals = 0
	}
}
