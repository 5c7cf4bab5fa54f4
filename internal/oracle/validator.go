package oracle

import (
	"fmt"
	"math"

	"KittyMarket-Chain/internal/primitives"
)

const (
	// TagPrefix 是价格交易 provides 标签的前缀。
	TagPrefix = "kitties"
	// DefaultLongevity 是无签名价格交易在交易池中的有效区块数。
	DefaultLongevity = 5
	// DefaultUnsignedPriority 是无签名价格交易的基础优先级。
	DefaultUnsignedPriority uint64 = 1 << 20
)

// Call 是一次无签名价格提交。
type Call struct {
	Block primitives.BlockNumber `json:"block"`
	Price uint32                 `json:"price"`
}

// ValidTransaction 描述交易池接纳一笔交易所需的信息。
type ValidTransaction struct {
	Priority  uint64   `json:"priority"`
	Provides  []string `json:"provides"`
	Longevity uint64   `json:"longevity"`
	Propagate bool     `json:"propagate"`
}

// UnsignedValidator 是无签名价格提交的纯校验逻辑。
type UnsignedValidator struct {
	Longevity uint64
	Priority  uint64
}

// NewUnsignedValidator 返回带默认值的校验器。
func NewUnsignedValidator(longevity, priority uint64) UnsignedValidator {
	if longevity == 0 {
		longevity = DefaultLongevity
	}
	if priority == 0 {
		priority = DefaultUnsignedPriority
	}
	return UnsignedValidator{Longevity: longevity, Priority: priority}
}

// Validate 根据下一次允许提交的区块与当前区块判断调用是否可被接纳。
func (v UnsignedValidator) Validate(call Call, current, nextAllowed primitives.BlockNumber) (ValidTransaction, error) {
	if nextAllowed > call.Block {
		return ValidTransaction{}, ErrStalePrice
	}
	if call.Block > current {
		return ValidTransaction{}, ErrFuturePrice
	}
	return ValidTransaction{
		Priority:  v.Priority,
		Provides:  []string{ProvidesTag(nextAllowed)},
		Longevity: v.Longevity,
		Propagate: true,
	}, nil
}

// ProvidesTag 返回某个提交间隔对应的去重标签。
func ProvidesTag(nextAllowed primitives.BlockNumber) string {
	return fmt.Sprintf("%s/price@%d", TagPrefix, uint64(nextAllowed))
}

// withDistance raises the priority by how far price is from the average.
func (tx ValidTransaction) withDistance(price, average uint32, ok bool) ValidTransaction {
	if !ok {
		return tx
	}
	var distance uint64
	if average > price {
		distance = uint64(average - price)
	} else {
		distance = uint64(price - average)
	}
	if tx.Priority > math.MaxUint64-distance {
		tx.Priority = math.MaxUint64
		return tx
	}
	tx.Priority += distance
	return tx
}
