package chain

import (
	"github.com/holiman/uint256"

	xerrors "KittyMarket-Chain/internal/errors"
	"KittyMarket-Chain/internal/market"
	"KittyMarket-Chain/internal/primitives"
)

// Method 是可分发的外部调用。
type Method string

const (
	MethodCreate                   Method = "create"
	MethodBreed                    Method = "breed"
	MethodTransfer                 Method = "transfer"
	MethodListForSale              Method = "list_for_sale"
	MethodBid                      Method = "bid"
	MethodSubmitPrice              Method = "submit_price"
	MethodSubmitPriceUnsigned      Method = "submit_price_unsigned"
	MethodReleasePendingSettlement Method = "release_pending_settlement"
)

// Unsigned 表示调用不带签名者，只能经由交易池的无签名校验进入区块。
func (m Method) Unsigned() bool { return m == MethodSubmitPriceUnsigned }

func (m Method) known() bool {
	switch m {
	case MethodCreate, MethodBreed, MethodTransfer, MethodListForSale, MethodBid,
		MethodSubmitPrice, MethodSubmitPriceUnsigned, MethodReleasePendingSettlement:
		return true
	}
	return false
}

// Call 是调用及其参数。未使用的参数保持零值。
type Call struct {
	Method  Method                 `json:"method"`
	Kitty   market.KittyID         `json:"kitty_id,omitempty"`
	ParentA market.KittyID         `json:"parent_a,omitempty"`
	ParentB market.KittyID         `json:"parent_b,omitempty"`
	To      primitives.AccountID   `json:"to,omitempty"`
	Expiry  primitives.BlockNumber `json:"expiry_block,omitempty"`
	Amount  *uint256.Int           `json:"amount,omitempty"`
	Price   uint32                 `json:"price,omitempty"`
	Block   primitives.BlockNumber `json:"block,omitempty"`
}

// Extrinsic 是进入交易池的一笔交易。链上不做签名校验，Signer 即调用来源。
type Extrinsic struct {
	ID     string                `json:"id"`
	Signer *primitives.AccountID `json:"signer,omitempty"`
	Call   Call                  `json:"call"`
}

// Receipt 记录一笔交易在区块中的执行结果。
type Receipt struct {
	ExtrinsicID string                   `json:"extrinsic_id"`
	Method      Method                   `json:"method"`
	Index       int                      `json:"index"`
	Success     bool                     `json:"success"`
	ErrorCode   xerrors.Code             `json:"error_code,omitempty"`
	Error       string                   `json:"error,omitempty"`
	Kitty       *market.KittyID          `json:"kitty_id,omitempty"`
	Events      []primitives.EventRecord `json:"events,omitempty"`
}

// CodeUnknownMethod 表示调用方法不存在。
const CodeUnknownMethod xerrors.Code = "UNKNOWN_METHOD"

// CodePoolFull 表示交易池已满。
const CodePoolFull xerrors.Code = "POOL_FULL"

var (
	// ErrUnknownMethod 表示调用方法不存在。
	ErrUnknownMethod = xerrors.New(CodeUnknownMethod, "unknown method")
	// ErrPoolFull 表示交易池已满。
	ErrPoolFull = xerrors.New(CodePoolFull, "transaction pool is full")
)

func init() {
	xerrors.Register(CodeUnknownMethod, xerrors.Attributes{
		Message:  "unknown method",
		Category: xerrors.CategoryState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodePoolFull, xerrors.Attributes{
		Message:   "transaction pool is full",
		Category:  xerrors.CategoryInternal,
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// checkOrigin 校验调用来源与方法是否匹配。
func checkOrigin(xt Extrinsic) error {
	if !xt.Call.Method.known() {
		return ErrUnknownMethod
	}
	if xt.Call.Method.Unsigned() != (xt.Signer == nil) {
		return market.ErrBadOrigin
	}
	return nil
}
