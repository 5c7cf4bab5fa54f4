package market

import (
	xerrors "KittyMarket-Chain/internal/errors"
)

const (
	CodeKittyNotFound       xerrors.Code = "KITTY_NOT_FOUND"
	CodeIDOverflow          xerrors.Code = "ID_OVERFLOW"
	CodeNotOwner            xerrors.Code = "NOT_OWNER"
	CodeBidderIsOwner       xerrors.Code = "BIDDER_IS_OWNER"
	CodeTransferToSelf      xerrors.Code = "TRANSFER_TO_SELF"
	CodeBadOrigin           xerrors.Code = "BAD_ORIGIN"
	CodeAlreadyOnSale       xerrors.Code = "ALREADY_ON_SALE"
	CodeKittyNotOnSale      xerrors.Code = "KITTY_NOT_ON_SALE"
	CodeSaleExpired         xerrors.Code = "SALE_EXPIRED"
	CodeKittyListedForSale  xerrors.Code = "KITTY_LISTED_FOR_SALE"
	CodeSameParentID        xerrors.Code = "SAME_PARENT_ID"
	CodeTooManyKitties      xerrors.Code = "TOO_MANY_KITTIES"
	CodeNoPendingSettlement xerrors.Code = "NO_PENDING_SETTLEMENT"
	CodeBidTooLow           xerrors.Code = "BID_TOO_LOW"
	CodeInsufficientBalance xerrors.Code = "INSUFFICIENT_BALANCE"
	CodeExistentialDeposit  xerrors.Code = "EXISTENTIAL_DEPOSIT"
	CodeInvalidBlockNumber  xerrors.Code = "INVALID_BLOCK_NUMBER"
)

var (
	// ErrKittyNotFound 表示 kitty 不存在。
	ErrKittyNotFound = xerrors.New(CodeKittyNotFound, "kitty not found")
	// ErrIDOverflow 表示 kitty 编号已耗尽。
	ErrIDOverflow = xerrors.New(CodeIDOverflow, "kitty id overflow")
	// ErrNotOwner 表示调用者不是 kitty 的主人。
	ErrNotOwner = xerrors.New(CodeNotOwner, "caller is not the owner")
	// ErrBidderIsOwner 表示卖家不能对自己的 kitty 出价。
	ErrBidderIsOwner = xerrors.New(CodeBidderIsOwner, "bidder is the owner")
	// ErrTransferToSelf 表示不能转给自己。
	ErrTransferToSelf = xerrors.New(CodeTransferToSelf, "cannot transfer to self")
	// ErrBadOrigin 表示调用来源无权执行该操作。
	ErrBadOrigin = xerrors.New(CodeBadOrigin, "bad origin")
	// ErrAlreadyOnSale 表示 kitty 已在售。
	ErrAlreadyOnSale = xerrors.New(CodeAlreadyOnSale, "kitty already on sale")
	// ErrKittyNotOnSale 表示 kitty 没有在售。
	ErrKittyNotOnSale = xerrors.New(CodeKittyNotOnSale, "kitty not on sale")
	// ErrSaleExpired 表示拍卖已经过期。
	ErrSaleExpired = xerrors.New(CodeSaleExpired, "sale expired")
	// ErrKittyListedForSale 表示 kitty 在售或待结算，不能转移或繁殖。
	ErrKittyListedForSale = xerrors.New(CodeKittyListedForSale, "kitty listed for sale")
	// ErrSameParentID 表示父母不能是同一只 kitty。
	ErrSameParentID = xerrors.New(CodeSameParentID, "parents must differ")
	// ErrTooManyKitties 表示账户拥有的 kitty 已达上限。
	ErrTooManyKitties = xerrors.New(CodeTooManyKitties, "too many kitties owned")
	// ErrNoPendingSettlement 表示没有待处理的结算。
	ErrNoPendingSettlement = xerrors.New(CodeNoPendingSettlement, "no pending settlement")
	// ErrBidTooLow 表示出价没有超过当前门槛。
	ErrBidTooLow = xerrors.New(CodeBidTooLow, "bid too low")
	// ErrInsufficientBalance 表示可用余额不足。
	ErrInsufficientBalance = xerrors.New(CodeInsufficientBalance, "insufficient balance")
	// ErrExistentialDeposit 表示转账违反最低余额规则。
	ErrExistentialDeposit = xerrors.New(CodeExistentialDeposit, "existential deposit rule violated")
	// ErrInvalidBlockNumber 表示区块号不合法。
	ErrInvalidBlockNumber = xerrors.New(CodeInvalidBlockNumber, "invalid block number")
)

func init() {
	register := func(code xerrors.Code, message string, category xerrors.Category) {
		xerrors.Register(code, xerrors.Attributes{
			Message:  message,
			Category: category,
			Severity: xerrors.SeverityInfo,
		})
	}

	register(CodeKittyNotFound, "kitty not found", xerrors.CategoryIdentity)
	register(CodeNotOwner, "caller is not the owner", xerrors.CategoryAuthorization)
	register(CodeBidderIsOwner, "bidder is the owner", xerrors.CategoryAuthorization)
	register(CodeTransferToSelf, "cannot transfer to self", xerrors.CategoryAuthorization)
	register(CodeBadOrigin, "bad origin", xerrors.CategoryAuthorization)
	register(CodeAlreadyOnSale, "kitty already on sale", xerrors.CategoryState)
	register(CodeKittyNotOnSale, "kitty not on sale", xerrors.CategoryState)
	register(CodeSaleExpired, "sale expired", xerrors.CategoryState)
	register(CodeKittyListedForSale, "kitty listed for sale", xerrors.CategoryState)
	register(CodeSameParentID, "parents must differ", xerrors.CategoryState)
	register(CodeTooManyKitties, "too many kitties owned", xerrors.CategoryState)
	register(CodeNoPendingSettlement, "no pending settlement", xerrors.CategoryState)
	register(CodeBidTooLow, "bid too low", xerrors.CategoryEconomic)
	register(CodeInsufficientBalance, "insufficient balance", xerrors.CategoryEconomic)
	register(CodeInvalidBlockNumber, "invalid block number", xerrors.CategoryTemporal)

	xerrors.Register(CodeIDOverflow, xerrors.Attributes{
		Message:  "kitty id overflow",
		Category: xerrors.CategoryIdentity,
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeExistentialDeposit, xerrors.Attributes{
		Message:  "existential deposit rule violated",
		Category: xerrors.CategoryEconomic,
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}
