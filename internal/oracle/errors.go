package oracle

import (
	xerrors "KittyMarket-Chain/internal/errors"
)

const (
	CodeStalePrice    xerrors.Code = "STALE_PRICE"
	CodeFuturePrice   xerrors.Code = "FUTURE_PRICE"
	CodePriceInterval xerrors.Code = "PRICE_INTERVAL"
)

var (
	// ErrStalePrice 表示提交的区块早于下一次允许提交的区块。
	ErrStalePrice = xerrors.New(CodeStalePrice, "price submission is stale")
	// ErrFuturePrice 表示提交的区块晚于当前区块。
	ErrFuturePrice = xerrors.New(CodeFuturePrice, "price submission is from the future")
	// ErrPriceInterval 表示同一间隔内已有待处理的价格提交。
	ErrPriceInterval = xerrors.New(CodePriceInterval, "price already submitted for this interval")
)

func init() {
	for code, message := range map[xerrors.Code]string{
		CodeStalePrice:    "price submission is stale",
		CodeFuturePrice:   "price submission is from the future",
		CodePriceInterval: "price already submitted for this interval",
	} {
		xerrors.Register(code, xerrors.Attributes{
			Message:  message,
			Category: xerrors.CategoryTemporal,
			Severity: xerrors.SeverityInfo,
		})
	}
}
