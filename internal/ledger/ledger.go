// Package ledger is the reservable currency the marketplace settles against.
// Every account has a free and a reserved balance; reserved funds can only
// leave through Unreserve or RepatriateReserved.
package ledger

import (
	"sort"

	"github.com/holiman/uint256"

	xerrors "KittyMarket-Chain/internal/errors"
	"KittyMarket-Chain/internal/primitives"
)

const (
	CodeInsufficientBalance xerrors.Code = "LEDGER_INSUFFICIENT_BALANCE"
	CodeExistentialDeposit  xerrors.Code = "LEDGER_EXISTENTIAL_DEPOSIT"
	CodeOverflow            xerrors.Code = "LEDGER_OVERFLOW"
)

var (
	// ErrInsufficientBalance 表示可用余额不足以完成操作。
	ErrInsufficientBalance = xerrors.New(CodeInsufficientBalance, "insufficient free balance")
	// ErrExistentialDeposit 表示转入金额不足以创建账户。
	ErrExistentialDeposit = xerrors.New(CodeExistentialDeposit, "amount below existential deposit")
	// ErrOverflow 表示余额溢出。
	ErrOverflow = xerrors.New(CodeOverflow, "balance overflow")
)

func init() {
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:  "insufficient free balance",
		Category: xerrors.CategoryEconomic,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeExistentialDeposit, xerrors.Attributes{
		Message:  "amount below existential deposit",
		Category: xerrors.CategoryEconomic,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeOverflow, xerrors.Attributes{
		Message:  "balance overflow",
		Category: xerrors.CategoryEconomic,
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Account holds the balances of a single account.
type Account struct {
	Free     uint256.Int `json:"free"`
	Reserved uint256.Int `json:"reserved"`
}

func (a *Account) total() uint256.Int {
	var t uint256.Int
	t.Add(&a.Free, &a.Reserved)
	return t
}

// Ledger is an in-memory balance book. It is not safe for concurrent use;
// the chain runtime serialises access.
type Ledger struct {
	existentialDeposit uint256.Int
	accounts           map[primitives.AccountID]*Account
}

// New creates a ledger with the given existential deposit. A zero deposit
// disables the minimum balance rule.
func New(existentialDeposit *uint256.Int) *Ledger {
	l := &Ledger{accounts: make(map[primitives.AccountID]*Account)}
	if existentialDeposit != nil {
		l.existentialDeposit.Set(existentialDeposit)
	}
	return l
}

// ExistentialDeposit returns the minimum balance for a new account.
func (l *Ledger) ExistentialDeposit() uint256.Int {
	return l.existentialDeposit
}

// Deposit credits free balance out of thin air. It is used for genesis
// endowments and tests.
func (l *Ledger) Deposit(who primitives.AccountID, amount *uint256.Int) error {
	acc := l.account(who)
	var sum uint256.Int
	if _, overflow := sum.AddOverflow(&acc.Free, amount); overflow {
		return ErrOverflow
	}
	if !l.canExist(acc, &sum) {
		return ErrExistentialDeposit
	}
	acc.Free = sum
	l.accounts[who] = acc
	return nil
}

// FreeBalance returns the spendable balance of an account.
func (l *Ledger) FreeBalance(who primitives.AccountID) uint256.Int {
	if acc, ok := l.accounts[who]; ok {
		return acc.Free
	}
	return uint256.Int{}
}

// ReservedBalance returns the locked balance of an account.
func (l *Ledger) ReservedBalance(who primitives.AccountID) uint256.Int {
	if acc, ok := l.accounts[who]; ok {
		return acc.Reserved
	}
	return uint256.Int{}
}

// Reserve moves amount from free to reserved.
func (l *Ledger) Reserve(who primitives.AccountID, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	acc, ok := l.accounts[who]
	if !ok || acc.Free.Lt(amount) {
		return ErrInsufficientBalance
	}
	acc.Free.Sub(&acc.Free, amount)
	acc.Reserved.Add(&acc.Reserved, amount)
	return nil
}

// Unreserve moves up to amount from reserved back to free and returns the
// part that could not be released.
func (l *Ledger) Unreserve(who primitives.AccountID, amount *uint256.Int) *uint256.Int {
	remaining := new(uint256.Int).Set(amount)
	acc, ok := l.accounts[who]
	if !ok || amount.IsZero() {
		return remaining
	}
	released := new(uint256.Int).Set(amount)
	if acc.Reserved.Lt(amount) {
		released.Set(&acc.Reserved)
	}
	acc.Reserved.Sub(&acc.Reserved, released)
	acc.Free.Add(&acc.Free, released)
	return remaining.Sub(remaining, released)
}

// RepatriateReserved moves amount from the reserved balance of from into the
// free balance of to. The funds never pass through the free balance of from.
// Nothing changes when the call fails.
func (l *Ledger) RepatriateReserved(from, to primitives.AccountID, amount *uint256.Int) error {
	src, ok := l.accounts[from]
	if !ok || src.Reserved.Lt(amount) {
		return ErrInsufficientBalance
	}
	if from == to {
		src.Reserved.Sub(&src.Reserved, amount)
		src.Free.Add(&src.Free, amount)
		return nil
	}
	dst := l.account(to)
	var credited uint256.Int
	if _, overflow := credited.AddOverflow(&dst.Free, amount); overflow {
		return ErrOverflow
	}
	if !l.canExist(dst, &credited) {
		return ErrExistentialDeposit
	}
	src.Reserved.Sub(&src.Reserved, amount)
	dst.Free = credited
	l.accounts[to] = dst
	return nil
}

// Transfer moves free balance between accounts.
func (l *Ledger) Transfer(from, to primitives.AccountID, amount *uint256.Int) error {
	src, ok := l.accounts[from]
	if !ok || src.Free.Lt(amount) {
		return ErrInsufficientBalance
	}
	if from == to {
		return nil
	}
	dst := l.account(to)
	var credited uint256.Int
	if _, overflow := credited.AddOverflow(&dst.Free, amount); overflow {
		return ErrOverflow
	}
	if !l.canExist(dst, &credited) {
		return ErrExistentialDeposit
	}
	src.Free.Sub(&src.Free, amount)
	dst.Free = credited
	l.accounts[to] = dst
	return nil
}

// Accounts returns every known account id in a stable order.
func (l *Ledger) Accounts() []primitives.AccountID {
	ids := make([]primitives.AccountID, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].Cmp(ids[j]) < 0
	})
	return ids
}

// Snapshot copies every account balance.
func (l *Ledger) Snapshot() map[primitives.AccountID]*Account {
	out := make(map[primitives.AccountID]*Account, len(l.accounts))
	for id, acc := range l.accounts {
		copied := *acc
		out[id] = &copied
	}
	return out
}

// Restore replaces the balance book with a snapshot.
func (l *Ledger) Restore(accounts map[primitives.AccountID]*Account) {
	l.accounts = make(map[primitives.AccountID]*Account, len(accounts))
	for id, acc := range accounts {
		if acc == nil {
			continue
		}
		copied := *acc
		l.accounts[id] = &copied
	}
}

// account returns the stored account or a detached zero value.
func (l *Ledger) account(who primitives.AccountID) *Account {
	if acc, ok := l.accounts[who]; ok {
		return acc
	}
	return &Account{}
}

// canExist applies the existential deposit rule to an account whose free
// balance would become newFree.
func (l *Ledger) canExist(acc *Account, newFree *uint256.Int) bool {
	if l.existentialDeposit.IsZero() {
		return true
	}
	var total uint256.Int
	total.Add(newFree, &acc.Reserved)
	return !total.Lt(&l.existentialDeposit)
}
