package chain

import (
	"context"
	"encoding/json"
	"errors"

	xerrors "KittyMarket-Chain/internal/errors"
	"KittyMarket-Chain/internal/ledger"
	"KittyMarket-Chain/internal/market"
	"KittyMarket-Chain/internal/oracle"
	"KittyMarket-Chain/internal/primitives"
)

// ErrSnapshotNotFound 表示存储中还没有快照。
var ErrSnapshotNotFound = xerrors.New(xerrors.CodeNotFound, "snapshot not found")

// SnapshotStore 保存序列化后的运行时状态。
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, head primitives.BlockNumber, payload []byte) error
	LoadSnapshot(ctx context.Context) ([]byte, error)
	Close() error
}

// Snapshot 是运行时的完整状态。
type Snapshot struct {
	Head     Head                                     `json:"head"`
	Market   *market.MarketplaceState                 `json:"market"`
	Accounts map[primitives.AccountID]*ledger.Account `json:"accounts"`
	Oracle   oracle.FeedState                         `json:"oracle"`
}

// Snapshot 导出当前状态的 JSON。
func (r *Runtime) Snapshot() (primitives.BlockNumber, []byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		Head:     r.head,
		Market:   r.engine.State(),
		Accounts: r.ledger.Snapshot(),
		Oracle:   r.feed.State(),
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return 0, nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化快照失败", xerrors.WithRetryable(false))
	}
	return r.head.Number, payload, nil
}

// Restore 从 JSON 快照恢复状态。
func (r *Runtime) Restore(payload []byte) error {
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析快照失败", xerrors.WithRetryable(false))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head = snap.Head
	r.engine.Restore(snap.Market)
	r.ledger.Restore(snap.Accounts)
	r.feed.Restore(snap.Oracle)
	return nil
}

// SaveTo 把快照写入存储。
func (r *Runtime) SaveTo(ctx context.Context, store SnapshotStore) error {
	head, payload, err := r.Snapshot()
	if err != nil {
		return err
	}
	return store.SaveSnapshot(ctx, head, payload)
}

// LoadFrom 从存储恢复快照，存储为空时返回 false。
func (r *Runtime) LoadFrom(ctx context.Context, store SnapshotStore) (bool, error) {
	payload, err := store.LoadSnapshot(ctx)
	if errors.Is(err, ErrSnapshotNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, r.Restore(payload)
}
