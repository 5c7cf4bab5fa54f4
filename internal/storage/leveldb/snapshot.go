// Package leveldb keeps a bounded history of runtime snapshots in an
// embedded LevelDB database.
package leveldb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"KittyMarket-Chain/internal/chain"
	xerrors "KittyMarket-Chain/internal/errors"
	"KittyMarket-Chain/internal/primitives"
)

// DefaultRetain 是默认保留的快照数量。
const DefaultRetain = 16

var (
	snapshotPrefix = []byte("snapshot/")
	latestKey      = []byte("meta/latest")
)

// SnapshotStore 以区块号为键保存快照，只保留最近的若干份。
type SnapshotStore struct {
	db     *leveldb.DB
	retain int
}

var _ chain.SnapshotStore = (*SnapshotStore)(nil)

// Open 打开磁盘上的 LevelDB。
func Open(path string, retain int) (*SnapshotStore, error) {
	if path == "" {
		return nil, errors.New("LevelDB 路径不能为空")
	}
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("打开 LevelDB 失败: %w", err)
	}
	return newSnapshotStore(db, retain), nil
}

// OpenMemory 打开仅驻留内存的 LevelDB，用于测试和模拟。
func OpenMemory(retain int) (*SnapshotStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("打开内存 LevelDB 失败: %w", err)
	}
	return newSnapshotStore(db, retain), nil
}

func newSnapshotStore(db *leveldb.DB, retain int) *SnapshotStore {
	if retain <= 0 {
		retain = DefaultRetain
	}
	return &SnapshotStore{db: db, retain: retain}
}

func snapshotKey(head primitives.BlockNumber) []byte {
	key := make([]byte, len(snapshotPrefix)+8)
	copy(key, snapshotPrefix)
	binary.BigEndian.PutUint64(key[len(snapshotPrefix):], uint64(head))
	return key
}

// SaveSnapshot 写入快照并裁剪旧快照。
func (s *SnapshotStore) SaveSnapshot(_ context.Context, head primitives.BlockNumber, payload []byte) error {
	batch := new(leveldb.Batch)
	batch.Put(snapshotKey(head), payload)
	batch.Put(latestKey, snapshotKey(head))

	iter := s.db.NewIterator(util.BytesPrefix(snapshotPrefix), nil)
	var keys [][]byte
	for iter.Next() {
		if binary.BigEndian.Uint64(iter.Key()[len(snapshotPrefix):]) == uint64(head) {
			continue
		}
		keys = append(keys, append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历快照失败")
	}
	// 加上本次写入共保留 retain 份
	if excess := len(keys) + 1 - s.retain; excess > 0 {
		for _, key := range keys[:excess] {
			batch.Delete(key)
		}
	}

	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "LevelDB 写入快照失败", xerrors.WithMetadata("head", head.String()))
	}
	return nil
}

// LoadSnapshot 读取最新快照。
func (s *SnapshotStore) LoadSnapshot(_ context.Context) ([]byte, error) {
	key, err := s.db.Get(latestKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, chain.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "LevelDB 读取快照索引失败")
	}
	return s.get(key)
}

// LoadAt 读取指定区块的快照。
func (s *SnapshotStore) LoadAt(head primitives.BlockNumber) ([]byte, error) {
	return s.get(snapshotKey(head))
}

func (s *SnapshotStore) get(key []byte) ([]byte, error) {
	payload, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, chain.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "LevelDB 读取快照失败")
	}
	return payload, nil
}

// Heads 返回已保存快照的区块号，升序。
func (s *SnapshotStore) Heads() ([]primitives.BlockNumber, error) {
	iter := s.db.NewIterator(util.BytesPrefix(snapshotPrefix), nil)
	defer iter.Release()
	var heads []primitives.BlockNumber
	for iter.Next() {
		heads = append(heads, primitives.BlockNumber(binary.BigEndian.Uint64(iter.Key()[len(snapshotPrefix):])))
	}
	if err := iter.Error(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历快照失败")
	}
	return heads, nil
}

// Close 关闭数据库。
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}
