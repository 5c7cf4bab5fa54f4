package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "KittyMarket-Chain/internal/errors"
	"KittyMarket-Chain/internal/primitives"
)

// EventRecord 是落库后的链上事件。
type EventRecord struct {
	ID        string          `json:"id"`
	Block     uint64          `json:"block"`
	Index     int             `json:"index"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"created_at"`
}

// EventQuery 描述事件查询条件，结果按 (block, index) 升序。
type EventQuery struct {
	FromBlock uint64
	Name      string
	Limit     int
}

// DefaultQueryLimit 是未指定 limit 时的返回条数。
const DefaultQueryLimit = 100

func (q EventQuery) limit() int {
	if q.Limit <= 0 || q.Limit > 1000 {
		return DefaultQueryLimit
	}
	return q.Limit
}

func (q EventQuery) match(r EventRecord) bool {
	if r.Block < q.FromBlock {
		return false
	}
	return q.Name == "" || strings.EqualFold(q.Name, r.Name)
}

// EventRepository 抽象事件历史的持久化接口。
type EventRepository interface {
	Append(ctx context.Context, records []EventRecord) error
	List(ctx context.Context, query EventQuery) ([]EventRecord, error)
	Close() error
}

var eventNamespace = uuid.MustParse("6f0c7d4e-2b1a-4c55-9f3e-6b2d8a1c0e77")

// RecordsOf 把一个区块的事件转换为落库结构。ID 由区块号和序号确定，重复写入是幂等的。
func RecordsOf(block primitives.BlockNumber, at time.Time, events []primitives.EventRecord) ([]EventRecord, error) {
	out := make([]EventRecord, 0, len(events))
	for _, ev := range events {
		payload, err := json.Marshal(ev.Event)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化事件失败", xerrors.WithRetryable(false))
		}
		key := strconv.FormatUint(uint64(block), 10) + "/" + strconv.Itoa(ev.Index)
		out = append(out, EventRecord{
			ID:        uuid.NewSHA1(eventNamespace, []byte(key)).String(),
			Block:     uint64(block),
			Index:     ev.Index,
			Name:      ev.Name,
			Payload:   payload,
			CreatedAt: at.Unix(),
		})
	}
	return out, nil
}

const memoryRetention = 4096

// MemoryEventRepository 使用本地 JSON 行文件保存事件，方便开发调试。
type MemoryEventRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []EventRecord
	seen     map[string]struct{}
}

// NewMemoryEventRepository 创建文件事件仓库。
func NewMemoryEventRepository(dataDir string) (*MemoryEventRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo := &MemoryEventRepository{
		dataFile: filepath.Join(dataDir, "events.log"),
		seen:     make(map[string]struct{}),
	}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Append 以追加写的方式记录事件，已存在的 ID 会被跳过。
func (m *MemoryEventRepository) Append(_ context.Context, records []EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开事件日志失败")
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	for _, record := range records {
		if _, ok := m.seen[record.ID]; ok {
			continue
		}
		encoded, err := json.Marshal(record)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化事件失败", xerrors.WithRetryable(false))
		}
		if _, err := writer.Write(append(encoded, '\n')); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入事件日志失败")
		}
		m.remember(record)
	}
	if err := writer.Flush(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入事件日志失败")
	}
	return nil
}

// List 返回满足条件的事件。
func (m *MemoryEventRepository) List(_ context.Context, query EventQuery) ([]EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := query.limit()
	out := make([]EventRecord, 0, limit)
	for _, record := range m.records {
		if !query.match(record) {
			continue
		}
		out = append(out, record)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Close 实现 EventRepository。
func (m *MemoryEventRepository) Close() error { return nil }

func (m *MemoryEventRepository) remember(record EventRecord) {
	m.records = append(m.records, record)
	m.seen[record.ID] = struct{}{}
	if len(m.records) > memoryRetention {
		for _, dropped := range m.records[:len(m.records)-memoryRetention] {
			delete(m.seen, dropped.ID)
		}
		m.records = append([]EventRecord(nil), m.records[len(m.records)-memoryRetention:]...)
	}
}

func (m *MemoryEventRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取事件日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var record EventRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		if _, ok := m.seen[record.ID]; ok {
			continue
		}
		m.remember(record)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析事件日志失败: %w", err)
	}
	return nil
}

// SQLEventRepository 使用 MySQL 或 PostgreSQL 存储事件。
type SQLEventRepository struct {
	db      *sql.DB
	dialect dialect
}

// NewSQLEventRepository 创建连接池并执行迁移。
func NewSQLEventRepository(ctx context.Context, cfg Config) (*SQLEventRepository, error) {
	db, d, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化事件库失败")
	}
	repo := &SQLEventRepository{db: db, dialect: d}
	if err := repo.runMigrations(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "事件库迁移失败")
	}
	return repo, nil
}

const eventColumns = "id, block_number, event_index, name, payload, created_at"

// Append 在一个事务内写入事件，冲突的 ID 被忽略。
func (s *SQLEventRepository) Append(ctx context.Context, records []EventRecord) error {
	if len(records) == 0 {
		return nil
	}
	stmt := s.dialect.insertIgnore("chain_events", eventColumns, "?, ?, ?, ?, ?, ?")
	var failed uint64
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, r := range records {
			if _, err := tx.ExecContext(ctx, stmt, r.ID, r.Block, r.Index, r.Name, string(r.Payload), r.CreatedAt); err != nil {
				failed = r.Block
				return err
			}
		}
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入事件失败", xerrors.WithMetadata("block", strconv.FormatUint(failed, 10)))
	}
	return nil
}

// List 查询事件。
func (s *SQLEventRepository) List(ctx context.Context, query EventQuery) ([]EventRecord, error) {
	stmt := `SELECT ` + eventColumns + ` FROM chain_events WHERE block_number >= ?`
	args := []any{query.FromBlock}
	if query.Name != "" {
		stmt += ` AND name = ?`
		args = append(args, query.Name)
	}
	stmt += ` ORDER BY block_number ASC, event_index ASC LIMIT ?`
	args = append(args, query.limit())

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(stmt), args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询事件失败")
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			record  EventRecord
			payload []byte
		)
		if err := rows.Scan(&record.ID, &record.Block, &record.Index, &record.Name, &payload, &record.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析事件失败")
		}
		record.Payload = json.RawMessage(payload)
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历事件失败")
	}
	return out, nil
}

// Close 关闭连接池。
func (s *SQLEventRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
