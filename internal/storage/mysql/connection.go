package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// Config 描述 SQL 事件库的连接参数。
type Config struct {
	// Driver 取值 mysql 或 postgres。
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func openDatabase(ctx context.Context, cfg Config) (*sql.DB, dialect, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, dialect{}, fmt.Errorf("数据库 DSN 不能为空")
	}
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, dialect{}, err
	}

	var db *sql.DB
	switch d.name {
	case dialectPostgres:
		pgCfg, err := pgx.ParseConfig(cfg.DSN)
		if err != nil {
			return nil, dialect{}, fmt.Errorf("解析 PostgreSQL DSN 失败: %w", err)
		}
		db = stdlib.OpenDB(*pgCfg)
	default:
		myCfg, err := mysql.ParseDSN(cfg.DSN)
		if err != nil {
			return nil, dialect{}, fmt.Errorf("解析 MySQL DSN 失败: %w", err)
		}
		myCfg.ParseTime = true
		connector, err := mysql.NewConnector(myCfg)
		if err != nil {
			return nil, dialect{}, fmt.Errorf("连接 MySQL 失败: %w", err)
		}
		db = sql.OpenDB(connector)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, dialect{}, fmt.Errorf("无法连接到 %s: %w", d.name, err)
	}
	return db, d, nil
}

const (
	dialectMySQL    = "mysql"
	dialectPostgres = "postgres"
)

// dialect 屏蔽 MySQL 与 PostgreSQL 在占位符和冲突处理上的差异。
// ErrUnsupportedDriver 表示配置了未知的数据库驱动。
var ErrUnsupportedDriver = errors.New("unsupported event store driver")

type dialect struct {
	name string
}

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "mysql":
		return dialect{name: dialectMySQL}, nil
	case "postgres", "postgresql", "pgx":
		return dialect{name: dialectPostgres}, nil
	default:
		return dialect{}, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
	}
}

// rebind 把 ? 占位符改写成 PostgreSQL 的 $n。
func (d dialect) rebind(query string) string {
	if d.name != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) insertIgnore(table, columns, values string) string {
	if d.name == dialectPostgres {
		return d.rebind(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING", table, columns, values))
	}
	return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)", table, columns, values)
}
