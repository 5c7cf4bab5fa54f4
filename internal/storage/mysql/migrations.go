package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"

	"KittyMarket-Chain/deploy/migrations"
)

// migrationFile 是一个按版本号排序执行的 SQL 文件，版本号取文件名中第一个下划线之前的部分。
type migrationFile struct {
	version    string
	name       string
	statements []string
}

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version VARCHAR(32) NOT NULL PRIMARY KEY,
	applied_at BIGINT NOT NULL
)`

// runMigrations 依次执行尚未记录的迁移，每个文件一个事务。
func (s *SQLEventRepository) runMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("schema_migrations 建表失败: %w", err)
	}
	done, err := s.appliedVersions(ctx)
	if err != nil {
		return err
	}
	files, err := loadMigrationFiles(s.dialect.name)
	if err != nil {
		return err
	}
	record := s.dialect.rebind(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`)
	for _, file := range files {
		if slices.Contains(done, file.version) {
			continue
		}
		err := withTx(ctx, s.db, func(tx *sql.Tx) error {
			for i, stmt := range file.statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("迁移 %s 第 %d 条语句失败: %w", file.name, i+1, err)
				}
			}
			_, err := tx.ExecContext(ctx, record, file.version, time.Now().Unix())
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLEventRepository) appliedVersions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("读取已执行迁移失败: %w", err)
	}
	defer rows.Close()
	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// loadMigrationFiles 读取内嵌的某个方言目录下的 .sql 文件。
func loadMigrationFiles(dialectDir string) ([]migrationFile, error) {
	names, err := fs.Glob(migrations.Files, path.Join(dialectDir, "*.sql"))
	if err != nil {
		return nil, err
	}
	var files []migrationFile
	for _, full := range names {
		raw, err := fs.ReadFile(migrations.Files, full)
		if err != nil {
			return nil, fmt.Errorf("读取迁移 %s 失败: %w", full, err)
		}
		var stmts []string
		for _, part := range strings.Split(string(raw), ";") {
			if stmt := strings.TrimSpace(part); stmt != "" {
				stmts = append(stmts, stmt)
			}
		}
		if len(stmts) == 0 {
			continue
		}
		name := path.Base(full)
		version, _, _ := strings.Cut(strings.TrimSuffix(name, ".sql"), "_")
		files = append(files, migrationFile{version: version, name: name, statements: stmts})
	}
	slices.SortFunc(files, func(a, b migrationFile) int {
		if c := strings.Compare(a.version, b.version); c != 0 {
			return c
		}
		return strings.Compare(a.name, b.name)
	})
	return files, nil
}

// withTx 在事务中执行 fn，fn 返回错误时回滚。
func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
