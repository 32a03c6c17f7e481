package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"Crew-Relay/deploy/migrations"
)

// Dialect 标识 SQL 仓库使用的数据库方言。
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

const (
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
)

// SQLRepository 基于 MySQL 或 SQLite 保存执行历史。
type SQLRepository struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLRepository 打开数据库连接、执行迁移并返回仓库实例。
func NewSQLRepository(ctx context.Context, dialect Dialect, cfg Config) (*SQLRepository, error) {
	db, err := openDatabase(ctx, dialect, cfg)
	if err != nil {
		return nil, err
	}
	if err := applyMigrations(ctx, db, dialect); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLRepository{db: db, dialect: dialect}, nil
}

// newSQLRepositoryWithDB 供测试注入现成连接。
func newSQLRepositoryWithDB(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLRepository, error) {
	if err := applyMigrations(ctx, db, dialect); err != nil {
		return nil, err
	}
	return &SQLRepository{db: db, dialect: dialect}, nil
}

func openDatabase(ctx context.Context, dialect Dialect, cfg Config) (*sql.DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("历史存储 DSN 不能为空")
	}
	driver := string(dialect)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("打开 %s 连接失败: %w", driver, err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenConns
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = defaultConnMaxLifetime
	}
	if dialect == DialectSQLite {
		// SQLite 只允许单写者。
		maxOpen, maxIdle = 1, 1
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("连接 %s 失败: %w", driver, err)
	}

	if dialect == DialectSQLite {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("启用 WAL 失败: %w", err)
		}
	}
	return db, nil
}

// Save 写入一条执行记录，同一任务重复写入时覆盖旧值。
func (r *SQLRepository) Save(ctx context.Context, record Record) error {
	query := `INSERT INTO crew_runs (task_id, objective, status, result, error_code, mode, provider, model, agents, units, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	switch r.dialect {
	case DialectMySQL:
		query += ` ON DUPLICATE KEY UPDATE status = VALUES(status), result = VALUES(result), error_code = VALUES(error_code), finished_at = VALUES(finished_at)`
	default:
		query += ` ON CONFLICT(task_id) DO UPDATE SET status = excluded.status, result = excluded.result, error_code = excluded.error_code, finished_at = excluded.finished_at`
	}
	_, err := r.db.ExecContext(ctx, query,
		record.TaskID,
		record.Objective,
		record.Status,
		record.Result,
		record.ErrorCode,
		record.Mode,
		record.Provider,
		record.Model,
		strings.Join(record.Agents, ","),
		record.Units,
		record.StartedAt,
		record.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("写入执行历史失败: %w", err)
	}
	return nil
}

// ListLatest 返回最近的执行记录，按完成时间倒序排列。
func (r *SQLRepository) ListLatest(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `SELECT task_id, objective, status, result, error_code, mode, provider, model, agents, units, started_at, finished_at
FROM crew_runs ORDER BY finished_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询执行历史失败: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			record Record
			agents string
		)
		if err := rows.Scan(
			&record.TaskID,
			&record.Objective,
			&record.Status,
			&record.Result,
			&record.ErrorCode,
			&record.Mode,
			&record.Provider,
			&record.Model,
			&agents,
			&record.Units,
			&record.StartedAt,
			&record.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("解析执行历史失败: %w", err)
		}
		if agents != "" {
			record.Agents = strings.Split(agents, ",")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Close 关闭数据库连接。
func (r *SQLRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

type migration struct {
	version int
	name    string
	body    string
}

func applyMigrations(ctx context.Context, db *sql.DB, dialect Dialect) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
    version INT PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    applied_at BIGINT NOT NULL
)`); err != nil {
		return fmt.Errorf("创建迁移记录表失败: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("读取迁移记录失败: %w", err)
	}
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return err
		}
		applied[version] = true
	}
	rows.Close()

	pending, err := loadMigrations(dialect)
	if err != nil {
		return err
	}
	for _, m := range pending {
		if applied[m.version] {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, stmt := range splitSQLStatements(m.body) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("执行迁移 %s 失败: %w", m.name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
			m.version, m.name, time.Now().Unix()); err != nil {
			tx.Rollback()
			return fmt.Errorf("记录迁移 %s 失败: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func loadMigrations(dialect Dialect) ([]migration, error) {
	dir := string(dialect)
	entries, err := fs.ReadDir(migrations.Files, dir)
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}
	var out []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return nil, err
		}
		body, err := fs.ReadFile(migrations.Files, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, migration{version: version, name: entry.Name(), body: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func parseMigrationVersion(name string) (int, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, fmt.Errorf("迁移文件名缺少版本前缀: %s", name)
	}
	version, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, fmt.Errorf("迁移文件版本非法: %s", name)
	}
	return version, nil
}

func splitSQLStatements(body string) []string {
	var stmts []string
	for _, part := range strings.Split(body, ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}
