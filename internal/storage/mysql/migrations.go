package mysql

import (
	"bufio"
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"

	"CryptoReason-Chain/deploy/migrations"
)

const (
	createVersionTableSQL = `CREATE TABLE IF NOT EXISTS escrow_schema_versions (
    version VARCHAR(32) NOT NULL PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    applied_at BIGINT NOT NULL
)`
	selectVersionsSQL = `SELECT version FROM escrow_schema_versions`
	insertVersionSQL  = `INSERT INTO escrow_schema_versions (version, name, applied_at) VALUES (?, ?, ?)`
)

// migration 是一个 SQL 文件，文件名前缀为版本号，例如 0001_create_escrow.sql。
type migration struct {
	version    string
	name       string
	statements []string
}

// runMigrations 依次执行尚未应用的迁移。每个文件在一个事务内完成并登记版本。
func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createVersionTableSQL); err != nil {
		return fmt.Errorf("创建版本表失败: %w", err)
	}
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}
	all, err := loadMigrationFiles()
	if err != nil {
		return err
	}
	for _, m := range all {
		if applied[m.version] {
			continue
		}
		if err := m.apply(ctx, db); err != nil {
			return err
		}
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, selectVersionsSQL)
	if err != nil {
		return nil, fmt.Errorf("查询已应用的迁移失败: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("读取迁移版本失败: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (m migration) apply(ctx context.Context, db *sql.DB) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("迁移 %s 开启事务失败: %w", m.name, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, stmt := range m.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("迁移 %s 第 %d 条语句失败: %w", m.name, i+1, err)
		}
	}
	if _, err = tx.ExecContext(ctx, insertVersionSQL, m.version, m.name, time.Now().Unix()); err != nil {
		return fmt.Errorf("登记迁移 %s 失败: %w", m.name, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移 %s 失败: %w", m.name, err)
	}
	return nil
}

// loadMigrationFiles 读取嵌入的 *.sql 文件并按版本排序，空文件被跳过。
func loadMigrationFiles() ([]migration, error) {
	names, err := fs.Glob(migrations.Files, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("列出迁移文件失败: %w", err)
	}
	out := make([]migration, 0, len(names))
	for _, name := range names {
		body, err := migrations.Files.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		stmts := splitSQLStatements(string(body))
		if len(stmts) == 0 {
			continue
		}
		out = append(out, migration{version: parseMigrationVersion(name), name: name, statements: stmts})
	}
	slices.SortFunc(out, func(a, b migration) int {
		return cmp.Or(cmp.Compare(a.version, b.version), cmp.Compare(a.name, b.name))
	})
	return out, nil
}

// splitSQLStatements 去掉 "--" 注释行后按分号切分语句。
func splitSQLStatements(content string) []string {
	var b strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	var stmts []string
	for _, part := range strings.Split(b.String(), ";") {
		if s := strings.TrimSpace(part); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}

func parseMigrationVersion(name string) string {
	base := strings.TrimSuffix(path.Base(name), path.Ext(name))
	if version, _, ok := strings.Cut(base, "_"); ok && version != "" {
		return version
	}
	return base
}
