package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ZanzyTHEbar/breezeflow/internal/adapters"
	"gorm.io/gorm"
)

// maxQueryRows caps the rows returned by sqlite_query.
const maxQueryRows = 200

var readOnlyQuery = regexp.MustCompile(`(?is)^\s*(select|with)\b`)

type sqliteTools struct {
	db *gorm.DB
}

func newSQLiteQueryTool(s *sqliteTools) *adapters.FuncTool {
	return adapters.NewFuncTool("sqlite_query", s.query,
		adapters.WithDescription("Runs a read-only SELECT statement against the local SQLite database and returns the rows."),
		adapters.WithCategory("Database"),
		adapters.WithProperty("sql", "string", "A single SELECT (or WITH ... SELECT) statement", true),
		adapters.WithProperty("params", "array", "Positional parameters for ? placeholders", false),
		adapters.WithValidator(validateQueryInput),
	)
}

func newSQLiteTablesTool(s *sqliteTools) *adapters.FuncTool {
	return adapters.NewFuncTool("sqlite_tables", s.tables,
		adapters.WithDescription("Lists the tables of the local SQLite database with their columns."),
		adapters.WithCategory("Database"),
	)
}

func (s *sqliteTools) query(ctx context.Context, input map[string]any) (any, error) {
	stmt := strings.TrimRight(strings.TrimSpace(input["sql"].(string)), ";")
	params, _ := input["params"].([]any)

	var rows []map[string]any
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("PRAGMA query_only = ON").Error; err != nil {
			return err
		}
		defer tx.Exec("PRAGMA query_only = OFF")
		return tx.Raw(stmt, params...).Scan(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	truncated := false
	if len(rows) > maxQueryRows {
		rows = rows[:maxQueryRows]
		truncated = true
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return map[string]any{"rows": rows, "count": len(rows), "truncated": truncated}, nil
}

type columnInfo struct {
	Name    string `gorm:"column:name" json:"name"`
	Type    string `gorm:"column:type" json:"type"`
	NotNull int    `gorm:"column:notnull" json:"not_null"`
	PK      int    `gorm:"column:pk" json:"primary_key"`
}

func (s *sqliteTools) tables(ctx context.Context, _ map[string]any) (any, error) {
	db := s.db.WithContext(ctx)
	names, err := db.Migrator().GetTables()
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}

	out := make([]map[string]any, 0, len(names))
	for _, name := range names {
		if strings.HasPrefix(name, "sqlite_") {
			continue
		}
		var cols []columnInfo
		if err := db.Raw("SELECT name, type, \"notnull\", pk FROM pragma_table_info(?)", name).Scan(&cols).Error; err != nil {
			return nil, fmt.Errorf("failed to describe table %s: %w", name, err)
		}
		out = append(out, map[string]any{"table": name, "columns": cols})
	}
	return map[string]any{"tables": out}, nil
}

func validateQueryInput(input map[string]any) error {
	stmt, _ := input["sql"].(string)
	stmt = strings.TrimRight(strings.TrimSpace(stmt), ";")
	if stmt == "" {
		return fmt.Errorf("sql cannot be empty")
	}
	if !readOnlyQuery.MatchString(stmt) {
		return fmt.Errorf("only SELECT statements are allowed")
	}
	if strings.Contains(stmt, ";") {
		return fmt.Errorf("only a single statement is allowed")
	}
	return nil
}
