package migrations

import (
	"context"
	"fmt"
	"strings"
)

// ClickhouseConn is the subset of the ClickHouse driver used to migrate.
type ClickhouseConn interface {
	Exec(ctx context.Context, query string, args ...any) error
}

// ApplyClickhouse runs every embedded ClickHouse migration. The driver
// rejects multi-statement Exec, so each file is split into statements.
// ClickHouse files must be written with CREATE ... IF NOT EXISTS since no
// ledger is kept. Returns the number of statements executed.
func ApplyClickhouse(ctx context.Context, conn ClickhouseConn) (int, error) {
	all, err := Load("clickhouse")
	if err != nil {
		return 0, err
	}

	n := 0
	for _, m := range all {
		if err := checkSplittable(m.SQL); err != nil {
			return n, fmt.Errorf("migration %s: %w", m.Name, err)
		}
		for _, stmt := range splitStatements(m.SQL) {
			if err := conn.Exec(ctx, stmt); err != nil {
				return n, fmt.Errorf("apply migration %s: %w", m.Name, err)
			}
			n++
		}
	}
	return n, nil
}

// splitStatements drops "--" comment lines and splits on semicolons.
// It does not understand string literals; checkSplittable guards that.
func splitStatements(sql string) []string {
	var kept []string
	for _, line := range strings.Split(sql, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		kept = append(kept, line)
	}

	var stmts []string
	for _, part := range strings.Split(strings.Join(kept, "\n"), ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// checkSplittable rejects SQL with a semicolon inside a single-quoted
// literal. Doubled quotes ('') are an escaped quote.
func checkSplittable(sql string) error {
	quoted := false
	for i := 0; i < len(sql); i++ {
		switch sql[i] {
		case '\'':
			if quoted && i+1 < len(sql) && sql[i+1] == '\'' {
				i++
				continue
			}
			quoted = !quoted
		case ';':
			if quoted {
				return fmt.Errorf("semicolon inside string literal at offset %d", i)
			}
		}
	}
	return nil
}
