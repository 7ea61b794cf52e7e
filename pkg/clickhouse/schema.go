package clickhouse

import (
	"context"
	"fmt"
	"strings"
)

// QuoteIdentifier quotes a table or column name with backticks
func QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// QuoteString renders a single-quoted string literal
func QuoteString(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)

	return "'" + replacer.Replace(value) + "'"
}

// TableExists checks if a table exists in the given database
func TableExists(ctx context.Context, client ClientInterface, database, table string) (bool, error) {
	query := fmt.Sprintf(`
		SELECT count() as count
		FROM system.tables
		WHERE database = %s AND name = %s
	`, QuoteString(database), QuoteString(table))

	var result struct {
		Count uint64 `json:"count,string"`
	}

	if err := client.QueryOne(ctx, query, &result); err != nil {
		return false, err
	}

	return result.Count > 0, nil
}
