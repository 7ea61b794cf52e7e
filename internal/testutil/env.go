package testutil

import (
	"os"
	"testing"
)

// Environment variables read by integration tests
const (
	EnvPostgresDSN   = "CDCORE_TEST_POSTGRES_DSN"
	EnvMongoURI      = "CDCORE_TEST_MONGO_URI"
	EnvClickHouseURL = "CDCORE_TEST_CLICKHOUSE_URL"
)

// RequireEnv returns the value of name or skips the test when it is unset
func RequireEnv(t *testing.T, name string) string {
	t.Helper()

	value := os.Getenv(name)
	if value == "" {
		t.Skipf("%s not set", name)
	}

	return value
}
