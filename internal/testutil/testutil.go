// Package testutil provides test utilities for cdcore:
//   - miniredis helpers for unit tests (miniredis.go)
//   - environment lookups for integration tests against real stores (env.go)
//
// Integration tests are gated behind the "integration" build tag and skip when their
// store is not configured:
//
//	CDCORE_TEST_POSTGRES_DSN=postgres://... CDCORE_TEST_CLICKHOUSE_URL=http://... go test -tags=integration ./...
package testutil
