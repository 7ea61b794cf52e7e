// Package record defines the values that flow between connectors, extractors, merge engines and sinks.
package record

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/cdcore/pkg/failure"
)

// Record is a single extracted row. It is immutable once staged.
type Record struct {
	Key         string         `json:"key"`
	Attributes  map[string]any `json:"attributes"`
	Version     Cursor         `json:"version,omitzero"`
	ExtractedAt time.Time      `json:"extracted_at"`

	// Soft-delete marker, set by the merge engine before upsert
	Deleted   bool       `json:"deleted,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// KeyFunc returns the natural key of a record
type KeyFunc func(Record) string

// VersionFunc returns the version indicator of a record
type VersionFunc func(Record) Cursor

// ByKey is the KeyFunc for records keyed at extraction time
func ByKey(r Record) string {
	return r.Key
}

// ByVersion is the VersionFunc for records versioned by their change cursor
func ByVersion(r Record) Cursor {
	return r.Version
}

// Entity is the single surviving row per key in a keyed collection
type Entity struct {
	Key        string         `json:"key"`
	Attributes map[string]any `json:"attributes"`
	Version    Cursor         `json:"version"`
	Deleted    bool           `json:"deleted"`
	DeletedAt  *time.Time     `json:"deleted_at,omitempty"`
	MergedAt   time.Time      `json:"merged_at"`
}

// HistoryRow is one validity interval of a key's watched values. ValidTo nil means open.
type HistoryRow struct {
	Key       string         `json:"key"`
	Values    map[string]any `json:"values"`
	ValidFrom time.Time      `json:"valid_from"`
	ValidTo   *time.Time     `json:"valid_to,omitempty"`
	Deleted   bool           `json:"deleted,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
}

// IsOpen reports whether the row is the current state of its key
func (h HistoryRow) IsOpen() bool {
	return h.ValidTo == nil
}

// NaturalKey renders the key columns of attrs. Single-column keys render as the plain value,
// composite keys as a JSON array so distinct tuples never collide.
func NaturalKey(attrs map[string]any, columns []string) (string, error) {
	parts := make([]string, 0, len(columns))

	for _, column := range columns {
		v, ok := attrs[column]
		if !ok || v == nil {
			return "", failure.SchemaMismatch("key column %q is missing or null", column)
		}

		parts = append(parts, keyPart(v))
	}

	if len(parts) == 1 {
		return parts[0], nil
	}

	encoded, err := json.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("failed to encode composite key: %w", err)
	}

	return string(encoded), nil
}

func keyPart(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(Normalize(v))
	}
}

// Normalize maps driver values onto the shapes they take after a JSON round trip, so
// values read back from a store compare equal to freshly extracted ones.
func Normalize(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if x == nil {
			return nil
		}

		return x.UTC().Format(time.RFC3339Nano)
	case []byte:
		return string(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = Normalize(val)
		}

		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = Normalize(val)
		}

		return out
	default:
		return v
	}
}

// Project returns the subset of attrs named by columns. A missing column is a schema mismatch.
func Project(attrs map[string]any, columns []string) (map[string]any, error) {
	out := make(map[string]any, len(columns))

	var missing []string

	for _, column := range columns {
		v, ok := attrs[column]
		if !ok {
			missing = append(missing, column)

			continue
		}

		out[column] = v
	}

	if len(missing) > 0 {
		return nil, failure.SchemaMismatch("watched columns missing from record: %s", strings.Join(missing, ", "))
	}

	return out, nil
}

// Fingerprint hashes a value map deterministically. Map keys are sorted by encoding/json.
func Fingerprint(values map[string]any) (string, error) {
	encoded, err := json.Marshal(Normalize(values))
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint values: %w", err)
	}

	sum := sha256.Sum256(encoded)

	return hex.EncodeToString(sum[:]), nil
}

// DecodeJSON unmarshals data keeping numbers as json.Number, so integers survive a round trip
func DecodeJSON(data []byte, dest any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	return dec.Decode(dest)
}
