// Package postgres implements the source connector contract over PostgreSQL using lib/pq
package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/creasty/defaults"
	"github.com/ethpandaops/cdcore/pkg/failure"
	"github.com/ethpandaops/cdcore/pkg/record"
	"github.com/ethpandaops/cdcore/pkg/rendering"
	"github.com/ethpandaops/cdcore/pkg/source"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ConnectorType is the registry name of this connector
const ConnectorType = "postgres"

const (
	defaultIncrementalQuery = `SELECT * FROM {{ ident .Table }}
{{- if .HasCursor }} WHERE {{ ident .CursorColumn }} > $1{{ end }}
 ORDER BY {{ ident .CursorColumn }} ASC`

	defaultFullQuery = `SELECT * FROM {{ ident .Table }} ORDER BY {{ range $i, $c := .KeyColumns }}{{ if $i }}, {{ end }}{{ ident $c }}{{ end }}`
)

var (
	// ErrDSNRequired is returned when no DSN is configured
	ErrDSNRequired = errors.New("postgres connector: dsn is required")
	// ErrTableRequired is returned when neither table nor query is configured
	ErrTableRequired = errors.New("postgres connector: table or query is required")
	// ErrQueryMissingPlaceholder is returned when an incremental query template does not bind the cursor
	ErrQueryMissingPlaceholder = errors.New("postgres connector: incremental query must filter on $1")
)

// Config is the YAML shape of a postgres connector
type Config struct {
	Type         string `yaml:"type"`
	DSN          string `yaml:"dsn"`
	Table        string `yaml:"table"`
	Query        string `yaml:"query,omitempty"`
	MaxOpenConns int    `yaml:"maxOpenConns" default:"4"`
}

// Validate checks the connector configuration
func (c *Config) Validate() error {
	if c.DSN == "" {
		return ErrDSNRequired
	}

	if c.Table == "" && c.Query == "" {
		return ErrTableRequired
	}

	return nil
}

type queryVars struct {
	Table        string
	CursorColumn string
	KeyColumns   []string
	HasCursor    bool
}

// Connector reads a PostgreSQL table or templated query
type Connector struct {
	log   logrus.FieldLogger
	src   *source.Source
	cfg   *Config
	db    *sql.DB
	query *template.Template
	now   func() time.Time
}

func init() {
	source.RegisterConnector(ConnectorType, func(src *source.Source, raw []byte, log logrus.FieldLogger) (source.Connector, error) {
		cfg := &Config{}
		if err := defaults.Set(cfg); err != nil {
			return nil, err
		}

		decoder := yaml.NewDecoder(bytes.NewReader(raw))
		decoder.KnownFields(true)

		if err := decoder.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse postgres connector config: %w", err)
		}

		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}

		conn, err := New(log, src, cfg, db)
		if err != nil {
			_ = db.Close()

			return nil, err
		}

		return conn, nil
	})
}

// New builds a connector over an existing database handle
func New(log logrus.FieldLogger, src *source.Source, cfg *Config, db *sql.DB) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	queryText := cfg.Query
	if queryText == "" {
		queryText = defaultFullQuery
		if src.Capability == source.CapabilityIncremental {
			queryText = defaultIncrementalQuery
		}
	}

	tmpl, err := rendering.NewTemplateEngine().Parse(src.ID, queryText)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)

	c := &Connector{
		log:   log.WithField("connector", ConnectorType),
		src:   src,
		cfg:   cfg,
		db:    db,
		query: tmpl,
		now:   time.Now,
	}

	if src.Capability == source.CapabilityIncremental {
		rendered, err := c.render(true)
		if err != nil {
			return nil, err
		}

		if !strings.Contains(rendered, "$1") {
			return nil, ErrQueryMissingPlaceholder
		}
	}

	return c, nil
}

// Capability reports the source's capability
func (c *Connector) Capability() source.Capability {
	return c.src.Capability
}

// FetchFull runs the full query
func (c *Connector) FetchFull(ctx context.Context, batchSize int) (source.Iterator, error) {
	query, err := c.render(false)
	if err != nil {
		return nil, err
	}

	return c.open(ctx, batchSize, query)
}

// FetchIncremental runs the incremental query with a strict > bound on the cursor column
func (c *Connector) FetchIncremental(ctx context.Context, after record.Cursor, batchSize int) (source.Iterator, error) {
	if c.src.Capability != source.CapabilityIncremental {
		return nil, source.ErrCapabilityNotSupported
	}

	query, err := c.render(!after.IsZero())
	if err != nil {
		return nil, err
	}

	if after.IsZero() {
		return c.open(ctx, batchSize, query)
	}

	arg, err := after.Native()
	if err != nil {
		return nil, err
	}

	return c.open(ctx, batchSize, query, arg)
}

// Close closes the database handle
func (c *Connector) Close() error {
	return c.db.Close()
}

func (c *Connector) render(hasCursor bool) (string, error) {
	return rendering.Execute(c.query, queryVars{
		Table:        c.cfg.Table,
		CursorColumn: c.src.CursorColumn,
		KeyColumns:   c.src.KeyColumns,
		HasCursor:    hasCursor,
	})
}

func (c *Connector) open(ctx context.Context, batchSize int, query string, args ...any) (source.Iterator, error) {
	c.log.WithFields(logrus.Fields{
		"query": query,
		"args":  args,
	}).Debug("Opening postgres cursor")

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", classify(err))
	}

	types, err := rows.ColumnTypes()
	if err != nil {
		_ = rows.Close()

		return nil, fmt.Errorf("failed to read column types: %w", classify(err))
	}

	return &iterator{
		src:       c.src,
		rows:      rows,
		types:     types,
		batchSize: batchSize,
		now:       c.now,
	}, nil
}

type iterator struct {
	src       *source.Source
	rows      *sql.Rows
	types     []*sql.ColumnType
	batchSize int
	now       func() time.Time
	done      bool
}

func (it *iterator) Next(ctx context.Context) ([]record.Record, error) {
	if it.done {
		return nil, io.EOF
	}

	batch := make([]record.Record, 0, it.batchSize)
	extractedAt := it.now().UTC()

	for len(batch) < it.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if !it.rows.Next() {
			it.done = true

			if err := it.rows.Err(); err != nil {
				return nil, fmt.Errorf("postgres row iteration failed: %w", classify(err))
			}

			break
		}

		values := make([]any, len(it.types))
		pointers := make([]any, len(it.types))

		for i := range values {
			pointers[i] = &values[i]
		}

		if err := it.rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", classify(err))
		}

		attrs := make(map[string]any, len(it.types))

		for i, ct := range it.types {
			v, err := convertValue(values[i], ct.DatabaseTypeName())
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", ct.Name(), err)
			}

			attrs[ct.Name()] = v
		}

		rec, err := it.src.ToRecord(attrs, extractedAt)
		if err != nil {
			return nil, err
		}

		batch = append(batch, rec)
	}

	if len(batch) == 0 {
		return nil, io.EOF
	}

	return batch, nil
}

func (it *iterator) Close() error {
	return it.rows.Close()
}

// convertValue turns driver values into record attribute values. NUMERIC arrives as text
// and is converted to float64; other byte slices become strings.
func convertValue(v any, dbType string) (any, error) {
	switch x := v.(type) {
	case []byte:
		switch dbType {
		case "NUMERIC", "DECIMAL":
			f, err := strconv.ParseFloat(string(x), 64)
			if err != nil {
				return nil, failure.SchemaMismatch("numeric value %q: %v", string(x), err)
			}

			return f, nil
		default:
			return string(x), nil
		}
	case string:
		if dbType == "NUMERIC" || dbType == "DECIMAL" {
			f, err := strconv.ParseFloat(x, 64)
			if err != nil {
				return nil, failure.SchemaMismatch("numeric value %q: %v", x, err)
			}

			return f, nil
		}

		return x, nil
	case time.Time:
		return x.UTC(), nil
	default:
		return v, nil
	}
}

// classify marks connection-level failures as transient
func classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, driver.ErrBadConn) {
		return failure.Transient(err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57":
			// connection exception, insufficient resources, operator intervention
			return failure.Transient(err)
		}

		return err
	}

	if failure.IsTransient(err) {
		return failure.Transient(err)
	}

	return err
}

var _ source.Connector = (*Connector)(nil)
