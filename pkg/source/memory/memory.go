// Package memory provides an in-process source connector backed by a row table
package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethpandaops/cdcore/pkg/record"
	"github.com/ethpandaops/cdcore/pkg/source"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ConnectorType is the registry name of this connector
const ConnectorType = "memory"

// Config is the YAML shape of a memory connector
type Config struct {
	Type string           `yaml:"type"`
	Rows []map[string]any `yaml:"rows"`
}

// Connector serves rows held in memory. Rows can be changed between runs to simulate a live source.
type Connector struct {
	src *source.Source
	now func() time.Time

	mu       sync.RWMutex
	rows     map[string]map[string]any
	failures []error
	fetches  int
}

func init() {
	source.RegisterConnector(ConnectorType, func(src *source.Source, raw []byte, _ logrus.FieldLogger) (source.Connector, error) {
		var cfg Config

		decoder := yaml.NewDecoder(bytes.NewReader(raw))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to parse memory connector config: %w", err)
		}

		conn := New(src)
		if err := conn.Put(cfg.Rows...); err != nil {
			return nil, err
		}

		return conn, nil
	})
}

// New creates an empty connector for src
func New(src *source.Source) *Connector {
	return &Connector{
		src:  src,
		now:  time.Now,
		rows: make(map[string]map[string]any),
	}
}

// Capability reports the source's capability
func (c *Connector) Capability() source.Capability {
	return c.src.Capability
}

// Put inserts or replaces rows by natural key
func (c *Connector) Put(rows ...map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, row := range rows {
		key, err := record.NaturalKey(row, c.src.KeyColumns)
		if err != nil {
			return err
		}

		c.rows[key] = row
	}

	return nil
}

// Delete removes a row, simulating a hard delete at the source
func (c *Connector) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.rows, key)
}

// FailNext makes the next len(errs) fetch calls return the given errors in order
func (c *Connector) FailNext(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures = append(c.failures, errs...)
}

// Fetches returns how many fetch calls were made, including failed ones
func (c *Connector) Fetches() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.fetches
}

// FetchFull returns every row ordered by key
func (c *Connector) FetchFull(ctx context.Context, batchSize int) (source.Iterator, error) {
	records, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Key < records[j].Key
	})

	return source.NewSliceIterator(records, batchSize), nil
}

// FetchIncremental returns rows with a cursor strictly greater than after, ascending
func (c *Connector) FetchIncremental(ctx context.Context, after record.Cursor, batchSize int) (source.Iterator, error) {
	if c.src.Capability != source.CapabilityIncremental {
		return nil, source.ErrCapabilityNotSupported
	}

	records, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	selected := make([]record.Record, 0, len(records))

	for _, rec := range records {
		cmp, err := record.Compare(rec.Version, after)
		if err != nil {
			return nil, err
		}

		if cmp > 0 {
			selected = append(selected, rec)
		}
	}

	var sortErr error

	sort.SliceStable(selected, func(i, j int) bool {
		cmp, err := record.Compare(selected[i].Version, selected[j].Version)
		if err != nil {
			sortErr = err
		}

		if cmp == 0 {
			return selected[i].Key < selected[j].Key
		}

		return cmp < 0
	})

	if sortErr != nil {
		return nil, sortErr
	}

	return source.NewSliceIterator(selected, batchSize), nil
}

// Close is a no-op
func (c *Connector) Close() error {
	return nil
}

func (c *Connector) snapshot(ctx context.Context) ([]record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.fetches++

	if len(c.failures) > 0 {
		err := c.failures[0]
		c.failures = c.failures[1:]

		return nil, err
	}

	extractedAt := c.now().UTC()
	records := make([]record.Record, 0, len(c.rows))

	for _, row := range c.rows {
		attrs := make(map[string]any, len(row))
		for k, v := range row {
			attrs[k] = v
		}

		rec, err := c.src.ToRecord(attrs, extractedAt)
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	return records, nil
}

var _ source.Connector = (*Connector)(nil)
