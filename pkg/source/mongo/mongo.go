// Package mongo implements the source connector contract over MongoDB
package mongo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/ethpandaops/cdcore/pkg/failure"
	"github.com/ethpandaops/cdcore/pkg/record"
	"github.com/ethpandaops/cdcore/pkg/source"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gopkg.in/yaml.v3"
)

// ConnectorType is the registry name of this connector
const ConnectorType = "mongo"

var (
	// ErrURIRequired is returned when no connection URI is configured
	ErrURIRequired = errors.New("mongo connector: uri is required")
	// ErrCollectionRequired is returned when database or collection is missing
	ErrCollectionRequired = errors.New("mongo connector: database and collection are required")
)

// Config is the YAML shape of a mongo connector
type Config struct {
	Type           string        `yaml:"type"`
	URI            string        `yaml:"uri"`
	Database       string        `yaml:"database"`
	Collection     string        `yaml:"collection"`
	FlattenNested  bool          `yaml:"flattenNested"`
	DropFields     []string      `yaml:"dropFields,omitempty"`
	ConnectTimeout time.Duration `yaml:"connectTimeout" default:"10s"`
}

// Validate checks the connector configuration
func (c *Config) Validate() error {
	if c.URI == "" {
		return ErrURIRequired
	}

	if c.Database == "" || c.Collection == "" {
		return ErrCollectionRequired
	}

	return nil
}

// Connector reads a MongoDB collection
type Connector struct {
	log        logrus.FieldLogger
	src        *source.Source
	cfg        *Config
	client     *mongo.Client
	collection *mongo.Collection
	now        func() time.Time
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
			return nil, fmt.Errorf("failed to parse mongo connector config: %w", err)
		}

		if err := cfg.Validate(); err != nil {
			return nil, err
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
		defer cancel()

		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI).SetConnectTimeout(cfg.ConnectTimeout))
		if err != nil {
			return nil, fmt.Errorf("error creating MongoDB client: %w", err)
		}

		return New(log, src, cfg, client), nil
	})
}

// New builds a connector over an existing client
func New(log logrus.FieldLogger, src *source.Source, cfg *Config, client *mongo.Client) *Connector {
	return &Connector{
		log:        log.WithField("connector", ConnectorType),
		src:        src,
		cfg:        cfg,
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
		now:        time.Now,
	}
}

// Capability reports the source's capability
func (c *Connector) Capability() source.Capability {
	return c.src.Capability
}

// FetchFull reads the whole collection ordered by key
func (c *Connector) FetchFull(ctx context.Context, batchSize int) (source.Iterator, error) {
	sort := bson.D{}
	for _, column := range c.src.KeyColumns {
		sort = append(sort, bson.E{Key: column, Value: 1})
	}

	return c.find(ctx, bson.M{}, sort, batchSize)
}

// FetchIncremental reads documents whose cursor field is strictly greater than after
func (c *Connector) FetchIncremental(ctx context.Context, after record.Cursor, batchSize int) (source.Iterator, error) {
	if c.src.Capability != source.CapabilityIncremental {
		return nil, source.ErrCapabilityNotSupported
	}

	filter, err := incrementalFilter(c.src.CursorColumn, after)
	if err != nil {
		return nil, err
	}

	sort := bson.D{
		{Key: c.src.CursorColumn, Value: 1},
		{Key: "_id", Value: 1},
	}

	return c.find(ctx, filter, sort, batchSize)
}

// Close disconnects the client
func (c *Connector) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return c.client.Disconnect(ctx)
}

func (c *Connector) find(ctx context.Context, filter bson.M, sort bson.D, batchSize int) (source.Iterator, error) {
	opts := options.Find().SetSort(sort)
	if batchSize > 0 && batchSize <= math.MaxInt32 {
		opts.SetBatchSize(int32(batchSize)) //nolint:gosec // bounds checked above
	}

	c.log.WithFields(logrus.Fields{
		"collection": c.cfg.Collection,
		"filter":     filter,
	}).Debug("Opening mongo cursor")

	cur, err := c.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo find failed: %w", classify(err))
	}

	return &iterator{
		src:       c.src,
		cfg:       c.cfg,
		cursor:    cur,
		batchSize: batchSize,
		now:       c.now,
	}, nil
}

func incrementalFilter(column string, after record.Cursor) (bson.M, error) {
	if after.IsZero() {
		return bson.M{}, nil
	}

	value, err := after.Native()
	if err != nil {
		return nil, err
	}

	return bson.M{column: bson.M{"$gt": value}}, nil
}

type iterator struct {
	src       *source.Source
	cfg       *Config
	cursor    *mongo.Cursor
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
		if !it.cursor.Next(ctx) {
			it.done = true

			if err := it.cursor.Err(); err != nil {
				return nil, fmt.Errorf("mongo cursor failed: %w", classify(err))
			}

			break
		}

		var doc bson.M
		if err := it.cursor.Decode(&doc); err != nil {
			return nil, failure.SchemaMismatch("failed to decode document: %v", err)
		}

		attrs := processDocument(doc, it.cfg.DropFields, it.cfg.FlattenNested)

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
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return it.cursor.Close(ctx)
}

// processDocument drops configured fields, converts BSON values and optionally flattens
// one level of nesting using "_" joined keys.
func processDocument(doc bson.M, dropFields []string, flatten bool) map[string]any {
	converted, _ := convertValue(doc).(map[string]any) //nolint:errcheck // bson.M always converts to a map

	for _, path := range dropFields {
		dropField(converted, strings.Split(path, "."))
	}

	if !flatten {
		return converted
	}

	flattened := make(map[string]any, len(converted))

	for key, value := range converted {
		nested, ok := value.(map[string]any)
		if !ok {
			flattened[key] = value
			continue
		}

		for nestedKey, nestedValue := range nested {
			flattened[key+"_"+nestedKey] = nestedValue
		}
	}

	return flattened
}

func dropField(doc map[string]any, parts []string) {
	if len(parts) == 1 {
		delete(doc, parts[0])
		return
	}

	nested, ok := doc[parts[0]].(map[string]any)
	if !ok {
		return
	}

	dropField(nested, parts[1:])
}

func convertValue(v any) any {
	switch x := v.(type) {
	case primitive.ObjectID:
		return x.Hex()
	case primitive.DateTime:
		return x.Time().UTC()
	case primitive.Timestamp:
		return time.Unix(int64(x.T), 0).UTC()
	case primitive.Decimal128:
		f, err := strconv.ParseFloat(x.String(), 64)
		if err != nil {
			return x.String()
		}

		return f
	case primitive.Binary:
		return x.Data
	case bson.M:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = convertValue(val)
		}

		return out
	case bson.D:
		out := make(map[string]any, len(x))
		for _, e := range x {
			out[e.Key] = convertValue(e.Value)
		}

		return out
	case bson.A:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = convertValue(val)
		}

		return out
	case int32:
		return int64(x)
	default:
		return v
	}
}

// classify marks network and timeout failures as transient
func classify(err error) error {
	if err == nil {
		return nil
	}

	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || failure.IsTransient(err) {
		return failure.Transient(err)
	}

	return err
}

var _ source.Connector = (*Connector)(nil)
