package clickhouse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/ethpandaops/cdcore/pkg/failure"
	"github.com/ethpandaops/cdcore/pkg/observability"
	"github.com/sirupsen/logrus"
)

// Define static errors
var (
	ErrDataMustBeSlice    = errors.New("data must be a slice")
	ErrClickHouseResponse = errors.New("clickhouse error")
)

// clickhouseResponse represents the JSON response from ClickHouse HTTP interface.
type clickhouseResponse struct {
	Data []json.RawMessage `json:"data"`
	Meta []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"meta"`
	Rows     int `json:"rows"`
	RowsRead int `json:"rows_read"` //nolint:tagliatelle // ClickHouse API uses snake_case
}

// ClientInterface defines the methods for interacting with ClickHouse
type ClientInterface interface {
	// QueryOne executes a query and decodes the first row into dest
	QueryOne(ctx context.Context, query string, dest any) error
	// QueryRows executes a query and returns every row as a column map
	QueryRows(ctx context.Context, query string) ([]map[string]any, error)
	// Execute runs a statement and discards the response
	Execute(ctx context.Context, query string) error
	// BulkInsert writes a slice of rows using JSONEachRow
	BulkInsert(ctx context.Context, table string, data any) error
	// Database returns the database every table lives in
	Database() string
	// Start verifies connectivity
	Start() error
	// Stop closes idle connections
	Stop() error
}

// client implements the ClientInterface using HTTP
type client struct {
	log           logrus.FieldLogger
	httpClient    *http.Client
	baseURL       string
	database      string
	debug         bool
	queryTimeout  time.Duration
	insertTimeout time.Duration
}

// NewClient creates a new HTTP-based ClickHouse client
func NewClient(log logrus.FieldLogger, cfg *Config) (ClientInterface, error) {
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     cfg.KeepAlive,
	}

	return &client{
		log: log.WithField("component", "clickhouse-http"),
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   0, // per-request timeouts via context
		},
		baseURL:       strings.TrimRight(cfg.URL, "/"),
		database:      cfg.Database,
		debug:         cfg.Debug,
		queryTimeout:  cfg.QueryTimeout,
		insertTimeout: cfg.InsertTimeout,
	}, nil
}

func (c *client) Database() string {
	return c.database
}

func (c *client) Start() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Execute(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	c.log.Info("Connected to ClickHouse HTTP interface")

	return nil
}

func (c *client) Stop() error {
	if c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
	}

	c.log.Info("Closed ClickHouse HTTP client")

	return nil
}

func (c *client) QueryOne(ctx context.Context, query string, dest any) error {
	result, err := c.query(ctx, query)
	if err != nil {
		return err
	}

	if len(result.Data) == 0 {
		return nil
	}

	if err := json.Unmarshal(result.Data[0], dest); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}

	return nil
}

func (c *client) QueryRows(ctx context.Context, query string) ([]map[string]any, error) {
	result, err := c.query(ctx, query)
	if err != nil {
		return nil, err
	}

	rows := make([]map[string]any, 0, len(result.Data))

	for i, data := range result.Data {
		decoder := json.NewDecoder(bytes.NewReader(data))
		decoder.UseNumber()

		row := map[string]any{}
		if err := decoder.Decode(&row); err != nil {
			return nil, fmt.Errorf("failed to unmarshal row %d: %w", i, err)
		}

		rows = append(rows, row)
	}

	return rows, nil
}

func (c *client) query(ctx context.Context, query string) (*clickhouseResponse, error) {
	resp, err := c.executeHTTPRequest(ctx, query+" FORMAT JSON", c.getTimeout(ctx, "query"))
	if err != nil {
		return nil, fmt.Errorf("query execution failed: %w", err)
	}

	var result clickhouseResponse
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &result, nil
}

func (c *client) Execute(ctx context.Context, query string) error {
	if _, err := c.executeHTTPRequest(ctx, query, c.getTimeout(ctx, "query")); err != nil {
		return fmt.Errorf("execution failed: %w", err)
	}

	return nil
}

func (c *client) BulkInsert(ctx context.Context, table string, data any) error {
	dataValue := reflect.ValueOf(data)
	if dataValue.Kind() != reflect.Slice {
		return ErrDataMustBeSlice
	}

	if dataValue.Len() == 0 {
		return nil
	}

	var buf bytes.Buffer

	fmt.Fprintf(&buf, "INSERT INTO %s FORMAT JSONEachRow\n", table)

	for i := 0; i < dataValue.Len(); i++ {
		jsonData, err := json.Marshal(dataValue.Index(i).Interface())
		if err != nil {
			return fmt.Errorf("failed to marshal row %d: %w", i, err)
		}

		buf.Write(jsonData)
		buf.WriteByte('\n')
	}

	if _, err := c.executeHTTPRequest(ctx, buf.String(), c.getTimeout(ctx, "insert")); err != nil {
		return fmt.Errorf("bulk insert failed: %w", err)
	}

	return nil
}

func (c *client) executeHTTPRequest(ctx context.Context, query string, timeout time.Duration) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := c.baseURL + "/?" + url.Values{"database": []string{c.database}}.Encode()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, strings.NewReader(query))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "text/plain")

	if c.debug {
		c.log.WithField("query", truncateQuery(query)).Debug("Executing ClickHouse query")
	}

	start := time.Now()
	kind := queryType(query)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		observability.RecordClickHouseQuery(kind, "error", time.Since(start).Seconds())

		return nil, failure.Transient(fmt.Errorf("request failed: %w", err))
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.log.WithError(closeErr).Debug("Failed to close response body")
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, failure.Transient(fmt.Errorf("failed to read response: %w", err))
	}

	status := "success"
	if resp.StatusCode != http.StatusOK {
		status = "error"
	}

	observability.RecordClickHouseQuery(kind, status, time.Since(start).Seconds())

	if resp.StatusCode != http.StatusOK {
		respErr := fmt.Errorf("%w (status %d): %s", ErrClickHouseResponse, resp.StatusCode, strings.TrimSpace(string(body)))

		if retryableStatus(resp.StatusCode) {
			return nil, failure.Transient(respErr)
		}

		return nil, respErr
	}

	if c.debug && len(body) < 1000 {
		c.log.WithField("response", string(body)).Debug("ClickHouse response")
	}

	return body, nil
}

func (c *client) getTimeout(ctx context.Context, operation string) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		return time.Until(deadline)
	}

	if operation == "insert" {
		return c.insertTimeout
	}

	return c.queryTimeout
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func queryType(query string) string {
	head := strings.ToUpper(strings.TrimSpace(query))

	switch {
	case strings.HasPrefix(head, "SELECT"):
		return "select"
	case strings.HasPrefix(head, "INSERT"):
		return "insert"
	default:
		return "ddl"
	}
}

func truncateQuery(query string) string {
	if len(query) > 1000 {
		return query[:1000] + "... (truncated)"
	}

	return query
}
