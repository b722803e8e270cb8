package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/commerce-harvester/internal/logging"
)

const (
	insertItemsQuery = `INSERT INTO imported_items (
		account_id, user_id, provider_type, item_type, external_id,
		occurred_at, amount_minor, currency, payload, imported_at
	)`
	insertCyclesQuery = `INSERT INTO fetch_cycles (
		account_id, user_id, provider_type, attempt_id, success,
		all_providers_fetched, items_imported, error, completed_at
	)`
)

// batchWriter appends rows to one INSERT batch and sends it
type batchWriter func(ctx context.Context, query string, rows [][]interface{}) error

// connWriter sends batches through a ClickHouse connection
func connWriter(conn driver.Conn) batchWriter {
	return func(ctx context.Context, query string, rows [][]interface{}) error {
		batch, err := conn.PrepareBatch(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare batch: %w", err)
		}
		for _, row := range rows {
			if err := batch.Append(row...); err != nil {
				_ = batch.Abort()
				return fmt.Errorf("failed to append row: %w", err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("failed to send batch: %w", err)
		}
		return nil
	}
}

// ClickHouseSinkConfig configures a ClickHouseSink
type ClickHouseSinkConfig struct {
	Conn driver.Conn
	// BatchSize flushes once this many rows are buffered. Default: 500.
	BatchSize int
	// FlushInterval flushes periodically after Start. Default: 5s.
	FlushInterval time.Duration
	Logger        *logging.Logger
}

// ClickHouseSink appends imported items and finished cycles to the analytical
// tables read by the insight pipeline. Rows are buffered and sent in batches.
type ClickHouseSink struct {
	write         batchWriter
	batchSize     int
	flushInterval time.Duration
	logger        *logging.Logger

	mu      sync.Mutex
	items   [][]interface{}
	cycles  [][]interface{}
	started bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewClickHouseSink creates a sink on a ClickHouse connection
func NewClickHouseSink(cfg ClickHouseSinkConfig) (*ClickHouseSink, error) {
	if cfg.Conn == nil {
		return nil, errors.New("clickhouse connection cannot be nil")
	}
	return newClickHouseSink(connWriter(cfg.Conn), cfg), nil
}

func newClickHouseSink(write batchWriter, cfg ClickHouseSinkConfig) *ClickHouseSink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &ClickHouseSink{
		write:         write,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		logger:        logger.WithComponent("events.clickhouse"),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// ItemImported implements Sink
func (s *ClickHouseSink) ItemImported(ctx context.Context, ev ItemImportedEvent) error {
	it := ev.Item
	if it == nil {
		return errors.New("item imported event without item")
	}
	row := []interface{}{
		it.AccountID, it.UserID, string(it.ProviderType), string(it.ItemType), it.ExternalID,
		it.OccurredAt, it.AmountMinor, it.Currency, string(it.Payload), it.ImportedAt,
	}

	s.mu.Lock()
	s.items = append(s.items, row)
	full := len(s.items) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// FetchCompleted implements Sink
func (s *ClickHouseSink) FetchCompleted(ctx context.Context, ev FetchCompletedEvent) error {
	row := []interface{}{
		ev.AccountID, ev.UserID, string(ev.ProviderType), ev.AttemptID, ev.Success,
		ev.AllProvidersFetched, uint32(ev.ItemsImported), ev.Error, ev.CompletedAt,
	}

	s.mu.Lock()
	s.cycles = append(s.cycles, row)
	full := len(s.cycles) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush sends every buffered row. Rows of a failed batch are dropped.
func (s *ClickHouseSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	items, cycles := s.items, s.cycles
	s.items, s.cycles = nil, nil
	s.mu.Unlock()

	var errs []error
	if len(items) > 0 {
		if err := s.write(ctx, insertItemsQuery, items); err != nil {
			s.logger.WithError(err).WithField("rows", len(items)).Error("dropping imported item rows")
			errs = append(errs, err)
		}
	}
	if len(cycles) > 0 {
		if err := s.write(ctx, insertCyclesQuery, cycles); err != nil {
			s.logger.WithError(err).WithField("rows", len(cycles)).Error("dropping fetch cycle rows")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Buffered returns the number of rows waiting to be sent
func (s *ClickHouseSink) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items) + len(s.cycles)
}

// Start begins periodic flushing
func (s *ClickHouseSink) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	go s.run()
}

func (s *ClickHouseSink) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.flushInterval)
			_ = s.Flush(ctx)
			cancel()
		}
	}
}

// Close stops periodic flushing and sends what is left
func (s *ClickHouseSink) Close(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopCh) })
	if started {
		<-s.doneCh
	}
	return s.Flush(ctx)
}
