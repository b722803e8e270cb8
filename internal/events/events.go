// Package events emits harvest events to the downstream normalization and
// notification pipelines. Emission is best effort: a sink failure never
// changes account state.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/commerce-harvester/internal/logging"
	"github.com/commerce-harvester/internal/models"
	"github.com/commerce-harvester/internal/types"
)

// ItemImportedEvent is emitted once per newly inserted item
type ItemImportedEvent struct {
	AccountID    string               `json:"accountId"`
	UserID       string               `json:"userId"`
	ProviderType types.ProviderType   `json:"providerType"`
	Item         *models.ImportedItem `json:"item"`
	OccurredAt   time.Time            `json:"occurredAt"`
}

// FetchCompletedEvent is emitted once per finished fetch cycle, success or failure
type FetchCompletedEvent struct {
	AccountID    string             `json:"accountId"`
	UserID       string             `json:"userId"`
	ProviderType types.ProviderType `json:"providerType"`
	AttemptID    string             `json:"attemptId"`
	Success      bool               `json:"success"`
	// AllProvidersFetched is true when every active authorized account of the
	// user has completed successfully
	AllProvidersFetched bool      `json:"allProvidersFetched"`
	ItemsImported       int       `json:"itemsImported"`
	Error               string    `json:"error,omitempty"`
	CompletedAt         time.Time `json:"completedAt"`
}

// Sink receives harvest events
type Sink interface {
	ItemImported(ctx context.Context, ev ItemImportedEvent) error
	FetchCompleted(ctx context.Context, ev FetchCompletedEvent) error
}

// LogSink writes events to the structured log
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a log sink; nil uses the global logger
func NewLogSink(logger *logging.Logger) *LogSink {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &LogSink{logger: logger.WithComponent("events")}
}

// ItemImported implements Sink
func (s *LogSink) ItemImported(ctx context.Context, ev ItemImportedEvent) error {
	s.logger.WithFields(map[string]interface{}{
		"account_id":  ev.AccountID,
		"provider":    string(ev.ProviderType),
		"item_type":   string(ev.Item.ItemType),
		"external_id": ev.Item.ExternalID,
	}).Debug("item imported")
	return nil
}

// FetchCompleted implements Sink
func (s *LogSink) FetchCompleted(ctx context.Context, ev FetchCompletedEvent) error {
	log := s.logger.WithFields(map[string]interface{}{
		"account_id":            ev.AccountID,
		"user_id":               ev.UserID,
		"provider":              string(ev.ProviderType),
		"success":               ev.Success,
		"all_providers_fetched": ev.AllProvidersFetched,
		"items_imported":        ev.ItemsImported,
	})
	if ev.Error != "" {
		log = log.WithField("error", ev.Error)
	}
	log.Info("fetch completed")
	return nil
}

// MultiSink fans events out to every sink. Individual failures are logged and
// joined into the returned error; every sink is always called.
type MultiSink struct {
	sinks  []Sink
	logger *logging.Logger
}

// NewMultiSink creates a fan-out sink, skipping nil sinks
func NewMultiSink(sinks ...Sink) *MultiSink {
	m := &MultiSink{logger: logging.GetGlobalLogger().WithComponent("events")}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Len returns the number of sinks
func (m *MultiSink) Len() int {
	return len(m.sinks)
}

// ItemImported implements Sink
func (m *MultiSink) ItemImported(ctx context.Context, ev ItemImportedEvent) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.ItemImported(ctx, ev); err != nil {
			m.logger.WithError(err).WithField("account_id", ev.AccountID).Warn("item imported event not delivered")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FetchCompleted implements Sink
func (m *MultiSink) FetchCompleted(ctx context.Context, ev FetchCompletedEvent) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.FetchCompleted(ctx, ev); err != nil {
			m.logger.WithError(err).WithField("account_id", ev.AccountID).Warn("fetch completed event not delivered")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event
type Discard struct{}

// ItemImported implements Sink
func (Discard) ItemImported(context.Context, ItemImportedEvent) error { return nil }

// FetchCompleted implements Sink
func (Discard) FetchCompleted(context.Context, FetchCompletedEvent) error { return nil }
