package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/commerce-harvester/internal/adapter"
	"github.com/commerce-harvester/internal/events"
	"github.com/commerce-harvester/internal/models"
	"github.com/commerce-harvester/internal/queue"
	"github.com/commerce-harvester/internal/ratelimit"
	"github.com/commerce-harvester/internal/retry"
	"github.com/commerce-harvester/internal/types"
)

// ErrorLog is an in-memory error log, idempotent per (account, attempt)
type ErrorLog struct {
	mu      sync.Mutex
	entries []*models.ErrorLogEntry
	Err     error
}

// Append implements the error log store
func (l *ErrorLog) Append(ctx context.Context, entry *models.ErrorLogEntry) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return false, l.Err
	}
	for _, e := range l.entries {
		if e.AccountID == entry.AccountID && e.AttemptID == entry.AttemptID {
			return false, nil
		}
	}
	c := *entry
	c.ID = int64(len(l.entries) + 1)
	l.entries = append(l.entries, &c)
	return true, nil
}

// Latest returns the newest entry of an account or nil
func (l *ErrorLog) Latest(ctx context.Context, accountID string) (*models.ErrorLogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].AccountID == accountID {
			c := *l.entries[i]
			return &c, nil
		}
	}
	return nil, nil
}

// Entries returns every entry of an account, oldest first
func (l *ErrorLog) Entries(accountID string) []*models.ErrorLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*models.ErrorLogEntry
	for _, e := range l.entries {
		if e.AccountID == accountID {
			c := *e
			out = append(out, &c)
		}
	}
	return out
}

// ItemStore is an in-memory item table keyed by (account, item type, external id)
type ItemStore struct {
	mu    sync.Mutex
	items map[string]*models.ImportedItem
	order []string
	Err   error
}

func itemKey(it *models.ImportedItem) string {
	return it.AccountID + "|" + string(it.ItemType) + "|" + it.ExternalID
}

// UpsertItems inserts unseen items and returns them
func (s *ItemStore) UpsertItems(ctx context.Context, items []*models.ImportedItem) ([]*models.ImportedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	if s.items == nil {
		s.items = make(map[string]*models.ImportedItem)
	}
	var inserted []*models.ImportedItem
	for _, it := range items {
		k := itemKey(it)
		if _, ok := s.items[k]; ok {
			continue
		}
		c := *it
		s.items[k] = &c
		s.order = append(s.order, k)
		inserted = append(inserted, it)
	}
	return inserted, nil
}

// Count returns the number of stored items
func (s *ItemStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Published is one recorded publish
type Published struct {
	Message *queue.Message
	Delay   time.Duration
}

// Publisher records published messages
type Publisher struct {
	mu   sync.Mutex
	msgs []Published
	// Fail, when set, decides per message whether the publish fails
	Fail func(msg *queue.Message) error
}

// Publish implements the queue publisher
func (p *Publisher) Publish(ctx context.Context, msg *queue.Message, delay time.Duration) error {
	if p.Fail != nil {
		if err := p.Fail(msg); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c := *msg
	p.msgs = append(p.msgs, Published{Message: &c, Delay: delay})
	return nil
}

// Messages returns every recorded publish
func (p *Publisher) Messages() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Published(nil), p.msgs...)
}

// Last returns the latest publish; ok is false when there was none
func (p *Publisher) Last() (Published, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.msgs) == 0 {
		return Published{}, false
	}
	return p.msgs[len(p.msgs)-1], true
}

// Sink records events
type Sink struct {
	mu        sync.Mutex
	Items     []events.ItemImportedEvent
	Completed []events.FetchCompletedEvent
	Err       error
}

// ItemImported implements events.Sink
func (s *Sink) ItemImported(ctx context.Context, ev events.ItemImportedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Items = append(s.Items, ev)
	return s.Err
}

// FetchCompleted implements events.Sink
func (s *Sink) FetchCompleted(ctx context.Context, ev events.FetchCompletedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Completed = append(s.Completed, ev)
	return s.Err
}

// Provider is a scripted adapter.Provider. Each Fetch call consumes the next
// script entry; past the end, Fetch succeeds with no pages.
type Provider struct {
	ProviderType types.ProviderType
	Rate         ratelimit.Rate
	Classify     retry.Classifier

	mu      sync.Mutex
	scripts []FetchScript
	calls   int
	cursors []types.Cursor
}

// FetchScript is the behaviour of one Fetch call: the pages it emits, then Err
type FetchScript struct {
	Pages []*adapter.Page
	Err   error
}

// NewProvider creates a scripted provider using the HTTP classifier
func NewProvider(t types.ProviderType, scripts ...FetchScript) *Provider {
	return &Provider{ProviderType: t, Classify: retry.NewHTTPClassifier(), scripts: scripts}
}

// Type implements adapter.Provider
func (p *Provider) Type() types.ProviderType { return p.ProviderType }

// Classifier implements adapter.Provider
func (p *Provider) Classifier() retry.Classifier { return p.Classify }

// StaticRateDefault implements adapter.Provider
func (p *Provider) StaticRateDefault() ratelimit.Rate { return p.Rate }

// Fetch implements adapter.Provider
func (p *Provider) Fetch(ctx context.Context, account *models.ProviderAccount, cursor types.Cursor, onPage adapter.PageFunc) error {
	p.mu.Lock()
	p.cursors = append(p.cursors, cursor.Clone())
	var script FetchScript
	if p.calls < len(p.scripts) {
		script = p.scripts[p.calls]
	}
	p.calls++
	p.mu.Unlock()

	for _, page := range script.Pages {
		if err := onPage(ctx, page); err != nil {
			return err
		}
	}
	return script.Err
}

// Calls returns the number of Fetch calls
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Cursors returns the cursor passed to each Fetch call
func (p *Provider) Cursors() []types.Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.Cursor(nil), p.cursors...)
}
