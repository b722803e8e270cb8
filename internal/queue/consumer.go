package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/commerce-harvester/internal/logging"
	"github.com/commerce-harvester/internal/ratelimit"
	"github.com/commerce-harvester/internal/types"
)

// Handler processes one message. A returned error is logged and the message
// acknowledged, unless the error is a cancellation raised during shutdown: that
// message stays reserved and the stuck sweeper returns it.
type Handler func(ctx context.Context, msg *Message) error

// ConsumerConfig configures a Consumer
type ConsumerConfig struct {
	Queue    *RedisQueue
	Provider types.ProviderType
	Handler  Handler

	// Concurrency is the number of handler goroutines. Default: 1.
	Concurrency int
	// PollInterval bounds both the reserve block and the promote tick. Default: 1s.
	PollInterval time.Duration

	// Limiter and Rates, when both set, pace handler dispatch locally.
	Limiter *ratelimit.LocalLimiter
	Rates   ratelimit.RateReader

	Logger *logging.Logger
}

// Consumer runs a worker pool for one provider's messages, plus the promoter
// and stuck-message sweeper loops for that provider.
type Consumer struct {
	queue        *RedisQueue
	provider     types.ProviderType
	handler      Handler
	concurrency  int
	pollInterval time.Duration
	limiter      *ratelimit.LocalLimiter
	rates        ratelimit.RateReader
	logger       *logging.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewConsumer validates the configuration and creates a consumer
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Queue == nil {
		return nil, errors.New("queue cannot be nil")
	}
	if cfg.Handler == nil {
		return nil, errors.New("handler cannot be nil")
	}
	if cfg.Provider == "" {
		return nil, errors.New("provider type is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Consumer{
		queue:        cfg.Queue,
		provider:     cfg.Provider,
		handler:      cfg.Handler,
		concurrency:  cfg.Concurrency,
		pollInterval: cfg.PollInterval,
		limiter:      cfg.Limiter,
		rates:        cfg.Rates,
		logger:       logger.WithComponent("queue").WithField("provider", string(cfg.Provider)),
	}, nil
}

// Start launches the loops. It returns an error if already running.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("consumer for %s already started", c.provider)
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true

	c.logger.Infof("Starting %d workers", c.concurrency)

	c.wg.Add(2)
	go c.promoteLoop(ctx)
	go c.sweepLoop(ctx)

	for i := 0; i < c.concurrency; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}
	return nil
}

// Stop cancels the loops and waits for in-flight handlers to return.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	c.logger.Info("Stopping workers...")
	cancel()
	c.wg.Wait()
	c.logger.Info("All workers stopped")
}

func (c *Consumer) promoteLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := c.queue.Promote(ctx, c.provider); err != nil && ctx.Err() == nil {
			c.logger.WithError(err).Warn("promote failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Consumer) sweepLoop(ctx context.Context) {
	defer c.wg.Done()
	interval := c.queue.visibilityTimeout / 4
	if interval < c.pollInterval {
		interval = c.pollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.queue.RecoverStuck(ctx, c.provider)
			if err != nil && ctx.Err() == nil {
				c.logger.WithError(err).Warn("stuck sweep failed")
				continue
			}
			if n > 0 {
				c.logger.WithField("recovered", n).Warn("Recovered stuck messages")
			}
		}
	}
}

func (c *Consumer) worker(ctx context.Context, id int) {
	defer c.wg.Done()

	for ctx.Err() == nil {
		d, err := c.queue.Reserve(ctx, c.provider, c.pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.WithError(err).WithField("worker", id).Error("reserve failed")
			c.sleep(ctx, c.pollInterval)
			continue
		}
		if d == nil {
			continue
		}
		c.process(ctx, id, d)
	}
}

// process runs the handler and acks. Ack uses a detached context so a
// shutdown between handler return and ack does not leave the message reserved.
func (c *Consumer) process(ctx context.Context, id int, d *Delivery) {
	log := c.logger.WithFields(map[string]interface{}{
		"worker":     id,
		"message_id": d.Message.ID,
		"account_id": d.Message.AccountID,
	})

	if err := c.pace(ctx); err != nil {
		// Shutting down: leave it reserved so the sweeper returns it
		return
	}

	hctx := logging.WithLogger(ctx, log)
	if err := c.handler(hctx, d.Message); err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			log.WithError(err).Warn("handler cancelled by shutdown, message left reserved")
			return
		}
		log.WithError(err).Error("handler failed, message dropped")
	}

	ackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.queue.Ack(ackCtx, c.provider, d.Raw); err != nil {
		log.WithError(err).Error("ack failed")
	}
}

func (c *Consumer) pace(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if c.rates != nil {
		if _, err := c.limiter.SyncFrom(ctx, c.rates, c.provider); err != nil {
			c.logger.WithError(err).Debug("local limiter sync failed")
		}
	}
	return c.limiter.Wait(ctx, c.provider)
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
