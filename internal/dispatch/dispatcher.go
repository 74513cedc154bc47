package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/relaypool/internal/model"
	"github.com/t77yq/relaypool/internal/pool"
	"github.com/t77yq/relaypool/internal/relay"
)

// ErrNoCapacity is returned when every account is busy or cooling down.
// Callers decide whether to queue, retry later, or drop the item.
var ErrNoCapacity = errors.New("no relay capacity available")

const defaultMaxAttempts = 2

// Recorder persists the outcome of a dispatched work item.
type Recorder interface {
	RecordProcessedMessage(ctx context.Context, msg *model.ProcessedMessage) error
}

// Pool is the account pool surface the dispatcher drives.
type Pool interface {
	Acquire(ctx context.Context) (string, relay.Client, error)
	Release(ctx context.Context, id string, resultErr error)
	ReportRateLimit(id string, cooldown time.Duration)
}

// Config defines dispatcher tuning knobs.
type Config struct {
	// MaxAttempts caps total execution attempts per work item, including
	// the re-acquire after a rate limit.
	MaxAttempts int
}

// Dispatcher routes work items through pooled accounts: acquire, execute,
// report the outcome back to the pool.
type Dispatcher struct {
	logger      *zap.Logger
	pool        Pool
	recorder    Recorder
	maxAttempts int
}

// New creates a dispatcher. recorder may be nil when outcomes need not be persisted.
func New(p Pool, recorder Recorder, cfg Config, logger *zap.Logger) *Dispatcher {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Dispatcher{
		logger:      logger.Named("dispatcher"),
		pool:        p,
		recorder:    recorder,
		maxAttempts: maxAttempts,
	}
}

// Dispatch executes one work item through an acquired account. A rate-limited
// account is put into cooldown and the same item is retried once on another
// account. Returns ErrNoCapacity when no account can be acquired.
func (d *Dispatcher) Dispatch(ctx context.Context, item *model.WorkItem) error {
	var lastErr error

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		item.Attempts = attempt

		id, client, err := d.pool.Acquire(ctx)
		if err != nil {
			if errors.Is(err, pool.ErrNoAccountsAvailable) {
				d.record(ctx, item, false, "")
				return ErrNoCapacity
			}
			return err
		}

		execErr := client.Forward(ctx, item)
		if execErr == nil {
			d.pool.Release(ctx, id, nil)
			d.record(ctx, item, true, id)
			d.logger.Debug("Work item dispatched",
				zap.String("item_id", item.ID),
				zap.String("account_id", id),
				zap.Int("attempt", attempt))
			return nil
		}

		var rateLimit *relay.RateLimitError
		if errors.As(execErr, &rateLimit) {
			// Release counts the failed attempt on the account's error
			// tally, the cooldown takes it out of rotation, and the same
			// item retries on the next account.
			d.pool.Release(ctx, id, execErr)
			d.pool.ReportRateLimit(id, rateLimit.Cooldown)
			lastErr = execErr
			d.logger.Warn("Account rate limited during dispatch",
				zap.String("item_id", item.ID),
				zap.String("account_id", id),
				zap.Duration("cooldown", rateLimit.Cooldown),
				zap.Int("attempt", attempt))
			continue
		}

		d.pool.Release(ctx, id, execErr)
		d.record(ctx, item, false, id)
		return fmt.Errorf("dispatch failed on account %s: %w", id, execErr)
	}

	d.record(ctx, item, false, "")
	return fmt.Errorf("dispatch attempts exhausted: %w", lastErr)
}

func (d *Dispatcher) record(ctx context.Context, item *model.WorkItem, forwarded bool, accountID string) {
	if d.recorder == nil {
		return
	}
	rec := &model.ProcessedMessage{
		ID:          item.ID,
		ChatID:      item.Message.ChatID,
		MessageID:   item.Message.MessageID,
		SenderID:    item.Message.SenderID,
		SenderName:  item.Message.SenderName,
		Text:        item.Message.Text,
		Services:    item.Analysis.Services,
		Confidence:  item.Analysis.Confidence,
		IsForwarded: forwarded,
		AccountID:   accountID,
		ProcessedAt: time.Now(),
	}
	if err := d.recorder.RecordProcessedMessage(ctx, rec); err != nil {
		d.logger.Warn("Failed to record processed message",
			zap.String("item_id", item.ID),
			zap.Error(err))
	}
}
