package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/relaypool/internal/analyzer"
	"github.com/t77yq/relaypool/internal/dispatch"
	"github.com/t77yq/relaypool/internal/model"
)

const (
	messageStreamName = "MESSAGES"
	inboundSubject    = "messages.inbound"
	queueGroup        = "relay-workers"
	streamMaxAge      = 24 * time.Hour
	operationTimeout  = 30 * time.Second
	ackWait           = 30 * time.Second
)

// Dispatcher routes classified work items through the account pool.
type Dispatcher interface {
	Dispatch(ctx context.Context, item *model.WorkItem) error
}

// Config defines ingest tuning.
type Config struct {
	// Target is the destination group classified messages are relayed to.
	Target string

	// ConfidenceThreshold overrides the analyzer's threshold when > 0.
	ConfidenceThreshold float64

	// RetryDelay is how long a message waits before redelivery when the
	// pool has no capacity or ingest is paused. Defaults to 10s.
	RetryDelay time.Duration
}

// Ingestor consumes inbound group messages from JetStream, classifies them,
// and hands actionable ones to the dispatcher. Items that find no relay
// capacity are redelivered by the server.
type Ingestor struct {
	js         nats.JetStreamContext
	logger     *zap.Logger
	analyzer   *analyzer.Analyzer
	dispatcher Dispatcher
	cfg        Config
	threshold  float64

	sub    *nats.Subscription
	paused atomic.Bool
}

// New creates an ingestor and ensures the message stream exists.
func New(js nats.JetStreamContext, an *analyzer.Analyzer, d Dispatcher, cfg Config, logger *zap.Logger) (*Ingestor, error) {
	threshold := cfg.ConfidenceThreshold
	if threshold <= 0 {
		threshold = an.Threshold()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Second
	}

	ing := &Ingestor{
		js:         js,
		logger:     logger.Named("ingest"),
		analyzer:   an,
		dispatcher: d,
		cfg:        cfg,
		threshold:  threshold,
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := ing.setupStream(ctx); err != nil {
		return nil, fmt.Errorf("failed to setup stream: %w", err)
	}
	return ing, nil
}

func (i *Ingestor) setupStream(ctx context.Context) error {
	_, err := i.js.AddStream(&nats.StreamConfig{
		Name:     messageStreamName,
		Subjects: []string{"messages.*"},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
	}, nats.Context(ctx))

	if err != nil {
		if err == nats.ErrStreamNameAlreadyInUse {
			i.logger.Info("Stream already exists", zap.String("stream", messageStreamName))
			return nil
		}
		return err
	}

	i.logger.Info("Stream created successfully", zap.String("stream", messageStreamName))
	return nil
}

// Start subscribes to the inbound subject. Messages are load-balanced across
// instances in the same queue group.
func (i *Ingestor) Start(ctx context.Context) error {
	sub, err := i.js.QueueSubscribe(inboundSubject, queueGroup, func(msg *nats.Msg) {
		i.handle(ctx, msg)
	}, nats.ManualAck(), nats.AckWait(ackWait))
	if err != nil {
		return fmt.Errorf("failed to subscribe to inbound messages: %w", err)
	}

	i.sub = sub
	i.logger.Info("Ingest started",
		zap.String("subject", inboundSubject),
		zap.String("queue", queueGroup),
		zap.Float64("threshold", i.threshold))
	return nil
}

// Stop drains the subscription so in-flight messages finish.
func (i *Ingestor) Stop() error {
	if i.sub == nil {
		return nil
	}
	if err := i.sub.Drain(); err != nil {
		return fmt.Errorf("failed to drain subscription: %w", err)
	}
	i.logger.Info("Ingest stopped")
	return nil
}

// Pause stops forwarding without dropping messages; inbound traffic is
// redelivered by the server until Resume.
func (i *Ingestor) Pause() {
	i.paused.Store(true)
	i.logger.Warn("Ingest paused")
}

// Resume re-enables forwarding.
func (i *Ingestor) Resume() {
	i.paused.Store(false)
	i.logger.Info("Ingest resumed")
}

// Paused reports whether ingest is currently paused.
func (i *Ingestor) Paused() bool {
	return i.paused.Load()
}

// Publish puts one inbound message on the stream. Gateways that watch the
// source groups call this.
func (i *Ingestor) Publish(ctx context.Context, msg *model.InboundMessage) error {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal inbound message: %w", err)
	}
	if _, err := i.js.Publish(inboundSubject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish inbound message: %w", err)
	}
	return nil
}

func (i *Ingestor) handle(ctx context.Context, msg *nats.Msg) {
	if i.paused.Load() {
		msg.NakWithDelay(i.cfg.RetryDelay)
		return
	}

	var inbound model.InboundMessage
	if err := json.Unmarshal(msg.Data, &inbound); err != nil {
		i.logger.Error("Failed to unmarshal inbound message", zap.Error(err))
		msg.Term()
		return
	}

	result := i.analyzer.Analyze(inbound.Text)
	if !result.IsHelpRequest || result.Confidence < i.threshold {
		i.logger.Debug("Message below threshold",
			zap.Int64("chat_id", inbound.ChatID),
			zap.Int64("message_id", inbound.MessageID),
			zap.Float64("confidence", result.Confidence))
		msg.Ack()
		return
	}

	item := &model.WorkItem{
		ID:        uuid.New().String(),
		Message:   inbound,
		Analysis:  result,
		Target:    i.cfg.Target,
		CreatedAt: time.Now(),
	}

	if err := i.dispatcher.Dispatch(ctx, item); err != nil {
		if errors.Is(err, dispatch.ErrNoCapacity) {
			// Leave the message on the stream; capacity may return
			// once an account finishes its cooldown.
			i.logger.Warn("No relay capacity, message redelivered",
				zap.String("item_id", item.ID),
				zap.Int64("chat_id", inbound.ChatID))
			msg.NakWithDelay(i.cfg.RetryDelay)
			return
		}
		i.logger.Error("Dispatch failed",
			zap.String("item_id", item.ID),
			zap.Error(err))
		msg.Ack()
		return
	}

	msg.Ack()
}
