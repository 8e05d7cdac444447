// Package events publishes committed rebases to Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"rebase-policy/internal/policy"
)

// RebaseEvent is the JSON payload written for every rebase.
type RebaseEvent struct {
	Epoch        uint64    `json:"epoch"`
	TradingPrice string    `json:"trading_price"`
	TargetPrice  string    `json:"target_price"`
	SupplyDelta  string    `json:"supply_delta"`
	TotalSupply  string    `json:"total_supply"`
	TimestampSec uint64    `json:"timestamp_sec"`
	PublishedAt  time.Time `json:"published_at"`
}

// NewRebaseEvent converts a policy outcome to its wire form.
func NewRebaseEvent(o policy.RebaseOutcome, now time.Time) RebaseEvent {
	return RebaseEvent{
		Epoch:        o.Epoch,
		TradingPrice: bigString(o.TradingPrice),
		TargetPrice:  bigString(o.TargetPrice),
		SupplyDelta:  bigString(o.RequestedSupplyAdjustment),
		TotalSupply:  bigString(o.TotalSupply),
		TimestampSec: o.TimestampSec,
		PublishedAt:  now.UTC(),
	}
}

// MessageWriter is the subset of *kafka.Writer used by Publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Options configure the Kafka writer.
type Options struct {
	Brokers      []string
	Topic        string
	Compression  string
	WriteTimeout time.Duration
}

// Publisher writes rebase events keyed by epoch.
type Publisher struct {
	writer MessageWriter
	topic  string
	logger zerolog.Logger
	now    func() time.Time
}

// NewPublisher builds a Kafka-backed publisher.
func NewPublisher(opts Options, logger zerolog.Logger) (*Publisher, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("events: brokers are required")
	}
	if opts.Topic == "" {
		return nil, errors.New("events: topic is required")
	}
	timeout := opts.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        opts.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  parseCompression(opts.Compression),
		MaxAttempts:  3,
		WriteTimeout: timeout,
		BatchSize:    1,
	}
	return NewPublisherWithWriter(writer, opts.Topic, logger), nil
}

// NewPublisherWithWriter wraps an existing writer whose topic is already set.
func NewPublisherWithWriter(writer MessageWriter, topic string, logger zerolog.Logger) *Publisher {
	return &Publisher{
		writer: writer,
		topic:  topic,
		logger: logger.With().Str("component", "events").Str("topic", topic).Logger(),
		now:    time.Now,
	}
}

// Publish writes one event.
func (p *Publisher) Publish(ctx context.Context, event RebaseEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal rebase event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatUint(event.Epoch, 10)),
		Value: value,
		Time:  event.PublishedAt,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte("rebase_applied")},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write rebase event: %w", err)
	}
	return nil
}

// RebaseApplied publishes every committed rebase; failures are logged.
func (p *Publisher) RebaseApplied(ctx context.Context, outcome policy.RebaseOutcome) {
	if err := p.Publish(ctx, NewRebaseEvent(outcome, p.now())); err != nil {
		p.logger.Error().Err(err).Uint64("epoch", outcome.Epoch).Msg("failed to publish rebase event")
		return
	}
	p.logger.Debug().Uint64("epoch", outcome.Epoch).Msg("rebase event published")
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

func parseCompression(s string) kafka.Compression {
	switch s {
	case "none", "":
		return 0
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Gzip
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

var _ policy.Observer = (*Publisher)(nil)
