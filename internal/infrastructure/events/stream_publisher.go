// Package events forwards committed ledger entries and auditor action log
// entries to Redis Streams for external anchoring and security monitoring.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/access"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/ledger"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/telemetry"
)

// StreamConfig names the target streams
type StreamConfig struct {
	EntryStream     string
	ActionLogStream string
	// MaxLen caps each stream approximately; zero leaves streams unbounded
	MaxLen int64
}

// StreamPublisher writes to Redis Streams. It implements ledger.Publisher
// and access.ActionLogPublisher.
type StreamPublisher struct {
	client *redis.Client
	config StreamConfig
	dlq    *DeadLetterQueue
	logger *zap.Logger
	tracer trace.Tracer
}

// NewStreamPublisher creates a publisher over client. When dlq is non-nil,
// messages that fail to publish are parked there for Redrive.
func NewStreamPublisher(client *redis.Client, config StreamConfig, dlq *DeadLetterQueue, logger *zap.Logger) *StreamPublisher {
	return &StreamPublisher{
		client: client,
		config: config,
		dlq:    dlq,
		logger: logger.Named("stream_publisher"),
		tracer: telemetry.Tracer("proaudit/events"),
	}
}

// PublishEntry appends a committed ledger entry to the entry stream
func (p *StreamPublisher) PublishEntry(ctx context.Context, entry *ledger.Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode ledger entry: %w", err)
	}
	return p.add(ctx, p.config.EntryStream, map[string]interface{}{
		"organization_id": entry.OrganizationID.String(),
		"sequence_number": entry.SequenceNumber,
		"entry_hash":      entry.EntryHash,
		"entry":           payload,
	})
}

// PublishActionLog appends an auditor action to the action log stream
func (p *StreamPublisher) PublishActionLog(ctx context.Context, entry *access.ActionLogEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode action log entry: %w", err)
	}
	return p.add(ctx, p.config.ActionLogStream, map[string]interface{}{
		"organization_id": entry.OrganizationID.String(),
		"auditor_id":      entry.AuditorID,
		"allowed":         entry.Allowed,
		"entry":           payload,
	})
}

// Redrive republishes parked messages and returns how many succeeded
func (p *StreamPublisher) Redrive(ctx context.Context) (int, error) {
	if p.dlq == nil {
		return 0, nil
	}

	delivered := 0
	for _, msg := range p.dlq.Pending(0) {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		if err := p.xadd(ctx, msg.Stream, msg.Values); err != nil {
			_ = p.dlq.MarkFailed(msg.ID, err.Error())
			continue
		}
		if err := p.dlq.Remove(msg.ID); err == nil {
			delivered++
		}
	}

	p.logger.Info("dead letter redrive finished",
		zap.Int("delivered", delivered),
		zap.Int("remaining", p.dlq.Len()))
	return delivered, nil
}

func (p *StreamPublisher) add(ctx context.Context, stream string, values map[string]interface{}) error {
	err := p.xadd(ctx, stream, values)
	if err != nil && p.dlq != nil {
		p.dlq.Add(stream, values, err.Error())
	}
	return err
}

func (p *StreamPublisher) xadd(ctx context.Context, stream string, values map[string]interface{}) error {
	ctx, span := p.tracer.Start(ctx, "events.xadd",
		trace.WithAttributes(attribute.String("stream", stream)))
	defer span.End()

	args := &redis.XAddArgs{Stream: stream, Values: values}
	if p.config.MaxLen > 0 {
		args.MaxLen = p.config.MaxLen
		args.Approx = true
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		telemetry.RecordError(span, err)
		p.logger.Error("stream publish failed", zap.String("stream", stream), zap.Error(err))
		return fmt.Errorf("publish to %s: %w", stream, err)
	}
	span.SetAttributes(attribute.String("message_id", id))
	return nil
}

var (
	_ ledger.Publisher          = (*StreamPublisher)(nil)
	_ access.ActionLogPublisher = (*StreamPublisher)(nil)
)
