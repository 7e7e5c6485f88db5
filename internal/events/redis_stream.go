package events

import (
	"context"
	"encoding/json"
	"fmt"

	ceevent "github.com/cloudevents/sdk-go/v2/event"
	"github.com/redis/go-redis/v9"

	"github.com/scm-mirror/internal/circuitbreaker"
)

const cloudEventTypePrefix = "io.scm-mirror."

// RedisStreamSink appends every event to a Redis stream as a CloudEvents
// JSON document so out-of-process consumers can replay them
type RedisStreamSink struct {
	client  redis.Cmdable
	stream  string
	maxLen  int64
	breaker *circuitbreaker.CircuitBreaker
}

// NewRedisStreamSink creates a sink writing to stream, trimmed to about maxLen entries
func NewRedisStreamSink(client redis.Cmdable, stream string, maxLen int64) (*RedisStreamSink, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if stream == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	return &RedisStreamSink{
		client:  client,
		stream:  stream,
		maxLen:  maxLen,
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig("event-stream")),
	}, nil
}

// Name implements Consumer
func (s *RedisStreamSink) Name() string { return "redis-stream" }

// Consume implements Consumer
func (s *RedisStreamSink) Consume(ctx context.Context, e Event) error {
	doc, err := ToCloudEvent(e)
	if err != nil {
		return err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode cloud event: %w", err)
	}

	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		args := &redis.XAddArgs{
			Stream: s.stream,
			Values: map[string]interface{}{
				"kind":  string(e.Kind),
				"scope": e.Context.ScopeID,
				"event": string(body),
			},
		}
		if s.maxLen > 0 {
			args.MaxLen = s.maxLen
			args.Approx = true
		}
		if err := s.client.XAdd(ctx, args).Err(); err != nil {
			return fmt.Errorf("failed to append event to stream: %w", err)
		}
		return nil
	})
}

// ToCloudEvent wraps the event in a CloudEvents 1.0 envelope
func ToCloudEvent(e Event) (ceevent.Event, error) {
	ce := ceevent.New()
	ce.SetID(e.Context.EventID)
	ce.SetSource(fmt.Sprintf("/scopes/%d", e.Context.ScopeID))
	ce.SetType(cloudEventTypePrefix + string(e.Kind))
	ce.SetTime(e.Context.OccurredAt)
	if e.Context.Repository != nil {
		ce.SetSubject(e.Context.Repository.FullName())
	}
	ce.SetExtension("syncsource", string(e.Context.Source))
	ce.SetExtension("correlationid", e.Context.CorrelationID)
	if e.Context.WebhookAction != "" {
		ce.SetExtension("webhookaction", e.Context.WebhookAction)
	}
	if err := ce.SetData(ceevent.ApplicationJSON, e.Payload); err != nil {
		return ce, fmt.Errorf("failed to set cloud event data: %w", err)
	}
	if err := ce.Validate(); err != nil {
		return ce, fmt.Errorf("invalid cloud event: %w", err)
	}
	return ce, nil
}
