package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	streamMaxLen     = 100_000
	readBatchSize    = 100
	readBlockTimeout = 5 * time.Second
	groupCreateTries = 30
	reclaimInterval  = 60 * time.Second
	reclaimMinIdle   = 300 * time.Second
	deadLetterStream = "stream:dead-letter"
	payloadField     = "payload"
)

// ErrRetryLater tells the consumer to leave the message pending so that
// the idle-entry reclaim re-delivers it. Only transport-level failures
// (gateway 5xx, circuit open) should use it; everything else is ACKed.
var ErrRetryLater = errors.New("retry later")

// ErrMalformed marks a payload that failed schema validation. The
// message is ACKed and copied to the dead-letter stream.
var ErrMalformed = errors.New("malformed payload")

// StreamPublisher appends JSON records to one stream. Each entry is a
// single payload field; the stream is trimmed approximately.
type StreamPublisher struct {
	client *redis.Client
	stream string
	log    zerolog.Logger
}

// NewStreamPublisher creates a publisher for stream.
func NewStreamPublisher(r *RedisClient, stream string, log zerolog.Logger) *StreamPublisher {
	return &StreamPublisher{client: r.Raw(), stream: stream, log: log}
}

// Publish serializes v and appends it to the stream.
func (p *StreamPublisher) Publish(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal for %s: %w", p.stream, err)
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{payloadField: string(data)},
	}).Err()
}

// MessageHandler processes one decoded payload. Returning ErrRetryLater
// leaves the entry pending; wrapping ErrMalformed dead-letters it; any
// other error is logged and dropped (the entry stays ACKed).
type MessageHandler func(ctx context.Context, payload []byte) error

// streamCommands covers the stream commands the consumer issues.
// *redis.Client satisfies it.
type streamCommands interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
}

// StreamConsumer reads one stream through a consumer group with
// ACK-before-process (at-most-once) semantics.
type StreamConsumer struct {
	client   streamCommands
	stream   string
	group    string
	consumer string
	handler  MessageHandler
	log      zerolog.Logger
}

// NewStreamConsumer creates a consumer with a unique member name so that
// pending entries can be attributed after a crash.
func NewStreamConsumer(r *RedisClient, stream, group string, handler MessageHandler, log zerolog.Logger) *StreamConsumer {
	host, _ := os.Hostname()
	if host == "" {
		host = "unknown"
	}
	return &StreamConsumer{
		client:   r.Raw(),
		stream:   stream,
		group:    group,
		consumer: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		handler:  handler,
		log:      log.With().Str("stream", stream).Str("group", group).Logger(),
	}
}

// Run blocks reading the stream until ctx is cancelled. It creates the
// consumer group first, retrying while Redis is still loading.
func (c *StreamConsumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}

	go c.reclaimLoop(ctx)

	c.log.Info().Str("consumer", c.consumer).Msg("stream consumer started")
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    readBatchSize,
			Block:    readBlockTimeout,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn().Err(err).Msg("stream read failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				c.process(ctx, msg)
			}
		}
	}
}

// ensureGroup creates the group at the stream head, tolerating an
// existing group. Redis may still be loading its dataset at startup, so
// the create is retried for up to 30 seconds.
func (c *StreamConsumer) ensureGroup(ctx context.Context) error {
	var lastErr error
	for i := 0; i < groupCreateTries; i++ {
		err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "$").Err()
		if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("create group %s on %s: %w", c.group, c.stream, lastErr)
}

// process handles one entry. The decode path ACKs before the handler
// runs; duplicate execution is more dangerous than a dropped message.
func (c *StreamConsumer) process(ctx context.Context, msg redis.XMessage) {
	raw, ok := msg.Values[payloadField].(string)
	if !ok {
		c.ack(ctx, msg.ID)
		c.deadLetter(ctx, msg.ID, "", "missing payload field")
		return
	}

	err := c.handler(ctx, []byte(raw))
	switch {
	case err == nil:
		c.ack(ctx, msg.ID)
	case errors.Is(err, ErrRetryLater):
		// Leave pending; the reclaim scan re-delivers after the
		// idle threshold.
		c.log.Warn().Str("id", msg.ID).Err(err).Msg("message left pending for retry")
	case errors.Is(err, ErrMalformed):
		c.ack(ctx, msg.ID)
		c.deadLetter(ctx, msg.ID, raw, err.Error())
	default:
		c.ack(ctx, msg.ID)
		c.log.Error().Str("id", msg.ID).Err(err).Msg("message processing failed")
	}
}

func (c *StreamConsumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.stream, c.group, id).Err(); err != nil {
		c.log.Warn().Str("id", id).Err(err).Msg("ack failed")
	}
}

func (c *StreamConsumer) deadLetter(ctx context.Context, id, payload, reason string) {
	err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: deadLetterStream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"source_stream": c.stream,
			"source_id":     id,
			"reason":        reason,
			payloadField:    payload,
		},
	}).Err()
	if err != nil {
		c.log.Error().Str("id", id).Err(err).Msg("dead-letter write failed")
	}
	c.log.Error().Str("id", id).Str("reason", reason).Msg("dead-lettered message")
}

// reclaimLoop periodically claims entries whose original consumer went
// idle, then runs them through the normal processing path. Handlers
// re-check their pre-conditions, so a message that was already acted on
// becomes a no-op.
func (c *StreamConsumer) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		start := "0-0"
		for {
			msgs, next, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   c.stream,
				Group:    c.group,
				Consumer: c.consumer,
				MinIdle:  reclaimMinIdle,
				Start:    start,
				Count:    readBatchSize,
			}).Result()
			if err != nil {
				if ctx.Err() == nil {
					c.log.Warn().Err(err).Msg("pending reclaim failed")
				}
				break
			}
			for _, msg := range msgs {
				c.log.Info().Str("id", msg.ID).Msg("reclaimed pending message")
				c.process(ctx, msg)
			}
			if next == "0-0" || len(msgs) == 0 {
				break
			}
			start = next
		}
	}
}
