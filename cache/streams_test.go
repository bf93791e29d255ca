package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// stubStreamClient records the delivery actions the consumer takes.
type stubStreamClient struct {
	acked       []string
	deadLetters []map[string]interface{}
}

func (s *stubStreamClient) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	s.acked = append(s.acked, ids...)
	return redis.NewIntCmd(ctx)
}

func (s *stubStreamClient) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	if vals, ok := a.Values.(map[string]interface{}); ok && a.Stream == deadLetterStream {
		s.deadLetters = append(s.deadLetters, vals)
	}
	return redis.NewStringCmd(ctx)
}

func (s *stubStreamClient) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	return redis.NewStatusCmd(ctx)
}

func (s *stubStreamClient) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	return redis.NewXStreamSliceCmd(ctx)
}

func (s *stubStreamClient) XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd {
	return redis.NewXAutoClaimCmd(ctx)
}

func newTestConsumer(stub *stubStreamClient, handler MessageHandler) *StreamConsumer {
	return &StreamConsumer{
		client:   stub,
		stream:   StreamTicks,
		group:    GroupScanner,
		consumer: "test-consumer",
		handler:  handler,
		log:      zerolog.Nop(),
	}
}

func TestConsumerDeliveryOutcomes(t *testing.T) {
	tests := []struct {
		name           string
		handlerErr     error
		wantAck        bool
		wantDeadLetter bool
	}{
		{
			name:    "handled message is acked",
			wantAck: true,
		},
		{
			// The reclaim scan re-delivers pending entries, so a
			// transport failure must leave the entry un-acked.
			name:       "transient failure leaves message pending",
			handlerErr: fmt.Errorf("%w: gateway unavailable", ErrRetryLater),
		},
		{
			name:           "malformed payload is acked and dead-lettered",
			handlerErr:     fmt.Errorf("%w: missing stock_code", ErrMalformed),
			wantAck:        true,
			wantDeadLetter: true,
		},
		{
			// Unknown handler errors must not wedge the group.
			name:       "unexpected failure is acked and dropped",
			handlerErr: errors.New("boom"),
			wantAck:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubStreamClient{}
			c := newTestConsumer(stub, func(ctx context.Context, payload []byte) error {
				return tt.handlerErr
			})

			c.process(context.Background(), redis.XMessage{
				ID:     "7-0",
				Values: map[string]interface{}{payloadField: `{"stock_code":"005930"}`},
			})

			if acked := len(stub.acked) > 0; acked != tt.wantAck {
				t.Errorf("acked = %v, want %v", acked, tt.wantAck)
			}
			if dead := len(stub.deadLetters) > 0; dead != tt.wantDeadLetter {
				t.Errorf("dead-lettered = %v, want %v", dead, tt.wantDeadLetter)
			}
			if tt.wantAck && stub.acked[0] != "7-0" {
				t.Errorf("acked id = %q, want 7-0", stub.acked[0])
			}
		})
	}
}

func TestConsumerDeadLetterCarriesProvenance(t *testing.T) {
	stub := &stubStreamClient{}
	c := newTestConsumer(stub, func(ctx context.Context, payload []byte) error {
		return fmt.Errorf("%w: bad enum", ErrMalformed)
	})

	c.process(context.Background(), redis.XMessage{
		ID:     "9-1",
		Values: map[string]interface{}{payloadField: `{"signal_type":"???"}`},
	})

	if len(stub.deadLetters) != 1 {
		t.Fatalf("dead-letter entries = %d, want 1", len(stub.deadLetters))
	}
	entry := stub.deadLetters[0]
	if entry["source_stream"] != StreamTicks {
		t.Errorf("source_stream = %v, want %s", entry["source_stream"], StreamTicks)
	}
	if entry["source_id"] != "9-1" {
		t.Errorf("source_id = %v, want 9-1", entry["source_id"])
	}
	if entry[payloadField] != `{"signal_type":"???"}` {
		t.Errorf("payload = %v, want original payload preserved", entry[payloadField])
	}
}

func TestConsumerMissingPayloadField(t *testing.T) {
	called := false
	stub := &stubStreamClient{}
	c := newTestConsumer(stub, func(ctx context.Context, payload []byte) error {
		called = true
		return nil
	})

	c.process(context.Background(), redis.XMessage{
		ID:     "3-0",
		Values: map[string]interface{}{"other": "field"},
	})

	if called {
		t.Error("handler invoked for an entry without a payload field")
	}
	if len(stub.acked) != 1 || len(stub.deadLetters) != 1 {
		t.Errorf("acked=%d dead=%d, want the entry acked and dead-lettered", len(stub.acked), len(stub.deadLetters))
	}
}
