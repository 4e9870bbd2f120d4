package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"BatchAuction/internal/event"
)

// OutboundPublisher publishes settlement notices to NATS for downstream
// consumers. Notices go out after the core has applied the event, on
// subjects auction.events.{notice_type}.{pool_id} (pool "global" for
// reward games). Publishing is best-effort: a consumer that needs a
// complete record reads the event log.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableNotice
}

// PublishableNotice is one applied notice ready for outbound publishing.
type PublishableNotice struct {
	Sequence    int64        `json:"sequence"`
	NoticeType  string       `json:"notice_type"`
	PoolID      *string      `json:"pool_id,omitempty"`
	Notice      event.Notice `json:"notice"`
	StateHash   []byte       `json:"state_hash"`
	TimestampUs int64        `json:"timestamp_us"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableNotice) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case n, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, n); err != nil {
				log.Printf("WARN: outbound publish failed seq=%d type=%s: %v", n.Sequence, n.NoticeType, err)
				// Non-fatal: downstream consumers can query the event log directly
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, n PublishableNotice) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}

	pool := "global"
	if n.PoolID != nil {
		pool = *n.PoolID
	}
	subject := fmt.Sprintf("auction.events.%s.%s", n.NoticeType, pool)

	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "AUCTION_EVENTS",
		Subjects:  []string{"auction.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Println("INFO: ensured outbound stream AUCTION_EVENTS")
	return nil
}

// TickPublisher drives the phase clock. The core never reads the wall
// clock; it sees time only through ClockTick events, which is what
// makes replay reproduce every phase transition. Tick sequences derive
// from wall time over the interval, so they stay monotonic across
// publisher restarts without any persisted counter.
type TickPublisher struct {
	js       jetstream.JetStream
	interval time.Duration
}

func NewTickPublisher(js jetstream.JetStream, interval time.Duration) *TickPublisher {
	if interval <= 0 {
		interval = time.Second
	}
	return &TickPublisher{js: js, interval: interval}
}

// Run publishes auction.clock.tick every interval until ctx is done.
func (tp *TickPublisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(tp.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case now := <-ticker.C:
			tick := &event.ClockTick{
				Timestamp: now,
				Sequence:  now.UnixNano() / int64(tp.interval),
			}
			data, err := event.MarshalPayload(tick)
			if err != nil {
				return fmt.Errorf("marshal tick: %w", err)
			}
			if _, err := tp.js.Publish(ctx, "auction.clock.tick", data); err != nil {
				log.Printf("WARN: tick publish failed: %v", err)
				// Missed ticks delay transitions; the next one catches up.
			}
		}
	}
}

// OpsPublisher pushes validated operations onto the inbound op subjects.
// The HTTP op endpoints use it so that submissions via HTTP and via
// NATS flow through the same stream, consumers, and dedup path.
type OpsPublisher struct {
	js jetstream.JetStream
}

func NewOpsPublisher(js jetstream.JetStream) *OpsPublisher {
	return &OpsPublisher{js: js}
}

// Publish marshals the operation to wire form and publishes it on its
// subject. The returned error is safe to surface to the submitter.
func (p *OpsPublisher) Publish(ctx context.Context, evt event.Event) error {
	data, err := event.MarshalPayload(evt)
	if err != nil {
		return fmt.Errorf("marshal op: %w", err)
	}

	subject, err := opSubject(evt)
	if err != nil {
		return err
	}

	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// opSubject builds the per-op subject. Pool-scoped ops carry the pool
// id as the last token so consumers can filter; global ops use the
// submitter or game id.
func opSubject(evt event.Event) (string, error) {
	switch e := evt.(type) {
	case *event.CreatePool:
		return fmt.Sprintf("auction.ops.pool.%s", e.PoolUUID), nil
	case *event.FundAccount:
		return fmt.Sprintf("auction.ops.fund.%s", e.TraderID), nil
	case *event.OpenBatch:
		return fmt.Sprintf("auction.ops.open.%s", e.PoolUUID), nil
	case *event.CommitOrder:
		return fmt.Sprintf("auction.ops.commit.%s", e.PoolUUID), nil
	case *event.RevealOrder:
		return fmt.Sprintf("auction.ops.reveal.%s", e.PoolUUID), nil
	case *event.DistributeGame:
		return fmt.Sprintf("auction.ops.game.%s", e.GameID), nil
	case *event.ClockTick:
		return "auction.clock.tick", nil
	default:
		return "", fmt.Errorf("no subject for event type %T", evt)
	}
}
