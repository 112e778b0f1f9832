// Package natsjs publishes dispatch messages to a NATS JetStream work-queue
// stream and consumes them with one durable consumer per agent type.
// JetStream de-duplicates publishes by Nats-Msg-Id, which is set to the
// outbox idempotency key.
package natsjs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"wavecrew/internal/domain"
)

type Config struct {
	URL           string
	Stream        string
	SubjectPrefix string
	// Duplicates is the stream's de-duplication window.
	Duplicates time.Duration
	AckWait    time.Duration
	MaxDeliver int
	NakDelay   time.Duration
	FetchWait  time.Duration
	// ConnectAttempts bounds the initial connection retries.
	ConnectAttempts uint64
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.URL) == "" {
		c.URL = nats.DefaultURL
	}
	if strings.TrimSpace(c.Stream) == "" {
		c.Stream = "WAVECREW_DISPATCH"
	}
	if strings.TrimSpace(c.SubjectPrefix) == "" {
		c.SubjectPrefix = "wavecrew.dispatch"
	}
	c.SubjectPrefix = strings.TrimSuffix(c.SubjectPrefix, ".")
	if c.Duplicates <= 0 {
		c.Duplicates = 2 * time.Hour
	}
	if c.AckWait <= 0 {
		c.AckWait = 15 * time.Minute
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = 5
	}
	if c.NakDelay <= 0 {
		c.NakDelay = 5 * time.Second
	}
	if c.FetchWait <= 0 {
		c.FetchWait = 5 * time.Second
	}
	if c.ConnectAttempts == 0 {
		c.ConnectAttempts = 5
	}
	return c
}

// Handler runs one dispatch. A nil error acks the message; any other error
// naks it for redelivery.
type Handler func(ctx context.Context, msg domain.Message) error

type Transport struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	cfg    Config
	logger *log.Logger
}

// Connect dials NATS, retrying with exponential backoff, and creates or
// updates the dispatch stream.
func Connect(ctx context.Context, cfg Config, logger *log.Logger) (*Transport, error) {
	if logger == nil {
		logger = log.Default()
	}
	cfg = cfg.withDefaults()

	var nc *nats.Conn
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), cfg.ConnectAttempts), ctx)
	err := backoff.RetryNotify(func() error {
		var err error
		nc, err = nats.Connect(cfg.URL,
			nats.Name("wavecrew"),
			nats.MaxReconnects(-1),
		)
		return err
	}, policy, func(err error, wait time.Duration) {
		logger.Printf("nats connect failed url=%s retry_in=%s: %v", cfg.URL, wait, err)
	})
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get jetstream: %w", err)
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.SubjectPrefix + ".>"},
		Retention:  jetstream.WorkQueuePolicy,
		Duplicates: cfg.Duplicates,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}
	return &Transport{nc: nc, js: js, stream: stream, cfg: cfg, logger: logger}, nil
}

// Conn exposes the underlying connection so other publishers can share it.
func (t *Transport) Conn() *nats.Conn {
	return t.nc
}

func (t *Transport) Subject(target string) string {
	return t.cfg.SubjectPrefix + "." + target
}

func (t *Transport) Publish(ctx context.Context, msg domain.Message) error {
	if strings.TrimSpace(msg.Target) == "" {
		return fmt.Errorf("publish message %s: empty target", msg.ID)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	ack, err := t.js.Publish(ctx, t.Subject(msg.Target), data, jetstream.WithMsgID(msg.IdempotencyKey))
	if err != nil {
		return fmt.Errorf("publish message %s: %w", msg.ID, err)
	}
	if ack.Duplicate {
		t.logger.Printf("nats publish deduplicated message=%s key=%s", msg.ID, msg.IdempotencyKey)
	}
	return nil
}

// Consume fetches dispatches for one agent type until ctx is cancelled.
func (t *Transport) Consume(ctx context.Context, target string, handle Handler) error {
	consumer, err := t.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       "wavecrew-" + target,
		FilterSubject: t.Subject(target),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       t.cfg.AckWait,
		MaxDeliver:    t.cfg.MaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", target, err)
	}

	retry := fetchRetryPolicy()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		batch, err := consumer.Fetch(1, jetstream.FetchMaxWait(t.cfg.FetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.logger.Printf("nats fetch failed target=%s: %v", target, err)
			if !waitRetry(ctx, retry) {
				return nil
			}
			continue
		}
		retry.Reset()
		for m := range batch.Messages() {
			t.handle(ctx, target, m, handle)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, nats.ErrTimeout) {
			t.logger.Printf("nats fetch error target=%s: %v", target, err)
		}
	}
}

// fetchRetryPolicy spaces out fetches while the server is unreachable.
func fetchRetryPolicy() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// waitRetry sleeps for the next backoff interval. It reports false when ctx
// ends first or the policy gives up.
func waitRetry(ctx context.Context, b backoff.BackOff) bool {
	d := b.NextBackOff()
	if d == backoff.Stop {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (t *Transport) handle(ctx context.Context, target string, m jetstream.Msg, handle Handler) {
	var msg domain.Message
	if err := json.Unmarshal(m.Data(), &msg); err != nil {
		t.logger.Printf("nats drop undecodable message target=%s: %v", target, err)
		if err := m.Term(); err != nil {
			t.logger.Printf("nats term failed target=%s: %v", target, err)
		}
		return
	}
	if err := handle(ctx, msg); err != nil {
		t.logger.Printf("nats handler failed message=%s target=%s: %v", msg.ID, target, err)
		if err := m.NakWithDelay(t.cfg.NakDelay); err != nil {
			t.logger.Printf("nats nak failed message=%s: %v", msg.ID, err)
		}
		return
	}
	if err := m.Ack(); err != nil {
		t.logger.Printf("nats ack failed message=%s: %v", msg.ID, err)
	}
}

func (t *Transport) Close() {
	if t.nc != nil {
		t.nc.Close()
	}
}
