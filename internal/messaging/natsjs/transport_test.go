package natsjs

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wavecrew/internal/domain"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{SubjectPrefix: "jobs.dispatch."}.withDefaults()
	assert.Equal(t, "jobs.dispatch", cfg.SubjectPrefix)
	assert.Equal(t, "WAVECREW_DISPATCH", cfg.Stream)
	assert.Equal(t, 5, cfg.MaxDeliver)
	assert.Equal(t, uint64(5), cfg.ConnectAttempts)
	assert.NotEmpty(t, cfg.URL)
}

func TestFetchRetryPolicyBacksOff(t *testing.T) {
	b := fetchRetryPolicy()
	first := b.NextBackOff()
	assert.Greater(t, first, time.Duration(0))
	var last time.Duration
	for i := 0; i < 30; i++ {
		last = b.NextBackOff()
	}
	assert.Greater(t, last, first)
	assert.LessOrEqual(t, last, 15*time.Second)

	b.Reset()
	assert.LessOrEqual(t, b.NextBackOff(), 500*time.Millisecond)
}

func TestWaitRetryStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	started := time.Now()
	assert.False(t, waitRetry(ctx, backoff.NewConstantBackOff(time.Minute)))
	assert.Less(t, time.Since(started), time.Second)

	assert.True(t, waitRetry(context.Background(), backoff.NewConstantBackOff(time.Millisecond)))
	assert.False(t, waitRetry(context.Background(), &backoff.StopBackOff{}))
}

func TestPublishDeduplicatesAndConsumes(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set; skipping JetStream test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	tr, err := Connect(ctx, Config{
		URL:           url,
		Stream:        "WAVECREW_TEST_" + strings.ToUpper(suffix),
		SubjectPrefix: "wavecrew.test." + suffix,
		FetchWait:     500 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	defer tr.Close()
	defer func() { _ = tr.js.DeleteStream(context.Background(), tr.cfg.Stream) }()

	msg := domain.Message{
		ID:             uuid.NewString(),
		ProjectID:      "p1",
		TaskID:         "schema",
		Kind:           domain.MessageKindDispatch,
		Target:         string(domain.AgentDatabase),
		Payload:        []byte(`{"task_id":"schema"}`),
		IdempotencyKey: "dispatch-schema-w1-a0",
	}
	require.NoError(t, tr.Publish(ctx, msg))
	require.NoError(t, tr.Publish(ctx, msg))

	info, err := tr.stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)

	var (
		mu  sync.Mutex
		got []domain.Message
	)
	consumeCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- tr.Consume(consumeCtx, string(domain.AgentDatabase), func(_ context.Context, m domain.Message) error {
			mu.Lock()
			got = append(got, m)
			mu.Unlock()
			stop()
			return nil
		})
	}()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, msg.IdempotencyKey, got[0].IdempotencyKey)
	assert.JSONEq(t, `{"task_id":"schema"}`, string(got[0].Payload))
}
